package call

import (
	"context"
	"errors"
	"sync"

	"github.com/CX-Karim/teams-recording-bot/internal/media"
	"github.com/CX-Karim/teams-recording-bot/internal/storage"
)

type frame struct {
	data []byte
	ts   int64
	msi  uint32

	mu       sync.Mutex
	released bool
}

func (f *frame) Data() []byte              { return f.data }
func (f *frame) Length() int64             { return int64(len(f.data)) }
func (f *frame) Timestamp() int64          { return f.ts }
func (f *frame) Format() media.VideoFormat { return media.VideoFormat{Width: 640, Height: 360} }
func (f *frame) SourceID() uint32          { return f.msi }

func (f *frame) Release() {
	f.mu.Lock()
	f.released = true
	f.mu.Unlock()
}

func (f *frame) isReleased() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.released
}

type fakeChannel struct {
	id       int
	modality media.Modality
	slot     media.HandlerSlot

	mu          sync.Mutex
	msi         uint32
	subscribed  bool
	subscribes  int
	failNext    error
	speakerSlot func(uint32)
}

func (c *fakeChannel) ID() int                  { return c.id }
func (c *fakeChannel) Modality() media.Modality { return c.modality }

func (c *fakeChannel) OnFrame(h media.FrameHandler) media.Registration {
	return c.slot.Set(h)
}

func (c *fakeChannel) Subscribe(_ media.Resolution, msi uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failNext != nil {
		err := c.failNext
		c.failNext = nil
		return err
	}
	c.msi = msi
	c.subscribed = true
	c.subscribes++
	return nil
}

func (c *fakeChannel) Unsubscribe() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribed = false
	c.msi = 0
	return nil
}

func (c *fakeChannel) OnDominantSpeaker(fn func(uint32)) media.Registration {
	c.mu.Lock()
	c.speakerSlot = fn
	c.mu.Unlock()
	return media.RegistrationFunc(func() {
		c.mu.Lock()
		c.speakerSlot = nil
		c.mu.Unlock()
	})
}

func (c *fakeChannel) speak(msi uint32) {
	c.mu.Lock()
	fn := c.speakerSlot
	c.mu.Unlock()
	if fn != nil {
		fn(msi)
	}
}

func (c *fakeChannel) current() (uint32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.msi, c.subscribed
}

// deliver pushes a frame carrying the channel's current source.
func (c *fakeChannel) deliver(data []byte, ts int64) *frame {
	msi, _ := c.current()
	f := &frame{data: data, ts: ts, msi: msi}
	c.slot.Deliver(c.id, f)
	return f
}

type fakeRoster struct {
	mu       sync.Mutex
	observer media.RosterObserver
}

func (r *fakeRoster) Observe(o media.RosterObserver) media.Registration {
	r.mu.Lock()
	r.observer = o
	r.mu.Unlock()
	return media.RegistrationFunc(func() {
		r.mu.Lock()
		r.observer = nil
		r.mu.Unlock()
	})
}

func (r *fakeRoster) get() media.RosterObserver {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.observer
}

type fakeSession struct {
	audio  *fakeChannel
	video  []*fakeChannel
	share  *fakeChannel
	roster *fakeRoster

	mu     sync.Mutex
	closes int
}

func newFakeSession(k int, withShare bool) *fakeSession {
	s := &fakeSession{
		audio:  &fakeChannel{id: 100, modality: media.ModalityAudio},
		roster: &fakeRoster{},
	}
	for i := 0; i < k; i++ {
		s.video = append(s.video, &fakeChannel{id: i + 1, modality: media.ModalityVideo})
	}
	if withShare {
		s.share = &fakeChannel{id: 200, modality: media.ModalityScreenShare}
	}
	return s
}

func (s *fakeSession) AudioChannel() media.AudioChannel {
	if s.audio == nil {
		return nil
	}
	return s.audio
}

func (s *fakeSession) VideoChannels() []media.VideoChannel {
	out := make([]media.VideoChannel, len(s.video))
	for i, ch := range s.video {
		out[i] = ch
	}
	return out
}

func (s *fakeSession) ScreenShareChannel() media.VideoChannel {
	if s.share == nil {
		return nil
	}
	return s.share
}

func (s *fakeSession) Roster() media.RosterSource { return s.roster }

func (s *fakeSession) Close() error {
	s.mu.Lock()
	s.closes++
	s.mu.Unlock()
	return nil
}

func (s *fakeSession) channelFor(msi uint32) *fakeChannel {
	for _, ch := range s.video {
		if cur, ok := ch.current(); ok && cur == msi {
			return ch
		}
	}
	return nil
}

type memoryStore struct {
	mu       sync.Mutex
	payloads map[string]storage.Payload
	fail     map[storage.Kind]error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{payloads: make(map[string]storage.Payload), fail: make(map[storage.Kind]error)}
}

func (m *memoryStore) Save(ctx context.Context, p storage.Payload) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail[p.Kind]; err != nil {
		return err
	}
	m.payloads[string(p.Kind)+"/"+p.Name] = p
	return nil
}

func (m *memoryStore) get(kind storage.Kind, name string) (storage.Payload, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payloads[string(kind)+"/"+name]
	return p, ok
}

func (m *memoryStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.payloads)
}

var errDiskFull = errors.New("disk full")

func videoParticipant(id string, msi uint32) media.Participant {
	return media.Participant{
		ID:          id,
		DisplayName: "User " + id,
		Streams: []media.MediaStream{
			{Modality: media.ModalityAudio, SourceID: msi + 1000, Direction: media.DirectionSendReceive},
			{Modality: media.ModalityVideo, SourceID: msi, Direction: media.DirectionSendOnly},
		},
	}
}
