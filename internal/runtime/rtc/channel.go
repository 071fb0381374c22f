package rtc

import (
	"github.com/CX-Karim/teams-recording-bot/internal/media"
)

// sampleBuffer carries one depacketized sample. The data is owned by the
// buffer, so Release has nothing to return.
type sampleBuffer struct {
	data     []byte
	ts       int64
	format   media.VideoFormat
	msi      uint32
	speakers []uint32
}

func (b *sampleBuffer) Data() []byte              { return b.data }
func (b *sampleBuffer) Length() int64             { return int64(len(b.data)) }
func (b *sampleBuffer) Timestamp() int64          { return b.ts }
func (b *sampleBuffer) Format() media.VideoFormat { return b.format }
func (b *sampleBuffer) SourceID() uint32          { return b.msi }
func (b *sampleBuffer) ActiveSpeakers() []uint32  { return b.speakers }
func (b *sampleBuffer) Release()                  {}

// channel delivers on the goroutine of the track that produced the sample.
type channel struct {
	id       int
	modality media.Modality
	slot     media.HandlerSlot
}

func (c *channel) ID() int                  { return c.id }
func (c *channel) Modality() media.Modality { return c.modality }

func (c *channel) OnFrame(h media.FrameHandler) media.Registration {
	return c.slot.Set(h)
}

// videoChannel forwards the samples of the one video track bound to it.
// bound is guarded by the session mutex, 0 when unbound.
type videoChannel struct {
	channel
	session *Session
	bound   uint32
}

func (c *videoChannel) Subscribe(_ media.Resolution, msi uint32) error {
	return c.session.bind(c, msi)
}

func (c *videoChannel) Unsubscribe() error {
	c.session.unbind(c)
	return nil
}

type audioChannel struct {
	channel
	speakers media.SpeakerSlot
}

func (c *audioChannel) OnDominantSpeaker(fn func(msi uint32)) media.Registration {
	return c.speakers.Set(fn)
}
