package ipc

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/CX-Karim/teams-recording-bot/internal/media"
)

// frameBuffer is a pooled media.Buffer. Release returns it to the pool.
type frameBuffer struct {
	raw      []byte
	off, n   int
	ts       int64
	prefix   VideoPrefix
	speakers []uint32

	released atomic.Bool
	pool     *sync.Pool
}

func (b *frameBuffer) Data() []byte              { return b.raw[b.off : b.off+b.n] }
func (b *frameBuffer) Length() int64             { return int64(b.n) }
func (b *frameBuffer) Timestamp() int64          { return b.ts }
func (b *frameBuffer) Format() media.VideoFormat { return b.prefix.Format }
func (b *frameBuffer) SourceID() uint32          { return b.prefix.SourceID }
func (b *frameBuffer) ActiveSpeakers() []uint32  { return b.speakers }

func (b *frameBuffer) Release() {
	if !b.released.CompareAndSwap(false, true) {
		return
	}
	if b.pool != nil {
		b.pool.Put(b)
	}
}

// channel delivers queued frames to its handler on its own goroutine.
type channel struct {
	id       int
	modality media.Modality
	session  *Session
	log      zerolog.Logger

	slot    media.HandlerSlot
	queue   chan *frameBuffer
	done    chan struct{}
	frames  atomic.Int64
	dropped atomic.Int64
}

func newChannel(s *Session, id int, m media.Modality, queueSize int) *channel {
	c := &channel{
		id:       id,
		modality: m,
		session:  s,
		log:      s.log.With().Int("channel", id).Stringer("modality", m).Logger(),
		queue:    make(chan *frameBuffer, queueSize),
		done:     make(chan struct{}),
	}
	go c.run()
	return c
}

func (c *channel) ID() int                  { return c.id }
func (c *channel) Modality() media.Modality { return c.modality }

func (c *channel) OnFrame(h media.FrameHandler) media.Registration {
	return c.slot.Set(h)
}

func (c *channel) run() {
	defer close(c.done)
	for b := range c.queue {
		c.slot.Deliver(c.id, b)
	}
}

// enqueue hands b to the delivery goroutine without blocking the reader.
func (c *channel) enqueue(b *frameBuffer) {
	select {
	case c.queue <- b:
		if n := c.frames.Add(1); n%300 == 0 {
			c.log.Debug().Int64("frames", n).Int64("dropped", c.dropped.Load()).Msg("IPC frames received")
		}
	default:
		b.Release()
		if n := c.dropped.Add(1); n == 1 || n%100 == 0 {
			c.log.Warn().Int64("dropped", n).Msg("IPC frame dropped (queue full)")
		}
	}
}

// stop drains the queue. No enqueue may follow.
func (c *channel) stop() {
	close(c.queue)
	<-c.done
}

type videoChannel struct {
	*channel
}

func (c videoChannel) Subscribe(res media.Resolution, msi uint32) error {
	return c.session.send(Header{Type: MessageSubscribe, Channel: uint8(c.id), Value: subscribeValue(msi, res)})
}

func (c videoChannel) Unsubscribe() error {
	return c.session.send(Header{Type: MessageUnsubscribe, Channel: uint8(c.id)})
}

type audioChannel struct {
	*channel
	speakers media.SpeakerSlot
}

func (c *audioChannel) OnDominantSpeaker(fn func(msi uint32)) media.Registration {
	return c.speakers.Set(fn)
}
