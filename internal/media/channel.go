package media

import "sync"

// FrameHandler is invoked by a channel on its delivery goroutine for every
// frame. The handler owns buf and must release it.
type FrameHandler func(channelID int, buf Buffer)

// Registration is the token returned by an observer registration. Dispose
// detaches the observer; it is safe to call more than once.
type Registration interface {
	Dispose()
}

// RegistrationFunc adapts a function to Registration. The function runs at
// most once.
func RegistrationFunc(fn func()) Registration {
	return &funcRegistration{fn: fn}
}

type funcRegistration struct {
	once sync.Once
	fn   func()
}

func (r *funcRegistration) Dispose() {
	r.once.Do(r.fn)
}

// Channel is one decode channel of the media runtime.
type Channel interface {
	ID() int
	Modality() Modality
	OnFrame(h FrameHandler) Registration
}

// VideoChannel is a camera or screen-share channel that is pointed at one
// media source at a time.
type VideoChannel interface {
	Channel
	Subscribe(res Resolution, msi uint32) error
	Unsubscribe() error
}

// AudioChannel receives the call's audio and reports dominant speaker changes.
type AudioChannel interface {
	Channel
	OnDominantSpeaker(fn func(msi uint32)) Registration
}

// Session is the set of channels the runtime created for one call.
type Session interface {
	AudioChannel() AudioChannel
	VideoChannels() []VideoChannel
	// ScreenShareChannel returns nil when screen sharing was not negotiated.
	ScreenShareChannel() VideoChannel
	// Roster returns nil when the runtime does not report participants.
	Roster() RosterSource
	Close() error
}

// HandlerSlot holds at most one FrameHandler for a channel implementation.
// Dispose of the returned registration waits for an in-flight Deliver to
// finish, and no delivery starts after it returns.
type HandlerSlot struct {
	mu      sync.RWMutex
	handler FrameHandler
	gen     uint64
}

// Set installs h, replacing any previous handler.
func (s *HandlerSlot) Set(h FrameHandler) Registration {
	s.mu.Lock()
	s.gen++
	gen := s.gen
	s.handler = h
	s.mu.Unlock()

	return RegistrationFunc(func() {
		s.mu.Lock()
		if s.gen == gen {
			s.handler = nil
		}
		s.mu.Unlock()
	})
}

// Deliver hands buf to the current handler. Without a handler the buffer is
// released here and Deliver returns false.
func (s *HandlerSlot) Deliver(channelID int, buf Buffer) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.handler == nil {
		buf.Release()
		return false
	}
	s.handler(channelID, buf)
	return true
}

// Active reports whether a handler is installed.
func (s *HandlerSlot) Active() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.handler != nil
}

// SpeakerSlot holds the dominant speaker callback of an audio channel.
// Dispose waits for an in-flight call.
type SpeakerSlot struct {
	mu  sync.RWMutex
	fn  func(uint32)
	gen uint64
}

// Set installs fn, replacing any previous callback.
func (s *SpeakerSlot) Set(fn func(msi uint32)) Registration {
	s.mu.Lock()
	s.gen++
	gen := s.gen
	s.fn = fn
	s.mu.Unlock()
	return RegistrationFunc(func() {
		s.mu.Lock()
		if s.gen == gen {
			s.fn = nil
		}
		s.mu.Unlock()
	})
}

// Deliver reports msi to the current callback, if any.
func (s *SpeakerSlot) Deliver(msi uint32) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.fn != nil {
		s.fn(msi)
	}
}

// Observers is a RosterSource backed by a set of registered observers.
type Observers struct {
	mu   sync.RWMutex
	next uint64
	m    map[uint64]RosterObserver
}

// Observe registers obs until the returned token is disposed.
func (o *Observers) Observe(obs RosterObserver) Registration {
	o.mu.Lock()
	if o.m == nil {
		o.m = make(map[uint64]RosterObserver)
	}
	o.next++
	id := o.next
	o.m[id] = obs
	o.mu.Unlock()
	return RegistrationFunc(func() {
		o.mu.Lock()
		delete(o.m, id)
		o.mu.Unlock()
	})
}

// Each calls fn for every registered observer. Dispose waits for it.
func (o *Observers) Each(fn func(RosterObserver)) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	for _, obs := range o.m {
		fn(obs)
	}
}
