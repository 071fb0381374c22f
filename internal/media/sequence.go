package media

import (
	"sync"
	"time"
)

// EventKind labels a subscription change recorded in a sequence
type EventKind string

const (
	EventSubscribed   EventKind = "subscribed"
	EventUnsubscribed EventKind = "unsubscribed"
	EventEvicted      EventKind = "evicted"
)

// SubscriptionEvent marks the point where a participant gained or lost a
// channel, so gaps in the frame sequence can be explained.
type SubscriptionEvent struct {
	Kind      EventKind `json:"kind" msgpack:"kind"`
	Timestamp time.Time `json:"timestamp" msgpack:"timestamp"`
	ChannelID int       `json:"channelId" msgpack:"channelId"`
	SourceID  uint32    `json:"sourceId" msgpack:"sourceId"`
}

// Sequence is the append-only, arrival-ordered list of frames captured for one
// participant (or for the call's audio or screen share). Appends may come
// from channel goroutines while the owner reads it.
type Sequence struct {
	ParticipantID string
	DisplayName   string
	Modality      Modality

	mu        sync.Mutex
	frames    []MediaFrame
	events    []SubscriptionEvent
	bytes     int64
	finalized bool
	rejected  int64
}

// SequenceSnapshot is the finalized content of a Sequence.
type SequenceSnapshot struct {
	ParticipantID string              `json:"participantId,omitempty" msgpack:"participantId,omitempty"`
	DisplayName   string              `json:"displayName,omitempty" msgpack:"displayName,omitempty"`
	Modality      string              `json:"modality" msgpack:"modality"`
	Frames        []MediaFrame        `json:"frames" msgpack:"frames"`
	Events        []SubscriptionEvent `json:"events,omitempty" msgpack:"events,omitempty"`
	Bytes         int64               `json:"bytes" msgpack:"bytes"`
}

// NewSequence creates an empty sequence.
func NewSequence(participantID, displayName string, m Modality) *Sequence {
	return &Sequence{
		ParticipantID: participantID,
		DisplayName:   displayName,
		Modality:      m,
	}
}

// Append adds f at the end. It returns false once the sequence is finalized.
func (s *Sequence) Append(f MediaFrame) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finalized {
		s.rejected++
		return false
	}
	s.frames = append(s.frames, f)
	s.bytes += int64(len(f.Payload))
	return true
}

// AppendEvent records a subscription change.
func (s *Sequence) AppendEvent(ev SubscriptionEvent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finalized {
		s.rejected++
		return false
	}
	s.events = append(s.events, ev)
	return true
}

// Len returns the number of frames.
func (s *Sequence) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

// Bytes returns the total payload size held.
func (s *Sequence) Bytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytes
}

// Frames returns a copy of the frame list.
func (s *Sequence) Frames() []MediaFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]MediaFrame, len(s.frames))
	copy(out, s.frames)
	return out
}

// Events returns a copy of the recorded subscription events.
func (s *Sequence) Events() []SubscriptionEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SubscriptionEvent, len(s.events))
	copy(out, s.events)
	return out
}

// Finalize closes the sequence for appends and returns its content. Later
// calls return the same content.
func (s *Sequence) Finalize() SequenceSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finalized = true
	return SequenceSnapshot{
		ParticipantID: s.ParticipantID,
		DisplayName:   s.DisplayName,
		Modality:      s.Modality.String(),
		Frames:        s.frames,
		Events:        s.events,
		Bytes:         s.bytes,
	}
}

// AudioQuality summarizes how continuous a captured audio sequence was.
type AudioQuality struct {
	Duration time.Duration
	// MaxGap is the longest stretch between consecutive frames.
	MaxGap   time.Duration
	Speakers int
}

// AudioQuality computes quality figures from frame timestamps and the
// active speakers they carry.
func (s SequenceSnapshot) AudioQuality() AudioQuality {
	var q AudioQuality
	if len(s.Frames) == 0 {
		return q
	}
	speakers := make(map[uint32]struct{})
	first, last := s.Frames[0].Timestamp, s.Frames[0].Timestamp
	prev := first
	for _, f := range s.Frames {
		if gap := time.Duration(f.Timestamp-prev) * 100; gap > q.MaxGap {
			q.MaxGap = gap
		}
		if f.Timestamp > prev {
			prev = f.Timestamp
		}
		first = min(first, f.Timestamp)
		last = max(last, f.Timestamp)
		for _, msi := range f.ActiveSpeakers {
			speakers[msi] = struct{}{}
		}
	}
	q.Duration = time.Duration(last-first) * 100
	q.Speakers = len(speakers)
	return q
}

// Finalized reports whether Finalize has been called.
func (s *Sequence) Finalized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finalized
}

// Rejected returns how many appends were refused after finalization.
func (s *Sequence) Rejected() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rejected
}
