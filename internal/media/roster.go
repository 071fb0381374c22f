package media

// Participant is a call roster entry as reported by the runtime.
type Participant struct {
	ID          string
	DisplayName string
	InLobby     bool
	Streams     []MediaStream
}

// MediaStream is one outbound stream a participant advertises.
type MediaStream struct {
	Modality  Modality
	SourceID  uint32
	Direction Direction
}

// Stream returns the participant's first stream of modality m.
func (p Participant) Stream(m Modality) (MediaStream, bool) {
	for _, s := range p.Streams {
		if s.Modality == m {
			return s, true
		}
	}
	return MediaStream{}, false
}

// SendingStream returns the participant's first stream of modality m that
// is currently being sent. Ended streams listed before it are skipped.
func (p Participant) SendingStream(m Modality) (MediaStream, bool) {
	for _, s := range p.Streams {
		if s.Modality == m && s.Direction.CanSend() {
			return s, true
		}
	}
	return MediaStream{}, false
}

// HasSource reports whether any of the participant's streams uses msi.
func (p Participant) HasSource(msi uint32) bool {
	for _, s := range p.Streams {
		if s.SourceID == msi {
			return true
		}
	}
	return false
}

// DominantSpeakerNone is reported when nobody is speaking.
const DominantSpeakerNone uint32 = 0xFFFFFFFF

// RosterObserver receives roster changes from the runtime.
type RosterObserver interface {
	ParticipantAdded(p Participant)
	ParticipantRemoved(p Participant)
	ParticipantUpdated(old, updated Participant)
}

// RosterSource delivers roster changes until the registration is disposed.
type RosterSource interface {
	Observe(o RosterObserver) Registration
}
