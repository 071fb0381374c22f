// Package capture copies frames delivered by the media channels into the
// per-participant sequences that are persisted when the call ends.
package capture

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/CX-Karim/teams-recording-bot/internal/media"
	"github.com/CX-Karim/teams-recording-bot/internal/metrics"
	"github.com/CX-Karim/teams-recording-bot/internal/subscription"
)

var (
	// ErrLengthOutOfRange is reported when a buffer declares more bytes than
	// it holds.
	ErrLengthOutOfRange = errors.New("capture: frame length exceeds buffer")
	// ErrFrameTooLarge is reported for frames above the configured limit.
	ErrFrameTooLarge = errors.New("capture: frame too large")
)

// Resolver maps a channel to the source currently bound to it.
type Resolver interface {
	Resolve(channelID int) (subscription.Assignment, bool)
}

// Options tunes a Pipeline.
type Options struct {
	// MaxFrameBytes drops frames above this size. Zero means no limit.
	MaxFrameBytes int64
	// ScreenShare creates the screen-share sequence.
	ScreenShare bool
}

// Stats are the pipeline counters since creation.
type Stats struct {
	Captured int64
	Bytes    int64
	Dropped  int64
	Failures int64
}

// Sequences are the sequences a pipeline filled.
type Sequences struct {
	Audio *media.Sequence
	// ScreenShare is nil when the pipeline was created without it.
	ScreenShare *media.Sequence
	// Participants are ordered by participant id.
	Participants []*media.Sequence
}

// Pipeline implements the frame handlers for the audio, video and screen
// share channels of one call.
type Pipeline struct {
	log      zerolog.Logger
	metrics  *metrics.Metrics
	resolver Resolver
	maxBytes int64

	audio *media.Sequence
	share *media.Sequence

	mu    sync.Mutex
	video map[string]*media.Sequence

	captured atomic.Int64
	bytes    atomic.Int64
	dropped  atomic.Int64
	failures atomic.Int64
}

// New creates a pipeline resolving channel owners through r.
func New(r Resolver, opts Options, m *metrics.Metrics, log zerolog.Logger) *Pipeline {
	p := &Pipeline{
		log:      log.With().Str("component", "capture").Logger(),
		metrics:  m,
		resolver: r,
		maxBytes: opts.MaxFrameBytes,
		audio:    media.NewSequence("", "audio", media.ModalityAudio),
		video:    make(map[string]*media.Sequence),
	}
	if opts.ScreenShare {
		p.share = media.NewSequence("", "screenshare", media.ModalityScreenShare)
	}
	return p
}

// HandleAudio is the frame handler for the audio channel.
func (p *Pipeline) HandleAudio(channelID int, buf media.Buffer) {
	p.handle(media.ModalityAudio, channelID, buf)
}

// HandleVideo is the frame handler for the video channels.
func (p *Pipeline) HandleVideo(channelID int, buf media.Buffer) {
	p.handle(media.ModalityVideo, channelID, buf)
}

// HandleScreenShare is the frame handler for the screen-share channel.
func (p *Pipeline) HandleScreenShare(channelID int, buf media.Buffer) {
	p.handle(media.ModalityScreenShare, channelID, buf)
}

func (p *Pipeline) handle(m media.Modality, channelID int, buf media.Buffer) {
	defer buf.Release()
	defer func() {
		if r := recover(); r != nil {
			p.fail(m, channelID, fmt.Errorf("panic: %v", r))
		}
	}()

	if err := p.capture(m, channelID, buf); err != nil {
		p.fail(m, channelID, err)
	}
}

func (p *Pipeline) fail(m media.Modality, channelID int, err error) {
	p.failures.Add(1)
	p.dropped.Add(1)
	reason := metrics.DropFailure
	if errors.Is(err, ErrFrameTooLarge) {
		reason = metrics.DropOversize
	}
	p.metrics.FrameDropped(m.String(), reason)
	p.log.Warn().Err(err).Stringer("modality", m).Int("channel", channelID).Msg("frame dropped")
}

func (p *Pipeline) drop(m media.Modality, reason string) {
	p.dropped.Add(1)
	p.metrics.FrameDropped(m.String(), reason)
}

func (p *Pipeline) capture(m media.Modality, channelID int, buf media.Buffer) error {
	n := buf.Length()
	if n <= 0 {
		p.drop(m, metrics.DropEmpty)
		return nil
	}
	data := buf.Data()
	if n > int64(len(data)) {
		return fmt.Errorf("channel %d declares %d bytes, buffer holds %d: %w", channelID, n, len(data), ErrLengthOutOfRange)
	}
	if p.maxBytes > 0 && n > p.maxBytes {
		return fmt.Errorf("channel %d frame of %d bytes: %w", channelID, n, ErrFrameTooLarge)
	}

	frame := media.MediaFrame{Timestamp: buf.Timestamp()}
	var seq *media.Sequence

	switch m {
	case media.ModalityAudio:
		if ab, ok := buf.(media.AudioBuffer); ok {
			if speakers := ab.ActiveSpeakers(); len(speakers) > 0 {
				frame.ActiveSpeakers = append([]uint32(nil), speakers...)
			}
		}
		seq = p.audio
	case media.ModalityVideo, media.ModalityScreenShare:
		a, ok := p.resolver.Resolve(channelID)
		if !ok {
			p.drop(m, metrics.DropUnresolved)
			p.log.Warn().Stringer("modality", m).Int("channel", channelID).Msg("frame on unassigned channel dropped")
			return nil
		}
		if vb, ok := buf.(media.VideoBuffer); ok {
			f := vb.Format()
			frame.Width = f.Width
			frame.Height = f.Height
			frame.ColorFormat = f.ColorFormat
			frame.FrameRate = f.FrameRate
			frame.SourceID = vb.SourceID()
		}
		if frame.SourceID != 0 && frame.SourceID != a.SourceID {
			// The channel was reassigned after this frame was decoded.
			p.drop(m, metrics.DropStale)
			p.log.Warn().
				Stringer("modality", m).
				Int("channel", channelID).
				Uint32("frame_msi", frame.SourceID).
				Uint32("msi", a.SourceID).
				Msg("stale frame dropped")
			return nil
		}
		frame.SourceID = a.SourceID
		if m == media.ModalityScreenShare {
			seq = p.share
		} else {
			seq = p.ParticipantSequence(a.Participant)
		}
	default:
		return fmt.Errorf("channel %d: unsupported modality %v", channelID, m)
	}
	if seq == nil {
		p.drop(m, metrics.DropUnresolved)
		return nil
	}

	frame.Payload = make([]byte, n)
	copy(frame.Payload, data[:n])

	if !seq.Append(frame) {
		p.drop(m, metrics.DropFinalized)
		return nil
	}
	p.captured.Add(1)
	p.bytes.Add(n)
	p.metrics.FrameCaptured(m.String(), int(n))
	return nil
}

// ParticipantSequence returns the video sequence of participant, creating it
// on first use.
func (p *Pipeline) ParticipantSequence(participant media.Participant) *media.Sequence {
	p.mu.Lock()
	defer p.mu.Unlock()

	seq, ok := p.video[participant.ID]
	if !ok {
		seq = media.NewSequence(participant.ID, participant.DisplayName, media.ModalityVideo)
		p.video[participant.ID] = seq
	}
	return seq
}

// ScreenShareSequence returns the screen-share sequence, nil if disabled.
func (p *Pipeline) ScreenShareSequence() *media.Sequence {
	return p.share
}

// Sequences returns every sequence the pipeline holds.
func (p *Pipeline) Sequences() Sequences {
	p.mu.Lock()
	participants := make([]*media.Sequence, 0, len(p.video))
	for _, seq := range p.video {
		participants = append(participants, seq)
	}
	p.mu.Unlock()

	sort.Slice(participants, func(i, j int) bool {
		return participants[i].ParticipantID < participants[j].ParticipantID
	})
	return Sequences{
		Audio:        p.audio,
		ScreenShare:  p.share,
		Participants: participants,
	}
}

// Stats returns the current counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Captured: p.captured.Load(),
		Bytes:    p.bytes.Load(),
		Dropped:  p.dropped.Load(),
		Failures: p.failures.Load(),
	}
}
