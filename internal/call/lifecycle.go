// Package call owns the channels, subscriptions and captured media of one
// call from join to teardown.
package call

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/frostbyte73/core"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/CX-Karim/teams-recording-bot/internal/capture"
	"github.com/CX-Karim/teams-recording-bot/internal/media"
	"github.com/CX-Karim/teams-recording-bot/internal/metrics"
	"github.com/CX-Karim/teams-recording-bot/internal/storage"
	"github.com/CX-Karim/teams-recording-bot/internal/subscription"
)

// ErrNoAudioChannel is returned when the session has no audio channel.
var ErrNoAudioChannel = errors.New("call: session has no audio channel")

const defaultFlushConcurrency = 4

// Options configures a Lifecycle.
type Options struct {
	CallID     string
	Resolution media.Resolution
	// ScreenShare enables recording of the screen-share channel when the
	// session has one.
	ScreenShare                     bool
	ForceSubscribeOnDominantSpeaker bool
	MaxFrameBytes                   int64
	// FlushConcurrency bounds concurrent Store.Save calls at teardown.
	FlushConcurrency int
	Metrics          *metrics.Metrics
	Logger           zerolog.Logger
}

// Lifecycle wires a session's channels to the subscription manager and the
// capture pipeline, and flushes the captured media when closed.
type Lifecycle struct {
	log        zerolog.Logger
	metrics    *metrics.Metrics
	callID     string
	session    media.Session
	store      storage.Store
	flushLimit int

	manager  *subscription.Manager
	pipeline *capture.Pipeline
	handler  *Handler

	tokens []media.Registration

	closeOnce sync.Once
	closed    core.Fuse
	closeErr  error
}

// NewLifecycle registers every callback on session. The returned Lifecycle
// must be closed to release them.
func NewLifecycle(session media.Session, store storage.Store, opts Options) (*Lifecycle, error) {
	audio := session.AudioChannel()
	if audio == nil {
		return nil, ErrNoAudioChannel
	}
	if store == nil {
		return nil, errors.New("call: store is required")
	}

	log := opts.Logger.With().Str("component", "call").Str("call_id", opts.CallID).Logger()

	video := session.VideoChannels()
	ids := make([]int, 0, len(video))
	for _, ch := range video {
		ids = append(ids, ch.ID())
	}
	share := session.ScreenShareChannel()
	if !opts.ScreenShare {
		share = nil
	}

	r := newRouter(video, share)
	cfg := subscription.Config{
		Channels:   ids,
		Resolution: opts.Resolution,
		OnEvict:    r.evicted,
	}
	if share != nil {
		cfg.HasScreenShare = true
		cfg.ScreenShareChannel = share.ID()
	}
	mgr, err := subscription.NewManager(cfg, r, opts.Metrics, opts.Logger)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", opts.CallID, err)
	}

	pipeline := capture.New(mgr, capture.Options{
		MaxFrameBytes: opts.MaxFrameBytes,
		ScreenShare:   share != nil,
	}, opts.Metrics, opts.Logger)
	r.pipeline = pipeline

	flushLimit := opts.FlushConcurrency
	if flushLimit <= 0 {
		flushLimit = defaultFlushConcurrency
	}

	l := &Lifecycle{
		log:        log,
		metrics:    opts.Metrics,
		callID:     opts.CallID,
		session:    session,
		store:      store,
		flushLimit: flushLimit,
		manager:    mgr,
		pipeline:   pipeline,
		handler:    NewHandler(mgr, opts.ForceSubscribeOnDominantSpeaker, opts.Logger),
	}

	l.tokens = append(l.tokens, audio.OnFrame(pipeline.HandleAudio))
	for _, ch := range video {
		l.tokens = append(l.tokens, ch.OnFrame(pipeline.HandleVideo))
	}
	if share != nil {
		l.tokens = append(l.tokens, share.OnFrame(pipeline.HandleScreenShare))
	}
	l.tokens = append(l.tokens, audio.OnDominantSpeaker(l.handler.DominantSpeakerChanged))
	if roster := session.Roster(); roster != nil {
		l.tokens = append(l.tokens, roster.Observe(l.handler))
	} else {
		log.Warn().Msg("session reports no roster, nothing will be subscribed")
	}

	log.Info().
		Int("video_channels", len(video)).
		Bool("screen_share", share != nil).
		Stringer("resolution", opts.Resolution).
		Msg("call recording started")
	return l, nil
}

// Manager returns the call's subscription manager.
func (l *Lifecycle) Manager() *subscription.Manager { return l.manager }

// Handler returns the roster handler registered with the session.
func (l *Lifecycle) Handler() *Handler { return l.handler }

// Assignments returns the current channel assignments.
func (l *Lifecycle) Assignments() []subscription.Assignment { return l.manager.Snapshot() }

// Stats returns the capture counters.
func (l *Lifecycle) Stats() capture.Stats { return l.pipeline.Stats() }

// CallID of the recorded call
func (l *Lifecycle) CallID() string { return l.callID }

// Done is closed once Close has finished.
func (l *Lifecycle) Done() <-chan struct{} {
	return l.closed.Watch()
}

// Close stops capturing, persists every sequence and closes the session.
// Later calls return the result of the first.
func (l *Lifecycle) Close(ctx context.Context) error {
	l.closeOnce.Do(func() {
		l.closeErr = l.teardown(ctx)
		l.closed.Break()
	})
	return l.closeErr
}

func (l *Lifecycle) teardown(ctx context.Context) error {
	// Roster and speaker callbacks were registered last; disposing in
	// reverse stops new subscriptions before the frame handlers go.
	for i := len(l.tokens) - 1; i >= 0; i-- {
		l.tokens[i].Dispose()
	}
	l.tokens = nil

	payloads := l.payloads()

	var (
		mu   sync.Mutex
		errs []error
	)
	g := new(errgroup.Group)
	g.SetLimit(l.flushLimit)
	for _, p := range payloads {
		p := p
		g.Go(func() error {
			if err := l.store.Save(ctx, p); err != nil {
				l.metrics.FlushFailed(string(p.Kind))
				l.log.Error().Err(err).Str("kind", string(p.Kind)).Str("name", p.Name).Msg("failed to persist payload")
				mu.Lock()
				errs = append(errs, fmt.Errorf("save %s %q: %w", p.Kind, p.Name, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := l.session.Close(); err != nil {
		l.log.Error().Err(err).Msg("failed to close session")
		errs = append(errs, fmt.Errorf("close session: %w", err))
	}

	stats := l.pipeline.Stats()
	l.log.Info().
		Int("payloads", len(payloads)).
		Int("failed", len(errs)).
		Int64("frames", stats.Captured).
		Int64("bytes", stats.Bytes).
		Int64("dropped", stats.Dropped).
		Msg("call recording finished")
	return errors.Join(errs...)
}

// payloads finalizes every sequence and wraps it for the store.
func (l *Lifecycle) payloads() []storage.Payload {
	seqs := l.pipeline.Sequences()
	roster := l.handler.Roster()
	out := make([]storage.Payload, 0, len(seqs.Participants)+3)

	for _, seq := range seqs.Participants {
		out = append(out, l.sequencePayload(storage.KindParticipant, seq.ParticipantID, seq, roster))
	}
	audio := l.sequencePayload(storage.KindAudio, "", seqs.Audio, roster)
	q := audio.Body.(media.SequenceSnapshot).AudioQuality()
	audio.Metadata["durationMs"] = strconv.FormatInt(q.Duration.Milliseconds(), 10)
	audio.Metadata["maxGapMs"] = strconv.FormatInt(q.MaxGap.Milliseconds(), 10)
	audio.Metadata["speakers"] = strconv.Itoa(q.Speakers)
	out = append(out, audio)
	if seqs.ScreenShare != nil {
		out = append(out, l.sequencePayload(storage.KindScreenShare, "", seqs.ScreenShare, roster))
	}

	out = append(out, storage.Payload{
		Kind:     storage.KindRoster,
		Metadata: map[string]string{"callId": l.callID, "participants": strconv.Itoa(len(roster))},
		Body:     roster,
	})
	return out
}

// sequencePayload finalizes seq. The participant's latest roster name wins
// over the one seen when the sequence was created.
func (l *Lifecycle) sequencePayload(kind storage.Kind, name string, seq *media.Sequence, roster map[string]string) storage.Payload {
	snap := seq.Finalize()
	if latest := roster[snap.ParticipantID]; snap.ParticipantID != "" && latest != "" {
		snap.DisplayName = latest
	}
	meta := map[string]string{
		"callId":   l.callID,
		"modality": snap.Modality,
		"frames":   strconv.Itoa(len(snap.Frames)),
		"bytes":    strconv.FormatInt(snap.Bytes, 10),
	}
	if snap.ParticipantID != "" {
		meta["participantId"] = snap.ParticipantID
		meta["displayName"] = snap.DisplayName
	}
	return storage.Payload{Kind: kind, Name: name, Metadata: meta, Body: snap}
}
