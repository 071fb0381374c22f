// Package subscription decides which media sources get one of the call's
// scarce video decode channels.
package subscription

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/CX-Karim/teams-recording-bot/internal/media"
	"github.com/CX-Karim/teams-recording-bot/internal/metrics"
	"github.com/CX-Karim/teams-recording-bot/internal/socket"
)

// ErrInvalidMediaType is returned for subscriptions on anything other than
// video or screen share.
var ErrInvalidMediaType = errors.New("subscription: invalid media type")

const noChannel = -1

// Commander issues subscribe and unsubscribe commands to the channels.
type Commander interface {
	Subscribe(m media.Modality, msi uint32, res media.Resolution, p media.Participant, channelID int) error
	Unsubscribe(m media.Modality, channelID int) error
}

// Outcome of a Subscribe call
type Outcome int

const (
	// OutcomeSkipped means no channel was available and the source is not
	// recorded until one frees up.
	OutcomeSkipped Outcome = iota
	// OutcomeRefreshed means the source already had a channel.
	OutcomeRefreshed
	// OutcomeAssigned means a free channel was assigned.
	OutcomeAssigned
	// OutcomeReassigned means the channel of an evicted source was taken over.
	OutcomeReassigned
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSkipped:
		return "skipped"
	case OutcomeRefreshed:
		return "refreshed"
	case OutcomeAssigned:
		return "assigned"
	case OutcomeReassigned:
		return "reassigned"
	default:
		return "unknown"
	}
}

// Assignment binds a media source to a channel.
type Assignment struct {
	Modality    media.Modality
	ChannelID   int
	SourceID    uint32
	Participant media.Participant
}

// Result describes what Subscribe did.
type Result struct {
	Outcome   Outcome
	ChannelID int
	// Evicted is set when another source lost its channel to this one.
	Evicted *Assignment
}

// Config describes the channels the manager hands out.
type Config struct {
	// Channels are the ids of the K video channels.
	Channels []int
	// ScreenShareChannel is the id of the screen-share channel, used when
	// HasScreenShare is set.
	ScreenShareChannel int
	HasScreenShare     bool
	Resolution         media.Resolution
	// OnEvict is called, with the manager locked, for each source evicted by
	// a forced subscription.
	OnEvict func(Assignment)
}

// Manager multiplexes an unbounded set of video sources onto K channels. One
// lock covers the channel pool, the LRU cache and the source/channel maps so
// that concurrent roster events never race for the same free channel.
type Manager struct {
	log        zerolog.Logger
	metrics    *metrics.Metrics
	commander  Commander
	resolution media.Resolution
	onEvict    func(Assignment)

	mu        sync.RWMutex
	capacity  int
	pool      *socket.Pool
	cache     *Cache[uint32]
	byMSI     map[uint32]int
	byChannel map[int]Assignment

	hasShare     bool
	shareChannel int
	share        *Assignment
}

// NewManager creates a manager for cfg.Channels.
func NewManager(cfg Config, cmd Commander, m *metrics.Metrics, log zerolog.Logger) (*Manager, error) {
	if cmd == nil {
		return nil, errors.New("subscription: nil commander")
	}
	cache, err := NewCache[uint32](len(cfg.Channels))
	if err != nil {
		return nil, err
	}
	seen := make(map[int]bool, len(cfg.Channels))
	for _, id := range cfg.Channels {
		if seen[id] {
			return nil, fmt.Errorf("subscription: duplicate video channel %d", id)
		}
		seen[id] = true
	}
	if cfg.HasScreenShare && seen[cfg.ScreenShareChannel] {
		return nil, fmt.Errorf("subscription: screen share channel %d is also a video channel", cfg.ScreenShareChannel)
	}

	log = log.With().Str("component", "subscription-manager").Logger()
	return &Manager{
		log:          log,
		metrics:      m,
		commander:    cmd,
		resolution:   cfg.Resolution,
		onEvict:      cfg.OnEvict,
		capacity:     len(cfg.Channels),
		pool:         socket.New(cfg.Channels, log),
		cache:        cache,
		byMSI:        make(map[uint32]int),
		byChannel:    make(map[int]Assignment),
		hasShare:     cfg.HasScreenShare,
		shareChannel: cfg.ScreenShareChannel,
	}, nil
}

// Subscribe asks for a channel for source msi of participant p. With force
// set, a video source is admitted even when all channels are taken, evicting
// the least recently subscribed source.
func (mgr *Manager) Subscribe(m media.Modality, msi uint32, p media.Participant, force bool) (Result, error) {
	switch m {
	case media.ModalityVideo:
		return mgr.subscribeVideo(msi, p, force)
	case media.ModalityScreenShare:
		return mgr.subscribeScreenShare(msi, p)
	default:
		mgr.log.Error().Stringer("modality", m).Uint32("msi", msi).Msg("subscribe rejected: invalid media type")
		return Result{ChannelID: noChannel}, fmt.Errorf("subscribe %v: %w", m, ErrInvalidMediaType)
	}
}

func (mgr *Manager) subscribeVideo(msi uint32, p media.Participant, force bool) (Result, error) {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()

	channelID := noChannel
	_, mapped := mgr.byMSI[msi]
	updateCache := false
	subscribe := false

	if mgr.cache.Count() < mgr.capacity {
		if !mapped {
			id, ok := mgr.pool.Allocate()
			if !ok {
				return mgr.skipped(msi, p, "pool exhausted"), nil
			}
			channelID = id
			subscribe = true
		}
		updateCache = true
	} else if force {
		updateCache = true
		subscribe = true
	}

	if !updateCache {
		if mapped {
			id := mgr.byMSI[msi]
			mgr.metrics.SubscriptionDecided(media.ModalityVideo.String(), OutcomeRefreshed.String())
			return Result{Outcome: OutcomeRefreshed, ChannelID: id}, nil
		}
		return mgr.skipped(msi, p, "all channels assigned"), nil
	}

	var evicted *Assignment
	if old, ok := mgr.cache.TryInsert(msi); ok {
		if id, had := mgr.byMSI[old]; had {
			prev := mgr.byChannel[id]
			delete(mgr.byMSI, old)
			delete(mgr.byChannel, id)
			evicted = &prev
			channelID = id
		}
	}

	if mapped {
		id := mgr.byMSI[msi]
		mgr.metrics.SubscriptionDecided(media.ModalityVideo.String(), OutcomeRefreshed.String())
		mgr.log.Debug().Uint32("msi", msi).Int("channel", id).Msg("source already subscribed")
		return Result{Outcome: OutcomeRefreshed, ChannelID: id}, nil
	}

	if !subscribe || channelID == noChannel {
		// Cache entries only exist for sources that hold a channel.
		mgr.cache.TryRemove(msi)
		return mgr.skipped(msi, p, "no channel reclaimed"), nil
	}

	a := Assignment{Modality: media.ModalityVideo, ChannelID: channelID, SourceID: msi, Participant: p}
	mgr.byMSI[msi] = channelID
	mgr.byChannel[channelID] = a

	outcome := OutcomeAssigned
	if evicted != nil {
		outcome = OutcomeReassigned
		mgr.metrics.Evicted()
		mgr.log.Info().
			Uint32("evicted_msi", evicted.SourceID).
			Str("evicted_participant", evicted.Participant.ID).
			Uint32("msi", msi).
			Int("channel", channelID).
			Msg("evicted least recently subscribed source")
		if mgr.onEvict != nil {
			mgr.onEvict(*evicted)
		}
	}

	if err := mgr.commander.Subscribe(media.ModalityVideo, msi, mgr.resolution, p, channelID); err != nil {
		delete(mgr.byMSI, msi)
		delete(mgr.byChannel, channelID)
		mgr.cache.TryRemove(msi)
		if rerr := mgr.pool.Release(channelID); rerr != nil {
			mgr.log.Error().Err(rerr).Int("channel", channelID).Msg("failed to return channel after subscribe error")
		}
		mgr.metrics.SetAssigned(mgr.pool.Assigned())
		mgr.metrics.SubscriptionDecided(media.ModalityVideo.String(), "failed")
		mgr.log.Error().Err(err).Uint32("msi", msi).Int("channel", channelID).Msg("video subscribe failed")
		return Result{Outcome: OutcomeSkipped, ChannelID: noChannel, Evicted: evicted},
			fmt.Errorf("subscribe msi %d on channel %d: %w", msi, channelID, err)
	}

	mgr.metrics.SetAssigned(mgr.pool.Assigned())
	mgr.metrics.SubscriptionDecided(media.ModalityVideo.String(), outcome.String())
	mgr.log.Info().
		Uint32("msi", msi).
		Int("channel", channelID).
		Str("participant", p.ID).
		Int("free", mgr.pool.Free()).
		Msg("subscribed video source")
	return Result{Outcome: outcome, ChannelID: channelID, Evicted: evicted}, nil
}

func (mgr *Manager) skipped(msi uint32, p media.Participant, reason string) Result {
	mgr.metrics.SubscriptionDecided(media.ModalityVideo.String(), OutcomeSkipped.String())
	mgr.log.Info().
		Uint32("msi", msi).
		Str("participant", p.ID).
		Str("reason", reason).
		Msg("no video channel available, source not recorded")
	return Result{Outcome: OutcomeSkipped, ChannelID: noChannel}
}

func (mgr *Manager) subscribeScreenShare(msi uint32, p media.Participant) (Result, error) {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()

	modality := media.ModalityScreenShare.String()
	if !mgr.hasShare {
		mgr.metrics.SubscriptionDecided(modality, OutcomeSkipped.String())
		mgr.log.Warn().Uint32("msi", msi).Msg("screen share channel not initialized")
		return Result{Outcome: OutcomeSkipped, ChannelID: noChannel}, nil
	}
	if mgr.share != nil && mgr.share.SourceID == msi {
		mgr.metrics.SubscriptionDecided(modality, OutcomeRefreshed.String())
		return Result{Outcome: OutcomeRefreshed, ChannelID: mgr.shareChannel}, nil
	}

	var prev *Assignment
	if mgr.share != nil {
		prev = mgr.share
		mgr.share = nil
		if err := mgr.commander.Unsubscribe(media.ModalityScreenShare, mgr.shareChannel); err != nil {
			mgr.log.Error().Err(err).Uint32("msi", prev.SourceID).Msg("failed to unsubscribe previous sharer")
		}
	}

	if err := mgr.commander.Subscribe(media.ModalityScreenShare, msi, mgr.resolution, p, mgr.shareChannel); err != nil {
		mgr.metrics.SubscriptionDecided(modality, "failed")
		mgr.log.Error().Err(err).Uint32("msi", msi).Msg("screen share subscribe failed")
		return Result{Outcome: OutcomeSkipped, ChannelID: noChannel, Evicted: prev},
			fmt.Errorf("subscribe screen share msi %d: %w", msi, err)
	}

	mgr.share = &Assignment{
		Modality:    media.ModalityScreenShare,
		ChannelID:   mgr.shareChannel,
		SourceID:    msi,
		Participant: p,
	}
	outcome := OutcomeAssigned
	if prev != nil {
		outcome = OutcomeReassigned
	}
	mgr.metrics.SubscriptionDecided(modality, outcome.String())
	mgr.log.Info().Uint32("msi", msi).Str("participant", p.ID).Msg("subscribed screen share sharer")
	return Result{Outcome: outcome, ChannelID: mgr.shareChannel, Evicted: prev}, nil
}

// Unsubscribe releases channelID, invoked when the source bound to it stopped
// sending. A channel with no current mapping is left alone.
func (mgr *Manager) Unsubscribe(m media.Modality, channelID int) error {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()

	switch m {
	case media.ModalityVideo:
		a, ok := mgr.byChannel[channelID]
		if !ok {
			mgr.log.Debug().Int("channel", channelID).Msg("unsubscribe of unmapped channel ignored")
			return nil
		}
		return mgr.unsubscribeVideoLocked(a.SourceID)
	case media.ModalityScreenShare:
		if mgr.share == nil || channelID != mgr.shareChannel {
			return nil
		}
		return mgr.unsubscribeShareLocked()
	default:
		mgr.log.Error().Stringer("modality", m).Int("channel", channelID).Msg("unsubscribe rejected: invalid media type")
		return fmt.Errorf("unsubscribe %v: %w", m, ErrInvalidMediaType)
	}
}

// UnsubscribeSource releases whatever channel source msi holds.
func (mgr *Manager) UnsubscribeSource(m media.Modality, msi uint32) error {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()

	switch m {
	case media.ModalityVideo:
		return mgr.unsubscribeVideoLocked(msi)
	case media.ModalityScreenShare:
		if mgr.share == nil || mgr.share.SourceID != msi {
			return nil
		}
		return mgr.unsubscribeShareLocked()
	default:
		mgr.log.Error().Stringer("modality", m).Uint32("msi", msi).Msg("unsubscribe rejected: invalid media type")
		return fmt.Errorf("unsubscribe %v: %w", m, ErrInvalidMediaType)
	}
}

func (mgr *Manager) unsubscribeVideoLocked(msi uint32) error {
	if !mgr.cache.TryRemove(msi) {
		mgr.log.Debug().Uint32("msi", msi).Msg("unsubscribe of unmapped source ignored")
		return nil
	}
	id, ok := mgr.byMSI[msi]
	if !ok {
		return nil
	}
	delete(mgr.byMSI, msi)
	delete(mgr.byChannel, id)

	err := mgr.commander.Unsubscribe(media.ModalityVideo, id)
	if rerr := mgr.pool.Release(id); rerr != nil {
		mgr.log.Error().Err(rerr).Int("channel", id).Msg("channel bookkeeping out of sync")
	}
	mgr.metrics.SetAssigned(mgr.pool.Assigned())

	if err != nil {
		mgr.log.Error().Err(err).Uint32("msi", msi).Int("channel", id).Msg("video unsubscribe failed")
		return fmt.Errorf("unsubscribe msi %d on channel %d: %w", msi, id, err)
	}
	mgr.log.Info().Uint32("msi", msi).Int("channel", id).Int("free", mgr.pool.Free()).Msg("unsubscribed video source")
	return nil
}

func (mgr *Manager) unsubscribeShareLocked() error {
	prev := mgr.share
	mgr.share = nil
	if err := mgr.commander.Unsubscribe(media.ModalityScreenShare, mgr.shareChannel); err != nil {
		mgr.log.Error().Err(err).Uint32("msi", prev.SourceID).Msg("screen share unsubscribe failed")
		return fmt.Errorf("unsubscribe screen share msi %d: %w", prev.SourceID, err)
	}
	mgr.log.Info().Uint32("msi", prev.SourceID).Msg("unsubscribed screen share sharer")
	return nil
}

// Resolve returns the source currently bound to channelID.
func (mgr *Manager) Resolve(channelID int) (Assignment, bool) {
	mgr.mu.RLock()
	defer mgr.mu.RUnlock()

	if mgr.hasShare && channelID == mgr.shareChannel {
		if mgr.share == nil {
			return Assignment{}, false
		}
		return *mgr.share, true
	}
	a, ok := mgr.byChannel[channelID]
	return a, ok
}

// ChannelOf returns the video channel held by source msi.
func (mgr *Manager) ChannelOf(msi uint32) (int, bool) {
	mgr.mu.RLock()
	defer mgr.mu.RUnlock()
	id, ok := mgr.byMSI[msi]
	return id, ok
}

// Assigned returns the number of video channels in use.
func (mgr *Manager) Assigned() int {
	mgr.mu.RLock()
	defer mgr.mu.RUnlock()
	return mgr.cache.Count()
}

// Capacity returns K, the number of video channels.
func (mgr *Manager) Capacity() int {
	return mgr.capacity
}

// Snapshot returns every current assignment ordered by channel, the screen
// share last.
func (mgr *Manager) Snapshot() []Assignment {
	mgr.mu.RLock()
	defer mgr.mu.RUnlock()

	out := make([]Assignment, 0, len(mgr.byChannel)+1)
	for _, a := range mgr.byChannel {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChannelID < out[j].ChannelID })
	if mgr.share != nil {
		out = append(out, *mgr.share)
	}
	return out
}
