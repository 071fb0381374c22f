package call

import (
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/CX-Karim/teams-recording-bot/internal/media"
	"github.com/CX-Karim/teams-recording-bot/internal/subscription"
)

// subscribedModalities are the modalities that compete for channels.
var subscribedModalities = []media.Modality{media.ModalityVideo, media.ModalityScreenShare}

// Handler turns roster and dominant speaker events into subscription
// decisions. Errors are logged and never returned to the runtime.
type Handler struct {
	log     zerolog.Logger
	manager *subscription.Manager
	// forceOnDominant swaps the dominant speaker's video in even when every
	// channel is taken.
	forceOnDominant bool

	mu           sync.Mutex
	participants map[string]media.Participant
	// roster keeps every participant seen during the call.
	roster map[string]string
}

// NewHandler creates a handler driving mgr.
func NewHandler(mgr *subscription.Manager, forceOnDominant bool, log zerolog.Logger) *Handler {
	return &Handler{
		log:             log.With().Str("component", "roster-handler").Logger(),
		manager:         mgr,
		forceOnDominant: forceOnDominant,
		participants:    make(map[string]media.Participant),
		roster:          make(map[string]string),
	}
}

// ParticipantAdded subscribes the streams p is already sending.
func (h *Handler) ParticipantAdded(p media.Participant) {
	h.remember(p)
	h.log.Info().Str("participant", p.ID).Bool("lobby", p.InLobby).Msg("participant joined")
	if p.InLobby {
		return
	}
	for _, m := range subscribedModalities {
		if s, ok := p.SendingStream(m); ok {
			h.subscribe(m, s.SourceID, p, false)
		}
	}
}

// ParticipantRemoved releases every channel p held.
func (h *Handler) ParticipantRemoved(p media.Participant) {
	h.mu.Lock()
	known, ok := h.participants[p.ID]
	delete(h.participants, p.ID)
	h.mu.Unlock()

	streams := p.Streams
	if ok {
		streams = append(append([]media.MediaStream(nil), known.Streams...), p.Streams...)
	}
	for _, s := range streams {
		if s.Modality != media.ModalityVideo && s.Modality != media.ModalityScreenShare {
			continue
		}
		if err := h.manager.UnsubscribeSource(s.Modality, s.SourceID); err != nil {
			h.log.Error().Err(err).Str("participant", p.ID).Uint32("msi", s.SourceID).Msg("unsubscribe on leave failed")
		}
	}
	h.log.Info().Str("participant", p.ID).Msg("participant left")
}

// ParticipantUpdated detects send state changes between old and updated.
func (h *Handler) ParticipantUpdated(old, updated media.Participant) {
	h.remember(updated)

	for _, m := range subscribedModalities {
		before, beforeOK := sendingIn(old, m)
		after, afterOK := sendingIn(updated, m)

		switch {
		case beforeOK && afterOK && before.SourceID != after.SourceID:
			// Same modality, new source: drop the old one first.
			h.ParticipantModalityChanged(old, before, before.Direction, media.DirectionInactive)
			h.ParticipantModalityChanged(updated, after, media.DirectionInactive, after.Direction)
		case beforeOK && !afterOK:
			h.ParticipantModalityChanged(old, before, before.Direction, media.DirectionInactive)
		case !beforeOK && afterOK:
			h.ParticipantModalityChanged(updated, after, media.DirectionInactive, after.Direction)
		}
	}
}

// sendingIn returns p's stream of modality m when p is in the call and sending it.
func sendingIn(p media.Participant, m media.Modality) (media.MediaStream, bool) {
	if p.InLobby {
		return media.MediaStream{}, false
	}
	return p.SendingStream(m)
}

// ParticipantModalityChanged applies one direction transition of p's
// stream s. Only video and screen-share streams compete for channels.
func (h *Handler) ParticipantModalityChanged(p media.Participant, s media.MediaStream, from, to media.Direction) {
	m := s.Modality
	if m != media.ModalityVideo && m != media.ModalityScreenShare {
		h.log.Debug().Str("participant", p.ID).Stringer("modality", m).Msg("modality change ignored")
		return
	}

	h.log.Debug().
		Str("participant", p.ID).
		Stringer("modality", m).
		Stringer("from", from).
		Stringer("to", to).
		Msg("modality changed")

	switch {
	case !from.CanSend() && to.CanSend():
		h.subscribe(m, s.SourceID, p, false)
	case from.CanSend() && !to.CanSend():
		if err := h.manager.UnsubscribeSource(m, s.SourceID); err != nil {
			h.log.Error().Err(err).Str("participant", p.ID).Uint32("msi", s.SourceID).Msg("unsubscribe failed")
		}
	}
}

// DominantSpeakerChanged optionally forces the speaker's video onto a
// channel.
func (h *Handler) DominantSpeakerChanged(msi uint32) {
	if msi == media.DominantSpeakerNone {
		h.log.Debug().Msg("no dominant speaker")
		return
	}

	p, ok := h.owner(msi)
	if !ok {
		h.log.Debug().Uint32("msi", msi).Msg("dominant speaker not in roster")
		return
	}
	h.log.Debug().Uint32("msi", msi).Str("participant", p.ID).Msg("dominant speaker changed")

	if !h.forceOnDominant {
		return
	}
	if s, ok := p.SendingStream(media.ModalityVideo); ok {
		h.subscribe(media.ModalityVideo, s.SourceID, p, true)
	}
}

func (h *Handler) owner(msi uint32) (media.Participant, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, p := range h.participants {
		if !p.InLobby && p.HasSource(msi) {
			return p, true
		}
	}
	return media.Participant{}, false
}

func (h *Handler) subscribe(m media.Modality, msi uint32, p media.Participant, force bool) {
	res, err := h.manager.Subscribe(m, msi, p, force)
	if err != nil {
		h.log.Error().Err(err).Str("participant", p.ID).Stringer("modality", m).Uint32("msi", msi).Msg("subscribe failed")
		return
	}
	h.log.Debug().
		Str("participant", p.ID).
		Stringer("modality", m).
		Uint32("msi", msi).
		Stringer("outcome", res.Outcome).
		Int("channel", res.ChannelID).
		Msg("subscribe decided")
}

func (h *Handler) remember(p media.Participant) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.participants[p.ID] = p
	if p.DisplayName != "" || h.roster[p.ID] == "" {
		h.roster[p.ID] = p.DisplayName
	}
}

// Roster returns participant id to display name for everyone seen in the call.
func (h *Handler) Roster() map[string]string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]string, len(h.roster))
	for id, name := range h.roster {
		out[id] = name
	}
	return out
}

// Participants returns the participants currently in the call, by id.
func (h *Handler) Participants() []media.Participant {
	h.mu.Lock()
	out := make([]media.Participant, 0, len(h.participants))
	for _, p := range h.participants {
		out = append(out, p)
	}
	h.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
