package call

import (
	"fmt"
	"sync"
	"time"

	"github.com/CX-Karim/teams-recording-bot/internal/capture"
	"github.com/CX-Karim/teams-recording-bot/internal/media"
	"github.com/CX-Karim/teams-recording-bot/internal/subscription"
)

// router carries the manager's decisions to the session channels and marks
// every change in the affected sequence.
type router struct {
	video    map[int]media.VideoChannel
	share    media.VideoChannel
	pipeline *capture.Pipeline
	now      func() time.Time

	mu    sync.Mutex
	bound map[int]binding
}

type binding struct {
	participant media.Participant
	msi         uint32
}

func newRouter(video []media.VideoChannel, share media.VideoChannel) *router {
	r := &router{
		video: make(map[int]media.VideoChannel, len(video)),
		share: share,
		now:   time.Now,
		bound: make(map[int]binding),
	}
	for _, ch := range video {
		r.video[ch.ID()] = ch
	}
	return r
}

func (r *router) channel(m media.Modality, channelID int) (media.VideoChannel, error) {
	switch m {
	case media.ModalityVideo:
		if ch, ok := r.video[channelID]; ok {
			return ch, nil
		}
	case media.ModalityScreenShare:
		if r.share != nil && r.share.ID() == channelID {
			return r.share, nil
		}
	default:
		return nil, fmt.Errorf("channel %d: %w", channelID, subscription.ErrInvalidMediaType)
	}
	return nil, fmt.Errorf("no %v channel %d", m, channelID)
}

func (r *router) Subscribe(m media.Modality, msi uint32, res media.Resolution, p media.Participant, channelID int) error {
	ch, err := r.channel(m, channelID)
	if err != nil {
		return err
	}
	if err := ch.Subscribe(res, msi); err != nil {
		return err
	}

	r.mu.Lock()
	r.bound[channelID] = binding{participant: p, msi: msi}
	r.mu.Unlock()

	r.mark(m, p, media.SubscriptionEvent{Kind: media.EventSubscribed, ChannelID: channelID, SourceID: msi})
	return nil
}

func (r *router) Unsubscribe(m media.Modality, channelID int) error {
	ch, err := r.channel(m, channelID)
	if err != nil {
		return err
	}

	r.mu.Lock()
	b, ok := r.bound[channelID]
	delete(r.bound, channelID)
	r.mu.Unlock()

	err = ch.Unsubscribe()
	if ok {
		r.mark(m, b.participant, media.SubscriptionEvent{Kind: media.EventUnsubscribed, ChannelID: channelID, SourceID: b.msi})
	}
	return err
}

// evicted is the manager's eviction hook. The evicted source's channel is
// about to be resubscribed, so it is not unsubscribed here.
func (r *router) evicted(a subscription.Assignment) {
	r.mu.Lock()
	delete(r.bound, a.ChannelID)
	r.mu.Unlock()

	r.mark(a.Modality, a.Participant, media.SubscriptionEvent{Kind: media.EventEvicted, ChannelID: a.ChannelID, SourceID: a.SourceID})
}

func (r *router) mark(m media.Modality, p media.Participant, ev media.SubscriptionEvent) {
	if r.pipeline == nil {
		return
	}
	ev.Timestamp = r.now().UTC()

	var seq *media.Sequence
	if m == media.ModalityScreenShare {
		seq = r.pipeline.ScreenShareSequence()
	} else {
		seq = r.pipeline.ParticipantSequence(p)
	}
	if seq != nil {
		seq.AppendEvent(ev)
	}
}
