package call

import (
	"testing"

	"github.com/rs/zerolog"

	"github.com/CX-Karim/teams-recording-bot/internal/media"
	"github.com/CX-Karim/teams-recording-bot/internal/subscription"
)

func newTestHandler(t *testing.T, k int, force bool) (*Handler, *subscription.Manager) {
	t.Helper()
	ids := make([]int, k)
	for i := range ids {
		ids[i] = i
	}
	r := newRouter(nil, nil)
	for _, id := range ids {
		r.video[id] = &fakeChannel{id: id, modality: media.ModalityVideo}
	}
	r.share = &fakeChannel{id: 99, modality: media.ModalityScreenShare}
	mgr, err := subscription.NewManager(subscription.Config{
		Channels:           ids,
		HasScreenShare:     true,
		ScreenShareChannel: 99,
		OnEvict:            r.evicted,
	}, r, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return NewHandler(mgr, force, zerolog.Nop()), mgr
}

func TestHandlerParticipantAdded(t *testing.T) {
	h, mgr := newTestHandler(t, 2, false)

	receiveOnly := videoParticipant("viewer", 5)
	receiveOnly.Streams[1].Direction = media.DirectionReceiveOnly
	lobby := videoParticipant("lobby", 6)
	lobby.InLobby = true

	h.ParticipantAdded(receiveOnly)
	h.ParticipantAdded(lobby)
	h.ParticipantAdded(videoParticipant("a", 1))

	if mgr.Assigned() != 1 {
		t.Fatalf("assigned = %d, want only the sending participant", mgr.Assigned())
	}
	if _, ok := mgr.ChannelOf(1); !ok {
		t.Fatal("sending participant not subscribed")
	}
	if len(h.Roster()) != 3 || len(h.Participants()) != 3 {
		t.Fatalf("roster = %v", h.Roster())
	}
}

func TestHandlerLobbyAdmission(t *testing.T) {
	h, mgr := newTestHandler(t, 2, false)
	waiting := videoParticipant("a", 1)
	waiting.InLobby = true
	h.ParticipantAdded(waiting)

	admitted := videoParticipant("a", 1)
	h.ParticipantUpdated(waiting, admitted)
	if _, ok := mgr.ChannelOf(1); !ok {
		t.Fatal("admitted participant not subscribed")
	}
}

func TestHandlerParticipantUpdatedTransitions(t *testing.T) {
	tests := []struct {
		name       string
		before     media.Direction
		after      media.Direction
		afterMSI   uint32
		wantMapped map[uint32]bool
	}{
		{"start video", media.DirectionInactive, media.DirectionSendOnly, 1, map[uint32]bool{1: true}},
		{"stop video", media.DirectionSendReceive, media.DirectionReceiveOnly, 1, map[uint32]bool{1: false}},
		{"direction change while sending", media.DirectionSendOnly, media.DirectionSendReceive, 1, map[uint32]bool{1: true}},
		{"new source", media.DirectionSendOnly, media.DirectionSendOnly, 2, map[uint32]bool{1: false, 2: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, mgr := newTestHandler(t, 2, false)
			old := videoParticipant("a", 1)
			old.Streams[1].Direction = tt.before
			h.ParticipantAdded(old)

			updated := videoParticipant("a", tt.afterMSI)
			updated.Streams[1].Direction = tt.after
			h.ParticipantUpdated(old, updated)

			for msi, want := range tt.wantMapped {
				if _, ok := mgr.ChannelOf(msi); ok != want {
					t.Fatalf("msi %d mapped = %v, want %v", msi, ok, want)
				}
			}
		})
	}
}

func TestHandlerReplacementCameraAfterEndedTrack(t *testing.T) {
	h, mgr := newTestHandler(t, 2, false)
	first := videoParticipant("a", 1)
	h.ParticipantAdded(first)

	ended := videoParticipant("a", 1)
	ended.Streams[1].Direction = media.DirectionInactive
	h.ParticipantUpdated(first, ended)
	if mgr.Assigned() != 0 {
		t.Fatalf("assigned = %d after camera ended", mgr.Assigned())
	}

	// The ended stream stays listed ahead of the new camera.
	replaced := videoParticipant("a", 1)
	replaced.Streams[1].Direction = media.DirectionInactive
	replaced.Streams = append(replaced.Streams, media.MediaStream{Modality: media.ModalityVideo, SourceID: 3, Direction: media.DirectionSendOnly})
	h.ParticipantUpdated(ended, replaced)
	if _, ok := mgr.ChannelOf(3); !ok {
		t.Fatal("replacement camera not subscribed")
	}

	stopped := videoParticipant("a", 1)
	stopped.Streams[1].Direction = media.DirectionInactive
	stopped.Streams = append(stopped.Streams, media.MediaStream{Modality: media.ModalityVideo, SourceID: 3, Direction: media.DirectionInactive})
	h.ParticipantUpdated(replaced, stopped)
	if _, ok := mgr.ChannelOf(3); ok {
		t.Fatal("replacement camera kept after it ended")
	}
}

func TestHandlerParticipantRemoved(t *testing.T) {
	h, mgr := newTestHandler(t, 2, false)
	p := videoParticipant("a", 1)
	p.Streams = append(p.Streams, media.MediaStream{Modality: media.ModalityScreenShare, SourceID: 40, Direction: media.DirectionSendOnly})
	h.ParticipantAdded(p)
	if _, ok := mgr.Resolve(99); !ok {
		t.Fatal("screen share not subscribed")
	}

	// Removal events may carry no streams.
	h.ParticipantRemoved(media.Participant{ID: "a"})
	if mgr.Assigned() != 0 {
		t.Fatalf("assigned = %d after leave", mgr.Assigned())
	}
	if _, ok := mgr.Resolve(99); ok {
		t.Fatal("screen share kept after leave")
	}
	if len(h.Participants()) != 0 {
		t.Fatal("participant not forgotten")
	}
	if h.Roster()["a"] != "User a" {
		t.Fatal("roster lost a participant that left")
	}
}

func TestHandlerModalityChangeRejectsAudio(t *testing.T) {
	h, mgr := newTestHandler(t, 2, false)
	p := videoParticipant("a", 1)
	h.ParticipantModalityChanged(p, p.Streams[0], media.DirectionInactive, media.DirectionSendOnly)
	if mgr.Assigned() != 0 {
		t.Fatal("audio modality change subscribed something")
	}
}

func TestHandlerDominantSpeaker(t *testing.T) {
	for _, force := range []bool{false, true} {
		h, mgr := newTestHandler(t, 1, force)
		h.ParticipantAdded(videoParticipant("a", 1))
		h.ParticipantAdded(videoParticipant("b", 2))
		lobby := videoParticipant("c", 3)
		lobby.InLobby = true
		h.ParticipantAdded(lobby)

		h.DominantSpeakerChanged(media.DominantSpeakerNone)
		h.DominantSpeakerChanged(1003)
		h.DominantSpeakerChanged(424242)

		if _, ok := mgr.ChannelOf(3); ok {
			t.Fatal("lobby participant subscribed")
		}

		h.DominantSpeakerChanged(1002)
		_, bMapped := mgr.ChannelOf(2)
		_, aMapped := mgr.ChannelOf(1)
		if bMapped != force || aMapped == force {
			t.Fatalf("force=%v: a mapped %v, b mapped %v", force, aMapped, bMapped)
		}
	}
}
