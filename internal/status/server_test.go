package status

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/CX-Karim/teams-recording-bot/internal/capture"
	"github.com/CX-Karim/teams-recording-bot/internal/media"
	"github.com/CX-Karim/teams-recording-bot/internal/metrics"
	"github.com/CX-Karim/teams-recording-bot/internal/subscription"
)

type fakeCall struct {
	assignments []subscription.Assignment
	stats       capture.Stats
}

func (c *fakeCall) CallID() string                          { return "call-1" }
func (c *fakeCall) Assignments() []subscription.Assignment { return c.assignments }
func (c *fakeCall) Stats() capture.Stats                    { return c.stats }

type fakeAnswerer struct {
	got webrtc.SessionDescription
	err error
}

func (a *fakeAnswerer) Accept(offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	a.got = offer
	if a.err != nil {
		return webrtc.SessionDescription{}, a.err
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer"}, nil
}

func newTestServer(t *testing.T, call Call, answerer Answerer) *httptest.Server {
	t.Helper()
	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg, "call-1")
	if err != nil {
		t.Fatalf("metrics.New: %v", err)
	}
	m.FrameCaptured("video", 10)

	srv := httptest.NewServer(New(":0", call, answerer, reg, zerolog.Nop()).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(body)
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t, &fakeCall{}, nil)

	code, body := get(t, srv.URL+"/health")
	if code != http.StatusOK || body != "ok" {
		t.Fatalf("health = %d %q", code, body)
	}
}

func TestMetrics(t *testing.T) {
	srv := newTestServer(t, &fakeCall{}, nil)

	code, body := get(t, srv.URL+"/metrics")
	if code != http.StatusOK {
		t.Fatalf("metrics status = %d", code)
	}
	if !strings.Contains(body, "recorder_capture_frames_total") {
		t.Fatalf("metrics body missing capture counter:\n%s", body)
	}
}

func TestSubscriptions(t *testing.T) {
	call := &fakeCall{
		assignments: []subscription.Assignment{
			{Modality: media.ModalityVideo, ChannelID: 2, SourceID: 7, Participant: media.Participant{ID: "p1", DisplayName: "Ada"}},
			{Modality: media.ModalityScreenShare, ChannelID: 5, SourceID: 9, Participant: media.Participant{ID: "p2"}},
		},
		stats: capture.Stats{Captured: 3, Bytes: 30, Dropped: 1},
	}
	srv := newTestServer(t, call, nil)

	code, body := get(t, srv.URL+"/api/subscriptions")
	if code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	var view subscriptionsView
	if err := json.Unmarshal([]byte(body), &view); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if view.CallID != "call-1" || len(view.Assignments) != 2 {
		t.Fatalf("view = %+v", view)
	}
	if a := view.Assignments[0]; a.ChannelID != 2 || a.SourceID != 7 || a.ParticipantID != "p1" || a.DisplayName != "Ada" {
		t.Fatalf("assignment = %+v", a)
	}
	if view.Assignments[1].Modality != media.ModalityScreenShare.String() {
		t.Fatalf("modality = %q", view.Assignments[1].Modality)
	}
	if view.Stats.Captured != 3 || view.Stats.Dropped != 1 {
		t.Fatalf("stats = %+v", view.Stats)
	}
}

func TestSubscriptionsRejectsPost(t *testing.T) {
	srv := newTestServer(t, &fakeCall{}, nil)

	resp, err := http.Post(srv.URL+"/api/subscriptions", "application/json", nil)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", resp.StatusCode)
	}
}

func TestOffer(t *testing.T) {
	tests := []struct {
		name     string
		answerer Answerer
		body     string
		want     int
	}{
		{"not enabled", nil, `{"type":"offer","sdp":"v=0"}`, http.StatusNotImplemented},
		{"malformed", &fakeAnswerer{}, `{`, http.StatusBadRequest},
		{"not an offer", &fakeAnswerer{}, `{"type":"answer","sdp":"v=0"}`, http.StatusBadRequest},
		{"accept fails", &fakeAnswerer{err: errors.New("boom")}, `{"type":"offer","sdp":"v=0"}`, http.StatusInternalServerError},
		{"accepted", &fakeAnswerer{}, `{"type":"offer","sdp":"v=0"}`, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(t, &fakeCall{}, tt.answerer)

			resp, err := http.Post(srv.URL+"/webrtc/offer", "application/json", strings.NewReader(tt.body))
			if err != nil {
				t.Fatalf("POST: %v", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != tt.want {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.want)
			}
			if tt.want != http.StatusOK {
				return
			}

			var answer webrtc.SessionDescription
			if err := json.NewDecoder(resp.Body).Decode(&answer); err != nil {
				t.Fatalf("decode answer: %v", err)
			}
			if answer.Type != webrtc.SDPTypeAnswer || answer.SDP != "v=0 answer" {
				t.Fatalf("answer = %+v", answer)
			}
			if got := tt.answerer.(*fakeAnswerer).got; got.SDP != "v=0" {
				t.Fatalf("offer passed = %+v", got)
			}
		})
	}
}
