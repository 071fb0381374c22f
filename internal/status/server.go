// Package status serves the recorder's HTTP surface: health, Prometheus
// metrics, the current channel assignments and WebRTC signaling.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/pion/webrtc/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/CX-Karim/teams-recording-bot/internal/capture"
	"github.com/CX-Karim/teams-recording-bot/internal/subscription"
)

const maxOfferBytes = 1 << 16

// Call is the recording the server reports on.
type Call interface {
	CallID() string
	Assignments() []subscription.Assignment
	Stats() capture.Stats
}

// Answerer accepts a WebRTC offer from the media host.
type Answerer interface {
	Accept(offer webrtc.SessionDescription) (webrtc.SessionDescription, error)
}

// Server is the status HTTP server.
type Server struct {
	call     Call
	answerer Answerer
	log      zerolog.Logger
	router   *mux.Router
	srv      *http.Server
}

// New builds the routes. answerer may be nil when the media runtime does not
// use WebRTC.
func New(addr string, call Call, answerer Answerer, gatherer prometheus.Gatherer, log zerolog.Logger) *Server {
	s := &Server{
		call:     call,
		answerer: answerer,
		log:      log.With().Str("component", "status").Logger(),
		router:   mux.NewRouter(),
	}

	s.router.Use(s.logRequests)
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	s.router.HandleFunc("/api/subscriptions", s.handleSubscriptions).Methods(http.MethodGet)
	s.router.HandleFunc("/webrtc/offer", s.handleOffer).Methods(http.MethodPost)

	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe blocks until the server fails or is shut down.
func (s *Server) ListenAndServe() error {
	s.log.Info().Str("addr", s.srv.Addr).Msg("HTTP server listening")
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for active ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

type assignmentView struct {
	Modality      string `json:"modality"`
	ChannelID     int    `json:"channelId"`
	SourceID      uint32 `json:"sourceId"`
	ParticipantID string `json:"participantId"`
	DisplayName   string `json:"displayName,omitempty"`
}

type statsView struct {
	Captured int64 `json:"captured"`
	Bytes    int64 `json:"bytes"`
	Dropped  int64 `json:"dropped"`
	Failures int64 `json:"failures"`
}

type subscriptionsView struct {
	CallID      string           `json:"callId"`
	Assignments []assignmentView `json:"assignments"`
	Stats       statsView        `json:"stats"`
}

func (s *Server) handleSubscriptions(w http.ResponseWriter, r *http.Request) {
	assignments := s.call.Assignments()
	view := subscriptionsView{
		CallID:      s.call.CallID(),
		Assignments: make([]assignmentView, 0, len(assignments)),
	}
	for _, a := range assignments {
		view.Assignments = append(view.Assignments, assignmentView{
			Modality:      a.Modality.String(),
			ChannelID:     a.ChannelID,
			SourceID:      a.SourceID,
			ParticipantID: a.Participant.ID,
			DisplayName:   a.Participant.DisplayName,
		})
	}
	st := s.call.Stats()
	view.Stats = statsView{Captured: st.Captured, Bytes: st.Bytes, Dropped: st.Dropped, Failures: st.Failures}
	s.writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleOffer(w http.ResponseWriter, r *http.Request) {
	if s.answerer == nil {
		http.Error(w, "webrtc runtime not enabled", http.StatusNotImplemented)
		return
	}

	var offer webrtc.SessionDescription
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxOfferBytes)).Decode(&offer); err != nil {
		http.Error(w, "invalid offer", http.StatusBadRequest)
		return
	}
	if offer.Type != webrtc.SDPTypeOffer {
		http.Error(w, "session description is not an offer", http.StatusBadRequest)
		return
	}

	answer, err := s.answerer.Accept(offer)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to accept offer")
		http.Error(w, "failed to accept offer", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, answer)
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn().Err(err).Msg("failed to write response")
	}
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", sw.code).
			Dur("elapsed", time.Since(start)).
			Msg("http request")
	})
}
