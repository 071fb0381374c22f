// Package rtc implements a media session on a WebRTC peer connection. Each
// remote track is a media source whose MSI is its SSRC, and the track's
// stream id names the participant that sends it.
package rtc

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/frostbyte73/core"
	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media/samplebuilder"
	"github.com/rs/zerolog"

	"github.com/CX-Karim/teams-recording-bot/internal/media"
)

// ErrUnknownSource is returned when subscribing to an SSRC with no live
// video track.
var ErrUnknownSource = errors.New("rtc: no live video track for source")

const (
	maxLatePackets          = 256
	defaultSpeakerWindow    = time.Second
	defaultSpeakerThreshold = 400
)

// Config describes the channels the session exposes.
type Config struct {
	VideoChannels int
	ScreenShare   bool
	ICEServers    []string
	// SpeakerWindow and SpeakerThreshold tune dominant speaker detection.
	SpeakerWindow    time.Duration
	SpeakerThreshold int
}

// RTPReader reads the packets of one remote track.
type RTPReader interface {
	ReadRTP() (*rtp.Packet, error)
}

// TrackInfo describes a remote track.
type TrackInfo struct {
	ID        string
	StreamID  string
	SSRC      uint32
	Kind      webrtc.RTPCodecType
	MimeType  string
	ClockRate uint32
}

// Modality maps the track to a channel modality. Video tracks whose id
// contains "screen" are screen shares.
func (t TrackInfo) Modality() media.Modality {
	switch {
	case t.Kind == webrtc.RTPCodecTypeAudio:
		return media.ModalityAudio
	case strings.Contains(strings.ToLower(t.ID), "screen"):
		return media.ModalityScreenShare
	default:
		return media.ModalityVideo
	}
}

type remoteTrack struct {
	track *webrtc.TrackRemote
}

func (r remoteTrack) ReadRTP() (*rtp.Packet, error) {
	pkt, _, err := r.track.ReadRTP()
	return pkt, err
}

func infoOf(track *webrtc.TrackRemote) TrackInfo {
	codec := track.Codec()
	return TrackInfo{
		ID:        track.ID(),
		StreamID:  track.StreamID(),
		SSRC:      uint32(track.SSRC()),
		Kind:      track.Kind(),
		MimeType:  codec.MimeType,
		ClockRate: codec.ClockRate,
	}
}

// Session is a media.Session over one peer connection. Channel 0 is audio,
// 1..K are video and K+1 is the screen share.
type Session struct {
	cfg   Config
	log   zerolog.Logger
	start time.Time

	pc       *webrtc.PeerConnection
	audio    *audioChannel
	video    []*videoChannel
	share    *videoChannel
	roster   media.Observers
	speakers *speakerDetector

	mu       sync.RWMutex
	tracks   map[uint32]TrackInfo
	bindings map[uint32]*videoChannel

	// rosterMu orders roster events and guards participants.
	rosterMu     sync.Mutex
	participants map[string]media.Participant

	wg        sync.WaitGroup
	closeOnce sync.Once
	closed    core.Fuse
	ended     core.Fuse
}

// NewSession creates the peer connection and the session's channels.
func NewSession(cfg Config, log zerolog.Logger) (*Session, error) {
	s, err := newSession(cfg, log)
	if err != nil {
		return nil, err
	}

	pc, err := newPeerConnection(cfg)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.pc = pc

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		s.AddTrack(infoOf(track), remoteTrack{track: track})
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		s.log.Info().Stringer("state", state).Msg("peer connection state changed")
		if state == webrtc.PeerConnectionStateFailed || state == webrtc.PeerConnectionStateClosed {
			s.ended.Break()
		}
	})
	return s, nil
}

func newPeerConnection(cfg Config) (*webrtc.PeerConnection, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	i := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, i); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithInterceptorRegistry(i))

	var servers []webrtc.ICEServer
	if len(cfg.ICEServers) > 0 {
		servers = []webrtc.ICEServer{{URLs: cfg.ICEServers}}
	}
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: servers})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}
	return pc, nil
}

func newSession(cfg Config, log zerolog.Logger) (*Session, error) {
	if cfg.VideoChannels < 1 || cfg.VideoChannels > 250 {
		return nil, fmt.Errorf("rtc: video channel count %d out of range", cfg.VideoChannels)
	}
	if cfg.SpeakerWindow <= 0 {
		cfg.SpeakerWindow = defaultSpeakerWindow
	}
	if cfg.SpeakerThreshold <= 0 {
		cfg.SpeakerThreshold = defaultSpeakerThreshold
	}

	s := &Session{
		cfg:          cfg,
		log:          log.With().Str("component", "rtc").Logger(),
		start:        time.Now(),
		speakers:     newSpeakerDetector(cfg.SpeakerWindow, cfg.SpeakerThreshold),
		tracks:       make(map[uint32]TrackInfo),
		bindings:     make(map[uint32]*videoChannel),
		participants: make(map[string]media.Participant),
	}
	s.audio = &audioChannel{channel: channel{id: 0, modality: media.ModalityAudio}}
	for i := 1; i <= cfg.VideoChannels; i++ {
		s.video = append(s.video, &videoChannel{channel: channel{id: i, modality: media.ModalityVideo}, session: s})
	}
	if cfg.ScreenShare {
		s.share = &videoChannel{channel: channel{id: cfg.VideoChannels + 1, modality: media.ModalityScreenShare}, session: s}
	}

	s.wg.Add(1)
	go s.speakerLoop()
	return s, nil
}

// AudioChannel returns channel 0, fed by every audio track.
func (s *Session) AudioChannel() media.AudioChannel { return s.audio }

// VideoChannels returns channels 1..K.
func (s *Session) VideoChannels() []media.VideoChannel {
	out := make([]media.VideoChannel, len(s.video))
	for i, ch := range s.video {
		out[i] = ch
	}
	return out
}

// ScreenShareChannel returns channel K+1, nil when disabled.
func (s *Session) ScreenShareChannel() media.VideoChannel {
	if s.share == nil {
		return nil
	}
	return s.share
}

// Roster reports one participant per remote stream id.
func (s *Session) Roster() media.RosterSource { return &s.roster }

// Ended is closed when the peer connection fails or closes.
func (s *Session) Ended() <-chan struct{} { return s.ended.Watch() }

// Accept applies a remote offer and returns the answer once ICE gathering
// is complete.
func (s *Session) Accept(offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if s.pc == nil {
		return webrtc.SessionDescription{}, errors.New("rtc: session has no peer connection")
	}
	if err := s.pc.SetRemoteDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set remote description: %w", err)
	}
	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(s.pc)
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local description: %w", err)
	}
	<-gathered
	return *s.pc.LocalDescription(), nil
}

// AddTrack registers a remote track and reads it until r fails.
func (s *Session) AddTrack(info TrackInfo, r RTPReader) {
	if s.closed.IsBroken() {
		return
	}
	s.mu.Lock()
	s.tracks[info.SSRC] = info
	s.mu.Unlock()

	s.log.Info().
		Str("track", info.ID).
		Str("stream", info.StreamID).
		Uint32("ssrc", info.SSRC).
		Str("mime", info.MimeType).
		Msg("remote track added")

	s.updateParticipant(info, media.DirectionSendOnly)

	s.wg.Add(1)
	go s.readTrack(info, r)
}

func (s *Session) readTrack(info TrackInfo, r RTPReader) {
	defer s.wg.Done()
	defer s.removeTrack(info)

	depacketizer, format, ok := depacketizerFor(info.MimeType)
	if !ok {
		s.log.Warn().Str("mime", info.MimeType).Uint32("ssrc", info.SSRC).Msg("unsupported codec, track not recorded")
		return
	}
	sb := samplebuilder.New(maxLatePackets, depacketizer, info.ClockRate)
	audio := info.Kind == webrtc.RTPCodecTypeAudio

	for {
		pkt, err := r.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) && !s.closed.IsBroken() {
				s.log.Warn().Err(err).Uint32("ssrc", info.SSRC).Msg("track read error")
			}
			return
		}
		if pkt == nil {
			continue
		}
		if audio {
			s.speakers.observe(info.SSRC, len(pkt.Payload), time.Now())
		}

		sb.Push(pkt)
		for sample := sb.Pop(); sample != nil; sample = sb.Pop() {
			s.deliver(info, format, sample.Data)
		}
	}
}

func (s *Session) deliver(info TrackInfo, format media.VideoFormat, data []byte) {
	ts := int64(time.Since(s.start) / 100)
	if info.Kind == webrtc.RTPCodecTypeAudio {
		s.audio.slot.Deliver(s.audio.id, &sampleBuffer{data: data, ts: ts, speakers: []uint32{info.SSRC}})
		return
	}

	s.mu.RLock()
	ch := s.bindings[info.SSRC]
	s.mu.RUnlock()
	if ch == nil {
		return
	}
	ch.slot.Deliver(ch.id, &sampleBuffer{data: data, ts: ts, format: format, msi: info.SSRC})
}

func (s *Session) removeTrack(info TrackInfo) {
	s.mu.Lock()
	delete(s.tracks, info.SSRC)
	if ch, ok := s.bindings[info.SSRC]; ok {
		delete(s.bindings, info.SSRC)
		ch.bound = 0
	}
	s.mu.Unlock()
	s.speakers.forget(info.SSRC)

	s.log.Info().Str("track", info.ID).Uint32("ssrc", info.SSRC).Msg("remote track ended")
	if !s.closed.IsBroken() {
		s.updateParticipant(info, media.DirectionInactive)
	}
}

// updateParticipant sets the direction of the participant's stream for
// info and reports the change.
func (s *Session) updateParticipant(info TrackInfo, dir media.Direction) {
	s.rosterMu.Lock()
	defer s.rosterMu.Unlock()

	id := info.StreamID
	old, known := s.participants[id]
	p := media.Participant{ID: id, DisplayName: id}
	if known {
		p.DisplayName = old.DisplayName
	}
	for _, st := range old.Streams {
		if st.SourceID != info.SSRC {
			p.Streams = append(p.Streams, st)
		}
	}
	p.Streams = append(p.Streams, media.MediaStream{Modality: info.Modality(), SourceID: info.SSRC, Direction: dir})
	s.participants[id] = p

	if !known {
		s.roster.Each(func(o media.RosterObserver) { o.ParticipantAdded(p) })
		return
	}
	s.roster.Each(func(o media.RosterObserver) { o.ParticipantUpdated(old, p) })
}

func (s *Session) bind(ch *videoChannel, ssrc uint32) error {
	s.mu.Lock()
	info, ok := s.tracks[ssrc]
	if !ok || info.Kind != webrtc.RTPCodecTypeVideo {
		s.mu.Unlock()
		return fmt.Errorf("ssrc %d: %w", ssrc, ErrUnknownSource)
	}
	if ch.bound != 0 {
		delete(s.bindings, ch.bound)
	}
	if prev, ok := s.bindings[ssrc]; ok && prev != ch {
		prev.bound = 0
	}
	s.bindings[ssrc] = ch
	ch.bound = ssrc
	s.mu.Unlock()

	s.requestKeyframe(ssrc)
	return nil
}

func (s *Session) unbind(ch *videoChannel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch.bound != 0 && s.bindings[ch.bound] == ch {
		delete(s.bindings, ch.bound)
	}
	ch.bound = 0
}

func (s *Session) requestKeyframe(ssrc uint32) {
	if s.pc == nil {
		return
	}
	if err := s.pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: ssrc}}); err != nil {
		s.log.Debug().Err(err).Uint32("ssrc", ssrc).Msg("keyframe request failed")
	}
}

func (s *Session) speakerLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.SpeakerWindow / 2)
	defer ticker.Stop()
	for {
		select {
		case <-s.closed.Watch():
			return
		case now := <-ticker.C:
			if msi, changed := s.speakers.evaluate(now); changed {
				s.audio.speakers.Deliver(msi)
			}
		}
	}
}

// Close closes the peer connection and waits for every track reader.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closed.Break()
		if s.pc != nil {
			err = s.pc.Close()
		}
		s.wg.Wait()
		s.ended.Break()
		s.log.Info().Msg("rtc session closed")
	})
	return err
}

func depacketizerFor(mime string) (rtp.Depacketizer, media.VideoFormat, bool) {
	switch {
	case strings.EqualFold(mime, webrtc.MimeTypeH264):
		return &codecs.H264Packet{}, media.VideoFormat{ColorFormat: media.ColorFormatH264}, true
	case strings.EqualFold(mime, webrtc.MimeTypeVP8):
		return &codecs.VP8Packet{}, media.VideoFormat{}, true
	case strings.EqualFold(mime, webrtc.MimeTypeVP9):
		return &codecs.VP9Packet{}, media.VideoFormat{}, true
	case strings.EqualFold(mime, webrtc.MimeTypeOpus):
		return &codecs.OpusPacket{}, media.VideoFormat{}, true
	default:
		return nil, media.VideoFormat{}, false
	}
}
