// Package ipc implements a media session over a Unix socket. A native media
// host connects, pushes decoded frames and roster changes, and receives the
// subscribe commands for its video channels.
package ipc

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/frostbyte73/core"
	"github.com/rs/zerolog"

	"github.com/CX-Karim/teams-recording-bot/internal/media"
)

// ErrNotConnected is returned for commands sent while no host is connected.
var ErrNotConnected = errors.New("ipc: media host not connected")

const (
	defaultQueueSize     = 120 // ~4 seconds at 30fps
	defaultMaxFrameBytes = 16 << 20
	maxRosterBytes       = 1 << 20
	writeTimeout         = 2 * time.Second
)

// Config describes the channels the session exposes.
type Config struct {
	SocketPath    string
	VideoChannels int
	ScreenShare   bool
	// MaxFrameBytes closes the connection on larger messages.
	MaxFrameBytes uint32
	QueueSize     int
}

// Session is a media.Session fed by one host connection at a time. Channel
// 0 is audio, 1..K are video and K+1 is the screen share.
type Session struct {
	cfg Config
	log zerolog.Logger

	audio *audioChannel
	video []videoChannel
	share *videoChannel
	byID  map[uint8]*channel

	roster       media.Observers
	participants map[string]media.Participant
	buffers      sync.Pool

	mu       sync.Mutex
	listener net.Listener
	conn     net.Conn
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup

	writeMu   sync.Mutex
	closeOnce sync.Once
	ended     core.Fuse
}

// NewSession creates the session's channels. Start begins accepting the host.
func NewSession(cfg Config, log zerolog.Logger) (*Session, error) {
	if cfg.SocketPath == "" {
		return nil, errors.New("ipc: socket path is required")
	}
	if cfg.VideoChannels < 1 || cfg.VideoChannels > 250 {
		return nil, fmt.Errorf("ipc: video channel count %d out of range", cfg.VideoChannels)
	}
	if cfg.MaxFrameBytes == 0 {
		cfg.MaxFrameBytes = defaultMaxFrameBytes
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}

	s := &Session{
		cfg:          cfg,
		log:          log.With().Str("component", "ipc").Str("socket", cfg.SocketPath).Logger(),
		byID:         make(map[uint8]*channel),
		participants: make(map[string]media.Participant),
		stopChan:     make(chan struct{}),
	}
	s.buffers.New = func() any { return &frameBuffer{pool: &s.buffers} }

	s.audio = &audioChannel{channel: newChannel(s, 0, media.ModalityAudio, cfg.QueueSize)}
	s.byID[0] = s.audio.channel
	for i := 1; i <= cfg.VideoChannels; i++ {
		ch := videoChannel{newChannel(s, i, media.ModalityVideo, cfg.QueueSize)}
		s.video = append(s.video, ch)
		s.byID[uint8(i)] = ch.channel
	}
	if cfg.ScreenShare {
		id := cfg.VideoChannels + 1
		s.share = &videoChannel{newChannel(s, id, media.ModalityScreenShare, cfg.QueueSize)}
		s.byID[uint8(id)] = s.share.channel
	}
	return s, nil
}

// AudioChannel returns channel 0.
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
	return *s.share
}

// Roster returns the participants reported by the host.
func (s *Session) Roster() media.RosterSource { return &s.roster }

// Ended is closed when the host reports the end of the call or the session
// is closed.
func (s *Session) Ended() <-chan struct{} { return s.ended.Watch() }

// Start begins listening for the media host
func (s *Session) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("already running")
	}

	// Remove existing socket file if present
	os.Remove(s.cfg.SocketPath)

	listener, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.SocketPath, err)
	}
	s.listener = listener
	s.running = true

	s.log.Info().Int("video_channels", len(s.video)).Bool("screen_share", s.share != nil).Msg("IPC listening")

	s.wg.Add(1)
	go s.acceptLoop(listener)
	return nil
}

func (s *Session) acceptLoop(listener net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-s.stopChan:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Warn().Err(err).Msg("IPC accept error")
			continue
		}

		s.log.Info().Msg("IPC media host connected")

		s.mu.Lock()
		// Close previous connection if any
		if s.conn != nil {
			s.conn.Close()
		}
		s.conn = conn
		s.mu.Unlock()

		s.handleConnection(conn)
	}
}

func (s *Session) handleConnection(conn net.Conn) {
	defer func() {
		conn.Close()
		s.mu.Lock()
		if s.conn == conn {
			s.conn = nil
		}
		s.mu.Unlock()
		s.log.Info().Msg("IPC media host disconnected")
	}()

	header := make([]byte, HeaderSize)
	for {
		select {
		case <-s.stopChan:
			return
		default:
		}

		if _, err := io.ReadFull(conn, header); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.log.Warn().Err(err).Msg("IPC header read error")
			}
			return
		}
		h := parseHeader(header)

		if h.Length > s.cfg.MaxFrameBytes {
			s.log.Error().Stringer("type", h.Type).Uint32("length", h.Length).Msg("IPC message too large")
			return
		}

		var err error
		switch h.Type {
		case MessageFrame:
			err = s.readFrame(conn, h)
		case MessageRoster:
			err = s.readRoster(conn, h)
		case MessageDominantSpeaker:
			err = s.discard(conn, h)
			s.audio.speakers.Deliver(uint32(h.Value))
		case MessageCallEnded:
			err = s.discard(conn, h)
			s.log.Info().Msg("media host reported end of call")
			s.ended.Break()
		default:
			s.log.Warn().Stringer("type", h.Type).Msg("IPC unknown message skipped")
			err = s.discard(conn, h)
		}
		if err != nil {
			s.log.Warn().Err(err).Stringer("type", h.Type).Msg("IPC payload read error")
			return
		}
	}
}

func (s *Session) discard(conn net.Conn, h Header) error {
	_, err := io.CopyN(io.Discard, conn, int64(h.Length))
	return err
}

func (s *Session) readFrame(conn net.Conn, h Header) error {
	ch, ok := s.byID[h.Channel]
	if !ok {
		s.log.Warn().Uint8("channel", h.Channel).Msg("IPC frame for unknown channel skipped")
		return s.discard(conn, h)
	}

	b := s.buffers.Get().(*frameBuffer)
	b.released.Store(false)
	if cap(b.raw) < int(h.Length) {
		b.raw = make([]byte, h.Length)
	}
	b.raw = b.raw[:h.Length]
	if _, err := io.ReadFull(conn, b.raw); err != nil {
		b.Release()
		return err
	}
	b.ts = h.Value
	b.prefix = VideoPrefix{}
	b.speakers = b.speakers[:0]

	switch ch.modality {
	case media.ModalityAudio:
		speakers, n, err := parseAudioPrefix(b.raw, b.speakers)
		if err != nil {
			b.Release()
			s.log.Warn().Err(err).Int("channel", ch.id).Msg("IPC malformed audio frame skipped")
			return nil
		}
		b.speakers = speakers
		b.off = n
	default:
		prefix, err := parseVideoPrefix(b.raw)
		if err != nil {
			b.Release()
			s.log.Warn().Err(err).Int("channel", ch.id).Msg("IPC malformed video frame skipped")
			return nil
		}
		b.prefix = prefix
		b.off = VideoPrefixSize
	}
	b.n = len(b.raw) - b.off

	ch.enqueue(b)
	return nil
}

func (s *Session) readRoster(conn net.Conn, h Header) error {
	if h.Length > maxRosterBytes {
		s.log.Warn().Uint32("length", h.Length).Msg("IPC roster message too large, skipped")
		return s.discard(conn, h)
	}
	body := make([]byte, h.Length)
	if _, err := io.ReadFull(conn, body); err != nil {
		return err
	}

	var ev RosterEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		s.log.Warn().Err(err).Msg("IPC malformed roster message skipped")
		return nil
	}
	p, err := ev.Participant.toMedia()
	if err != nil {
		s.log.Warn().Err(err).Str("participant", ev.Participant.ID).Msg("IPC roster entry skipped")
		return nil
	}
	s.applyRoster(ev.Event, p)
	return nil
}

// applyRoster runs on the reader goroutine, which owns participants.
func (s *Session) applyRoster(event string, p media.Participant) {
	switch event {
	case "added":
		s.participants[p.ID] = p
		s.roster.Each(func(o media.RosterObserver) { o.ParticipantAdded(p) })
	case "removed":
		if known, ok := s.participants[p.ID]; ok {
			p = known
		}
		delete(s.participants, p.ID)
		s.roster.Each(func(o media.RosterObserver) { o.ParticipantRemoved(p) })
	case "updated":
		old, ok := s.participants[p.ID]
		s.participants[p.ID] = p
		if !ok {
			s.roster.Each(func(o media.RosterObserver) { o.ParticipantAdded(p) })
			return
		}
		s.roster.Each(func(o media.RosterObserver) { o.ParticipantUpdated(old, p) })
	default:
		s.log.Warn().Str("event", event).Msg("IPC unknown roster event skipped")
	}
}

// send writes a command to the connected host.
func (s *Session) send(h Header) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	buf := make([]byte, HeaderSize)
	h.put(buf)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if _, err := conn.Write(buf); err != nil {
		return fmt.Errorf("ipc %s channel %d: %w", h.Type, h.Channel, err)
	}
	return nil
}

// Close stops the listener, drains every channel and removes the socket.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.running = false
		close(s.stopChan)
		if s.conn != nil {
			s.conn.Close()
			s.conn = nil
		}
		if s.listener != nil {
			s.listener.Close()
			s.listener = nil
			// Remove socket file
			os.Remove(s.cfg.SocketPath)
		}
		s.mu.Unlock()

		s.wg.Wait()
		for _, ch := range s.byID {
			ch.stop()
		}
		s.ended.Break()
		s.log.Info().Msg("IPC session closed")
	})
	return nil
}

// IsRunning returns whether the session is accepting connections
func (s *Session) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}
