package ipc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/CX-Karim/teams-recording-bot/internal/media"
)

// MessageType identifies an IPC message
type MessageType byte

const (
	// Host to recorder
	MessageFrame           MessageType = 0x01
	MessageRoster          MessageType = 0x02
	MessageDominantSpeaker MessageType = 0x03
	MessageCallEnded       MessageType = 0x04

	// Recorder to host
	MessageSubscribe   MessageType = 0x10
	MessageUnsubscribe MessageType = 0x11
)

func (t MessageType) String() string {
	switch t {
	case MessageFrame:
		return "frame"
	case MessageRoster:
		return "roster"
	case MessageDominantSpeaker:
		return "dominant-speaker"
	case MessageCallEnded:
		return "call-ended"
	case MessageSubscribe:
		return "subscribe"
	case MessageUnsubscribe:
		return "unsubscribe"
	default:
		return fmt.Sprintf("unknown(0x%02x)", byte(t))
	}
}

// HeaderSize is the size of the IPC message header in bytes
// Type(1) + Channel(1) + Value(8) + Length(4) = 14
const HeaderSize = 14

// Header precedes every message. Value is the frame timestamp in 100ns
// ticks, the dominant speaker MSI, or the subscribe target.
type Header struct {
	Type    MessageType
	Channel uint8
	Value   int64
	Length  uint32
}

func (h Header) put(b []byte) {
	b[0] = byte(h.Type)
	b[1] = h.Channel
	binary.LittleEndian.PutUint64(b[2:10], uint64(h.Value))
	binary.LittleEndian.PutUint32(b[10:14], h.Length)
}

func parseHeader(b []byte) Header {
	return Header{
		Type:    MessageType(b[0]),
		Channel: b[1],
		Value:   int64(binary.LittleEndian.Uint64(b[2:10])),
		Length:  binary.LittleEndian.Uint32(b[10:14]),
	}
}

// subscribeValue packs the MSI and resolution of a subscribe command.
func subscribeValue(msi uint32, res media.Resolution) int64 {
	return int64(msi) | int64(res)<<32
}

// SubscribeTarget unpacks the Value of a subscribe command.
func SubscribeTarget(value int64) (uint32, media.Resolution) {
	return uint32(value), media.Resolution(value >> 32)
}

// VideoPrefixSize is the size of the metadata in front of video pixels
// Width(4) + Height(4) + ColorFormat(1) + Reserved(3) + FrameRate(4) + MSI(4) = 20
const VideoPrefixSize = 20

// VideoPrefix is the metadata of a video or screen-share frame.
type VideoPrefix struct {
	Format   media.VideoFormat
	SourceID uint32
}

// AppendVideoPrefix appends the encoded prefix to b.
func AppendVideoPrefix(b []byte, p VideoPrefix) []byte {
	var buf [VideoPrefixSize]byte
	binary.LittleEndian.PutUint32(buf[0:4], uint32(p.Format.Width))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(p.Format.Height))
	buf[8] = byte(p.Format.ColorFormat)
	binary.LittleEndian.PutUint32(buf[12:16], math.Float32bits(p.Format.FrameRate))
	binary.LittleEndian.PutUint32(buf[16:20], p.SourceID)
	return append(b, buf[:]...)
}

func parseVideoPrefix(b []byte) (VideoPrefix, error) {
	if len(b) < VideoPrefixSize {
		return VideoPrefix{}, errShortFrame
	}
	return VideoPrefix{
		Format: media.VideoFormat{
			Width:       int(binary.LittleEndian.Uint32(b[0:4])),
			Height:      int(binary.LittleEndian.Uint32(b[4:8])),
			ColorFormat: media.ColorFormat(b[8]),
			FrameRate:   math.Float32frombits(binary.LittleEndian.Uint32(b[12:16])),
		},
		SourceID: binary.LittleEndian.Uint32(b[16:20]),
	}, nil
}

// AppendAudioPrefix appends the active speaker list that precedes audio
// samples: Count(2) followed by Count MSIs of 4 bytes.
func AppendAudioPrefix(b []byte, speakers []uint32) []byte {
	b = binary.LittleEndian.AppendUint16(b, uint16(len(speakers)))
	for _, msi := range speakers {
		b = binary.LittleEndian.AppendUint32(b, msi)
	}
	return b
}

func parseAudioPrefix(b []byte, speakers []uint32) ([]uint32, int, error) {
	if len(b) < 2 {
		return nil, 0, errShortFrame
	}
	n := int(binary.LittleEndian.Uint16(b))
	size := 2 + 4*n
	if len(b) < size {
		return nil, 0, errShortFrame
	}
	speakers = speakers[:0]
	for i := 0; i < n; i++ {
		speakers = append(speakers, binary.LittleEndian.Uint32(b[2+4*i:]))
	}
	return speakers, size, nil
}

var errShortFrame = errors.New("ipc: frame shorter than its metadata")

// RosterEvent is the JSON body of a roster message.
type RosterEvent struct {
	Event       string      `json:"event"` // added, removed or updated
	Participant Participant `json:"participant"`
}

// Participant is the wire form of a roster entry.
type Participant struct {
	ID          string   `json:"id"`
	DisplayName string   `json:"displayName"`
	InLobby     bool     `json:"inLobby,omitempty"`
	Streams     []Stream `json:"streams,omitempty"`
}

// Stream is the wire form of a participant stream.
type Stream struct {
	Modality  string `json:"modality"`  // audio, video or screenshare
	SourceID  uint32 `json:"sourceId"`  // MSI
	Direction string `json:"direction"` // inactive, sendonly, recvonly or sendrecv
}

func (p Participant) toMedia() (media.Participant, error) {
	out := media.Participant{ID: p.ID, DisplayName: p.DisplayName, InLobby: p.InLobby}
	for _, s := range p.Streams {
		m, err := parseModality(s.Modality)
		if err != nil {
			return media.Participant{}, err
		}
		d, err := parseDirection(s.Direction)
		if err != nil {
			return media.Participant{}, err
		}
		out.Streams = append(out.Streams, media.MediaStream{Modality: m, SourceID: s.SourceID, Direction: d})
	}
	return out, nil
}

// FromMedia converts a roster entry to its wire form.
func FromMedia(p media.Participant) Participant {
	out := Participant{ID: p.ID, DisplayName: p.DisplayName, InLobby: p.InLobby}
	for _, s := range p.Streams {
		out.Streams = append(out.Streams, Stream{Modality: s.Modality.String(), SourceID: s.SourceID, Direction: s.Direction.String()})
	}
	return out
}

func parseModality(s string) (media.Modality, error) {
	for _, m := range []media.Modality{media.ModalityAudio, media.ModalityVideo, media.ModalityScreenShare} {
		if strings.EqualFold(s, m.String()) {
			return m, nil
		}
	}
	return 0, fmt.Errorf("ipc: unknown modality %q", s)
}

func parseDirection(s string) (media.Direction, error) {
	if s == "" {
		return media.DirectionInactive, nil
	}
	for d := media.DirectionInactive; d <= media.DirectionSendReceive; d++ {
		if strings.EqualFold(s, d.String()) {
			return d, nil
		}
	}
	return 0, fmt.Errorf("ipc: unknown direction %q", s)
}
