package media

import "strconv"

// Modality identifies the kind of media a channel carries
type Modality byte

const (
	ModalityAudio       Modality = 0x01
	ModalityVideo       Modality = 0x02
	ModalityScreenShare Modality = 0x03
)

func (m Modality) String() string {
	switch m {
	case ModalityAudio:
		return "audio"
	case ModalityVideo:
		return "video"
	case ModalityScreenShare:
		return "screenshare"
	default:
		return "unknown(" + strconv.Itoa(int(m)) + ")"
	}
}

// Valid reports whether m is one of the known modalities.
func (m Modality) Valid() bool {
	return m == ModalityAudio || m == ModalityVideo || m == ModalityScreenShare
}

// Direction is the send/receive state a participant advertises for a stream
type Direction byte

const (
	DirectionInactive Direction = iota
	DirectionSendOnly
	DirectionReceiveOnly
	DirectionSendReceive
)

// CanSend reports whether the participant is publishing media in this direction.
func (d Direction) CanSend() bool {
	return d == DirectionSendOnly || d == DirectionSendReceive
}

func (d Direction) String() string {
	switch d {
	case DirectionInactive:
		return "inactive"
	case DirectionSendOnly:
		return "sendonly"
	case DirectionReceiveOnly:
		return "recvonly"
	case DirectionSendReceive:
		return "sendrecv"
	default:
		return "unknown"
	}
}

// Resolution is the preferred decode resolution requested on subscribe
type Resolution byte

const (
	ResolutionHD1080p Resolution = iota
	ResolutionHD720p
	ResolutionSD540p
	ResolutionSD360p
	ResolutionSD240p
	ResolutionSD180p
)

func (r Resolution) String() string {
	switch r {
	case ResolutionHD1080p:
		return "1080p"
	case ResolutionHD720p:
		return "720p"
	case ResolutionSD540p:
		return "540p"
	case ResolutionSD360p:
		return "360p"
	case ResolutionSD240p:
		return "240p"
	case ResolutionSD180p:
		return "180p"
	default:
		return "unknown"
	}
}

// ParseResolution maps a config string such as "720p" to a Resolution.
func ParseResolution(s string) (Resolution, bool) {
	for r := ResolutionHD1080p; r <= ResolutionSD180p; r++ {
		if r.String() == s {
			return r, true
		}
	}
	return ResolutionHD1080p, false
}

// ColorFormat is the pixel layout of a raw video frame
type ColorFormat byte

const (
	ColorFormatUnknown ColorFormat = iota
	ColorFormatNV12
	ColorFormatYUY2
	ColorFormatRGB24
	ColorFormatBGR24
	ColorFormatH264
)

func (c ColorFormat) String() string {
	switch c {
	case ColorFormatNV12:
		return "NV12"
	case ColorFormatYUY2:
		return "YUY2"
	case ColorFormatRGB24:
		return "RGB24"
	case ColorFormatBGR24:
		return "BGR24"
	case ColorFormatH264:
		return "H264"
	default:
		return "Unknown"
	}
}

// VideoFormat describes the layout of a delivered video buffer
type VideoFormat struct {
	Width       int
	Height      int
	ColorFormat ColorFormat
	FrameRate   float32
}

// MediaFrame is an owned copy of one delivered buffer, tagged with its
// metadata. Audio frames leave the video fields zero.
type MediaFrame struct {
	Payload        []byte      `json:"payload" msgpack:"payload"`
	Timestamp      int64       `json:"timestamp" msgpack:"timestamp"` // 100ns ticks
	Width          int         `json:"width,omitempty" msgpack:"width,omitempty"`
	Height         int         `json:"height,omitempty" msgpack:"height,omitempty"`
	ColorFormat    ColorFormat `json:"colorFormat,omitempty" msgpack:"colorFormat,omitempty"`
	FrameRate      float32     `json:"frameRate,omitempty" msgpack:"frameRate,omitempty"`
	SourceID       uint32      `json:"sourceId,omitempty" msgpack:"sourceId,omitempty"`
	ActiveSpeakers []uint32    `json:"activeSpeakers,omitempty" msgpack:"activeSpeakers,omitempty"`
}
