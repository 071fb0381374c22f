package media

// Buffer is a frame delivered by a channel. The memory behind Data belongs to
// the runtime and is only valid until Release is called, so handlers copy
// what they keep.
type Buffer interface {
	// Data is a view of the runtime memory. It may be longer than Length.
	Data() []byte
	// Length is the declared payload length.
	Length() int64
	// Timestamp in 100ns ticks.
	Timestamp() int64
	Release()
}

// VideoBuffer is a Buffer carrying a video or screen-share frame.
type VideoBuffer interface {
	Buffer
	Format() VideoFormat
	// SourceID is the media source the frame was decoded from, 0 if unknown.
	SourceID() uint32
}

// AudioBuffer is a Buffer carrying mixed audio.
type AudioBuffer interface {
	Buffer
	ActiveSpeakers() []uint32
}
