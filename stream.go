package transcode

import (
	"fmt"
	"strings"
)

// StreamDescriptor is the static description of one elementary stream.
// Descriptors read from a source are never modified; the output side works on
// a derived copy.
type StreamDescriptor struct {
	Index    int
	Type     MediaType
	Codec    CodecID
	TimeBase Rational
	Duration int64 // In TimeBase units, 0 if unknown

	// Audio
	SampleRate   int
	Layout       ChannelLayout
	SampleFormat SampleFormat
	FrameSize    int // Samples per channel per packet, 0 = codec default

	// Video
	Width       int
	Height      int
	PixelFormat PixelFormat
	FrameRate   Rational

	// Encoder
	BitrateBps int
	GOPSize    int
	Quality    int

	Extradata []byte // Codec private data (sequence headers)
}

// Clone returns a deep copy of the descriptor.
func (d StreamDescriptor) Clone() StreamDescriptor {
	if d.Extradata != nil {
		d.Extradata = append([]byte(nil), d.Extradata...)
	}
	return d
}

// Channels returns the audio channel count.
func (d StreamDescriptor) Channels() int { return d.Layout.Channels() }

// SameAudioFormat reports whether two audio descriptors describe identical
// raw sample layouts.
func (d StreamDescriptor) SameAudioFormat(o StreamDescriptor) bool {
	return d.SampleRate == o.SampleRate &&
		d.Layout == o.Layout &&
		d.SampleFormat == o.SampleFormat
}

// SameVideoFormat reports whether two video descriptors describe identical
// raw picture layouts.
func (d StreamDescriptor) SameVideoFormat(o StreamDescriptor) bool {
	return d.Width == o.Width &&
		d.Height == o.Height &&
		d.PixelFormat == o.PixelFormat
}

// DurationSeconds returns the stream duration in seconds, 0 if unknown.
func (d StreamDescriptor) DurationSeconds() float64 {
	if d.Duration <= 0 || !d.TimeBase.Valid() {
		return 0
	}
	return float64(d.Duration) * d.TimeBase.Float64()
}

func (d StreamDescriptor) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "#%d %s %s tb=%s", d.Index, d.Type, d.Codec, d.TimeBase)
	switch d.Type {
	case MediaTypeAudio:
		fmt.Fprintf(&b, " %dHz %s %s", d.SampleRate, d.Layout, d.SampleFormat)
	case MediaTypeVideo:
		fmt.Fprintf(&b, " %dx%d %s", d.Width, d.Height, d.PixelFormat)
		if d.FrameRate.Valid() {
			fmt.Fprintf(&b, " %.3gfps", d.FrameRate.Float64())
		}
	}
	return b.String()
}
