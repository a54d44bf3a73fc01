// Core frame and sample types used across the pipeline.
package transcode

import (
	"fmt"
	"strings"
)

// PixelFormat represents video pixel formats.
type PixelFormat int

const (
	PixelFormatNone  PixelFormat = iota
	PixelFormatI420              // YUV 4:2:0 planar (Y + U + V)
	PixelFormatNV12              // YUV 4:2:0 semi-planar (Y + interleaved UV)
	PixelFormatRGB24             // Packed RGB, 3 bytes per pixel
	PixelFormatRGBA32            // Packed RGBA, 4 bytes per pixel
)

func (p PixelFormat) String() string {
	switch p {
	case PixelFormatI420:
		return "I420"
	case PixelFormatNV12:
		return "NV12"
	case PixelFormatRGB24:
		return "RGB24"
	case PixelFormatRGBA32:
		return "RGBA32"
	default:
		return "Unknown"
	}
}

// PlaneCount returns the number of planes for this pixel format.
func (p PixelFormat) PlaneCount() int {
	switch p {
	case PixelFormatI420:
		return 3 // Y, U, V
	case PixelFormatNV12:
		return 2 // Y, UV
	case PixelFormatRGB24, PixelFormatRGBA32:
		return 1 // Packed
	default:
		return 0
	}
}

// PlaneSizes returns the stride and height of each tightly packed plane.
func (p PixelFormat) PlaneSizes(width, height int) (strides, heights []int) {
	cw, ch := (width+1)/2, (height+1)/2
	switch p {
	case PixelFormatI420:
		return []int{width, cw, cw}, []int{height, ch, ch}
	case PixelFormatNV12:
		return []int{width, cw * 2}, []int{height, ch}
	case PixelFormatRGB24:
		return []int{width * 3}, []int{height}
	case PixelFormatRGBA32:
		return []int{width * 4}, []int{height}
	default:
		return nil, nil
	}
}

// FrameSize returns the total byte size of a tightly packed frame.
func (p PixelFormat) FrameSize(width, height int) int {
	strides, heights := p.PlaneSizes(width, height)
	n := 0
	for i := range strides {
		n += strides[i] * heights[i]
	}
	return n
}

// MarshalText implements encoding.TextMarshaler.
func (p PixelFormat) MarshalText() ([]byte, error) {
	return []byte(strings.ToLower(p.String())), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *PixelFormat) UnmarshalText(b []byte) error {
	switch strings.ToLower(string(b)) {
	case "i420", "yuv420p":
		*p = PixelFormatI420
	case "nv12":
		*p = PixelFormatNV12
	case "rgb24":
		*p = PixelFormatRGB24
	case "rgba32", "rgba":
		*p = PixelFormatRGBA32
	default:
		return fmt.Errorf("unknown pixel format %q", b)
	}
	return nil
}

// SampleFormat represents audio sample formats.
type SampleFormat int

const (
	SampleFormatNone SampleFormat = iota
	SampleFormatU8                // Unsigned 8-bit
	SampleFormatS16               // Signed 16-bit
	SampleFormatS32               // Signed 32-bit
	SampleFormatF32               // 32-bit float
	SampleFormatS16P              // Signed 16-bit, planar
	SampleFormatF32P              // 32-bit float, planar
)

func (s SampleFormat) String() string {
	switch s {
	case SampleFormatU8:
		return "U8"
	case SampleFormatS16:
		return "S16"
	case SampleFormatS32:
		return "S32"
	case SampleFormatF32:
		return "F32"
	case SampleFormatS16P:
		return "S16P"
	case SampleFormatF32P:
		return "F32P"
	default:
		return "Unknown"
	}
}

// BytesPerSample returns the number of bytes per sample for this format.
func (s SampleFormat) BytesPerSample() int {
	switch s {
	case SampleFormatU8:
		return 1
	case SampleFormatS16, SampleFormatS16P:
		return 2
	case SampleFormatS32, SampleFormatF32, SampleFormatF32P:
		return 4
	default:
		return 0
	}
}

// Planar reports whether each channel is stored in its own plane.
func (s SampleFormat) Planar() bool {
	return s == SampleFormatS16P || s == SampleFormatF32P
}

// Packed returns the interleaved equivalent of a planar format.
func (s SampleFormat) Packed() SampleFormat {
	switch s {
	case SampleFormatS16P:
		return SampleFormatS16
	case SampleFormatF32P:
		return SampleFormatF32
	default:
		return s
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s SampleFormat) MarshalText() ([]byte, error) {
	return []byte(strings.ToLower(s.String())), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *SampleFormat) UnmarshalText(b []byte) error {
	switch strings.ToLower(string(b)) {
	case "u8":
		*s = SampleFormatU8
	case "s16":
		*s = SampleFormatS16
	case "s32":
		*s = SampleFormatS32
	case "f32", "flt":
		*s = SampleFormatF32
	case "s16p":
		*s = SampleFormatS16P
	case "f32p", "fltp":
		*s = SampleFormatF32P
	default:
		return fmt.Errorf("unknown sample format %q", b)
	}
	return nil
}

// ChannelLayout describes the speaker arrangement of an audio stream.
// Only the channel count is significant to the pipeline.
type ChannelLayout int

const (
	ChannelLayoutNone   ChannelLayout = 0
	ChannelLayoutMono   ChannelLayout = 1
	ChannelLayoutStereo ChannelLayout = 2
	ChannelLayout5_1    ChannelLayout = 6
)

// Channels returns the channel count.
func (l ChannelLayout) Channels() int { return int(l) }

func (l ChannelLayout) String() string {
	switch l {
	case ChannelLayoutMono:
		return "mono"
	case ChannelLayoutStereo:
		return "stereo"
	case ChannelLayout5_1:
		return "5.1"
	case ChannelLayoutNone:
		return "none"
	default:
		return fmt.Sprintf("%dc", int(l))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (l ChannelLayout) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (l *ChannelLayout) UnmarshalText(b []byte) error {
	s := strings.ToLower(string(b))
	switch s {
	case "mono":
		*l = ChannelLayoutMono
	case "stereo":
		*l = ChannelLayoutStereo
	case "5.1":
		*l = ChannelLayout5_1
	default:
		var n int
		if _, err := fmt.Sscanf(strings.TrimSuffix(s, "c"), "%d", &n); err != nil || n <= 0 {
			return fmt.Errorf("unknown channel layout %q", b)
		}
		*l = ChannelLayout(n)
	}
	return nil
}

// Frame is a decoded unit of audio or video.
//
// Audio frames store samples in Planes: one plane per channel for planar
// sample formats, a single interleaved plane otherwise. Video frames store
// one plane per component with the matching entry in Strides.
//
// A Frame is owned by exactly one stage at a time. A stage that keeps a frame
// after handing it on must Clone it.
type Frame struct {
	Type MediaType

	Planes  [][]byte // Sample or pixel planes
	Strides []int    // Video: bytes per row for each plane

	// Audio
	NbSamples    int // Samples per channel
	SampleRate   int
	SampleFormat SampleFormat
	Layout       ChannelLayout

	// Video
	Width       int
	Height      int
	PixelFormat PixelFormat
	Key         bool

	PTS      int64    // Presentation timestamp in TimeBase units (NoPTS if unknown)
	Duration int64    // Duration in TimeBase units (0 if unknown)
	TimeBase Rational // Time base of PTS and Duration
}

// Clone creates a deep copy of the frame.
// Use this when you need to keep the frame beyond handing it to the next stage.
func (f *Frame) Clone() *Frame {
	clone := *f
	clone.Planes = make([][]byte, len(f.Planes))
	for i, plane := range f.Planes {
		if plane != nil {
			clone.Planes[i] = make([]byte, len(plane))
			copy(clone.Planes[i], plane)
		}
	}
	if f.Strides != nil {
		clone.Strides = make([]int, len(f.Strides))
		copy(clone.Strides, f.Strides)
	}
	return &clone
}

// NewAudioFrame allocates a zeroed audio frame.
func NewAudioFrame(nbSamples, sampleRate int, format SampleFormat, layout ChannelLayout) *Frame {
	f := &Frame{
		Type:         MediaTypeAudio,
		NbSamples:    nbSamples,
		SampleRate:   sampleRate,
		SampleFormat: format,
		Layout:       layout,
		PTS:          NoPTS,
		TimeBase:     Rational{1, int64(sampleRate)},
		Duration:     int64(nbSamples),
	}
	bps := format.BytesPerSample()
	if format.Planar() {
		f.Planes = make([][]byte, layout.Channels())
		for i := range f.Planes {
			f.Planes[i] = make([]byte, nbSamples*bps)
		}
	} else {
		f.Planes = [][]byte{make([]byte, nbSamples*bps*layout.Channels())}
	}
	return f
}

// NewVideoFrame allocates a zeroed, tightly packed video frame.
func NewVideoFrame(width, height int, format PixelFormat) *Frame {
	strides, heights := format.PlaneSizes(width, height)
	f := &Frame{
		Type:        MediaTypeVideo,
		Width:       width,
		Height:      height,
		PixelFormat: format,
		Strides:     strides,
		Planes:      make([][]byte, len(strides)),
		PTS:         NoPTS,
	}
	for i := range strides {
		f.Planes[i] = make([]byte, strides[i]*heights[i])
	}
	return f
}

// ByteSize returns the total number of payload bytes in the frame.
func (f *Frame) ByteSize() int {
	n := 0
	for _, p := range f.Planes {
		n += len(p)
	}
	return n
}
