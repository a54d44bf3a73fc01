package transcode

import (
	"cmp"
	"fmt"
	"io"
	"strings"
)

// MappedStream describes how one output stream is produced from one input
// stream.
type MappedStream struct {
	Input  StreamDescriptor
	Output StreamDescriptor // Output.Index is the output stream index

	// Copy forwards packets without decoding; only timestamps are rescaled.
	Copy bool

	// Resample and Rescale report whether a transform runs between decoder
	// and encoder. When both are false decoded frames go straight to the
	// encoder.
	Resample  bool
	Rescale   bool
	ScaleMode ScaleMode

	DecoderProvider Provider
	EncoderProvider Provider
}

// StreamMapping fixes, for the lifetime of a job, which input stream feeds
// which output stream and which stages run in between.
type StreamMapping struct {
	Format  *Format // Nil when the sink brings its own muxer
	Streams []MappedStream

	byInput map[int]int
}

// Outputs returns the output stream descriptors in output order.
func (m *StreamMapping) Outputs() []StreamDescriptor {
	out := make([]StreamDescriptor, len(m.Streams))
	for i, s := range m.Streams {
		out[i] = s.Output.Clone()
	}
	return out
}

// OutputFor returns the output index fed by input stream idx, or -1 when the
// input stream is not mapped.
func (m *StreamMapping) OutputFor(idx int) int {
	if o, ok := m.byInput[idx]; ok {
		return o
	}
	return -1
}

func unsupported(stream int, format string, args ...any) error {
	return newError(UnsupportedStreamError, stream, fmt.Errorf(format, args...))
}

// ResolveMapping plans the job: it selects an input for every requested
// output stream, decides between stream copy and transcoding, derives the
// output parameters and checks that decoders, encoders and the container can
// serve the result. It does not touch the source, so every failure is
// reported before the first packet is read.
func ResolveMapping(reg *Registry, inputs []StreamDescriptor, cfg JobConfig, format *Format) (*StreamMapping, error) {
	requests := cfg.Streams
	if len(requests) == 0 {
		for i, in := range inputs {
			if in.Type != MediaTypeAudio && in.Type != MediaTypeVideo {
				continue
			}
			idx := i
			requests = append(requests, StreamConfig{Type: in.Type, SourceIndex: &idx})
		}
		if len(requests) == 0 {
			return nil, unsupported(-1, "input has no audio or video streams")
		}
	}

	m := &StreamMapping{Format: format, byInput: make(map[int]int)}
	for o, req := range requests {
		in, err := pickInput(inputs, req, m.byInput, o)
		if err != nil {
			return nil, err
		}
		ms, err := planStream(reg, in, req, format, o)
		if err != nil {
			return nil, err
		}
		m.byInput[in.Index] = o
		m.Streams = append(m.Streams, ms)
	}

	if format != nil && format.NewMuxer != nil {
		// Constructing a muxer validates container constraints (stream
		// counts, sample rates) without writing anything.
		mux, err := format.NewMuxer(io.Discard, m.Outputs())
		if err != nil {
			return nil, newError(UnsupportedStreamError, -1, err)
		}
		mux.Close()
	}
	return m, nil
}

func pickInput(inputs []StreamDescriptor, req StreamConfig, used map[int]int, out int) (StreamDescriptor, error) {
	if req.SourceIndex != nil {
		idx := *req.SourceIndex
		if idx < 0 || idx >= len(inputs) {
			return StreamDescriptor{}, unsupported(-1, "output %d: input stream %d does not exist", out, idx)
		}
		if _, ok := used[idx]; ok {
			return StreamDescriptor{}, unsupported(idx, "output %d: input stream %d is already mapped", out, idx)
		}
		in := inputs[idx]
		if req.Type != MediaTypeUnknown && in.Type != req.Type {
			return StreamDescriptor{}, unsupported(idx, "output %d: input stream %d is %s, not %s", out, idx, in.Type, req.Type)
		}
		return in, nil
	}
	for _, in := range inputs {
		if _, ok := used[in.Index]; ok {
			continue
		}
		if in.Type == req.Type {
			return in, nil
		}
	}
	return StreamDescriptor{}, unsupported(-1, "output %d: no unmapped %s input stream", out, req.Type)
}

func planStream(reg *Registry, in StreamDescriptor, req StreamConfig, format *Format, out int) (MappedStream, error) {
	ms := MappedStream{
		Input:           in,
		ScaleMode:       req.ScaleMode,
		DecoderProvider: req.Provider,
		EncoderProvider: req.Provider,
	}
	accepts := func(c CodecID) bool { return format == nil || format.Accepts(c) }

	var codec CodecID
	switch strings.ToLower(req.Codec) {
	case CodecCopy:
		if in.Codec == CodecUnknown {
			return ms, unsupported(in.Index, "cannot copy input stream %d: unknown codec", in.Index)
		}
		if changesParams(in, req) {
			return ms, unsupported(in.Index, "stream copy cannot change %s parameters", in.Type)
		}
		ms.Copy = true
		codec = in.Codec
	case "":
		codec = in.Codec
		if accepts(codec) && codec != CodecUnknown && !changesParams(in, req) && !tunesEncoder(req) {
			ms.Copy = true
			break
		}
		codec = defaultCodec(reg, in.Type, format)
		if codec == CodecUnknown {
			return ms, unsupported(in.Index, "no encodable %s codec for this container", in.Type)
		}
	default:
		c, err := ParseCodec(req.Codec)
		if err != nil {
			return ms, newError(UnsupportedStreamError, in.Index, err)
		}
		codec = c
	}
	if codec.Type() != in.Type {
		return ms, unsupported(in.Index, "codec %s cannot carry a %s stream", codec, in.Type)
	}
	if !accepts(codec) {
		return ms, unsupported(in.Index, "%w: %s cannot carry %s", ErrCodecNotSupported, format.Name, codec)
	}

	if ms.Copy {
		ms.Output = in.Clone()
		ms.Output.Index = out
		return ms, nil
	}

	// Same codec and parameters: identical content, so packets are copied.
	o := outputDescriptor(in, req, codec)
	o.Index = out
	if codec == in.Codec && !changesParams(in, req) && sameParams(in, o) && !tunesEncoder(req) {
		ms.Copy = true
		ms.Output = in.Clone()
		ms.Output.Index = out
		return ms, nil
	}

	_, dp, err := reg.resolveDecoder(in.Codec, ms.DecoderProvider)
	if err != nil {
		return ms, newError(UnsupportedStreamError, in.Index, err)
	}
	_, ep, err := reg.resolveEncoder(codec, ms.EncoderProvider)
	if err != nil {
		return ms, newError(UnsupportedStreamError, in.Index, fmt.Errorf("output %d: %w", out, err))
	}
	ms.DecoderProvider, ms.EncoderProvider = dp, ep

	switch in.Type {
	case MediaTypeAudio:
		ms.Resample = !in.SameAudioFormat(o)
		if ms.Resample && !canRemix(in.Channels(), o.Channels()) {
			return ms, unsupported(in.Index, "cannot remix %s to %s", in.Layout, o.Layout)
		}
	case MediaTypeVideo:
		ms.Rescale = !in.SameVideoFormat(o)
		if in.FrameRate.Valid() && o.FrameRate.Valid() && in.FrameRate.Reduce() != o.FrameRate.Reduce() {
			return ms, unsupported(in.Index, "frame rate conversion %s -> %s is not supported", in.FrameRate, o.FrameRate)
		}
	default:
		return ms, unsupported(in.Index, "%s streams can only be copied", in.Type)
	}
	ms.Output = o
	return ms, nil
}

// changesParams reports whether req asks for raw parameters that differ
// from the input.
func changesParams(in StreamDescriptor, req StreamConfig) bool {
	switch in.Type {
	case MediaTypeAudio:
		return req.SampleRate != 0 && req.SampleRate != in.SampleRate ||
			req.Layout != ChannelLayoutNone && req.Layout != in.Layout ||
			req.SampleFormat != SampleFormatNone && req.SampleFormat != in.SampleFormat
	case MediaTypeVideo:
		return req.Width != 0 && req.Width != in.Width ||
			req.Height != 0 && req.Height != in.Height ||
			req.PixelFormat != PixelFormatNone && req.PixelFormat != in.PixelFormat ||
			req.FrameRate.Valid() && in.FrameRate.Valid() && req.FrameRate.Reduce() != in.FrameRate.Reduce()
	}
	return false
}

// tunesEncoder reports whether req sets encoder options, which rules out
// stream copy.
func tunesEncoder(req StreamConfig) bool {
	return req.BitrateBps != 0 || req.Quality != 0 || req.GOPSize != 0
}

func sameParams(a, b StreamDescriptor) bool {
	switch a.Type {
	case MediaTypeAudio:
		return a.SameAudioFormat(b)
	case MediaTypeVideo:
		return a.SameVideoFormat(b)
	}
	return true
}

// defaultCodec picks the first codec of the container that can be encoded.
func defaultCodec(reg *Registry, t MediaType, format *Format) CodecID {
	var candidates []CodecID
	if format != nil && format.Codecs != nil {
		candidates = format.Codecs
	} else if t == MediaTypeAudio {
		candidates = []CodecID{CodecOpus, CodecPCMS16LE}
	} else {
		candidates = []CodecID{CodecVP8, CodecH264, CodecRawVideo}
	}
	for _, c := range candidates {
		if c.Type() == t && reg.HasEncoder(c) {
			return c
		}
	}
	return CodecUnknown
}

// outputDescriptor derives the output stream parameters: requested values
// win, the rest is inherited from the input.
func outputDescriptor(in StreamDescriptor, req StreamConfig, codec CodecID) StreamDescriptor {
	o := StreamDescriptor{
		Type:       in.Type,
		Codec:      codec,
		BitrateBps: req.BitrateBps,
		GOPSize:    req.GOPSize,
		Quality:    req.Quality,
	}
	switch in.Type {
	case MediaTypeAudio:
		o.SampleRate = cmp.Or(req.SampleRate, in.SampleRate)
		if codec == CodecOpus && req.SampleRate == 0 && !opusRate(in.SampleRate) {
			o.SampleRate = 48000
		}
		o.Layout = cmp.Or(req.Layout, in.Layout)
		o.FrameSize = req.FrameSize
		// Encoders consume a fixed raw format; PCM encoders define theirs.
		o.SampleFormat = RawSampleFormat(codec)
		if o.SampleFormat == SampleFormatNone {
			o.SampleFormat = cmp.Or(req.SampleFormat, SampleFormatS16)
		}
		o.TimeBase = Rational{1, int64(o.SampleRate)}
	case MediaTypeVideo:
		o.Width, o.Height = DeriveOutputSize(in.Width, in.Height, req.Width, req.Height)
		o.PixelFormat = cmp.Or(req.PixelFormat, in.PixelFormat)
		if codec != CodecRawVideo && req.PixelFormat == PixelFormatNone {
			// Native video encoders take planar 4:2:0.
			o.PixelFormat = PixelFormatI420
		}
		o.FrameRate = in.FrameRate
		if req.FrameRate.Valid() {
			o.FrameRate = req.FrameRate
		}
		o.TimeBase = in.TimeBase
		if !o.TimeBase.Valid() {
			o.TimeBase = videoTimeBase(o)
		}
	}
	if in.Duration > 0 && in.TimeBase.Valid() {
		o.Duration = Rescale(in.Duration, in.TimeBase, o.TimeBase)
	}
	return o
}

func opusRate(r int) bool {
	switch r {
	case 8000, 12000, 16000, 24000, 48000:
		return true
	}
	return false
}
