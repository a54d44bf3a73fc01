package transcode

import (
	"fmt"
)

// sampleCodec describes a sample-by-sample audio codec: PCM variants and G.711.
type sampleCodec struct {
	id        CodecID
	raw       SampleFormat // Interleaved format of decoded frames
	codedSize int          // Bytes per coded sample
	encode    func(dst, src []byte)
	decode    func(dst, src []byte)
}

var sampleCodecs = []sampleCodec{
	{id: CodecPCMS16LE, raw: SampleFormatS16, codedSize: 2},
	{id: CodecPCMF32LE, raw: SampleFormatF32, codedSize: 4},
	{id: CodecPCMU8, raw: SampleFormatU8, codedSize: 1},
	{id: CodecPCMALaw, raw: SampleFormatS16, codedSize: 1, encode: encodeALaw, decode: decodeALaw},
	{id: CodecPCMMuLaw, raw: SampleFormatS16, codedSize: 1, encode: encodeMuLaw, decode: decodeMuLaw},
}

func lookupSampleCodec(id CodecID) (sampleCodec, bool) {
	for _, c := range sampleCodecs {
		if c.id == id {
			return c, true
		}
	}
	return sampleCodec{}, false
}

// codedSampleSize returns the bytes one coded sample of a builtin audio
// codec occupies per channel, or 0.
func codedSampleSize(id CodecID) int {
	c, _ := lookupSampleCodec(id)
	return c.codedSize
}

// RawSampleFormat returns the sample format frames of a builtin audio codec
// decode to, or SampleFormatNone for codecs without a builtin implementation.
func RawSampleFormat(id CodecID) SampleFormat {
	if c, ok := lookupSampleCodec(id); ok {
		return c.raw
	}
	return SampleFormatNone
}

// PCMCodecFor returns the PCM codec that stores samples of format f verbatim.
func PCMCodecFor(f SampleFormat) (CodecID, bool) {
	switch f.Packed() {
	case SampleFormatS16:
		return CodecPCMS16LE, true
	case SampleFormatF32:
		return CodecPCMF32LE, true
	case SampleFormatU8:
		return CodecPCMU8, true
	default:
		return CodecUnknown, false
	}
}

func registerPCMCodecs(r *Registry) {
	for _, c := range sampleCodecs {
		c := c
		r.RegisterDecoder(c.id, ProviderBuiltin, func(in StreamDescriptor) (Decoder, error) {
			return newPCMDecoder(c, in)
		})
		r.RegisterEncoder(c.id, ProviderBuiltin, func(out StreamDescriptor) (Encoder, error) {
			return newPCMEncoder(c, out)
		})
	}
}

// pcmDecoder unpacks sample codec packets into interleaved frames.
type pcmDecoder struct {
	codec    sampleCodec
	desc     StreamDescriptor
	pending  *Frame
	draining bool
}

func newPCMDecoder(c sampleCodec, in StreamDescriptor) (*pcmDecoder, error) {
	if in.SampleRate <= 0 || in.Channels() <= 0 {
		return nil, fmt.Errorf("%s decoder: invalid stream %dHz/%d channels", c.id, in.SampleRate, in.Channels())
	}
	if !in.TimeBase.Valid() {
		in.TimeBase = Rational{1, int64(in.SampleRate)}
	}
	return &pcmDecoder{codec: c, desc: in}, nil
}

func (d *pcmDecoder) SendPacket(pkt *Packet) error {
	if pkt == nil {
		d.draining = true
		return nil
	}
	frameBytes := d.desc.Channels() * d.codec.codedSize
	if len(pkt.Data) == 0 || len(pkt.Data)%frameBytes != 0 {
		return fmt.Errorf("%w: %d bytes is not a whole number of %d-byte sample frames",
			ErrCorruptPacket, len(pkt.Data), frameBytes)
	}
	n := len(pkt.Data) / frameBytes
	f := NewAudioFrame(n, d.desc.SampleRate, d.codec.raw, d.desc.Layout)
	if d.codec.decode != nil {
		d.codec.decode(f.Planes[0], pkt.Data)
	} else {
		copy(f.Planes[0], pkt.Data)
	}
	f.PTS = pkt.PTS
	f.TimeBase = d.desc.TimeBase
	f.Duration = pkt.Duration
	if f.Duration <= 0 {
		f.Duration = Rescale(int64(n), Rational{1, int64(d.desc.SampleRate)}, d.desc.TimeBase)
	}
	d.pending = f
	return nil
}

func (d *pcmDecoder) ReceiveFrame() (*Frame, error) {
	if f := d.pending; f != nil {
		d.pending = nil
		return f, nil
	}
	if d.draining {
		return nil, ErrEndOfStream
	}
	return nil, ErrNeedMoreInput
}

func (d *pcmDecoder) Close() error { return nil }

// pcmEncoder packs interleaved frames into packets. With a FrameSize it
// rechunks input into packets of exactly that many samples, holding the
// remainder until the next frame or the flush.
type pcmEncoder struct {
	codec     sampleCodec
	desc      StreamDescriptor
	tb        Rational
	frameSize int

	buf      []byte // Pending raw interleaved samples
	bufPTS   int64
	nextPTS  int64
	out      []*Packet
	draining bool
}

func newPCMEncoder(c sampleCodec, out StreamDescriptor) (*pcmEncoder, error) {
	if out.SampleRate <= 0 || out.Channels() <= 0 {
		return nil, fmt.Errorf("%s encoder: invalid stream %dHz/%d channels", c.id, out.SampleRate, out.Channels())
	}
	return &pcmEncoder{
		codec:     c,
		desc:      out,
		tb:        Rational{1, int64(out.SampleRate)},
		frameSize: out.FrameSize,
	}, nil
}

func (e *pcmEncoder) TimeBase() Rational { return e.tb }

func (e *pcmEncoder) SendFrame(f *Frame) error {
	if f == nil {
		e.draining = true
		if len(e.buf) > 0 {
			e.emit(e.buf, e.bufPTS)
			e.buf = nil
		}
		return nil
	}
	if f.Type != MediaTypeAudio || f.SampleRate != e.desc.SampleRate ||
		f.Layout != e.desc.Layout || f.SampleFormat != e.codec.raw {
		return fmt.Errorf("%s encoder: frame %dHz/%s/%s does not match stream %dHz/%s/%s",
			e.codec.id, f.SampleRate, f.Layout, f.SampleFormat,
			e.desc.SampleRate, e.desc.Layout, e.codec.raw)
	}
	pts := Rescale(f.PTS, f.TimeBase, e.tb)
	if pts == NoPTS {
		pts = e.nextPTS
	}
	data := f.Planes[0][:f.NbSamples*e.rawFrameBytes()]

	if e.frameSize <= 0 {
		e.emit(data, pts)
		return nil
	}
	if len(e.buf) == 0 {
		e.bufPTS = pts
	}
	e.buf = append(e.buf, data...)
	chunk := e.frameSize * e.rawFrameBytes()
	for len(e.buf) >= chunk {
		e.emit(e.buf[:chunk], e.bufPTS)
		e.buf = e.buf[chunk:]
		e.bufPTS = e.nextPTS
	}
	if len(e.buf) > 0 {
		// Drop the consumed prefix.
		e.buf = append([]byte(nil), e.buf...)
	}
	return nil
}

func (e *pcmEncoder) rawFrameBytes() int {
	return e.codec.raw.BytesPerSample() * e.desc.Channels()
}

func (e *pcmEncoder) emit(raw []byte, pts int64) {
	samples := len(raw) / e.rawFrameBytes()
	coded := make([]byte, samples*e.desc.Channels()*e.codec.codedSize)
	if e.codec.encode != nil {
		e.codec.encode(coded, raw)
	} else {
		copy(coded, raw)
	}
	e.out = append(e.out, &Packet{
		PTS:      pts,
		DTS:      pts,
		Duration: int64(samples),
		Key:      true,
		Data:     coded,
	})
	e.nextPTS = pts + int64(samples)
}

func (e *pcmEncoder) ReceivePacket() (*Packet, error) {
	if len(e.out) > 0 {
		pkt := e.out[0]
		e.out[0] = nil
		e.out = e.out[1:]
		return pkt, nil
	}
	if e.draining {
		return nil, ErrEndOfStream
	}
	return nil, ErrNeedMoreInput
}

func (e *pcmEncoder) Close() error {
	e.buf = nil
	e.out = nil
	return nil
}
