package transcode

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Transform converts raw frames between formats. Transform may return a nil
// frame when it needs more input; Flush returns whatever state is left.
type Transform interface {
	Transform(f *Frame) (*Frame, error)
	Flush() (*Frame, error)
}

// AudioResampler converts sample format, channel layout and sample rate.
//
// Rate conversion is linear interpolation. When downsampling, input first
// passes a fourth order Butterworth low-pass at 0.45 of the output rate so
// content above the output Nyquist frequency does not fold back. The filter
// state, the last input sample of every frame and the read position are
// carried to the next frame, so output is continuous across frame boundaries. Output timestamps are derived from the
// first input timestamp plus the number of samples produced.
type AudioResampler struct {
	src, dst     StreamDescriptor
	srcCh, dstCh int
	dstTB        Rational

	// Read position of the next output sample, in units of 1/dstRate input
	// samples, relative to the first sample of the next input frame.
	// Negative values fall between history and that first sample.
	pos     int64
	history []float32 // Last remixed input sample per output channel
	primed  bool

	lowpass [][]biquad // Per channel anti-alias cascade, nil when not downsampling

	nextPTS int64
	calls   uint64
}

// NewAudioResampler creates a resampler from src to dst.
func NewAudioResampler(src, dst StreamDescriptor) (*AudioResampler, error) {
	if src.SampleRate <= 0 || dst.SampleRate <= 0 {
		return nil, newError(TransformError, src.Index,
			fmt.Errorf("invalid sample rates %d -> %d", src.SampleRate, dst.SampleRate))
	}
	for _, f := range []SampleFormat{src.SampleFormat, dst.SampleFormat} {
		if f.BytesPerSample() == 0 {
			return nil, newError(TransformError, src.Index, fmt.Errorf("unsupported sample format %s", f))
		}
	}
	srcCh, dstCh := src.Channels(), dst.Channels()
	if !canRemix(srcCh, dstCh) {
		return nil, newError(TransformError, src.Index,
			fmt.Errorf("cannot remix %s to %s", src.Layout, dst.Layout))
	}
	r := &AudioResampler{
		src:     src,
		dst:     dst,
		srcCh:   srcCh,
		dstCh:   dstCh,
		dstTB:   Rational{1, int64(dst.SampleRate)},
		history: make([]float32, dstCh),
		nextPTS: NoPTS,
	}
	if dst.SampleRate < src.SampleRate {
		cutoff := 0.45 * float64(dst.SampleRate)
		r.lowpass = make([][]biquad, dstCh)
		for c := range r.lowpass {
			r.lowpass[c] = []biquad{
				newLowpass(cutoff, float64(src.SampleRate), 0.5412),
				newLowpass(cutoff, float64(src.SampleRate), 1.3066),
			}
		}
	}
	return r, nil
}

// Calls returns how many frames have been transformed.
func (r *AudioResampler) Calls() uint64 { return r.calls }

// Transform converts one frame. It returns nil when the frame was too short
// to produce an output sample.
func (r *AudioResampler) Transform(f *Frame) (*Frame, error) {
	r.calls++
	if f.SampleRate != r.src.SampleRate || f.Layout != r.src.Layout || f.SampleFormat != r.src.SampleFormat {
		return nil, newError(TransformError, r.src.Index, fmt.Errorf("%w: frame %dHz/%s/%s, resampler expects %dHz/%s/%s",
			ErrReconfiguration, f.SampleRate, f.Layout, f.SampleFormat, r.src.SampleRate, r.src.Layout, r.src.SampleFormat))
	}
	if r.nextPTS == NoPTS {
		r.nextPTS = Rescale(f.PTS, f.TimeBase, r.dstTB)
		if r.nextPTS == NoPTS {
			r.nextPTS = 0
		}
	}

	in := remix(toFloatPlanes(f, r.srcCh), r.dstCh)
	n := f.NbSamples
	if n == 0 {
		return nil, nil
	}
	r.primed = true
	if r.lowpass != nil {
		in = r.filter(in)
	}

	srcRate, dstRate := int64(r.src.SampleRate), int64(r.dst.SampleRate)
	limit := int64(n-1) * dstRate
	count := 0
	if r.pos <= limit {
		count = int((limit-r.pos)/srcRate) + 1
	}
	out := make([][]float32, r.dstCh)
	for c := range out {
		out[c] = make([]float32, count)
	}
	pos := r.pos
	for k := 0; k < count; k++ {
		i := floorDiv(pos, dstRate)
		frac := float32(pos-i*dstRate) / float32(dstRate)
		for c := range out {
			a := r.sampleAt(in[c], c, i)
			if frac == 0 {
				out[c][k] = a
				continue
			}
			b := in[c][i+1]
			out[c][k] = a + frac*(b-a)
		}
		pos += srcRate
	}
	r.pos = pos - int64(n)*dstRate
	for c := range in {
		r.history[c] = in[c][n-1]
	}

	if count == 0 {
		return nil, nil
	}
	return r.emit(out, count), nil
}

// Flush emits the samples that fall between the last input sample and the
// end of the input, holding the last sample.
func (r *AudioResampler) Flush() (*Frame, error) {
	if !r.primed || r.pos >= 0 {
		return nil, nil
	}
	srcRate := int64(r.src.SampleRate)
	count := int((-r.pos + srcRate - 1) / srcRate)
	out := make([][]float32, r.dstCh)
	for c := range out {
		out[c] = make([]float32, count)
		for k := range out[c] {
			out[c][k] = r.history[c]
		}
	}
	r.pos += int64(count) * srcRate
	return r.emit(out, count), nil
}

// filter runs every channel through its low-pass cascade. Remixed planes may
// share backing arrays, so the result is always freshly allocated.
func (r *AudioResampler) filter(in [][]float32) [][]float32 {
	out := make([][]float32, len(in))
	for c, plane := range in {
		out[c] = make([]float32, len(plane))
		stages := r.lowpass[c]
		for i, v := range plane {
			x := float64(v)
			for s := range stages {
				x = stages[s].process(x)
			}
			out[c][i] = float32(x)
		}
	}
	return out
}

// biquad is a second order IIR section in transposed direct form II.
type biquad struct {
	b0, b1, b2, a1, a2 float64
	z1, z2             float64
}

// newLowpass returns a low-pass section with the given cutoff and Q at
// sample rate fs.
func newLowpass(cutoff, fs, q float64) biquad {
	w0 := 2 * math.Pi * cutoff / fs
	cos, alpha := math.Cos(w0), math.Sin(w0)/(2*q)
	a0 := 1 + alpha
	return biquad{
		b0: (1 - cos) / 2 / a0,
		b1: (1 - cos) / a0,
		b2: (1 - cos) / 2 / a0,
		a1: -2 * cos / a0,
		a2: (1 - alpha) / a0,
	}
}

func (b *biquad) process(x float64) float64 {
	y := b.b0*x + b.z1
	b.z1 = b.b1*x - b.a1*y + b.z2
	b.z2 = b.b2*x - b.a2*y
	return y
}

func (r *AudioResampler) sampleAt(plane []float32, ch int, i int64) float32 {
	if i < 0 {
		return r.history[ch]
	}
	return plane[i]
}

func (r *AudioResampler) emit(planes [][]float32, count int) *Frame {
	out := NewAudioFrame(count, r.dst.SampleRate, r.dst.SampleFormat, r.dst.Layout)
	fromFloatPlanes(out, planes)
	out.PTS = r.nextPTS
	out.TimeBase = r.dstTB
	out.Duration = int64(count)
	r.nextPTS += int64(count)
	return out
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

func canRemix(src, dst int) bool {
	switch {
	case src <= 0 || dst <= 0:
		return false
	case src == dst, src == 1, dst == 1, dst == 2, src == 2:
		return true
	}
	return false
}

// remix maps src channel planes onto dst channels. Downmixes average the
// contributing channels.
func remix(in [][]float32, dst int) [][]float32 {
	src := len(in)
	if src == dst {
		return in
	}
	n := len(in[0])
	out := make([][]float32, dst)
	switch {
	case src == 1:
		for c := range out {
			out[c] = in[0]
		}
	case dst == 1:
		out[0] = make([]float32, n)
		for i := 0; i < n; i++ {
			var sum float32
			for c := 0; c < src; c++ {
				sum += in[c][i]
			}
			out[0][i] = sum / float32(src)
		}
	case dst == 2:
		// Even channels fold left, odd channels fold right.
		for side := 0; side < 2; side++ {
			out[side] = make([]float32, n)
			var used float32
			for c := side; c < src; c += 2 {
				used++
				for i := 0; i < n; i++ {
					out[side][i] += in[c][i]
				}
			}
			for i := 0; i < n; i++ {
				out[side][i] /= used
			}
		}
	default: // src == 2, dst > 2
		out[0], out[1] = in[0], in[1]
		for c := 2; c < dst; c++ {
			out[c] = make([]float32, n)
		}
	}
	return out
}

// toFloatPlanes converts any supported layout to one float32 plane per channel.
func toFloatPlanes(f *Frame, channels int) [][]float32 {
	n := f.NbSamples
	bps := f.SampleFormat.BytesPerSample()
	out := make([][]float32, channels)
	for c := range out {
		out[c] = make([]float32, n)
	}
	for c := 0; c < channels; c++ {
		plane, off, step := f.Planes[0], c*bps, channels*bps
		if f.SampleFormat.Planar() {
			plane, off, step = f.Planes[c], 0, bps
		}
		for i := 0; i < n; i++ {
			out[c][i] = readSample(plane[off+i*step:], f.SampleFormat)
		}
	}
	return out
}

// fromFloatPlanes writes float planes into an allocated frame.
func fromFloatPlanes(f *Frame, planes [][]float32) {
	channels := len(planes)
	bps := f.SampleFormat.BytesPerSample()
	for c := 0; c < channels; c++ {
		plane, off, step := f.Planes[0], c*bps, channels*bps
		if f.SampleFormat.Planar() {
			plane, off, step = f.Planes[c], 0, bps
		}
		for i, v := range planes[c] {
			writeSample(plane[off+i*step:], f.SampleFormat, v)
		}
	}
}

func readSample(b []byte, format SampleFormat) float32 {
	switch format.Packed() {
	case SampleFormatU8:
		return (float32(b[0]) - 128) / 128
	case SampleFormatS16:
		return float32(int16(binary.LittleEndian.Uint16(b))) / 32768
	case SampleFormatS32:
		return float32(float64(int32(binary.LittleEndian.Uint32(b))) / 2147483648)
	case SampleFormatF32:
		return math.Float32frombits(binary.LittleEndian.Uint32(b))
	}
	return 0
}

func writeSample(b []byte, format SampleFormat, v float32) {
	if v > 1 {
		v = 1
	} else if v < -1 {
		v = -1
	}
	switch format.Packed() {
	case SampleFormatU8:
		b[0] = byte(clampRound(float64(v)*128, -128, 127) + 128)
	case SampleFormatS16:
		binary.LittleEndian.PutUint16(b, uint16(int16(clampRound(float64(v)*32768, -32768, 32767))))
	case SampleFormatS32:
		binary.LittleEndian.PutUint32(b, uint32(int32(clampRound(float64(v)*2147483648, -2147483648, 2147483647))))
	case SampleFormatF32:
		binary.LittleEndian.PutUint32(b, math.Float32bits(v))
	}
}

func clampRound(v, lo, hi float64) int64 {
	return int64(math.Max(lo, math.Min(hi, math.Round(v))))
}
