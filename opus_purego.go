//go:build (darwin || linux) && !noopus

// Opus support via libstream_opus, a thin primitive-only wrapper around
// libopus, loaded at runtime with purego.

package transcode

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"unsafe"

	"github.com/ebitengine/purego"
)

var (
	streamOpusOnce    sync.Once
	streamOpusHandle  uintptr
	streamOpusInitErr error
)

// libstream_opus function pointers
var (
	streamOpusEncoderCreate        func(sampleRate, channels, application int32) uint64
	streamOpusEncoderEncode        func(encoder uint64, pcm uintptr, frameSize int32, outData uintptr, outCapacity int32) int32
	streamOpusEncoderSetBitrate    func(encoder uint64, bitrate int32) int32
	streamOpusEncoderSetComplexity func(encoder uint64, complexity int32) int32
	streamOpusEncoderDestroy       func(encoder uint64)

	streamOpusDecoderCreate  func(sampleRate, channels int32) uint64
	streamOpusDecoderDecode  func(decoder uint64, data uintptr, dataLen int32, pcm uintptr, frameSize, decodeFEC int32) int32
	streamOpusDecoderDestroy func(decoder uint64)

	streamOpusGetError   func() uintptr
	streamOpusGetVersion func() uintptr
)

// Constants from stream_opus.h
const (
	streamOpusApplicationAudio = 2049
	streamOpusMaxPacket        = 4000
)

// opusFrameMs is the packet duration produced by the encoder.
const opusFrameMs = 20

func init() {
	nativeRegistrations = append(nativeRegistrations, registerOpus)
}

// registerOpus adds the libopus provider when the library loads.
func registerOpus(r *Registry) {
	if err := loadStreamOpus(); err != nil {
		return
	}
	setProviderAvailable(ProviderLibopus)
	r.RegisterDecoder(CodecOpus, ProviderLibopus, func(in StreamDescriptor) (Decoder, error) {
		return newOpusDecoder(in)
	})
	r.RegisterEncoder(CodecOpus, ProviderLibopus, func(out StreamDescriptor) (Encoder, error) {
		return newOpusEncoder(out)
	})
}

// loadStreamOpus loads the libstream_opus shared library.
func loadStreamOpus() error {
	streamOpusOnce.Do(func() {
		streamOpusInitErr = loadStreamOpusLib()
	})
	return streamOpusInitErr
}

func loadStreamOpusLib() error {
	var lastErr error
	for _, path := range nativeLibPaths("libstream_opus", "STREAM_OPUS_LIB_PATH") {
		handle, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_GLOBAL)
		if err != nil {
			lastErr = err
			continue
		}
		streamOpusHandle = handle
		loadStreamOpusSymbols()
		return nil
	}
	if lastErr != nil {
		return fmt.Errorf("failed to load libstream_opus: %w", lastErr)
	}
	return errors.New("libstream_opus not found in any standard location")
}

func loadStreamOpusSymbols() {
	purego.RegisterLibFunc(&streamOpusEncoderCreate, streamOpusHandle, "stream_opus_encoder_create")
	purego.RegisterLibFunc(&streamOpusEncoderEncode, streamOpusHandle, "stream_opus_encoder_encode")
	purego.RegisterLibFunc(&streamOpusEncoderSetBitrate, streamOpusHandle, "stream_opus_encoder_set_bitrate")
	purego.RegisterLibFunc(&streamOpusEncoderSetComplexity, streamOpusHandle, "stream_opus_encoder_set_complexity")
	purego.RegisterLibFunc(&streamOpusEncoderDestroy, streamOpusHandle, "stream_opus_encoder_destroy")

	purego.RegisterLibFunc(&streamOpusDecoderCreate, streamOpusHandle, "stream_opus_decoder_create")
	purego.RegisterLibFunc(&streamOpusDecoderDecode, streamOpusHandle, "stream_opus_decoder_decode")
	purego.RegisterLibFunc(&streamOpusDecoderDestroy, streamOpusHandle, "stream_opus_decoder_destroy")

	purego.RegisterLibFunc(&streamOpusGetError, streamOpusHandle, "stream_opus_get_error")
	purego.RegisterLibFunc(&streamOpusGetVersion, streamOpusHandle, "stream_opus_get_version")
}

// IsOpusAvailable checks if libstream_opus is available.
func IsOpusAvailable() bool {
	return loadStreamOpus() == nil
}

// OpusVersion returns the libopus version string.
func OpusVersion() string {
	if !IsOpusAvailable() {
		return ""
	}
	return goStringFromPtr(streamOpusGetVersion())
}

func opusError() string {
	if s := goStringFromPtr(streamOpusGetError()); s != "" {
		return s
	}
	return "unknown error"
}

func validOpusStream(d StreamDescriptor) error {
	switch d.SampleRate {
	case 8000, 12000, 16000, 24000, 48000:
	default:
		return fmt.Errorf("opus: unsupported sample rate %d", d.SampleRate)
	}
	if ch := d.Channels(); ch < 1 || ch > 2 {
		return fmt.Errorf("opus: supports 1 or 2 channels, got %d", ch)
	}
	return nil
}

// opusEncoder encodes interleaved S16 frames into 20 ms Opus packets.
type opusEncoder struct {
	desc      StreamDescriptor
	handle    uint64
	frameSize int // Samples per channel per packet
	channels  int

	pcm      []int16 // Pending interleaved samples
	pcmPTS   int64
	nextPTS  int64
	outBuf   []byte
	out      []*Packet
	draining bool
	mu       sync.Mutex
}

func newOpusEncoder(out StreamDescriptor) (*opusEncoder, error) {
	if err := loadStreamOpus(); err != nil {
		return nil, fmt.Errorf("opus encoder not available: %w", err)
	}
	if err := validOpusStream(out); err != nil {
		return nil, err
	}
	handle := streamOpusEncoderCreate(int32(out.SampleRate), int32(out.Channels()), streamOpusApplicationAudio)
	if handle == 0 {
		return nil, fmt.Errorf("failed to create opus encoder: %s", opusError())
	}
	if out.BitrateBps > 0 {
		streamOpusEncoderSetBitrate(handle, int32(out.BitrateBps))
	}
	if out.Quality > 0 && out.Quality <= 10 {
		streamOpusEncoderSetComplexity(handle, int32(out.Quality))
	}
	return &opusEncoder{
		desc:      out,
		handle:    handle,
		frameSize: out.SampleRate * opusFrameMs / 1000,
		channels:  out.Channels(),
		outBuf:    make([]byte, streamOpusMaxPacket),
	}, nil
}

func (e *opusEncoder) TimeBase() Rational { return Rational{1, int64(e.desc.SampleRate)} }

func (e *opusEncoder) SendFrame(f *Frame) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.handle == 0 {
		return errors.New("opus encoder closed")
	}
	if f == nil {
		e.draining = true
		if n := len(e.pcm); n > 0 {
			// Pad the tail to a whole packet with silence.
			e.pcm = append(e.pcm, make([]int16, e.frameSize*e.channels-n)...)
			return e.encodeChunk()
		}
		return nil
	}
	if f.SampleFormat != SampleFormatS16 || f.SampleRate != e.desc.SampleRate || f.Layout != e.desc.Layout {
		return fmt.Errorf("opus encoder: frame %dHz/%s/%s does not match stream %dHz/%s/S16",
			f.SampleRate, f.Layout, f.SampleFormat, e.desc.SampleRate, e.desc.Layout)
	}
	if len(e.pcm) == 0 {
		e.pcmPTS = Rescale(f.PTS, f.TimeBase, e.TimeBase())
		if e.pcmPTS == NoPTS {
			e.pcmPTS = e.nextPTS
		}
	}
	data := f.Planes[0]
	for i := 0; i < f.NbSamples*e.channels; i++ {
		e.pcm = append(e.pcm, int16(binary.LittleEndian.Uint16(data[i*2:])))
	}
	for len(e.pcm) >= e.frameSize*e.channels {
		if err := e.encodeChunk(); err != nil {
			return err
		}
	}
	return nil
}

// encodeChunk encodes the first frameSize samples of e.pcm.
func (e *opusEncoder) encodeChunk() error {
	n := streamOpusEncoderEncode(
		e.handle,
		uintptr(unsafe.Pointer(&e.pcm[0])),
		int32(e.frameSize),
		uintptr(unsafe.Pointer(&e.outBuf[0])),
		int32(len(e.outBuf)),
	)
	if n < 0 {
		return fmt.Errorf("opus encode failed: %s", opusError())
	}
	e.out = append(e.out, &Packet{
		PTS:      e.pcmPTS,
		DTS:      e.pcmPTS,
		Duration: int64(e.frameSize),
		Key:      true,
		Data:     append([]byte(nil), e.outBuf[:n]...),
	})
	e.pcm = e.pcm[e.frameSize*e.channels:]
	e.pcmPTS += int64(e.frameSize)
	e.nextPTS = e.pcmPTS
	return nil
}

func (e *opusEncoder) ReceivePacket() (*Packet, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.out) > 0 {
		pkt := e.out[0]
		e.out = e.out[1:]
		return pkt, nil
	}
	if e.draining {
		return nil, ErrEndOfStream
	}
	return nil, ErrNeedMoreInput
}

func (e *opusEncoder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.handle != 0 {
		streamOpusEncoderDestroy(e.handle)
		e.handle = 0
	}
	return nil
}

// opusDecoder decodes Opus packets into interleaved S16 frames.
type opusDecoder struct {
	desc     StreamDescriptor
	handle   uint64
	channels int
	pcm      []int16
	pending  *Frame
	draining bool
	mu       sync.Mutex
}

func newOpusDecoder(in StreamDescriptor) (*opusDecoder, error) {
	if err := loadStreamOpus(); err != nil {
		return nil, fmt.Errorf("opus decoder not available: %w", err)
	}
	if err := validOpusStream(in); err != nil {
		return nil, err
	}
	handle := streamOpusDecoderCreate(int32(in.SampleRate), int32(in.Channels()))
	if handle == 0 {
		return nil, fmt.Errorf("failed to create opus decoder: %s", opusError())
	}
	if !in.TimeBase.Valid() {
		in.TimeBase = Rational{1, int64(in.SampleRate)}
	}
	// 120 ms is the longest Opus packet.
	maxSamples := in.SampleRate * 120 / 1000 * in.Channels()
	return &opusDecoder{
		desc:     in,
		handle:   handle,
		channels: in.Channels(),
		pcm:      make([]int16, maxSamples),
	}, nil
}

func (d *opusDecoder) SendPacket(pkt *Packet) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.handle == 0 {
		return errors.New("opus decoder closed")
	}
	if pkt == nil {
		d.draining = true
		return nil
	}
	if len(pkt.Data) == 0 {
		return fmt.Errorf("%w: empty opus packet", ErrCorruptPacket)
	}
	n := streamOpusDecoderDecode(
		d.handle,
		uintptr(unsafe.Pointer(&pkt.Data[0])),
		int32(len(pkt.Data)),
		uintptr(unsafe.Pointer(&d.pcm[0])),
		int32(len(d.pcm)/d.channels),
		0,
	)
	if n < 0 {
		return fmt.Errorf("%w: opus decode failed: %s", ErrCorruptPacket, opusError())
	}
	f := NewAudioFrame(int(n), d.desc.SampleRate, SampleFormatS16, d.desc.Layout)
	for i := 0; i < int(n)*d.channels; i++ {
		binary.LittleEndian.PutUint16(f.Planes[0][i*2:], uint16(d.pcm[i]))
	}
	f.PTS = pkt.PTS
	f.TimeBase = d.desc.TimeBase
	f.Duration = Rescale(int64(n), Rational{1, int64(d.desc.SampleRate)}, d.desc.TimeBase)
	d.pending = f
	return nil
}

func (d *opusDecoder) ReceiveFrame() (*Frame, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if f := d.pending; f != nil {
		d.pending = nil
		return f, nil
	}
	if d.draining {
		return nil, ErrEndOfStream
	}
	return nil, ErrNeedMoreInput
}

func (d *opusDecoder) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.handle != 0 {
		streamOpusDecoderDestroy(d.handle)
		d.handle = 0
	}
	return nil
}
