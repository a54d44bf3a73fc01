//go:build (darwin || linux) && !noh264

// H.264 support via libmedia_h264 (x264 encoder, OpenH264 decoder) loaded at
// runtime with purego.

package transcode

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"unsafe"

	"github.com/ebitengine/purego"
)

var (
	mediaH264Once    sync.Once
	mediaH264Handle  uintptr
	mediaH264InitErr error
)

// libmedia_h264 function pointers
var (
	mediaH264EncoderCreate        func(width, height, fps, bitrateKbps, profile, threads int32) uint64
	mediaH264EncoderEncode        func(encoder uint64, yPlane, uPlane, vPlane uintptr, yStride, uvStride, forceKeyframe int32, outData uintptr, outCapacity int32, outFrameType, outPts, outDts uintptr) int32
	mediaH264EncoderMaxOutputSize func(encoder uint64) int32
	mediaH264EncoderGetSPSPPS     func(encoder uint64, spsOut uintptr, spsCapacity int32, spsLen uintptr, ppsOut uintptr, ppsCapacity int32, ppsLen uintptr) int32
	mediaH264EncoderDestroy       func(encoder uint64)

	mediaH264DecoderCreate  func(threads int32) uint64
	mediaH264DecoderDecode  func(decoder uint64, data uintptr, dataLen int32, outY, outU, outV, outYStride, outUVStride, outWidth, outHeight uintptr) int32
	mediaH264DecoderDestroy func(decoder uint64)

	mediaH264GetError         func() uintptr
	mediaH264EncoderAvailable func() int32
	mediaH264DecoderAvailable func() int32
)

// Constants from media_h264.h
const (
	mediaH264ProfileBaseline = 66

	mediaH264FrameI   = 0
	mediaH264FrameIDR = 3

	mediaH264Threads = 4
)

// mediaH264Output holds the encoder's output parameters. It lives on the
// heap: purego on arm64 cannot write through pointers into a Go stack that
// may move during the call.
type mediaH264Output struct {
	FrameType int32
	PTS       int64
	DTS       int64
}

// mediaH264DecodeResult holds the decoder's output parameters, heap
// allocated for the same reason.
type mediaH264DecodeResult struct {
	YPtr     uintptr
	UPtr     uintptr
	VPtr     uintptr
	YStride  int32
	UVStride int32
	Width    int32
	Height   int32
}

func init() {
	nativeRegistrations = append(nativeRegistrations, registerH264)
}

// registerH264 adds the x264 encoder and the OpenH264 decoder when
// libmedia_h264 loads and was built with them.
func registerH264(r *Registry) {
	if err := loadMediaH264(); err != nil {
		return
	}
	if mediaH264EncoderAvailable() != 0 {
		setProviderAvailable(ProviderX264)
		r.RegisterEncoder(CodecH264, ProviderX264, func(out StreamDescriptor) (Encoder, error) {
			return newH264Encoder(out)
		})
	}
	if mediaH264DecoderAvailable() != 0 {
		setProviderAvailable(ProviderOpenH264)
		r.RegisterDecoder(CodecH264, ProviderOpenH264, func(in StreamDescriptor) (Decoder, error) {
			return newH264Decoder(in)
		})
	}
}

func loadMediaH264() error {
	mediaH264Once.Do(func() {
		mediaH264InitErr = loadMediaH264Lib()
	})
	return mediaH264InitErr
}

func loadMediaH264Lib() error {
	var lastErr error
	for _, path := range nativeLibPaths("libmedia_h264", "MEDIA_H264_LIB_PATH") {
		handle, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_GLOBAL)
		if err != nil {
			lastErr = err
			continue
		}
		mediaH264Handle = handle
		loadMediaH264Symbols()
		return nil
	}
	if lastErr != nil {
		return fmt.Errorf("failed to load libmedia_h264: %w", lastErr)
	}
	return errors.New("libmedia_h264 not found in any standard location")
}

func loadMediaH264Symbols() {
	purego.RegisterLibFunc(&mediaH264EncoderCreate, mediaH264Handle, "media_h264_encoder_create")
	purego.RegisterLibFunc(&mediaH264EncoderEncode, mediaH264Handle, "media_h264_encoder_encode")
	purego.RegisterLibFunc(&mediaH264EncoderMaxOutputSize, mediaH264Handle, "media_h264_encoder_max_output_size")
	purego.RegisterLibFunc(&mediaH264EncoderGetSPSPPS, mediaH264Handle, "media_h264_encoder_get_sps_pps")
	purego.RegisterLibFunc(&mediaH264EncoderDestroy, mediaH264Handle, "media_h264_encoder_destroy")

	purego.RegisterLibFunc(&mediaH264DecoderCreate, mediaH264Handle, "media_h264_decoder_create")
	purego.RegisterLibFunc(&mediaH264DecoderDecode, mediaH264Handle, "media_h264_decoder_decode")
	purego.RegisterLibFunc(&mediaH264DecoderDestroy, mediaH264Handle, "media_h264_decoder_destroy")

	purego.RegisterLibFunc(&mediaH264GetError, mediaH264Handle, "media_h264_get_error")
	purego.RegisterLibFunc(&mediaH264EncoderAvailable, mediaH264Handle, "media_h264_encoder_available")
	purego.RegisterLibFunc(&mediaH264DecoderAvailable, mediaH264Handle, "media_h264_decoder_available")
}

// IsH264Available checks if libmedia_h264 is available.
func IsH264Available() bool {
	return loadMediaH264() == nil
}

func h264Error() string {
	if s := goStringFromPtr(mediaH264GetError()); s != "" {
		return s
	}
	return "unknown error"
}

// h264Encoder encodes I420 frames into Annex B access units. x264 runs
// baseline with zero latency, so every frame yields one access unit in
// input order.
type h264Encoder struct {
	desc      StreamDescriptor
	handle    uint64
	outBuf    []byte
	out       *mediaH264Output
	extradata []byte
	gop       int
	frames    int

	packets  []*Packet
	nextPTS  int64
	draining bool
	mu       sync.Mutex
}

func newH264Encoder(out StreamDescriptor) (*h264Encoder, error) {
	if err := loadMediaH264(); err != nil {
		return nil, fmt.Errorf("H.264 encoder not available: %w", err)
	}
	if out.PixelFormat != PixelFormatI420 {
		return nil, fmt.Errorf("%w: x264 encodes i420, not %s", ErrCodecNotSupported, out.PixelFormat)
	}
	if out.Width <= 0 || out.Height <= 0 || out.Width%2 != 0 || out.Height%2 != 0 {
		return nil, fmt.Errorf("x264: invalid size %dx%d", out.Width, out.Height)
	}
	fps := 30
	if out.FrameRate.Valid() {
		fps = max(1, int(out.FrameRate.Float64()+0.5))
	}
	bitrateKbps := out.BitrateBps / 1000
	if bitrateKbps <= 0 {
		bitrateKbps = 1000
	}

	handle := mediaH264EncoderCreate(
		int32(out.Width),
		int32(out.Height),
		int32(fps),
		int32(bitrateKbps),
		mediaH264ProfileBaseline,
		mediaH264Threads,
	)
	if handle == 0 {
		return nil, fmt.Errorf("failed to create H.264 encoder: %s", h264Error())
	}
	maxOutput := int(mediaH264EncoderMaxOutputSize(handle))
	if maxOutput <= 0 {
		maxOutput = PixelFormatI420.FrameSize(out.Width, out.Height)
	}
	if !out.TimeBase.Valid() {
		out.TimeBase = videoTimeBase(out)
	}
	e := &h264Encoder{
		desc:   out,
		handle: handle,
		outBuf: make([]byte, maxOutput),
		out:    &mediaH264Output{},
		gop:    out.GOPSize,
	}
	e.extradata = e.parameterSets()
	return e, nil
}

// parameterSets returns the encoder's SPS and PPS as an
// AVCDecoderConfigurationRecord, or nil.
func (e *h264Encoder) parameterSets() []byte {
	type spsPPS struct {
		sps, pps       [256]byte
		spsLen, ppsLen int32
	}
	buf := &spsPPS{}
	mediaH264EncoderGetSPSPPS(
		e.handle,
		uintptr(unsafe.Pointer(&buf.sps[0])), int32(len(buf.sps)), uintptr(unsafe.Pointer(&buf.spsLen)),
		uintptr(unsafe.Pointer(&buf.pps[0])), int32(len(buf.pps)), uintptr(unsafe.Pointer(&buf.ppsLen)),
	)
	runtime.KeepAlive(buf)
	if buf.spsLen <= 0 || buf.ppsLen <= 0 || buf.spsLen > 256 || buf.ppsLen > 256 {
		return nil
	}
	return avcConfigRecord(buf.sps[:buf.spsLen], buf.pps[:buf.ppsLen])
}

func (e *h264Encoder) TimeBase() Rational { return e.desc.TimeBase }

func (e *h264Encoder) Extradata() []byte { return e.extradata }

func (e *h264Encoder) SendFrame(f *Frame) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.handle == 0 {
		return errors.New("H.264 encoder closed")
	}
	if f == nil {
		e.draining = true
		return nil
	}
	if f.PixelFormat != PixelFormatI420 || f.Width != e.desc.Width || f.Height != e.desc.Height {
		return fmt.Errorf("x264: frame %dx%d/%s does not match stream %dx%d/i420",
			f.Width, f.Height, f.PixelFormat, e.desc.Width, e.desc.Height)
	}

	var forceKeyframe int32
	if e.frames == 0 || e.gop > 0 && e.frames%e.gop == 0 {
		forceKeyframe = 1
	}
	e.frames++

	n := mediaH264EncoderEncode(
		e.handle,
		uintptr(unsafe.Pointer(&f.Planes[0][0])),
		uintptr(unsafe.Pointer(&f.Planes[1][0])),
		uintptr(unsafe.Pointer(&f.Planes[2][0])),
		int32(f.Strides[0]),
		int32(f.Strides[1]),
		forceKeyframe,
		uintptr(unsafe.Pointer(&e.outBuf[0])),
		int32(len(e.outBuf)),
		uintptr(unsafe.Pointer(&e.out.FrameType)),
		uintptr(unsafe.Pointer(&e.out.PTS)),
		uintptr(unsafe.Pointer(&e.out.DTS)),
	)
	runtime.KeepAlive(f)
	if n < 0 {
		return fmt.Errorf("H.264 encode failed: %s", h264Error())
	}
	if n == 0 {
		return nil
	}

	pts := Rescale(f.PTS, f.TimeBase, e.desc.TimeBase)
	if pts == NoPTS {
		pts = e.nextPTS
	}
	duration := Rescale(f.Duration, f.TimeBase, e.desc.TimeBase)
	if duration <= 0 {
		duration = 1
	}
	e.nextPTS = pts + duration
	e.packets = append(e.packets, &Packet{
		PTS:      pts,
		DTS:      pts,
		Duration: duration,
		Key:      e.out.FrameType == mediaH264FrameIDR || e.out.FrameType == mediaH264FrameI,
		Data:     append([]byte(nil), e.outBuf[:n]...),
	})
	return nil
}

func (e *h264Encoder) ReceivePacket() (*Packet, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.packets) > 0 {
		pkt := e.packets[0]
		e.packets = e.packets[1:]
		return pkt, nil
	}
	if e.draining {
		return nil, ErrEndOfStream
	}
	return nil, ErrNeedMoreInput
}

func (e *h264Encoder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.handle != 0 {
		mediaH264EncoderDestroy(e.handle)
		e.handle = 0
	}
	return nil
}

// h264Decoder decodes H.264 access units in either framing into I420
// frames. OpenH264 decodes baseline without reordering, so frames come
// out in packet order.
type h264Decoder struct {
	desc    StreamDescriptor
	handle  uint64
	headers []byte // Annex B SPS/PPS from extradata, sent before the first packet
	result  *mediaH264DecodeResult

	pending  []*Frame
	stamps   []*Packet // Timing of packets whose picture is still inside the decoder
	draining bool
	mu       sync.Mutex
}

func newH264Decoder(in StreamDescriptor) (*h264Decoder, error) {
	if err := loadMediaH264(); err != nil {
		return nil, fmt.Errorf("H.264 decoder not available: %w", err)
	}
	handle := mediaH264DecoderCreate(mediaH264Threads)
	if handle == 0 {
		return nil, fmt.Errorf("failed to create H.264 decoder: %s", h264Error())
	}
	return &h264Decoder{
		desc:    in,
		handle:  handle,
		headers: h264AnnexBHeaders(in.Extradata),
		result:  &mediaH264DecodeResult{},
	}, nil
}

func (d *h264Decoder) SendPacket(pkt *Packet) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.handle == 0 {
		return errors.New("H.264 decoder closed")
	}
	if pkt == nil {
		d.draining = true
		return nil
	}
	data, err := avccToAnnexB(pkt.Data)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return fmt.Errorf("%w: empty H.264 packet", ErrCorruptPacket)
	}
	if d.headers != nil {
		data = append(d.headers, data...)
		d.headers = nil
	}
	d.stamps = append(d.stamps, &Packet{PTS: pkt.PTS, Duration: pkt.Duration})

	out := d.result
	n := mediaH264DecoderDecode(
		d.handle,
		uintptr(unsafe.Pointer(&data[0])),
		int32(len(data)),
		uintptr(unsafe.Pointer(&out.YPtr)),
		uintptr(unsafe.Pointer(&out.UPtr)),
		uintptr(unsafe.Pointer(&out.VPtr)),
		uintptr(unsafe.Pointer(&out.YStride)),
		uintptr(unsafe.Pointer(&out.UVStride)),
		uintptr(unsafe.Pointer(&out.Width)),
		uintptr(unsafe.Pointer(&out.Height)),
	)
	runtime.KeepAlive(data)
	runtime.KeepAlive(out)
	if n < 0 {
		d.stamps = d.stamps[:len(d.stamps)-1]
		return fmt.Errorf("%w: H.264 decode failed: %s", ErrCorruptPacket, h264Error())
	}
	if n == 0 {
		return nil
	}
	if out.YPtr == 0 || out.Width <= 0 || out.Height <= 0 || out.YStride < out.Width || out.UVStride < (out.Width+1)/2 {
		return fmt.Errorf("%w: invalid decoder output %dx%d stride %d/%d",
			ErrCorruptPacket, out.Width, out.Height, out.YStride, out.UVStride)
	}
	d.pending = append(d.pending, d.copyPicture())
	return nil
}

// copyPicture copies the decoder's picture out of native memory and stamps
// it with the oldest outstanding packet's timing.
func (d *h264Decoder) copyPicture() *Frame {
	out := d.result
	w, h := int(out.Width), int(out.Height)
	f := NewVideoFrame(w, h, PixelFormatI420)
	planes := []struct {
		ptr    uintptr
		stride int
	}{
		{out.YPtr, int(out.YStride)},
		{out.UPtr, int(out.UVStride)},
		{out.VPtr, int(out.UVStride)},
	}
	_, heights := PixelFormatI420.PlaneSizes(w, h)
	for i, p := range planes {
		rowLen := f.Strides[i]
		for row := 0; row < heights[i]; row++ {
			src := unsafe.Slice((*byte)(unsafe.Pointer(p.ptr+uintptr(row*p.stride))), rowLen)
			copy(f.Planes[i][row*rowLen:], src)
		}
	}

	f.TimeBase = d.desc.TimeBase
	if len(d.stamps) > 0 {
		stamp := d.stamps[0]
		d.stamps = d.stamps[1:]
		f.PTS, f.Duration = stamp.PTS, stamp.Duration
	}
	return f
}

func (d *h264Decoder) ReceiveFrame() (*Frame, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.pending) > 0 {
		f := d.pending[0]
		d.pending = d.pending[1:]
		return f, nil
	}
	if d.draining {
		return nil, ErrEndOfStream
	}
	return nil, ErrNeedMoreInput
}

func (d *h264Decoder) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.handle != 0 {
		mediaH264DecoderDestroy(d.handle)
		d.handle = 0
	}
	return nil
}
