//go:build libav

// FFmpeg support through go-astiav: a demuxer for the containers FFmpeg
// reads (mp4, mkv, webm, mpegts, ...) and decoders for the compressed
// codecs. Requires the FFmpeg development libraries at build time.

package transcode

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/asticode/go-astiav"
)

func init() {
	nativeRegistrations = append(nativeRegistrations, registerLibav)
}

// libavCodecs maps FFmpeg codec ids to ours.
var libavCodecs = map[astiav.CodecID]CodecID{
	astiav.CodecIDH264:     CodecH264,
	astiav.CodecIDHevc:     CodecH265,
	astiav.CodecIDVp8:      CodecVP8,
	astiav.CodecIDVp9:      CodecVP9,
	astiav.CodecIDAv1:      CodecAV1,
	astiav.CodecIDAac:      CodecAAC,
	astiav.CodecIDMp3:      CodecMP3,
	astiav.CodecIDOpus:     CodecOpus,
	astiav.CodecIDPcmS16Le: CodecPCMS16LE,
	astiav.CodecIDPcmF32Le: CodecPCMF32LE,
	astiav.CodecIDPcmU8:    CodecPCMU8,
	astiav.CodecIDPcmAlaw:  CodecPCMALaw,
	astiav.CodecIDPcmMulaw: CodecPCMMuLaw,
}

func libavCodecID(c CodecID) (astiav.CodecID, bool) {
	for id, ours := range libavCodecs {
		if ours == c {
			return id, true
		}
	}
	return 0, false
}

func registerLibav(r *Registry) {
	setProviderAvailable(ProviderLibav)
	r.RegisterFormat(&Format{
		Name:       "libav",
		Extensions: []string{".mp4", ".m4a", ".mov", ".mkv", ".webm", ".ts", ".mp3", ".ogg"},
		Probe:      probeLibav,
		NewDemuxer: newLibavDemuxer,
	})
	for _, c := range libavCodecs {
		if c.IsPCM() {
			continue
		}
		r.RegisterDecoder(c, ProviderLibav, func(in StreamDescriptor) (Decoder, error) {
			return newLibavDecoder(in)
		})
	}
}

// probeLibav recognizes ISO BMFF, Matroska/WebM, MPEG-TS, Ogg and ID3
// tagged MP3.
func probeLibav(h []byte) bool {
	switch {
	case len(h) >= 8 && string(h[4:8]) == "ftyp":
		return true
	case len(h) >= 4 && h[0] == 0x1A && h[1] == 0x45 && h[2] == 0xDF && h[3] == 0xA3:
		return true
	case len(h) >= 1 && h[0] == 0x47 && (len(h) < 189 || h[188] == 0x47):
		return true
	case len(h) >= 4 && string(h[:4]) == "OggS":
		return true
	case len(h) >= 3 && string(h[:3]) == "ID3":
		return true
	}
	return false
}

func libavRational(r astiav.Rational) Rational {
	return Rational{int64(r.Num()), int64(r.Den())}
}

func libavTS(v int64) int64 {
	if v == astiav.NoPtsValue {
		return NoPTS
	}
	return v
}

type libavDemuxer struct {
	fc      *astiav.FormatContext
	ioc     *astiav.IOContext
	pkt     *astiav.Packet
	streams []StreamDescriptor
	index   []int // FFmpeg stream index -> ours, -1 when ignored
}

func newLibavDemuxer(r io.Reader) (Demuxer, error) {
	var seek astiav.IOContextSeekFunc
	if rs, ok := r.(io.ReadSeeker); ok {
		seek = func(offset int64, whence int) (int64, error) {
			return rs.Seek(offset, whence)
		}
	}
	ioc, err := astiav.AllocIOContext(32*1024, false, r.Read, seek, nil)
	if err != nil {
		return nil, fmt.Errorf("libav: alloc io context: %w", err)
	}
	fc := astiav.AllocFormatContext()
	if fc == nil {
		ioc.Free()
		return nil, errors.New("libav: alloc format context failed")
	}
	fc.SetPb(ioc)
	if err := fc.OpenInput("", nil, nil); err != nil {
		fc.Free()
		ioc.Free()
		return nil, fmt.Errorf("libav: open input: %w", err)
	}
	d := &libavDemuxer{fc: fc, ioc: ioc, pkt: astiav.AllocPacket()}
	if err := fc.FindStreamInfo(nil); err != nil {
		d.Close()
		return nil, fmt.Errorf("libav: find stream info: %w", err)
	}
	for _, s := range fc.Streams() {
		desc, ok := libavDescriptor(s)
		if !ok {
			d.index = append(d.index, -1)
			continue
		}
		desc.Index = len(d.streams)
		d.index = append(d.index, desc.Index)
		d.streams = append(d.streams, desc)
	}
	if len(d.streams) == 0 {
		d.Close()
		return nil, fmt.Errorf("%w: no supported streams", ErrCodecNotSupported)
	}
	return d, nil
}

func libavDescriptor(s *astiav.Stream) (StreamDescriptor, bool) {
	cp := s.CodecParameters()
	codec, ok := libavCodecs[cp.CodecID()]
	if !ok {
		return StreamDescriptor{}, false
	}
	d := StreamDescriptor{
		Type:      codec.Type(),
		Codec:     codec,
		TimeBase:  libavRational(s.TimeBase()),
		Duration:  max(s.Duration(), 0),
		Extradata: append([]byte(nil), cp.ExtraData()...),
	}
	switch d.Type {
	case MediaTypeAudio:
		d.SampleRate = cp.SampleRate()
		d.Layout = ChannelLayout(cp.ChannelLayout().Channels())
		d.FrameSize = cp.FrameSize()
		// Compressed audio is delivered as planar float.
		d.SampleFormat = RawSampleFormat(codec)
		if d.SampleFormat == SampleFormatNone {
			d.SampleFormat = SampleFormatF32P
		}
	case MediaTypeVideo:
		d.Width = cp.Width()
		d.Height = cp.Height()
		d.PixelFormat = PixelFormatI420
		d.FrameRate = libavRational(s.AvgFrameRate())
	}
	return d, true
}

func (d *libavDemuxer) Streams() []StreamDescriptor {
	out := make([]StreamDescriptor, len(d.streams))
	copy(out, d.streams)
	return out
}

func (d *libavDemuxer) ReadPacket(ctx context.Context) (*Packet, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := d.fc.ReadFrame(d.pkt); err != nil {
			if errors.Is(err, astiav.ErrEof) {
				return nil, io.EOF
			}
			return nil, err
		}
		idx := -1
		if si := d.pkt.StreamIndex(); si >= 0 && si < len(d.index) {
			idx = d.index[si]
		}
		if idx < 0 {
			d.pkt.Unref()
			continue
		}
		pkt := &Packet{
			StreamIndex: idx,
			PTS:         libavTS(d.pkt.Pts()),
			DTS:         libavTS(d.pkt.Dts()),
			Duration:    d.pkt.Duration(),
			Key:         d.pkt.Flags().Has(astiav.PacketFlagKey),
			Data:        append([]byte(nil), d.pkt.Data()...),
		}
		d.pkt.Unref()
		return pkt, nil
	}
}

func (d *libavDemuxer) Seek(ctx context.Context, stream int, ts int64) error {
	for si, idx := range d.index {
		if idx == stream {
			return d.fc.SeekFrame(si, ts, astiav.NewSeekFlags(astiav.SeekFlagBackward))
		}
	}
	return fmt.Errorf("libav: no stream %d", stream)
}

func (d *libavDemuxer) Close() error {
	if d.pkt != nil {
		d.pkt.Free()
		d.pkt = nil
	}
	if d.fc != nil {
		d.fc.CloseInput()
		d.fc.Free()
		d.fc = nil
	}
	if d.ioc != nil {
		d.ioc.Free()
		d.ioc = nil
	}
	return nil
}

// libavDecoder decodes one stream with FFmpeg and converts frames to the
// raw format declared by the demuxer descriptor.
type libavDecoder struct {
	desc  StreamDescriptor
	cc    *astiav.CodecContext
	pkt   *astiav.Packet
	frame *astiav.Frame

	// Lazily created converters for frames FFmpeg emits in another format.
	sws     *astiav.SoftwareScaleContext
	swsOut  *astiav.Frame
	convert *AudioResampler
}

func newLibavDecoder(in StreamDescriptor) (*libavDecoder, error) {
	id, ok := libavCodecID(in.Codec)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrCodecNotSupported, in.Codec)
	}
	codec := astiav.FindDecoder(id)
	if codec == nil {
		return nil, fmt.Errorf("%w: libav has no %s decoder", ErrCodecNotSupported, in.Codec)
	}
	cc := astiav.AllocCodecContext(codec)
	if cc == nil {
		return nil, errors.New("libav: alloc codec context failed")
	}
	cp := astiav.AllocCodecParameters()
	defer cp.Free()
	cp.SetCodecID(id)
	switch in.Type {
	case MediaTypeAudio:
		cp.SetMediaType(astiav.MediaTypeAudio)
		cp.SetSampleRate(in.SampleRate)
		layout := astiav.ChannelLayoutStereo
		if in.Channels() == 1 {
			layout = astiav.ChannelLayoutMono
		}
		cp.SetChannelLayout(layout)
	case MediaTypeVideo:
		cp.SetMediaType(astiav.MediaTypeVideo)
		cp.SetWidth(in.Width)
		cp.SetHeight(in.Height)
	}
	if len(in.Extradata) > 0 {
		if err := cp.SetExtraData(in.Extradata); err != nil {
			cc.Free()
			return nil, fmt.Errorf("libav: extradata: %w", err)
		}
	}
	if err := cp.ToCodecContext(cc); err != nil {
		cc.Free()
		return nil, fmt.Errorf("libav: codec parameters: %w", err)
	}
	cc.SetTimeBase(astiav.NewRational(int(in.TimeBase.Num), int(in.TimeBase.Den)))
	if err := cc.Open(codec, nil); err != nil {
		cc.Free()
		return nil, fmt.Errorf("libav: open %s decoder: %w", in.Codec, err)
	}
	return &libavDecoder{
		desc:  in,
		cc:    cc,
		pkt:   astiav.AllocPacket(),
		frame: astiav.AllocFrame(),
	}, nil
}

func (d *libavDecoder) SendPacket(pkt *Packet) error {
	if pkt == nil {
		if err := d.cc.SendPacket(nil); err != nil && !errors.Is(err, astiav.ErrEof) {
			return err
		}
		return nil
	}
	d.pkt.Unref()
	if err := d.pkt.FromData(pkt.Data); err != nil {
		return err
	}
	d.pkt.SetPts(pkt.PTS)
	d.pkt.SetDts(pkt.DTS)
	if pkt.PTS == NoPTS {
		d.pkt.SetPts(astiav.NoPtsValue)
	}
	if pkt.DTS == NoPTS {
		d.pkt.SetDts(astiav.NoPtsValue)
	}
	d.pkt.SetDuration(pkt.Duration)
	if err := d.cc.SendPacket(d.pkt); err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptPacket, err)
	}
	return nil
}

func (d *libavDecoder) ReceiveFrame() (*Frame, error) {
	d.frame.Unref()
	if err := d.cc.ReceiveFrame(d.frame); err != nil {
		switch {
		case errors.Is(err, astiav.ErrEagain):
			return nil, ErrNeedMoreInput
		case errors.Is(err, astiav.ErrEof):
			return nil, ErrEndOfStream
		}
		return nil, err
	}
	switch d.desc.Type {
	case MediaTypeAudio:
		return d.audioFrame()
	case MediaTypeVideo:
		return d.videoFrame()
	}
	return nil, fmt.Errorf("%w: %s frames", ErrNotSupported, d.desc.Type)
}

var libavSampleFormats = map[astiav.SampleFormat]SampleFormat{
	astiav.SampleFormatU8:   SampleFormatU8,
	astiav.SampleFormatS16:  SampleFormatS16,
	astiav.SampleFormatS32:  SampleFormatS32,
	astiav.SampleFormatFlt:  SampleFormatF32,
	astiav.SampleFormatS16P: SampleFormatS16P,
	astiav.SampleFormatFltp: SampleFormatF32P,
}

func (d *libavDecoder) audioFrame() (*Frame, error) {
	format, ok := libavSampleFormats[d.frame.SampleFormat()]
	if !ok {
		return nil, fmt.Errorf("%w: sample format %s", ErrNotSupported, d.frame.SampleFormat())
	}
	data, err := d.frame.Data().Bytes(1)
	if err != nil {
		return nil, err
	}
	layout := ChannelLayout(d.frame.ChannelLayout().Channels())
	f := NewAudioFrame(d.frame.NbSamples(), d.frame.SampleRate(), format, layout)
	off := 0
	for _, p := range f.Planes {
		off += copy(p, data[off:])
	}
	f.TimeBase = d.desc.TimeBase
	f.PTS = libavTS(d.frame.Pts())
	f.Duration = Rescale(int64(f.NbSamples), Rational{1, int64(f.SampleRate)}, f.TimeBase)
	if format == d.desc.SampleFormat {
		return f, nil
	}

	if d.convert == nil {
		src := d.desc
		src.SampleRate, src.Layout, src.SampleFormat = f.SampleRate, f.Layout, format
		dst := src
		dst.SampleFormat = d.desc.SampleFormat
		if d.convert, err = NewAudioResampler(src, dst); err != nil {
			return nil, err
		}
	}
	out, err := d.convert.Transform(f)
	if err != nil || out == nil {
		return nil, err
	}
	// The converter keeps the rate, so timestamps map one to one.
	out.PTS, out.TimeBase, out.Duration = f.PTS, f.TimeBase, f.Duration
	return out, nil
}

func (d *libavDecoder) videoFrame() (*Frame, error) {
	src := d.frame
	if pf := src.PixelFormat(); pf != astiav.PixelFormatYuv420P {
		if d.sws == nil {
			var err error
			d.sws, err = astiav.CreateSoftwareScaleContext(src.Width(), src.Height(), pf,
				src.Width(), src.Height(), astiav.PixelFormatYuv420P,
				astiav.NewSoftwareScaleContextFlags(astiav.SoftwareScaleContextFlagBilinear))
			if err != nil {
				return nil, fmt.Errorf("libav: swscale %s: %w", pf, err)
			}
			d.swsOut = astiav.AllocFrame()
		}
		if err := d.sws.ScaleFrame(src, d.swsOut); err != nil {
			return nil, err
		}
		src = d.swsOut
	}
	data, err := src.Data().Bytes(1)
	if err != nil {
		return nil, err
	}
	f := NewVideoFrame(src.Width(), src.Height(), PixelFormatI420)
	off := 0
	for _, p := range f.Planes {
		off += copy(p, data[off:])
	}
	f.TimeBase = d.desc.TimeBase
	f.PTS = libavTS(d.frame.Pts())
	f.Key = d.frame.Flags().Has(astiav.FrameFlagKey)
	return f, nil
}

func (d *libavDecoder) Close() error {
	if d.sws != nil {
		d.sws.Free()
		d.swsOut.Free()
	}
	d.frame.Free()
	d.pkt.Free()
	d.cc.Free()
	return nil
}
