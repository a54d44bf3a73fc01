package transcode

import "fmt"

func registerRawVideoCodec(r *Registry) {
	r.RegisterDecoder(CodecRawVideo, ProviderBuiltin, func(in StreamDescriptor) (Decoder, error) {
		return newRawVideoDecoder(in)
	})
	r.RegisterEncoder(CodecRawVideo, ProviderBuiltin, func(out StreamDescriptor) (Encoder, error) {
		return newRawVideoEncoder(out)
	})
}

// videoTimeBase picks a time base for a video stream lacking one.
func videoTimeBase(d StreamDescriptor) Rational {
	switch {
	case d.TimeBase.Valid():
		return d.TimeBase
	case d.FrameRate.Valid():
		return d.FrameRate.Invert()
	default:
		return TimeBase90kHz
	}
}

// rawVideoDecoder unpacks tightly packed planes.
type rawVideoDecoder struct {
	desc     StreamDescriptor
	size     int
	pending  *Frame
	draining bool
}

func newRawVideoDecoder(in StreamDescriptor) (*rawVideoDecoder, error) {
	size := in.PixelFormat.FrameSize(in.Width, in.Height)
	if size == 0 {
		return nil, fmt.Errorf("rawvideo decoder: invalid stream %dx%d %s", in.Width, in.Height, in.PixelFormat)
	}
	in.TimeBase = videoTimeBase(in)
	return &rawVideoDecoder{desc: in, size: size}, nil
}

func (d *rawVideoDecoder) SendPacket(pkt *Packet) error {
	if pkt == nil {
		d.draining = true
		return nil
	}
	if len(pkt.Data) != d.size {
		return fmt.Errorf("%w: rawvideo packet is %d bytes, want %d", ErrCorruptPacket, len(pkt.Data), d.size)
	}
	f := NewVideoFrame(d.desc.Width, d.desc.Height, d.desc.PixelFormat)
	off := 0
	for _, p := range f.Planes {
		off += copy(p, pkt.Data[off:])
	}
	f.PTS = pkt.PTS
	f.Duration = pkt.Duration
	f.TimeBase = d.desc.TimeBase
	f.Key = true
	d.pending = f
	return nil
}

func (d *rawVideoDecoder) ReceiveFrame() (*Frame, error) {
	if f := d.pending; f != nil {
		d.pending = nil
		return f, nil
	}
	if d.draining {
		return nil, ErrEndOfStream
	}
	return nil, ErrNeedMoreInput
}

func (d *rawVideoDecoder) Close() error { return nil }

// rawVideoEncoder packs frame planes without stride padding.
type rawVideoEncoder struct {
	desc     StreamDescriptor
	tb       Rational
	out      *Packet
	draining bool
}

func newRawVideoEncoder(out StreamDescriptor) (*rawVideoEncoder, error) {
	if out.PixelFormat.FrameSize(out.Width, out.Height) == 0 {
		return nil, fmt.Errorf("rawvideo encoder: invalid stream %dx%d %s", out.Width, out.Height, out.PixelFormat)
	}
	return &rawVideoEncoder{desc: out, tb: videoTimeBase(out)}, nil
}

func (e *rawVideoEncoder) TimeBase() Rational { return e.tb }

func (e *rawVideoEncoder) SendFrame(f *Frame) error {
	if f == nil {
		e.draining = true
		return nil
	}
	if f.Type != MediaTypeVideo || f.Width != e.desc.Width || f.Height != e.desc.Height || f.PixelFormat != e.desc.PixelFormat {
		return fmt.Errorf("rawvideo encoder: frame %dx%d %s does not match stream %dx%d %s",
			f.Width, f.Height, f.PixelFormat, e.desc.Width, e.desc.Height, e.desc.PixelFormat)
	}
	strides, heights := f.PixelFormat.PlaneSizes(f.Width, f.Height)
	data := make([]byte, 0, f.PixelFormat.FrameSize(f.Width, f.Height))
	for i := range strides {
		src := f.Planes[i]
		stride := strides[i]
		if i < len(f.Strides) && f.Strides[i] > 0 {
			stride = f.Strides[i]
		}
		for y := 0; y < heights[i]; y++ {
			data = append(data, src[y*stride:y*stride+strides[i]]...)
		}
	}
	pts := Rescale(f.PTS, f.TimeBase, e.tb)
	dur := int64(0)
	if f.Duration > 0 {
		dur = Rescale(f.Duration, f.TimeBase, e.tb)
	}
	e.out = &Packet{PTS: pts, DTS: pts, Duration: dur, Key: true, Data: data}
	return nil
}

func (e *rawVideoEncoder) ReceivePacket() (*Packet, error) {
	if pkt := e.out; pkt != nil {
		e.out = nil
		return pkt, nil
	}
	if e.draining {
		return nil, ErrEndOfStream
	}
	return nil, ErrNeedMoreInput
}

func (e *rawVideoEncoder) Close() error { return nil }
