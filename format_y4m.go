package transcode

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

const (
	y4mMagic      = "YUV4MPEG2"
	y4mFrameMagic = "FRAME"
)

func y4mFormat() *Format {
	return &Format{
		Name:       "y4m",
		Extensions: []string{".y4m"},
		Probe: func(h []byte) bool {
			return len(h) >= len(y4mMagic) && string(h[:len(y4mMagic)]) == y4mMagic
		},
		NewDemuxer: newY4MDemuxer,
		NewMuxer:   newY4MMuxer,
		Codecs:     []CodecID{CodecRawVideo},
	}
}

// y4mDemuxer reads YUV4MPEG2 streams. Only 4:2:0 chroma is supported.
type y4mDemuxer struct {
	r         *bufio.Reader
	seeker    io.ReadSeeker
	stream    StreamDescriptor
	frameSize int
	dataStart int64
	frame     int64
}

func newY4MDemuxer(r io.Reader) (Demuxer, error) {
	d := &y4mDemuxer{}
	if s, ok := r.(io.ReadSeeker); ok {
		d.seeker = s
	}
	d.r = bufio.NewReader(r)
	line, err := d.r.ReadString('\n')
	if err != nil {
		return nil, fmt.Errorf("read y4m header: %w", err)
	}
	d.dataStart = int64(len(line))
	if err := d.parseHeader(strings.TrimSuffix(line, "\n")); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *y4mDemuxer) parseHeader(line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 || fields[0] != y4mMagic {
		return errors.New("not a YUV4MPEG2 stream")
	}
	var (
		w, h int
		rate = Rational{25, 1}
	)
	for _, f := range fields[1:] {
		if len(f) < 2 {
			continue
		}
		val := f[1:]
		switch f[0] {
		case 'W':
			w, _ = strconv.Atoi(val)
		case 'H':
			h, _ = strconv.Atoi(val)
		case 'F':
			r, err := parseRatio(val)
			if err != nil {
				return fmt.Errorf("frame rate %q: %w", val, err)
			}
			rate = r
		case 'C':
			if !strings.HasPrefix(val, "420") {
				return fmt.Errorf("%w: y4m colorspace %s", ErrFormatNotSupported, val)
			}
		}
	}
	if w <= 0 || h <= 0 {
		return fmt.Errorf("invalid y4m dimensions %dx%d", w, h)
	}
	d.frameSize = PixelFormatI420.FrameSize(w, h)
	d.stream = StreamDescriptor{
		Type:        MediaTypeVideo,
		Codec:       CodecRawVideo,
		TimeBase:    rate.Invert(),
		Width:       w,
		Height:      h,
		PixelFormat: PixelFormatI420,
		FrameRate:   rate,
	}
	if d.seeker != nil {
		// The header line was buffered; the stream position is reliable only
		// through the seeker.
		if end, err := d.seeker.Seek(0, io.SeekEnd); err == nil {
			frames := (end - d.dataStart) / int64(len(y4mFrameMagic)+1+d.frameSize)
			d.stream.Duration = frames
		}
		if _, err := d.seeker.Seek(d.dataStart, io.SeekStart); err != nil {
			return err
		}
		d.r.Reset(d.seeker)
	}
	return nil
}

func parseRatio(s string) (Rational, error) {
	num, den, ok := strings.Cut(s, ":")
	if !ok {
		return Rational{}, errors.New("missing ':'")
	}
	n, err := strconv.ParseInt(num, 10, 64)
	if err != nil {
		return Rational{}, err
	}
	dn, err := strconv.ParseInt(den, 10, 64)
	if err != nil {
		return Rational{}, err
	}
	r := Rational{n, dn}
	if !r.Valid() || n <= 0 {
		return Rational{}, fmt.Errorf("invalid ratio %s", s)
	}
	return r.Reduce(), nil
}

func (d *y4mDemuxer) Streams() []StreamDescriptor {
	return []StreamDescriptor{d.stream.Clone()}
}

func (d *y4mDemuxer) ReadPacket(ctx context.Context) (*Packet, error) {
	line, err := d.r.ReadString('\n')
	if err != nil {
		if errors.Is(err, io.EOF) && line == "" {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("read frame header: %w", err)
	}
	if !strings.HasPrefix(line, y4mFrameMagic) {
		return nil, fmt.Errorf("%w: bad frame marker %q", ErrCorruptPacket, strings.TrimSpace(line))
	}
	data := make([]byte, d.frameSize)
	if _, err := io.ReadFull(d.r, data); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: truncated frame %d", ErrCorruptPacket, d.frame)
		}
		return nil, err
	}
	pkt := &Packet{
		PTS:      d.frame,
		DTS:      d.frame,
		Duration: 1,
		Key:      true,
		Data:     data,
	}
	d.frame++
	return pkt, nil
}

// Seek assumes frames without parameters, which is what every common writer
// produces.
func (d *y4mDemuxer) Seek(ctx context.Context, stream int, ts int64) error {
	if d.seeker == nil {
		return ErrNotSupported
	}
	ts = max(ts, 0)
	if d.stream.Duration > 0 {
		ts = min(ts, d.stream.Duration)
	}
	off := d.dataStart + ts*int64(len(y4mFrameMagic)+1+d.frameSize)
	if _, err := d.seeker.Seek(off, io.SeekStart); err != nil {
		return err
	}
	d.r.Reset(d.seeker)
	d.frame = ts
	return nil
}

func (d *y4mDemuxer) Close() error { return nil }

type y4mMuxer struct {
	bw     *bufio.Writer
	stream StreamDescriptor
}

func newY4MMuxer(w io.Writer, streams []StreamDescriptor) (Muxer, error) {
	if len(streams) != 1 || streams[0].Type != MediaTypeVideo {
		return nil, fmt.Errorf("%w: y4m carries exactly one video stream", ErrFormatNotSupported)
	}
	s := streams[0]
	if s.Codec != CodecRawVideo || s.PixelFormat != PixelFormatI420 {
		return nil, fmt.Errorf("%w: y4m requires rawvideo i420, got %s %s", ErrCodecNotSupported, s.Codec, s.PixelFormat)
	}
	return &y4mMuxer{bw: bufio.NewWriterSize(w, 256*1024), stream: s}, nil
}

func (m *y4mMuxer) WriteHeader() error {
	rate := m.stream.FrameRate
	if !rate.Valid() {
		rate = videoTimeBase(m.stream).Invert()
	}
	_, err := fmt.Fprintf(m.bw, "%s W%d H%d F%d:%d Ip A1:1 C420jpeg\n",
		y4mMagic, m.stream.Width, m.stream.Height, rate.Num, rate.Den)
	return err
}

func (m *y4mMuxer) WritePacket(pkt *Packet) error {
	if _, err := m.bw.WriteString(y4mFrameMagic + "\n"); err != nil {
		return err
	}
	_, err := m.bw.Write(pkt.Data)
	return err
}

func (m *y4mMuxer) WriteTrailer() error { return m.bw.Flush() }

func (m *y4mMuxer) Close() error { return nil }
