package transcode

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

// testRegistry returns an isolated registry with the builtin codecs only.
func testRegistry() *Registry {
	r := NewRegistry()
	RegisterBuiltins(r)
	return r
}

func testLogger(t *testing.T) logrus.FieldLogger {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)
	if testing.Verbose() {
		log.SetOutput(testWriter{t})
		log.SetLevel(logrus.DebugLevel)
	}
	return log
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

// memDemuxer replays a fixed packet list.
type memDemuxer struct {
	streams []StreamDescriptor
	packets []*Packet
	corrupt map[int]bool // Positions reported as corrupt
	pos     int
	reads   *atomic.Int64
	closed  bool
}

func (d *memDemuxer) Streams() []StreamDescriptor {
	return append([]StreamDescriptor(nil), d.streams...)
}

func (d *memDemuxer) ReadPacket(ctx context.Context) (*Packet, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.reads.Add(1)
	if d.pos >= len(d.packets) {
		return nil, io.EOF
	}
	i := d.pos
	d.pos++
	if d.corrupt[i] {
		return nil, fmt.Errorf("%w: packet %d", ErrCorruptPacket, i)
	}
	return d.packets[i].Clone(), nil
}

func (d *memDemuxer) Seek(ctx context.Context, stream int, ts int64) error {
	return ErrNotSupported
}

func (d *memDemuxer) Close() error {
	d.closed = true
	return nil
}

// memSource is a Source producing packets from memory.
type memSource struct {
	name    string
	streams []StreamDescriptor
	packets []*Packet
	corrupt map[int]bool
	reads   atomic.Int64
	closed  atomic.Bool
}

func (s *memSource) Name() string               { return s.name }
func (s *memSource) Read(p []byte) (int, error) { return 0, io.EOF }

func (s *memSource) Close() error {
	s.closed.Store(true)
	return nil
}

func (s *memSource) OpenDemuxer() (Demuxer, error) {
	return &memDemuxer{
		streams: s.streams,
		packets: s.packets,
		corrupt: s.corrupt,
		reads:   &s.reads,
	}, nil
}

// memSink collects muxed packets.
type memSink struct {
	mu        sync.Mutex
	streams   []StreamDescriptor
	packets   []*Packet
	opened    bool
	header    bool
	trailer   bool
	closed    bool
	discarded bool

	failAfter int // WritePacket fails once this many packets were written
	delay     time.Duration
}

func (s *memSink) OpenMuxer(streams []StreamDescriptor) (Muxer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opened = true
	s.streams = streams
	return &memMuxer{sink: s}, nil
}

func (s *memSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *memSink) Discard() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.discarded = true
	s.closed = true
	s.packets = nil
	return nil
}

// Packets returns the packets written for output stream idx.
func (s *memSink) Packets(idx int) []*Packet {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Packet
	for _, p := range s.packets {
		if p.StreamIndex == idx {
			out = append(out, p)
		}
	}
	return out
}

type memMuxer struct {
	sink *memSink
}

func (m *memMuxer) WriteHeader() error {
	m.sink.mu.Lock()
	defer m.sink.mu.Unlock()
	m.sink.header = true
	return nil
}

func (m *memMuxer) WritePacket(pkt *Packet) error {
	if m.sink.delay > 0 {
		time.Sleep(m.sink.delay)
	}
	m.sink.mu.Lock()
	defer m.sink.mu.Unlock()
	if m.sink.failAfter > 0 && len(m.sink.packets) >= m.sink.failAfter {
		return errors.New("disk full")
	}
	m.sink.packets = append(m.sink.packets, pkt.Clone())
	return nil
}

func (m *memMuxer) WriteTrailer() error {
	m.sink.mu.Lock()
	defer m.sink.mu.Unlock()
	m.sink.trailer = true
	return nil
}

func (m *memMuxer) Close() error { return nil }

func pcmStream(rate int, layout ChannelLayout) StreamDescriptor {
	return StreamDescriptor{
		Type:         MediaTypeAudio,
		Codec:        CodecPCMS16LE,
		TimeBase:     Rational{1, int64(rate)},
		SampleRate:   rate,
		Layout:       layout,
		SampleFormat: SampleFormatS16,
	}
}

func rawVideoStream(w, h, fps int) StreamDescriptor {
	return StreamDescriptor{
		Type:        MediaTypeVideo,
		Codec:       CodecRawVideo,
		TimeBase:    Rational{1, int64(fps)},
		Width:       w,
		Height:      h,
		PixelFormat: PixelFormatI420,
		FrameRate:   Rational{int64(fps), 1},
	}
}

// audioPackets returns n packets of frameSize silent samples.
func audioPackets(stream int, s StreamDescriptor, n, frameSize int) []*Packet {
	pkts := make([]*Packet, n)
	for i := range pkts {
		pts := int64(i * frameSize)
		pkts[i] = &Packet{
			StreamIndex: stream,
			PTS:         pts,
			DTS:         pts,
			Duration:    int64(frameSize),
			Key:         true,
			Data:        make([]byte, frameSize*s.Channels()*2),
		}
	}
	return pkts
}

// videoPackets returns n rawvideo frames with a gray luma plane.
func videoPackets(stream int, s StreamDescriptor, n int) []*Packet {
	pkts := make([]*Packet, n)
	size := s.PixelFormat.FrameSize(s.Width, s.Height)
	for i := range pkts {
		data := make([]byte, size)
		for j := 0; j < s.Width*s.Height; j++ {
			data[j] = 128
		}
		pkts[i] = &Packet{
			StreamIndex: stream,
			PTS:         int64(i),
			DTS:         int64(i),
			Duration:    1,
			Key:         true,
			Data:        data,
		}
	}
	return pkts
}

// interleave merges per-stream packet lists by presentation time.
func interleave(streams []StreamDescriptor, lists ...[]*Packet) []*Packet {
	var out []*Packet
	pos := make([]int, len(lists))
	for {
		best := -1
		var bestTS time.Duration
		for i, l := range lists {
			if pos[i] >= len(l) {
				continue
			}
			p := l[pos[i]]
			ts := ToDuration(p.PTS, streams[p.StreamIndex].TimeBase)
			if best < 0 || ts < bestTS {
				best, bestTS = i, ts
			}
		}
		if best < 0 {
			return out
		}
		out = append(out, lists[best][pos[best]])
		pos[best]++
	}
}

// runJob submits job to a fresh pipeline and waits for the result.
func runJob(t *testing.T, reg *Registry, job Job) (Result, error) {
	t.Helper()
	p := NewPipeline(PipelineConfig{Registry: reg, Logger: testLogger(t)})
	defer p.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	h, err := p.Submit(ctx, job)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	res, err := h.Wait(ctx)
	if ctx.Err() != nil {
		t.Fatalf("job did not finish: %v", ctx.Err())
	}
	return res, err
}
