package transcode

import (
	"container/heap"
	"errors"
	"fmt"
	"iter"

	"github.com/sirupsen/logrus"
)

// Decoder turns packets of one stream into raw frames.
//
// The contract is push/pull: SendPacket hands one packet to the codec (nil
// starts draining), then ReceiveFrame is called until it returns
// ErrNeedMoreInput (feed more) or ErrEndOfStream (fully drained).
type Decoder interface {
	SendPacket(pkt *Packet) error
	ReceiveFrame() (*Frame, error)
	Close() error
}

// StageStats provides per-stage metrics.
type StageStats struct {
	UnitsIn             uint64 // Packets or frames fed
	UnitsOut            uint64 // Frames or packets produced
	BytesIn             uint64
	BytesOut            uint64
	CorrectedTimestamps uint64 // Missing or regressing timestamps repaired
}

// DecoderStage wraps a Decoder with presentation-order reordering and
// timestamp repair. Frames leave the stage with strictly increasing PTS.
type DecoderStage struct {
	desc  StreamDescriptor
	dec   Decoder
	depth int
	log   logrus.FieldLogger

	queue    frameQueue
	seq      uint64
	lastKey  int64
	draining bool
	done     bool

	// First frame parameters, used to detect reconfiguration
	ref *Frame

	havePrev bool
	prevPTS  int64
	prevDur  int64

	stats StageStats
}

// NewDecoderStage creates a decoder stage for the input stream desc.
// reorderDepth is the number of frames held back to restore presentation
// order; 0 emits frames as the codec produces them.
func NewDecoderStage(desc StreamDescriptor, dec Decoder, reorderDepth int, log logrus.FieldLogger) *DecoderStage {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if reorderDepth < 0 {
		reorderDepth = 0
	}
	return &DecoderStage{
		desc:    desc,
		dec:     dec,
		depth:   reorderDepth,
		log:     log,
		lastKey: NoPTS,
	}
}

// Descriptor returns the input stream descriptor.
func (s *DecoderStage) Descriptor() StreamDescriptor { return s.desc }

// Feed hands one packet to the codec.
func (s *DecoderStage) Feed(pkt *Packet) error {
	if s.draining {
		return newError(DecodeError, s.desc.Index, errors.New("feed after flush"))
	}
	if err := s.dec.SendPacket(pkt); err != nil {
		return newError(DecodeError, s.desc.Index, err)
	}
	s.stats.UnitsIn++
	s.stats.BytesIn += uint64(len(pkt.Data))
	return nil
}

// Flush signals end of input. Subsequent ReceiveFrame calls drain the codec
// and the reorder queue until ErrEndOfStream.
func (s *DecoderStage) Flush() error {
	if s.draining {
		return nil
	}
	s.draining = true
	if err := s.dec.SendPacket(nil); err != nil && !errors.Is(err, ErrEndOfStream) {
		return newError(DecodeError, s.desc.Index, err)
	}
	return nil
}

// ReceiveFrame returns the next frame in presentation order, ErrNeedMoreInput
// when the codec needs another packet, or ErrEndOfStream once flushed and
// drained.
func (s *DecoderStage) ReceiveFrame() (*Frame, error) {
	for !s.done {
		f, err := s.dec.ReceiveFrame()
		switch {
		case err == nil:
			if err := s.check(f); err != nil {
				return nil, err
			}
			s.push(f)
			if s.queue.Len() > s.depth {
				return s.pop(), nil
			}
		case errors.Is(err, ErrNeedMoreInput):
			if !s.draining {
				return nil, ErrNeedMoreInput
			}
			s.done = true
		case errors.Is(err, ErrEndOfStream):
			s.done = true
		default:
			return nil, newError(DecodeError, s.desc.Index, err)
		}
	}
	if s.queue.Len() > 0 {
		return s.pop(), nil
	}
	return nil, ErrEndOfStream
}

// Frames returns a lazy, single-use sequence over ReceiveFrame. It stops
// when the codec needs more input or is drained; an error is yielded once
// and ends the sequence.
func (s *DecoderStage) Frames() iter.Seq2[*Frame, error] {
	return func(yield func(*Frame, error) bool) {
		for {
			f, err := s.ReceiveFrame()
			if errors.Is(err, ErrNeedMoreInput) || errors.Is(err, ErrEndOfStream) {
				return
			}
			if !yield(f, err) || err != nil {
				return
			}
		}
	}
}

// Stats returns the stage statistics.
func (s *DecoderStage) Stats() StageStats { return s.stats }

// Close releases the codec.
func (s *DecoderStage) Close() error {
	return s.dec.Close()
}

// check fails fast when frame parameters diverge from the stream.
func (s *DecoderStage) check(f *Frame) error {
	if f.TimeBase == (Rational{}) {
		f.TimeBase = s.desc.TimeBase
	}
	if s.ref == nil {
		s.ref = &Frame{
			Type:         f.Type,
			SampleRate:   f.SampleRate,
			SampleFormat: f.SampleFormat,
			Layout:       f.Layout,
			Width:        f.Width,
			Height:       f.Height,
			PixelFormat:  f.PixelFormat,
		}
		if err := s.matchDescriptor(f); err != nil {
			return newError(DecodeError, s.desc.Index, err)
		}
		return nil
	}
	r := s.ref
	var changed bool
	switch f.Type {
	case MediaTypeAudio:
		changed = f.SampleRate != r.SampleRate || f.Layout != r.Layout || f.SampleFormat != r.SampleFormat
	case MediaTypeVideo:
		changed = f.Width != r.Width || f.Height != r.Height || f.PixelFormat != r.PixelFormat
	}
	if changed {
		return newError(DecodeError, s.desc.Index, ErrReconfiguration)
	}
	return nil
}

func (s *DecoderStage) matchDescriptor(f *Frame) error {
	d := s.desc
	switch f.Type {
	case MediaTypeAudio:
		if (d.SampleRate != 0 && d.SampleRate != f.SampleRate) ||
			(d.Layout != ChannelLayoutNone && d.Layout != f.Layout) ||
			(d.SampleFormat != SampleFormatNone && d.SampleFormat != f.SampleFormat) {
			return fmt.Errorf("%w: stream %dHz/%s/%s, frame %dHz/%s/%s", ErrReconfiguration,
				d.SampleRate, d.Layout, d.SampleFormat, f.SampleRate, f.Layout, f.SampleFormat)
		}
	case MediaTypeVideo:
		if (d.Width != 0 && d.Width != f.Width) || (d.Height != 0 && d.Height != f.Height) ||
			(d.PixelFormat != PixelFormatNone && d.PixelFormat != f.PixelFormat) {
			return fmt.Errorf("%w: stream %dx%d/%s, frame %dx%d/%s", ErrReconfiguration,
				d.Width, d.Height, d.PixelFormat, f.Width, f.Height, f.PixelFormat)
		}
	}
	return nil
}

func (s *DecoderStage) push(f *Frame) {
	key := f.PTS
	if key == NoPTS {
		// Keep frames without a timestamp in arrival position.
		key = s.lastKey
	}
	s.lastKey = key
	s.seq++
	heap.Push(&s.queue, queuedFrame{frame: f, key: key, seq: s.seq})
}

func (s *DecoderStage) pop() *Frame {
	f := heap.Pop(&s.queue).(queuedFrame).frame

	if f.Duration <= 0 {
		f.Duration = s.frameDuration(f)
	}
	switch {
	case f.PTS == NoPTS:
		if s.havePrev {
			f.PTS = s.prevPTS + max(s.prevDur, 1)
		} else {
			f.PTS = 0
		}
		s.stats.CorrectedTimestamps++
	case s.havePrev && f.PTS <= s.prevPTS:
		s.log.WithFields(logrus.Fields{
			"stream": s.desc.Index,
			"pts":    f.PTS,
			"prev":   s.prevPTS,
		}).Debug("correcting non-monotonic timestamp")
		f.PTS = s.prevPTS + 1
		s.stats.CorrectedTimestamps++
	}
	s.havePrev = true
	s.prevPTS = f.PTS
	s.prevDur = f.Duration

	s.stats.UnitsOut++
	s.stats.BytesOut += uint64(f.ByteSize())
	return f
}

// frameDuration derives a duration in the frame's time base.
func (s *DecoderStage) frameDuration(f *Frame) int64 {
	switch f.Type {
	case MediaTypeAudio:
		if f.SampleRate > 0 && f.NbSamples > 0 {
			return Rescale(int64(f.NbSamples), Rational{1, int64(f.SampleRate)}, f.TimeBase)
		}
	case MediaTypeVideo:
		if s.desc.FrameRate.Valid() {
			return Rescale(1, s.desc.FrameRate.Invert(), f.TimeBase)
		}
	}
	return 0
}

type queuedFrame struct {
	frame *Frame
	key   int64
	seq   uint64
}

// frameQueue is a min-heap ordered by presentation timestamp, then arrival.
type frameQueue []queuedFrame

func (q frameQueue) Len() int { return len(q) }
func (q frameQueue) Less(i, j int) bool {
	if q[i].key != q[j].key {
		return q[i].key < q[j].key
	}
	return q[i].seq < q[j].seq
}
func (q frameQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }
func (q *frameQueue) Push(x any)   { *q = append(*q, x.(queuedFrame)) }
func (q *frameQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = queuedFrame{}
	*q = old[:n-1]
	return item
}
