package transcode

import (
	"errors"
	"sync/atomic"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
)

// libavReorderDepth is the number of frames held back for codecs with
// B-frames.
const libavReorderDepth = 16

// streamWorker runs decode, transform and encode for one output stream on
// its own goroutine. Packets arrive in demux order over in.
type streamWorker struct {
	job *jobRun
	ms  MappedStream
	out int
	log logrus.FieldLogger

	in   chan *Packet
	done chan struct{}

	dec *DecoderStage
	tr  Transform // Nil when formats already match
	enc *EncoderStage

	packetsIn atomic.Uint64
	dropped   bool
	err       error
}

// callCounter is implemented by transforms that count invocations.
type callCounter interface {
	Calls() uint64
}

func newStreamWorker(r *jobRun, ms MappedStream) (*streamWorker, error) {
	w := &streamWorker{
		job:  r,
		ms:   ms,
		out:  ms.Output.Index,
		in:   make(chan *Packet, r.cfg.ChannelBuffer),
		done: make(chan struct{}),
		log: r.log.WithFields(logrus.Fields{
			"stream": ms.Input.Index,
			"codec":  ms.Output.Codec,
		}),
	}
	if ms.Copy {
		w.log.Debug("stream copy")
		return w, nil
	}

	reg := r.pipeline.reg
	dec, dp, err := reg.NewDecoder(ms.Input, ms.DecoderProvider)
	if err != nil {
		return nil, newError(DecodeError, ms.Input.Index, err)
	}
	depth := 0
	if dp.Features().Has(FeatureReorder) {
		depth = libavReorderDepth
	}
	w.dec = NewDecoderStage(ms.Input, dec, depth, w.log)

	switch {
	case ms.Resample:
		w.tr, err = NewAudioResampler(ms.Input, ms.Output)
	case ms.Rescale:
		w.tr, err = NewVideoRescaler(ms.Input, ms.Output, ms.ScaleMode)
	}
	if err != nil {
		w.dec.Close()
		return nil, err
	}

	enc, ep, err := reg.NewEncoder(ms.Output, ms.EncoderProvider)
	if err != nil {
		w.dec.Close()
		return nil, newError(EncodeError, ms.Input.Index, err)
	}
	w.enc = NewEncoderStage(ms.Output, enc, w.log)
	w.log.WithFields(logrus.Fields{
		"decoder": dp,
		"encoder": ep,
	}).Debugf("transcode %s -> %s", ms.Input, ms.Output)
	return w, nil
}

func (w *streamWorker) exited() bool {
	select {
	case <-w.done:
		return true
	default:
		return false
	}
}

// run processes packets until the channel is closed, then flushes. It stops
// early on cancellation or failure.
func (w *streamWorker) run() {
	defer close(w.done)
	r := w.job
	for pkt := range w.in {
		// Checkpoint between units: a unit is never abandoned halfway.
		if r.ctx.Err() != nil {
			r.mux.Done(w.out)
			return
		}
		err := w.process(pkt)
		r.mux.Done(w.out)
		if err != nil {
			r.streamFailed(w, err)
			return
		}
	}
	if r.ctx.Err() != nil {
		return
	}
	if err := w.flush(); err != nil {
		r.streamFailed(w, err)
		return
	}
	if err := r.mux.EndStream(w.out); err != nil {
		r.fail(err)
	}
}

// process carries one input packet all the way to the muxer.
func (w *streamWorker) process(pkt *Packet) error {
	if w.ms.Copy {
		pkt.StreamIndex = w.out
		pkt.Rescale(w.ms.Input.TimeBase, w.ms.Output.TimeBase)
		return w.write(pkt)
	}

	if err := w.dec.Feed(pkt); err != nil {
		if errors.Is(err, ErrCorruptPacket) && w.job.cfg.OnPacketCorruption == CorruptionSkip {
			w.log.WithError(err).Warn("skipping undecodable packet")
			return nil
		}
		return err
	}
	for f, err := range w.dec.Frames() {
		if err != nil {
			return err
		}
		if err := w.encode(f); err != nil {
			return err
		}
	}
	return nil
}

// encode transforms f if needed, feeds the encoder and writes every packet
// it produces.
func (w *streamWorker) encode(f *Frame) error {
	if w.tr != nil {
		var err error
		if f, err = w.tr.Transform(f); err != nil {
			return newError(TransformError, w.ms.Input.Index, err)
		}
		if f == nil {
			return nil
		}
	}
	if err := w.enc.Feed(f); err != nil {
		return err
	}
	return w.drain()
}

func (w *streamWorker) drain() error {
	for pkt, err := range w.enc.Packets() {
		if err != nil {
			return err
		}
		if err := w.write(pkt); err != nil {
			return err
		}
	}
	return nil
}

// flush drains the decoder, the transform and the encoder in that order.
func (w *streamWorker) flush() error {
	if w.ms.Copy {
		return nil
	}
	if err := w.dec.Flush(); err != nil {
		return err
	}
	for f, err := range w.dec.Frames() {
		if err != nil {
			return err
		}
		if err := w.encode(f); err != nil {
			return err
		}
	}
	if w.tr != nil {
		f, err := w.tr.Flush()
		if err != nil {
			return newError(TransformError, w.ms.Input.Index, err)
		}
		if f != nil {
			if err := w.enc.Feed(f); err != nil {
				return err
			}
		}
	}
	if err := w.enc.Flush(); err != nil {
		return err
	}
	return w.drain()
}

func (w *streamWorker) write(pkt *Packet) error {
	tb := w.ms.Output.TimeBase
	if pkt.PTS != NoPTS && tb.Valid() {
		w.job.handle.advance(ToDuration(pkt.PTS+max(pkt.Duration, 0), tb))
	}
	return w.job.mux.WritePacket(pkt)
}

func (w *streamWorker) close() error {
	var result *multierror.Error
	if w.dec != nil {
		if err := w.dec.Close(); err != nil {
			result = multierror.Append(result, newError(DecodeError, w.ms.Input.Index, err))
		}
	}
	if w.enc != nil {
		if err := w.enc.Close(); err != nil {
			result = multierror.Append(result, newError(EncodeError, w.ms.Input.Index, err))
		}
	}
	return result.ErrorOrNil()
}

func (w *streamWorker) result() StreamResult {
	sr := StreamResult{
		Input:     w.ms.Input,
		Output:    w.ms.Output,
		Copy:      w.ms.Copy,
		Dropped:   w.dropped,
		Err:       w.err,
		PacketsIn: w.packetsIn.Load(),
	}
	if w.dec != nil {
		sr.Decoder = w.dec.Stats()
	}
	if w.enc != nil {
		sr.Encoder = w.enc.Stats()
	}
	if c, ok := w.tr.(callCounter); ok {
		sr.TransformCalls = c.Calls()
	}
	return sr
}
