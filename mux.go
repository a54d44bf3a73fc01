package transcode

import (
	"container/heap"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
)

// Muxer writes packets of a fixed set of streams into one container.
// Packets arrive interleaved in ascending timestamp order.
type Muxer interface {
	WriteHeader() error
	WritePacket(pkt *Packet) error
	WriteTrailer() error
	Close() error
}

// MuxStats provides mux writer metrics.
type MuxStats struct {
	PacketsWritten []uint64 // Per output stream
	BytesWritten   uint64
	MaxBuffered    int // Peak number of packets held for interleaving
	Forced         uint64
}

// MuxWriter serializes packets from concurrent stream workers into a Muxer,
// interleaved by timestamp (DTS when set, PTS otherwise).
//
// Each stream may deliver packets permuted by up to the reorder window. A
// packet is written once no stream can still deliver anything earlier: a
// stream that has seen timestamp T promises nothing below T-window. Packets
// that break that promise fail with TimestampOrderingError. A writer whose
// stream has buffered more than a window of data blocks until the other
// streams catch up, which bounds memory.
type MuxWriter struct {
	mux     Muxer
	streams []StreamDescriptor
	window  int64 // Microseconds
	log     logrus.FieldLogger

	mu          sync.Mutex
	cond        *sync.Cond
	queues      []*muxQueue
	buffered    int
	lastWritten int64
	seq         uint64
	headerDone  bool
	writeErr    error // Muxer failure; nothing more is written
	abortErr    error // Wakes blocked writers
	finished    bool

	// Flow control, driven by the pipeline
	tracked     bool
	demuxStall  int // Stream the demuxer is blocked sending to, -1 if none
	demuxActive bool

	stats MuxStats
}

type muxQueue struct {
	packets  packetQueue
	ended    bool
	maxSeen  int64
	lastKey  int64
	inFlight int
	waiting  bool
}

// NewMuxWriter creates a writer over m for the given output streams.
func NewMuxWriter(m Muxer, streams []StreamDescriptor, window time.Duration, log logrus.FieldLogger) *MuxWriter {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if window <= 0 {
		window = DefaultReorderWindow
	}
	w := &MuxWriter{
		mux:         m,
		streams:     streams,
		window:      window.Microseconds(),
		log:         log,
		queues:      make([]*muxQueue, len(streams)),
		lastWritten: math.MinInt64,
		demuxStall:  -1,
	}
	w.cond = sync.NewCond(&w.mu)
	for i := range w.queues {
		w.queues[i] = &muxQueue{maxSeen: math.MinInt64, lastKey: math.MinInt64}
	}
	w.stats.PacketsWritten = make([]uint64, len(streams))
	return w
}

// Open writes the container header.
func (w *MuxWriter) Open() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.headerDone {
		return nil
	}
	if err := w.mux.WriteHeader(); err != nil {
		w.writeErr = newError(SinkError, -1, err)
		return w.writeErr
	}
	w.headerDone = true
	return nil
}

// WritePacket queues pkt for its stream and writes every packet that has
// become safe to write. It blocks while the stream is more than a window
// ahead of the others.
func (w *MuxWriter) WritePacket(pkt *Packet) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.errLocked(); err != nil {
		return err
	}
	idx := pkt.StreamIndex
	if idx < 0 || idx >= len(w.queues) {
		return newError(WriteError, -1, fmt.Errorf("packet for unknown output stream %d", idx))
	}
	q := w.queues[idx]
	if q.ended {
		return newError(WriteError, idx, errors.New("packet after end of stream"))
	}

	key := w.keyOf(pkt, q)
	switch {
	case q.maxSeen != math.MinInt64 && key < q.maxSeen-w.window:
		err := newError(TimestampOrderingError, idx, fmt.Errorf(
			"packet at %dus is %dus behind the stream, reorder window is %dus",
			key, q.maxSeen-key, w.window))
		w.abortLocked(err)
		return err
	case key < w.lastWritten:
		err := newError(TimestampOrderingError, idx, fmt.Errorf(
			"packet at %dus arrived after output reached %dus", key, w.lastWritten))
		w.abortLocked(err)
		return err
	}
	q.maxSeen = max(q.maxSeen, key)
	q.lastKey = key
	w.seq++
	heap.Push(&q.packets, queuedPacket{pkt: pkt, key: key, seq: w.seq})
	w.buffered++
	w.stats.MaxBuffered = max(w.stats.MaxBuffered, w.buffered)

	// Waiting stays set across wake-ups: quiescence checks must count this
	// writer as blocked until it returns.
	q.waiting = true
	defer func() { q.waiting = false }()
	for {
		if err := w.drainLocked(false); err != nil {
			return err
		}
		if err := w.errLocked(); err != nil {
			return err
		}
		if !w.overWindow(q) {
			return nil
		}
		if !w.tracked || w.quiescentLocked() {
			w.forceLocked()
			continue
		}
		w.cond.Wait()
	}
}

// EndStream marks a stream as finished; its remaining packets no longer hold
// back the others.
func (w *MuxWriter) EndStream(idx int) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if idx < 0 || idx >= len(w.queues) {
		return nil
	}
	w.queues[idx].ended = true
	w.cond.Broadcast()
	if w.writeErr != nil {
		return w.writeErr
	}
	return w.drainLocked(false)
}

// Abort wakes every blocked writer with err. Buffered packets are kept so a
// partial output can still be finalized.
func (w *MuxWriter) Abort(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.abortLocked(err)
}

func (w *MuxWriter) abortLocked(err error) {
	if w.abortErr == nil {
		w.abortErr = err
	}
	w.cond.Broadcast()
}

// Finish writes whatever is still buffered in timestamp order, then the
// trailer, and closes the muxer. With flush false buffered packets are
// dropped and only the trailer is written.
func (w *MuxWriter) Finish(flush bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.finished {
		return nil
	}
	w.finished = true
	for _, q := range w.queues {
		q.ended = true
	}
	w.cond.Broadcast()

	var result *multierror.Error
	if w.headerDone && w.writeErr == nil {
		if flush {
			if err := w.drainLocked(true); err != nil {
				result = multierror.Append(result, err)
			}
		}
		if w.writeErr == nil {
			if err := w.mux.WriteTrailer(); err != nil {
				result = multierror.Append(result, newError(WriteError, -1, err))
			}
		}
	}
	if err := w.mux.Close(); err != nil {
		result = multierror.Append(result, newError(SinkError, -1, err))
	}
	return result.ErrorOrNil()
}

// Stats returns a snapshot of the writer statistics.
func (w *MuxWriter) Stats() MuxStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := w.stats
	s.PacketsWritten = append([]uint64(nil), w.stats.PacketsWritten...)
	return s
}

// The following calls let the pipeline tell the writer which streams still
// have work queued, so a writer only blocks while another stream can make
// progress.

// EnableFlowControl switches from immediate forcing to blocking writers.
func (w *MuxWriter) EnableFlowControl() {
	w.mu.Lock()
	w.tracked = true
	w.demuxActive = true
	w.mu.Unlock()
}

// Dispatch records a unit of work queued for stream idx.
func (w *MuxWriter) Dispatch(idx int) {
	w.mu.Lock()
	w.queues[idx].inFlight++
	w.mu.Unlock()
}

// Done records that a unit of work for stream idx has been processed.
func (w *MuxWriter) Done(idx int) {
	w.mu.Lock()
	w.queues[idx].inFlight--
	w.cond.Broadcast()
	w.mu.Unlock()
}

// DemuxStalled records that the demuxer is blocked handing work to stream idx.
// Pass -1 once it is moving again.
func (w *MuxWriter) DemuxStalled(idx int) {
	w.mu.Lock()
	w.demuxStall = idx
	w.cond.Broadcast()
	w.mu.Unlock()
}

// DemuxFinished records that no more packets will be dispatched.
func (w *MuxWriter) DemuxFinished() {
	w.mu.Lock()
	w.demuxActive = false
	w.demuxStall = -1
	w.cond.Broadcast()
	w.mu.Unlock()
}

func (w *MuxWriter) errLocked() error {
	if w.writeErr != nil {
		return w.writeErr
	}
	return w.abortErr
}

func (w *MuxWriter) keyOf(pkt *Packet, q *muxQueue) int64 {
	ts := pkt.OrderTS()
	if ts == NoPTS {
		if q.lastKey == math.MinInt64 {
			return 0
		}
		return q.lastKey
	}
	return Rescale(ts, w.streams[pkt.StreamIndex].TimeBase, TimeBaseMicros)
}

// bound is the lowest key stream q may still deliver.
func (w *MuxWriter) bound(q *muxQueue) int64 {
	if q.ended {
		return math.MaxInt64
	}
	if q.maxSeen == math.MinInt64 {
		return math.MinInt64
	}
	return q.maxSeen - w.window
}

// overWindow reports whether q holds more than a window of data.
func (w *MuxWriter) overWindow(q *muxQueue) bool {
	if q.packets.Len() == 0 {
		return false
	}
	return q.maxSeen-q.packets[0].key > w.window
}

// quiescentLocked reports whether no stream other than those blocked here
// can make progress: the demuxer is done or stuck feeding a blocked writer
// and every other stream is idle.
func (w *MuxWriter) quiescentLocked() bool {
	if w.demuxActive {
		if w.demuxStall < 0 || !w.queues[w.demuxStall].waiting {
			return false
		}
	}
	for _, q := range w.queues {
		if q.ended || q.waiting {
			continue
		}
		if q.inFlight > 0 {
			return false
		}
	}
	return true
}

// head returns the stream holding the globally smallest buffered packet.
func (w *MuxWriter) head() int {
	best := -1
	for i, q := range w.queues {
		if q.packets.Len() == 0 {
			continue
		}
		if best < 0 || q.packets[0].less(w.queues[best].packets[0]) {
			best = i
		}
	}
	return best
}

// drainLocked writes packets while the global head is safe. With all set,
// every buffered packet is written.
func (w *MuxWriter) drainLocked(all bool) error {
	wrote := false
	defer func() {
		if wrote {
			w.cond.Broadcast()
		}
	}()
	for {
		i := w.head()
		if i < 0 {
			return nil
		}
		key := w.queues[i].packets[0].key
		if !all {
			for _, q := range w.queues {
				if key > w.bound(q) {
					return nil
				}
			}
		}
		if err := w.writeHeadLocked(i); err != nil {
			return err
		}
		wrote = true
	}
}

// forceLocked writes the global head regardless of lagging streams.
func (w *MuxWriter) forceLocked() {
	i := w.head()
	if i < 0 {
		return
	}
	w.stats.Forced++
	w.log.WithField("stream", i).Debug("forcing interleave past idle streams")
	if err := w.writeHeadLocked(i); err == nil {
		w.cond.Broadcast()
	}
}

func (w *MuxWriter) writeHeadLocked(i int) error {
	item := heap.Pop(&w.queues[i].packets).(queuedPacket)
	w.buffered--
	w.lastWritten = max(w.lastWritten, item.key)
	if err := w.mux.WritePacket(item.pkt); err != nil {
		w.writeErr = newError(WriteError, i, err)
		w.cond.Broadcast()
		return w.writeErr
	}
	w.stats.PacketsWritten[i]++
	w.stats.BytesWritten += uint64(len(item.pkt.Data))
	return nil
}

type queuedPacket struct {
	pkt *Packet
	key int64
	seq uint64
}

func (a queuedPacket) less(b queuedPacket) bool {
	if a.key != b.key {
		return a.key < b.key
	}
	if a.pkt.StreamIndex != b.pkt.StreamIndex {
		return a.pkt.StreamIndex < b.pkt.StreamIndex
	}
	return a.seq < b.seq
}

// packetQueue is a min-heap of packets ordered by interleave key.
type packetQueue []queuedPacket

func (q packetQueue) Len() int           { return len(q) }
func (q packetQueue) Less(i, j int) bool { return q[i].less(q[j]) }
func (q packetQueue) Swap(i, j int)      { q[i], q[j] = q[j], q[i] }
func (q *packetQueue) Push(x any)        { *q = append(*q, x.(queuedPacket)) }
func (q *packetQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = queuedPacket{}
	*q = old[:n-1]
	return item
}
