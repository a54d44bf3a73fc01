package transcode

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// JobState represents the lifecycle state of a job.
type JobState int32

const (
	JobCreated   JobState = iota // Submitted, not yet opened
	JobOpened                    // Source opened, mapping resolved, sink opened
	JobRunning                   // Packets flowing
	JobCompleted                 // All streams flushed, output finalized
	JobFailed                    // Stopped by an error
	JobCancelled                 // Stopped by the caller
)

func (s JobState) String() string {
	switch s {
	case JobCreated:
		return "created"
	case JobOpened:
		return "opened"
	case JobRunning:
		return "running"
	case JobCompleted:
		return "completed"
	case JobFailed:
		return "failed"
	case JobCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is possible.
func (s JobState) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// canTransition reports whether s may move to next. Failure and
// cancellation are reachable from every non-terminal state.
func (s JobState) canTransition(next JobState) bool {
	switch s {
	case JobCreated:
		return next == JobOpened || next == JobFailed || next == JobCancelled
	case JobOpened:
		return next == JobRunning || next == JobFailed || next == JobCancelled
	case JobRunning:
		return next.Terminal()
	}
	return false
}

// Job is one transcoding request.
type Job struct {
	Source Source
	Sink   Sink
	Config JobConfig

	// OnComplete, if set, is called exactly once with the terminal result,
	// from the pipeline goroutine, before Wait returns.
	OnComplete func(Result)
}

// Progress is a snapshot of a running job.
type Progress struct {
	ProcessedDuration time.Duration
	TotalDuration     time.Duration // 0 when the source duration is unknown
	State             JobState
}

// Fraction returns processed/total in [0,1], or 0 when the total is unknown.
func (p Progress) Fraction() float64 {
	if p.TotalDuration <= 0 {
		return 0
	}
	return min(float64(p.ProcessedDuration)/float64(p.TotalDuration), 1)
}

// StreamResult reports what happened to one output stream.
type StreamResult struct {
	Input  StreamDescriptor
	Output StreamDescriptor
	Copy   bool

	// Dropped is set when the stream failed and OnStreamFailure was
	// DropStream; Err holds the failure.
	Dropped bool
	Err     error

	PacketsIn      uint64 // Packets routed to the stream
	PacketsWritten uint64 // Packets handed to the muxer
	TransformCalls uint64 // Resampler or rescaler invocations
	Decoder        StageStats
	Encoder        StageStats
}

// Result is the terminal outcome of a job.
type Result struct {
	JobID string
	State JobState
	// Err is a *PipelineError for failed and cancelled jobs, nil otherwise.
	Err error

	Format  string // Input container
	Streams []StreamResult

	ProcessedDuration time.Duration
	Elapsed           time.Duration
	PacketsRead       uint64
	PacketsSkipped    uint64 // Corrupt packets skipped
	Mux               MuxStats
}

// JobHandle tracks a submitted job.
type JobHandle struct {
	id     uuid.UUID
	ctx    context.Context
	cancel context.CancelFunc

	state     atomic.Int32
	processed atomic.Int64 // Microseconds
	total     atomic.Int64 // Microseconds

	done   chan struct{}
	once   sync.Once
	result Result
}

func newJobHandle(parent context.Context) *JobHandle {
	h := &JobHandle{
		id:   uuid.New(),
		done: make(chan struct{}),
	}
	h.ctx, h.cancel = context.WithCancel(parent)
	h.state.Store(int32(JobCreated))
	return h
}

// ID returns the job identifier.
func (h *JobHandle) ID() string { return h.id.String() }

// State returns the current state.
func (h *JobHandle) State() JobState { return JobState(h.state.Load()) }

// Cancel requests cancellation. It returns immediately; the job stops at the
// next packet or frame boundary. Cancelling a finished job has no effect.
func (h *JobHandle) Cancel() { h.cancel() }

// Progress returns a snapshot of the job progress.
func (h *JobHandle) Progress() Progress {
	return Progress{
		ProcessedDuration: time.Duration(h.processed.Load()) * time.Microsecond,
		TotalDuration:     time.Duration(h.total.Load()) * time.Microsecond,
		State:             h.State(),
	}
}

// Done is closed once the job reached a terminal state.
func (h *JobHandle) Done() <-chan struct{} { return h.done }

// Wait blocks until the job finishes or ctx is done. The returned error is
// the job error (nil when completed) or ctx.Err().
func (h *JobHandle) Wait(ctx context.Context) (Result, error) {
	select {
	case <-h.done:
		return h.result, h.result.Err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Result returns the terminal result and true once the job is done.
func (h *JobHandle) Result() (Result, bool) {
	select {
	case <-h.done:
		return h.result, true
	default:
		return Result{}, false
	}
}

// transition moves the handle to next, rejecting invalid moves.
func (h *JobHandle) transition(next JobState) error {
	for {
		cur := h.State()
		if !cur.canTransition(next) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur, next)
		}
		if h.state.CompareAndSwap(int32(cur), int32(next)) {
			return nil
		}
	}
}

// advance raises the processed position to d if it is further along.
func (h *JobHandle) advance(d time.Duration) {
	us := d.Microseconds()
	for {
		cur := h.processed.Load()
		if us <= cur || h.processed.CompareAndSwap(cur, us) {
			return
		}
	}
}

// finish publishes the terminal result exactly once.
func (h *JobHandle) finish(res Result, onComplete func(Result)) {
	h.once.Do(func() {
		res.JobID = h.ID()
		res.State = h.State()
		res.ProcessedDuration = time.Duration(h.processed.Load()) * time.Microsecond
		h.result = res
		if onComplete != nil {
			onComplete(res)
		}
		h.cancel()
		close(h.done)
	})
}
