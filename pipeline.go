package transcode

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
)

// PipelineConfig configures a Pipeline.
type PipelineConfig struct {
	Logger   logrus.FieldLogger // Defaults to logrus.StandardLogger()
	Registry *Registry          // Defaults to DefaultRegistry()

	// Concurrency is the number of jobs run at once. Jobs start in
	// submission order. Default 1.
	Concurrency int

	// QueueSize is the number of submitted jobs that may wait for a free
	// slot before Submit blocks. Default 16.
	QueueSize int
}

// DefaultPipelineConfig returns the default pipeline configuration.
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		Logger:      logrus.StandardLogger(),
		Concurrency: 1,
		QueueSize:   16,
	}
}

// Pipeline runs transcoding jobs.
type Pipeline struct {
	log logrus.FieldLogger
	reg *Registry

	queue  chan *jobRun
	closed atomic.Bool
	stop   chan struct{}
	wg     sync.WaitGroup

	mu      sync.Mutex
	running map[*jobRun]struct{}
}

// NewPipeline creates a pipeline and starts its job loop.
func NewPipeline(cfg PipelineConfig) *Pipeline {
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	if cfg.Registry == nil {
		cfg.Registry = DefaultRegistry()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 16
	}
	p := &Pipeline{
		log:     cfg.Logger,
		reg:     cfg.Registry,
		queue:   make(chan *jobRun, cfg.QueueSize),
		stop:    make(chan struct{}),
		running: make(map[*jobRun]struct{}),
	}
	for i := 0; i < cfg.Concurrency; i++ {
		p.wg.Add(1)
		go p.loop()
	}
	return p
}

// Submit validates the job configuration and queues the job. Configuration
// errors are returned directly; everything discovered once the source is
// opened is reported through the handle. ctx bounds the whole job: when it
// is cancelled the job ends as Cancelled.
func (p *Pipeline) Submit(ctx context.Context, job Job) (*JobHandle, error) {
	if p.closed.Load() {
		return nil, ErrPipelineClosed
	}
	if job.Source == nil {
		return nil, errors.New("transcode: job has no source")
	}
	if job.Sink == nil {
		return nil, errors.New("transcode: job has no sink")
	}
	job.Config.applyDefaults()
	if err := job.Config.Validate(); err != nil {
		return nil, fmt.Errorf("transcode: invalid job config: %w", err)
	}

	h := newJobHandle(ctx)
	r := &jobRun{
		pipeline: p,
		job:      job,
		cfg:      job.Config,
		handle:   h,
		log:      p.log.WithField("job", h.ID()),
	}
	select {
	case p.queue <- r:
	case <-ctx.Done():
		h.cancel()
		return nil, ctx.Err()
	case <-p.stop:
		h.cancel()
		return nil, ErrPipelineClosed
	}
	r.log.WithField("state", JobCreated).Debug("job queued")
	return h, nil
}

// Close stops accepting jobs, cancels queued and running jobs and waits for
// them to finish.
func (p *Pipeline) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(p.stop)
	p.mu.Lock()
	for r := range p.running {
		r.handle.Cancel()
	}
	p.mu.Unlock()
	p.wg.Wait()

	// Jobs still queued never started.
	for {
		select {
		case r := <-p.queue:
			r.handle.Cancel()
			r.run()
		default:
			return nil
		}
	}
}

func (p *Pipeline) loop() {
	defer p.wg.Done()
	for {
		select {
		case <-p.stop:
			return
		case r := <-p.queue:
			p.mu.Lock()
			p.running[r] = struct{}{}
			p.mu.Unlock()

			r.run()

			p.mu.Lock()
			delete(p.running, r)
			p.mu.Unlock()
		}
	}
}

// jobRun holds everything one job owns while it runs.
type jobRun struct {
	pipeline *Pipeline
	job      Job
	cfg      JobConfig
	handle   *JobHandle
	log      logrus.FieldLogger

	// ctx is cancelled by the caller (through the handle) or by a fatal
	// error; err tells the two apart.
	ctx     context.Context
	cancel  context.CancelFunc
	errOnce sync.Once
	err     error

	reader  *DemuxReader
	mapping *StreamMapping
	mux     *MuxWriter
	workers []*streamWorker
	started time.Time
}

func (r *jobRun) run() {
	r.started = time.Now()
	r.ctx, r.cancel = context.WithCancel(r.handle.ctx)
	defer r.cancel()

	if err := r.ctx.Err(); err != nil {
		r.terminate(JobCancelled, newError(CancelledError, -1, err))
		return
	}
	if err := r.open(); err != nil {
		if KindOf(err) == CancelledError {
			r.terminate(JobCancelled, err)
		} else {
			r.terminate(JobFailed, err)
		}
		return
	}
	r.setState(JobOpened)

	r.setState(JobRunning)
	r.execute()

	switch {
	case r.err != nil:
		r.terminate(JobFailed, r.err)
	case r.handle.ctx.Err() != nil:
		r.terminate(JobCancelled, newError(CancelledError, -1, r.handle.ctx.Err()))
	default:
		r.terminate(JobCompleted, nil)
	}
}

// open resolves the input, the stream mapping, the codecs and the output.
// Nothing is read from the source beyond what is needed to learn its
// streams.
func (r *jobRun) open() error {
	reg := r.pipeline.reg
	reader, err := OpenDemuxReader(reg, r.job.Source, r.cfg.OnPacketCorruption, r.log)
	if err != nil {
		return err
	}
	r.reader = reader
	r.log = r.log.WithField("format", reader.Format())

	var format *Format
	provider, ownMuxer := r.job.Sink.(MuxerProvider)
	if !ownMuxer {
		format, err = r.outputFormat()
		if err != nil {
			return newError(UnsupportedStreamError, -1, err)
		}
	}

	r.mapping, err = ResolveMapping(reg, reader.Streams(), r.cfg, format)
	if err != nil {
		return err
	}
	var total time.Duration
	for _, in := range reader.Streams() {
		if r.mapping.OutputFor(in.Index) >= 0 && in.Duration > 0 {
			total = max(total, ToDuration(in.Duration, in.TimeBase))
		}
	}
	r.handle.total.Store(total.Microseconds())

	for _, ms := range r.mapping.Streams {
		w, err := newStreamWorker(r, ms)
		if err != nil {
			return err
		}
		r.workers = append(r.workers, w)
	}

	outs := r.mapping.Outputs()
	for i, w := range r.workers {
		if w.enc != nil && outs[i].Extradata == nil {
			outs[i].Extradata = w.enc.Descriptor().Extradata
		}
	}
	var m Muxer
	if ownMuxer {
		m, err = provider.OpenMuxer(outs)
	} else {
		w, ok := r.job.Sink.(io.Writer)
		if !ok {
			return newError(SinkError, -1, fmt.Errorf("%s output needs a writable sink", format.Name))
		}
		m, err = format.NewMuxer(w, outs)
	}
	if err != nil {
		return newError(SinkError, -1, err)
	}
	r.mux = NewMuxWriter(m, outs, r.cfg.ReorderWindow, r.log)
	if err := r.mux.Open(); err != nil {
		return err
	}
	return nil
}

func (r *jobRun) outputFormat() (*Format, error) {
	reg := r.pipeline.reg
	if r.cfg.OutputContainer != "" {
		return reg.Format(r.cfg.OutputContainer)
	}
	if named, ok := r.job.Sink.(interface{ Name() string }); ok {
		return reg.FormatForName(named.Name())
	}
	return nil, fmt.Errorf("%w: no output container given", ErrFormatNotSupported)
}

// execute runs the demux loop on the calling goroutine and one worker per
// output stream.
func (r *jobRun) execute() {
	r.mux.EnableFlowControl()
	stopAbort := context.AfterFunc(r.ctx, func() {
		r.mux.Abort(newError(CancelledError, -1, context.Canceled))
	})
	defer stopAbort()

	var wg sync.WaitGroup
	for _, w := range r.workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.run()
		}()
	}

	r.demux()
	r.mux.DemuxFinished()
	for _, w := range r.workers {
		close(w.in)
	}
	wg.Wait()

	if r.err == nil && r.handle.ctx.Err() == nil && r.allDropped() {
		r.fail(r.workers[0].err)
	}
}

// demux routes packets to stream workers until the input ends, the job is
// cancelled or a fatal error occurs.
func (r *jobRun) demux() {
	for {
		// Checkpoint: whole packets only.
		if r.ctx.Err() != nil {
			return
		}
		pkt, err := r.reader.ReadPacket(r.ctx)
		if errors.Is(err, ErrEndOfStream) {
			r.log.Debug("end of input")
			return
		}
		if err != nil {
			r.fail(err)
			return
		}
		o := r.mapping.OutputFor(pkt.StreamIndex)
		if o < 0 {
			continue
		}
		w := r.workers[o]
		if w.exited() {
			continue
		}
		w.packetsIn.Add(1)
		r.mux.Dispatch(o)
		select {
		case w.in <- pkt:
			continue
		default:
		}
		r.mux.DemuxStalled(o)
		select {
		case w.in <- pkt:
		case <-w.done:
			r.mux.Done(o)
		case <-r.ctx.Done():
			r.mux.Done(o)
		}
		r.mux.DemuxStalled(-1)
	}
}

// fail records the first fatal error and stops the job. Cancellation
// errors caused by the caller are not failures.
func (r *jobRun) fail(err error) {
	if err == nil {
		return
	}
	if KindOf(err) == CancelledError && r.handle.ctx.Err() != nil {
		return
	}
	r.errOnce.Do(func() {
		r.err = err
		r.log.WithError(err).Error("job failed")
		r.cancel()
		if r.mux != nil {
			r.mux.Abort(err)
		}
	})
}

// streamFailed applies OnStreamFailure to a stage error.
func (r *jobRun) streamFailed(w *streamWorker, err error) {
	switch KindOf(err) {
	case DecodeError, TransformError, EncodeError:
		if r.cfg.OnStreamFailure == DropStream {
			w.dropped = true
			w.err = err
			w.log.WithError(err).Warn("dropping stream")
			if endErr := r.mux.EndStream(w.out); endErr != nil {
				r.fail(endErr)
			}
			return
		}
	}
	r.fail(err)
}

func (r *jobRun) allDropped() bool {
	for _, w := range r.workers {
		if !w.dropped {
			return false
		}
	}
	return len(r.workers) > 0
}

func (r *jobRun) setState(s JobState) {
	if err := r.handle.transition(s); err != nil {
		r.log.WithError(err).Error("state transition")
		return
	}
	r.log.WithField("state", s).Debug("job state")
}

// terminate finalizes or discards the output, releases every resource and
// publishes the result. Cleanup failures after a successful run fail the
// job; otherwise they are logged.
func (r *jobRun) terminate(state JobState, err error) {
	policy := KeepPartial
	switch state {
	case JobFailed:
		policy = r.cfg.OnFailure
	case JobCancelled:
		policy = r.cfg.OnCancel
	}

	var cleanup *multierror.Error
	if r.mux != nil {
		if ferr := r.mux.Finish(policy == KeepPartial); ferr != nil {
			cleanup = multierror.Append(cleanup, ferr)
		}
	}
	for _, w := range r.workers {
		if cerr := w.close(); cerr != nil {
			cleanup = multierror.Append(cleanup, cerr)
		}
	}
	if r.reader != nil {
		if cerr := r.reader.Close(); cerr != nil {
			cleanup = multierror.Append(cleanup, newError(SourceError, -1, cerr))
		}
	} else if cerr := r.job.Source.Close(); cerr != nil {
		cleanup = multierror.Append(cleanup, newError(SourceError, -1, cerr))
	}

	var sinkErr error
	if d, ok := r.job.Sink.(Discarder); ok && policy == DiscardOutput {
		sinkErr = d.Discard()
	} else {
		sinkErr = r.job.Sink.Close()
	}
	if sinkErr != nil {
		cleanup = multierror.Append(cleanup, newError(SinkError, -1, sinkErr))
	}

	if cerr := cleanup.ErrorOrNil(); cerr != nil {
		if state == JobCompleted {
			state = JobFailed
			err = firstError(cleanup)
		}
		r.log.WithError(cerr).Warn("cleanup")
	}
	if err := r.handle.transition(state); err != nil {
		r.log.WithError(err).Error("state transition")
	}
	r.log.WithField("state", state).Info("job finished")
	r.handle.finish(r.result(err), r.job.OnComplete)
}

func firstError(m *multierror.Error) error {
	if m == nil || len(m.Errors) == 0 {
		return nil
	}
	return m.Errors[0]
}

func (r *jobRun) result(err error) Result {
	res := Result{
		Err:     err,
		Elapsed: time.Since(r.started),
	}
	if r.reader != nil {
		res.Format = r.reader.Format()
		res.PacketsRead = r.reader.PacketsRead()
		res.PacketsSkipped = r.reader.PacketsSkipped()
	}
	if r.mux != nil {
		res.Mux = r.mux.Stats()
	}
	for _, w := range r.workers {
		sr := w.result()
		if res.Mux.PacketsWritten != nil {
			sr.PacketsWritten = res.Mux.PacketsWritten[w.out]
		}
		res.Streams = append(res.Streams, sr)
	}
	return res
}
