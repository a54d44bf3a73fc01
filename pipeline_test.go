package transcode

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func shortTestSource(d time.Duration) TestSourceConfig {
	return TestSourceConfig{
		Duration: d,
		Width:    64,
		Height:   48,
		FPS:      30,
	}
}

// Stereo 44.1kHz audio plus 30fps video becomes 16kHz mono audio with the
// video passed through untouched.
func TestPipeline_DownmixAndPassthrough(t *testing.T) {
	sink := &memSink{}
	res, err := runJob(t, testRegistry(), Job{
		Source: TestSource(shortTestSource(time.Second)),
		Sink:   sink,
		Config: JobConfig{Streams: []StreamConfig{
			{Type: MediaTypeVideo},
			{Type: MediaTypeAudio, Codec: "pcm_s16le", SampleRate: 16000, Layout: ChannelLayoutMono},
		}},
	})
	if err != nil {
		t.Fatalf("job failed: %v", err)
	}
	if res.State != JobCompleted {
		t.Fatalf("Expected completed, got %s", res.State)
	}

	if len(sink.streams) != 2 {
		t.Fatalf("Expected 2 output streams, got %d", len(sink.streams))
	}
	audio := sink.streams[1]
	if audio.SampleRate != 16000 || audio.Channels() != 1 {
		t.Errorf("Expected 16000Hz mono, got %dHz/%d channels", audio.SampleRate, audio.Channels())
	}

	video := res.Streams[0]
	if !video.Copy {
		t.Error("Expected video stream copy")
	}
	if video.PacketsIn != 30 || video.PacketsWritten != 30 {
		t.Errorf("Expected 30 video packets in and out, got %d/%d", video.PacketsIn, video.PacketsWritten)
	}
	if video.TransformCalls != 0 {
		t.Errorf("Expected no rescaler calls for a copied stream, got %d", video.TransformCalls)
	}
	if res.Streams[1].TransformCalls == 0 {
		t.Error("Expected the resampler to run")
	}

	var samples int64
	for _, p := range sink.Packets(1) {
		samples += p.Duration
	}
	if samples < 16000-400 || samples > 16000+400 {
		t.Errorf("Expected about 16000 output samples, got %d", samples)
	}
	if !sink.header || !sink.trailer || !sink.closed {
		t.Errorf("Expected finalized sink, got header=%v trailer=%v closed=%v", sink.header, sink.trailer, sink.closed)
	}
}

func TestPipeline_MonotonicTimestamps(t *testing.T) {
	tests := []struct {
		name    string
		streams []StreamConfig
	}{
		{"copy", nil},
		{"transcode", []StreamConfig{
			{Type: MediaTypeVideo, Width: 32, Height: 24},
			{Type: MediaTypeAudio, Codec: "pcm_f32le", SampleRate: 48000},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink := &memSink{}
			_, err := runJob(t, testRegistry(), Job{
				Source: TestSource(shortTestSource(time.Second)),
				Sink:   sink,
				Config: JobConfig{Streams: tt.streams},
			})
			if err != nil {
				t.Fatalf("job failed: %v", err)
			}
			for idx := range sink.streams {
				pkts := sink.Packets(idx)
				if len(pkts) == 0 {
					t.Fatalf("stream %d: no packets", idx)
				}
				for i := 1; i < len(pkts); i++ {
					if pkts[i].PTS <= pkts[i-1].PTS {
						t.Fatalf("stream %d: PTS %d after %d", idx, pkts[i].PTS, pkts[i-1].PTS)
					}
				}
			}
			// Interleaving across streams follows time, at the writer's
			// microsecond resolution.
			var last time.Duration
			for i, p := range sink.packets {
				ts := ToDuration(p.DTS, sink.streams[p.StreamIndex].TimeBase).Truncate(time.Microsecond)
				if ts < last-time.Microsecond {
					t.Fatalf("packet %d at %v written after %v", i, ts, last)
				}
				last = ts
			}
		})
	}
}

// Matching raw formats skip the resampler and rescaler even when the
// stream is re-encoded.
func TestPipeline_TransformSkippedWhenFormatsMatch(t *testing.T) {
	sink := &memSink{}
	res, err := runJob(t, testRegistry(), Job{
		Source: TestSource(shortTestSource(500 * time.Millisecond)),
		Sink:   sink,
		Config: JobConfig{Streams: []StreamConfig{
			{Type: MediaTypeVideo, Codec: "rawvideo", GOPSize: 1},
			{Type: MediaTypeAudio, Codec: "pcm_alaw"},
		}},
	})
	if err != nil {
		t.Fatalf("job failed: %v", err)
	}
	for i, s := range res.Streams {
		if s.Copy {
			t.Errorf("stream %d: expected transcoding, got copy", i)
		}
		if s.TransformCalls != 0 {
			t.Errorf("stream %d: expected no transform calls, got %d", i, s.TransformCalls)
		}
		if s.Decoder.UnitsOut == 0 || s.Encoder.UnitsIn != s.Decoder.UnitsOut {
			t.Errorf("stream %d: decoder produced %d frames, encoder received %d",
				i, s.Decoder.UnitsOut, s.Encoder.UnitsIn)
		}
	}
	if got := sink.streams[1].Codec; got != CodecPCMALaw {
		t.Errorf("Expected pcm_alaw output, got %s", got)
	}
}

func TestPipeline_UnsupportedStreamBeforeReading(t *testing.T) {
	tests := []struct {
		name   string
		config JobConfig
		sink   func(dir string) Sink
	}{
		{
			name:   "no encoder",
			config: JobConfig{Streams: []StreamConfig{{Type: MediaTypeAudio, Codec: "aac"}}},
			sink:   func(string) Sink { return &memSink{} },
		},
		{
			name:   "container cannot carry codec",
			config: JobConfig{Streams: []StreamConfig{{Type: MediaTypeVideo, Codec: CodecCopy}}},
			sink:   func(dir string) Sink { return FileSink(filepath.Join(dir, "out.wav")) },
		},
		{
			name:   "missing input stream",
			config: JobConfig{Streams: []StreamConfig{{Type: MediaTypeVideo, SourceIndex: ptr(5)}}},
			sink:   func(string) Sink { return &memSink{} },
		},
		{
			name: "frame rate conversion",
			config: JobConfig{Streams: []StreamConfig{
				{Type: MediaTypeVideo, Codec: "rawvideo", FrameRate: Rational{25, 1}},
			}},
			sink: func(string) Sink { return &memSink{} },
		},
		{
			name:   "unknown output container",
			config: JobConfig{},
			sink:   func(dir string) Sink { return FileSink(filepath.Join(dir, "out.xyz")) },
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := &countingSource{Source: TestSource(shortTestSource(time.Second))}
			sink := tt.sink(t.TempDir())
			res, err := runJob(t, testRegistry(), Job{Source: src, Sink: sink, Config: tt.config})
			if !errors.Is(err, UnsupportedStreamError) {
				t.Fatalf("Expected UnsupportedStreamError, got %v", err)
			}
			if res.State != JobFailed {
				t.Errorf("Expected failed, got %s", res.State)
			}
			if res.PacketsRead != 0 || src.reads.Load() != 0 {
				t.Errorf("Expected no packets read, got %d (%d demuxer reads)", res.PacketsRead, src.reads.Load())
			}
			if ms, ok := sink.(*memSink); ok && ms.header {
				t.Error("Expected no header written")
			}
		})
	}
}

func ptr[T any](v T) *T { return &v }

// countingSource counts packets pulled from the wrapped source's demuxer.
type countingSource struct {
	Source
	reads atomic.Int64
}

func (s *countingSource) OpenDemuxer() (Demuxer, error) {
	dmx, err := s.Source.(DemuxerProvider).OpenDemuxer()
	if err != nil {
		return nil, err
	}
	return &countingDemuxer{Demuxer: dmx, reads: &s.reads}, nil
}

type countingDemuxer struct {
	Demuxer
	reads *atomic.Int64
}

func (d *countingDemuxer) ReadPacket(ctx context.Context) (*Packet, error) {
	d.reads.Add(1)
	return d.Demuxer.ReadPacket(ctx)
}

func TestPipeline_SubmitRejectsInvalidJobs(t *testing.T) {
	p := NewPipeline(PipelineConfig{Registry: testRegistry(), Logger: testLogger(t)})
	ctx := context.Background()

	tests := []struct {
		name string
		job  Job
	}{
		{"no source", Job{Sink: &memSink{}}},
		{"no sink", Job{Source: TestSource(TestSourceConfig{})}},
		{"bad codec", Job{Source: TestSource(TestSourceConfig{}), Sink: &memSink{}, Config: JobConfig{
			Streams: []StreamConfig{{Type: MediaTypeAudio, Codec: "nope"}},
		}}},
		{"codec type mismatch", Job{Source: TestSource(TestSourceConfig{}), Sink: &memSink{}, Config: JobConfig{
			Streams: []StreamConfig{{Type: MediaTypeVideo, Codec: "opus"}},
		}}},
		{"odd dimensions", Job{Source: TestSource(TestSourceConfig{}), Sink: &memSink{}, Config: JobConfig{
			Streams: []StreamConfig{{Type: MediaTypeVideo, Width: 33}},
		}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, err := p.Submit(ctx, tt.job)
			if err == nil || h != nil {
				t.Errorf("Expected Submit to fail, got handle=%v err=%v", h, err)
			}
		})
	}

	p.Close()
	if _, err := p.Submit(ctx, Job{Source: TestSource(TestSourceConfig{}), Sink: &memSink{}}); !errors.Is(err, ErrPipelineClosed) {
		t.Errorf("Expected ErrPipelineClosed, got %v", err)
	}
}

// flakyDecoder produces one blank frame per packet and fails on packet
// failAt.
type flakyDecoder struct {
	desc     StreamDescriptor
	failAt   int
	n        int
	pending  *Frame
	draining bool
}

func (d *flakyDecoder) SendPacket(pkt *Packet) error {
	if pkt == nil {
		d.draining = true
		return nil
	}
	d.n++
	if d.n == d.failAt {
		return errors.New("bitstream error")
	}
	f := NewVideoFrame(d.desc.Width, d.desc.Height, d.desc.PixelFormat)
	f.PTS = pkt.PTS
	f.TimeBase = d.desc.TimeBase
	f.Key = pkt.Key
	d.pending = f
	return nil
}

func (d *flakyDecoder) ReceiveFrame() (*Frame, error) {
	if d.pending != nil {
		f := d.pending
		d.pending = nil
		return f, nil
	}
	if d.draining {
		return nil, ErrEndOfStream
	}
	return nil, ErrNeedMoreInput
}

func (d *flakyDecoder) Close() error { return nil }

// flakyJob is an H.264 (decoded by flakyDecoder) plus PCM source.
func flakyJob(reg *Registry, failAt int, policy StreamFailurePolicy) (Job, *memSink) {
	reg.RegisterDecoder(CodecH264, ProviderBuiltin, func(in StreamDescriptor) (Decoder, error) {
		return &flakyDecoder{desc: in, failAt: failAt}, nil
	})
	video := rawVideoStream(64, 48, 30)
	video.Codec = CodecH264
	audio := pcmStream(8000, ChannelLayoutMono)
	streams := []StreamDescriptor{video, audio}
	src := &memSource{
		name:    "flaky",
		streams: streams,
		packets: interleave(streams, videoPackets(0, video, 30), audioPackets(1, audio, 10, 800)),
	}
	sink := &memSink{}
	return Job{
		Source: src,
		Sink:   sink,
		Config: JobConfig{
			OnStreamFailure: policy,
			Streams: []StreamConfig{
				{Type: MediaTypeVideo, Codec: "rawvideo"},
				{Type: MediaTypeAudio},
			},
		},
	}, sink
}

func TestPipeline_StreamFailurePolicy(t *testing.T) {
	t.Run("abort job", func(t *testing.T) {
		reg := testRegistry()
		job, sink := flakyJob(reg, 5, AbortJob)
		res, err := runJob(t, reg, job)
		if !errors.Is(err, DecodeError) {
			t.Fatalf("Expected DecodeError, got %v", err)
		}
		var pe *PipelineError
		if !errors.As(err, &pe) || pe.StreamIndex != 0 {
			t.Errorf("Expected error on input stream 0, got %v", err)
		}
		if res.State != JobFailed {
			t.Errorf("Expected failed, got %s", res.State)
		}
		if !sink.discarded {
			t.Error("Expected partial output to be discarded")
		}
	})

	t.Run("drop stream", func(t *testing.T) {
		reg := testRegistry()
		job, sink := flakyJob(reg, 5, DropStream)
		res, err := runJob(t, reg, job)
		if err != nil {
			t.Fatalf("Expected the job to complete, got %v", err)
		}
		if res.State != JobCompleted {
			t.Fatalf("Expected completed, got %s", res.State)
		}
		video, audio := res.Streams[0], res.Streams[1]
		if !video.Dropped || !errors.Is(video.Err, DecodeError) {
			t.Errorf("Expected video dropped with DecodeError, got dropped=%v err=%v", video.Dropped, video.Err)
		}
		if video.PacketsWritten != 4 {
			t.Errorf("Expected the 4 frames decoded before the failure, got %d", video.PacketsWritten)
		}
		if audio.Dropped || audio.PacketsWritten != 10 {
			t.Errorf("Expected all 10 audio packets, got %d (dropped=%v)", audio.PacketsWritten, audio.Dropped)
		}
		if len(sink.Packets(1)) != 10 || !sink.trailer {
			t.Errorf("Expected finalized output with audio, got %d packets trailer=%v", len(sink.Packets(1)), sink.trailer)
		}
	})

	t.Run("every stream dropped", func(t *testing.T) {
		reg := testRegistry()
		job, _ := flakyJob(reg, 1, DropStream)
		job.Config.Streams = job.Config.Streams[:1]
		res, err := runJob(t, reg, job)
		if !errors.Is(err, DecodeError) {
			t.Fatalf("Expected DecodeError, got %v", err)
		}
		if res.State != JobFailed {
			t.Errorf("Expected failed, got %s", res.State)
		}
	})
}

func TestPipeline_CorruptPackets(t *testing.T) {
	audio := pcmStream(8000, ChannelLayoutMono)
	newSource := func() *memSource {
		return &memSource{
			name:    "corrupt",
			streams: []StreamDescriptor{audio},
			packets: audioPackets(0, audio, 10, 160),
			corrupt: map[int]bool{2: true, 5: true},
		}
	}

	t.Run("skip", func(t *testing.T) {
		sink := &memSink{}
		res, err := runJob(t, testRegistry(), Job{Source: newSource(), Sink: sink})
		if err != nil {
			t.Fatalf("job failed: %v", err)
		}
		if res.PacketsSkipped != 2 {
			t.Errorf("Expected 2 skipped packets, got %d", res.PacketsSkipped)
		}
		if got := len(sink.Packets(0)); got != 8 {
			t.Errorf("Expected 8 packets written, got %d", got)
		}
	})

	t.Run("abort", func(t *testing.T) {
		sink := &memSink{}
		res, err := runJob(t, testRegistry(), Job{
			Source: newSource(),
			Sink:   sink,
			Config: JobConfig{OnPacketCorruption: CorruptionAbort},
		})
		if !errors.Is(err, ReadError) || !errors.Is(err, ErrCorruptPacket) {
			t.Fatalf("Expected ReadError wrapping ErrCorruptPacket, got %v", err)
		}
		if res.State != JobFailed {
			t.Errorf("Expected failed, got %s", res.State)
		}
	})
}

func TestPipeline_WriteError(t *testing.T) {
	audio := pcmStream(8000, ChannelLayoutMono)
	src := &memSource{
		name:    "pcm",
		streams: []StreamDescriptor{audio},
		packets: audioPackets(0, audio, 20, 160),
	}
	sink := &memSink{failAfter: 3}
	res, err := runJob(t, testRegistry(), Job{
		Source: src,
		Sink:   sink,
		Config: JobConfig{OnFailure: KeepPartial, ReorderWindow: 10 * time.Millisecond},
	})
	if !errors.Is(err, WriteError) {
		t.Fatalf("Expected WriteError, got %v", err)
	}
	if res.State != JobFailed {
		t.Errorf("Expected failed, got %s", res.State)
	}
	if sink.discarded {
		t.Error("Expected partial output to be kept")
	}
	if !src.closed.Load() || !sink.closed {
		t.Error("Expected source and sink to be closed")
	}
}

func TestPipeline_Cancel(t *testing.T) {
	tests := []struct {
		name   string
		policy OutputPolicy
	}{
		{"keep partial", KeepPartial},
		{"discard output", DiscardOutput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			out := filepath.Join(dir, "out.y4m")
			cfg := shortTestSource(10 * time.Second)
			cfg.NoAudio = true
			cfg.Realtime = true

			var completions atomic.Int32
			p := NewPipeline(PipelineConfig{Registry: testRegistry(), Logger: testLogger(t)})
			defer p.Close()
			h, err := p.Submit(context.Background(), Job{
				Source:     TestSource(cfg),
				Sink:       FileSink(out),
				Config:     JobConfig{OnCancel: tt.policy},
				OnComplete: func(Result) { completions.Add(1) },
			})
			if err != nil {
				t.Fatal(err)
			}

			deadline := time.Now().Add(5 * time.Second)
			for h.Progress().ProcessedDuration < 300*time.Millisecond {
				if time.Now().After(deadline) {
					t.Fatalf("no progress: %+v", h.Progress())
				}
				time.Sleep(10 * time.Millisecond)
			}
			h.Cancel()

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			res, err := h.Wait(ctx)
			if !errors.Is(err, CancelledError) {
				t.Fatalf("Expected CancelledError, got %v", err)
			}
			if res.State != JobCancelled || h.State() != JobCancelled {
				t.Errorf("Expected cancelled, got %s/%s", res.State, h.State())
			}
			if n := completions.Load(); n != 1 {
				t.Errorf("Expected OnComplete once, got %d", n)
			}
			h.Cancel() // No effect once finished.

			if tt.policy == DiscardOutput {
				if _, err := os.Stat(out); !os.IsNotExist(err) {
					t.Errorf("Expected output removed, stat: %v", err)
				}
				return
			}

			// Every frame in the partial output is complete.
			reader, err := OpenDemuxReader(testRegistry(), FileSource(out), CorruptionAbort, testLogger(t))
			if err != nil {
				t.Fatalf("partial output unreadable: %v", err)
			}
			defer reader.Close()
			frames := 0
			for _, err := range reader.Packets(context.Background()) {
				if err != nil {
					t.Fatalf("frame %d: %v", frames, err)
				}
				frames++
			}
			if frames == 0 || frames >= 300 {
				t.Errorf("Expected a partial output, got %d frames", frames)
			}
			if uint64(frames) != res.Streams[0].PacketsWritten {
				t.Errorf("Expected %d frames on disk, got %d", res.Streams[0].PacketsWritten, frames)
			}
		})
	}
}

func TestPipeline_CancelBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := NewPipeline(PipelineConfig{Registry: testRegistry(), Logger: testLogger(t)})
	defer p.Close()

	cfg := shortTestSource(5 * time.Second)
	cfg.Realtime = true
	first, err := p.Submit(context.Background(), Job{Source: TestSource(cfg), Sink: &memSink{}})
	if err != nil {
		t.Fatal(err)
	}
	sink := &memSink{}
	second, err := p.Submit(ctx, Job{Source: TestSource(shortTestSource(time.Second)), Sink: sink})
	if err != nil {
		t.Fatal(err)
	}
	cancel()
	first.Cancel()

	wctx, wcancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer wcancel()
	res, err := second.Wait(wctx)
	if !errors.Is(err, CancelledError) {
		t.Fatalf("Expected CancelledError, got %v", err)
	}
	if res.PacketsRead != 0 || sink.opened {
		t.Errorf("Expected the queued job never to start, read %d packets", res.PacketsRead)
	}
}

func TestPipeline_JobsRunInSubmissionOrder(t *testing.T) {
	p := NewPipeline(PipelineConfig{Registry: testRegistry(), Logger: testLogger(t), Concurrency: 1})
	defer p.Close()

	var (
		mu    sync.Mutex
		order []int
	)
	cfg := shortTestSource(200 * time.Millisecond)
	var handles []*JobHandle
	for i := 0; i < 4; i++ {
		h, err := p.Submit(context.Background(), Job{
			Source: TestSource(cfg),
			Sink:   &memSink{},
			OnComplete: func(Result) {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
			},
		})
		if err != nil {
			t.Fatal(err)
		}
		handles = append(handles, h)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for i, h := range handles {
		res, err := h.Wait(ctx)
		if err != nil {
			t.Fatalf("job %d: %v", i, err)
		}
		if res.JobID != h.ID() {
			t.Errorf("job %d: result for %s", i, res.JobID)
		}
	}
	for i, got := range order {
		if got != i {
			t.Fatalf("Completion order %v, want submission order", order)
		}
	}
}

func TestPipeline_ConcurrentJobs(t *testing.T) {
	p := NewPipeline(PipelineConfig{Registry: testRegistry(), Logger: testLogger(t), Concurrency: 3})
	defer p.Close()

	var handles []*JobHandle
	for i := 0; i < 6; i++ {
		h, err := p.Submit(context.Background(), Job{
			Source: TestSource(shortTestSource(300 * time.Millisecond)),
			Sink:   &memSink{},
			Config: JobConfig{Streams: []StreamConfig{{Type: MediaTypeAudio, SampleRate: 8000}}},
		})
		if err != nil {
			t.Fatal(err)
		}
		handles = append(handles, h)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	ids := make(map[string]bool)
	for i, h := range handles {
		if _, err := h.Wait(ctx); err != nil {
			t.Errorf("job %d: %v", i, err)
		}
		ids[h.ID()] = true
	}
	if len(ids) != len(handles) {
		t.Errorf("Expected unique job ids, got %d for %d jobs", len(ids), len(handles))
	}
}

func TestPipeline_Progress(t *testing.T) {
	p := NewPipeline(PipelineConfig{Registry: testRegistry(), Logger: testLogger(t)})
	defer p.Close()

	cfg := shortTestSource(time.Second)
	cfg.NoVideo = true
	h, err := p.Submit(context.Background(), Job{Source: TestSource(cfg), Sink: &memSink{}})
	if err != nil {
		t.Fatal(err)
	}
	res, err := h.Wait(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	pr := h.Progress()
	if pr.State != JobCompleted {
		t.Errorf("Expected completed, got %s", pr.State)
	}
	if pr.TotalDuration != time.Second {
		t.Errorf("Expected total 1s, got %v", pr.TotalDuration)
	}
	if pr.ProcessedDuration != time.Second || res.ProcessedDuration != time.Second {
		t.Errorf("Expected processed 1s, got %v / %v", pr.ProcessedDuration, res.ProcessedDuration)
	}
	if pr.Fraction() != 1 {
		t.Errorf("Fraction = %v, want 1", pr.Fraction())
	}
	if r, ok := h.Result(); !ok || r.State != JobCompleted {
		t.Errorf("Result() = %v, %v", r.State, ok)
	}
}

// Transcoding through a container and back preserves the duration to
// within one frame.
func TestPipeline_RoundTripDuration(t *testing.T) {
	reg := testRegistry()
	dir := t.TempDir()

	duration := func(t *testing.T, path string) (time.Duration, StreamDescriptor) {
		t.Helper()
		r, err := OpenDemuxReader(reg, FileSource(path), CorruptionAbort, testLogger(t))
		if err != nil {
			t.Fatalf("open %s: %v", path, err)
		}
		defer r.Close()
		s := r.Streams()[0]
		return ToDuration(s.Duration, s.TimeBase), s
	}
	hop := func(t *testing.T, src Source, out string, streams ...StreamConfig) {
		t.Helper()
		if _, err := runJob(t, reg, Job{
			Source: src,
			Sink:   FileSink(filepath.Join(dir, out)),
			Config: JobConfig{Streams: streams},
		}); err != nil {
			t.Fatalf("-> %s: %v", out, err)
		}
	}

	t.Run("audio", func(t *testing.T) {
		cfg := shortTestSource(1500 * time.Millisecond)
		cfg.NoVideo = true
		hop(t, TestSource(cfg), "a.wav")
		hop(t, FileSource(filepath.Join(dir, "a.wav")), "b.wav",
			StreamConfig{Type: MediaTypeAudio, Codec: "pcm_f32le", SampleRate: 48000})
		hop(t, FileSource(filepath.Join(dir, "b.wav")), "c.wav",
			StreamConfig{Type: MediaTypeAudio, Codec: "pcm_s16le", SampleRate: 44100})

		a, as := duration(t, filepath.Join(dir, "a.wav"))
		c, cs := duration(t, filepath.Join(dir, "c.wav"))
		frame := time.Duration(as.FrameSize) * time.Second / time.Duration(as.SampleRate)
		if frame == 0 {
			frame = 1024 * time.Second / 44100
		}
		if d := a - c; d > frame || d < -frame {
			t.Errorf("Duration %v after round trip, want %v ± %v", c, a, frame)
		}
		if cs.SampleRate != as.SampleRate || cs.Codec != as.Codec {
			t.Errorf("Expected %s, got %s", as, cs)
		}
	})

	t.Run("video", func(t *testing.T) {
		cfg := shortTestSource(time.Second)
		cfg.NoAudio = true
		hop(t, TestSource(cfg), "a.y4m")
		hop(t, FileSource(filepath.Join(dir, "a.y4m")), "b.y4m",
			StreamConfig{Type: MediaTypeVideo, Width: 32, Height: 24})
		hop(t, FileSource(filepath.Join(dir, "b.y4m")), "c.y4m",
			StreamConfig{Type: MediaTypeVideo, Width: 64, Height: 48})

		a, _ := duration(t, filepath.Join(dir, "a.y4m"))
		c, cs := duration(t, filepath.Join(dir, "c.y4m"))
		if a != time.Second || c != a {
			t.Errorf("Expected 1s before and after, got %v and %v", a, c)
		}
		if cs.Width != 64 || cs.Height != 48 {
			t.Errorf("Expected 64x48, got %dx%d", cs.Width, cs.Height)
		}
	})
}

// paramSetEncoder stands in for a native H.264 encoder: one IDR packet per
// frame and parameter sets known up front.
type paramSetEncoder struct {
	tb       Rational
	out      []*Packet
	draining bool
}

func (e *paramSetEncoder) SendFrame(f *Frame) error {
	if f == nil {
		e.draining = true
		return nil
	}
	e.out = append(e.out, &Packet{PTS: f.PTS, DTS: f.PTS, Duration: f.Duration, Key: true, Data: []byte{0, 0, 0, 1, 0x65, 0x88}})
	return nil
}

func (e *paramSetEncoder) ReceivePacket() (*Packet, error) {
	if len(e.out) > 0 {
		pkt := e.out[0]
		e.out = e.out[1:]
		return pkt, nil
	}
	if e.draining {
		return nil, ErrEndOfStream
	}
	return nil, ErrNeedMoreInput
}

func (e *paramSetEncoder) TimeBase() Rational { return e.tb }
func (e *paramSetEncoder) Extradata() []byte  { return avcConfigRecord(testSPS, testPPS) }
func (e *paramSetEncoder) Close() error       { return nil }

func TestPipeline_EncoderExtradataReachesMuxer(t *testing.T) {
	reg := testRegistry()
	reg.RegisterEncoder(CodecH264, ProviderBuiltin, func(out StreamDescriptor) (Encoder, error) {
		return &paramSetEncoder{tb: out.TimeBase}, nil
	})
	video := rawVideoStream(32, 24, 25)
	src := &memSource{
		name:    "raw",
		streams: []StreamDescriptor{video},
		packets: videoPackets(0, video, 5),
	}
	sink := &memSink{}
	_, err := runJob(t, reg, Job{
		Source: src,
		Sink:   sink,
		Config: JobConfig{Streams: []StreamConfig{{Type: MediaTypeVideo, Codec: "h264"}}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(sink.streams) != 1 || sink.streams[0].Codec != CodecH264 {
		t.Fatalf("Unexpected output streams %v", sink.streams)
	}
	if !bytes.Equal(sink.streams[0].Extradata, avcConfigRecord(testSPS, testPPS)) {
		t.Errorf("Muxer opened with extradata %x", sink.streams[0].Extradata)
	}
	if n := len(sink.Packets(0)); n != 5 {
		t.Errorf("Expected 5 packets, got %d", n)
	}
}

// lookaheadEncoder holds back depth frames before the first packet, like an
// encoder with B-frame lookahead.
type lookaheadEncoder struct {
	tb       Rational
	depth    int
	pending  []*Packet
	draining bool
}

func (e *lookaheadEncoder) SendFrame(f *Frame) error {
	if f == nil {
		e.draining = true
		return nil
	}
	e.pending = append(e.pending, &Packet{PTS: f.PTS, DTS: f.PTS, Duration: f.Duration, Key: true, Data: []byte{0, 0, 0, 1, 0x65}})
	return nil
}

func (e *lookaheadEncoder) ReceivePacket() (*Packet, error) {
	if len(e.pending) > e.depth || (e.draining && len(e.pending) > 0) {
		pkt := e.pending[0]
		e.pending = e.pending[1:]
		return pkt, nil
	}
	if e.draining {
		return nil, ErrEndOfStream
	}
	return nil, ErrNeedMoreInput
}

func (e *lookaheadEncoder) TimeBase() Rational { return e.tb }
func (e *lookaheadEncoder) Close() error       { return nil }

// A stream that runs far ahead of the other must end the job, either by
// writing it or by a TimestampOrderingError, never by blocking forever.
func TestPipeline_UnevenStreamsFinish(t *testing.T) {
	t.Run("audio before video", func(t *testing.T) {
		audio := pcmStream(8000, ChannelLayoutMono)
		video := rawVideoStream(32, 24, 10)
		video.Index = 1
		src := &memSource{
			name:    "uneven",
			streams: []StreamDescriptor{audio, video},
			packets: append(audioPackets(0, audio, 100, 160), videoPackets(1, video, 20)...),
		}
		res, err := runJob(t, testRegistry(), Job{
			Source: src,
			Sink:   &memSink{},
			Config: JobConfig{Streams: []StreamConfig{
				{Type: MediaTypeAudio, Codec: "pcm_s16le", SampleRate: 16000},
				{Type: MediaTypeVideo},
			}},
		})
		if !errors.Is(err, TimestampOrderingError) {
			t.Fatalf("Expected TimestampOrderingError, got %v", err)
		}
		if res.State != JobFailed {
			t.Errorf("Expected failed, got %s", res.State)
		}
		if res.Mux.Forced == 0 {
			t.Error("Expected the audio stream to be forced past the idle video stream")
		}
	})

	t.Run("encoder lookahead beyond the window", func(t *testing.T) {
		for _, depth := range []int{5, 20, 40} {
			reg := testRegistry()
			reg.RegisterEncoder(CodecH264, ProviderBuiltin, func(out StreamDescriptor) (Encoder, error) {
				return &lookaheadEncoder{tb: out.TimeBase, depth: depth}, nil
			})
			res, err := runJob(t, reg, Job{
				Source: TestSource(shortTestSource(2 * time.Second)),
				Sink:   &memSink{},
				Config: JobConfig{
					Streams: []StreamConfig{
						{Type: MediaTypeVideo, Codec: "h264"},
						{Type: MediaTypeAudio},
					},
					ReorderWindow: 500 * time.Millisecond,
				},
			})
			switch {
			case err == nil:
				if res.State != JobCompleted {
					t.Errorf("depth %d: expected completed, got %s", depth, res.State)
				}
				if n := res.Streams[0].PacketsWritten; n != 60 {
					t.Errorf("depth %d: expected 60 video packets, got %d", depth, n)
				}
			case errors.Is(err, TimestampOrderingError):
				if res.State != JobFailed {
					t.Errorf("depth %d: expected failed, got %s", depth, res.State)
				}
			default:
				t.Errorf("depth %d: unexpected error %v", depth, err)
			}
		}
	})
}
