package transcode

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"
)

// TestSourceConfig configures a synthetic source: rawvideo I420 frames and
// S16LE audio of a fixed duration.
type TestSourceConfig struct {
	Duration time.Duration `mapstructure:"duration"`

	NoVideo bool        `mapstructure:"no_video"`
	Width   int         `mapstructure:"width"`
	Height  int         `mapstructure:"height"`
	FPS     int         `mapstructure:"fps"`
	Pattern PatternType `mapstructure:"pattern"`

	NoAudio      bool             `mapstructure:"no_audio"`
	SampleRate   int              `mapstructure:"sample_rate"`
	Channels     int              `mapstructure:"channels"`
	FrameSize    int              `mapstructure:"frame_size"` // Samples per packet
	AudioPattern AudioPatternType `mapstructure:"audio_pattern"`
	Frequency    float64          `mapstructure:"frequency"`
	Amplitude    float64          `mapstructure:"amplitude"`

	// Realtime paces packets at their presentation time.
	Realtime bool `mapstructure:"realtime"`
}

// DefaultTestSourceConfig returns 5 seconds of 640x360 color bars at 30fps
// and a 440Hz stereo tone at 44.1kHz.
func DefaultTestSourceConfig() TestSourceConfig {
	return TestSourceConfig{
		Duration:     5 * time.Second,
		Width:        640,
		Height:       360,
		FPS:          30,
		Pattern:      PatternColorBars,
		SampleRate:   44100,
		Channels:     2,
		FrameSize:    1024,
		AudioPattern: AudioPatternSineWave,
		Frequency:    440,
		Amplitude:    0.5,
	}
}

func (c *TestSourceConfig) applyDefaults() {
	d := DefaultTestSourceConfig()
	if c.Duration <= 0 {
		c.Duration = d.Duration
	}
	if c.Width <= 0 {
		c.Width = d.Width
	}
	if c.Height <= 0 {
		c.Height = d.Height
	}
	if c.FPS <= 0 {
		c.FPS = d.FPS
	}
	if c.SampleRate <= 0 {
		c.SampleRate = d.SampleRate
	}
	if c.Channels <= 0 {
		c.Channels = d.Channels
	}
	if c.FrameSize <= 0 {
		c.FrameSize = d.FrameSize
	}
	if c.Frequency <= 0 {
		c.Frequency = d.Frequency
	}
	if c.Amplitude <= 0 {
		c.Amplitude = d.Amplitude
	}
}

// testSource is a Source that produces packets itself.
type testSource struct {
	cfg TestSourceConfig
}

// TestSource returns a synthetic Source. Its video stream (if any) comes
// first, then audio.
func TestSource(cfg TestSourceConfig) Source {
	cfg.applyDefaults()
	return &testSource{cfg: cfg}
}

func (s *testSource) Name() string { return "testsrc" }

func (s *testSource) Read(p []byte) (int, error) { return 0, io.EOF }

func (s *testSource) Close() error { return nil }

func (s *testSource) OpenDemuxer() (Demuxer, error) {
	if s.cfg.NoVideo && s.cfg.NoAudio {
		return nil, fmt.Errorf("testsrc: no streams enabled")
	}
	return newTestDemuxer(s.cfg), nil
}

// IsTestSourceName reports whether name selects the synthetic source, either
// "testsrc" alone or with options such as "testsrc:duration=2s".
func IsTestSourceName(name string) bool {
	return name == "testsrc" || strings.HasPrefix(name, "testsrc:")
}

type testDemuxer struct {
	cfg     TestSourceConfig
	streams []StreamDescriptor
	video   int // Stream index, -1 if absent
	audio   int

	pattern *patternGenerator
	tone    *toneGenerator

	frames    int64 // Total video frames
	samples   int64 // Total audio samples
	nextFrame int64
	nextAudio int64 // Next sample position
	start     time.Time
}

func newTestDemuxer(cfg TestSourceConfig) *testDemuxer {
	d := &testDemuxer{cfg: cfg, video: -1, audio: -1}
	if !cfg.NoVideo {
		rate := Rational{int64(cfg.FPS), 1}
		d.frames = FromDuration(cfg.Duration, rate.Invert())
		d.video = len(d.streams)
		d.streams = append(d.streams, StreamDescriptor{
			Type:        MediaTypeVideo,
			Codec:       CodecRawVideo,
			TimeBase:    rate.Invert(),
			Duration:    d.frames,
			Width:       cfg.Width,
			Height:      cfg.Height,
			PixelFormat: PixelFormatI420,
			FrameRate:   rate,
		})
		d.pattern = newPatternGenerator(cfg.Width, cfg.Height, cfg.Pattern)
	}
	if !cfg.NoAudio {
		tb := Rational{1, int64(cfg.SampleRate)}
		d.samples = FromDuration(cfg.Duration, tb)
		d.audio = len(d.streams)
		d.streams = append(d.streams, StreamDescriptor{
			Type:         MediaTypeAudio,
			Codec:        CodecPCMS16LE,
			TimeBase:     tb,
			Duration:     d.samples,
			SampleRate:   cfg.SampleRate,
			Layout:       ChannelLayout(cfg.Channels),
			SampleFormat: SampleFormatS16,
			FrameSize:    cfg.FrameSize,
		})
		d.tone = newToneGenerator(cfg.SampleRate, cfg.Channels, cfg.AudioPattern, cfg.Frequency, cfg.Amplitude)
	}
	return d
}

func (d *testDemuxer) Streams() []StreamDescriptor {
	out := make([]StreamDescriptor, len(d.streams))
	copy(out, d.streams)
	return out
}

// ReadPacket returns whichever stream is due next in presentation order.
func (d *testDemuxer) ReadPacket(ctx context.Context) (*Packet, error) {
	videoLeft := d.video >= 0 && d.nextFrame < d.frames
	audioLeft := d.audio >= 0 && d.nextAudio < d.samples
	if !videoLeft && !audioLeft {
		return nil, io.EOF
	}

	var (
		vt = time.Duration(1<<63 - 1)
		at = vt
	)
	if videoLeft {
		vt = ToDuration(d.nextFrame, d.streams[d.video].TimeBase)
	}
	if audioLeft {
		at = ToDuration(d.nextAudio, d.streams[d.audio].TimeBase)
	}
	due := min(vt, at)
	if err := d.pace(ctx, due); err != nil {
		return nil, err
	}

	if videoLeft && vt <= at {
		pkt := &Packet{
			StreamIndex: d.video,
			PTS:         d.nextFrame,
			DTS:         d.nextFrame,
			Duration:    1,
			Key:         true,
			Data:        d.pattern.Frame(uint64(d.nextFrame)),
		}
		d.nextFrame++
		return pkt, nil
	}
	n := min(int64(d.cfg.FrameSize), d.samples-d.nextAudio)
	pkt := &Packet{
		StreamIndex: d.audio,
		PTS:         d.nextAudio,
		DTS:         d.nextAudio,
		Duration:    n,
		Key:         true,
		Data:        d.tone.Generate(int(n)),
	}
	d.nextAudio += n
	return pkt, nil
}

func (d *testDemuxer) pace(ctx context.Context, due time.Duration) error {
	if !d.cfg.Realtime {
		return nil
	}
	if d.start.IsZero() {
		d.start = time.Now()
	}
	wait := time.Until(d.start.Add(due))
	if wait <= 0 {
		return nil
	}
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Seek positions every stream at ts of the given stream. Generated content
// restarts from the seek point.
func (d *testDemuxer) Seek(ctx context.Context, stream int, ts int64) error {
	if stream < 0 || stream >= len(d.streams) {
		return fmt.Errorf("testsrc: no stream %d", stream)
	}
	at := ToDuration(max(ts, 0), d.streams[stream].TimeBase)
	if d.video >= 0 {
		d.nextFrame = min(FromDuration(at, d.streams[d.video].TimeBase), d.frames)
	}
	if d.audio >= 0 {
		d.nextAudio = min(FromDuration(at, d.streams[d.audio].TimeBase), d.samples)
	}
	d.start = time.Time{}
	return nil
}

func (d *testDemuxer) Close() error { return nil }
