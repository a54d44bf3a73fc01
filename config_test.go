package transcode

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hashicorp/go-multierror"
)

const testJobYAML = `
outputContainer: .WAV
onPacketCorruption: abort
onStreamFailure: dropStream
onCancel: keepPartial
reorderWindow: 250ms
streams:
  - type: audio
    codec: pcm_f32le
    sampleRate: 16000
    channelLayout: mono
  - type: video
    sourceIndex: 2
    width: 320
    height: 180
    frameRate: 30000/1001
    scaleMode: stretch
`

func TestLoadJobConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "job.yaml")
	if err := os.WriteFile(path, []byte(testJobYAML), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadJobConfig(path)
	if err != nil {
		t.Fatalf("LoadJobConfig: %v", err)
	}

	if cfg.OutputContainer != "wav" {
		t.Errorf("OutputContainer = %q, want wav", cfg.OutputContainer)
	}
	if cfg.OnPacketCorruption != CorruptionAbort {
		t.Errorf("OnPacketCorruption = %s", cfg.OnPacketCorruption)
	}
	if cfg.OnStreamFailure != DropStream {
		t.Errorf("OnStreamFailure = %s", cfg.OnStreamFailure)
	}
	if cfg.OnCancel != KeepPartial || cfg.OnFailure != DiscardOutput {
		t.Errorf("OnCancel/OnFailure = %s/%s", cfg.OnCancel, cfg.OnFailure)
	}
	if cfg.ReorderWindow != 250*time.Millisecond {
		t.Errorf("ReorderWindow = %v", cfg.ReorderWindow)
	}
	if cfg.ChannelBuffer != DefaultChannelBuffer {
		t.Errorf("Expected default channel buffer, got %d", cfg.ChannelBuffer)
	}
	if len(cfg.Streams) != 2 {
		t.Fatalf("Expected 2 streams, got %d", len(cfg.Streams))
	}

	a := cfg.Streams[0]
	if a.Type != MediaTypeAudio || a.Codec != "pcm_f32le" || a.SampleRate != 16000 || a.Layout != ChannelLayoutMono {
		t.Errorf("Unexpected audio stream %+v", a)
	}
	v := cfg.Streams[1]
	if v.SourceIndex == nil || *v.SourceIndex != 2 {
		t.Errorf("Expected sourceIndex 2, got %v", v.SourceIndex)
	}
	if v.FrameRate != (Rational{30000, 1001}) {
		t.Errorf("FrameRate = %s", v.FrameRate)
	}
	if v.ScaleMode != ScaleModeStretch {
		t.Errorf("ScaleMode = %s", v.ScaleMode)
	}
}

func TestLoadJobConfig_MissingFile(t *testing.T) {
	_, err := LoadJobConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Expected ErrNotExist, got %v", err)
	}
}

func TestDecodeJobConfig_Defaults(t *testing.T) {
	cfg, err := DecodeJobConfig(map[string]any{})
	if err != nil {
		t.Fatalf("DecodeJobConfig: %v", err)
	}
	if cfg.ReorderWindow != DefaultReorderWindow {
		t.Errorf("ReorderWindow = %v, want %v", cfg.ReorderWindow, DefaultReorderWindow)
	}
	if cfg.OnPacketCorruption != CorruptionSkip || cfg.OnStreamFailure != AbortJob {
		t.Errorf("Unexpected policy defaults %s/%s", cfg.OnPacketCorruption, cfg.OnStreamFailure)
	}
	if cfg.OnCancel != DiscardOutput || cfg.OnFailure != DiscardOutput {
		t.Errorf("Unexpected output policy defaults %s/%s", cfg.OnCancel, cfg.OnFailure)
	}
}

func TestDecodeJobConfig_Errors(t *testing.T) {
	tests := []struct {
		name  string
		input map[string]any
		want  string
	}{
		{"unknown key", map[string]any{"reorder": "1s"}, "reorder"},
		{"bad policy", map[string]any{"onStreamFailure": "retry"}, "unknown stream failure policy"},
		{"bad duration", map[string]any{"reorderWindow": "soon"}, "reorderWindow"},
		{"bad codec", map[string]any{"streams": []any{map[string]any{"type": "audio", "codec": "wma"}}}, "wma"},
		{"bad layout", map[string]any{"streams": []any{map[string]any{"type": "audio", "channelLayout": "quad"}}}, "channel layout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeJobConfig(tt.input)
			if err == nil {
				t.Fatal("Expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Expected error mentioning %q, got %v", tt.want, err)
			}
		})
	}
}

func TestJobConfig_ValidateReportsAllProblems(t *testing.T) {
	cfg := JobConfig{
		ReorderWindow: -time.Second,
		Streams: []StreamConfig{
			{Type: MediaTypeVideo, Codec: "pcm_s16le", Width: 321},
			{Type: MediaTypeAudio, SampleRate: -1},
		},
	}
	err := cfg.Validate()
	var merr *multierror.Error
	if !errors.As(err, &merr) {
		t.Fatalf("Expected *multierror.Error, got %T: %v", err, err)
	}
	if len(merr.Errors) != 3 {
		t.Errorf("Expected 3 problems, got %d: %v", len(merr.Errors), err)
	}
	for _, want := range []string{"reorderWindow", "not a video codec", "321x0", "sampleRate"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("Expected %q in %v", want, err)
		}
	}

	ok := JobConfig{Streams: []StreamConfig{{Type: MediaTypeAudio, Codec: CodecCopy}}}
	if err := ok.Validate(); err != nil {
		t.Errorf("Expected valid config, got %v", err)
	}
}

func TestParseTestSource(t *testing.T) {
	cfg, err := ParseTestSource("testsrc:duration=2s,width=320,height=240,no_audio=true,pattern=gradient")
	if err != nil {
		t.Fatalf("ParseTestSource: %v", err)
	}
	if cfg.Duration != 2*time.Second || cfg.Width != 320 || cfg.Height != 240 {
		t.Errorf("Unexpected video config %+v", cfg)
	}
	if !cfg.NoAudio {
		t.Error("Expected no_audio to be set")
	}
	if cfg.Pattern != PatternGradient {
		t.Errorf("Pattern = %s", cfg.Pattern)
	}
	if cfg.FPS != 30 || cfg.SampleRate != 44100 {
		t.Errorf("Expected defaults for unset options, got fps=%d rate=%d", cfg.FPS, cfg.SampleRate)
	}

	for _, bad := range []string{"testsrc:width", "testsrc:colour=red", "testsrc:fps=fast"} {
		if _, err := ParseTestSource(bad); err == nil {
			t.Errorf("ParseTestSource(%q): expected error", bad)
		}
	}
}
