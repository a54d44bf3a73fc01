package transcode

import (
	"bytes"
	"encoding"
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

// DefaultReorderWindow is the mux reorder window used when none is configured.
const DefaultReorderWindow = 500 * time.Millisecond

// DefaultChannelBuffer is the number of packets queued per stream worker.
const DefaultChannelBuffer = 8

// CodecCopy as a stream codec copies packets without decoding.
const CodecCopy = "copy"

// CorruptionPolicy decides what happens to a corrupt packet.
type CorruptionPolicy int

const (
	CorruptionSkip  CorruptionPolicy = iota // Log, count and continue
	CorruptionAbort                         // Fail the job with a ReadError
)

func (p CorruptionPolicy) String() string {
	if p == CorruptionAbort {
		return "abort"
	}
	return "skip"
}

// MarshalText implements encoding.TextMarshaler.
func (p CorruptionPolicy) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *CorruptionPolicy) UnmarshalText(b []byte) error {
	switch strings.ToLower(string(b)) {
	case "skip", "":
		*p = CorruptionSkip
	case "abort", "abortjob":
		*p = CorruptionAbort
	default:
		return fmt.Errorf("unknown corruption policy %q", b)
	}
	return nil
}

// StreamFailurePolicy decides whether a failing stream fails the whole job.
type StreamFailurePolicy int

const (
	AbortJob   StreamFailurePolicy = iota // Any stream failure fails the job
	DropStream                            // End the failing stream, keep the others
)

func (p StreamFailurePolicy) String() string {
	if p == DropStream {
		return "dropStream"
	}
	return "abortJob"
}

// MarshalText implements encoding.TextMarshaler.
func (p StreamFailurePolicy) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *StreamFailurePolicy) UnmarshalText(b []byte) error {
	switch strings.ToLower(string(b)) {
	case "abortjob", "abort", "":
		*p = AbortJob
	case "dropstream", "drop":
		*p = DropStream
	default:
		return fmt.Errorf("unknown stream failure policy %q", b)
	}
	return nil
}

// OutputPolicy decides what is left in the sink when a job does not complete.
type OutputPolicy int

const (
	DiscardOutput OutputPolicy = iota // Remove partial output when the sink supports it
	KeepPartial                       // Finalize what was written so far
)

func (p OutputPolicy) String() string {
	if p == KeepPartial {
		return "keepPartial"
	}
	return "discardOutput"
}

// MarshalText implements encoding.TextMarshaler.
func (p OutputPolicy) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *OutputPolicy) UnmarshalText(b []byte) error {
	switch strings.ToLower(string(b)) {
	case "discardoutput", "discard", "":
		*p = DiscardOutput
	case "keeppartial", "keep":
		*p = KeepPartial
	default:
		return fmt.Errorf("unknown output policy %q", b)
	}
	return nil
}

// StreamConfig describes one requested output stream. Zero values inherit
// from the mapped input stream.
type StreamConfig struct {
	Type MediaType `mapstructure:"type" yaml:"type"`

	// Codec is a codec name, or "copy" to pass packets through untouched.
	// Empty keeps the input codec when it can be carried, re-encoding
	// otherwise.
	Codec string `mapstructure:"codec" yaml:"codec"`

	// SourceIndex selects the input stream. Nil picks the first unused input
	// stream of the same type.
	SourceIndex *int `mapstructure:"sourceIndex" yaml:"sourceIndex,omitempty"`

	Provider   Provider `mapstructure:"provider" yaml:"provider,omitempty"`
	BitrateBps int      `mapstructure:"bitrate" yaml:"bitrate,omitempty"`
	GOPSize    int      `mapstructure:"gopSize" yaml:"gopSize,omitempty"`
	Quality    int      `mapstructure:"quality" yaml:"quality,omitempty"`

	// Audio
	SampleRate   int           `mapstructure:"sampleRate" yaml:"sampleRate,omitempty"`
	Layout       ChannelLayout `mapstructure:"channelLayout" yaml:"channelLayout,omitempty"`
	SampleFormat SampleFormat  `mapstructure:"sampleFormat" yaml:"sampleFormat,omitempty"`
	FrameSize    int           `mapstructure:"frameSize" yaml:"frameSize,omitempty"`

	// Video
	Width       int         `mapstructure:"width" yaml:"width,omitempty"`
	Height      int         `mapstructure:"height" yaml:"height,omitempty"`
	PixelFormat PixelFormat `mapstructure:"pixelFormat" yaml:"pixelFormat,omitempty"`
	FrameRate   Rational    `mapstructure:"frameRate" yaml:"frameRate,omitempty"`
	ScaleMode   ScaleMode   `mapstructure:"scaleMode" yaml:"scaleMode,omitempty"`
}

// JobConfig is the target configuration of a job.
type JobConfig struct {
	// OutputContainer names the output format. Empty derives it from the
	// sink name.
	OutputContainer string `mapstructure:"outputContainer" yaml:"outputContainer"`

	// Streams lists the output streams. Empty maps every input stream with
	// its codec kept.
	Streams []StreamConfig `mapstructure:"streams" yaml:"streams"`

	OnPacketCorruption CorruptionPolicy    `mapstructure:"onPacketCorruption" yaml:"onPacketCorruption"`
	OnStreamFailure    StreamFailurePolicy `mapstructure:"onStreamFailure" yaml:"onStreamFailure"`
	ReorderWindow      time.Duration       `mapstructure:"reorderWindow" yaml:"reorderWindow"`
	OnCancel           OutputPolicy        `mapstructure:"onCancel" yaml:"onCancel"`
	OnFailure          OutputPolicy        `mapstructure:"onFailure" yaml:"onFailure"`

	// ChannelBuffer is the number of packets queued for each stream worker.
	ChannelBuffer int `mapstructure:"channelBuffer" yaml:"channelBuffer,omitempty"`
}

// applyDefaults fills unset fields with their defaults.
func (c *JobConfig) applyDefaults() {
	if c.ReorderWindow <= 0 {
		c.ReorderWindow = DefaultReorderWindow
	}
	if c.ChannelBuffer <= 0 {
		c.ChannelBuffer = DefaultChannelBuffer
	}
	c.OutputContainer = strings.ToLower(strings.TrimPrefix(c.OutputContainer, "."))
}

// Validate checks the configuration for contradictions that do not depend on
// the input. All problems are reported together.
func (c *JobConfig) Validate() error {
	var result *multierror.Error
	if c.ReorderWindow < 0 {
		result = multierror.Append(result, fmt.Errorf("reorderWindow must not be negative"))
	}
	if c.ChannelBuffer < 0 {
		result = multierror.Append(result, fmt.Errorf("channelBuffer must not be negative"))
	}
	for i, s := range c.Streams {
		if err := s.validate(); err != nil {
			result = multierror.Append(result, fmt.Errorf("streams[%d]: %w", i, err))
		}
	}
	return result.ErrorOrNil()
}

func (s *StreamConfig) validate() error {
	var result *multierror.Error
	if s.Type != MediaTypeAudio && s.Type != MediaTypeVideo && s.Type != MediaTypeSubtitle && s.Type != MediaTypeData {
		result = multierror.Append(result, errors.New("type must be audio, video, subtitle or data"))
	}
	if s.Codec != "" && s.Codec != CodecCopy {
		codec, err := ParseCodec(s.Codec)
		if err != nil {
			result = multierror.Append(result, err)
		} else if codec.Type() != s.Type {
			result = multierror.Append(result, fmt.Errorf("codec %s is not a %s codec", codec, s.Type))
		}
	}
	if s.SourceIndex != nil && *s.SourceIndex < 0 {
		result = multierror.Append(result, errors.New("sourceIndex must not be negative"))
	}
	for name, v := range map[string]int{
		"bitrate": s.BitrateBps, "sampleRate": s.SampleRate, "width": s.Width,
		"height": s.Height, "gopSize": s.GOPSize, "frameSize": s.FrameSize,
	} {
		if v < 0 {
			result = multierror.Append(result, fmt.Errorf("%s must not be negative", name))
		}
	}
	if s.Width%2 != 0 || s.Height%2 != 0 {
		result = multierror.Append(result, fmt.Errorf("dimensions %dx%d must be even", s.Width, s.Height))
	}
	if s.FrameRate.Num < 0 || s.FrameRate.Den < 0 {
		result = multierror.Append(result, errors.New("frameRate must be positive"))
	}
	return result.ErrorOrNil()
}

// DecodeJobConfig decodes a generic map, as produced by JSON or YAML
// decoders, into a JobConfig. Unknown keys are rejected. Durations accept
// strings such as "250ms"; enums accept their names.
func DecodeJobConfig(input map[string]any) (JobConfig, error) {
	var cfg JobConfig
	if err := decodeStrict(input, &cfg); err != nil {
		return JobConfig{}, fmt.Errorf("decode job config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return JobConfig{}, err
	}
	return cfg, nil
}

// LoadJobConfig reads a YAML job configuration from path.
func LoadJobConfig(path string) (JobConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return JobConfig{}, fmt.Errorf("read config file: %w", err)
	}
	var raw map[string]any
	if err := yaml.NewDecoder(bytes.NewReader(data)).Decode(&raw); err != nil {
		return JobConfig{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return DecodeJobConfig(raw)
}

// ParseTestSource builds a TestSourceConfig from a name such as
// "testsrc:duration=2s,width=320,no_audio=true".
func ParseTestSource(name string) (TestSourceConfig, error) {
	cfg := DefaultTestSourceConfig()
	_, opts, _ := strings.Cut(name, ":")
	if opts == "" {
		return cfg, nil
	}
	raw := make(map[string]any)
	for _, kv := range strings.Split(opts, ",") {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			return cfg, fmt.Errorf("testsrc option %q: missing '='", kv)
		}
		raw[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	if err := decodeStrict(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("testsrc options: %w", err)
	}
	return cfg, nil
}

func decodeStrict(input any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			textUnmarshalerHook,
		),
		ErrorUnused:      true,
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	return dec.Decode(input)
}

var textUnmarshalerType = reflect.TypeOf((*encoding.TextUnmarshaler)(nil)).Elem()

// textUnmarshalerHook decodes scalars into types implementing
// encoding.TextUnmarshaler (codecs, layouts, policies, frame rates).
func textUnmarshalerHook(from reflect.Type, to reflect.Type, data any) (any, error) {
	if !reflect.PointerTo(to).Implements(textUnmarshalerType) {
		return data, nil
	}
	var text string
	switch from.Kind() {
	case reflect.String:
		text = reflect.ValueOf(data).String()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		text = fmt.Sprint(data)
	default:
		return data, nil
	}
	v := reflect.New(to)
	if err := v.Interface().(encoding.TextUnmarshaler).UnmarshalText([]byte(text)); err != nil {
		return nil, err
	}
	return v.Elem().Interface(), nil
}
