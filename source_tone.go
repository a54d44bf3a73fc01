package transcode

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"time"
)

// AudioPatternType defines the type of audio test pattern.
type AudioPatternType int

const (
	AudioPatternSilence    AudioPatternType = iota // Silence
	AudioPatternSineWave                           // Sine wave tone
	AudioPatternSquareWave                         // Square wave tone
	AudioPatternWhiteNoise                         // White noise
	AudioPatternSweep                              // Frequency sweep
)

func (p AudioPatternType) String() string {
	switch p {
	case AudioPatternSilence:
		return "Silence"
	case AudioPatternSineWave:
		return "SineWave"
	case AudioPatternSquareWave:
		return "SquareWave"
	case AudioPatternWhiteNoise:
		return "WhiteNoise"
	case AudioPatternSweep:
		return "Sweep"
	default:
		return "Unknown"
	}
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *AudioPatternType) UnmarshalText(b []byte) error {
	switch strings.ToLower(string(b)) {
	case "silence":
		*p = AudioPatternSilence
	case "sine", "sinewave", "":
		*p = AudioPatternSineWave
	case "square", "squarewave":
		*p = AudioPatternSquareWave
	case "noise", "whitenoise":
		*p = AudioPatternWhiteNoise
	case "sweep":
		*p = AudioPatternSweep
	default:
		return fmt.Errorf("unknown audio pattern %q", b)
	}
	return nil
}

// toneGenerator produces interleaved S16LE samples.
type toneGenerator struct {
	sampleRate int
	channels   int
	pattern    AudioPatternType
	frequency  float64
	amplitude  float64

	sweepStartHz, sweepEndHz float64
	sweepDuration            time.Duration

	phase       float64
	sampleCount uint64
	rngState    uint64
}

func newToneGenerator(sampleRate, channels int, pattern AudioPatternType, frequency, amplitude float64) *toneGenerator {
	return &toneGenerator{
		sampleRate:    sampleRate,
		channels:      channels,
		pattern:       pattern,
		frequency:     frequency,
		amplitude:     amplitude,
		sweepStartHz:  200,
		sweepEndHz:    2000,
		sweepDuration: 2 * time.Second,
		rngState:      0x2545F4914F6CDD1D,
	}
}

// Generate returns n sample frames.
func (g *toneGenerator) Generate(n int) []byte {
	out := make([]byte, n*g.channels*2)
	amplitude := g.amplitude * 32767.0
	idx := 0
	for i := 0; i < n; i++ {
		var v float64
		switch g.pattern {
		case AudioPatternSineWave:
			v = math.Sin(g.advance(g.frequency))
		case AudioPatternSquareWave:
			v = -1
			if math.Sin(g.advance(g.frequency)) >= 0 {
				v = 1
			}
		case AudioPatternWhiteNoise:
			// xorshift64
			g.rngState ^= g.rngState << 13
			g.rngState ^= g.rngState >> 7
			g.rngState ^= g.rngState << 17
			v = (float64(g.rngState)/float64(^uint64(0)))*2.0 - 1.0
		case AudioPatternSweep:
			v = math.Sin(g.advance(g.sweepFrequency()))
		}
		sample := int16(amplitude * v)
		for c := 0; c < g.channels; c++ {
			binary.LittleEndian.PutUint16(out[idx:], uint16(sample))
			idx += 2
		}
		g.sampleCount++
	}
	return out
}

// advance returns the current phase and steps it by one sample of freq.
func (g *toneGenerator) advance(freq float64) float64 {
	p := g.phase
	g.phase += 2.0 * math.Pi * freq / float64(g.sampleRate)
	if g.phase > 2*math.Pi {
		g.phase -= 2 * math.Pi
	}
	return p
}

// sweepFrequency is a logarithmic sweep that restarts every sweepDuration.
func (g *toneGenerator) sweepFrequency() float64 {
	sweepSamples := float64(g.sampleRate) * g.sweepDuration.Seconds()
	progress := math.Mod(float64(g.sampleCount), sweepSamples) / sweepSamples
	logStart := math.Log(g.sweepStartHz)
	logEnd := math.Log(g.sweepEndHz)
	return math.Exp(logStart + progress*(logEnd-logStart))
}
