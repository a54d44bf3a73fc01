package transcode

import (
	"encoding/binary"
	"math"
	"testing"
)

func toneSamples(b []byte) []int16 {
	out := make([]int16, len(b)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return out
}

func TestToneGenerator_AllPatterns(t *testing.T) {
	patterns := []AudioPatternType{
		AudioPatternSilence,
		AudioPatternSineWave,
		AudioPatternSquareWave,
		AudioPatternWhiteNoise,
		AudioPatternSweep,
	}
	for _, pattern := range patterns {
		t.Run(pattern.String(), func(t *testing.T) {
			g := newToneGenerator(48000, 2, pattern, 440, 0.5)
			out := g.Generate(480)
			if len(out) != 480*2*2 {
				t.Fatalf("Expected %d bytes, got %d", 480*4, len(out))
			}
			s := toneSamples(out)
			for i := 0; i < len(s); i += 2 {
				if s[i] != s[i+1] {
					t.Fatalf("sample %d differs between channels: %d/%d", i/2, s[i], s[i+1])
				}
				if s[i] > 16384 || s[i] < -16384 {
					t.Fatalf("sample %d = %d exceeds the amplitude", i/2, s[i])
				}
			}
		})
	}
}

func TestToneGenerator_Silence(t *testing.T) {
	g := newToneGenerator(8000, 1, AudioPatternSilence, 440, 1)
	for i, v := range toneSamples(g.Generate(160)) {
		if v != 0 {
			t.Fatalf("sample %d = %d, want 0", i, v)
		}
	}
}

func TestToneGenerator_SineWave(t *testing.T) {
	const rate = 48000
	g := newToneGenerator(rate, 1, AudioPatternSineWave, 1000, 0.5)
	// Split generation must continue the phase.
	s := append(toneSamples(g.Generate(100)), toneSamples(g.Generate(380))...)

	var crossings int
	for i := 1; i < len(s); i++ {
		if s[i-1] < 0 && s[i] >= 0 {
			crossings++
		}
	}
	// 480 samples at 48kHz is 10 cycles of 1kHz.
	if crossings < 9 || crossings > 10 {
		t.Errorf("Expected ~10 rising zero crossings, got %d", crossings)
	}
	for i, v := range s {
		want := 0.5 * 32767 * math.Sin(2*math.Pi*1000*float64(i)/rate)
		if math.Abs(float64(v)-want) > 2 {
			t.Fatalf("sample %d = %d, want %.0f", i, v, want)
		}
	}
}

func TestToneGenerator_WhiteNoise(t *testing.T) {
	g := newToneGenerator(8000, 1, AudioPatternWhiteNoise, 0, 1)
	s := toneSamples(g.Generate(8000))
	var sum float64
	distinct := map[int16]bool{}
	for _, v := range s {
		sum += float64(v)
		distinct[v] = true
	}
	if mean := sum / float64(len(s)); math.Abs(mean) > 2000 {
		t.Errorf("Noise mean %.0f, expected near zero", mean)
	}
	if len(distinct) < 1000 {
		t.Errorf("Only %d distinct values in noise", len(distinct))
	}
}

func TestAudioPatternType_String(t *testing.T) {
	tests := []struct {
		pattern AudioPatternType
		want    string
	}{
		{AudioPatternSilence, "Silence"},
		{AudioPatternSineWave, "SineWave"},
		{AudioPatternSquareWave, "SquareWave"},
		{AudioPatternWhiteNoise, "WhiteNoise"},
		{AudioPatternSweep, "Sweep"},
		{AudioPatternType(99), "Unknown"},
	}
	for _, tt := range tests {
		if got := tt.pattern.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}

	var p AudioPatternType
	if err := p.UnmarshalText([]byte("noise")); err != nil || p != AudioPatternWhiteNoise {
		t.Errorf("Expected noise to parse as WhiteNoise, got %s (%v)", p, err)
	}
	if err := p.UnmarshalText([]byte("pink")); err == nil {
		t.Error("Expected error for unknown pattern")
	}
}
