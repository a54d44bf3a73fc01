package transcode

import (
	"errors"
	"testing"
)

func TestProvider_Metadata(t *testing.T) {
	tests := []struct {
		provider Provider
		name     string
		license  License
		encode   bool
		decode   bool
	}{
		{ProviderAuto, "auto", LicenseBSD, false, false},
		{ProviderBuiltin, "builtin", LicenseBSD, true, true},
		{ProviderLibopus, "libopus", LicenseBSD, true, true},
		{ProviderLibav, "libav", LicenseLGPL, false, true},
		{ProviderX264, "x264", LicenseGPL, true, false},
		{ProviderOpenH264, "openh264", LicenseBSD, false, true},
		{Provider(200), "unknown", LicenseGPL, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.provider.String(); got != tt.name {
				t.Errorf("Expected name %q, got %q", tt.name, got)
			}
			if got := tt.provider.License(); got != tt.license {
				t.Errorf("Expected license %s, got %s", tt.license, got)
			}
			if tt.provider.CanEncode() != tt.encode || tt.provider.CanDecode() != tt.decode {
				t.Errorf("Expected encode=%v decode=%v", tt.encode, tt.decode)
			}
		})
	}

	if !ProviderBuiltin.Available() {
		t.Error("Expected builtin provider to be available")
	}
	if Provider(200).Available() {
		t.Error("Expected unknown provider to be unavailable")
	}
	if !ProviderLibav.Features().Has(FeatureReorder | FeatureNative) {
		t.Error("Expected libav to reorder frames")
	}
	if !ProviderLibav.preferred(ProviderBuiltin) || ProviderBuiltin.preferred(ProviderLibopus) {
		t.Error("Expected native providers to win over builtin")
	}
}

func TestProvider_UnmarshalText(t *testing.T) {
	var p Provider
	if err := p.UnmarshalText([]byte("OpenH264")); err != nil || p != ProviderOpenH264 {
		t.Errorf("Expected openh264, got %s (%v)", p, err)
	}
	if err := p.UnmarshalText(nil); err != nil || p != ProviderAuto {
		t.Errorf("Expected auto for empty text, got %s (%v)", p, err)
	}
	if err := p.UnmarshalText([]byte("nvenc")); err == nil {
		t.Error("Expected error for unknown provider")
	}
}

func TestRegistry_ResolvesProviders(t *testing.T) {
	r := NewRegistry()
	desc := StreamDescriptor{Type: MediaTypeVideo, Codec: CodecVP8}
	unavailable := Provider(200)

	if r.HasEncoder(CodecVP8) {
		t.Error("Expected no VP8 encoder in an empty registry")
	}
	if _, _, err := r.NewEncoder(desc, ProviderAuto); !errors.Is(err, ErrCodecNotSupported) {
		t.Errorf("Expected ErrCodecNotSupported, got %v", err)
	}

	var built []Provider
	factory := func(p Provider) EncoderFactory {
		return func(StreamDescriptor) (Encoder, error) {
			built = append(built, p)
			return nil, errors.New("not implemented")
		}
	}
	r.RegisterEncoder(CodecVP8, ProviderBuiltin, factory(ProviderBuiltin))
	r.RegisterEncoder(CodecVP8, unavailable, factory(unavailable))

	if !r.HasEncoder(CodecVP8) {
		t.Fatal("Expected a VP8 encoder")
	}
	if _, p, _ := r.NewEncoder(desc, ProviderAuto); p != ProviderBuiltin {
		t.Errorf("Expected builtin provider, got %s", p)
	}
	if len(built) != 1 || built[0] != ProviderBuiltin {
		t.Errorf("Expected the builtin factory to run once, got %v", built)
	}
	if _, _, err := r.NewEncoder(desc, unavailable); !errors.Is(err, ErrProviderNotFound) {
		t.Errorf("Expected ErrProviderNotFound, got %v", err)
	}
	if got := r.EncoderProviders(CodecVP8); len(got) != 1 || got[0] != ProviderBuiltin {
		t.Errorf("Expected [builtin], got %v", got)
	}
	if got := r.DecoderProviders(CodecVP8); len(got) != 0 {
		t.Errorf("Expected no decoders, got %v", got)
	}

	r.SetDefaultEncoderProvider(CodecVP8, unavailable)
	if r.HasEncoder(CodecVP8) {
		t.Error("Expected no encoder once the default provider is unavailable")
	}
}

func TestRegistry_Formats(t *testing.T) {
	r := testRegistry()

	if got := r.Formats(); len(got) != 4 || got[0] != "wav" || got[3] != "rtp" {
		t.Errorf("Expected wav, y4m, flv, rtp, got %v", got)
	}
	if f, err := r.Format("WAV"); err != nil || f.Name != "wav" {
		t.Errorf("Expected wav, got %v", err)
	}
	if _, err := r.Format("mp4"); !errors.Is(err, ErrFormatNotSupported) {
		t.Errorf("Expected ErrFormatNotSupported, got %v", err)
	}

	names := []struct {
		name string
		want string
	}{
		{"out.Y4M", "y4m"},
		{"/tmp/a.wave", "wav"},
		{"stream.rtp", "rtp"},
		{"clip.flv", "flv"},
	}
	for _, tt := range names {
		f, err := r.FormatForName(tt.name)
		if err != nil || f.Name != tt.want {
			t.Errorf("%s: expected %s, got %v", tt.name, tt.want, err)
		}
	}
	for _, name := range []string{"noext", "a.mkv"} {
		if _, err := r.FormatForName(name); !errors.Is(err, ErrFormatNotSupported) {
			t.Errorf("%s: expected ErrFormatNotSupported, got %v", name, err)
		}
	}
}

func TestRegistry_ProbeFormat(t *testing.T) {
	r := testRegistry()
	tests := []struct {
		name   string
		header []byte
		file   string
		want   string
	}{
		{"flv magic", []byte("FLV\x01\x05"), "input.bin", "flv"},
		{"wav magic beats extension", []byte("RIFF\x00\x00\x00\x00WAVEfmt "), "input.flv", "wav"},
		{"y4m magic", []byte("YUV4MPEG2 W2 H2"), "", "y4m"},
		{"extension fallback", []byte("garbage"), "input.wav", "wav"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := r.ProbeFormat(tt.header, tt.file)
			if err != nil {
				t.Fatalf("ProbeFormat: %v", err)
			}
			if f.Name != tt.want {
				t.Errorf("Expected %s, got %s", tt.want, f.Name)
			}
		})
	}

	if _, err := r.ProbeFormat([]byte("garbage"), "out.rtp"); !errors.Is(err, ErrFormatNotSupported) {
		t.Errorf("Expected write-only rtp to be rejected, got %v", err)
	}
	if _, err := r.ProbeFormat(nil, "unknown"); !errors.Is(err, ErrFormatNotSupported) {
		t.Errorf("Expected ErrFormatNotSupported, got %v", err)
	}
}
