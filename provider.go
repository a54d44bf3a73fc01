package transcode

import (
	"fmt"
	"strings"
	"sync/atomic"
)

// Provider identifies a codec implementation.
type Provider uint8

const (
	ProviderAuto    Provider = iota // Let the registry choose the best available
	ProviderBuiltin                 // Pure Go codecs shipped with this package
	ProviderLibopus                 // libopus via purego
	ProviderLibav                   // FFmpeg via go-astiav (libav build tag)
	ProviderX264                    // x264 H.264 encoder via libmedia_h264
	ProviderOpenH264                // Cisco OpenH264 decoder via libmedia_h264
	providerCount
)

// License represents the software license of a provider.
type License uint8

const (
	LicenseGPL  License = iota // Copyleft - requires source disclosure
	LicenseBSD                 // Permissive - no copyleft obligations
	LicenseLGPL                // Weak copyleft - dynamic linking is fine
)

// Permissive returns true if the license has no copyleft obligations.
func (l License) Permissive() bool { return l == LicenseBSD }

func (l License) String() string {
	switch l {
	case LicenseGPL:
		return "GPL"
	case LicenseBSD:
		return "BSD"
	case LicenseLGPL:
		return "LGPL"
	default:
		return "unknown"
	}
}

// Features is a bitmask of provider capabilities.
type Features uint32

const (
	FeatureReorder    Features = 1 << iota // Emits frames out of decode order
	FeatureLookahead                       // Buffers frames before the first packet
	FeatureLowLatency                      // Optimized for real-time
	FeatureNative                          // Backed by a shared library
)

// Has returns true if all specified features are supported.
func (f Features) Has(feature Features) bool { return f&feature == feature }

// providerMeta contains static metadata about a provider.
type providerMeta struct {
	Name     string
	License  License
	Encoder  bool
	Decoder  bool
	Features Features
	Priority int // Higher wins when several providers serve a codec
}

// Static metadata table - indexed by Provider, zero allocations.
var providerInfo = [providerCount]providerMeta{
	ProviderAuto:    {"auto", LicenseBSD, false, false, 0, 0},
	ProviderBuiltin: {"builtin", LicenseBSD, true, true, FeatureLowLatency, 1},
	ProviderLibopus: {"libopus", LicenseBSD, true, true, FeatureLowLatency | FeatureNative, 2},
	ProviderLibav:   {"libav", LicenseLGPL, false, true, FeatureReorder | FeatureNative, 3},

	ProviderX264:     {"x264", LicenseGPL, true, false, FeatureLowLatency | FeatureNative, 2},
	ProviderOpenH264: {"openh264", LicenseBSD, false, true, FeatureLowLatency | FeatureNative, 2},
}

// Runtime availability. Builtin is always usable; native providers are
// marked available once their library has been loaded.
var providerAvailable [providerCount]atomic.Bool

func init() {
	providerAvailable[ProviderBuiltin].Store(true)
}

// String returns the provider name.
func (p Provider) String() string {
	if p >= providerCount {
		return "unknown"
	}
	return providerInfo[p].Name
}

// License returns the provider's license type.
func (p Provider) License() License {
	if p >= providerCount {
		return LicenseGPL
	}
	return providerInfo[p].License
}

// Features returns the provider's feature bitmask.
func (p Provider) Features() Features {
	if p >= providerCount {
		return 0
	}
	return providerInfo[p].Features
}

// CanEncode returns true if the provider supports encoding.
func (p Provider) CanEncode() bool {
	if p >= providerCount {
		return false
	}
	return providerInfo[p].Encoder
}

// CanDecode returns true if the provider supports decoding.
func (p Provider) CanDecode() bool {
	if p >= providerCount {
		return false
	}
	return providerInfo[p].Decoder
}

// Available returns true if the provider is usable at runtime.
func (p Provider) Available() bool {
	if p >= providerCount {
		return false
	}
	return providerAvailable[p].Load()
}

// preferred reports whether p should replace current as a codec default.
func (p Provider) preferred(current Provider) bool {
	if p >= providerCount || current >= providerCount {
		return false
	}
	return providerInfo[p].Priority > providerInfo[current].Priority
}

// setProviderAvailable marks a provider as available (called by implementations).
func setProviderAvailable(p Provider) {
	if p < providerCount {
		providerAvailable[p].Store(true)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (p Provider) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Provider) UnmarshalText(b []byte) error {
	name := strings.ToLower(string(b))
	if name == "" {
		*p = ProviderAuto
		return nil
	}
	for i, meta := range providerInfo {
		if meta.Name == name {
			*p = Provider(i)
			return nil
		}
	}
	return fmt.Errorf("unknown provider %q", b)
}
