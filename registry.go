package transcode

import (
	"fmt"
	"io"
	"path/filepath"
	"slices"
	"strings"
	"sync"
)

// DecoderFactory creates a decoder for an input stream.
type DecoderFactory func(in StreamDescriptor) (Decoder, error)

// EncoderFactory creates an encoder for an output stream.
type EncoderFactory func(out StreamDescriptor) (Encoder, error)

// Format describes a container format known to a Registry.
type Format struct {
	Name       string
	Extensions []string // Lower case, with leading dot

	// Probe reports whether header (the first bytes of a source) belongs
	// to this format. Nil for formats that cannot be sniffed.
	Probe func(header []byte) bool

	// NewDemuxer opens the container for reading. Nil for write-only formats.
	NewDemuxer func(r io.Reader) (Demuxer, error)

	// NewMuxer opens the container for writing. Nil for read-only formats.
	NewMuxer func(w io.Writer, streams []StreamDescriptor) (Muxer, error)

	// Codecs lists the codecs the muxer accepts. Nil accepts any codec.
	Codecs []CodecID
}

// Accepts reports whether the muxer can carry codec.
func (f *Format) Accepts(codec CodecID) bool {
	return f.Codecs == nil || slices.Contains(f.Codecs, codec)
}

// Registry maps codecs to provider implementations and names to container
// formats. Use DefaultRegistry for the process-wide instance or NewRegistry
// for an isolated one.
type Registry struct {
	mu sync.RWMutex

	// Provider-aware registry: codec -> provider -> factory
	decoders map[CodecID]map[Provider]DecoderFactory
	encoders map[CodecID]map[Provider]EncoderFactory

	// Default provider per codec
	decoderDefaults map[CodecID]Provider
	encoderDefaults map[CodecID]Provider

	formats map[string]*Format
	order   []string // Probe order
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		decoders:        make(map[CodecID]map[Provider]DecoderFactory),
		encoders:        make(map[CodecID]map[Provider]EncoderFactory),
		decoderDefaults: make(map[CodecID]Provider),
		encoderDefaults: make(map[CodecID]Provider),
		formats:         make(map[string]*Format),
	}
}

var (
	defaultRegistryOnce sync.Once
	defaultRegistry     *Registry

	// nativeRegistrations are contributed by build-specific files and run
	// exactly once, when the default registry is first requested.
	nativeRegistrations []func(*Registry)
)

// DefaultRegistry returns the process-wide registry. It is initialized on
// first use with the builtin codecs and formats plus every native provider
// whose library can be loaded.
func DefaultRegistry() *Registry {
	defaultRegistryOnce.Do(func() {
		r := NewRegistry()
		RegisterBuiltins(r)
		for _, register := range nativeRegistrations {
			register(r)
		}
		defaultRegistry = r
	})
	return defaultRegistry
}

// RegisterBuiltins adds the pure Go codecs and containers to r.
func RegisterBuiltins(r *Registry) {
	registerPCMCodecs(r)
	registerRawVideoCodec(r)
	r.RegisterFormat(wavFormat())
	r.RegisterFormat(y4mFormat())
	r.RegisterFormat(flvFormat())
	r.RegisterFormat(rtpFormat())
}

// RegisterDecoder registers a decoder factory for a codec+provider.
func (r *Registry) RegisterDecoder(codec CodecID, provider Provider, factory DecoderFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.decoders[codec] == nil {
		r.decoders[codec] = make(map[Provider]DecoderFactory)
	}
	r.decoders[codec][provider] = factory

	current, exists := r.decoderDefaults[codec]
	if !exists || provider.preferred(current) {
		r.decoderDefaults[codec] = provider
	}
}

// RegisterEncoder registers an encoder factory for a codec+provider.
func (r *Registry) RegisterEncoder(codec CodecID, provider Provider, factory EncoderFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.encoders[codec] == nil {
		r.encoders[codec] = make(map[Provider]EncoderFactory)
	}
	r.encoders[codec][provider] = factory

	current, exists := r.encoderDefaults[codec]
	if !exists || provider.preferred(current) {
		r.encoderDefaults[codec] = provider
	}
}

// SetDefaultDecoderProvider sets the default provider for a codec.
func (r *Registry) SetDefaultDecoderProvider(codec CodecID, provider Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decoderDefaults[codec] = provider
}

// SetDefaultEncoderProvider sets the default provider for a codec.
func (r *Registry) SetDefaultEncoderProvider(codec CodecID, provider Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.encoderDefaults[codec] = provider
}

// RegisterFormat adds or replaces a container format.
func (r *Registry) RegisterFormat(f *Format) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := strings.ToLower(f.Name)
	if _, exists := r.formats[name]; !exists {
		r.order = append(r.order, name)
	}
	r.formats[name] = f
}

// resolveDecoder returns the factory and provider that would serve codec.
func (r *Registry) resolveDecoder(codec CodecID, p Provider) (DecoderFactory, Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	providers := r.decoders[codec]
	if providers == nil {
		return nil, p, fmt.Errorf("%w: no decoder for %s", ErrCodecNotSupported, codec)
	}
	if p == ProviderAuto {
		p = r.decoderDefaults[codec]
	}
	factory, ok := providers[p]
	if !ok || !p.Available() {
		return nil, p, fmt.Errorf("%w: %s decoder for %s", ErrProviderNotFound, p, codec)
	}
	return factory, p, nil
}

// resolveEncoder returns the factory and provider that would serve codec.
func (r *Registry) resolveEncoder(codec CodecID, p Provider) (EncoderFactory, Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	providers := r.encoders[codec]
	if providers == nil {
		return nil, p, fmt.Errorf("%w: no encoder for %s", ErrCodecNotSupported, codec)
	}
	if p == ProviderAuto {
		p = r.encoderDefaults[codec]
	}
	factory, ok := providers[p]
	if !ok || !p.Available() {
		return nil, p, fmt.Errorf("%w: %s encoder for %s", ErrProviderNotFound, p, codec)
	}
	return factory, p, nil
}

// NewDecoder creates a decoder for the stream.
func (r *Registry) NewDecoder(in StreamDescriptor, p Provider) (Decoder, Provider, error) {
	factory, p, err := r.resolveDecoder(in.Codec, p)
	if err != nil {
		return nil, p, err
	}
	dec, err := factory(in)
	return dec, p, err
}

// NewEncoder creates an encoder for the stream.
func (r *Registry) NewEncoder(out StreamDescriptor, p Provider) (Encoder, Provider, error) {
	factory, p, err := r.resolveEncoder(out.Codec, p)
	if err != nil {
		return nil, p, err
	}
	enc, err := factory(out)
	return enc, p, err
}

// HasDecoder reports whether an available provider can decode codec.
func (r *Registry) HasDecoder(codec CodecID) bool {
	_, _, err := r.resolveDecoder(codec, ProviderAuto)
	return err == nil
}

// HasEncoder reports whether an available provider can encode codec.
func (r *Registry) HasEncoder(codec CodecID) bool {
	_, _, err := r.resolveEncoder(codec, ProviderAuto)
	return err == nil
}

// EncoderProviders returns available providers for a codec.
func (r *Registry) EncoderProviders(codec CodecID) []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Provider, 0, len(r.encoders[codec]))
	for p := range r.encoders[codec] {
		if p.Available() {
			result = append(result, p)
		}
	}
	slices.Sort(result)
	return result
}

// DecoderProviders returns available providers for a codec.
func (r *Registry) DecoderProviders(codec CodecID) []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Provider, 0, len(r.decoders[codec]))
	for p := range r.decoders[codec] {
		if p.Available() {
			result = append(result, p)
		}
	}
	slices.Sort(result)
	return result
}

// Format looks up a container format by name.
func (r *Registry) Format(name string) (*Format, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.formats[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrFormatNotSupported, name)
	}
	return f, nil
}

// FormatForName picks a format from a file name extension.
func (r *Registry) FormatForName(name string) (*Format, error) {
	ext := strings.ToLower(filepath.Ext(name))
	if ext == "" {
		return nil, fmt.Errorf("%w: no extension in %q", ErrFormatNotSupported, name)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, n := range r.order {
		if slices.Contains(r.formats[n].Extensions, ext) {
			return r.formats[n], nil
		}
	}
	return nil, fmt.Errorf("%w: extension %q", ErrFormatNotSupported, ext)
}

// ProbeFormat sniffs header against every readable format, falling back to
// the extension of name.
func (r *Registry) ProbeFormat(header []byte, name string) (*Format, error) {
	r.mu.RLock()
	for _, n := range r.order {
		f := r.formats[n]
		if f.NewDemuxer != nil && f.Probe != nil && f.Probe(header) {
			r.mu.RUnlock()
			return f, nil
		}
	}
	r.mu.RUnlock()

	f, err := r.FormatForName(name)
	if err != nil {
		return nil, err
	}
	if f.NewDemuxer == nil {
		return nil, fmt.Errorf("%w: %s is write-only", ErrFormatNotSupported, f.Name)
	}
	return f, nil
}

// Formats returns the registered format names in registration order.
func (r *Registry) Formats() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.order)
}
