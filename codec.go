package dwarfs

import (
	"fmt"
	"strconv"
	"strings"
)

// Compressor is the capability a codec exposes for the write path
// (§4.2, §9 "ad-hoc polymorphism"). Implementations are stateless
// across calls.
type Compressor interface {
	// Compress returns the compressed form of buf. metadata carries the
	// category's declared attributes for codecs with metadata
	// requirements (FLAC, RICEPP); it is nil for codecs without any.
	Compress(buf []byte, metadata map[string]any) ([]byte, error)

	// Type returns the compression_type tag this compressor writes.
	Type() CompressionType

	// Constraints returns the codec's compression constraints
	// (currently just a byte-range granularity).
	Constraints() CodecConstraints

	// MetadataRequirements returns the declarative requirement set the
	// writer must satisfy against a category's metadata before using
	// this compressor, or nil if the codec needs none.
	MetadataRequirements() []MetadataRequirement
}

// Decompressor is the read-path capability (§4.2): constructed from a
// compressed byte span, it advertises the total uncompressed size and
// extends an external buffer frame-by-frame.
type Decompressor interface {
	// UncompressedSize returns the total number of bytes this
	// decompressor will ultimately produce.
	UncompressedSize() int64

	// DecompressFrame extends *out (by appending) until either
	// len(*out) == targetEnd or the stream is exhausted, whichever
	// comes first, and reports whether the stream is now exhausted.
	DecompressFrame(out *[]byte, targetEnd int64) (done bool, err error)
}

// CodecConstraints describes alignment requirements a codec imposes on
// the byte ranges handed to it (§4.2 "Compression constraints").
type CodecConstraints struct {
	// Granularity, if > 1, requires every byte range the segmenter
	// emits for this codec's category to be a multiple of Granularity
	// bytes (e.g. bytes_per_sample * channels for PCM codecs).
	Granularity int
}

// RequirementKind distinguishes the two shapes a declarative metadata
// requirement can take.
type RequirementKind int

const (
	RequireSet RequirementKind = iota
	RequireRange
)

// MetadataRequirement is one entry of a codec's declared metadata
// requirement set (§4.2). A category's attached metadata must satisfy
// every requirement of a codec before the writer may use it for that
// category; a mismatch is ErrMetadataRequirement, a build-time
// configuration error, never a runtime corruption.
type MetadataRequirement struct {
	Field string
	Kind  RequirementKind
	Set   []any // valid when Kind == RequireSet
	Lo,Hi float64 // valid when Kind == RequireRange
}

func (r MetadataRequirement) satisfiedBy(v any) bool {
	switch r.Kind {
	case RequireSet:
		for _, candidate := range r.Set {
			if candidate == v {
				return true
			}
		}
		return false
	case RequireRange:
		f, ok := toFloat(v)
		if !ok {
			return false
		}
		return f >= r.Lo && f <= r.Hi
	default:
		return false
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	default:
		return 0, false
	}
}

// CheckMetadataRequirements verifies that metadata satisfies every
// requirement a Compressor declares.
func CheckMetadataRequirements(c Compressor, metadata map[string]any) error {
	for _, req := range c.MetadataRequirements() {
		v, ok := metadata[req.Field]
		if !ok || !req.satisfiedBy(v) {
			return fmt.Errorf("%w: field %q (have %v)", ErrMetadataRequirement, req.Field, v)
		}
	}
	return nil
}

// codecFactory builds compressors/decompressors for one compression_type.
type codecFactory struct {
	newDecompressor func(compressed []byte, opts OptionMap) (Decompressor, error)
	newCompressor   func(opts OptionMap) (Compressor, error)
}

// CodecRegistry is the plug-in directory of codecs keyed by
// compression_type tag (§4.2). It is initialized once (DefaultRegistry)
// and read-only thereafter, per §5's shared-resource policy.
type CodecRegistry struct {
	factories map[CompressionType]codecFactory
}

// NewCodecRegistry returns an empty registry; codecs are registered via
// Register, mirroring the teacher's init()-time RegisterCompHandler
// idiom but gathered into an explicit, closed map instead of package
// globals.
func NewCodecRegistry() *CodecRegistry {
	return &CodecRegistry{factories: make(map[CompressionType]codecFactory)}
}

func (r *CodecRegistry) register(t CompressionType, f codecFactory) {
	r.factories[t] = f
}

// NewDecompressor constructs a Decompressor for the given compressed
// bytes using the codec registered for t.
func (r *CodecRegistry) NewDecompressor(t CompressionType, compressed []byte) (Decompressor, error) {
	f, ok := r.factories[t]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownCompressionType, t)
	}
	return f.newDecompressor(compressed, nil)
}

// NewCompressor constructs a Compressor for t with the given
// codec-specific options (e.g. "level=19").
func (r *CodecRegistry) NewCompressor(t CompressionType, opts OptionMap) (Compressor, error) {
	f, ok := r.factories[t]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownCompressionType, t)
	}
	return f.newCompressor(opts)
}

// DefaultRegistry returns a registry with every codec named in §4.2
// registered.
func DefaultRegistry() *CodecRegistry {
	r := NewCodecRegistry()
	registerNone(r)
	registerZSTD(r)
	registerLZMA(r)
	registerLZ4(r, false)
	registerLZ4(r, true)
	registerBrotli(r)
	registerFLAC(r)
	registerRicepp(r)
	return r
}

// OptionMap is a parsed "key=value,key2=value2" codec option string
// (supplemented from original_source/option_map.h; the CLI grammar that
// produces these strings is out of scope, only the parser is specified
// here).
type OptionMap map[string]string

// ParseOptionMap parses a comma-separated key=value list. A bare key
// (no '=') is stored with an empty value, signaling a boolean flag.
func ParseOptionMap(s string) (OptionMap, error) {
	m := make(OptionMap)
	if s == "" {
		return m, nil
	}
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if i := strings.IndexByte(part, '='); i >= 0 {
			m[part[:i]] = part[i+1:]
		} else {
			m[part] = ""
		}
	}
	return m, nil
}

func (m OptionMap) Int(key string, def int) int {
	if v, ok := m[key]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func (m OptionMap) Bool(key string, def bool) bool {
	v, ok := m[key]
	if !ok {
		return def
	}
	if v == "" {
		return true
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
