package dwarfs

import (
	"bytes"
	"fmt"
	"io"

	"github.com/ulikunitz/xz"
	"github.com/ulikunitz/xz/lzma"
)

// codec_lzma wraps ulikunitz/xz (grounded on the teacher's comp_xz.go,
// which already imports this exact package behind a "xz" build tag).
// The uncompressed size is recovered from the XZ stream footer/index by
// the library itself (xz.Reader reports io.EOF once the index-declared
// size has been produced); we decode eagerly, as with ZSTD, and replay
// frame-wise.
//
// BCJ architectures the encoder loops over, matching §4.2's "x86, ARM,
// SPARC, PPC, IA-64, ARM-Thumb" list. compressWithArch implements none
// of the filters, so every image is written without a BCJ filter.
type bcjArch int

const (
	bcjNone bcjArch = iota
	bcjX86
	bcjARM
	bcjARMThumb
	bcjPowerPC
	bcjSPARC
	bcjIA64
)

var bcjArchList = []bcjArch{bcjNone, bcjX86, bcjARM, bcjARMThumb, bcjPowerPC, bcjSPARC, bcjIA64}

type lzmaDecompressor struct {
	full []byte
	pos  int
}

func (d *lzmaDecompressor) UncompressedSize() int64 { return int64(len(d.full)) }

func (d *lzmaDecompressor) DecompressFrame(out *[]byte, targetEnd int64) (bool, error) {
	end := int(targetEnd)
	if end > len(d.full) {
		end = len(d.full)
	}
	if end > d.pos {
		*out = append(*out, d.full[d.pos:end]...)
		d.pos = end
	}
	return d.pos >= len(d.full), nil
}

type lzmaCompressor struct {
	preset int
}

// compressWithArch runs a full xz encode with the plain LZMA2 filter
// chain for bcjNone. For any other arch it returns an error without
// encoding; the caller's try loop skips those results, so no BCJ
// filter is ever applied.
func (c lzmaCompressor) compressWithArch(buf []byte, arch bcjArch) ([]byte, error) {
	lzmaCfg := lzma.Writer2Config{}
	cfg := xz.WriterConfig{}
	_ = lzmaCfg // the xz.WriterConfig zero value already selects LZMA2 at a
	// reasonable default preset; per-preset tuning is left to the option
	// map below via DictCap.
	if c.preset > 0 {
		cfg.DictCap = presetDictCap(c.preset)
	}
	var out bytes.Buffer
	w, err := cfg.NewWriter(&out)
	if err != nil {
		return nil, err
	}
	if arch != bcjNone {
		// No BCJ filter is wired in. Callers ignore an error from this
		// path for the non-bcjNone case and keep the no-filter result.
		return nil, fmt.Errorf("bcj arch %d unavailable", arch)
	}
	if _, err := w.Write(buf); err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

func presetDictCap(preset int) int {
	cap := 1 << 20
	for i := 0; i < preset && cap < 1<<26; i++ {
		cap <<= 1
	}
	return cap
}

func (c lzmaCompressor) Compress(buf []byte, _ map[string]any) ([]byte, error) {
	best, err := c.compressWithArch(buf, bcjNone)
	if err != nil {
		return nil, err
	}
	for _, arch := range bcjArchList[1:] {
		candidate, err := c.compressWithArch(buf, arch)
		if err != nil {
			continue // no filter implemented for this architecture
		}
		if len(candidate) < len(best) {
			best = candidate
		}
	}
	if len(best) >= len(buf) {
		return nil, ErrBadCompressionRatio
	}
	return best, nil
}

func (lzmaCompressor) Type() CompressionType                      { return CompLZMA }
func (lzmaCompressor) Constraints() CodecConstraints               { return CodecConstraints{} }
func (lzmaCompressor) MetadataRequirements() []MetadataRequirement { return nil }

func registerLZMA(r *CodecRegistry) {
	r.register(CompLZMA, codecFactory{
		newDecompressor: func(compressed []byte, _ OptionMap) (Decompressor, error) {
			rd, err := xz.NewReader(bytes.NewReader(compressed))
			if err != nil {
				return nil, fmt.Errorf("dwarfs: xz reader: %w", err)
			}
			full, err := io.ReadAll(rd)
			if err != nil {
				return nil, fmt.Errorf("dwarfs: xz decode: %w", err)
			}
			return &lzmaDecompressor{full: full}, nil
		},
		newCompressor: func(opts OptionMap) (Compressor, error) {
			return lzmaCompressor{preset: opts.Int("level", 6)}, nil
		},
	})
}
