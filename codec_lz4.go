package dwarfs

import (
	"encoding/binary"
	"fmt"

	"github.com/pierrec/lz4/v4"
)

// codec_lz4 implements both LZ4 and LZ4HC (grounded on keeword-go-diskfs's
// go.mod, which carries pierrec/lz4/v4; the teacher has no LZ4 support).
// Per §4.2 both share the same wire format: a 32-bit little-endian
// uncompressed-size prefix followed by a raw (block-mode, not
// frame-mode) LZ4 stream; LZ4HC differs only in the compression level
// used to produce it, so decoding is identical for both tags.
type lz4Decompressor struct {
	full []byte
	pos  int
}

func (d *lz4Decompressor) UncompressedSize() int64 { return int64(len(d.full)) }

func (d *lz4Decompressor) DecompressFrame(out *[]byte, targetEnd int64) (bool, error) {
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

type lz4Compressor struct {
	hc   bool
	tag  CompressionType
	opts lz4.CompressorOption
}

func (c lz4Compressor) Compress(buf []byte, _ map[string]any) ([]byte, error) {
	dst := make([]byte, lz4.CompressBlockBound(len(buf)))
	var z lz4.Compressor
	var hz lz4.CompressorHC
	var n int
	var err error
	if c.hc {
		n, err = hz.CompressBlock(buf, dst)
	} else {
		n, err = z.CompressBlock(buf, dst)
	}
	if err != nil {
		return nil, fmt.Errorf("dwarfs: lz4 compress: %w", err)
	}
	if n == 0 {
		// CompressBlock reports n==0 when the input is incompressible.
		return nil, ErrBadCompressionRatio
	}
	out := make([]byte, 4+n)
	binary.LittleEndian.PutUint32(out, uint32(len(buf)))
	copy(out[4:], dst[:n])
	if len(out) >= len(buf) {
		return nil, ErrBadCompressionRatio
	}
	return out, nil
}

func (c lz4Compressor) Type() CompressionType                      { return c.tag }
func (lz4Compressor) Constraints() CodecConstraints               { return CodecConstraints{} }
func (lz4Compressor) MetadataRequirements() []MetadataRequirement { return nil }

func registerLZ4(r *CodecRegistry, hc bool) {
	tag := CompLZ4
	if hc {
		tag = CompLZ4HC
	}
	r.register(tag, codecFactory{
		newDecompressor: func(compressed []byte, _ OptionMap) (Decompressor, error) {
			if len(compressed) < 4 {
				return nil, fmt.Errorf("dwarfs: lz4 payload too short")
			}
			size := binary.LittleEndian.Uint32(compressed[:4])
			full := make([]byte, size)
			n, err := lz4.UncompressBlock(compressed[4:], full)
			if err != nil {
				return nil, fmt.Errorf("dwarfs: lz4 decode: %w", err)
			}
			return &lz4Decompressor{full: full[:n]}, nil
		},
		newCompressor: func(_ OptionMap) (Compressor, error) {
			return lz4Compressor{hc: hc, tag: tag}, nil
		},
	})
}
