package dwarfs

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// codec_zstd wraps klauspost/compress/zstd (grounded on the teacher's
// comp_zstd.go, which already wires this exact package for its own ZSTD
// support). The uncompressed size is the length of the fully decoded
// output, not a value read from the ZSTD frame header; klauspost's
// library does not expose an incremental
// step-by-frame_size API, so the decompressor decodes the whole frame
// up front and plays it back through DecompressFrame in the
// frame_size-bounded increments the cached-block state machine expects.
type zstdDecompressor struct {
	full []byte
	pos  int
}

func (d *zstdDecompressor) UncompressedSize() int64 { return int64(len(d.full)) }

func (d *zstdDecompressor) DecompressFrame(out *[]byte, targetEnd int64) (bool, error) {
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

type zstdCompressor struct {
	level zstd.EncoderLevel
}

func (c zstdCompressor) Compress(buf []byte, _ map[string]any) ([]byte, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(c.level))
	if err != nil {
		return nil, err
	}
	defer enc.Close()
	out := enc.EncodeAll(buf, nil)
	if len(out) >= len(buf) {
		return nil, ErrBadCompressionRatio
	}
	return out, nil
}

func (zstdCompressor) Type() CompressionType                      { return CompZSTD }
func (zstdCompressor) Constraints() CodecConstraints               { return CodecConstraints{} }
func (zstdCompressor) MetadataRequirements() []MetadataRequirement { return nil }

func registerZSTD(r *CodecRegistry) {
	r.register(CompZSTD, codecFactory{
		newDecompressor: func(compressed []byte, _ OptionMap) (Decompressor, error) {
			dec, err := zstd.NewReader(nil)
			if err != nil {
				return nil, err
			}
			defer dec.Close()
			full, err := dec.DecodeAll(compressed, nil)
			if err != nil {
				return nil, fmt.Errorf("dwarfs: zstd decode: %w", err)
			}
			return &zstdDecompressor{full: full}, nil
		},
		newCompressor: func(opts OptionMap) (Compressor, error) {
			level := zstd.EncoderLevelFromZstd(opts.Int("level", int(zstd.SpeedDefault)))
			return zstdCompressor{level: level}, nil
		},
	})
}
