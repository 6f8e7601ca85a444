package dwarfs

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/andybalholm/brotli"
)

// codec_brotli wraps github.com/andybalholm/brotli, named but not
// grounded on any example in the pack (no repo there imports a brotli
// library). Wire format per §4.2: a 64-bit varint uncompressed-size
// prefix, then the raw brotli stream.
type brotliDecompressor struct {
	full []byte
	pos  int
}

func (d *brotliDecompressor) UncompressedSize() int64 { return int64(len(d.full)) }

func (d *brotliDecompressor) DecompressFrame(out *[]byte, targetEnd int64) (bool, error) {
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

type brotliCompressor struct {
	quality int
}

func (c brotliCompressor) Compress(buf []byte, _ map[string]any) ([]byte, error) {
	var body bytes.Buffer
	w := brotli.NewWriterLevel(&body, c.quality)
	if _, err := w.Write(buf); err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	var out bytes.Buffer
	var szbuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(szbuf[:], uint64(len(buf)))
	out.Write(szbuf[:n])
	out.Write(body.Bytes())
	if out.Len() >= len(buf) {
		return nil, ErrBadCompressionRatio
	}
	return out.Bytes(), nil
}

func (brotliCompressor) Type() CompressionType                      { return CompBrotli }
func (brotliCompressor) Constraints() CodecConstraints               { return CodecConstraints{} }
func (brotliCompressor) MetadataRequirements() []MetadataRequirement { return nil }

func registerBrotli(r *CodecRegistry) {
	r.register(CompBrotli, codecFactory{
		newDecompressor: func(compressed []byte, _ OptionMap) (Decompressor, error) {
			br := bytes.NewReader(compressed)
			size, err := binary.ReadUvarint(br)
			if err != nil {
				return nil, fmt.Errorf("dwarfs: brotli size prefix: %w", err)
			}
			rd := brotli.NewReader(br)
			full := make([]byte, size)
			if _, err := io.ReadFull(rd, full); err != nil {
				return nil, fmt.Errorf("dwarfs: brotli decode: %w", err)
			}
			return &brotliDecompressor{full: full}, nil
		},
		newCompressor: func(opts OptionMap) (Compressor, error) {
			return brotliCompressor{quality: opts.Int("quality", brotli.DefaultCompression)}, nil
		},
	})
}
