package dwarfs

// codec_none implements the identity codec: uncompressed_size ==
// input_size, no framing of any kind.

type noneDecompressor struct {
	data []byte
	pos  int
}

func (d *noneDecompressor) UncompressedSize() int64 { return int64(len(d.data)) }

func (d *noneDecompressor) DecompressFrame(out *[]byte, targetEnd int64) (bool, error) {
	end := int(targetEnd)
	if end > len(d.data) {
		end = len(d.data)
	}
	if end > d.pos {
		*out = append(*out, d.data[d.pos:end]...)
		d.pos = end
	}
	return d.pos >= len(d.data), nil
}

type noneCompressor struct{}

func (noneCompressor) Compress(buf []byte, _ map[string]any) ([]byte, error) { return buf, nil }
func (noneCompressor) Type() CompressionType                                { return CompNone }
func (noneCompressor) Constraints() CodecConstraints                        { return CodecConstraints{} }
func (noneCompressor) MetadataRequirements() []MetadataRequirement          { return nil }

func registerNone(r *CodecRegistry) {
	r.register(CompNone, codecFactory{
		newDecompressor: func(compressed []byte, _ OptionMap) (Decompressor, error) {
			return &noneDecompressor{data: compressed}, nil
		},
		newCompressor: func(_ OptionMap) (Compressor, error) {
			return noneCompressor{}, nil
		},
	})
}
