package dwarfs

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/mewkiz/flac"
	"github.com/mewkiz/flac/frame"
	"github.com/mewkiz/flac/meta"
)

// codec_flac wraps github.com/mewkiz/flac, named but not grounded on any
// example in the pack (no FLAC library appears anywhere in the pack).
// Wire format per §4.2: a 64-bit varint uncompressed-size prefix, then
// a PCMHeader record, then the FLAC stream. The encoder unpacks PCM
// samples into normalized signed 32-bit samples for the library and
// repacks on decode using the recorded header flags (pcmtransform.go).
//
// Per §4.2 and the declarative metadata requirement mechanism, this
// codec requires the category's metadata to carry "bits_per_sample" in
// [8,32] and "channels" in [1,8]. The writer does not check these
// requirements: it calls Compress with nil metadata, so Compress falls
// back to its defaults (16-bit samples in 2 bytes, 2 channels).
func flacMetadataRequirements() []MetadataRequirement {
	return []MetadataRequirement{
		{Field: "bits_per_sample", Kind: RequireRange, Lo: 8, Hi: 32},
		{Field: "channels", Kind: RequireRange, Lo: 1, Hi: 8},
	}
}

type flacDecompressor struct {
	full []byte
	pos  int
}

func (d *flacDecompressor) UncompressedSize() int64 { return int64(len(d.full)) }

func (d *flacDecompressor) DecompressFrame(out *[]byte, targetEnd int64) (bool, error) {
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

func readPCMHeader(r io.Reader) (PCMHeader, error) {
	var flags [2]byte
	if _, err := io.ReadFull(r, flags[:]); err != nil {
		return PCMHeader{}, err
	}
	var rest [2]byte
	if _, err := io.ReadFull(r, rest[:]); err != nil {
		return PCMHeader{}, err
	}
	return PCMHeader{
		BigEndian:      flags[0]&1 != 0,
		Signed:         flags[0]&2 != 0,
		PadHigh:        flags[0]&4 != 0,
		BytesPerSample: int(flags[1]),
		BitsPerSample:  int(rest[0]),
		Channels:       int(rest[1]),
	}, nil
}

func writePCMHeader(w *bytes.Buffer, h PCMHeader) {
	var flags byte
	if h.BigEndian {
		flags |= 1
	}
	if h.Signed {
		flags |= 2
	}
	if h.PadHigh {
		flags |= 4
	}
	w.WriteByte(flags)
	w.WriteByte(byte(h.BytesPerSample))
	w.WriteByte(byte(h.BitsPerSample))
	w.WriteByte(byte(h.Channels))
}

type flacCompressor struct{}

func (flacCompressor) Compress(buf []byte, metadata map[string]any) ([]byte, error) {
	h := PCMHeader{
		BigEndian:      boolAttr(metadata, "big_endian", false),
		Signed:         boolAttr(metadata, "signed", true),
		PadHigh:        boolAttr(metadata, "pad_high", false),
		BytesPerSample: intAttr(metadata, "bytes_per_sample", 2),
		BitsPerSample:  intAttr(metadata, "bits_per_sample", 16),
		Channels:       intAttr(metadata, "channels", 2),
	}
	samples := UnpackSamples(h, buf)
	frameSize := len(samples) / h.Channels

	info := &meta.StreamInfo{
		BlockSizeMin:  uint16(frameSize),
		BlockSizeMax:  uint16(frameSize),
		SampleRate:    44100,
		NChannels:     uint8(h.Channels),
		BitsPerSample: uint8(h.BitsPerSample),
		NSamples:      uint64(frameSize),
	}

	var body bytes.Buffer
	enc, err := flac.NewEncoder(&body, info)
	if err != nil {
		return nil, fmt.Errorf("dwarfs: flac encoder: %w", err)
	}
	subframes := make([]*frame.Subframe, h.Channels)
	for ch := 0; ch < h.Channels; ch++ {
		chanSamples := make([]int32, frameSize)
		for i := 0; i < frameSize; i++ {
			chanSamples[i] = samples[i*h.Channels+ch]
		}
		subframes[ch] = &frame.Subframe{
			SubHeader: frame.SubHeader{Pred: frame.PredVerbatim},
			Samples:   chanSamples,
			NSamples:  frameSize,
		}
	}
	fr := &frame.Frame{
		Header: frame.Header{
			BlockSize:     uint16(frameSize),
			SampleRate:    info.SampleRate,
			Channels:      frame.ChannelsFromCount(h.Channels),
			BitsPerSample: uint8(h.BitsPerSample),
		},
		Subframes: subframes,
	}
	if err := enc.WriteFrame(fr); err != nil {
		return nil, fmt.Errorf("dwarfs: flac write frame: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("dwarfs: flac close: %w", err)
	}

	var out bytes.Buffer
	var szbuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(szbuf[:], uint64(len(buf)))
	out.Write(szbuf[:n])
	writePCMHeader(&out, h)
	out.Write(body.Bytes())
	// §9: FLAC deliberately never raises ErrBadCompressionRatio even if
	// the encoded form is not smaller - repacking would lose the header.
	return out.Bytes(), nil
}

func (flacCompressor) Type() CompressionType                      { return CompFLAC }
func (flacCompressor) Constraints() CodecConstraints               { return CodecConstraints{Granularity: 0} }
func (flacCompressor) MetadataRequirements() []MetadataRequirement { return flacMetadataRequirements() }

func boolAttr(m map[string]any, key string, def bool) bool {
	if v, ok := m[key].(bool); ok {
		return v
	}
	return def
}

func intAttr(m map[string]any, key string, def int) int {
	if f, ok := toFloat(m[key]); ok {
		return int(f)
	}
	return def
}

func registerFLAC(r *CodecRegistry) {
	r.register(CompFLAC, codecFactory{
		newDecompressor: func(compressed []byte, _ OptionMap) (Decompressor, error) {
			br := bytes.NewReader(compressed)
			size, err := binary.ReadUvarint(br)
			if err != nil {
				return nil, fmt.Errorf("dwarfs: flac size prefix: %w", err)
			}
			h, err := readPCMHeader(br)
			if err != nil {
				return nil, fmt.Errorf("dwarfs: flac pcm header: %w", err)
			}
			stream, err := flac.NewDecoder(br)
			if err != nil {
				return nil, fmt.Errorf("dwarfs: flac decoder: %w", err)
			}
			defer stream.Close()

			var samples []int32
			for {
				fr, err := stream.ParseNext()
				if err == io.EOF {
					break
				}
				if err != nil {
					return nil, fmt.Errorf("dwarfs: flac parse frame: %w", err)
				}
				n := len(fr.Subframes[0].Samples)
				for i := 0; i < n; i++ {
					for ch := 0; ch < len(fr.Subframes); ch++ {
						samples = append(samples, fr.Subframes[ch].Samples[i])
					}
				}
			}
			full := PackSamples(h, samples)
			if int64(len(full)) > int64(size) {
				full = full[:size]
			}
			return &flacDecompressor{full: full}, nil
		},
		newCompressor: func(_ OptionMap) (Compressor, error) {
			return flacCompressor{}, nil
		},
	})
}
