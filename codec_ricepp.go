package dwarfs

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// codec_ricepp is a from-scratch Rice/Golomb coder for 16-bit samples
// (astronomical imagery, per §1/§4.2); no ecosystem Go library
// implements this dwarfs-specific scheme (it is not a standard codec
// family with a published Go package), so it is built on stdlib bit
// packing, grounded on original_source/src/dwarfs/compression/ricepp.cpp
// for the wire layout and field set.
const ricepPVersion = 1

// RicePPHeader is the compact per-block header (§4.2).
type RicePPHeader struct {
	BlockSize      uint32
	ComponentCount uint16
	BytesPerSample uint16 // always 2
	UnusedLSBCount uint8
	BigEndian      bool
	Version        uint8
}

func writeRicePPHeader(buf *bytes.Buffer, h RicePPHeader) {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], h.BlockSize)
	buf.Write(tmp[:])
	binary.LittleEndian.PutUint16(tmp[:2], h.ComponentCount)
	buf.Write(tmp[:2])
	binary.LittleEndian.PutUint16(tmp[:2], h.BytesPerSample)
	buf.Write(tmp[:2])
	buf.WriteByte(h.UnusedLSBCount)
	if h.BigEndian {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
	buf.WriteByte(h.Version)
}

func readRicePPHeader(b []byte) (RicePPHeader, []byte, error) {
	if len(b) < 11 {
		return RicePPHeader{}, nil, fmt.Errorf("dwarfs: ricepp header truncated")
	}
	h := RicePPHeader{
		BlockSize:      binary.LittleEndian.Uint32(b[0:4]),
		ComponentCount: binary.LittleEndian.Uint16(b[4:6]),
		BytesPerSample: binary.LittleEndian.Uint16(b[6:8]),
		UnusedLSBCount: b[8],
		BigEndian:      b[9] != 0,
		Version:        b[10],
	}
	if h.Version > ricepPVersion {
		return RicePPHeader{}, nil, fmt.Errorf("dwarfs: ricepp version %d newer than supported %d", h.Version, ricepPVersion)
	}
	return h, b[11:], nil
}

// bitWriter/bitReader: minimal MSB-first bit packing, adequate for the
// Rice coder's unary quotient + k-bit remainder codes.
type bitWriter struct {
	buf  bytes.Buffer
	cur  byte
	nbit uint
}

func (w *bitWriter) writeBit(b uint) {
	w.cur = w.cur<<1 | byte(b&1)
	w.nbit++
	if w.nbit == 8 {
		w.buf.WriteByte(w.cur)
		w.cur, w.nbit = 0, 0
	}
}

func (w *bitWriter) writeUnary(q uint32) {
	for i := uint32(0); i < q; i++ {
		w.writeBit(1)
	}
	w.writeBit(0)
}

func (w *bitWriter) writeBits(v uint32, n uint) {
	for i := int(n) - 1; i >= 0; i-- {
		w.writeBit(uint(v>>uint(i)) & 1)
	}
}

func (w *bitWriter) bytes() []byte {
	if w.nbit > 0 {
		w.buf.WriteByte(w.cur << (8 - w.nbit))
		w.cur, w.nbit = 0, 0
	}
	return w.buf.Bytes()
}

type bitReader struct {
	data []byte
	pos  int // bit position
}

func (r *bitReader) readBit() uint {
	byteIdx := r.pos / 8
	if byteIdx >= len(r.data) {
		return 0
	}
	bit := (r.data[byteIdx] >> uint(7-r.pos%8)) & 1
	r.pos++
	return uint(bit)
}

func (r *bitReader) readUnary() uint32 {
	var q uint32
	for r.readBit() == 1 {
		q++
	}
	return q
}

func (r *bitReader) readBits(n uint) uint32 {
	var v uint32
	for i := uint(0); i < n; i++ {
		v = v<<1 | uint32(r.readBit())
	}
	return v
}

// zigzag maps signed residuals to unsigned for rice coding.
func zigzagEncode(v int32) uint32 {
	return uint32((v << 1) ^ (v >> 31))
}

func zigzagDecode(v uint32) int32 {
	return int32(v>>1) ^ -int32(v&1)
}

// chooseK picks a Rice parameter by the mean-magnitude heuristic,
// adequate for a from-scratch coder with no rate-distortion search.
func chooseK(samples []uint32) uint {
	if len(samples) == 0 {
		return 0
	}
	var sum uint64
	for _, s := range samples {
		sum += uint64(s)
	}
	mean := sum / uint64(len(samples))
	k := uint(0)
	for (uint64(1) << k) < mean+1 {
		k++
	}
	return k
}

type ricePPDecompressor struct {
	full []byte
	pos  int
}

func (d *ricePPDecompressor) UncompressedSize() int64 { return int64(len(d.full)) }

func (d *ricePPDecompressor) DecompressFrame(out *[]byte, targetEnd int64) (bool, error) {
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

type ricePPCompressor struct{}

func (ricePPCompressor) Compress(buf []byte, metadata map[string]any) ([]byte, error) {
	components := intAttr(metadata, "components", 1)
	if len(buf)%2 != 0 {
		return nil, fmt.Errorf("dwarfs: ricepp requires 16-bit-aligned input, got %d bytes", len(buf))
	}
	n := len(buf) / 2
	samples := make([]int32, n)
	for i := 0; i < n; i++ {
		samples[i] = int32(int16(binary.LittleEndian.Uint16(buf[i*2:])))
	}

	residuals := make([]uint32, n)
	var prev int32
	for i, s := range samples {
		residuals[i] = zigzagEncode(s - prev)
		prev = s
	}
	k := chooseK(residuals)

	bw := &bitWriter{}
	for _, r := range residuals {
		q := r >> k
		if q > 64 {
			// escape: long unary runs would bloat output; emit a full
			// 32-bit literal instead, signaled by 65 ones.
			bw.writeUnary(65)
			bw.writeBits(r, 32)
			continue
		}
		bw.writeUnary(q)
		if k > 0 {
			bw.writeBits(r&(1<<k-1), k)
		}
	}
	body := bw.bytes()

	var out bytes.Buffer
	var szbuf [binary.MaxVarintLen64]byte
	m := binary.PutUvarint(szbuf[:], uint64(len(buf)))
	out.Write(szbuf[:m])
	writeRicePPHeader(&out, RicePPHeader{
		BlockSize:      uint32(len(buf)),
		ComponentCount: uint16(components),
		BytesPerSample: 2,
		UnusedLSBCount: 0,
		BigEndian:      false,
		Version:        ricepPVersion,
	})
	out.WriteByte(byte(k))
	out.Write(body)
	if out.Len() >= len(buf) {
		return nil, ErrBadCompressionRatio
	}
	return out.Bytes(), nil
}

func (ricePPCompressor) Type() CompressionType { return CompRicepp }
func (ricePPCompressor) Constraints() CodecConstraints {
	return CodecConstraints{Granularity: 2}
}
func (ricePPCompressor) MetadataRequirements() []MetadataRequirement { return nil }

func registerRicepp(r *CodecRegistry) {
	r.register(CompRicepp, codecFactory{
		newDecompressor: func(compressed []byte, _ OptionMap) (Decompressor, error) {
			br := bytes.NewReader(compressed)
			size, err := binary.ReadUvarint(br)
			if err != nil {
				return nil, fmt.Errorf("dwarfs: ricepp size prefix: %w", err)
			}
			rest := compressed[len(compressed)-br.Len():]
			_, rest, err = readRicePPHeader(rest)
			if err != nil {
				return nil, err
			}
			if len(rest) < 1 {
				return nil, fmt.Errorf("dwarfs: ricepp missing k parameter")
			}
			k := uint(rest[0])
			body := rest[1:]

			n := int(size) / 2
			samples := make([]int32, n)
			brd := &bitReader{data: body}
			var prev int32
			for i := 0; i < n; i++ {
				q := brd.readUnary()
				var resid uint32
				if q == 65 {
					resid = brd.readBits(32)
				} else {
					resid = q << k
					if k > 0 {
						resid |= brd.readBits(k)
					}
				}
				delta := zigzagDecode(resid)
				prev += delta
				samples[i] = prev
			}
			full := make([]byte, n*2)
			for i, s := range samples {
				binary.LittleEndian.PutUint16(full[i*2:], uint16(int16(s)))
			}
			return &ricePPDecompressor{full: full}, nil
		},
		newCompressor: func(_ OptionMap) (Compressor, error) {
			return ricePPCompressor{}, nil
		},
	})
}
