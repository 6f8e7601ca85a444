package dwarfs

import (
	"crypto/sha512"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
	"github.com/zeebo/xxh3"
)

const (
	magicBytes  = "DWARFS"
	implMajorV1 = 1
	implMajorV2 = 2

	headerSizeV1 = 6 + 1 + 1 + 2 + 2 + 1 + 4           // magic+major+minor+type+comp+pad+length
	headerFixedV2 = 6 + 1 + 1 + 8 + 8 + 32 + 2 + 2 + 4 + 8 // through length, before payload
)

// AutoOffset requests that Open scan the image for the first plausibly
// valid framing header rather than assume offset 0 (§4.1 "Image-offset
// discovery").
const AutoOffset int64 = -1

// Section is a handle to one section of a container: a byte range plus
// its parsed header. Checksums are computed lazily on first use.
type Section struct {
	img io.ReaderAt
	log *logrus.Entry

	version     int // 1 or 2
	Number      uint64
	Type        SectionType
	Compression CompressionType
	start       int64 // start of payload
	length      int64

	// v2-only
	declaredXXH3 uint64
	declaredSHA  [32]byte
	headerStart  int64 // start of the section_header_v2, for checksum recomputation

	fastVerified bool
	slowVerified bool
}

func (s *Section) Start() int64    { return s.start }
func (s *Section) Length() int64   { return s.length }
func (s *Section) End() int64      { return s.start + s.length }

// readSectionHeader reads one section starting at off and returns a
// handle positioned past header+payload. It does not verify checksums.
func readSectionHeader(img io.ReaderAt, off int64, log *logrus.Entry) (*Section, error) {
	magic := make([]byte, 8)
	if _, err := img.ReadAt(magic, off); err != nil {
		return nil, fmt.Errorf("dwarfs: read section magic at %d: %w", off, err)
	}
	if string(magic[:6]) != magicBytes {
		return nil, ErrInvalidMagic
	}
	major := magic[6]
	minor := magic[7]

	switch major {
	case implMajorV1:
		hdr := make([]byte, 9) // type,comp,pad,length
		if _, err := img.ReadAt(hdr, off+8); err != nil {
			return nil, fmt.Errorf("dwarfs: read v1 header at %d: %w", off, err)
		}
		typ := binary.LittleEndian.Uint16(hdr[0:2])
		comp := binary.LittleEndian.Uint16(hdr[2:4])
		length := binary.LittleEndian.Uint32(hdr[5:9])
		return &Section{
			img: img, log: log, version: 1,
			Type: SectionType(typ), Compression: CompressionType(comp),
			start: off + headerSizeV1, length: int64(length),
			headerStart: off,
		}, nil
	case implMajorV2:
		if minor != 0 {
			// this implementation writes and understands minor 0 only.
			return nil, fmt.Errorf("%w: minor=%d", ErrUnsupportedMinor, minor)
		}
		rest := make([]byte, headerFixedV2-8)
		if _, err := img.ReadAt(rest, off+8); err != nil {
			return nil, fmt.Errorf("dwarfs: read v2 header at %d: %w", off, err)
		}
		number := binary.LittleEndian.Uint64(rest[0:8])
		xxh := binary.LittleEndian.Uint64(rest[8:16])
		var sha [32]byte
		copy(sha[:], rest[16:48])
		typ := binary.LittleEndian.Uint16(rest[48:50])
		comp := binary.LittleEndian.Uint16(rest[50:52])
		// rest[52:56] is the unused/reserved field
		length := binary.LittleEndian.Uint64(rest[56:64])
		return &Section{
			img: img, log: log, version: 2,
			Number: number, Type: SectionType(typ), Compression: CompressionType(comp),
			start: off + headerFixedV2, length: int64(length),
			declaredXXH3: xxh, declaredSHA: sha, headerStart: off,
		}, nil
	default:
		return nil, fmt.Errorf("%w: major=%d", ErrUnsupportedMajor, major)
	}
}

// nextSection returns the section starting at off and the offset immediately
// following it, or io.EOF when off is at (or past) the end of the image.
func nextSection(img io.ReaderAt, off, imageSize int64, log *logrus.Entry) (*Section, int64, error) {
	if off >= imageSize {
		return nil, off, io.EOF
	}
	sec, err := readSectionHeader(img, off, log)
	if err != nil {
		return nil, off, err
	}
	if sec.End() > imageSize {
		return nil, off, fmt.Errorf("%w: section end %d exceeds image size %d", ErrTruncatedSection, sec.End(), imageSize)
	}
	return sec, sec.End(), nil
}

// readerRange returns an io.Reader over this section's raw (possibly
// compressed) payload bytes.
func (s *Section) readerRange() io.Reader {
	return io.NewSectionReader(s.img, s.start, s.length)
}

// rawPayload reads the section's compressed-on-disk bytes fully into
// memory; used for checksum verification and decode().
func (s *Section) rawPayload() ([]byte, error) {
	buf := make([]byte, s.length)
	if _, err := io.ReadFull(s.readerRange(), buf); err != nil {
		return nil, fmt.Errorf("dwarfs: read section %s payload: %w", s.Type, err)
	}
	return buf, nil
}

// headerTail re-reads the v2 header bytes from the number field onward;
// callers take the sha512/256 coverage from its start and the xxh3
// coverage from the sha field onward, per §6's exact byte ranges.
func (s *Section) headerTail() ([]byte, error) {
	// number(8) + xxh3(8) + sha(32) + type(2) + comp(2) + unused(4) + length(8) = 64 bytes
	n := int64(8 + 8 + 32 + 2 + 2 + 4 + 8)
	buf := make([]byte, n)
	if _, err := s.img.ReadAt(buf, s.headerStart+8); err != nil {
		return nil, err
	}
	return buf, nil
}

// VerifyFast checks the sha512/256 "fast" checksum (v2 only), covering
// the header from the `number` field through end-of-payload, with the
// xxh3 and sha2_512_256 fields themselves held at zero: both checksums
// cover each other's slot position but neither can include its own
// still-unknown value, so the convention (matching how they must have
// been produced on write) is to zero a checksum's own field while
// computing it. Must verify before any data is decompressed
// (invariant (iv)).
func (s *Section) VerifyFast() error {
	if s.version != 2 {
		s.fastVerified = true
		return nil
	}
	if s.fastVerified {
		return nil
	}
	tail, err := s.headerTail()
	if err != nil {
		return err
	}
	payload, err := s.rawPayload()
	if err != nil {
		return err
	}
	zeroed := append([]byte(nil), tail...)
	for i := 8; i < 48; i++ { // xxh3(8) + sha(32) fields, relative to tail[0]=number
		zeroed[i] = 0
	}
	h := sha512.New512_256()
	h.Write(zeroed)
	h.Write(payload)
	sum := h.Sum(nil)
	var got [32]byte
	copy(got[:], sum)
	if got != s.declaredSHA {
		return fmt.Errorf("%w: section %d (%s) sha512/256", ErrChecksumMismatch, s.Number, s.Type)
	}
	s.fastVerified = true
	return nil
}

// Verify checks the xxh3_64 checksum (v2 only), covering the header
// from the `sha512_256` field through end-of-payload. The range starts
// after xxh3's own field, so unlike VerifyFast no self-reference
// applies: the sha field already holds its real, previously-verified
// value by the time xxh3 is computed. OpenFilesystem runs it for every
// non-BLOCK section at mount; BLOCK sections are not checked with it.
func (s *Section) Verify() error {
	if s.version != 2 {
		s.slowVerified = true
		return nil
	}
	if s.slowVerified {
		return nil
	}
	tail, err := s.headerTail()
	if err != nil {
		return err
	}
	// xxh3 coverage starts at the sha field, i.e. 16 bytes into tail
	// (tail[0:8]=number, tail[8:16]=xxh3, tail[16:]=sha onward) -
	// deliberately excluding xxh3's own field from its own coverage.
	payload, err := s.rawPayload()
	if err != nil {
		return err
	}
	got := xxh3.New()
	got.Write(tail[16:])
	got.Write(payload)
	if got.Sum64() != s.declaredXXH3 {
		return fmt.Errorf("%w: section %d (%s) xxh3", ErrChecksumMismatch, s.Number, s.Type)
	}
	s.slowVerified = true
	return nil
}

// Decode returns the section's uncompressed payload as an owned buffer.
// If Compression is CompNone it returns a copy of the raw payload bytes
// (not a view over the mapping); otherwise it runs the codec registry.
func (s *Section) Decode(reg *CodecRegistry) ([]byte, error) {
	raw, err := s.rawPayload()
	if err != nil {
		return nil, err
	}
	if s.Compression == CompNone {
		return raw, nil
	}
	dec, err := reg.NewDecompressor(s.Compression, raw)
	if err != nil {
		return nil, fmt.Errorf("dwarfs: decode section %d (%s): %w", s.Number, s.Type, err)
	}
	out := make([]byte, 0, dec.UncompressedSize())
	for {
		n := int64(len(out)) + 1<<16
		if n > dec.UncompressedSize() {
			n = dec.UncompressedSize()
		}
		done, err := dec.DecompressFrame(&out, n)
		if err != nil {
			return nil, fmt.Errorf("dwarfs: decompress section %d (%s): %w", s.Number, s.Type, err)
		}
		if done {
			break
		}
	}
	return out, nil
}

// SectionIterator is a single-cursor, non-restartable lazy iterator over
// a container's sections (§4.1).
type SectionIterator struct {
	img       io.ReaderAt
	imageSize int64
	off       int64
	log       *logrus.Entry
	done      bool
}

func NewSectionIterator(img io.ReaderAt, imageSize, startOffset int64, log *logrus.Entry) *SectionIterator {
	return &SectionIterator{img: img, imageSize: imageSize, off: startOffset, log: log}
}

// Next returns the next section, or io.EOF once the image is exhausted.
func (it *SectionIterator) Next() (*Section, error) {
	if it.done {
		return nil, io.EOF
	}
	sec, next, err := nextSection(it.img, it.off, it.imageSize, it.log)
	if err != nil {
		it.done = true
		return nil, err
	}
	it.off = next
	return sec, nil
}

// DetectImageOffset scans img for the first offset at which a valid v1
// or v2 framing header is found, bounded by imageSize, additionally
// requiring that the first section's own checksum verifies before
// committing to that offset - the spec's suggested mitigation for the
// "nested image" ambiguity the source leaves unresolved (§9).
func DetectImageOffset(img io.ReaderAt, imageSize int64, log *logrus.Entry) (int64, error) {
	for off := int64(0); off < imageSize-8; off++ {
		magic := make([]byte, 6)
		if _, err := img.ReadAt(magic, off); err != nil {
			break
		}
		if string(magic) != magicBytes {
			continue
		}
		sec, err := readSectionHeader(img, off, log)
		if err != nil {
			continue
		}
		if sec.End() > imageSize {
			continue
		}
		if sec.version == 2 {
			if err := sec.VerifyFast(); err != nil {
				continue
			}
		}
		return off, nil
	}
	return 0, ErrInvalidMagic
}

// ParseSectionIndex decodes a SECTION_INDEX section's payload into
// (type, offset) pairs. Entries must be strictly ascending in offset
// (invariant (iii)).
func ParseSectionIndex(payload []byte) ([]SectionIndexEntry, error) {
	if len(payload)%8 != 0 {
		return nil, fmt.Errorf("%w: section index length %d not a multiple of 8", ErrStructuralInvariant, len(payload))
	}
	n := len(payload) / 8
	out := make([]SectionIndexEntry, n)
	var lastOff uint64
	for i := 0; i < n; i++ {
		v := binary.LittleEndian.Uint64(payload[i*8:])
		e := SectionIndexEntry{
			Type:   SectionType(v >> 48),
			Offset: v & ((1 << 48) - 1),
		}
		if i > 0 && e.Offset <= lastOff {
			return nil, fmt.Errorf("%w: section index offsets not strictly ascending", ErrStructuralInvariant)
		}
		lastOff = e.Offset
		out[i] = e
	}
	return out, nil
}

// SectionIndexEntry is one decoded entry of a SECTION_INDEX section.
type SectionIndexEntry struct {
	Type   SectionType
	Offset uint64
}

// EncodeSectionIndexEntry packs a SectionIndexEntry into its on-disk word.
func EncodeSectionIndexEntry(e SectionIndexEntry) uint64 {
	return uint64(e.Type)<<48 | (e.Offset & ((1 << 48) - 1))
}
