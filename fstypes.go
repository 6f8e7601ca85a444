package dwarfs

import "io/fs"

// SectionType identifies the payload carried by a container section.
// Values match the on-disk tag (§6 of the format spec); legacy values
// used by older dwarfs releases are not required by the core read path
// and are therefore not modeled here.
type SectionType uint16

const (
	SectionBlock             SectionType = 0
	SectionMetadataV2Schema  SectionType = 7
	SectionMetadataV2        SectionType = 8
	SectionIndex             SectionType = 9
	SectionHistory           SectionType = 10
)

func (t SectionType) String() string {
	switch t {
	case SectionBlock:
		return "BLOCK"
	case SectionMetadataV2Schema:
		return "METADATA_V2_SCHEMA"
	case SectionMetadataV2:
		return "METADATA_V2"
	case SectionIndex:
		return "SECTION_INDEX"
	case SectionHistory:
		return "HISTORY"
	default:
		return "UNKNOWN"
	}
}

// unique reports whether at most one section of this type may appear in
// a container (invariant (i), §3).
func (t SectionType) unique() bool {
	return t != SectionBlock
}

// CompressionType is the 16-bit compression_type tag stored in every
// section header.
type CompressionType uint16

const (
	CompNone   CompressionType = 0
	CompLZMA   CompressionType = 1
	CompZSTD   CompressionType = 2
	CompLZ4    CompressionType = 3
	CompLZ4HC  CompressionType = 4
	CompBrotli CompressionType = 5
	CompFLAC   CompressionType = 6
	CompRicepp CompressionType = 7
)

func (c CompressionType) String() string {
	switch c {
	case CompNone:
		return "none"
	case CompLZMA:
		return "lzma"
	case CompZSTD:
		return "zstd"
	case CompLZ4:
		return "lz4"
	case CompLZ4HC:
		return "lz4hc"
	case CompBrotli:
		return "brotli"
	case CompFLAC:
		return "flac"
	case CompRicepp:
		return "ricepp"
	default:
		return "unknown"
	}
}

// InodeClass is the coarse partition an inode belongs to. Inodes are
// partitioned by class, in this order, across the whole inode index
// space (§3 "Inodes are partitioned by type in order"); the reader
// classifies an inode by comparing its number against the partition
// boundaries stored in the metadata graph rather than storing a
// per-inode kind.
type InodeClass uint8

const (
	ClassDirectory InodeClass = iota
	ClassSymlink
	ClassFileUnique
	ClassFileShared
	ClassCharDev
	ClassBlockDev
	ClassFifoSocket
)

func (c InodeClass) String() string {
	switch c {
	case ClassDirectory:
		return "directory"
	case ClassSymlink:
		return "symlink"
	case ClassFileUnique:
		return "file"
	case ClassFileShared:
		return "shared-file"
	case ClassCharDev:
		return "chardev"
	case ClassBlockDev:
		return "blockdev"
	case ClassFifoSocket:
		return "fifo-socket"
	default:
		return "unknown"
	}
}

func (c InodeClass) IsDir() bool     { return c == ClassDirectory }
func (c InodeClass) IsSymlink() bool { return c == ClassSymlink }
func (c InodeClass) IsRegular() bool { return c == ClassFileUnique || c == ClassFileShared }
func (c InodeClass) IsDevice() bool  { return c == ClassCharDev || c == ClassBlockDev }

// modeTypeBits returns the fs.FileMode type bits implied by the class,
// used when the stored mode table only carries permission bits for a
// given entity (it never does for dwarfs - the full mode is always
// stored - but this mirrors the teacher's Type.Mode() shape used when
// cross-checking a stored mode against its class).
func (c InodeClass) modeTypeBits() fs.FileMode {
	switch c {
	case ClassDirectory:
		return fs.ModeDir
	case ClassSymlink:
		return fs.ModeSymlink
	case ClassCharDev:
		return fs.ModeDevice | fs.ModeCharDevice
	case ClassBlockDev:
		return fs.ModeDevice
	case ClassFifoSocket:
		return fs.ModeNamedPipe // socket is distinguished by the stored mode bits
	default:
		return 0
	}
}

// Chunk is a single on-disk 64-bit chunk word decoded into its three
// logical fields (§3 "Chunk encoding").
type Chunk struct {
	Block  uint32
	Offset uint32
	Size   uint32
}

// DecodeChunk unpacks a raw 64-bit chunk word given the configured
// block_size_bits. size is stored biased by one so that size == 0 is
// unrepresentable.
func DecodeChunk(raw uint64, blockSizeBits uint) Chunk {
	b := blockSizeBits
	mask := uint64(1)<<b - 1
	return Chunk{
		Block:  uint32(raw >> (2 * b)),
		Offset: uint32((raw >> b) & mask),
		Size:   uint32(raw&mask) + 1,
	}
}

// EncodeChunk packs a Chunk back into its on-disk 64-bit word form.
func EncodeChunk(c Chunk, blockSizeBits uint) uint64 {
	b := blockSizeBits
	mask := uint64(1)<<b - 1
	size := uint64(c.Size-1) & mask
	return uint64(c.Block)<<(2*b) | (uint64(c.Offset)&mask)<<b | size
}
