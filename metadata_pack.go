package dwarfs

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Wire encoding for METADATA_V2 (this port's own compact binary layout:
// the upstream format is an Apache Thrift compact-protocol struct, and
// no Thrift runtime appears anywhere in the examples pack, so rather
// than hand-roll an unverifiable partial Thrift decoder this uses a
// plain length-prefixed binary layout carrying the same logical fields
// (§3 "Metadata graph"); METADATA_V2_SCHEMA is therefore unused on the
// read side beyond being present, since there is no schema-driven
// decode to drive).
//
// Layout (all integers little-endian):
//   u16 flags (PackFlags)
//   u8  block_size_bits
//   u64 original_size
//   u8  enable_nlink (0/1)
//   u32 partition.directory, .symlink, .file_unique, .file_shared,
//       .chardev, .blockdev, .fifosocket, .count  (8 x u32)
//   table modes    (u32 count, then count x u16)
//   table uids     (u32 count, then count x u32)
//   table gids     (u32 count, then count x u32)
//   stringtable names
//   stringtable symlinks
//   u32 inode count, then per-inode: u32 mode_index, owner_index, group_index; i64 atime,mtime,ctime
//   u32 dir_entry count, then per-entry: u32 name_index, inode_num
//   u32 directory count (including sentinel), then per-dir: u32 first_entry, parent_entry
//   u32 chunk_table len, then that many u32 (read and written as stored; with PACKED_CHUNK_TABLE they are per-inode counts that PostLoad prefix-sums)
//   u32 chunk count, then that many u64 raw chunk words
//   u32 shared_files_table len, then that many u32
//   u32 device count, then that many u64 rdev
//
// stringtable wire shape:
//   u8 packed (0 = plain, 1 = fsst-coded)
//   if plain: u32 count, then each as (u32 len, bytes)
//   if packed: u32 index_len, index_len x u32 byte offsets (already expanded);
//              u32 buffer_len, buffer bytes; fsst symtab (len-prefixed per fsst.go)

func writeU32(buf *bytes.Buffer, v uint32) {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	buf.Write(tmp[:])
}

func writeU64(buf *bytes.Buffer, v uint64) {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	buf.Write(tmp[:])
}

func writeI64(buf *bytes.Buffer, v int64) { writeU64(buf, uint64(v)) }

func writeStringTable(buf *bytes.Buffer, st *StringTable) {
	if !st.packed {
		buf.WriteByte(0)
		writeU32(buf, uint32(len(st.plain)))
		for _, s := range st.plain {
			writeU32(buf, uint32(len(s)))
			buf.WriteString(s)
		}
		return
	}
	buf.WriteByte(1)
	writeU32(buf, uint32(len(st.index)))
	for _, off := range st.index {
		writeU32(buf, off)
	}
	writeU32(buf, uint32(len(st.buffer)))
	buf.Write(st.buffer)
	symtab := st.table.marshalSymtab()
	writeU32(buf, uint32(len(symtab)))
	buf.Write(symtab)
}

type byteReader struct {
	b   []byte
	pos int
}

func (r *byteReader) u8() (byte, error) {
	if r.pos >= len(r.b) {
		return 0, ErrTruncatedSection
	}
	v := r.b[r.pos]
	r.pos++
	return v, nil
}

func (r *byteReader) u16() (uint16, error) {
	if r.pos+2 > len(r.b) {
		return 0, ErrTruncatedSection
	}
	v := binary.LittleEndian.Uint16(r.b[r.pos:])
	r.pos += 2
	return v, nil
}

func (r *byteReader) u32() (uint32, error) {
	if r.pos+4 > len(r.b) {
		return 0, ErrTruncatedSection
	}
	v := binary.LittleEndian.Uint32(r.b[r.pos:])
	r.pos += 4
	return v, nil
}

func (r *byteReader) u64() (uint64, error) {
	if r.pos+8 > len(r.b) {
		return 0, ErrTruncatedSection
	}
	v := binary.LittleEndian.Uint64(r.b[r.pos:])
	r.pos += 8
	return v, nil
}

func (r *byteReader) i64() (int64, error) {
	v, err := r.u64()
	return int64(v), err
}

func (r *byteReader) bytes(n int) ([]byte, error) {
	if n < 0 || r.pos+n > len(r.b) {
		return nil, ErrTruncatedSection
	}
	v := r.b[r.pos : r.pos+n]
	r.pos += n
	return v, nil
}

func readStringTable(r *byteReader) (*StringTable, error) {
	packed, err := r.u8()
	if err != nil {
		return nil, err
	}
	if packed == 0 {
		count, err := r.u32()
		if err != nil {
			return nil, err
		}
		strs := make([]string, count)
		for i := range strs {
			n, err := r.u32()
			if err != nil {
				return nil, err
			}
			b, err := r.bytes(int(n))
			if err != nil {
				return nil, err
			}
			strs[i] = string(b)
		}
		return NewPlainStringTable(strs), nil
	}
	idxLen, err := r.u32()
	if err != nil {
		return nil, err
	}
	index := make([]uint32, idxLen)
	for i := range index {
		index[i], err = r.u32()
		if err != nil {
			return nil, err
		}
	}
	bufLen, err := r.u32()
	if err != nil {
		return nil, err
	}
	buffer, err := r.bytes(int(bufLen))
	if err != nil {
		return nil, err
	}
	symLen, err := r.u32()
	if err != nil {
		return nil, err
	}
	symBytes, err := r.bytes(int(symLen))
	if err != nil {
		return nil, err
	}
	table, _, err := unmarshalFSSTTable(symBytes)
	if err != nil {
		return nil, err
	}
	return &StringTable{packed: true, index: index, buffer: buffer, table: table}, nil
}

// EncodeMetadataV2 serializes m into this port's METADATA_V2 wire
// layout, for use by the filesystem writer (§4.9).
func EncodeMetadataV2(m *Metadata) []byte {
	var buf bytes.Buffer
	var tmp [2]byte
	binary.LittleEndian.PutUint16(tmp[:], uint16(m.Flags))
	buf.Write(tmp[:])
	buf.WriteByte(byte(m.BlockSizeBits))
	writeU64(&buf, uint64(m.OriginalSize))
	if m.EnableNlink {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
	p := m.Partition
	for _, v := range []uint32{p.Directory, p.Symlink, p.FileUnique, p.FileShared, p.CharDev, p.BlockDev, p.FifoSocket, p.Count} {
		writeU32(&buf, v)
	}

	writeU32(&buf, uint32(len(m.Modes)))
	for _, mo := range m.Modes {
		binary.LittleEndian.PutUint16(tmp[:], uint16(mo))
		buf.Write(tmp[:])
	}
	writeU32(&buf, uint32(len(m.Uids)))
	for _, u := range m.Uids {
		writeU32(&buf, u)
	}
	writeU32(&buf, uint32(len(m.Gids)))
	for _, g := range m.Gids {
		writeU32(&buf, g)
	}

	writeStringTable(&buf, m.Names)
	writeStringTable(&buf, m.Symlinks)

	writeU32(&buf, uint32(len(m.Inodes)))
	for _, ir := range m.Inodes {
		writeU32(&buf, ir.ModeIndex)
		writeU32(&buf, ir.OwnerIndex)
		writeU32(&buf, ir.GroupIndex)
		writeI64(&buf, ir.Atime)
		writeI64(&buf, ir.Mtime)
		writeI64(&buf, ir.Ctime)
	}

	writeU32(&buf, uint32(len(m.DirEntries)))
	for _, de := range m.DirEntries {
		writeU32(&buf, uint32(de.NameIndex))
		writeU32(&buf, de.InodeNum)
	}

	writeU32(&buf, uint32(len(m.Directories)))
	for _, d := range m.Directories {
		writeU32(&buf, d.FirstEntry)
		writeU32(&buf, d.ParentEntry)
	}

	writeU32(&buf, uint32(len(m.ChunkTable)))
	for _, v := range m.ChunkTable {
		writeU32(&buf, v)
	}

	writeU32(&buf, uint32(len(m.Chunks)))
	for _, c := range m.Chunks {
		writeU64(&buf, EncodeChunk(c, m.BlockSizeBits))
	}

	writeU32(&buf, uint32(len(m.SharedFilesTable)))
	for _, v := range m.SharedFilesTable {
		writeU32(&buf, v)
	}

	writeU32(&buf, uint32(len(m.Devices)))
	for _, d := range m.Devices {
		writeU64(&buf, d.Rdev)
	}

	return buf.Bytes()
}

// DecodeMetadataV2 parses the wire layout written by EncodeMetadataV2
// and runs PostLoad (packed-directory recovery, structural check).
func DecodeMetadataV2(data []byte, verify bool) (*Metadata, error) {
	r := &byteReader{b: data}
	flags16, err := r.u16()
	if err != nil {
		return nil, err
	}
	bsBits, err := r.u8()
	if err != nil {
		return nil, err
	}
	origSize, err := r.u64()
	if err != nil {
		return nil, err
	}
	enableNlinkByte, err := r.u8()
	if err != nil {
		return nil, err
	}

	m := &Metadata{
		Flags:         PackFlags(flags16),
		BlockSizeBits: uint(bsBits),
		OriginalSize:  int64(origSize),
		EnableNlink:   enableNlinkByte != 0,
	}

	var pvals [8]uint32
	for i := range pvals {
		pvals[i], err = r.u32()
		if err != nil {
			return nil, err
		}
	}
	m.Partition = InodePartition{
		Directory: pvals[0], Symlink: pvals[1], FileUnique: pvals[2], FileShared: pvals[3],
		CharDev: pvals[4], BlockDev: pvals[5], FifoSocket: pvals[6], Count: pvals[7],
	}

	modeCount, err := r.u32()
	if err != nil {
		return nil, err
	}
	m.Modes = make([]Mode, modeCount)
	for i := range m.Modes {
		v, err := r.u16()
		if err != nil {
			return nil, err
		}
		m.Modes[i] = Mode(v)
	}

	uidCount, err := r.u32()
	if err != nil {
		return nil, err
	}
	m.Uids = make([]uint32, uidCount)
	for i := range m.Uids {
		if m.Uids[i], err = r.u32(); err != nil {
			return nil, err
		}
	}

	gidCount, err := r.u32()
	if err != nil {
		return nil, err
	}
	m.Gids = make([]uint32, gidCount)
	for i := range m.Gids {
		if m.Gids[i], err = r.u32(); err != nil {
			return nil, err
		}
	}

	if m.Names, err = readStringTable(r); err != nil {
		return nil, fmt.Errorf("names table: %w", err)
	}
	if m.Symlinks, err = readStringTable(r); err != nil {
		return nil, fmt.Errorf("symlinks table: %w", err)
	}

	inodeCount, err := r.u32()
	if err != nil {
		return nil, err
	}
	m.Inodes = make([]InodeRecord, inodeCount)
	for i := range m.Inodes {
		ir := &m.Inodes[i]
		if ir.ModeIndex, err = r.u32(); err != nil {
			return nil, err
		}
		if ir.OwnerIndex, err = r.u32(); err != nil {
			return nil, err
		}
		if ir.GroupIndex, err = r.u32(); err != nil {
			return nil, err
		}
		if ir.Atime, err = r.i64(); err != nil {
			return nil, err
		}
		if ir.Mtime, err = r.i64(); err != nil {
			return nil, err
		}
		if ir.Ctime, err = r.i64(); err != nil {
			return nil, err
		}
	}

	deCount, err := r.u32()
	if err != nil {
		return nil, err
	}
	m.DirEntries = make([]DirEntry, deCount)
	for i := range m.DirEntries {
		ni, err := r.u32()
		if err != nil {
			return nil, err
		}
		ino, err := r.u32()
		if err != nil {
			return nil, err
		}
		m.DirEntries[i] = DirEntry{NameIndex: int(ni), InodeNum: ino}
	}

	dirCount, err := r.u32()
	if err != nil {
		return nil, err
	}
	m.Directories = make([]Directory, dirCount)
	for i := range m.Directories {
		fe, err := r.u32()
		if err != nil {
			return nil, err
		}
		pe, err := r.u32()
		if err != nil {
			return nil, err
		}
		m.Directories[i] = Directory{FirstEntry: fe, ParentEntry: pe}
	}

	ctLen, err := r.u32()
	if err != nil {
		return nil, err
	}
	m.ChunkTable = make([]uint32, ctLen)
	for i := range m.ChunkTable {
		if m.ChunkTable[i], err = r.u32(); err != nil {
			return nil, err
		}
	}

	chunkCount, err := r.u32()
	if err != nil {
		return nil, err
	}
	m.Chunks = make([]Chunk, chunkCount)
	for i := range m.Chunks {
		raw, err := r.u64()
		if err != nil {
			return nil, err
		}
		m.Chunks[i] = DecodeChunk(raw, m.BlockSizeBits)
	}

	sftLen, err := r.u32()
	if err != nil {
		return nil, err
	}
	m.SharedFilesTable = make([]uint32, sftLen)
	for i := range m.SharedFilesTable {
		if m.SharedFilesTable[i], err = r.u32(); err != nil {
			return nil, err
		}
	}

	devCount, err := r.u32()
	if err != nil {
		return nil, err
	}
	m.Devices = make([]Device, devCount)
	for i := range m.Devices {
		rdev, err := r.u64()
		if err != nil {
			return nil, err
		}
		m.Devices[i] = Device{Rdev: rdev}
	}

	if err := m.PostLoad(verify); err != nil {
		return nil, err
	}
	return m, nil
}
