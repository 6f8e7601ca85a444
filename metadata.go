package dwarfs

import (
	"fmt"
	"io/fs"
	"path"
	"path/filepath"
	"strings"
	"time"
)

// StringTable is a read-only indexed string collection (§3 "Compact
// names/symlinks"): either a plain slice of strings or an FSST-coded
// buffer with a prefix-summed (or plain) index, mirroring
// string_table::impl's two shapes.
type StringTable struct {
	plain  []string
	packed bool

	buffer []byte
	index  []uint32 // len(index) == count+1, byte offsets into buffer
	table  *fsstTable
}

// NewPlainStringTable wraps an already-materialized slice of strings.
func NewPlainStringTable(strs []string) *StringTable {
	return &StringTable{plain: strs}
}

// NewPackedStringTable builds an FSST-coded table. packIndex has no
// effect: the index is kept as expanded byte offsets in memory and is
// written that way on disk.
func NewPackedStringTable(strs []string, packIndex bool) *StringTable {
	t := buildFSSTTable(strs)
	st := &StringTable{packed: true, table: t}
	offset := uint32(0)
	st.index = append(st.index, offset)
	for _, s := range strs {
		coded := t.encode(s)
		st.buffer = append(st.buffer, coded...)
		offset += uint32(len(coded))
		st.index = append(st.index, offset)
	}
	_ = packIndex // index is always stored expanded, in memory and on disk (see metadata_pack.go)
	return st
}

func (st *StringTable) Len() int {
	if st.packed {
		return len(st.index) - 1
	}
	return len(st.plain)
}

func (st *StringTable) Get(i int) (string, error) {
	if st.packed {
		if i < 0 || i+1 >= len(st.index) {
			return "", fmt.Errorf("%w: string index %d", ErrStructuralInvariant, i)
		}
		coded := st.buffer[st.index[i]:st.index[i+1]]
		return string(st.table.decode(coded)), nil
	}
	if i < 0 || i >= len(st.plain) {
		return "", fmt.Errorf("%w: string index %d", ErrStructuralInvariant, i)
	}
	return st.plain[i], nil
}

// Mode, Owner/Group id, Device, DirEntry, Directory are the metadata
// graph's fixed-width records (§3 "Metadata graph").
type Mode uint16

type DirEntry struct {
	NameIndex int
	InodeNum  uint32
}

type Directory struct {
	FirstEntry  uint32
	ParentEntry uint32 // index into dir_entries of the entry that names this directory; recovered by BFS if packed
}

type Device struct {
	Rdev uint64
}

// PackFlags records which optional packings are active on a loaded
// metadata graph (§3 "packing options"); the reader uses it purely for
// introspection since unpacking already happened at load time.
type PackFlags uint16

const (
	PackedDirectories PackFlags = 1 << iota
	PackedChunkTable
	PackedNames
	PackedNamesIndex
	PackedSymlinks
	PackedSymlinksIndex
	PlainNames
	PlainSymlinks
)

func (f PackFlags) String() string {
	var opt []string
	add := func(bit PackFlags, name string) {
		if f&bit != 0 {
			opt = append(opt, name)
		}
	}
	add(PackedDirectories, "PACKED_DIRECTORIES")
	add(PackedChunkTable, "PACKED_CHUNK_TABLE")
	add(PackedNames, "PACKED_NAMES")
	add(PackedNamesIndex, "PACKED_NAMES_INDEX")
	add(PackedSymlinks, "PACKED_SYMLINKS")
	add(PackedSymlinksIndex, "PACKED_SYMLINKS_INDEX")
	add(PlainNames, "PLAIN_NAMES")
	add(PlainSymlinks, "PLAIN_SYMLINKS")
	return strings.Join(opt, "|")
}

func (f PackFlags) Has(bit PackFlags) bool { return f&bit == bit }

// InodePartition gives the first inode index of each class, in class
// order; class(i) is found by locating which [bound,next) range i
// falls in (§3 "Inodes are partitioned by type in order").
type InodePartition struct {
	Directory   uint32
	Symlink     uint32
	FileUnique  uint32
	FileShared  uint32
	CharDev     uint32
	BlockDev    uint32
	FifoSocket  uint32
	Count       uint32 // total inode count, the sentinel upper bound
}

func (p InodePartition) ClassOf(inode uint32) InodeClass {
	switch {
	case inode < p.Symlink:
		return ClassDirectory
	case inode < p.FileUnique:
		return ClassSymlink
	case inode < p.FileShared:
		return ClassFileUnique
	case inode < p.CharDev:
		return ClassFileShared
	case inode < p.BlockDev:
		return ClassCharDev
	case inode < p.FifoSocket:
		return ClassBlockDev
	default:
		return ClassFifoSocket
	}
}

// InodeRecord is the per-inode fixed fields (§3 "inode").
type InodeRecord struct {
	ModeIndex  uint32
	OwnerIndex uint32
	GroupIndex uint32
	Atime      int64
	Mtime      int64
	Ctime      int64
}

// Metadata is the decoded, in-memory metadata graph (§3, §4.6). It is
// built once at mount and is read-only thereafter (§5 "shared-resource
// policy"): every Metadata method is safe for concurrent use.
type Metadata struct {
	Flags PackFlags

	Modes    []Mode
	Uids     []uint32
	Gids     []uint32
	Names    *StringTable
	Symlinks *StringTable

	Inodes      []InodeRecord
	Partition   InodePartition
	DirEntries  []DirEntry
	Directories []Directory

	ChunkTable []uint32 // len == inode count + 1 (for file inodes); prefix-summed
	Chunks     []Chunk

	SharedFilesTable []uint32 // shared_files_table[j] = inode index of hardlink group j
	Devices          []Device

	BlockSizeBits uint
	OriginalSize  int64 // sum of pre-compression file sizes, for statvfs
	EnableNlink   bool
	CacheAllSizes bool // mount option cache_files: memoize InodeSize regardless of chunk count

	inodeSizeCache map[uint32]int64
	inodeLocCache  map[uint32]dirEntryLoc
}

// RootInode is always inode 0 (the first directory, per partition order).
const RootInode uint32 = 0

// rootDirEntry is a synthetic dir-entry index representing the root;
// it never appears in DirEntries.
const rootDirEntry = -1

// PostLoad finishes graph construction: recovers parent_entry for
// packed directories and prefix-sums a packed chunk table, then runs
// the structural consistency check if requested.
func (m *Metadata) PostLoad(verify bool) error {
	if m.Flags.Has(PackedDirectories) {
		if err := m.recoverParentEntries(); err != nil {
			return err
		}
	}
	if m.Flags.Has(PackedChunkTable) {
		// stored as per-inode chunk counts
		counts := m.ChunkTable
		m.ChunkTable = make([]uint32, len(counts)+1)
		for i, c := range counts {
			m.ChunkTable[i+1] = m.ChunkTable[i] + c
		}
	}
	if verify {
		if err := m.checkStructural(); err != nil {
			return err
		}
	}
	m.inodeSizeCache = make(map[uint32]int64)
	return nil
}

// recoverParentEntries implements §4.6 "Packed directory recovery": a
// BFS from the root where every dir-entry in a directory's range whose
// inode is itself a directory sets that child directory's parent_entry
// to the index of this dir-entry (the entry naming the child), the same
// convention the writer uses. first_entry values are used as stored.
func (m *Metadata) recoverParentEntries() error {
	type queued struct {
		dirIdx     uint32 // index into m.Directories
		selfEntry  int    // dir_entries index naming this directory, or rootDirEntry
	}
	queue := []queued{{dirIdx: 0, selfEntry: rootDirEntry}}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur.dirIdx+1 >= uint32(len(m.Directories)) {
			return fmt.Errorf("%w: directory index %d out of range", ErrStructuralInvariant, cur.dirIdx)
		}
		start := m.Directories[cur.dirIdx].FirstEntry
		end := m.Directories[cur.dirIdx+1].FirstEntry
		for ei := start; ei < end; ei++ {
			if ei >= uint32(len(m.DirEntries)) {
				return fmt.Errorf("%w: dir_entry index %d out of range", ErrStructuralInvariant, ei)
			}
			de := m.DirEntries[ei]
			if m.Partition.ClassOf(de.InodeNum) != ClassDirectory {
				continue
			}
			childDirIdx := de.InodeNum // directories occupy inode indices [0, Partition.Symlink), mirroring directory-table order
			if childDirIdx >= uint32(len(m.Directories)) {
				return fmt.Errorf("%w: child directory inode %d out of range", ErrStructuralInvariant, childDirIdx)
			}
			m.Directories[childDirIdx].ParentEntry = ei
			queue = append(queue, queued{dirIdx: childDirIdx, selfEntry: int(ei)})
		}
	}
	return nil
}

// checkStructural verifies a subset of the invariants enumerated in §3
// "Structural invariants": inode mode/owner/group indices in range,
// monotone first_entry and chunk_table with their sentinels, chunk
// sizes and block bounds, block_size_bits range, and inode class order.
// Other index fields (name_index, inode_num) are not range-checked, and
// plain/packed string-table flags are not checked for exclusivity.
func (m *Metadata) checkStructural() error {
	for i, mi := range m.Inodes {
		if int(mi.ModeIndex) >= len(m.Modes) {
			return fmt.Errorf("%w: inode %d mode_index out of range", ErrStructuralInvariant, i)
		}
		if int(mi.OwnerIndex) >= len(m.Uids) || int(mi.GroupIndex) >= len(m.Gids) {
			return fmt.Errorf("%w: inode %d owner/group index out of range", ErrStructuralInvariant, i)
		}
	}
	for i := 0; i+1 < len(m.Directories); i++ {
		if m.Directories[i].FirstEntry > m.Directories[i+1].FirstEntry {
			return fmt.Errorf("%w: directories[%d].first_entry not non-decreasing", ErrStructuralInvariant, i)
		}
	}
	if len(m.Directories) > 0 {
		last := m.Directories[len(m.Directories)-1].FirstEntry
		if int(last) != len(m.DirEntries) {
			return fmt.Errorf("%w: directory sentinel %d != dir_entry count %d", ErrStructuralInvariant, last, len(m.DirEntries))
		}
	}
	for i := 0; i+1 < len(m.ChunkTable); i++ {
		if m.ChunkTable[i] > m.ChunkTable[i+1] {
			return fmt.Errorf("%w: chunk_table[%d] not non-decreasing", ErrStructuralInvariant, i)
		}
	}
	if len(m.ChunkTable) > 0 {
		last := m.ChunkTable[len(m.ChunkTable)-1]
		if int(last) != len(m.Chunks) {
			return fmt.Errorf("%w: chunk_table sentinel %d != chunk count %d", ErrStructuralInvariant, last, len(m.Chunks))
		}
	}
	blockSize := uint32(1) << m.BlockSizeBits
	for i, c := range m.Chunks {
		if c.Size == 0 {
			return fmt.Errorf("%w: chunk %d has zero size", ErrStructuralInvariant, i)
		}
		if uint64(c.Offset)+uint64(c.Size) > uint64(blockSize) {
			return fmt.Errorf("%w: chunk %d [%d,%d) exceeds block_size %d", ErrStructuralInvariant, i, c.Offset, c.Offset+c.Size, blockSize)
		}
	}
	if m.BlockSizeBits < 12 || m.BlockSizeBits > 28 {
		return fmt.Errorf("%w: block_size_bits %d out of [12,28]", ErrStructuralInvariant, m.BlockSizeBits)
	}
	prevClass := ClassDirectory
	for i := range m.Inodes {
		c := m.Partition.ClassOf(uint32(i))
		if c < prevClass {
			return fmt.Errorf("%w: inode %d class %s precedes earlier class %s", ErrStructuralInvariant, i, c, prevClass)
		}
		prevClass = c
	}
	return nil
}

// --- Chunk resolution (ChunkResolver, see chunk.go) -----------------

func (m *Metadata) InodeChunks(inode uint32) ([]Chunk, error) {
	if int(inode)+1 >= len(m.ChunkTable) {
		return nil, fmt.Errorf("%w: inode %d has no chunk_table entry", ErrStructuralInvariant, inode)
	}
	start, end := m.ChunkTable[inode], m.ChunkTable[inode+1]
	if int(end) > len(m.Chunks) {
		return nil, fmt.Errorf("%w: chunk range out of bounds for inode %d", ErrStructuralInvariant, inode)
	}
	return m.Chunks[start:end], nil
}

func (m *Metadata) InodeSize(inode uint32) (int64, error) {
	if sz, ok := m.inodeSizeCache[inode]; ok {
		return sz, nil
	}
	chunks, err := m.InodeChunks(inode)
	if err != nil {
		return 0, err
	}
	var sz int64
	for _, c := range chunks {
		sz += int64(c.Size)
	}
	if m.CacheAllSizes || len(chunks) > 8 {
		m.inodeSizeCache[inode] = sz
	}
	return sz, nil
}

// --- Read operations (§4.6) -----------------------------------------

// Find walks path from the root, splitting on '/', returning the
// resolved inode number.
func (m *Metadata) Find(p string) (inode uint32, err error) {
	p = path.Clean("/" + p)
	if p == "/" {
		return RootInode, nil
	}
	segments := strings.Split(strings.TrimPrefix(p, "/"), "/")
	cur := RootInode
	for _, seg := range segments {
		if m.Partition.ClassOf(cur) != ClassDirectory {
			return 0, errNotDir("find")
		}
		child, found, err := m.lookupChild(cur, seg)
		if err != nil {
			return 0, err
		}
		if !found {
			return 0, errNotFound("find")
		}
		cur = child
	}
	return cur, nil
}

// dirEntryLoc locates one dir-entry by the directory it lives in and
// the name it carries.
type dirEntryLoc struct {
	dir  uint32
	name string
}

// reverseIndex lazily builds, and caches, a map from inode number to
// the first dir-entry naming it, scanning every directory once. An
// inode with multiple names (hardlinks, or a deduped shared file with
// several dir-entries) resolves to whichever entry was encountered
// first in directory order; callers wanting every name must walk
// Directories/DirEntries directly.
func (m *Metadata) reverseIndex() (map[uint32]dirEntryLoc, error) {
	if m.inodeLocCache != nil {
		return m.inodeLocCache, nil
	}
	idx := make(map[uint32]dirEntryLoc, len(m.DirEntries))
	for d := 0; d+1 < len(m.Directories); d++ {
		start, end := m.Directories[d].FirstEntry, m.Directories[d+1].FirstEntry
		for ei := start; ei < end; ei++ {
			de := m.DirEntries[ei]
			if _, seen := idx[de.InodeNum]; seen {
				continue
			}
			n, err := m.Names.Get(de.NameIndex)
			if err != nil {
				return nil, err
			}
			idx[de.InodeNum] = dirEntryLoc{dir: uint32(d), name: n}
		}
	}
	m.inodeLocCache = idx
	return idx, nil
}

// FindInode resolves inode to one path that names it (§4.6/§6
// "find(inode)"), following reverseIndex from each name to the
// directory that contains it, up to the root. Inodes
// with more than one name (hardlinks, deduped shared files) return
// whichever name reverseIndex recorded first.
func (m *Metadata) FindInode(inode uint32) (string, error) {
	if inode == RootInode {
		return "/", nil
	}
	idx, err := m.reverseIndex()
	if err != nil {
		return "", err
	}
	loc, ok := idx[inode]
	if !ok {
		return "", errNotFound("find")
	}
	var parts []string
	parts = append(parts, loc.name)
	dir := loc.dir
	for dir != RootInode {
		parentLoc, ok := idx[dir]
		if !ok {
			return "", fmt.Errorf("%w: directory inode %d has no dir-entry", ErrStructuralInvariant, dir)
		}
		parts = append(parts, parentLoc.name)
		dir = parentLoc.dir
	}
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return "/" + strings.Join(parts, "/"), nil
}

// FindInodeName resolves the child named name within directory inode
// dirInode (§4.6/§6 "find(inode, name)"), the inode-relative sibling of
// Find's path-based lookup.
func (m *Metadata) FindInodeName(dirInode uint32, name string) (uint32, error) {
	if m.Partition.ClassOf(dirInode) != ClassDirectory {
		return 0, errNotDir("find")
	}
	child, found, err := m.lookupChild(dirInode, name)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, errNotFound("find")
	}
	return child, nil
}

func (m *Metadata) lookupChild(dirInode uint32, name string) (uint32, bool, error) {
	if int(dirInode)+1 >= len(m.Directories) {
		return 0, false, fmt.Errorf("%w: directory inode %d out of range", ErrStructuralInvariant, dirInode)
	}
	start := m.Directories[dirInode].FirstEntry
	end := m.Directories[dirInode+1].FirstEntry
	for ei := start; ei < end; ei++ {
		de := m.DirEntries[ei]
		n, err := m.Names.Get(de.NameIndex)
		if err != nil {
			return 0, false, err
		}
		if n == name {
			return de.InodeNum, true, nil
		}
	}
	return 0, false, nil
}

// Readdir returns the offset-th child of directory dirInode and its
// name: offset 0 yields ".", 1 yields "..", 2..dirsize yield stored
// children (§4.6 "readdir").
func (m *Metadata) Readdir(dirInode uint32, offset int) (name string, inode uint32, err error) {
	if m.Partition.ClassOf(dirInode) != ClassDirectory {
		return "", 0, errNotDir("readdir")
	}
	if offset == 0 {
		return ".", dirInode, nil
	}
	if offset == 1 {
		parent, err := m.parentOf(dirInode)
		if err != nil {
			return "", 0, err
		}
		return "..", parent, nil
	}
	start := m.Directories[dirInode].FirstEntry
	end := m.Directories[dirInode+1].FirstEntry
	idx := start + uint32(offset-2)
	if idx >= end {
		return "", 0, errNotFound("readdir")
	}
	de := m.DirEntries[idx]
	n, err := m.Names.Get(de.NameIndex)
	if err != nil {
		return "", 0, err
	}
	return n, de.InodeNum, nil
}

// Dirsize returns the total readdir count (including "." and "..").
func (m *Metadata) Dirsize(dirInode uint32) (int, error) {
	if m.Partition.ClassOf(dirInode) != ClassDirectory {
		return 0, errNotDir("dirsize")
	}
	if int(dirInode)+1 >= len(m.Directories) {
		return 0, fmt.Errorf("%w: directory inode %d out of range", ErrStructuralInvariant, dirInode)
	}
	start := m.Directories[dirInode].FirstEntry
	end := m.Directories[dirInode+1].FirstEntry
	return int(end-start) + 2, nil
}

func (m *Metadata) parentOf(dirInode uint32) (uint32, error) {
	if dirInode == RootInode {
		return RootInode, nil
	}
	if int(dirInode) >= len(m.Directories) {
		return 0, fmt.Errorf("%w: directory inode %d out of range", ErrStructuralInvariant, dirInode)
	}
	pe := m.Directories[dirInode].ParentEntry
	if int(pe) >= len(m.DirEntries) {
		return 0, fmt.Errorf("%w: parent_entry %d out of range", ErrStructuralInvariant, pe)
	}
	// the parent_entry's own containing directory is the parent inode;
	// walk directories to find which directory's range contains pe.
	for i := 0; i+1 < len(m.Directories); i++ {
		if m.Directories[i].FirstEntry <= pe && pe < m.Directories[i+1].FirstEntry {
			return uint32(i), nil
		}
	}
	return RootInode, nil
}

// Getattr composes mode/uid/gid/rdev/size/times for inode (§4.6 "getattr").
type Attr struct {
	Mode  fs.FileMode
	Uid   uint32
	Gid   uint32
	Rdev  uint64
	Size  int64
	Atime time.Time
	Mtime time.Time
	Ctime time.Time
	Nlink uint32
}

func (m *Metadata) Getattr(inode uint32) (Attr, error) {
	if int(inode) >= len(m.Inodes) {
		return Attr{}, errNotFound("getattr")
	}
	ir := m.Inodes[inode]
	if int(ir.ModeIndex) >= len(m.Modes) {
		return Attr{}, fmt.Errorf("%w: inode %d mode_index out of range", ErrStructuralInvariant, inode)
	}
	mode := UnixToMode(uint32(m.Modes[ir.ModeIndex]))
	a := Attr{
		Mode:  mode,
		Uid:   m.Uids[ir.OwnerIndex],
		Gid:   m.Gids[ir.GroupIndex],
		Atime: time.Unix(ir.Atime, 0),
		Mtime: time.Unix(ir.Mtime, 0),
		Ctime: time.Unix(ir.Ctime, 0),
		Nlink: 1,
	}
	switch m.Partition.ClassOf(inode) {
	case ClassDirectory:
		a.Nlink = 2
	case ClassFileUnique, ClassFileShared:
		size, err := m.InodeSize(inode)
		if err != nil {
			return Attr{}, err
		}
		a.Size = size
		if m.EnableNlink {
			a.Nlink = m.nlinkOf(inode)
		}
	case ClassSymlink:
		idx := inode - m.Partition.Symlink
		target, err := m.Symlinks.Get(int(idx))
		if err != nil {
			return Attr{}, err
		}
		a.Size = int64(len(target))
	case ClassCharDev, ClassBlockDev:
		devIdx := inode - m.Partition.CharDev
		if int(devIdx) < len(m.Devices) {
			a.Rdev = m.Devices[devIdx].Rdev
		}
	}
	return a, nil
}

// nlinkOf counts shared-files-table references to inode; per §9's open
// question, hardlink groups report nlink=1 when enable_nlink is false,
// which Getattr already short-circuits before calling this.
func (m *Metadata) nlinkOf(inode uint32) uint32 {
	var n uint32
	for _, ref := range m.SharedFilesTable {
		if ref == inode {
			n++
		}
	}
	if n == 0 {
		return 1
	}
	return n
}

// AccessMode mirrors the POSIX access(2) request bits.
type AccessMode uint8

const (
	AccessRead AccessMode = 1 << iota
	AccessWrite
	AccessExec
)

// Access implements classic POSIX owner/group/other class selection
// (§4.6 "access"), with uid 0 privileged except execute requires at
// least one execute bit set somewhere in the mode.
func (m *Metadata) Access(inode uint32, want AccessMode, uid, gid uint32) error {
	a, err := m.Getattr(inode)
	if err != nil {
		return err
	}
	if uid == 0 {
		if want&AccessExec != 0 && a.Mode.Perm()&0111 == 0 {
			return errAccess("access")
		}
		return nil
	}
	var bits fs.FileMode
	switch {
	case uid == a.Uid:
		bits = (a.Mode.Perm() >> 6) & 07
	case gid == a.Gid:
		bits = (a.Mode.Perm() >> 3) & 07
	default:
		bits = a.Mode.Perm() & 07
	}
	need := fs.FileMode(0)
	if want&AccessRead != 0 {
		need |= 04
	}
	if want&AccessWrite != 0 {
		need |= 02
	}
	if want&AccessExec != 0 {
		need |= 01
	}
	if bits&need != need {
		return errAccess("access")
	}
	return nil
}

// ReadlinkMode selects path-separator normalization for Readlink.
type ReadlinkMode int

const (
	ReadlinkRaw ReadlinkMode = iota
	ReadlinkPosix
	ReadlinkPreferred
)

func (m *Metadata) Readlink(inode uint32, mode ReadlinkMode) (string, error) {
	if m.Partition.ClassOf(inode) != ClassSymlink {
		return "", errInval("readlink")
	}
	idx := inode - m.Partition.Symlink
	target, err := m.Symlinks.Get(int(idx))
	if err != nil {
		return "", err
	}
	switch mode {
	case ReadlinkPosix:
		return strings.ReplaceAll(target, `\`, "/"), nil
	case ReadlinkPreferred:
		return filepath.FromSlash(target), nil
	default:
		return target, nil
	}
}

// Statvfs reports the subset of statvfs fields the spec defines
// (§4.6 "statvfs").
type Statvfs struct {
	Blocks   uint64 // original (pre-compression) bytes
	Files    uint64
	ReadOnly bool
	Bsize    uint32
	Frsize   uint32
}

func (m *Metadata) Statvfs() Statvfs {
	return Statvfs{
		Blocks:   uint64(m.OriginalSize),
		Files:    uint64(len(m.Inodes)),
		ReadOnly: true,
		Bsize:    1,
		Frsize:   1,
	}
}

// VisitFunc is called once per dir-entry during a walk, with the full
// path and resolved inode.
type VisitFunc func(path string, inode uint32) error

// Walk traverses in "tree order": depth-first, directory children in
// stored order (§4.6 "Walks").
func (m *Metadata) Walk(visit VisitFunc) error {
	if err := visit("/", RootInode); err != nil {
		return err
	}
	return m.walkDir(RootInode, "", visit)
}

func (m *Metadata) walkDir(dirInode uint32, prefix string, visit VisitFunc) error {
	start := m.Directories[dirInode].FirstEntry
	end := m.Directories[dirInode+1].FirstEntry
	for ei := start; ei < end; ei++ {
		de := m.DirEntries[ei]
		name, err := m.Names.Get(de.NameIndex)
		if err != nil {
			return err
		}
		p := prefix + "/" + name
		if err := visit(p, de.InodeNum); err != nil {
			return err
		}
		if m.Partition.ClassOf(de.InodeNum) == ClassDirectory {
			if err := m.walkDir(de.InodeNum, p, visit); err != nil {
				return err
			}
		}
	}
	return nil
}

// WalkDataOrder traverses inodes in ascending numeric order, skipping
// non-regular-file inodes, pairing each with one of its dir-entry
// names (§4.6 "Walks" - "data order").
func (m *Metadata) WalkDataOrder(visit VisitFunc) error {
	names := make(map[uint32]string, len(m.DirEntries))
	var assign func(dirInode uint32, prefix string)
	assign = func(dirInode uint32, prefix string) {
		start := m.Directories[dirInode].FirstEntry
		end := m.Directories[dirInode+1].FirstEntry
		for ei := start; ei < end; ei++ {
			de := m.DirEntries[ei]
			name, err := m.Names.Get(de.NameIndex)
			if err != nil {
				continue
			}
			p := prefix + "/" + name
			if _, ok := names[de.InodeNum]; !ok {
				names[de.InodeNum] = p
			}
			if m.Partition.ClassOf(de.InodeNum) == ClassDirectory {
				assign(de.InodeNum, p)
			}
		}
	}
	assign(RootInode, "")

	for inode := m.Partition.FileUnique; inode < m.Partition.CharDev; inode++ {
		if p, ok := names[inode]; ok {
			if err := visit(p, inode); err != nil {
				return err
			}
		}
	}
	return nil
}
