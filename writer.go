package dwarfs

import (
	"crypto/sha512"
	"encoding/binary"
	"fmt"
	"io"
	"io/fs"
	"path"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/zeebo/xxh3"
)

// Writer builds a dwarfs image in memory and streams it to an
// io.Writer on Finalize. It mirrors the teacher's Writer shape (a tree
// of writerInode-like nodes grown by repeated Add calls, then flattened
// once at Finalize) re-targeted at the section-stream container and
// table-of-tables metadata graph instead of squashfs's fixed table
// layout (§4.9 "Filesystem writer").
type Writer struct {
	w   io.Writer
	log *logrus.Entry

	blockSizeBits uint
	registry      *CodecRegistry
	defaultComp   CompressionType
	categoryComp  map[string]CompressionType

	srcFS fs.FS
	root  *wnode
	byRel map[string]*wnode

	orderMode   OrderMode
	orderParams OrderParams

	sectionNo uint64
	curOffset int64
	index     []SectionIndexEntry // offset of each written section's header, for the trailing SECTION_INDEX

	// dedup: content hash -> already-registered node holding the data
	byHash map[[64]byte]*wnode
}

// wnode is one file, directory, symlink, or device node accumulated in
// memory before Finalize flattens the tree into the metadata graph.
type wnode struct {
	name     string
	mode     fs.FileMode
	uid, gid uint32
	rdev     uint64
	atime    time.Time
	mtime    time.Time
	ctime    time.Time

	isDir    bool
	children []*wnode
	parent   *wnode

	symlink string
	data    []byte // file content; nil once chunked away during Finalize
	hash    [64]byte
	hasHash bool

	category  string     // categorizer tag, e.g. "pcmaudio/flac", "image/fits" (§4.10); the first fragment's category once a categorizer chain has run
	fragments []Fragment // categorizer chain output, covering data byte-for-byte; nil means "treat as one fragment of category"

	inode   uint32
	aliasOf *wnode // set when this dir-entry's content was deduped onto another node
}

// effectiveFragments returns f's fragment list, defaulting to a single
// fragment spanning the whole file under f.category when no
// categorizer chain has run (§4.10 "absent categorization = single
// fragment category <default>").
func (f *wnode) effectiveFragments() []Fragment {
	if len(f.fragments) > 0 {
		return f.fragments
	}
	return []Fragment{{Category: f.category, Size: len(f.data)}}
}

// NewWriter builds a Writer that will stream its image to w once
// Finalize is called. blockSizeBits sets the container's block_size_bits.
func NewWriter(w io.Writer, blockSizeBits uint, reg *CodecRegistry) *Writer {
	root := &wnode{name: "", isDir: true, mode: fs.ModeDir | 0755, mtime: time.Now()}
	return &Writer{
		w:             w,
		log:           newComponentLogger(nil, "writer"),
		blockSizeBits: blockSizeBits,
		registry:      reg,
		defaultComp:   CompZSTD,
		categoryComp:  make(map[string]CompressionType),
		root:          root,
		byRel:         map[string]*wnode{".": root, "": root},
		byHash:        make(map[[64]byte]*wnode),
	}
}

// SetSourceFS sets the filesystem subsequent Add calls read file data
// and symlink targets from.
func (w *Writer) SetSourceFS(srcFS fs.FS) { w.srcFS = srcFS }

// SetDefaultCompression sets the codec used for categories with no
// explicit override.
func (w *Writer) SetDefaultCompression(c CompressionType) { w.defaultComp = c }

// SetCategoryCompression looks up comp for fragments tagged category
// before falling back to the default (§4.9 "per-category compressors").
func (w *Writer) SetCategoryCompression(category string, c CompressionType) {
	w.categoryComp[category] = c
}

// SetOrder selects the fragment order Finalize submits each category's
// files to the segmenter in (§4.10 "Ordering").
func (w *Writer) SetOrder(mode OrderMode, params OrderParams) {
	w.orderMode = mode
	w.orderParams = params
}

// Add adds one tree entry; compatible with fs.WalkDirFunc so a whole
// source tree can be added with fs.WalkDir(srcFS, ".", writer.Add).
func (w *Writer) Add(p string, d fs.DirEntry, walkErr error) error {
	if walkErr != nil {
		return walkErr
	}
	if p == "." || p == "" {
		return nil
	}
	info, err := d.Info()
	if err != nil {
		return err
	}
	parentPath := path.Dir(p)
	parent, ok := w.byRel[parentPath]
	if !ok {
		return fmt.Errorf("dwarfs: writer: parent of %q not yet added", p)
	}

	n := &wnode{
		name:  info.Name(),
		mode:  info.Mode(),
		mtime: info.ModTime(),
		atime: info.ModTime(),
		ctime: info.ModTime(),
		category: categorize(info.Name()),
	}
	if sys := info.Sys(); sys != nil {
		if ids, ok := sys.(interface {
			Uid() uint32
			Gid() uint32
		}); ok {
			n.uid, n.gid = ids.Uid(), ids.Gid()
		}
	}

	switch {
	case info.Mode().IsDir():
		n.isDir = true
	case info.Mode()&fs.ModeSymlink != 0:
		if w.srcFS == nil {
			return fmt.Errorf("dwarfs: writer: symlink %q added without a source filesystem", p)
		}
		target, err := fs.ReadLink(w.srcFS, p)
		if err != nil {
			return fmt.Errorf("dwarfs: writer: read symlink %s: %w", p, err)
		}
		n.symlink = target
	case info.Mode().IsRegular():
		if w.srcFS == nil {
			return fmt.Errorf("dwarfs: writer: file %q added without a source filesystem", p)
		}
		data, err := fs.ReadFile(w.srcFS, p)
		if err != nil {
			return fmt.Errorf("dwarfs: writer: read %s: %w", p, err)
		}
		n.data = data
		sum := sha512.Sum512(data)
		n.hash, n.hasHash = sum, true
	case info.Mode()&(fs.ModeCharDevice|fs.ModeDevice) != 0:
		// rdev is not exposed by io/fs.FileInfo; callers that need it
		// call SetRdev after Add returns for this path.
	default:
		// FIFO/socket: no content, no rdev.
	}

	parent.children = append(parent.children, n)
	n.parent = parent
	w.byRel[p] = n
	return nil
}

// SetRdev overrides the device number for an already-added path, since
// io/fs.FileInfo carries no portable rdev accessor.
func (w *Writer) SetRdev(p string, rdev uint64) error {
	n, ok := w.byRel[p]
	if !ok {
		return fmt.Errorf("dwarfs: writer: %q not found", p)
	}
	n.rdev = rdev
	return nil
}

// categorize assigns a category tag from a file's extension, the way
// the scanner's categorizer dispatch is expected to (§4.10); writer
// callers needing real content-sniffing categorization should overwrite
// w.byRel[path].category directly before Finalize.
func categorize(name string) string {
	switch path.Ext(name) {
	case ".flac":
		return "pcmaudio/flac"
	case ".fits":
		return "image/fits"
	default:
		return "default"
	}
}

// flatten walks the tree in class order (directories, symlinks,
// unique files, shared files, chardev, blockdev, fifo/socket),
// assigning inode numbers and deduplicating identical file content
// onto one inode per distinct hash (§3 "Inodes are partitioned by
// type").
//
// Limitation: dedup is expressed as multiple dir-entries naming the
// same file-unique inode, not as dedicated file-shared-class inodes
// backed by shared_files_table; shared_files_table is left empty, so
// images produced by this writer under-report nlink when enable_nlink
// is requested on re-mount. Populating shared_files_table for true
// hardlink-group accounting is left for a future pass.
func (w *Writer) flatten() (dirs, symlinks, files []*wnode) {
	var walk func(n *wnode)
	walk = func(n *wnode) {
		for _, c := range n.children {
			switch {
			case c.isDir:
				dirs = append(dirs, c)
			case c.mode&fs.ModeSymlink != 0:
				symlinks = append(symlinks, c)
			case c.mode.IsRegular():
				if dup, ok := w.byHash[c.hash]; c.hasHash && ok {
					c.aliasOf = dup
				} else if c.hasHash {
					w.byHash[c.hash] = c
					files = append(files, c)
				} else {
					files = append(files, c)
				}
			}
		}
		for _, c := range n.children {
			if c.isDir {
				walk(c)
			}
		}
	}
	dirs = append(dirs, w.root)
	walk(w.root)
	// stable order within each class: by insertion (tree pre-order),
	// already satisfied by the walk above.
	return
}

// --- Section stream output (§4.1/§4.9) ------------------------------

func (w *Writer) writeSection(typ SectionType, comp CompressionType, payload []byte) error {
	var compressed []byte
	if comp == CompNone {
		compressed = payload
	} else {
		c, err := w.registry.NewCompressor(comp, OptionMap{})
		if err != nil {
			return fmt.Errorf("dwarfs: writer: compressor for %s: %w", typ, err)
		}
		compressed, err = c.Compress(payload, nil)
		if err != nil {
			return fmt.Errorf("dwarfs: writer: compress %s: %w", typ, err)
		}
	}

	// Layout (72 bytes, little-endian): magic(6) major(1) minor(1)
	// number(8) xxh3(8) sha(32) type(2) comp(2) unused(4) length(8).
	header := make([]byte, headerFixedV2)
	copy(header[0:6], magicBytes)
	header[6] = implMajorV2
	header[7] = 0
	binary.LittleEndian.PutUint64(header[8:16], w.sectionNo)
	binary.LittleEndian.PutUint16(header[56:58], uint16(typ))
	binary.LittleEndian.PutUint16(header[58:60], uint16(comp))
	binary.LittleEndian.PutUint64(header[64:72], uint64(len(compressed)))
	// header[16:24] (xxh3) and header[24:56] (sha) start zeroed; sha is
	// computed first with both held at zero (matching the read-side
	// zero-substitution in section.go's VerifyFast), then xxh3 is
	// computed over the now-real sha value onward.

	h := sha512.New512_256()
	h.Write(header[8:56]) // number(real) + xxh3(zero) + sha(zero)
	h.Write(header[56:72])
	h.Write(compressed)
	sum := h.Sum(nil)
	copy(header[24:56], sum)

	x := xxh3.New()
	x.Write(header[24:72]) // sha(real) + type + comp + unused + length
	x.Write(compressed)
	binary.LittleEndian.PutUint64(header[16:24], x.Sum64())

	w.index = append(w.index, SectionIndexEntry{Type: typ, Offset: uint64(w.curOffset)})

	if _, err := w.w.Write(header); err != nil {
		return err
	}
	if _, err := w.w.Write(compressed); err != nil {
		return err
	}
	w.curOffset += int64(len(header)) + int64(len(compressed))
	w.sectionNo++
	return nil
}

// blockComp resolves the compressor a category writes its blocks with,
// falling back to the writer's default (§4.9 "per-category compressors").
func (w *Writer) blockComp(category string) CompressionType {
	if c, ok := w.categoryComp[category]; ok {
		return c
	}
	return w.defaultComp
}

// granularityFor asks the category's compressor for its byte-range
// granularity constraint (§4.2, §4.8.4); a codec the registry can't
// build for some reason imposes no constraint rather than aborting the
// whole image.
func (w *Writer) granularityFor(category string) int {
	c, err := w.registry.NewCompressor(w.blockComp(category), OptionMap{})
	if err != nil {
		return 0
	}
	return c.Constraints().Granularity
}

// writerBlockSink adapts Writer.writeSection to the Segmenter's
// BlockSink interface: every finalized block becomes one SectionBlock,
// compressed with its category's codec.
type writerBlockSink struct{ w *Writer }

func (s *writerBlockSink) WriteBlock(category string, _ uint32, data []byte) error {
	return s.w.writeSection(SectionBlock, s.w.blockComp(category), data)
}

// Finalize flushes all accumulated file content through the segmenter
// as BLOCK sections, builds and writes the metadata graph, and closes
// the image with a SECTION_INDEX.
func (w *Writer) Finalize() error {
	dirs, symlinks, files := w.flatten()
	files = orderFilesByCategory(files, w.orderMode, w.orderParams)

	blockSize := int(int64(1) << w.blockSizeBits)
	seg := NewSegmenter(defaultSegmenterConfig(blockSize), &writerBlockSink{w: w})

	var chunks []Chunk
	fileChunkRanges := make(map[*wnode][2]int) // node -> [start,end) into chunks
	for _, f := range files {
		start := len(chunks)
		var pos int
		for _, frag := range f.effectiveFragments() {
			end := pos + frag.Size
			if end > len(f.data) {
				end = len(f.data)
			}
			fragChunks, err := seg.Process(frag.Category, f.data[pos:end], w.granularityFor(frag.Category))
			if err != nil {
				return fmt.Errorf("dwarfs: writer: segment %s: %w", f.name, err)
			}
			chunks = append(chunks, fragChunks...)
			pos = end
		}
		fileChunkRanges[f] = [2]int{start, len(chunks)}
		f.data = nil // release; content now lives in the emitted blocks
	}
	if err := seg.Close(); err != nil {
		return err
	}
	w.log.WithFields(logrus.Fields{
		"bytes_scanned":         seg.Stats.BytesScanned,
		"saved_by_segmentation": seg.Stats.SavedBySegmentation,
	}).Debug("segmenter finished")

	meta, err := w.buildMetadata(dirs, symlinks, files, chunks, fileChunkRanges)
	if err != nil {
		return err
	}

	metaBytes := EncodeMetadataV2(meta)
	if err := w.writeSection(SectionMetadataV2Schema, CompNone, []byte{}); err != nil {
		return err
	}
	if err := w.writeSection(SectionMetadataV2, w.defaultComp, metaBytes); err != nil {
		return err
	}

	return w.writeSectionIndex()
}

// writeSectionIndex emits the trailing SECTION_INDEX section recording
// every section written so far (itself excluded, per §4.1 "the section
// index, when present, is the last section").
func (w *Writer) writeSectionIndex() error {
	payload := make([]byte, 8*len(w.index))
	for i, e := range w.index {
		binary.LittleEndian.PutUint64(payload[i*8:], EncodeSectionIndexEntry(e))
	}
	return w.writeSection(SectionIndex, CompNone, payload)
}

// buildMetadata assembles the full metadata graph from the flattened
// tree (§3/§4.6). Directories and their entries are emitted as plain
// (unpacked) tables; see metadata.go for the packed-table read path
// this writer's output does not exercise.
func (w *Writer) buildMetadata(dirs, symlinks, files []*wnode, chunks []Chunk, fileChunkRanges map[*wnode][2]int) (*Metadata, error) {
	// assign inode numbers in class order: directories, symlinks,
	// unique files (file-shared class is left empty, see flatten's
	// dedup-via-shared-dir-entry limitation).
	inodeOf := make(map[*wnode]uint32)
	var next uint32
	for _, n := range dirs {
		inodeOf[n] = next
		next++
	}
	partSymlink := next
	for _, n := range symlinks {
		inodeOf[n] = next
		next++
	}
	partFileUnique := next
	for _, n := range files {
		inodeOf[n] = next
		next++
	}
	partFileShared := next // empty class
	partCharDev := next
	partBlockDev := next
	partFifo := next

	// resolve aliases (deduped dir-entries) to their canonical inode.
	resolve := func(n *wnode) uint32 {
		for n.aliasOf != nil {
			n = n.aliasOf
		}
		return inodeOf[n]
	}

	var modeTab []Mode
	modeIdx := make(map[uint32]uint32)
	var uidTab, gidTab []uint32
	uidIdx := make(map[uint32]uint32)
	gidIdx := make(map[uint32]uint32)
	internMode := func(m uint32) uint32 {
		if i, ok := modeIdx[m]; ok {
			return i
		}
		i := uint32(len(modeTab))
		modeTab = append(modeTab, Mode(m))
		modeIdx[m] = i
		return i
	}
	internUid := func(u uint32) uint32 {
		if i, ok := uidIdx[u]; ok {
			return i
		}
		i := uint32(len(uidTab))
		uidTab = append(uidTab, u)
		uidIdx[u] = i
		return i
	}
	internGid := func(g uint32) uint32 {
		if i, ok := gidIdx[g]; ok {
			return i
		}
		i := uint32(len(gidTab))
		gidTab = append(gidTab, g)
		gidIdx[g] = i
		return i
	}

	inodeCount := int(next)
	inodes := make([]InodeRecord, inodeCount)
	record := func(n *wnode) {
		i := inodeOf[n]
		inodes[i] = InodeRecord{
			ModeIndex:  internMode(ModeToUnix(n.mode)),
			OwnerIndex: internUid(n.uid),
			GroupIndex: internGid(n.gid),
			Atime:      n.atime.Unix(),
			Mtime:      n.mtime.Unix(),
			Ctime:      n.ctime.Unix(),
		}
	}
	for _, n := range dirs {
		record(n)
	}
	for _, n := range symlinks {
		record(n)
	}
	for _, n := range files {
		record(n)
	}

	var symlinkTargets []string
	for _, n := range symlinks {
		symlinkTargets = append(symlinkTargets, n.symlink)
	}

	// directories and dir_entries: BFS-free here since the writer keeps
	// parent pointers and an explicit child order throughout.
	var names []string
	var dirEntries []DirEntry
	var directories []Directory
	nameIdx := make(map[string]int)
	internName := func(s string) int {
		if i, ok := nameIdx[s]; ok {
			return i
		}
		i := len(names)
		names = append(names, s)
		nameIdx[s] = i
		return i
	}

	dirOf := make(map[*wnode]int) // wnode -> index into directories
	for i, d := range dirs {
		dirOf[d] = i
	}
	directories = make([]Directory, len(dirs))
	for i, d := range dirs {
		sorted := append([]*wnode(nil), d.children...)
		sort.Slice(sorted, func(a, b int) bool { return sorted[a].name < sorted[b].name })
		directories[i].FirstEntry = uint32(len(dirEntries))
		if d.parent == nil {
			directories[i].ParentEntry = uint32(rootDirEntryPlaceholder)
		}
		for _, c := range sorted {
			var ino uint32
			switch {
			case c.isDir:
				ino = inodeOf[c]
			case c.mode&fs.ModeSymlink != 0:
				ino = inodeOf[c]
			case c.mode.IsRegular():
				ino = resolve(c)
			default:
				ino = inodeOf[c]
			}
			de := DirEntry{NameIndex: internName(c.name), InodeNum: ino}
			if c.isDir {
				directories[dirOf[c]].ParentEntry = uint32(len(dirEntries))
			}
			dirEntries = append(dirEntries, de)
		}
	}
	// sentinel trailing directory entry marking dir_entries end: the
	// reader takes each directory's entry span from its first_entry up
	// to the next directory's first_entry, so the last one needs it.
	directories = append(directories, Directory{FirstEntry: uint32(len(dirEntries))})

	chunkTable := make([]uint32, inodeCount+1)
	for _, f := range files {
		i := inodeOf[f]
		r := fileChunkRanges[f]
		chunkTable[i] = uint32(r[0])
		chunkTable[i+1] = uint32(r[1])
	}
	// fill remaining (non-file) chunk_table slots with a zero-width
	// range so InodeChunks never walks off the shared backing array.
	lastEnd := uint32(len(chunks))
	for i := 0; i <= inodeCount; i++ {
		if i > 0 && chunkTable[i] == 0 && chunkTable[i-1] != 0 {
			chunkTable[i] = chunkTable[i-1]
		}
	}
	chunkTable[inodeCount] = lastEnd

	var originalSize int64
	for _, f := range files {
		r := fileChunkRanges[f]
		for _, c := range chunks[r[0]:r[1]] {
			originalSize += int64(c.Size)
		}
	}

	m := &Metadata{
		Modes:    modeTab,
		Uids:     uidTab,
		Gids:     gidTab,
		Names:    NewPlainStringTable(names),
		Symlinks: NewPlainStringTable(symlinkTargets),

		Inodes:      inodes,
		DirEntries:  dirEntries,
		Directories: directories,

		ChunkTable: chunkTable,
		Chunks:     chunks,

		BlockSizeBits: w.blockSizeBits,
		OriginalSize:  originalSize,
	}
	m.Partition = InodePartition{
		Directory:  0,
		Symlink:    partSymlink,
		FileUnique: partFileUnique,
		FileShared: partFileShared,
		CharDev:    partCharDev,
		BlockDev:   partBlockDev,
		FifoSocket: partFifo,
		Count:      next,
	}
	return m, nil
}

const rootDirEntryPlaceholder = 0
