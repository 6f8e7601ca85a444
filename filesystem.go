package dwarfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

// Filesystem is the top-level mounted object (§4.7 "Filesystem
// assembly"): section map + block cache + metadata graph + chunked
// inode reader, built once from a memory-mapped image.
type Filesystem struct {
	log *logrus.Entry

	view   *MmapView
	byType map[SectionType]*Section // non-BLOCK sections, keyed by type
	blocks map[uint32]*Section      // BLOCK sections, keyed by ordinal position

	registry *CodecRegistry
	cache    *BlockCache
	meta     *Metadata
	reader   *InodeReader

	header []byte // bytes preceding image_offset, if any
	mu     sync.Mutex

	readOnly   bool
	cacheImage bool // keep compressed BLOCK sections mapped after decompression
	cacheFiles bool // retain per-inode size lookups regardless of chunk count
}

// MountOptions configures Filesystem construction (§6 CLI surface: the
// mount driver's `-o cachesize,workers,mlock,decratio,offset,
// enable_nlink,readonly,cache_image,cache_files,tidy_strategy,
// tidy_interval,tidy_max_age,debuglevel`).
type MountOptions struct {
	ImageOffset     int64 // AutoOffset selects auto-detection
	CacheSizeBytes  int64
	Workers         int
	DecompressRatio float64
	Readahead       int64
	VerifyStructure bool
	MlockMetadata   bool
	EnableNlink     bool
	ReadOnly        bool
	CacheImage      bool // keep compressed BLOCK sections mapped after decompression
	CacheFiles      bool // keep per-inode size lookups memoized regardless of fan-out
	Tidy            TidyConfig
	DebugLevel      logrus.Level
	Logger          *logrus.Entry
}

func defaultMountOptions() MountOptions {
	return MountOptions{
		ImageOffset:     AutoOffset,
		CacheSizeBytes:  256 << 20,
		Workers:         8,
		DecompressRatio: 1.0,
		VerifyStructure: true,
		ReadOnly:        true,
		DebugLevel:      logrus.WarnLevel,
	}
}

// Open mmaps path and builds a Filesystem over it.
func Open(path string, opts MountOptions) (*Filesystem, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	view, err := OpenMmap(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	fsys, err := OpenFilesystem(view, opts)
	if err != nil {
		view.Close()
		f.Close()
		return nil, err
	}
	return fsys, nil
}

// OpenFilesystem builds a Filesystem over an already-mapped image
// (§4.7 "Construction" steps 1-4).
func OpenFilesystem(view *MmapView, opts MountOptions) (*Filesystem, error) {
	d := defaultMountOptions()
	if opts.CacheSizeBytes > 0 {
		d.CacheSizeBytes = opts.CacheSizeBytes
	}
	if opts.Workers > 0 {
		d.Workers = opts.Workers
	}
	if opts.DecompressRatio > 0 {
		d.DecompressRatio = opts.DecompressRatio
	}
	d.ImageOffset = opts.ImageOffset
	d.Tidy = opts.Tidy
	d.Readahead = opts.Readahead
	d.VerifyStructure = opts.VerifyStructure
	d.MlockMetadata = opts.MlockMetadata
	d.EnableNlink = opts.EnableNlink
	d.ReadOnly = opts.ReadOnly
	d.CacheImage = opts.CacheImage
	d.CacheFiles = opts.CacheFiles
	if opts.DebugLevel != 0 {
		d.DebugLevel = opts.DebugLevel
	}
	log := opts.Logger
	if log == nil {
		log = newComponentLogger(nil, "filesystem")
	}
	log.Logger.SetLevel(d.DebugLevel)

	imageSize := int64(view.Len())

	offset := d.ImageOffset
	var err error
	if offset == AutoOffset {
		offset, err = DetectImageOffset(view, imageSize, log)
		if err != nil {
			return nil, err
		}
	}

	fsys := &Filesystem{
		log:      log,
		view:     view,
		byType:   make(map[SectionType]*Section),
		blocks:   make(map[uint32]*Section),
		registry: DefaultRegistry(),
	}
	if offset > 0 {
		fsys.header = append([]byte(nil), view.Bytes()[:offset]...)
	}

	it := NewSectionIterator(view, imageSize, offset, log)
	var blockNo uint32
	for {
		sec, err := it.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, err
		}
		if sec.Type == SectionBlock {
			fsys.blocks[blockNo] = sec
			blockNo++
			continue
		}
		if sec.Type.unique() {
			if _, dup := fsys.byType[sec.Type]; dup {
				return nil, ErrDuplicateSection
			}
		}
		if err := sec.VerifyFast(); err != nil {
			return nil, err
		}
		if err := sec.Verify(); err != nil {
			return nil, err
		}
		fsys.byType[sec.Type] = sec
	}

	_, hasSchema := fsys.byType[SectionMetadataV2Schema]
	metaSec, hasMeta := fsys.byType[SectionMetadataV2]
	if !hasSchema || !hasMeta {
		return nil, ErrMissingMetadata
	}
	// no schema-driven decode exists in this port (see metadata_pack.go);
	// METADATA_V2_SCHEMA's presence is checked, its content unused.

	if opts.MlockMetadata {
		if err := view.Lock(metaSec.Start(), metaSec.Length()); err != nil {
			log.WithError(err).Debug("mlock metadata section failed")
		}
	}

	metaBytes, err := metaSec.Decode(fsys.registry)
	if err != nil {
		return nil, err
	}
	meta, err := DecodeMetadataV2(metaBytes, d.VerifyStructure)
	if err != nil {
		return nil, err
	}
	meta.EnableNlink = d.EnableNlink
	meta.CacheAllSizes = d.CacheFiles
	fsys.meta = meta
	fsys.readOnly = d.ReadOnly
	fsys.cacheImage = d.CacheImage
	fsys.cacheFiles = d.CacheFiles

	fsys.cache = NewBlockCache(fsys,
		WithMaxBytes(d.CacheSizeBytes),
		WithWorkers(d.Workers),
		WithDecompressRatio(d.DecompressRatio),
		WithTidyConfig(d.Tidy),
		WithCacheLogger(log),
	)
	fsys.reader = NewInodeReader(meta, fsys.cache, meta.BlockSizeBits, d.Readahead)

	return fsys, nil
}

// OpenBlock implements BlockSource for the block cache.
func (f *Filesystem) OpenBlock(blockNo uint32) (Decompressor, func() error, error) {
	sec, ok := f.blocks[blockNo]
	if !ok {
		return nil, nil, fmt.Errorf("%w: block %d", ErrStructuralInvariant, blockNo)
	}
	payload, err := sec.rawPayload()
	if err != nil {
		return nil, nil, err
	}
	dec, err := f.registry.NewDecompressor(sec.Compression, payload)
	if err != nil {
		return nil, nil, err
	}
	release := func() error {
		if f.cacheImage {
			return nil
		}
		return f.view.Release(sec.Start(), sec.Length())
	}
	return dec, release, nil
}

// Header returns the bytes preceding the detected image offset, or nil.
func (f *Filesystem) Header() []byte { return f.header }

func (f *Filesystem) Metadata() *Metadata { return f.meta }

// Handle is an opaque open-file token (§6 "open(inode) -> handle").
type Handle struct {
	fs    *Filesystem
	inode uint32
}

func (f *Filesystem) Open(inode uint32) (*Handle, error) {
	if f.meta.Partition.ClassOf(inode) == ClassDirectory {
		return nil, errIsDir("open")
	}
	if !f.meta.Partition.ClassOf(inode).IsRegular() {
		return nil, errInval("open")
	}
	return &Handle{fs: f, inode: inode}, nil
}

func (f *Filesystem) Read(ctx context.Context, h *Handle, buf []byte, offset int64) (int, error) {
	if h == nil || h.fs != f {
		return 0, errBadFile("read")
	}
	if offset < 0 {
		return 0, errInval("read")
	}
	f.mu.Lock()
	reader := f.reader
	f.mu.Unlock()
	return reader.Read(ctx, h.inode, offset, buf)
}

// Readv is the vectored-read counterpart to Read (§4.5/§6 "readv"),
// filling iovecs in order up to maxIov of them.
func (f *Filesystem) Readv(ctx context.Context, h *Handle, iovecs [][]byte, offset int64, maxIov int) (int, int64, error) {
	if h == nil || h.fs != f {
		return 0, 0, errBadFile("readv")
	}
	if offset < 0 {
		return 0, 0, errInval("readv")
	}
	f.mu.Lock()
	reader := f.reader
	f.mu.Unlock()
	return reader.Readv(ctx, h.inode, offset, iovecs, maxIov)
}

func (f *Filesystem) Find(path string) (uint32, error) { return f.meta.Find(path) }

// FindInode resolves inode to one path naming it, the reverse of Find
// (§4.6/§6 "find(inode)").
func (f *Filesystem) FindInode(inode uint32) (string, error) { return f.meta.FindInode(inode) }

// FindInodeName resolves name within directory inode dirInode, the
// inode-relative sibling of Find (§4.6/§6 "find(inode, name)").
func (f *Filesystem) FindInodeName(dirInode uint32, name string) (uint32, error) {
	return f.meta.FindInodeName(dirInode, name)
}
func (f *Filesystem) Getattr(inode uint32) (Attr, error) { return f.meta.Getattr(inode) }
func (f *Filesystem) Access(inode uint32, want AccessMode, uid, gid uint32) error {
	return f.meta.Access(inode, want, uid, gid)
}
func (f *Filesystem) Readlink(inode uint32, mode ReadlinkMode) (string, error) {
	return f.meta.Readlink(inode, mode)
}
func (f *Filesystem) Readdir(dirInode uint32, offset int) (string, uint32, error) {
	return f.meta.Readdir(dirInode, offset)
}
func (f *Filesystem) Dirsize(dirInode uint32) (int, error)    { return f.meta.Dirsize(dirInode) }
func (f *Filesystem) Statvfs() Statvfs                        { return f.meta.Statvfs() }
func (f *Filesystem) Walk(visit VisitFunc) error              { return f.meta.Walk(visit) }
func (f *Filesystem) WalkDataOrder(visit VisitFunc) error      { return f.meta.WalkDataOrder(visit) }

// SetNumWorkers replaces the block cache's worker pool with one sized
// n, closing the old cache only after the new one is installed so
// concurrent readers never observe a torn state (§6 "set_num_workers").
func (f *Filesystem) SetNumWorkers(n int) {
	f.mu.Lock()
	old := f.cache
	f.cache = NewBlockCache(f, WithMaxBytes(old.maxBytes), WithWorkers(n),
		WithDecompressRatio(old.decompressRatio), WithTidyConfig(old.tidy), WithCacheLogger(f.log))
	f.reader = NewInodeReader(f.meta, f.cache, f.meta.BlockSizeBits, f.reader.readahead)
	f.mu.Unlock()
	go old.Close()
}

// SetCacheTidyConfig installs a new tidy policy by rebuilding the
// cache (§6 "set_cache_tidy_config"); simplest correct implementation
// given the cache has no way to retarget its running tidy goroutine.
func (f *Filesystem) SetCacheTidyConfig(cfg TidyConfig) {
	f.mu.Lock()
	old := f.cache
	f.cache = NewBlockCache(f, WithMaxBytes(old.maxBytes), WithWorkers(old.numWorkers),
		WithDecompressRatio(old.decompressRatio), WithTidyConfig(cfg), WithCacheLogger(f.log))
	f.reader = NewInodeReader(f.meta, f.cache, f.meta.BlockSizeBits, f.reader.readahead)
	f.mu.Unlock()
	go old.Close()
}

func (f *Filesystem) Close() error {
	f.cache.Close()
	return f.view.Close()
}
