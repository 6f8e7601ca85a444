package dwarfs

import (
	"context"
	"io"
	"io/fs"
	"path"
	"time"
)

// File is a convenience object allowing using an inode as if it were a
// regular file.
type File struct {
	*io.SectionReader
	fsys  *Filesystem
	inode uint32
	name  string
}

// FileDir is a convenience object allowing using a directory inode as
// if it were a regular file implementing fs.ReadDirFile.
type FileDir struct {
	fsys   *Filesystem
	inode  uint32
	name   string
	offset int
}

type fileinfo struct {
	fsys  *Filesystem
	inode uint32
	name  string
	attr  Attr
}

var _ fs.File = (*File)(nil)
var _ io.ReaderAt = (*File)(nil)
var _ fs.ReadDirFile = (*FileDir)(nil)
var _ fs.FileInfo = (*fileinfo)(nil)

// inodeReaderAt adapts Filesystem.Read to io.ReaderAt for io.SectionReader.
type inodeReaderAt struct {
	fsys  *Filesystem
	inode uint32
}

func (r *inodeReaderAt) ReadAt(p []byte, off int64) (int, error) {
	n, err := r.fsys.Read(context.Background(), &Handle{fs: r.fsys, inode: r.inode}, p, off)
	if err != nil {
		return n, err
	}
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// FS adapts a Filesystem to io/fs's path-based interfaces (fs.FS,
// fs.ReadDirFS, fs.StatFS, fs.ReadFileFS), the way CLI callers expect
// to walk an opened image with fs.WalkDir/fs.ReadFile rather than
// going through inode numbers directly.
type FS struct{ fsys *Filesystem }

// FS returns an io/fs view of f rooted at its root inode.
func (f *Filesystem) FS() FS { return FS{fsys: f} }

func (a FS) Open(name string) (fs.File, error) {
	inode, err := a.fsys.Find(name)
	if err != nil {
		return nil, &fs.PathError{Op: "open", Path: name, Err: err}
	}
	return a.fsys.OpenFile(inode, name)
}

func (a FS) ReadDir(name string) ([]fs.DirEntry, error) {
	f, err := a.Open(name)
	if err != nil {
		return nil, err
	}
	dir, ok := f.(fs.ReadDirFile)
	if !ok {
		return nil, &fs.PathError{Op: "readdir", Path: name, Err: fs.ErrInvalid}
	}
	return dir.ReadDir(-1)
}

func (a FS) Stat(name string) (fs.FileInfo, error) {
	f, err := a.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return f.Stat()
}

func (a FS) ReadFile(name string) ([]byte, error) {
	f, err := a.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	rdr, ok := f.(io.Reader)
	if !ok {
		return nil, &fs.PathError{Op: "read", Path: name, Err: fs.ErrInvalid}
	}
	return io.ReadAll(rdr)
}

// OpenFile returns an fs.File for the given inode. If the inode is a
// directory, the returned object implements fs.ReadDirFile; otherwise
// it additionally implements io.Seeker and io.ReaderAt.
func (f *Filesystem) OpenFile(inode uint32, name string) (fs.File, error) {
	if f.meta.Partition.ClassOf(inode) == ClassDirectory {
		return &FileDir{fsys: f, inode: inode, name: name}, nil
	}
	size, err := f.meta.InodeSize(inode)
	if err != nil {
		return nil, err
	}
	sec := io.NewSectionReader(&inodeReaderAt{fsys: f, inode: inode}, 0, size)
	return &File{SectionReader: sec, fsys: f, inode: inode, name: name}, nil
}

// Stat returns the details of the open file.
func (file *File) Stat() (fs.FileInfo, error) {
	attr, err := file.fsys.Getattr(file.inode)
	if err != nil {
		return nil, err
	}
	return &fileinfo{fsys: file.fsys, inode: file.inode, name: path.Base(file.name), attr: attr}, nil
}

// Close is a no-op: the filesystem owns the block cache and mapping.
func (file *File) Close() error { return nil }

func (d *FileDir) Read(p []byte) (int, error) { return 0, errIsDir("read") }

func (d *FileDir) Stat() (fs.FileInfo, error) {
	attr, err := d.fsys.Getattr(d.inode)
	if err != nil {
		return nil, err
	}
	return &fileinfo{fsys: d.fsys, inode: d.inode, name: path.Base(d.name), attr: attr}, nil
}

func (d *FileDir) Close() error { return nil }

// ReadDir implements fs.ReadDirFile in terms of Metadata.Readdir,
// skipping "." and ".." (io/fs.ReadDirFile convention excludes them).
func (d *FileDir) ReadDir(n int) ([]fs.DirEntry, error) {
	size, err := d.fsys.Dirsize(d.inode)
	if err != nil {
		return nil, err
	}
	var res []fs.DirEntry
	for d.offset < size {
		name, inode, err := d.fsys.Readdir(d.inode, d.offset)
		d.offset++
		if err != nil {
			return res, err
		}
		if name == "." || name == ".." {
			continue
		}
		attr, err := d.fsys.Getattr(inode)
		if err != nil {
			return res, err
		}
		res = append(res, &dirEntryAdapter{name: name, attr: attr})
		if n > 0 && len(res) >= n {
			return res, nil
		}
	}
	if n > 0 && len(res) == 0 {
		return nil, io.EOF
	}
	return res, nil
}

// dirEntryAdapter implements fs.DirEntry over an already-fetched Attr,
// avoiding a second getattr call from Info().
type dirEntryAdapter struct {
	name string
	attr Attr
}

func (e *dirEntryAdapter) Name() string              { return e.name }
func (e *dirEntryAdapter) IsDir() bool                { return e.attr.Mode.IsDir() }
func (e *dirEntryAdapter) Type() fs.FileMode          { return e.attr.Mode.Type() }
func (e *dirEntryAdapter) Info() (fs.FileInfo, error) { return &fileinfo{name: e.name, attr: e.attr}, nil }

// (fileinfo)

func (fi *fileinfo) Name() string         { return fi.name }
func (fi *fileinfo) Size() int64          { return fi.attr.Size }
func (fi *fileinfo) Mode() fs.FileMode    { return fi.attr.Mode }
func (fi *fileinfo) ModTime() time.Time   { return fi.attr.Mtime }
func (fi *fileinfo) IsDir() bool          { return fi.attr.Mode.IsDir() }
func (fi *fileinfo) Sys() any             { return fi.attr }
