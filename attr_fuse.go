//go:build fuse

package dwarfs

import "github.com/hanwen/go-fuse/v2/fuse"

// FillAttr fills a fuse.Attr from a Getattr result, the same
// responsibility the teacher's inode_linux.go/inode_darwin.go give to
// Inode.FillAttr. Unlike the teacher, this is the whole of the FUSE
// surface this port carries: no Lookup/Open/ReadDir server loop is
// implemented (that glue lived in inode_fuse.go against a private
// apkgfs package and is out of scope here), only attribute interop for
// a caller that already has its own fuse.RawFileSystem wiring.
func FillAttr(a Attr, blockSize uint32, attr *fuse.Attr) {
	attr.Size = uint64(a.Size)
	attr.Blocks = (attr.Size + 511) / 512
	attr.Mode = ModeToUnix(a.Mode)
	attr.Nlink = a.Nlink
	if attr.Nlink == 0 {
		attr.Nlink = 1
	}
	attr.Rdev = uint32(a.Rdev)
	attr.Blksize = blockSize
	attr.Atime = uint64(a.Atime.Unix())
	attr.Mtime = uint64(a.Mtime.Unix())
	attr.Ctime = uint64(a.Ctime.Unix())
	attr.Owner.Uid = a.Uid
	attr.Owner.Gid = a.Gid
}

// GetattrFUSE fetches inode's attributes and fills fa for a FUSE
// GetAttrOut/EntryOut response.
func (f *Filesystem) GetattrFUSE(inode uint32, fa *fuse.Attr) error {
	a, err := f.Getattr(inode)
	if err != nil {
		return err
	}
	FillAttr(a, uint32(1)<<f.meta.BlockSizeBits, fa)
	return nil
}
