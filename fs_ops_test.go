package dwarfs_test

import (
	"context"
	"testing"
	"testing/fstest"

	"github.com/dwarfs-go/dwarfs"
)

func TestFilesystemReadvCapsAtMaxIov(t *testing.T) {
	src := fstest.MapFS{
		"data.bin": &fstest.MapFile{Data: []byte("0123456789abcdef"), Mode: 0644},
	}
	imgPath := buildImage(t, src)

	img, err := dwarfs.Open(imgPath, dwarfs.NewMountOptions())
	if err != nil {
		t.Fatalf("Open: %s", err)
	}
	defer img.Close()

	inode, err := img.Find("data.bin")
	if err != nil {
		t.Fatalf("Find: %s", err)
	}
	h, err := img.Open(inode)
	if err != nil {
		t.Fatalf("Open(inode): %s", err)
	}

	iovecs := [][]byte{make([]byte, 4), make([]byte, 4), make([]byte, 4), make([]byte, 4)}
	nIov, n, err := img.Readv(context.Background(), h, iovecs, 0, 2)
	if err != nil {
		t.Fatalf("Readv: %s", err)
	}
	if nIov != 2 {
		t.Errorf("nIov = %d, want 2 (maxIov cap)", nIov)
	}
	if n != 8 {
		t.Errorf("n = %d, want 8", n)
	}
	if string(iovecs[0]) != "0123" || string(iovecs[1]) != "4567" {
		t.Errorf("iovecs = %q, %q, want %q, %q", iovecs[0], iovecs[1], "0123", "4567")
	}
}

func TestFilesystemFindInodeReverseLookup(t *testing.T) {
	src := fstest.MapFS{
		"dir/file.txt": &fstest.MapFile{Data: []byte("hi"), Mode: 0644},
	}
	imgPath := buildImage(t, src)

	img, err := dwarfs.Open(imgPath, dwarfs.NewMountOptions())
	if err != nil {
		t.Fatalf("Open: %s", err)
	}
	defer img.Close()

	inode, err := img.Find("dir/file.txt")
	if err != nil {
		t.Fatalf("Find: %s", err)
	}

	p, err := img.FindInode(inode)
	if err != nil {
		t.Fatalf("FindInode: %s", err)
	}
	if p != "/dir/file.txt" {
		t.Errorf("FindInode(%d) = %q, want %q", inode, p, "/dir/file.txt")
	}

	dirInode, err := img.Find("dir")
	if err != nil {
		t.Fatalf("Find(dir): %s", err)
	}
	child, err := img.FindInodeName(dirInode, "file.txt")
	if err != nil {
		t.Fatalf("FindInodeName: %s", err)
	}
	if child != inode {
		t.Errorf("FindInodeName(dir, file.txt) = %d, want %d", child, inode)
	}
}
