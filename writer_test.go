package dwarfs_test

import (
	"io/fs"
	"os"
	"path/filepath"
	"testing"
	"testing/fstest"

	"github.com/dwarfs-go/dwarfs"
)

func buildImage(t *testing.T, src fs.FS) string {
	t.Helper()

	dir := t.TempDir()
	imgPath := filepath.Join(dir, "image.dwarfs")

	f, err := os.Create(imgPath)
	if err != nil {
		t.Fatalf("create image file: %s", err)
	}
	defer f.Close()

	w := dwarfs.NewWriter(f, 16, dwarfs.DefaultRegistry())
	w.SetSourceFS(src)
	w.SetDefaultCompression(dwarfs.CompNone)

	if err := fs.WalkDir(src, ".", w.Add); err != nil {
		t.Fatalf("WalkDir: %s", err)
	}
	if err := w.Finalize(); err != nil {
		t.Fatalf("Finalize: %s", err)
	}
	return imgPath
}

func TestWriterReadback(t *testing.T) {
	src := fstest.MapFS{
		"hello.txt":     &fstest.MapFile{Data: []byte("hello, dwarfs"), Mode: 0644},
		"dir/nested.go": &fstest.MapFile{Data: []byte("package main\n"), Mode: 0644},
	}

	imgPath := buildImage(t, src)

	img, err := dwarfs.Open(imgPath, dwarfs.NewMountOptions())
	if err != nil {
		t.Fatalf("Open: %s", err)
	}
	defer img.Close()

	data, err := fs.ReadFile(img.FS(), "hello.txt")
	if err != nil {
		t.Fatalf("ReadFile hello.txt: %s", err)
	}
	if string(data) != "hello, dwarfs" {
		t.Errorf("hello.txt content = %q, want %q", data, "hello, dwarfs")
	}

	data, err = fs.ReadFile(img.FS(), "dir/nested.go")
	if err != nil {
		t.Fatalf("ReadFile dir/nested.go: %s", err)
	}
	if string(data) != "package main\n" {
		t.Errorf("dir/nested.go content = %q, want %q", data, "package main\n")
	}

	info, err := fs.Stat(img.FS(), "dir")
	if err != nil {
		t.Fatalf("Stat dir: %s", err)
	}
	if !info.IsDir() {
		t.Errorf("dir should be a directory")
	}
}

func TestWriterDedupesIdenticalContent(t *testing.T) {
	src := fstest.MapFS{
		"a.txt": &fstest.MapFile{Data: []byte("same bytes"), Mode: 0644},
		"b.txt": &fstest.MapFile{Data: []byte("same bytes"), Mode: 0644},
	}

	imgPath := buildImage(t, src)

	img, err := dwarfs.Open(imgPath, dwarfs.NewMountOptions())
	if err != nil {
		t.Fatalf("Open: %s", err)
	}
	defer img.Close()

	inoA, err := img.Find("a.txt")
	if err != nil {
		t.Fatalf("Find a.txt: %s", err)
	}
	inoB, err := img.Find("b.txt")
	if err != nil {
		t.Fatalf("Find b.txt: %s", err)
	}
	if inoA != inoB {
		t.Errorf("expected a.txt and b.txt to share an inode, got %d and %d", inoA, inoB)
	}
}

func TestWriterEmptyFile(t *testing.T) {
	src := fstest.MapFS{
		"empty.txt": &fstest.MapFile{Data: nil, Mode: 0644},
	}

	imgPath := buildImage(t, src)

	img, err := dwarfs.Open(imgPath, dwarfs.NewMountOptions())
	if err != nil {
		t.Fatalf("Open: %s", err)
	}
	defer img.Close()

	data, err := fs.ReadFile(img.FS(), "empty.txt")
	if err != nil {
		t.Fatalf("ReadFile empty.txt: %s", err)
	}
	if len(data) != 0 {
		t.Errorf("empty.txt content = %q, want empty", data)
	}
}
