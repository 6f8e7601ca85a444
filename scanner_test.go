package dwarfs_test

import (
	"io/fs"
	"os"
	"path/filepath"
	"testing"
	"testing/fstest"

	"github.com/dwarfs-go/dwarfs"
)

func TestScannerCategorizesAndExcludes(t *testing.T) {
	src := fstest.MapFS{
		"song.flac":   &fstest.MapFile{Data: []byte("fake flac bytes"), Mode: 0644},
		"notes.txt":   &fstest.MapFile{Data: []byte("plain text"), Mode: 0644},
		"secret.priv": &fstest.MapFile{Data: []byte("do not ship"), Mode: 0644},
	}

	dir := t.TempDir()
	imgPath := filepath.Join(dir, "image.dwarfs")
	f, err := os.Create(imgPath)
	if err != nil {
		t.Fatalf("create image file: %s", err)
	}
	defer f.Close()

	w := dwarfs.NewWriter(f, 16, dwarfs.DefaultRegistry())
	w.SetDefaultCompression(dwarfs.CompNone)

	sc := dwarfs.NewScanner(w, dwarfs.ScannerConfig{
		FS:       src,
		Excludes: []string{"*.priv"},
		Order:    dwarfs.OrderPath,
	})
	if err := sc.Scan(); err != nil {
		t.Fatalf("Scan: %s", err)
	}
	if err := w.Finalize(); err != nil {
		t.Fatalf("Finalize: %s", err)
	}

	img, err := dwarfs.Open(imgPath, dwarfs.NewMountOptions())
	if err != nil {
		t.Fatalf("Open: %s", err)
	}
	defer img.Close()

	if _, err := fs.Stat(img.FS(), "secret.priv"); err == nil {
		t.Errorf("secret.priv should have been excluded from the image")
	}
	if _, err := fs.Stat(img.FS(), "song.flac"); err != nil {
		t.Errorf("Stat song.flac: %s", err)
	}
	if _, err := fs.Stat(img.FS(), "notes.txt"); err != nil {
		t.Errorf("Stat notes.txt: %s", err)
	}
}

func TestCategorizerChainFallsBackToDefault(t *testing.T) {
	chain := dwarfs.CategorizerChain{dwarfs.ExtensionCategorizer()}
	frags := chain.Categorize("readme.md", []byte("hello"))
	if len(frags) != 1 || frags[0].Category != "default" {
		t.Errorf("Categorize(readme.md) = %+v, want one default fragment", frags)
	}

	frags = chain.Categorize("track.flac", []byte("hello"))
	if len(frags) != 1 || frags[0].Category != "pcmaudio/flac" {
		t.Errorf("Categorize(track.flac) = %+v, want one pcmaudio/flac fragment", frags)
	}
}
