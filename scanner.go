package dwarfs

import (
	"io/fs"
	"path"
)

// Fragment is one (category, size) span a categorizer splits a file
// into; a file's fragments sum to its total size and are taken in
// order (§4.10 "Categorization").
type Fragment struct {
	Category string
	Size     int
}

// Categorizer inspects a file's name and content and returns the
// fragments it should be split into, or nil to decline and let the
// next categorizer in the chain try (§4.10 "categorizers").
type Categorizer interface {
	Categorize(name string, data []byte) []Fragment
}

// CategorizerFunc adapts a plain function to the Categorizer interface.
type CategorizerFunc func(name string, data []byte) []Fragment

func (f CategorizerFunc) Categorize(name string, data []byte) []Fragment { return f(name, data) }

// ExtensionCategorizer tags files by extension, the same rule
// writer.go's categorize() used before the categorizer chain existed;
// kept as the chain's default link so existing behavior is preserved
// when a caller supplies no categorizer of its own.
func ExtensionCategorizer() Categorizer {
	return CategorizerFunc(func(name string, data []byte) []Fragment {
		switch path.Ext(name) {
		case ".flac":
			return []Fragment{{Category: "pcmaudio/flac", Size: len(data)}}
		case ".fits":
			return []Fragment{{Category: "image/fits", Size: len(data)}}
		}
		return nil
	})
}

// CategorizerChain tries each categorizer in order, falling back to a
// single "default" fragment if none recognizes the file (§4.10
// "absent categorization = single fragment category <default>").
type CategorizerChain []Categorizer

func (c CategorizerChain) Categorize(name string, data []byte) []Fragment {
	for _, cat := range c {
		if frags := cat.Categorize(name, data); frags != nil {
			return frags
		}
	}
	return []Fragment{{Category: "default", Size: len(data)}}
}

// ScannerConfig describes one walk of a source tree into a Writer
// (§4.10 phases 1-3: walk, dedup key, categorization; ordering and
// metadata emission are Writer.Finalize's job).
type ScannerConfig struct {
	FS fs.FS

	// Inputs, when non-empty, is the explicit list of root paths to
	// walk instead of the whole filesystem from "." (§4.10 "optional
	// explicit input list").
	Inputs []string

	// Includes/Excludes are path.Match glob patterns tested against
	// slash-separated paths relative to FS's root. A path excluded by
	// Excludes is always dropped; if Includes is non-empty a path must
	// also match at least one Includes pattern to be kept.
	Includes []string
	Excludes []string

	// Categorizer assigns fragments to each regular file; nil defaults
	// to CategorizerChain{ExtensionCategorizer()}.
	Categorizer Categorizer

	Order       OrderMode
	OrderParams OrderParams
}

// Scanner drives one Writer's tree construction from a source
// filesystem, the orchestrator §4.10 describes.
type Scanner struct {
	cfg ScannerConfig
	w   *Writer
}

// NewScanner builds a Scanner that populates w when Scan is called.
func NewScanner(w *Writer, cfg ScannerConfig) *Scanner {
	if cfg.Categorizer == nil {
		cfg.Categorizer = CategorizerChain{ExtensionCategorizer()}
	}
	return &Scanner{cfg: cfg, w: w}
}

// Scan walks the configured source tree, adding every included entry
// to the Scanner's Writer and running the categorizer chain over each
// regular file's content, then configures the Writer's fragment
// ordering for Finalize.
func (s *Scanner) Scan() error {
	w := s.w
	w.SetSourceFS(s.cfg.FS)
	w.SetOrder(s.cfg.Order, s.cfg.OrderParams)

	roots := s.cfg.Inputs
	if len(roots) == 0 {
		roots = []string{"."}
	}
	for _, root := range roots {
		err := fs.WalkDir(s.cfg.FS, root, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if p == "." {
				return nil
			}
			if !s.included(p) {
				if d.IsDir() {
					return fs.SkipDir
				}
				return nil
			}
			return s.addEntry(p, d)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// included reports whether p passes the configured include/exclude
// filters (§4.10 "include/exclude filters").
func (s *Scanner) included(p string) bool {
	for _, pat := range s.cfg.Excludes {
		if ok, _ := path.Match(pat, p); ok {
			return false
		}
	}
	if len(s.cfg.Includes) == 0 {
		return true
	}
	for _, pat := range s.cfg.Includes {
		if ok, _ := path.Match(pat, p); ok {
			return true
		}
	}
	return false
}

func (s *Scanner) addEntry(p string, d fs.DirEntry) error {
	if err := s.w.Add(p, d, nil); err != nil {
		return err
	}
	if !d.Type().IsRegular() {
		return nil
	}
	n := s.w.byRel[p]
	if n == nil {
		return nil
	}
	frags := s.cfg.Categorizer.Categorize(n.name, n.data)
	if len(frags) == 0 {
		return nil
	}
	n.fragments = frags
	n.category = frags[0].Category
	return nil
}
