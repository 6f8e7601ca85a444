package dwarfs

import (
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// ByteView is a zero-copy view over either a memory-mapped file or a
// growable heap buffer. It distinguishes the four buffer flavors named
// in §2: immutable shared buffers (Bytes() is never appended to again),
// mutable-resizable buffers (used to accumulate decompressor output),
// frozen-location buffers (their backing array's address never moves,
// even while growing - so readers holding a slice into it stay valid),
// and mmap-backed buffers with hole/extent iteration.
type ByteView struct {
	data   []byte
	mapped bool // true if data is backed by an mmap, false if heap-owned
	frozen bool // true if the backing array's address is guaranteed stable
}

// NewHeapView wraps an already-allocated, not-to-be-resized byte slice.
func NewHeapView(b []byte) *ByteView {
	return &ByteView{data: b, frozen: true}
}

// NewGrowableView returns a mutable-resizable buffer with capacity
// reserved up front so it will not reallocate (and thus stays frozen)
// until it exceeds cap.
func NewGrowableView(capacity int) *ByteView {
	return &ByteView{data: make([]byte, 0, capacity), frozen: true}
}

// Bytes returns the current contents. Callers must not retain the slice
// across a call to Append on a non-frozen view.
func (b *ByteView) Bytes() []byte { return b.data }

// Len returns the number of valid bytes currently held.
func (b *ByteView) Len() int { return len(b.data) }

// Append grows the buffer by p, reporting whether the backing array's
// address changed (breaking the frozen-location guarantee).
func (b *ByteView) Append(p []byte) (moved bool) {
	before := cap(b.data)
	b.data = append(b.data, p...)
	moved = cap(b.data) != before && len(b.data) != len(p)
	if moved {
		b.frozen = false
	}
	return moved
}

// Frozen reports whether the backing array's address is guaranteed
// stable for the lifetime of the view (true for mmap views and for
// growable views that have not yet reallocated).
func (b *ByteView) Frozen() bool { return b.frozen }

// MmapView is a ByteView backed by a memory-mapped file, supporting the
// advisory operations the section/cache layers rely on: releasing
// (madvise DONTNEED) a range once a block has been fully materialized,
// and locking pages that must stay resident (mlock).
type MmapView struct {
	ByteView
	f *os.File
}

// OpenMmap maps the whole of f read-only.
func OpenMmap(f *os.File) (*MmapView, error) {
	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := st.Size()
	if size == 0 {
		return &MmapView{ByteView: ByteView{data: nil, mapped: true, frozen: true}, f: f}, nil
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("dwarfs: mmap: %w", err)
	}
	return &MmapView{ByteView: ByteView{data: data, mapped: true, frozen: true}, f: f}, nil
}

// Close unmaps the view.
func (m *MmapView) Close() error {
	if m.data == nil {
		return nil
	}
	err := unix.Munmap(m.data)
	m.data = nil
	return err
}

// Release advises the OS that the byte range [off, off+n) is no longer
// needed (MADV_DONTNEED), used when a cached block finishes
// materializing and drops its compressed source range. Advisory only:
// per §5 ("mmap ranges: lock and release are advisory"), failures are
// reported to the caller to log, never propagated as fatal.
func (m *MmapView) Release(off, n int64) error {
	if m.data == nil || off < 0 || n <= 0 || off+n > int64(len(m.data)) {
		return nil
	}
	return unix.Madvise(m.data[off:off+n], unix.MADV_DONTNEED)
}

// Lock advises the OS to keep the range resident (mlock), used when
// mlock=MUST is configured for the schema/metadata sections.
func (m *MmapView) Lock(off, n int64) error {
	if m.data == nil || off < 0 || n <= 0 || off+n > int64(len(m.data)) {
		return nil
	}
	return unix.Mlock(m.data[off : off+n])
}

// ReadAt implements io.ReaderAt directly against the mapping, letting
// the section layer treat a mapped file exactly like any io.ReaderAt.
func (m *MmapView) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= int64(len(m.data)) {
		if off == int64(len(m.data)) {
			return 0, io.EOF
		}
		return 0, io.ErrUnexpectedEOF
	}
	n := copy(p, m.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// Extent describes a contiguous non-hole byte range within a sparse
// mmap-backed buffer.
type Extent struct {
	Offset, Length int64
}

// Extents reports the non-hole byte ranges of the mapping between
// [off, off+n), derived from SEEK_DATA/SEEK_HOLE on the backing file.
// Used by the writer when streaming sparse source files into fragments.
func (m *MmapView) Extents(off, n int64) ([]Extent, error) {
	if m.f == nil {
		return []Extent{{Offset: off, Length: n}}, nil
	}
	var out []Extent
	cur := off
	end := off + n
	for cur < end {
		dataStart, err := m.f.Seek(cur, io.SeekStart)
		if err != nil {
			return []Extent{{Offset: off, Length: n}}, nil // fall back to "no holes"
		}
		_ = dataStart
		holeStart, err := seekHole(m.f, cur)
		if err != nil || holeStart > end {
			holeStart = end
		}
		if holeStart > cur {
			out = append(out, Extent{Offset: cur, Length: holeStart - cur})
		}
		cur = holeStart
		if cur >= end {
			break
		}
		nextData, err := seekData(m.f, cur)
		if err != nil || nextData > end {
			nextData = end
		}
		cur = nextData
	}
	return out, nil
}

func seekHole(f *os.File, off int64) (int64, error) {
	return f.Seek(off, 3) // SEEK_HOLE
}

func seekData(f *os.File, off int64) (int64, error) {
	return f.Seek(off, 4) // SEEK_DATA
}
