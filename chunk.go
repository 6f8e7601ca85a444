package dwarfs

import "context"

// ChunkResolver maps an inode's chunk index range out of the metadata
// graph (§4.6 "chunk_table"): chunk_table[inode] gives the start offset
// into the global chunks array, and chunk_table[inode+1] gives the end.
type ChunkResolver interface {
	// InodeChunks returns the ordered list of Chunk entries making up
	// inode's content.
	InodeChunks(inode uint32) ([]Chunk, error)

	// InodeSize returns the total uncompressed byte length of inode's
	// content (the sum of its chunk sizes, cached by the metadata layer).
	InodeSize(inode uint32) (int64, error)
}

// InodeReader resolves (inode, offset, size) reads into block cache
// requests and assembles the result (§4.5). It holds no inode-specific
// state (inode sizes come from the resolver); concurrency safety is inherited
// from the underlying BlockCache.
type InodeReader struct {
	resolver  ChunkResolver
	cache     *BlockCache
	blockBits uint

	readahead int64 // bytes to speculatively request beyond a read's end
}

// NewInodeReader builds a reader over resolver/cache. readahead of 0
// disables speculative prefetch.
func NewInodeReader(resolver ChunkResolver, cache *BlockCache, blockSizeBits uint, readahead int64) *InodeReader {
	return &InodeReader{resolver: resolver, cache: cache, blockBits: blockSizeBits, readahead: readahead}
}

// Read fills dst with inode's content starting at off, returning the
// number of bytes copied (short only at end-of-file, like io.ReaderAt).
func (r *InodeReader) Read(ctx context.Context, inode uint32, off int64, dst []byte) (int, error) {
	if len(dst) == 0 {
		return 0, nil
	}
	size, err := r.resolver.InodeSize(inode)
	if err != nil {
		return 0, err
	}
	if off >= size {
		return 0, nil
	}
	want := int64(len(dst))
	if off+want > size {
		want = size - off
	}

	chunks, err := r.resolver.InodeChunks(inode)
	if err != nil {
		return 0, err
	}

	n, err := r.readv(ctx, chunks, off, dst[:want])
	if err != nil {
		return n, err
	}
	if r.readahead > 0 {
		r.prefetch(chunks, off+want, r.readahead)
	}
	return n, nil
}

// readv walks chunks overlapping [off, off+len(dst)) in order, issuing
// one BlockCache.Get per overlapping chunk and copying into dst (§4.5
// "read/readv").
func (r *InodeReader) readv(ctx context.Context, chunks []Chunk, off int64, dst []byte) (int, error) {
	var pos int64 // logical offset within the inode, start of current chunk
	copied := 0
	end := off + int64(len(dst))

	for _, ch := range chunks {
		chunkEnd := pos + int64(ch.Size)
		if chunkEnd <= off {
			pos = chunkEnd
			continue
		}
		if pos >= end {
			break
		}
		// overlap of [off,end) with [pos,chunkEnd)
		overlapStart := maxI64(off, pos)
		overlapEnd := minI64(end, chunkEnd)
		blockOff := int64(ch.Offset) + (overlapStart - pos)
		n := overlapEnd - overlapStart

		rng, err := r.cache.Get(ctx, ch.Block, blockOff, n)
		if err != nil {
			return copied, err
		}
		dstOff := overlapStart - off
		copy(dst[dstOff:dstOff+n], rng.Data())
		rng.Release()

		copied += int(n)
		pos = chunkEnd
	}
	return copied, nil
}

// Readv is the public vectored-read operation (§4.5, §6 "readv"):
// iovecs are filled in order starting at off, but at most maxIov of
// them are touched — a request with more iovecs than maxIov is
// truncated, the way §8's readv scenario expects, and the returned
// byte count may fall short of the sum of all iovec lengths
// accordingly. maxIov <= 0 means no cap.
func (r *InodeReader) Readv(ctx context.Context, inode uint32, off int64, iovecs [][]byte, maxIov int) (nIov int, n int64, err error) {
	nIov = len(iovecs)
	if maxIov > 0 && nIov > maxIov {
		nIov = maxIov
	}
	if nIov == 0 {
		return 0, 0, nil
	}

	var total int64
	for _, v := range iovecs[:nIov] {
		total += int64(len(v))
	}
	buf := make([]byte, total)
	got, err := r.Read(ctx, inode, off, buf)
	if err != nil {
		return nIov, int64(got), err
	}

	// scatter the assembled run back into the individual iovecs,
	// stopping short on the last partially-filled one (end-of-file).
	var pos int
	for i, v := range iovecs[:nIov] {
		if pos >= got {
			nIov = i
			break
		}
		n := len(v)
		if pos+n > got {
			n = got - pos
		}
		copy(v[:n], buf[pos:pos+n])
		if n < len(v) {
			nIov = i + 1
			break
		}
		pos += n
	}
	return nIov, int64(got), nil
}

// ReadvFuture runs the read in a background goroutine, which issues the
// overlapping block requests one at a time in chunk order, and returns
// a function that blocks for the assembled result,
// mirroring the spec's readv_future (§4.5) for callers (e.g. a FUSE
// readdirplus-style batch) that want to pipeline multiple reads.
func (r *InodeReader) ReadvFuture(ctx context.Context, inode uint32, off int64, size int) func() ([]byte, error) {
	type part struct {
		ch       chan blockRangeResult
		dstOff   int64
		wantSize int64
		blockOff int64
		blockNo  uint32
	}

	resultCh := make(chan struct {
		buf []byte
		err error
	}, 1)

	go func() {
		sz, err := r.resolver.InodeSize(inode)
		if err != nil {
			resultCh <- struct {
				buf []byte
				err error
			}{nil, err}
			return
		}
		want := int64(size)
		if off >= sz {
			resultCh <- struct {
				buf []byte
				err error
			}{[]byte{}, nil}
			return
		}
		if off+want > sz {
			want = sz - off
		}
		chunks, err := r.resolver.InodeChunks(inode)
		if err != nil {
			resultCh <- struct {
				buf []byte
				err error
			}{nil, err}
			return
		}
		out := make([]byte, want)
		n, err := r.readv(ctx, chunks, off, out)
		resultCh <- struct {
			buf []byte
			err error
		}{out[:n], err}
	}()

	return func() ([]byte, error) {
		res := <-resultCh
		return res.buf, res.err
	}
}

// prefetch issues fire-and-forget BlockCache.Get calls for the next
// `ahead` bytes past off, warming the cache for sequential readers
// (§4.5 "readahead window"). Errors are discarded; prefetch is
// advisory only.
func (r *InodeReader) prefetch(chunks []Chunk, off, ahead int64) {
	if ahead <= 0 {
		return
	}
	end := off + ahead
	var pos int64
	for _, ch := range chunks {
		chunkEnd := pos + int64(ch.Size)
		if chunkEnd <= off {
			pos = chunkEnd
			continue
		}
		if pos >= end {
			break
		}
		overlapStart := maxI64(off, pos)
		overlapEnd := minI64(end, chunkEnd)
		blockOff := int64(ch.Offset) + (overlapStart - pos)
		n := overlapEnd - overlapStart
		go func(blockNo uint32, blockOff, n int64) {
			rng, err := r.cache.Get(context.Background(), blockNo, blockOff, n)
			if err == nil {
				rng.Release()
			}
		}(ch.Block, blockOff, n)
		pos = chunkEnd
	}
}

func maxI64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func minI64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
