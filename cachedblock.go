package dwarfs

import (
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// cachedBlock is the per-block decompression state machine (§3 "Cache
// state", §4.3). It owns a decompressor instance, a growing uncompressed
// buffer, an atomic rangeEnd fencing how much is safely readable, and a
// last-access timestamp. It holds no internal lock: all concurrency
// control lives in the block cache above it (§5).
type cachedBlock struct {
	blockNo uint32
	dec     Decompressor // nil once fully materialized
	buf     []byte
	rangeEnd int64 // atomic
	lastAccess int64 // atomic, unix nanos

	release func() error // advisory madvise release of the source mapping range
	log     *logrus.Entry
}

func newCachedBlock(blockNo uint32, dec Decompressor, release func() error, log *logrus.Entry) *cachedBlock {
	cb := &cachedBlock{blockNo: blockNo, dec: dec, release: release, log: log}
	cb.buf = make([]byte, 0, dec.UncompressedSize())
	cb.touch()
	return cb
}

func (cb *cachedBlock) touch() {
	atomic.StoreInt64(&cb.lastAccess, time.Now().UnixNano())
}

func (cb *cachedBlock) LastAccess() time.Time {
	return time.Unix(0, atomic.LoadInt64(&cb.lastAccess))
}

// RangeEnd is the number of uncompressed bytes materialized so far,
// fenced for concurrent readers via atomic load.
func (cb *cachedBlock) RangeEnd() int64 { return atomic.LoadInt64(&cb.rangeEnd) }

// FullSize is the decompressor's advertised total uncompressed size.
func (cb *cachedBlock) FullSize() int64 {
	if cb.dec != nil {
		return cb.dec.UncompressedSize()
	}
	return int64(len(cb.buf))
}

// Materialized reports whether the block has reached its full size (the
// decompressor has been released at that point).
func (cb *cachedBlock) Materialized() bool {
	return cb.dec == nil
}

// DecompressUntil repeatedly steps the decompressor with frameSize-sized
// increments until the buffer reaches targetEnd bytes (§4.3). When the
// codec signals completion, the decompressor is destroyed and the
// source mapping range is released.
func (cb *cachedBlock) DecompressUntil(targetEnd int64, frameSize int64) error {
	if cb.dec == nil {
		return nil // already fully materialized
	}
	if targetEnd > cb.dec.UncompressedSize() {
		targetEnd = cb.dec.UncompressedSize()
	}
	for int64(len(cb.buf)) < targetEnd {
		next := int64(len(cb.buf)) + frameSize
		if next > targetEnd {
			next = targetEnd
		}
		done, err := cb.dec.DecompressFrame(&cb.buf, next)
		atomic.StoreInt64(&cb.rangeEnd, int64(len(cb.buf)))
		if err != nil {
			return err
		}
		if done {
			cb.dec = nil
			if cb.release != nil {
				if rerr := cb.release(); rerr != nil && cb.log != nil {
					cb.log.WithError(rerr).Debug("advisory release failed")
				}
			}
			break
		}
	}
	return nil
}

// View returns the bytes [off, off+size) of the uncompressed buffer;
// callers must have already ensured rangeEnd >= off+size (the block
// cache's job - this is a read of already-materialized bytes).
func (cb *cachedBlock) View(off, size int64) []byte {
	return cb.buf[off : off+size]
}

// AnyPagesSwappedOut probes OS page residency for the uncompressed
// buffer (§4.3 "residency probe"), used by the BLOCK_SWAPPED_OUT tidy
// strategy. Errors are treated as "nothing observed swapped out" since
// residency probing is advisory only.
func (cb *cachedBlock) AnyPagesSwappedOut() bool {
	return anyPagesSwappedOut(cb.buf)
}
