package dwarfs

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// TidyStrategy selects how the block cache reclaims idle blocks (§4.4).
type TidyStrategy int

const (
	TidyNone TidyStrategy = iota
	TidyExpiryTime
	TidyBlockSwappedOut
)

// TidyConfig configures periodic cache tidying.
type TidyConfig struct {
	Strategy TidyStrategy
	Interval time.Duration // must be > 0 if Strategy != TidyNone
	MaxAge   time.Duration // used by TidyExpiryTime
}

// BlockSource resolves a block number to the section that contains it
// and supplies a Decompressor for it; the filesystem assembly layer
// implements this over the section map built at mount.
type BlockSource interface {
	OpenBlock(blockNo uint32) (dec Decompressor, release func() error, err error)
}

type slotState int

const (
	slotEmpty slotState = iota
	slotLoading
	slotReady
)

type pendingRequest struct {
	wantEnd int64
	done    chan blockRangeResult
}

type blockRangeResult struct {
	rng *BlockRange
	err error
}

// slot is one entry of the cache's block map (§4.4 "State").
type slot struct {
	blockNo uint32
	state   slotState
	block   *cachedBlock
	pending []*pendingRequest
	target  int64 // highest byte requested so far across pending+granted
	refs    int   // count of live BlockRange views
	lruElem *list.Element
}

// BlockRange is a read-only view into a materialized block, keeping its
// owning cachedBlock (and therefore the block cache slot) pinned for as
// long as the view exists (§3 "Block range").
type BlockRange struct {
	cache   *BlockCache
	blockNo uint32
	data    []byte
	freed   bool
	mu      sync.Mutex
}

// Data returns the requested byte range.
func (r *BlockRange) Data() []byte { return r.data }

// Release drops this view's reference; once the last view on a block is
// released and the block is not otherwise wanted, it becomes eligible
// for LRU eviction.
func (r *BlockRange) Release() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.freed {
		return
	}
	r.freed = true
	r.cache.unref(r.blockNo)
}

// BlockCache is a concurrent bounded LRU over cached blocks, coordinating
// at-most-once block materialization under parallel readers via a fixed
// worker pool (§4.4). No teacher analogue exists (squashfs reads
// synchronously); this is new code written in the teacher's plain
// struct + mutex idiom rather than an actor/reactor framework.
type BlockCache struct {
	mu      sync.Mutex
	slots   map[uint32]*slot
	lru     *list.List // of *slot, most-recently-used at Back()
	source  BlockSource
	maxBytes int64
	bytesInUse int64
	decompressRatio float64
	log     *logrus.Entry

	numWorkers int
	work   chan uint32
	wg     sync.WaitGroup
	closed bool
	stopCh chan struct{}

	tidy TidyConfig
	tidyStop chan struct{}
	tidyDone chan struct{}
}

// BlockCacheOption configures a BlockCache at construction.
type BlockCacheOption func(*BlockCache)

func WithMaxBytes(n int64) BlockCacheOption        { return func(c *BlockCache) { c.maxBytes = n } }
func WithWorkers(n int) BlockCacheOption           { return func(c *BlockCache) { c.setWorkers(n) } }
func WithDecompressRatio(r float64) BlockCacheOption {
	return func(c *BlockCache) {
		if r <= 0 || r > 1 {
			r = 1
		}
		c.decompressRatio = r
	}
}
func WithTidyConfig(cfg TidyConfig) BlockCacheOption { return func(c *BlockCache) { c.tidy = cfg } }
func WithCacheLogger(log *logrus.Entry) BlockCacheOption {
	return func(c *BlockCache) { c.log = log }
}

func (c *BlockCache) setWorkers(n int) {
	if n <= 0 {
		n = 1
	}
	c.numWorkers = n
}

// NewBlockCache constructs a cache bound to source with a default of 8
// worker goroutines and a 256MiB budget; override via options.
func NewBlockCache(source BlockSource, opts ...BlockCacheOption) *BlockCache {
	c := &BlockCache{
		slots:           make(map[uint32]*slot),
		lru:             list.New(),
		source:          source,
		maxBytes:        256 << 20,
		decompressRatio: 1.0,
		numWorkers:      8,
		stopCh:          make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	c.work = make(chan uint32, 1024)
	for i := 0; i < c.numWorkers; i++ {
		c.wg.Add(1)
		go c.workerLoop()
	}
	if c.tidy.Strategy != TidyNone {
		if c.tidy.Interval <= 0 {
			panic("dwarfs: tidy interval must be > 0 when a tidy strategy is configured")
		}
		c.tidyStop = make(chan struct{})
		c.tidyDone = make(chan struct{})
		go c.tidyLoop()
	}
	return c
}

// SetNumWorkers is intentionally unsupported post-construction in this
// port: the spec's `set_num_workers(n)` mount-facing operation is
// exposed at the Filesystem level, which recreates the cache's worker
// pool by constructing a new, empty BlockCache and closing the old one
// (no slot state is carried over); see
// Filesystem.SetNumWorkers in filesystem.go.

func (c *BlockCache) workerLoop() {
	defer c.wg.Done()
	for {
		select {
		case blockNo, ok := <-c.work:
			if !ok {
				return
			}
			c.materialize(blockNo)
		case <-c.stopCh:
			return
		}
	}
}

func (c *BlockCache) materialize(blockNo uint32) {
	c.mu.Lock()
	s, ok := c.slots[blockNo]
	if !ok || s.state != slotLoading {
		c.mu.Unlock()
		return
	}
	block := s.block
	c.mu.Unlock()

	for {
		c.mu.Lock()
		target := s.target
		c.mu.Unlock()

		frameSize := block.FullSize()
		if c.decompressRatio < 1.0 {
			frameSize = int64(float64(block.FullSize()) * c.decompressRatio)
			if frameSize < 1 {
				frameSize = 1
			}
		}
		err := block.DecompressUntil(target, frameSize)

		c.mu.Lock()
		s.fulfill(block, err)
		if err != nil || block.Materialized() {
			if err == nil {
				s.state = slotReady
				s.lruElem = c.lru.PushBack(s)
			} else {
				// I/O corruption: remove the slot so a future get()
				// re-attempts materialization (§7).
				delete(c.slots, blockNo)
			}
			c.evictLocked()
			c.mu.Unlock()
			return
		}
		if s.target <= block.RangeEnd() {
			// no further extension requested yet; park until one
			// arrives (the next Get() call re-enqueues this blockNo).
			s.state = slotReady
			s.lruElem = c.lru.PushBack(s)
			c.evictLocked()
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()
	}
}

// fulfill satisfies and pops any pending requests whose wantEnd has now
// been materialized; must be called with c.mu held.
func (s *slot) fulfill(block *cachedBlock, err error) {
	remaining := s.pending[:0]
	for _, p := range s.pending {
		if err != nil {
			p.done <- blockRangeResult{err: errIO("block_cache.get")}
			close(p.done)
			continue
		}
		if block.RangeEnd() >= p.wantEnd {
			p.done <- blockRangeResult{rng: nil} // filled by caller with real range
			close(p.done)
			continue
		}
		remaining = append(remaining, p)
	}
	s.pending = remaining
}

// Get requests bytes [offset, offset+size) of blockNo and blocks until
// those bytes are materialized (or ctx is done), returning a BlockRange
// over them (§4.4 pseudocode).
func (c *BlockCache) Get(ctx context.Context, blockNo uint32, offset, size int64) (*BlockRange, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrCacheClosed
	}
	wantEnd := offset + size
	s, ok := c.slots[blockNo]
	if ok && s.state == slotReady && s.block.RangeEnd() >= wantEnd {
		s.refs++
		s.block.touch()
		c.touchLRU(s)
		data := s.block.View(offset, size)
		c.mu.Unlock()
		return &BlockRange{cache: c, blockNo: blockNo, data: data}, nil
	}

	if !ok {
		s = &slot{blockNo: blockNo, state: slotEmpty}
		c.slots[blockNo] = s
	}
	if s.target < wantEnd {
		s.target = wantEnd
	}
	wasEmpty := s.state == slotEmpty
	if wasEmpty {
		dec, release, err := c.source.OpenBlock(blockNo)
		if err != nil {
			delete(c.slots, blockNo)
			c.mu.Unlock()
			return nil, fmt.Errorf("%w: %v", errIO("block_cache.get"), err)
		}
		s.block = newCachedBlock(blockNo, dec, release, c.log)
		s.state = slotLoading
	}
	if s.state == slotReady {
		// ready but short of wantEnd: needs extension.
		s.state = slotLoading
		if elem := s.lruElem; elem != nil {
			c.lru.Remove(elem)
			s.lruElem = nil
		}
	}
	pending := &pendingRequest{wantEnd: wantEnd, done: make(chan blockRangeResult, 1)}
	s.pending = append(s.pending, pending)
	s.refs++
	select {
	case c.work <- blockNo:
	default:
		go func(bn uint32) { c.work <- bn }(blockNo)
	}
	c.evictLocked()
	c.mu.Unlock()

	select {
	case res := <-pending.done:
		if res.err != nil {
			c.mu.Lock()
			s.refs--
			c.mu.Unlock()
			return nil, res.err
		}
		c.mu.Lock()
		data := s.block.View(offset, size)
		c.mu.Unlock()
		return &BlockRange{cache: c, blockNo: blockNo, data: data}, nil
	case <-ctx.Done():
		c.mu.Lock()
		s.refs--
		c.mu.Unlock()
		return nil, ctx.Err()
	}
}

func (c *BlockCache) touchLRU(s *slot) {
	if s.lruElem != nil {
		c.lru.MoveToBack(s.lruElem)
	}
}

func (c *BlockCache) unref(blockNo uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.slots[blockNo]
	if !ok {
		return
	}
	s.refs--
	if s.refs < 0 {
		s.refs = 0
	}
	c.evictLocked()
}

// evictLocked drops ready, unreferenced slots from the front (oldest) of
// the LRU while bytesInUse exceeds maxBytes (invariant 4, §4.4); must be
// called with c.mu held.
func (c *BlockCache) evictLocked() {
	bytesInUse := int64(0)
	for _, s := range c.slots {
		if s.state == slotReady {
			bytesInUse += s.block.RangeEnd()
		}
	}
	c.bytesInUse = bytesInUse
	if c.bytesInUse <= c.maxBytes {
		return
	}
	for e := c.lru.Front(); e != nil && c.bytesInUse > c.maxBytes; {
		next := e.Next()
		s := e.Value.(*slot)
		if s.state == slotReady && s.refs == 0 {
			c.lru.Remove(e)
			delete(c.slots, s.blockNo)
			c.bytesInUse -= s.block.RangeEnd()
		}
		e = next
	}
}

// tidyLoop periodically applies the configured TidyStrategy.
func (c *BlockCache) tidyLoop() {
	defer close(c.tidyDone)
	ticker := time.NewTicker(c.tidy.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.applyTidy()
		case <-c.tidyStop:
			return
		}
	}
}

func (c *BlockCache) applyTidy() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	for e := c.lru.Front(); e != nil; {
		next := e.Next()
		s := e.Value.(*slot)
		if s.state != slotReady || s.refs != 0 {
			e = next
			continue
		}
		evict := false
		switch c.tidy.Strategy {
		case TidyExpiryTime:
			evict = now.Sub(s.block.LastAccess()) > c.tidy.MaxAge
		case TidyBlockSwappedOut:
			evict = s.block.AnyPagesSwappedOut()
		}
		if evict {
			c.lru.Remove(e)
			delete(c.slots, s.blockNo)
		}
		e = next
	}
	c.evictLocked()
}

// Close stops the worker pool and tidy loop. Outstanding BlockRanges
// remain valid; new Get calls return ErrCacheClosed.
func (c *BlockCache) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	close(c.stopCh)
	if c.tidyStop != nil {
		close(c.tidyStop)
		<-c.tidyDone
	}
	c.wg.Wait()
}

// BytesInUse reports the cache's current resident byte total, for tests
// and diagnostics.
func (c *BlockCache) BytesInUse() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bytesInUse
}
