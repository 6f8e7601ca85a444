package dwarfs

// BlockSink receives a category's finalized block bytes and assigns it
// a place in the output stream, returning only an error: the segmenter
// already reserves the block's ordinal number before handing bytes
// over (see Segmenter.flushCurrent), since blocks are always finalized
// in creation order (§4.9 "completions written in submission order").
type BlockSink interface {
	WriteBlock(category string, blockNo uint32, data []byte) error
}

// SegmenterConfig carries the tunables §4.8 names for the rolling-hash
// content-defined chunking engine.
type SegmenterConfig struct {
	BlockSize          int
	Window             int  // blockhash_window_size (W)
	WindowIncrementShift uint // window_increment_shift
	BloomBits          uint // bloom_filter_size
	MaxActiveBlocks    int  // max_active_blocks
}

func defaultSegmenterConfig(blockSize int) SegmenterConfig {
	return SegmenterConfig{
		BlockSize:            blockSize,
		Window:               48,
		WindowIncrementShift: 6, // sample every 64 bytes
		BloomBits:            1 << 16,
		MaxActiveBlocks:      4,
	}
}

// SegmenterStats accumulates the counters §4.8 requires ("bytes
// scanned, bytes saved by segmentation, bytes saved by deduplication,
// block-size distribution").
type SegmenterStats struct {
	BytesScanned          int64
	SavedBySegmentation   int64 // bytes represented by a matched chunk rather than stored as a literal
	SavedByDedup          int64 // whole-file hash hits, credited by the caller (writer.go's flatten dedup)
	BlockSizeHistogram    map[int]int
}

type flushedBlock struct {
	blockNo uint32
	data    []byte
	idx     *blockFingerprintIndex
}

type currentBlock struct {
	category string
	blockNo  uint32
	data     []byte
}

// Segmenter implements §4.8's chunking protocol: content-defined
// segmentation of file fragments into deduplicated, bounded-size
// blocks. One current (not-yet-flushed) block is accumulated at a
// time; active_blocks (recently flushed blocks, per category) are kept
// around for match lookups via a Bloom-filter-backed fingerprint
// index.
//
// Simplification versus §4.8's full per-category concurrency: only one
// block is "current" globally at any instant, flushed whenever the
// category changes (matching the writer's existing category-isolation
// flush point) or fills; matches are only sought against already
// flushed active_blocks, not within the still-open current block, so
// the fingerprint index for a block is built once, in full, at flush
// time rather than maintained incrementally while the block is
// growing. Whole-block dedup within the same still-open block (e.g. a
// repeated string inside one file) is therefore not caught here; it is
// still caught at the whole-file level by writer.go's content-hash
// dedup in flatten().
type Segmenter struct {
	cfg SegmenterConfig
	sink BlockSink

	nextBlockNo uint32
	current     *currentBlock
	active      map[string][]*flushedBlock // category -> ring, oldest first

	Stats SegmenterStats
}

// NewSegmenter builds a Segmenter that hands finalized blocks to sink.
func NewSegmenter(cfg SegmenterConfig, sink BlockSink) *Segmenter {
	if cfg.Window <= 0 {
		cfg.Window = 48
	}
	if cfg.MaxActiveBlocks <= 0 {
		cfg.MaxActiveBlocks = 4
	}
	return &Segmenter{
		cfg:    cfg,
		sink:   sink,
		active: make(map[string][]*flushedBlock),
		Stats:  SegmenterStats{BlockSizeHistogram: make(map[int]int)},
	}
}

// Process runs the chunking protocol over one fragment of category,
// returning the ordered chunks that reconstruct it (§4.8 invariant
// (ii)).
func (s *Segmenter) Process(category string, data []byte, granularity int) ([]Chunk, error) {
	if s.current == nil || s.current.category != category {
		if err := s.flushCurrent(); err != nil {
			return nil, err
		}
		s.startCurrent(category)
	}
	s.Stats.BytesScanned += int64(len(data))

	if granularity > 1 && len(data) < granularity {
		// §4.8.4: a fragment smaller than G is emitted as a single chunk.
		return s.appendLiteral(data)
	}

	var chunks []Chunk
	window := s.cfg.Window
	if window <= 0 || len(data) < window {
		c, err := s.appendLiteral(data)
		return c, err
	}

	roll := newRollingHash(window)
	litStart := 0
	i := 0
	for i < len(data) {
		fp := roll.Push(data[i])
		i++
		if !roll.Full() {
			continue
		}
		windowStart := i - window
		blk, off, ok := s.findMatch(category, fp, data, windowStart)
		if !ok {
			continue
		}
		matchStart, matchEnd := s.snapMatch(windowStart, s.extendMatch(blk, off, data, windowStart), granularity, len(data))
		if matchEnd <= matchStart {
			continue
		}

		if matchStart > litStart {
			lit, err := s.appendLiteral(data[litStart:matchStart])
			if err != nil {
				return nil, err
			}
			chunks = append(chunks, lit...)
		}
		matchLen := matchEnd - matchStart
		chunks = append(chunks, Chunk{Block: blk.blockNo, Offset: uint32(off + (matchStart - windowStart)), Size: uint32(matchLen)})
		s.Stats.SavedBySegmentation += int64(matchLen)

		litStart = matchEnd
		i = matchEnd
		roll.Reset()
	}

	if litStart < len(data) {
		lit, err := s.appendLiteral(data[litStart:])
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, lit...)
	}
	return chunks, nil
}

func (s *Segmenter) findMatch(category string, fp uint64, data []byte, windowStart int) (*flushedBlock, int, bool) {
	window := s.cfg.Window
	needle := data[windowStart : windowStart+window]
	for _, blk := range s.active[category] {
		if !blk.idx.maybeContains(fp) {
			continue
		}
		for _, off32 := range blk.idx.candidates(fp) {
			off := int(off32)
			if off+window > len(blk.data) {
				continue
			}
			if bytesEqual(blk.data[off:off+window], needle) {
				return blk, off, true
			}
		}
	}
	return nil, 0, false
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// extendMatch grows a confirmed W-byte match forward while both the
// fragment and the candidate block have matching bytes remaining.
func (s *Segmenter) extendMatch(blk *flushedBlock, off int, data []byte, windowStart int) int {
	window := s.cfg.Window
	length := window
	for windowStart+length < len(data) && off+length < len(blk.data) && data[windowStart+length] == blk.data[off+length] {
		length++
	}
	return length
}

// snapMatch applies §4.8.4's granularity snapping to a match region,
// rounding the start up and the end down to multiples of G so neither
// boundary lands inside a granule. Returns a possibly-empty range.
func (s *Segmenter) snapMatch(start, length, granularity, fragLen int) (int, int) {
	end := start + length
	if granularity <= 1 {
		return start, end
	}
	snappedStart := ((start + granularity - 1) / granularity) * granularity
	snappedEnd := (end / granularity) * granularity
	if snappedStart >= snappedEnd || snappedStart < 0 || snappedEnd > fragLen {
		return start, start
	}
	return snappedStart, snappedEnd
}

// appendLiteral appends data to the current block (§4.8.3), splitting
// across a block boundary and flushing as needed, and returns the
// chunk(s) describing where the bytes landed.
func (s *Segmenter) appendLiteral(data []byte) ([]Chunk, error) {
	if s.cfg.BlockSize <= 0 {
		return nil, errInval("segmenter: block_size too small for fragment")
	}
	var chunks []Chunk
	for len(data) > 0 {
		room := s.cfg.BlockSize - len(s.current.data)
		if room == 0 {
			// current block already full from a previous fragment: flush
			// it and start a fresh one before placing any more bytes.
			cat := s.current.category
			if err := s.flushCurrent(); err != nil {
				return nil, err
			}
			s.startCurrent(cat)
			continue
		}
		n := len(data)
		if n > room {
			n = room
		}
		chunks = append(chunks, Chunk{Block: s.current.blockNo, Offset: uint32(len(s.current.data)), Size: uint32(n)})
		s.current.data = append(s.current.data, data[:n]...)
		data = data[n:]

		if len(s.current.data) >= s.cfg.BlockSize {
			cat := s.current.category
			if err := s.flushCurrent(); err != nil {
				return nil, err
			}
			s.startCurrent(cat)
		}
	}
	return chunks, nil
}

func (s *Segmenter) startCurrent(category string) {
	s.current = &currentBlock{category: category, blockNo: s.nextBlockNo, data: make([]byte, 0, s.cfg.BlockSize)}
	s.nextBlockNo++
}

// flushCurrent finalizes the current block (if any non-empty), hands
// it to the sink, builds its fingerprint index, and files it into its
// category's active_blocks ring, evicting the oldest once
// max_active_blocks is exceeded.
func (s *Segmenter) flushCurrent() error {
	if s.current == nil || len(s.current.data) == 0 {
		s.current = nil
		return nil
	}
	cur := s.current
	s.current = nil

	s.Stats.BlockSizeHistogram[len(cur.data)]++

	if err := s.sink.WriteBlock(cur.category, cur.blockNo, cur.data); err != nil {
		return err
	}

	idx := buildFingerprintIndex(cur.data, s.cfg.Window, s.cfg.WindowIncrementShift, s.cfg.BloomBits)
	ring := append(s.active[cur.category], &flushedBlock{blockNo: cur.blockNo, data: cur.data, idx: idx})
	if len(ring) > s.cfg.MaxActiveBlocks {
		ring = ring[len(ring)-s.cfg.MaxActiveBlocks:]
	}
	s.active[cur.category] = ring
	return nil
}

// Close flushes any still-open current block; call once after the last
// fragment has been processed.
func (s *Segmenter) Close() error { return s.flushCurrent() }
