package dwarfs_test

import (
	"math/rand"
	"testing"

	"github.com/dwarfs-go/dwarfs"
)

// recordingSink collects the blocks a Segmenter finalizes, standing in
// for Writer's section-stream sink in these unit tests.
type recordingSink struct {
	blocks [][]byte
}

func (s *recordingSink) WriteBlock(_ string, blockNo uint32, data []byte) error {
	if int(blockNo) != len(s.blocks) {
		return errBlockOutOfOrder
	}
	cp := append([]byte(nil), data...)
	s.blocks = append(s.blocks, cp)
	return nil
}

var errBlockOutOfOrder = &segTestError{"block written out of creation order"}

type segTestError struct{ msg string }

func (e *segTestError) Error() string { return e.msg }

// TestSegmenterCrossBlockMatch is §8's scenario 3: a 1 MiB random
// fragment, then a 512 KiB literal fragment, then the SAME 1 MiB
// random bytes again, fed through a segmenter with an 18-bit block
// size (256 KiB) so the repeated content spans several blocks away
// from where it was first stored. The repeat must be recognized as a
// match rather than stored again.
func TestSegmenterCrossBlockMatch(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	random := make([]byte, 1024*1024)
	rng.Read(random)
	loremipsum := make([]byte, 512*1024)
	for i := range loremipsum {
		loremipsum[i] = byte('a' + i%26)
	}

	cfg := dwarfs.SegmenterConfig{
		BlockSize:            1 << 18,
		Window:               48,
		WindowIncrementShift: 6,
		BloomBits:            1 << 16,
		MaxActiveBlocks:      8,
	}
	sink := &recordingSink{}
	seg := dwarfs.NewSegmenter(cfg, sink)

	if _, err := seg.Process("default", random, 0); err != nil {
		t.Fatalf("Process(random): %s", err)
	}
	if _, err := seg.Process("default", loremipsum, 0); err != nil {
		t.Fatalf("Process(loremipsum): %s", err)
	}
	chunks, err := seg.Process("default", random, 0)
	if err != nil {
		t.Fatalf("Process(random again): %s", err)
	}
	if err := seg.Close(); err != nil {
		t.Fatalf("Close: %s", err)
	}

	if seg.Stats.SavedBySegmentation < 1_000_000 {
		t.Errorf("saved_by_segmentation = %d, want >= 1000000", seg.Stats.SavedBySegmentation)
	}

	// the third fragment's chunks must still reconstruct the original
	// bytes byte-for-byte (§4.8 invariant (ii)), whether each chunk was
	// stored as a literal or resolved from an earlier block.
	var rebuilt []byte
	for _, c := range chunks {
		rebuilt = append(rebuilt, sink.blocks[c.Block][c.Offset:c.Offset+c.Size]...)
	}
	if len(rebuilt) != len(random) {
		t.Fatalf("rebuilt length = %d, want %d", len(rebuilt), len(random))
	}
	for i := range rebuilt {
		if rebuilt[i] != random[i] {
			t.Fatalf("rebuilt mismatch at byte %d", i)
			break
		}
	}
}

// TestSegmenterLiteralRoundTrip checks the invariant that concatenating
// a fragment's emitted chunks reconstructs it byte-for-byte even when
// no matches are available at all (the common case: the very first
// fragment ever processed).
func TestSegmenterLiteralRoundTrip(t *testing.T) {
	data := []byte("the quick brown fox jumps over the lazy dog, repeatedly, for a while")
	cfg := dwarfs.SegmenterConfig{BlockSize: 16, Window: 8, WindowIncrementShift: 2, BloomBits: 1 << 10, MaxActiveBlocks: 4}
	sink := &recordingSink{}
	seg := dwarfs.NewSegmenter(cfg, sink)

	chunks, err := seg.Process("default", data, 0)
	if err != nil {
		t.Fatalf("Process: %s", err)
	}
	if err := seg.Close(); err != nil {
		t.Fatalf("Close: %s", err)
	}

	var rebuilt []byte
	for _, c := range chunks {
		rebuilt = append(rebuilt, sink.blocks[c.Block][c.Offset:c.Offset+c.Size]...)
	}
	if string(rebuilt) != string(data) {
		t.Fatalf("rebuilt = %q, want %q", rebuilt, data)
	}
}
