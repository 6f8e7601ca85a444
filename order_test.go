package dwarfs_test

import (
	"testing"

	"github.com/dwarfs-go/dwarfs"
)

func TestNilsimsaIdenticalContentIsZeroDistance(t *testing.T) {
	a := dwarfs.ComputeNilsimsa([]byte("the quick brown fox jumps over the lazy dog"))
	b := dwarfs.ComputeNilsimsa([]byte("the quick brown fox jumps over the lazy dog"))
	if d := a.HammingDistance(b); d != 0 {
		t.Errorf("identical content distance = %d, want 0", d)
	}
}

func TestNilsimsaSimilarContentIsCloserThanUnrelated(t *testing.T) {
	base := "the quick brown fox jumps over the lazy dog, and keeps running"
	similar := "the quick brown fox jumps over the lazy dog, and keeps walking"
	unrelated := "completely different content with no shared structure at all here"

	da := dwarfs.ComputeNilsimsa([]byte(base))
	db := dwarfs.ComputeNilsimsa([]byte(similar))
	dc := dwarfs.ComputeNilsimsa([]byte(unrelated))

	distSimilar := da.HammingDistance(db)
	distUnrelated := da.HammingDistance(dc)
	if distSimilar >= distUnrelated {
		t.Errorf("similar-content distance (%d) should be less than unrelated-content distance (%d)", distSimilar, distUnrelated)
	}
}
