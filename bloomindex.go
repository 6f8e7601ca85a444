package dwarfs

import "github.com/bits-and-blooms/bloom/v3"

// blockFingerprintIndex is the per-(flushed)-block fingerprint index
// the segmenter consults during its hash sweep (§4.8 "active_blocks"):
// a Bloom filter for cheap negative lookups plus a sparse hash index
// recording the rolling-hash value every `1 << incrementShift` bytes.
type blockFingerprintIndex struct {
	filter *bloom.BloomFilter
	byFP   map[uint64][]int32 // fingerprint -> sampled offsets sharing it
}

// buildFingerprintIndex sweeps data's own bytes to populate a fresh
// index, sampling a fingerprint every 1<<incrementShift bytes once the
// window is full. bloomBits sizes the filter (rounded to a multiple of
// 64 by the library itself); k is fixed at 4, a conventional choice for
// a few-percent false-positive rate at the filter sizes this component
// operates at.
func buildFingerprintIndex(data []byte, window int, incrementShift uint, bloomBits uint) *blockFingerprintIndex {
	idx := &blockFingerprintIndex{
		filter: bloom.New(bloomBits, 4),
		byFP:   make(map[uint64][]int32),
	}
	if window <= 0 || len(data) < window {
		return idx
	}
	roll := newRollingHash(window)
	stride := uint64(1) << incrementShift
	for i, b := range data {
		fp := roll.Push(b)
		if !roll.Full() {
			continue
		}
		if uint64(i+1)%stride != 0 {
			continue
		}
		offset := int32(i + 1 - window)
		idx.add(fp, offset)
	}
	return idx
}

func (idx *blockFingerprintIndex) add(fp uint64, offset int32) {
	var key [8]byte
	for i := 0; i < 8; i++ {
		key[i] = byte(fp >> (8 * i))
	}
	idx.filter.Add(key[:])
	idx.byFP[fp] = append(idx.byFP[fp], offset)
}

// maybeContains is the Bloom-filter pre-check; a false return means fp
// is definitely absent and the (more expensive) hash-index lookup can
// be skipped.
func (idx *blockFingerprintIndex) maybeContains(fp uint64) bool {
	var key [8]byte
	for i := 0; i < 8; i++ {
		key[i] = byte(fp >> (8 * i))
	}
	return idx.filter.Test(key[:])
}

// candidates returns the offsets recorded for fp, or nil.
func (idx *blockFingerprintIndex) candidates(fp uint64) []int32 {
	return idx.byFP[fp]
}
