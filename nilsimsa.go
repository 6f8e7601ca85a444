package dwarfs

import "math/bits"

// nilsimsaTran is a fixed byte substitution table used to mix trigram
// values into one of 256 accumulator bins (§9 "NILSIMSA ordering").
// Generated with a deterministic golden-ratio counter passed through the
// murmur3 64-bit finalizer (a construction similar to, but with other
// constants than, rollinghash.go's cyclicTable), reduced to a single
// byte per entry, so
// the table needs no literal 256-entry listing.
var nilsimsaTran = buildNilsimsaTran()

func buildNilsimsaTran() [256]byte {
	var t [256]byte
	seed := uint64(0x2545f4914f6cdd1d)
	for i := range t {
		seed += 0x9e3779b97f4a7c15
		z := seed
		z = (z ^ (z >> 33)) * 0xff51afd7ed558ccd
		z = (z ^ (z >> 33)) * 0xc4ceb9fe1a85ec53
		z = z ^ (z >> 33)
		t[i] = byte(z)
	}
	return t
}

func tran3(a, b, c byte, n int) byte {
	first := nilsimsaTran[(int(a)+n)&0xff]
	second := nilsimsaTran[(int(first)^int(b))&0xff]
	return nilsimsaTran[(int(second)^int(c))&0xff]
}

// Nilsimsa is a 256-bit locality-sensitive digest: similar inputs
// produce digests with small Hamming distance. It is built the way the
// real nilsimsa tool is (accumulate 8 trigram hashes per sliding
// 5-byte window into 256 bins, then threshold each bin against the
// median to get one bit), but is this writer's own construction rather
// than a byte-for-byte port, so digests are not expected to match the
// reference tool's output.
type Nilsimsa [32]byte

// ComputeNilsimsa digests data over sliding 5-grams (§9). Inputs
// shorter than 5 bytes hash to the zero digest — too little content to
// usefully order.
func ComputeNilsimsa(data []byte) Nilsimsa {
	var acc [256]int
	if len(data) >= 5 {
		for i := 0; i+5 <= len(data); i++ {
			w := data[i : i+5]
			// the 8 standard nilsimsa trigram index combinations out of
			// the 10 possible triplets of a 5-byte window.
			acc[tran3(w[0], w[1], w[2], 0)]++
			acc[tran3(w[0], w[1], w[3], 1)]++
			acc[tran3(w[0], w[1], w[4], 2)]++
			acc[tran3(w[0], w[2], w[3], 3)]++
			acc[tran3(w[0], w[2], w[4], 4)]++
			acc[tran3(w[0], w[3], w[4], 5)]++
			acc[tran3(w[1], w[2], w[3], 6)]++
			acc[tran3(w[2], w[3], w[4], 7)]++
		}
	}

	median := medianOf(acc)
	var digest Nilsimsa
	for i, v := range acc {
		if v > median {
			digest[i/8] |= 1 << uint(i%8)
		}
	}
	return digest
}

func medianOf(acc [256]int) int {
	sorted := append([]int(nil), acc[:]...)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j-1] > sorted[j]; j-- {
			sorted[j-1], sorted[j] = sorted[j], sorted[j-1]
		}
	}
	return sorted[len(sorted)/2]
}

// HammingDistance counts differing bits between two digests.
func (a Nilsimsa) HammingDistance(b Nilsimsa) int {
	var d int
	for i := range a {
		d += bits.OnesCount8(a[i] ^ b[i])
	}
	return d
}

// nilsimsaOrder greedily chains items into an order where each next
// item is maximally similar (minimal Hamming distance) to its
// predecessor (§9 "order files so that each next file has maximal
// Hamming-distance-similarity to its predecessor"), a bounded beam
// search: at each step only the first maxChildren not-yet-placed
// candidates in input order are compared, the nearest of them is
// taken, and the chain is
// allowed to restart from the next unplaced item — breaking any
// forced long-distance jump — every maxClusterSize picks.
func nilsimsaOrder(digests []Nilsimsa, maxChildren, maxClusterSize int) []int {
	n := len(digests)
	order := make([]int, 0, n)
	placed := make([]bool, n)
	if n == 0 {
		return order
	}
	if maxChildren <= 0 {
		maxChildren = n
	}
	if maxClusterSize <= 0 {
		maxClusterSize = n
	}

	cur := 0
	placed[cur] = true
	order = append(order, cur)
	sinceRestart := 1

	for len(order) < n {
		if sinceRestart >= maxClusterSize {
			cur = firstUnplaced(placed)
			placed[cur] = true
			order = append(order, cur)
			sinceRestart = 1
			continue
		}

		best, bestDist, seen := -1, -1, 0
		for j := 0; j < n && seen < maxChildren; j++ {
			if placed[j] {
				continue
			}
			seen++
			d := digests[cur].HammingDistance(digests[j])
			if best == -1 || d < bestDist {
				best, bestDist = j, d
			}
		}
		if best == -1 {
			break
		}
		placed[best] = true
		order = append(order, best)
		cur = best
		sinceRestart++
	}
	return order
}

func firstUnplaced(placed []bool) int {
	for i, p := range placed {
		if !p {
			return i
		}
	}
	return -1
}
