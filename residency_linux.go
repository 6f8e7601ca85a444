//go:build linux

package dwarfs

import "golang.org/x/sys/unix"

// anyPagesSwappedOut uses mincore(2) to probe whether any page backing
// buf is not currently resident; mincore reports residency, not swap state
// directly, but a non-resident anonymous page is, in practice, the
// signal the BLOCK_SWAPPED_OUT tidy strategy wants (§4.3, §4.4).
func anyPagesSwappedOut(buf []byte) bool {
	if len(buf) == 0 {
		return false
	}
	vec := make([]byte, (len(buf)+4095)/4096)
	if err := unix.Mincore(buf, vec); err != nil {
		return false
	}
	for _, b := range vec {
		if b&1 == 0 {
			return true
		}
	}
	return false
}
