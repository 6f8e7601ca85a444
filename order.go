package dwarfs

import (
	"sort"
	"strings"
)

// OrderMode selects the order fragments are submitted to the segmenter
// in (§4.10 "Ordering", §4.8 "category isolation" assumes files of one
// category arrive in this order).
type OrderMode int

const (
	OrderNone OrderMode = iota
	OrderPath
	OrderRevPath
	OrderSimilarity
	OrderNilsimsa
)

// OrderParams carries the tunables OrderNilsimsa's bounded beam search
// takes (§9); unused by the other modes.
type OrderParams struct {
	MaxChildren    int
	MaxClusterSize int
}

// fullPath reconstructs n's path by walking parent pointers, used by
// the PATH/REVPATH order strategies.
func (n *wnode) fullPath() string {
	var parts []string
	for cur := n; cur != nil && cur.parent != nil; cur = cur.parent {
		parts = append(parts, cur.name)
	}
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return strings.Join(parts, "/")
}

// similarityKey derives a 64-bit content similarity key from file
// content, Gray-coded so that lexicographically nearby keys also
// differ by few bits — adjacent-in-sort-order files tend to be
// bitwise-close, which is what the segmenter's active-block window
// benefits from (§4.10 "SIMILARITY", §9 "gray-code order by a 64-bit
// content similarity key"). The raw 64-bit value is a windowed rolling
// hash over the file's own bytes, the same primitive the segmenter
// itself uses (§9 shared rolling-hash construction), reused here rather
// than introducing a second hash family.
func similarityKey(data []byte) uint64 {
	const window = 8
	if len(data) < window {
		roll := newRollingHash(len(data) + 1)
		var v uint64
		for _, b := range data {
			v = roll.Push(b)
		}
		return grayCode(v)
	}
	roll := newRollingHash(window)
	var v uint64
	for _, b := range data {
		v = roll.Push(b)
	}
	return grayCode(v)
}

func grayCode(v uint64) uint64 { return v ^ (v >> 1) }

// orderFilesByCategory applies mode within each category's files,
// preserving category grouping (and the order categories were first
// seen in) so the segmenter's category-isolation flush points are
// unaffected by reordering (§4.8 "category isolation").
func orderFilesByCategory(files []*wnode, mode OrderMode, params OrderParams) []*wnode {
	var catOrder []string
	groups := make(map[string][]*wnode)
	for _, f := range files {
		if _, ok := groups[f.category]; !ok {
			catOrder = append(catOrder, f.category)
		}
		groups[f.category] = append(groups[f.category], f)
	}
	out := make([]*wnode, 0, len(files))
	for _, cat := range catOrder {
		out = append(out, orderFiles(groups[cat], mode, params)...)
	}
	return out
}

// orderFiles reorders files in place (returning the reordered slice)
// per mode, the last step of §4.10's scanner pipeline before fragments
// reach the segmenter.
func orderFiles(files []*wnode, mode OrderMode, params OrderParams) []*wnode {
	switch mode {
	case OrderNone:
		return files
	case OrderPath:
		sorted := append([]*wnode(nil), files...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].fullPath() < sorted[j].fullPath() })
		return sorted
	case OrderRevPath:
		sorted := append([]*wnode(nil), files...)
		key := func(n *wnode) string {
			parts := strings.Split(n.fullPath(), "/")
			for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
				parts[i], parts[j] = parts[j], parts[i]
			}
			return strings.Join(parts, "/")
		}
		sort.Slice(sorted, func(i, j int) bool { return key(sorted[i]) < key(sorted[j]) })
		return sorted
	case OrderSimilarity:
		sorted := append([]*wnode(nil), files...)
		keys := make(map[*wnode]uint64, len(sorted))
		for _, n := range sorted {
			keys[n] = similarityKey(n.data)
		}
		sort.Slice(sorted, func(i, j int) bool { return keys[sorted[i]] < keys[sorted[j]] })
		return sorted
	case OrderNilsimsa:
		digests := make([]Nilsimsa, len(files))
		for i, n := range files {
			digests[i] = ComputeNilsimsa(n.data)
		}
		order := nilsimsaOrder(digests, params.MaxChildren, params.MaxClusterSize)
		sorted := make([]*wnode, len(files))
		for i, idx := range order {
			sorted[i] = files[idx]
		}
		return sorted
	default:
		return files
	}
}
