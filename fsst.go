package dwarfs

// FSST string table compression (§3 "Compact names/symlinks", §9 FSST
// glossary entry). This is a from-scratch symbol-table string coder
// grounded on the shape described in
// original_source/src/dwarfs/string_table.cpp (a dictionary of byte
// strings, looked up by code, with an escape code for literal bytes) —
// not a byte-compatible reimplementation of libfsst's block-exchange
// encoding, which depends on SIMD gather/scatter tricks with no
// equivalent in the examples pack. The wire shape (symbol table then
// coded body) is preserved; the code assignment algorithm is a simple
// greedy longest-prefix match instead of libfsst's counting/pruning
// construction.

const fsstEscapeCode = 0xFF
const fsstMaxSymbols = 254

// fsstTable is a built symbol table: up to 254 byte-string symbols,
// code 0xFF reserved to mean "next byte is a literal".
type fsstTable struct {
	symbols [][]byte
}

// buildFSSTTable derives a symbol table from a sample of strings using
// a byte-pair-merge-like frequency pass: count all substrings of length
// 2..8 across the corpus, keep those seen at least twice, rank them by
// count*length (longer first on ties, so greedy encoding prefers longer
// matches) and take the top fsstMaxSymbols. Overlap between the chosen
// substrings is not considered.
func buildFSSTTable(strs []string) *fsstTable {
	counts := make(map[string]int)
	for _, s := range strs {
		b := []byte(s)
		for n := 2; n <= 8 && n <= len(b); n++ {
			for i := 0; i+n <= len(b); i++ {
				counts[string(b[i:i+n])]++
			}
		}
	}
	type cand = struct {
		s     string
		score int
	}
	cands := make([]cand, 0, len(counts))
	for s, c := range counts {
		if c < 2 {
			continue
		}
		cands = append(cands, cand{s, c * len(s)})
	}
	// insertion sort of all candidates by descending score, longest
	// symbols first on ties so the greedy matcher in encode prefers them;
	// the first fsstMaxSymbols are kept.
	sortCandsDesc(cands)
	max := fsstMaxSymbols
	if len(cands) < max {
		max = len(cands)
	}
	t := &fsstTable{}
	for i := 0; i < max; i++ {
		t.symbols = append(t.symbols, []byte(cands[i].s))
	}
	return t
}

func sortCandsDesc(c []struct {
	s     string
	score int
}) {
	for i := 1; i < len(c); i++ {
		v := c[i]
		j := i - 1
		for j >= 0 && (c[j].score < v.score || (c[j].score == v.score && len(c[j].s) < len(v.s))) {
			c[j+1] = c[j]
			j--
		}
		c[j+1] = v
	}
}

// encode packs s into an FSST-coded byte string against t.
func (t *fsstTable) encode(s string) []byte {
	b := []byte(s)
	out := make([]byte, 0, len(b))
	for i := 0; i < len(b); {
		matched := -1
		matchLen := 0
		for code, sym := range t.symbols {
			if len(sym) <= matchLen {
				continue
			}
			if i+len(sym) <= len(b) && string(b[i:i+len(sym)]) == string(sym) {
				matched = code
				matchLen = len(sym)
			}
		}
		if matched >= 0 {
			out = append(out, byte(matched))
			i += matchLen
			continue
		}
		out = append(out, fsstEscapeCode, b[i])
		i++
	}
	return out
}

// decode unpacks an FSST-coded byte string against t.
func (t *fsstTable) decode(coded []byte) []byte {
	out := make([]byte, 0, len(coded)*2)
	for i := 0; i < len(coded); {
		code := coded[i]
		if code == fsstEscapeCode {
			i++
			if i >= len(coded) {
				break
			}
			out = append(out, coded[i])
			i++
			continue
		}
		if int(code) < len(t.symbols) {
			out = append(out, t.symbols[code]...)
		}
		i++
	}
	return out
}

// marshalSymtab serializes the symbol table as length-prefixed entries,
// for embedding in a metadata section alongside the coded body.
func (t *fsstTable) marshalSymtab() []byte {
	var out []byte
	out = append(out, byte(len(t.symbols)))
	for _, sym := range t.symbols {
		out = append(out, byte(len(sym)))
		out = append(out, sym...)
	}
	return out
}

func unmarshalFSSTTable(buf []byte) (*fsstTable, int, error) {
	if len(buf) < 1 {
		return nil, 0, ErrTruncatedSection
	}
	n := int(buf[0])
	pos := 1
	t := &fsstTable{}
	for i := 0; i < n; i++ {
		if pos >= len(buf) {
			return nil, 0, ErrTruncatedSection
		}
		slen := int(buf[pos])
		pos++
		if pos+slen > len(buf) {
			return nil, 0, ErrTruncatedSection
		}
		t.symbols = append(t.symbols, buf[pos:pos+slen])
		pos += slen
	}
	return t, pos, nil
}
