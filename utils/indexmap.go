package utils

import (
	"fmt"
)

// WriteMap computes, for two index lists that are permutations of each
// other, the map wmap such that to[wmap[i]] == from[i]. Writing a value
// produced in 'from' order at position wmap[i] lands it where the 'to'
// ordering expects it.
func WriteMap(from, to []int) ([]int, error) {
	if len(from) != len(to) {
		return nil, fmt.Errorf("length mismatch: %d vs %d", len(from), len(to))
	}

	pos := make(map[int]int, len(to))
	for j, v := range to {
		if _, dup := pos[v]; dup {
			return nil, fmt.Errorf("duplicate index %d in target list", v)
		}
		pos[v] = j
	}

	wmap := make([]int, len(from))
	for i, v := range from {
		j, ok := pos[v]
		if !ok {
			return nil, fmt.Errorf("index %d not present in target list", v)
		}
		wmap[i] = j
	}
	return wmap, nil
}

// ReadMap computes, for two index lists that are permutations of each
// other, the map rmap such that from[rmap[i]] == sub[i]. It narrows an
// element-local index list down to positions within the reference list,
// e.g. element dof indices to face-local dof offsets.
func ReadMap(from, sub []int) ([]int, error) {
	if len(from) != len(sub) {
		return nil, fmt.Errorf("length mismatch: %d vs %d", len(from), len(sub))
	}

	pos := make(map[int]int, len(from))
	for j, v := range from {
		if _, dup := pos[v]; dup {
			return nil, fmt.Errorf("duplicate index %d in source list", v)
		}
		pos[v] = j
	}

	rmap := make([]int, len(sub))
	for i, v := range sub {
		j, ok := pos[v]
		if !ok {
			return nil, fmt.Errorf("index %d not present in source list", v)
		}
		rmap[i] = j
	}
	return rmap, nil
}

// ApplyWriteMap scatters seq through wmap: out[wmap[i]] = seq[i].
func ApplyWriteMap(wmap, seq []int) ([]int, error) {
	if len(wmap) != len(seq) {
		return nil, fmt.Errorf("length mismatch: %d vs %d", len(wmap), len(seq))
	}

	out := make([]int, len(seq))
	seen := make([]bool, len(seq))
	for i, w := range wmap {
		if w < 0 || w >= len(out) {
			return nil, fmt.Errorf("write index %d out of range", w)
		}
		if seen[w] {
			return nil, fmt.Errorf("write index %d used twice", w)
		}
		seen[w] = true
		out[w] = seq[i]
	}
	return out, nil
}
