package lut

import "math/bits"

// bitset is a fixed-width set of handle positions used by the cover search.
type bitset struct {
	n     int
	words []uint64
}

func newBitset(n int) bitset {
	return bitset{n: n, words: make([]uint64, (n+63)/64)}
}

func (b bitset) set(i int) { b.words[i/64] |= 1 << (uint(i) % 64) }

func (b bitset) count() int {
	c := 0
	for _, w := range b.words {
		c += bits.OnesCount64(w)
	}
	return c
}

func (b bitset) or(o bitset) bitset {
	out := newBitset(b.n)
	for i := range b.words {
		out.words[i] = b.words[i] | o.words[i]
	}
	return out
}

func (b bitset) and(o bitset) bitset {
	out := newBitset(b.n)
	for i := range b.words {
		out.words[i] = b.words[i] & o.words[i]
	}
	return out
}

func (b bitset) andNot(o bitset) bitset {
	out := newBitset(b.n)
	for i := range b.words {
		out.words[i] = b.words[i] &^ o.words[i]
	}
	return out
}

func (b bitset) equal(o bitset) bool {
	for i := range b.words {
		if b.words[i] != o.words[i] {
			return false
		}
	}
	return true
}
