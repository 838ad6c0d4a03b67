package tier

import "math/bits"

// freeBitmap is a plain (non-atomic) bitmap over a tier's entry-arena slots:
// one bit per slot, 1 meaning free. alloc returns the lowest-index free slot
// and clears its bit; free(pos) sets the bit again. No internal
// synchronization is needed or provided —
// every call happens while the segment holds the tier's write lock.
type freeBitmap struct {
	words []uint64
	n     int // capacity in bits
}

func newFreeBitmap(n int) *freeBitmap {
	words := make([]uint64, (n+63)/64)
	for i := range words {
		words[i] = ^uint64(0)
	}
	if tail := n % 64; tail != 0 {
		words[len(words)-1] = (uint64(1) << tail) - 1
	}
	return &freeBitmap{words: words, n: n}
}

// alloc returns the lowest-index free bit and marks it used, or ok=false if
// the bitmap has no free bits (the tier is full).
func (b *freeBitmap) alloc() (pos int, ok bool) {
	for wi, w := range b.words {
		if w == 0 {
			continue
		}
		bit := bits.TrailingZeros64(w)
		b.words[wi] = w &^ (uint64(1) << bit)
		return wi*64 + bit, true
	}
	return 0, false
}

// free marks pos as available again.
func (b *freeBitmap) free(pos int) {
	b.words[pos/64] |= uint64(1) << (pos % 64)
}

// used returns whether pos is currently allocated.
func (b *freeBitmap) used(pos int) bool {
	return b.words[pos/64]&(uint64(1)<<(pos%64)) == 0
}

// liveCount returns the number of allocated (non-free) bits.
func (b *freeBitmap) liveCount() int {
	live := 0
	for i, w := range b.words {
		n := 64
		if i == len(b.words)-1 && b.n%64 != 0 {
			n = b.n % 64
		}
		mask := uint64(1)<<n - 1
		if n == 64 {
			mask = ^uint64(0)
		}
		live += n - bits.OnesCount64(w&mask)
	}
	return live
}

func (b *freeBitmap) capacity() int { return b.n }
