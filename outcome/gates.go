package outcome

// Word-level gates. Every function here runs the same instruction sequence
// regardless of its inputs: predicates produce 0/1 bits, bits are widened to
// all-zeros/all-ones masks, and masks select between candidates with MUX.

// mask widens a 0/1 bit to 0 or ^0.
func mask(bit uint64) uint64 { return -bit }

// mux returns t when m is all ones and f when m is zero.
func mux(m, t, f uint64) uint64 { return f ^ ((f ^ t) & m) }

// eq returns 1 if x == y, else 0.
func eq(x, y uint64) uint64 {
	d := x ^ y
	// d|-d has the top bit set iff d != 0.
	return ((d | -d) >> 63) ^ 1
}

// gt returns 1 if x > y, else 0. It is a ripple comparator: walking from the
// least significant bit up, a position where the inputs differ overrides the
// carry with x's bit, and equal positions pass the carry through.
func gt(x, y uint64) uint64 {
	var c uint64
	for i := 0; i < 64; i++ {
		xi := (x >> i) & 1
		yi := (y >> i) & 1
		w1 := (c ^ yi) ^ 1 // XNOR
		w2 := c ^ xi
		c ^= w1 & w2
	}
	return c
}
