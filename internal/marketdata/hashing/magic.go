// Package hashing implements the multiplicative open-addressing index used to
// map (record, symbol) keys to collector slots.
package hashing

import "math/rand"

// Magic is the default multiplier: the 32-bit golden ratio constant. Its
// continued fraction has no large early partial quotient, so consecutive keys
// spread evenly over the table.
const Magic uint32 = 0x9E3779B9

// qualityTerms is how many leading partial quotients Quality inspects.
const qualityTerms = 12

// Quality scores a multiplier by the largest of the first partial quotients
// of the continued fraction of m/2^32. A large early quotient means m/2^32 has
// a good rational approximation with a small denominator, which clusters
// arithmetic key sequences. Lower is better; even multipliers score as the
// worst possible value.
func Quality(m uint32) uint64 {
	if m&1 == 0 {
		return ^uint64(0)
	}
	num, den := uint64(m), uint64(1)<<32
	var worst uint64
	for i := 0; i < qualityTerms && num != 0; i++ {
		q := den / num
		if q > worst {
			worst = q
		}
		den, num = num, den%num
	}
	return worst
}

// SelectMagic draws candidate odd multipliers from rnd and returns the one
// with the best Quality. Magic is always among the candidates.
func SelectMagic(rnd *rand.Rand, candidates int) uint32 {
	best, bestQ := Magic, Quality(Magic)
	for i := 0; i < candidates; i++ {
		m := rnd.Uint32() | 1
		if q := Quality(m); q < bestQ {
			best, bestQ = m, q
		}
	}
	return best
}

// Hash maps a key code to a bucket of a table with 2^(32-shift) slots.
func Hash(code, magic uint32, shift uint) int {
	return int((code * magic) >> shift)
}
