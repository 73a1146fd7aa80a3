package sampling

import (
	"math/rand/v2"
	"slices"
)

func newSource(seed *uint64) *rand.Rand {
	if seed != nil {
		return rand.New(rand.NewPCG(*seed, *seed))
	}
	return rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
}

// draw picks n records uniformly without replacement and returns them in
// population order.
func draw(population []Record, n int, r *rand.Rand) []Record {
	if n >= len(population) {
		return slices.Clone(population)
	}
	idx := make([]int, len(population))
	for i := range idx {
		idx[i] = i
	}
	// partial Fisher-Yates: the first n positions hold the draw
	for i := range n {
		j := i + r.IntN(len(idx)-i)
		idx[i], idx[j] = idx[j], idx[i]
	}
	chosen := idx[:n]
	slices.Sort(chosen)
	out := make([]Record, n)
	for i, k := range chosen {
		out[i] = population[k]
	}
	return out
}
