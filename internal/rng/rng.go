// Package rng owns the per-process random sources of a worker.
//
// A Context is created exactly once, from the coordinator-supplied seed,
// before the environment is built, and is threaded explicitly into the
// environment builder. Nothing in envproc reads a global random source, so
// the same seed and the same action sequence always reproduce the same
// observation stream.
package rng

import (
	"math/rand"
	randv2 "math/rand/v2"
)

// Context holds the worker's seeded random sources.
type Context struct {
	seed int64

	// General is the general-purpose source (episode resets, sampling).
	General *rand.Rand

	// Numeric is the source for numeric work (noise, initial states).
	Numeric *randv2.Rand
}

// New seeds both sources from seed. The numeric stream is derived with a
// distinct stream constant so the two sources never mirror each other.
func New(seed int64) *Context {
	return &Context{
		seed:    seed,
		General: rand.New(rand.NewSource(seed)),
		Numeric: randv2.New(randv2.NewPCG(uint64(seed), numericStream)),
	}
}

// numericStream separates the PCG stream from the general source.
const numericStream = 0x9e3779b97f4a7c15

// Seed returns the seed the context was created from.
func (c *Context) Seed() int64 {
	return c.seed
}

// NormFloat64s fills n values from the numeric source's standard normal.
func (c *Context) NormFloat64s(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = c.Numeric.NormFloat64()
	}
	return out
}

// Uniform returns a value in [lo, hi) from the numeric source.
func (c *Context) Uniform(lo, hi float64) float64 {
	return lo + (hi-lo)*c.Numeric.Float64()
}
