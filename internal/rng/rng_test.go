package rng

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNew_SameSeedSameStreams(t *testing.T) {
	a, b := New(42), New(42)

	for i := 0; i < 100; i++ {
		assert.Equal(t, a.General.Int63(), b.General.Int63())
		assert.Equal(t, a.Numeric.Uint64(), b.Numeric.Uint64())
	}
	assert.Equal(t, a.NormFloat64s(5), b.NormFloat64s(5))
}

func TestNew_DifferentSeedsDiverge(t *testing.T) {
	a, b := New(1), New(2)
	assert.NotEqual(t, a.General.Int63(), b.General.Int63())
	assert.NotEqual(t, a.Numeric.Uint64(), b.Numeric.Uint64())
}

func TestNew_SourcesIndependent(t *testing.T) {
	// Drawing from one source must not shift the other.
	a, b := New(7), New(7)
	for i := 0; i < 10; i++ {
		a.General.Int63()
	}
	assert.Equal(t, a.Numeric.Uint64(), b.Numeric.Uint64())
}

func TestSeed(t *testing.T) {
	assert.Equal(t, int64(-3), New(-3).Seed())
}

func TestUniform_Range(t *testing.T) {
	c := New(9)
	for i := 0; i < 1000; i++ {
		v := c.Uniform(-0.05, 0.05)
		assert.GreaterOrEqual(t, v, -0.05)
		assert.Less(t, v, 0.05)
	}
}
