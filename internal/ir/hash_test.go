package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameDigest_DomainSeparated(t *testing.T) {
	payload := []byte{0, 1, 2}

	h := sha256.New()
	h.Write([]byte(DomainFrame))
	h.Write([]byte{0x00})
	h.Write(payload)
	want := hex.EncodeToString(h.Sum(nil))

	assert.Equal(t, want, FrameDigest(payload))
	assert.NotEqual(t, hashWithDomain(DomainTrace, payload), FrameDigest(payload))
}

func TestFrameDigest_Stable(t *testing.T) {
	assert.Equal(t, FrameDigest([]byte("abc")), FrameDigest([]byte("abc")))
	assert.NotEqual(t, FrameDigest([]byte("abc")), FrameDigest([]byte("abd")))
	assert.Len(t, FrameDigest(nil), 64)
}

func TestTraceDigest_KeyOrderIndependent(t *testing.T) {
	a, err := TraceDigest(Object{"x": Int(1), "y": Float(2)})
	require.NoError(t, err)
	b, err := TraceDigest(NewObject(O("y", Float(2)), O("x", Int(1))))
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestTraceDigest_RejectsNaN(t *testing.T) {
	_, err := TraceDigest(Floats(0, math.NaN()))
	assert.Error(t, err)
}
