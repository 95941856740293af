package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content digests.
// Version suffix enables future algorithm migration.
const (
	DomainFrame = "envproc/frame/v1"
	DomainTrace = "envproc/trace/v1"
)

// hashWithDomain computes SHA-256 with domain separation.
// Format: SHA256(domain + 0x00 + data)
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// FrameDigest identifies the payload of one shared-memory frame.
// Two runs with the same seed and action sequence produce identical
// digest sequences.
func FrameDigest(payload []byte) string {
	return hashWithDomain(DomainFrame, payload)
}

// TraceDigest computes the digest of a decoded trace value.
// Returns error if the value cannot be canonically marshaled.
func TraceDigest(v Value) (string, error) {
	canonical, err := MarshalCanonical(v)
	if err != nil {
		return "", fmt.Errorf("TraceDigest: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainTrace, canonical), nil
}
