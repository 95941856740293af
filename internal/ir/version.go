package ir

// Version constants for the wire protocol and the binary.
const (
	// ProtocolVersion is stamped into every shared-memory region header.
	ProtocolVersion uint32 = 1

	// EngineVersion is the envproc release version.
	EngineVersion = "0.1.0"
)
