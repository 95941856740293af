// Package ir provides the value model shared by every envproc package.
//
// ir imports nothing internal. Serde codecs, the environment interface,
// the protocol and the recorder all speak in ir.Value.
//
// Key design constraints:
//   - Value is sealed; the concrete kinds are Null, String, Int, Float,
//     Bool, Bytes, Array and Object
//   - Canonical JSON (RFC 8785 key order, NFC strings) is the only JSON form
//     used for hashing and golden traces
//   - MarshalExact uses the same layout without normalization, for encodings
//     that must decode back to the exact value
//   - Ordering in recorded data uses logical sequence numbers, never wall time
package ir
