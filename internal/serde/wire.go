package serde

import (
	"encoding/binary"
	"fmt"
)

// All fixed-width integers on the wire are little-endian.

// AppendUint64 appends v as 8 little-endian bytes.
func AppendUint64(buf []byte, v uint64) []byte {
	return binary.LittleEndian.AppendUint64(buf, v)
}

// RetrieveUint64 reads 8 little-endian bytes at off.
func RetrieveUint64(buf []byte, off int) (uint64, int, error) {
	if off < 0 || len(buf)-off < 8 {
		return 0, off, fmt.Errorf("%w: need 8 bytes at offset %d, have %d", ErrShortBuffer, off, max(len(buf)-off, 0))
	}
	return binary.LittleEndian.Uint64(buf[off:]), off + 8, nil
}

// AppendBool appends a single 0/1 byte.
func AppendBool(buf []byte, v bool) []byte {
	if v {
		return append(buf, 1)
	}
	return append(buf, 0)
}

// RetrieveBool reads a single 0/1 byte at off.
func RetrieveBool(buf []byte, off int) (bool, int, error) {
	b, next, err := RetrieveByte(buf, off)
	if err != nil {
		return false, off, err
	}
	switch b {
	case 0:
		return false, next, nil
	case 1:
		return true, next, nil
	default:
		return false, off, fmt.Errorf("%w: bool byte %d at offset %d", ErrMalformed, b, off)
	}
}

// RetrieveByte reads one byte at off.
func RetrieveByte(buf []byte, off int) (byte, int, error) {
	if off < 0 || off >= len(buf) {
		return 0, off, fmt.Errorf("%w: need 1 byte at offset %d", ErrShortBuffer, off)
	}
	return buf[off], off + 1, nil
}

// AppendBlob appends a u64 length prefix followed by data.
func AppendBlob(buf []byte, data []byte) []byte {
	buf = AppendUint64(buf, uint64(len(data)))
	return append(buf, data...)
}

// RetrieveBlob reads a u64 length-prefixed byte string at off.
// The returned slice aliases buf.
func RetrieveBlob(buf []byte, off int) ([]byte, int, error) {
	n, next, err := RetrieveUint64(buf, off)
	if err != nil {
		return nil, off, err
	}
	if n > uint64(len(buf)-next) {
		return nil, off, fmt.Errorf("%w: blob of %d bytes at offset %d, have %d", ErrShortBuffer, n, off, len(buf)-next)
	}
	end := next + int(n)
	return buf[next:end:end], end, nil
}

// retrieveCount reads a u64 element count and checks that count*width
// bytes remain, so a corrupt count cannot trigger a huge allocation.
func retrieveCount(buf []byte, off int, width int) (int, int, error) {
	n, next, err := RetrieveUint64(buf, off)
	if err != nil {
		return 0, off, err
	}
	if n > uint64(len(buf)-next)/uint64(width) {
		return 0, off, fmt.Errorf("%w: count %d at offset %d exceeds remaining %d bytes", ErrShortBuffer, n, off, len(buf)-next)
	}
	return int(n), next, nil
}
