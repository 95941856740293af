package serde

import (
	"fmt"
	"math"

	"github.com/roach88/envproc/internal/ir"
)

type intCodec struct{}

func (intCodec) Type() Type { return TypeInt }

func (intCodec) Append(buf []byte, v ir.Value) ([]byte, error) {
	n, ok := v.(ir.Int)
	if !ok {
		return buf, mismatch(TypeInt, v)
	}
	return AppendUint64(buf, uint64(n)), nil
}

func (intCodec) Retrieve(buf []byte, off int) (ir.Value, int, error) {
	u, next, err := RetrieveUint64(buf, off)
	if err != nil {
		return nil, off, err
	}
	return ir.Int(int64(u)), next, nil
}

type floatCodec struct{}

func (floatCodec) Type() Type { return TypeFloat }

func (floatCodec) Append(buf []byte, v ir.Value) ([]byte, error) {
	f, ok := v.(ir.Float)
	if !ok {
		return buf, mismatch(TypeFloat, v)
	}
	return AppendUint64(buf, math.Float64bits(float64(f))), nil
}

func (floatCodec) Retrieve(buf []byte, off int) (ir.Value, int, error) {
	u, next, err := RetrieveUint64(buf, off)
	if err != nil {
		return nil, off, err
	}
	return ir.Float(math.Float64frombits(u)), next, nil
}

type boolCodec struct{}

func (boolCodec) Type() Type { return TypeBool }

func (boolCodec) Append(buf []byte, v ir.Value) ([]byte, error) {
	b, ok := v.(ir.Bool)
	if !ok {
		return buf, mismatch(TypeBool, v)
	}
	return AppendBool(buf, bool(b)), nil
}

func (boolCodec) Retrieve(buf []byte, off int) (ir.Value, int, error) {
	b, next, err := RetrieveBool(buf, off)
	if err != nil {
		return nil, off, err
	}
	return ir.Bool(b), next, nil
}

type stringCodec struct{}

func (stringCodec) Type() Type { return TypeString }

func (stringCodec) Append(buf []byte, v ir.Value) ([]byte, error) {
	s, ok := v.(ir.String)
	if !ok {
		return buf, mismatch(TypeString, v)
	}
	return AppendBlob(buf, []byte(s)), nil
}

func (stringCodec) Retrieve(buf []byte, off int) (ir.Value, int, error) {
	data, next, err := RetrieveBlob(buf, off)
	if err != nil {
		return nil, off, err
	}
	return ir.String(data), next, nil
}

type bytesCodec struct{}

func (bytesCodec) Type() Type { return TypeBytes }

func (bytesCodec) Append(buf []byte, v ir.Value) ([]byte, error) {
	b, ok := v.(ir.Bytes)
	if !ok {
		return buf, mismatch(TypeBytes, v)
	}
	return AppendBlob(buf, b), nil
}

func (bytesCodec) Retrieve(buf []byte, off int) (ir.Value, int, error) {
	data, next, err := RetrieveBlob(buf, off)
	if err != nil {
		return nil, off, err
	}
	return ir.Bytes(append([]byte(nil), data...)), next, nil
}

type floatArrayCodec struct{}

func (floatArrayCodec) Type() Type { return TypeFloatArray }

func (floatArrayCodec) Append(buf []byte, v ir.Value) ([]byte, error) {
	arr, ok := v.(ir.Array)
	if !ok {
		return buf, mismatch(TypeFloatArray, v)
	}
	out := AppendUint64(buf, uint64(len(arr)))
	for i, elem := range arr {
		f, ok := elem.(ir.Float)
		if !ok {
			return buf, fmt.Errorf("element %d: %w", i, mismatch(TypeFloatArray, elem))
		}
		out = AppendUint64(out, math.Float64bits(float64(f)))
	}
	return out, nil
}

func (floatArrayCodec) Retrieve(buf []byte, off int) (ir.Value, int, error) {
	n, next, err := retrieveCount(buf, off, 8)
	if err != nil {
		return nil, off, err
	}
	arr := make(ir.Array, n)
	for i := range arr {
		var u uint64
		u, next, _ = RetrieveUint64(buf, next)
		arr[i] = ir.Float(math.Float64frombits(u))
	}
	return arr, next, nil
}

type intArrayCodec struct{}

func (intArrayCodec) Type() Type { return TypeIntArray }

func (intArrayCodec) Append(buf []byte, v ir.Value) ([]byte, error) {
	arr, ok := v.(ir.Array)
	if !ok {
		return buf, mismatch(TypeIntArray, v)
	}
	out := AppendUint64(buf, uint64(len(arr)))
	for i, elem := range arr {
		n, ok := elem.(ir.Int)
		if !ok {
			return buf, fmt.Errorf("element %d: %w", i, mismatch(TypeIntArray, elem))
		}
		out = AppendUint64(out, uint64(n))
	}
	return out, nil
}

func (intArrayCodec) Retrieve(buf []byte, off int) (ir.Value, int, error) {
	n, next, err := retrieveCount(buf, off, 8)
	if err != nil {
		return nil, off, err
	}
	arr := make(ir.Array, n)
	for i := range arr {
		var u uint64
		u, next, _ = RetrieveUint64(buf, next)
		arr[i] = ir.Int(int64(u))
	}
	return arr, next, nil
}

// jsonCodec is the generic object strategy: canonical JSON behind a u64
// length prefix. Strings are written as given, never normalized. Bytes,
// non-finite floats and invalid UTF-8 have no exact JSON form and are
// rejected at encode time.
type jsonCodec struct{}

func (jsonCodec) Type() Type { return TypeJSON }

func (jsonCodec) Append(buf []byte, v ir.Value) ([]byte, error) {
	if containsBytes(v) {
		return buf, mismatch(TypeJSON, ir.Bytes(nil))
	}
	data, err := ir.MarshalExact(v)
	if err != nil {
		return buf, fmt.Errorf("%w: %w", ErrTypeMismatch, err)
	}
	return AppendBlob(buf, data), nil
}

func (jsonCodec) Retrieve(buf []byte, off int) (ir.Value, int, error) {
	data, next, err := RetrieveBlob(buf, off)
	if err != nil {
		return nil, off, err
	}
	v, err := ir.UnmarshalValue(data)
	if err != nil {
		return nil, off, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return v, next, nil
}

func containsBytes(v ir.Value) bool {
	switch val := v.(type) {
	case ir.Bytes:
		return true
	case ir.Array:
		for _, elem := range val {
			if containsBytes(elem) {
				return true
			}
		}
	case ir.Object:
		for _, elem := range val {
			if containsBytes(elem) {
				return true
			}
		}
	}
	return false
}
