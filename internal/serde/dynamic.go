package serde

import (
	"fmt"
	"math"

	"github.com/roach88/envproc/internal/ir"
)

// Tags for the dynamic strategy. Each value is one tag byte followed by a
// tag-specific body; containers recurse.
const (
	tagNull byte = iota
	tagString
	tagInt
	tagFloat
	tagBool
	tagBytes
	tagArray
	tagObject
)

// maxDepth bounds container nesting on decode.
const maxDepth = 64

// dynamicCodec handles any ir.Value. Object keys are written in canonical
// order so equal values always encode to identical bytes.
type dynamicCodec struct{}

func (dynamicCodec) Type() Type { return TypeDynamic }

func (dynamicCodec) Append(buf []byte, v ir.Value) ([]byte, error) {
	out, err := appendDynamic(buf, v)
	if err != nil {
		return buf, err
	}
	return out, nil
}

func (dynamicCodec) Retrieve(buf []byte, off int) (ir.Value, int, error) {
	return retrieveDynamic(buf, off, 0)
}

func appendDynamic(buf []byte, v ir.Value) ([]byte, error) {
	switch val := v.(type) {
	case ir.Null:
		return append(buf, tagNull), nil
	case ir.String:
		return AppendBlob(append(buf, tagString), []byte(val)), nil
	case ir.Int:
		return AppendUint64(append(buf, tagInt), uint64(val)), nil
	case ir.Float:
		return AppendUint64(append(buf, tagFloat), math.Float64bits(float64(val))), nil
	case ir.Bool:
		return AppendBool(append(buf, tagBool), bool(val)), nil
	case ir.Bytes:
		return AppendBlob(append(buf, tagBytes), val), nil
	case ir.Array:
		buf = AppendUint64(append(buf, tagArray), uint64(len(val)))
		for i, elem := range val {
			var err error
			if buf, err = appendDynamic(buf, elem); err != nil {
				return nil, fmt.Errorf("array[%d]: %w", i, err)
			}
		}
		return buf, nil
	case ir.Object:
		buf = AppendUint64(append(buf, tagObject), uint64(len(val)))
		for _, k := range val.SortedKeys() {
			buf = AppendBlob(buf, []byte(k))
			var err error
			if buf, err = appendDynamic(buf, val[k]); err != nil {
				return nil, fmt.Errorf("object[%q]: %w", k, err)
			}
		}
		return buf, nil
	}
	return nil, mismatch(TypeDynamic, v)
}

func retrieveDynamic(buf []byte, off int, depth int) (ir.Value, int, error) {
	if depth > maxDepth {
		return nil, off, fmt.Errorf("%w: nesting deeper than %d", ErrMalformed, maxDepth)
	}
	tag, next, err := RetrieveByte(buf, off)
	if err != nil {
		return nil, off, err
	}

	switch tag {
	case tagNull:
		return ir.Null{}, next, nil
	case tagString:
		data, end, err := RetrieveBlob(buf, next)
		if err != nil {
			return nil, off, err
		}
		return ir.String(data), end, nil
	case tagInt:
		u, end, err := RetrieveUint64(buf, next)
		if err != nil {
			return nil, off, err
		}
		return ir.Int(int64(u)), end, nil
	case tagFloat:
		u, end, err := RetrieveUint64(buf, next)
		if err != nil {
			return nil, off, err
		}
		return ir.Float(math.Float64frombits(u)), end, nil
	case tagBool:
		b, end, err := RetrieveBool(buf, next)
		if err != nil {
			return nil, off, err
		}
		return ir.Bool(b), end, nil
	case tagBytes:
		data, end, err := RetrieveBlob(buf, next)
		if err != nil {
			return nil, off, err
		}
		return ir.Bytes(append([]byte(nil), data...)), end, nil
	case tagArray:
		// every element needs at least its tag byte
		n, pos, err := retrieveCount(buf, next, 1)
		if err != nil {
			return nil, off, err
		}
		arr := make(ir.Array, n)
		for i := range arr {
			arr[i], pos, err = retrieveDynamic(buf, pos, depth+1)
			if err != nil {
				return nil, off, fmt.Errorf("array[%d]: %w", i, err)
			}
		}
		return arr, pos, nil
	case tagObject:
		// every entry needs at least a key length and a tag byte
		n, pos, err := retrieveCount(buf, next, 9)
		if err != nil {
			return nil, off, err
		}
		obj := make(ir.Object, n)
		for i := 0; i < n; i++ {
			var key []byte
			key, pos, err = RetrieveBlob(buf, pos)
			if err != nil {
				return nil, off, fmt.Errorf("object key %d: %w", i, err)
			}
			var val ir.Value
			val, pos, err = retrieveDynamic(buf, pos, depth+1)
			if err != nil {
				return nil, off, fmt.Errorf("object[%q]: %w", key, err)
			}
			obj[string(key)] = val
		}
		return obj, pos, nil
	}
	return nil, off, fmt.Errorf("%w: unknown dynamic tag %d at offset %d", ErrMalformed, tag, off)
}
