package ir

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// ErrInvalidUTF8 is returned by MarshalExact for strings JSON cannot carry
// byte for byte.
var ErrInvalidUTF8 = errors.New("string is not valid UTF-8")

// MarshalCanonical produces canonical JSON for a value.
// It is used for frame digests and golden traces, so values that differ only
// in Unicode normalization yield identical bytes.
//
// Differences from json.Marshal:
//  1. Object keys sorted by UTF-16 code units (RFC 8785)
//  2. No HTML escaping
//  3. Strings are NFC normalized
//  4. Floats always carry a fraction or exponent; NaN and Inf are rejected
//  5. Bytes render as standard base64 strings
func MarshalCanonical(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := (canonicalWriter{nfc: true}).write(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// MarshalExact produces the same layout as MarshalCanonical but keeps every
// string and key exactly as given, so UnmarshalValue returns an equal value.
// Strings that are not valid UTF-8 are rejected with ErrInvalidUTF8.
func MarshalExact(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := (canonicalWriter{}).write(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// canonicalWriter renders canonical JSON. With nfc unset, strings are
// written unchanged instead of normalized.
type canonicalWriter struct {
	nfc bool
}

func (w canonicalWriter) write(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case nil, Null:
		buf.WriteString("null")
	case String:
		return w.writeString(buf, string(val))
	case string:
		return w.writeString(buf, val)
	case Int:
		buf.WriteString(strconv.FormatInt(int64(val), 10))
	case int64:
		buf.WriteString(strconv.FormatInt(val, 10))
	case int:
		buf.WriteString(strconv.Itoa(val))
	case Float:
		b, err := marshalCanonicalFloat(float64(val))
		if err != nil {
			return err
		}
		buf.Write(b)
	case float64:
		b, err := marshalCanonicalFloat(val)
		if err != nil {
			return err
		}
		buf.Write(b)
	case Bool:
		buf.WriteString(strconv.FormatBool(bool(val)))
	case bool:
		buf.WriteString(strconv.FormatBool(val))
	case Bytes:
		return w.writeString(buf, base64.StdEncoding.EncodeToString(val))
	case Array:
		buf.WriteByte('[')
		for i, elem := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := w.write(buf, elem); err != nil {
				return fmt.Errorf("array[%d]: %w", i, err)
			}
		}
		buf.WriteByte(']')
	case []any:
		buf.WriteByte('[')
		for i, elem := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := w.write(buf, elem); err != nil {
				return fmt.Errorf("array[%d]: %w", i, err)
			}
		}
		buf.WriteByte(']')
	case Object:
		return w.writeObject(buf, val.SortedKeys(), func(k string) any { return val[k] })
	case map[string]any:
		keys := make(Object, len(val))
		for k := range val {
			keys[k] = Null{}
		}
		return w.writeObject(buf, keys.SortedKeys(), func(k string) any { return val[k] })
	default:
		return fmt.Errorf("unsupported type for canonical JSON: %T", v)
	}
	return nil
}

func (w canonicalWriter) writeObject(buf *bytes.Buffer, keys []string, get func(string) any) error {
	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := w.writeString(buf, k); err != nil {
			return fmt.Errorf("key %q: %w", k, err)
		}
		buf.WriteByte(':')
		if err := w.write(buf, get(k)); err != nil {
			return fmt.Errorf("value for key %q: %w", k, err)
		}
	}
	buf.WriteByte('}')
	return nil
}

// marshalCanonicalFloat renders the shortest representation that round-trips,
// forcing a ".0" suffix on integral values so the reader sees a float.
func marshalCanonicalFloat(f float64) ([]byte, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, fmt.Errorf("non-finite float not representable in JSON: %v", f)
	}
	s := strconv.FormatFloat(f, 'g', -1, 64)
	if !strings.ContainsAny(s, ".eE") {
		s += ".0"
	}
	return []byte(s), nil
}

// writeString writes a JSON string without HTML escaping, NFC-normalized
// when w.nfc is set. U+2028 and U+2029 are emitted literally per RFC 8785.
func (w canonicalWriter) writeString(buf *bytes.Buffer, s string) error {
	normalized := s
	switch {
	case w.nfc:
		normalized = norm.NFC.String(s)
	case !utf8.ValidString(s):
		// encoding/json would substitute U+FFFD
		return fmt.Errorf("%w: %q", ErrInvalidUTF8, s)
	}

	var tmp bytes.Buffer
	enc := json.NewEncoder(&tmp)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(normalized); err != nil {
		return err
	}

	// json.Encoder adds a trailing newline
	out := bytes.TrimSuffix(tmp.Bytes(), []byte("\n"))
	buf.Write(unescapeLineSeparators(out))
	return nil
}

// unescapeLineSeparators turns the \u2028 and \u2029 escapes emitted by
// encoding/json back into literal characters, leaving \\u2028 (an escaped
// backslash followed by text) untouched.
func unescapeLineSeparators(data []byte) []byte {
	if !bytes.Contains(data, []byte(`\u202`)) {
		return data
	}

	out := make([]byte, 0, len(data))
	for i := 0; i < len(data); i++ {
		if data[i] == '\\' && i+1 < len(data) && data[i+1] == '\\' {
			out = append(out, '\\', '\\')
			i++
			continue
		}
		if bytes.HasPrefix(data[i:], []byte(`\u2028`)) {
			out = append(out, "\u2028"...)
			i += 5
			continue
		}
		if bytes.HasPrefix(data[i:], []byte(`\u2029`)) {
			out = append(out, "\u2029"...)
			i += 5
			continue
		}
		out = append(out, data[i])
	}
	return out
}
