package ir

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalCanonical_Scalars(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want string
	}{
		{"null", Null{}, `null`},
		{"nil", nil, `null`},
		{"int", Int(-7), `-7`},
		{"float integral", Float(1), `1.0`},
		{"float fraction", Float(0.25), `0.25`},
		{"float exponent", Float(1e21), `1e+21`},
		{"float tiny", Float(1e-7), `1e-07`},
		{"bool", Bool(true), `true`},
		{"string no html escape", String("<a&b>"), `"<a&b>"`},
		{"bytes base64", Bytes{0xff, 0x00}, `"/wA="`},
		{"go int", 42, `42`},
		{"go float", 2.5, `2.5`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := MarshalCanonical(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(got))
		})
	}
}

func TestMarshalCanonical_RejectsNonFinite(t *testing.T) {
	for _, f := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		_, err := MarshalCanonical(Float(f))
		assert.Error(t, err, "value %v", f)
	}
}

func TestMarshalCanonical_SortsNestedKeys(t *testing.T) {
	v := Object{
		"z": Array{Object{"b": Int(1), "a": Int(2)}},
		"a": String("x"),
	}
	got, err := MarshalCanonical(v)
	require.NoError(t, err)
	assert.Equal(t, `{"a":"x","z":[{"a":2,"b":1}]}`, string(got))
}

func TestMarshalCanonical_GoMaps(t *testing.T) {
	got, err := MarshalCanonical(map[string]any{"b": []any{1, "x"}, "a": true})
	require.NoError(t, err)
	assert.Equal(t, `{"a":true,"b":[1,"x"]}`, string(got))
}

func TestMarshalCanonical_NFC(t *testing.T) {
	// "e" + combining acute accent normalizes to U+00E9
	got, err := MarshalCanonical(String("e\u0301"))
	require.NoError(t, err)
	assert.Equal(t, "\"\u00e9\"", string(got))
}

func TestMarshalCanonical_LineSeparatorsLiteral(t *testing.T) {
	got, err := MarshalCanonical(String("a\u2028b"))
	require.NoError(t, err)
	assert.Equal(t, "\"a\u2028b\"", string(got))

	// An escaped backslash followed by the text u2028 stays escaped
	got, err = MarshalCanonical(String(`\u2028`))
	require.NoError(t, err)
	assert.Equal(t, `"\\u2028"`, string(got))
}

func TestMarshalCanonical_RoundTripThroughUnmarshal(t *testing.T) {
	v := Object{
		"obs":    Floats(0.1, -2, 3.5e-9),
		"reward": Float(1),
		"agents": Array{String("agent_0"), Int(4)},
		"done":   Bool(false),
	}
	data, err := MarshalCanonical(v)
	require.NoError(t, err)

	back, err := UnmarshalValue(data)
	require.NoError(t, err)
	assert.True(t, Equal(v, back), "got %s", data)
}

func TestMarshalExact_KeepsStringsAsGiven(t *testing.T) {
	v := Object{
		"e\u0301": String("e\u0301"),
		"\u00e9":  Array{String("a\u2028b"), String("<&>")},
	}
	data, err := MarshalExact(v)
	require.NoError(t, err)
	assert.Equal(t, "{\"e\u0301\":\"e\u0301\",\"\u00e9\":[\"a\u2028b\",\"<&>\"]}", string(data))

	back, err := UnmarshalValue(data)
	require.NoError(t, err)
	assert.True(t, Equal(v, back), "got %s", data)

	// Digests still treat both spellings as one string.
	nfd, err := MarshalCanonical(String("e\u0301"))
	require.NoError(t, err)
	nfc, err := MarshalCanonical(String("\u00e9"))
	require.NoError(t, err)
	assert.Equal(t, nfc, nfd)
}

func TestMarshalExact_RejectsInvalidUTF8(t *testing.T) {
	for _, v := range []Value{String("a\xffb"), Object{"\xff": Int(1)}, Array{String("\xc3")}} {
		_, err := MarshalExact(v)
		assert.ErrorIs(t, err, ErrInvalidUTF8, "value %#v", v)
	}
}

func TestMarshalCanonical_Unsupported(t *testing.T) {
	_, err := MarshalCanonical(struct{}{})
	assert.Error(t, err)
}
