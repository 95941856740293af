package serde

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/envproc/internal/ir"
)

func TestCodecs_RoundTrip(t *testing.T) {
	tests := []struct {
		typ    Type
		values []ir.Value
	}{
		{TypeInt, []ir.Value{ir.Int(0), ir.Int(-1), ir.Int(math.MaxInt64), ir.Int(math.MinInt64)}},
		{TypeFloat, []ir.Value{ir.Float(0), ir.Float(1), ir.Float(-0.5), ir.Float(math.Inf(1)), ir.Float(math.NaN())}},
		{TypeBool, []ir.Value{ir.Bool(true), ir.Bool(false)}},
		{TypeString, []ir.Value{
			ir.String(""),
			ir.String("agent_0"),
			ir.String("日本"),
			ir.String("e\u0301"),
			ir.String("a\xffb"),
			ir.String("a\u2028b"),
		}},
		{TypeBytes, []ir.Value{ir.Bytes{}, ir.Bytes{0, 255, 7}}},
		{TypeFloatArray, []ir.Value{ir.Floats(), ir.Floats(0.1, -2.5, 1e300)}},
		{TypeIntArray, []ir.Value{ir.Ints(), ir.Ints(1, -2, 3)}},
		{TypeJSON, []ir.Value{
			ir.Null{},
			ir.Float(1),
			ir.Object{"pos": ir.Floats(0.5, 1), "id": ir.String("a"), "n": ir.Int(3), "ok": ir.Bool(true)},
			ir.Array{ir.Array{}, ir.Object{}},
			ir.String("e\u0301"),
			ir.String("\u00e9"),
			ir.Object{"e\u0301": ir.String("\u00e9"), "\u00e9": ir.String("e\u0301")},
			ir.Array{ir.String("a\u2028b"), ir.String("<&>"), ir.String("tab\there")},
		}},
		{TypeDynamic, []ir.Value{
			ir.Null{},
			ir.Float(math.NaN()),
			ir.Bytes{1, 2, 3},
			ir.Object{"frame": ir.Bytes{9}, "nested": ir.Array{ir.Int(1), ir.Object{"x": ir.Float(2)}}},
			ir.String("e\u0301"),
			ir.String("a\xffb"),
			ir.Object{"e\u0301": ir.String("a\xffb"), "\u00e9": ir.Null{}},
		}},
	}

	for _, tt := range tests {
		t.Run(string(tt.typ), func(t *testing.T) {
			codec, err := newCodec(tt.typ)
			require.NoError(t, err)
			assert.Equal(t, tt.typ, codec.Type())

			for _, v := range tt.values {
				prefix := []byte{0xAA}
				buf, err := codec.Append(prefix, v)
				require.NoError(t, err, "encode %#v", v)

				got, next, err := codec.Retrieve(buf, 1)
				require.NoError(t, err, "decode %#v", v)
				assert.Equal(t, len(buf), next, "decoder must consume the whole encoding")
				assert.True(t, ir.Equal(v, got), "want %#v, got %#v", v, got)
			}
		})
	}
}

func TestCodecs_TypeMismatch(t *testing.T) {
	tests := []struct {
		typ Type
		v   ir.Value
	}{
		{TypeInt, ir.Float(1)},
		{TypeFloat, ir.Int(1)},
		{TypeBool, ir.Int(0)},
		{TypeString, ir.Bytes("x")},
		{TypeBytes, ir.String("x")},
		{TypeFloatArray, ir.Array{ir.Float(1), ir.Int(2)}},
		{TypeIntArray, ir.Array{ir.Float(1)}},
		{TypeJSON, ir.Object{"raw": ir.Bytes{1}}},
		{TypeJSON, ir.Float(math.NaN())},
		{TypeJSON, ir.String("a\xffb")},
		{TypeJSON, ir.Object{"k\xff": ir.Int(1)}},
		{TypeDynamic, nil},
	}

	for _, tt := range tests {
		t.Run(string(tt.typ)+"/"+ir.TypeName(tt.v), func(t *testing.T) {
			codec, err := newCodec(tt.typ)
			require.NoError(t, err)

			buf, err := codec.Append([]byte{1, 2}, tt.v)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrTypeMismatch), "got %v", err)
			assert.Equal(t, []byte{1, 2}, buf, "failed encode must not extend the buffer")
		})
	}
}

func TestCodecs_ShortBuffer(t *testing.T) {
	for _, typ := range []Type{TypeInt, TypeFloat, TypeString, TypeBytes, TypeFloatArray, TypeIntArray, TypeJSON, TypeDynamic} {
		t.Run(string(typ), func(t *testing.T) {
			codec, err := newCodec(typ)
			require.NoError(t, err)

			_, _, err = codec.Retrieve([]byte{1, 0, 0}, 0)
			assert.True(t, errors.Is(err, ErrShortBuffer) || errors.Is(err, ErrMalformed), "got %v", err)
		})
	}
}

func TestFloatArray_HugeCountRejected(t *testing.T) {
	buf := AppendUint64(nil, math.MaxUint64)
	_, _, err := floatArrayCodec{}.Retrieve(buf, 0)
	assert.ErrorIs(t, err, ErrShortBuffer)
}

func TestDynamic_UnknownTag(t *testing.T) {
	_, _, err := dynamicCodec{}.Retrieve([]byte{42}, 0)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestDynamic_DeterministicObjectOrder(t *testing.T) {
	a, err := dynamicCodec{}.Append(nil, ir.Object{"b": ir.Int(1), "a": ir.Int(2), "c": ir.Int(3)})
	require.NoError(t, err)
	b, err := dynamicCodec{}.Append(nil, ir.NewObject(ir.O("c", ir.Int(3)), ir.O("a", ir.Int(2)), ir.O("b", ir.Int(1))))
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestBool_RejectsNonBinaryByte(t *testing.T) {
	_, _, err := boolCodec{}.Retrieve([]byte{2}, 0)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestJSON_KeepsNormalizationForm(t *testing.T) {
	decomposed, err := jsonCodec{}.Append(nil, ir.String("e\u0301"))
	require.NoError(t, err)
	precomposed, err := jsonCodec{}.Append(nil, ir.String("\u00e9"))
	require.NoError(t, err)
	assert.NotEqual(t, decomposed, precomposed)
}

func TestJSON_RejectsInvalidUTF8(t *testing.T) {
	_, err := jsonCodec{}.Append(nil, ir.Array{ir.String("ok"), ir.String("\xc3")})
	assert.ErrorIs(t, err, ErrTypeMismatch)
	assert.ErrorIs(t, err, ir.ErrInvalidUTF8)
}

func TestJSON_MalformedPayload(t *testing.T) {
	buf := AppendBlob(nil, []byte("{not json"))
	_, _, err := jsonCodec{}.Retrieve(buf, 0)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestResolve(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		table, err := Resolve(DefaultTypeConfig())
		require.NoError(t, err)
		for _, k := range Kinds {
			assert.True(t, table.Enabled(k), k.String())
			assert.Equal(t, TypeDynamic, table.Codec(k).Type())
		}
	})

	t.Run("none for optional kinds", func(t *testing.T) {
		cfg := DefaultTypeConfig()
		cfg.State = TypeNone
		cfg.StateMetrics = TypeNone
		table, err := Resolve(cfg)
		require.NoError(t, err)
		assert.False(t, table.Enabled(KindState))
		assert.False(t, table.Enabled(KindStateMetrics))

		_, err = table.Append(KindState, nil, ir.Null{})
		assert.ErrorIs(t, err, ErrDisabled)
		_, _, err = table.Retrieve(KindStateMetrics, []byte{0}, 0)
		assert.ErrorIs(t, err, ErrDisabled)
	})

	t.Run("none for required kind", func(t *testing.T) {
		cfg := DefaultTypeConfig()
		cfg.Obs = TypeNone
		_, err := Resolve(cfg)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "obs")
	})

	t.Run("unknown strategy", func(t *testing.T) {
		cfg := DefaultTypeConfig()
		cfg.Reward = "pickle"
		_, err := Resolve(cfg)
		assert.ErrorIs(t, err, ErrUnknownType)
	})

	t.Run("empty strategy", func(t *testing.T) {
		_, err := Resolve(TypeConfig{})
		assert.ErrorIs(t, err, ErrUnknownType)
	})

	t.Run("mixed", func(t *testing.T) {
		cfg := TypeConfig{
			AgentID: TypeString, Action: TypeInt, Obs: TypeFloatArray, Reward: TypeFloat,
			ObsSpace: TypeJSON, ActionSpace: TypeJSON, State: TypeDynamic, StateMetrics: TypeJSON,
		}
		table, err := Resolve(cfg)
		require.NoError(t, err)
		assert.Equal(t, cfg, table.Config())
		assert.Equal(t, TypeFloatArray, table.Codec(KindObs).Type())
	})
}

func TestTable_ErrorsNameKind(t *testing.T) {
	table := MustResolve(TypeConfig{
		AgentID: TypeString, Action: TypeInt, Obs: TypeFloatArray, Reward: TypeFloat,
		ObsSpace: TypeJSON, ActionSpace: TypeJSON, State: TypeNone, StateMetrics: TypeNone,
	})

	_, err := table.Append(KindAction, nil, ir.String("left"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "encode action")
	assert.ErrorIs(t, err, ErrTypeMismatch)

	_, _, err = table.Retrieve(KindReward, []byte{1}, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode reward")
}

func TestTypeConfig_WithDefaults(t *testing.T) {
	cfg := TypeConfig{Obs: TypeFloatArray}.WithDefaults()
	assert.Equal(t, TypeFloatArray, cfg.Obs)
	assert.Equal(t, TypeDynamic, cfg.AgentID)
	assert.Equal(t, TypeDynamic, cfg.StateMetrics)
}

func TestParseType(t *testing.T) {
	typ, err := ParseType("float_array")
	require.NoError(t, err)
	assert.Equal(t, TypeFloatArray, typ)

	_, err = ParseType("numpy")
	assert.ErrorIs(t, err, ErrUnknownType)
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "agent_id", KindAgentID.String())
	assert.Equal(t, "state_metrics", KindStateMetrics.String())
	assert.Equal(t, "kind(99)", Kind(99).String())
}
