package codec

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshal_Deterministic(t *testing.T) {
	a := map[string]any{"z": 1, "a": "x", "m": []any{true, 2.5}}
	b := map[string]any{"m": []any{true, 2.5}, "a": "x", "z": 1}

	da, err := Marshal(a)
	require.NoError(t, err)
	db, err := Marshal(b)
	require.NoError(t, err)

	assert.Equal(t, da, db)
}

func TestUnmarshal_AnyUsesStringMapsAndInt64(t *testing.T) {
	data, err := Marshal(map[string]any{"n": 5, "nested": map[string]any{"k": -3}})
	require.NoError(t, err)

	var out any
	require.NoError(t, Unmarshal(data, &out))

	m, ok := out.(map[string]any)
	require.True(t, ok, "got %T", out)
	assert.Equal(t, int64(5), m["n"])
	assert.Equal(t, map[string]any{"k": int64(-3)}, m["nested"])
}

func TestCompress_RoundTrip(t *testing.T) {
	in := bytes.Repeat([]byte("botsync "), 100)

	packed := Compress(in)
	assert.Less(t, len(packed), len(in))

	out, err := Decompress(packed)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestDecompress_Garbage(t *testing.T) {
	_, err := Decompress([]byte("not zstd"))
	assert.Error(t, err)
}
