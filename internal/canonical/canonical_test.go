package canonical

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/learnsync/learnsync/internal/types"
)

func TestMarshal(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want string
	}{
		{"null", nil, `null`},
		{"sorted keys", map[string]any{"b": 1, "a": 2}, `{"a":2,"b":1}`},
		{"integral float", 3.0, `3`},
		{"fraction", 0.9, `0.9`},
		{"int and float agree", map[string]any{"n": 5}, `{"n":5}`},
		{"no html escaping", "<a&b>", `"<a&b>"`},
		{"nested", types.Fields{"z": []any{1, "x", nil}, "a": map[string]any{"k": true}}, `{"a":{"k":true},"z":[1,"x",null]}`},
		{"string slice", []string{"b", "a"}, `["b","a"]`},
		{"time", time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC), `"2026-01-02T03:04:05Z"`},
		{"struct via json", struct {
			B int    `json:"b"`
			A string `json:"a"`
		}{B: 1, A: "x"}, `{"a":"x","b":1}`},
		{"line separator", "a\u2028b", "\"a\u2028b\""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Marshal(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(got))
		})
	}
}

func TestMarshalNFC(t *testing.T) {
	decomposed := "e\u0301"
	composed := "\u00e9"

	a, err := Marshal(decomposed)
	require.NoError(t, err)
	b, err := Marshal(composed)
	require.NoError(t, err)
	assert.Equal(t, string(b), string(a))
}

func TestMarshalRejectsNonFinite(t *testing.T) {
	_, err := Marshal(map[string]any{"x": math.NaN()})
	assert.Error(t, err)

	_, err = Marshal(math.Inf(1))
	assert.Error(t, err)
}

func TestChecksumDeterministic(t *testing.T) {
	a := types.Fields{"accuracy": 0.9, "subject": "math", "tags": []any{"x", "y"}}
	b := types.Fields{"tags": []any{"x", "y"}, "subject": "math", "accuracy": 0.9}

	sumA, err := Checksum(a)
	require.NoError(t, err)
	sumB, err := Checksum(b)
	require.NoError(t, err)

	assert.Equal(t, sumA, sumB)
	assert.Len(t, sumA, 64)

	sumC, err := Checksum(types.Fields{"accuracy": 0.8})
	require.NoError(t, err)
	assert.NotEqual(t, sumA, sumC)
}

func TestChecksumInvalidContent(t *testing.T) {
	_, err := Checksum(types.Fields{"bad": math.Inf(-1)})
	assert.ErrorIs(t, err, types.ErrInvalidContent)
}

func TestEqual(t *testing.T) {
	assert.True(t, Equal(1, 1.0))
	assert.True(t, Equal([]string{"a"}, []any{"a"}))
	assert.True(t, Equal(map[string]any{"a": 1, "b": 2}, types.Fields{"b": 2, "a": 1}))
	assert.False(t, Equal("1", 1))
	assert.False(t, Equal([]any{"a", "b"}, []any{"b", "a"}))
}

func TestLessUTF16(t *testing.T) {
	// U+FF61 sorts before U+1F600 in UTF-8 byte order but after it in
	// UTF-16 code unit order (surrogate 0xD83D < 0xFF61).
	keys := []string{"\uff61", "\U0001F600", "a"}
	sortUTF16(keys)
	assert.Equal(t, []string{"a", "\U0001F600", "\uff61"}, keys)
}
