package chainlog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linlurui/decentri-license/internal/token"
)

func TestDecodeRecords(t *testing.T) {
	a := token.Token{TokenID: "a", StateIndex: 0, StatePayload: "one"}
	b := token.Token{TokenID: "a", StateIndex: 1, StatePayload: "two"}

	recA, err := encodeRecord(a)
	require.NoError(t, err)
	recB, err := encodeRecord(b)
	require.NoError(t, err)
	data := append(append([]byte{}, recA...), recB...)

	res := decodeRecords(data)
	require.True(t, res.intact, res.reason)
	require.Len(t, res.tokens, 2)
	assert.Equal(t, len(data), res.size)
	assert.Equal(t, "two", res.tokens[1].StatePayload)

	tests := []struct {
		name   string
		data   func() []byte
		keep   int
		reason string
	}{
		{
			name:   "truncated length prefix",
			data:   func() []byte { return append(append([]byte{}, recA...), 0x01, 0x00) },
			keep:   1,
			reason: "truncated length prefix",
		},
		{
			name:   "truncated body",
			data:   func() []byte { return data[:len(data)-3] },
			keep:   1,
			reason: "truncated record",
		},
		{
			name: "flipped body byte",
			data: func() []byte {
				d := append([]byte{}, data...)
				d[len(recA)+lengthSize+2] ^= 0xff
				return d
			},
			keep:   1,
			reason: "checksum mismatch",
		},
		{
			name: "damaged first record hides the rest",
			data: func() []byte {
				d := append([]byte{}, data...)
				d[len(recA)-1] ^= 0xff
				return d
			},
			keep:   0,
			reason: "checksum mismatch",
		},
		{
			name:   "absurd length",
			data:   func() []byte { return []byte{0xff, 0xff, 0xff, 0xff, 0, 0} },
			keep:   0,
			reason: "exceeds limit",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := decodeRecords(tt.data())
			assert.False(t, res.intact)
			assert.Len(t, res.tokens, tt.keep)
			assert.Equal(t, tt.keep*len(recA), res.size)
			assert.Contains(t, res.reason, tt.reason)
		})
	}

	t.Run("empty log", func(t *testing.T) {
		res := decodeRecords(nil)
		assert.True(t, res.intact)
		assert.Empty(t, res.tokens)
	})
}
