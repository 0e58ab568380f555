package codec

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestZstdRoundTrip(t *testing.T) {
	z, err := NewZstd()
	require.NoError(t, err)

	payload := bytes.Repeat([]byte(`{"sheetType":"forecast","columns":[]}`), 50)
	packed := z.Compress(payload)
	assert.Less(t, len(packed), len(payload))

	out, err := z.Decompress(packed)
	require.NoError(t, err)
	assert.Equal(t, payload, out)
}

func TestZstdRejectsGarbage(t *testing.T) {
	z, err := NewZstd()
	require.NoError(t, err)
	_, err = z.Decompress([]byte("not zstd"))
	assert.Error(t, err)
}
