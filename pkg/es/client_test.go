package es

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunkMappingIsValidJSON(t *testing.T) {
	var m map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(chunkMapping(768)), &m))

	props := m["mappings"].(map[string]interface{})["properties"].(map[string]interface{})
	vector := props["vector"].(map[string]interface{})
	assert.Equal(t, float64(768), vector["dims"])
	assert.Equal(t, "cosine", vector["similarity"])
	assert.Contains(t, props, "generation")
}
