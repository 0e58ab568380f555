package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
server:
  port: "9090"
sync:
  provider: minio
  folders:
    - id: finance
      team: fin
    - id: ops
      team: operations
retrieval:
  hot_floor: 0.8
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_DefaultsAndOverrides(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, "minio", cfg.Sync.Provider)
	assert.Equal(t, 0.8, cfg.Retrieval.HotFloor)
	assert.Equal(t, 0.60, cfg.Retrieval.WarmFloor)
	assert.Equal(t, 7*24*time.Hour, cfg.Retrieval.HotWindow)
	assert.Equal(t, 2000, cfg.Chunker.MaxChars)
	assert.Equal(t, 50, cfg.Analyzer.SampleRows)
	assert.Equal(t, 45*time.Second, cfg.Timeouts.Fetch)
	assert.Equal(t, "fin", cfg.Sync.TeamForFolder("finance"))
	assert.Equal(t, "", cfg.Sync.TeamForFolder("unknown"))
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("DPC_SERVER_PORT", "7000")
	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)
	assert.Equal(t, "7000", cfg.Server.Port)
}

func TestLoad_RejectsUnknownProvider(t *testing.T) {
	_, err := Load(writeConfig(t, "sync:\n  provider: dropbox\n"))
	require.Error(t, err)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestLoad_RejectsInvalidValues(t *testing.T) {
	tests := map[string]string{
		"floor above one":   "retrieval:\n  hot_floor: 1.5\n",
		"folder without id": "sync:\n  folders:\n    - team: ops\n",
		"chunk bounds":      "chunker:\n  min_chars: 500\n  max_chars: 100\n",
		"no min results":    "retrieval:\n  min_results: 0\n",
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			require.Error(t, err)
		})
	}
}
