package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func writeConfigFile(t *testing.T, doc map[string]any) string {
	t.Helper()
	data, err := yaml.Marshal(doc)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "relay.yaml")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 8, cfg.Engine.MaxIterations)
	assert.Equal(t, 6000, cfg.LLM.HistoryTokenBudget)
	assert.Equal(t, 20, cfg.Dedup.LookbackChats)
	assert.Equal(t, 30*time.Second, cfg.Dedup.MultimodalWindow)
	assert.Equal(t, 2*time.Minute, cfg.Dedup.ContainmentWindow)
	assert.Empty(t, cfg.ToolServers)
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfigFile(t, map[string]any{
		"server": map[string]any{"port": 9090},
		"llm": map[string]any{
			"base_url": "https://api.example.com/v1",
			"model":    "test-model",
		},
		"engine": map[string]any{"max_iterations": 3},
		"tool_servers": []map[string]any{
			{"name": "search", "base_url": "http://localhost:7001"},
			{"name": "files", "base_url": "http://localhost:7002", "timeout_seconds": 10},
		},
	})

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "https://api.example.com/v1", cfg.LLM.BaseURL)
	assert.Equal(t, "test-model", cfg.LLM.Model)
	assert.Equal(t, 3, cfg.Engine.MaxIterations)
	require.Len(t, cfg.ToolServers, 2)
	assert.Equal(t, "search", cfg.ToolServers[0].Name)
	assert.Equal(t, 10, cfg.ToolServers[1].Timeout)

	// File values merge over defaults rather than replacing them.
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 4096, cfg.LLM.MaxTokens)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("RELAY_SERVER_PORT", "3000")
	t.Setenv("RELAY_LLM_MODEL", "env-model")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, "env-model", cfg.LLM.Model)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	cases := []struct {
		name string
		doc  map[string]any
	}{
		{"bad port", map[string]any{"server": map[string]any{"port": -1}}},
		{"empty llm base url", map[string]any{"llm": map[string]any{"base_url": ""}}},
		{"zero iterations", map[string]any{"engine": map[string]any{"max_iterations": 0}}},
		{"tool server without name", map[string]any{
			"tool_servers": []map[string]any{{"base_url": "http://localhost:7001"}},
		}},
		{"tool server without base url", map[string]any{
			"tool_servers": []map[string]any{{"name": "search"}},
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfigFile(t, tc.doc))
			assert.Error(t, err)
		})
	}
}
