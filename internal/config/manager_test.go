package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManager_Load_Defaults(t *testing.T) {
	// 指向不存在的路径会报错，空路径搜索不到文件时用默认值
	m := NewManager(WithConfigPath(filepath.Join(t.TempDir(), "relay-config.yaml")))

	// 配置文件不存在但路径被显式指定，viper会报错；先写一个空文件
	require.NoError(t, os.WriteFile(m.configPath, []byte(""), 0o644))

	cfg, err := m.Load()
	require.NoError(t, err)

	assert.Equal(t, ":3000", cfg.Server.WSAddr)
	assert.Equal(t, ":3001", cfg.Server.APIAddr)
	assert.Equal(t, 1500*time.Millisecond, cfg.Server.GreetingDelay)
	assert.Equal(t, 300*time.Millisecond, cfg.Server.FlushDelay)
	assert.Equal(t, 2*time.Second, cfg.Server.MonitorEvery)
	assert.Equal(t, "echo", cfg.Agent.Voice)
	assert.InDelta(t, 0.6, cfg.Agent.Temperature, 0.001)
	assert.Equal(t, 10000, cfg.Agent.MaxResponseOutputTokens)
	assert.Equal(t, "server_vad", cfg.Agent.TurnDetection.Type)
	assert.NotEmpty(t, cfg.Agent.Instructions)
}

func TestManager_Load_FromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay-config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  ws_addr: ":4000"
  backend_url: "http://localhost:9000"
agent:
  voice: "alloy"
  temperature: 0.8
`), 0o644))

	m := NewManager(WithConfigPath(path))
	cfg, err := m.Load()
	require.NoError(t, err)

	assert.Equal(t, ":4000", cfg.Server.WSAddr)
	assert.Equal(t, "http://localhost:9000", cfg.Server.BackendURL)
	assert.Equal(t, "alloy", cfg.Agent.Voice)
	assert.InDelta(t, 0.8, cfg.Agent.Temperature, 0.001)
	// 未覆盖的字段保持默认
	assert.Equal(t, ":3001", cfg.Server.APIAddr)
}

func TestManager_Load_EnvAPIKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test-123")

	path := filepath.Join(t.TempDir(), "relay-config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(""), 0o644))

	m := NewManager(WithConfigPath(path))
	cfg, err := m.Load()
	require.NoError(t, err)
	assert.Equal(t, "sk-test-123", cfg.Server.UpstreamAPIKey)
}

func TestManager_UpdateAgent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay-config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(""), 0o644))

	m := NewManager(WithConfigPath(path))
	_, err := m.Load()
	require.NoError(t, err)

	updated, err := m.UpdateAgent(func(agent *AgentConfig) {
		agent.Voice = "shimmer"
	})
	require.NoError(t, err)
	assert.Equal(t, "shimmer", updated.Voice)
	assert.Equal(t, "shimmer", m.Agent().Voice)
}

func TestManager_UpdateAgent_RejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay-config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(""), 0o644))

	m := NewManager(WithConfigPath(path))
	_, err := m.Load()
	require.NoError(t, err)

	before := m.Agent().Temperature
	_, err = m.UpdateAgent(func(agent *AgentConfig) {
		agent.Temperature = 9.9
	})
	assert.Error(t, err)
	assert.InDelta(t, before, m.Agent().Temperature, 0.001, "非法更新不得生效")
}

func TestManager_UpdateAgent_NotLoaded(t *testing.T) {
	m := NewManager()
	_, err := m.UpdateAgent(func(*AgentConfig) {})
	assert.Error(t, err)
}
