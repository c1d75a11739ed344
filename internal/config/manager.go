package config

import (
	"fmt"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Manager 统一配置管理器
// Agent配置是进程级可变记录，UpdateAgent可在运行中修改；
// 正在进行的会话持有的指令快照不受影响
type Manager struct {
	mu           sync.RWMutex
	cfg          *RelayConfig
	viper        *viper.Viper
	configPath   string
	watchEnabled bool
}

// ManagerOption 配置管理器选项
type ManagerOption func(*Manager)

// WithConfigPath 设置配置文件路径
func WithConfigPath(path string) ManagerOption {
	return func(m *Manager) {
		m.configPath = path
	}
}

// WithWatchEnabled 启用配置文件监控
func WithWatchEnabled(enabled bool) ManagerOption {
	return func(m *Manager) {
		m.watchEnabled = enabled
	}
}

// NewManager 创建配置管理器
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Load 加载配置
func (m *Manager) Load() (*RelayConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cfg != nil {
		return m.cfg, nil
	}

	cfg, v, err := loadConfigFromFile(m.configPath)
	if err != nil {
		return nil, fmt.Errorf("load relay config failed: %w", err)
	}

	// 上游API key优先取专用环境变量
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		cfg.Server.UpstreamAPIKey = key
	}

	if err := validateConfig(cfg); err != nil {
		return nil, fmt.Errorf("relay config invalid: %w", err)
	}

	m.cfg = cfg
	m.viper = v

	if m.watchEnabled {
		m.watchConfig()
	}

	return cfg, nil
}

// Server 获取服务进程配置快照
func (m *Manager) Server() ServerConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.cfg == nil {
		return ServerConfig{}
	}
	return m.cfg.Server
}

// Agent 获取当前agent配置快照（按值拷贝）
func (m *Manager) Agent() AgentConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.cfg == nil {
		return AgentConfig{}
	}
	return m.cfg.Agent
}

// UpdateAgent 运行时修改agent配置
func (m *Manager) UpdateAgent(mutate func(*AgentConfig)) (AgentConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cfg == nil {
		return AgentConfig{}, fmt.Errorf("config not loaded")
	}

	updated := m.cfg.Agent
	mutate(&updated)

	candidate := *m.cfg
	candidate.Agent = updated
	if err := validateConfig(&candidate); err != nil {
		return m.cfg.Agent, fmt.Errorf("rejected agent config update: %w", err)
	}

	m.cfg.Agent = updated
	return updated, nil
}

// watchConfig 监控配置文件变化并热重载
func (m *Manager) watchConfig() {
	if m.viper == nil {
		return
	}

	m.viper.WatchConfig()
	m.viper.OnConfigChange(func(e fsnotify.Event) {
		var cfg RelayConfig
		if err := m.viper.Unmarshal(&cfg); err != nil {
			return
		}
		if err := validateConfig(&cfg); err != nil {
			return
		}

		m.mu.Lock()
		// 保留环境变量注入的API key
		if m.cfg != nil && cfg.Server.UpstreamAPIKey == "" {
			cfg.Server.UpstreamAPIKey = m.cfg.Server.UpstreamAPIKey
		}
		m.cfg = &cfg
		m.mu.Unlock()
	})
}
