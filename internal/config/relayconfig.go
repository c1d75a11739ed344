package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"VoiceSupportRelay/internal/protocol"
)

// defaultInstructions 默认agent指令（印尼语客服场景）
const defaultInstructions = `CRITICAL: YOU MUST ALWAYS RESPOND IN INDONESIAN (BAHASA INDONESIA). NEVER USE ANY OTHER LANGUAGE.

You are a cheerful interactive call agent that speaks naturally and expresses appropriate emotion based on user intent.
Behave like a helpful customer support specialist: listen, respond concisely, and ask clarifying questions when needed.
When the user speaks you should be interruptible - if the user starts talking, stop speaking immediately and listen.
Match the user's tone when appropriate. Keep answers clear, human, and concise.
Prefer short sentences and natural prosody. Always verify when details are ambiguous and offer next steps or options.`

// AgentConfig 可变的全局agent配置
// 会话启动和每次上游握手时读取当前值
type AgentConfig struct {
	Instructions            string              `mapstructure:"instructions"`
	Voice                   string              `mapstructure:"voice"`
	Temperature             float64             `mapstructure:"temperature"`
	MaxResponseOutputTokens int                 `mapstructure:"max_response_output_tokens"`
	TurnDetection           TurnDetectionConfig `mapstructure:"turn_detection"`
}

// TurnDetectionConfig 服务端VAD转向检测参数
type TurnDetectionConfig struct {
	Type              string  `mapstructure:"type"`
	Threshold         float64 `mapstructure:"threshold"`
	PrefixPaddingMS   int     `mapstructure:"prefix_padding_ms"`
	SilenceDurationMS int     `mapstructure:"silence_duration_ms"`
}

// ToProtocol 转换为上游协议的turn_detection结构
func (td TurnDetectionConfig) ToProtocol() *protocol.TurnDetection {
	return &protocol.TurnDetection{
		Type:              td.Type,
		Threshold:         td.Threshold,
		PrefixPaddingMS:   td.PrefixPaddingMS,
		SilenceDurationMS: td.SilenceDurationMS,
	}
}

// ServerConfig 中继服务进程配置
type ServerConfig struct {
	WSAddr         string        `mapstructure:"ws_addr"`
	APIAddr        string        `mapstructure:"api_addr"`
	UpstreamURL    string        `mapstructure:"upstream_url"`
	UpstreamAPIKey string        `mapstructure:"upstream_api_key"`
	BackendURL     string        `mapstructure:"backend_url"`
	CallLogsDir    string        `mapstructure:"call_logs_dir"`
	PostgresDSN    string        `mapstructure:"postgres_dsn"`
	AdminJWTSecret string        `mapstructure:"admin_jwt_secret"`
	GreetingDelay  time.Duration `mapstructure:"greeting_delay"`
	FlushDelay     time.Duration `mapstructure:"flush_delay"`
	MonitorEvery   time.Duration `mapstructure:"monitor_interval"`
	WatchDebounce  time.Duration `mapstructure:"watch_debounce"`
}

// RelayConfig 配置文件根结构
type RelayConfig struct {
	Server ServerConfig `mapstructure:"server"`
	Agent  AgentConfig  `mapstructure:"agent"`
}

// setDefaultValues 设置默认配置值
func setDefaultValues(v *viper.Viper) {
	v.SetDefault("server.ws_addr", ":3000")
	v.SetDefault("server.api_addr", ":3001")
	v.SetDefault("server.upstream_url", "wss://api.openai.com/v1/realtime?model=gpt-4o-realtime-preview-2024-10-01")
	v.SetDefault("server.backend_url", "http://127.0.0.1:8004")
	v.SetDefault("server.call_logs_dir", "backend/call_logs")
	v.SetDefault("server.postgres_dsn", "")
	v.SetDefault("server.admin_jwt_secret", "")
	v.SetDefault("server.greeting_delay", 1500*time.Millisecond)
	v.SetDefault("server.flush_delay", 300*time.Millisecond)
	v.SetDefault("server.monitor_interval", 2*time.Second)
	v.SetDefault("server.watch_debounce", 250*time.Millisecond)

	v.SetDefault("agent.instructions", defaultInstructions)
	v.SetDefault("agent.voice", "echo")
	v.SetDefault("agent.temperature", 0.6)
	v.SetDefault("agent.max_response_output_tokens", 10000)
	v.SetDefault("agent.turn_detection.type", "server_vad")
	v.SetDefault("agent.turn_detection.threshold", 0.45)
	v.SetDefault("agent.turn_detection.prefix_padding_ms", 200)
	v.SetDefault("agent.turn_detection.silence_duration_ms", 150)
}

// loadConfigFromFile 使用Viper从文件加载配置
func loadConfigFromFile(path string) (*RelayConfig, *viper.Viper, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("relay-config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	// 环境变量覆盖：RELAY_SERVER_WS_ADDR等
	v.SetEnvPrefix("RELAY")
	v.AutomaticEnv()

	setDefaultValues(v)

	if err := v.ReadInConfig(); err != nil {
		// 配置文件不存在时使用默认值
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg RelayConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, v, nil
}

// validateConfig 验证配置合法性
func validateConfig(cfg *RelayConfig) error {
	if cfg.Server.UpstreamURL == "" {
		return fmt.Errorf("server.upstream_url must not be empty")
	}
	if cfg.Agent.Temperature < 0 || cfg.Agent.Temperature > 2 {
		return fmt.Errorf("agent.temperature out of range: %v", cfg.Agent.Temperature)
	}
	if cfg.Agent.MaxResponseOutputTokens <= 0 {
		return fmt.Errorf("agent.max_response_output_tokens must be positive")
	}
	if cfg.Server.FlushDelay <= 0 || cfg.Server.GreetingDelay <= 0 {
		return fmt.Errorf("greeting_delay and flush_delay must be positive")
	}
	return nil
}
