// Package config 提供配置加载和管理功能
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// 环境变量名称，与 Voice Live 部署脚本保持一致
const (
	EnvEndpoint    = "AZURE_VOICE_LIVE_ENDPOINT"
	EnvAgentID     = "AI_FOUNDRY_AGENT_ID"
	EnvProjectName = "AI_FOUNDRY_PROJECT_NAME"
	EnvAPIVersion  = "AZURE_VOICE_LIVE_API_VERSION"
	EnvScope       = "VOICE_LIVE_SCOPE"
	EnvToken       = "VOICE_LIVE_TOKEN"
)

// 默认值
const (
	DefaultAPIVersion   = "2025-05-01-preview"
	DefaultScope        = "https://ai.azure.com/.default"
	DefaultInstructions = "Please respond to the user's input."
)

var globalConfig *Config

// Config 应用程序配置结构
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	VoiceLive VoiceLiveConfig `yaml:"voice_live"`
	Session   SessionConfig   `yaml:"session"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// ServerConfig HTTP服务器配置
type ServerConfig struct {
	Host string `yaml:"host"` // 服务器监听地址
	Port int    `yaml:"port"` // 服务器监听端口
}

// Addr 返回监听地址
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// VoiceLiveConfig 下游 Voice Live 服务配置
type VoiceLiveConfig struct {
	Endpoint         string        `yaml:"endpoint"`          // 服务地址，https:// 会被改写为 wss://
	APIVersion       string        `yaml:"api_version"`       // API版本
	ProjectName      string        `yaml:"project_name"`      // AI Foundry 项目名
	AgentID          string        `yaml:"agent_id"`          // 智能体ID
	Scope            string        `yaml:"scope"`             // 令牌作用域
	Token            string        `yaml:"token"`             // 固定令牌，设置后不再走 Azure 凭据链
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"` // 握手超时
	WriteWait        time.Duration `yaml:"write_wait"`        // 写超时
	MaxMessageSize   int64         `yaml:"max_message_size"`  // 单帧最大字节数
}

// SessionConfig 语音会话配置
type SessionConfig struct {
	Instructions     string              `yaml:"instructions"`      // response.create 附带的指令
	PollInterval     time.Duration       `yaml:"poll_interval"`     // 空闲轮询间隔
	ErrorBackoff     time.Duration       `yaml:"error_backoff"`     // 出错后的退避时间
	SinkMaxBytes     int                 `yaml:"sink_max_bytes"`    // 输出音频缓冲上限
	TurnDetection    TurnDetectionConfig `yaml:"turn_detection"`    // 轮次检测
	NoiseReduction   string              `yaml:"noise_reduction"`   // 降噪类型
	EchoCancellation string              `yaml:"echo_cancellation"` // 回声消除类型
	Voice            VoiceConfig         `yaml:"voice"`             // 合成音色
}

// TurnDetectionConfig 轮次检测参数
type TurnDetectionConfig struct {
	Type              string  `yaml:"type"`
	Threshold         float64 `yaml:"threshold"`
	PrefixPaddingMs   int     `yaml:"prefix_padding_ms"`
	SilenceDurationMs int     `yaml:"silence_duration_ms"`
	RemoveFillerWords bool    `yaml:"remove_filler_words"`
	EOUModel          string  `yaml:"eou_model"`
	EOUThreshold      float64 `yaml:"eou_threshold"`
	EOUTimeout        float64 `yaml:"eou_timeout"`
}

// VoiceConfig 音色配置
type VoiceConfig struct {
	Name        string  `yaml:"name"`
	Type        string  `yaml:"type"`
	Temperature float64 `yaml:"temperature"`
}

// WebSocketConfig WebSocket配置
type WebSocketConfig struct {
	ReadBufferSize  int           `yaml:"read_buffer_size"`  // 读缓冲区大小
	WriteBufferSize int           `yaml:"write_buffer_size"` // 写缓冲区大小
	PingPeriod      time.Duration `yaml:"ping_period"`       // 心跳间隔
	PongWait        time.Duration `yaml:"pong_wait"`         // 等待Pong响应的超时时间
	WriteWait       time.Duration `yaml:"write_wait"`        // 写超时
	MaxMessageSize  int64         `yaml:"max_message_size"`  // 客户端单条消息上限
}

// LoggingConfig 日志配置
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug/info/warn/error
	Format string `yaml:"format"` // text/json
}

// MetricsConfig 指标配置
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// GetConfig 获取全局配置实例
func GetConfig() *Config {
	return globalConfig
}

// Default 返回带默认值的配置
func Default() *Config {
	cfg := &Config{
		Metrics: MetricsConfig{Enabled: true},
	}
	applyDefaults(cfg)
	return cfg
}

// Load 从文件加载配置
//
// 先加载 .env，再读取 YAML 文件，最后用环境变量覆盖。
// 文件不存在时只要环境变量提供了必填项也能通过校验。
func Load(filename string) (*Config, error) {
	cfg, err := read(filename)
	if err != nil {
		return nil, err
	}

	// 验证配置
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("配置验证失败: %w", err)
	}

	// 设置全局配置
	globalConfig = cfg

	return cfg, nil
}

// LoadUnvalidated 读取配置但不校验，文件无法解析时只使用环境变量
func LoadUnvalidated(filename string) *Config {
	cfg, err := read(filename)
	if err != nil {
		cfg = &Config{Metrics: MetricsConfig{Enabled: true}}
		applyEnv(cfg)
		applyDefaults(cfg)
	}
	return cfg
}

func read(filename string) (*Config, error) {
	// .env 不存在是正常情况
	_ = godotenv.Load()

	cfg := &Config{
		Metrics: MetricsConfig{Enabled: true},
	}

	data, err := os.ReadFile(filename)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("解析配置文件失败: %w", err)
		}
	case errors.Is(err, fs.ErrNotExist):
		// 仅使用环境变量
	default:
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	applyEnv(cfg)
	applyDefaults(cfg)
	return cfg, nil
}

// applyEnv 用环境变量覆盖配置
func applyEnv(cfg *Config) {
	override := func(dst *string, key string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	override(&cfg.VoiceLive.Endpoint, EnvEndpoint)
	override(&cfg.VoiceLive.AgentID, EnvAgentID)
	override(&cfg.VoiceLive.ProjectName, EnvProjectName)
	override(&cfg.VoiceLive.APIVersion, EnvAPIVersion)
	override(&cfg.VoiceLive.Scope, EnvScope)
	override(&cfg.VoiceLive.Token, EnvToken)
}

// applyDefaults 设置默认值
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 5000
	}

	vl := &cfg.VoiceLive
	if vl.APIVersion == "" {
		vl.APIVersion = DefaultAPIVersion
	}
	if vl.Scope == "" {
		vl.Scope = DefaultScope
	}
	if vl.HandshakeTimeout == 0 {
		vl.HandshakeTimeout = 10 * time.Second
	}
	if vl.WriteWait == 0 {
		vl.WriteWait = 10 * time.Second
	}
	if vl.MaxMessageSize == 0 {
		vl.MaxMessageSize = 16 * 1024 * 1024
	}

	s := &cfg.Session
	if s.Instructions == "" {
		s.Instructions = DefaultInstructions
	}
	if s.PollInterval == 0 {
		s.PollInterval = 10 * time.Millisecond
	}
	if s.ErrorBackoff == 0 {
		s.ErrorBackoff = 100 * time.Millisecond
	}
	if s.SinkMaxBytes == 0 {
		s.SinkMaxBytes = 4 * 1024 * 1024
	}
	td := &s.TurnDetection
	if td.Type == "" {
		td.Type = "azure_semantic_vad"
		td.Threshold = 0.3
		td.PrefixPaddingMs = 200
		td.SilenceDurationMs = 200
	}
	if td.EOUModel == "" {
		td.EOUModel = "semantic_detection_v1"
		td.EOUThreshold = 0.01
		td.EOUTimeout = 2
	}
	if s.NoiseReduction == "" {
		s.NoiseReduction = "azure_deep_noise_suppression"
	}
	if s.EchoCancellation == "" {
		s.EchoCancellation = "server_echo_cancellation"
	}
	if s.Voice.Name == "" {
		s.Voice.Name = "en-US-Ava:DragonHDLatestNeural"
	}
	if s.Voice.Type == "" {
		s.Voice.Type = "azure-standard"
	}
	if s.Voice.Temperature == 0 {
		s.Voice.Temperature = 0.8
	}

	ws := &cfg.WebSocket
	if ws.ReadBufferSize == 0 {
		ws.ReadBufferSize = 1024
	}
	if ws.WriteBufferSize == 0 {
		ws.WriteBufferSize = 1024
	}
	if ws.PingPeriod == 0 {
		ws.PingPeriod = 30 * time.Second
	}
	if ws.PongWait == 0 {
		ws.PongWait = 60 * time.Second
	}
	if ws.WriteWait == 0 {
		ws.WriteWait = 10 * time.Second
	}
	if ws.MaxMessageSize == 0 {
		ws.MaxMessageSize = 1024 * 1024 // 1MB
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
}

// Validate 验证配置是否有效
func (c *Config) Validate() error {
	// 验证服务器配置
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("%w: %d", ErrInvalidPort, c.Server.Port)
	}

	// 验证 Voice Live 配置
	if err := c.VoiceLive.Validate(); err != nil {
		return err
	}

	// 验证会话配置
	if c.Session.PollInterval <= 0 || c.Session.ErrorBackoff <= 0 {
		return ErrInvalidInterval
	}
	if c.WebSocket.PongWait <= c.WebSocket.PingPeriod {
		return fmt.Errorf("%w: pong_wait(%s) 必须大于 ping_period(%s)",
			ErrInvalidInterval, c.WebSocket.PongWait, c.WebSocket.PingPeriod)
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%w: %q", ErrInvalidLogLevel, c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("%w: %q", ErrInvalidLogFormat, c.Logging.Format)
	}

	return nil
}

// Validate 验证 Voice Live 配置
func (v *VoiceLiveConfig) Validate() error {
	if v.Endpoint == "" {
		return ErrEmptyEndpoint
	}
	if v.AgentID == "" {
		return ErrEmptyAgentID
	}
	if v.ProjectName == "" {
		return ErrEmptyProjectName
	}
	if v.APIVersion == "" {
		return ErrEmptyAPIVersion
	}
	return nil
}
