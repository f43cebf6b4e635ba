package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"OmniDimension/internal/chat"
	"OmniDimension/pkg/logger"
)

// EnvConfigPath 是指定配置文件路径的环境变量。
const EnvConfigPath = "OMNIDIM_CONFIG"

// DefaultPath 是未指定配置文件时的默认路径。
const DefaultPath = "configs/omnidim.yaml"

// Config 描述了守护进程在启动阶段需要加载的全部配置。
type Config struct {
	Server   ServerConfig        `yaml:"server" json:"server"`
	Logging  logger.Config       `yaml:"logging" json:"logging"`
	LLM      LLMConfig           `yaml:"llm" json:"llm"`
	Reply    ReplyConfig         `yaml:"reply" json:"reply"`
	Widget   WidgetConfig        `yaml:"widget" json:"widget"`
	Dispatch DispatchConfig      `yaml:"dispatch" json:"dispatch"`
	Agents   []chat.AgentProfile `yaml:"agents" json:"agents"`
	Alerting AlertingConfig      `yaml:"alerting" json:"alerting"`
	Runtime  RuntimeConfig       `yaml:"runtime" json:"runtime"`
}

// ServerConfig 控制 API 服务的监听地址与限流。
type ServerConfig struct {
	Address                string          `yaml:"address" json:"address"`
	ShutdownTimeoutSeconds int             `yaml:"shutdown_timeout_seconds" json:"shutdown_timeout_seconds"`
	RateLimit              RateLimitConfig `yaml:"rate_limit" json:"rate_limit"`
	// TrustForwardedFor 仅在服务位于受信任的反向代理之后时开启。
	TrustForwardedFor      bool            `yaml:"trust_forwarded_for" json:"trust_forwarded_for"`
}

// RateLimitConfig 是每个客户端在命令与补全接口上的令牌桶参数。
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second" json:"requests_per_second"`
	Burst             int     `yaml:"burst" json:"burst"`
}

// LLMConfig 用于配置大模型推理的调用方式。
type LLMConfig struct {
	OpenAI OpenAIConfig `yaml:"openai" json:"openai"`
}

// OpenAIConfig 描述 OpenAI 兼容接口的访问参数。
type OpenAIConfig struct {
	APIKey         string  `yaml:"api_key" json:"api_key"`
	APIKeyEnv      string  `yaml:"api_key_env" json:"api_key_env"`
	BaseURL        string  `yaml:"base_url" json:"base_url"`
	Model          string  `yaml:"model" json:"model"`
	Temperature    float64 `yaml:"temperature" json:"temperature"`
	TimeoutSeconds int     `yaml:"timeout_seconds" json:"timeout_seconds"`
	MaxRetries     int     `yaml:"max_retries" json:"max_retries"`
}

// ReplyConfig 控制回复链的远程层与历史窗口。
type ReplyConfig struct {
	RemoteURL            string `yaml:"remote_url" json:"remote_url"`
	RemoteTimeoutSeconds int    `yaml:"remote_timeout_seconds" json:"remote_timeout_seconds"`
	HistoryDepth         int    `yaml:"history_depth" json:"history_depth"`
}

// WidgetConfig 描述可选的第三方对话组件。
type WidgetConfig struct {
	Enabled              bool   `yaml:"enabled" json:"enabled"`
	BaseURL              string `yaml:"base_url" json:"base_url"`
	SecretKey            string `yaml:"secret_key" json:"secret_key"`
	SecretKeyEnv         string `yaml:"secret_key_env" json:"secret_key_env"`
	TimeoutSeconds       int    `yaml:"timeout_seconds" json:"timeout_seconds"`
	ProbeIntervalSeconds int    `yaml:"probe_interval_seconds" json:"probe_interval_seconds"`
}

// DispatchConfig 描述执行子系统的存储、队列与工作协程。
type DispatchConfig struct {
	Store      StoreConfig `yaml:"store" json:"store"`
	Queue      QueueConfig `yaml:"queue" json:"queue"`
	Workers    int         `yaml:"workers" json:"workers"`
	MaxRetries int         `yaml:"max_retries" json:"max_retries"`
}

// StoreConfig 选择动作状态存储，driver 为 memory 或 mysql。
type StoreConfig struct {
	Driver                 string `yaml:"driver" json:"driver"`
	DSN                    string `yaml:"dsn" json:"dsn"`
	DSNEnv                 string `yaml:"dsn_env" json:"dsn_env"`
	MaxOpenConns           int    `yaml:"max_open_conns" json:"max_open_conns"`
	MaxIdleConns           int    `yaml:"max_idle_conns" json:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `yaml:"conn_max_lifetime_seconds" json:"conn_max_lifetime_seconds"`
}

// QueueConfig 选择动作队列，driver 为 memory、redis 或 rabbitmq。
type QueueConfig struct {
	Driver   string         `yaml:"driver" json:"driver"`
	Size     int            `yaml:"size" json:"size"`
	Redis    RedisConfig    `yaml:"redis" json:"redis"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq" json:"rabbitmq"`
}

// RedisConfig 描述 Redis 队列连接。
type RedisConfig struct {
	Address          string `yaml:"address" json:"address"`
	Password         string `yaml:"password" json:"password"`
	PasswordEnv      string `yaml:"password_env" json:"password_env"`
	DB               int    `yaml:"db" json:"db"`
	Queue            string `yaml:"queue" json:"queue"`
	BlockWaitSeconds int    `yaml:"block_wait_seconds" json:"block_wait_seconds"`
}

// RabbitMQConfig 描述 RabbitMQ 队列连接。
type RabbitMQConfig struct {
	URL      string `yaml:"url" json:"url"`
	URLEnv   string `yaml:"url_env" json:"url_env"`
	Queue    string `yaml:"queue" json:"queue"`
	Prefetch int    `yaml:"prefetch" json:"prefetch"`
	Durable  bool   `yaml:"durable" json:"durable"`
}

// AlertingConfig 控制派发失败与动作最终失败的告警渠道。
type AlertingConfig struct {
	WebhookURL     string `yaml:"webhook_url" json:"webhook_url"`
	WebhookURLEnv  string `yaml:"webhook_url_env" json:"webhook_url_env"`
	TimeoutSeconds int    `yaml:"timeout_seconds" json:"timeout_seconds"`
	Audit          bool   `yaml:"audit" json:"audit"`
}

// Enabled 表示至少配置了一个告警渠道。
func (a AlertingConfig) Enabled() bool {
	return a.Audit || strings.TrimSpace(a.WebhookURL) != ""
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `yaml:"data_dir" json:"data_dir"`
}

// ResolvePath 按 flag、OMNIDIM_CONFIG、默认路径的顺序确定配置文件。
func ResolvePath(flagValue string) string {
	if path := strings.TrimSpace(flagValue); path != "" {
		return path
	}
	if path := strings.TrimSpace(os.Getenv(EnvConfigPath)); path != "" {
		return path
	}
	return DefaultPath
}

// Load 负责解析指定路径的配置文件。YAML 是 JSON 的超集，两种格式都可以直接读取。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))
	cfg.resolveSecrets()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadOrDefault 与 Load 相同，但默认路径的文件不存在时返回默认配置。
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if err == nil {
		return cfg, nil
	}
	if path == DefaultPath && errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	return nil, err
}

// Default 返回在当前目录下应用默认值后的配置。
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults(".")
	cfg.resolveSecrets()
	return cfg
}

// Validate 检查驱动名称等枚举字段。
func (c *Config) Validate() error {
	switch c.Dispatch.Store.Driver {
	case "memory", "mysql":
	default:
		return fmt.Errorf("不支持的动作存储: %s", c.Dispatch.Store.Driver)
	}
	switch c.Dispatch.Queue.Driver {
	case "memory", "redis", "rabbitmq":
	default:
		return fmt.Errorf("不支持的动作队列: %s", c.Dispatch.Queue.Driver)
	}
	if c.Widget.Enabled && strings.TrimSpace(c.Widget.BaseURL) == "" {
		return errors.New("启用对话组件时必须配置 widget.base_url")
	}
	return nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.ShutdownTimeoutSeconds <= 0 {
		c.Server.ShutdownTimeoutSeconds = 5
	}
	if c.Server.RateLimit.RequestsPerSecond <= 0 {
		c.Server.RateLimit.RequestsPerSecond = 2
	}
	if c.Server.RateLimit.Burst <= 0 {
		c.Server.RateLimit.Burst = 5
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.LLM.OpenAI.APIKeyEnv == "" {
		c.LLM.OpenAI.APIKeyEnv = "OMNIDIMENSION_API_KEY"
	}
	if c.LLM.OpenAI.Model == "" {
		c.LLM.OpenAI.Model = "gpt-3.5-turbo"
	}
	if c.LLM.OpenAI.Temperature <= 0 {
		c.LLM.OpenAI.Temperature = 0.7
	}
	if c.LLM.OpenAI.TimeoutSeconds <= 0 {
		c.LLM.OpenAI.TimeoutSeconds = 60
	}

	if c.Reply.RemoteURL == "" {
		c.Reply.RemoteURL = localURL(c.Server.Address) + "/api/omnidimension/chat"
	}
	if c.Reply.RemoteTimeoutSeconds <= 0 {
		c.Reply.RemoteTimeoutSeconds = 30
	}
	if c.Reply.HistoryDepth <= 0 {
		c.Reply.HistoryDepth = 10
	}

	if c.Widget.SecretKeyEnv == "" {
		c.Widget.SecretKeyEnv = "OMNIDIMENSION_WIDGET_SECRET"
	}
	if c.Widget.TimeoutSeconds <= 0 {
		c.Widget.TimeoutSeconds = 15
	}
	if c.Widget.ProbeIntervalSeconds <= 0 {
		c.Widget.ProbeIntervalSeconds = 2
	}

	if c.Dispatch.Store.Driver == "" {
		c.Dispatch.Store.Driver = "memory"
	}
	if c.Dispatch.Queue.Driver == "" {
		c.Dispatch.Queue.Driver = "memory"
	}
	if c.Dispatch.Queue.Size <= 0 {
		c.Dispatch.Queue.Size = 256
	}
	if c.Dispatch.Workers <= 0 {
		c.Dispatch.Workers = 4
	}
	if c.Dispatch.MaxRetries <= 0 {
		c.Dispatch.MaxRetries = 3
	}

	if c.Alerting.WebhookURLEnv == "" {
		c.Alerting.WebhookURLEnv = "OMNIDIMENSION_ALERT_WEBHOOK"
	}
	if c.Alerting.TimeoutSeconds <= 0 {
		c.Alerting.TimeoutSeconds = 5
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}
	if c.Logging.Audit.Enabled && c.Logging.Audit.Path == "" {
		c.Logging.Audit.Path = filepath.Join(c.Runtime.DataDir, "audit.log")
	}
}

// resolveSecrets 对未直接填写的密钥读取 *_env 指定的环境变量。
func (c *Config) resolveSecrets() {
	c.LLM.OpenAI.APIKey = fromEnv(c.LLM.OpenAI.APIKey, c.LLM.OpenAI.APIKeyEnv)
	c.Widget.SecretKey = fromEnv(c.Widget.SecretKey, c.Widget.SecretKeyEnv)
	c.Dispatch.Store.DSN = fromEnv(c.Dispatch.Store.DSN, c.Dispatch.Store.DSNEnv)
	c.Dispatch.Queue.Redis.Password = fromEnv(c.Dispatch.Queue.Redis.Password, c.Dispatch.Queue.Redis.PasswordEnv)
	c.Dispatch.Queue.RabbitMQ.URL = fromEnv(c.Dispatch.Queue.RabbitMQ.URL, c.Dispatch.Queue.RabbitMQ.URLEnv)
	c.Alerting.WebhookURL = fromEnv(c.Alerting.WebhookURL, c.Alerting.WebhookURLEnv)
}

func fromEnv(value, envName string) string {
	if strings.TrimSpace(value) != "" || envName == "" {
		return value
	}
	return strings.TrimSpace(os.Getenv(envName))
}

// localURL 把监听地址转换为本机可访问的 URL。
func localURL(address string) string {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return "http://" + address
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

// Seconds 把配置中的秒数转换为 time.Duration。
func Seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
