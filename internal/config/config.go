package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config 描述了 blossomd 在启动阶段需要加载的核心配置。
type Config struct {
	Server    ServerConfig    `json:"server"`
	Metrics   MetricsConfig   `json:"metrics"`
	Log       LogConfig       `json:"log"`
	Storage   StorageConfig   `json:"storage"`
	Queue     QueueConfig     `json:"queue"`
	Web3      Web3Config      `json:"web3"`
	Routing   RoutingConfig   `json:"routing"`
	Policy    PolicyConfig    `json:"policy"`
	Finalizer FinalizerConfig `json:"finalizer"`
	Alerting  AlertingConfig  `json:"alerting"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address string `json:"address"`
}

// MetricsConfig 控制独立的 Prometheus 暴露端口。Address 为空时挂载在 API 服务上。
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Address string `json:"address"`
}

// LogConfig 对应 pkg/logger 的初始化参数。
type LogConfig struct {
	Level       string         `json:"level"`
	Format      string         `json:"format"`
	OutputPaths []string       `json:"output_paths"`
	Audit       AuditLogConfig `json:"audit"`
}

// AuditLogConfig 描述审计日志的落盘与切分策略。
type AuditLogConfig struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
	Compress   bool   `json:"compress"`
}

// StorageConfig 统一描述信用账本与会话状态的存储后端。
type StorageConfig struct {
	Ledger   LedgerConfig   `json:"ledger"`
	Sessions SessionsConfig `json:"sessions"`
}

// LedgerConfig 描述跨链信用记录的持久化方式。
type LedgerConfig struct {
	Driver                 string `json:"driver"`
	DSN                    string `json:"dsn"`
	DSNEnv                 string `json:"dsn_env"`
	MaxOpenConns           int    `json:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds"`
	ConnMaxIdleTimeSeconds int    `json:"conn_max_idle_time_seconds"`
}

// SessionsConfig 描述意图会话上下文的存储方式。
type SessionsConfig struct {
	Driver     string      `json:"driver"`
	TTLSeconds int         `json:"ttl_seconds"`
	Redis      RedisConfig `json:"redis"`
}

// RedisConfig 为会话存储与 Redis 队列共用。
type RedisConfig struct {
	Address     string `json:"address"`
	Password    string `json:"password"`
	PasswordEnv string `json:"password_env"`
	DB          int    `json:"db"`
	KeyPrefix   string `json:"key_prefix"`
}

// QueueConfig 描述对账队列的实现方式。
type QueueConfig struct {
	Driver   string         `json:"driver"`
	Size     int            `json:"size"`
	Redis    RedisQueue     `json:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq"`
	NATS     NATSConfig     `json:"nats"`
}

// RedisQueue 描述基于 Redis list 的队列。
type RedisQueue struct {
	RedisConfig
	Queue            string `json:"queue"`
	BlockWaitSeconds int    `json:"block_wait_seconds"`
}

// RabbitMQConfig 描述 RabbitMQ 队列参数。
type RabbitMQConfig struct {
	URL        string `json:"url"`
	URLEnv     string `json:"url_env"`
	Queue      string `json:"queue"`
	Prefetch   int    `json:"prefetch"`
	Durable    bool   `json:"durable"`
	AutoDelete bool   `json:"auto_delete"`
}

// NATSConfig 描述 NATS 队列参数。
type NATSConfig struct {
	URL        string `json:"url"`
	Subject    string `json:"subject"`
	QueueGroup string `json:"queue_group"`
}

// Web3Config 包含访问区块链节点所需的配置。
type Web3Config struct {
	ChainConfig            string `json:"chain_config"`
	DefaultSettlementChain string `json:"default_settlement_chain"`
	MaxAttempts            int    `json:"max_attempts"`
	RequestTimeoutMillis   int    `json:"request_timeout_ms"`
	PollIntervalMillis     int    `json:"poll_interval_ms"`
}

// RoutingConfig 描述测试网信用通道。
type RoutingConfig struct {
	Enabled               bool     `json:"enabled"`
	SourceChain           string   `json:"source_chain"`
	SettlementChains      []string `json:"settlement_chains"`
	StableSymbol          string   `json:"stable_symbol"`
	MaxPerTxUSD           float64  `json:"max_per_tx_usd"`
	AmountToleranceUSD    float64  `json:"amount_tolerance_usd"`
	LookupLimit           int      `json:"lookup_limit"`
	LiveSourceRead        bool     `json:"live_source_read"`
	SourceBalanceFloorUSD float64  `json:"source_balance_floor_usd"`
	ReceiptTimeoutSeconds int      `json:"receipt_timeout_seconds"`
	FundedInstruments     []string `json:"funded_instruments"`
}

// PolicyConfig 控制路径守卫。
type PolicyConfig struct {
	HighValueThresholdUSD float64 `json:"high_value_threshold_usd"`
}

// FinalizerConfig 控制后台对账。
type FinalizerConfig struct {
	Enabled               bool   `json:"enabled"`
	Schedule              string `json:"schedule"`
	BatchSize             int    `json:"batch_size"`
	Workers               int    `json:"workers"`
	ReceiptTimeoutSeconds int    `json:"receipt_timeout_seconds"`
	ConsumeQueue          bool   `json:"consume_queue"`
}

// AlertingConfig 描述告警渠道。
type AlertingConfig struct {
	SlackWebhookURL    string `json:"slack_webhook_url"`
	SlackWebhookURLEnv string `json:"slack_webhook_url_env"`
}

// Load 负责解析指定路径的 JSON 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Log.Audit.Enabled && c.Log.Audit.Path != "" && !filepath.IsAbs(c.Log.Audit.Path) {
		c.Log.Audit.Path = filepath.Join(baseDir, c.Log.Audit.Path)
	}

	if c.Storage.Ledger.Driver == "" {
		c.Storage.Ledger.Driver = "memory"
	}
	if c.Storage.Ledger.DSN == "" && c.Storage.Ledger.DSNEnv != "" {
		c.Storage.Ledger.DSN = os.Getenv(c.Storage.Ledger.DSNEnv)
	}
	if c.Storage.Sessions.Driver == "" {
		c.Storage.Sessions.Driver = "memory"
	}
	if c.Storage.Sessions.TTLSeconds <= 0 {
		c.Storage.Sessions.TTLSeconds = 24 * 60 * 60
	}
	resolveRedisPassword(&c.Storage.Sessions.Redis)

	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}
	if c.Queue.Size <= 0 {
		c.Queue.Size = 1024
	}
	resolveRedisPassword(&c.Queue.Redis.RedisConfig)
	if c.Queue.RabbitMQ.URL == "" && c.Queue.RabbitMQ.URLEnv != "" {
		c.Queue.RabbitMQ.URL = os.Getenv(c.Queue.RabbitMQ.URLEnv)
	}

	if c.Web3.ChainConfig == "" {
		c.Web3.ChainConfig = filepath.Join(baseDir, "chain.yaml")
	} else if !filepath.IsAbs(c.Web3.ChainConfig) {
		c.Web3.ChainConfig = filepath.Join(baseDir, c.Web3.ChainConfig)
	}
	if c.Web3.DefaultSettlementChain == "" {
		c.Web3.DefaultSettlementChain = "base_sepolia"
	}
	if c.Web3.MaxAttempts <= 0 {
		c.Web3.MaxAttempts = 3
	}
	if c.Web3.RequestTimeoutMillis <= 0 {
		c.Web3.RequestTimeoutMillis = 8000
	}
	if c.Web3.PollIntervalMillis <= 0 {
		c.Web3.PollIntervalMillis = 1500
	}

	if c.Routing.SourceChain == "" {
		c.Routing.SourceChain = "solana_devnet"
	}
	if len(c.Routing.SettlementChains) == 0 {
		c.Routing.SettlementChains = []string{"base_sepolia", "sepolia"}
	}
	if c.Routing.StableSymbol == "" {
		c.Routing.StableSymbol = "USDC"
	}
	if c.Routing.MaxPerTxUSD <= 0 {
		c.Routing.MaxPerTxUSD = 1000
	}
	if c.Routing.AmountToleranceUSD <= 0 {
		c.Routing.AmountToleranceUSD = 0.01
	}
	if c.Routing.LookupLimit <= 0 {
		c.Routing.LookupLimit = 50
	}
	if c.Routing.ReceiptTimeoutSeconds <= 0 {
		c.Routing.ReceiptTimeoutSeconds = 20
	}
	if len(c.Routing.FundedInstruments) == 0 {
		c.Routing.FundedInstruments = []string{"perp", "defi", "event"}
	}

	if c.Policy.HighValueThresholdUSD <= 0 {
		c.Policy.HighValueThresholdUSD = 10000
	}

	if c.Finalizer.Schedule == "" {
		c.Finalizer.Schedule = "@every 1m"
	}
	if c.Finalizer.BatchSize <= 0 {
		c.Finalizer.BatchSize = 25
	}
	if c.Finalizer.Workers <= 0 {
		c.Finalizer.Workers = 2
	}
	if c.Finalizer.ReceiptTimeoutSeconds <= 0 {
		c.Finalizer.ReceiptTimeoutSeconds = 5
	}

	if c.Alerting.SlackWebhookURL == "" && c.Alerting.SlackWebhookURLEnv != "" {
		c.Alerting.SlackWebhookURL = os.Getenv(c.Alerting.SlackWebhookURLEnv)
	}
}

func resolveRedisPassword(cfg *RedisConfig) {
	if cfg.Password == "" && cfg.PasswordEnv != "" {
		cfg.Password = os.Getenv(cfg.PasswordEnv)
	}
}

// Validate 检查互相依赖的配置项。
func (c *Config) Validate() error {
	switch strings.ToLower(c.Storage.Ledger.Driver) {
	case "memory":
	case "mysql":
		if strings.TrimSpace(c.Storage.Ledger.DSN) == "" {
			return errors.New("storage.ledger.driver=mysql 时必须提供 dsn 或 dsn_env")
		}
	default:
		return fmt.Errorf("不支持的账本驱动: %s", c.Storage.Ledger.Driver)
	}
	switch strings.ToLower(c.Storage.Sessions.Driver) {
	case "memory":
	case "redis":
		if c.Storage.Sessions.Redis.Address == "" {
			return errors.New("storage.sessions.driver=redis 时必须提供 redis.address")
		}
	default:
		return fmt.Errorf("不支持的会话存储驱动: %s", c.Storage.Sessions.Driver)
	}
	switch strings.ToLower(c.Queue.Driver) {
	case "memory", "redis", "rabbitmq", "nats":
	default:
		return fmt.Errorf("不支持的队列驱动: %s", c.Queue.Driver)
	}
	if c.Routing.MaxPerTxUSD <= 0 {
		return errors.New("routing.max_per_tx_usd 必须大于 0")
	}
	return nil
}

// ReceiptTimeout 返回同步等待回执的时长。
func (r RoutingConfig) ReceiptTimeout() time.Duration {
	return time.Duration(r.ReceiptTimeoutSeconds) * time.Second
}

// ReceiptTimeout 返回对账时单笔回执的等待时长。
func (f FinalizerConfig) ReceiptTimeout() time.Duration {
	return time.Duration(f.ReceiptTimeoutSeconds) * time.Second
}

// TTL 返回会话上下文的过期时间。
func (s SessionsConfig) TTL() time.Duration {
	return time.Duration(s.TTLSeconds) * time.Second
}
