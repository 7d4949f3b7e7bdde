package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// EnvConfigPath 是配置文件路径的环境变量名。
const EnvConfigPath = "A2A_CONFIG"

// Config 描述守护进程在启动阶段需要加载的全部配置。
type Config struct {
	Server       ServerConfig       `json:"server"`
	Logging      LoggingConfig      `json:"logging"`
	Registry     RegistryConfig     `json:"registry"`
	Audit        AuditQueueConfig   `json:"audit"`
	Token        TokenConfig        `json:"token"`
	Orchestrator OrchestratorConfig `json:"orchestrator"`
	Metrics      MetricsConfig      `json:"metrics"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address string `json:"address"`
}

// LoggingConfig 控制结构化日志与审计日志的输出。
type LoggingConfig struct {
	Level       string         `json:"level"`
	Format      string         `json:"format"`
	OutputPaths []string       `json:"output_paths"`
	AuditLog    AuditLogConfig `json:"audit_log"`
}

// AuditLogConfig 控制审计日志文件的滚动策略。
type AuditLogConfig struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
}

// RegistryConfig 选择身份注册表的持久化后端。
type RegistryConfig struct {
	// Driver 取值 memory、mysql 或 ethereum。
	Driver   string         `json:"driver"`
	AdminDID string         `json:"admin_did"`
	MySQL    MySQLConfig    `json:"mysql"`
	Ethereum EthereumConfig `json:"ethereum"`
}

// MySQLConfig 描述 MySQL 后端的连接参数。
type MySQLConfig struct {
	DSN             string `json:"dsn"`
	MaxOpenConns    int    `json:"max_open_conns"`
	MaxIdleConns    int    `json:"max_idle_conns"`
	ConnMaxLifetime int    `json:"conn_max_lifetime_sec"`
	ConnMaxIdleTime int    `json:"conn_max_idle_time_sec"`
}

// EthereumConfig 描述链上注册表后端。管理员私钥从 AdminKeyEnv 指定的
// 环境变量读取。
type EthereumConfig struct {
	ChainConfig     string `json:"chain_config"`
	Chain           string `json:"chain"`
	RPCURL          string `json:"rpc_url"`
	ChainID         int64  `json:"chain_id"`
	ContractAddress string `json:"contract_address"`
	AdminKeyEnv     string `json:"admin_key_env"`
	MaxAttempts     int    `json:"max_attempts"`
	RetryInterval   int    `json:"retry_interval_sec"`
}

// AuditQueueConfig 选择审计事件队列的承载方式。
type AuditQueueConfig struct {
	// Driver 取值 memory、redis 或 rabbitmq。
	Driver     string         `json:"driver"`
	BufferSize int            `json:"buffer_size"`
	Redis      RedisConfig    `json:"redis"`
	RabbitMQ   RabbitMQConfig `json:"rabbitmq"`
}

// RedisConfig 描述 Redis 队列的连接参数。
type RedisConfig struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	Queue    string `json:"queue"`
}

// RabbitMQConfig 描述 RabbitMQ 队列的连接参数。
type RabbitMQConfig struct {
	URL      string `json:"url"`
	Queue    string `json:"queue"`
	Prefetch int    `json:"prefetch"`
	Durable  bool   `json:"durable"`
}

// TokenConfig 描述令牌签发参数。编排器私钥从 SigningKeyEnv 指定的
// 环境变量读取。
type TokenConfig struct {
	OrchestratorDID string `json:"orchestrator_did"`
	SigningKeyEnv   string `json:"signing_key_env"`
	TTLSeconds      int64  `json:"ttl_sec"`
}

// OrchestratorConfig 描述编排器的调度参数与两个协作代理的接入方式。
type OrchestratorConfig struct {
	CallTimeout int                `json:"call_timeout_sec"`
	Expert      CollaboratorConfig `json:"expert"`
	Risk        CollaboratorConfig `json:"risk"`
}

// CollaboratorConfig 描述单个协作代理。Endpoint 为空时使用进程内实现。
type CollaboratorConfig struct {
	DID      string `json:"did"`
	Endpoint string `json:"endpoint"`
	Timeout  int    `json:"timeout_sec"`
}

// MetricsConfig 控制独立的指标服务。
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Address string `json:"address"`
}

// ResolvePath 返回配置文件路径：显式参数优先，其次取 A2A_CONFIG。
func ResolvePath(explicit string) string {
	if explicit != "" {
		return explicit
	}
	return os.Getenv(EnvConfigPath)
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

	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if len(c.Logging.OutputPaths) == 0 {
		c.Logging.OutputPaths = []string{"stdout"}
	}
	if c.Logging.AuditLog.Enabled {
		if c.Logging.AuditLog.Path == "" {
			c.Logging.AuditLog.Path = filepath.Join(baseDir, "logs", "audit.log")
		} else if !filepath.IsAbs(c.Logging.AuditLog.Path) {
			c.Logging.AuditLog.Path = filepath.Join(baseDir, c.Logging.AuditLog.Path)
		}
	}

	if c.Registry.Driver == "" {
		c.Registry.Driver = "memory"
	}
	if c.Registry.Ethereum.AdminKeyEnv == "" {
		c.Registry.Ethereum.AdminKeyEnv = "A2A_ADMIN_KEY"
	}
	if c.Registry.Ethereum.ChainConfig != "" && !filepath.IsAbs(c.Registry.Ethereum.ChainConfig) {
		c.Registry.Ethereum.ChainConfig = filepath.Join(baseDir, c.Registry.Ethereum.ChainConfig)
	}

	if c.Audit.Driver == "" {
		c.Audit.Driver = "memory"
	}
	if c.Audit.BufferSize <= 0 {
		c.Audit.BufferSize = 1024
	}

	if c.Token.SigningKeyEnv == "" {
		c.Token.SigningKeyEnv = "A2A_ORCHESTRATOR_KEY"
	}
	if c.Token.TTLSeconds <= 0 {
		c.Token.TTLSeconds = 300
	}

	if c.Orchestrator.CallTimeout <= 0 {
		c.Orchestrator.CallTimeout = 30
	}
	if c.Orchestrator.Expert.Timeout <= 0 {
		c.Orchestrator.Expert.Timeout = c.Orchestrator.CallTimeout
	}
	if c.Orchestrator.Risk.Timeout <= 0 {
		c.Orchestrator.Risk.Timeout = c.Orchestrator.CallTimeout
	}

	if c.Metrics.Enabled && c.Metrics.Address == "" {
		c.Metrics.Address = ":9090"
	}
}
