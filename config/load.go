package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"bbo-stream-go/infrastructure/logger"
)

// AppConfig 运行时配置。YAML 覆盖默认值，环境变量再覆盖 YAML。
type AppConfig struct {
	Env       string          `yaml:"env" env:"APP_ENV"`
	Feed      FeedConfig      `yaml:"feed"`
	Cache     CacheConfig     `yaml:"cache"`
	Broadcast BroadcastConfig `yaml:"broadcast"`
	Server    ServerConfig    `yaml:"server"`
	Alert     AlertConfig     `yaml:"alert"`
	Log       logger.Config   `yaml:"log"`
}

// FeedConfig 上游行情连接。时长类字段单位为秒，与部署环境变量保持一致。
type FeedConfig struct {
	BaseURL                  string   `yaml:"baseURL" env:"WEBSOCKET_BASE_URL"`
	Symbols                  []string `yaml:"symbols" env:"SYMBOLS" envSeparator:","`
	Symbol                   string   `yaml:"symbol" env:"SYMBOL"` // 单交易对写法，合并进 Symbols
	AutoReconnect            bool     `yaml:"autoReconnect" env:"AUTO_RECONNECT"`
	MaxRetries               int      `yaml:"maxRetries" env:"MAX_RETRIES"`
	InitialBackoffSec        float64  `yaml:"initialBackoffSec" env:"INITIAL_BACKOFF"`
	ExtendedBackoffThreshold int      `yaml:"extendedBackoffThreshold" env:"EXTENDED_BACKOFF_THRESHOLD"`
	ExtendedBackoffSec       float64  `yaml:"extendedBackoffSec" env:"EXTENDED_BACKOFF"`
	ConnectTimeoutSec        float64  `yaml:"connectTimeoutSec" env:"CONNECTION_TIMEOUT"`
	ReadTimeoutSec           float64  `yaml:"readTimeoutSec" env:"READ_TIMEOUT"`
	ConnectIntervalSec       float64  `yaml:"connectIntervalSec" env:"CONNECT_INTERVAL"`
	QueueSize                int      `yaml:"queueSize" env:"INGEST_QUEUE_SIZE"`
}

type CacheConfig struct {
	Dir            string  `yaml:"dir" env:"CACHE_DIR"`
	MaxItems       int     `yaml:"maxItems" env:"CACHE_MAX_ITEMS"`
	Persist        bool    `yaml:"persist" env:"CACHE_PERSIST"`
	CleanupHours   float64 `yaml:"cleanupHours" env:"CACHE_CLEANUP_HOURS"`
	RetentionHours float64 `yaml:"retentionHours" env:"CACHE_RETENTION_HOURS"`
}

type BroadcastConfig struct {
	ThrottleIntervalMs int `yaml:"throttleIntervalMs" env:"THROTTLE_INTERVAL_MS"`
	SendTimeoutMs      int `yaml:"sendTimeoutMs" env:"SEND_TIMEOUT_MS"`
	QueueSize          int `yaml:"queueSize" env:"BROADCAST_QUEUE_SIZE"`
	ClientBuffer       int `yaml:"clientBuffer" env:"CLIENT_SEND_BUFFER"`
}

type ServerConfig struct {
	HTTPAddr     string   `yaml:"httpAddr" env:"HTTP_ADDR"`
	MetricsAddr  string   `yaml:"metricsAddr" env:"METRICS_ADDR"`
	AllowOrigins []string `yaml:"allowOrigins" env:"CORS_ORIGINS" envSeparator:","`
}

type AlertConfig struct {
	ThrottleSec float64 `yaml:"throttleSec" env:"ALERT_THROTTLE"`
	Console     bool    `yaml:"console" env:"ALERT_CONSOLE"`
}

// Default 返回可直接运行的默认配置。
func Default() AppConfig {
	return AppConfig{
		Env: "dev",
		Feed: FeedConfig{
			BaseURL:                  "wss://fstream.binance.com/ws",
			Symbols:                  []string{"BTCUSDT", "ETHUSDT", "BNBUSDT", "XRPUSDT"},
			AutoReconnect:            true,
			MaxRetries:               10,
			InitialBackoffSec:        1,
			ExtendedBackoffThreshold: 3,
			ExtendedBackoffSec:       30,
			ConnectTimeoutSec:        30,
			ReadTimeoutSec:           30,
			ConnectIntervalSec:       5,
			QueueSize:                4096,
		},
		Cache: CacheConfig{
			Dir:            "data/cache",
			MaxItems:       1_000_000,
			Persist:        true,
			CleanupHours:   6,
			RetentionHours: 24,
		},
		Broadcast: BroadcastConfig{
			ThrottleIntervalMs: 100,
			SendTimeoutMs:      1000,
			QueueSize:          1024,
			ClientBuffer:       256,
		},
		Server: ServerConfig{
			HTTPAddr:    ":8080",
			MetricsAddr: ":9100",
		},
		Alert: AlertConfig{ThrottleSec: 300},
		Log:   logger.DefaultConfig(),
	}
}

// Load 读取 YAML 配置（覆盖默认值）并校验。
func Load(path string) (AppConfig, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse yaml: %w", err)
	}
	cfg.normalize()
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadWithEnvOverrides 加载配置后用环境变量覆盖。path 为空时只用默认值与环境变量。
func LoadWithEnvOverrides(path string) (AppConfig, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("parse yaml: %w", err)
		}
	}
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}
	cfg.normalize()
	return cfg, Validate(cfg)
}

// normalize 合并单交易对写法并统一大写去重。
func (c *AppConfig) normalize() {
	all := append([]string{}, c.Feed.Symbols...)
	if c.Feed.Symbol != "" {
		all = append([]string{c.Feed.Symbol}, all...)
	}
	seen := make(map[string]bool, len(all))
	out := make([]string, 0, len(all))
	for _, s := range all {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	c.Feed.Symbols = out
	c.Feed.Symbol = ""
}

// DefaultSymbol 首个交易对，用于未指定订阅的客户端。
func (c AppConfig) DefaultSymbol() string {
	if len(c.Feed.Symbols) == 0 {
		return ""
	}
	return c.Feed.Symbols[0]
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

func (f FeedConfig) InitialBackoff() time.Duration  { return seconds(f.InitialBackoffSec) }
func (f FeedConfig) ExtendedBackoff() time.Duration { return seconds(f.ExtendedBackoffSec) }
func (f FeedConfig) ConnectTimeout() time.Duration  { return seconds(f.ConnectTimeoutSec) }
func (f FeedConfig) ReadTimeout() time.Duration     { return seconds(f.ReadTimeoutSec) }
func (f FeedConfig) ConnectInterval() time.Duration { return seconds(f.ConnectIntervalSec) }

func (c CacheConfig) CleanupInterval() time.Duration {
	return time.Duration(c.CleanupHours * float64(time.Hour))
}

func (c CacheConfig) Retention() time.Duration {
	return time.Duration(c.RetentionHours * float64(time.Hour))
}

func (b BroadcastConfig) ThrottleInterval() time.Duration {
	return time.Duration(b.ThrottleIntervalMs) * time.Millisecond
}

func (b BroadcastConfig) SendTimeout() time.Duration {
	return time.Duration(b.SendTimeoutMs) * time.Millisecond
}

func (a AlertConfig) Throttle() time.Duration { return seconds(a.ThrottleSec) }
