package config

import (
	"fmt"
	"net/url"
	"regexp"

	"go.uber.org/zap/zapcore"
)

// ErrInvalid 用于参数验证错误。
type ErrInvalid string

func (e ErrInvalid) Error() string { return string(e) }

// MaxExtendedBackoffThreshold 指数退避段允许的最多次数。
const MaxExtendedBackoffThreshold = 20

var symbolPattern = regexp.MustCompile(`^[A-Z0-9]{2,20}$`)

// Validate 校验启动必需的参数，失败即视为配置致命错误。
func Validate(cfg AppConfig) error {
	if len(cfg.Feed.Symbols) == 0 {
		return ErrInvalid("feed.symbols is required")
	}
	for _, s := range cfg.Feed.Symbols {
		if !symbolPattern.MatchString(s) {
			return ErrInvalid(fmt.Sprintf("feed.symbols: invalid symbol %q", s))
		}
	}
	u, err := url.Parse(cfg.Feed.BaseURL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		return ErrInvalid(fmt.Sprintf("feed.baseURL must be a ws:// or wss:// URL, got %q", cfg.Feed.BaseURL))
	}
	if !cfg.Feed.AutoReconnect && cfg.Feed.MaxRetries <= 0 {
		return ErrInvalid("feed.maxRetries must be > 0 when autoReconnect is off")
	}
	if cfg.Feed.InitialBackoffSec <= 0 {
		return ErrInvalid("feed.initialBackoffSec must be > 0")
	}
	if cfg.Feed.ExtendedBackoffThreshold < 1 || cfg.Feed.ExtendedBackoffThreshold > MaxExtendedBackoffThreshold {
		return ErrInvalid(fmt.Sprintf("feed.extendedBackoffThreshold must be in [1, %d]", MaxExtendedBackoffThreshold))
	}
	if cfg.Feed.ExtendedBackoffSec <= 0 {
		return ErrInvalid("feed.extendedBackoffSec must be > 0")
	}
	if cfg.Feed.ConnectTimeoutSec <= 0 || cfg.Feed.ReadTimeoutSec <= 0 {
		return ErrInvalid("feed timeouts must be > 0")
	}
	if cfg.Feed.ConnectIntervalSec < 0 {
		return ErrInvalid("feed.connectIntervalSec must be >= 0")
	}
	if cfg.Feed.QueueSize <= 0 {
		return ErrInvalid("feed.queueSize must be > 0")
	}
	if cfg.Cache.MaxItems <= 0 {
		return ErrInvalid("cache.maxItems must be > 0")
	}
	if cfg.Cache.Persist && cfg.Cache.Dir == "" {
		return ErrInvalid("cache.dir is required when persistence is enabled")
	}
	if cfg.Cache.CleanupHours <= 0 || cfg.Cache.RetentionHours <= 0 {
		return ErrInvalid("cache.cleanupHours and cache.retentionHours must be > 0")
	}
	if cfg.Broadcast.ThrottleIntervalMs <= 0 {
		return ErrInvalid("broadcast.throttleIntervalMs must be > 0")
	}
	if cfg.Broadcast.SendTimeoutMs <= 0 || cfg.Broadcast.QueueSize <= 0 || cfg.Broadcast.ClientBuffer <= 0 {
		return ErrInvalid("broadcast.sendTimeoutMs, queueSize and clientBuffer must be > 0")
	}
	if cfg.Server.HTTPAddr == "" {
		return ErrInvalid("server.httpAddr is required")
	}
	if _, err := zapcore.ParseLevel(cfg.Log.Level); err != nil {
		return ErrInvalid(fmt.Sprintf("log.level: %v", err))
	}
	return nil
}
