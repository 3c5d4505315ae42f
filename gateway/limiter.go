package gateway

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter 控制连接尝试速率，避免被交易所按 IP 限流。*rate.Limiter 直接满足该接口。
type RateLimiter interface {
	Wait(ctx context.Context) error
}

// NewIntervalLimiter 每 interval 最多放行一次；interval <= 0 时不限速。
func NewIntervalLimiter(interval time.Duration) *rate.Limiter {
	if interval <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(interval), 1)
}
