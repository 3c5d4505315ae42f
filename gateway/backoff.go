package gateway

import "time"

// Backoff 重连退避策略：前 ExtendedThreshold 次失败指数增长，之后保持固定的扩展延迟。
type Backoff struct {
	Initial           time.Duration
	ExtendedThreshold int
	Extended          time.Duration
}

// MaxExponentialDelay 指数段的上限，阈值再大也不会移位溢出。
const MaxExponentialDelay = time.Hour

// DefaultBackoff 1s 起步，第 3 次之后固定 30s。
func DefaultBackoff() Backoff {
	return Backoff{
		Initial:           time.Second,
		ExtendedThreshold: 3,
		Extended:          30 * time.Second,
	}
}

// Delay 返回第 failures 次连续失败后的等待时间，failures 从 1 开始。
func (b Backoff) Delay(failures int) time.Duration {
	if failures < 1 {
		failures = 1
	}
	initial := b.Initial
	if initial <= 0 {
		initial = time.Second
	}
	threshold := b.ExtendedThreshold
	if threshold < 1 {
		threshold = 1
	}
	if failures <= threshold {
		return grow(initial, failures-1)
	}
	// 超过阈值后不再增长，且不低于阈值处的指数延迟
	peak := grow(initial, threshold-1)
	if b.Extended > peak {
		return b.Extended
	}
	return peak
}

// grow 返回 initial * 2^n，封顶 MaxExponentialDelay。
func grow(initial time.Duration, n int) time.Duration {
	d := initial
	for i := 0; i < n && d < MaxExponentialDelay; i++ {
		d *= 2
	}
	if d > MaxExponentialDelay {
		return MaxExponentialDelay
	}
	return d
}
