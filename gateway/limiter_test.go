package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func TestIntervalLimiterReserve(t *testing.T) {
	now := time.Unix(1700000000, 0)
	l := NewIntervalLimiter(5 * time.Second)

	assert.Equal(t, rate.Every(5*time.Second), l.Limit())
	assert.Equal(t, 1, l.Burst())

	first := l.ReserveN(now, 1)
	require.True(t, first.OK())
	assert.Equal(t, time.Duration(0), first.DelayFrom(now), "首次连接立即放行")

	second := l.ReserveN(now, 1)
	require.True(t, second.OK())
	assert.Equal(t, 5*time.Second, second.DelayFrom(now), "紧接着的第二次需等满间隔")

	// 空闲足够久后令牌补满
	later := now.Add(20 * time.Second)
	assert.Equal(t, time.Duration(0), l.ReserveN(later, 1).DelayFrom(later))
}

func TestIntervalLimiterUnlimited(t *testing.T) {
	l := NewIntervalLimiter(0)
	assert.Equal(t, rate.Inf, l.Limit())
	for i := 0; i < 100; i++ {
		require.NoError(t, l.Wait(context.Background()))
	}
}

func TestIntervalLimiterWaitCancelled(t *testing.T) {
	l := NewIntervalLimiter(time.Hour)
	require.NoError(t, l.Wait(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Error(t, l.Wait(ctx), "令牌耗尽时应随 ctx 返回")
}

func TestIntervalLimiterSatisfiesRateLimiter(t *testing.T) {
	var _ RateLimiter = NewIntervalLimiter(time.Second)
}
