package market

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"bbo-stream-go/gateway"
	"bbo-stream-go/infrastructure/monitor"
)

// Appender 接收归一化后的记录（缓存写入），必须是快速、非阻塞的调用。
type Appender interface {
	Append(u BBOUpdate)
}

// Publisher 广播输入队列，Offer 不得阻塞。
type Publisher interface {
	Offer(u BBOUpdate)
}

// Normalizer 把原始 bookTicker 帧转换为 BBOUpdate，并同时交给缓存与广播。
type Normalizer struct {
	cache   Appender
	pub     Publisher
	logger  *zap.Logger
	monitor *monitor.Monitor
	now     func() time.Time

	lastServerTS int64
	done         chan struct{}
}

func NewNormalizer(cache Appender, pub Publisher, logger *zap.Logger, mon *monitor.Monitor) *Normalizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Normalizer{
		cache:   cache,
		pub:     pub,
		logger:  logger,
		monitor: mon,
		now:     time.Now,
		done:    make(chan struct{}),
	}
}

// Run 消费 in 直到其被关闭；ctx 取消不会中断，保证关闭前的帧全部处理完。
func (n *Normalizer) Run(in <-chan gateway.RawMessage) {
	defer close(n.done)
	for raw := range in {
		n.Handle(raw)
	}
}

// Done 在 Run 退出后关闭。
func (n *Normalizer) Done() <-chan struct{} {
	return n.done
}

// Wait 等待 Run 退出或 ctx 结束。
func (n *Normalizer) Wait(ctx context.Context) error {
	select {
	case <-n.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Handle 处理单帧，返回生成的记录；被过滤或解析失败时 ok=false。
func (n *Normalizer) Handle(raw gateway.RawMessage) (BBOUpdate, bool) {
	bt, err := gateway.ParseBookTicker(raw.Data)
	if err != nil {
		if errors.Is(err, gateway.ErrNotBookTicker) {
			n.monitor.RecordDropped("filtered")
			return BBOUpdate{}, false
		}
		n.monitor.RecordDropped("malformed")
		n.logger.Warn("drop malformed message",
			zap.String("symbol", raw.Symbol),
			zap.ByteString("raw", truncate(raw.Data, 256)),
			zap.Error(err))
		return BBOUpdate{}, false
	}

	// 保证同一进程内 serverTS 单调不减
	serverTS := n.now().UnixMilli()
	if serverTS < n.lastServerTS {
		serverTS = n.lastServerTS
	}
	n.lastServerTS = serverTS

	u := BBOUpdate{
		Symbol:   bt.Symbol,
		BidPrice: bt.BidPrice,
		BidQty:   bt.BidQty,
		AskPrice: bt.AskPrice,
		AskQty:   bt.AskQty,
		ServerTS: serverTS,
	}
	if ts, ok := bt.ExchangeTime(); ok {
		u.ExchangeTS = ts
		u.LatencyMs = latencyFor(serverTS, ts)
	} else {
		u.ExchangeTS = serverTS
	}

	if n.cache != nil {
		n.cache.Append(u)
	}
	if n.pub != nil {
		n.pub.Offer(u)
	}
	n.monitor.RecordMessage(u.Symbol, u.LatencyMs)
	return u, true
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
