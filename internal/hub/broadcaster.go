package hub

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"bbo-stream-go/infrastructure/monitor"
	"bbo-stream-go/market"
)

const (
	DefaultThrottleInterval = 100 * time.Millisecond
	DefaultSendTimeout      = time.Second
	DefaultQueueSize        = 1024
)

// BroadcasterConfig 广播参数。
type BroadcasterConfig struct {
	Interval    time.Duration
	SendTimeout time.Duration
	QueueSize   int
}

// Broadcaster 节流广播：每个窗口内只下发每个交易对的最新一条。
//
// 同一时刻最多一次 flush，两次 flush 间隔不小于 Interval；
// 未发出的值最迟在窗口结束时发出。单个订阅者的失败或阻塞不影响其他订阅者。
type Broadcaster struct {
	registry    *Registry
	logger      *zap.Logger
	monitor     *monitor.Monitor
	in          chan market.BBOUpdate
	interval    atomic.Int64
	sendTimeout time.Duration
	now         func() time.Time

	// 以下字段只在 Run 所在 goroutine 访问
	pending    map[string]market.BBOUpdate
	lastSentAt time.Time
	timer      *time.Timer
	armed      bool

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewBroadcaster(reg *Registry, cfg BroadcasterConfig, logger *zap.Logger, mon *monitor.Monitor) *Broadcaster {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultThrottleInterval
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultSendTimeout
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	b := &Broadcaster{
		registry:    reg,
		logger:      logger.Named("broadcast"),
		monitor:     mon,
		in:          make(chan market.BBOUpdate, cfg.QueueSize),
		sendTimeout: cfg.SendTimeout,
		now:         time.Now,
		pending:     make(map[string]market.BBOUpdate),
	}
	b.interval.Store(int64(cfg.Interval))
	return b
}

// Offer 非阻塞入队。队列满时丢弃最旧的一条再入队，保证最新值不丢。
func (b *Broadcaster) Offer(u market.BBOUpdate) {
	select {
	case b.in <- u:
		return
	default:
	}
	select {
	case <-b.in:
		b.monitor.RecordFanoutDrop()
	default:
	}
	select {
	case b.in <- u:
	default:
		// 并发 Offer 抢占了空位
		b.monitor.RecordFanoutDrop()
	}
}

// SetInterval 热更新节流间隔。
func (b *Broadcaster) SetInterval(d time.Duration) {
	if d > 0 {
		b.interval.Store(int64(d))
	}
}

func (b *Broadcaster) Interval() time.Duration {
	return time.Duration(b.interval.Load())
}

// Start 启动后台循环。
func (b *Broadcaster) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	b.mu.Lock()
	b.cancel = cancel
	b.done = done
	b.mu.Unlock()
	go func() {
		defer close(done)
		b.Run(runCtx)
	}()
	return nil
}

// Stop 停止循环；循环退出前会把已入队的数据做最后一次 flush。
func (b *Broadcaster) Stop() error {
	b.mu.Lock()
	cancel, done := b.cancel, b.done
	b.cancel = nil
	b.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}

func (b *Broadcaster) Health() error { return nil }

// Run 阻塞运行直到 ctx 取消。
func (b *Broadcaster) Run(ctx context.Context) {
	b.lastSentAt = b.now()
	b.timer = time.NewTimer(time.Hour)
	b.timer.Stop()
	defer b.timer.Stop()

	for {
		select {
		case <-ctx.Done():
			b.drain()
			return
		case u := <-b.in:
			b.handle(u)
		case <-b.timer.C:
			b.armed = false
			b.onTimer()
		}
	}
}

// handle 覆盖该交易对的待发值，窗口已过则立即 flush，否则等定时器。
func (b *Broadcaster) handle(u market.BBOUpdate) {
	b.pending[u.Symbol] = u
	now := b.now()
	if wait := b.Interval() - now.Sub(b.lastSentAt); wait > 0 {
		b.arm(wait)
		return
	}
	b.flush(now)
}

func (b *Broadcaster) onTimer() {
	if len(b.pending) == 0 {
		return
	}
	now := b.now()
	if wait := b.Interval() - now.Sub(b.lastSentAt); wait > 0 {
		b.arm(wait)
		return
	}
	b.flush(now)
}

func (b *Broadcaster) arm(d time.Duration) {
	if b.armed || b.timer == nil {
		return
	}
	b.timer.Reset(d)
	b.armed = true
}

// drain 退出前收掉队列里剩余的数据并忽略节流做一次 flush。
func (b *Broadcaster) drain() {
	for {
		select {
		case u := <-b.in:
			b.pending[u.Symbol] = u
		default:
			if len(b.pending) > 0 {
				b.flush(b.now())
			}
			return
		}
	}
}

type frame struct {
	symbol  string
	payload []byte
}

func (b *Broadcaster) flush(now time.Time) {
	symbols := make([]string, 0, len(b.pending))
	for sym := range b.pending {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)

	frames := make([]frame, 0, len(symbols))
	for _, sym := range symbols {
		payload, err := Encode(EventBBOUpdate, b.pending[sym])
		if err != nil {
			b.logger.Error("encode update failed", zap.String("symbol", sym), zap.Error(err))
			continue
		}
		frames = append(frames, frame{symbol: sym, payload: payload})
	}
	clear(b.pending)
	b.lastSentAt = now
	b.monitor.RecordBroadcast()

	b.deliver(frames)
}

// deliver 每个订阅者一个 goroutine，整体耗时受 sendTimeout 约束。
func (b *Broadcaster) deliver(frames []frame) {
	if len(frames) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), b.sendTimeout)
	defer cancel()

	var wg sync.WaitGroup
	for _, s := range b.registry.List() {
		if !s.Alive() {
			continue
		}
		wg.Add(1)
		go func(s Subscriber) {
			defer wg.Done()
			want := s.Symbol()
			for _, f := range frames {
				if want != "" && want != f.symbol {
					continue
				}
				if err := s.Send(ctx, f.payload); err != nil {
					b.monitor.RecordDeliveryFailure()
					b.logger.Debug("deliver failed",
						zap.String("client_id", s.ID()),
						zap.String("symbol", f.symbol),
						zap.Error(err))
					return
				}
			}
		}(s)
	}
	wg.Wait()
}
