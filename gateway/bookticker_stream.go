package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// BinanceFuturesWSEndpoint U 本位合约单流地址。
const BinanceFuturesWSEndpoint = "wss://fstream.binance.com/ws"

// ErrRetriesExhausted 关闭自动重连时，连续失败次数用尽。
var ErrRetriesExhausted = errors.New("bookTicker stream retries exhausted")

// RawMessage 上游原始帧，交给 Normalizer 解析。
type RawMessage struct {
	Symbol     string
	Data       []byte
	ReceivedAt time.Time
}

// StreamConfig 单个交易对的连接参数。
type StreamConfig struct {
	BaseURL         string
	Symbol          string
	AutoReconnect   bool // true 时无限重试；false 时最多 MaxRetries 次连续失败
	MaxRetries      int
	Backoff         Backoff
	ConnectTimeout  time.Duration
	ReadTimeout     time.Duration
	ConnectInterval time.Duration // 两次连接尝试的最小间隔
}

// BookTickerStream 维护单个交易对的 bookTicker 连接，断线后按退避策略重连。
// 只负责把原始帧写入 out，不接触缓存。
type BookTickerStream struct {
	cfg     StreamConfig
	dialer  *websocket.Dialer
	limiter RateLimiter
	out     chan<- RawMessage
	logger  *zap.Logger
	onState StateChangeFunc
	sleep   func(ctx context.Context, d time.Duration) error

	mu    sync.RWMutex
	state ConnState
}

func NewBookTickerStream(cfg StreamConfig, out chan<- RawMessage, logger *zap.Logger) *BookTickerStream {
	if cfg.BaseURL == "" {
		cfg.BaseURL = BinanceFuturesWSEndpoint
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BookTickerStream{
		cfg:     cfg,
		dialer:  &websocket.Dialer{HandshakeTimeout: cfg.ConnectTimeout},
		limiter: NewIntervalLimiter(cfg.ConnectInterval),
		out:     out,
		logger:  logger.With(zap.String("symbol", strings.ToUpper(cfg.Symbol))),
		sleep:   sleepCtx,
		state:   StateDisconnected,
	}
}

// OnStateChange 注册状态切换回调，需在 Run 之前调用。
func (s *BookTickerStream) OnStateChange(fn StateChangeFunc) {
	s.onState = fn
}

// Symbol 返回大写交易对。
func (s *BookTickerStream) Symbol() string {
	return strings.ToUpper(s.cfg.Symbol)
}

// URL 返回 <base>/<symbol>@bookTicker。
func (s *BookTickerStream) URL() string {
	return strings.TrimRight(s.cfg.BaseURL, "/") + "/" + strings.ToLower(s.cfg.Symbol) + "@bookTicker"
}

func (s *BookTickerStream) State() ConnState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *BookTickerStream) setState(to ConnState) {
	s.mu.Lock()
	from := s.state
	s.state = to
	s.mu.Unlock()
	if from == to {
		return
	}
	if s.onState != nil {
		s.onState(s.Symbol(), from, to)
	}
}

// Run 阻塞执行连接/读取/退避循环。ctx 取消时返回 nil；
// 关闭自动重连且失败次数用尽时返回 ErrRetriesExhausted。两种情况最终都进入 STOPPED。
func (s *BookTickerStream) Run(ctx context.Context) error {
	defer s.setState(StateStopped)

	failures := 0
	for {
		if ctx.Err() != nil {
			return nil
		}
		if err := s.limiter.Wait(ctx); err != nil {
			return nil
		}

		s.setState(StateConnecting)
		conn, err := s.dial(ctx)
		if err == nil {
			failures = 0
			s.setState(StateConnected)
			s.logger.Info("bookTicker connected", zap.String("url", s.URL()))
			err = s.readLoop(ctx, conn)
		}
		if ctx.Err() != nil {
			return nil
		}

		failures++
		if !s.cfg.AutoReconnect && failures >= s.maxRetries() {
			s.logger.Error("bookTicker retries exhausted", zap.Int("failures", failures), zap.Error(err))
			return fmt.Errorf("%w after %d failures: %w", ErrRetriesExhausted, failures, err)
		}

		s.setState(StateBackoff)
		delay := s.cfg.Backoff.Delay(failures)
		s.logger.Warn("bookTicker disconnected, backing off",
			zap.Int("failures", failures),
			zap.Duration("delay", delay),
			zap.Error(err))
		if err := s.sleep(ctx, delay); err != nil {
			return nil
		}
	}
}

func (s *BookTickerStream) maxRetries() int {
	if s.cfg.MaxRetries < 1 {
		return 1
	}
	return s.cfg.MaxRetries
}

// dial 握手失败（含非 101 响应）一律视为传输错误。
func (s *BookTickerStream) dial(ctx context.Context) (*websocket.Conn, error) {
	dctx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()
	conn, resp, err := s.dialer.DialContext(dctx, s.URL(), nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: handshake status %d: %w", s.URL(), resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial %s: %w", s.URL(), err)
	}
	return conn, nil
}

func (s *BookTickerStream) readLoop(ctx context.Context, conn *websocket.Conn) error {
	defer conn.Close()
	// ctx 结束时关闭连接，打断阻塞中的 ReadMessage
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	deadline := func() { _ = conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout)) }
	deadline()
	conn.SetPingHandler(func(appData string) error {
		deadline()
		err := conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(time.Second))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})
	conn.SetPongHandler(func(string) error {
		deadline()
		return nil
	})

	symbol := s.Symbol()
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read %s: %w", symbol, err)
		}
		deadline()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		select {
		case s.out <- RawMessage{Symbol: symbol, Data: msg, ReceivedAt: time.Now()}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
