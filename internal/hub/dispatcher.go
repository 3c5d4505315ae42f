package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"bbo-stream-go/market"
)

const (
	welcomeMessage = "Welcome to Binance BBO Stream"
	waitingMessage = "Waiting for data..."
)

// HandlerFunc 处理一个入站事件。
type HandlerFunc func(ctx context.Context, s Subscriber, data json.RawMessage) error

// LatestSource 提供某交易对最近一条行情，由缓存实现。
type LatestSource interface {
	Latest(symbol string) (market.BBOUpdate, bool)
}

// EventSink 结构化事件回调。
type EventSink func(event string, fields map[string]interface{})

// Dispatcher 事件名到处理函数的显式映射表。
type Dispatcher struct {
	registry      *Registry
	latest        LatestSource
	defaultSymbol string
	logger        *zap.Logger
	sink          EventSink
	now           func() time.Time

	mu       sync.RWMutex
	handlers map[EventType]HandlerFunc
}

func NewDispatcher(reg *Registry, latest LatestSource, defaultSymbol string, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Dispatcher{
		registry:      reg,
		latest:        latest,
		defaultSymbol: strings.ToUpper(defaultSymbol),
		logger:        logger.Named("dispatch"),
		now:           time.Now,
		handlers:      make(map[EventType]HandlerFunc),
	}
	d.Handle(EventConnect, d.onConnect)
	d.Handle(EventDisconnect, d.onDisconnect)
	d.Handle(EventReady, d.onInitialData)
	d.Handle(EventRequestInitialData, d.onInitialData)
	d.Handle(EventPing, d.onPing)
	d.Handle(EventSubscribe, d.onSubscribe)
	return d
}

// SetEventSink 需在开始服务前调用。
func (d *Dispatcher) SetEventSink(fn EventSink) {
	d.sink = fn
}

// Handle 注册或替换一个事件处理函数。
func (d *Dispatcher) Handle(event EventType, fn HandlerFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[event] = fn
}

// Dispatch 路由一个事件。未知事件回复 error 帧。
func (d *Dispatcher) Dispatch(ctx context.Context, s Subscriber, in Inbound) error {
	d.mu.RLock()
	fn, ok := d.handlers[in.Event]
	d.mu.RUnlock()
	if !ok {
		return d.reply(ctx, s, EventError, ErrorData{Message: fmt.Sprintf("unknown event %q", in.Event)})
	}
	return fn(ctx, s, in.Data)
}

func (d *Dispatcher) emit(event string, fields map[string]interface{}) {
	if d.sink != nil {
		d.sink(event, fields)
	}
}

func (d *Dispatcher) reply(ctx context.Context, s Subscriber, event EventType, data interface{}) error {
	msg, err := Encode(event, data)
	if err != nil {
		return err
	}
	return s.Send(ctx, msg)
}

func (d *Dispatcher) onConnect(ctx context.Context, s Subscriber, _ json.RawMessage) error {
	n := d.registry.Register(s)
	d.emit("subscriber_connect", map[string]interface{}{"clientId": s.ID(), "clients": n})

	if err := d.reply(ctx, s, EventWelcome, WelcomeData{Message: welcomeMessage, ClientID: s.ID()}); err != nil {
		return err
	}
	if err := d.reply(ctx, s, EventConnectionStatus, ConnectionStatusData{
		Status:    "connected",
		Connected: true,
		Clients:   n,
		Timestamp: d.now().UnixMilli(),
	}); err != nil {
		return err
	}
	// 有数据就先推一条，没有也不提示，客户端会再发 request_initial_data
	if u, ok := d.latestFor(s); ok {
		return d.reply(ctx, s, EventBBOUpdate, u)
	}
	return nil
}

func (d *Dispatcher) onDisconnect(_ context.Context, s Subscriber, _ json.RawMessage) error {
	// 只注销本连接自己，重复或过期的断开事件不影响同 ID 的新订阅者
	if cur, ok := d.registry.Get(s.ID()); !ok || cur != s {
		return nil
	}
	if d.registry.Unregister(s.ID()) {
		d.emit("subscriber_disconnect", map[string]interface{}{"clientId": s.ID(), "clients": d.registry.Count()})
	}
	return nil
}

func (d *Dispatcher) onInitialData(ctx context.Context, s Subscriber, _ json.RawMessage) error {
	if u, ok := d.latestFor(s); ok {
		return d.reply(ctx, s, EventBBOUpdate, u)
	}
	return d.reply(ctx, s, EventStatus, StatusData{Message: waitingMessage})
}

func (d *Dispatcher) onPing(ctx context.Context, s Subscriber, data json.RawMessage) error {
	var p PingData
	if len(data) > 0 {
		if err := json.Unmarshal(data, &p); err != nil {
			return d.reply(ctx, s, EventError, ErrorData{Message: "invalid ping payload"})
		}
	}
	if p.Time == 0 {
		p.Time = d.now().UnixMilli()
	}
	return d.reply(ctx, s, EventPong, p)
}

func (d *Dispatcher) onSubscribe(ctx context.Context, s Subscriber, data json.RawMessage) error {
	var req SubscribeData
	if len(data) == 0 || json.Unmarshal(data, &req) != nil {
		return d.reply(ctx, s, EventError, ErrorData{Message: "invalid subscribe payload"})
	}
	s.SetSymbol(strings.ToUpper(strings.TrimSpace(req.Symbol)))
	return d.onInitialData(ctx, s, nil)
}

func (d *Dispatcher) latestFor(s Subscriber) (market.BBOUpdate, bool) {
	if d.latest == nil {
		return market.BBOUpdate{}, false
	}
	sym := s.Symbol()
	if sym == "" {
		sym = d.defaultSymbol
	}
	if sym == "" {
		return market.BBOUpdate{}, false
	}
	return d.latest.Latest(sym)
}
