package container

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	appconfig "bbo-stream-go/config"
	"bbo-stream-go/gateway"
	"bbo-stream-go/infrastructure/alert"
	"bbo-stream-go/infrastructure/logger"
	"bbo-stream-go/infrastructure/monitor"
	hotreload "bbo-stream-go/internal/config"
	"bbo-stream-go/internal/hub"
	"bbo-stream-go/internal/query"
	"bbo-stream-go/internal/store"
	"bbo-stream-go/market"
	"bbo-stream-go/metrics"
)

const consoleChannel = "console"

// Container 依赖注入容器，持有整条 接入 -> 缓存 -> 广播 链路的全部组件。
type Container struct {
	cfg        appconfig.AppConfig
	configPath string

	// 基础设施
	logger  *logger.Logger
	monitor *monitor.Monitor
	alerts  *alert.Manager

	// 核心组件
	store        *store.Store
	cacheManager *store.Manager
	registry     *hub.Registry
	broadcaster  *hub.Broadcaster
	dispatcher   *hub.Dispatcher
	wsServer     *hub.Server
	query        *query.Service
	normalizer   *market.Normalizer
	raw          chan gateway.RawMessage
	ingest       *ingestComponent
	reloader     *hotreload.HotReloader

	// HTTP
	apiServer     *httpServerComponent
	metricsServer *httpServerComponent

	lifecycle *LifecycleManager
	fatal     chan error
}

// New 创建新的容器；configPath 为空时不启用热更新。
func New(cfg appconfig.AppConfig, configPath string, log *logger.Logger) *Container {
	return &Container{
		cfg:        cfg,
		configPath: configPath,
		logger:     log,
		lifecycle:  NewLifecycleManager(),
		fatal:      make(chan error, 1),
	}
}

// Build 构建所有组件
func (c *Container) Build() error {
	if err := c.buildInfrastructure(); err != nil {
		return fmt.Errorf("build infrastructure: %w", err)
	}
	if err := c.buildCore(); err != nil {
		return fmt.Errorf("build core: %w", err)
	}
	if err := c.buildIngest(); err != nil {
		return fmt.Errorf("build ingest: %w", err)
	}
	if err := c.buildHTTP(); err != nil {
		return fmt.Errorf("build http: %w", err)
	}
	if err := c.buildHotReload(); err != nil {
		return fmt.Errorf("build hot reload: %w", err)
	}
	c.registerLifecycleComponents()
	return nil
}

func (c *Container) buildInfrastructure() error {
	if c.logger == nil {
		l, err := logger.New(c.cfg.Log)
		if err != nil {
			return err
		}
		c.logger = l
	}

	c.monitor = monitor.New(monitor.DefaultConfig())

	channels := []alert.Channel{alert.NewLogChannel("log", c.logger.Logger)}
	if c.cfg.Alert.Console {
		channels = append(channels, alert.NewConsoleChannel(consoleChannel))
	}
	c.alerts = alert.NewManager(channels, c.cfg.Alert.Throttle())
	return nil
}

func (c *Container) buildCore() error {
	zl := c.logger.Logger

	c.store = store.New(c.cfg.Cache.MaxItems, c.monitor)
	c.cacheManager = store.NewManager(c.store, store.ManagerConfig{
		Persist:         c.cfg.Cache.Persist,
		Dir:             c.cfg.Cache.Dir,
		CleanupInterval: c.cfg.Cache.CleanupInterval(),
		Retention:       c.cfg.Cache.Retention(),
	}, zl, c.monitor, c.alerts)
	c.cacheManager.SetEventSink(c.logger.LogEvent)

	c.registry = hub.NewRegistry(c.monitor)
	c.broadcaster = hub.NewBroadcaster(c.registry, hub.BroadcasterConfig{
		Interval:    c.cfg.Broadcast.ThrottleInterval(),
		SendTimeout: c.cfg.Broadcast.SendTimeout(),
		QueueSize:   c.cfg.Broadcast.QueueSize,
	}, zl, c.monitor)

	c.dispatcher = hub.NewDispatcher(c.registry, c.store, c.cfg.DefaultSymbol(), zl)
	c.dispatcher.SetEventSink(c.logger.LogEvent)

	serverCfg := hub.DefaultServerConfig()
	if c.cfg.Broadcast.ClientBuffer > 0 {
		serverCfg.SendBuffer = c.cfg.Broadcast.ClientBuffer
	}
	c.wsServer = hub.NewServer(c.dispatcher, c.registry, serverCfg, zl)

	c.query = query.NewService(c.store)
	return nil
}

func (c *Container) buildIngest() error {
	if len(c.cfg.Feed.Symbols) == 0 {
		return errors.New("no symbols configured")
	}

	c.raw = make(chan gateway.RawMessage, c.cfg.Feed.QueueSize)
	c.normalizer = market.NewNormalizer(c.store, c.broadcaster, c.logger.Logger, c.monitor)

	streams := make([]*gateway.BookTickerStream, 0, len(c.cfg.Feed.Symbols))
	for _, sym := range c.cfg.Feed.Symbols {
		s := gateway.NewBookTickerStream(gateway.StreamConfig{
			BaseURL:       c.cfg.Feed.BaseURL,
			Symbol:        sym,
			AutoReconnect: c.cfg.Feed.AutoReconnect,
			MaxRetries:    c.cfg.Feed.MaxRetries,
			Backoff: gateway.Backoff{
				Initial:           c.cfg.Feed.InitialBackoff(),
				ExtendedThreshold: c.cfg.Feed.ExtendedBackoffThreshold,
				Extended:          c.cfg.Feed.ExtendedBackoff(),
			},
			ConnectTimeout:  c.cfg.Feed.ConnectTimeout(),
			ReadTimeout:     c.cfg.Feed.ReadTimeout(),
			ConnectInterval: c.cfg.Feed.ConnectInterval(),
		}, c.raw, c.logger.Logger)
		s.OnStateChange(c.onStreamState)
		streams = append(streams, s)
	}

	c.ingest = &ingestComponent{
		streams: streams,
		out:     c.raw,
		onFatal: c.onIngestFatal,
		logger:  c.logger.Logger.Named("ingest"),
	}
	return nil
}

func (c *Container) buildHTTP() error {
	zl := c.logger.Logger

	handler := query.NewHandler(c.query, zl, c.monitor)
	router := query.NewRouter(handler, zl, query.RouterOptions{
		WS:           c.wsServer,
		Health:       c.HealthCheck,
		AllowOrigins: c.cfg.Server.AllowOrigins,
	})

	api := &http.Server{
		Addr:              c.cfg.Server.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	c.apiServer = &httpServerComponent{name: "api server", server: api, logger: c.logger}

	if c.cfg.Server.MetricsAddr != "" {
		c.metricsServer = &httpServerComponent{
			name:   "metrics server",
			server: metrics.NewMetricsServer(c.cfg.Server.MetricsAddr, c.monitor.Handler()),
			logger: c.logger,
		}
	}
	return nil
}

func (c *Container) buildHotReload() error {
	if c.configPath == "" {
		return nil
	}
	r, err := hotreload.NewHotReloader(c.configPath, hotreload.DefaultHotReloadConfig(), nil, c.logger.Logger)
	if err != nil {
		return err
	}
	r.OnReload("broadcast", func(cfg appconfig.AppConfig) error {
		c.broadcaster.SetInterval(cfg.Broadcast.ThrottleInterval())
		return nil
	})
	r.OnReload("cache", func(cfg appconfig.AppConfig) error {
		c.cacheManager.SetRetention(cfg.Cache.Retention())
		c.cacheManager.SetCleanupInterval(cfg.Cache.CleanupInterval())
		c.logger.LogEvent("config_reload", map[string]interface{}{
			"throttleIntervalMs": cfg.Broadcast.ThrottleIntervalMs,
			"retentionHours":     cfg.Cache.RetentionHours,
		})
		return nil
	})
	r.OnReload("alert", func(cfg appconfig.AppConfig) error {
		c.applyAlertConfig(cfg.Alert)
		return nil
	})
	c.reloader = r
	return nil
}

// applyAlertConfig 按新配置开关控制台通道，并清空限流记录让新通道立即收到告警。
func (c *Container) applyAlertConfig(cfg appconfig.AlertConfig) {
	hasConsole := false
	for _, name := range c.alerts.GetChannels() {
		if name == consoleChannel {
			hasConsole = true
		}
	}
	switch {
	case cfg.Console && !hasConsole:
		c.alerts.AddChannel(alert.NewConsoleChannel(consoleChannel))
	case !cfg.Console && hasConsole:
		c.alerts.RemoveChannel(consoleChannel)
	default:
		return
	}
	c.alerts.ResetThrottle()
	c.logger.LogEvent("alert_channels", map[string]interface{}{
		"channels": c.alerts.GetChannels(),
	})
}

// registerLifecycleComponents 注册顺序即启动顺序，停止时逆序：
// HTTP -> 上游连接 -> 归一化排空 -> 缓存落盘 -> 广播最终 flush -> 断开订阅者。
func (c *Container) registerLifecycleComponents() {
	c.lifecycle.Register("subscribers", &subscribersComponent{server: c.wsServer})
	c.lifecycle.Register("broadcaster", c.broadcaster)
	c.lifecycle.Register("cache manager", c.cacheManager)
	c.lifecycle.Register("normalizer", &normalizerComponent{n: c.normalizer, in: c.raw, drainTimeout: 10 * time.Second})
	c.lifecycle.Register("ingest", c.ingest)
	if c.reloader != nil {
		c.lifecycle.Register("hot reload", c.reloader)
	}
	c.lifecycle.Register("api server", c.apiServer)
	if c.metricsServer != nil {
		c.lifecycle.Register("metrics server", c.metricsServer)
	}
}

func (c *Container) onStreamState(symbol string, from, to gateway.ConnState) {
	c.monitor.SetConnState(symbol, int(to), to == gateway.StateConnected)
	if to == gateway.StateBackoff {
		c.monitor.RecordReconnect(symbol)
		// 按交易对限流，重连风暴只告警一次
		_ = c.alerts.SendWarning(fmt.Sprintf("upstream reconnecting: %s", symbol), map[string]interface{}{
			"symbol": symbol,
			"from":   from.String(),
		})
	}
	c.logger.LogEvent("ws_state", map[string]interface{}{
		"symbol": symbol,
		"from":   from.String(),
		"to":     to.String(),
	})
}

func (c *Container) onIngestFatal(symbol string, err error) {
	fields := map[string]interface{}{
		"symbol":   symbol,
		"failures": c.cfg.Feed.MaxRetries,
		"error":    err.Error(),
	}
	c.logger.LogEvent("ingest_fatal", fields)
	_ = c.alerts.SendCritical(fmt.Sprintf("upstream feed retries exhausted: %s", symbol), fields)
	select {
	case c.fatal <- fmt.Errorf("%s: %w", symbol, err):
	default:
	}
}

// Start 启动容器。后台任务不跟随 ctx 取消，只在 Stop 中按顺序退出。
func (c *Container) Start(ctx context.Context) error {
	ctx = context.WithoutCancel(ctx)
	c.logger.Logger.Info("starting container",
		zap.Strings("symbols", c.cfg.Feed.Symbols),
		zap.Strings("components", c.lifecycle.Names()),
	)
	if err := c.lifecycle.StartAll(ctx); err != nil {
		return fmt.Errorf("failed to start components: %w", err)
	}
	c.logger.Logger.Info("container started")
	return nil
}

// Stop 停止容器
func (c *Container) Stop() error {
	c.logger.Logger.Info("stopping container")
	err := c.lifecycle.StopAll()
	if err != nil {
		c.logger.LogError(err, map[string]interface{}{"action": "stop"})
	}
	c.logger.Logger.Info("container stopped")
	return err
}

// Fatal 上游重试耗尽等不可恢复错误，进程应退出。
func (c *Container) Fatal() <-chan error {
	return c.fatal
}

// HealthCheck 健康检查
func (c *Container) HealthCheck() error {
	return c.lifecycle.CheckHealth()
}

// Getters

func (c *Container) Config() appconfig.AppConfig   { return c.cfg }
func (c *Container) Logger() *logger.Logger        { return c.logger }
func (c *Container) Monitor() *monitor.Monitor     { return c.monitor }
func (c *Container) Store() *store.Store           { return c.store }
func (c *Container) Broadcaster() *hub.Broadcaster { return c.broadcaster }
func (c *Container) Query() *query.Service         { return c.query }

// APIAddr 返回 API 实际监听地址，未启动时为空。
func (c *Container) APIAddr() string {
	if a := c.apiServer.Addr(); a != nil {
		return a.String()
	}
	return ""
}

// subscribersComponent 断开全部订阅连接。
// http.Server.Shutdown 不管已升级的连接，它们要等最终 flush 之后再关。
type subscribersComponent struct {
	server *hub.Server
}

func (sc *subscribersComponent) Start(context.Context) error { return nil }

func (sc *subscribersComponent) Stop() error {
	sc.server.CloseAll()
	return nil
}

func (sc *subscribersComponent) Health() error { return nil }

// normalizerComponent 在原始队列关闭后排空剩余帧。
type normalizerComponent struct {
	n            *market.Normalizer
	in           <-chan gateway.RawMessage
	drainTimeout time.Duration
	once         sync.Once
	started      bool
}

func (nc *normalizerComponent) Start(ctx context.Context) error {
	nc.once.Do(func() {
		nc.started = true
		go nc.n.Run(nc.in)
	})
	return nil
}

func (nc *normalizerComponent) Stop() error {
	if !nc.started {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), nc.drainTimeout)
	defer cancel()
	if err := nc.n.Wait(ctx); err != nil {
		return fmt.Errorf("normalizer drain: %w", err)
	}
	return nil
}

func (nc *normalizerComponent) Health() error { return nil }

// ingestComponent 每个交易对一条上游连接，共享同一个原始队列；
// 所有连接退出后由 Stop 关闭队列。
type ingestComponent struct {
	streams []*gateway.BookTickerStream
	out     chan gateway.RawMessage
	onFatal func(symbol string, err error)
	logger  *zap.Logger

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func (ic *ingestComponent) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	ic.cancel = cancel
	for _, s := range ic.streams {
		ic.wg.Add(1)
		go func(s *gateway.BookTickerStream) {
			defer ic.wg.Done()
			if err := s.Run(runCtx); err != nil {
				ic.logger.Error("stream stopped", zap.String("symbol", s.Symbol()), zap.Error(err))
				if errors.Is(err, gateway.ErrRetriesExhausted) && ic.onFatal != nil {
					ic.onFatal(s.Symbol(), err)
				}
			}
		}(s)
	}
	return nil
}

func (ic *ingestComponent) Stop() error {
	if ic.cancel != nil {
		ic.cancel()
	}
	ic.wg.Wait()
	ic.closeOnce.Do(func() { close(ic.out) })
	return nil
}

// Health 任一连接已停止即视为不健康。
func (ic *ingestComponent) Health() error {
	var stopped []string
	for _, s := range ic.streams {
		if s.State() == gateway.StateStopped {
			stopped = append(stopped, s.Symbol())
		}
	}
	if len(stopped) > 0 {
		return fmt.Errorf("streams stopped: %v", stopped)
	}
	return nil
}
