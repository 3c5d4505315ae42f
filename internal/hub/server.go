package hub

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ServerConfig 订阅端连接参数。
type ServerConfig struct {
	SendBuffer     int
	WriteWait      time.Duration
	PongWait       time.Duration
	PingPeriod     time.Duration
	MaxMessageSize int64
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		SendBuffer:     256,
		WriteWait:      5 * time.Second,
		PongWait:       60 * time.Second,
		PingPeriod:     50 * time.Second,
		MaxMessageSize: 4096,
	}
}

// Server 把 HTTP 升级为订阅连接，入站事件交给 Dispatcher。
type Server struct {
	dispatcher *Dispatcher
	registry   *Registry
	upgrader   websocket.Upgrader
	cfg        ServerConfig
	logger     *zap.Logger
}

func NewServer(d *Dispatcher, reg *Registry, cfg ServerConfig, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultServerConfig()
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = def.SendBuffer
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = def.WriteWait
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = def.PongWait
	}
	if cfg.PingPeriod <= 0 || cfg.PingPeriod >= cfg.PongWait {
		cfg.PingPeriod = cfg.PongWait * 9 / 10
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = def.MaxMessageSize
	}
	return &Server{
		dispatcher: d,
		registry:   reg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		cfg:    cfg,
		logger: logger.Named("ws"),
	}
}

// ServeHTTP 阻塞到连接断开。
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("upgrade failed", zap.Error(err))
		return
	}
	c := newClient(conn, s.cfg, s.logger)
	go c.writePump()

	ctx := context.Background()
	if err := s.dispatcher.Dispatch(ctx, c, Inbound{Event: EventConnect}); err != nil {
		s.logger.Debug("connect handshake failed", zap.String("client_id", c.ID()), zap.Error(err))
	}
	c.readPump(ctx, s.dispatcher)
}

// CloseAll 断开所有订阅者。http.Server.Shutdown 不会关闭已升级的连接。
func (s *Server) CloseAll() {
	for _, sub := range s.registry.List() {
		sub.Close()
	}
}
