package hub

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Client 一个 WebSocket 订阅者。Send 只入队，由 writePump 串行写出。
type Client struct {
	id     string
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	alive  atomic.Bool
	symbol atomic.Value
	once   sync.Once
	logger *zap.Logger
	cfg    ServerConfig
}

func newClient(conn *websocket.Conn, cfg ServerConfig, logger *zap.Logger) *Client {
	c := &Client{
		id:     uuid.NewString(),
		conn:   conn,
		send:   make(chan []byte, cfg.SendBuffer),
		done:   make(chan struct{}),
		logger: logger,
		cfg:    cfg,
	}
	c.alive.Store(true)
	c.symbol.Store("")
	return c
}

func (c *Client) ID() string { return c.id }

func (c *Client) Alive() bool { return c.alive.Load() }

func (c *Client) Symbol() string { return c.symbol.Load().(string) }

func (c *Client) SetSymbol(symbol string) { c.symbol.Store(symbol) }

// Send 非阻塞入队，队列满返回 ErrSlowSubscriber。
func (c *Client) Send(ctx context.Context, msg []byte) error {
	if !c.Alive() {
		return ErrSubscriberClosed
	}
	select {
	case <-c.done:
		return ErrSubscriberClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	select {
	case c.send <- msg:
		return nil
	default:
		return ErrSlowSubscriber
	}
}

// Close 可重复调用；writePump 随后关闭底层连接。
func (c *Client) Close() {
	c.once.Do(func() {
		c.alive.Store(false)
		close(c.done)
	})
}

func (c *Client) readPump(ctx context.Context, d *Dispatcher) {
	defer func() {
		_ = d.Dispatch(ctx, c, Inbound{Event: EventDisconnect})
		c.Close()
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(c.cfg.MaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("read failed", zap.String("client_id", c.id), zap.Error(err))
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))

		var in Inbound
		if err := json.Unmarshal(raw, &in); err != nil || in.Event == "" {
			_ = d.reply(ctx, c, EventError, ErrorData{Message: "invalid frame"})
			continue
		}
		// connect/disconnect 只由服务端合成
		if in.Event == EventConnect || in.Event == EventDisconnect {
			_ = d.reply(ctx, c, EventError, ErrorData{Message: "reserved event"})
			continue
		}
		if err := d.Dispatch(ctx, c, in); err != nil {
			c.logger.Debug("dispatch failed",
				zap.String("client_id", c.id),
				zap.String("event", string(in.Event)),
				zap.Error(err))
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(c.cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			// 关闭前写完已入队的帧，退出前的最后一次广播才能送达
			if !c.writeQueued() {
				return
			}
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server closing"))
			return
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.Close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		}
	}
}

func (c *Client) writeQueued() bool {
	for {
		select {
		case msg := <-c.send:
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return false
			}
		default:
			return true
		}
	}
}
