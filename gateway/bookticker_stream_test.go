package gateway

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type stateRecorder struct {
	mu     sync.Mutex
	states []ConnState
}

func (r *stateRecorder) record(_ string, _, to ConnState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, to)
}

func (r *stateRecorder) snapshot() []ConnState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ConnState(nil), r.states...)
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestStreamURL(t *testing.T) {
	s := NewBookTickerStream(StreamConfig{BaseURL: "wss://fstream.binance.com/ws/", Symbol: "BTCUSDT"}, nil, nil)
	assert.Equal(t, "wss://fstream.binance.com/ws/btcusdt@bookTicker", s.URL())
	assert.Equal(t, "BTCUSDT", s.Symbol())
	assert.Equal(t, StateDisconnected, s.State())
}

func TestStreamEmitsMessages(t *testing.T) {
	var path atomic.Value
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path.Store(r.URL.Path)
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"s":"BTCUSDT","b":"1","a":"2"}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"s":"BTCUSDT","b":"3","a":"4"}`))
		// 保持连接直到客户端断开
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	out := make(chan RawMessage, 4)
	rec := &stateRecorder{}
	s := NewBookTickerStream(StreamConfig{BaseURL: wsURL(srv), Symbol: "btcusdt", AutoReconnect: true}, out, zaptest.NewLogger(t))
	s.OnStateChange(rec.record)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	for i, want := range []string{`"b":"1"`, `"b":"3"`} {
		select {
		case msg := <-out:
			assert.Equal(t, "BTCUSDT", msg.Symbol)
			assert.Contains(t, string(msg.Data), want, "message %d", i)
			assert.False(t, msg.ReceivedAt.IsZero())
		case <-time.After(2 * time.Second):
			t.Fatalf("timeout waiting for message %d", i)
		}
	}
	assert.Equal(t, "/btcusdt@bookTicker", path.Load())

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	assert.Equal(t, []ConnState{StateConnecting, StateConnected, StateStopped}, rec.snapshot())
	assert.Equal(t, StateStopped, s.State())
}

func TestStreamRetriesExhausted(t *testing.T) {
	// 非 101 响应等同握手失败
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "maintenance", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	rec := &stateRecorder{}
	s := NewBookTickerStream(StreamConfig{
		BaseURL:       wsURL(srv),
		Symbol:        "ETHUSDT",
		AutoReconnect: false,
		MaxRetries:    3,
		Backoff:       Backoff{Initial: time.Second, ExtendedThreshold: 3, Extended: 30 * time.Second},
	}, make(chan RawMessage, 1), zaptest.NewLogger(t))
	s.OnStateChange(rec.record)

	var delays []time.Duration
	s.sleep = func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}

	err := s.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRetriesExhausted))
	assert.Contains(t, err.Error(), "503")
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, delays)

	states := rec.snapshot()
	assert.Equal(t, StateStopped, states[len(states)-1])
	assert.Contains(t, states, StateBackoff)
	assert.NotContains(t, states, StateConnected)
}

func TestStreamResetsFailuresAfterConnect(t *testing.T) {
	var attempts int32
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&attempts, 1)
		if n != 3 {
			http.Error(w, "nope", http.StatusBadGateway)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		// 远端立即关闭
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "bye"))
		_ = conn.Close()
	}))
	defer srv.Close()

	s := NewBookTickerStream(StreamConfig{
		BaseURL:       wsURL(srv),
		Symbol:        "BTCUSDT",
		AutoReconnect: true,
		MaxRetries:    1,
		Backoff:       Backoff{Initial: time.Second, ExtendedThreshold: 3, Extended: 30 * time.Second},
	}, make(chan RawMessage, 1), zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var delays []time.Duration
	s.sleep = func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		if len(delays) == 4 {
			cancel()
		}
		return ctx.Err()
	}

	require.NoError(t, s.Run(ctx))
	// 两次失败 -> 连上后被关闭（计数归零后 +1）-> 再失败一次
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, time.Second, 2 * time.Second}, delays)
	assert.Equal(t, int32(4), atomic.LoadInt32(&attempts))
}
