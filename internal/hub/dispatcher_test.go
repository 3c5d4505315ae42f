package hub

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"bbo-stream-go/market"
)

type fakeLatest map[string]market.BBOUpdate

func (f fakeLatest) Latest(symbol string) (market.BBOUpdate, bool) {
	u, ok := f[symbol]
	return u, ok
}

type sinkRecorder struct {
	mu     sync.Mutex
	events []string
}

func (r *sinkRecorder) sink(event string, _ map[string]interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func newTestDispatcher(t *testing.T, latest LatestSource) (*Dispatcher, *Registry, *sinkRecorder) {
	t.Helper()
	reg := NewRegistry(nil)
	d := NewDispatcher(reg, latest, "btcusdt", zaptest.NewLogger(t))
	d.now = func() time.Time { return time.UnixMilli(42) }
	rec := &sinkRecorder{}
	d.SetEventSink(rec.sink)
	return d, reg, rec
}

func TestDispatchConnectAndDisconnect(t *testing.T) {
	latest := fakeLatest{"BTCUSDT": bbo("BTCUSDT", "7", 1)}
	d, reg, rec := newTestDispatcher(t, latest)
	sub := newMockSub("c1")
	ctx := context.Background()

	require.NoError(t, d.Dispatch(ctx, sub, Inbound{Event: EventConnect}))
	assert.Equal(t, 1, reg.Count())

	frames := sub.frames(t)
	require.Len(t, frames, 3)
	assert.Equal(t, EventWelcome, frames[0].Event)
	var welcome WelcomeData
	require.NoError(t, json.Unmarshal(frames[0].Data, &welcome))
	assert.Equal(t, "c1", welcome.ClientID)

	assert.Equal(t, EventConnectionStatus, frames[1].Event)
	var status ConnectionStatusData
	require.NoError(t, json.Unmarshal(frames[1].Data, &status))
	assert.Equal(t, ConnectionStatusData{Status: "connected", Connected: true, Clients: 1, Timestamp: 42}, status)

	assert.Equal(t, "7", decodeUpdate(t, frames[2]).BidPrice)

	require.NoError(t, d.Dispatch(ctx, sub, Inbound{Event: EventDisconnect}))
	require.NoError(t, d.Dispatch(ctx, sub, Inbound{Event: EventDisconnect}))
	assert.Zero(t, reg.Count())
	assert.Equal(t, []string{"subscriber_connect", "subscriber_disconnect"}, rec.events)
}

func TestDispatchDisconnectIgnoresStaleSubscriber(t *testing.T) {
	d, reg, rec := newTestDispatcher(t, fakeLatest{})
	ctx := context.Background()
	current := newMockSub("c1")
	stale := newMockSub("c1")

	require.NoError(t, d.Dispatch(ctx, current, Inbound{Event: EventConnect}))
	require.NoError(t, d.Dispatch(ctx, stale, Inbound{Event: EventDisconnect}))

	got, ok := reg.Get("c1")
	require.True(t, ok)
	assert.Same(t, current, got)
	assert.Equal(t, []string{"subscriber_connect"}, rec.events)
}

func TestDispatchInitialData(t *testing.T) {
	tests := []struct {
		name      string
		latest    fakeLatest
		event     EventType
		wantEvent EventType
	}{
		{"无数据时提示等待", fakeLatest{}, EventRequestInitialData, EventStatus},
		{"有数据时回放", fakeLatest{"BTCUSDT": bbo("BTCUSDT", "1", 1)}, EventRequestInitialData, EventBBOUpdate},
		{"ready 同样回放", fakeLatest{"BTCUSDT": bbo("BTCUSDT", "1", 1)}, EventReady, EventBBOUpdate},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, _, _ := newTestDispatcher(t, tt.latest)
			sub := newMockSub("c1")
			require.NoError(t, d.Dispatch(context.Background(), sub, Inbound{Event: tt.event}))
			frames := sub.frames(t)
			require.Len(t, frames, 1)
			assert.Equal(t, tt.wantEvent, frames[0].Event)
			if tt.wantEvent == EventStatus {
				assert.JSONEq(t, `{"message":"Waiting for data..."}`, string(frames[0].Data))
			}
		})
	}
}

func TestDispatchPing(t *testing.T) {
	d, _, _ := newTestDispatcher(t, nil)
	sub := newMockSub("c1")
	ctx := context.Background()

	require.NoError(t, d.Dispatch(ctx, sub, Inbound{Event: EventPing, Data: json.RawMessage(`{"time":1700000000123}`)}))
	require.NoError(t, d.Dispatch(ctx, sub, Inbound{Event: EventPing}))
	require.NoError(t, d.Dispatch(ctx, sub, Inbound{Event: EventPing, Data: json.RawMessage(`"oops"`)}))

	frames := sub.frames(t)
	require.Len(t, frames, 3)
	assert.Equal(t, EventPong, frames[0].Event)
	assert.JSONEq(t, `{"time":1700000000123}`, string(frames[0].Data))
	assert.JSONEq(t, `{"time":42}`, string(frames[1].Data))
	assert.Equal(t, EventError, frames[2].Event)
}

func TestDispatchSubscribe(t *testing.T) {
	latest := fakeLatest{
		"BTCUSDT": bbo("BTCUSDT", "1", 1),
		"ETHUSDT": bbo("ETHUSDT", "2", 2),
	}
	d, _, _ := newTestDispatcher(t, latest)
	sub := newMockSub("c1")
	ctx := context.Background()

	require.NoError(t, d.Dispatch(ctx, sub, Inbound{Event: EventSubscribe, Data: json.RawMessage(`{"symbol":" ethusdt "}`)}))
	assert.Equal(t, "ETHUSDT", sub.Symbol())
	require.NoError(t, d.Dispatch(ctx, sub, Inbound{Event: EventSubscribe}))

	frames := sub.frames(t)
	require.Len(t, frames, 2)
	assert.Equal(t, "ETHUSDT", decodeUpdate(t, frames[0]).Symbol)
	assert.Equal(t, EventError, frames[1].Event)
}

func TestDispatchUnknownAndCustom(t *testing.T) {
	d, _, _ := newTestDispatcher(t, nil)
	sub := newMockSub("c1")
	ctx := context.Background()

	require.NoError(t, d.Dispatch(ctx, sub, Inbound{Event: "teleport"}))
	frames := sub.frames(t)
	require.Len(t, frames, 1)
	assert.Equal(t, EventError, frames[0].Event)
	assert.Contains(t, string(frames[0].Data), "teleport")

	called := false
	d.Handle("teleport", func(context.Context, Subscriber, json.RawMessage) error {
		called = true
		return nil
	})
	require.NoError(t, d.Dispatch(ctx, sub, Inbound{Event: "teleport"}))
	assert.True(t, called)
}
