package hub

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"bbo-stream-go/market"
)

// mockSub 记录收到的帧；block/err 用于模拟慢或坏的订阅者。
type mockSub struct {
	id     string
	block  bool
	err    error
	mu     sync.Mutex
	msgs   [][]byte
	symbol string
	closed bool
}

func newMockSub(id string) *mockSub { return &mockSub{id: id} }

func (m *mockSub) ID() string { return m.id }

func (m *mockSub) Send(ctx context.Context, msg []byte) error {
	if m.block {
		<-ctx.Done()
		return ctx.Err()
	}
	if m.err != nil {
		return m.err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.msgs = append(m.msgs, msg)
	return nil
}

func (m *mockSub) Alive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.closed
}

func (m *mockSub) Symbol() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.symbol
}

func (m *mockSub) SetSymbol(s string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.symbol = s
}

func (m *mockSub) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
}

// frames 解码所有收到的帧。
func (m *mockSub) frames(t *testing.T) []Inbound {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Inbound, 0, len(m.msgs))
	for _, raw := range m.msgs {
		var in Inbound
		require.NoError(t, json.Unmarshal(raw, &in))
		out = append(out, in)
	}
	return out
}

func (m *mockSub) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.msgs)
}

func decodeUpdate(t *testing.T, in Inbound) market.BBOUpdate {
	t.Helper()
	require.Equal(t, EventBBOUpdate, in.Event)
	var u market.BBOUpdate
	require.NoError(t, json.Unmarshal(in.Data, &u))
	return u
}

func bbo(symbol, bid string, ts int64) market.BBOUpdate {
	return market.BBOUpdate{
		Symbol: symbol, BidPrice: bid, BidQty: "1", AskPrice: "99999", AskQty: "1",
		ExchangeTS: ts, ServerTS: ts,
	}
}
