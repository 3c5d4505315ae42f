package store

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bbo-stream-go/infrastructure/monitor"
	"bbo-stream-go/market"
)

func upd(symbol string, exchangeTS int64, latency ...int64) market.BBOUpdate {
	u := market.BBOUpdate{
		Symbol:     symbol,
		BidPrice:   "100.1",
		BidQty:     "1",
		AskPrice:   "100.2",
		AskQty:     "2",
		ExchangeTS: exchangeTS,
		ServerTS:   exchangeTS + 5,
	}
	if len(latency) > 0 {
		v := latency[0]
		u.LatencyMs = &v
	}
	return u
}

func timestamps(us []market.BBOUpdate) []int64 {
	out := make([]int64, len(us))
	for i, u := range us {
		out[i] = u.ExchangeTS
	}
	return out
}

func TestBoundedEviction(t *testing.T) {
	st := New(3, nil)
	for ts := int64(1); ts <= 5; ts++ {
		st.Append(upd("BTCUSDT", ts))
	}
	assert.Equal(t, []int64{3, 4, 5}, timestamps(st.Snapshot("BTCUSDT")))
	assert.Equal(t, 3, st.Len("BTCUSDT"))
	assert.Equal(t, []int64{3, 4, 5}, timestamps(st.Query("BTCUSDT", 0, 100, 0)))
}

func TestBoundedEvictionAcrossGrowth(t *testing.T) {
	cases := []struct {
		name     string
		maxItems int
		appends  int
	}{
		{"未满", 50, 30},
		{"恰好满", 32, 32},
		{"多轮淘汰", 20, 1000},
		{"容量为1", 1, 10},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			st := New(tc.maxItems, nil)
			for i := 0; i < tc.appends; i++ {
				st.Append(upd("ETHUSDT", int64(i)))
			}
			want := make([]int64, 0)
			first := tc.appends - tc.maxItems
			if first < 0 {
				first = 0
			}
			for i := first; i < tc.appends; i++ {
				want = append(want, int64(i))
			}
			assert.Equal(t, want, timestamps(st.Snapshot("ETHUSDT")))
			assert.Equal(t, want, timestamps(st.Query("ETHUSDT", 0, int64(tc.appends), 0)))
		})
	}
}

func TestQueryInclusiveBounds(t *testing.T) {
	st := New(100, nil)
	for ts := int64(10); ts <= 50; ts += 10 {
		st.Append(upd("BTCUSDT", ts))
	}

	assert.Equal(t, []int64{20, 30, 40}, timestamps(st.Query("BTCUSDT", 20, 40, 0)))
	assert.Equal(t, []int64{10}, timestamps(st.Query("BTCUSDT", 10, 10, 0)))
	assert.Equal(t, []int64{10, 20, 30, 40, 50}, timestamps(st.Query("BTCUSDT", 0, 1000, 0)))

	empty := st.Query("BTCUSDT", 51, 60, 0)
	require.NotNil(t, empty)
	assert.Empty(t, empty)
	assert.Empty(t, st.Query("BTCUSDT", 40, 20, 0))

	unknown := st.Query("XRPUSDT", 0, 100, 0)
	require.NotNil(t, unknown)
	assert.Empty(t, unknown)
}

func TestQueryOutOfOrderExchangeTimestamps(t *testing.T) {
	st := New(100, nil)
	// 交易所时间抖动：到达顺序与时间顺序不一致
	for _, ts := range []int64{100, 90, 110, 95, 105, 95} {
		st.Append(upd("BTCUSDT", ts))
	}

	got := st.Query("BTCUSDT", 90, 100, 0)
	assert.Equal(t, []int64{90, 95, 95, 100}, timestamps(got))

	// 同一时间戳保留到达顺序
	all := st.Snapshot("BTCUSDT")
	assert.Equal(t, []int64{100, 90, 110, 95, 105, 95}, timestamps(all))

	stats := st.Stats().Symbols["BTCUSDT"]
	assert.Equal(t, int64(90), stats.OldestTimestamp)
	assert.Equal(t, int64(110), stats.NewestTimestamp)
}

func TestQueryOutOfOrderAfterEviction(t *testing.T) {
	st := New(3, nil)
	for _, ts := range []int64{50, 10, 40, 20, 30} {
		st.Append(upd("BTCUSDT", ts))
	}
	// 剩余到达顺序最后三条：40, 20, 30
	assert.Equal(t, []int64{20, 30, 40}, timestamps(st.Query("BTCUSDT", 0, 100, 0)))
	assert.Empty(t, st.Query("BTCUSDT", 0, 15, 0))
	assert.Equal(t, []int64{40, 20, 30}, timestamps(st.Snapshot("BTCUSDT")))
}

func TestQueryLimitReturnsMostRecent(t *testing.T) {
	st := New(100, nil)
	for ts := int64(1); ts <= 10; ts++ {
		st.Append(upd("BTCUSDT", ts))
	}
	assert.Equal(t, []int64{8, 9, 10}, timestamps(st.Query("BTCUSDT", 0, 100, 3)))
	assert.Equal(t, []int64{4, 5}, timestamps(st.Query("BTCUSDT", 2, 5, 2)))
	assert.Equal(t, []int64{2, 3}, timestamps(st.Query("BTCUSDT", 2, 3, 50)))
}

func TestLatencyStats(t *testing.T) {
	st := New(100, nil)
	for i, lat := range []int64{40, 10, 100, 30, 20} {
		st.Append(upd("BTCUSDT", int64(i+1), lat))
	}
	// 无效延迟不参与统计
	st.Append(upd("BTCUSDT", 6))

	ls := st.LatencyStats("BTCUSDT", 0, 100)
	assert.Equal(t, int64(10), ls.Min)
	assert.Equal(t, int64(100), ls.Max)
	assert.InDelta(t, 40.0, ls.Avg, 1e-9)
	assert.Equal(t, int64(30), ls.P50)
	assert.Equal(t, int64(100), ls.P95)
	assert.Equal(t, int64(100), ls.P99)
	assert.Equal(t, 5, ls.Count)

	sub := st.LatencyStats("BTCUSDT", 2, 3)
	assert.Equal(t, 2, sub.Count)
	assert.Equal(t, int64(10), sub.Min)
	assert.Equal(t, int64(100), sub.Max)

	assert.Equal(t, LatencyStats{}, st.LatencyStats("NOPE", 0, 100))
	assert.Equal(t, LatencyStats{}, st.LatencyStats("BTCUSDT", 100, 200))
}

func TestNearestRank(t *testing.T) {
	values := make([]int64, 20)
	for i := range values {
		values[i] = int64(i + 1)
	}
	ls := ComputeLatencyStats(values)
	// ceil(0.95*20)=19, ceil(0.5*20)=10, ceil(0.99*20)=20
	assert.Equal(t, int64(19), ls.P95)
	assert.Equal(t, int64(10), ls.P50)
	assert.Equal(t, int64(20), ls.P99)

	single := ComputeLatencyStats([]int64{7})
	assert.Equal(t, LatencyStats{Min: 7, Max: 7, Avg: 7, P50: 7, P95: 7, P99: 7, Count: 1}, single)
}

func TestSymbolsStatsLatest(t *testing.T) {
	st := New(2, nil)
	st.Append(upd("ETHUSDT", 1))
	st.Append(upd("BTCUSDT", 3))
	st.Append(upd("BTCUSDT", 2))
	st.Append(upd("BTCUSDT", 4))

	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, st.Symbols())

	stats := st.Stats()
	assert.Equal(t, 2, stats.TotalSymbols)
	assert.Equal(t, 3, stats.TotalItems)
	assert.Equal(t, 2, stats.MaxItemsPerSymbol)
	assert.Equal(t, SymbolStats{Count: 2, OldestTimestamp: 2, NewestTimestamp: 4}, stats.Symbols["BTCUSDT"])

	latest, ok := st.Latest("BTCUSDT")
	require.True(t, ok)
	assert.Equal(t, int64(4), latest.ExchangeTS)
	_, ok = st.Latest("XRPUSDT")
	assert.False(t, ok)
}

func TestTrimBefore(t *testing.T) {
	mon := monitor.New(monitor.DefaultConfig())
	st := New(10, mon)
	for ts := int64(1); ts <= 5; ts++ {
		st.Append(upd("BTCUSDT", ts)) // ServerTS = ts+5
	}
	st.Append(upd("ETHUSDT", 1))

	removed := st.TrimBefore(9) // 删除 ServerTS 6,7,8
	assert.Equal(t, 4, removed)
	assert.Equal(t, []int64{4, 5}, timestamps(st.Snapshot("BTCUSDT")))
	assert.Equal(t, []int64{4, 5}, timestamps(st.Query("BTCUSDT", 0, 100, 0)))
	assert.Equal(t, []string{"BTCUSDT"}, st.Symbols())

	// 被清空的交易对可以重新写入
	st.Append(upd("ETHUSDT", 20))
	assert.Equal(t, 1, st.Len("ETHUSDT"))
}

func TestRestoreAppliesCapacity(t *testing.T) {
	st := New(2, nil)
	st.Restore("BTCUSDT", []market.BBOUpdate{upd("X", 1), upd("X", 2), upd("X", 3)})
	got := st.Snapshot("BTCUSDT")
	assert.Equal(t, []int64{2, 3}, timestamps(got))
	assert.Equal(t, "BTCUSDT", got[0].Symbol)
}

// TestStore_ConcurrentAppendAndQuery 并发读写不出现数据竞争，且容量约束始终成立
func TestStore_ConcurrentAppendAndQuery(t *testing.T) {
	st := New(500, nil)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 5000; i++ {
			st.Append(upd("BTCUSDT", int64(i%700), int64(i%50)))
			if i%1000 == 0 {
				st.TrimBefore(int64(i - 2000))
			}
		}
	}()

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 500; j++ {
				got := st.Query("BTCUSDT", 100, 400, 0)
				assert.LessOrEqual(t, len(got), 500)
				_ = st.LatencyStats("BTCUSDT", 0, 700)
				_ = st.Stats()
				_, _ = st.Latest("BTCUSDT")
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 500, st.Len("BTCUSDT"))
}
