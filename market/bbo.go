package market

import (
	"github.com/shopspring/decimal"
)

// MaxPlausibleLatencyMs 超过该值的延迟视为时钟偏差，不参与统计。
const MaxPlausibleLatencyMs int64 = 10_000

// BBOUpdate 单条最优买卖报价，创建后不可修改。
// JSON 形式即对外推送的事件，也是落盘的一行。
type BBOUpdate struct {
	Symbol     string `json:"symbol"`
	BidPrice   string `json:"bidPrice"`
	BidQty     string `json:"bidQty"`
	AskPrice   string `json:"askPrice"`
	AskQty     string `json:"askQty"`
	ExchangeTS int64  `json:"timestamp"`
	ServerTS   int64  `json:"serverTimestamp"`
	LatencyMs  *int64 `json:"backendLatency"`
}

// Latency 返回延迟及其是否有效。
func (u BBOUpdate) Latency() (int64, bool) {
	if u.LatencyMs == nil {
		return 0, false
	}
	return *u.LatencyMs, true
}

// Spread 卖一减买一；价格无法解析时返回 0。
func (u BBOUpdate) Spread() decimal.Decimal {
	bid, err := decimal.NewFromString(u.BidPrice)
	if err != nil {
		return decimal.Zero
	}
	ask, err := decimal.NewFromString(u.AskPrice)
	if err != nil {
		return decimal.Zero
	}
	return ask.Sub(bid)
}

// Mid 买卖中间价。
func (u BBOUpdate) Mid() decimal.Decimal {
	bid, err1 := decimal.NewFromString(u.BidPrice)
	ask, err2 := decimal.NewFromString(u.AskPrice)
	if err1 != nil || err2 != nil {
		return decimal.Zero
	}
	return bid.Add(ask).Div(decimal.NewFromInt(2))
}

// latencyFor 计算 server-exchange 延迟，负值或超过上限返回 nil。
func latencyFor(serverTS, exchangeTS int64) *int64 {
	d := serverTS - exchangeTS
	if d < 0 || d > MaxPlausibleLatencyMs {
		return nil
	}
	return &d
}
