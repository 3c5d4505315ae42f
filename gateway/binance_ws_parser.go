package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	// ErrNotBookTicker 表示消息不是 bookTicker，调用方应静默丢弃。
	ErrNotBookTicker = errors.New("not a bookTicker event")
	// ErrMalformed 表示消息无法解析或缺少必要字段。
	ErrMalformed = errors.New("malformed bookTicker message")
)

// CombinedMessage 对应 binance combined stream 包装。
type CombinedMessage struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// BookTicker 对应 <symbol>@bookTicker 推送，价格与数量保留原始字符串。
type BookTicker struct {
	EventType string      `json:"e"`
	UpdateID  json.Number `json:"u"`
	EventTime json.Number `json:"E"`
	TxTime    json.Number `json:"T"`
	Symbol    string      `json:"s"`
	BidPrice  string      `json:"b"`
	BidQty    string      `json:"B"`
	AskPrice  string      `json:"a"`
	AskQty    string      `json:"A"`
}

// ExchangeTime 返回交易所事件时间（毫秒），缺失 E 时退回撮合时间 T。
func (t BookTicker) ExchangeTime() (int64, bool) {
	for _, n := range []json.Number{t.EventTime, t.TxTime} {
		if n == "" {
			continue
		}
		if v, err := n.Int64(); err == nil && v > 0 {
			return v, true
		}
	}
	return 0, false
}

// ParseBookTicker 解析单条原始消息，兼容 combined stream 包装。
func ParseBookTicker(raw []byte) (BookTicker, error) {
	var bt BookTicker
	payload := raw

	var wrapped CombinedMessage
	if err := json.Unmarshal(raw, &wrapped); err != nil {
		return bt, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(wrapped.Data) > 0 {
		payload = wrapped.Data
	}

	if err := json.Unmarshal(payload, &bt); err != nil {
		return bt, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if bt.EventType != "" && bt.EventType != "bookTicker" {
		return bt, ErrNotBookTicker
	}
	if bt.Symbol == "" || bt.BidPrice == "" || bt.AskPrice == "" {
		return bt, fmt.Errorf("%w: missing s/b/a", ErrMalformed)
	}
	bt.Symbol = strings.ToUpper(bt.Symbol)
	if bt.BidQty == "" {
		bt.BidQty = "0"
	}
	if bt.AskQty == "" {
		bt.AskQty = "0"
	}
	for name, v := range map[string]string{"b": bt.BidPrice, "B": bt.BidQty, "a": bt.AskPrice, "A": bt.AskQty} {
		if _, err := decimal.NewFromString(v); err != nil {
			return bt, fmt.Errorf("%w: field %s=%q: %v", ErrMalformed, name, v, err)
		}
	}
	return bt, nil
}
