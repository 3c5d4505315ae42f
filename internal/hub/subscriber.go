package hub

import (
	"context"
	"errors"
)

var (
	// ErrSlowSubscriber 订阅者发送队列已满，本条被丢弃。
	ErrSlowSubscriber = errors.New("subscriber send buffer full")
	// ErrSubscriberClosed 订阅者已断开。
	ErrSubscriberClosed = errors.New("subscriber closed")
)

// Subscriber 一个下游连接。Send 必须在 ctx 到期前返回。
type Subscriber interface {
	ID() string
	Send(ctx context.Context, msg []byte) error
	Alive() bool
	// Symbol 当前订阅的交易对，空串表示全部。
	Symbol() string
	SetSymbol(symbol string)
	Close()
}
