package hub

import (
	"encoding/json"
	"fmt"
)

// EventType 订阅端协议中的事件名。
type EventType string

const (
	// 入站（连接生命周期由服务端合成 connect/disconnect）
	EventConnect            EventType = "connect"
	EventDisconnect         EventType = "disconnect"
	EventReady              EventType = "ready"
	EventRequestInitialData EventType = "request_initial_data"
	EventPing               EventType = "ping"
	EventSubscribe          EventType = "subscribe"

	// 出站
	EventWelcome          EventType = "welcome"
	EventConnectionStatus EventType = "connection_status"
	EventStatus           EventType = "status"
	EventBBOUpdate        EventType = "bbo_update"
	EventPong             EventType = "pong"
	EventError            EventType = "error"
)

// Inbound 客户端发来的帧。
type Inbound struct {
	Event EventType       `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Envelope 服务端下发的帧。
type Envelope struct {
	Event EventType   `json:"event"`
	Data  interface{} `json:"data,omitempty"`
}

// Encode 序列化一帧。
func Encode(event EventType, data interface{}) ([]byte, error) {
	b, err := json.Marshal(Envelope{Event: event, Data: data})
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", event, err)
	}
	return b, nil
}

// PingData ping/pong 负载，time 原样返回用于测往返延迟。
type PingData struct {
	Time int64 `json:"time"`
}

type SubscribeData struct {
	Symbol string `json:"symbol"`
}

type WelcomeData struct {
	Message  string `json:"message"`
	ClientID string `json:"clientId"`
}

type ConnectionStatusData struct {
	Status    string `json:"status"`
	Connected bool   `json:"connected"`
	Clients   int    `json:"clients"`
	Timestamp int64  `json:"timestamp"`
}

type StatusData struct {
	Message string `json:"message"`
}

type ErrorData struct {
	Message string `json:"message"`
}
