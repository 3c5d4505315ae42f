package gateway

// ConnState 上游连接状态机。
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateBackoff
	StateStopped
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateBackoff:
		return "BACKOFF"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// StateChangeFunc 状态切换回调，在 stream 所在 goroutine 中同步调用。
type StateChangeFunc func(symbol string, from, to ConnState)
