package alert

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewManager(t *testing.T) {
	ch := NewMockChannel("test")
	mgr := NewManager([]Channel{ch}, 5*time.Minute)

	channels := mgr.GetChannels()
	if len(channels) != 1 || channels[0] != "test" {
		t.Fatalf("unexpected channels %v", channels)
	}
}

func TestSendAlert(t *testing.T) {
	mock := NewMockChannel("mock")
	mgr := NewManager([]Channel{mock}, 5*time.Minute)

	err := mgr.SendAlert(Alert{
		Level:   LevelError,
		Message: "persist failed",
		Fields:  map[string]interface{}{"symbol": "BTCUSDT"},
	})
	if err != nil {
		t.Fatalf("SendAlert failed: %v", err)
	}
	if mock.Count() != 1 {
		t.Fatalf("expected 1 alert, got %d", mock.Count())
	}
	got := mock.GetAlerts()[0]
	if got.Level != LevelError || got.Fields["symbol"] != "BTCUSDT" {
		t.Errorf("unexpected alert %+v", got)
	}
	if got.Timestamp.IsZero() {
		t.Error("timestamp should be set")
	}
}

func TestSendAlertLevels(t *testing.T) {
	tests := []struct {
		name    string
		sendFn  func(*Manager) error
		wantLvl Level
	}{
		{"SendInfo", func(m *Manager) error { return m.SendInfo("info msg", nil) }, LevelInfo},
		{"SendWarning", func(m *Manager) error { return m.SendWarning("warning msg", nil) }, LevelWarning},
		{"SendError", func(m *Manager) error { return m.SendError("error msg", nil) }, LevelError},
		{"SendCritical", func(m *Manager) error { return m.SendCritical("critical msg", nil) }, LevelCritical},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := NewMockChannel("mock")
			mgr := NewManager([]Channel{mock}, 5*time.Minute)

			if err := tt.sendFn(mgr); err != nil {
				t.Fatalf("send failed: %v", err)
			}
			if mock.Count() != 1 {
				t.Fatalf("expected 1 alert, got %d", mock.Count())
			}
			if lvl := mock.GetAlerts()[0].Level; lvl != tt.wantLvl {
				t.Errorf("level = %s, want %s", lvl, tt.wantLvl)
			}
		})
	}
}

func TestDifferentMessagesNotThrottled(t *testing.T) {
	mock := NewMockChannel("mock")
	mgr := NewManager([]Channel{mock}, 5*time.Minute)

	_ = mgr.SendInfo("message 1", nil)
	_ = mgr.SendInfo("message 2", nil)
	_ = mgr.SendWarning("message 1", nil)

	if mock.Count() != 3 {
		t.Errorf("expected 3 alerts, got %d", mock.Count())
	}
}

func TestChannelError(t *testing.T) {
	mock := NewMockChannel("mock")
	mock.SetShouldError(true)
	mgr := NewManager([]Channel{mock}, 5*time.Minute)

	if err := mgr.SendInfo("test", nil); err == nil {
		t.Error("expected error when all channels fail")
	}
}

func TestPartialChannelFailure(t *testing.T) {
	bad := NewMockChannel("bad")
	bad.SetShouldError(true)
	good := NewMockChannel("good")
	mgr := NewManager([]Channel{bad, good}, 5*time.Minute)

	if err := mgr.SendInfo("test", nil); err != nil {
		t.Errorf("should not return error when some channels succeed: %v", err)
	}
	if good.Count() != 1 {
		t.Errorf("successful channel should receive alert")
	}
}

func TestAddRemoveChannel(t *testing.T) {
	mock1 := NewMockChannel("mock1")
	mgr := NewManager([]Channel{mock1}, 5*time.Minute)
	mock2 := NewMockChannel("mock2")
	mgr.AddChannel(mock2)

	_ = mgr.SendInfo("test", nil)
	if mock1.Count() != 1 || mock2.Count() != 1 {
		t.Error("both channels should receive alert")
	}

	mgr.RemoveChannel("mock1")
	channels := mgr.GetChannels()
	if len(channels) != 1 || channels[0] != "mock2" {
		t.Errorf("unexpected channels after removal: %v", channels)
	}
}

func TestResetThrottle(t *testing.T) {
	mock := NewMockChannel("mock")
	mgr := NewManager([]Channel{mock}, 5*time.Minute)

	_ = mgr.SendInfo("test", nil)
	_ = mgr.SendInfo("test", nil)
	if mock.Count() != 1 {
		t.Fatalf("should be throttled, got %d", mock.Count())
	}
	mgr.ResetThrottle()
	_ = mgr.SendInfo("test", nil)
	if mock.Count() != 2 {
		t.Errorf("after reset: expected 2 alerts, got %d", mock.Count())
	}
}

func TestResolveOnlyClearsMatchingAlert(t *testing.T) {
	mock := NewMockChannel("mock")
	mgr := NewManager([]Channel{mock}, 5*time.Minute)

	_ = mgr.SendError("cache persist failed: BTCUSDT", nil)
	_ = mgr.SendError("cache persist failed: ETHUSDT", nil)
	mgr.Resolve(LevelError, "cache persist failed: BTCUSDT")

	_ = mgr.SendError("cache persist failed: BTCUSDT", nil)
	_ = mgr.SendError("cache persist failed: ETHUSDT", nil)
	if mock.Count() != 3 {
		t.Errorf("expected only BTCUSDT to be released, got %d alerts", mock.Count())
	}
}

func TestNilManager(t *testing.T) {
	var mgr *Manager
	if err := mgr.SendCritical("ignored", nil); err != nil {
		t.Fatalf("nil manager should be a no-op, got %v", err)
	}
	mgr.Resolve(LevelCritical, "ignored")
}

func TestThrottler(t *testing.T) {
	now := time.Unix(1700000000, 0)
	throttle := NewThrottler(100 * time.Millisecond)
	throttle.now = func() time.Time { return now }

	if !throttle.Allow("key1") {
		t.Error("first call should be allowed")
	}
	if throttle.Allow("key1") {
		t.Error("second call should be throttled")
	}
	if !throttle.Allow("key2") {
		t.Error("different key should be allowed")
	}

	now = now.Add(100 * time.Millisecond)
	if !throttle.Allow("key1") {
		t.Error("after interval should be allowed")
	}

	throttle.Reset("key1")
	if !throttle.Allow("key1") {
		t.Error("after reset should be allowed")
	}
	throttle.Clear()
	if !throttle.Allow("key2") {
		t.Error("key2 should be allowed after clear")
	}
}

func TestLogChannel(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	ch := NewLogChannel("log", zap.New(core))

	if ch.Name() != "log" {
		t.Errorf("name = %s, want log", ch.Name())
	}
	err := ch.Send(Alert{
		Level:   LevelCritical,
		Message: "ingest retries exhausted",
		Fields:  map[string]interface{}{"symbol": "BTCUSDT"},
	})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	entries := logs.All()
	if len(entries) != 1 || entries[0].Level != zapcore.ErrorLevel {
		t.Fatalf("unexpected entries %+v", entries)
	}
	if entries[0].ContextMap()["symbol"] != "BTCUSDT" {
		t.Errorf("symbol field missing: %v", entries[0].ContextMap())
	}
}

func TestConsoleChannel(t *testing.T) {
	var buf bytes.Buffer
	ch := NewConsoleChannel("console")
	ch.out = &buf

	for _, level := range []Level{LevelInfo, LevelWarning, LevelError, LevelCritical} {
		err := ch.Send(Alert{
			Level:     level,
			Message:   "test " + string(level),
			Timestamp: time.Now(),
			Fields:    map[string]interface{}{"b": 2, "a": 1},
		})
		if err != nil {
			t.Errorf("Send %s failed: %v", level, err)
		}
	}
	out := buf.String()
	if strings.Count(out, "\n") != 4 {
		t.Fatalf("expected 4 lines, got %q", out)
	}
	if !strings.Contains(out, "a=1 b=2") {
		t.Errorf("fields should be sorted: %q", out)
	}
}
