package monitor

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMonitorRecorders(t *testing.T) {
	m := New(DefaultConfig())

	lat := int64(12)
	m.RecordMessage("BTCUSDT", &lat)
	m.RecordMessage("BTCUSDT", nil)
	m.RecordDropped("malformed")
	m.SetConnState("BTCUSDT", 2, true)
	m.RecordReconnect("BTCUSDT")
	m.SetCacheItems("BTCUSDT", 42)
	m.RecordEvictions("BTCUSDT", 3)
	m.RecordEvictions("BTCUSDT", 0)
	m.RecordTrimmed(5)
	m.RecordPersist(0.01, errors.New("disk full"))
	m.RecordPersist(0.01, nil)
	m.SetSubscribers(7)
	m.RecordBroadcast()
	m.RecordDeliveryFailure()
	m.RecordFanoutDrop()
	m.RecordQuery("updates", "ok")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.messagesReceived.WithLabelValues("BTCUSDT")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.messagesDropped.WithLabelValues("malformed")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.wsState.WithLabelValues("BTCUSDT")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.wsConnected.WithLabelValues("BTCUSDT")))
	assert.Equal(t, 42.0, testutil.ToFloat64(m.cacheItems.WithLabelValues("BTCUSDT")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.cacheEvictions.WithLabelValues("BTCUSDT")))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.cacheTrimmed))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.persistFailures))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.subscribers))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.broadcasts))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.deliveryFailures))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.fanoutDrops))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.queryRequests.WithLabelValues("updates", "ok")))
}

func TestNilMonitorIsSafe(t *testing.T) {
	var m *Monitor
	m.RecordMessage("X", nil)
	m.RecordDropped("x")
	m.SetConnState("X", 0, false)
	m.SetSubscribers(1)
	m.RecordPersist(1, nil)
}

func TestHandlerExposesNamespace(t *testing.T) {
	m := New(DefaultConfig())
	m.RecordBroadcast()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "bbo_stream_broadcasts_total"))
}
