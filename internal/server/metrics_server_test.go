package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/devrev/pairdb/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestServer(t *testing.T, probes Probes, maxUsage float64) (*MetricsServer, *metrics.Metrics) {
	t.Helper()
	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics("node-a", reg)
	ms := NewMetricsServer(&MetricsServerConfig{
		Port:                0,
		DataDir:             t.TempDir(),
		MaxDiskUsagePercent: maxUsage,
	}, reg, m, probes, zap.NewNop())
	return ms, m
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestMetricsServer_ServesRegistry(t *testing.T) {
	ms, m := newTestServer(t, Probes{}, 0)
	m.JournalAppendsTotal.Inc()

	rec := get(t, ms.Handler(), "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `pairdb_journal_appends_total{node_id="node-a"} 1`)
}

func TestMetricsServer_Health(t *testing.T) {
	ms, _ := newTestServer(t, Probes{}, 0)

	rec := get(t, ms.Handler(), "/health")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
}

func TestMetricsServer_Ready(t *testing.T) {
	t.Run("ready", func(t *testing.T) {
		ms, _ := newTestServer(t, Probes{Ready: func() error { return nil }}, 100)
		rec := get(t, ms.Handler(), "/ready")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"status":"ready"`)
	})

	t.Run("probe fails", func(t *testing.T) {
		ms, _ := newTestServer(t, Probes{Ready: func() error { return errors.New("runtime closed") }}, 100)
		rec := get(t, ms.Handler(), "/ready")
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Contains(t, rec.Body.String(), "runtime closed")
	})

	t.Run("disk threshold", func(t *testing.T) {
		// Any mounted filesystem reports more than 0.0001% usage
		ms, _ := newTestServer(t, Probes{}, 0.0001)
		rec := get(t, ms.Handler(), "/ready")
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Contains(t, rec.Body.String(), "disk_full")
	})
}

func TestMetricsServer_Stats(t *testing.T) {
	ms, _ := newTestServer(t, Probes{}, 0)
	assert.Equal(t, http.StatusNotFound, get(t, ms.Handler(), "/stats").Code)

	ms, _ = newTestServer(t, Probes{Stats: func() interface{} {
		return map[string]int{"hot_entities": 3}
	}}, 0)
	rec := get(t, ms.Handler(), "/stats")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"hot_entities":3}`, rec.Body.String())
}

func TestMetricsServer_UpdatesSystemGauges(t *testing.T) {
	ms, m := newTestServer(t, Probes{}, 0)
	ms.updateSystemMetrics()

	assert.Greater(t, testutil.ToFloat64(m.GoroutinesTotal), 0.0)
	assert.Greater(t, testutil.ToFloat64(m.MemoryUsageBytes), 0.0)
	assert.Greater(t, testutil.ToFloat64(m.DiskAvailableBytes), 0.0)
}

func TestMetricsServer_StartStop(t *testing.T) {
	ms, _ := newTestServer(t, Probes{}, 0)
	ms.httpServer.Addr = "127.0.0.1:0"
	require.NoError(t, ms.Start())

	resp, err := http.Get("http://" + ms.Addr() + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, ms.Stop())
}
