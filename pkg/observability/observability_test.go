package observability

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cwhhwc/AI-lesson-plan-writing/pkg/kv"
	"github.com/cwhhwc/AI-lesson-plan-writing/pkg/lesson"
	"github.com/cwhhwc/AI-lesson-plan-writing/pkg/writequeue"
)

func TestMetricsObservers(t *testing.T) {
	m := NewMetrics()

	m.ObserveFragment()
	m.ObserveFragment()
	m.ObserveMarker()
	m.ObserveCardTransition(lesson.StateLoading)
	m.ObserveCardTransition(lesson.StateCompleted)
	m.ObserveArchiveOp("append", nil)
	m.ObserveArchiveOp("append", errors.New("boom"))
	m.ObserveWait(10 * time.Millisecond)
	m.ObserveExec(5*time.Millisecond, nil)
	m.SetPending(3)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.streamFragments))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.markerDetected))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.cardTransitions.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.archiveOps.WithLabelValues("append", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.archiveOps.WithLabelValues("append", "ok")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.queuePending))
	assert.Equal(t, 1, testutil.CollectAndCount(m.queueWait))
}

func TestInitMetricsIsShared(t *testing.T) {
	assert.Same(t, InitMetrics(), InitMetrics())
}

func TestServerEndpoints(t *testing.T) {
	m := NewMetrics()
	m.ObserveMarker()
	hc := NewHealthChecker(WithQueueStatus(func() writequeue.Status {
		return writequeue.Status{Running: true, Pending: 2}
	}))
	hc.RegisterCheck(StoreCheck(kv.NewMemoryStore()))

	srv := httptest.NewServer(NewServer(":0", m, hc, nil).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "lessonchat_marker_detected_total 1")

	resp, err = http.Get(srv.URL + "/health")
	require.NoError(t, err)
	var health HealthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	_ = resp.Body.Close()
	assert.Equal(t, HealthStatusHealthy, health.Status)
	assert.Equal(t, "OK", health.Checks["store"].Message)
	require.NotNil(t, health.Queue)
	assert.Equal(t, 2, health.Queue.Pending)

	for _, path := range []string{"/health/live", "/health/ready"} {
		resp, err = http.Get(srv.URL + path)
		require.NoError(t, err)
		_ = resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
	}
}

func TestHealthStatusAggregation(t *testing.T) {
	failing := func(context.Context) error { return errors.New("down") }

	hc := NewHealthChecker()
	hc.RegisterCheck(ExternalServiceCheck("backend", failing))
	assert.Equal(t, HealthStatusDegraded, hc.Check(context.Background()).Status)

	store := kv.NewMemoryStore()
	require.NoError(t, store.Close())
	hc.RegisterCheck(StoreCheck(store))
	resp := hc.Check(context.Background())
	assert.Equal(t, HealthStatusUnhealthy, resp.Status)
	assert.Equal(t, HealthStatusUnhealthy, resp.Checks["store"].Status)

	rec := httptest.NewRecorder()
	hc.ReadinessHandler()(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "not ready"))
}

func TestHealthCheckTimeout(t *testing.T) {
	hc := NewHealthChecker()
	hc.RegisterCheck(&HealthCheck{
		Name:     "slow",
		Timeout:  10 * time.Millisecond,
		Critical: true,
		CheckFunc: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
	})
	resp := hc.Check(context.Background())
	assert.Equal(t, HealthStatusUnhealthy, resp.Status)
	assert.Contains(t, resp.Checks["slow"].Message, "deadline")
}

func TestHTTPReachable(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer up.Close()
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer down.Close()

	assert.NoError(t, HTTPReachable(nil, up.URL)(context.Background()))
	assert.Error(t, HTTPReachable(nil, down.URL)(context.Background()))
}
