package observability

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cwhhwc/AI-lesson-plan-writing/pkg/kv"
	"github.com/cwhhwc/AI-lesson-plan-writing/pkg/writequeue"
)

// HealthStatus is the outcome of one check or of all of them.
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

const defaultCheckTimeout = 5 * time.Second

// Version is reported by the health endpoint.
var Version = "dev"

// HealthCheck is a named probe. A failing critical check makes the client
// unhealthy; any other failure only degrades it.
type HealthCheck struct {
	Name      string
	CheckFunc func(context.Context) error
	Timeout   time.Duration
	Critical  bool
}

// CheckStatus is the result of one probe.
type CheckStatus struct {
	Status   HealthStatus `json:"status"`
	Message  string       `json:"message,omitempty"`
	Duration string       `json:"duration,omitempty"`
}

// HealthResponse is the body of /health.
type HealthResponse struct {
	Status    HealthStatus           `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Version   string                 `json:"version"`
	Uptime    string                 `json:"uptime"`
	Checks    map[string]CheckStatus `json:"checks"`
	// Queue is the archive write queue, when one was attached.
	Queue *writequeue.Status `json:"queue,omitempty"`
}

// HealthChecker runs registered probes concurrently.
type HealthChecker struct {
	started time.Time
	queue   func() writequeue.Status

	mu     sync.RWMutex
	checks map[string]*HealthCheck
}

// HealthOption configures a HealthChecker.
type HealthOption func(*HealthChecker)

// WithQueueStatus reports the write queue depth in every response.
func WithQueueStatus(fn func() writequeue.Status) HealthOption {
	return func(hc *HealthChecker) { hc.queue = fn }
}

// NewHealthChecker creates a checker with no checks registered.
func NewHealthChecker(opts ...HealthOption) *HealthChecker {
	hc := &HealthChecker{started: time.Now(), checks: make(map[string]*HealthCheck)}
	for _, opt := range opts {
		opt(hc)
	}
	return hc
}

// RegisterCheck adds check, replacing any check with the same name.
func (hc *HealthChecker) RegisterCheck(check *HealthCheck) {
	if check.Timeout <= 0 {
		check.Timeout = defaultCheckTimeout
	}
	hc.mu.Lock()
	hc.checks[check.Name] = check
	hc.mu.Unlock()
}

// Check runs every probe and folds the results into one status.
func (hc *HealthChecker) Check(ctx context.Context) HealthResponse {
	hc.mu.RLock()
	checks := make([]*HealthCheck, 0, len(hc.checks))
	for _, c := range hc.checks {
		checks = append(checks, c)
	}
	hc.mu.RUnlock()

	var (
		wg      sync.WaitGroup
		resMu   sync.Mutex
		results = make(map[string]CheckStatus, len(checks))
	)
	for _, c := range checks {
		wg.Go(func() {
			st := runProbe(ctx, c)
			resMu.Lock()
			results[c.Name] = st
			resMu.Unlock()
		})
	}
	wg.Wait()

	resp := HealthResponse{
		Status:    worst(results),
		Timestamp: time.Now(),
		Version:   Version,
		Uptime:    time.Since(hc.started).Round(time.Second).String(),
		Checks:    results,
	}
	if hc.queue != nil {
		qs := hc.queue()
		resp.Queue = &qs
	}
	return resp
}

func worst(results map[string]CheckStatus) HealthStatus {
	out := HealthStatusHealthy
	for _, r := range results {
		switch r.Status {
		case HealthStatusUnhealthy:
			return HealthStatusUnhealthy
		case HealthStatusDegraded:
			out = HealthStatusDegraded
		}
	}
	return out
}

// runProbe gives up at the check's timeout even if CheckFunc ignores ctx.
func runProbe(ctx context.Context, check *HealthCheck) CheckStatus {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, check.Timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- check.CheckFunc(ctx) }()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}

	st := CheckStatus{Status: HealthStatusHealthy, Message: "OK", Duration: time.Since(start).String()}
	if err == nil {
		return st
	}
	st.Message = err.Error()
	st.Status = HealthStatusDegraded
	if check.Critical {
		st.Status = HealthStatusUnhealthy
	}
	return st
}

// Handler serves the full report; 503 when unhealthy.
func (hc *HealthChecker) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := hc.Check(r.Context())
		code := http.StatusOK
		if resp.Status == HealthStatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, resp)
	}
}

// LivenessHandler always answers 200 while the process serves HTTP.
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
	}
}

// ReadinessHandler is ready only while every check passes.
func (hc *HealthChecker) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if hc.Check(r.Context()).Status == HealthStatusHealthy {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
			return
		}
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// StoreCheck pings the key-value store holding credentials and history.
func StoreCheck(p kv.Pinger) *HealthCheck {
	return &HealthCheck{Name: "store", CheckFunc: p.Ping, Critical: true}
}

// ExternalServiceCheck is a non-critical check with a longer timeout.
func ExternalServiceCheck(name string, fn func(context.Context) error) *HealthCheck {
	return &HealthCheck{Name: name, CheckFunc: fn, Timeout: 10 * time.Second}
}

// HTTPReachable returns a check function that succeeds when url answers
// with any status below 500.
func HTTPReachable(client *http.Client, url string) func(context.Context) error {
	if client == nil {
		client = http.DefaultClient
	}
	return func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		_ = resp.Body.Close()
		if resp.StatusCode >= 500 {
			return fmt.Errorf("unexpected status %d", resp.StatusCode)
		}
		return nil
	}
}
