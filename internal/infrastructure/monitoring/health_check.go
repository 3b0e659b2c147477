package monitoring

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"voxrelay/internal/core/ports"
)

const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// ProbeFunc reports nil when the dependency answers.
type ProbeFunc func(ctx context.Context) error

type probe struct {
	name     string
	fn       ProbeFunc
	timeout  time.Duration
	critical bool
}

// CheckResult is the outcome of one probe.
type CheckResult struct {
	Status  string `json:"status"`
	Error   string `json:"error,omitempty"`
	Latency string `json:"latency"`
}

// HealthStatus is the body served on /ready. Ready is false only when a
// critical probe failed; a failing cache leaves the node serving from the
// store.
type HealthStatus struct {
	Status    string                 `json:"status"`
	Ready     bool                   `json:"ready"`
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks"`
}

type HealthChecker struct {
	mu     sync.RWMutex
	probes []probe
}

func NewHealthChecker() *HealthChecker {
	return &HealthChecker{}
}

func (h *HealthChecker) AddCheck(name string, fn ProbeFunc, timeout time.Duration, critical bool) {
	h.mu.Lock()
	h.probes = append(h.probes, probe{name: name, fn: fn, timeout: timeout, critical: critical})
	h.mu.Unlock()
}

// AddAdapterCheck probes a state store or voice cache directly.
func (h *HealthChecker) AddAdapterCheck(name string, adapter ports.Adapter, timeout time.Duration, critical bool) {
	h.AddCheck(name, adapter.HealthCheck, timeout, critical)
}

// AvailabilityReporter exposes the flags kept by the presence health loop.
type AvailabilityReporter interface {
	StoreAvailable() bool
	CacheAvailable() bool
}

var (
	errStoreFlagged = errors.New("store flagged unavailable, reconnecting")
	errCacheFlagged = errors.New("cache flagged unavailable, serving from store")
)

// AddPresenceCheck reports the presence manager's own view of its adapters.
// It lags a direct probe by at most one health interval.
func (h *HealthChecker) AddPresenceCheck(presence AvailabilityReporter) {
	h.AddCheck("presence_store", flagProbe(presence.StoreAvailable, errStoreFlagged), 0, true)
	h.AddCheck("presence_cache", flagProbe(presence.CacheAvailable, errCacheFlagged), 0, false)
}

func flagProbe(up func() bool, down error) ProbeFunc {
	return func(context.Context) error {
		if up() {
			return nil
		}
		return down
	}
}

// CheckAll runs every probe concurrently, so one hung adapter costs at most
// its own timeout.
func (h *HealthChecker) CheckAll(ctx context.Context) HealthStatus {
	h.mu.RLock()
	probes := append([]probe(nil), h.probes...)
	h.mu.RUnlock()

	results := make([]CheckResult, len(probes))
	var g errgroup.Group
	for i, p := range probes {
		i, p := i, p
		g.Go(func() error {
			results[i] = run(ctx, p)
			return nil
		})
	}
	_ = g.Wait()

	status := HealthStatus{
		Status:    StatusHealthy,
		Ready:     true,
		Timestamp: time.Now().UTC(),
		Checks:    make(map[string]CheckResult, len(probes)),
	}
	for i, p := range probes {
		res := results[i]
		status.Checks[p.name] = res
		if res.Status == StatusHealthy {
			continue
		}
		if p.critical {
			status.Status = StatusUnhealthy
			status.Ready = false
		} else if status.Status == StatusHealthy {
			status.Status = StatusDegraded
		}
	}
	return status
}

func run(ctx context.Context, p probe) CheckResult {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	start := time.Now()
	err := p.fn(ctx)
	res := CheckResult{Status: StatusHealthy, Latency: time.Since(start).String()}
	if err != nil {
		res.Status = StatusUnhealthy
		res.Error = err.Error()
	}
	return res
}
