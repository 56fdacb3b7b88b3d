// Package health probes downstream services over HTTP and folds the results
// into a single verdict.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Verdict is the overall health of the target environment
type Verdict string

const (
	Healthy     Verdict = "healthy"
	Degraded    Verdict = "degraded"
	Unreachable Verdict = "unreachable"
)

// DefaultTimeout bounds each probe when none is configured
const DefaultTimeout = 5 * time.Second

// Service is one probed endpoint. A critical service that fails makes the
// whole environment unreachable.
type Service struct {
	Name     string
	URL      string
	Critical bool
}

// ServiceStatus is the outcome of probing one service
type ServiceStatus struct {
	Healthy    bool          `json:"healthy" yaml:"healthy"`
	StatusCode int           `json:"status_code,omitempty" yaml:"status_code,omitempty"`
	Latency    time.Duration `json:"latency" yaml:"latency"`
	Error      string        `json:"error,omitempty" yaml:"error,omitempty"`
	Critical   bool          `json:"critical,omitempty" yaml:"critical,omitempty"`
}

// Report is the result of CheckAllServices
type Report struct {
	Overall   Verdict                  `json:"overall" yaml:"overall"`
	Services  map[string]ServiceStatus `json:"services" yaml:"services"`
	CheckedAt time.Time                `json:"checked_at" yaml:"checked_at"`
}

// Monitor reports the health of the target environment
type Monitor interface {
	CheckAllServices(ctx context.Context) (*Report, error)
}

// HTTPMonitor implements Monitor by issuing GET requests. 2xx and 3xx
// responses count as healthy.
type HTTPMonitor struct {
	services []Service
	client   *http.Client
	logger   *slog.Logger
}

// NewHTTPMonitor creates a monitor for services
func NewHTTPMonitor(services []Service, timeout time.Duration, logger *slog.Logger) *HTTPMonitor {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &HTTPMonitor{
		services: services,
		client:   &http.Client{Timeout: timeout},
		logger:   logger,
	}
}

// CheckAllServices probes every service concurrently
func (m *HTTPMonitor) CheckAllServices(ctx context.Context) (*Report, error) {
	report := &Report{
		Services:  make(map[string]ServiceStatus, len(m.services)),
		CheckedAt: time.Now().UTC(),
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, svc := range m.services {
		g.Go(func() error {
			status := m.probe(gctx, svc)
			mu.Lock()
			report.Services[svc.Name] = status
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("health check interrupted: %w", err)
	}

	report.Overall = Summarize(report.Services)
	m.logger.Debug("health check finished", "overall", report.Overall, "services", len(report.Services))
	return report, nil
}

func (m *HTTPMonitor) probe(ctx context.Context, svc Service) ServiceStatus {
	status := ServiceStatus{Critical: svc.Critical}
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, svc.URL, nil)
	if err != nil {
		status.Error = err.Error()
		return status
	}

	resp, err := m.client.Do(req)
	status.Latency = time.Since(start)
	if err != nil {
		status.Error = err.Error()
		m.logger.Warn("service probe failed", "service", svc.Name, "error", err)
		return status
	}
	defer func() { _ = resp.Body.Close() }()

	status.StatusCode = resp.StatusCode
	status.Healthy = resp.StatusCode >= 200 && resp.StatusCode < 400
	if !status.Healthy {
		status.Error = resp.Status
	}
	return status
}

// Summarize folds per-service results into a verdict: no services or all
// healthy is healthy; a failed critical service or every service failing is
// unreachable; anything else is degraded.
func Summarize(services map[string]ServiceStatus) Verdict {
	if len(services) == 0 {
		return Healthy
	}

	failed := 0
	for _, s := range services {
		if s.Healthy {
			continue
		}
		if s.Critical {
			return Unreachable
		}
		failed++
	}

	switch {
	case failed == 0:
		return Healthy
	case failed == len(services):
		return Unreachable
	default:
		return Degraded
	}
}
