package scheduler

import (
	"context"
	"time"

	"github.com/kimhsiao/tasksync/internal/logging"
)

// Checker reports whether the remote is reachable.
type Checker interface {
	Health(ctx context.Context) error
}

// StatusSink receives probe results.
type StatusSink interface {
	SetOnlineStatus(online bool)
}

// HTTPProbe polls a health endpoint and reports connectivity to a sink.
type HTTPProbe struct {
	checker  Checker
	sink     StatusSink
	interval time.Duration
	timeout  time.Duration
}

// DefaultProbeInterval is used when NewHTTPProbe gets a non-positive interval.
const DefaultProbeInterval = 30 * time.Second

// NewHTTPProbe creates a probe reporting checker's health to sink.
func NewHTTPProbe(checker Checker, sink StatusSink, interval time.Duration) *HTTPProbe {
	if interval <= 0 {
		interval = DefaultProbeInterval
	}
	timeout := interval / 2
	if timeout > 5*time.Second {
		timeout = 5 * time.Second
	}
	return &HTTPProbe{checker: checker, sink: sink, interval: interval, timeout: timeout}
}

// Check runs one health check and forwards the result.
func (p *HTTPProbe) Check(ctx context.Context) bool {
	checkCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	err := p.checker.Health(checkCtx)
	if err != nil {
		logging.Debug("Health check failed", map[string]interface{}{"error": err.Error()})
	}
	online := err == nil
	p.sink.SetOnlineStatus(online)
	return online
}

// Run checks immediately and then every interval until ctx is done.
func (p *HTTPProbe) Run(ctx context.Context) {
	p.Check(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Check(ctx)
		}
	}
}
