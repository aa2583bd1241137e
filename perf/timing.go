// Package perf provides performance measurement utilities for pool
// orchestration operations.
package perf

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Timer tracks operation timing for performance analysis.
type Timer struct {
	name      string
	startTime time.Time
	logger    logrus.FieldLogger
}

// Start begins timing an operation.
func Start(name string, logger logrus.FieldLogger) *Timer {
	return &Timer{
		name:      name,
		startTime: time.Now(),
		logger:    logger,
	}
}

// Stop ends timing and logs the duration.
func (t *Timer) Stop() time.Duration {
	duration := time.Since(t.startTime)
	if t.logger != nil {
		t.logger.WithFields(logrus.Fields{
			"operation":   t.name,
			"duration_ms": duration.Milliseconds(),
		}).Info("operation completed")
	}
	return duration
}

// StopWithThreshold logs a warning if duration exceeds threshold.
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	duration := time.Since(t.startTime)
	fields := logrus.Fields{
		"operation":   t.name,
		"duration_ms": duration.Milliseconds(),
	}
	if t.logger != nil {
		if duration > threshold {
			t.logger.WithFields(fields).Warn("operation exceeded threshold")
		} else {
			t.logger.WithFields(fields).Debug("operation completed")
		}
	}
	return duration
}

// OperationMetrics tracks timing for the pool orchestrator's four
// top-level operations (Create, Discover, SaveState, Status), plus how
// many times each has run. health.Collector exposes a snapshot of this
// as Prometheus counters so an operator can see which operation is slow
// without grepping logs.
type OperationMetrics struct {
	mu sync.Mutex

	CreateDuration    time.Duration
	DiscoverDuration  time.Duration
	SaveStateDuration time.Duration
	StatusDuration    time.Duration

	CreateCount    int
	DiscoverCount  int
	SaveStateCount int
	StatusCount    int
}

// NewOperationMetrics creates a new metrics tracker.
func NewOperationMetrics() *OperationMetrics {
	return &OperationMetrics{}
}

// RecordCreate records one pool.Create call's duration.
func (m *OperationMetrics) RecordCreate(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CreateDuration += d
	m.CreateCount++
}

// RecordDiscover records one pool.Discover call's duration.
func (m *OperationMetrics) RecordDiscover(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.DiscoverDuration += d
	m.DiscoverCount++
}

// RecordSaveState records one pool.SaveState call's duration.
func (m *OperationMetrics) RecordSaveState(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SaveStateDuration += d
	m.SaveStateCount++
}

// RecordStatus records one pool.Status call's duration.
func (m *OperationMetrics) RecordStatus(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.StatusDuration += d
	m.StatusCount++
}

// Snapshot is a point-in-time copy of OperationMetrics safe to read
// without holding the tracker's lock, used by health.Collector.
type Snapshot struct {
	CreateDuration    time.Duration
	DiscoverDuration  time.Duration
	SaveStateDuration time.Duration
	StatusDuration    time.Duration

	CreateCount    int
	DiscoverCount  int
	SaveStateCount int
	StatusCount    int
}

// Snapshot takes a consistent copy of the current counters.
func (m *OperationMetrics) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{
		CreateDuration:    m.CreateDuration,
		DiscoverDuration:  m.DiscoverDuration,
		SaveStateDuration: m.SaveStateDuration,
		StatusDuration:    m.StatusDuration,
		CreateCount:       m.CreateCount,
		DiscoverCount:     m.DiscoverCount,
		SaveStateCount:    m.SaveStateCount,
		StatusCount:       m.StatusCount,
	}
}

// Summary returns a formatted summary of the metrics, meant for
// operator-facing text output rather than logs.
func (m *OperationMetrics) Summary() string {
	s := m.Snapshot()
	return fmt.Sprintf(`
=== Pool Orchestrator Performance ===
Create:     %v total, %d call(s)
Discover:   %v total, %d call(s)
SaveState:  %v total, %d call(s)
Status:     %v total, %d call(s)
`,
		s.CreateDuration, s.CreateCount,
		s.DiscoverDuration, s.DiscoverCount,
		s.SaveStateDuration, s.SaveStateCount,
		s.StatusDuration, s.StatusCount,
	)
}

// contextKey is used to store metrics in context.
type contextKey struct{}

// WithMetrics attaches m to ctx so the orchestrator operations it
// wraps can record into it without widening their own signatures.
func WithMetrics(ctx context.Context, m *OperationMetrics) context.Context {
	return context.WithValue(ctx, contextKey{}, m)
}

// MetricsFromContext retrieves metrics from context, or nil if none
// was attached — callers must treat a nil result as "don't record".
func MetricsFromContext(ctx context.Context) *OperationMetrics {
	m, _ := ctx.Value(contextKey{}).(*OperationMetrics)
	return m
}
