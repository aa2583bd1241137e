package perf

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestOperationMetricsAccumulates(t *testing.T) {
	m := NewOperationMetrics()
	m.RecordCreate(10 * time.Millisecond)
	m.RecordCreate(5 * time.Millisecond)
	m.RecordDiscover(20 * time.Millisecond)

	s := m.Snapshot()
	if s.CreateCount != 2 {
		t.Fatalf("CreateCount = %d, want 2", s.CreateCount)
	}
	if s.CreateDuration != 15*time.Millisecond {
		t.Fatalf("CreateDuration = %v, want 15ms", s.CreateDuration)
	}
	if s.DiscoverCount != 1 || s.DiscoverDuration != 20*time.Millisecond {
		t.Fatalf("Discover stats wrong: %+v", s)
	}
	if s.SaveStateCount != 0 || s.StatusCount != 0 {
		t.Fatalf("expected no SaveState/Status calls recorded, got %+v", s)
	}
}

func TestMetricsFromContextRoundTrips(t *testing.T) {
	if got := MetricsFromContext(context.Background()); got != nil {
		t.Fatalf("expected nil metrics from a bare context, got %v", got)
	}

	m := NewOperationMetrics()
	ctx := WithMetrics(context.Background(), m)
	if got := MetricsFromContext(ctx); got != m {
		t.Fatalf("MetricsFromContext did not return the attached tracker")
	}
}

func TestSummaryIncludesAllOperations(t *testing.T) {
	m := NewOperationMetrics()
	m.RecordCreate(time.Millisecond)
	m.RecordDiscover(time.Millisecond)
	m.RecordSaveState(time.Millisecond)
	m.RecordStatus(time.Millisecond)

	s := m.Summary()
	for _, want := range []string{"Create:", "Discover:", "SaveState:", "Status:"} {
		if !strings.Contains(s, want) {
			t.Fatalf("Summary() missing %q: %s", want, s)
		}
	}
}
