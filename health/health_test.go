package health

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/superfly/dmpool/perf"
	"github.com/superfly/dmpool/raid"
	"github.com/superfly/dmpool/thinpool"
	"github.com/superfly/dmpool/units"
)

func TestAggregateAllGood(t *testing.T) {
	zones := map[string]raid.Status{
		"zone0": {Degraded: 0},
		"zone1": {Degraded: 0},
	}
	if got := Aggregate(zones); !got.Good() {
		t.Fatalf("Aggregate() = %v, want good", got)
	}
}

func TestAggregateWorstDegradedWins(t *testing.T) {
	zones := map[string]raid.Status{
		"zone0": {Degraded: 1},
		"zone1": {Degraded: 2},
		"zone2": {Degraded: 0},
	}
	got := Aggregate(zones)
	if got.Degraded != 2 {
		t.Fatalf("Aggregate() = %v, want degraded(2)", got)
	}
}

func TestAggregateAnyFailedWins(t *testing.T) {
	zones := map[string]raid.Status{
		"zone0": {Degraded: 2},
		"zone1": {Degraded: -1},
	}
	if got := Aggregate(zones); !got.Failed() {
		t.Fatalf("Aggregate() = %v, want failed", got)
	}
}

// TestAggregateIsOrderIndependent guards the property that distinguishes
// this from original_source/src/froyo.rs's Froyo::status loop: visiting
// the same set of zone statuses in any order must produce the same
// pool-wide verdict, since Go map iteration order is itself random.
func TestAggregateIsOrderIndependent(t *testing.T) {
	forward := map[string]raid.Status{
		"a": {Degraded: 1},
		"b": {Degraded: 0},
		"c": {Degraded: 2},
	}
	reverse := map[string]raid.Status{
		"c": {Degraded: 2},
		"b": {Degraded: 0},
		"a": {Degraded: 1},
	}
	if Aggregate(forward) != Aggregate(reverse) {
		t.Fatalf("Aggregate must not depend on iteration order")
	}
}

func TestSnapshotAndString(t *testing.T) {
	zones := map[string]raid.Status{
		"zone1": {Degraded: 1},
		"zone0": {Degraded: 0},
	}
	actions := map[string]raid.Action{
		"zone1": raid.ActionRecover,
		"zone0": raid.ActionIdle,
	}
	h := Snapshot("pool1", zones, actions, PerfThrottled)

	if h.Pool.Degraded != 1 {
		t.Fatalf("Snapshot aggregate = %v, want degraded(1)", h.Pool)
	}

	s := h.String()
	i0 := strings.Index(s, "zone0=")
	i1 := strings.Index(s, "zone1=")
	if i0 < 0 || i1 < 0 || i0 > i1 {
		t.Fatalf("String() did not list zones in sorted order: %q", s)
	}
	if !strings.Contains(s, "perf=throttled") {
		t.Fatalf("String() missing perf status: %q", s)
	}
}

func TestUsageReportFormatsBytesAndPercentage(t *testing.T) {
	u := thinpool.BlockUsage{UsedMeta: 5, TotalMeta: 10, UsedData: 50, TotalData: 100}
	s := UsageReport(u, units.DataBlockSize)
	if !strings.Contains(s, "50.0%") {
		t.Fatalf("UsageReport() = %q, want it to mention 50.0%%", s)
	}
	if !strings.Contains(s, "5/10 blocks") {
		t.Fatalf("UsageReport() = %q, want metadata block counts", s)
	}
}

func TestUsageReportZeroTotalDataDoesNotDivideByZero(t *testing.T) {
	u := thinpool.BlockUsage{}
	s := UsageReport(u, units.DataBlockSize)
	if !strings.Contains(s, "0.0%") {
		t.Fatalf("UsageReport() = %q, want 0.0%% for empty pool", s)
	}
}

func TestCollectorEmitsNothingBeforeUpdate(t *testing.T) {
	c := NewCollector()
	ch := make(chan prometheus.Metric, 16)
	c.Collect(ch)
	close(ch)
	n := 0
	for range ch {
		n++
	}
	if n != 0 {
		t.Fatalf("Collect() before Update emitted %d metrics, want 0", n)
	}
}

func TestCollectorEmitsExpectedMetrics(t *testing.T) {
	c := NewCollector()
	zones := map[string]raid.Status{"zone0": {Degraded: 1}}
	actions := map[string]raid.Action{"zone0": raid.ActionRecover}
	h := Snapshot("pool1", zones, actions, PerfGood)
	usage := thinpool.BlockUsage{UsedMeta: 1, TotalMeta: 2, UsedData: 3, TotalData: 4}
	c.Update(h, usage, units.DataBlockSize)

	ch := make(chan prometheus.Metric, 16)
	c.Collect(ch)
	close(ch)

	var poolStatusSeen, actionInfoSeen bool
	for m := range ch {
		var pb dto.Metric
		if err := m.Write(&pb); err != nil {
			t.Fatalf("Write: %v", err)
		}
		desc := m.Desc().String()
		switch {
		case strings.Contains(desc, "dmpool_pool_status"):
			poolStatusSeen = true
			if pb.GetGauge().GetValue() != 1 {
				t.Fatalf("pool status = %v, want 1 (degraded)", pb.GetGauge().GetValue())
			}
		case strings.Contains(desc, "dmpool_zone_sync_action_info"):
			actionInfoSeen = true
			for _, lp := range pb.GetLabel() {
				if lp.GetName() == "action" && lp.GetValue() != "recover" {
					t.Fatalf("action label = %q, want snake_case %q", lp.GetValue(), "recover")
				}
			}
		}
	}
	if !poolStatusSeen {
		t.Fatalf("did not see dmpool_pool_status metric")
	}
	if !actionInfoSeen {
		t.Fatalf("did not see dmpool_zone_sync_action_info metric")
	}
}

func TestCollectorEmitsOperationMetricsAfterUpdate(t *testing.T) {
	c := NewCollector()

	m := perf.NewOperationMetrics()
	m.RecordCreate(3 * time.Second)
	c.UpdateOperationMetrics(m)

	ch := make(chan prometheus.Metric, 16)
	c.Collect(ch)
	close(ch)

	var sawCreateDuration bool
	for metric := range ch {
		var pb dto.Metric
		if err := metric.Write(&pb); err != nil {
			t.Fatalf("Write: %v", err)
		}
		if strings.Contains(metric.Desc().String(), "dmpool_operation_duration_seconds_total") {
			for _, lp := range pb.GetLabel() {
				if lp.GetName() == "operation" && lp.GetValue() == "create" {
					sawCreateDuration = true
					if pb.GetCounter().GetValue() != 3 {
						t.Fatalf("create duration = %v, want 3s", pb.GetCounter().GetValue())
					}
				}
			}
		}
	}
	if !sawCreateDuration {
		t.Fatalf("did not see dmpool_operation_duration_seconds_total{operation=\"create\"}")
	}
}
