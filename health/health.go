// Package health implements spec.md §4.7's pool health reporting:
// aggregating per-zone RAID5 status into one pool-wide verdict (P8),
// tracking the performance-throttle flag, and publishing both as
// Prometheus metrics and human-readable text.
package health

import (
	"fmt"
	"sort"

	"github.com/superfly/dmpool/raid"
)

// PerfStatus is the pool's I/O throttle state, independent of member
// health. Grounded on original_source/src/froyo.rs's FroyoPerfStatus.
type PerfStatus int

const (
	PerfGood PerfStatus = iota
	PerfThrottled
)

func (p PerfStatus) String() string {
	if p == PerfThrottled {
		return "throttled"
	}
	return "good"
}

// Aggregate folds every RAID5 zone's status into a single pool-wide
// verdict: Failed if any zone is Failed, otherwise the worst
// (maximum) Degraded count seen across zones, otherwise Good.
//
// This deliberately replaces original_source/src/froyo.rs's Froyo::
// status loop, which assigns status = Degraded(x) on every degraded
// zone it visits without comparing to the previous value — so a pool
// with a Degraded(1) zone followed by a Degraded(0)-reporting bug (or
// simply visited in the wrong BTreeMap order) can report a less
// severe status than a zone it already passed. Max-over-zones is
// monotonic in the number of zones inspected and is order-independent,
// per spec.md's explicit P8 property.
func Aggregate(zones map[string]raid.Status) raid.Status {
	worst := raid.Status{}
	for _, s := range zones {
		if s.Failed() {
			return raid.Status{Degraded: -1}
		}
		if s.Degraded > worst.Degraded {
			worst = s
		}
	}
	return worst
}

// PoolHealth is a full health snapshot: the aggregated pool status,
// every zone's individual status, and the throttle flag. Grounded on
// Froyo::status's (FroyoStatus, FroyoPerfStatus) pair, generalized to
// retain the per-zone detail the pair discards.
type PoolHealth struct {
	PoolName string
	Pool     raid.Status
	Zones    map[string]raid.Status
	Actions  map[string]raid.Action
	Perf     PerfStatus
}

// Snapshot builds a PoolHealth from per-zone (status, action) pairs.
func Snapshot(poolName string, zones map[string]raid.Status, actions map[string]raid.Action, perf PerfStatus) PoolHealth {
	return PoolHealth{
		PoolName: poolName,
		Pool:     Aggregate(zones),
		Zones:    zones,
		Actions:  actions,
		Perf:     perf,
	}
}

// String renders a one-line human-readable summary, zones in
// deterministic (sorted) order so repeated calls diff cleanly in
// logs.
func (h PoolHealth) String() string {
	ids := make([]string, 0, len(h.Zones))
	for id := range h.Zones {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	s := fmt.Sprintf("pool %s: %s, perf=%s", h.PoolName, h.Pool, h.Perf)
	for _, id := range ids {
		s += fmt.Sprintf(", zone %s=%s/%s", id, h.Zones[id], h.Actions[id])
	}
	return s
}
