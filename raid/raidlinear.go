package raid

import (
	"context"
	"fmt"

	"github.com/superfly/dmpool/dmclient"
	"github.com/superfly/dmpool/member"
	"github.com/superfly/dmpool/units"
)

// RaidLinearDev concatenates one or more RaidSegments — possibly from
// different RaidDev zones — into a single dm linear device, the
// "raid-linear" step of the stacked linear→raid5→raid-linear→
// thin-pool→thin graph. A ThinPool's metadata and data devices are
// each one RaidLinearDev. Grounded on original_source/src/raid.rs's
// RaidLinearDev, adapted from a single-segment-per-device assumption
// to the general multi-segment concatenation a thin pool's data
// device needs once more than one RAID5 zone exists.
type RaidLinearDev struct {
	ID       string
	Segments []*RaidSegment
	Length   units.Sector
	DevNum   member.DevNum

	dmName string
}

func segmentTable(segments []*RaidSegment) ([]dmclient.TableLine, units.Sector) {
	tables := make([]dmclient.TableLine, len(segments))
	var start units.Sector
	for i, seg := range segments {
		tables[i] = dmclient.TableLine{
			Start: uint64(start), Length: uint64(seg.Area.Length),
			Target: "linear", Params: seg.text(),
		}
		start += seg.Area.Length
	}
	return tables, start
}

// CreateLinear concatenates segments, in order, into one linear dm
// device named dmpool-raidlinear-<poolName>-<id>.
func CreateLinear(ctx context.Context, dm dmclient.Interface, resolve DevNumResolver, poolName, id string, segments []*RaidSegment) (*RaidLinearDev, error) {
	if len(segments) == 0 {
		return nil, fmt.Errorf("raid-linear device %s needs at least one segment", id)
	}

	tables, start := segmentTable(segments)

	dmName := fmt.Sprintf("dmpool-raidlinear-%s-%s", poolName, id)
	if err := dm.Create(ctx, dmName, tables); err != nil {
		return nil, fmt.Errorf("creating raid-linear device %s: %w", dmName, err)
	}

	devNum, err := resolve(dmName)
	if err != nil {
		return nil, fmt.Errorf("resolving device number of %s: %w", dmName, err)
	}

	return &RaidLinearDev{ID: id, Segments: segments, Length: start, DevNum: devNum, dmName: dmName}, nil
}

// Name returns the dm device name backing this concatenation.
func (l *RaidLinearDev) Name() string { return l.dmName }

// Extend appends newSegments to this concatenation and reloads the dm
// table to cover the grown length, via the same load/suspend/resume
// sequence ThinPool.dm_reload uses one layer up. The caller (ThinPool)
// is responsible for reloading its own table afterward, since its
// length is derived from this one.
func (l *RaidLinearDev) Extend(ctx context.Context, dm dmclient.Interface, newSegments []*RaidSegment) error {
	if len(newSegments) == 0 {
		return fmt.Errorf("raid-linear device %s: Extend called with no segments", l.ID)
	}

	l.Segments = append(l.Segments, newSegments...)
	tables, start := segmentTable(l.Segments)
	l.Length = start

	if err := dm.Load(ctx, l.dmName, tables); err != nil {
		return fmt.Errorf("loading grown table for %s: %w", l.dmName, err)
	}
	if err := dm.Suspend(ctx, l.dmName); err != nil {
		return fmt.Errorf("suspending %s: %w", l.dmName, err)
	}
	if err := dm.Resume(ctx, l.dmName); err != nil {
		return fmt.Errorf("resuming %s: %w", l.dmName, err)
	}
	return nil
}
