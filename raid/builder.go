package raid

import (
	"context"
	"fmt"

	"github.com/superfly/dmpool/dmclient"
	"github.com/superfly/dmpool/member"
	"github.com/superfly/dmpool/units"
)

// BuildZone carves a new RAID5 zone out of candidates' free space,
// per spec.md §4.3/§4.4 and original_source/src/froyo.rs's
// create_redundant_zone: members too small to be worth including are
// dropped, the region size is doubled until the write-intent bitmap's
// region count fits MaxRegions, and every qualifying member
// contributes an equally-sized data area plus a bitmap-sized meta
// area. When force is true, each new member's meta area is zeroed
// before the raid5 target is built (spec.md §4.4 step 9). Returns
// (nil, nil) — not an error — when fewer than two candidates qualify,
// matching create_redundant_zone's Option-typed "no zone possible yet"
// result.
func BuildZone(
	ctx context.Context,
	dm dmclient.Interface,
	resolveMember member.DevNumResolver,
	resolveRaid DevNumResolver,
	poolName, zoneID string,
	candidates []*member.Member,
	force bool,
) (*RaidDev, error) {
	type qualifier struct {
		m    *member.Member
		free Area
	}

	var qualifying []qualifier
	for _, m := range candidates {
		a := m.LargestFreeArea()
		if units.Sector(a.Length) >= units.MinDataZoneSectors {
			qualifying = append(qualifying, qualifier{m: m, free: Area{Start: a.Start, Length: a.Length}})
		}
	}

	if len(qualifying) < 2 {
		return nil, nil
	}

	commonFree := qualifying[0].free.Length
	for _, q := range qualifying[1:] {
		if q.free.Length < commonFree {
			commonFree = q.free.Length
		}
	}

	region := units.DefaultRegionSectors
	for units.CeilDiv(uint64(commonFree), uint64(region)) > uint64(units.MaxRegions) {
		region *= 2
	}
	regionCount := units.CeilDiv(uint64(commonFree), uint64(region))

	metaSectors := writeIntentBitmapSectors(regionCount)
	if metaSectors >= commonFree {
		return nil, fmt.Errorf("zone %s: common free space %d sectors too small for a %d sector bitmap", zoneID, commonFree, metaSectors)
	}

	dataSectors := units.AlignDown(commonFree-metaSectors, units.StripeSectors)
	if dataSectors == 0 {
		return nil, fmt.Errorf("zone %s: no stripe-aligned data space remains after reserving the bitmap", zoneID)
	}

	raidMembers := make([]RaidMember, len(qualifying))
	for i, q := range qualifying {
		metaArea := member.Area{Start: q.free.Start, Length: metaSectors}
		dataArea := member.Area{Start: q.free.Start.Add(metaSectors), Length: dataSectors}

		if force {
			if err := q.m.Zero(metaArea); err != nil {
				return nil, fmt.Errorf("zeroing zone %s member %d (%s) meta area: %w", zoneID, i, q.m.ID, err)
			}
		}

		linearID := fmt.Sprintf("%s-m%d", zoneID, i)
		ld, err := member.Create(ctx, dm, resolveMember, poolName, q.m, linearID, metaArea, dataArea)
		if err != nil {
			return nil, fmt.Errorf("carving zone %s member %d (%s): %w", zoneID, i, q.m.ID, err)
		}
		raidMembers[i] = RaidMember{Present: true, Linear: ld}
	}

	return Create(ctx, dm, resolveRaid, poolName, zoneID, raidMembers, units.StripeSectors, region)
}

// writeIntentBitmapSectors computes the per-member dm-raid write-intent
// bitmap size, in sectors, for a zone spanning regionCount regions.
// spec.md gives this formula as an explicit ceiling-division
// (align_up(8192 + ceil(region_count/8), 512) rounded up to a power of
// two), which is deliberately stricter than
// original_source/src/raid.rs's floor-division version — see
// SPEC_FULL §9.1 and DESIGN.md's raid section.
func writeIntentBitmapSectors(regionCount uint64) units.Sector {
	bitmapBytes := 8192 + units.CeilDiv(regionCount, 8)
	bitmapBytes = alignUp64(bitmapBytes, 512)
	bitmapBytes = nextPowerOfTwo64(bitmapBytes)
	return units.SectorsFromBytes(bitmapBytes)
}

func alignUp64(n, align uint64) uint64 {
	return (n + align - 1) &^ (align - 1)
}

func nextPowerOfTwo64(n uint64) uint64 {
	if n == 0 {
		return 1
	}
	p := uint64(1)
	for p < n {
		p <<= 1
	}
	return p
}
