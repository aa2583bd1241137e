package pool

import (
	"encoding/json"
	"fmt"

	"github.com/superfly/dmpool/member"
	"github.com/superfly/dmpool/raid"
	"github.com/superfly/dmpool/units"
)

// snapshotVersion is the Snapshot wire format version, carried as
// Snapshot.Version so a future incompatible layout change can be
// detected on Decode rather than silently misparsed, per SPEC_FULL
// §6.1.
const snapshotVersion = 1

// SegmentSnapshot is a (start, length) run on some parent's logical
// address space — a member's sector space for a meta/data area, or a
// RaidDev's logical space for a RaidSegment.
type SegmentSnapshot struct {
	Start  units.SectorOffset `json:"start"`
	Length units.Sector       `json:"length"`
}

// MemberSnapshot is the persisted-payload record of one pool member,
// per spec.md §6: "for each member its id, path, and sector count".
type MemberSnapshot struct {
	ID            string       `json:"id"`
	Path          string       `json:"path"`
	DeviceSectors units.Sector `json:"device_sectors"`
}

// RaidMemberSnapshot is one ordered slot of a RaidDev's member vector:
// either Present (naming the parent Member and the meta/data areas and
// linear-device id carved from it) or Absent (naming the ids it held
// the last time the pool was saved, so a later rediscover can tell
// which physical slot is missing).
type RaidMemberSnapshot struct {
	Present     bool            `json:"present"`
	ParentID    string          `json:"parent_id,omitempty"`
	LinearID    string          `json:"linear_id,omitempty"`
	MetaSegment SegmentSnapshot `json:"meta_segment,omitempty"`
	DataSegment SegmentSnapshot `json:"data_segment,omitempty"`
	AbsentID    string          `json:"absent_linear_id,omitempty"`
	AbsentMeta  string          `json:"absent_parent_id,omitempty"`
}

// RaidDevSnapshot is the persisted-payload record of one RAID5 zone,
// per spec.md §6: "for each RAID zone its id, stripe, region, length,
// and ordered member descriptors".
type RaidDevSnapshot struct {
	ID            string               `json:"id"`
	StripeSectors units.Sector         `json:"stripe_sectors"`
	RegionSectors units.Sector         `json:"region_sectors"`
	Length        units.Sector         `json:"length"`
	Members       []RaidMemberSnapshot `json:"members"`
}

// RaidSegmentSnapshot is one claimed run of a RaidLinearDev, naming
// the RaidDev zone it was carved from.
type RaidSegmentSnapshot struct {
	ParentID string             `json:"parent_id"`
	Start    units.SectorOffset `json:"start"`
	Length   units.Sector       `json:"length"`
}

// RaidLinearSnapshot is the persisted-payload record of one
// RaidLinearDev (the thin pool's meta or data device).
type RaidLinearSnapshot struct {
	ID       string                `json:"id"`
	Segments []RaidSegmentSnapshot `json:"segments"`
}

// ThinPoolSnapshot is the persisted-payload record of the pool's
// single ThinPool, per spec.md §6: "the thin pool's data_block_size,
// low_water_blocks, and the segment lists of its meta and data
// raid-linear devices".
type ThinPoolSnapshot struct {
	ID               string             `json:"id"`
	DataBlockSectors units.Sector       `json:"data_block_sectors"`
	LowWaterBlocks   uint64             `json:"low_water_blocks"`
	MetaDev          RaidLinearSnapshot `json:"meta_dev"`
	DataDev          RaidLinearSnapshot `json:"data_dev"`
}

// ThinDevSnapshot is the persisted-payload record of one thin volume,
// per spec.md §6: "each thin dev's name, thin_number, size".
type ThinDevSnapshot struct {
	Name       string       `json:"name"`
	ThinNumber uint32       `json:"thin_number"`
	Size       units.Sector `json:"size"`
}

// Snapshot is the flat, pointer-free representation of a Pool that
// crosses the MDA boundary (SPEC_FULL §6.1). The live Pool (arena +
// immutable id vectors) is built from a Snapshot on Discover and
// flattened into one on SaveState.
type Snapshot struct {
	Version   int               `json:"version"`
	Name      string            `json:"name"`
	ID        string            `json:"id"`
	Members   []MemberSnapshot  `json:"members"`
	RaidDevs  []RaidDevSnapshot `json:"raid_devs"`
	ThinPool  ThinPoolSnapshot  `json:"thin_pool"`
	ThinDevs  []ThinDevSnapshot `json:"thin_devs"`
	Throttled bool              `json:"throttled"`
}

func segmentSnapshot(a member.Area) SegmentSnapshot {
	return SegmentSnapshot{Start: a.Start, Length: a.Length}
}

func raidSegmentSnapshot(s *raid.RaidSegment) RaidSegmentSnapshot {
	return RaidSegmentSnapshot{ParentID: s.Parent.ID, Start: s.Area.Start, Length: s.Area.Length}
}

func raidLinearSnapshot(id string, segments []*raid.RaidSegment) RaidLinearSnapshot {
	out := make([]RaidSegmentSnapshot, len(segments))
	for i, s := range segments {
		out[i] = raidSegmentSnapshot(s)
	}
	return RaidLinearSnapshot{ID: id, Segments: out}
}

// Snapshot flattens the live Pool into its persisted-payload form.
func (p *Pool) Snapshot() Snapshot {
	members := make([]MemberSnapshot, 0, len(p.Members()))
	for _, m := range p.Members() {
		members = append(members, MemberSnapshot{ID: m.ID, Path: m.Path, DeviceSectors: m.DeviceSectors})
	}

	raidDevs := make([]RaidDevSnapshot, 0, len(p.RaidDevs()))
	for _, rd := range p.RaidDevs() {
		rms := make([]RaidMemberSnapshot, 0, len(rd.Members()))
		for _, rm := range rd.Members() {
			if !rm.Present {
				rms = append(rms, RaidMemberSnapshot{Present: false, AbsentID: rm.AbsentID, AbsentMeta: rm.AbsentMeta})
				continue
			}
			rms = append(rms, RaidMemberSnapshot{
				Present:     true,
				ParentID:    rm.Linear.MemberID,
				LinearID:    rm.Linear.ID,
				MetaSegment: segmentSnapshot(rm.Linear.MetaArea),
				DataSegment: segmentSnapshot(rm.Linear.DataArea),
			})
		}
		raidDevs = append(raidDevs, RaidDevSnapshot{
			ID: rd.ID, StripeSectors: rd.StripeSectors, RegionSectors: rd.RegionSectors,
			Length: rd.Length, Members: rms,
		})
	}

	var tp ThinPoolSnapshot
	if p.ThinPool != nil {
		tp = ThinPoolSnapshot{
			ID:               p.ThinPool.ID,
			DataBlockSectors: p.ThinPool.DataBlockSectors,
			LowWaterBlocks:   p.ThinPool.LowWaterBlocks,
			MetaDev:          raidLinearSnapshot(p.ThinPool.MetaDev.ID, p.ThinPool.MetaDev.Segments),
			DataDev:          raidLinearSnapshot(p.ThinPool.DataDev.ID, p.ThinPool.DataDev.Segments),
		}
	}

	thinDevs := make([]ThinDevSnapshot, 0, len(p.ThinDevs))
	for _, td := range p.ThinDevs {
		thinDevs = append(thinDevs, ThinDevSnapshot{Name: td.Name, ThinNumber: td.ThinNumber, Size: td.Size})
	}

	return Snapshot{
		Version: snapshotVersion, Name: p.Name, ID: p.ID,
		Members: members, RaidDevs: raidDevs, ThinPool: tp, ThinDevs: thinDevs,
		Throttled: p.Throttled,
	}
}

// Codec encodes/decodes the persisted metadata payload spec.md §6
// requires, a JSON document versioned by a top-level "version" field.
type Codec struct{}

// Encode serializes a Pool's current Snapshot to JSON.
func (Codec) Encode(p *Pool) ([]byte, error) {
	data, err := json.Marshal(p.Snapshot())
	if err != nil {
		return nil, fmt.Errorf("pool: encoding persisted payload: %w", err)
	}
	return data, nil
}

// Decode parses a persisted payload into a Snapshot.
func (Codec) Decode(data []byte) (*Snapshot, error) {
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("pool: decoding persisted payload: %w", err)
	}
	if snap.Version != snapshotVersion {
		return nil, fmt.Errorf("pool: persisted payload version %d, dmpool understands %d", snap.Version, snapshotVersion)
	}
	return &snap, nil
}
