package pool

import (
	"context"
	"strings"
	"testing"

	"github.com/superfly/dmpool/dmclient"
	"github.com/superfly/dmpool/member"
	"github.com/superfly/dmpool/raid"
	"github.com/superfly/dmpool/units"
)

type memDevice struct{ buf []byte }

func newMemDevice(sectors units.Sector) *memDevice {
	return &memDevice{buf: make([]byte, int(sectors)*units.SectorSize)}
}
func (m *memDevice) ReadAt(p []byte, off int64) (int, error)  { return copy(p, m.buf[off:]), nil }
func (m *memDevice) WriteAt(p []byte, off int64) (int, error) { return copy(m.buf[off:], p), nil }

func fakeMemberResolver(major uint32) member.DevNumResolver {
	n := uint32(0)
	return func(name string) (member.DevNum, error) {
		n++
		return member.DevNum{Major: major, Minor: n}, nil
	}
}

func fakeRaidResolver() raid.DevNumResolver {
	return func(name string) (member.DevNum, error) {
		return member.DevNum{Major: 253, Minor: 99}, nil
	}
}

func newQualifyingMember(t *testing.T, path string, devNum member.DevNum) *member.Member {
	t.Helper()
	sectors := units.MinDeviceSectors
	dev := newMemDevice(sectors)
	m, err := member.Initialize(dev, path, devNum, sectors, "pool1", false)
	if err != nil {
		t.Fatalf("Initialize %s: %v", path, err)
	}
	return m
}

func TestNewIDIsThirtyTwoLowercaseHexChars(t *testing.T) {
	id := newID()
	if len(id) != 32 {
		t.Fatalf("newID() = %q, want 32 chars, got %d", id, len(id))
	}
	if strings.ContainsAny(id, "-ABCDEFGHIJKLMNOPQRSTUVWXYZ") {
		t.Fatalf("newID() = %q, want lowercase hex with no dashes", id)
	}
}

func TestNewIDIsUnique(t *testing.T) {
	if newID() == newID() {
		t.Fatalf("newID() returned the same id twice")
	}
}

func TestClassifyMissing(t *testing.T) {
	cases := []struct {
		missing, total int
		want           missingMemberSeverity
	}{
		{0, 4, missingNone},
		{1, 4, missingTolerable},
		{units.Redundancy, 4, missingTolerable},
		{units.Redundancy + 1, 4, missingFatal},
	}
	for _, c := range cases {
		if got := classifyMissing(c.missing, c.total); got != c.want {
			t.Fatalf("classifyMissing(%d, %d) = %v, want %v", c.missing, c.total, got, c.want)
		}
	}
}

func TestThinPoolMetaSectorsClampedToMinimum(t *testing.T) {
	got := thinPoolMetaSectors(units.DataBlockSize) // one block's worth of data
	minSectors := units.SectorsFromBytes(2 << 20)
	if got != minSectors {
		t.Fatalf("thinPoolMetaSectors(tiny) = %d, want the 2 MiB floor %d", got, minSectors)
	}
}

func TestThinPoolMetaSectorsScalesWithData(t *testing.T) {
	small := thinPoolMetaSectors(units.DataBlockSize * 1000)
	large := thinPoolMetaSectors(units.DataBlockSize * 1000000)
	if large <= small {
		t.Fatalf("expected meta sectors to grow with data size: small=%d large=%d", small, large)
	}
}

func TestCarveFromZonesSplitsOneZoneAcrossCalls(t *testing.T) {
	ctx := context.Background()
	dmc := dmclient.NewFake()

	m1 := newQualifyingMember(t, "/dev/fake0", member.DevNum{Major: 8, Minor: 0})
	m2 := newQualifyingMember(t, "/dev/fake1", member.DevNum{Major: 8, Minor: 16})

	rd, err := raid.BuildZone(ctx, dmc, fakeMemberResolver(253), fakeRaidResolver(),
		"pool1", "zone0", []*member.Member{m1, m2}, false)
	if err != nil {
		t.Fatalf("BuildZone: %v", err)
	}
	if rd == nil {
		t.Fatalf("expected a zone to be carved")
	}

	zones := []*raid.RaidDev{rd}
	want := rd.Length / 2
	segs, obtained, err := carveFromZones(zones, want)
	if err != nil {
		t.Fatalf("carveFromZones: %v", err)
	}
	if obtained != want {
		t.Fatalf("carveFromZones obtained %d, want %d", obtained, want)
	}
	if len(segs) == 0 {
		t.Fatalf("expected at least one segment")
	}

	// A second call for the remainder should drain the zone without error.
	remaining := rd.Length - want
	segs2, obtained2, err := carveFromZones(zones, remaining)
	if err != nil {
		t.Fatalf("carveFromZones (remainder): %v", err)
	}
	if obtained2 > remaining {
		t.Fatalf("carveFromZones over-allocated: got %d, zone only had %d left", obtained2, remaining)
	}
	if len(segs2) == 0 {
		t.Fatalf("expected at least one segment from the remaining free space")
	}
}

func TestCarveFromZonesReturnsPartialWhenZonesRunDry(t *testing.T) {
	ctx := context.Background()
	dmc := dmclient.NewFake()

	m1 := newQualifyingMember(t, "/dev/fake0", member.DevNum{Major: 8, Minor: 0})
	m2 := newQualifyingMember(t, "/dev/fake1", member.DevNum{Major: 8, Minor: 16})

	rd, err := raid.BuildZone(ctx, dmc, fakeMemberResolver(253), fakeRaidResolver(),
		"pool1", "zone0", []*member.Member{m1, m2}, false)
	if err != nil {
		t.Fatalf("BuildZone: %v", err)
	}

	zones := []*raid.RaidDev{rd}
	segs, obtained, err := carveFromZones(zones, rd.Length*2)
	if err != nil {
		t.Fatalf("carveFromZones: %v", err)
	}
	if obtained != rd.Length {
		t.Fatalf("carveFromZones obtained %d, want the full zone length %d", obtained, rd.Length)
	}
	if len(segs) == 0 {
		t.Fatalf("expected segments covering the whole zone")
	}
}

func TestArenaPutAndLookupMembersAndRaidDevs(t *testing.T) {
	p, err := newPool("tank", "pool1id")
	if err != nil {
		t.Fatalf("newPool: %v", err)
	}

	m1 := newQualifyingMember(t, "/dev/fake0", member.DevNum{Major: 8, Minor: 0})
	m2 := newQualifyingMember(t, "/dev/fake1", member.DevNum{Major: 8, Minor: 16})
	if err := p.putMember(m1); err != nil {
		t.Fatalf("putMember m1: %v", err)
	}
	if err := p.putMember(m2); err != nil {
		t.Fatalf("putMember m2: %v", err)
	}

	got, ok := p.Member(m1.ID)
	if !ok || got.ID != m1.ID {
		t.Fatalf("Member(%s) lookup failed", m1.ID)
	}
	if _, ok := p.Member("does-not-exist"); ok {
		t.Fatalf("Member() found an id that was never inserted")
	}

	members := p.Members()
	if len(members) != 2 || members[0].ID != m1.ID || members[1].ID != m2.ID {
		t.Fatalf("Members() = %+v, want [m1, m2] in insertion order", members)
	}

	ctx := context.Background()
	dmc := dmclient.NewFake()
	rd, err := raid.BuildZone(ctx, dmc, fakeMemberResolver(253), fakeRaidResolver(), "tank", "zone0", []*member.Member{m1, m2}, false)
	if err != nil {
		t.Fatalf("BuildZone: %v", err)
	}
	if err := p.putRaidDev(rd); err != nil {
		t.Fatalf("putRaidDev: %v", err)
	}

	gotRD, ok := p.RaidDev(rd.ID)
	if !ok || gotRD.ID != rd.ID {
		t.Fatalf("RaidDev(%s) lookup failed", rd.ID)
	}
	if rds := p.RaidDevs(); len(rds) != 1 || rds[0].ID != rd.ID {
		t.Fatalf("RaidDevs() = %+v, want [%s]", rds, rd.ID)
	}
}

func TestSnapshotCodecRoundTrip(t *testing.T) {
	p, err := newPool("tank", "pool1id")
	if err != nil {
		t.Fatalf("newPool: %v", err)
	}

	m1 := newQualifyingMember(t, "/dev/fake0", member.DevNum{Major: 8, Minor: 0})
	m2 := newQualifyingMember(t, "/dev/fake1", member.DevNum{Major: 8, Minor: 16})
	if err := p.putMember(m1); err != nil {
		t.Fatalf("putMember m1: %v", err)
	}
	if err := p.putMember(m2); err != nil {
		t.Fatalf("putMember m2: %v", err)
	}

	ctx := context.Background()
	dmc := dmclient.NewFake()
	rd, err := raid.BuildZone(ctx, dmc, fakeMemberResolver(253), fakeRaidResolver(), "tank", "zone0", []*member.Member{m1, m2}, false)
	if err != nil {
		t.Fatalf("BuildZone: %v", err)
	}
	if err := p.putRaidDev(rd); err != nil {
		t.Fatalf("putRaidDev: %v", err)
	}

	payload, err := Codec{}.Encode(p)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	snap, err := Codec{}.Decode(payload)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if snap.Name != p.Name || snap.ID != p.ID {
		t.Fatalf("Decode() name/id = %s/%s, want %s/%s", snap.Name, snap.ID, p.Name, p.ID)
	}
	if len(snap.Members) != 2 {
		t.Fatalf("Decode() produced %d members, want 2", len(snap.Members))
	}
	if len(snap.RaidDevs) != 1 || snap.RaidDevs[0].ID != rd.ID {
		t.Fatalf("Decode() raid devs = %+v, want [%s]", snap.RaidDevs, rd.ID)
	}
	for i, rms := range snap.RaidDevs[0].Members {
		if !rms.Present {
			t.Fatalf("raid member %d decoded as absent, want present", i)
		}
	}
}

func TestDecodeRejectsUnknownVersion(t *testing.T) {
	if _, err := (Codec{}).Decode([]byte(`{"version": 999}`)); err == nil {
		t.Fatalf("Decode() accepted an unknown version, want an error")
	}
}
