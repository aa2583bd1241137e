package thinpool

import (
	"context"
	"fmt"
	"testing"

	"github.com/superfly/dmpool/dmclient"
	"github.com/superfly/dmpool/member"
	"github.com/superfly/dmpool/poolerr"
	"github.com/superfly/dmpool/raid"
	"github.com/superfly/dmpool/units"
)

type memDevice struct{ buf []byte }

func newMemDevice(sectors units.Sector) *memDevice {
	return &memDevice{buf: make([]byte, int(sectors)*units.SectorSize)}
}
func (m *memDevice) ReadAt(p []byte, off int64) (int, error)  { return copy(p, m.buf[off:]), nil }
func (m *memDevice) WriteAt(p []byte, off int64) (int, error) { return copy(m.buf[off:], p), nil }

func fakeRaidResolver(major uint32) raid.DevNumResolver {
	n := uint32(0)
	return func(name string) (member.DevNum, error) {
		n++
		return member.DevNum{Major: major, Minor: n}, nil
	}
}

// buildZone creates a small two-member RAID5 zone for tests to carve
// thin-pool meta/data segments out of.
func buildZone(t *testing.T) *raid.RaidDev {
	t.Helper()
	sectors := units.MinDeviceSectors
	dmc := dmclient.NewFake()

	var members []*member.Member
	for i, path := range []string{"/dev/fake0", "/dev/fake1"} {
		dev := newMemDevice(sectors)
		m, err := member.Initialize(dev, path, member.DevNum{Major: 8, Minor: uint32(i)}, sectors, "pool1", false)
		if err != nil {
			t.Fatalf("Initialize %s: %v", path, err)
		}
		members = append(members, m)
	}

	memberResolver := func(string) (member.DevNum, error) { return member.DevNum{Major: 253}, nil }
	rd, err := raid.BuildZone(context.Background(), dmc, memberResolver, fakeRaidResolver(253), "pool1", "zone0", members, false)
	if err != nil {
		t.Fatalf("BuildZone: %v", err)
	}
	if rd == nil {
		t.Fatalf("expected a built zone")
	}
	return rd
}

func TestThinPoolSetupChecksStatus(t *testing.T) {
	rd := buildZone(t)
	metaArea, err := raid.NewSegment(rd, raid.Area{Start: 0, Length: 64})
	if err != nil {
		t.Fatalf("NewSegment meta: %v", err)
	}
	dataArea, err := raid.NewSegment(rd, raid.Area{Start: 64, Length: rd.Length - 64})
	if err != nil {
		t.Fatalf("NewSegment data: %v", err)
	}

	dmc := dmclient.NewFake()
	resolve := fakeRaidResolver(253)

	metaDev, err := raid.CreateLinear(context.Background(), dmc, resolve, "pool1", "thin-meta-p1", []*raid.RaidSegment{metaArea})
	if err != nil {
		t.Fatalf("raid.Create meta: %v", err)
	}
	dataDev, err := raid.CreateLinear(context.Background(), dmc, resolve, "pool1", "thin-data-p1", []*raid.RaidSegment{dataArea})
	if err != nil {
		t.Fatalf("raid.Create data: %v", err)
	}

	dmName := fmt.Sprintf("dmpool-thin-pool-%s-%s", "pool1", "p1")
	dmc.SetStatus(dmName, "0 1000 thin-pool 1 10/100 20/200 - rw 0 0 -")

	tp, err := Setup(context.Background(), dmc, "pool1", "p1", units.DataBlockSize, units.LowWaterBlocks, metaDev, dataDev)
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}

	status, err := tp.Status(context.Background(), dmc)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.Failed || status.Working != WorkingGood {
		t.Fatalf("unexpected status: %+v", status)
	}
	if status.Usage.TotalData != 200 || status.Usage.UsedMeta != 10 {
		t.Fatalf("unexpected usage: %+v", status.Usage)
	}
}

func TestThinPoolSetupRejectsNeedsCheck(t *testing.T) {
	rd := buildZone(t)
	metaArea, _ := raid.NewSegment(rd, raid.Area{Start: 0, Length: 64})
	dataArea, _ := raid.NewSegment(rd, raid.Area{Start: 64, Length: rd.Length - 64})

	dmc := dmclient.NewFake()
	resolve := fakeRaidResolver(253)
	metaDev, _ := raid.CreateLinear(context.Background(), dmc, resolve, "pool1", "thin-meta-p1", []*raid.RaidSegment{metaArea})
	dataDev, _ := raid.CreateLinear(context.Background(), dmc, resolve, "pool1", "thin-data-p1", []*raid.RaidSegment{dataArea})

	dmName := fmt.Sprintf("dmpool-thin-pool-%s-%s", "pool1", "p1")
	dmc.SetStatus(dmName, "0 1000 thin-pool 1 10/100 20/200 - rw 0 0 needs_check")

	if _, err := Setup(context.Background(), dmc, "pool1", "p1", units.DataBlockSize, units.LowWaterBlocks, metaDev, dataDev); !poolerr.Is(err, poolerr.KindKernelState) {
		t.Fatalf("expected KindKernelState for needs_check, got %v", err)
	}
}

func TestThinDevCreateAndStatus(t *testing.T) {
	rd := buildZone(t)
	metaArea, _ := raid.NewSegment(rd, raid.Area{Start: 0, Length: 64})
	dataArea, _ := raid.NewSegment(rd, raid.Area{Start: 64, Length: rd.Length - 64})

	dmc := dmclient.NewFake()
	resolve := fakeRaidResolver(253)
	metaDev, _ := raid.CreateLinear(context.Background(), dmc, resolve, "pool1", "thin-meta-p1", []*raid.RaidSegment{metaArea})
	dataDev, _ := raid.CreateLinear(context.Background(), dmc, resolve, "pool1", "thin-data-p1", []*raid.RaidSegment{dataArea})

	tpoolName := fmt.Sprintf("dmpool-thin-pool-%s-%s", "pool1", "p1")
	dmc.SetStatus(tpoolName, "0 1000 thin-pool 1 10/100 20/200 - rw 0 0 -")
	tp, err := Setup(context.Background(), dmc, "pool1", "p1", units.DataBlockSize, units.LowWaterBlocks, metaDev, dataDev)
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}

	origMknod, origMkfs := mknodFunc, mkfsFunc
	mknodFunc = func(path, dmName string) error { return nil }
	mkfsFunc = func(path string) error { return nil }
	defer func() { mknodFunc, mkfsFunc = origMknod, origMkfs }()

	thinName := fmt.Sprintf("dmpool-thin-%s-%d", "pool1", 0)
	dmc.SetStatus(thinName, "0 2147483648 thin 0")

	td, err := Create(context.Background(), dmc, "pool1", "vol0", 0, units.InitialThinDevSectors, tp)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	msgs := dmc.Messages()
	if len(msgs) != 1 || msgs[0].Msg != "create_thin 0" {
		t.Fatalf("expected create_thin message, got %+v", msgs)
	}

	status, err := td.Status(context.Background(), dmc)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.Failed || status.Mapped != 0 {
		t.Fatalf("unexpected thin status: %+v", status)
	}

	dmc.SetStatus(thinName, "0 2147484648 thin 1000")
	if err := td.Extend(context.Background(), dmc, 1000); err != nil {
		t.Fatalf("Extend: %v", err)
	}
	if td.Size != units.InitialThinDevSectors+1000 {
		t.Fatalf("Size after Extend = %d", td.Size)
	}
}

func TestThinPoolStatusParsesFailed(t *testing.T) {
	rd := buildZone(t)
	metaArea, _ := raid.NewSegment(rd, raid.Area{Start: 0, Length: 64})
	dataArea, _ := raid.NewSegment(rd, raid.Area{Start: 64, Length: rd.Length - 64})

	dmc := dmclient.NewFake()
	resolve := fakeRaidResolver(253)
	metaDev, _ := raid.CreateLinear(context.Background(), dmc, resolve, "pool1", "thin-meta-p1", []*raid.RaidSegment{metaArea})
	dataDev, _ := raid.CreateLinear(context.Background(), dmc, resolve, "pool1", "thin-data-p1", []*raid.RaidSegment{dataArea})

	dmName := fmt.Sprintf("dmpool-thin-pool-%s-%s", "pool1", "p1")
	dmc.SetStatus(dmName, "0 1000 thin-pool 1 10/100 20/200 - rw 0 0 -")
	tp, err := Setup(context.Background(), dmc, "pool1", "p1", units.DataBlockSize, units.LowWaterBlocks, metaDev, dataDev)
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}

	dmc.SetStatus(dmName, "0 1000 thin-pool Fail")
	status, err := tp.Status(context.Background(), dmc)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if !status.Failed {
		t.Fatalf("expected Failed status, got %+v", status)
	}
}
