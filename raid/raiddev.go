// Package raid implements spec.md §4.3/§4.4: the RAID5 zone builder,
// RaidDev, RaidSegment, RaidSpaceMap and RaidLinearDev. Grounded
// bit-exact on original_source/src/raid.rs.
package raid

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/benbjohnson/immutable"

	"github.com/superfly/dmpool/dmclient"
	"github.com/superfly/dmpool/member"
	"github.com/superfly/dmpool/poolerr"
	"github.com/superfly/dmpool/units"
)

// RaidMember is one slot in a RaidDev's fixed member ordering: either
// backed by a live LinearDev, or Absent when that member's underlying
// block device could not be found during discovery. Mirrors
// RaidMember::Present/Absent.
type RaidMember struct {
	Present     bool
	Linear      *member.LinearDev
	AbsentID    string // the LinearDev id this slot held, when not Present
	AbsentMeta  string // the member id this slot's parent BlockDev had, when not Present
}

func (rm RaidMember) raidText() string {
	if !rm.Present {
		return "- -"
	}
	return fmt.Sprintf("%s %s", rm.Linear.MetaDevNum, rm.Linear.DataDevNum)
}

// Status is the health of one RAID5 zone: Good, Degraded(k) with k
// failed/absent members, or Failed.
type Status struct {
	Degraded int // 0 when Good; -1 means Failed
}

func (s Status) Good() bool    { return s.Degraded == 0 }
func (s Status) Failed() bool  { return s.Degraded < 0 }
func (s Status) String() string {
	switch {
	case s.Failed():
		return "failed"
	case s.Good():
		return "good"
	default:
		return fmt.Sprintf("degraded(%d)", s.Degraded)
	}
}

// Action mirrors the kernel's dm-raid sync_action field.
type Action int

const (
	ActionIdle Action = iota
	ActionFrozen
	ActionResync
	ActionRecover
	ActionCheck
	ActionRepair
	ActionReshape
	ActionUnknown
)

func (a Action) String() string {
	switch a {
	case ActionIdle:
		return "idle"
	case ActionFrozen:
		return "frozen"
	case ActionResync:
		return "resync"
	case ActionRecover:
		return "recover"
	case ActionCheck:
		return "check"
	case ActionRepair:
		return "repair"
	case ActionReshape:
		return "reshape"
	default:
		return "unknown"
	}
}

func parseAction(s string) Action {
	switch s {
	case "idle":
		return ActionIdle
	case "frozen":
		return ActionFrozen
	case "resync":
		return ActionResync
	case "recover":
		return ActionRecover
	case "check":
		return ActionCheck
	case "repair":
		return ActionRepair
	case "reshape":
		return ActionReshape
	default:
		return ActionUnknown
	}
}

// RaidDev is a raid5_ls zone stacked over a fixed, ordered set of
// member LinearDevs, per spec.md §3's RaidDev entity. Grounded on
// RaidDev::create/status.
type RaidDev struct {
	ID            string
	StripeSectors units.Sector
	RegionSectors units.Sector
	Length        units.Sector // target length: first_present_len * (N - R)
	DevNum        member.DevNum

	members *immutable.List // ordered []RaidMember
	used    []Area           // RaidSegments allocated from this zone's own logical space

	dmName string
}

// DevNumResolver resolves the device number dm assigned to a named
// device after activation, mirroring member.DevNumResolver for the
// raid-device layer.
type DevNumResolver func(dmName string) (member.DevNum, error)

// StatDevNumAtDevMapper resolves a raid device's number by statting its
// /dev/mapper/<name> node.
func StatDevNumAtDevMapper(dmName string) (member.DevNum, error) {
	return member.StatDevNum("/dev/mapper/" + dmName)
}

// Area mirrors member.Area but over a RaidDev's own logical address
// space (the "raid device" seen by higher layers), distinct from any
// Member's physical sector space.
type Area struct {
	Start  units.SectorOffset
	Length units.Sector
}

// Create activates a raid5_ls target over devs, requiring at least
// (len(devs) - units.Redundancy) present members and that every
// present member's data area is the same length. Grounded on
// RaidDev::create.
func Create(ctx context.Context, dm dmclient.Interface, resolve DevNumResolver, poolName, id string, devs []RaidMember, stripe, region units.Sector) (*RaidDev, error) {
	present := 0
	var firstLen units.Sector
	haveFirst := false
	for _, d := range devs {
		if !d.Present {
			continue
		}
		present++
		l := d.Linear.DataLength()
		if !haveFirst {
			firstLen = l
			haveFirst = true
		} else if l != firstLen {
			return nil, poolerr.InvalidInputf("raid member data lengths differ: %d vs %d", firstLen, l)
		}
	}

	if present < len(devs)-units.Redundancy {
		return nil, poolerr.MissingMembers(
			fmt.Sprintf("at least %d of %d members present", len(devs)-units.Redundancy, len(devs)),
			fmt.Sprintf("%d present", present))
	}

	texts := make([]string, len(devs))
	for i, d := range devs {
		texts[i] = d.raidText()
	}

	targetLength := firstLen * units.Sector(len(devs)-units.Redundancy)
	params := fmt.Sprintf("raid5_ls 3 %d region_size %d %d %s",
		stripe, region, len(devs), strings.Join(texts, " "))

	dmName := fmt.Sprintf("dmpool-raid5-%s-%s", poolName, id)
	if err := dm.Create(ctx, dmName, []dmclient.TableLine{{
		Start: 0, Length: uint64(targetLength), Target: "raid", Params: params,
	}}); err != nil {
		return nil, fmt.Errorf("creating raid device %s: %w", dmName, err)
	}

	devNum, err := resolve(dmName)
	if err != nil {
		return nil, fmt.Errorf("resolving device number of %s: %w", dmName, err)
	}

	b := immutable.NewListBuilder()
	for _, d := range devs {
		b.Append(d)
	}

	return &RaidDev{
		ID:            id,
		StripeSectors: stripe,
		RegionSectors: region,
		Length:        targetLength,
		DevNum:        devNum,
		members:       b.List(),
		dmName:        dmName,
	}, nil
}

// Claim records a RaidSegment's area as consumed, keeping claimed
// areas sorted by start so FreeAreas stays a simple fold — the same
// pattern as member.Member.Claim, one layer up the stack.
func (r *RaidDev) Claim(a Area) {
	r.used = append(r.used, a)
	sort.Slice(r.used, func(i, j int) bool { return r.used[i].Start < r.used[j].Start })
}

// FreeAreas returns the gaps between claimed RaidSegments within this
// zone's own [0, Length) logical address space.
func (r *RaidDev) FreeAreas() []Area {
	used := append([]Area(nil), r.used...)
	used = append(used, Area{Start: units.OffsetOf(r.Length), Length: 0})
	sort.Slice(used, func(i, j int) bool { return used[i].Start < used[j].Start })

	var free []Area
	prevEnd := units.SectorOffset(0)
	for _, a := range used {
		if prevEnd < a.Start {
			free = append(free, Area{Start: prevEnd, Length: a.Start.Sub(prevEnd)})
		}
		end := prevEnd
		if a.Start.Add(a.Length) > prevEnd {
			end = a.Start.Add(a.Length)
		}
		prevEnd = end
	}
	return free
}

// LargestFreeArea returns the largest unclaimed gap in this zone.
func (r *RaidDev) LargestFreeArea() Area {
	var best Area
	for _, a := range r.FreeAreas() {
		if a.Length > best.Length {
			best = a
		}
	}
	return best
}

// Members returns the RaidDev's ordered member slots.
func (r *RaidDev) Members() []RaidMember {
	out := make([]RaidMember, 0, r.members.Len())
	itr := r.members.Iterator()
	for !itr.Done() {
		_, v := itr.Next()
		out = append(out, v.(RaidMember))
	}
	return out
}

// Name returns the dm device name backing this zone.
func (r *RaidDev) Name() string { return r.dmName }

// Status queries the kernel for this zone's raid5 status, parsing the
// health-char and sync_action fields per original_source/src/raid.rs's
// status() (kernel's dm-raid.txt "Status Output").
func (r *RaidDev) Status(ctx context.Context, dm dmclient.Interface) (Status, Action, error) {
	lines, err := dm.TableStatus(ctx, r.dmName)
	if err != nil {
		return Status{}, 0, err
	}
	if len(lines) != 1 {
		return Status{}, 0, poolerr.KernelState(r.dmName, "1 status line", fmt.Sprintf("%d lines", len(lines)))
	}

	bits := strings.Fields(lines[0].Params)
	if len(bits) < 5 {
		return Status{}, 0, poolerr.KernelState(r.dmName, ">=5 status fields", lines[0].Params)
	}
	healthChars := bits[2]

	bad := 0
	for _, c := range healthChars {
		switch c {
		case 'A', 'a':
		case 'D':
			bad++
		default:
			return Status{}, 0, poolerr.KernelState(r.dmName, "health char in {A,a,D}", string(c))
		}
	}

	var status Status
	switch {
	case bad == 0:
		status = Status{Degraded: 0}
	case bad >= 1 && bad <= units.Redundancy:
		status = Status{Degraded: bad}
	default:
		status = Status{Degraded: -1}
	}

	return status, parseAction(bits[4]), nil
}
