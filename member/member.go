// Package member implements spec.md §4.2's BlockDev: a pool member's
// on-disk identity, its MDA-backed metadata, and the space map of
// areas consumed by LinearDevs carved out of it. Grounded bit-exact on
// original_source/src/blockdev.rs's BlockDev (new/initialize/
// used_areas/free_areas/largest_free_area).
package member

import (
	"fmt"
	"os"
	"sort"
	"syscall"

	"github.com/benbjohnson/immutable"
	"github.com/google/uuid"

	"github.com/superfly/dmpool/meta"
	"github.com/superfly/dmpool/poolerr"
	"github.com/superfly/dmpool/units"
)

// DevNum is a Linux device number (major, minor), resolved from a
// block device's stat(2) Rdev field. No third-party library in the
// retrieval pack wraps stat(2)/rdev decoding, so this stays on the
// standard library's syscall package (see DESIGN.md).
type DevNum struct {
	Major, Minor uint32
}

func (d DevNum) String() string { return fmt.Sprintf("%d:%d", d.Major, d.Minor) }

func devNumFromRdev(rdev uint64) DevNum {
	// Standard Linux makedev() encoding.
	major := uint32((rdev >> 8) & 0xfff) | uint32((rdev>>32)&^uint64(0xfff))
	minor := uint32(rdev&0xff) | uint32((rdev>>12)&^uint64(0xff))
	return DevNum{Major: major, Minor: minor}
}

// StatDevNum resolves the device number of a block device file.
func StatDevNum(path string) (DevNum, error) {
	var st syscall.Stat_t
	if err := syscall.Stat(path, &st); err != nil {
		return DevNum{}, poolerr.IoFailure(path, err)
	}
	return devNumFromRdev(uint64(st.Rdev)), nil
}

// Area is a half-open [Start, Start+Length) range of sectors on a
// Member, used both for the reserved MDA zones and for space claimed
// by LinearDevs.
type Area struct {
	Start  units.SectorOffset
	Length units.Sector
}

// Member is a single block device backing a pool, matching spec.md
// §3's Member entity.
type Member struct {
	ID            string
	PoolID        string
	Path          string
	DevNum        DevNum
	DeviceSectors units.Sector

	dev       meta.Device
	linearIDs *immutable.List // ordered []string of child LinearDev ids, for save/discover fidelity
	claimed   []Area          // areas consumed by LinearDevs, beyond the reserved MDA zones
}

// idFromUUID strips the dashes from a UUIDv4, the Go equivalent of
// original_source's Uuid::new_v4().to_simple_string(), per SPEC_FULL
// §2.1 item 1.
func idFromUUID(u uuid.UUID) string {
	s := u.String()
	out := make([]byte, 0, 32)
	for i := 0; i < len(s); i++ {
		if s[i] != '-' {
			out = append(out, s[i])
		}
	}
	return string(out)
}

func newMemberID() string { return idFromUUID(uuid.New()) }

// Initialize stamps a freshly-claimed block device as a pool member:
// verifies its minimum size, generates an id, and writes the initial
// header to both MDA copies. Grounded on BlockDev::initialize.
func Initialize(dev meta.Device, path string, devNum DevNum, deviceSectors units.Sector, poolID string, force bool) (*Member, error) {
	if deviceSectors < units.MinDeviceSectors {
		return nil, poolerr.InvalidInputf("device %s is %d sectors, below the %d sector minimum", path, deviceSectors, units.MinDeviceSectors)
	}
	if !force {
		head := make([]byte, units.HeaderSize)
		if _, err := dev.ReadAt(head, 0); err != nil {
			return nil, poolerr.IoFailure(path, err)
		}
		for _, b := range head {
			if b != 0 {
				return nil, poolerr.InvalidInputf("device %s is not zeroed in its first %d bytes; pass force to overwrite", path, units.HeaderSize)
			}
		}
	}

	id := newMemberID()
	var h meta.Header
	copy(h.MemberID[:], id)
	copy(h.PoolID[:], poolID)
	h.DeviceSectors = uint64(deviceSectors)

	if err := meta.WriteHeader(dev, deviceSectors, h); err != nil {
		return nil, err
	}

	return &Member{
		ID:            id,
		PoolID:        poolID,
		Path:          path,
		DevNum:        devNum,
		DeviceSectors: deviceSectors,
		dev:           dev,
		linearIDs:     immutable.NewList(),
	}, nil
}

// Open reconstructs a Member from an already-initialized device by
// reading back its header, without touching the MDA payload (the pool
// orchestrator reads the payload once, from whichever member has the
// newest copy — see pool.Discover).
func Open(dev meta.Device, path string, devNum DevNum, deviceSectors units.Sector) (*Member, error) {
	h, err := meta.ReadHeader(dev, deviceSectors)
	if err != nil {
		return nil, err
	}
	return &Member{
		ID:            trimZero(h.MemberID[:]),
		PoolID:        trimZero(h.PoolID[:]),
		Path:          path,
		DevNum:        devNum,
		DeviceSectors: deviceSectors,
		dev:           dev,
		linearIDs:     immutable.NewList(),
	}, nil
}

func trimZero(b []byte) string {
	i := 0
	for i < len(b) && b[i] != 0 {
		i++
	}
	return string(b[:i])
}

// AppendLinearID records that a LinearDev with the given id was
// carved from this member, preserving insertion order via an
// immutable.List so a concurrent reader holding an older snapshot is
// never disturbed (SPEC_FULL §2.1 item 3).
func (m *Member) AppendLinearID(id string) {
	m.linearIDs = m.linearIDs.Append(id)
}

// LinearIDs returns the ids of every LinearDev carved from this
// member, in creation order.
func (m *Member) LinearIDs() []string {
	out := make([]string, 0, m.linearIDs.Len())
	itr := m.linearIDs.Iterator()
	for !itr.Done() {
		_, v := itr.Next()
		out = append(out, v.(string))
	}
	return out
}

// Dev exposes the underlying meta.Device for callers that need to
// read/write the MDA payload directly (the pool orchestrator's
// SaveState/Discover).
func (m *Member) Dev() meta.Device { return m.dev }

// Claim records an Area as consumed by a LinearDev, keeping claimed
// areas sorted by start so usedAreas/freeAreas stay simple folds.
func (m *Member) Claim(a Area) {
	m.claimed = append(m.claimed, a)
	sort.Slice(m.claimed, func(i, j int) bool { return m.claimed[i].Start < m.claimed[j].Start })
}

// Zero overwrites a with zero bytes on the underlying device, per
// spec.md §4.4 step 9 ("if force is true, zero the meta device of each
// new linear child before proceeding"): a freshly carved meta area can
// carry a stale dm-raid write-intent bitmap left over from whatever
// previously lived on this device, which dm-raid would otherwise
// misread as a legitimate resync state.
func (m *Member) Zero(a Area) error {
	buf := make([]byte, int(a.Length)*units.SectorSize)
	if _, err := m.dev.WriteAt(buf, int64(a.Start)*units.SectorSize); err != nil {
		return poolerr.IoFailure(m.Path, fmt.Errorf("zeroing area %+v: %w", a, err))
	}
	return nil
}

// usedAreas returns every area unavailable for new allocation: the
// head and tail MDA zones plus every claimed LinearDev area. Mirrors
// BlockDev::used_areas, with the MDA zones folded in directly instead
// of being reserved out-of-band.
func (m *Member) usedAreas() []Area {
	areas := make([]Area, 0, len(m.claimed)+2)
	areas = append(areas, Area{Start: 0, Length: units.MDAZoneSectors})
	areas = append(areas, Area{
		Start:  units.OffsetOf(m.DeviceSectors - units.MDAZoneSectors),
		Length: units.MDAZoneSectors,
	})
	areas = append(areas, m.claimed...)
	sort.Slice(areas, func(i, j int) bool { return areas[i].Start < areas[j].Start })
	return areas
}

// FreeAreas returns the gaps between used areas, in ascending order of
// start, mirroring BlockDev::free_areas's sort-and-fold.
func (m *Member) FreeAreas() []Area {
	used := m.usedAreas()
	used = append(used, Area{Start: units.OffsetOf(m.DeviceSectors), Length: 0})

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

// LargestFreeArea returns the largest gap available for a new
// LinearDev, or the zero Area if none.
func (m *Member) LargestFreeArea() Area {
	var best Area
	for _, a := range m.FreeAreas() {
		if a.Length > best.Length {
			best = a
		}
	}
	return best
}

// Close releases the underlying device handle, if it is an *os.File.
func (m *Member) Close() error {
	if f, ok := m.dev.(*os.File); ok {
		return f.Close()
	}
	return nil
}
