package raid

import "github.com/superfly/dmpool/units"

// GetSomeSpace greedily consumes free runs, in ascending-offset order,
// until size sectors have been found or the zone's free space is
// exhausted. It never returns more than size sectors (obtained ≤
// size, P7) and returns a partial result — rather than an error — when
// the zone can't satisfy the whole request, matching
// original_source/src/raid.rs's RaidDev::get_some_space.
func (r *RaidDev) GetSomeSpace(size units.Sector) (units.Sector, []Area) {
	var segs []Area
	needed := size

	for _, a := range r.FreeAreas() {
		if needed == 0 {
			break
		}
		toUse := a.Length
		if needed < toUse {
			toUse = needed
		}
		segs = append(segs, Area{Start: a.Start, Length: toUse})
		needed -= toUse
	}

	return size - needed, segs
}
