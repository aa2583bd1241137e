package raid

import "fmt"

// RaidSegment is a claimed range of a RaidDev's own logical address
// space, the unit RaidLinearDev stitches together into the single
// linear device a ThinPool expects for its metadata or data backing
// store. Grounded on original_source/src/raid.rs's RaidSegment, whose
// constructor registers itself with its parent RaidDev as a
// side effect rather than leaving allocation bookkeeping to the
// caller.
type RaidSegment struct {
	Parent *RaidDev
	Area   Area
}

// NewSegment claims area from parent and returns the RaidSegment
// representing it. The claim is a side effect: once this call
// succeeds, parent.FreeAreas() no longer reports this range.
func NewSegment(parent *RaidDev, area Area) (*RaidSegment, error) {
	if area.Length == 0 {
		return nil, fmt.Errorf("raid segment must have nonzero length")
	}
	parent.Claim(area)
	return &RaidSegment{Parent: parent, Area: area}, nil
}

// text returns this segment's "major:minor start" member text for a
// dm linear table line.
func (s *RaidSegment) text() string {
	return fmt.Sprintf("%s %d", s.Parent.DevNum, s.Area.Start)
}
