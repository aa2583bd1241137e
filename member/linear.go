package member

import (
	"context"
	"fmt"

	"github.com/superfly/dmpool/dmclient"
	"github.com/superfly/dmpool/units"
)

// LinearDev is a meta+data pair of dm linear targets carved from a
// single Member, per spec.md §3's LinearDev entity. Grounded on
// original_source/src/blockdev.rs's LinearDev::create, which builds
// two separate linear tables (meta, data) against the same parent
// device rather than one combined table.
type LinearDev struct {
	ID       string
	MemberID string
	MetaArea Area
	DataArea Area

	// MetaDevNum/DataDevNum are the device numbers dm assigned to the
	// activated meta/data linear devices themselves — distinct from
	// the parent Member's device number, and the value raid.RaidDev
	// embeds in its "major:minor major:minor" member text, matching
	// RaidDev::create's use of meta_dev.major/data_dev.major rather
	// than the parent BlockDev's.
	MetaDevNum DevNum
	DataDevNum DevNum

	metaName string
	dataName string
}

func linearDevNames(poolName, id string) (meta, data string) {
	return fmt.Sprintf("dmpool-linear-meta-%s-%s", poolName, id),
		fmt.Sprintf("dmpool-linear-data-%s-%s", poolName, id)
}

// DevNumResolver resolves the device number dm assigned to a named
// device after activation. StatDevNumAtDevMapper is the production
// implementation; tests supply a fake that returns canned numbers
// without touching /dev/mapper.
type DevNumResolver func(dmName string) (DevNum, error)

// StatDevNumAtDevMapper resolves a dm device's number by statting its
// /dev/mapper/<name> node.
func StatDevNumAtDevMapper(dmName string) (DevNum, error) {
	return StatDevNum("/dev/mapper/" + dmName)
}

// Create carves a meta area and a data area out of m and activates
// both as dm linear devices. The caller chooses id and supplies the
// areas (typically from m.FreeAreas() via a caller-side allocation
// policy — RAID zone construction in package raid drives this).
func Create(ctx context.Context, dm dmclient.Interface, resolve DevNumResolver, poolName string, m *Member, id string, metaArea, dataArea Area) (*LinearDev, error) {
	metaName, dataName := linearDevNames(poolName, id)

	metaTable := []dmclient.TableLine{{
		Start: 0, Length: uint64(metaArea.Length), Target: "linear",
		Params: fmt.Sprintf("%s %d", m.DevNum, metaArea.Start),
	}}
	dataTable := []dmclient.TableLine{{
		Start: 0, Length: uint64(dataArea.Length), Target: "linear",
		Params: fmt.Sprintf("%s %d", m.DevNum, dataArea.Start),
	}}

	if err := dm.Create(ctx, metaName, metaTable); err != nil {
		return nil, fmt.Errorf("creating linear meta device %s: %w", metaName, err)
	}
	if err := dm.Create(ctx, dataName, dataTable); err != nil {
		return nil, fmt.Errorf("creating linear data device %s: %w", dataName, err)
	}

	metaDevNum, err := resolve(metaName)
	if err != nil {
		return nil, fmt.Errorf("resolving device number of %s: %w", metaName, err)
	}
	dataDevNum, err := resolve(dataName)
	if err != nil {
		return nil, fmt.Errorf("resolving device number of %s: %w", dataName, err)
	}

	m.Claim(metaArea)
	m.Claim(dataArea)
	m.AppendLinearID(id)

	return &LinearDev{
		ID: id, MemberID: m.ID,
		MetaArea: metaArea, DataArea: dataArea,
		MetaDevNum: metaDevNum, DataDevNum: dataDevNum,
		metaName: metaName, dataName: dataName,
	}, nil
}

// DataLength returns the sector length of the data area, the quantity
// RaidDev::create uses to compute a zone's target length.
func (l *LinearDev) DataLength() units.Sector { return l.DataArea.Length }

// MetaName and DataName return the dm device names Create activated,
// used by raid.RaidDev to build its member table text.
func (l *LinearDev) MetaName() string { return l.metaName }
func (l *LinearDev) DataName() string { return l.dataName }
