// Package thinpool implements spec.md §4.5's ThinPool: a dm-thin-pool
// target stacked over two RaidLinearDev concatenations (metadata and
// data), plus status parsing and online growth. Grounded bit-exact on
// original_source/src/thin.rs's ThinPoolDev.
package thinpool

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/superfly/dmpool/dmclient"
	"github.com/superfly/dmpool/poolerr"
	"github.com/superfly/dmpool/raid"
	"github.com/superfly/dmpool/units"
)

// WorkingStatus is the thin-pool's operational mode, parsed from the
// "mode" field of `dmsetup status`.
type WorkingStatus int

const (
	WorkingGood WorkingStatus = iota
	WorkingReadOnly
	WorkingOutOfSpace
	WorkingNeedsCheck
)

func (w WorkingStatus) String() string {
	switch w {
	case WorkingGood:
		return "good"
	case WorkingReadOnly:
		return "read_only"
	case WorkingOutOfSpace:
		return "out_of_data_space"
	case WorkingNeedsCheck:
		return "needs_check"
	default:
		return "unknown"
	}
}

// BlockUsage is the metadata/data block accounting a thin-pool status
// line reports.
type BlockUsage struct {
	UsedMeta, TotalMeta uint64
	UsedData, TotalData uint64
}

// Status is a thin-pool's full parsed status: either Failed, or Good
// with a WorkingStatus and current block usage.
type Status struct {
	Failed  bool
	Working WorkingStatus
	Usage   BlockUsage
}

// ThinPool is a dm-thin-pool target backed by a metadata RaidLinearDev
// and a data RaidLinearDev, per spec.md §3's ThinPool entity. Grounded
// on ThinPoolDev::new/setup/status/extend_data_dev/extend_meta_dev/
// dm_reload.
type ThinPool struct {
	ID               string
	DataBlockSectors units.Sector
	LowWaterBlocks   uint64

	MetaDev *raid.RaidLinearDev
	DataDev *raid.RaidLinearDev

	params string
	dmName string
}

func tpoolParams(metaDev, dataDev *raid.RaidLinearDev, dataBlockSectors units.Sector, lowWaterBlocks uint64) string {
	return fmt.Sprintf("%s %s %d %d 1 skip_block_zeroing",
		metaDev.DevNum, dataDev.DevNum, dataBlockSectors, lowWaterBlocks)
}

// New concatenates metaSegs/dataSegs into two RaidLinearDevs and
// activates a thin-pool target over them, using spec.md's fixed
// DataBlockSize/LowWaterBlocks policy. Grounded on ThinPoolDev::new.
func New(ctx context.Context, dm dmclient.Interface, resolve raid.DevNumResolver, poolName, id string, metaSegs, dataSegs []*raid.RaidSegment) (*ThinPool, error) {
	metaDev, err := raid.CreateLinear(ctx, dm, resolve, poolName, "thin-meta-"+id, metaSegs)
	if err != nil {
		return nil, fmt.Errorf("creating thin-pool %s metadata device: %w", id, err)
	}
	dataDev, err := raid.CreateLinear(ctx, dm, resolve, poolName, "thin-data-"+id, dataSegs)
	if err != nil {
		return nil, fmt.Errorf("creating thin-pool %s data device: %w", id, err)
	}

	return Setup(ctx, dm, poolName, id, units.DataBlockSize, units.LowWaterBlocks, metaDev, dataDev)
}

// Setup activates a thin-pool target over already-built meta/data
// RaidLinearDevs and immediately checks its status, aborting if the
// kernel reports NeedsCheck or a failed pool — the same fail-fast
// check ThinPoolDev::setup runs before returning. Used both by New
// and by pool discovery, which reconstructs the RaidLinearDevs without
// recreating them.
func Setup(ctx context.Context, dm dmclient.Interface, poolName, id string, dataBlockSectors units.Sector, lowWaterBlocks uint64, metaDev, dataDev *raid.RaidLinearDev) (*ThinPool, error) {
	params := tpoolParams(metaDev, dataDev, dataBlockSectors, lowWaterBlocks)
	dmName := fmt.Sprintf("dmpool-thin-pool-%s-%s", poolName, id)

	table := []dmclient.TableLine{{
		Start: 0, Length: uint64(dataDev.Length), Target: "thin-pool", Params: params,
	}}
	if err := dm.Create(ctx, dmName, table); err != nil {
		return nil, fmt.Errorf("creating thin-pool device %s: %w", dmName, err)
	}

	tp := &ThinPool{
		ID:               id,
		DataBlockSectors: dataBlockSectors,
		LowWaterBlocks:   lowWaterBlocks,
		MetaDev:          metaDev,
		DataDev:          dataDev,
		params:           params,
		dmName:           dmName,
	}

	status, err := tp.Status(ctx, dm)
	if err != nil {
		return nil, err
	}
	switch {
	case status.Failed:
		return nil, poolerr.KernelState(dmName, "a healthy thin-pool", "Fail")
	case status.Working == WorkingNeedsCheck:
		return nil, poolerr.KernelState(dmName, "a healthy thin-pool", "needs_check")
	}

	return tp, nil
}

// Name returns the dm device name backing this thin-pool.
func (tp *ThinPool) Name() string { return tp.dmName }

// Status parses a `dmsetup status` line for a thin-pool target.
// Grounded bit-exact on ThinPoolDev::status: a leading "Fail" means
// the pool is failed outright; otherwise field 7 is checked before
// field 4, since "needs_check" in field 7 overrides whatever mode
// field 4 reports.
func (tp *ThinPool) Status(ctx context.Context, dm dmclient.Interface) (Status, error) {
	lines, err := dm.TableStatus(ctx, tp.dmName)
	if err != nil {
		return Status{}, err
	}
	if len(lines) != 1 {
		return Status{}, poolerr.KernelState(tp.dmName, "1 status line", fmt.Sprintf("%d lines", len(lines)))
	}

	params := lines[0].Params
	if strings.HasPrefix(params, "Fail") {
		return Status{Failed: true}, nil
	}

	fields := strings.Fields(params)
	if len(fields) < 8 {
		return Status{}, poolerr.KernelState(tp.dmName, ">=8 status fields", params)
	}

	usage, err := parseUsage(fields[1], fields[2])
	if err != nil {
		return Status{}, poolerr.KernelState(tp.dmName, "numeric meta/data usage fractions", params)
	}

	switch fields[7] {
	case "-":
	case "needs_check":
		return Status{Working: WorkingNeedsCheck, Usage: usage}, nil
	default:
		return Status{}, poolerr.KernelState(tp.dmName, `"-" or "needs_check"`, fields[7])
	}

	switch fields[4] {
	case "rw":
		return Status{Working: WorkingGood, Usage: usage}, nil
	case "ro":
		return Status{Working: WorkingReadOnly, Usage: usage}, nil
	case "out_of_data_space":
		return Status{Working: WorkingOutOfSpace, Usage: usage}, nil
	default:
		return Status{}, poolerr.KernelState(tp.dmName, `"rw", "ro" or "out_of_data_space"`, fields[4])
	}
}

func parseUsage(metaField, dataField string) (BlockUsage, error) {
	metaVals := strings.SplitN(metaField, "/", 2)
	dataVals := strings.SplitN(dataField, "/", 2)
	if len(metaVals) != 2 || len(dataVals) != 2 {
		return BlockUsage{}, fmt.Errorf("malformed usage fields %q %q", metaField, dataField)
	}
	usedMeta, err := strconv.ParseUint(metaVals[0], 10, 64)
	if err != nil {
		return BlockUsage{}, err
	}
	totalMeta, err := strconv.ParseUint(metaVals[1], 10, 64)
	if err != nil {
		return BlockUsage{}, err
	}
	usedData, err := strconv.ParseUint(dataVals[0], 10, 64)
	if err != nil {
		return BlockUsage{}, err
	}
	totalData, err := strconv.ParseUint(dataVals[1], 10, 64)
	if err != nil {
		return BlockUsage{}, err
	}
	return BlockUsage{UsedMeta: usedMeta, TotalMeta: totalMeta, UsedData: usedData, TotalData: totalData}, nil
}

func (tp *ThinPool) dmReload(ctx context.Context, dm dmclient.Interface) error {
	tp.params = tpoolParams(tp.MetaDev, tp.DataDev, tp.DataBlockSectors, tp.LowWaterBlocks)
	table := []dmclient.TableLine{{
		Start: 0, Length: uint64(tp.DataDev.Length), Target: "thin-pool", Params: tp.params,
	}}
	if err := dm.Load(ctx, tp.dmName, table); err != nil {
		return fmt.Errorf("loading grown thin-pool table for %s: %w", tp.dmName, err)
	}
	if err := dm.Suspend(ctx, tp.dmName); err != nil {
		return fmt.Errorf("suspending %s: %w", tp.dmName, err)
	}
	return dm.Resume(ctx, tp.dmName)
}

// ExtendDataDev grows the data device by segs and reloads the
// thin-pool's table to see the new length. Grounded on
// ThinPoolDev::extend_data_dev.
func (tp *ThinPool) ExtendDataDev(ctx context.Context, dm dmclient.Interface, segs []*raid.RaidSegment) error {
	if err := tp.DataDev.Extend(ctx, dm, segs); err != nil {
		return err
	}
	return tp.dmReload(ctx, dm)
}

// ExtendMetaDev grows the metadata device by segs and reloads the
// thin-pool's table. Grounded on ThinPoolDev::extend_meta_dev.
func (tp *ThinPool) ExtendMetaDev(ctx context.Context, dm dmclient.Interface, segs []*raid.RaidSegment) error {
	if err := tp.MetaDev.Extend(ctx, dm, segs); err != nil {
		return err
	}
	return tp.dmReload(ctx, dm)
}

// UsedSectors returns the combined length of the meta and data
// devices, mirroring ThinPoolDev::used_sectors.
func (tp *ThinPool) UsedSectors() units.Sector {
	return tp.MetaDev.Length + tp.DataDev.Length
}
