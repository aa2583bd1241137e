package thinpool

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"

	"github.com/superfly/dmpool/dmclient"
	"github.com/superfly/dmpool/member"
	"github.com/superfly/dmpool/poolerr"
	"github.com/superfly/dmpool/units"
)

// ThinDev is one thin-provisioned volume carved out of a ThinPool, per
// spec.md §3's ThinDev entity. Grounded bit-exact on
// original_source/src/thin.rs's ThinDev.
type ThinDev struct {
	Name       string
	ThinNumber uint32
	Size       units.Sector

	dmName string
	params string
}

// Create messages the pool to allocate a new thin id, activates the
// thin target, creates its device node under units.DevNodeDir, and
// formats it with XFS. Grounded on ThinDev::new.
func Create(ctx context.Context, dm dmclient.Interface, poolName, name string, thinNumber uint32, size units.Sector, pool *ThinPool) (*ThinDev, error) {
	if _, err := dm.Message(ctx, pool.Name(), 0, fmt.Sprintf("create_thin %d", thinNumber)); err != nil {
		return nil, fmt.Errorf("allocating thin id %d in pool %s: %w", thinNumber, pool.Name(), err)
	}

	td, err := SetupThin(ctx, dm, poolName, name, thinNumber, size, pool)
	if err != nil {
		return nil, err
	}

	if err := td.createFS(); err != nil {
		return nil, err
	}

	return td, nil
}

// SetupThin activates a thin target for an already-allocated thin id
// (used both by Create and by pool discovery reattaching an existing
// thin device) and verifies it did not come up Failed. Grounded on
// ThinDev::setup.
func SetupThin(ctx context.Context, dm dmclient.Interface, poolName, name string, thinNumber uint32, size units.Sector, pool *ThinPool) (*ThinDev, error) {
	params := fmt.Sprintf("%s %d", pool.Name(), thinNumber)
	dmName := fmt.Sprintf("dmpool-thin-%s-%d", poolName, thinNumber)

	table := []dmclient.TableLine{{Start: 0, Length: uint64(size), Target: "thin", Params: params}}
	if err := dm.Create(ctx, dmName, table); err != nil {
		return nil, fmt.Errorf("creating thin device %s: %w", dmName, err)
	}

	td := &ThinDev{Name: name, ThinNumber: thinNumber, Size: size, dmName: dmName, params: params}

	if err := td.createDevNode(); err != nil {
		return nil, err
	}

	status, err := td.Status(ctx, dm)
	if err != nil {
		return nil, err
	}
	if status.Failed {
		return nil, poolerr.KernelState(dmName, "a healthy thin device", "Fail")
	}

	return td, nil
}

// ThinStatus is a thin device's parsed status: either Failed, or Good
// with the device's currently mapped length.
type ThinStatus struct {
	Failed  bool
	Mapped  units.Sector
}

// Status parses a `dmsetup status` line for a thin target. Grounded
// on ThinDev::status.
func (td *ThinDev) Status(ctx context.Context, dm dmclient.Interface) (ThinStatus, error) {
	lines, err := dm.TableStatus(ctx, td.dmName)
	if err != nil {
		return ThinStatus{}, err
	}
	if len(lines) != 1 {
		return ThinStatus{}, poolerr.KernelState(td.dmName, "1 status line", fmt.Sprintf("%d lines", len(lines)))
	}

	params := lines[0].Params
	if strings.HasPrefix(params, "Fail") {
		return ThinStatus{Failed: true}, nil
	}

	fields := strings.Fields(params)
	if len(fields) < 1 {
		return ThinStatus{}, poolerr.KernelState(td.dmName, "at least 1 status field", params)
	}
	mapped, err := strconv.ParseUint(fields[0], 10, 64)
	if err != nil {
		return ThinStatus{}, poolerr.KernelState(td.dmName, "numeric mapped-sector count", fields[0])
	}
	return ThinStatus{Mapped: units.Sector(mapped)}, nil
}

// Extend grows the thin device's advertised size via table_load then
// suspend/resume. The filesystem itself is deliberately left
// ungrown — see DESIGN.md's Q3.
func (td *ThinDev) Extend(ctx context.Context, dm dmclient.Interface, sectors units.Sector) error {
	td.Size += sectors

	table := []dmclient.TableLine{{Start: 0, Length: uint64(td.Size), Target: "thin", Params: td.params}}
	if err := dm.Load(ctx, td.dmName, table); err != nil {
		return fmt.Errorf("loading grown thin table for %s: %w", td.dmName, err)
	}
	if err := dm.Suspend(ctx, td.dmName); err != nil {
		return fmt.Errorf("suspending %s: %w", td.dmName, err)
	}
	return dm.Resume(ctx, td.dmName)
}

func (td *ThinDev) devNodePath() string {
	return units.DevNodeDir + "/" + td.Name
}

// createDevNode makes a block special file for this thin device,
// resolving its dm-assigned device number by statting the
// /dev/mapper/<dm name> node (see resolveDmDevNum). Grounded on
// ThinDev::create_devnode, generalized from nix's mknod to the
// standard library's syscall.Mknod — no library in the retrieval pack
// wraps mknod(2) (see DESIGN.md).
func (td *ThinDev) createDevNode() error {
	return mknodFunc(td.devNodePath(), td.dmName)
}

// mknodFunc is a var so tests can stub out the real mknod(2) call,
// which needs CAP_MKNOD and a kernel-assigned device number neither
// available in a unit test. The production implementation resolves
// the dm-assigned device number and makes a block special file at
// units.ThinDevNodeMode.
var mknodFunc = func(path, dmName string) error {
	if err := os.MkdirAll(units.DevNodeDir, 0755); err != nil {
		return poolerr.IoFailure(units.DevNodeDir, err)
	}

	devNum, err := resolveDmDevNum(dmName)
	if err != nil {
		return err
	}

	dev := int(unixMkdev(devNum))
	mode := uint32(syscall.S_IFBLK) | uint32(units.ThinDevNodeMode)

	oldUmask := syscall.Umask(0)
	err = syscall.Mknod(path, mode, dev)
	syscall.Umask(oldUmask)
	if err != nil && err != syscall.EEXIST {
		return poolerr.IoFailure(path, err)
	}
	return nil
}

// resolveDmDevNum is a var so tests can stub it; the production path
// stats the dm-created node under /dev/mapper via member.StatDevNum,
// the same rdev-decoding helper member.Member's own device-number
// resolution uses.
var resolveDmDevNum = func(dmName string) (member.DevNum, error) {
	return member.StatDevNum("/dev/mapper/" + dmName)
}

func unixMkdev(d member.DevNum) uint64 {
	major, minor := uint64(d.Major), uint64(d.Minor)
	return (major << 8) | minor | ((major &^ 0xfff) << 32) | ((minor &^ 0xff) << 12)
}

// removeDevNode deletes this thin device's node, the mirror operation
// to createDevNode, run during teardown after the dm Remove, matching
// ThinDev::teardown's ordering.
func (td *ThinDev) removeDevNode() error {
	if err := os.Remove(td.devNodePath()); err != nil && !os.IsNotExist(err) {
		return poolerr.IoFailure(td.devNodePath(), err)
	}
	return nil
}

// Remove tears down the thin dm device and its device node, in that
// order — teardown before node removal, so an in-use devnode causes
// an early, informative failure rather than dangling after dm removal.
func (td *ThinDev) Remove(ctx context.Context, dm dmclient.Interface) error {
	if err := dm.Remove(ctx, td.dmName); err != nil {
		return err
	}
	return td.removeDevNode()
}

// createFS formats the thin device's node with XFS, the filesystem
// spec.md §4.6 mandates. Grounded on ThinDev::create_fs.
func (td *ThinDev) createFS() error {
	return mkfsFunc(td.devNodePath())
}

// mkfsFunc is a var so tests can stub out the real mkfs.xfs(8) call,
// which needs an actual block device node to format.
var mkfsFunc = func(path string) error {
	cmd := exec.Command("mkfs.xfs", "-f", path)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return poolerr.IoFailure(path, fmt.Errorf("mkfs.xfs: %w (output: %s)", err, out))
	}
	return nil
}
