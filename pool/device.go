package pool

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/superfly/dmpool/member"
	"github.com/superfly/dmpool/poolerr"
	"github.com/superfly/dmpool/units"
)

// blkGetSize64 queries a block device's size in bytes via the
// BLKGETSIZE64 ioctl. No library in the retrieval pack wraps
// block-device geometry ioctls (see DESIGN.md), so this stays on
// golang.org/x/sys/unix, the extended-standard-library package the
// rest of the pack already treats as part of its stdlib surface
// rather than a third-party dependency proper.
func blkGetSize64(f *os.File) (uint64, error) {
	var size uint64
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), unix.BLKGETSIZE64, uintptr(unsafe.Pointer(&size)))
	if errno != 0 {
		return 0, errno
	}
	return size, nil
}

// openedDevice is a raw member candidate opened for read/write, with
// its kernel-reported geometry already resolved.
type openedDevice struct {
	path    string
	file    *os.File
	devNum  member.DevNum
	sectors units.Sector
}

// openMemberDevice opens path for read/write and resolves its device
// number and sector count, the two pieces of kernel-reported state
// every member.Initialize/member.Open call needs beyond the raw
// meta.Device handle. Grounded on original_source/src/blockdev.rs's
// BlockDev::setup, which does the same open+stat+BLKGETSIZE64 sequence
// before ever touching the MDA zones.
func openMemberDevice(path string) (*openedDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, poolerr.IoFailure(path, err)
	}

	devNum, err := member.StatDevNum(path)
	if err != nil {
		f.Close()
		return nil, err
	}

	size, err := blkGetSize64(f)
	if err != nil {
		f.Close()
		return nil, poolerr.IoFailure(path, fmt.Errorf("BLKGETSIZE64: %w", err))
	}

	return &openedDevice{path: path, file: f, devNum: devNum, sectors: units.SectorsFromBytes(size)}, nil
}
