package meta

import (
	"fmt"
	"hash/crc32"
	"time"

	"github.com/superfly/dmpool/poolerr"
	"github.com/superfly/dmpool/units"
)

// Slot identifies one of the two rotating metadata-area payload slots.
type Slot byte

const (
	SlotA Slot = 'A'
	SlotB Slot = 'B'
)

func (s Slot) other() Slot {
	if s == SlotA {
		return SlotB
	}
	return SlotA
}

func (s Slot) offset() units.SectorOffset {
	if s == SlotA {
		return units.MDAAOffset
	}
	return units.MDABOffset
}

// slotCapacity is the whole of an MDA slot's reserved space: per
// spec.md §4.1 the slot holds nothing but the raw payload, since the
// length/CRC/timestamp describing it live in the header instead.
func slotCapacity() int {
	return int(units.MDAXZoneSectors) * units.SectorSize
}

// Device is the byte-addressable read/write access dmpool needs to a
// member device's head and tail MDA zones. *os.File satisfies it.
type Device interface {
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
}

func tailZoneStart(deviceSectors units.Sector) units.SectorOffset {
	return units.OffsetOf(deviceSectors - units.MDAZoneSectors)
}

func descriptorOf(h Header, s Slot) MDADescriptor {
	if s == SlotA {
		return h.MDAA
	}
	return h.MDAB
}

func withDescriptor(h Header, s Slot, d MDADescriptor) Header {
	if s == SlotA {
		h.MDAA = d
	} else {
		h.MDAB = d
	}
	return h
}

// newer returns whichever of h's two slots is newer, per spec.md
// §4.1's "equal → B" tie-break (also the rule when both are unused).
func newer(h Header) Slot {
	if h.MDAA.after(h.MDAB) {
		return SlotA
	}
	return SlotB
}

func readSlotPayload(dev Device, offset units.SectorOffset, d MDADescriptor) ([]byte, error) {
	if int(d.Length) > slotCapacity() {
		return nil, fmt.Errorf("descriptor length %d exceeds slot capacity %d", d.Length, slotCapacity())
	}
	buf := make([]byte, d.Length)
	if _, err := dev.ReadAt(buf, int64(offset)*units.SectorSize); err != nil {
		return nil, err
	}
	if crc32.ChecksumIEEE(buf) != d.CRC {
		return nil, fmt.Errorf("payload CRC mismatch: got %08x want %08x", crc32.ChecksumIEEE(buf), d.CRC)
	}
	return buf, nil
}

// ReadPair reads the member header to find the newer MDA slot's
// descriptor (ties and a Less comparison both favor B, per
// original_source/src/blockdev.rs's read_mdax), then reads and
// validates that slot's payload, falling back to the trailer copy on a
// CRC failure (Q2). It returns poolerr.NotFound if neither slot has
// ever been written.
func ReadPair(dev Device, deviceSectors units.Sector) ([]byte, Slot, error) {
	h, err := ReadHeader(dev, deviceSectors)
	if err != nil {
		return nil, 0, err
	}

	if !h.MDAA.used() && !h.MDAB.used() {
		return nil, 0, poolerr.NotFound("", fmt.Errorf("no metadata has been written to this member"))
	}

	slot := newer(h)
	d := descriptorOf(h, slot)

	if payload, err := readSlotPayload(dev, slot.offset(), d); err == nil {
		return payload, slot, nil
	}

	// Head copy failed its CRC: fall back to the trailer copy of the
	// same slot (Q2).
	tailOff := tailZoneStart(deviceSectors).Add(units.Sector(slot.offset()))
	payload, err := readSlotPayload(dev, tailOff, d)
	if err != nil {
		return nil, 0, poolerr.IoFailure("mda", fmt.Errorf("both head and trailer copies of slot %c failed CRC verification", slot))
	}
	return payload, slot, nil
}

// NewestTimestamp returns the larger of the two MDA descriptors'
// timestamps (as nanoseconds since the Unix epoch), without validating
// either slot's payload. Mirrors the last_updated field
// original_source/src/blockdev.rs's BlockDev keeps alongside each MDA
// slot: pool discovery compares this value across every candidate
// member to pick the one whose payload to trust, before ReadPair does
// its own single-device newer-slot selection.
func NewestTimestamp(dev Device, deviceSectors units.Sector) (uint64, error) {
	h, err := ReadHeader(dev, deviceSectors)
	if err != nil {
		return 0, err
	}
	d := descriptorOf(h, newer(h))
	return d.Seconds*uint64(time.Second) + uint64(d.Nanoseconds), nil
}

// WritePair determines the currently older (or unused) slot by
// reading the member header, writes payload at that slot's offset in
// both the head and trailer zones, and returns the header updated with
// that slot's new descriptor (length, CRC32-IEEE of payload, and
// timestamp) — but does NOT persist it. Per spec.md §4.1's write
// contract ("write payload ... flush, then rewrite header so the
// updated MDA descriptors are persisted"), the caller must pass the
// returned Header to WriteHeader to complete the write: until that
// second step runs, the previous generation's descriptors are still
// the ones on disk, so a crash between the two leaves the prior MDA
// generation selectable by ReadPair (spec.md §5).
func WritePair(dev Device, deviceSectors units.Sector, timestamp time.Time, payload []byte) (Header, Slot, error) {
	h, err := ReadHeader(dev, deviceSectors)
	if err != nil {
		return Header{}, 0, err
	}
	if len(payload) > slotCapacity() {
		return h, 0, poolerr.InvalidInputf("metadata payload %d bytes exceeds slot capacity %d", len(payload), slotCapacity())
	}

	older := newer(h).other()

	headOff := int64(older.offset()) * units.SectorSize
	if _, err := dev.WriteAt(payload, headOff); err != nil {
		return h, 0, poolerr.IoFailure("mda-head", err)
	}

	tailOff := int64(tailZoneStart(deviceSectors).Add(units.Sector(older.offset()))) * units.SectorSize
	if _, err := dev.WriteAt(payload, tailOff); err != nil {
		return h, 0, poolerr.IoFailure("mda-trailer", err)
	}

	d := MDADescriptor{
		Seconds:     uint64(timestamp.Unix()),
		Nanoseconds: uint32(timestamp.Nanosecond()),
		Length:      uint32(len(payload)),
		CRC:         crc32.ChecksumIEEE(payload),
	}
	return withDescriptor(h, older, d), older, nil
}

// WriteHeader stamps h at both the head and trailer copies, matching
// write_mda_header's double write. It is called once at member
// initialization and again after every WritePair, so the header always
// carries the descriptors of whatever was most recently written.
func WriteHeader(dev Device, deviceSectors units.Sector, h Header) error {
	buf := h.Encode()
	if _, err := dev.WriteAt(buf, 0); err != nil {
		return poolerr.IoFailure("header-head", err)
	}
	tailOff := int64(tailZoneStart(deviceSectors)) * units.SectorSize
	if _, err := dev.WriteAt(buf, tailOff); err != nil {
		return poolerr.IoFailure("header-trailer", err)
	}
	return nil
}

// ReadHeader reads and validates the head-copy header, falling back to
// the trailer copy on a CRC failure (mirrors ReadPair's Q2 fallback).
func ReadHeader(dev Device, deviceSectors units.Sector) (Header, error) {
	buf := make([]byte, units.HeaderSize)
	if _, err := dev.ReadAt(buf, 0); err != nil {
		return Header{}, poolerr.IoFailure("header-head", err)
	}
	if h, err := DecodeHeader(buf); err == nil {
		return h, nil
	}

	tailOff := int64(tailZoneStart(deviceSectors)) * units.SectorSize
	if _, err := dev.ReadAt(buf, tailOff); err != nil {
		return Header{}, poolerr.IoFailure("header-trailer", err)
	}
	h, err := DecodeHeader(buf)
	if err != nil {
		return Header{}, poolerr.IoFailure("header", fmt.Errorf("both head and trailer header copies invalid: %w", err))
	}
	return h, nil
}
