package meta

import (
	"bytes"
	"testing"
	"time"

	"github.com/superfly/dmpool/poolerr"
	"github.com/superfly/dmpool/units"
)

// memDevice is an in-memory Device for tests, standing in for a real
// block device file.
type memDevice struct {
	buf []byte
}

func newMemDevice(sectors units.Sector) *memDevice {
	return &memDevice{buf: make([]byte, int(sectors)*units.SectorSize)}
}

func (m *memDevice) ReadAt(p []byte, off int64) (int, error) {
	return copy(p, m.buf[off:]), nil
}

func (m *memDevice) WriteAt(p []byte, off int64) (int, error) {
	return copy(m.buf[off:], p), nil
}

func testDeviceSectors() units.Sector {
	return units.MinDeviceSectors
}

func TestHeaderRoundTrip(t *testing.T) {
	var h Header
	copy(h.MemberID[:], bytes.Repeat([]byte("a"), 32))
	copy(h.PoolID[:], bytes.Repeat([]byte("b"), 32))
	h.DeviceSectors = uint64(testDeviceSectors())
	h.MDAA = MDADescriptor{Seconds: 10, Nanoseconds: 1, Length: 7, CRC: 0xdeadbeef}
	h.MDAB = MDADescriptor{Seconds: 20, Nanoseconds: 2, Length: 9, CRC: 0xfeedface}

	buf := h.Encode()
	if len(buf) != units.HeaderSize {
		t.Fatalf("encoded header length = %d, want %d", len(buf), units.HeaderSize)
	}
	got, err := DecodeHeader(buf)
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	if got != h {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, h)
	}
}

func TestDecodeHeaderRejectsCorruption(t *testing.T) {
	var h Header
	buf := h.Encode()
	buf[100] ^= 0xFF
	if _, err := DecodeHeader(buf); err == nil {
		t.Fatalf("expected CRC failure to be detected")
	}
}

func TestNewerFavorsBOnTie(t *testing.T) {
	var h Header
	if newer(h) != SlotB {
		t.Fatalf("expected both-unused header to favor slot B, got %c", newer(h))
	}
	h.MDAA = MDADescriptor{Seconds: 5}
	h.MDAB = MDADescriptor{Seconds: 5}
	if newer(h) != SlotB {
		t.Fatalf("expected a tie to favor slot B, got %c", newer(h))
	}
	h.MDAA = MDADescriptor{Seconds: 6}
	if newer(h) != SlotA {
		t.Fatalf("expected the strictly larger timestamp to win, got %c", newer(h))
	}
}

func TestReadPairEmptyMemberIsNotFound(t *testing.T) {
	dev := newMemDevice(testDeviceSectors())
	sectors := testDeviceSectors()
	if err := WriteHeader(dev, sectors, Header{DeviceSectors: uint64(sectors)}); err != nil {
		t.Fatalf("WriteHeader: %v", err)
	}
	_, _, err := ReadPair(dev, sectors)
	if !poolerr.Is(err, poolerr.KindNotFound) {
		t.Fatalf("expected KindNotFound, got %v", err)
	}
}

func writeSeededPair(t *testing.T, dev Device, sectors units.Sector, ts time.Time, payload []byte) Slot {
	t.Helper()
	hdr, slot, err := WritePair(dev, sectors, ts, payload)
	if err != nil {
		t.Fatalf("WritePair: %v", err)
	}
	if err := WriteHeader(dev, sectors, hdr); err != nil {
		t.Fatalf("WriteHeader: %v", err)
	}
	return slot
}

func TestWritePairAlternatesSlots(t *testing.T) {
	dev := newMemDevice(testDeviceSectors())
	sectors := testDeviceSectors()
	if err := WriteHeader(dev, sectors, Header{DeviceSectors: uint64(sectors)}); err != nil {
		t.Fatalf("seeding header: %v", err)
	}

	slot1 := writeSeededPair(t, dev, sectors, time.Unix(1, 0), []byte(`{"v":1}`))
	if slot1 != SlotA {
		t.Fatalf("expected first write to target slot A, got %c", slot1)
	}

	payload, newerSlot, err := ReadPair(dev, sectors)
	if err != nil {
		t.Fatalf("ReadPair after first write: %v", err)
	}
	if newerSlot != SlotA || string(payload) != `{"v":1}` {
		t.Fatalf("unexpected read: newer=%c payload=%s", newerSlot, payload)
	}

	slot2 := writeSeededPair(t, dev, sectors, time.Unix(2, 0), []byte(`{"v":2}`))
	if slot2 != SlotB {
		t.Fatalf("expected second write to target slot B, got %c", slot2)
	}

	payload, newerSlot, err = ReadPair(dev, sectors)
	if err != nil {
		t.Fatalf("ReadPair after second write: %v", err)
	}
	if newerSlot != SlotB || string(payload) != `{"v":2}` {
		t.Fatalf("unexpected read after second write: newer=%c payload=%s", newerSlot, payload)
	}
}

func TestReadPairFallsBackToTrailerOnHeadCorruption(t *testing.T) {
	dev := newMemDevice(testDeviceSectors())
	sectors := testDeviceSectors()
	if err := WriteHeader(dev, sectors, Header{DeviceSectors: uint64(sectors)}); err != nil {
		t.Fatalf("seeding header: %v", err)
	}

	newerSlot := writeSeededPair(t, dev, sectors, time.Unix(1, 0), []byte(`{"v":1}`))

	headOff := int64(newerSlot.offset()) * units.SectorSize
	dev.buf[headOff] ^= 0xFF // corrupt the head copy's payload

	payload, gotSlot, err := ReadPair(dev, sectors)
	if err != nil {
		t.Fatalf("expected trailer fallback to succeed, got %v", err)
	}
	if gotSlot != newerSlot || string(payload) != `{"v":1}` {
		t.Fatalf("unexpected fallback read: slot=%c payload=%s", gotSlot, payload)
	}
}

func TestWritePairLeavesHeaderUntouchedUntilCallerPersistsIt(t *testing.T) {
	dev := newMemDevice(testDeviceSectors())
	sectors := testDeviceSectors()
	if err := WriteHeader(dev, sectors, Header{DeviceSectors: uint64(sectors)}); err != nil {
		t.Fatalf("seeding header: %v", err)
	}

	if _, _, err := WritePair(dev, sectors, time.Unix(1, 0), []byte(`{"v":1}`)); err != nil {
		t.Fatalf("WritePair: %v", err)
	}

	// The payload is durable, but since WriteHeader was never called the
	// previous (empty) generation is still what ReadPair sees.
	if _, _, err := ReadPair(dev, sectors); !poolerr.Is(err, poolerr.KindNotFound) {
		t.Fatalf("expected the uncommitted write to stay invisible, got %v", err)
	}
}

func TestWriteHeaderRoundTripBothCopies(t *testing.T) {
	dev := newMemDevice(testDeviceSectors())
	sectors := testDeviceSectors()

	var h Header
	copy(h.MemberID[:], bytes.Repeat([]byte("c"), 32))
	h.DeviceSectors = uint64(sectors)

	if err := WriteHeader(dev, sectors, h); err != nil {
		t.Fatalf("WriteHeader: %v", err)
	}

	got, err := ReadHeader(dev, sectors)
	if err != nil {
		t.Fatalf("ReadHeader: %v", err)
	}
	if got != h {
		t.Fatalf("mismatch: got %+v want %+v", got, h)
	}

	// Corrupt the head copy; ReadHeader should fall back to the trailer.
	dev.buf[10] ^= 0xFF
	got, err = ReadHeader(dev, sectors)
	if err != nil {
		t.Fatalf("ReadHeader after head corruption: %v", err)
	}
	if got != h {
		t.Fatalf("trailer fallback mismatch: got %+v want %+v", got, h)
	}
}
