// Package meta implements the on-disk member header and dual rotating
// metadata-area (MDA) codec from spec.md §4.1, bit-exact against the
// byte offsets spec.md §4.1 specifies and against
// original_source/src/blockdev.rs (read_mdax/write_mdax/
// write_mda_header) for the tie-break and fallback rules the literal
// byte layout leaves unsaid.
package meta

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/superfly/dmpool/poolerr"
	"github.com/superfly/dmpool/units"
)

// idLen is the length, in bytes, of a member or pool id stored in the
// header: a UUIDv4 with dashes stripped (32 lowercase hex characters).
const idLen = 32

// Byte offsets within the 4096-byte header, per spec.md §4.1.
const (
	offCRC           = 0
	offMagic         = 4
	lenMagic         = 16
	offDeviceSectors = offMagic + lenMagic // 20
	offFlags         = 28
	offMemberID      = 32
	offMDAASeconds   = 64
	offMDAANanos     = offMDAASeconds + 8  // 72
	offMDAALength    = offMDAANanos + 4    // 76
	offMDAACRC       = offMDAALength + 4   // 80
	offMDABSeconds   = offMDAASeconds + 32 // 96
	offMDABNanos     = offMDABSeconds + 8  // 104
	offMDABLength    = offMDABNanos + 4    // 108
	offMDABCRC       = offMDABLength + 4   // 112
	offPoolID        = 128
)

// MDADescriptor is one MDA slot's entry in the member header: the
// length and CRC32-IEEE of the payload currently written there, and
// the timestamp that write was stamped with. Per spec.md §4.1 this
// lives only in the header — the MDA slot itself holds nothing but the
// raw payload bytes.
type MDADescriptor struct {
	Seconds     uint64
	Nanoseconds uint32
	Length      uint32
	CRC         uint32
}

// used reports whether this descriptor names an actual write: a zero
// timestamp means "unused", per spec.md §4.1's MDA selection rule.
func (d MDADescriptor) used() bool {
	return d.Seconds != 0 || d.Nanoseconds != 0
}

// after reports whether d is newer than o, with ties (including
// both-unused) favoring o, matching spec.md §4.1's
// "newer(A, B) = whichever has the larger last_updated (equal → B)".
func (d MDADescriptor) after(o MDADescriptor) bool {
	if d.Seconds != o.Seconds {
		return d.Seconds > o.Seconds
	}
	return d.Nanoseconds > o.Nanoseconds
}

// Header is the fixed 4096-byte structure stamped at the start of a
// member device's MDA zone (and mirrored, unchanged, at the start of
// the trailer MDA zone).
type Header struct {
	MemberID      [idLen]byte
	PoolID        [idLen]byte
	DeviceSectors uint64
	MDAA          MDADescriptor
	MDAB          MDADescriptor
}

// Encode serializes h into a units.HeaderSize-byte buffer at the
// literal offsets spec.md §4.1 specifies (little-endian throughout),
// with every byte not named by a field left zero, then stamps a
// leading CRC32-IEEE over the entire remainder of the buffer,
// [4..4096), per spec.md §4.1's "[0..4) CRC32-IEEE of bytes [4..4096)".
func (h Header) Encode() []byte {
	buf := make([]byte, units.HeaderSize)
	copy(buf[offMagic:offMagic+lenMagic], units.MDAMagic)
	binary.LittleEndian.PutUint64(buf[offDeviceSectors:], h.DeviceSectors)
	copy(buf[offMemberID:offMemberID+idLen], h.MemberID[:])
	copy(buf[offPoolID:offPoolID+idLen], h.PoolID[:])

	putDescriptor(buf, offMDAASeconds, offMDAANanos, offMDAALength, offMDAACRC, h.MDAA)
	putDescriptor(buf, offMDABSeconds, offMDABNanos, offMDABLength, offMDABCRC, h.MDAB)

	crc := crc32.ChecksumIEEE(buf[4:])
	binary.LittleEndian.PutUint32(buf[offCRC:], crc)
	return buf
}

func putDescriptor(buf []byte, secOff, nsOff, lenOff, crcOff int, d MDADescriptor) {
	binary.LittleEndian.PutUint64(buf[secOff:], d.Seconds)
	binary.LittleEndian.PutUint32(buf[nsOff:], d.Nanoseconds)
	binary.LittleEndian.PutUint32(buf[lenOff:], d.Length)
	binary.LittleEndian.PutUint32(buf[crcOff:], d.CRC)
}

func getDescriptor(buf []byte, secOff, nsOff, lenOff, crcOff int) MDADescriptor {
	return MDADescriptor{
		Seconds:     binary.LittleEndian.Uint64(buf[secOff:]),
		Nanoseconds: binary.LittleEndian.Uint32(buf[nsOff:]),
		Length:      binary.LittleEndian.Uint32(buf[lenOff:]),
		CRC:         binary.LittleEndian.Uint32(buf[crcOff:]),
	}
}

// DecodeHeader parses a units.HeaderSize-byte buffer produced by
// Encode, verifying the magic and the leading CRC over [4..4096).
func DecodeHeader(buf []byte) (Header, error) {
	var h Header
	if len(buf) < units.HeaderSize {
		return h, poolerr.IoFailure("", fmt.Errorf("header buffer too short: %d bytes", len(buf)))
	}
	if string(buf[offMagic:offMagic+lenMagic]) != units.MDAMagic {
		return h, poolerr.IoFailure("", fmt.Errorf("bad header magic: %q", buf[offMagic:offMagic+lenMagic]))
	}

	wantCRC := binary.LittleEndian.Uint32(buf[offCRC:])
	if got := crc32.ChecksumIEEE(buf[4:units.HeaderSize]); got != wantCRC {
		return h, poolerr.IoFailure("", fmt.Errorf("header CRC mismatch: got %08x want %08x", got, wantCRC))
	}

	h.DeviceSectors = binary.LittleEndian.Uint64(buf[offDeviceSectors:])
	copy(h.MemberID[:], buf[offMemberID:offMemberID+idLen])
	copy(h.PoolID[:], buf[offPoolID:offPoolID+idLen])
	h.MDAA = getDescriptor(buf, offMDAASeconds, offMDAANanos, offMDAALength, offMDAACRC)
	h.MDAB = getDescriptor(buf, offMDABSeconds, offMDABNanos, offMDABLength, offMDABCRC)
	return h, nil
}
