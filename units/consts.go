package units

// Fixed geometry and pool-policy constants. Values spec.md gives
// explicitly (sector size, header size, min device size, member-count
// bounds, redundancy) are taken verbatim; values spec.md leaves
// "implementation-chosen but fixed" follow real-world dm-raid/dm-thin
// defaults, matching the teacher's own choice of DataBlockSize/
// LowWaterMark in devicemapper.PoolConfig where that overlaps.
const (
	// HeaderSize is the fixed size of the on-disk member header.
	HeaderSize = 4096
	// HeaderSectors is HeaderSize expressed in sectors.
	HeaderSectors = Sector(HeaderSize / SectorSize)

	// MDAMagic is the 16-byte magic stamped at the start of a header,
	// per spec.md §4.1's [4..20) field.
	MDAMagic = "DMPOOL-MEMBER-V1"

	// MDAXZoneSectors is the size, in sectors, reserved for a single
	// MDA slot's (A or B) metadata payload.
	MDAXZoneSectors = Sector(2048) // 1 MiB per slot

	// MDAZoneSectors is the total size, in sectors, reserved at each
	// end of a member device for the header plus both MDA slots, per
	// spec.md §3's "2 × header_size + 2 × MDAX_ZONE" formula.
	MDAZoneSectors = Sector(2*8 + 2*MDAXZoneSectors)

	// MDAAOffset and MDABOffset are the absolute sector offsets, from
	// the start of an MDA zone, of the A and B metadata slots.
	MDAAOffset = SectorOffset(HeaderSectors)
	MDABOffset = SectorOffset(HeaderSectors) + SectorOffset(MDAXZoneSectors)

	// MinDeviceSectors is the minimum size (1 GiB) a block device must
	// have to be usable as a pool member.
	MinDeviceSectors = Sector(1 << 30 / SectorSize)

	// MaxPoolMembers and MinPoolMembers bound a pool's member count.
	MaxPoolMembers = 8
	MinPoolMembers = 2

	// Redundancy is the number of member failures a pool tolerates
	// before a RAID5 zone is considered Failed (R in spec.md).
	Redundancy = 1

	// DefaultRegionSectors is the initial dm-raid write-intent-bitmap
	// region size before any doubling.
	DefaultRegionSectors = Sector(4096) // 2 MiB, a common dm-raid default

	// MaxRegions bounds the write-intent bitmap: the region size is
	// doubled until region_count <= MaxRegions.
	MaxRegions = Sector(65536)

	// StripeSectors is the RAID5 stripe (chunk) size.
	StripeSectors = Sector(128) // 64 KiB

	// MinDataZoneSectors is the minimum size of a free area on a
	// member to be worth including in a RAID5 zone.
	MinDataZoneSectors = Sector(131072) // 64 MiB

	// DataBlockSize is the thin-pool data block size, carried over
	// unchanged from the teacher's devicemapper.PoolConfig.
	DataBlockSize = Sector(2048) // 1 MiB

	// LowWaterBlocks is the thin-pool low-water mark, carried over
	// unchanged from the teacher's devicemapper.PoolConfig.
	LowWaterBlocks = 32768

	// InitialThinDevSectors is the size of the first thin device a
	// newly created pool provisions, per spec.md's scenario S1.
	InitialThinDevSectors = Sector(1) << 31 // 1 TiB

	// ThinDevNodeMode is the device-node permission mode mandated by
	// spec.md §4.6/§6.
	ThinDevNodeMode = 0660

	// DevNodeDir is the directory thin device nodes are created under.
	DevNodeDir = "/dev/dmpool"
)
