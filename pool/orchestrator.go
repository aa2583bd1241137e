package pool

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/superfly/dmpool/dmclient"
	"github.com/superfly/dmpool/health"
	"github.com/superfly/dmpool/member"
	"github.com/superfly/dmpool/meta"
	"github.com/superfly/dmpool/perf"
	"github.com/superfly/dmpool/poolerr"
	"github.com/superfly/dmpool/raid"
	"github.com/superfly/dmpool/thinpool"
	"github.com/superfly/dmpool/units"
)

var tracer = otel.Tracer("github.com/superfly/dmpool/pool")

// orchGuard serializes every orchestrator-level mutation through a
// single-slot semaphore, per SPEC_FULL §5.1: Create, Discover and
// SaveState all pass through it so two mutations never race against
// the same kernel-visible device-mapper state.
var orchGuard = NewGuard(GuardConfig{})

// newID strips the dashes from a UUIDv4, mirroring member.idFromUUID —
// the same "32 lowercase hex characters" id scheme spec.md specifies
// for every entity id, applied here to the Pool and RAID zone ids the
// orchestrator mints itself.
func newID() string {
	s := uuid.New().String()
	out := make([]byte, 0, 32)
	for i := 0; i < len(s); i++ {
		if s[i] != '-' {
			out = append(out, s[i])
		}
	}
	return string(out)
}

// opLogger tags logger with a fresh ULID operation id, the correlation
// id threaded through every log line and span for one orchestrator
// call, mirroring the teacher's unpack FSM's own ULID-tagged run ids.
func opLogger(logger logrus.FieldLogger, op string) (logrus.FieldLogger, string) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	opID := ulid.Make().String()
	return logger.WithFields(logrus.Fields{"operation": op, "op_id": opID}), opID
}

// thinPoolMetaSectors estimates the dm-thin metadata device size
// needed to track a data device of dataSectors capacity at the pool's
// fixed DataBlockSize granularity, using thin-provisioning-tools'
// documented ~48-bytes-per-mapped-block rule, clamped to dm-thin's own
// [2 MiB, 16 GiB] metadata device limits. original_source's consts.rs
// (where froyo's own constant would have lived) is not part of the
// retrieval pack, so this formula — not a carried-over literal — is
// the grounded source; see DESIGN.md.
func thinPoolMetaSectors(dataSectors units.Sector) units.Sector {
	const bytesPerBlock = 48
	const minMetaBytes = 2 << 20
	const maxMetaBytes = 16 << 30

	blocks := units.CeilDiv(uint64(dataSectors), uint64(units.DataBlockSize))
	metaBytes := blocks * bytesPerBlock
	if metaBytes < minMetaBytes {
		metaBytes = minMetaBytes
	}
	if metaBytes > maxMetaBytes {
		metaBytes = maxMetaBytes
	}
	return units.SectorsFromBytes(metaBytes)
}

// carveFromZones pulls up to size sectors out of zones, in order,
// via RaidDev.GetSomeSpace (P7), claiming each returned run as a
// RaidSegment. It returns the segments obtained and the total sectors
// they cover, which may be less than size if the zones run dry.
func carveFromZones(zones []*raid.RaidDev, size units.Sector) ([]*raid.RaidSegment, units.Sector, error) {
	var segs []*raid.RaidSegment
	var obtained units.Sector
	for _, rd := range zones {
		if obtained >= size {
			break
		}
		got, areas := rd.GetSomeSpace(size - obtained)
		for _, a := range areas {
			seg, err := raid.NewSegment(rd, a)
			if err != nil {
				return nil, 0, fmt.Errorf("claiming space in zone %s: %w", rd.ID, err)
			}
			segs = append(segs, seg)
		}
		obtained += got
	}
	return segs, obtained, nil
}

// Create builds a new pool from scratch out of memberPaths (spec.md
// §8 scenario S1): opens and stamps every member, carves as many RAID5
// zones as the members' free space supports, allocates the thin-pool's
// metadata and data devices out of those zones, activates the thin
// pool, and provisions one initial thin volume. Grounded on
// original_source/src/froyo.rs's Froyo::create, with the thin-pool
// segment allocation resolved via raid.RaidDev.GetSomeSpace (P7) rather
// than the filtered froyo.rs call site, which does not match thin.rs's
// actual ThinPoolDev::new signature (see DESIGN.md).
func Create(ctx context.Context, dm dmclient.Interface, poolName string, memberPaths []string, force bool, logger logrus.FieldLogger) (*Pool, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	var p *Pool
	err := orchGuard.WithOperation(ctx, "create", func() error {
		return RecoverableOperation(logger, "create", func() error {
			var err error
			p, err = createLocked(ctx, dm, poolName, memberPaths, force, logger)
			return err
		})
	})
	return p, err
}

// createLocked holds Create's body, run under orchGuard/RecoverableOperation.
func createLocked(ctx context.Context, dm dmclient.Interface, poolName string, memberPaths []string, force bool, logger logrus.FieldLogger) (*Pool, error) {
	logger, opID := opLogger(logger, "create")
	ctx, span := tracer.Start(ctx, "pool.Create",
		trace.WithAttributes(attribute.String("pool.name", poolName), attribute.String("op_id", opID)))
	defer span.End()

	opStart := time.Now()
	defer func() {
		if m := perf.MetricsFromContext(ctx); m != nil {
			m.RecordCreate(time.Since(opStart))
		}
	}()

	if len(memberPaths) < units.MinPoolMembers {
		return nil, poolerr.InvalidInputf("at least %d member devices must be given, %d given", units.MinPoolMembers, len(memberPaths))
	}
	if len(memberPaths) > units.MaxPoolMembers {
		return nil, poolerr.InvalidInputf("max supported members is %d, %d given", units.MaxPoolMembers, len(memberPaths))
	}

	poolID := newID()
	span.SetAttributes(attribute.String("pool.id", poolID))
	logger = logger.WithField("pool_id", poolID)

	var opened []*openedDevice
	defer func() {
		for _, od := range opened {
			od.file.Close()
		}
	}()

	p, err := newPool(poolName, poolID)
	if err != nil {
		return nil, err
	}

	for _, path := range memberPaths {
		od, err := openMemberDevice(path)
		if err != nil {
			return nil, err
		}
		opened = append(opened, od)

		m, err := member.Initialize(od.file, od.path, od.devNum, od.sectors, poolID, force)
		if err != nil {
			return nil, err
		}
		if err := p.putMember(m); err != nil {
			return nil, err
		}
	}
	logger.WithField("member_count", len(opened)).Info("initialized pool members")

	zoneIdx := 0
	for {
		rd, err := raid.BuildZone(ctx, dm, member.StatDevNumAtDevMapper, raid.StatDevNumAtDevMapper,
			poolName, fmt.Sprintf("zone%d", zoneIdx), p.Members(), force)
		if err != nil {
			return nil, err
		}
		if rd == nil {
			break
		}
		if err := p.putRaidDev(rd); err != nil {
			return nil, err
		}
		logger.WithFields(logrus.Fields{"zone_id": rd.ID, "zone_length": rd.Length}).Info("carved raid5 zone")
		zoneIdx++
	}

	zones := p.RaidDevs()
	if len(zones) == 0 {
		return nil, poolerr.InvalidInputf("no raid5 zone could be carved from %d members", len(opened))
	}

	var totalFree units.Sector
	for _, rd := range zones {
		totalFree += rd.Length
	}
	metaTarget := thinPoolMetaSectors(totalFree)

	metaSegs, metaObtained, err := carveFromZones(zones, metaTarget)
	if err != nil {
		return nil, err
	}
	if metaObtained < metaTarget {
		return nil, poolerr.InvalidInputf("not enough zone space for thin-pool metadata: need %d sectors, got %d", metaTarget, metaObtained)
	}

	dataSegs, dataObtained, err := carveFromZones(zones, totalFree)
	if err != nil {
		return nil, err
	}
	if dataObtained == 0 {
		return nil, poolerr.InvalidInputf("no zone space remains for thin-pool data")
	}

	tp, err := thinpool.New(ctx, dm, raid.StatDevNumAtDevMapper, poolName, poolID, metaSegs, dataSegs)
	if err != nil {
		return nil, err
	}
	p.ThinPool = tp
	logger.WithFields(logrus.Fields{"meta_sectors": metaObtained, "data_sectors": dataObtained}).Info("activated thin pool")

	td, err := thinpool.Create(ctx, dm, poolName, "vol0", 0, units.InitialThinDevSectors, tp)
	if err != nil {
		return nil, err
	}
	p.ThinDevs = append(p.ThinDevs, td)
	logger.WithField("thin_dev", td.Name).Info("provisioned initial thin volume")

	return p, nil
}

// missingMemberSeverity classifies a pool-wide member-absence count
// per spec.md's two-tier rule, mirrored bit-exact from
// original_source/src/froyo.rs's from_save match arm: 0 missing is
// silent, 1..=Redundancy is a warning the discovery can still proceed
// past, and anything higher is fatal.
type missingMemberSeverity int

const (
	missingNone missingMemberSeverity = iota
	missingTolerable
	missingFatal
)

func classifyMissing(missing, total int) missingMemberSeverity {
	switch {
	case missing == 0:
		return missingNone
	case missing <= units.Redundancy:
		return missingTolerable
	default:
		return missingFatal
	}
}

// Discover reconstructs a Pool from its on-disk metadata after a
// reboot (spec.md §8 scenario S5): opens every candidate member,
// compares MDA timestamps across all of them to find the newest
// payload, decodes it, and rebuilds Members, RaidDevs, the ThinPool and
// ThinDevs against whichever candidates are actually present. Grounded
// on original_source/src/froyo.rs's find_all/from_save.
func Discover(ctx context.Context, dm dmclient.Interface, memberPaths []string, logger logrus.FieldLogger) (*Pool, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	var p *Pool
	err := orchGuard.WithOperation(ctx, "discover", func() error {
		return RecoverableOperation(logger, "discover", func() error {
			var err error
			p, err = discoverLocked(ctx, dm, memberPaths, logger)
			return err
		})
	})
	return p, err
}

// discoverLocked holds Discover's body, run under orchGuard/RecoverableOperation.
func discoverLocked(ctx context.Context, dm dmclient.Interface, memberPaths []string, logger logrus.FieldLogger) (*Pool, error) {
	logger, opID := opLogger(logger, "discover")
	ctx, span := tracer.Start(ctx, "pool.Discover", trace.WithAttributes(attribute.String("op_id", opID)))
	defer span.End()

	opStart := time.Now()
	defer func() {
		if m := perf.MetricsFromContext(ctx); m != nil {
			m.RecordDiscover(time.Since(opStart))
		}
	}()

	if len(memberPaths) == 0 {
		return nil, poolerr.NotFound("", fmt.Errorf("no candidate member devices supplied"))
	}

	type candidate struct {
		od *openedDevice
		m  *member.Member
	}

	var candidates []*candidate
	defer func() {
		for _, c := range candidates {
			c.od.file.Close()
		}
	}()

	for _, path := range memberPaths {
		od, err := openMemberDevice(path)
		if err != nil {
			return nil, err
		}
		m, err := member.Open(od.file, od.path, od.devNum, od.sectors)
		if err != nil {
			od.file.Close()
			logger.WithField("path", path).WithError(err).Warn("candidate device has no readable member header; skipping")
			continue
		}
		candidates = append(candidates, &candidate{od: od, m: m})
	}
	if len(candidates) == 0 {
		return nil, poolerr.NotFound("", fmt.Errorf("no candidate device had a readable member header"))
	}

	var newest *candidate
	var newestTS uint64
	for _, c := range candidates {
		ts, err := meta.NewestTimestamp(c.od.file, c.od.sectors)
		if err != nil {
			continue
		}
		if newest == nil || ts > newestTS {
			newest, newestTS = c, ts
		}
	}
	if newest == nil {
		return nil, poolerr.NotFound("", fmt.Errorf("no candidate device carries a readable metadata payload"))
	}

	payload, _, err := meta.ReadPair(newest.od.file, newest.od.sectors)
	if err != nil {
		return nil, err
	}
	snap, err := Codec{}.Decode(payload)
	if err != nil {
		return nil, err
	}

	logger = logger.WithFields(logrus.Fields{"pool_name": snap.Name, "pool_id": snap.ID})
	span.SetAttributes(attribute.String("pool.id", snap.ID), attribute.String("pool.name", snap.Name))

	byID := make(map[string]*candidate, len(candidates))
	for _, c := range candidates {
		byID[c.m.ID] = c
	}

	p, err := newPool(snap.Name, snap.ID)
	if err != nil {
		return nil, err
	}

	found := 0
	for _, ms := range snap.Members {
		c, ok := byID[ms.ID]
		if !ok {
			logger.WithFields(logrus.Fields{"member_id": ms.ID, "path": ms.Path}).
				Warn("member recorded in pool metadata was not found among candidate devices")
			continue
		}
		if err := p.putMember(c.m); err != nil {
			return nil, err
		}
		found++
	}

	missing := len(snap.Members) - found
	switch classifyMissing(missing, len(snap.Members)) {
	case missingNone:
		logger.Info("all pool members found")
	case missingTolerable:
		logger.WithFields(logrus.Fields{"missing": missing, "total": len(snap.Members)}).
			Warn("some pool members missing, continuing with reduced redundancy")
	case missingFatal:
		return nil, poolerr.MissingMembers(
			fmt.Sprintf("at most %d of %d members missing", units.Redundancy, len(snap.Members)),
			fmt.Sprintf("%d missing", missing))
	}

	for _, rds := range snap.RaidDevs {
		raidMembers := make([]raid.RaidMember, len(rds.Members))
		for i, rms := range rds.Members {
			if !rms.Present {
				raidMembers[i] = raid.RaidMember{Present: false, AbsentID: rms.AbsentID, AbsentMeta: rms.AbsentMeta}
				continue
			}
			m, ok := p.Member(rms.ParentID)
			if !ok {
				logger.WithFields(logrus.Fields{"raid_dev": rds.ID, "parent_id": rms.ParentID}).
					Warn("could not find parent member for a linear device; treating as absent")
				raidMembers[i] = raid.RaidMember{Present: false, AbsentID: rms.LinearID, AbsentMeta: rms.ParentID}
				continue
			}
			metaArea := member.Area{Start: rms.MetaSegment.Start, Length: rms.MetaSegment.Length}
			dataArea := member.Area{Start: rms.DataSegment.Start, Length: rms.DataSegment.Length}
			ld, err := member.Create(ctx, dm, member.StatDevNumAtDevMapper, snap.Name, m, rms.LinearID, metaArea, dataArea)
			if err != nil {
				return nil, fmt.Errorf("recreating linear device %s on member %s: %w", rms.LinearID, m.ID, err)
			}
			raidMembers[i] = raid.RaidMember{Present: true, Linear: ld}
		}

		rd, err := raid.Create(ctx, dm, raid.StatDevNumAtDevMapper, snap.Name, rds.ID, raidMembers, rds.StripeSectors, rds.RegionSectors)
		if err != nil {
			return nil, fmt.Errorf("reactivating raid zone %s: %w", rds.ID, err)
		}
		if err := p.putRaidDev(rd); err != nil {
			return nil, err
		}
	}

	metaDev, err := reattachRaidLinear(ctx, dm, p, snap.Name, snap.ThinPool.MetaDev)
	if err != nil {
		return nil, err
	}
	dataDev, err := reattachRaidLinear(ctx, dm, p, snap.Name, snap.ThinPool.DataDev)
	if err != nil {
		return nil, err
	}

	tp, err := thinpool.Setup(ctx, dm, snap.Name, snap.ThinPool.ID, snap.ThinPool.DataBlockSectors, snap.ThinPool.LowWaterBlocks, metaDev, dataDev)
	if err != nil {
		return nil, err
	}
	p.ThinPool = tp

	for _, tds := range snap.ThinDevs {
		td, err := thinpool.SetupThin(ctx, dm, snap.Name, tds.Name, tds.ThinNumber, tds.Size, tp)
		if err != nil {
			return nil, err
		}
		p.ThinDevs = append(p.ThinDevs, td)
	}

	logger.Info("pool discovery complete")
	return p, nil
}

// reattachRaidLinear rebuilds a RaidLinearDev (the thin pool's meta or
// data device) from its persisted segment list, resolving each
// segment's parent RaidDev by id through the pool's own arena rather
// than recreating it.
func reattachRaidLinear(ctx context.Context, dm dmclient.Interface, p *Pool, poolName string, s RaidLinearSnapshot) (*raid.RaidLinearDev, error) {
	segs := make([]*raid.RaidSegment, len(s.Segments))
	for i, ss := range s.Segments {
		rd, ok := p.RaidDev(ss.ParentID)
		if !ok {
			return nil, poolerr.NotFound(ss.ParentID, fmt.Errorf("raid zone referenced by thin-pool segment not found"))
		}
		seg, err := raid.NewSegment(rd, raid.Area{Start: ss.Start, Length: ss.Length})
		if err != nil {
			return nil, err
		}
		segs[i] = seg
	}
	return raid.CreateLinear(ctx, dm, raid.StatDevNumAtDevMapper, poolName, s.ID, segs)
}

// SaveState flattens p's current Snapshot and writes it identically to
// every present member's MDA, stamped with a fresh ULID-derived
// timestamp so Discover's cross-member newest-wins comparison always
// has a well-ordered value to compare. Grounded on
// original_source/src/froyo.rs's save_state, which likewise writes the
// same serialized state to every block device's MDA pair.
func SaveState(ctx context.Context, p *Pool, logger logrus.FieldLogger) error {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return orchGuard.WithOperation(ctx, "save_state", func() error {
		return RecoverableOperation(logger, "save_state", func() error {
			return saveStateLocked(ctx, p, logger)
		})
	})
}

// saveStateLocked holds SaveState's body, run under orchGuard/RecoverableOperation.
func saveStateLocked(ctx context.Context, p *Pool, logger logrus.FieldLogger) error {
	logger, opID := opLogger(logger, "save_state")
	ctx, span := tracer.Start(ctx, "pool.SaveState", trace.WithAttributes(attribute.String("op_id", opID)))
	defer span.End()

	opStart := time.Now()
	defer func() {
		if m := perf.MetricsFromContext(ctx); m != nil {
			m.RecordSaveState(time.Since(opStart))
		}
	}()

	payload, err := Codec{}.Encode(p)
	if err != nil {
		return err
	}

	timestamp := time.UnixMilli(int64(ulid.Make().Time()))

	var wrote int
	for _, m := range p.Members() {
		newHdr, _, err := meta.WritePair(m.Dev(), m.DeviceSectors, timestamp, payload)
		if err != nil {
			return fmt.Errorf("writing pool metadata to member %s: %w", m.ID, err)
		}
		if err := meta.WriteHeader(m.Dev(), m.DeviceSectors, newHdr); err != nil {
			return fmt.Errorf("persisting updated MDA descriptors to member %s: %w", m.ID, err)
		}
		wrote++
	}

	logger.WithFields(logrus.Fields{"pool_id": p.ID, "members_written": wrote}).Debug("saved pool state")
	return nil
}

// Status gathers every RAID zone's health and the thin pool's block
// usage into one health.PoolHealth snapshot, per spec.md §4.7/P8.
func Status(ctx context.Context, dm dmclient.Interface, p *Pool) (health.PoolHealth, thinpool.BlockUsage, error) {
	var h health.PoolHealth
	var usage thinpool.BlockUsage
	err := RecoverableOperation(logrus.StandardLogger(), "status", func() error {
		var err error
		h, usage, err = statusLocked(ctx, dm, p)
		return err
	})
	return h, usage, err
}

// statusLocked holds Status's body, run under RecoverableOperation.
func statusLocked(ctx context.Context, dm dmclient.Interface, p *Pool) (health.PoolHealth, thinpool.BlockUsage, error) {
	opStart := time.Now()
	defer func() {
		if m := perf.MetricsFromContext(ctx); m != nil {
			m.RecordStatus(time.Since(opStart))
		}
	}()

	zones := make(map[string]raid.Status)
	actions := make(map[string]raid.Action)
	for _, rd := range p.RaidDevs() {
		status, action, err := rd.Status(ctx, dm)
		if err != nil {
			return health.PoolHealth{}, thinpool.BlockUsage{}, err
		}
		zones[rd.ID] = status
		actions[rd.ID] = action
	}

	perf := health.PerfGood
	if p.Throttled {
		perf = health.PerfThrottled
	}
	h := health.Snapshot(p.Name, zones, actions, perf)

	var usage thinpool.BlockUsage
	if p.ThinPool != nil {
		tpStatus, err := p.ThinPool.Status(ctx, dm)
		if err != nil {
			return health.PoolHealth{}, thinpool.BlockUsage{}, err
		}
		usage = tpStatus.Usage
	}

	return h, usage, nil
}
