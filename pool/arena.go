// Package pool implements spec.md §4.9/§8's orchestrator: the
// top-level Pool entity, its create/discover/save-state/status
// operations, and the concurrency guard serializing them. Grounded on
// original_source/src/froyo.rs's Froyo, re-architected per spec.md §9's
// arena-plus-index note.
package pool

import (
	"fmt"

	"github.com/benbjohnson/immutable"
	"github.com/hashicorp/go-memdb"

	"github.com/superfly/dmpool/member"
	"github.com/superfly/dmpool/raid"
	"github.com/superfly/dmpool/thinpool"
)

var arenaSchema = &memdb.DBSchema{
	Tables: map[string]*memdb.TableSchema{
		"member": {
			Name: "member",
			Indexes: map[string]*memdb.IndexSchema{
				"id": {Name: "id", Unique: true, Indexer: &memdb.StringFieldIndex{Field: "ID"}},
			},
		},
		"raiddev": {
			Name: "raiddev",
			Indexes: map[string]*memdb.IndexSchema{
				"id": {Name: "id", Unique: true, Indexer: &memdb.StringFieldIndex{Field: "ID"}},
			},
		},
	},
}

// Pool is the top-level entity from spec.md §3: two flat arenas
// (Members, RaidDevs) keyed by id, ordered id vectors that preserve
// the iteration orders the arenas themselves don't (member order
// within a RAID zone is owned by raid.RaidDev itself; this vector is
// the pool-level "which RaidDevs exist, in creation order"), and the
// ThinPool/ThinDevs stacked above them. Froyo's BTreeMap<String,
// Rc<RefCell<_>>> fields become memdb tables; its Rc back-pointers
// become id lookups against the same tables (SPEC_FULL §2.1 item 2).
type Pool struct {
	Name string
	ID   string

	arena *memdb.MemDB

	memberIDs  *immutable.List // ordered []string
	raidDevIDs *immutable.List // ordered []string

	ThinPool *thinpool.ThinPool
	ThinDevs []*thinpool.ThinDev

	Throttled bool
}

func newArena() (*memdb.MemDB, error) {
	db, err := memdb.NewMemDB(arenaSchema)
	if err != nil {
		return nil, fmt.Errorf("pool: building arena: %w", err)
	}
	return db, nil
}

func newPool(name, id string) (*Pool, error) {
	arena, err := newArena()
	if err != nil {
		return nil, err
	}
	return &Pool{
		Name:       name,
		ID:         id,
		arena:      arena,
		memberIDs:  immutable.NewList(),
		raidDevIDs: immutable.NewList(),
	}, nil
}

func (p *Pool) putMember(m *member.Member) error {
	txn := p.arena.Txn(true)
	if err := txn.Insert("member", m); err != nil {
		txn.Abort()
		return fmt.Errorf("pool: indexing member %s: %w", m.ID, err)
	}
	txn.Commit()
	p.memberIDs = p.memberIDs.Append(m.ID)
	return nil
}

// Member looks up a member by id.
func (p *Pool) Member(id string) (*member.Member, bool) {
	txn := p.arena.Txn(false)
	defer txn.Abort()
	raw, err := txn.First("member", "id", id)
	if err != nil || raw == nil {
		return nil, false
	}
	return raw.(*member.Member), true
}

// Members returns every member, in the order each was added to the pool.
func (p *Pool) Members() []*member.Member {
	out := make([]*member.Member, 0, p.memberIDs.Len())
	itr := p.memberIDs.Iterator()
	for !itr.Done() {
		_, v := itr.Next()
		if m, ok := p.Member(v.(string)); ok {
			out = append(out, m)
		}
	}
	return out
}

func (p *Pool) putRaidDev(rd *raid.RaidDev) error {
	txn := p.arena.Txn(true)
	if err := txn.Insert("raiddev", rd); err != nil {
		txn.Abort()
		return fmt.Errorf("pool: indexing raid zone %s: %w", rd.ID, err)
	}
	txn.Commit()
	p.raidDevIDs = p.raidDevIDs.Append(rd.ID)
	return nil
}

// RaidDev looks up a RAID5 zone by id.
func (p *Pool) RaidDev(id string) (*raid.RaidDev, bool) {
	txn := p.arena.Txn(false)
	defer txn.Abort()
	raw, err := txn.First("raiddev", "id", id)
	if err != nil || raw == nil {
		return nil, false
	}
	return raw.(*raid.RaidDev), true
}

// RaidDevs returns every RAID5 zone, in the order each was carved.
func (p *Pool) RaidDevs() []*raid.RaidDev {
	out := make([]*raid.RaidDev, 0, p.raidDevIDs.Len())
	itr := p.raidDevIDs.Iterator()
	for !itr.Done() {
		_, v := itr.Next()
		if rd, ok := p.RaidDev(v.(string)); ok {
			out = append(out, rd)
		}
	}
	return out
}
