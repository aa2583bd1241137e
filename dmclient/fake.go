package dmclient

import (
	"context"
	"fmt"
	"sync"

	"github.com/superfly/dmpool/poolerr"
)

// FakeClient is an in-memory Interface implementation. Tests supply
// canned status strings per device name; Create/Load record the table
// per device name (readable back through Table), Suspend/Resume only
// check that the device exists, and Remove forgets it, so other
// packages' tests never shell out to dmsetup.
type FakeClient struct {
	mu       sync.Mutex
	tables   map[string][]TableLine
	statuses map[string]string // device name -> raw table_status output
	messages []FakeMessage
}

// FakeMessage records a Message call for assertions in tests.
type FakeMessage struct {
	Name   string
	Sector uint64
	Msg    string
}

// NewFake creates an empty FakeClient.
func NewFake() *FakeClient {
	return &FakeClient{
		tables:   make(map[string][]TableLine),
		statuses: make(map[string]string),
	}
}

// SetStatus seeds the canned table_status output for name, returned by
// TableStatus until overwritten.
func (f *FakeClient) SetStatus(name, status string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[name] = status
}

// MessageResponder is the shape of a Message reply function.
// FakeClient does not call one: its Message records the call and
// returns an empty reply.
type MessageResponder func(name string, sector uint64, msg string) (string, error)

func (f *FakeClient) Create(_ context.Context, name string, table []TableLine) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.tables[name]; exists {
		return poolerr.InvalidInputf("device %s already exists", name)
	}
	f.tables[name] = table
	return nil
}

func (f *FakeClient) Load(_ context.Context, name string, table []TableLine) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.tables[name]; !exists {
		return poolerr.NotFound(name, fmt.Errorf("no such device"))
	}
	f.tables[name] = table
	return nil
}

func (f *FakeClient) Suspend(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.tables[name]; !exists {
		return poolerr.NotFound(name, fmt.Errorf("no such device"))
	}
	return nil
}

func (f *FakeClient) Resume(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.tables[name]; !exists {
		return poolerr.NotFound(name, fmt.Errorf("no such device"))
	}
	return nil
}

func (f *FakeClient) Remove(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.tables, name)
	delete(f.statuses, name)
	return nil
}

func (f *FakeClient) TableStatus(_ context.Context, name string) ([]StatusLine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	raw, exists := f.statuses[name]
	if !exists {
		return nil, poolerr.NotFound(name, fmt.Errorf("no such device"))
	}
	return parseStatus(raw)
}

func (f *FakeClient) Message(_ context.Context, name string, sector uint64, msg string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, FakeMessage{Name: name, Sector: sector, Msg: msg})
	return "", nil
}

// Messages returns every Message call recorded so far, for assertions.
func (f *FakeClient) Messages() []FakeMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]FakeMessage, len(f.messages))
	copy(out, f.messages)
	return out
}

// Table returns the currently loaded table for name, for assertions.
func (f *FakeClient) Table(name string) ([]TableLine, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tables[name]
	return t, ok
}

var _ Interface = (*FakeClient)(nil)
var _ Interface = (*Client)(nil)
