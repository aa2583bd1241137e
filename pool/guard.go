package pool

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/superfly/dmpool/dmclient"
	"github.com/superfly/dmpool/poolerr"
)

// Guard serializes orchestrator-level mutations (Create, Discover and
// SaveState run through orchGuard) through a fixed-size semaphore and runs an
// optional health preflight before letting the operation through.
// Adapted from the teacher's safeguards.OperationGuard — the
// concurrency-control shape (semaphore + active-op counter + logged
// acquire/release) is kept essentially as-is, since it has nothing to
// do with container images specifically and everything to do with not
// overlapping mutations against one shared kernel resource, which a
// dm-thin pool needs exactly as much as the teacher's domain did.
type Guard struct {
	mu            sync.Mutex
	semaphore     chan struct{}
	maxConcurrent int
	activeOps     int
	logger        logrus.FieldLogger
	preflight     func(context.Context) error
}

// GuardConfig configures a Guard.
type GuardConfig struct {
	// MaxConcurrent is the maximum number of concurrent orchestrator
	// mutations (default 1 — spec.md §5's single logical orchestrator
	// thread).
	MaxConcurrent int
	Logger        logrus.FieldLogger
	// Preflight, if set, runs before every Acquire succeeds. Use
	// NewHealthPreflight to build one from a Pool's live RAID zones.
	Preflight func(context.Context) error
}

// NewGuard creates a Guard.
func NewGuard(cfg GuardConfig) *Guard {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	return &Guard{
		semaphore:     make(chan struct{}, cfg.MaxConcurrent),
		maxConcurrent: cfg.MaxConcurrent,
		logger:        cfg.Logger.WithField("component", "pool-guard"),
		preflight:     cfg.Preflight,
	}
}

// Acquire reserves a mutation slot, running the preflight health check
// first.
func (g *Guard) Acquire(ctx context.Context, opName string) error {
	select {
	case g.semaphore <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("context cancelled while waiting for operation slot: %w", ctx.Err())
	}

	g.mu.Lock()
	g.activeOps++
	active := g.activeOps
	g.mu.Unlock()

	g.logger.WithFields(logrus.Fields{"operation": opName, "active_ops": active}).Debug("acquired operation slot")

	if g.preflight != nil {
		if err := g.preflight(ctx); err != nil {
			g.Release(opName)
			return fmt.Errorf("health preflight failed before operation %s: %w", opName, err)
		}
	}
	return nil
}

// Release releases a mutation slot.
func (g *Guard) Release(opName string) {
	g.mu.Lock()
	g.activeOps--
	active := g.activeOps
	g.mu.Unlock()
	<-g.semaphore
	g.logger.WithFields(logrus.Fields{"operation": opName, "active_ops": active}).Debug("released operation slot")
}

// ActiveOperations returns the current number of acquired slots.
func (g *Guard) ActiveOperations() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.activeOps
}

// WithOperation runs fn under the guard, always releasing the slot
// afterward.
func (g *Guard) WithOperation(ctx context.Context, opName string, fn func() error) error {
	if err := g.Acquire(ctx, opName); err != nil {
		return err
	}
	defer g.Release(opName)
	return fn()
}

// RecoverableOperation runs fn with panic recovery, turning any panic
// into a poolerr.IoFailure instead of crashing the orchestrator — kept
// in spirit from the teacher's safeguards.RecoverableOperation (SPEC_FULL
// §5.1), generalized to return the closed error-kind type dmpool uses
// everywhere else instead of a bare fmt.Errorf.
func RecoverableOperation(logger logrus.FieldLogger, opName string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			stack := debug.Stack()
			logger.WithFields(logrus.Fields{
				"operation": opName,
				"panic":     r,
				"stack":     string(stack),
			}).Error("recovered from panic in orchestrator operation")
			err = poolerr.IoFailure(opName, fmt.Errorf("panic: %v", r))
		}
	}()
	return fn()
}

// NewHealthPreflight builds a Guard preflight from a live Pool: it
// refuses to let a guarded operation proceed while any RAID zone is
// already Failed, generalizing the teacher's D-state-process/kernel-log/
// memory-pressure SystemHealthChecker into a check this domain can
// actually evaluate without shelling out — the pool already knows its
// own RAID zone health via dmclient.Interface.TableStatus.
func NewHealthPreflight(dm dmclient.Interface, p *Pool) func(context.Context) error {
	return func(ctx context.Context) error {
		for _, rd := range p.RaidDevs() {
			status, _, err := rd.Status(ctx, dm)
			if err != nil {
				return err
			}
			if status.Failed() {
				return poolerr.KernelState(rd.Name(), "a non-failed RAID zone", "failed")
			}
		}
		return nil
	}
}
