// Package dmclient implements the device-mapper kernel-boundary
// interface from spec.md §6 as a typed wrapper over dmsetup(8),
// grounded on the teacher's devicemapper.Client (devicemapper/dm.go):
// the same per-process mutex serialization, logrus structured command
// logging, and "fail-dumb" policy of never auto-cleaning a device that
// just failed an operation.
package dmclient

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/superfly/dmpool/poolerr"
)

// TableLine is one line of a device-mapper table: "<start> <length>
// <target> <params>".
type TableLine struct {
	Start  uint64
	Length uint64
	Target string
	Params string
}

func (l TableLine) String() string {
	return fmt.Sprintf("%d %d %s %s", l.Start, l.Length, l.Target, l.Params)
}

// StatusLine is one parsed line of `dmsetup status`/`table_status`
// output: start/length/target match TableLine, Params is the
// target-specific status text callers parse further (raid/thin-pool/
// thin each have their own format, per spec.md §4).
type StatusLine struct {
	Start  uint64
	Length uint64
	Target string
	Params string
}

// Interface is the device-mapper kernel-boundary contract from
// spec.md §6. Both Client (real dmsetup) and FakeClient (in-memory,
// for tests) implement it.
type Interface interface {
	Create(ctx context.Context, name string, table []TableLine) error
	Load(ctx context.Context, name string, table []TableLine) error
	Suspend(ctx context.Context, name string) error
	Resume(ctx context.Context, name string) error
	Remove(ctx context.Context, name string) error
	TableStatus(ctx context.Context, name string) ([]StatusLine, error)
	Message(ctx context.Context, name string, sector uint64, msg string) (string, error)
}

var tracer = otel.Tracer("github.com/superfly/dmpool/dmclient")

// Client wraps dmsetup(8) subprocess calls. All operations on one
// Client are serialized by mu, matching the teacher's per-process
// serialization of devicemapper operations.
type Client struct {
	logger logrus.FieldLogger
	mu     sync.Mutex
}

// New creates a dmsetup-backed Client.
func New(logger logrus.FieldLogger) *Client {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Client{logger: logger.WithField("component", "dmclient")}
}

// isTransient reports whether dmsetup output indicates a transient
// failure worth retrying (a udev settle race), matching the class of
// failure the teacher's DeactivateDevice/UnmountDevice retry loops
// already tolerate.
func isTransient(output string) bool {
	return strings.Contains(output, "Device or resource busy")
}

func (c *Client) run(ctx context.Context, spanName string, args []string, attrs ...attribute.KeyValue) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ctx, span := tracer.Start(ctx, spanName, trace.WithAttributes(attrs...))
	defer span.End()

	logger := c.logger.WithFields(logrus.Fields{"command": "dmsetup", "args": args})

	var output string
	op := func() error {
		start := time.Now()
		cmd := exec.CommandContext(ctx, "dmsetup", args...)
		out, err := cmd.CombinedOutput()
		output = string(out)
		logger.WithFields(logrus.Fields{
			"duration_ms": time.Since(start).Milliseconds(),
			"stdout":      output,
		}).Debug("dmsetup completed")
		if err != nil {
			if isTransient(output) {
				return err // retryable
			}
			return backoff.Permanent(err)
		}
		return nil
	}

	bo := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3)
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		logger.WithFields(logrus.Fields{"error": err.Error(), "output": output}).Error("dmsetup failed")
		return output, poolerr.IoFailure(strings.Join(args, " "), fmt.Errorf("dmsetup %s: %w (output: %s)", args[0], err, output))
	}
	return output, nil
}

func tableArg(table []TableLine) string {
	lines := make([]string, len(table))
	for i, l := range table {
		lines[i] = l.String()
	}
	return strings.Join(lines, "\n")
}

// Create activates a new device with the given table (§6: "create").
func (c *Client) Create(ctx context.Context, name string, table []TableLine) error {
	_, err := c.run(ctx, "dmclient.Create", []string{"create", name, "--table", tableArg(table)},
		attribute.String("dm.name", name))
	return err
}

// Load replaces the inactive table of an existing device (§6: "load"),
// used by ThinPool/ThinDev Extend to stage a grown table before the
// suspend/resume that activates it.
func (c *Client) Load(ctx context.Context, name string, table []TableLine) error {
	_, err := c.run(ctx, "dmclient.Load", []string{"load", name, "--table", tableArg(table)},
		attribute.String("dm.name", name))
	return err
}

// Suspend suspends I/O on a device (§6: "suspend").
func (c *Client) Suspend(ctx context.Context, name string) error {
	_, err := c.run(ctx, "dmclient.Suspend", []string{"suspend", name}, attribute.String("dm.name", name))
	return err
}

// Resume resumes I/O on a device, loading any staged inactive table
// (§6: "resume").
func (c *Client) Resume(ctx context.Context, name string) error {
	_, err := c.run(ctx, "dmclient.Resume", []string{"resume", name}, attribute.String("dm.name", name))
	return err
}

// Remove tears down a device (§6: "remove"). Callers are responsible
// for the top-down teardown order from spec.md §5; Remove itself does
// not cascade.
func (c *Client) Remove(ctx context.Context, name string) error {
	_, err := c.run(ctx, "dmclient.Remove", []string{"remove", name}, attribute.String("dm.name", name))
	if err != nil && strings.Contains(err.Error(), "not found") {
		return nil
	}
	return err
}

// TableStatus returns the parsed status lines for a device (§6:
// "table_status"/"status").
func (c *Client) TableStatus(ctx context.Context, name string) ([]StatusLine, error) {
	out, err := c.run(ctx, "dmclient.TableStatus", []string{"status", name}, attribute.String("dm.name", name))
	if err != nil {
		return nil, err
	}
	return parseStatus(out)
}

// Message sends a target message, e.g. "create_thin 0" to a thin-pool
// (§6: "message").
func (c *Client) Message(ctx context.Context, name string, sector uint64, msg string) (string, error) {
	return c.run(ctx, "dmclient.Message",
		[]string{"message", name, fmt.Sprintf("%d", sector), msg},
		attribute.String("dm.name", name), attribute.String("dm.message", msg))
}

func parseStatus(out string) ([]StatusLine, error) {
	var lines []StatusLine
	for _, raw := range strings.Split(strings.TrimRight(out, "\n"), "\n") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		fields := strings.SplitN(raw, " ", 4)
		if len(fields) < 4 {
			return nil, poolerr.KernelState("", "start length target params", raw)
		}
		var start, length uint64
		if _, err := fmt.Sscanf(fields[0], "%d", &start); err != nil {
			return nil, poolerr.KernelState("", "numeric start", fields[0])
		}
		if _, err := fmt.Sscanf(fields[1], "%d", &length); err != nil {
			return nil, poolerr.KernelState("", "numeric length", fields[1])
		}
		lines = append(lines, StatusLine{Start: start, Length: length, Target: fields[2], Params: fields[3]})
	}
	return lines, nil
}
