// Command poolctl creates, discovers, and reports on dmpool storage
// pools from the command line.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"github.com/superfly/dmpool/dmclient"
	"github.com/superfly/dmpool/perf"
	"github.com/superfly/dmpool/pool"
	"github.com/superfly/dmpool/registry"
)

// Config holds the flags common to every subcommand, mirroring the
// teacher's single-Config-struct-per-CLI approach rather than one
// struct per subcommand.
type Config struct {
	RegistryPath string
	LogLevel     string

	PoolName    string
	MemberPaths string
	Force       bool
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		RegistryPath: "/var/lib/dmpool/registry.db",
		LogLevel:     "info",
	}
}

var (
	log = logrus.New()

	// metrics accumulates Create/Discover/SaveState/Status timing for
	// the lifetime of this process; one-shot CLI invocations only ever
	// record a single call each, but the same OperationMetrics feeds
	// health.Collector when poolctl is later extended to run as a
	// long-lived daemon.
	metrics = perf.NewOperationMetrics()

	createCmd   = flag.NewFlagSet("create", flag.ExitOnError)
	discoverCmd = flag.NewFlagSet("discover", flag.ExitOnError)
	statusCmd   = flag.NewFlagSet("status", flag.ExitOnError)
	listCmd     = flag.NewFlagSet("list", flag.ExitOnError)
)

// opsContext attaches the process-wide OperationMetrics tracker to ctx
// so pool.Create/Discover/SaveState/Status can record into it.
func opsContext(ctx context.Context) context.Context {
	return perf.WithMetrics(ctx, metrics)
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	config := DefaultConfig()

	switch os.Args[1] {
	case "create":
		parseCreateFlags(&config, createCmd, os.Args[2:])
		if err := runCreate(config); err != nil {
			log.WithError(err).Fatal("create failed")
		}
	case "discover":
		parseDiscoverFlags(&config, discoverCmd, os.Args[2:])
		if err := runDiscover(config); err != nil {
			log.WithError(err).Fatal("discover failed")
		}
	case "status":
		parseStatusFlags(&config, statusCmd, os.Args[2:])
		if err := runStatus(config); err != nil {
			log.WithError(err).Fatal("status failed")
		}
	case "list":
		parseListFlags(&config, listCmd, os.Args[2:])
		if err := runList(config); err != nil {
			log.WithError(err).Fatal("list failed")
		}
	default:
		fmt.Printf("Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("poolctl - dmpool storage pool control")
	fmt.Println()
	fmt.Println("Usage: poolctl <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  create     Carve a new pool out of a set of block devices")
	fmt.Println("  discover   Reconstruct a pool from its on-disk metadata")
	fmt.Println("  status     Report a pool's health and thin-pool usage")
	fmt.Println("  list       List pools cached in the local registry")
	fmt.Println()
	fmt.Println("Run 'poolctl <command> --help' for more information on a command.")
}

func parseCreateFlags(cfg *Config, fs *flag.FlagSet, args []string) {
	fs.StringVar(&cfg.PoolName, "pool", "", "Pool name (required)")
	fs.StringVar(&cfg.MemberPaths, "members", "", "Comma-separated member device paths (required)")
	fs.BoolVar(&cfg.Force, "force", false, "Overwrite members that already carry a pool header")
	fs.StringVar(&cfg.RegistryPath, "registry", cfg.RegistryPath, "Registry cache database path")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")
	fs.Parse(args)

	if cfg.PoolName == "" {
		fmt.Println("Error: --pool is required")
		fs.Usage()
		os.Exit(1)
	}
	if cfg.MemberPaths == "" {
		fmt.Println("Error: --members is required")
		fs.Usage()
		os.Exit(1)
	}
}

func parseDiscoverFlags(cfg *Config, fs *flag.FlagSet, args []string) {
	fs.StringVar(&cfg.MemberPaths, "members", "", "Comma-separated candidate device paths (required)")
	fs.StringVar(&cfg.RegistryPath, "registry", cfg.RegistryPath, "Registry cache database path")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level")
	fs.Parse(args)

	if cfg.MemberPaths == "" {
		fmt.Println("Error: --members is required")
		fs.Usage()
		os.Exit(1)
	}
}

func parseStatusFlags(cfg *Config, fs *flag.FlagSet, args []string) {
	fs.StringVar(&cfg.PoolName, "pool", "", "Pool name (required)")
	fs.StringVar(&cfg.RegistryPath, "registry", cfg.RegistryPath, "Registry cache database path")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level")
	fs.Parse(args)

	if cfg.PoolName == "" {
		fmt.Println("Error: --pool is required")
		fs.Usage()
		os.Exit(1)
	}
}

func parseListFlags(cfg *Config, fs *flag.FlagSet, args []string) {
	fs.StringVar(&cfg.RegistryPath, "registry", cfg.RegistryPath, "Registry cache database path")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level")
	fs.Parse(args)
}

func setupLogger(level string) error {
	log.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: time.RFC3339Nano,
	})
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	log.SetLevel(lvl)
	return nil
}

func splitPaths(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func openRegistry(cfg Config) (*registry.DB, error) {
	rcfg := registry.DefaultConfig()
	rcfg.Path = cfg.RegistryPath
	return registry.New(rcfg)
}

// lockedBy identifies this invocation to the registry's cross-process
// pool lock, distinguishing concurrent poolctl runs in its error text.
func lockedBy() string {
	return fmt.Sprintf("poolctl-%d", os.Getpid())
}

func runCreate(cfg Config) error {
	if err := setupLogger(cfg.LogLevel); err != nil {
		return err
	}
	ctx := opsContext(context.Background())
	dm := dmclient.New(log)

	reg, err := openRegistry(cfg)
	if err != nil {
		return fmt.Errorf("opening registry cache: %w", err)
	}
	defer reg.Close()

	if err := reg.AcquirePoolLock(ctx, cfg.PoolName, lockedBy()); err != nil {
		return err
	}
	defer reg.ReleasePoolLock(ctx, cfg.PoolName)

	members := splitPaths(cfg.MemberPaths)
	p, err := pool.Create(ctx, dm, cfg.PoolName, members, cfg.Force, log)
	if err != nil {
		return fmt.Errorf("creating pool %s: %w", cfg.PoolName, err)
	}

	if err := pool.SaveState(ctx, p, log); err != nil {
		return fmt.Errorf("saving pool state: %w", err)
	}

	memberPaths := make([]string, 0, len(p.Members()))
	for _, m := range p.Members() {
		memberPaths = append(memberPaths, m.Path)
	}
	if err := reg.Upsert(ctx, registry.PoolRecord{ID: p.ID, Name: p.Name, MemberPaths: memberPaths}); err != nil {
		return fmt.Errorf("caching pool in registry: %w", err)
	}

	fmt.Printf("Pool %q created (id %s) with %d member(s), %d raid5 zone(s).\n",
		p.Name, p.ID, len(p.Members()), len(p.RaidDevs()))
	return nil
}

func runDiscover(cfg Config) error {
	if err := setupLogger(cfg.LogLevel); err != nil {
		return err
	}
	ctx := opsContext(context.Background())
	dm := dmclient.New(log)

	members := splitPaths(cfg.MemberPaths)
	p, err := pool.Discover(ctx, dm, members, log)
	if err != nil {
		return fmt.Errorf("discovering pool: %w", err)
	}

	reg, err := openRegistry(cfg)
	if err != nil {
		return fmt.Errorf("opening registry cache: %w", err)
	}
	defer reg.Close()

	memberPaths := make([]string, 0, len(p.Members()))
	for _, m := range p.Members() {
		memberPaths = append(memberPaths, m.Path)
	}
	if err := reg.Upsert(ctx, registry.PoolRecord{ID: p.ID, Name: p.Name, MemberPaths: memberPaths}); err != nil {
		return fmt.Errorf("caching pool in registry: %w", err)
	}

	fmt.Printf("Pool %q discovered (id %s) with %d member(s), %d raid5 zone(s).\n",
		p.Name, p.ID, len(p.Members()), len(p.RaidDevs()))
	return nil
}

func runStatus(cfg Config) error {
	if err := setupLogger(cfg.LogLevel); err != nil {
		return err
	}
	ctx := opsContext(context.Background())
	dm := dmclient.New(log)

	reg, err := openRegistry(cfg)
	if err != nil {
		return fmt.Errorf("opening registry cache: %w", err)
	}
	defer reg.Close()

	rec, err := reg.Get(ctx, cfg.PoolName)
	if err != nil {
		return fmt.Errorf("pool %q not in registry cache; run discover first: %w", cfg.PoolName, err)
	}

	p, err := pool.Discover(ctx, dm, rec.MemberPaths, log)
	if err != nil {
		return fmt.Errorf("rediscovering pool %q: %w", cfg.PoolName, err)
	}

	h, usage, err := pool.Status(ctx, dm, p)
	if err != nil {
		return fmt.Errorf("getting status for pool %q: %w", cfg.PoolName, err)
	}

	fmt.Println(h.String())
	fmt.Printf("thin-pool data: %s / %s used, meta: %d / %d blocks used\n",
		humanize.Bytes(usage.UsedData), humanize.Bytes(usage.TotalData),
		usage.UsedMeta, usage.TotalMeta)
	log.Debug(metrics.Summary())
	return nil
}

func runList(cfg Config) error {
	if err := setupLogger(cfg.LogLevel); err != nil {
		return err
	}
	ctx := context.Background()

	reg, err := openRegistry(cfg)
	if err != nil {
		return fmt.Errorf("opening registry cache: %w", err)
	}
	defer reg.Close()

	recs, err := reg.List(ctx)
	if err != nil {
		return fmt.Errorf("listing cached pools: %w", err)
	}
	if len(recs) == 0 {
		fmt.Println("No pools cached. Run 'poolctl discover' against candidate devices first.")
		return nil
	}

	for _, rec := range recs {
		fmt.Printf("%s\t%s\t%s\n", rec.Name, rec.ID, strings.Join(rec.MemberPaths, ","))
	}
	return nil
}
