// shmctl is a CLI for inspecting and manipulating shared-memory cache
// segments.
//
// Usage:
//
//	shmctl <segment-file>              Attach to an existing segment
//	shmctl new [opts] [segment-file]   Create a new segment
//
// Options for 'new' command:
//
//	-m, --maxsize        Maximum number of live keys (default: 4096)
//	    --load-factor    Key table load factor (default: 0.65)
//	    --avg-key        Expected average key size in bytes
//	    --avg-value      Expected average value size in bytes
//	    --lock-timeout   Cross-process lock timeout (default: 60s)
//
// When the segment file argument is omitted, 'new' creates
// shmcache-<uuid> in the configured segment directory (/dev/shm by
// default).
//
// Commands (in REPL):
//
//	get <key>            Retrieve a value
//	set <key> <value>    Store a value
//	del <key>            Delete a key
//	has <key>            Check existence without refreshing recency
//	keys                 List all live keys
//	len                  Count live keys
//	info                 Show segment statistics
//	items                List distinct stored values
//	bulk <count>         Insert N random entries
//	compact              Reclaim unreferenced blob space
//	clear                Wipe the segment
//	dump <file>          Write a compressed snapshot of all entries
//	help                 Show this help
//	exit / quit / q      Exit
//
// Defaults for segment directory, maxsize and lock timeout can be set in
// ~/.config/shmctl/config.json (JSONC).
package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/pflag"

	"github.com/arenakv/shmcache/pkg/shmcache"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	if len(os.Args) < 2 {
		printUsage()

		return errors.New("missing command or segment file path")
	}

	if os.Args[1] == "new" {
		return runNew(os.Args[2:])
	}

	return runOpen(os.Args[1:])
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage:\n")
	fmt.Fprintf(os.Stderr, "  shmctl <segment-file>              Attach to an existing segment\n")
	fmt.Fprintf(os.Stderr, "  shmctl new [opts] [segment-file]   Create a new segment\n")
	fmt.Fprintf(os.Stderr, "\nRun 'shmctl new --help' for options when creating a new segment.\n")
}

func runNew(args []string) error {
	cfg, cfgPath, err := LoadConfig()
	if err != nil {
		return err
	}

	cfgTimeout, err := cfg.lockTimeout()
	if err != nil {
		return err
	}

	fs := pflag.NewFlagSet("new", pflag.ExitOnError)

	maxSize := fs.IntP("maxsize", "m", cfg.MaxSize, "maximum number of live keys")
	loadFactor := fs.Float64("load-factor", 0, "key table load factor (0 uses the default)")
	avgKey := fs.Int("avg-key", 0, "expected average key size in bytes (0 uses the default)")
	avgValue := fs.Int("avg-value", 0, "expected average value size in bytes (0 uses the default)")
	lockTimeout := fs.Duration("lock-timeout", cfgTimeout, "cross-process lock timeout (0 uses the default)")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: shmctl new [options] [segment-file]\n\n")
		fmt.Fprintf(os.Stderr, "Create a new cache segment. Without a path argument a uniquely\n")
		fmt.Fprintf(os.Stderr, "named segment is created in %s.\n\n", cfg.SegmentDir)
		fmt.Fprintf(os.Stderr, "Options:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return err
	}

	segPath := fs.Arg(0)
	if segPath == "" {
		segPath = filepath.Join(cfg.SegmentDir, "shmcache-"+uuid.NewString())
	}

	if _, err := os.Stat(segPath); err == nil {
		return fmt.Errorf("segment already exists: %s (use 'shmctl %s' to attach)", segPath, segPath)
	}

	cache, err := shmcache.Create(shmcache.Options{
		Path:         segPath,
		MaxItems:     *maxSize,
		LoadFactor:   *loadFactor,
		AvgKeySize:   *avgKey,
		AvgValueSize: *avgValue,
		LockTimeout:  *lockTimeout,
	})
	if err != nil {
		return fmt.Errorf("creating segment: %w", err)
	}
	defer cache.Close()

	st, err := cache.Stats()
	if err != nil {
		return err
	}

	if cfgPath != "" {
		fmt.Printf("Config: %s\n", cfgPath)
	}

	fmt.Printf("Created segment:\n")
	fmt.Printf("  Path:       %s\n", segPath)
	fmt.Printf("  Max keys:   %d\n", st.MaxItems)
	fmt.Printf("  Size:       %s\n", formatBytes(st.SegmentSize))
	fmt.Println()

	repl := &REPL{cache: cache, path: segPath}

	return repl.Run()
}

func runOpen(args []string) error {
	cfg, _, err := LoadConfig()
	if err != nil {
		return err
	}

	cfgTimeout, err := cfg.lockTimeout()
	if err != nil {
		return err
	}

	fs := pflag.NewFlagSet("open", pflag.ExitOnError)

	lockTimeout := fs.Duration("lock-timeout", cfgTimeout, "cross-process lock timeout (0 uses the default)")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: shmctl [options] <segment-file>\n\n")
		fmt.Fprintf(os.Stderr, "Attach to an existing cache segment.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return err
	}

	if fs.NArg() < 1 {
		fs.Usage()

		return errors.New("missing segment file path")
	}

	segPath := fs.Arg(0)

	if _, err := os.Stat(segPath); os.IsNotExist(err) {
		return fmt.Errorf("segment does not exist: %s (use 'shmctl new %s' to create it)", segPath, segPath)
	}

	cache, err := shmcache.Attach(shmcache.Options{
		Path:        segPath,
		LockTimeout: *lockTimeout,
	})
	if err != nil {
		return fmt.Errorf("attaching segment: %w", err)
	}
	defer cache.Close()

	repl := &REPL{cache: cache, path: segPath}

	return repl.Run()
}

// formatBytes renders a byte count human-readably.
func formatBytes(n uint64) string {
	const (
		kib = 1 << 10
		mib = 1 << 20
		gib = 1 << 30
	)

	switch {
	case n >= gib:
		return fmt.Sprintf("%.1f GiB", float64(n)/gib)
	case n >= mib:
		return fmt.Sprintf("%.1f MiB", float64(n)/mib)
	case n >= kib:
		return fmt.Sprintf("%.1f KiB", float64(n)/kib)
	default:
		return fmt.Sprintf("%d B", n)
	}
}

// opsPerSec is used by the REPL bulk command for rate reporting.
func opsPerSec(count int, elapsed time.Duration) float64 {
	if elapsed <= 0 {
		return 0
	}

	return float64(count) / elapsed.Seconds()
}
