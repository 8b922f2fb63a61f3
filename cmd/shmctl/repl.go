package main

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/s2"
	"github.com/natefinch/atomic"
	"github.com/peterh/liner"

	"github.com/arenakv/shmcache/pkg/shmcache"
)

// REPL is the interactive command loop.
type REPL struct {
	cache *shmcache.Cache
	path  string
	liner *liner.State
}

// historyFile returns the path to the history file.
func historyFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	return filepath.Join(home, ".shmctl_history")
}

// Run starts the REPL loop.
func (r *REPL) Run() error {
	r.liner = liner.NewLiner()
	defer r.liner.Close()

	r.liner.SetCtrlCAborts(true)
	r.liner.SetCompleter(r.completer)

	if f, err := os.Open(historyFile()); err == nil {
		r.liner.ReadHistory(f)
		f.Close()
	}

	fmt.Printf("shmctl - shared-memory cache CLI (%s)\n", r.path)
	fmt.Println("Type 'help' for available commands.")
	fmt.Println()

	for {
		line, err := r.liner.Prompt("shmctl> ")
		if err != nil {
			if err == liner.ErrPromptAborted || err == io.EOF {
				fmt.Println("\nBye!")

				break
			}

			return fmt.Errorf("reading input: %w", err)
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		r.liner.AppendHistory(line)

		parts := strings.Fields(line)
		cmd := strings.ToLower(parts[0])
		args := parts[1:]

		switch cmd {
		case "exit", "quit", "q":
			fmt.Println("Bye!")

			r.saveHistory()

			return nil

		case "help", "?":
			r.printHelp()

		case "get":
			r.cmdGet(args)

		case "set", "put":
			r.cmdSet(args)

		case "del", "delete":
			r.cmdDelete(args)

		case "has", "contains":
			r.cmdHas(args)

		case "keys":
			r.cmdKeys()

		case "len", "count":
			r.cmdLen()

		case "info":
			r.cmdInfo()

		case "items", "contents":
			r.cmdItems()

		case "bulk":
			r.cmdBulk(args)

		case "compact":
			r.cmdCompact()

		case "clear":
			r.cmdClear()

		case "dump":
			r.cmdDump(args)

		default:
			fmt.Printf("Unknown command: %s (type 'help' for commands)\n", cmd)
		}
	}

	r.saveHistory()

	return nil
}

// saveHistory persists command history to disk.
func (r *REPL) saveHistory() {
	if path := historyFile(); path != "" {
		if f, err := os.Create(path); err == nil {
			r.liner.WriteHistory(f)
			f.Close()
		}
	}
}

// completer provides tab completion for commands.
func (r *REPL) completer(line string) []string {
	commands := []string{
		"get", "set", "put", "del", "delete",
		"has", "contains", "keys", "len", "count",
		"info", "items", "contents", "bulk",
		"compact", "clear", "dump",
		"help", "exit", "quit", "q",
	}

	var completions []string

	lower := strings.ToLower(line)
	for _, cmd := range commands {
		if strings.HasPrefix(cmd, lower) {
			completions = append(completions, cmd)
		}
	}

	return completions
}

func (r *REPL) printHelp() {
	fmt.Println("Commands:")
	fmt.Println("  get <key>            Retrieve a value")
	fmt.Println("  set <key> <value>    Store a value (value may contain spaces)")
	fmt.Println("  del <key>            Delete a key")
	fmt.Println("  has <key>            Check existence without refreshing recency")
	fmt.Println("  keys                 List all live keys")
	fmt.Println("  len                  Count live keys")
	fmt.Println("  info                 Show segment statistics")
	fmt.Println("  items                List distinct stored values")
	fmt.Println("  bulk <count>         Insert N random entries")
	fmt.Println("  compact              Reclaim unreferenced blob space")
	fmt.Println("  clear                Wipe the segment")
	fmt.Println("  dump <file>          Write a compressed snapshot of all entries")
	fmt.Println("  help                 Show this help")
	fmt.Println("  exit / quit / q      Exit")
}

// formatValue shows printable bytes as a quoted string, anything else as
// hex.
func formatValue(b []byte) string {
	for _, c := range b {
		if c < 32 || c > 126 {
			return "0x" + hex.EncodeToString(b)
		}
	}

	return fmt.Sprintf("%q", string(b))
}

func (r *REPL) cmdGet(args []string) {
	if len(args) < 1 {
		fmt.Println("Usage: get <key>")

		return
	}

	value, err := r.cache.Get([]byte(args[0]))
	if err != nil {
		if errors.Is(err, shmcache.ErrNotFound) {
			fmt.Println("(not found)")

			return
		}

		fmt.Printf("Error: %v\n", err)

		return
	}

	fmt.Printf("%s (%d bytes)\n", formatValue(value), len(value))
}

func (r *REPL) cmdSet(args []string) {
	if len(args) < 2 {
		fmt.Println("Usage: set <key> <value>")

		return
	}

	key := []byte(args[0])
	value := []byte(strings.Join(args[1:], " "))

	if err := r.cache.Set(key, value); err != nil {
		fmt.Printf("Error: %v\n", err)

		return
	}

	fmt.Printf("OK: set %s (%d bytes)\n", formatValue(key), len(value))
}

func (r *REPL) cmdDelete(args []string) {
	if len(args) < 1 {
		fmt.Println("Usage: del <key>")

		return
	}

	err := r.cache.Delete([]byte(args[0]))
	if err != nil {
		if errors.Is(err, shmcache.ErrNotFound) {
			fmt.Println("(not found)")

			return
		}

		fmt.Printf("Error: %v\n", err)

		return
	}

	fmt.Printf("OK: deleted %s\n", formatValue([]byte(args[0])))
}

func (r *REPL) cmdHas(args []string) {
	if len(args) < 1 {
		fmt.Println("Usage: has <key>")

		return
	}

	found, err := r.cache.Contains([]byte(args[0]))
	if err != nil {
		fmt.Printf("Error: %v\n", err)

		return
	}

	fmt.Println(found)
}

func (r *REPL) cmdKeys() {
	keys, err := r.cache.Keys()
	if err != nil {
		fmt.Printf("Error: %v\n", err)

		return
	}

	if len(keys) == 0 {
		fmt.Println("(empty)")

		return
	}

	for i, k := range keys {
		fmt.Printf("%4d. %s\n", i+1, formatValue(k))
	}
}

func (r *REPL) cmdLen() {
	count, err := r.cache.Len()
	if err != nil {
		fmt.Printf("Error: %v\n", err)

		return
	}

	fmt.Printf("Live keys: %d\n", count)
}

func (r *REPL) cmdInfo() {
	st, err := r.cache.Stats()
	if err != nil {
		fmt.Printf("Error: %v\n", err)

		return
	}

	fmt.Printf("Segment Info:\n")
	fmt.Printf("  Path:            %s\n", r.path)
	fmt.Printf("  Size:            %s\n", formatBytes(st.SegmentSize))
	fmt.Printf("  Version:         %d\n", st.SegmentVersion)
	fmt.Printf("  Live keys:       %d / %d\n", st.Items, st.MaxItems)
	fmt.Printf("  Pool:            %s used of %s (%s free)\n",
		formatBytes(st.PoolUsed), formatBytes(st.PoolSize), formatBytes(st.PoolFree))
	fmt.Printf("  Key slots:       %d occupied, %d tombstoned, %d total\n",
		st.KeySlotsOccupied, st.KeySlotsTombstoned, st.KeySlots)
	fmt.Printf("  Content slots:   %d occupied, %d total\n",
		st.ContentSlotsOccupied, st.ContentSlots)
}

func (r *REPL) cmdItems() {
	n := 0

	err := r.cache.ContentItems(func(fp shmcache.Digest, value []byte) bool {
		n++
		fmt.Printf("%4d. %s  %s (%d bytes)\n", n, fp, formatValue(value), len(value))

		return true
	})
	if err != nil {
		fmt.Printf("Error: %v\n", err)

		return
	}

	if n == 0 {
		fmt.Println("(empty)")
	}
}

func (r *REPL) cmdBulk(args []string) {
	if len(args) < 1 {
		fmt.Println("Usage: bulk <count>")

		return
	}

	count, err := strconv.Atoi(args[0])
	if err != nil || count < 1 {
		fmt.Printf("Error: count must be a positive integer\n")

		return
	}

	start := time.Now()

	for i := range count {
		key := make([]byte, 16)
		value := make([]byte, 64)
		rand.Read(key)
		rand.Read(value)

		if err := r.cache.Set(key, value); err != nil {
			fmt.Printf("Error at entry %d: %v\n", i+1, err)

			return
		}
	}

	elapsed := time.Since(start)
	fmt.Printf("OK: inserted %d entries in %v (%.0f ops/sec)\n",
		count, elapsed.Round(time.Millisecond), opsPerSec(count, elapsed))
}

func (r *REPL) cmdCompact() {
	before, err := r.cache.Stats()
	if err != nil {
		fmt.Printf("Error: %v\n", err)

		return
	}

	start := time.Now()

	if err := r.cache.Compact(); err != nil {
		fmt.Printf("Error: %v\n", err)

		return
	}

	after, err := r.cache.Stats()
	if err != nil {
		fmt.Printf("Error: %v\n", err)

		return
	}

	reclaimed := before.PoolUsed - after.PoolUsed
	fmt.Printf("OK: reclaimed %s in %v (%s used)\n",
		formatBytes(reclaimed), time.Since(start).Round(time.Millisecond), formatBytes(after.PoolUsed))
}

func (r *REPL) cmdClear() {
	answer, err := r.liner.Prompt("Are you sure you want to wipe this segment? (yes/no): ")
	if err != nil {
		fmt.Println("Cancelled.")

		return
	}

	answer = strings.TrimSpace(strings.ToLower(answer))
	if answer != "yes" && answer != "y" {
		fmt.Println("Cancelled.")

		return
	}

	if err := r.cache.Clear(); err != nil {
		fmt.Printf("Error: %v\n", err)

		return
	}

	fmt.Println("Segment cleared.")
}

// cmdDump writes all live (key, value) pairs to a file as an
// s2-compressed stream of length-prefixed records, atomically renamed
// into place so a crash never leaves a partial snapshot.
//
// Record format (inside the compressed stream, big-endian):
//
//	u32 key length | key bytes | u32 value length | value bytes
func (r *REPL) cmdDump(args []string) {
	if len(args) < 1 {
		fmt.Println("Usage: dump <file>")

		return
	}

	keys, err := r.cache.Keys()
	if err != nil {
		fmt.Printf("Error: %v\n", err)

		return
	}

	var buf bytes.Buffer

	zw := s2.NewWriter(&buf)
	written := 0

	var lenBuf [4]byte

	for _, key := range keys {
		value, err := r.cache.Get(key)
		if err != nil {
			// Evicted between Keys and Get; skip.
			if errors.Is(err, shmcache.ErrNotFound) {
				continue
			}

			fmt.Printf("Error reading %s: %v\n", formatValue(key), err)

			return
		}

		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(key)))
		zw.Write(lenBuf[:])
		zw.Write(key)

		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(value)))
		zw.Write(lenBuf[:])
		zw.Write(value)

		written++
	}

	if err := zw.Close(); err != nil {
		fmt.Printf("Error compressing: %v\n", err)

		return
	}

	size := uint64(buf.Len())

	if err := atomic.WriteFile(args[0], &buf); err != nil {
		fmt.Printf("Error writing %s: %v\n", args[0], err)

		return
	}

	fmt.Printf("OK: dumped %d entries to %s (%s compressed)\n", written, args[0], formatBytes(size))
}
