package engine

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"math/rand"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"strata/pkg/batch"
	"strata/pkg/compaction"
	"strata/pkg/compression"
	"strata/pkg/config"
	"strata/pkg/crypto"
	"strata/pkg/dberrors"
	"strata/pkg/keys"
	"strata/pkg/memtable"
	"strata/pkg/snapshot"
	"strata/pkg/types"
)

func testOptions() Options {
	return Options{
		MemtableSizeThreshold: 1 << 20,
		SyncWAL:               true,
		Compression:           compression.Snappy,
		BlockSize:             1 << 10,
		Compaction: compaction.Options{
			Trigger:      2,
			MinTableSize: 1 << 20,
		},
		DisableAutoCompaction: true,
		RetryBase:             time.Millisecond,
		RetryMax:              10 * time.Millisecond,
		Logger:                slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func openEngine(t *testing.T, dir string, opts Options) *Engine {
	t.Helper()
	e, err := Open(dir, opts)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	return e
}

// crash stops e the way a killed process would: nothing is flushed and the
// manifest is not touched.
func (e *Engine) crash() {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	e.state.Store(int32(StateClosing))
	e.flusher.Stop()
	e.cancel()
	e.bg.Wait()
	e.wal.Close()
	e.dropView()
	unlockDir(e.lock)
	e.lock, e.wal, e.flusher, e.cancel = nil, nil, nil, nil
	e.state.Store(int32(StateClosed))
}

func mustPut(t *testing.T, e *Engine, key, value string) types.SeqN {
	t.Helper()
	seq, err := e.Put([]byte(key), []byte(value))
	if err != nil {
		t.Fatalf("Put(%q) failed: %v", key, err)
	}
	return seq
}

func mustDelete(t *testing.T, e *Engine, key string) types.SeqN {
	t.Helper()
	seq, err := e.Delete([]byte(key))
	if err != nil {
		t.Fatalf("Delete(%q) failed: %v", key, err)
	}
	return seq
}

func mustFlush(t *testing.T, e *Engine) {
	t.Helper()
	if err := e.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
}

func expectValue(t *testing.T, e *Engine, key, want string) {
	t.Helper()
	got, found, err := e.Get([]byte(key), nil)
	if err != nil {
		t.Fatalf("Get(%q) failed: %v", key, err)
	}
	if !found {
		t.Fatalf("Get(%q): not found, want %q", key, want)
	}
	if string(got) != want {
		t.Fatalf("Get(%q) = %q, want %q", key, got, want)
	}
}

func expectMissing(t *testing.T, e *Engine, key string) {
	t.Helper()
	got, found, err := e.Get([]byte(key), nil)
	if err != nil {
		t.Fatalf("Get(%q) failed: %v", key, err)
	}
	if found {
		t.Fatalf("Get(%q) = %q, want not found", key, got)
	}
}

func scanAll(t *testing.T, e *Engine, r keys.Range) map[string]string {
	t.Helper()
	it, err := e.Scan(r, nil)
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	defer it.Close()

	out := make(map[string]string)
	var prev string
	for it.First(); it.Valid(); it.Next() {
		k := string(it.Key())
		if len(out) > 0 && k <= prev {
			t.Fatalf("scan out of order: %q after %q", k, prev)
		}
		prev = k
		out[k] = string(it.Value())
	}
	if err := it.Err(); err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	return out
}

func tableFiles(t *testing.T, dir string) []string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dir, "*.sst"))
	if err != nil {
		t.Fatal(err)
	}
	return matches
}

func TestPutGetDelete(t *testing.T) {
	e := openEngine(t, t.TempDir(), testOptions())
	defer e.Close()

	s1 := mustPut(t, e, "a", "1")
	s2 := mustPut(t, e, "a", "2")
	s3 := mustDelete(t, e, "a")
	if !(s1 < s2 && s2 < s3) {
		t.Fatalf("sequences not increasing: %d %d %d", s1, s2, s3)
	}
	expectMissing(t, e, "a")

	mustPut(t, e, "a", "3")
	expectValue(t, e, "a", "3")
	expectMissing(t, e, "never-written")

	// deleting a missing key is fine
	mustDelete(t, e, "never-written")
}

func TestSequenceScenario(t *testing.T) {
	e := openEngine(t, t.TempDir(), testOptions())
	defer e.Close()

	mustPut(t, e, "k", "v1")
	snap1, err := e.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	defer e.Release(snap1)

	mustPut(t, e, "k", "v2")
	mustFlush(t, e)
	snap2, _ := e.Snapshot()
	defer e.Release(snap2)

	mustDelete(t, e, "k")

	cases := []struct {
		name  string
		get   func() ([]byte, bool, error)
		want  string
		found bool
	}{
		{"first snapshot", func() ([]byte, bool, error) { return e.Get([]byte("k"), snap1) }, "v1", true},
		{"second snapshot", func() ([]byte, bool, error) { return e.Get([]byte("k"), snap2) }, "v2", true},
		{"latest", func() ([]byte, bool, error) { return e.Get([]byte("k"), nil) }, "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			v, found, err := tc.get()
			if err != nil {
				t.Fatalf("Get failed: %v", err)
			}
			if found != tc.found || string(v) != tc.want {
				t.Fatalf("got (%q, %v), want (%q, %v)", v, found, tc.want, tc.found)
			}
		})
	}
}

func TestLifecycleErrors(t *testing.T) {
	dir := t.TempDir()
	e := New(dir, testOptions())

	if _, err := e.Put([]byte("a"), []byte("1")); !errors.Is(err, dberrors.ErrNotOpen) {
		t.Fatalf("Put before Open: got %v, want ErrNotOpen", err)
	}
	if _, _, err := e.Get([]byte("a"), nil); !errors.Is(err, dberrors.ErrNotOpen) {
		t.Fatalf("Get before Open: got %v, want ErrNotOpen", err)
	}

	if err := e.Open(); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if e.State() != StateOpen {
		t.Fatalf("state = %s, want open", e.State())
	}
	if err := e.Open(); err == nil {
		t.Fatal("second Open succeeded")
	}
	mustPut(t, e, "a", "1")

	if err := e.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
	if _, err := e.Put([]byte("a"), []byte("2")); !errors.Is(err, dberrors.ErrClosed) {
		t.Fatalf("Put after Close: got %v, want ErrClosed", err)
	}
	if _, err := e.Scan(keys.Range{}, nil); !errors.Is(err, dberrors.ErrClosed) {
		t.Fatalf("Scan after Close: got %v, want ErrClosed", err)
	}
	if err := e.Flush(); !errors.Is(err, dberrors.ErrClosed) {
		t.Fatalf("Flush after Close: got %v, want ErrClosed", err)
	}

	// a closed engine can be opened again
	if err := e.Open(); err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer e.Close()
	expectValue(t, e, "a", "1")
}

func TestInvalidArguments(t *testing.T) {
	opts := testOptions()
	opts.MaxEntrySize = 64
	e := openEngine(t, t.TempDir(), opts)
	defer e.Close()

	if _, err := e.Put(nil, []byte("v")); !errors.Is(err, dberrors.ErrInvalidArgument) || !errors.Is(err, ErrEmptyKey) {
		t.Fatalf("empty key Put: got %v", err)
	}
	if _, err := e.Delete([]byte{}); !errors.Is(err, dberrors.ErrInvalidArgument) {
		t.Fatalf("empty key Delete: got %v", err)
	}
	if _, _, err := e.Get(nil, nil); !errors.Is(err, dberrors.ErrInvalidArgument) {
		t.Fatalf("empty key Get: got %v", err)
	}
	if _, err := e.Put([]byte("k"), make([]byte, 100)); !errors.Is(err, ErrEntryTooLarge) {
		t.Fatalf("oversized Put: got %v", err)
	}
	// the memtable enforces the same bound, so an entry at the limit passes both
	if err := e.current.Load().active.Put([]byte("k"), make([]byte, 100), keys.MaxSeq, 0); !errors.Is(err, memtable.ErrTooLargeEntry) {
		t.Fatalf("memtable accepted an oversized entry: %v", err)
	}
	mustPut(t, e, "limit", strings.Repeat("x", 64-len("limit")))
	expectValue(t, e, "limit", strings.Repeat("x", 64-len("limit")))

	snap, _ := e.Snapshot()
	e.Release(snap)
	e.Release(snap)
	if _, _, err := e.Get([]byte("k"), snap); !errors.Is(err, ErrSnapshotReleased) {
		t.Fatalf("Get with released snapshot: got %v", err)
	}

	// rejected writes consume nothing visible
	if _, found, _ := e.Get([]byte("k"), nil); found {
		t.Fatal("rejected Put became visible")
	}
}

func TestFlushManyKeys(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions()
	opts.MemtableSizeThreshold = 64 << 10
	e := openEngine(t, dir, opts)

	const n = 10000
	for i := 0; i < n; i++ {
		mustPut(t, e, fmt.Sprintf("key%05d", i), fmt.Sprintf("value-%d", i))
	}
	mustFlush(t, e)

	stats, err := e.Stats()
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.Tables < 2 {
		t.Fatalf("expected several flushed tables, got %d", stats.Tables)
	}
	if stats.Puts != n {
		t.Fatalf("Puts = %d, want %d", stats.Puts, n)
	}

	check := func(e *Engine) {
		for i := 0; i < n; i += 7 {
			expectValue(t, e, fmt.Sprintf("key%05d", i), fmt.Sprintf("value-%d", i))
		}
		if got := scanAll(t, e, keys.Range{}); len(got) != n {
			t.Fatalf("scan returned %d keys, want %d", len(got), n)
		}
	}
	check(e)

	if err := e.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	e = openEngine(t, dir, opts)
	defer e.Close()
	check(e)
}

func TestCrashAfterWALAppend(t *testing.T) {
	dir := t.TempDir()
	e := openEngine(t, dir, testOptions())

	mustPut(t, e, "a", "1")
	mustPut(t, e, "b", "2")
	mustDelete(t, e, "a")
	last := mustPut(t, e, "c", "3")
	e.crash()

	e = openEngine(t, dir, testOptions())
	defer e.Close()

	expectMissing(t, e, "a")
	expectValue(t, e, "b", "2")
	expectValue(t, e, "c", "3")

	// sequence numbers are never reused
	if seq := mustPut(t, e, "d", "4"); seq <= last {
		t.Fatalf("sequence after recovery = %d, want > %d", seq, last)
	}
}

func TestCrashAfterFlush(t *testing.T) {
	dir := t.TempDir()
	e := openEngine(t, dir, testOptions())

	mustPut(t, e, "flushed", "1")
	mustFlush(t, e)
	mustPut(t, e, "logged", "2")
	e.crash()

	e = openEngine(t, dir, testOptions())
	defer e.Close()
	expectValue(t, e, "flushed", "1")
	expectValue(t, e, "logged", "2")
}

func TestTornTailRecovery(t *testing.T) {
	dir := t.TempDir()
	e := openEngine(t, dir, testOptions())
	for i := 0; i < 100; i++ {
		mustPut(t, e, fmt.Sprintf("k%03d", i), "v")
	}
	e.crash()

	segs, err := filepath.Glob(filepath.Join(dir, walDir, "*.wal"))
	if err != nil || len(segs) == 0 {
		t.Fatalf("no WAL segments: %v", err)
	}
	slices.Sort(segs)
	f, err := os.OpenFile(segs[len(segs)-1], os.O_APPEND|os.O_WRONLY, 0)
	if err != nil {
		t.Fatal(err)
	}
	// half a frame header, as left by a write cut short
	if _, err := f.Write([]byte{0xde, 0xad, 0xbe}); err != nil {
		t.Fatal(err)
	}
	f.Close()

	e = openEngine(t, dir, testOptions())
	defer e.Close()
	for i := 0; i < 100; i++ {
		expectValue(t, e, fmt.Sprintf("k%03d", i), "v")
	}
	mustPut(t, e, "after", "ok")
	expectValue(t, e, "after", "ok")
}

func TestTombstoneAcrossTables(t *testing.T) {
	dir := t.TempDir()
	e := openEngine(t, dir, testOptions())

	mustPut(t, e, "gone", "old")
	mustPut(t, e, "kept", "1")
	mustFlush(t, e)
	mustDelete(t, e, "gone")
	mustFlush(t, e)
	expectMissing(t, e, "gone")

	mustPut(t, e, "other", "x")
	mustFlush(t, e)

	if err := e.Compact(context.Background()); err != nil {
		t.Fatalf("Compact failed: %v", err)
	}
	stats, _ := e.Stats()
	if stats.Tables != 1 {
		t.Fatalf("tables after compaction = %d, want 1", stats.Tables)
	}
	expectMissing(t, e, "gone")
	expectValue(t, e, "kept", "1")

	if err := e.Close(); err != nil {
		t.Fatal(err)
	}
	e = openEngine(t, dir, testOptions())
	defer e.Close()
	expectMissing(t, e, "gone")
	expectValue(t, e, "other", "x")
}

func TestSnapshotSurvivesCompaction(t *testing.T) {
	e := openEngine(t, t.TempDir(), testOptions())
	defer e.Close()

	mustPut(t, e, "k", "1")
	mustPut(t, e, "x", "keep")
	mustFlush(t, e)
	snap, _ := e.Snapshot()

	mustPut(t, e, "k", "2")
	mustDelete(t, e, "x")
	mustFlush(t, e)
	mustPut(t, e, "k", "3")
	mustFlush(t, e)

	if err := e.Compact(context.Background()); err != nil {
		t.Fatalf("Compact failed: %v", err)
	}

	v, found, err := e.Get([]byte("k"), snap)
	if err != nil || !found || string(v) != "1" {
		t.Fatalf("Get(k, snap) = (%q, %v, %v), want 1", v, found, err)
	}
	v, found, err = e.Get([]byte("x"), snap)
	if err != nil || !found || string(v) != "keep" {
		t.Fatalf("Get(x, snap) = (%q, %v, %v), want keep", v, found, err)
	}
	expectValue(t, e, "k", "3")
	expectMissing(t, e, "x")

	it, err := e.Scan(keys.Range{}, snap)
	if err != nil {
		t.Fatal(err)
	}
	var got []string
	for it.First(); it.Valid(); it.Next() {
		got = append(got, string(it.Key())+"="+string(it.Value()))
	}
	it.Close()
	if want := []string{"k=1", "x=keep"}; !slices.Equal(got, want) {
		t.Fatalf("snapshot scan = %v, want %v", got, want)
	}
	e.Release(snap)
}

func TestCompactionTransparency(t *testing.T) {
	e := openEngine(t, t.TempDir(), testOptions())
	defer e.Close()

	rng := rand.New(rand.NewSource(42))
	model := make(map[string]string)
	for round := 0; round < 5; round++ {
		for i := 0; i < 300; i++ {
			k := fmt.Sprintf("key%03d", rng.Intn(200))
			if rng.Intn(4) == 0 {
				mustDelete(t, e, k)
				delete(model, k)
				continue
			}
			v := fmt.Sprintf("v%d-%d", round, i)
			mustPut(t, e, k, v)
			model[k] = v
		}
		mustFlush(t, e)
	}

	before := scanAll(t, e, keys.Range{})
	if err := e.Compact(context.Background()); err != nil {
		t.Fatalf("Compact failed: %v", err)
	}
	after := scanAll(t, e, keys.Range{})

	if len(before) != len(model) || len(after) != len(model) {
		t.Fatalf("sizes: before %d, after %d, model %d", len(before), len(after), len(model))
	}
	for k, v := range model {
		if before[k] != v || after[k] != v {
			t.Fatalf("key %s: before %q, after %q, want %q", k, before[k], after[k], v)
		}
		expectValue(t, e, k, v)
	}

	stats, _ := e.Stats()
	if stats.Compactions == 0 {
		t.Fatal("no compaction ran")
	}
	if files := tableFiles(t, e.Path()); len(files) != stats.Tables {
		t.Fatalf("%d table files on disk, %d in the view", len(files), stats.Tables)
	}
}

func TestIteratorPinsRetiredTables(t *testing.T) {
	dir := t.TempDir()
	e := openEngine(t, dir, testOptions())
	defer e.Close()

	for i := 0; i < 3; i++ {
		mustPut(t, e, fmt.Sprintf("k%d", i), "v")
		mustFlush(t, e)
	}

	it, err := e.Scan(keys.Range{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := e.Compact(context.Background()); err != nil {
		t.Fatalf("Compact failed: %v", err)
	}
	if n := len(tableFiles(t, dir)); n != 4 {
		t.Fatalf("%d table files while the iterator is open, want 4", n)
	}

	n := 0
	for it.First(); it.Valid(); it.Next() {
		n++
	}
	if err := it.Err(); err != nil || n != 3 {
		t.Fatalf("iterator saw %d keys, err %v", n, err)
	}
	it.Close()

	if n := len(tableFiles(t, dir)); n != 1 {
		t.Fatalf("%d table files after Close, want 1", n)
	}
}

func TestScanRanges(t *testing.T) {
	e := openEngine(t, t.TempDir(), testOptions())
	defer e.Close()

	for _, k := range []string{"a", "b/1", "b/2", "b/3", "c"} {
		mustPut(t, e, k, k)
	}
	mustFlush(t, e)
	mustDelete(t, e, "b/2")
	mustPut(t, e, "b/4", "b/4")

	cases := []struct {
		name string
		r    keys.Range
		want []string
	}{
		{"all", keys.Range{}, []string{"a", "b/1", "b/3", "b/4", "c"}},
		{"prefix", keys.Prefix([]byte("b/")), []string{"b/1", "b/3", "b/4"}},
		{"half open", keys.Range{Start: []byte("b/3"), End: []byte("c")}, []string{"b/3", "b/4"}},
		{"empty", keys.Range{Start: []byte("x")}, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := scanAll(t, e, tc.r)
			var names []string
			for k := range got {
				names = append(names, k)
			}
			slices.Sort(names)
			if !slices.Equal(names, tc.want) {
				t.Fatalf("got %v, want %v", names, tc.want)
			}
		})
	}
}

func TestEncryptedReopen(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	other, _ := crypto.GenerateKey()

	encrypted := func(k []byte) Options {
		opts := testOptions()
		opts.EncryptionEnabled = true
		opts.EncryptionKeySource = "hex:" + hex.EncodeToString(k)
		return opts
	}

	dir := t.TempDir()
	e := openEngine(t, dir, encrypted(key))
	mustPut(t, e, "secret", "plaintext-marker")
	if err := e.Close(); err != nil {
		t.Fatal(err)
	}

	for _, f := range tableFiles(t, dir) {
		data, _ := os.ReadFile(f)
		if strings.Contains(string(data), "plaintext-marker") {
			t.Fatalf("%s holds the value in clear", f)
		}
	}

	t.Run("same key", func(t *testing.T) {
		e := openEngine(t, dir, encrypted(key))
		defer e.Close()
		expectValue(t, e, "secret", "plaintext-marker")
	})

	t.Run("wrong key", func(t *testing.T) {
		_, err := Open(dir, encrypted(other))
		if !errors.Is(err, dberrors.ErrIntegrity) {
			t.Fatalf("got %v, want integrity error", err)
		}
	})

	t.Run("encryption disabled", func(t *testing.T) {
		_, err := Open(dir, testOptions())
		if !errors.Is(err, dberrors.ErrIntegrity) {
			t.Fatalf("got %v, want integrity error", err)
		}
	})
}

func TestEncryptedWALWrongKey(t *testing.T) {
	key, _ := crypto.GenerateKey()
	other, _ := crypto.GenerateKey()
	opts := testOptions()
	opts.EncryptionEnabled = true
	opts.EncryptionKeySource = "hex:" + hex.EncodeToString(key)

	dir := t.TempDir()
	e := openEngine(t, dir, opts)
	mustPut(t, e, "a", "1")
	e.crash()

	opts.EncryptionKeySource = "hex:" + hex.EncodeToString(other)
	if _, err := Open(dir, opts); !errors.Is(err, dberrors.ErrIntegrity) {
		t.Fatalf("got %v, want integrity error", err)
	}
}

func TestDirectoryLock(t *testing.T) {
	dir := t.TempDir()
	e := openEngine(t, dir, testOptions())

	if _, err := Open(dir, testOptions()); !errors.Is(err, ErrLocked) {
		t.Fatalf("second Open: got %v, want ErrLocked", err)
	}
	id := e.Identity()
	if id == "" {
		t.Fatal("empty identity")
	}
	e.Close()

	e = openEngine(t, dir, testOptions())
	defer e.Close()
	if e.Identity() != id {
		t.Fatalf("identity changed across reopen: %s != %s", e.Identity(), id)
	}
}

func TestOrphansRemovedOnOpen(t *testing.T) {
	dir := t.TempDir()
	e := openEngine(t, dir, testOptions())
	mustPut(t, e, "a", "1")
	e.Close()

	orphans := []string{"000777.sst", "000778.sst.tmp", "MANIFEST.tmp"}
	for _, name := range orphans {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("partial"), 0o600); err != nil {
			t.Fatal(err)
		}
	}

	e = openEngine(t, dir, testOptions())
	defer e.Close()
	for _, name := range orphans {
		if _, err := os.Stat(filepath.Join(dir, name)); !os.IsNotExist(err) {
			t.Fatalf("%s still present", name)
		}
	}
	expectValue(t, e, "a", "1")
}

func TestConcurrentReadWrite(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions()
	opts.MemtableSizeThreshold = 16 << 10
	opts.DisableAutoCompaction = false
	e := openEngine(t, dir, opts)

	const writers, perWriter = 4, 500
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				k := fmt.Sprintf("w%d-%04d", w, i)
				if _, err := e.Put([]byte(k), []byte(k)); err != nil {
					t.Errorf("Put failed: %v", err)
					return
				}
				if v, found, err := e.Get([]byte(k), nil); err != nil || !found || string(v) != k {
					t.Errorf("read-your-write %s: (%q, %v, %v)", k, v, found, err)
					return
				}
			}
		}(w)
	}

	stop := make(chan struct{})
	var readers sync.WaitGroup
	for r := 0; r < 2; r++ {
		readers.Add(1)
		go func() {
			defer readers.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				it, err := e.Scan(keys.Prefix([]byte("w0-")), nil)
				if err != nil {
					t.Errorf("Scan failed: %v", err)
					return
				}
				for it.First(); it.Valid(); it.Next() {
				}
				if err := it.Close(); err != nil {
					t.Errorf("iterator Close failed: %v", err)
					return
				}
			}
		}()
	}

	wg.Wait()
	close(stop)
	readers.Wait()

	if err := e.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	e = openEngine(t, dir, opts)
	defer e.Close()
	if got := scanAll(t, e, keys.Range{}); len(got) != writers*perWriter {
		t.Fatalf("recovered %d keys, want %d", len(got), writers*perWriter)
	}
}

func TestCompactWhileRunning(t *testing.T) {
	e := openEngine(t, t.TempDir(), testOptions())
	defer e.Close()

	e.compactMu.Lock()
	err := e.Compact(context.Background())
	e.compactMu.Unlock()
	if !errors.Is(err, dberrors.ErrCompactionRunning) {
		t.Fatalf("got %v, want ErrCompactionRunning", err)
	}
}

func TestCompactConcurrentWithClose(t *testing.T) {
	for _, delay := range []time.Duration{0, time.Millisecond, 20 * time.Millisecond} {
		t.Run(delay.String(), func(t *testing.T) {
			dir := t.TempDir()
			opts := testOptions()
			opts.Compaction.Trigger = 1

			e := openEngine(t, dir, opts)
			for round := 0; round < 6; round++ {
				for i := 0; i < 3000; i++ {
					mustPut(t, e, fmt.Sprintf("key%05d", i), fmt.Sprintf("value-%d-%d", round, i))
				}
				mustFlush(t, e)
			}

			compactErr := make(chan error, 1)
			go func() { compactErr <- e.Compact(context.Background()) }()

			statsDone := make(chan struct{})
			go func() {
				defer close(statsDone)
				for {
					if _, err := e.Stats(); err != nil {
						return
					}
				}
			}()

			time.Sleep(delay)
			if err := e.Close(); err != nil {
				t.Fatalf("Close failed: %v", err)
			}

			select {
			case err := <-compactErr:
				if err != nil && !errors.Is(err, dberrors.ErrClosed) {
					t.Fatalf("Compact returned %v, want nil or ErrClosed", err)
				}
			case <-time.After(10 * time.Second):
				t.Fatal("Compact did not return after Close")
			}
			<-statsDone

			// nothing may be written once Close returned
			listed := e.manifest.Current().Tables
			if files := tableFiles(t, dir); len(files) != len(listed) {
				t.Fatalf("%d table files on disk, manifest lists %d", len(files), len(listed))
			}

			e = openEngine(t, dir, opts)
			defer e.Close()
			got := scanAll(t, e, keys.Range{})
			if len(got) != 3000 {
				t.Fatalf("recovered %d keys, want 3000", len(got))
			}
			expectValue(t, e, "key00042", "value-5-42")
		})
	}
}

// Every (key, snapshot) read must be the same before and after compaction,
// including merges of tables whose sequence ranges interleave with tables
// left out of the merge.
func TestSnapshotReadsUnchangedByCompaction(t *testing.T) {
	opts := testOptions()
	opts.Compaction = compaction.Options{
		SizeRatio:    4,
		MinTableSize: 16 << 10,
		Trigger:      2,
		MaxInputs:    8,
	}
	e := openEngine(t, t.TempDir(), opts)
	defer e.Close()

	const keySpace = 100
	keyOf := func(i int) string { return fmt.Sprintf("key%03d", i) }

	type pinned struct {
		snap  *snapshot.Snapshot
		model map[string]string
	}
	var pins []pinned
	defer func() {
		for _, p := range pins {
			e.Release(p.snap)
		}
	}()

	verify := func(stage string) {
		t.Helper()
		for _, p := range pins {
			for i := 0; i < keySpace; i++ {
				k := keyOf(i)
				v, found, err := e.Get([]byte(k), p.snap)
				if err != nil {
					t.Fatalf("%s: Get(%s) at seq %d failed: %v", stage, k, p.snap.Seq(), err)
				}
				want, ok := p.model[k]
				if found != ok || string(v) != want {
					t.Fatalf("%s: Get(%s) at seq %d = (%.20q, %v), want (%.20q, %v)",
						stage, k, p.snap.Seq(), v, found, want, ok)
				}
			}
		}
	}

	rng := rand.New(rand.NewSource(7))
	model := make(map[string]string)
	for cycle := 0; cycle < 3; cycle++ {
		// small tables land in tier 0 and large ones above it, so the tier 0
		// merge skips over the sequence ranges of the large tables
		for round := 0; round < 6; round++ {
			large := round%2 == 1
			ops := 40
			if large {
				ops = 100
			}
			for i := 0; i < ops; i++ {
				k := keyOf(rng.Intn(keySpace))
				if !large && rng.Intn(3) == 0 {
					mustDelete(t, e, k)
					delete(model, k)
				} else {
					v := fmt.Sprintf("c%d-r%d-%d", cycle, round, i)
					if large {
						buf := make([]byte, 512)
						rng.Read(buf)
						v += hex.EncodeToString(buf)
					}
					mustPut(t, e, k, v)
					model[k] = v
				}
				if i%10 == 9 {
					snap, err := e.Snapshot()
					if err != nil {
						t.Fatalf("Snapshot failed: %v", err)
					}
					pins = append(pins, pinned{snap: snap, model: maps.Clone(model)})
				}
			}
			mustFlush(t, e)
		}

		verify(fmt.Sprintf("cycle %d before compaction", cycle))
		if err := e.Compact(context.Background()); err != nil {
			t.Fatalf("Compact failed: %v", err)
		}
		verify(fmt.Sprintf("cycle %d after compaction", cycle))

		// releasing snapshots lets later merges drop versions only they could see
		if cycle == 1 {
			kept := pins[:0]
			for i, p := range pins {
				if i%2 == 0 {
					e.Release(p.snap)
					continue
				}
				kept = append(kept, p)
			}
			pins = kept
		}
	}

	stats, _ := e.Stats()
	if stats.Compactions < 2 {
		t.Fatalf("%d compactions ran, want at least 2", stats.Compactions)
	}
	for k, v := range model {
		expectValue(t, e, k, v)
	}
}

func TestFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.SSTable.Compression = "zstd"
	cfg.CompactionTrigger = 7

	opts, err := FromConfig(cfg, nil)
	if err != nil {
		t.Fatalf("FromConfig failed: %v", err)
	}
	if opts.Compression != compression.Zstd || opts.Compaction.Trigger != 7 {
		t.Fatalf("options = %+v", opts)
	}
	if opts.MemtableSizeThreshold != cfg.MemtableSizeThreshold || !opts.SyncWAL {
		t.Fatalf("options = %+v", opts)
	}

	cfg.SSTable.Compression = "lz4"
	if _, err := FromConfig(cfg, nil); err == nil {
		t.Fatal("unknown codec accepted")
	}
}

func TestBatchCommitThroughEngine(t *testing.T) {
	e := openEngine(t, t.TempDir(), testOptions())
	defer e.Close()

	var b batch.Batch
	b.Put([]byte("a"), []byte("1"))
	b.Put([]byte("b"), []byte("2"))
	b.Put(nil, []byte("rejected"))
	b.Put([]byte("c"), []byte("3"))

	seqs, err := b.Commit(e)
	var ce *batch.CommitError
	if !errors.As(err, &ce) || ce.Applied != 2 || !errors.Is(err, ErrEmptyKey) {
		t.Fatalf("got %v, want CommitError after 2 mutations", err)
	}
	if len(seqs) != 2 || seqs[0] >= seqs[1] {
		t.Fatalf("sequences = %v", seqs)
	}
	expectValue(t, e, "a", "1")
	expectValue(t, e, "b", "2")
	expectMissing(t, e, "c")
}
