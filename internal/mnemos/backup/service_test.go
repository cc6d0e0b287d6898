package backup

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bdobrica/mnemos/internal/mnemos/memory"
	"github.com/bdobrica/mnemos/internal/mnemos/store"
)

type stepClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

type fixture struct {
	st       *store.Store
	mgr      *memory.Manager
	svc      *Service
	restored int
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "memory.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	embedder := memory.EmbedderFunc(func(context.Context, any) ([]float32, error) {
		return []float32{1, 0}, nil
	})
	mgr, err := memory.NewManager(memory.Config{}, memory.Deps{Store: st, Embedder: embedder})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	f := &fixture{st: st, mgr: mgr}
	clk := &stepClock{t: time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)}
	f.svc = New(st, cfg, WithClock(clk.Now), WithOnRestored(func() {
		f.restored++
		mgr.ClearCache()
	}))
	return f
}

func (f *fixture) store(t *testing.T, content string) string {
	t.Helper()
	id, err := f.mgr.Store(context.Background(), content, "notes", memory.WithImportance(0.9))
	if err != nil {
		t.Fatalf("Store %q: %v", content, err)
	}
	return id
}

func (f *fixture) contents(t *testing.T) []string {
	t.Helper()
	recs, err := f.mgr.Retrieve(context.Background(), "notes", memory.RetrieveOptions{Limit: 100, ContextSize: -1})
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	var out []string
	for _, r := range recs {
		out = append(out, r.Content.(string))
	}
	sort.Strings(out)
	return out
}

func dirEntries(t *testing.T, dir, prefix string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		t.Fatal(err)
	}
	var out []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), prefix) {
			out = append(out, e.Name())
		}
	}
	return out
}

func TestBackupRestore_Roundtrip(t *testing.T) {
	for _, compress := range []bool{false, true} {
		t.Run(map[bool]string{false: "plain", true: "gzip"}[compress], func(t *testing.T) {
			f := newFixture(t, Config{})
			ctx := context.Background()

			f.store(t, "first")
			f.store(t, "second")

			snap, err := f.svc.CreateBackup(ctx, compress)
			if err != nil {
				t.Fatalf("CreateBackup: %v", err)
			}
			if snap.Compressed != compress || snap.Size == 0 {
				t.Errorf("snapshot: got %+v", snap)
			}
			if compress != strings.HasSuffix(snap.Path, ".db.gz") {
				t.Errorf("snapshot name: %s", snap.Name())
			}
			if got := dirEntries(t, f.svc.Dir(), ".partial-"); len(got) != 0 {
				t.Errorf("intermediate files left behind: %v", got)
			}

			third := f.store(t, "third")

			if err := f.svc.RestoreBackup(ctx, snap); err != nil {
				t.Fatalf("RestoreBackup: %v", err)
			}

			got := f.contents(t)
			if len(got) != 2 || got[0] != "first" || got[1] != "second" {
				t.Errorf("contents after restore: got %v, want [first second]", got)
			}
			if f.restored != 1 {
				t.Errorf("OnRestored calls: got %d, want 1", f.restored)
			}
			if _, err := f.mgr.GetCached(third); !errors.Is(err, memory.ErrNotFound) {
				t.Errorf("record absent from snapshot still cached: %v", err)
			}
			if got := dirEntries(t, f.svc.Dir(), safetyPrefix); len(got) != 0 {
				t.Errorf("safety snapshot not removed: %v", got)
			}
		})
	}
}

func TestRestore_FailureRollsBack(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	f.store(t, "first")
	snap, err := f.svc.CreateBackup(ctx, false)
	if err != nil {
		t.Fatalf("CreateBackup: %v", err)
	}
	f.store(t, "second")

	f.svc.beforeCommit = func(context.Context) error { return errors.New("disk on fire") }

	err = f.svc.RestoreBackup(ctx, snap)
	if !errors.Is(err, memory.ErrBackup) {
		t.Fatalf("expected ErrBackup, got %v", err)
	}
	if !memory.IsReverted(err) {
		t.Errorf("expected reverted error, got %v", err)
	}

	got := f.contents(t)
	if len(got) != 2 {
		t.Errorf("contents after failed restore: got %v, want [first second]", got)
	}
	if f.restored != 0 {
		t.Errorf("OnRestored called on failure")
	}
	if got := dirEntries(t, f.svc.Dir(), safetyPrefix); len(got) != 0 {
		t.Errorf("safety snapshot not cleaned up after rollback: %v", got)
	}
}

func TestRestore_CancelledMidwayRollsBack(t *testing.T) {
	f := newFixture(t, Config{})
	f.store(t, "first")
	snap, err := f.svc.CreateBackup(context.Background(), true)
	if err != nil {
		t.Fatalf("CreateBackup: %v", err)
	}
	f.store(t, "second")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.svc.beforeCommit = func(context.Context) error {
		cancel()
		return nil
	}

	err = f.svc.RestoreBackup(ctx, snap)
	if !memory.IsReverted(err) {
		t.Fatalf("expected reverted error, got %v", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled in chain, got %v", err)
	}
	if got := f.contents(t); len(got) != 2 {
		t.Errorf("contents after cancelled restore: got %v", got)
	}
}

func TestRestore_FailureKeepsConcurrentWrites(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	f.store(t, "first")
	snap, err := f.svc.CreateBackup(ctx, false)
	if err != nil {
		t.Fatalf("CreateBackup: %v", err)
	}

	type result struct {
		id  string
		err error
	}
	done := make(chan result, 1)
	f.svc.beforeCommit = func(context.Context) error {
		go func() {
			id, err := f.mgr.Store(ctx, "concurrent", "notes", memory.WithImportance(0.9))
			done <- result{id, err}
		}()
		return errors.New("disk on fire")
	}

	err = f.svc.RestoreBackup(ctx, snap)
	if !memory.IsReverted(err) {
		t.Fatalf("expected reverted error, got %v", err)
	}

	res := <-done
	if res.err != nil {
		t.Fatalf("concurrent Store: %v", res.err)
	}
	if _, err := f.mgr.Get(ctx, res.id); err != nil {
		t.Errorf("acknowledged write lost: %v", err)
	}
	got := f.contents(t)
	if len(got) != 2 || got[0] != "concurrent" || got[1] != "first" {
		t.Errorf("contents: got %v, want [concurrent first]", got)
	}
}

func TestRestore_CommitFailureRestoresSafetySnapshot(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	f.store(t, "first")
	snap, err := f.svc.CreateBackup(ctx, false)
	if err != nil {
		t.Fatalf("CreateBackup: %v", err)
	}
	f.store(t, "second")

	f.svc.commit = func(tx *sql.Tx) error {
		tx.Rollback()
		return errors.New("short write")
	}

	err = f.svc.RestoreBackup(ctx, snap)
	if !memory.IsReverted(err) {
		t.Fatalf("expected reverted error, got %v", err)
	}
	if got := f.contents(t); len(got) != 2 {
		t.Errorf("contents after failed commit: got %v, want [first second]", got)
	}
	if f.restored != 1 {
		t.Errorf("cache not invalidated after safety rollback: restored=%d", f.restored)
	}
	if got := dirEntries(t, f.svc.Dir(), safetyPrefix); len(got) != 0 {
		t.Errorf("safety snapshot not cleaned up: %v", got)
	}
}

func TestRestore_CorruptSnapshotTouchesNothing(t *testing.T) {
	f := newFixture(t, Config{})
	f.store(t, "first")

	if err := os.MkdirAll(f.svc.Dir(), 0o700); err != nil {
		t.Fatal(err)
	}
	bad := filepath.Join(f.svc.Dir(), "memory_backup_20260101T000000.000000000Z.db")
	if err := os.WriteFile(bad, []byte("definitely not sqlite"), 0o600); err != nil {
		t.Fatal(err)
	}
	snap, err := SnapshotFromPath(bad)
	if err != nil {
		t.Fatalf("SnapshotFromPath: %v", err)
	}

	err = f.svc.RestoreBackup(context.Background(), snap)
	if !errors.Is(err, memory.ErrBackup) || !memory.IsReverted(err) {
		t.Fatalf("expected reverted ErrBackup, got %v", err)
	}
	if got := f.contents(t); len(got) != 1 {
		t.Errorf("contents: got %v, want [first]", got)
	}
	if got := dirEntries(t, f.svc.Dir(), safetyPrefix); len(got) != 0 {
		t.Errorf("safety snapshot taken for a bad snapshot: %v", got)
	}
}

func TestRestore_MissingSnapshot(t *testing.T) {
	f := newFixture(t, Config{})
	err := f.svc.RestoreBackup(context.Background(), Snapshot{Path: filepath.Join(t.TempDir(), "nope.db")})
	if !errors.Is(err, memory.ErrBackup) {
		t.Fatalf("expected ErrBackup, got %v", err)
	}
}

func TestRotate_KeepsNewest(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	f.store(t, "x")

	var created []Snapshot
	for i := 0; i < 5; i++ {
		snap, err := f.svc.CreateBackup(ctx, i%2 == 0)
		if err != nil {
			t.Fatalf("CreateBackup #%d: %v", i, err)
		}
		created = append(created, snap)
	}
	// Safety snapshots are never rotated.
	safety := filepath.Join(f.svc.Dir(), snapshotName(safetyPrefix, time.Now(), false))
	if err := os.WriteFile(safety, nil, 0o600); err != nil {
		t.Fatal(err)
	}

	removed, err := f.svc.Rotate(ctx, 2)
	if err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	if len(removed) != 3 {
		t.Fatalf("removed: got %d, want 3", len(removed))
	}

	left, err := f.svc.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(left) != 2 || left[0].Path != created[4].Path || left[1].Path != created[3].Path {
		t.Errorf("kept: got %+v, want the two newest", left)
	}
	if _, err := os.Stat(safety); err != nil {
		t.Errorf("safety snapshot removed by rotation: %v", err)
	}

	if _, err := f.svc.Rotate(ctx, -1); !errors.Is(err, memory.ErrValidation) {
		t.Errorf("negative keep: expected ErrValidation, got %v", err)
	}
}

func TestCycle(t *testing.T) {
	f := newFixture(t, Config{Keep: 2, Compress: true})
	ctx := context.Background()
	f.store(t, "x")

	for i := 0; i < 3; i++ {
		if _, err := f.svc.Cycle(ctx); err != nil {
			t.Fatalf("Cycle #%d: %v", i, err)
		}
	}
	snaps, err := f.svc.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(snaps) != 2 {
		t.Errorf("snapshots after 3 cycles with keep=2: got %d", len(snaps))
	}
	for _, s := range snaps {
		if !s.Compressed {
			t.Errorf("%s not compressed", s.Name())
		}
	}

	latest, err := f.svc.Latest(ctx)
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if latest.Path != snaps[0].Path {
		t.Errorf("Latest: got %s, want %s", latest.Path, snaps[0].Path)
	}
}

func TestCreateBackup_ConcurrentWrites(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	f.store(t, "seed")

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 20; i++ {
			if _, err := f.mgr.Store(ctx, "w", "notes"); err != nil {
				t.Errorf("concurrent Store: %v", err)
				return
			}
		}
	}()

	snap, err := f.svc.CreateBackup(ctx, false)
	wg.Wait()
	if err != nil {
		t.Fatalf("CreateBackup: %v", err)
	}
	if err := verify(ctx, snap.Path); err != nil {
		t.Errorf("snapshot taken under load failed verification: %v", err)
	}
}

func TestParseName(t *testing.T) {
	ts := time.Date(2026, 5, 1, 12, 30, 0, 123, time.UTC)
	for _, compressed := range []bool{false, true} {
		name := snapshotName(backupPrefix, ts, compressed)
		got, gotCompressed, ok := parseName(backupPrefix, name)
		if !ok || !got.Equal(ts) || gotCompressed != compressed {
			t.Errorf("parseName(%q): got (%v, %v, %v)", name, got, gotCompressed, ok)
		}
	}
	for _, bad := range []string{"memory_backup_garbage.db", "other.db", snapshotName(safetyPrefix, ts, false)} {
		if _, _, ok := parseName(backupPrefix, bad); ok {
			t.Errorf("parseName(%q) accepted", bad)
		}
	}
}
