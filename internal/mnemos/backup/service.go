// Package backup creates, restores and rotates point-in-time snapshots of
// the memory database.
package backup

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/bdobrica/mnemos/internal/mnemos/memory"
	"github.com/bdobrica/mnemos/internal/mnemos/store"
)

const (
	DefaultKeep = 7

	// rollbackTimeout bounds the safety restore, which runs on a fresh
	// context because the caller's may already be cancelled.
	rollbackTimeout = 2 * time.Minute
)

// Config tunes the service.
type Config struct {
	// Dir holds the snapshots. Defaults to "backups" next to the database.
	Dir string
	// Keep is the number of snapshots Cycle retains. Defaults to 7.
	Keep int
	// Compress makes Cycle gzip its snapshots.
	Compress bool
}

// Service manages snapshots of one store.
type Service struct {
	st         *store.Store
	cfg        Config
	logger     *slog.Logger
	now        func() time.Time
	onRestored func()

	// beforeCommit runs inside the restore transaction just before commit.
	beforeCommit func(ctx context.Context) error
	// commit replaces tx.Commit for the restore transaction when set.
	commit func(tx *sql.Tx) error
}

// Option customises a Service.
type Option func(*Service)

func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.logger = l } }

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// WithOnRestored registers a hook called after a successful restore. Any
// cache in front of the store must be invalidated there.
func WithOnRestored(fn func()) Option { return func(s *Service) { s.onRestored = fn } }

// New returns a Service for st.
func New(st *store.Store, cfg Config, opts ...Option) *Service {
	if cfg.Dir == "" {
		cfg.Dir = filepath.Join(filepath.Dir(st.Path()), "backups")
	}
	if cfg.Keep <= 0 {
		cfg.Keep = DefaultKeep
	}
	s := &Service{
		st:     st,
		cfg:    cfg,
		logger: st.Logger(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// Dir returns the snapshot directory.
func (s *Service) Dir() string { return s.cfg.Dir }

// Keep returns the configured retention count.
func (s *Service) Keep() int { return s.cfg.Keep }

func (s *Service) Compress() bool { return s.cfg.Compress }

// CreateBackup writes a consistent snapshot of the live database. The copy
// is taken with VACUUM INTO over its own connection, which under WAL reads
// one point in time without blocking writers.
func (s *Service) CreateBackup(ctx context.Context, compress bool) (Snapshot, error) {
	const op = "create backup"
	start := time.Now()

	snap, err := s.snapshot(ctx, backupPrefix, compress)
	if err != nil {
		return Snapshot{}, memory.Backup(op, err, false)
	}

	s.logger.Info("backup: created snapshot",
		"path", snap.Path,
		"compressed", snap.Compressed,
		"size", snap.Size,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return snap, nil
}

func (s *Service) snapshot(ctx context.Context, prefix string, compress bool) (Snapshot, error) {
	if err := os.MkdirAll(s.cfg.Dir, 0o700); err != nil {
		return Snapshot{}, fmt.Errorf("backup: create dir: %w", err)
	}

	ts := s.now().UTC()
	for s.exists(prefix, ts) {
		ts = ts.Add(time.Nanosecond)
	}
	final := filepath.Join(s.cfg.Dir, snapshotName(prefix, ts, compress))
	raw := filepath.Join(s.cfg.Dir, snapshotName(prefix, ts, false))
	partial := filepath.Join(s.cfg.Dir, ".partial-"+filepath.Base(raw))

	if err := s.vacuumInto(ctx, partial); err != nil {
		os.Remove(partial)
		return Snapshot{}, err
	}

	if compress {
		err := compressFile(partial, final)
		os.Remove(partial)
		if err != nil {
			return Snapshot{}, fmt.Errorf("backup: compress: %w", err)
		}
	} else if err := os.Rename(partial, final); err != nil {
		os.Remove(partial)
		return Snapshot{}, fmt.Errorf("backup: finalise: %w", err)
	}

	info, err := os.Stat(final)
	if err != nil {
		return Snapshot{}, fmt.Errorf("backup: stat snapshot: %w", err)
	}
	return Snapshot{Path: final, CreatedAt: ts, Compressed: compress, Size: info.Size()}, nil
}

func (s *Service) exists(prefix string, ts time.Time) bool {
	for _, compressed := range []bool{false, true} {
		if _, err := os.Stat(filepath.Join(s.cfg.Dir, snapshotName(prefix, ts, compressed))); err == nil {
			return true
		}
	}
	return false
}

func (s *Service) vacuumInto(ctx context.Context, target string) error {
	db, err := sql.Open("sqlite", s.st.Path())
	if err != nil {
		return fmt.Errorf("backup: open reader: %w", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, `PRAGMA busy_timeout = 5000`); err != nil {
		return fmt.Errorf("backup: set busy timeout: %w", err)
	}
	if _, err := db.ExecContext(ctx, `VACUUM INTO ?`, target); err != nil {
		return fmt.Errorf("backup: vacuum into: %w", err)
	}
	return nil
}

// RestoreBackup replaces the live contents with those of snap.
//
// The snapshot is verified first and a safety snapshot of the current state
// is taken; failures up to this point leave the live database untouched.
// The copy then runs as one transaction. If it fails or ctx is cancelled
// before commit, the transaction is rolled back and the returned error
// reports Reverted. Only a failed commit, whose outcome is unknown, copies
// the safety snapshot back; if that fails too the error is not Reverted and
// the safety snapshot is kept on disk for manual recovery.
func (s *Service) RestoreBackup(ctx context.Context, snap Snapshot) error {
	const op = "restore backup"
	start := time.Now()

	src := snap.Path
	if snap.Compressed || strings.HasSuffix(src, gzExt) {
		if err := os.MkdirAll(s.cfg.Dir, 0o700); err != nil {
			return memory.Backup(op, fmt.Errorf("backup: create dir: %w", err), true)
		}
		tmp := filepath.Join(s.cfg.Dir, ".restore-"+strings.TrimSuffix(filepath.Base(src), gzExt))
		if err := decompressFile(src, tmp); err != nil {
			return memory.Backup(op, fmt.Errorf("backup: decompress %s: %w", src, err), true)
		}
		defer os.Remove(tmp)
		src = tmp
	}

	if err := verify(ctx, src); err != nil {
		return memory.Backup(op, err, true)
	}

	safety, err := s.snapshot(ctx, safetyPrefix, false)
	if err != nil {
		return memory.Backup(op, fmt.Errorf("backup: safety snapshot: %w", err), true)
	}

	if committing, err := s.copyInto(ctx, src, true); err != nil {
		if !committing {
			// The transaction rolled back, so the live contents, including
			// writes made since the safety snapshot, are as they were.
			s.logger.Warn("backup: restore failed, transaction rolled back",
				"snapshot", snap.Path,
				"err", err,
			)
			os.Remove(safety.Path)
			return memory.Backup(op, err, true)
		}

		s.logger.Warn("backup: restore commit failed, rolling back",
			"snapshot", snap.Path,
			"safety", safety.Path,
			"err", err,
		)
		rbCtx, cancel := context.WithTimeout(context.Background(), rollbackTimeout)
		defer cancel()
		_, rbErr := s.copyInto(rbCtx, safety.Path, false)
		if s.onRestored != nil {
			s.onRestored()
		}
		if rbErr != nil {
			s.logger.Error("backup: rollback failed, safety snapshot kept",
				"safety", safety.Path,
				"err", rbErr,
			)
			return memory.Backup(op, errors.Join(err, fmt.Errorf("backup: rollback: %w", rbErr)), false)
		}
		os.Remove(safety.Path)
		return memory.Backup(op, err, true)
	}

	if err := os.Remove(safety.Path); err != nil {
		s.logger.Warn("backup: remove safety snapshot", "path", safety.Path, "err", err)
	}
	if s.onRestored != nil {
		s.onRestored()
	}

	s.logger.Info("backup: restored snapshot",
		"snapshot", snap.Path,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// verify checks that path is an intact SQLite file holding the memory
// tables.
func verify(ctx context.Context, path string) error {
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("backup: snapshot: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return fmt.Errorf("backup: open snapshot: %w", err)
	}
	defer db.Close()

	var result string
	if err := db.QueryRowContext(ctx, `PRAGMA integrity_check`).Scan(&result); err != nil {
		return fmt.Errorf("backup: integrity check: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("backup: integrity check: %s", result)
	}

	var tables int
	err = db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM sqlite_master
		WHERE type = 'table' AND name IN ('memories', 'memory_relations')`).Scan(&tables)
	if err != nil {
		return fmt.Errorf("backup: inspect snapshot: %w", err)
	}
	if tables != 2 {
		return fmt.Errorf("backup: snapshot is not a memory database")
	}
	return nil
}

const copyColumns = "id, category, content, importance, embedding, created_at, last_accessed_at, access_count"

// copyInto replaces both tables with the contents of the database at src,
// in one transaction on a dedicated connection. While it runs, other store
// traffic waits for the connection. committing reports whether the error
// came from Commit; any earlier error leaves the transaction rolled back.
func (s *Service) copyInto(ctx context.Context, src string, hook bool) (committing bool, err error) {
	conn, err := s.st.DB().Conn(ctx)
	if err != nil {
		return false, fmt.Errorf("backup: acquire connection: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, `ATTACH DATABASE ? AS snapshot`, src); err != nil {
		return false, fmt.Errorf("backup: attach snapshot: %w", err)
	}
	defer func() {
		if _, derr := conn.ExecContext(context.Background(), `DETACH DATABASE snapshot`); derr != nil {
			s.logger.Warn("backup: detach snapshot", "err", derr)
		}
	}()

	// ctx is checked between steps rather than bound to the transaction, so
	// the deferred rollback finishes before DETACH runs.
	tx, err := conn.BeginTx(context.Background(), nil)
	if err != nil {
		return false, fmt.Errorf("backup: begin restore: %w", err)
	}
	defer tx.Rollback()

	steps := []string{
		`DELETE FROM main.memory_relations`,
		`DELETE FROM main.memories`,
		`INSERT INTO main.memories (` + copyColumns + `) SELECT ` + copyColumns + ` FROM snapshot.memories`,
		`INSERT INTO main.memory_relations (source_id, target_id, relation_type, strength)
			SELECT source_id, target_id, relation_type, strength FROM snapshot.memory_relations`,
	}
	for _, stmt := range steps {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return false, fmt.Errorf("backup: restore step: %w", err)
		}
	}

	if hook && s.beforeCommit != nil {
		if err := s.beforeCommit(ctx); err != nil {
			return false, err
		}
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	commit := (*sql.Tx).Commit
	if hook && s.commit != nil {
		commit = s.commit
	}
	if err := commit(tx); err != nil {
		return true, fmt.Errorf("backup: commit restore: %w", err)
	}
	return false, nil
}

// List returns the snapshots in the backup directory, newest first. Safety
// snapshots are not included.
func (s *Service) List(ctx context.Context) ([]Snapshot, error) {
	entries, err := os.ReadDir(s.cfg.Dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, memory.Backup("list backups", err, false)
	}

	var out []Snapshot
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ts, compressed, ok := parseName(backupPrefix, e.Name())
		if !ok {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, Snapshot{
			Path:       filepath.Join(s.cfg.Dir, e.Name()),
			CreatedAt:  ts,
			Compressed: compressed,
			Size:       info.Size(),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].Path > out[j].Path
	})
	return out, nil
}

// Latest returns the newest snapshot.
func (s *Service) Latest(ctx context.Context) (Snapshot, error) {
	snaps, err := s.List(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	if len(snaps) == 0 {
		return Snapshot{}, memory.NotFound("latest backup", fmt.Errorf("no snapshots in %s", s.cfg.Dir))
	}
	return snaps[0], nil
}

// Rotate deletes all but the keep newest snapshots and returns the ones it
// removed.
func (s *Service) Rotate(ctx context.Context, keep int) ([]Snapshot, error) {
	const op = "rotate backups"
	if keep < 0 {
		return nil, memory.Validationf(op, "keep must not be negative, got %d", keep)
	}
	snaps, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	if len(snaps) <= keep {
		return nil, nil
	}

	var removed []Snapshot
	for _, snap := range snaps[keep:] {
		if err := ctx.Err(); err != nil {
			return removed, memory.Backup(op, err, false)
		}
		if err := os.Remove(snap.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return removed, memory.Backup(op, err, false)
		}
		removed = append(removed, snap)
	}

	s.logger.Info("backup: rotated snapshots", "kept", keep, "removed", len(removed))
	return removed, nil
}

// CycleResult is the outcome of one scheduled backup cycle.
type CycleResult struct {
	Snapshot Snapshot   `json:"snapshot"`
	Removed  []Snapshot `json:"removed"`
}

// Cycle creates a snapshot with the configured compression and rotates to
// the configured retention.
func (s *Service) Cycle(ctx context.Context) (CycleResult, error) {
	snap, err := s.CreateBackup(ctx, s.cfg.Compress)
	if err != nil {
		return CycleResult{}, err
	}
	removed, err := s.Rotate(ctx, s.cfg.Keep)
	if err != nil {
		return CycleResult{Snapshot: snap}, err
	}
	return CycleResult{Snapshot: snap, Removed: removed}, nil
}
