// Package maintenance keeps the memory database healthy: it builds query
// indexes, reclaims free pages, and prunes expired low-importance records.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bdobrica/mnemos/internal/mnemos/memory"
	"github.com/bdobrica/mnemos/internal/mnemos/store"
)

const (
	DefaultImportanceFloor = 0.8
	DefaultBatchSize       = 500
	DefaultVacuumStep      = 256
	DefaultRetentionDays   = 30
)

// Config tunes the service. Zero values take the defaults above.
type Config struct {
	// ImportanceFloor protects records at or above it from pruning.
	ImportanceFloor float64
	// BatchSize is the number of records deleted per prune transaction.
	BatchSize int
	// VacuumStep is the number of pages freed per incremental vacuum step.
	VacuumStep int
}

func (c Config) withDefaults() Config {
	if c.ImportanceFloor <= 0 {
		c.ImportanceFloor = DefaultImportanceFloor
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.VacuumStep <= 0 {
		c.VacuumStep = DefaultVacuumStep
	}
	return c
}

// Service runs maintenance tasks against a store. Compact and PruneExpired
// never run concurrently with each other; ordinary store traffic is not
// blocked by them.
type Service struct {
	st       *store.Store
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
	onPruned func(ids []string)

	// sem is a context-aware mutex for heavy tasks.
	sem chan struct{}
}

// Option customises a Service.
type Option func(*Service)

func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.logger = l } }

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// WithOnPruned registers a hook called with the ids removed by each prune
// batch, after the batch commits.
func WithOnPruned(fn func(ids []string)) Option { return func(s *Service) { s.onPruned = fn } }

// New returns a Service for st.
func New(st *store.Store, cfg Config, opts ...Option) *Service {
	s := &Service{
		st:     st,
		cfg:    cfg.withDefaults(),
		logger: st.Logger(),
		now:    time.Now,
		sem:    make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

func (s *Service) lock(ctx context.Context) error {
	select {
	case s.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) unlock() { <-s.sem }

var indexes = []string{
	`CREATE INDEX IF NOT EXISTS idx_memories_retrieve ON memories(category, importance, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_memories_category_created ON memories(category, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_memories_importance_created ON memories(importance, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_memories_last_accessed ON memories(last_accessed_at)`,
	`CREATE INDEX IF NOT EXISTS idx_memory_relations_source_strength ON memory_relations(source_id, strength)`,
	`CREATE INDEX IF NOT EXISTS idx_memory_relations_target ON memory_relations(target_id)`,
}

// BuildIndexes creates any missing query indexes and refreshes planner
// statistics. It is idempotent.
func (s *Service) BuildIndexes(ctx context.Context) error {
	const op = "build indexes"
	if err := s.lock(ctx); err != nil {
		return memory.Storage(op, err)
	}
	defer s.unlock()

	start := time.Now()
	db := s.st.DB()
	for _, stmt := range indexes {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return memory.Storage(op, fmt.Errorf("maintenance: %s: %w", stmt, err))
		}
	}
	if _, err := db.ExecContext(ctx, `ANALYZE`); err != nil {
		return memory.Storage(op, fmt.Errorf("maintenance: analyze: %w", err))
	}

	s.logger.Info("maintenance: indexes built",
		"indexes", len(indexes),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// CompactResult reports what Compact did.
type CompactResult struct {
	// Mode is "incremental", or "full" when the file had to be converted to
	// incremental auto-vacuum first.
	Mode        string        `json:"mode"`
	PagesBefore int64         `json:"pages_before"`
	PagesAfter  int64         `json:"pages_after"`
	Steps       int           `json:"steps"`
	Duration    time.Duration `json:"duration"`
}

const autoVacuumIncremental = 2

// Compact returns free pages to the filesystem in bounded steps, checking
// ctx between steps, then truncates the WAL. A database not yet in
// incremental auto-vacuum mode is converted with one full VACUUM.
func (s *Service) Compact(ctx context.Context) (CompactResult, error) {
	const op = "compact"
	if err := s.lock(ctx); err != nil {
		return CompactResult{}, memory.Storage(op, err)
	}
	defer s.unlock()

	start := time.Now()
	db := s.st.DB()
	res := CompactResult{Mode: "incremental"}

	if err := db.QueryRowContext(ctx, `PRAGMA page_count`).Scan(&res.PagesBefore); err != nil {
		return res, memory.Storage(op, fmt.Errorf("maintenance: page count: %w", err))
	}

	var mode int
	if err := db.QueryRowContext(ctx, `PRAGMA auto_vacuum`).Scan(&mode); err != nil {
		return res, memory.Storage(op, fmt.Errorf("maintenance: read auto_vacuum: %w", err))
	}

	if mode != autoVacuumIncremental {
		res.Mode = "full"
		if _, err := db.ExecContext(ctx, `PRAGMA auto_vacuum = INCREMENTAL`); err != nil {
			return res, memory.Storage(op, fmt.Errorf("maintenance: set auto_vacuum: %w", err))
		}
		if _, err := db.ExecContext(ctx, `VACUUM`); err != nil {
			return res, memory.Storage(op, fmt.Errorf("maintenance: vacuum: %w", err))
		}
		res.Steps = 1
	} else {
		prev := int64(-1)
		for {
			if err := ctx.Err(); err != nil {
				return res, memory.Storage(op, err)
			}
			var free int64
			if err := db.QueryRowContext(ctx, `PRAGMA freelist_count`).Scan(&free); err != nil {
				return res, memory.Storage(op, fmt.Errorf("maintenance: freelist count: %w", err))
			}
			if free == 0 || free == prev {
				break
			}
			prev = free
			if _, err := db.ExecContext(ctx, fmt.Sprintf(`PRAGMA incremental_vacuum(%d)`, s.cfg.VacuumStep)); err != nil {
				return res, memory.Storage(op, fmt.Errorf("maintenance: incremental vacuum: %w", err))
			}
			res.Steps++
		}
	}

	var busy, logFrames, checkpointed int
	if err := db.QueryRowContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE)`).Scan(&busy, &logFrames, &checkpointed); err != nil {
		return res, memory.Storage(op, fmt.Errorf("maintenance: wal checkpoint: %w", err))
	}
	if err := db.QueryRowContext(ctx, `PRAGMA page_count`).Scan(&res.PagesAfter); err != nil {
		return res, memory.Storage(op, fmt.Errorf("maintenance: page count: %w", err))
	}
	res.Duration = time.Since(start)

	s.logger.Info("maintenance: compacted",
		"mode", res.Mode,
		"steps", res.Steps,
		"pages_before", res.PagesBefore,
		"pages_after", res.PagesAfter,
		"wal_busy", busy != 0,
		"duration_ms", res.Duration.Milliseconds(),
	)
	return res, nil
}

// PruneResult reports what PruneExpired removed.
type PruneResult struct {
	Cutoff           time.Time `json:"cutoff"`
	Removed          int       `json:"removed"`
	RelationsRemoved int64     `json:"relations_removed"`
	DanglingRemoved  int64     `json:"dangling_removed"`
	Batches          int       `json:"batches"`
}

// PruneExpired deletes records older than retentionDays whose importance
// is below the configured floor, in batches. Each batch removes its records
// and their relations atomically; ctx is checked between batches, so an
// interrupted prune leaves every committed batch in place and reports it.
func (s *Service) PruneExpired(ctx context.Context, retentionDays int) (PruneResult, error) {
	const op = "prune expired"
	if retentionDays <= 0 {
		return PruneResult{}, memory.Validationf(op, "retention days must be positive, got %d", retentionDays)
	}
	if err := s.lock(ctx); err != nil {
		return PruneResult{}, memory.Storage(op, err)
	}
	defer s.unlock()

	res := PruneResult{Cutoff: s.now().Add(-time.Duration(retentionDays) * 24 * time.Hour)}
	for {
		if err := ctx.Err(); err != nil {
			return res, memory.Storage(op, err)
		}
		ids, rels, err := s.st.PruneBatch(ctx, res.Cutoff, s.cfg.ImportanceFloor, s.cfg.BatchSize)
		if err != nil {
			return res, memory.Storage(op, err)
		}
		if len(ids) == 0 {
			break
		}
		res.Batches++
		res.Removed += len(ids)
		res.RelationsRemoved += rels
		if s.onPruned != nil {
			s.onPruned(ids)
		}
		if len(ids) < s.cfg.BatchSize {
			break
		}
	}

	n, err := s.st.SweepDanglingRelations(ctx)
	if err != nil {
		return res, memory.Storage(op, err)
	}
	res.DanglingRemoved = n

	s.logger.Info("maintenance: pruned expired records",
		"cutoff", res.Cutoff,
		"removed", res.Removed,
		"relations_removed", res.RelationsRemoved,
		"dangling_removed", res.DanglingRemoved,
		"batches", res.Batches,
	)
	return res, nil
}

// Report is the outcome of a full maintenance cycle.
type Report struct {
	Prune   PruneResult   `json:"prune"`
	Compact CompactResult `json:"compact"`
}

// Run builds indexes, prunes, and compacts, stopping at the first failure.
func (s *Service) Run(ctx context.Context, retentionDays int) (Report, error) {
	var rep Report
	if err := s.BuildIndexes(ctx); err != nil {
		return rep, err
	}
	var err error
	if rep.Prune, err = s.PruneExpired(ctx, retentionDays); err != nil {
		return rep, err
	}
	if rep.Compact, err = s.Compact(ctx); err != nil {
		return rep, err
	}
	return rep, nil
}

// IsCancelled reports whether err came from a cancelled or expired context.
func IsCancelled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
