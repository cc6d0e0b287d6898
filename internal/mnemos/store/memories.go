package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// Memory is a stored memory row. Content and Embedding are opaque blobs; the
// store never interprets them.
type Memory struct {
	ID             string
	Category       string
	Content        []byte
	Importance     float64
	Embedding      []byte
	CreatedAt      time.Time
	LastAccessedAt time.Time
	AccessCount    int64
}

// Relation is a directed, strength-weighted edge between two memories.
type Relation struct {
	SourceID string
	TargetID string
	Type     string
	Strength float64
}

// Related is a memory reached through an outgoing relation.
type Related struct {
	Memory
	RelationType string
	Strength     float64
}

// Hit is a memory returned by Retrieve together with its related context.
type Hit struct {
	Memory
	Related []Related
}

// Query selects memories for Retrieve.
type Query struct {
	Category      string
	MinImportance float64
	// Since excludes memories created before it. Zero means no lower bound.
	Since time.Time
	Limit int
	// ContextSize caps the related memories attached to each hit; zero or
	// negative attaches none.
	ContextSize int
	// Now is the access timestamp written to every returned memory.
	Now time.Time
}

// Stats summarises the database contents.
type Stats struct {
	Memories      int64 `json:"memories"`
	Relations     int64 `json:"relations"`
	PageCount     int64 `json:"page_count"`
	FreelistCount int64 `json:"freelist_count"`
	PageSize      int64 `json:"page_size"`
}

const memoryColumns = "id, category, content, importance, embedding, created_at, last_accessed_at, access_count"

type scanner interface {
	Scan(dest ...any) error
}

func scanMemory(row scanner, extra ...any) (Memory, error) {
	var (
		m                     Memory
		created, lastAccessed int64
	)
	dest := append([]any{
		&m.ID, &m.Category, &m.Content, &m.Importance, &m.Embedding,
		&created, &lastAccessed, &m.AccessCount,
	}, extra...)
	if err := row.Scan(dest...); err != nil {
		return Memory{}, err
	}
	m.CreatedAt = fromNanos(created)
	m.LastAccessedAt = fromNanos(lastAccessed)
	return m, nil
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return math.MinInt64
	}
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

// Insert writes a memory and, when rel is non-nil, a relation from it in a
// single transaction. If the relation target does not exist the whole unit
// is rolled back and an error wrapping ErrNotFound is returned.
func (s *Store) Insert(ctx context.Context, m Memory, rel *Relation) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin insert: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO memories (`+memoryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.Category, m.Content, m.Importance, m.Embedding,
		toNanos(m.CreatedAt), toNanos(m.LastAccessedAt), m.AccessCount,
	)
	if err != nil {
		return fmt.Errorf("store: insert memory %s: %w", m.ID, err)
	}

	if rel != nil {
		if err := upsertRelation(ctx, tx, *rel); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit insert %s: %w", m.ID, err)
	}

	s.logger.Debug("store: inserted memory",
		"id", m.ID,
		"category", m.Category,
		"importance", m.Importance,
		"content_bytes", len(m.Content),
		"has_relation", rel != nil,
	)
	return nil
}

// Relate creates or overwrites the relation between two existing memories.
func (s *Store) Relate(ctx context.Context, rel Relation) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin relate: %w", err)
	}
	defer tx.Rollback()

	if err := requireMemory(ctx, tx, rel.SourceID); err != nil {
		return fmt.Errorf("store: relation source: %w", err)
	}
	if err := upsertRelation(ctx, tx, rel); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit relate: %w", err)
	}
	return nil
}

func upsertRelation(ctx context.Context, tx *sql.Tx, rel Relation) error {
	if err := requireMemory(ctx, tx, rel.TargetID); err != nil {
		return fmt.Errorf("store: relation target: %w", err)
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO memory_relations (source_id, target_id, relation_type, strength)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(source_id, target_id) DO UPDATE SET
			relation_type = excluded.relation_type,
			strength      = excluded.strength`,
		rel.SourceID, rel.TargetID, rel.Type, rel.Strength,
	)
	if err != nil {
		return fmt.Errorf("store: insert relation %s->%s: %w", rel.SourceID, rel.TargetID, err)
	}
	return nil
}

func requireMemory(ctx context.Context, tx *sql.Tx, id string) error {
	var one int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM memories WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%q: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("lookup %q: %w", id, err)
	}
	return nil
}

// Retrieve selects memories matching q, attaches their related memories, and
// bumps last_accessed_at/access_count on every selected (top-level) memory.
// All of it happens in one transaction. Returned hits carry the post-bump
// access statistics.
func (s *Store) Retrieve(ctx context.Context, q Query) ([]Hit, error) {
	if q.Limit <= 0 {
		return nil, nil
	}
	now := q.Now
	if now.IsZero() {
		now = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: begin retrieve: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT `+memoryColumns+`
		FROM memories
		WHERE category = ? AND importance >= ? AND created_at >= ?
		ORDER BY importance DESC, last_accessed_at DESC, id DESC
		LIMIT ?`,
		q.Category, q.MinImportance, toNanos(q.Since), q.Limit,
	)
	if err != nil {
		return nil, fmt.Errorf("store: query memories: %w", err)
	}

	var hits []Hit
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("store: scan memory: %w", err)
		}
		hits = append(hits, Hit{Memory: m})
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("store: iterate memories: %w", err)
	}
	rows.Close()

	nowNanos := toNanos(now)
	for i := range hits {
		if q.ContextSize > 0 {
			related, err := relatedTx(ctx, tx, hits[i].ID, q.ContextSize)
			if err != nil {
				return nil, err
			}
			hits[i].Related = related
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE memories
			SET last_accessed_at = ?, access_count = access_count + 1
			WHERE id = ?`,
			nowNanos, hits[i].ID,
		); err != nil {
			return nil, fmt.Errorf("store: touch memory %s: %w", hits[i].ID, err)
		}
		hits[i].LastAccessedAt = fromNanos(nowNanos)
		hits[i].AccessCount++
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: commit retrieve: %w", err)
	}
	return hits, nil
}

func relatedTx(ctx context.Context, tx *sql.Tx, sourceID string, limit int) ([]Related, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT m.id, m.category, m.content, m.importance, m.embedding,
		       m.created_at, m.last_accessed_at, m.access_count,
		       r.relation_type, r.strength
		FROM memory_relations r
		JOIN memories m ON m.id = r.target_id
		WHERE r.source_id = ?
		ORDER BY r.strength DESC, m.id ASC
		LIMIT ?`,
		sourceID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("store: query related for %s: %w", sourceID, err)
	}
	defer rows.Close()

	var out []Related
	for rows.Next() {
		var r Related
		m, err := scanMemory(rows, &r.RelationType, &r.Strength)
		if err != nil {
			return nil, fmt.Errorf("store: scan related: %w", err)
		}
		r.Memory = m
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate related: %w", err)
	}
	return out, nil
}

// Get returns a single memory without touching its access statistics.
func (s *Store) Get(ctx context.Context, id string) (Memory, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+memoryColumns+` FROM memories WHERE id = ?`, id)
	m, err := scanMemory(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Memory{}, fmt.Errorf("store: memory %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return Memory{}, fmt.Errorf("store: get memory %s: %w", id, err)
	}
	return m, nil
}

// Relations returns every relation touching id, in either direction.
func (s *Store) Relations(ctx context.Context, id string) ([]Relation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT source_id, target_id, relation_type, strength
		FROM memory_relations
		WHERE source_id = ? OR target_id = ?
		ORDER BY strength DESC, source_id, target_id`,
		id, id,
	)
	if err != nil {
		return nil, fmt.Errorf("store: query relations: %w", err)
	}
	defer rows.Close()

	var out []Relation
	for rows.Next() {
		var r Relation
		if err := rows.Scan(&r.SourceID, &r.TargetID, &r.Type, &r.Strength); err != nil {
			return nil, fmt.Errorf("store: scan relation: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Delete removes a memory and every relation touching it in one transaction.
func (s *Store) Delete(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin delete: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM memories WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: delete memory %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("store: memory %q: %w", id, ErrNotFound)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM memory_relations WHERE source_id = ? OR target_id = ?`, id, id,
	); err != nil {
		return fmt.Errorf("store: delete relations of %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit delete %s: %w", id, err)
	}
	return nil
}

// ListForSimilarity returns every memory in category created at or after
// since, for Go-side similarity ranking.
func (s *Store) ListForSimilarity(ctx context.Context, category string, since time.Time) ([]Memory, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+memoryColumns+`
		FROM memories
		WHERE category = ? AND created_at >= ?
		ORDER BY created_at DESC`,
		category, toNanos(since),
	)
	if err != nil {
		return nil, fmt.Errorf("store: query for similarity: %w", err)
	}
	defer rows.Close()

	var out []Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			s.logger.Warn("store: skip malformed row", "err", err)
			continue
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate for similarity: %w", err)
	}
	return out, nil
}

// pruneChunk caps the ids bound into one DELETE. The relation delete binds
// each id twice, which must stay under SQLite's host parameter limit.
const pruneChunk = 500

// PruneBatch deletes up to limit memories created before cutoff whose
// importance is below floor, together with every relation touching them, in
// one transaction. It returns the deleted ids and the number of relations
// removed. An empty result means nothing is left to prune.
func (s *Store) PruneBatch(ctx context.Context, cutoff time.Time, floor float64, limit int) ([]string, int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("store: begin prune: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id FROM memories
		WHERE created_at < ? AND importance < ?
		ORDER BY created_at ASC
		LIMIT ?`,
		toNanos(cutoff), floor, limit,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("store: select prune candidates: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, 0, fmt.Errorf("store: scan prune candidate: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, 0, fmt.Errorf("store: iterate prune candidates: %w", err)
	}
	rows.Close()

	if len(ids) == 0 {
		return nil, 0, nil
	}

	var relations int64
	for start := 0; start < len(ids); start += pruneChunk {
		chunk := ids[start:min(start+pruneChunk, len(ids))]
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(chunk)), ",")
		args := make([]any, len(chunk))
		for i, id := range chunk {
			args[i] = id
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM memories WHERE id IN (`+placeholders+`)`, args...); err != nil {
			return nil, 0, fmt.Errorf("store: delete pruned memories: %w", err)
		}
		res, err := tx.ExecContext(ctx,
			`DELETE FROM memory_relations WHERE source_id IN (`+placeholders+`) OR target_id IN (`+placeholders+`)`,
			append(args, args...)...,
		)
		if err != nil {
			return nil, 0, fmt.Errorf("store: delete pruned relations: %w", err)
		}
		n, _ := res.RowsAffected()
		relations += n
	}

	if err := tx.Commit(); err != nil {
		return nil, 0, fmt.Errorf("store: commit prune: %w", err)
	}
	return ids, relations, nil
}

// SweepDanglingRelations removes relations whose source or target no longer
// exists.
func (s *Store) SweepDanglingRelations(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM memory_relations
		WHERE source_id NOT IN (SELECT id FROM memories)
		   OR target_id NOT IN (SELECT id FROM memories)`)
	if err != nil {
		return 0, fmt.Errorf("store: sweep dangling relations: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Stats returns row counts and page statistics.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	queries := []struct {
		sql  string
		dest *int64
	}{
		{"SELECT COUNT(*) FROM memories", &st.Memories},
		{"SELECT COUNT(*) FROM memory_relations", &st.Relations},
		{"PRAGMA page_count", &st.PageCount},
		{"PRAGMA freelist_count", &st.FreelistCount},
		{"PRAGMA page_size", &st.PageSize},
	}
	for _, q := range queries {
		if err := s.db.QueryRowContext(ctx, q.sql).Scan(q.dest); err != nil {
			return Stats{}, fmt.Errorf("store: stats %q: %w", q.sql, err)
		}
	}
	return st, nil
}
