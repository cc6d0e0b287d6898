package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/bdobrica/mnemos/internal/mnemos/store"
)

const (
	DefaultRetentionPeriod     = 4 * time.Hour
	DefaultContextDepth        = 8
	DefaultConfidenceThreshold = 0.75
	DefaultCacheCapacity       = 2048

	defaultImportance    = 0.5
	defaultRetrieveLimit = 10
)

// Config tunes a Manager. Zero values fall back to the defaults above.
type Config struct {
	// RetentionPeriod bounds Retrieve and SearchSimilar to records created
	// within it, and is the cache TTL.
	RetentionPeriod time.Duration
	// ContextDepth is the number of related records Retrieve attaches when
	// the caller does not say.
	ContextDepth int
	// ConfidenceThreshold is the importance a record must exceed to be
	// cached on Store.
	ConfidenceThreshold float64
	CacheCapacity       int
}

func (c Config) withDefaults() Config {
	if c.RetentionPeriod <= 0 {
		c.RetentionPeriod = DefaultRetentionPeriod
	}
	if c.ContextDepth <= 0 {
		c.ContextDepth = DefaultContextDepth
	}
	if c.ConfidenceThreshold <= 0 {
		c.ConfidenceThreshold = DefaultConfidenceThreshold
	}
	if c.CacheCapacity <= 0 {
		c.CacheCapacity = DefaultCacheCapacity
	}
	return c
}

// Deps are the collaborators a Manager is built from. Store and Embedder are
// required.
type Deps struct {
	Store    *store.Store
	Embedder Embedder
	// Codec defaults to JSONCodec.
	Codec  Codec
	Logger *slog.Logger
	// Now defaults to time.Now. It also drives the cache clock.
	Now func() time.Time
}

// Manager is the entry point to the memory subsystem. It is safe for
// concurrent use.
type Manager struct {
	cfg      Config
	store    *store.Store
	embedder Embedder
	codec    Codec
	cache    *PriorityCache
	logger   *slog.Logger
	now      func() time.Time
}

// NewManager builds a Manager from cfg and deps.
func NewManager(cfg Config, deps Deps) (*Manager, error) {
	if deps.Store == nil {
		return nil, errors.New("memory: nil store")
	}
	if deps.Embedder == nil {
		return nil, errors.New("memory: nil embedder")
	}
	if deps.Codec == nil {
		deps.Codec = JSONCodec{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	cfg = cfg.withDefaults()

	return &Manager{
		cfg:      cfg,
		store:    deps.Store,
		embedder: deps.Embedder,
		codec:    deps.Codec,
		cache:    NewPriorityCache(cfg.CacheCapacity, cfg.RetentionPeriod, WithClock(deps.Now)),
		logger:   deps.Logger,
		now:      deps.Now,
	}, nil
}

// Config returns the effective configuration, defaults applied.
func (m *Manager) Config() Config { return m.cfg }

// StoreOption customises a Store call.
type StoreOption func(*storeOptions)

type storeOptions struct {
	importance   float64
	relatedTo    string
	relationType string
	strength     *float64
}

// WithImportance sets the record's importance, in [0, 1]. Default 0.5.
func WithImportance(v float64) StoreOption {
	return func(o *storeOptions) { o.importance = v }
}

// WithRelatedTo links the new record to an existing one.
func WithRelatedTo(id string) StoreOption {
	return func(o *storeOptions) { o.relatedTo = id }
}

// WithRelation overrides the type and strength of the WithRelatedTo edge.
// Without it the edge is "related" with strength equal to the importance.
func WithRelation(relationType string, strength float64) StoreOption {
	return func(o *storeOptions) {
		o.relationType = relationType
		o.strength = &strength
	}
}

// Store persists content under category and returns the new record id.
// The record, and its relation when WithRelatedTo is given, are written
// atomically. Records above the confidence threshold are also cached.
func (m *Manager) Store(ctx context.Context, content any, category string, opts ...StoreOption) (string, error) {
	const op = "store"

	o := storeOptions{importance: defaultImportance}
	for _, opt := range opts {
		opt(&o)
	}

	category = strings.TrimSpace(category)
	if category == "" {
		return "", Validationf(op, "category is required")
	}
	if content == nil {
		return "", Validationf(op, "content is required")
	}
	if !inUnitRange(o.importance) {
		return "", Validationf(op, "importance %v outside [0, 1]", o.importance)
	}
	strength := o.importance
	if o.strength != nil {
		strength = *o.strength
	}
	if o.relatedTo != "" && !inUnitRange(strength) {
		return "", Validationf(op, "relation strength %v outside [0, 1]", strength)
	}
	relationType := o.relationType
	if relationType == "" {
		relationType = DefaultRelationType
	}

	blob, err := m.codec.Marshal(content)
	if err != nil {
		return "", &Error{Kind: KindValidation, Op: op, Err: err}
	}

	vec, err := m.embedder.Embed(ctx, content)
	if err != nil {
		return "", &Error{Kind: KindEmbedding, Op: op, Err: err}
	}
	if len(vec) == 0 {
		return "", &Error{Kind: KindEmbedding, Op: op, Err: errors.New("embedder returned an empty vector")}
	}

	uid, err := uuid.NewV7()
	if err != nil {
		return "", Storage(op, fmt.Errorf("generate id: %w", err))
	}
	id := uid.String()
	now := m.now()

	var rel *store.Relation
	if o.relatedTo != "" {
		rel = &store.Relation{
			SourceID: id,
			TargetID: o.relatedTo,
			Type:     relationType,
			Strength: strength,
		}
	}

	err = m.store.Insert(ctx, store.Memory{
		ID:             id,
		Category:       category,
		Content:        blob,
		Importance:     o.importance,
		Embedding:      EncodeEmbedding(vec),
		CreatedAt:      now,
		LastAccessedAt: now,
	}, rel)
	if err != nil {
		return "", classify(op, err)
	}

	// Cache the decoded form so hits match what Retrieve returns.
	cached := o.importance > m.cfg.ConfidenceThreshold
	if cached {
		if decoded, err := m.codec.Unmarshal(blob); err != nil {
			m.logger.Warn("memory: not caching undecodable record", "id", id, "err", err)
			cached = false
		} else {
			m.cache.Put(id, decoded, o.importance)
		}
	}

	m.logger.Debug("memory: stored record",
		"id", id,
		"category", category,
		"importance", o.importance,
		"related_to", o.relatedTo,
		"cached", cached,
	)
	return id, nil
}

// RetrieveOptions narrows a Retrieve call.
type RetrieveOptions struct {
	// Limit caps the number of records. Zero means 10.
	Limit int
	// MinImportance excludes records below it.
	MinImportance float64
	// ContextSize caps related records per result. Zero uses the configured
	// context depth; a negative value attaches none.
	ContextSize int
}

// Retrieve returns records in category created within the retention
// period, most important first, each with its strongest related records.
// Every returned record has its access statistics bumped.
func (m *Manager) Retrieve(ctx context.Context, category string, opts RetrieveOptions) ([]Record, error) {
	const op = "retrieve"

	category = strings.TrimSpace(category)
	if category == "" {
		return nil, Validationf(op, "category is required")
	}
	if opts.Limit < 0 {
		return nil, Validationf(op, "limit %d is negative", opts.Limit)
	}
	if !inUnitRange(opts.MinImportance) {
		return nil, Validationf(op, "min importance %v outside [0, 1]", opts.MinImportance)
	}
	limit := opts.Limit
	if limit == 0 {
		limit = defaultRetrieveLimit
	}
	contextSize := opts.ContextSize
	switch {
	case contextSize == 0:
		contextSize = m.cfg.ContextDepth
	case contextSize < 0:
		contextSize = 0
	}

	now := m.now()
	hits, err := m.store.Retrieve(ctx, store.Query{
		Category:      category,
		MinImportance: opts.MinImportance,
		Since:         now.Add(-m.cfg.RetentionPeriod),
		Limit:         limit,
		ContextSize:   contextSize,
		Now:           now,
	})
	if err != nil {
		return nil, classify(op, err)
	}

	records := make([]Record, 0, len(hits))
	for _, h := range hits {
		rec, err := m.decode(h.Memory)
		if err != nil {
			return nil, Storage(op, err)
		}
		for _, r := range h.Related {
			content, err := m.codec.Unmarshal(r.Content)
			if err != nil {
				return nil, Storage(op, fmt.Errorf("decode related %s: %w", r.ID, err))
			}
			rec.Related = append(rec.Related, RelatedRecord{
				ID:           r.ID,
				Category:     r.Category,
				Content:      content,
				Importance:   r.Importance,
				RelationType: r.RelationType,
				Strength:     r.Strength,
			})
		}
		records = append(records, rec)
	}

	m.logger.Debug("memory: retrieved records",
		"category", category,
		"min_importance", opts.MinImportance,
		"results", len(records),
	)
	return records, nil
}

// GetCached looks id up in the cache only. A miss is a NotFound error.
func (m *Manager) GetCached(id string) (any, error) {
	content, ok := m.cache.Get(id)
	if !ok {
		return nil, NotFound("get cached", fmt.Errorf("%q is not cached", id))
	}
	return content, nil
}

// CacheMetrics returns the cache counters.
func (m *Manager) CacheMetrics() CacheMetrics { return m.cache.Metrics() }

// ClearCache empties the cache and resets its counters.
func (m *Manager) ClearCache() {
	m.cache.Clear()
	m.logger.Info("memory: cache cleared")
}

// Forget drops ids from the cache without touching the store.
func (m *Manager) Forget(ids ...string) { m.cache.Remove(ids...) }

// Get reads one record without bumping its access statistics.
func (m *Manager) Get(ctx context.Context, id string) (Record, error) {
	const op = "get"
	mem, err := m.store.Get(ctx, id)
	if err != nil {
		return Record{}, classify(op, err)
	}
	rec, err := m.decode(mem)
	if err != nil {
		return Record{}, Storage(op, err)
	}
	return rec, nil
}

// Delete removes a record and every relation touching it.
func (m *Manager) Delete(ctx context.Context, id string) error {
	const op = "delete"
	if err := m.store.Delete(ctx, id); err != nil {
		return classify(op, err)
	}
	m.cache.Remove(id)
	m.logger.Debug("memory: deleted record", "id", id)
	return nil
}

// Relate creates or overwrites the relation between two existing records.
func (m *Manager) Relate(ctx context.Context, rel Relation) error {
	const op = "relate"
	if rel.SourceID == "" || rel.TargetID == "" {
		return Validationf(op, "source and target are required")
	}
	if rel.SourceID == rel.TargetID {
		return Validationf(op, "a record cannot relate to itself")
	}
	if !inUnitRange(rel.Strength) {
		return Validationf(op, "relation strength %v outside [0, 1]", rel.Strength)
	}
	if rel.Type == "" {
		rel.Type = DefaultRelationType
	}
	err := m.store.Relate(ctx, store.Relation{
		SourceID: rel.SourceID,
		TargetID: rel.TargetID,
		Type:     rel.Type,
		Strength: rel.Strength,
	})
	if err != nil {
		return classify(op, err)
	}
	return nil
}

// SearchSimilar embeds query and ranks records in category, within the
// retention period, by cosine similarity to it. Access statistics are not
// touched.
func (m *Manager) SearchSimilar(ctx context.Context, category string, query any, topK int) ([]Scored, error) {
	const op = "search similar"

	category = strings.TrimSpace(category)
	if category == "" {
		return nil, Validationf(op, "category is required")
	}
	if query == nil {
		return nil, Validationf(op, "query is required")
	}
	if topK <= 0 {
		return nil, nil
	}

	qvec, err := m.embedder.Embed(ctx, query)
	if err != nil {
		return nil, &Error{Kind: KindEmbedding, Op: op, Err: err}
	}
	if len(qvec) == 0 {
		return nil, &Error{Kind: KindEmbedding, Op: op, Err: errors.New("embedder returned an empty vector")}
	}

	rows, err := m.store.ListForSimilarity(ctx, category, m.now().Add(-m.cfg.RetentionPeriod))
	if err != nil {
		return nil, classify(op, err)
	}

	type candidate struct {
		mem   store.Memory
		score float64
	}
	candidates := make([]candidate, 0, len(rows))
	for _, row := range rows {
		vec, err := DecodeEmbedding(row.Embedding)
		if err != nil {
			m.logger.Warn("memory: skip record with bad embedding", "id", row.ID, "err", err)
			continue
		}
		candidates = append(candidates, candidate{mem: row, score: cosineSimilarity(qvec, vec)})
	}
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].score > candidates[j].score })
	if len(candidates) > topK {
		candidates = candidates[:topK]
	}

	out := make([]Scored, 0, len(candidates))
	for _, c := range candidates {
		rec, err := m.decode(c.mem)
		if err != nil {
			return nil, Storage(op, err)
		}
		out = append(out, Scored{Record: rec, Score: c.score})
	}
	return out, nil
}

// Stats reports row counts and page statistics of the store.
func (m *Manager) Stats(ctx context.Context) (store.Stats, error) {
	st, err := m.store.Stats(ctx)
	if err != nil {
		return store.Stats{}, Storage("stats", err)
	}
	return st, nil
}

func (m *Manager) decode(mem store.Memory) (Record, error) {
	content, err := m.codec.Unmarshal(mem.Content)
	if err != nil {
		return Record{}, fmt.Errorf("decode content of %s: %w", mem.ID, err)
	}
	vec, err := DecodeEmbedding(mem.Embedding)
	if err != nil {
		return Record{}, fmt.Errorf("decode embedding of %s: %w", mem.ID, err)
	}
	return Record{
		ID:             mem.ID,
		Category:       mem.Category,
		Content:        content,
		Importance:     mem.Importance,
		Embedding:      vec,
		CreatedAt:      mem.CreatedAt,
		LastAccessedAt: mem.LastAccessedAt,
		AccessCount:    mem.AccessCount,
	}, nil
}

func classify(op string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return NotFound(op, err)
	}
	return Storage(op, err)
}

func inUnitRange(v float64) bool {
	return !math.IsNaN(v) && v >= 0 && v <= 1
}

// cosineSimilarity returns 0 when the vectors differ in length or either has
// zero magnitude.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
