// Package memory is the persistent memory subsystem: a Manager that stores
// relationship-aware memory records in SQLite, fronted by an
// importance-weighted cache.
package memory

import "time"

// Record is a memory as seen by callers.
type Record struct {
	ID             string    `json:"id"`
	Category       string    `json:"category"`
	Content        any       `json:"content"`
	Importance     float64   `json:"importance"`
	Embedding      []float32 `json:"-"`
	CreatedAt      time.Time `json:"created_at"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
	AccessCount    int64     `json:"access_count"`

	// Related is populated by Retrieve only.
	Related []RelatedRecord `json:"related,omitempty"`
}

// RelatedRecord is a memory reached from a Record through an outgoing
// relation.
type RelatedRecord struct {
	ID           string  `json:"id"`
	Category     string  `json:"category"`
	Content      any     `json:"content"`
	Importance   float64 `json:"importance"`
	RelationType string  `json:"relation_type"`
	Strength     float64 `json:"strength"`
}

// Relation is a directed edge between two records.
type Relation struct {
	SourceID string  `json:"source_id"`
	TargetID string  `json:"target_id"`
	Type     string  `json:"type"`
	Strength float64 `json:"strength"`
}

// Scored is a SearchSimilar result.
type Scored struct {
	Record
	Score float64 `json:"score"`
}

// CacheMetrics is a point-in-time view of the cache counters.
type CacheMetrics struct {
	Hits      int64   `json:"hits"`
	Misses    int64   `json:"misses"`
	Evictions int64   `json:"evictions"`
	Size      int     `json:"size"`
	HitRatio  float64 `json:"hit_ratio"`
}

// DefaultRelationType is the relation type written when Store is given a
// related record without an explicit type.
const DefaultRelationType = "related"
