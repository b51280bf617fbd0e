// Package cache implements a durable, budget-enforced cache for API
// responses with priority-aware eviction, TTL expiry, and tag-based
// invalidation.
//
// The cache is an optimization, never a source of truth: storage failures
// during reads and writes are swallowed and logged, degrading to a miss or
// a no-op. A feature must not crash because its cache did.
package cache

import (
	"encoding/json"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/calebstern/offlinekit/storage"
)

// Priority orders entries for eviction. Higher priorities survive cache
// pressure longer; Critical entries are never auto-evicted.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// EntryMeta is the per-key bookkeeping record held in the index.
type EntryMeta struct {
	Key            string     `json:"key"`
	Priority       Priority   `json:"priority"`
	Size           int64      `json:"size"`
	CreatedAt      time.Time  `json:"created_at"`
	LastAccessedAt time.Time  `json:"last_accessed_at"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"` // nil = never expires
	AccessCount    int64      `json:"access_count"`
	Tags           []string   `json:"tags,omitempty"`
}

func (m *EntryMeta) expired(now time.Time) bool {
	return m.ExpiresAt != nil && m.ExpiresAt.Before(now)
}

func (m *EntryMeta) hasTag(tag string) bool {
	for _, t := range m.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// index is the single persisted record mapping keys to their metadata.
// It is re-read from the store on every operation rather than held in
// memory, so another process sharing the store never sees a stale copy.
type index struct {
	Version   int                   `json:"version"`
	TotalSize int64                 `json:"total_size"`
	Entries   map[string]*EntryMeta `json:"entries"`
}

const (
	// indexVersion is bumped on incompatible index schema changes. A
	// mismatch on load wipes the cache; there is no migration path.
	indexVersion = 1

	indexKey    = "cache:index"
	entryPrefix = "cache:entry:"
	keyPrefix   = "cache:"

	// DefaultTTL applies when Set is called without WithTTL or NoExpiry.
	DefaultTTL = 60 * time.Minute

	// sweepChance is the probability that a Set also purges expired
	// entries, amortizing the full scan across writes.
	sweepChance = 0.1
)

// Engine is the cache. Construct with New; the zero value is not usable.
type Engine struct {
	store storage.Store
	log   zerolog.Logger

	maxBytes   int64
	maxEntries int

	mu     sync.Mutex
	hits   int64
	misses int64

	now     func() time.Time
	randf   func() float64
	marshal func(any) ([]byte, error)
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger used for swallowed failures.
func WithLogger(log zerolog.Logger) Option {
	return func(e *Engine) { e.log = log }
}

// WithBudget overrides the size and entry-count budgets.
func WithBudget(maxBytes int64, maxEntries int) Option {
	return func(e *Engine) { e.maxBytes, e.maxEntries = maxBytes, maxEntries }
}

// WithClock injects the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithRand injects the sweep-probability source, for tests.
func WithRand(f func() float64) Option {
	return func(e *Engine) { e.randf = f }
}

// New creates an Engine over the given store. Defaults: 50 MB, 500 entries.
func New(store storage.Store, opts ...Option) *Engine {
	e := &Engine{
		store:      store,
		log:        zerolog.Nop(),
		maxBytes:   50 << 20,
		maxEntries: 500,
		now:        time.Now,
		randf:      rand.Float64,
		marshal:    json.Marshal,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// SetOptions controls a single Set call. Build with the EntryOption helpers.
type SetOptions struct {
	Priority Priority
	TTL      time.Duration // ignored when Forever is set
	Forever  bool
	Tags     []string
}

// EntryOption configures one cached entry.
type EntryOption func(*SetOptions)

// WithPriority sets the entry's eviction priority.
func WithPriority(p Priority) EntryOption {
	return func(o *SetOptions) { o.Priority = p }
}

// WithTTL sets how long the entry stays fresh.
func WithTTL(d time.Duration) EntryOption {
	return func(o *SetOptions) { o.TTL = d; o.Forever = false }
}

// NoExpiry marks the entry as never expiring.
func NoExpiry() EntryOption {
	return func(o *SetOptions) { o.Forever = true }
}

// WithTags attaches tags for bulk invalidation via RemoveByTag.
func WithTags(tags ...string) EntryOption {
	return func(o *SetOptions) { o.Tags = tags }
}

func buildSetOptions(opts []EntryOption) SetOptions {
	o := SetOptions{Priority: PriorityNormal, TTL: DefaultTTL}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}
