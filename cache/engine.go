package cache

import (
	"context"
	"encoding/json"
	"sort"
)

// Set serializes v and stores it under key, evicting lower-priority entries
// first if the write would exceed the size or entry-count budget. Set never
// fails from the caller's point of view: storage errors are logged and the
// write is dropped.
func (e *Engine) Set(ctx context.Context, key string, v any, opts ...EntryOption) {
	o := buildSetOptions(opts)

	payload, err := e.marshal(v)
	if err != nil {
		e.log.Warn().Err(err).Str("key", key).Msg("cache: marshal failed, dropping write")
		return
	}
	size := int64(len(payload))

	e.mu.Lock()
	defer e.mu.Unlock()

	idx := e.loadIndex(ctx)

	// Amortized expiry purge: roughly one Set in ten pays for the scan.
	if e.randf() < sweepChance {
		e.sweepExpired(ctx, idx)
	}

	var oldSize int64
	_, replacing := idx.Entries[key]
	if replacing {
		oldSize = idx.Entries[key].Size
	}

	var bytesNeeded int64
	if projected := idx.TotalSize - oldSize + size; projected > e.maxBytes {
		bytesNeeded = projected - e.maxBytes
	}
	slotsNeeded := 0
	if !replacing && len(idx.Entries)+1 > e.maxEntries {
		slotsNeeded = len(idx.Entries) + 1 - e.maxEntries
	}
	if bytesNeeded > 0 || slotsNeeded > 0 {
		e.evict(ctx, idx, bytesNeeded, slotsNeeded, key)
	}

	if err := e.store.Set(ctx, entryPrefix+key, payload); err != nil {
		e.log.Warn().Err(err).Str("key", key).Msg("cache: payload write failed")
		return
	}

	now := e.now()
	meta := &EntryMeta{
		Key:            key,
		Priority:       o.Priority,
		Size:           size,
		CreatedAt:      now,
		LastAccessedAt: now,
		AccessCount:    0,
		Tags:           o.Tags,
	}
	if !o.Forever {
		exp := now.Add(o.TTL)
		meta.ExpiresAt = &exp
	}
	idx.Entries[key] = meta
	idx.TotalSize += size - oldSize

	if err := e.persistIndex(ctx, idx); err != nil {
		// Keep index and payload in step: without the index record the
		// payload is unreachable, so take it back out.
		e.log.Warn().Err(err).Str("key", key).Msg("cache: index write failed, rolling back payload")
		if rmErr := e.store.Remove(ctx, entryPrefix+key); rmErr != nil {
			e.log.Warn().Err(rmErr).Str("key", key).Msg("cache: payload rollback failed")
		}
	}
}

// Get loads the value for key into out, which must be a pointer. It returns
// false on a miss: absent key, expired entry, or any storage failure.
// Observing an expired entry deletes it. Hits update the entry's access
// metadata and the process-wide hit counter.
func (e *Engine) Get(ctx context.Context, key string, out any) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	idx := e.loadIndex(ctx)
	meta, ok := idx.Entries[key]
	if !ok {
		e.misses++
		return false
	}

	if meta.expired(e.now()) {
		e.dropEntry(ctx, idx, key)
		if err := e.persistIndex(ctx, idx); err != nil {
			e.log.Warn().Err(err).Str("key", key).Msg("cache: index write failed after expiry")
		}
		e.misses++
		return false
	}

	payload, err := e.store.Get(ctx, entryPrefix+key)
	if err != nil {
		// Index says present but the payload is gone or unreadable.
		// Repair the index and report a miss.
		e.log.Warn().Err(err).Str("key", key).Msg("cache: payload read failed")
		e.dropEntry(ctx, idx, key)
		if perr := e.persistIndex(ctx, idx); perr != nil {
			e.log.Warn().Err(perr).Str("key", key).Msg("cache: index repair failed")
		}
		e.misses++
		return false
	}

	if out != nil {
		if err := json.Unmarshal(payload, out); err != nil {
			e.log.Warn().Err(err).Str("key", key).Msg("cache: unmarshal failed")
			e.misses++
			return false
		}
	}

	meta.LastAccessedAt = e.now()
	meta.AccessCount++
	if err := e.persistIndex(ctx, idx); err != nil {
		// Access bookkeeping is advisory; the value is already decoded.
		e.log.Debug().Err(err).Str("key", key).Msg("cache: access metadata write failed")
	}
	e.hits++
	return true
}

// Has reports whether key holds a live (non-expired) entry. Unlike Get it
// does not touch access metadata or the hit/miss counters.
func (e *Engine) Has(ctx context.Context, key string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	idx := e.loadIndex(ctx)
	meta, ok := idx.Entries[key]
	return ok && !meta.expired(e.now())
}

// Remove deletes key from the cache. Failures are swallowed and logged.
func (e *Engine) Remove(ctx context.Context, key string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	idx := e.loadIndex(ctx)
	if _, ok := idx.Entries[key]; !ok {
		return
	}
	e.dropEntry(ctx, idx, key)
	if err := e.persistIndex(ctx, idx); err != nil {
		e.log.Warn().Err(err).Str("key", key).Msg("cache: index write failed after remove")
	}
}

// RemoveByTag deletes every entry carrying tag and returns how many were
// removed.
func (e *Engine) RemoveByTag(ctx context.Context, tag string) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	idx := e.loadIndex(ctx)
	var doomed []string
	for key, meta := range idx.Entries {
		if meta.hasTag(tag) {
			doomed = append(doomed, key)
		}
	}
	for _, key := range doomed {
		e.dropEntry(ctx, idx, key)
	}
	if len(doomed) > 0 {
		if err := e.persistIndex(ctx, idx); err != nil {
			e.log.Warn().Err(err).Str("tag", tag).Msg("cache: index write failed after tag removal")
		}
	}
	return len(doomed)
}

// Clear wipes every cache-owned key, the index included, and resets the
// hit/miss counters.
func (e *Engine) Clear(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()

	keys, err := e.store.Keys(ctx)
	if err != nil {
		e.log.Warn().Err(err).Msg("cache: listing keys for clear failed")
		return
	}
	var owned []string
	for _, k := range keys {
		if len(k) >= len(keyPrefix) && k[:len(keyPrefix)] == keyPrefix {
			owned = append(owned, k)
		}
	}
	if err := e.store.RemoveAll(ctx, owned); err != nil {
		e.log.Warn().Err(err).Msg("cache: clear failed")
	}
	e.hits, e.misses = 0, 0
}

// Stats summarizes the cache for diagnostics.
type Stats struct {
	Entries     int            `json:"entries"`
	TotalSizeMB float64        `json:"total_size_mb"`
	HitRate     float64        `json:"hit_rate"`
	MissRate    float64        `json:"miss_rate"`
	ByPriority  map[string]int `json:"by_priority"`
}

// Stats reports entry count, total size, hit/miss rates, and per-priority
// entry counts.
func (e *Engine) Stats(ctx context.Context) Stats {
	e.mu.Lock()
	defer e.mu.Unlock()

	idx := e.loadIndex(ctx)
	s := Stats{
		Entries:     len(idx.Entries),
		TotalSizeMB: float64(idx.TotalSize) / (1 << 20),
		ByPriority:  make(map[string]int),
	}
	for _, meta := range idx.Entries {
		s.ByPriority[meta.Priority.String()]++
	}
	if total := e.hits + e.misses; total > 0 {
		s.HitRate = float64(e.hits) / float64(total)
		s.MissRate = float64(e.misses) / float64(total)
	}
	return s
}

// loadIndex reads the index from the store. A missing index yields a fresh
// one; a corrupt or version-mismatched index wipes the cache.
func (e *Engine) loadIndex(ctx context.Context) *index {
	fresh := func() *index {
		return &index{Version: indexVersion, Entries: make(map[string]*EntryMeta)}
	}

	raw, err := e.store.Get(ctx, indexKey)
	if err != nil {
		return fresh()
	}
	var idx index
	if uerr := json.Unmarshal(raw, &idx); uerr != nil || idx.Version != indexVersion {
		e.log.Warn().Int("version", idx.Version).Msg("cache: unreadable or outdated index, wiping")
		e.wipe(ctx)
		return fresh()
	}
	if idx.Entries == nil {
		idx.Entries = make(map[string]*EntryMeta)
	}
	return &idx
}

func (e *Engine) persistIndex(ctx context.Context, idx *index) error {
	raw, err := json.Marshal(idx)
	if err != nil {
		return err
	}
	return e.store.Set(ctx, indexKey, raw)
}

// wipe removes every cache-owned key without touching counters. Used on
// index version mismatch.
func (e *Engine) wipe(ctx context.Context) {
	keys, err := e.store.Keys(ctx)
	if err != nil {
		e.log.Warn().Err(err).Msg("cache: listing keys for wipe failed")
		return
	}
	var owned []string
	for _, k := range keys {
		if len(k) >= len(keyPrefix) && k[:len(keyPrefix)] == keyPrefix {
			owned = append(owned, k)
		}
	}
	if err := e.store.RemoveAll(ctx, owned); err != nil {
		e.log.Warn().Err(err).Msg("cache: wipe failed")
	}
}

// dropEntry removes key's payload and index record and adjusts TotalSize.
// The caller persists the index.
func (e *Engine) dropEntry(ctx context.Context, idx *index, key string) {
	meta, ok := idx.Entries[key]
	if !ok {
		return
	}
	if err := e.store.Remove(ctx, entryPrefix+key); err != nil {
		e.log.Warn().Err(err).Str("key", key).Msg("cache: payload remove failed")
	}
	idx.TotalSize -= meta.Size
	delete(idx.Entries, key)
}

// sweepExpired removes every entry past its expiry. The caller persists the
// index.
func (e *Engine) sweepExpired(ctx context.Context, idx *index) {
	now := e.now()
	var doomed []string
	for key, meta := range idx.Entries {
		if meta.expired(now) {
			doomed = append(doomed, key)
		}
	}
	for _, key := range doomed {
		e.dropEntry(ctx, idx, key)
	}
}

// evict frees at least bytesNeeded bytes and slotsNeeded entry slots.
// Candidates are every entry except Critical ones and the key being
// written, ordered lowest priority first and least-recently-accessed first
// within a priority. Critical entries survive even if the budget cannot be
// met; callers are expected to keep Critical usage small.
func (e *Engine) evict(ctx context.Context, idx *index, bytesNeeded int64, slotsNeeded int, skip string) {
	var candidates []*EntryMeta
	for key, meta := range idx.Entries {
		if meta.Priority == PriorityCritical || key == skip {
			continue
		}
		candidates = append(candidates, meta)
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority < candidates[j].Priority
		}
		return candidates[i].LastAccessedAt.Before(candidates[j].LastAccessedAt)
	})

	var bytesFreed int64
	slotsFreed := 0
	for _, meta := range candidates {
		if bytesFreed >= bytesNeeded && slotsFreed >= slotsNeeded {
			break
		}
		bytesFreed += meta.Size
		slotsFreed++
		e.dropEntry(ctx, idx, meta.Key)
		e.log.Debug().Str("key", meta.Key).Stringer("priority", meta.Priority).Msg("cache: evicted")
	}
}
