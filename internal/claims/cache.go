// Package claims implements the followers-mission claim throttle: a
// time-windowed cache of claimed offers keyed by platform, username, mission
// type and unit count, persisted through a pluggable Backend.
//
// The throttle is advisory. Callers are expected to fail open when storage is
// unavailable.
package claims

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ResetWindow is how long a followers claim blocks the same offer. Expiry,
// duplicate detection and the countdown all use it.
const ResetWindow = 2 * time.Hour

var (
	ErrStorage         = errors.New("claims storage unavailable")
	ErrCorruptDocument = errors.New("claims document is not a JSON object")
)

type Option func(*Cache)

func WithClock(clock Clock) Option {
	return func(c *Cache) {
		if clock != nil {
			c.clock = clock
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(c *Cache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// Cache is the in-memory claim map mirrored to a Backend. Every operation
// re-reads the stored document inside a Backend.Update, so several caches
// sharing one store merge their writes instead of overwriting each other.
// A failed update leaves the in-memory map untouched.
type Cache struct {
	backend Backend
	clock   Clock
	logger  *zap.Logger

	mu      sync.Mutex
	entries map[string]entry
}

// Open loads the stored document once. A missing document yields an empty
// cache. A document that is not a JSON object returns ErrCorruptDocument
// together with a usable empty cache.
func Open(ctx context.Context, backend Backend, opts ...Option) (*Cache, error) {
	if backend == nil {
		return nil, errors.New("claims backend is required")
	}
	c := &Cache{
		backend: backend,
		clock:   SystemClock{},
		logger:  zap.NewNop(),
		entries: make(map[string]entry),
	}
	for _, opt := range opts {
		opt(c)
	}

	data, err := backend.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	loaded, err := decodeDocument(data)
	if err != nil {
		return c, err
	}
	c.entries = loaded
	c.logger.Debug("claims loaded", zap.Int("entries", len(loaded)))
	return c, nil
}

// IsAvailable reports whether no active claim exists for key. An empty
// username is always available.
func (c *Cache) IsAvailable(ctx context.Context, key Key) (bool, error) {
	key = key.normalized()
	if key.Username == "" {
		return true, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.syncLocked(ctx, nil); err != nil {
		return false, err
	}
	_, claimed := c.entries[key.String()]
	return !claimed, nil
}

// RecordClaim commits a completed followers claim stamped with the current
// time. Keys of other mission types, or without a username, never enter the
// cache.
func (c *Cache) RecordClaim(ctx context.Context, key Key) error {
	key = key.normalized()
	if key.Username == "" || !key.MissionType.Throttled() {
		return nil
	}
	if key.UnitCount <= 0 {
		return fmt.Errorf("%w: unit count must be positive", ErrInvalidKey)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	err := c.syncLocked(ctx, func(entries map[string]entry, now time.Time) {
		entries[key.String()] = recordEntry(now)
	})
	if err != nil {
		return err
	}
	c.logger.Info("claim recorded", zap.String("key", key.String()))
	return nil
}

// Claim checks and records key in one backend update. It reports false with
// the blocking record when an active claim already exists. Keys that are not
// throttled, or have no username, are always granted and never stored.
func (c *Cache) Claim(ctx context.Context, key Key) (Record, bool, error) {
	key = key.normalized()
	if key.Username == "" || !key.MissionType.Throttled() {
		return Record{}, true, nil
	}
	if key.UnitCount <= 0 {
		return Record{}, false, fmt.Errorf("%w: unit count must be positive", ErrInvalidKey)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var (
		record  Record
		granted bool
	)
	err := c.syncLocked(ctx, func(entries map[string]entry, now time.Time) {
		if existing, ok := entries[key.String()]; ok {
			record, granted = existing.record, false
			return
		}
		e := recordEntry(now)
		entries[key.String()] = e
		record, granted = e.record, true
	})
	if err != nil {
		return Record{}, false, err
	}
	if granted {
		c.logger.Info("claim recorded", zap.String("key", key.String()))
	}
	return record, granted, nil
}

// Release removes a claim granted by Claim. A claim re-stamped since, or
// already gone, is left alone.
func (c *Cache) Release(ctx context.Context, key Key, stamped time.Time) error {
	key = key.normalized()
	if key.Username == "" || !key.MissionType.Throttled() {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	released := false
	err := c.syncLocked(ctx, func(entries map[string]entry, _ time.Time) {
		e, ok := entries[key.String()]
		if ok && e.record.Timestamp.Equal(stamped.UTC().Truncate(time.Millisecond)) {
			delete(entries, key.String())
			released = true
		}
	})
	if err != nil {
		return err
	}
	if released {
		c.logger.Info("claim released", zap.String("key", key.String()))
	}
	return nil
}

// CleanupExpired drops claims older than ResetWindow, upgrades legacy
// boolean entries to timestamped records, drops undecodable values and
// persists the result even when nothing changed.
func (c *Cache) CleanupExpired(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.syncLocked(ctx, nil)
}

// UsedUnits sums the unit counts of active claims for one user and mission
// type on a platform.
func (c *Cache) UsedUnits(ctx context.Context, platform Platform, username string, missionType MissionType) (int, error) {
	if NormalizeUsername(username) == "" {
		return 0, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.syncLocked(ctx, nil); err != nil {
		return 0, err
	}
	total := 0
	c.eachActiveLocked(platform, username, missionType, func(key Key, _ Record) {
		total += key.UnitCount
	})
	return total, nil
}

// EarliestActive returns the oldest active claim timestamp for one user and
// mission type; the offer resets at that time plus ResetWindow.
func (c *Cache) EarliestActive(ctx context.Context, platform Platform, username string, missionType MissionType) (time.Time, bool, error) {
	if NormalizeUsername(username) == "" {
		return time.Time{}, false, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.syncLocked(ctx, nil); err != nil {
		return time.Time{}, false, err
	}
	var earliest time.Time
	found := false
	c.eachActiveLocked(platform, username, missionType, func(_ Key, record Record) {
		if !found || record.Timestamp.Before(earliest) {
			earliest = record.Timestamp
			found = true
		}
	})
	return earliest, found, nil
}

// Snapshot returns a copy of every decoded record. Legacy and malformed
// entries that have not been cleaned yet are omitted.
func (c *Cache) Snapshot() map[string]Record {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]Record, len(c.entries))
	for key, e := range c.entries {
		if e.kind == entryRecord {
			out[key] = e.record
		}
	}
	return out
}

// Clock is the clock expiry is measured against.
func (c *Cache) Clock() Clock {
	return c.clock
}

// Len counts stored entries in any encoding.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// syncLocked reloads the stored document, cleans it, applies mutate and
// writes the result back, all inside one Backend.Update. On success the
// in-memory map mirrors what was stored.
func (c *Cache) syncLocked(ctx context.Context, mutate func(entries map[string]entry, now time.Time)) error {
	var (
		next  map[string]entry
		stats cleanupStats
	)
	err := c.backend.Update(ctx, func(current []byte) ([]byte, error) {
		stored, err := decodeDocument(current)
		if err != nil {
			c.logger.Warn("stored claims document unreadable, starting empty", zap.Error(err))
			stored = make(map[string]entry)
		}
		now := c.clock.Now()
		next, stats = cleanEntries(stored, now)
		if mutate != nil {
			mutate(next, now)
		}
		data, err := json.Marshal(next)
		if err != nil {
			return nil, fmt.Errorf("encode claims: %w", err)
		}
		return data, nil
	})
	if err != nil {
		c.logger.Warn("claims save failed", zap.Error(err))
		return fmt.Errorf("%w: %w", ErrStorage, err)
	}
	c.entries = next
	if stats.changed() {
		c.logger.Debug("claims cleaned",
			zap.Int("upgraded", stats.upgraded),
			zap.Int("expired", stats.expired),
			zap.Int("dropped", stats.dropped),
		)
	}
	return nil
}

type cleanupStats struct {
	upgraded, expired, dropped int
}

func (s cleanupStats) changed() bool {
	return s.upgraded+s.expired+s.dropped > 0
}

// cleanEntries upgrades legacy entries, drops malformed ones and removes
// expired records. It applies to every mission type, not only followers.
func cleanEntries(entries map[string]entry, now time.Time) (map[string]entry, cleanupStats) {
	next := make(map[string]entry, len(entries)+1)
	var stats cleanupStats
	for key, e := range entries {
		switch e.kind {
		case entryLegacy:
			// The original claim time is unknown; the entry lives on from now.
			next[key] = recordEntry(now)
			stats.upgraded++
		case entryMalformed:
			stats.dropped++
		default:
			if isExpired(e.record, now) {
				stats.expired++
				continue
			}
			next[key] = e
		}
	}
	return next, stats
}

func decodeDocument(data []byte) (map[string]entry, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return make(map[string]entry), nil
	}
	var loaded map[string]entry
	if err := json.Unmarshal(data, &loaded); err != nil || loaded == nil {
		return nil, ErrCorruptDocument
	}
	return loaded, nil
}

func (c *Cache) eachActiveLocked(platform Platform, username string, missionType MissionType, fn func(Key, Record)) {
	prefix := ownerPrefix(platform, username, missionType)
	now := c.clock.Now()
	for raw, e := range c.entries {
		if e.kind != entryRecord || !strings.HasPrefix(raw, prefix) || isExpired(e.record, now) {
			continue
		}
		key, err := ParseKey(raw)
		if err != nil {
			continue
		}
		// The prefix alone would also match usernames that extend this one
		// with the separator, e.g. "bob_followers" vs "bob".
		if key.Username != NormalizeUsername(username) || key.MissionType != missionType {
			continue
		}
		fn(key, e.record)
	}
}

// isExpired treats a claim exactly ResetWindow old as expired, so the offer
// reopens at the instant the countdown reaches zero.
func isExpired(record Record, now time.Time) bool {
	return now.Sub(record.Timestamp) >= ResetWindow
}
