// Package cache is a bounded per-device content cache with priority-scored
// eviction and lazy TTL expiry.
package cache

import (
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"slices"
	"sort"
	"sync"
	"time"
)

// Tier is the priority class of a cache entry.
type Tier string

const (
	TierCritical Tier = "critical"
	TierHigh     Tier = "high"
	TierMedium   Tier = "medium"
	TierLow      Tier = "low"
)

// Tiers lists the tiers from most to least important.
func Tiers() []Tier {
	return []Tier{TierCritical, TierHigh, TierMedium, TierLow}
}

func (t Tier) weight() int {
	switch t {
	case TierCritical:
		return 3
	case TierHigh:
		return 2
	case TierMedium:
		return 1
	}
	return 0
}

var (
	// ErrItemTooLarge is returned when a payload can never fit the cache.
	ErrItemTooLarge = errors.New("cache item too large")

	// ErrCacheFull is returned when only protected entries remain and the
	// new entry still does not fit.
	ErrCacheFull = errors.New("cache full")
)

// Config bounds and tunes a Store.
type Config struct {
	MaxBytes   int64
	MaxEntries int
	// MaxItemSize rejects larger payloads outright; 0 means MaxBytes.
	MaxItemSize int64
	// DefaultTTL applies to non-critical entries; 0 means no expiry.
	DefaultTTL  time.Duration
	CriticalTTL time.Duration
	// Compression gzips payloads larger than CompressThreshold.
	Compression       bool
	CompressThreshold int
	// PreferredSubjects raise the score of entries tagged with them.
	PreferredSubjects []string

	Logger *log.Logger
	Now    func() time.Time
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxBytes:          50 * 1024 * 1024,
		MaxEntries:        5000,
		MaxItemSize:       5 * 1024 * 1024,
		DefaultTTL:        24 * time.Hour,
		CriticalTTL:       7 * 24 * time.Hour,
		Compression:       true,
		CompressThreshold: 1024,
	}
}

// Entry is a cached payload and its bookkeeping.
type Entry struct {
	Key         string
	StorageKey  string
	Payload     []byte
	Tier        Tier
	Size        int64
	CreatedAt   time.Time
	AccessedAt  time.Time
	AccessCount int
	ExpiresAt   time.Time
	DependsOn   []string
	Subject     string
	Compressed  bool
}

func (e *Entry) expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}

// Status summarizes one (user, device) shard.
type Status struct {
	Entries    int          `json:"entries" yaml:"entries"`
	BytesUsed  int64        `json:"bytes_used" yaml:"bytes_used"`
	PerTier    map[Tier]int `json:"per_tier" yaml:"per_tier"`
	MaxBytes   int64        `json:"max_bytes" yaml:"max_bytes"`
	MaxEntries int          `json:"max_entries" yaml:"max_entries"`
}

// Store holds one shard per (user, device). Shards never share entries and
// each has its own lock.
type Store struct {
	mu     sync.RWMutex
	cfg    Config
	shards map[string]*shard

	logger *log.Logger
	now    func() time.Time
}

type shard struct {
	mu      sync.Mutex
	entries map[string]*Entry
	bytes   int64
}

// New creates a Store.
func New(cfg Config) *Store {
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[cache] ", log.LstdFlags)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Store{
		cfg:    cfg,
		shards: make(map[string]*shard),
		logger: cfg.Logger,
		now:    cfg.Now,
	}
}

// StorageKey is the key a cached payload is stored under.
func StorageKey(userID, deviceID, key string) string {
	return fmt.Sprintf("cache:%s:%s:%s", userID, deviceID, key)
}

// IndexKey names the index of a (user, device) shard.
func IndexKey(userID, deviceID string) string {
	return fmt.Sprintf("cache_index:%s:%s", userID, deviceID)
}

// PutOption customizes a single Put.
type PutOption func(*Entry)

// WithTTL overrides the tier's default TTL. A zero ttl never expires.
func WithTTL(ttl time.Duration) PutOption {
	return func(e *Entry) {
		if ttl <= 0 {
			e.ExpiresAt = time.Time{}
			return
		}
		e.ExpiresAt = e.CreatedAt.Add(ttl)
	}
}

// WithDependencies makes the entry invalid once any of keys is deleted or
// evicted.
func WithDependencies(keys ...string) PutOption {
	return func(e *Entry) { e.DependsOn = append(e.DependsOn, keys...) }
}

// WithSubject tags the entry with a content subject.
func WithSubject(subject string) PutOption {
	return func(e *Entry) { e.Subject = subject }
}

// SetLimits replaces the byte and entry limits. Shards shrink on their next
// Put.
func (s *Store) SetLimits(maxBytes int64, maxEntries int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.MaxBytes = maxBytes
	s.cfg.MaxEntries = maxEntries
}

func (s *Store) config() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Put stores payload under key for (user, device), evicting lower-priority
// entries when limits would be exceeded.
func (s *Store) Put(userID, deviceID, key string, payload []byte, tier Tier, opts ...PutOption) error {
	cfg := s.config()
	now := s.now()

	e := &Entry{
		Key:        key,
		StorageKey: StorageKey(userID, deviceID, key),
		Tier:       tier,
		CreatedAt:  now,
		AccessedAt: now,
	}
	ttl := cfg.DefaultTTL
	if tier == TierCritical {
		ttl = cfg.CriticalTTL
	}
	if ttl > 0 {
		e.ExpiresAt = now.Add(ttl)
	}
	for _, opt := range opts {
		opt(e)
	}

	data := payload
	if cfg.Compression && cfg.CompressThreshold > 0 && len(payload) > cfg.CompressThreshold {
		compressed, err := compress(payload)
		if err != nil {
			return fmt.Errorf("failed to compress %s: %w", e.StorageKey, err)
		}
		if len(compressed) < len(payload) {
			data = compressed
			e.Compressed = true
		}
	}
	e.Payload = slices.Clone(data)
	e.Size = int64(len(e.Payload) + len(key))

	maxItem := cfg.MaxItemSize
	if maxItem <= 0 || (cfg.MaxBytes > 0 && maxItem > cfg.MaxBytes) {
		maxItem = cfg.MaxBytes
	}
	if maxItem > 0 && e.Size > maxItem {
		return fmt.Errorf("%s is %d bytes (limit %d): %w", e.StorageKey, e.Size, maxItem, ErrItemTooLarge)
	}

	sh := s.shard(userID, deviceID, true)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	old, replacing := sh.entries[key]
	if replacing {
		sh.bytes -= old.Size
		delete(sh.entries, key)
	}
	if err := s.makeRoom(sh, cfg, e.Size, now); err != nil {
		if replacing {
			sh.entries[key] = old
			sh.bytes += old.Size
		}
		return fmt.Errorf("%s: %w", e.StorageKey, err)
	}
	sh.entries[key] = e
	sh.bytes += e.Size
	return nil
}

// Get returns the payload for key. Expired entries are deleted and reported
// as absent.
func (s *Store) Get(userID, deviceID, key string) ([]byte, bool) {
	sh := s.shard(userID, deviceID, false)
	if sh == nil {
		return nil, false
	}
	now := s.now()

	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.entries[key]
	if !ok {
		return nil, false
	}
	if e.expired(now) {
		s.remove(sh, key)
		return nil, false
	}
	e.AccessCount++
	e.AccessedAt = now

	if !e.Compressed {
		return slices.Clone(e.Payload), true
	}
	out, err := decompress(e.Payload)
	if err != nil {
		s.logger.Printf("WARNING: dropping corrupt entry %s: %v", e.StorageKey, err)
		s.remove(sh, key)
		return nil, false
	}
	return out, true
}

// Delete removes key and every entry depending on it. It reports whether
// key was present.
func (s *Store) Delete(userID, deviceID, key string) bool {
	sh := s.shard(userID, deviceID, false)
	if sh == nil {
		return false
	}
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if _, ok := sh.entries[key]; !ok {
		return false
	}
	s.remove(sh, key)
	return true
}

// Clear drops every entry of (user, device). The shard is emptied in place
// so a concurrent Put lands in the live shard.
func (s *Store) Clear(userID, deviceID string) {
	sh := s.shard(userID, deviceID, false)
	if sh == nil {
		return
	}
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sh.entries = make(map[string]*Entry)
	sh.bytes = 0
}

// Status reports usage of (user, device).
func (s *Store) Status(userID, deviceID string) Status {
	cfg := s.config()
	st := Status{
		PerTier:    make(map[Tier]int),
		MaxBytes:   cfg.MaxBytes,
		MaxEntries: cfg.MaxEntries,
	}
	sh := s.shard(userID, deviceID, false)
	if sh == nil {
		return st
	}
	sh.mu.Lock()
	defer sh.mu.Unlock()
	st.Entries = len(sh.entries)
	st.BytesUsed = sh.bytes
	for _, e := range sh.entries {
		st.PerTier[e.Tier]++
	}
	return st
}

// Sweep deletes expired entries in every shard and returns how many were
// removed.
func (s *Store) Sweep(now time.Time) int {
	s.mu.RLock()
	shards := make([]*shard, 0, len(s.shards))
	for _, sh := range s.shards {
		shards = append(shards, sh)
	}
	s.mu.RUnlock()

	removed := 0
	for _, sh := range shards {
		sh.mu.Lock()
		for key, e := range sh.entries {
			if _, still := sh.entries[key]; still && e.expired(now) {
				removed += s.remove(sh, key)
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

func (s *Store) shard(userID, deviceID string, create bool) *shard {
	id := IndexKey(userID, deviceID)
	s.mu.RLock()
	sh, ok := s.shards[id]
	s.mu.RUnlock()
	if ok || !create {
		return sh
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if sh, ok = s.shards[id]; !ok {
		sh = &shard{entries: make(map[string]*Entry)}
		s.shards[id] = sh
	}
	return sh
}

// remove deletes key and, transitively, the entries that depend on it.
// It returns the number of entries removed. Caller holds sh.mu.
func (s *Store) remove(sh *shard, key string) int {
	e, ok := sh.entries[key]
	if !ok {
		return 0
	}
	delete(sh.entries, key)
	sh.bytes -= e.Size
	removed := 1

	var dependents []string
	for k, other := range sh.entries {
		if slices.Contains(other.DependsOn, key) {
			dependents = append(dependents, k)
		}
	}
	sort.Strings(dependents)
	for _, k := range dependents {
		removed += s.remove(sh, k)
	}
	return removed
}

// makeRoom evicts entries until size more bytes and one more entry fit.
// Expired entries go first, then non-critical entries by ascending score.
// A critical entry is evicted only when it is the last entry left.
// Caller holds sh.mu.
func (s *Store) makeRoom(sh *shard, cfg Config, size int64, now time.Time) error {
	fits := func() bool {
		if cfg.MaxBytes > 0 && sh.bytes+size > cfg.MaxBytes {
			return false
		}
		if cfg.MaxEntries > 0 && len(sh.entries)+1 > cfg.MaxEntries {
			return false
		}
		return true
	}
	if fits() {
		return nil
	}

	for key, e := range sh.entries {
		if _, still := sh.entries[key]; still && e.expired(now) {
			s.remove(sh, key)
		}
	}

	for !fits() {
		victim := s.victim(sh, cfg, now, false)
		if victim == nil {
			if len(sh.entries) != 1 {
				return ErrCacheFull
			}
			victim = s.victim(sh, cfg, now, true)
		}
		if victim == nil {
			return ErrCacheFull
		}
		s.logger.Printf("evicting %s (tier %s, score %.2f)", victim.StorageKey, victim.Tier, s.score(victim, cfg, now))
		s.remove(sh, victim.Key)
	}
	return nil
}

// victim returns the lowest-priority entry. Unless allowCritical is set it
// skips critical entries and entries a critical entry depends on, directly
// or through a chain.
func (s *Store) victim(sh *shard, cfg Config, now time.Time, allowCritical bool) *Entry {
	var protected map[string]bool
	if !allowCritical {
		protected = criticalAncestors(sh)
	}
	var best *Entry
	var bestScore float64
	for _, e := range sh.entries {
		if !allowCritical && (e.Tier == TierCritical || protected[e.Key]) {
			continue
		}
		sc := s.score(e, cfg, now)
		if best == nil || lowerPriority(e, sc, best, bestScore) {
			best, bestScore = e, sc
		}
	}
	return best
}

// criticalAncestors returns the keys that critical entries depend on,
// transitively. Removing any of them would cascade into a critical entry.
func criticalAncestors(sh *shard) map[string]bool {
	out := make(map[string]bool)
	var walk func(e *Entry)
	walk = func(e *Entry) {
		for _, dep := range e.DependsOn {
			if out[dep] {
				continue
			}
			out[dep] = true
			if parent, ok := sh.entries[dep]; ok {
				walk(parent)
			}
		}
	}
	for _, e := range sh.entries {
		if e.Tier == TierCritical {
			walk(e)
		}
	}
	return out
}

// lowerPriority orders eviction candidates: tier first, then score, then
// older access, then fewer accesses, then key.
func lowerPriority(a *Entry, as float64, b *Entry, bs float64) bool {
	if a.Tier.weight() != b.Tier.weight() {
		return a.Tier.weight() < b.Tier.weight()
	}
	if as != bs {
		return as < bs
	}
	if !a.AccessedAt.Equal(b.AccessedAt) {
		return a.AccessedAt.Before(b.AccessedAt)
	}
	if a.AccessCount != b.AccessCount {
		return a.AccessCount < b.AccessCount
	}
	return a.Key < b.Key
}

// score is the within-tier priority of an entry: recency and frequency
// raise it, staleness lowers it and preferred subjects boost it. The tier
// weight dominates any score difference.
func (s *Store) score(e *Entry, cfg Config, now time.Time) float64 {
	hoursIdle := now.Sub(e.AccessedAt).Hours()
	recency := 100 / (1 + hoursIdle)
	frequency := float64(min(e.AccessCount, 100)) / 2

	var staleness float64
	if !e.ExpiresAt.IsZero() {
		life := e.ExpiresAt.Sub(e.CreatedAt)
		if life > 0 {
			staleness = 50 * min(1, now.Sub(e.CreatedAt).Hours()/life.Hours())
		}
	}

	var preferred float64
	if e.Subject != "" && slices.Contains(cfg.PreferredSubjects, e.Subject) {
		preferred = 25
	}
	return float64(e.Tier.weight())*1000 + recency + frequency - staleness + preferred
}

func compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompress(data []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}
