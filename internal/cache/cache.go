// Package cache holds short-lived RPC responses keyed by request fingerprint
// and coalesces concurrent identical requests.
package cache

import (
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/jellydator/ttlcache/v3"
)

const shardCount = 16

// Entry is one cached response. It is visible only while now < CachedAt+TTL.
type Entry struct {
	Fingerprint string
	Payload     json.RawMessage
	CachedAt    time.Time
	TTL         time.Duration
}

// VisibleAt reports whether the entry may be served at now.
func (entry Entry) VisibleAt(now time.Time) bool {
	return now.Before(entry.CachedAt.Add(entry.TTL))
}

// Stats are cumulative lookup counters.
type Stats struct {
	Hits   uint64
	Misses uint64
	Size   int
}

// Cache is a sharded TTL cache. Each shard synchronizes itself, so contention
// only arises between fingerprints hashing to the same shard.
type Cache struct {
	shards [shardCount]*ttlcache.Cache[string, Entry]
	clock  func() time.Time

	hits   atomic.Uint64
	misses atomic.Uint64
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock overrides the time source used for visibility checks.
func WithClock(clock func() time.Time) Option {
	return func(responseCache *Cache) {
		responseCache.clock = clock
	}
}

// New creates a cache bounded to roughly capacity entries and starts background expiry.
func New(capacity uint64, options ...Option) *Cache {
	responseCache := &Cache{clock: time.Now}
	for _, option := range options {
		option(responseCache)
	}

	perShard := capacity / shardCount
	if perShard == 0 {
		perShard = 1
	}
	for index := range responseCache.shards {
		shard := ttlcache.New[string, Entry](
			ttlcache.WithCapacity[string, Entry](perShard),
			ttlcache.WithDisableTouchOnHit[string, Entry](),
		)
		responseCache.shards[index] = shard
		go shard.Start()
	}
	return responseCache
}

func (responseCache *Cache) shard(fingerprint string) *ttlcache.Cache[string, Entry] {
	return responseCache.shards[xxhash.Sum64String(fingerprint)%shardCount]
}

// Get returns the payload cached for fingerprint if it is still visible.
func (responseCache *Cache) Get(fingerprint string) (json.RawMessage, bool) {
	item := responseCache.shard(fingerprint).Get(fingerprint)
	if item == nil || !item.Value().VisibleAt(responseCache.clock()) {
		responseCache.misses.Add(1)
		return nil, false
	}
	responseCache.hits.Add(1)
	return item.Value().Payload, true
}

// Peek is Get without touching the hit and miss counters.
func (responseCache *Cache) Peek(fingerprint string) (json.RawMessage, bool) {
	item := responseCache.shard(fingerprint).Get(fingerprint)
	if item == nil || !item.Value().VisibleAt(responseCache.clock()) {
		return nil, false
	}
	return item.Value().Payload, true
}

// Put stores payload for ttl, replacing any previous entry whole. A non-positive ttl stores nothing.
func (responseCache *Cache) Put(fingerprint string, payload json.RawMessage, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	entry := Entry{
		Fingerprint: fingerprint,
		Payload:     append(json.RawMessage(nil), payload...),
		CachedAt:    responseCache.clock(),
		TTL:         ttl,
	}
	responseCache.shard(fingerprint).Set(fingerprint, entry, ttl)
}

// Delete removes the entry for fingerprint.
func (responseCache *Cache) Delete(fingerprint string) {
	responseCache.shard(fingerprint).Delete(fingerprint)
}

// Len reports the number of physically stored entries, expired ones included until swept.
func (responseCache *Cache) Len() int {
	total := 0
	for _, shard := range responseCache.shards {
		total += shard.Len()
	}
	return total
}

// Stats reports hit and miss counters.
func (responseCache *Cache) Stats() Stats {
	return Stats{
		Hits:   responseCache.hits.Load(),
		Misses: responseCache.misses.Load(),
		Size:   responseCache.Len(),
	}
}

// Close stops background expiry.
func (responseCache *Cache) Close() {
	for _, shard := range responseCache.shards {
		shard.Stop()
	}
}
