package cache

import (
	"hash/fnv"
	"sort"
	"sync"
	"time"

	exchange "execution-core/pkg/exchanges/common"
)

const numShards = 16

// QuoteCache holds the latest top-of-book per (broker, symbol), sharded to
// keep scheduler, router and health-poll writers off each other's locks.
type QuoteCache struct {
	shards [numShards]*quoteShard
	now    func() time.Time
}

type quoteShard struct {
	mu    sync.RWMutex
	items map[string]quoteEntry
}

type quoteEntry struct {
	quote     exchange.Quote
	updatedAt time.Time
}

// NewQuoteCache creates a new sharded cache.
func NewQuoteCache() *QuoteCache {
	c := &QuoteCache{now: time.Now}
	for i := 0; i < numShards; i++ {
		c.shards[i] = &quoteShard{
			items: make(map[string]quoteEntry),
		}
	}
	return c
}

func key(brokerID, symbol string) string {
	return brokerID + "|" + symbol
}

func (c *QuoteCache) getShard(k string) *quoteShard {
	h := fnv.New32a()
	h.Write([]byte(k))
	return c.shards[h.Sum32()%numShards]
}

// Set stores the quote under its broker and symbol.
func (c *QuoteCache) Set(q exchange.Quote) {
	k := key(q.BrokerID, q.Symbol)
	shard := c.getShard(k)
	shard.mu.Lock()
	shard.items[k] = quoteEntry{quote: q, updatedAt: c.now()}
	shard.mu.Unlock()
}

// Get retrieves a quote and its age.
func (c *QuoteCache) Get(brokerID, symbol string) (exchange.Quote, time.Duration, bool) {
	k := key(brokerID, symbol)
	shard := c.getShard(k)
	shard.mu.RLock()
	entry, ok := shard.items[k]
	shard.mu.RUnlock()
	if !ok {
		return exchange.Quote{}, 0, false
	}
	return entry.quote, c.now().Sub(entry.updatedAt), true
}

// Fresh returns a quote only when it is younger than maxAge.
func (c *QuoteCache) Fresh(brokerID, symbol string, maxAge time.Duration) (exchange.Quote, bool) {
	q, age, ok := c.Get(brokerID, symbol)
	if !ok || age > maxAge {
		return exchange.Quote{}, false
	}
	return q, true
}

// Symbol returns every cached quote for a symbol ordered by broker id.
func (c *QuoteCache) Symbol(symbol string) []exchange.Quote {
	var out []exchange.Quote
	for _, shard := range c.shards {
		shard.mu.RLock()
		for _, entry := range shard.items {
			if entry.quote.Symbol == symbol {
				out = append(out, entry.quote)
			}
		}
		shard.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BrokerID < out[j].BrokerID })
	return out
}

// DeleteBroker drops all quotes of one broker, used when it is deregistered.
func (c *QuoteCache) DeleteBroker(brokerID string) int {
	removed := 0
	for _, shard := range c.shards {
		shard.mu.Lock()
		for k, entry := range shard.items {
			if entry.quote.BrokerID == brokerID {
				delete(shard.items, k)
				removed++
			}
		}
		shard.mu.Unlock()
	}
	return removed
}

// Len returns total items across all shards.
func (c *QuoteCache) Len() int {
	total := 0
	for _, shard := range c.shards {
		shard.mu.RLock()
		total += len(shard.items)
		shard.mu.RUnlock()
	}
	return total
}

// Cleanup removes entries older than maxAge.
func (c *QuoteCache) Cleanup(maxAge time.Duration) int {
	removed := 0
	cutoff := c.now().Add(-maxAge)

	for _, shard := range c.shards {
		shard.mu.Lock()
		for k, entry := range shard.items {
			if entry.updatedAt.Before(cutoff) {
				delete(shard.items, k)
				removed++
			}
		}
		shard.mu.Unlock()
	}
	return removed
}

// CacheStats provides cache statistics.
type CacheStats struct {
	TotalItems  int            `json:"total_items"`
	ShardCounts [numShards]int `json:"shard_counts"`
	OldestAge   time.Duration  `json:"oldest_age"`
}

// Stats returns cache statistics.
func (c *QuoteCache) Stats() CacheStats {
	stats := CacheStats{}
	var oldest time.Time

	for i, shard := range c.shards {
		shard.mu.RLock()
		stats.ShardCounts[i] = len(shard.items)
		stats.TotalItems += len(shard.items)
		for _, entry := range shard.items {
			if oldest.IsZero() || entry.updatedAt.Before(oldest) {
				oldest = entry.updatedAt
			}
		}
		shard.mu.RUnlock()
	}

	if !oldest.IsZero() {
		stats.OldestAge = c.now().Sub(oldest)
	}
	return stats
}
