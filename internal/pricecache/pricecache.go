// Package pricecache implements the Price Cache (spec.md §4.9): a short
// TTL midpoint-price cache serving HTTP read-paths (position valuation,
// dashboards) without hammering the CLOB price endpoint on every request.
// Grounded on the cache-with-expiry idiom in
// web3guy0-polybot/internal/markets/manager.go.
package pricecache

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

type entry struct {
	price     decimal.Decimal
	expiresAt time.Time
}

// Cache is a TTL-expiring map from asset id to last-known price.
type Cache struct {
	mu  sync.RWMutex
	ttl time.Duration
	m   map[string]entry
}

// New constructs a Cache with the given entry TTL.
func New(ttl time.Duration) *Cache {
	return &Cache{ttl: ttl, m: make(map[string]entry)}
}

// Get returns the cached price for assetID if it hasn't expired.
func (c *Cache) Get(assetID string) (decimal.Decimal, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.m[assetID]
	if !ok || time.Now().After(e.expiresAt) {
		return decimal.Zero, false
	}
	return e.price, true
}

// Set stores a fresh price for assetID.
func (c *Cache) Set(assetID string, price decimal.Decimal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[assetID] = entry{price: price, expiresAt: time.Now().Add(c.ttl)}
}
