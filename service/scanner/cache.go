package scanner

import (
	"sync"

	"github.com/brojonat/freshwallet/service/detector"
)

// Cache holds walk results for one scan, keyed by destination account.
// Entries are written once and returned verbatim.
type Cache struct {
	mu      sync.Mutex
	results map[string]*detector.Result
	hits    int
}

// NewCache returns an empty cache. Give every scan its own.
func NewCache() *Cache {
	return &Cache{results: make(map[string]*detector.Result)}
}

// Get returns the stored result for account and counts a hit when found.
func (c *Cache) Get(account string) (*detector.Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.results[account]
	if ok {
		c.hits++
	}
	return r, ok
}

// Put stores r unless account already has a result. It reports whether r was stored.
func (c *Cache) Put(account string, r *detector.Result) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.results[account]; exists {
		return false
	}
	c.results[account] = r
	return true
}

// Len returns the number of cached results.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.results)
}

// Hits returns how many lookups were served.
func (c *Cache) Hits() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits
}
