package synth

import (
	"fmt"
	"strings"
	"sync"
)

// CacheEntry records an accepted synthesis result for reuse across
// calibration iterations.
type CacheEntry struct {
	Path     string
	Duration float64
	Voiced   bool
}

// ResultCache memoizes synthesis by normalized text and scale bucket. Safe
// for concurrent use; a lost lookup-then-store race only costs a redundant
// synthesis, which is idempotent.
type ResultCache struct {
	mu      sync.RWMutex
	entries map[string]CacheEntry
}

func NewResultCache() *ResultCache {
	return &ResultCache{entries: make(map[string]CacheEntry)}
}

// key buckets the scale to three decimals: attempts closer than that produce
// indistinguishable audio.
func (c *ResultCache) key(text string, scale float64) string {
	return fmt.Sprintf("%s|%.3f", strings.ToLower(strings.TrimSpace(text)), scale)
}

func (c *ResultCache) Get(text string, scale float64) (CacheEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[c.key(text, scale)]
	return e, ok
}

func (c *ResultCache) Put(text string, scale float64, entry CacheEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[c.key(text, scale)] = entry
}

func (c *ResultCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
