package proxy

import (
	"sync"
	"time"
)

type cacheEntry struct {
	doc     *upstreamDocument
	created time.Time
}

// pageCache holds recent upstream documents so that reopening a page, or a
// /fetch right after opening a tab, does not hit the origin again.
type pageCache struct {
	mu   sync.RWMutex
	now  func() time.Time
	ttl  time.Duration
	data map[string]cacheEntry
}

func newPageCache(ttl time.Duration, now func() time.Time) *pageCache {
	if now == nil {
		now = time.Now
	}
	return &pageCache{
		now:  now,
		ttl:  ttl,
		data: make(map[string]cacheEntry),
	}
}

func cacheKey(target, mode string) string {
	return mode + "|" + target
}

func (c *pageCache) Store(target, mode string, doc *upstreamDocument) {
	if c.ttl <= 0 || doc == nil || doc.Status >= 400 {
		return
	}
	key := cacheKey(target, mode)
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	for k, e := range c.data {
		if now.Sub(e.created) >= c.ttl {
			delete(c.data, k)
		}
	}
	c.data[key] = cacheEntry{doc: doc, created: now}
}

// Select returns a copy of a cached document younger than the TTL.
func (c *pageCache) Select(target, mode string) (*upstreamDocument, bool) {
	if c.ttl <= 0 {
		return nil, false
	}
	c.mu.RLock()
	entry, ok := c.data[cacheKey(target, mode)]
	c.mu.RUnlock()
	if !ok || c.now().Sub(entry.created) >= c.ttl {
		return nil, false
	}
	doc := *entry.doc
	doc.Header = cloneHeader(entry.doc.Header)
	doc.Body = append([]byte(nil), entry.doc.Body...)
	doc.SetCookies = nil
	return &doc, true
}
