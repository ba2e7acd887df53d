// Package cache provides TTL'd presence caches keyed by DID (users) and
// AT-URI (posts). A hit means "this row existed in the graph database
// recently", which lets the resolver skip existence probes on the hot path.
package cache

import (
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// DefaultTTL is how long a presence entry stays valid. Rows are only ever
// deleted by explicit firehose ops, which also purge the cache, so a long
// TTL is safe.
const DefaultTTL = 24 * time.Hour

// Presence is a TTL'd boolean membership cache.
type Presence struct {
	c *gocache.Cache
}

// NewPresence creates a presence cache with the given TTL. A zero ttl uses
// DefaultTTL.
func NewPresence(ttl time.Duration) *Presence {
	if ttl == 0 {
		ttl = DefaultTTL
	}
	return &Presence{
		c: gocache.New(ttl, ttl/4),
	}
}

// Mark records that key exists.
func (p *Presence) Mark(key string) {
	p.c.SetDefault(key, struct{}{})
}

// Has reports whether key was marked within the TTL.
func (p *Presence) Has(key string) bool {
	_, ok := p.c.Get(key)
	return ok
}

// Purge forgets key. Called when the underlying row is deleted.
func (p *Presence) Purge(key string) {
	p.c.Delete(key)
}

// Len returns the number of live entries, for metrics.
func (p *Presence) Len() int {
	return p.c.ItemCount()
}
