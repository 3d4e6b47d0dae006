// Package tokencache provides a per-credential single-flight cache of
// short-lived upstream access tokens.
package tokencache

import (
	"sync"
	"time"
)

// Refresher fetches a fresh access token and its lifetime for key.
type Refresher func(key string) (accessToken string, expiresIn time.Duration, err error)

type entry struct {
	mu          sync.Mutex
	accessToken string
	expiresAt   time.Time
	valid       bool
}

// Cache holds one entry (and its own mutex) per credential key, following
// the "map of per-key mutexes + one outer mutex" single-flight shape.
type Cache struct {
	refresh       Refresher
	refreshMargin time.Duration

	mu      sync.Mutex
	entries map[string]*entry
}

// New builds a Cache that calls refresh on miss. refreshMargin is the
// window before expiry at which a cached token is treated as stale
// (default 60s when zero is passed).
func New(refresh Refresher, refreshMargin time.Duration) *Cache {
	if refreshMargin <= 0 {
		refreshMargin = 60 * time.Second
	}
	return &Cache{
		refresh:       refresh,
		refreshMargin: refreshMargin,
		entries:       make(map[string]*entry),
	}
}

func (c *Cache) entryFor(key string) *entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		e = &entry{}
		c.entries[key] = e
	}
	return e
}

// Get returns a valid access token for key, refreshing exactly once among
// concurrent callers if the cached value is absent or within the refresh
// margin of expiry.
func (c *Cache) Get(key string, now time.Time) (string, error) {
	e := c.entryFor(key)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.valid && now.Before(e.expiresAt.Add(-c.refreshMargin)) {
		return e.accessToken, nil
	}

	token, expiresIn, err := c.refresh(key)
	if err != nil {
		return "", err
	}
	e.accessToken = token
	e.expiresAt = now.Add(expiresIn)
	e.valid = true
	return token, nil
}

// Invalidate clears the cached token for key, called on any 400/401/403
// from the upstream app-API.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	e, ok := c.entries[key]
	c.mu.Unlock()
	if !ok {
		return
	}
	e.mu.Lock()
	e.valid = false
	e.mu.Unlock()
}
