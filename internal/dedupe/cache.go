// ABOUTME: Thread-safe TTL cache of claimed idempotency keys
// ABOUTME: Lets the gateway reject a retry while the original request is still in flight

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

const (
	defaultTTL     = 2 * time.Minute
	defaultMaxSize = 10000
)

type claim struct {
	at   time.Time
	elem *list.Element
}

// Cache tracks keys that are currently claimed. A claim lapses after the TTL
// so a crashed request cannot block its key forever. When full, the oldest
// claim is dropped.
type Cache struct {
	mu      sync.Mutex
	claims  map[string]*claim
	order   *list.List // oldest claim at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// New creates a cache and starts its sweeper. Non-positive arguments use
// the package defaults.
func New(ttl time.Duration, maxSize int) *Cache {
	return newCache(ttl, maxSize, time.Now)
}

func newCache(ttl time.Duration, maxSize int, now func() time.Time) *Cache {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	if maxSize <= 0 {
		maxSize = defaultMaxSize
	}
	c := &Cache{
		claims:  make(map[string]*claim),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     now,
		done:    make(chan struct{}),
	}
	go c.sweep()
	return c
}

// Claim takes key if nobody holds it. It returns false when the key is
// already claimed and the claim has not lapsed.
func (c *Cache) Claim(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if cl, ok := c.claims[key]; ok {
		if now.Sub(cl.at) <= c.ttl {
			return false
		}
		c.order.Remove(cl.elem)
		delete(c.claims, key)
	}

	if len(c.claims) >= c.maxSize {
		c.dropOldest()
	}
	c.claims[key] = &claim{at: now, elem: c.order.PushBack(key)}
	return true
}

// Held reports whether key is currently claimed.
func (c *Cache) Held(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	cl, ok := c.claims[key]
	return ok && c.now().Sub(cl.at) <= c.ttl
}

// Release gives up a claim. Releasing an unclaimed key is a no-op.
func (c *Cache) Release(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cl, ok := c.claims[key]; ok {
		c.order.Remove(cl.elem)
		delete(c.claims, key)
	}
}

// Len returns the number of claims, lapsed or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.claims)
}

// Must be called with mu held.
func (c *Cache) dropOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}
	key, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.claims, key)
}

func (c *Cache) sweep() {
	ticker := time.NewTicker(c.ttl)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.expire()
		case <-c.done:
			return
		}
	}
}

// expire drops lapsed claims. Claims are ordered by age so it stops at the
// first live one.
func (c *Cache) expire() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for e := c.order.Front(); e != nil; {
		key, _ := e.Value.(string)
		cl := c.claims[key]
		if cl == nil || now.Sub(cl.at) <= c.ttl {
			return
		}
		next := e.Next()
		c.order.Remove(e)
		delete(c.claims, key)
		e = next
	}
}

// Close stops the sweeper. It is safe to call multiple times.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
