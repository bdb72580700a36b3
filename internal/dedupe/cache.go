// ABOUTME: Thread-safe TTL cache mapping retried sends to their original message id
// ABOUTME: Keyed by sender and client message id; evicts oldest entries when full

package dedupe

import (
	"container/list"
	"strconv"
	"sync"
	"time"
)

type cacheEntry struct {
	messageID int64
	timestamp time.Time
	element   *list.Element
}

// Cache maps send keys to the message id the relay assigned them. Entries
// expire after the TTL and the oldest is evicted once maxSize is reached.
type Cache struct {
	mu      sync.Mutex
	seen    map[string]*cacheEntry
	order   *list.List // keys, oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// New creates a cache. A background goroutine removes expired entries
// until Close.
func New(ttl time.Duration, maxSize int) *Cache {
	return newCache(ttl, maxSize, time.Now)
}

func newCache(ttl time.Duration, maxSize int, now func() time.Time) *Cache {
	c := &Cache{
		seen:    make(map[string]*cacheEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     now,
		done:    make(chan struct{}),
	}
	go c.cleanup()
	return c
}

// Key builds the cache key of a send.
func Key(roomID, userID int64, clientMsgID string) string {
	return strconv.FormatInt(roomID, 10) + ":" + strconv.FormatInt(userID, 10) + ":" + clientMsgID
}

// Lookup returns the message id recorded for key, if still live.
func (c *Cache) Lookup(key string) (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.seen[key]
	if !ok || c.now().Sub(entry.timestamp) >= c.ttl {
		return 0, false
	}
	return entry.messageID, true
}

// Remember records that key produced messageID. Re-remembering a key
// refreshes it.
func (c *Cache) Remember(key string, messageID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if entry, exists := c.seen[key]; exists {
		entry.messageID = messageID
		entry.timestamp = now
		c.order.MoveToBack(entry.element)
		return
	}

	if len(c.seen) >= c.maxSize {
		c.evictOldest()
	}
	c.seen[key] = &cacheEntry{
		messageID: messageID,
		timestamp: now,
		element:   c.order.PushBack(key),
	}
}

// Len returns the number of entries, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

// evictOldest must be called with mu held.
func (c *Cache) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}
	key, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.seen, key)
}

func (c *Cache) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.runCleanup()
		case <-c.done:
			return
		}
	}
}

func (c *Cache) runCleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for key, entry := range c.seen {
		if now.Sub(entry.timestamp) > c.ttl {
			c.order.Remove(entry.element)
			delete(c.seen, key)
		}
	}
}

// Close stops the background cleanup goroutine. It is safe to call multiple times.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
