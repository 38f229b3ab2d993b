package messaging

import (
	"context"
	"strconv"
	"sync"

	"golang.org/x/sync/singleflight"
)

// QueueCache remembers which queues and exchanges were declared on the current
// channel generation. Concurrent callers for the same key share one declare call;
// a failed declare is not remembered, so the next caller retries it. Entries of
// older generations are dropped as soon as a newer channel is seen.
type QueueCache struct {
	mu         sync.Mutex
	generation uint64
	declared   map[string]string
	group      singleflight.Group
}

// NewQueueCache creates an empty cache
func NewQueueCache() *QueueCache {
	return &QueueCache{
		declared: make(map[string]string),
	}
}

// EnsureQueue declares name on ch once per channel generation and returns the
// declared queue name. key identifies the declaration; it differs from name for
// server-named queues.
func (c *QueueCache) EnsureQueue(ctx context.Context, ch Channel, key, name string, options QueueOptions) (string, error) {
	return c.ensure(ch.Generation(), key, func() (string, error) {
		return ch.DeclareQueue(ctx, name, options)
	})
}

// EnsureExchange declares an exchange on ch once per channel generation
func (c *QueueCache) EnsureExchange(ctx context.Context, ch Channel, name string, options ExchangeOptions) error {
	_, err := c.ensure(ch.Generation(), exchangeKey(name), func() (string, error) {
		return name, ch.DeclareExchange(ctx, name, options)
	})
	return err
}

// Forget drops a single entry so the next caller declares it again
func (c *QueueCache) Forget(generation uint64, key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if generation == c.generation {
		delete(c.declared, key)
	}
}

// Invalidate drops every entry
func (c *QueueCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.declared = make(map[string]string)
}

// Len returns the number of remembered declarations
func (c *QueueCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.declared)
}

func (c *QueueCache) ensure(generation uint64, key string, declare func() (string, error)) (string, error) {
	if name, ok := c.lookup(generation, key); ok {
		return name, nil
	}

	v, err, _ := c.group.Do(strconv.FormatUint(generation, 10)+"/"+key, func() (interface{}, error) {
		// a flight for this key may have completed between lookup and Do
		if name, ok := c.lookup(generation, key); ok {
			return name, nil
		}
		name, err := declare()
		if err != nil {
			return "", err
		}
		c.store(generation, key, name)
		return name, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (c *QueueCache) lookup(generation uint64, key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.advance(generation)
	if generation != c.generation {
		return "", false
	}
	name, ok := c.declared[key]
	return name, ok
}

func (c *QueueCache) store(generation uint64, key, name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.advance(generation)
	if generation == c.generation {
		c.declared[key] = name
	}
}

// advance must be called with mu held
func (c *QueueCache) advance(generation uint64) {
	if generation > c.generation {
		c.generation = generation
		c.declared = make(map[string]string)
	}
}
