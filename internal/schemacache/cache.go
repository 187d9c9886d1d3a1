// Package schemacache memoizes the schema description that grounds every
// SQL generation prompt. Redis is an optional shared layer between the
// in-process memo and the database; its failures never fail a request.
package schemacache

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/sync/singleflight"

	"dataassistant/internal/redis"
)

const (
	redisKey               = "schema:description"
	redisInvalidateChannel = "schema:invalidate"
	defaultTTL             = 5 * time.Minute
)

// Describer renders the schema text.
type Describer interface {
	Describe(ctx context.Context) (string, error)
}

type entry struct {
	Description string    `msgpack:"description"`
	BuiltAt     time.Time `msgpack:"built_at"`
}

type invalidation struct {
	Origin string    `msgpack:"origin"`
	At     time.Time `msgpack:"at"`
}

// Cache serves Describe from memory, then Redis, then the source.
type Cache struct {
	source Describer
	client *redis.Client
	ttl    time.Duration
	id     string
	now    func() time.Time

	group singleflight.Group

	mu   sync.Mutex
	memo *entry
	// gen advances on every drop so a rebuild that raced an invalidation
	// is not memoized.
	gen uint64
}

// New builds a cache over source. client may be nil.
func New(source Describer, client *redis.Client, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Cache{
		source: source,
		client: client,
		ttl:    ttl,
		id:     uuid.NewString(),
		now:    time.Now,
	}
}

// Describe returns the cached description, rebuilding it when stale.
// Concurrent misses share one rebuild; the lock is not held across I/O.
func (c *Cache) Describe(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.memo != nil && c.now().Sub(c.memo.BuiltAt) < c.ttl {
		desc := c.memo.Description
		c.mu.Unlock()
		return desc, nil
	}
	gen := c.gen
	c.mu.Unlock()

	v, err, _ := c.group.Do(strconv.FormatUint(gen, 10), func() (any, error) {
		e, ok := c.loadShared(ctx)
		if !ok {
			desc, err := c.source.Describe(ctx)
			if err != nil {
				return nil, err
			}
			e = &entry{Description: desc, BuiltAt: c.now()}
			if c.current(gen) {
				c.storeShared(ctx, e)
			}
		}
		c.mu.Lock()
		if c.gen == gen {
			c.memo = e
		}
		c.mu.Unlock()
		return e.Description, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (c *Cache) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen == gen
}

// Invalidate drops both layers and tells other instances to drop theirs.
func (c *Cache) Invalidate(ctx context.Context) error {
	c.dropMemo()
	if c.client == nil {
		return nil
	}
	if err := c.client.Del(ctx, redisKey); err != nil {
		log.Warn().Err(err).Msg("schema cache delete failed")
	}
	payload, err := msgpack.Marshal(invalidation{Origin: c.id, At: c.now()})
	if err != nil {
		return err
	}
	if err := c.client.Publish(ctx, redisInvalidateChannel, payload); err != nil {
		log.Warn().Err(err).Msg("schema cache publish invalidation failed")
	}
	return nil
}

// Listen drops the memo whenever another instance invalidates. It returns
// once the subscription is established; delivery runs until ctx is done.
func (c *Cache) Listen(ctx context.Context) error {
	if c.client == nil {
		return nil
	}
	ch, err := c.client.Subscribe(ctx, redisInvalidateChannel)
	if err != nil {
		return err
	}
	go func() {
		for payload := range ch {
			var msg invalidation
			if err := msgpack.Unmarshal(payload, &msg); err != nil {
				log.Warn().Err(err).Msg("schema invalidation decode failed")
				continue
			}
			if msg.Origin == c.id {
				continue
			}
			log.Debug().Str("origin", msg.Origin).Msg("schema invalidated by peer")
			c.dropMemo()
		}
	}()
	return nil
}

func (c *Cache) dropMemo() {
	c.mu.Lock()
	c.memo = nil
	c.gen++
	c.mu.Unlock()
}

func (c *Cache) loadShared(ctx context.Context) (*entry, bool) {
	if c.client == nil {
		return nil, false
	}
	raw, err := c.client.GetBytes(ctx, redisKey)
	if err != nil {
		if !errors.Is(err, redis.ErrCacheMiss) {
			log.Warn().Err(err).Msg("schema cache load failed")
		}
		return nil, false
	}
	var e entry
	if err := msgpack.Unmarshal(raw, &e); err != nil {
		log.Warn().Err(err).Msg("schema cache decode failed")
		return nil, false
	}
	return &e, true
}

func (c *Cache) storeShared(ctx context.Context, e *entry) {
	if c.client == nil {
		return
	}
	data, err := msgpack.Marshal(e)
	if err != nil {
		log.Warn().Err(err).Msg("schema cache encode failed")
		return
	}
	if err := c.client.Set(ctx, redisKey, data, c.ttl); err != nil {
		log.Warn().Err(err).Msg("schema cache store failed")
	}
}
