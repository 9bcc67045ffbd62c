package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Versioned keeps a monotonically increasing version per scope in Redis. Entries are
// keyed by version, so bumping a scope invalidates everything cached under it.
// Without a Redis client versions are tracked in process and entries are not stored.
type Versioned struct {
	client *redis.Client
	prefix string
	ttl    time.Duration

	mu    sync.Mutex
	local map[string]int64
}

// NewVersioned builds a versioned cache under prefix.
func NewVersioned(client *redis.Client, prefix string, ttl time.Duration) *Versioned {
	return &Versioned{client: client, prefix: prefix, ttl: ttl, local: make(map[string]int64)}
}

// Version returns the current version of scope, initialising it when missing.
func (c *Versioned) Version(ctx context.Context, scope string) (int64, error) {
	if c.client == nil {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.local[scope] == 0 {
			c.local[scope] = 1
		}
		return c.local[scope], nil
	}
	key := c.versionKey(scope)
	ver, err := c.client.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		// SETNX so concurrent initialisers agree on the first version.
		if err := c.client.SetNX(ctx, key, 1, 0).Err(); err != nil {
			return 0, fmt.Errorf("platform/cache: init version: %w", err)
		}
		return c.client.Get(ctx, key).Int64()
	}
	if err != nil {
		return 0, fmt.Errorf("platform/cache: version: %w", err)
	}
	return ver, nil
}

// Bump increments the version of scope and publishes the new value.
func (c *Versioned) Bump(ctx context.Context, scope string) (int64, error) {
	if c.client == nil {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.local[scope] == 0 {
			c.local[scope] = 1
		}
		c.local[scope]++
		return c.local[scope], nil
	}
	ver, err := c.client.Incr(ctx, c.versionKey(scope)).Result()
	if err != nil {
		return 0, fmt.Errorf("platform/cache: bump: %w", err)
	}
	if err := c.client.Publish(ctx, c.channel(), scope+"="+strconv.FormatInt(ver, 10)).Err(); err != nil {
		return ver, fmt.Errorf("platform/cache: publish bump: %w", err)
	}
	return ver, nil
}

// Key composes an entry key for scope at version.
func (c *Versioned) Key(scope string, version int64, parts ...string) string {
	all := append([]string{c.prefix, scope, "v" + strconv.FormatInt(version, 10)}, parts...)
	return strings.Join(all, ":")
}

// FetchJSON loads a cached value or populates it using the loader.
func (c *Versioned) FetchJSON(ctx context.Context, key string, dest any, loader func(context.Context) (any, error)) error {
	if loader == nil {
		return errors.New("platform/cache: loader required")
	}
	if c.client != nil {
		payload, err := c.client.Get(ctx, key).Bytes()
		if err == nil {
			return json.Unmarshal(payload, dest)
		}
		if !errors.Is(err, redis.Nil) {
			return fmt.Errorf("platform/cache: get: %w", err)
		}
	}
	value, err := loader(ctx)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	if c.client != nil {
		if err := c.client.Set(ctx, key, raw, c.ttl).Err(); err != nil {
			return fmt.Errorf("platform/cache: set: %w", err)
		}
	}
	return json.Unmarshal(raw, dest)
}

// Subscribe delivers version bumps published by any instance until ctx ends.
func (c *Versioned) Subscribe(ctx context.Context, fn func(scope string, version int64)) error {
	if c.client == nil || fn == nil {
		return nil
	}
	pubsub := c.client.Subscribe(ctx, c.channel())
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("platform/cache: subscribe: %w", err)
	}
	go func() {
		defer func() { _ = pubsub.Close() }()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				scope, raw, found := strings.Cut(msg.Payload, "=")
				if !found {
					continue
				}
				if ver, err := strconv.ParseInt(raw, 10, 64); err == nil {
					fn(scope, ver)
				}
			}
		}
	}()
	return nil
}

func (c *Versioned) versionKey(scope string) string {
	return c.prefix + ":" + scope + ":version"
}

func (c *Versioned) channel() string {
	return c.prefix + ".bump"
}
