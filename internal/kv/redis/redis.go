// Package redis stores kv containers in Redis. Each container is a hash holding
// the values plus a sorted set (all scores zero) giving byte-ordered keys.
package redis

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/JakeFAU/crawlfrontier/internal/kv"
)

// Config selects the key namespace.
type Config struct {
	Prefix string
	// OwnClient closes the client when the backend closes.
	OwnClient bool
}

// Backend maps containers onto Redis keys under a prefix.
type Backend struct {
	client redis.UniversalClient
	cfg    Config
}

// New wraps an existing client.
func New(client redis.UniversalClient, cfg Config) (*Backend, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "frontier"
	}
	return &Backend{client: client, cfg: cfg}, nil
}

func (b *Backend) keys(name string) (values, order string) {
	return fmt.Sprintf("%s:%s:v", b.cfg.Prefix, name), fmt.Sprintf("%s:%s:k", b.cfg.Prefix, name)
}

// Open implements kv.Backend. Containers are created lazily by Redis.
func (b *Backend) Open(_ context.Context, name string) (kv.Container, error) {
	if err := kv.ValidateName(name); err != nil {
		return nil, err
	}
	values, order := b.keys(name)
	return &Container{name: name, client: b.client, values: values, order: order}, nil
}

// Drop implements kv.Backend.
func (b *Backend) Drop(ctx context.Context, name string) error {
	if err := kv.ValidateName(name); err != nil {
		return err
	}
	values, order := b.keys(name)
	if err := b.client.Del(ctx, values, order).Err(); err != nil {
		return fmt.Errorf("drop container %q: %w", name, err)
	}
	return nil
}

// Close implements kv.Backend.
func (b *Backend) Close() error {
	if !b.cfg.OwnClient {
		return nil
	}
	if err := b.client.Close(); err != nil {
		return fmt.Errorf("close redis client: %w", err)
	}
	return nil
}

// Container is one Redis-backed table.
type Container struct {
	name   string
	client redis.UniversalClient
	values string
	order  string
}

// Name implements kv.Container.
func (c *Container) Name() string { return c.name }

// Put implements kv.Container.
func (c *Container) Put(ctx context.Context, key, value []byte) error {
	_, err := c.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, c.values, string(key), value)
		p.ZAdd(ctx, c.order, redis.Z{Score: 0, Member: string(key)})
		return nil
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", c.name, err)
	}
	return nil
}

// Get implements kv.Container.
func (c *Container) Get(ctx context.Context, key []byte) ([]byte, error) {
	v, err := c.client.HGet(ctx, c.values, string(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, kv.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", c.name, err)
	}
	return v, nil
}

// Has implements kv.Container.
func (c *Container) Has(ctx context.Context, key []byte) (bool, error) {
	ok, err := c.client.HExists(ctx, c.values, string(key)).Result()
	if err != nil {
		return false, fmt.Errorf("has %s: %w", c.name, err)
	}
	return ok, nil
}

// Delete implements kv.Container.
func (c *Container) Delete(ctx context.Context, key []byte) error {
	_, err := c.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HDel(ctx, c.values, string(key))
		p.ZRem(ctx, c.order, string(key))
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete %s: %w", c.name, err)
	}
	return nil
}

// Len implements kv.Container.
func (c *Container) Len(ctx context.Context) (int, error) {
	n, err := c.client.HLen(ctx, c.values).Result()
	if err != nil {
		return 0, fmt.Errorf("len %s: %w", c.name, err)
	}
	return int(n), nil
}

const scanBatch = 256

// ForEach implements kv.Container.
func (c *Container) ForEach(ctx context.Context, fn func(key, value []byte) error) error {
	members, err := c.client.ZRangeByLex(ctx, c.order, &redis.ZRangeBy{Min: "-", Max: "+"}).Result()
	if err != nil {
		return fmt.Errorf("iterate %s: %w", c.name, err)
	}
	for start := 0; start < len(members); start += scanBatch {
		end := min(start+scanBatch, len(members))
		batch := members[start:end]
		vals, err := c.client.HMGet(ctx, c.values, batch...).Result()
		if err != nil {
			return fmt.Errorf("iterate %s: %w", c.name, err)
		}
		for i, raw := range vals {
			if raw == nil {
				continue
			}
			s, ok := raw.(string)
			if !ok {
				return fmt.Errorf("iterate %s: unexpected value type %T", c.name, raw)
			}
			if err := fn([]byte(batch[i]), []byte(s)); err != nil {
				if errors.Is(err, kv.ErrStop) {
					return nil
				}
				return err
			}
		}
	}
	return nil
}

// Clear implements kv.Container.
func (c *Container) Clear(ctx context.Context) error {
	if err := c.client.Del(ctx, c.values, c.order).Err(); err != nil {
		return fmt.Errorf("clear %s: %w", c.name, err)
	}
	return nil
}

// Close implements kv.Container. The shared client stays open.
func (c *Container) Close() error { return nil }
