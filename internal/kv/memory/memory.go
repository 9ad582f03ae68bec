// Package memory implements an in-process kv backend for tests and ephemeral runs.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/JakeFAU/crawlfrontier/internal/kv"
)

// Backend keeps every container in memory. Data survives Close/Open of a
// container for the lifetime of the Backend, which mirrors a persistent store.
type Backend struct {
	mu     sync.Mutex
	tables map[string]*table
	closed bool
}

type table struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// New returns an empty memory backend.
func New() *Backend {
	return &Backend{tables: make(map[string]*table)}
}

// Open implements kv.Backend.
func (b *Backend) Open(_ context.Context, name string) (kv.Container, error) {
	if err := kv.ValidateName(name); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, kv.ErrClosed
	}
	t, ok := b.tables[name]
	if !ok {
		t = &table{data: make(map[string][]byte)}
		b.tables[name] = t
	}
	return &Container{name: name, t: t}, nil
}

// Drop implements kv.Backend.
func (b *Backend) Drop(_ context.Context, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.tables[name]; ok {
		t.mu.Lock()
		t.data = make(map[string][]byte)
		t.mu.Unlock()
		delete(b.tables, name)
	}
	return nil
}

// Close implements kv.Backend.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// Container is a handle on one in-memory table.
type Container struct {
	name   string
	t      *table
	mu     sync.RWMutex
	closed bool
}

// Name implements kv.Container.
func (c *Container) Name() string { return c.name }

func (c *Container) check() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return fmt.Errorf("container %s: %w", c.name, kv.ErrClosed)
	}
	return nil
}

// Put implements kv.Container.
func (c *Container) Put(_ context.Context, key, value []byte) error {
	if err := c.check(); err != nil {
		return err
	}
	c.t.mu.Lock()
	defer c.t.mu.Unlock()
	c.t.data[string(key)] = append([]byte(nil), value...)
	return nil
}

// Get implements kv.Container.
func (c *Container) Get(_ context.Context, key []byte) ([]byte, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	c.t.mu.RLock()
	defer c.t.mu.RUnlock()
	v, ok := c.t.data[string(key)]
	if !ok {
		return nil, kv.ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

// Has implements kv.Container.
func (c *Container) Has(_ context.Context, key []byte) (bool, error) {
	if err := c.check(); err != nil {
		return false, err
	}
	c.t.mu.RLock()
	defer c.t.mu.RUnlock()
	_, ok := c.t.data[string(key)]
	return ok, nil
}

// Delete implements kv.Container.
func (c *Container) Delete(_ context.Context, key []byte) error {
	if err := c.check(); err != nil {
		return err
	}
	c.t.mu.Lock()
	defer c.t.mu.Unlock()
	delete(c.t.data, string(key))
	return nil
}

// Len implements kv.Container.
func (c *Container) Len(_ context.Context) (int, error) {
	if err := c.check(); err != nil {
		return 0, err
	}
	c.t.mu.RLock()
	defer c.t.mu.RUnlock()
	return len(c.t.data), nil
}

// ForEach implements kv.Container. It iterates over a snapshot so fn may
// mutate the container.
func (c *Container) ForEach(ctx context.Context, fn func(key, value []byte) error) error {
	if err := c.check(); err != nil {
		return err
	}
	c.t.mu.RLock()
	keys := make([]string, 0, len(c.t.data))
	values := make(map[string][]byte, len(c.t.data))
	for k, v := range c.t.data {
		keys = append(keys, k)
		values[k] = append([]byte(nil), v...)
	}
	c.t.mu.RUnlock()
	sort.Strings(keys)
	for _, k := range keys {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("iterate %s: %w", c.name, err)
		}
		if err := fn([]byte(k), values[k]); err != nil {
			if errors.Is(err, kv.ErrStop) {
				return nil
			}
			return err
		}
	}
	return nil
}

// Clear implements kv.Container.
func (c *Container) Clear(_ context.Context) error {
	if err := c.check(); err != nil {
		return err
	}
	c.t.mu.Lock()
	defer c.t.mu.Unlock()
	c.t.data = make(map[string][]byte)
	return nil
}

// Close implements kv.Container.
func (c *Container) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}
