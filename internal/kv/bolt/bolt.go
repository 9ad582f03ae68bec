// Package bolt persists kv containers as bbolt files, one file per container,
// under a crawl-state directory.
package bolt

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	bbolt "go.etcd.io/bbolt"

	"github.com/JakeFAU/crawlfrontier/internal/kv"
)

var bucketName = []byte("entries")

// Config controls where container files live.
type Config struct {
	Dir         string
	OpenTimeout time.Duration
}

// Backend opens one bbolt database per container name.
type Backend struct {
	cfg  Config
	mu   sync.Mutex
	open map[string]*Container
}

// New creates the state directory if needed.
func New(cfg Config) (*Backend, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("state directory is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 2 * time.Second
	}
	return &Backend{cfg: cfg, open: make(map[string]*Container)}, nil
}

func (b *Backend) path(name string) string {
	return filepath.Join(b.cfg.Dir, name+".db")
}

// Open implements kv.Backend.
func (b *Backend) Open(_ context.Context, name string) (kv.Container, error) {
	if err := kv.ValidateName(name); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.open[name]; ok {
		return c, nil
	}
	db, err := bbolt.Open(b.path(name), 0o600, &bbolt.Options{Timeout: b.cfg.OpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("open container %q: %w", name, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, cerr := tx.CreateBucketIfNotExists(bucketName)
		return cerr
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create bucket in %q: %w", name, err)
	}
	c := &Container{name: name, db: db, backend: b}
	b.open[name] = c
	return c, nil
}

// Drop closes the container if it is open and removes its file.
func (b *Backend) Drop(_ context.Context, name string) error {
	if err := kv.ValidateName(name); err != nil {
		return err
	}
	b.mu.Lock()
	c, ok := b.open[name]
	delete(b.open, name)
	b.mu.Unlock()
	if ok {
		if err := c.db.Close(); err != nil {
			return fmt.Errorf("close container %q: %w", name, err)
		}
	}
	if err := os.Remove(b.path(name)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove container %q: %w", name, err)
	}
	return nil
}

// Close closes every container still open.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var errs []error
	for name, c := range b.open {
		if err := c.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close container %q: %w", name, err))
		}
		delete(b.open, name)
	}
	return errors.Join(errs...)
}

func (b *Backend) forget(c *Container) {
	b.mu.Lock()
	if b.open[c.name] == c {
		delete(b.open, c.name)
	}
	b.mu.Unlock()
}

// Container is one bbolt file.
type Container struct {
	name    string
	db      *bbolt.DB
	backend *Backend
}

// Name implements kv.Container.
func (c *Container) Name() string { return c.name }

// Put implements kv.Container.
func (c *Container) Put(_ context.Context, key, value []byte) error {
	err := c.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketName).Put(key, value)
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", c.name, mapErr(err))
	}
	return nil
}

// Get implements kv.Container.
func (c *Container) Get(_ context.Context, key []byte) ([]byte, error) {
	var out []byte
	err := c.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketName).Get(key)
		if v == nil {
			return kv.ErrNotFound
		}
		out = bytes.Clone(v)
		return nil
	})
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("get %s: %w", c.name, mapErr(err))
	}
	return out, nil
}

// Has implements kv.Container.
func (c *Container) Has(ctx context.Context, key []byte) (bool, error) {
	_, err := c.Get(ctx, key)
	if errors.Is(err, kv.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Delete implements kv.Container.
func (c *Container) Delete(_ context.Context, key []byte) error {
	err := c.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketName).Delete(key)
	})
	if err != nil {
		return fmt.Errorf("delete %s: %w", c.name, mapErr(err))
	}
	return nil
}

// Len implements kv.Container.
func (c *Container) Len(_ context.Context) (int, error) {
	var n int
	err := c.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket(bucketName).Stats().KeyN
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("len %s: %w", c.name, mapErr(err))
	}
	return n, nil
}

// ForEach implements kv.Container. Entries are copied out of the read
// transaction before fn runs so fn may write to the container.
func (c *Container) ForEach(ctx context.Context, fn func(key, value []byte) error) error {
	type pair struct{ k, v []byte }
	var pairs []pair
	err := c.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketName).ForEach(func(k, v []byte) error {
			pairs = append(pairs, pair{bytes.Clone(k), bytes.Clone(v)})
			return nil
		})
	})
	if err != nil {
		return fmt.Errorf("iterate %s: %w", c.name, mapErr(err))
	}
	for _, p := range pairs {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("iterate %s: %w", c.name, err)
		}
		if err := fn(p.k, p.v); err != nil {
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
	err := c.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket(bucketName); err != nil {
			return err
		}
		_, err := tx.CreateBucket(bucketName)
		return err
	})
	if err != nil {
		return fmt.Errorf("clear %s: %w", c.name, mapErr(err))
	}
	return nil
}

// Close implements kv.Container.
func (c *Container) Close() error {
	c.backend.forget(c)
	if err := c.db.Close(); err != nil {
		return fmt.Errorf("close %s: %w", c.name, err)
	}
	return nil
}

func mapErr(err error) error {
	if errors.Is(err, bbolt.ErrDatabaseNotOpen) {
		return kv.ErrClosed
	}
	return err
}
