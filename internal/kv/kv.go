// Package kv defines the durable key/value contract the frontier queues and
// outcome stores are persisted through. Each named container is independent;
// keys are opaque bytes and iteration is always in ascending byte order.
package kv

import (
	"context"
	"errors"
	"fmt"
	"regexp"
)

// ErrNotFound is returned by Get when the key is absent.
var ErrNotFound = errors.New("kv: key not found")

// ErrClosed is returned by operations on a closed container or backend.
var ErrClosed = errors.New("kv: closed")

var validName = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*$`)

// Container is one named durable key/value table.
type Container interface {
	Name() string
	Put(ctx context.Context, key, value []byte) error
	Get(ctx context.Context, key []byte) ([]byte, error)
	Has(ctx context.Context, key []byte) (bool, error)
	Delete(ctx context.Context, key []byte) error
	Len(ctx context.Context) (int, error)
	// ForEach visits entries in ascending key order until fn returns an error.
	ForEach(ctx context.Context, fn func(key, value []byte) error) error
	Clear(ctx context.Context) error
	Close() error
}

// Backend opens and drops named containers.
type Backend interface {
	Open(ctx context.Context, name string) (Container, error)
	// Drop deletes a container and all of its data.
	Drop(ctx context.Context, name string) error
	Close() error
}

// ValidateName rejects container names that are unsafe as file names or keys.
func ValidateName(name string) error {
	if !validName.MatchString(name) {
		return fmt.Errorf("invalid container name %q", name)
	}
	return nil
}

// ErrStop may be returned from a ForEach callback to end iteration early
// without reporting an error.
var ErrStop = errors.New("kv: stop iteration")
