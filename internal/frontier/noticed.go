// Package frontier holds the queues of discovered but not yet fetched URLs.
package frontier

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/JakeFAU/crawlfrontier/internal/crawler"
	"github.com/JakeFAU/crawlfrontier/internal/kv"
)

// Kind names one of the frontier queues.
type Kind int

// Frontier queues, in cross-queue priority order.
const (
	Core Kind = iota
	Limit
	Overhang
	Remote
)

// Kinds lists every queue in priority order.
func Kinds() []Kind { return []Kind{Core, Limit, Overhang, Remote} }

func (k Kind) String() string {
	switch k {
	case Core:
		return "core"
	case Limit:
		return "limit"
	case Overhang:
		return "overhang"
	case Remote:
		return "remote"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParseKind maps a queue name back to its Kind.
func ParseKind(name string) (Kind, bool) {
	for _, k := range Kinds() {
		if k.String() == name {
			return k, true
		}
	}
	return 0, false
}

// Config controls queue naming and pop politeness.
type Config struct {
	// Prefix is prepended to each container name, "noticed" by default.
	Prefix string
	// Politeness applies to delayed pops; nil disables host delays.
	Politeness Politeness
}

// NoticedURL is the set of four frontier queues. A URL hash is held by at
// most one of them at a time.
type NoticedURL struct {
	stacks     [4]*Stack
	politeness Politeness
	mu         sync.Mutex
}

// Open opens (or creates) the four queue containers.
func Open(ctx context.Context, backend kv.Backend, cfg Config) (*NoticedURL, error) {
	if cfg.Prefix == "" {
		cfg.Prefix = "noticed"
	}
	n := &NoticedURL{politeness: cfg.Politeness}
	for _, k := range Kinds() {
		name := cfg.Prefix + "." + k.String()
		c, err := backend.Open(ctx, name)
		if err != nil {
			_ = n.Close()
			return nil, fmt.Errorf("open queue %s: %w", name, err)
		}
		s, err := OpenStack(ctx, c)
		if err != nil {
			_ = c.Close()
			_ = n.Close()
			return nil, err
		}
		n.stacks[k] = s
	}
	return n, nil
}

func (n *NoticedURL) stack(k Kind) (*Stack, error) {
	if k < Core || k > Remote {
		return nil, fmt.Errorf("unknown queue %v", k)
	}
	return n.stacks[k], nil
}

// Push appends entry to queue k unless its hash is already queued anywhere.
func (n *NoticedURL) Push(ctx context.Context, k Kind, entry *crawler.Entry) error {
	s, err := n.stack(k)
	if err != nil {
		return err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if where, ok := n.existsLocked(entry.Hash); ok {
		return fmt.Errorf("%w: %s in %s", ErrAlreadyQueued, entry.Hash, where)
	}
	return s.Push(ctx, entry)
}

// Pop removes the next entry from queue k. A delayed pop honours the
// per-host politeness policy and may block until a host becomes ready.
func (n *NoticedURL) Pop(ctx context.Context, k Kind, delayed bool) (*crawler.Entry, error) {
	s, err := n.stack(k)
	if err != nil {
		return nil, err
	}
	var p Politeness
	if delayed {
		p = n.politeness
	}
	return s.Pop(ctx, p)
}

// Size returns the number of entries in queue k.
func (n *NoticedURL) Size(k Kind) int {
	s, err := n.stack(k)
	if err != nil {
		return 0
	}
	return s.Size()
}

// Shift moves the oldest entry of from into to. When the push into to fails
// the entry goes back to the tail of from.
func (n *NoticedURL) Shift(ctx context.Context, from, to Kind) error {
	src, err := n.stack(from)
	if err != nil {
		return err
	}
	dst, err := n.stack(to)
	if err != nil {
		return err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	entry, err := src.Pop(ctx, nil)
	if err != nil {
		return err
	}
	if err := dst.Push(ctx, entry); err != nil {
		// Requeue at the tail of the source so the entry stays accounted for.
		if back := src.Push(ctx, entry); back != nil {
			return errors.Join(err, fmt.Errorf("requeue %s: %w", entry.URL, back))
		}
		return err
	}
	return nil
}

// MoveN shifts up to count entries and returns how many moved. Corrupt
// records met on the way are dropped and do not count.
func (n *NoticedURL) MoveN(ctx context.Context, count int, from, to Kind) (int, error) {
	moved := 0
	for range count {
		err := n.Shift(ctx, from, to)
		switch {
		case err == nil:
			moved++
		case errors.Is(err, ErrEmpty):
			return moved, nil
		case errors.Is(err, ErrCorruptRecord):
			continue
		default:
			return moved, err
		}
	}
	return moved, nil
}

// ExistsInStack returns the queue holding hash.
func (n *NoticedURL) ExistsInStack(hash string) (Kind, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.existsLocked(hash)
}

func (n *NoticedURL) existsLocked(hash string) (Kind, bool) {
	for _, k := range Kinds() {
		if n.stacks[k].Has(hash) {
			return k, true
		}
	}
	return 0, false
}

// Get returns the queued entry for hash from whichever queue holds it.
func (n *NoticedURL) Get(ctx context.Context, hash string) (*crawler.Entry, error) {
	for _, k := range Kinds() {
		entry, err := n.stacks[k].Get(ctx, hash)
		if errors.Is(err, kv.ErrNotFound) {
			continue
		}
		return entry, err
	}
	return nil, kv.ErrNotFound
}

// RemoveByURLHash deletes hash from every queue and returns how many held it.
func (n *NoticedURL) RemoveByURLHash(ctx context.Context, hash string) (int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	removed := 0
	var errs []error
	for _, k := range Kinds() {
		ok, err := n.stacks[k].Remove(ctx, hash)
		if err != nil {
			errs = append(errs, err)
		}
		if ok {
			removed++
		}
	}
	return removed, errors.Join(errs...)
}

// Entries lists up to limit entries of queue k in pop order.
func (n *NoticedURL) Entries(ctx context.Context, k Kind, limit int) ([]*crawler.Entry, error) {
	s, err := n.stack(k)
	if err != nil {
		return nil, err
	}
	return s.Entries(ctx, limit)
}

// Clear empties queue k.
func (n *NoticedURL) Clear(ctx context.Context, k Kind) error {
	s, err := n.stack(k)
	if err != nil {
		return err
	}
	return s.Clear(ctx)
}

// Close closes every queue container.
func (n *NoticedURL) Close() error {
	var errs []error
	for _, s := range n.stacks {
		if s == nil {
			continue
		}
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
