package frontier

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/crawlfrontier/internal/crawler"
	"github.com/JakeFAU/crawlfrontier/internal/kv"
	"github.com/JakeFAU/crawlfrontier/internal/metrics"
)

// Stack is one durable FIFO queue of crawl entries. Records are keyed by a
// monotonically increasing millisecond handle so key order is push order; an
// in-memory index maps URL hashes to handles.
type Stack struct {
	name string
	c    kv.Container
	now  func() time.Time

	mu     sync.Mutex
	order  []*slot
	byHash map[string]*slot
	last   int64
}

type slot struct {
	key     []byte
	hash    string
	host    string
	corrupt error
}

func handleKey(h int64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(h))
	return b[:]
}

// OpenStack opens the container and rebuilds the hash index from its records.
// Records that cannot be decoded stay in the queue and surface as
// *CorruptRecordError when popped.
func OpenStack(ctx context.Context, c kv.Container) (*Stack, error) {
	s := &Stack{
		name:   c.Name(),
		c:      c,
		now:    time.Now,
		byHash: make(map[string]*slot),
	}
	err := c.ForEach(ctx, func(key, value []byte) error {
		sl := &slot{key: append([]byte(nil), key...)}
		if len(key) != 8 {
			sl.corrupt = fmt.Errorf("bad handle length %d", len(key))
			s.order = append(s.order, sl)
			return nil
		}
		if h := int64(binary.BigEndian.Uint64(key)); h > s.last {
			s.last = h
		}
		entry, derr := decodeEntry(value)
		if derr != nil {
			sl.corrupt = derr
		} else {
			sl.hash = entry.Hash
			sl.host = entry.Host()
			s.byHash[entry.Hash] = sl
		}
		s.order = append(s.order, sl)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load queue %s: %w", s.name, err)
	}
	return s, nil
}

func decodeEntry(value []byte) (*crawler.Entry, error) {
	var e crawler.Entry
	if err := json.Unmarshal(value, &e); err != nil {
		return nil, fmt.Errorf("decode entry: %w", err)
	}
	if e.Hash == "" {
		return nil, errors.New("entry hash is empty")
	}
	if e.URL == "" {
		return nil, errors.New("entry url is empty")
	}
	return &e, nil
}

// Name returns the container name.
func (s *Stack) Name() string { return s.name }

// Size returns the number of queued records, corrupt ones included.
func (s *Stack) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}

// Has reports whether hash is queued here.
func (s *Stack) Has(hash string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.byHash[hash]
	return ok
}

// Push appends entry. Pushing a hash that is already queued is a no-op.
func (s *Stack) Push(ctx context.Context, entry *crawler.Entry) error {
	if entry == nil || entry.Hash == "" {
		return errors.New("push: entry without hash")
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode entry: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byHash[entry.Hash]; ok {
		return nil
	}
	handle := max(s.now().UnixMilli(), s.last+1)
	if err := s.c.Put(ctx, handleKey(handle), data); err != nil {
		return fmt.Errorf("push to %s: %w", s.name, err)
	}
	s.last = handle
	sl := &slot{key: handleKey(handle), hash: entry.Hash, host: entry.Host()}
	s.order = append(s.order, sl)
	s.byHash[entry.Hash] = sl
	return nil
}

// Pop removes and returns the oldest entry. With a politeness policy it takes
// the oldest entry whose host is ready, waiting for the head's host when no
// host is ready.
func (s *Stack) Pop(ctx context.Context, politeness Politeness) (*crawler.Entry, error) {
	var waited time.Duration
	for {
		s.mu.Lock()
		if len(s.order) == 0 {
			s.mu.Unlock()
			return nil, ErrEmpty
		}
		idx, wait := s.pick(politeness)
		if wait > 0 {
			s.mu.Unlock()
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, fmt.Errorf("pop %s: %w", s.name, ctx.Err())
			case <-timer.C:
			}
			waited += wait
			continue
		}
		sl := s.order[idx]
		entry, err := s.take(ctx, sl)
		if err == nil || errors.Is(err, ErrCorruptRecord) {
			s.removeAt(idx)
		}
		s.mu.Unlock()
		if err != nil {
			return nil, err
		}
		if politeness != nil {
			politeness.Visited(sl.host)
		}
		if waited > 0 {
			metrics.ObserveHostDelay(waited)
		}
		return entry, nil
	}
}

// pick chooses the slot to pop; callers hold s.mu.
func (s *Stack) pick(politeness Politeness) (int, time.Duration) {
	if politeness == nil {
		return 0, 0
	}
	for i, sl := range s.order {
		if sl.corrupt != nil || politeness.Delay(sl.host) == 0 {
			return i, 0
		}
	}
	return 0, politeness.Delay(s.order[0].host)
}

func (s *Stack) removeAt(i int) {
	sl := s.order[i]
	copy(s.order[i:], s.order[i+1:])
	s.order[len(s.order)-1] = nil
	s.order = s.order[:len(s.order)-1]
	if sl.hash != "" && s.byHash[sl.hash] == sl {
		delete(s.byHash, sl.hash)
	}
}

// take reads and deletes the record behind sl; callers hold s.mu. A read or
// delete failure leaves the record in storage and returns a plain error, so
// the caller keeps the slot queued. Unreadable records are deleted and
// reported as *CorruptRecordError.
func (s *Stack) take(ctx context.Context, sl *slot) (*crawler.Entry, error) {
	key := sl.key
	var entry *crawler.Entry
	bad := sl.corrupt
	if bad == nil {
		value, err := s.c.Get(ctx, key)
		switch {
		case errors.Is(err, kv.ErrNotFound):
			bad = err
		case err != nil:
			return nil, fmt.Errorf("pop %s: %w", s.name, err)
		default:
			entry, bad = decodeEntry(value)
			if bad == nil && entry.Hash != sl.hash {
				bad = fmt.Errorf("hash mismatch %q != %q", entry.Hash, sl.hash)
			}
		}
	}
	if err := s.c.Delete(ctx, key); err != nil {
		return nil, fmt.Errorf("pop %s: %w", s.name, err)
	}
	if bad != nil {
		return nil, &CorruptRecordError{Queue: s.name, Key: key, Err: bad}
	}
	return entry, nil
}

// Get returns the queued entry for hash without removing it.
func (s *Stack) Get(ctx context.Context, hash string) (*crawler.Entry, error) {
	s.mu.Lock()
	sl, ok := s.byHash[hash]
	s.mu.Unlock()
	if !ok {
		return nil, kv.ErrNotFound
	}
	value, err := s.c.Get(ctx, sl.key)
	if err != nil {
		return nil, fmt.Errorf("get from %s: %w", s.name, err)
	}
	entry, err := decodeEntry(value)
	if err != nil {
		return nil, &CorruptRecordError{Queue: s.name, Key: sl.key, Err: err}
	}
	return entry, nil
}

// Remove deletes the entry for hash and reports whether it was queued.
func (s *Stack) Remove(ctx context.Context, hash string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl, ok := s.byHash[hash]
	if !ok {
		return false, nil
	}
	for i, candidate := range s.order {
		if candidate == sl {
			s.removeAt(i)
			break
		}
	}
	if err := s.c.Delete(ctx, sl.key); err != nil {
		return true, fmt.Errorf("remove from %s: %w", s.name, err)
	}
	return true, nil
}

// Entries returns up to limit queued entries in pop order, skipping corrupt ones.
func (s *Stack) Entries(ctx context.Context, limit int) ([]*crawler.Entry, error) {
	s.mu.Lock()
	keys := make([][]byte, 0, min(limit, len(s.order)))
	for _, sl := range s.order {
		if len(keys) >= limit {
			break
		}
		if sl.corrupt == nil {
			keys = append(keys, sl.key)
		}
	}
	s.mu.Unlock()
	out := make([]*crawler.Entry, 0, len(keys))
	for _, key := range keys {
		value, err := s.c.Get(ctx, key)
		if errors.Is(err, kv.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", s.name, err)
		}
		if entry, derr := decodeEntry(value); derr == nil {
			out = append(out, entry)
		}
	}
	return out, nil
}

// Clear drops every record.
func (s *Stack) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.c.Clear(ctx); err != nil {
		return fmt.Errorf("clear %s: %w", s.name, err)
	}
	s.order = nil
	s.byHash = make(map[string]*slot)
	return nil
}

// Close closes the underlying container.
func (s *Stack) Close() error {
	if err := s.c.Close(); err != nil {
		return fmt.Errorf("close %s: %w", s.name, err)
	}
	return nil
}
