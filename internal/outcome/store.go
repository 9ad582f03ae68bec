// Package outcome keeps the persisted logs of URLs that were not fetched
// cleanly: the error log and the delegated log. Writing an entry is split into
// Store (persist the record) and Push (index it); a record that was stored
// but never indexed is treated as absent.
package outcome

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawlfrontier/internal/crawler"
	"github.com/JakeFAU/crawlfrontier/internal/kv"
	"github.com/JakeFAU/crawlfrontier/internal/metrics"
)

// Standard log names.
const (
	ErrorLog     = "urlError3"
	DelegatedLog = "urlDelegated3"
)

// Entry is one immutable outcome record.
type Entry struct {
	Snapshot  *crawler.Entry `json:"entry"`
	Executor  string         `json:"executor"`
	WorkDate  time.Time      `json:"work_date"`
	WorkCount int            `json:"work_count"`
	Reason    string         `json:"reason"`

	owner  *Store
	stored bool
}

// Hash returns the URL hash of the snapshot.
func (e *Entry) Hash() string { return e.Snapshot.Hash }

// URL returns the URL of the snapshot.
func (e *Entry) URL() string { return e.Snapshot.URL }

// Store persists the record without making it visible to lookups.
func (e *Entry) Store(ctx context.Context) error {
	if e.owner == nil {
		return errors.New("outcome entry has no store")
	}
	return e.owner.store(ctx, e)
}

// Store is one outcome log made of a records container and an index container.
type Store struct {
	name    string
	records kv.Container
	index   kv.Container
	logger  *zap.Logger
	mu      sync.Mutex
}

// Open opens the log called name. With reset the log is dropped first.
func Open(ctx context.Context, backend kv.Backend, name string, reset bool, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	recordsName, indexName := name+".records", name+".index"
	if reset {
		if err := backend.Drop(ctx, recordsName); err != nil {
			return nil, fmt.Errorf("reset %s: %w", recordsName, err)
		}
		if err := backend.Drop(ctx, indexName); err != nil {
			return nil, fmt.Errorf("reset %s: %w", indexName, err)
		}
		logger.Info("outcome log reset", zap.String("log", name))
	}
	records, err := backend.Open(ctx, recordsName)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", recordsName, err)
	}
	index, err := backend.Open(ctx, indexName)
	if err != nil {
		_ = records.Close()
		return nil, fmt.Errorf("open %s: %w", indexName, err)
	}
	return &Store{
		name:    name,
		records: records,
		index:   index,
		logger:  logger,
	}, nil
}

// Name returns the log name.
func (s *Store) Name() string { return s.name }

// NewEntry prepares a record for entry. Nothing is written until Store or Push.
func (s *Store) NewEntry(entry *crawler.Entry, executor string, when time.Time, workCount int, reason string) *Entry {
	return &Entry{
		Snapshot:  entry.Clone(),
		Executor:  executor,
		WorkDate:  when.UTC(),
		WorkCount: workCount,
		Reason:    reason,
		owner:     s,
	}
}

func (s *Store) store(ctx context.Context, e *Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode outcome: %w", err)
	}
	if err := s.records.Put(ctx, []byte(e.Hash()), data); err != nil {
		return fmt.Errorf("store outcome in %s: %w", s.name, err)
	}
	e.stored = true
	return nil
}

// Push indexes e, storing it first if that has not happened yet.
func (s *Store) Push(ctx context.Context, e *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !e.stored || e.owner != s {
		if err := s.store(ctx, e); err != nil {
			return err
		}
	}
	stamp, err := e.WorkDate.MarshalBinary()
	if err != nil {
		return fmt.Errorf("encode work date: %w", err)
	}
	if err := s.index.Put(ctx, []byte(e.Hash()), stamp); err != nil {
		return fmt.Errorf("index outcome in %s: %w", s.name, err)
	}
	metrics.ObserveOutcome(s.name)
	s.logger.Debug("outcome recorded",
		zap.String("log", s.name),
		zap.String("url", e.URL()),
		zap.String("reason", e.Reason),
	)
	return nil
}

// Exists reports whether an indexed record exists for hash.
func (s *Store) Exists(ctx context.Context, hash string) bool {
	ok, err := s.index.Has(ctx, []byte(hash))
	if err != nil {
		s.logger.Warn("outcome index lookup failed", zap.String("log", s.name), zap.Error(err))
		return false
	}
	return ok
}

// GetEntry returns the indexed record for hash.
func (s *Store) GetEntry(ctx context.Context, hash string) (*Entry, error) {
	if !s.Exists(ctx, hash) {
		return nil, kv.ErrNotFound
	}
	data, err := s.records.Get(ctx, []byte(hash))
	if err != nil {
		return nil, fmt.Errorf("read outcome from %s: %w", s.name, err)
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decode outcome from %s: %w", s.name, err)
	}
	if e.Snapshot == nil {
		return nil, fmt.Errorf("outcome %s in %s has no entry", hash, s.name)
	}
	e.owner = s
	e.stored = true
	return &e, nil
}

// Remove deletes the record and its index marker.
func (s *Store) Remove(ctx context.Context, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ierr := s.index.Delete(ctx, []byte(hash))
	rerr := s.records.Delete(ctx, []byte(hash))
	if err := errors.Join(ierr, rerr); err != nil {
		return fmt.Errorf("remove outcome from %s: %w", s.name, err)
	}
	return nil
}

// Size returns the number of indexed records.
func (s *Store) Size(ctx context.Context) int {
	n, err := s.index.Len(ctx)
	if err != nil {
		s.logger.Warn("outcome size failed", zap.String("log", s.name), zap.Error(err))
		return 0
	}
	return n
}

// Entries returns up to limit indexed records.
func (s *Store) Entries(ctx context.Context, limit int) ([]*Entry, error) {
	var hashes []string
	err := s.index.ForEach(ctx, func(key, _ []byte) error {
		if len(hashes) >= limit {
			return kv.ErrStop
		}
		hashes = append(hashes, string(key))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", s.name, err)
	}
	out := make([]*Entry, 0, len(hashes))
	for _, h := range hashes {
		e, err := s.GetEntry(ctx, h)
		if err != nil {
			s.logger.Warn("skipping unreadable outcome", zap.String("log", s.name), zap.String("hash", h), zap.Error(err))
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// Clear removes every record.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := errors.Join(s.index.Clear(ctx), s.records.Clear(ctx)); err != nil {
		return fmt.Errorf("clear %s: %w", s.name, err)
	}
	return nil
}

// Close closes both containers.
func (s *Store) Close() error {
	return errors.Join(s.index.Close(), s.records.Close())
}
