package frontier

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawlfrontier/internal/crawler"
	"github.com/JakeFAU/crawlfrontier/internal/kv"
	"github.com/JakeFAU/crawlfrontier/internal/kv/memory"
)

func newEntry(t *testing.T, rawURL string) *crawler.Entry {
	t.Helper()
	e, err := crawler.NewEntry(crawler.EntryParams{URL: rawURL, ProfileHandle: "default"})
	require.NoError(t, err)
	return e
}

func openStack(t *testing.T, b kv.Backend, name string) *Stack {
	t.Helper()
	c, err := b.Open(context.Background(), name)
	require.NoError(t, err)
	s, err := OpenStack(context.Background(), c)
	require.NoError(t, err)
	return s
}

func TestStackIsFIFO(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := openStack(t, memory.New(), "fifo")
	fixed := time.Unix(1700000000, 0)
	s.now = func() time.Time { return fixed }

	urls := []string{"http://a.test/1", "http://b.test/2", "http://c.test/3"}
	for _, u := range urls {
		require.NoError(t, s.Push(ctx, newEntry(t, u)))
	}
	require.Equal(t, 3, s.Size())

	for _, u := range urls {
		e, err := s.Pop(ctx, nil)
		require.NoError(t, err)
		require.Equal(t, u, e.URL)
	}
	_, err := s.Pop(ctx, nil)
	require.ErrorIs(t, err, ErrEmpty)
}

func TestStackPushIgnoresDuplicateHash(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := openStack(t, memory.New(), "dups")
	e := newEntry(t, "http://a.test/")
	require.NoError(t, s.Push(ctx, e))
	require.NoError(t, s.Push(ctx, e))
	require.Equal(t, 1, s.Size())
	require.True(t, s.Has(e.Hash))
}

func TestStackRebuildsIndexOnReopen(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b := memory.New()
	s := openStack(t, b, "reopen")
	first := newEntry(t, "http://a.test/1")
	second := newEntry(t, "http://a.test/2")
	require.NoError(t, s.Push(ctx, first))
	require.NoError(t, s.Push(ctx, second))
	require.NoError(t, s.Close())

	again := openStack(t, b, "reopen")
	require.Equal(t, 2, again.Size())
	require.True(t, again.Has(second.Hash))

	third := newEntry(t, "http://a.test/3")
	require.NoError(t, again.Push(ctx, third))

	var got []string
	for range 3 {
		e, err := again.Pop(ctx, nil)
		require.NoError(t, err)
		got = append(got, e.URL)
	}
	require.Equal(t, []string{first.URL, second.URL, third.URL}, got)
}

func TestStackPopSurfacesCorruptRecord(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b := memory.New()
	c, err := b.Open(ctx, "corrupt")
	require.NoError(t, err)
	require.NoError(t, c.Put(ctx, handleKey(1), []byte("{not json")))
	require.NoError(t, c.Put(ctx, handleKey(2), []byte(`{"url":"http://a.test/","hash":""}`)))

	s, err := OpenStack(ctx, c)
	require.NoError(t, err)
	require.Equal(t, 2, s.Size())

	_, err = s.Pop(ctx, nil)
	require.ErrorIs(t, err, ErrCorruptRecord)
	var corrupt *CorruptRecordError
	require.True(t, errors.As(err, &corrupt))
	require.Equal(t, "corrupt", corrupt.Queue)

	_, err = s.Pop(ctx, nil)
	require.ErrorIs(t, err, ErrCorruptRecord)

	_, err = s.Pop(ctx, nil)
	require.ErrorIs(t, err, ErrEmpty)
	n, err := c.Len(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestStackDelayedPopPrefersReadyHost(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := openStack(t, memory.New(), "polite")
	require.NoError(t, s.Push(ctx, newEntry(t, "http://busy.test/1")))
	require.NoError(t, s.Push(ctx, newEntry(t, "http://busy.test/2")))
	require.NoError(t, s.Push(ctx, newEntry(t, "http://idle.test/1")))

	p := &fakePoliteness{waiting: map[string]time.Duration{}}
	e, err := s.Pop(ctx, p)
	require.NoError(t, err)
	require.Equal(t, "http://busy.test/1", e.URL)
	require.Equal(t, []string{"busy.test"}, p.visited)

	p.waiting["busy.test"] = time.Hour
	e, err = s.Pop(ctx, p)
	require.NoError(t, err)
	require.Equal(t, "http://idle.test/1", e.URL)
}

func TestStackDelayedPopHonoursCancellation(t *testing.T) {
	t.Parallel()

	s := openStack(t, memory.New(), "cancel")
	require.NoError(t, s.Push(context.Background(), newEntry(t, "http://busy.test/1")))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	p := &fakePoliteness{waiting: map[string]time.Duration{"busy.test": time.Hour}}
	_, err := s.Pop(ctx, p)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, 1, s.Size())
}

func TestStackRemoveAndGet(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := openStack(t, memory.New(), "remove")
	e := newEntry(t, "http://a.test/x")
	require.NoError(t, s.Push(ctx, e))

	got, err := s.Get(ctx, e.Hash)
	require.NoError(t, err)
	require.Equal(t, e.URL, got.URL)

	ok, err := s.Remove(ctx, e.Hash)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = s.Remove(ctx, e.Hash)
	require.NoError(t, err)
	require.False(t, ok)

	_, err = s.Get(ctx, e.Hash)
	require.ErrorIs(t, err, kv.ErrNotFound)
	require.Zero(t, s.Size())
}

func TestStackPopKeepsEntryWhenReadFails(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c, err := memory.New().Open(ctx, "flaky")
	require.NoError(t, err)
	flaky := &flakyContainer{Container: c}
	s, err := OpenStack(ctx, flaky)
	require.NoError(t, err)
	e := newEntry(t, "http://a.test/")
	require.NoError(t, s.Push(ctx, e))

	flaky.failGets = 1
	_, err = s.Pop(ctx, nil)
	require.ErrorIs(t, err, errFlaky)
	require.NotErrorIs(t, err, ErrCorruptRecord)
	require.Equal(t, 1, s.Size())
	require.True(t, s.Has(e.Hash))
	n, err := c.Len(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	got, err := s.Pop(ctx, nil)
	require.NoError(t, err)
	require.Equal(t, e.URL, got.URL)
	require.Zero(t, s.Size())
}

func TestStackPopKeepsEntryWhenDeleteFails(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c, err := memory.New().Open(ctx, "flaky")
	require.NoError(t, err)
	flaky := &flakyContainer{Container: c}
	s, err := OpenStack(ctx, flaky)
	require.NoError(t, err)
	e := newEntry(t, "http://a.test/")
	require.NoError(t, s.Push(ctx, e))

	flaky.failDeletes = 1
	_, err = s.Pop(ctx, nil)
	require.ErrorIs(t, err, errFlaky)
	require.True(t, s.Has(e.Hash))

	got, err := s.Pop(ctx, nil)
	require.NoError(t, err)
	require.Equal(t, e.Hash, got.Hash)
}

type fakePoliteness struct {
	waiting map[string]time.Duration
	visited []string
}

func (f *fakePoliteness) Delay(host string) time.Duration { return f.waiting[host] }

func (f *fakePoliteness) Visited(host string) { f.visited = append(f.visited, host) }

var errFlaky = errors.New("i/o timeout")

// flakyContainer fails the next failGets reads, failPuts writes and
// failDeletes deletes.
type flakyContainer struct {
	kv.Container
	failGets    int
	failPuts    int
	failDeletes int
}

func (f *flakyContainer) Get(ctx context.Context, key []byte) ([]byte, error) {
	if f.failGets > 0 {
		f.failGets--
		return nil, errFlaky
	}
	return f.Container.Get(ctx, key)
}

func (f *flakyContainer) Put(ctx context.Context, key, value []byte) error {
	if f.failPuts > 0 {
		f.failPuts--
		return errFlaky
	}
	return f.Container.Put(ctx, key, value)
}

func (f *flakyContainer) Delete(ctx context.Context, key []byte) error {
	if f.failDeletes > 0 {
		f.failDeletes--
		return errFlaky
	}
	return f.Container.Delete(ctx, key)
}

// flakyBackend hands out the registered flaky wrapper for matching names.
type flakyBackend struct {
	kv.Backend
	wrap map[string]*flakyContainer
}

func (b *flakyBackend) Open(ctx context.Context, name string) (kv.Container, error) {
	c, err := b.Backend.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	if f, ok := b.wrap[name]; ok {
		f.Container = c
		return f, nil
	}
	return c, nil
}
