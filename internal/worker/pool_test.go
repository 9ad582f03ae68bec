package worker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlfrontier/internal/crawler"
	"github.com/JakeFAU/crawlfrontier/internal/kv/memory"
	"github.com/JakeFAU/crawlfrontier/internal/loader"
	"github.com/JakeFAU/crawlfrontier/internal/outcome"
	"github.com/JakeFAU/crawlfrontier/internal/progress"
)

func newEntry(t *testing.T, rawURL string) *crawler.Entry {
	t.Helper()
	e, err := crawler.NewEntry(crawler.EntryParams{URL: rawURL, ProfileHandle: "default"})
	require.NoError(t, err)
	return e
}

func newErrorLog(t *testing.T) *outcome.Store {
	t.Helper()
	s, err := outcome.Open(context.Background(), memory.New(), outcome.ErrorLog, true, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newPool(t *testing.T, size int, l Loader, errLog ErrorLog) *Pool {
	t.Helper()
	p := NewPool(Config{Max: size, Executor: "self"}, l, errLog, &fakeClock{now: time.Unix(100, 0)}, &fakeIDGen{}, zap.NewNop())
	t.Cleanup(p.Close)
	return p
}

func TestTaskSuccessLeavesNoRecord(t *testing.T) {
	t.Parallel()

	errLog := newErrorLog(t)
	l := &fakeLoader{}
	p := newPool(t, 2, l, errLog)

	entry := newEntry(t, "http://example.test/a")
	_, err := p.TryStart(entry, loader.ModeCrawler)
	require.NoError(t, err)

	require.NoError(t, p.Wait(context.Background()))
	require.Zero(t, p.Size())
	require.Equal(t, crawler.StatusFinalized, entry.Status())
	require.Equal(t, time.Unix(100, 0), entry.LoadDate)
	require.Zero(t, errLog.Size(context.Background()))
	require.EqualValues(t, 1, l.fetches.Load())
}

func TestTaskRobotsDenialIsRecordedWithoutFetch(t *testing.T) {
	t.Parallel()

	errLog := newErrorLog(t)
	l := &fakeLoader{robotsReason: loader.ReasonRobotsDenied}
	p := newPool(t, 1, l, errLog)

	entry := newEntry(t, "http://example.test/private")
	_, err := p.TryStart(entry, loader.ModeCrawler)
	require.NoError(t, err)
	require.NoError(t, p.Wait(context.Background()))

	require.Zero(t, l.fetches.Load())
	require.Equal(t, crawler.StatusFinalized, entry.Status())
	got, err := errLog.GetEntry(context.Background(), entry.Hash)
	require.NoError(t, err)
	require.Equal(t, loader.ReasonRobotsDenied, got.Reason)
	require.Equal(t, "self", got.Executor)
}

func TestTaskLoadFailureIsRecorded(t *testing.T) {
	t.Parallel()

	errLog := newErrorLog(t)
	p := newPool(t, 1, &fakeLoader{fetchReason: "cannot load: timeout"}, errLog)

	entry := newEntry(t, "http://example.test/slow")
	_, err := p.TryStart(entry, loader.ModeCrawler)
	require.NoError(t, err)
	require.NoError(t, p.Wait(context.Background()))

	got, err := errLog.GetEntry(context.Background(), entry.Hash)
	require.NoError(t, err)
	require.Equal(t, "cannot load: timeout", got.Reason)
}

func TestTaskPanicIsRecorded(t *testing.T) {
	t.Parallel()

	errLog := newErrorLog(t)
	p := newPool(t, 1, &fakeLoader{panicWith: "nil profile"}, errLog)

	entry := newEntry(t, "http://example.test/boom")
	_, err := p.TryStart(entry, loader.ModeCrawler)
	require.NoError(t, err)
	require.NoError(t, p.Wait(context.Background()))

	got, err := errLog.GetEntry(context.Background(), entry.Hash)
	require.NoError(t, err)
	require.Equal(t, "nil profile - in worker", got.Reason)
	require.Zero(t, p.Size())
}

func TestPoolIsBounded(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	l := &fakeLoader{block: release}
	p := newPool(t, 2, l, newErrorLog(t))

	a, b, c := newEntry(t, "http://a.test/"), newEntry(t, "http://b.test/"), newEntry(t, "http://c.test/")
	_, err := p.TryStart(a, loader.ModeCrawler)
	require.NoError(t, err)
	_, err = p.TryStart(b, loader.ModeCrawler)
	require.NoError(t, err)
	_, err = p.TryStart(c, loader.ModeCrawler)
	require.ErrorIs(t, err, ErrPoolFull)

	require.Equal(t, 2, p.Size())
	require.Len(t, p.Entries(), 2)
	_, ok := p.Find(a.Hash)
	require.True(t, ok)
	_, ok = p.Find(c.Hash)
	require.False(t, ok)

	close(release)
	require.NoError(t, p.Wait(context.Background()))
	require.Zero(t, p.Size())

	_, err = p.TryStart(c, loader.ModeCrawler)
	require.NoError(t, err)
	require.NoError(t, p.Wait(context.Background()))
}

func TestCloseInterruptsAndRecords(t *testing.T) {
	t.Parallel()

	errLog := newErrorLog(t)
	l := &fakeLoader{block: make(chan struct{})}
	p := newPool(t, 1, l, errLog)

	entry := newEntry(t, "http://example.test/hang")
	_, err := p.TryStart(entry, loader.ModeCrawler)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return entry.Status() == crawler.StatusLoading }, time.Second, 5*time.Millisecond)

	p.Close()
	require.NoError(t, p.Wait(context.Background()))

	got, err := errLog.GetEntry(context.Background(), entry.Hash)
	require.NoError(t, err)
	require.Equal(t, "context canceled - in worker", got.Reason)

	_, err = p.TryStart(newEntry(t, "http://example.test/late"), loader.ModeCrawler)
	require.ErrorIs(t, err, ErrPoolClosed)
}

func TestTaskEmitsLifecycleEvents(t *testing.T) {
	t.Parallel()

	events := &recordingEmitter{}
	ok := NewPool(Config{Max: 1, Events: events}, &fakeLoader{}, nil, &fakeClock{now: time.Unix(100, 0)}, &fakeIDGen{}, zap.NewNop())
	t.Cleanup(ok.Close)
	entry := newEntry(t, "http://example.test/ok")
	id, err := ok.TryStart(entry, loader.ModeCrawler)
	require.NoError(t, err)
	require.NoError(t, ok.Wait(context.Background()))

	got := events.Events()
	require.Len(t, got, 2)
	require.Equal(t, progress.StageTaskStart, got[0].Stage)
	require.Equal(t, progress.StageTaskDone, got[1].Stage)
	require.Equal(t, id, got[1].TaskID)
	require.Equal(t, entry.Hash, got[1].Hash)
	require.Equal(t, "default", got[1].Profile)
	require.Equal(t, loader.ModeCrawler.String(), got[1].Mode)

	failing := &recordingEmitter{}
	bad := NewPool(Config{Max: 1, Events: failing}, &fakeLoader{fetchReason: "404"}, nil, &fakeClock{now: time.Unix(100, 0)}, &fakeIDGen{}, zap.NewNop())
	t.Cleanup(bad.Close)
	_, err = bad.TryStart(newEntry(t, "http://example.test/missing"), loader.ModeCrawler)
	require.NoError(t, err)
	require.NoError(t, bad.Wait(context.Background()))

	got = failing.Events()
	require.Len(t, got, 2)
	require.Equal(t, progress.StageTaskError, got[1].Stage)
	require.Equal(t, "404", got[1].Reason)
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (r *recordingEmitter) Emit(evt progress.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recordingEmitter) Events() []progress.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]progress.Event(nil), r.events...)
}

type fakeLoader struct {
	robotsReason string
	fetchReason  string
	panicWith    string
	block        chan struct{}
	fetches      atomic.Int32
}

func (f *fakeLoader) CheckRobots(context.Context, *crawler.Entry) string {
	return f.robotsReason
}

func (f *fakeLoader) Fetch(ctx context.Context, _ *crawler.Entry, _ loader.Mode) string {
	f.fetches.Add(1)
	if f.panicWith != "" {
		panic(f.panicWith)
	}
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return "cannot load: " + ctx.Err().Error()
		}
	}
	return f.fetchReason
}

type fakeClock struct {
	now time.Time
}

func (f *fakeClock) Now() time.Time { return f.now }

type fakeIDGen struct {
	mu sync.Mutex
	n  int
}

func (f *fakeIDGen) NewID() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.n++
	return fmt.Sprintf("task-%d", f.n), nil
}
