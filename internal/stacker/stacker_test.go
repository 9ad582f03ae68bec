package stacker

import (
	"context"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlfrontier/internal/crawler"
	"github.com/JakeFAU/crawlfrontier/internal/frontier"
	"github.com/JakeFAU/crawlfrontier/internal/kv/memory"
	"github.com/JakeFAU/crawlfrontier/internal/profile"
)

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

func newStacker(t *testing.T, locator Locator) (*Stacker, *frontier.NoticedURL) {
	t.Helper()
	noticed, err := frontier.Open(context.Background(), memory.New(), frontier.Config{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = noticed.Close() })
	s := New(
		Config{Blocklist: []string{"*.blocked.test"}},
		noticed,
		profile.NewRegistry(2, true),
		locator,
		fakeProtocols{"http": true, "https": true, "file": true},
		"self",
		zap.NewNop(),
	)
	return s, noticed
}

func TestAccept(t *testing.T) {
	t.Parallel()

	s, _ := newStacker(t, nil)
	require.Empty(t, s.Accept("http://example.test/a"))
	require.Empty(t, s.Accept("file:///tmp/a"))
	require.Equal(t, "url is empty", s.Accept(" "))
	require.Equal(t, "unsupported protocol ftp", s.Accept("ftp://example.test/"))
	require.Equal(t, "url has no protocol", s.Accept("example.test/a"))
	require.Equal(t, "host in blocklist: www.blocked.test", s.Accept("http://www.blocked.test/"))
	require.True(t, strings.HasPrefix(s.Accept("http://%zz"), "malformed url"))
}

func TestStackCrawlChoosesQueue(t *testing.T) {
	t.Parallel()

	s, noticed := newStacker(t, nil)
	ctx := context.Background()

	require.Empty(t, s.StackCrawl(ctx, crawler.StackRequest{URL: mustURL(t, "http://local.test/"), Initiator: "self", ProfileHandle: profile.Default}))
	require.Empty(t, s.StackCrawl(ctx, crawler.StackRequest{URL: mustURL(t, "http://global.test/"), Initiator: "self", ProfileHandle: profile.Global}))
	require.Empty(t, s.StackCrawl(ctx, crawler.StackRequest{URL: mustURL(t, "http://peer.test/"), Initiator: "peer-9", ProfileHandle: profile.Remote}))

	require.Equal(t, 1, noticed.Size(frontier.Core))
	require.Equal(t, 1, noticed.Size(frontier.Limit))
	require.Equal(t, 1, noticed.Size(frontier.Remote))
}

func TestStackCrawlRejections(t *testing.T) {
	t.Parallel()

	s, noticed := newStacker(t, nil)
	ctx := context.Background()

	require.Equal(t, "url is null", s.StackCrawl(ctx, crawler.StackRequest{}))
	require.Equal(t, "unknown profile nope", s.StackCrawl(ctx, crawler.StackRequest{URL: mustURL(t, "http://a.test/"), ProfileHandle: "nope"}))
	require.Equal(t, "depth 5 exceeds profile limit 2", s.StackCrawl(ctx, crawler.StackRequest{URL: mustURL(t, "http://a.test/"), ProfileHandle: profile.Default, Depth: 5}))

	require.Empty(t, s.StackCrawl(ctx, crawler.StackRequest{URL: mustURL(t, "http://a.test/"), ProfileHandle: profile.Default}))
	reason := s.StackCrawl(ctx, crawler.StackRequest{URL: mustURL(t, "http://a.test/"), ProfileHandle: profile.Default})
	require.True(t, strings.HasPrefix(reason, "double"), reason)
	require.Equal(t, 1, noticed.Size(frontier.Core))
}

func TestStackCrawlConsultsLocator(t *testing.T) {
	t.Parallel()

	locator := LocatorFunc(func(context.Context, string) (string, bool) { return "errors", true })
	s, noticed := newStacker(t, locator)
	reason := s.StackCrawl(context.Background(), crawler.StackRequest{URL: mustURL(t, "http://a.test/"), ProfileHandle: profile.Default})
	require.Equal(t, "double registered in errors", reason)
	require.Zero(t, noticed.Size(frontier.Core))
}

type fakeProtocols map[string]bool

func (f fakeProtocols) IsSupportedProtocol(scheme string) bool { return f[scheme] }
