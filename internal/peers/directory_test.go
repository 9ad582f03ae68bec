package peers

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlfrontier/internal/crawler"
)

const sampleFeed = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0" xmlns:yacy="http://www.yacy.net/">
<channel>
  <title>remote crawl</title>
  <item>
    <title>a</title>
    <link>http://remote.test/a</link>
    <yacy:referrer>http://remote.test/</yacy:referrer>
    <description>first</description>
    <pubDate>20240102030405</pubDate>
  </item>
  <item>
    <link>http://remote.test/b</link>
    <description>second</description>
  </item>
</channel>
</rss>`

func TestFetchRemoteCrawlCandidates(t *testing.T) {
	t.Parallel()

	var form url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/yacy/urls.xml", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		form, _ = url.ParseQuery(string(body))
		_, _ = w.Write([]byte(sampleFeed))
	}))
	t.Cleanup(srv.Close)

	d := New(Config{
		Self:  crawler.Peer{ID: "me"},
		Seeds: []crawler.Peer{{ID: "p1", Name: "one", Address: strings.TrimPrefix(srv.URL, "http://"), RemoteCrawlCount: 5}},
	}, zap.NewNop())

	p, ok := d.Get("p1")
	require.True(t, ok)
	items, err := d.FetchRemoteCrawlCandidates(context.Background(), p, 20)
	require.NoError(t, err)
	require.Len(t, items, 2)
	require.Equal(t, "http://remote.test/a", items[0].Link)
	require.Equal(t, "http://remote.test/", items[0].Referrer)
	require.Equal(t, "20240102030405", items[0].PubDate)
	require.Empty(t, items[1].Referrer)

	require.Equal(t, "remotecrawl", form.Get("call"))
	require.Equal(t, "20", form.Get("count"))
	require.Equal(t, "me", form.Get("iam"))

	p, _ = d.Get("p1")
	require.Equal(t, 3, p.RemoteCrawlCount)
}

func TestBadFeedResetsRemoteCount(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("<html>not a feed</html>"))
	}))
	t.Cleanup(srv.Close)

	d := New(Config{
		Seeds: []crawler.Peer{{ID: "p1", Address: strings.TrimPrefix(srv.URL, "http://"), RemoteCrawlCount: 9}},
	}, zap.NewNop())
	p, _ := d.Get("p1")
	_, err := d.FetchRemoteCrawlCandidates(context.Background(), p, 20)
	require.ErrorIs(t, err, ErrBadResponse)

	p, _ = d.Get("p1")
	require.Zero(t, p.RemoteCrawlCount)
	require.Empty(t, d.RemoteCrawlProviders(context.Background()))

	_, err = d.FetchRemoteCrawlCandidates(context.Background(), p, 20)
	require.ErrorIs(t, err, ErrNoRemoteWork)
}

func TestProvidersAndCluster(t *testing.T) {
	t.Parallel()

	seeds := []crawler.Peer{
		{ID: "a", RemoteCrawlCount: 2, Cluster: true},
		{ID: "b"},
		{ID: "c", RemoteCrawlCount: 1},
		{ID: "me", RemoteCrawlCount: 7},
	}
	d := New(Config{Self: crawler.Peer{ID: "me"}, Seeds: seeds, ClusterMode: ModePrivateCluster}, nil)
	require.Equal(t, []string{"a", "c"}, d.RemoteCrawlProviders(context.Background()))
	require.True(t, d.IsInMyCluster(crawler.Peer{ID: "a"}))
	require.False(t, d.IsInMyCluster(crawler.Peer{ID: "c"}))
	require.Len(t, d.List(), 3)

	public := New(Config{Seeds: seeds}, nil)
	require.False(t, public.IsInMyCluster(crawler.Peer{ID: "a"}))

	require.True(t, d.Online())
	d.SetOnline(false)
	require.False(t, d.Online())
}
