package filefetcher

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawlfrontier/internal/crawler"
)

func TestFetchReadsFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "page.html")
	require.NoError(t, os.WriteFile(path, []byte("<p>hello</p>"), 0o600))

	resp, err := New(0).Fetch(context.Background(), crawler.FetchRequest{URL: "file://" + filepath.ToSlash(path)})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "<p>hello</p>", string(resp.Body))
	require.Contains(t, resp.ContentType, "text/html")
}

func TestFetchCapsBody(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "big.txt")
	require.NoError(t, os.WriteFile(path, []byte("0123456789"), 0o600))

	resp, err := New(4).Fetch(context.Background(), crawler.FetchRequest{URL: "file://" + filepath.ToSlash(path)})
	require.NoError(t, err)
	require.Equal(t, "0123", string(resp.Body))
}

func TestFetchErrors(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	f := New(0)
	ctx := context.Background()

	_, err := f.Fetch(ctx, crawler.FetchRequest{URL: "file://" + filepath.ToSlash(dir)})
	require.ErrorIs(t, err, ErrIsDirectory)

	_, err = f.Fetch(ctx, crawler.FetchRequest{URL: "file://" + filepath.ToSlash(filepath.Join(dir, "missing"))})
	require.ErrorIs(t, err, os.ErrNotExist)

	_, err = f.Fetch(ctx, crawler.FetchRequest{URL: "http://example.test/"})
	require.Error(t, err)
}
