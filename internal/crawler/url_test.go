package crawler

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizeURL(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"HTTP://Example.COM:80/a#frag":     "http://example.com/a",
		"https://example.com:443":          "https://example.com/",
		"http://example.com/?b=2&a=1":      "http://example.com/?a=1&b=2",
		"file:///tmp/data.txt":             "file:///tmp/data.txt",
		"  http://example.test/a  ":        "http://example.test/a",
		"https://example.com:8443/x?y=1#z": "https://example.com:8443/x?y=1",
	}
	for in, want := range cases {
		got, err := NormalizeURL(in)
		require.NoError(t, err, in)
		require.Equal(t, want, got, in)
	}
}

func TestHashURLStableAcrossEquivalentForms(t *testing.T) {
	t.Parallel()

	a, err := HashURL("http://Example.test:80/a#top")
	require.NoError(t, err)
	b, err := HashURL("http://example.test/a")
	require.NoError(t, err)
	require.Equal(t, a, b)
	require.Len(t, a, HashLength)

	c, err := HashURL("http://example.test/b")
	require.NoError(t, err)
	require.NotEqual(t, a, c)
}

func TestHostOf(t *testing.T) {
	t.Parallel()

	require.Equal(t, "example.com", HostOf("https://EXAMPLE.com:8080/path"))
	require.Equal(t, "", HostOf("://bad"))
}
