package indexer

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNeedsRender(t *testing.T) {
	t.Parallel()

	article := "<html><body>" + strings.Repeat("<p>price list</p>", 200) + "</body></html>"
	cases := []struct {
		name        string
		status      int
		contentType string
		body        string
		want        bool
	}{
		{"static article", 200, "text/html", article, false},
		{"empty html", 200, "text/html", "", true},
		{"script shell", 200, "text/html; charset=utf-8", `<html><script src="a.js"></script><script>boot()</script></html>`, true},
		{"next marker", 200, "", article + `<div id="__next"></div>`, true},
		{"react root", 200, "text/html", article + `<div data-reactroot></div>`, true},
		{"not ok", 404, "text/html", "", false},
		{"not html", 200, "application/pdf", "", false},
		{"unterminated script", 200, "text/html", "<p>x</p><script>var a = 1;", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, needsRender(tc.status, tc.contentType, []byte(tc.body)))
		})
	}
}

func TestScriptShare(t *testing.T) {
	t.Parallel()

	require.Zero(t, scriptShare(nil))
	require.Zero(t, scriptShare([]byte("<p>plain</p>")))
	require.Equal(t, 100, scriptShare([]byte("<SCRIPT>x()</SCRIPT>")))
	require.Equal(t, 50, scriptShare([]byte("<script></script>0123456789abcdefg")))
}
