package indexer

import (
	"bytes"
	"strings"
)

// minStaticBody is the body size below which script-dominated HTML is
// treated as an application shell rather than content.
const minStaticBody = 2048

var appShellMarkers = [][]byte{
	[]byte("__next"),
	[]byte(`id="root"`),
	[]byte(`id="app"`),
	[]byte("data-reactroot"),
}

// needsRender reports whether an HTML document likely renders its content
// client-side, so downstream consumers know the stored body is incomplete.
func needsRender(statusCode int, contentType string, body []byte) bool {
	if statusCode != 200 {
		return false
	}
	if contentType != "" && !strings.Contains(strings.ToLower(contentType), "html") {
		return false
	}
	if len(body) == 0 {
		return true
	}
	if len(body) < minStaticBody && scriptShare(body) >= 25 {
		return true
	}
	for _, marker := range appShellMarkers {
		if bytes.Contains(body, marker) {
			return true
		}
	}
	return false
}

// scriptShare is the percentage of body covered by <script> elements. An
// unterminated script runs to the end of the body.
func scriptShare(body []byte) int {
	lower := bytes.ToLower(body)
	total := len(lower)
	covered := 0
	for pos := 0; pos < total; {
		start := bytes.Index(lower[pos:], []byte("<script"))
		if start < 0 {
			break
		}
		start += pos
		end := bytes.Index(lower[start:], []byte("</script>"))
		if end < 0 {
			covered += total - start
			break
		}
		end += start + len("</script>")
		covered += end - start
		pos = end
	}
	if total == 0 {
		return 0
	}
	return covered * 100 / total
}
