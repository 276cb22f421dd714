package worker

import (
	"bytes"
	"net/http"
)

var spaMarkers = [][]byte{
	[]byte("__next"),
	[]byte(`id="root"`),
	[]byte(`id="app"`),
	[]byte("data-reactroot"),
	[]byte("ng-version"),
}

// needsRender reports whether a plain fetch looks like a client-rendered
// shell that a browser engine should retry. Only 200 responses qualify.
func needsRender(status int, body []byte, threshold int) bool {
	if status != http.StatusOK {
		return false
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return true
	}
	if len(body) < threshold && scriptShare(body) >= 25 {
		return true
	}
	for _, marker := range spaMarkers {
		if bytes.Contains(body, marker) {
			return true
		}
	}
	return false
}

// scriptShare returns the percentage of body bytes inside <script> elements.
// An unterminated tag counts to the end of the document.
func scriptShare(body []byte) int {
	lower := bytes.ToLower(body)
	total := len(lower)
	if total == 0 {
		return 0
	}
	openTag := []byte("<script")
	closeTag := []byte("</script>")

	covered := 0
	pos := 0
	for pos < total {
		rel := bytes.Index(lower[pos:], openTag)
		if rel == -1 {
			break
		}
		start := pos + rel
		end := total
		if tagEnd := bytes.IndexByte(lower[start:], '>'); tagEnd != -1 {
			contentStart := start + tagEnd + 1
			if relEnd := bytes.Index(lower[contentStart:], closeTag); relEnd != -1 {
				end = contentStart + relEnd + len(closeTag)
			}
		}
		covered += end - start
		pos = end
	}
	return covered * 100 / total
}
