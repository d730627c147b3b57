// Package detector decides when a statically fetched page needs the shared
// browser. Listing portals increasingly serve client-rendered shells whose
// static HTML carries no listings at all; the heuristic spots those so the
// pipeline can redo the fetch with rendering.
package detector

import (
	"bytes"
	"net/http"
)

const defaultMinBodyBytes = 2048

// Markers that betray a client-rendered shell, matched case-insensitively.
var shellMarkers = [][]byte{
	[]byte("__next"),
	[]byte("__nuxt"),
	[]byte(`id="root"`),
	[]byte(`id="app"`),
	[]byte("data-reactroot"),
}

var (
	scriptOpen  = []byte("<script")
	scriptClose = []byte("</script>")
)

// Heuristic promotes fetches based on body shape alone; it never touches
// the network.
type Heuristic struct {
	// MinBodyBytes is the size under which a script-dominated page is
	// suspected of being an unrendered shell.
	MinBodyBytes int
}

// NewHeuristic returns a Heuristic with the given size threshold; zero or
// negative picks the default.
func NewHeuristic(minBodyBytes int) *Heuristic {
	if minBodyBytes <= 0 {
		minBodyBytes = defaultMinBodyBytes
	}
	return &Heuristic{MinBodyBytes: minBodyBytes}
}

// ShouldPromote reports whether the page should be refetched through the
// shared browser. Only successful fetches are candidates; error statuses
// are the endpoint's problem, not a rendering gap.
func (h *Heuristic) ShouldPromote(statusCode int, body []byte) bool {
	if statusCode != http.StatusOK {
		return false
	}
	if len(body) == 0 {
		return true
	}
	lower := bytes.ToLower(body)
	for _, marker := range shellMarkers {
		if bytes.Contains(lower, marker) {
			return true
		}
	}
	return len(body) < h.MinBodyBytes && scriptHeavy(lower)
}

// scriptHeavy reports whether script tags cover at least a quarter of the
// document. An unterminated script counts to the end of the body.
func scriptHeavy(lower []byte) bool {
	total := len(lower)
	covered := 0
	pos := 0
	for pos < total {
		rel := bytes.Index(lower[pos:], scriptOpen)
		if rel == -1 {
			break
		}
		start := pos + rel
		end := bytes.Index(lower[start:], scriptClose)
		if end == -1 {
			covered += total - start
			break
		}
		next := start + end + len(scriptClose)
		covered += next - start
		pos = next
	}
	return covered > 0 && covered*4 >= total
}
