package tor

import (
	"regexp"
	"strconv"
	"strings"
)

// ReadyMarker is the text Tor logs once bootstrapping has completed.
const ReadyMarker = "Bootstrapped 100%"

// IsReadyLine reports whether line carries the bootstrap-complete marker.
// Matching is a plain case-sensitive substring test.
func IsReadyLine(line string) bool {
	return strings.Contains(line, ReadyMarker)
}

// Bootstrap is one parsed "Bootstrapped N%" progress report.
type Bootstrap struct {
	// Percent is 0-100.
	Percent int `json:"percent"`

	// Tag is the machine-readable phase, e.g. "requesting_descriptors".
	// Empty on Tor versions that do not print it.
	Tag string `json:"tag,omitempty"`

	// Summary is the human-readable description after the colon.
	Summary string `json:"summary,omitempty"`
}

// Matches both
//
//	Bootstrapped 45% (requesting_descriptors): Asking for relay descriptors
//	Bootstrapped 80%: Connecting to the Tor network
var bootstrapPattern = regexp.MustCompile(`Bootstrapped (\d{1,3})%(?: \(([a-z_]+)\))?(?::\s*(.*))?`)

// ParseBootstrap extracts bootstrap progress from a Tor log line.
func ParseBootstrap(line string) (Bootstrap, bool) {
	m := bootstrapPattern.FindStringSubmatch(line)
	if m == nil {
		return Bootstrap{}, false
	}
	pct, err := strconv.Atoi(m[1])
	if err != nil || pct > 100 {
		return Bootstrap{}, false
	}
	return Bootstrap{
		Percent: pct,
		Tag:     m[2],
		Summary: strings.TrimSpace(m[3]),
	}, true
}
