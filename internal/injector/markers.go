package injector

import (
	"regexp"
	"strings"
)

// ansiRe strips terminal escape sequences before output is handed back over
// the HTTP API (spec section 4.3, Output extraction).
var ansiRe = regexp.MustCompile(`\x1b\[[0-9;?]*[a-zA-Z]`)

// stripANSI removes escape sequences and normalizes line endings.
func stripANSI(s string) string {
	s = ansiRe.ReplaceAllString(s, "")
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	return s
}

// markerHit records where a marker was found in a capture.
type markerHit struct {
	found bool
	line  int // index into the split lines, for position-based tie-break
}

// findMarker locates marker's last occurrence in lines, excluding any line
// that exactly matches one of the injected instruction lines so that the
// echoed prompt itself (which necessarily spells out both markers as
// instructions) is never mistaken for the agent actually printing one
// (spec section 4.3, Tie-breaks). injectedLines is every line of the text
// most recently sent, not just the last one: echo can reproduce any of
// them verbatim depending on terminal wrapping.
func findMarker(lines []string, marker string, injectedLines map[string]bool) markerHit {
	for i := len(lines) - 1; i >= 0; i-- {
		line := lines[i]
		if !strings.Contains(line, marker) {
			continue
		}
		if injectedLines[line] {
			continue
		}
		return markerHit{found: true, line: i}
	}
	return markerHit{}
}

// resolveTieBreak decides which marker wins when both are present,
// returning "done", "error", or "" if neither was found. Per spec section
// 4.3: the later-positioned marker wins.
func resolveTieBreak(done, errHit markerHit) string {
	switch {
	case done.found && errHit.found:
		if errHit.line > done.line {
			return "error"
		}
		return "done"
	case done.found:
		return "done"
	case errHit.found:
		return "error"
	default:
		return ""
	}
}

// extractResult returns the agent's output between the last echoed
// instruction line and the marker line (exclusive of the marker line
// itself). lines is the same line-split capture the marker was located in,
// so markerLine indexes it directly.
func extractResult(lines []string, injectedLines map[string]bool, markerLine int) string {
	start := 0
	for i, l := range lines {
		if i >= markerLine {
			break
		}
		if injectedLines[l] {
			start = i + 1
		}
	}

	end := markerLine
	if end < 0 || end > len(lines) {
		end = len(lines)
	}
	if start > end {
		start = end
	}

	return strings.TrimSpace(strings.Join(lines[start:end], "\n"))
}

// injectedLineSet builds the exact-line membership set findMarker and
// extractResult use to recognize echo.
func injectedLineSet(full string) map[string]bool {
	set := make(map[string]bool)
	for _, l := range strings.Split(full, "\n") {
		set[l] = true
	}
	return set
}
