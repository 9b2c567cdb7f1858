package renderer

import (
	"strconv"
	"strings"
)

// LineKind tags one line of the worker's status protocol.
type LineKind int

const (
	// LineText is any line that carries no recognized tag.
	LineText LineKind = iota
	// LineProgress signals one completed unit of work.
	LineProgress
	// LineFilename acknowledges one unit id as written to disk.
	LineFilename
	// LineSuccess is the sentinel for a fully successful pass.
	LineSuccess
	// LineError is a non-fatal error report from the worker.
	LineError
)

const (
	tagProgress = "PROGRESS"
	tagFilename = "FILENAME:"
	tagSuccess  = "GENERATION_SUCCESSFUL"
	tagError    = "ERROR:"
)

// Line is one parsed record of the worker protocol.
type Line struct {
	Kind LineKind
	ID   int    // set for LineFilename
	Text string // payload for LineError, raw line for LineText
}

// ParseLine interprets one raw output line. Lines with a malformed payload
// fall back to LineText rather than being guessed at.
func ParseLine(raw string) Line {
	trimmed := strings.TrimSpace(raw)

	switch {
	case trimmed == tagProgress:
		return Line{Kind: LineProgress}
	case trimmed == tagSuccess:
		return Line{Kind: LineSuccess}
	case strings.HasPrefix(trimmed, tagFilename):
		id, err := strconv.Atoi(strings.TrimPrefix(trimmed, tagFilename))
		if err != nil {
			return Line{Kind: LineText, Text: raw}
		}
		return Line{Kind: LineFilename, ID: id}
	case strings.HasPrefix(trimmed, tagError):
		return Line{Kind: LineError, Text: strings.TrimSpace(strings.TrimPrefix(trimmed, tagError))}
	default:
		return Line{Kind: LineText, Text: raw}
	}
}
