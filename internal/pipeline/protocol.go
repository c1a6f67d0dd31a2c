package pipeline

import (
	"encoding/json"
	"strings"
)

// Analyzer stdout line tags. The Python scripts prefix every status line
// with one of these; detection results arrive between the results markers
// as one JSON object per line, and the feature/clustering scripts print a
// single bare JSON object instead.
const (
	tagInfo         = "[INFO]"
	tagSuccess      = "[SUCCESS]"
	tagWarning      = "[WARNING]"
	tagDebug        = "[DEBUG]"
	tagError        = "[ERROR]"
	tagDetection    = "[DETECTION]"
	tagResultsStart = "[RESULTS_START]"
	tagResultsEnd   = "[RESULTS_END]"
)

// outputCollector accumulates an analyzer run's structured output while
// lines stream in.
type outputCollector struct {
	inResults  bool
	resultsEnd bool
	detections []map[string]any
	finalJSON  json.RawMessage
	lastError  string
}

// consume inspects one stdout line. It returns the human-readable message
// for tagged status lines, or "" for lines that carry no status.
func (c *outputCollector) consume(line string) string {
	line = strings.TrimSpace(line)
	if line == "" {
		return ""
	}

	switch {
	case line == tagResultsStart:
		c.inResults = true
		return ""
	case line == tagResultsEnd:
		c.inResults = false
		c.resultsEnd = true
		return ""
	case strings.HasPrefix(line, tagDetection):
		payload := strings.TrimSpace(strings.TrimPrefix(line, tagDetection))
		var det map[string]any
		if err := json.Unmarshal([]byte(payload), &det); err == nil {
			c.detections = append(c.detections, det)
		}
		return ""
	case strings.HasPrefix(line, tagError):
		c.lastError = strings.TrimSpace(strings.TrimPrefix(line, tagError))
		return c.lastError
	case strings.HasPrefix(line, tagInfo):
		return strings.TrimSpace(strings.TrimPrefix(line, tagInfo))
	case strings.HasPrefix(line, tagSuccess):
		return strings.TrimSpace(strings.TrimPrefix(line, tagSuccess))
	case strings.HasPrefix(line, tagWarning):
		return strings.TrimSpace(strings.TrimPrefix(line, tagWarning))
	case strings.HasPrefix(line, tagDebug):
		return ""
	}

	// The feature and clustering scripts emit their result as one bare
	// JSON object; keep the last one seen.
	if strings.HasPrefix(line, "{") && json.Valid([]byte(line)) {
		c.finalJSON = json.RawMessage(line)
	}
	return ""
}

// stageTable maps status-line substrings to progress percentages. Matching
// is first-hit in declaration order.
type stageTable []struct {
	marker  string
	percent int
}

func (t stageTable) match(message string) (int, bool) {
	for _, stage := range t {
		if strings.Contains(message, stage.marker) {
			return stage.percent, true
		}
	}
	return 0, false
}
