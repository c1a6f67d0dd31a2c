package store

import (
	"encoding/json"
	"fmt"

	"github.com/07raghavan/chatak-eco-soundscape-sub002/internal/core"
)

// marshalPayload serializes a payload for the jobs.payload column.
func marshalPayload(p core.Payload) ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encoding payload: %w", err)
	}
	return data, nil
}

// unmarshalPayload tolerates empty columns from rows created before the
// payload was first written.
func unmarshalPayload(data []byte) (core.Payload, error) {
	var p core.Payload
	if len(data) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return p, err
	}
	return p, nil
}

// mergeMetrics folds new performance counters into the existing set without
// dropping keys the handler reported earlier.
func mergeMetrics(existing, update map[string]any) map[string]any {
	if len(update) == 0 {
		return existing
	}
	if existing == nil {
		existing = make(map[string]any, len(update))
	}
	for k, v := range update {
		existing[k] = v
	}
	return existing
}
