package core

import "encoding/json"

// Schedule overlap policies: "allow" enqueues regardless of in-flight work,
// "skip" holds the firing while a job of the same type is still active for
// the recording.
const (
	OverlapAllow = "allow"
	OverlapSkip  = "skip"
)

// Schedule is a named cron expression that enqueues a template job each time
// it comes due. Used for recurring analysis passes such as nightly
// clustering refreshes.
type Schedule struct {
	Name          string          `json:"name"`
	Expression    string          `json:"expression"`
	Timezone      string          `json:"timezone,omitempty"`
	JobType       string          `json:"job_type"`
	RecordingID   int64           `json:"recording_id"`
	Params        json.RawMessage `json:"params,omitempty"`
	Priority      int             `json:"priority"`
	MaxAttempts   int             `json:"max_attempts,omitempty"`
	OverlapPolicy string          `json:"overlap_policy,omitempty"`
	Enabled       bool            `json:"enabled"`
	NextRunAt     string          `json:"next_run_at,omitempty"`
	CreatedAt     string          `json:"created_at,omitempty"`
}
