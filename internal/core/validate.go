package core

import (
	"encoding/json"
	"fmt"
	"regexp"
)

// Job type names are dot-separated segments of lowercase letters, digits and
// hyphens, each segment starting with a letter: "segmentation",
// "event-detection", "clustering.refresh".
var typeRe = regexp.MustCompile(`^[a-z][a-z0-9-]*(\.[a-z][a-z0-9-]*)*$`)

const maxDedupeKeyLen = 200

// ValidateEnqueueRequest checks a parsed submission against the domain
// rules. It returns nil when the request is acceptable.
func ValidateEnqueueRequest(req *EnqueueRequest) *JobError {
	if req.Type == "" {
		return NewInvalidRequestError("Field 'type' is required.", nil)
	}
	if !typeRe.MatchString(req.Type) {
		return NewInvalidRequestError(
			fmt.Sprintf("Invalid job type %q: must be lowercase dot-separated segments.", req.Type),
			map[string]any{"type": req.Type},
		)
	}

	if req.RecordingID <= 0 {
		return NewInvalidRequestError("Field 'recording_id' must be a positive integer.", map[string]any{
			"recording_id": req.RecordingID,
		})
	}

	if len(req.Params) > 0 {
		switch detectJSONType(req.Params) {
		case "object", "null":
		default:
			return NewInvalidRequestError("Field 'params' must be a JSON object.", map[string]any{
				"params_type": detectJSONType(req.Params),
			})
		}
	}

	if req.Priority != nil && (*req.Priority < -100 || *req.Priority > 100) {
		return NewInvalidRequestError("Field 'priority' must be between -100 and 100.", map[string]any{
			"priority": *req.Priority,
		})
	}

	if req.MaxAttempts != nil && *req.MaxAttempts < 1 {
		return NewInvalidRequestError("Field 'max_attempts' must be at least 1.", map[string]any{
			"max_attempts": *req.MaxAttempts,
		})
	}

	if len(req.DedupeKey) > maxDedupeKeyLen {
		return NewInvalidRequestError("Field 'dedupe_key' is too long.", map[string]any{
			"max_length": maxDedupeKeyLen,
		})
	}

	return nil
}

// ValidateRetryPolicy checks a backoff configuration before it is applied.
func ValidateRetryPolicy(policy *RetryPolicy) *JobError {
	if policy == nil {
		return nil
	}
	if policy.MaxAttempts < 0 {
		return NewInvalidRequestError("Retry 'max_attempts' must not be negative.", map[string]any{
			"max_attempts": policy.MaxAttempts,
		})
	}
	if policy.BackoffCoefficient != 0 && policy.BackoffCoefficient < 1.0 {
		return NewInvalidRequestError("Retry 'backoff_coefficient' must be at least 1.0.", map[string]any{
			"backoff_coefficient": policy.BackoffCoefficient,
		})
	}
	for field, interval := range map[string]string{
		"initial_interval": policy.InitialInterval,
		"max_interval":     policy.MaxInterval,
	} {
		if interval == "" {
			continue
		}
		if _, err := ParseISO8601Duration(interval); err != nil {
			return NewInvalidRequestError(
				fmt.Sprintf("Retry '%s' is not a valid ISO 8601 duration.", field),
				map[string]any{field: interval},
			)
		}
	}
	switch strategy := policy.BackoffType; strategy {
	case "", BackoffExponential, BackoffLinear, BackoffConstant:
	default:
		return NewInvalidRequestError("Unknown backoff type.", map[string]any{"backoff_type": strategy})
	}
	return nil
}

// detectJSONType names the top-level JSON type of raw, for error details.
func detectJSONType(raw json.RawMessage) string {
	trimmed := []byte(nil)
	for _, c := range raw {
		if c != ' ' && c != '\t' && c != '\n' && c != '\r' {
			trimmed = append(trimmed, c)
			break
		}
	}
	if len(trimmed) == 0 {
		return "empty"
	}
	switch trimmed[0] {
	case '{':
		return "object"
	case '[':
		return "array"
	case '"':
		return "string"
	case 't', 'f':
		return "boolean"
	case 'n':
		return "null"
	default:
		return "number"
	}
}
