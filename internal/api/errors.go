package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/07raghavan/chatak-eco-soundscape-sub002/internal/core"
)

const contentTypeJSON = "application/json"

// ErrorResponse is the envelope every failed request renders. The request id
// comes from the response headers so clients can quote it back.
type ErrorResponse struct {
	Error     ErrorBody `json:"error"`
	RequestID string    `json:"request_id,omitempty"`
}

// ErrorBody mirrors core.JobError on the wire.
type ErrorBody struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Retryable bool           `json:"retryable"`
	Details   map[string]any `json:"details,omitempty"`
}

// WriteJSON renders v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding response body", "error", err)
	}
}

// WriteError renders a JobError with an explicit status.
func WriteError(w http.ResponseWriter, status int, jobErr *core.JobError) {
	resp := ErrorResponse{
		Error: ErrorBody{
			Code:      jobErr.Code,
			Message:   jobErr.Message,
			Retryable: jobErr.Retryable,
			Details:   jobErr.Details,
		},
		RequestID: w.Header().Get("X-Request-Id"),
	}
	WriteJSON(w, status, resp)
}

// WriteJobError maps any error onto the taxonomy and renders it. Errors that
// are not JobErrors are logged and masked as internal faults.
func WriteJobError(w http.ResponseWriter, err error) {
	var jobErr *core.JobError
	if !errors.As(err, &jobErr) {
		slog.Error("unclassified handler error", "error", err)
		jobErr = core.NewInternalError("Internal server error.", nil)
	}
	WriteError(w, httpStatus(jobErr.Code), jobErr)
}

func httpStatus(code string) int {
	switch code {
	case core.ErrCodeInvalidRequest, core.ErrCodeValidationError:
		return http.StatusBadRequest
	case core.ErrCodeNotFound:
		return http.StatusNotFound
	case core.ErrCodeConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
