package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/07raghavan/chatak-eco-soundscape-sub002/internal/core"
	"github.com/07raghavan/chatak-eco-soundscape-sub002/internal/progress"
)

// ProgressSource is the subscription surface of progress.Watcher.
type ProgressSource interface {
	Watch(ctx context.Context, jobID string) (<-chan progress.Event, func(), error)
}

// EventsHandler streams job progress as server-sent events.
type EventsHandler struct {
	watcher ProgressSource
}

func NewEventsHandler(watcher ProgressSource) *EventsHandler {
	return &EventsHandler{watcher: watcher}
}

// Stream subscribes to a job's progress and writes one `data:` frame per
// event until the stream self-terminates on a terminal status, the watcher
// gives up, or the client disconnects. Frames repeat the last known state
// when nothing changed; consumers treat the events as snapshots.
func (h *EventsHandler) Stream(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	flusher, ok := w.(http.Flusher)
	if !ok {
		WriteError(w, http.StatusInternalServerError, core.NewInternalError(
			"Streaming is not supported by this connection.", nil))
		return
	}

	events, unsubscribe, err := h.watcher.Watch(r.Context(), jobID)
	if err != nil {
		WriteJobError(w, err)
		return
	}
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for ev := range events {
		data, err := json.Marshal(ev)
		if err != nil {
			slog.Error("encoding progress event", "job_id", jobID, "error", err)
			continue
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			// Client went away; the deferred unsubscribe tears down the watch.
			return
		}
		flusher.Flush()
	}
}
