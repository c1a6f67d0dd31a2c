// Package api exposes the job subsystem over HTTP: submission, status,
// progress streaming, the administrative worker/reaper/schedule controls and
// the error envelope. Handlers stay thin; every decision about job state
// lives in the store, the worker or the scheduler.
package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/07raghavan/chatak-eco-soundscape-sub002/internal/core"
	"github.com/07raghavan/chatak-eco-soundscape-sub002/internal/store"
	"github.com/07raghavan/chatak-eco-soundscape-sub002/internal/worker"
)

// JobStore is the slice of the store the job endpoints need.
type JobStore interface {
	Enqueue(ctx context.Context, req *core.EnqueueRequest) (*core.Job, error)
	GetByJobID(ctx context.Context, jobID string) (*core.Job, error)
	ListJobs(ctx context.Context, filter store.Filter) ([]*core.Job, error)
	RetryFailed(ctx context.Context, jobID string) (*core.Job, error)
}

// WorkerController is the loop-control surface of worker.Worker.
type WorkerController interface {
	Start(interval time.Duration) error
	Stop()
	Status() worker.Status
	PollOnce(ctx context.Context) (*core.Job, error)
}

// ScheduleRegistry is the schedule surface of scheduler.Scheduler.
type ScheduleRegistry interface {
	RegisterSchedule(ctx context.Context, sched *core.Schedule) (*core.Schedule, error)
	GetSchedule(ctx context.Context, name string) (*core.Schedule, error)
	ListSchedules(ctx context.Context) ([]*core.Schedule, error)
	DeleteSchedule(ctx context.Context, name string) (*core.Schedule, error)
}

// Reclaimer triggers a manual reaper pass.
type Reclaimer interface {
	ReclaimStale(ctx context.Context, threshold time.Duration) (int, error)
}

// HealthStore is what the health endpoint probes.
type HealthStore interface {
	Ping(ctx context.Context) error
	Stats(ctx context.Context) (map[string]int, error)
}

// readBody drains a request body. A missing or empty body decodes into the
// zero value; admin endpoints treat that as "use defaults".
func readBody(r *http.Request, v any) *core.JobError {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return core.NewInvalidRequestError("Reading request body failed.", map[string]any{
			"error": err.Error(),
		})
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return core.NewInvalidRequestError("Request body is not valid JSON.", map[string]any{
			"error": err.Error(),
		})
	}
	return nil
}

// --- jobs -------------------------------------------------------------

// JobHandler serves the job resource.
type JobHandler struct {
	store JobStore
}

func NewJobHandler(store JobStore) *JobHandler {
	return &JobHandler{store: store}
}

// Create enqueues a job. The work itself happens later on a worker tick;
// this returns as soon as the row is durable.
func (h *JobHandler) Create(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		WriteError(w, http.StatusBadRequest, core.NewInvalidRequestError(
			"Reading request body failed.", map[string]any{"error": err.Error()}))
		return
	}
	req, perr := core.ParseEnqueueRequest(data)
	if perr != nil {
		WriteJobError(w, perr)
		return
	}

	job, eerr := h.store.Enqueue(r.Context(), req)
	if eerr != nil {
		WriteJobError(w, eerr)
		return
	}

	w.Header().Set("Location", "/api/v1/jobs/"+job.JobID)
	WriteJSON(w, http.StatusCreated, map[string]any{"job": job})
}

// Get returns the full job record.
func (h *JobHandler) Get(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	job, err := h.store.GetByJobID(r.Context(), jobID)
	if err != nil {
		WriteJobError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"job": job})
}

// List returns jobs matching the query filters, oldest first.
func (h *JobHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.Filter{
		Status: q.Get("status"),
		Type:   q.Get("type"),
	}
	if raw := q.Get("recording_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			WriteError(w, http.StatusBadRequest, core.NewInvalidRequestError(
				"recording_id must be an integer.", map[string]any{"recording_id": raw}))
			return
		}
		filter.RecordingID = id
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			WriteError(w, http.StatusBadRequest, core.NewInvalidRequestError(
				"limit must be an integer.", map[string]any{"limit": raw}))
			return
		}
		filter.Limit = n
	}

	jobs, err := h.store.ListJobs(r.Context(), filter)
	if err != nil {
		WriteJobError(w, err)
		return
	}
	if jobs == nil {
		jobs = []*core.Job{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"jobs": jobs, "count": len(jobs)})
}

// Retry requeues a permanently failed job with its attempt budget reset.
func (h *JobHandler) Retry(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	job, err := h.store.RetryFailed(r.Context(), jobID)
	if err != nil {
		WriteJobError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"job": job})
}

// --- worker loop control ----------------------------------------------

// WorkerHandler serves the loop-control endpoints.
type WorkerHandler struct {
	worker          WorkerController
	defaultInterval time.Duration
}

func NewWorkerHandler(worker WorkerController, defaultInterval time.Duration) *WorkerHandler {
	if defaultInterval <= 0 {
		defaultInterval = time.Second
	}
	return &WorkerHandler{worker: worker, defaultInterval: defaultInterval}
}

// Start begins the polling loop. Starting an already-running loop is a
// no-op that reports the current status.
func (h *WorkerHandler) Start(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IntervalMs int `json:"interval_ms"`
	}
	if jobErr := readBody(r, &req); jobErr != nil {
		WriteJobError(w, jobErr)
		return
	}

	interval := h.defaultInterval
	if req.IntervalMs != 0 {
		interval = time.Duration(req.IntervalMs) * time.Millisecond
	}
	if err := h.worker.Start(interval); err != nil {
		WriteJobError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"worker": h.worker.Status()})
}

// Stop halts the polling loop, waiting out any in-flight tick.
func (h *WorkerHandler) Stop(w http.ResponseWriter, r *http.Request) {
	h.worker.Stop()
	WriteJSON(w, http.StatusOK, map[string]any{"worker": h.worker.Status()})
}

// Poll claims and executes at most one job synchronously.
func (h *WorkerHandler) Poll(w http.ResponseWriter, r *http.Request) {
	job, err := h.worker.PollOnce(r.Context())
	if err != nil {
		WriteJobError(w, err)
		return
	}
	resp := map[string]any{}
	if job != nil {
		resp["job"] = job
	}
	WriteJSON(w, http.StatusOK, resp)
}

// Status reports the loop snapshot.
func (h *WorkerHandler) Status(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]any{"worker": h.worker.Status()})
}

// --- reaper -----------------------------------------------------------

// ReaperHandler serves the manual reclaim trigger.
type ReaperHandler struct {
	store            Reclaimer
	defaultThreshold time.Duration
}

func NewReaperHandler(store Reclaimer, defaultThreshold time.Duration) *ReaperHandler {
	if defaultThreshold <= 0 {
		defaultThreshold = 5 * time.Minute
	}
	return &ReaperHandler{store: store, defaultThreshold: defaultThreshold}
}

// Reclaim returns stale running jobs to the queue and reports the count.
func (h *ReaperHandler) Reclaim(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ThresholdMs int `json:"threshold_ms"`
	}
	if jobErr := readBody(r, &req); jobErr != nil {
		WriteJobError(w, jobErr)
		return
	}
	if req.ThresholdMs < 0 {
		WriteError(w, http.StatusBadRequest, core.NewInvalidRequestError(
			"threshold_ms must not be negative.", map[string]any{"threshold_ms": req.ThresholdMs}))
		return
	}

	threshold := h.defaultThreshold
	if req.ThresholdMs > 0 {
		threshold = time.Duration(req.ThresholdMs) * time.Millisecond
	}
	n, err := h.store.ReclaimStale(r.Context(), threshold)
	if err != nil {
		WriteJobError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"reclaimed": n})
}

// --- schedules --------------------------------------------------------

// ScheduleHandler serves the recurring-schedule registry.
type ScheduleHandler struct {
	registry ScheduleRegistry
}

func NewScheduleHandler(registry ScheduleRegistry) *ScheduleHandler {
	return &ScheduleHandler{registry: registry}
}

func (h *ScheduleHandler) Create(w http.ResponseWriter, r *http.Request) {
	var sched core.Schedule
	if jobErr := readBody(r, &sched); jobErr != nil {
		WriteJobError(w, jobErr)
		return
	}
	created, err := h.registry.RegisterSchedule(r.Context(), &sched)
	if err != nil {
		WriteJobError(w, err)
		return
	}
	w.Header().Set("Location", "/api/v1/schedules/"+created.Name)
	WriteJSON(w, http.StatusCreated, map[string]any{"schedule": created})
}

func (h *ScheduleHandler) Get(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	sched, err := h.registry.GetSchedule(r.Context(), name)
	if err != nil {
		WriteJobError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"schedule": sched})
}

func (h *ScheduleHandler) List(w http.ResponseWriter, r *http.Request) {
	schedules, err := h.registry.ListSchedules(r.Context())
	if err != nil {
		WriteJobError(w, err)
		return
	}
	if schedules == nil {
		schedules = []*core.Schedule{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"schedules": schedules, "count": len(schedules)})
}

// Delete removes a schedule and returns its last registered state.
func (h *ScheduleHandler) Delete(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	sched, err := h.registry.DeleteSchedule(r.Context(), name)
	if err != nil {
		WriteJobError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"schedule": sched})
}

// --- system -----------------------------------------------------------

// SystemHandler serves health.
type SystemHandler struct {
	store  HealthStore
	driver string
}

func NewSystemHandler(store HealthStore, driver string) *SystemHandler {
	return &SystemHandler{store: store, driver: driver}
}

// Health reports liveness plus per-status job counts. A store that fails
// its ping degrades the response to 503.
func (h *SystemHandler) Health(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status":  "ok",
		"version": core.Version,
		"driver":  h.driver,
	}
	if err := h.store.Ping(r.Context()); err != nil {
		resp["status"] = "degraded"
		resp["error"] = err.Error()
		WriteJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	if stats, err := h.store.Stats(r.Context()); err == nil {
		resp["jobs"] = stats
	}
	WriteJSON(w, http.StatusOK, resp)
}
