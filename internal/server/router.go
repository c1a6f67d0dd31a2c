// Package server assembles the subsystems into a runnable service: config,
// the HTTP router and the gRPC health endpoint.
package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/07raghavan/chatak-eco-soundscape-sub002/internal/api"
	"github.com/07raghavan/chatak-eco-soundscape-sub002/internal/progress"
	"github.com/07raghavan/chatak-eco-soundscape-sub002/internal/scheduler"
	"github.com/07raghavan/chatak-eco-soundscape-sub002/internal/store"
	"github.com/07raghavan/chatak-eco-soundscape-sub002/internal/worker"
)

// Deps are the wired subsystems the router exposes.
type Deps struct {
	Store     *store.SQLStore
	Worker    *worker.Worker
	Scheduler *scheduler.Scheduler
	Watcher   *progress.Watcher
	Config    Config
}

// NewRouter assembles the HTTP surface. /healthz and /metrics stay outside
// the API key check so probes and scrapers need no credentials.
func NewRouter(d Deps) *chi.Mux {
	jobH := api.NewJobHandler(d.Store)
	workerH := api.NewWorkerHandler(d.Worker, d.Config.WorkerInterval)
	reaperH := api.NewReaperHandler(d.Store, d.Config.StaleThreshold)
	scheduleH := api.NewScheduleHandler(d.Scheduler)
	systemH := api.NewSystemHandler(d.Store, d.Store.Driver())
	eventsH := api.NewEventsHandler(d.Watcher)

	r := chi.NewRouter()
	r.Use(api.PlatformHeaders)
	r.Use(api.RequestLogger)
	r.Use(api.LimitBody)
	r.Use(api.ValidateContentType)

	r.Get("/healthz", systemH.Health)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(api.RequireAPIKey(d.Config.APIKey))

		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", jobH.Create)
			r.Get("/", jobH.List)
			r.Get("/{jobID}", jobH.Get)
			r.Get("/{jobID}/events", eventsH.Stream)
			r.Post("/{jobID}/retry", jobH.Retry)
		})

		r.Route("/worker", func(r chi.Router) {
			r.Get("/", workerH.Status)
			r.Post("/start", workerH.Start)
			r.Post("/stop", workerH.Stop)
			r.Post("/poll", workerH.Poll)
		})

		r.Post("/reaper/reclaim", reaperH.Reclaim)

		r.Route("/schedules", func(r chi.Router) {
			r.Post("/", scheduleH.Create)
			r.Get("/", scheduleH.List)
			r.Get("/{name}", scheduleH.Get)
			r.Delete("/{name}", scheduleH.Delete)
		})
	})

	return r
}
