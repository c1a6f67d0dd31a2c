package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/07raghavan/chatak-eco-soundscape-sub002/internal/core"
	"github.com/07raghavan/chatak-eco-soundscape-sub002/internal/store"
	"github.com/07raghavan/chatak-eco-soundscape-sub002/internal/worker"
)

func BenchmarkJobCreate(b *testing.B) {
	router := newTestRouter(&mockStore{}, &mockRegistry{}, worker.New(&mockWorkerStore{}, nil))
	body := `{"recording_id":42,"type":"segmentation","params":{"seg_len_s":60,"overlap_pct":10}}`

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
	}
}

func BenchmarkJobGet(b *testing.B) {
	st := &mockStore{
		getFunc: func(ctx context.Context, jobID string) (*core.Job, error) {
			return testJob(jobID, core.StatusRunning), nil
		},
	}
	router := newTestRouter(st, &mockRegistry{}, worker.New(&mockWorkerStore{}, nil))

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs/test-id", nil)
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
	}
}

func BenchmarkJobList(b *testing.B) {
	jobs := make([]*core.Job, 50)
	for i := range jobs {
		jobs[i] = testJob(core.NewUUIDv7(), core.StatusQueued)
	}
	st := &mockStore{
		listFunc: func(ctx context.Context, filter store.Filter) ([]*core.Job, error) {
			return jobs, nil
		},
	}
	router := newTestRouter(st, &mockRegistry{}, worker.New(&mockWorkerStore{}, nil))

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs?status=queued", nil)
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
	}
}

func BenchmarkHealthCheck(b *testing.B) {
	router := newTestRouter(&mockStore{}, &mockRegistry{}, worker.New(&mockWorkerStore{}, nil))

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
	}
}
