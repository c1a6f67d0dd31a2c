package api

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/07raghavan/chatak-eco-soundscape-sub002/internal/core"
)

// MaxBodySize limits request body size to prevent OOM from oversized payloads.
const MaxBodySize = 10 * 1024 * 1024 // 10 MB

// PlatformHeaders stamps every response with the subsystem version, the JSON
// content type and a request id (echoed from the caller when present).
func PlatformHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-Id")
		if reqID == "" {
			reqID = "req_" + core.NewUUIDv7()
		}
		w.Header().Set("X-Request-Id", reqID)
		w.Header().Set("Chatak-Jobs-Version", core.Version)
		w.Header().Set("Content-Type", contentTypeJSON)
		next.ServeHTTP(w, r)
	})
}

// RequestLogger middleware logs HTTP requests with structured logging.
func RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		slog.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", sw.status,
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", w.Header().Get("X-Request-Id"),
		)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// Flush lets the SSE handler stream through the logger's wrapper.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// LimitBody middleware restricts request body size.
func LimitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, MaxBodySize)
		}
		next.ServeHTTP(w, r)
	})
}

// ValidateContentType rejects mutating requests whose declared body type is
// not JSON. An absent Content-Type passes; the body decoder catches garbage.
func ValidateContentType(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost, http.MethodPut, http.MethodPatch:
			ct := r.Header.Get("Content-Type")
			if ct != "" && !strings.HasPrefix(ct, contentTypeJSON) {
				WriteError(w, http.StatusBadRequest, core.NewInvalidRequestError(
					"Content-Type must be application/json.",
					map[string]any{"content_type": ct},
				))
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// RequireAPIKey enforces bearer authentication. An empty key disables the
// check; main refuses that combination unless explicitly allowed.
func RequireAPIKey(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if key == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(auth, "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(key)) != 1 {
				WriteError(w, http.StatusUnauthorized, &core.JobError{
					Code:    core.ErrCodeInvalidRequest,
					Message: "Missing or invalid API key.",
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
