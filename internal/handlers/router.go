package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
)

// NewRouter wires the protocol endpoints. Terminal endpoints go through limiter
// when it is non-nil.
func NewRouter(requests *RequestHandler, terminal *TerminalHandler, health *HealthHandler, limiter *RateLimiter) *mux.Router {
	router := mux.NewRouter()
	router.Use(logRequests)

	limit := func(h http.HandlerFunc) http.Handler {
		if limiter == nil {
			return h
		}
		return limiter.Middleware(h)
	}

	router.HandleFunc("/addrequest", requests.AddRequest).Methods("POST")
	router.HandleFunc("/status/{transactionId}", requests.Status).Methods("GET")

	router.Handle("/checkrequest/{transactionId}", limit(terminal.CheckRequest)).Methods("GET")
	router.Handle("/response", limit(terminal.Response)).Methods("POST")

	router.HandleFunc("/health", health.Health).Methods("GET", "HEAD")

	return router
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		slog.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
		)
	})
}
