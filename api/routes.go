package api

import (
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"trailcast/handlers"
)

// NewRouter wires the add-on protocol surface plus the operational
// endpoints.
func NewRouter(h *handlers.Handler) *mux.Router {
	r := mux.NewRouter()
	r.Use(corsMiddleware)
	r.Use(requestLogMiddleware)

	r.HandleFunc("/manifest.json", h.Manifest).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/stream/{type}/{id}", h.Stream).Methods(http.MethodGet, http.MethodOptions)

	r.HandleFunc("/health", h.Health).Methods(http.MethodGet)
	r.HandleFunc("/stats", h.Stats).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	r.HandleFunc("/cache/{id}", h.DeleteCacheEntry).Methods(http.MethodDelete)
	r.HandleFunc("/cache", h.DeleteCacheAll).Methods(http.MethodDelete)

	r.HandleFunc("/admin/archive-cookie", h.AddArchiveCookie).Methods(http.MethodPost)
	r.HandleFunc("/admin/archive-cookies", h.ListArchiveCookies).Methods(http.MethodGet)

	return r
}

// corsMiddleware allows browser-based players to query the add-on from any
// origin.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requestLogMiddleware tags every resolution request with an id so log
// lines from the concurrent source race can be correlated.
func requestLogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/stream/") {
			next.ServeHTTP(w, r)
			return
		}
		id := uuid.NewString()[:8]
		w.Header().Set("X-Request-Id", id)
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("[api] %s %s %s (%s)", id, r.Method, r.URL.Path, time.Since(start).Round(time.Millisecond))
	})
}
