package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"runtime"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"trailcast/internal/gate"
	"trailcast/internal/metrics"
	"trailcast/models"
	"trailcast/services/archive"
	"trailcast/services/cache"
	"trailcast/services/resolver"
	"trailcast/services/tracker"
)

// Handler carries the wired services for the HTTP surface.
type Handler struct {
	resolver *resolver.Service
	gate     *gate.Gate
	cache    *cache.Service
	tracker  *tracker.Service
	cookies  *archive.CookieManager

	startedAt time.Time
}

func New(rs *resolver.Service, g *gate.Gate, c *cache.Service, trk *tracker.Service, cookies *archive.CookieManager) *Handler {
	return &Handler{
		resolver:  rs,
		gate:      g,
		cache:     c,
		tracker:   trk,
		cookies:   cookies,
		startedAt: time.Now(),
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[api] encoding response failed: %v", err)
	}
}

func emptyStreams(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, models.StreamResponse{Streams: []models.StreamItem{}})
}

// Manifest serves the add-on descriptor.
func (h *Handler) Manifest(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"id":          "community.trailcast",
		"version":     "1.2.0",
		"name":        "Trailcast",
		"description": "Official trailers and previews for movies and series",
		"resources":   []string{"stream"},
		"types":       []string{"movie", "series"},
		"idPrefixes":  []string{"tt"},
		"catalogs":    []any{},
	})
}

// Stream resolves one title to a single stream entry. Any failure or
// timeout answers with an empty stream list, never an error status.
func (h *Handler) Stream(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	mediaType := vars["type"]
	rawID := strings.TrimSuffix(vars["id"], ".json")

	if mediaType != "movie" && mediaType != "series" {
		emptyStreams(w)
		return
	}
	imdbID, hint, ok := resolver.ParseStreamID(rawID)
	if !ok {
		emptyStreams(w)
		return
	}

	start := time.Now()
	artifact, err := h.gate.Resolve(r.Context(), imdbID, func(ctx context.Context) (*models.ResolvedArtifact, error) {
		return h.resolver.Resolve(ctx, imdbID, mediaType, hint)
	})
	metrics.ResolutionDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		switch {
		case errors.Is(err, gate.ErrDeadline):
			metrics.Resolutions.WithLabelValues("none", "timeout").Inc()
		default:
			metrics.Resolutions.WithLabelValues("none", "miss").Inc()
		}
		emptyStreams(w)
		return
	}

	metrics.Resolutions.WithLabelValues(artifact.Source, "hit").Inc()
	writeJSON(w, http.StatusOK, models.StreamResponse{
		Streams: []models.StreamItem{{
			Name:  streamName(artifact, mediaType),
			Title: streamTitle(artifact),
			URL:   artifact.PreviewURL,
		}},
	})
}

func streamName(a *models.ResolvedArtifact, mediaType string) string {
	if a.SourceType == models.SourceTypeITunes {
		if mediaType == "series" {
			return "Episode Preview"
		}
		return "Movie Preview"
	}
	if mediaType == "series" {
		return "Show Trailer"
	}
	return "Official Trailer"
}

func streamTitle(a *models.ResolvedArtifact) string {
	if a.Country != "" {
		return fmt.Sprintf("Trailer / Preview (%s)", strings.ToUpper(a.Country))
	}
	return "Trailer / Preview"
}

// Health reports process and table stats.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(h.startedAt).Round(time.Second).String(),
		"cache": map[string]int{
			"entries":  h.cache.Size(),
			"capacity": h.cache.Cap(),
		},
		"tracker": h.tracker.Size(),
		"runtime": map[string]any{
			"goroutines": runtime.NumGoroutine(),
			"allocMB":    mem.Alloc / (1 << 20),
			"sysMB":      mem.Sys / (1 << 20),
			"numGC":      mem.NumGC,
		},
	})
}

// Stats exposes the learned success tables and open circuits.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	tables, circuits := h.tracker.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"tables":       tables,
		"openCircuits": circuits,
	})
}

// DeleteCacheEntry evicts one id from the cache.
func (h *Handler) DeleteCacheEntry(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !models.ValidIMDBID(id) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid imdb id"})
		return
	}
	h.cache.Delete(r.Context(), id)
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "id": id})
}

// DeleteCacheAll clears the whole cache.
func (h *Handler) DeleteCacheAll(w http.ResponseWriter, r *http.Request) {
	h.cache.DeleteAll(r.Context())
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

type addCookieRequest struct {
	Cookies string `json:"cookies"`
	Email   string `json:"email"`
}

// AddArchiveCookie stores a new archive.org credential.
func (h *Handler) AddArchiveCookie(w http.ResponseWriter, r *http.Request) {
	var req addCookieRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Cookies) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "cookies field required"})
		return
	}
	id, err := h.cookies.Add(r.Context(), req.Cookies, req.Email)
	if err != nil {
		log.Printf("[api] storing archive cookie failed: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "store failed"})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"status": "stored", "id": id})
}

// ListArchiveCookies lists stored credentials, values redacted.
func (h *Handler) ListArchiveCookies(w http.ResponseWriter, r *http.Request) {
	cookies, err := h.cookies.List(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "list failed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cookies": cookies})
}
