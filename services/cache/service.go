package cache

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"trailcast/internal/database"
	"trailcast/internal/metrics"
	"trailcast/models"
	"trailcast/utils/urlcheck"
)

const maxEntries = 10000

// Revalidation only kicks in for entries that are both reasonably old and
// close to expiry; younger entries are trusted outright.
const (
	revalidateMinAge   = 12 * time.Hour
	revalidateFraction = 0.8
)

// TTL returns how long an artifact from the given source family stays
// fresh. Proxied video-CDN URLs carry short-lived signatures; catalog
// preview URLs are stable; archive object URLs are effectively immutable.
func TTL(sourceType models.SourceType) time.Duration {
	switch sourceType {
	case models.SourceTypeITunes:
		return 168 * time.Hour
	case models.SourceTypeArchive:
		return 720 * time.Hour
	default:
		return 2 * time.Hour
	}
}

// Service is the hot in-memory resolution cache backed by the durable
// store. Negative results are never cached: a present entry always has a
// playable URL.
type Service struct {
	store   *database.Store
	checker *urlcheck.Checker

	mu      sync.RWMutex
	entries map[string]models.ResolvedArtifact

	now func() time.Time
}

func NewService(store *database.Store, checker *urlcheck.Checker) *Service {
	return &Service{
		store:   store,
		checker: checker,
		entries: make(map[string]models.ResolvedArtifact),
		now:     time.Now,
	}
}

// Hydrate loads recent rows from the store. Expired rows are skipped.
func (s *Service) Hydrate(ctx context.Context) {
	if s.store == nil {
		return
	}
	rows, err := s.store.LoadRecentCache(ctx, maxEntries)
	if err != nil {
		log.Printf("[cache] hydration failed: %v", err)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	loaded := 0
	for _, a := range rows {
		if s.now().Sub(a.Timestamp) >= TTL(a.SourceType) {
			continue
		}
		s.entries[a.IMDBID] = a
		loaded++
	}
	log.Printf("[cache] hydrated %d entries", loaded)
}

// Get returns the artifact when present and within TTL.
func (s *Service) Get(imdbID string) (models.ResolvedArtifact, bool) {
	s.mu.RLock()
	a, ok := s.entries[imdbID]
	s.mu.RUnlock()
	if !ok {
		return models.ResolvedArtifact{}, false
	}
	if s.now().Sub(a.Timestamp) >= TTL(a.SourceType) {
		return models.ResolvedArtifact{}, false
	}
	return a, true
}

// GetWithValidation behaves like Get but HEAD-probes entries nearing
// expiry. Only a definitive 404/410 evicts; 403/429/5xx and timeouts keep
// the entry, since signed CDN URLs reject probes while remaining playable.
func (s *Service) GetWithValidation(ctx context.Context, imdbID string) (models.ResolvedArtifact, bool) {
	a, ok := s.Get(imdbID)
	if !ok {
		metrics.CacheLookups.WithLabelValues("miss").Inc()
		return models.ResolvedArtifact{}, false
	}

	age := s.now().Sub(a.Timestamp)
	ttl := TTL(a.SourceType)
	if age <= revalidateMinAge || float64(age) <= revalidateFraction*float64(ttl) {
		metrics.CacheLookups.WithLabelValues("hit").Inc()
		return a, true
	}

	if s.checker != nil && s.checker.IsGone(ctx, a.PreviewURL) {
		log.Printf("[cache] %s gone upstream, evicting", imdbID)
		metrics.CacheLookups.WithLabelValues("evicted").Inc()
		s.Delete(ctx, imdbID)
		return models.ResolvedArtifact{}, false
	}
	metrics.CacheLookups.WithLabelValues("hit").Inc()
	return a, true
}

// Set stamps and stores an artifact, replacing any previous entry
// unconditionally (last writer wins).
func (s *Service) Set(imdbID string, a models.ResolvedArtifact) {
	a.IMDBID = imdbID
	a.Timestamp = s.now()
	if a.SourceType == "" {
		a.SourceType = models.InferSourceType(a.PreviewURL)
	}

	s.mu.Lock()
	s.entries[imdbID] = a
	s.mu.Unlock()

	if s.store != nil {
		s.store.EnqueueUpsertCache(a)
	}
}

// Delete removes one entry, memory and durable.
func (s *Service) Delete(ctx context.Context, imdbID string) {
	s.mu.Lock()
	delete(s.entries, imdbID)
	s.mu.Unlock()

	if s.store != nil {
		if err := s.store.DeleteCache(ctx, imdbID); err != nil {
			log.Printf("[cache] durable delete of %s failed: %v", imdbID, err)
		}
	}
}

// DeleteAll clears the cache, memory and durable.
func (s *Service) DeleteAll(ctx context.Context) {
	s.mu.Lock()
	s.entries = make(map[string]models.ResolvedArtifact)
	s.mu.Unlock()

	if s.store != nil {
		if err := s.store.DeleteAllCache(ctx); err != nil {
			log.Printf("[cache] durable clear failed: %v", err)
		}
	}
}

// EvictExpired drops TTL-expired entries and trims to the capacity cap by
// oldest timestamp. Runs from the hourly maintenance sweep.
func (s *Service) EvictExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, a := range s.entries {
		if s.now().Sub(a.Timestamp) >= TTL(a.SourceType) {
			delete(s.entries, id)
			removed++
		}
	}

	if len(s.entries) > maxEntries {
		ids := make([]string, 0, len(s.entries))
		for id := range s.entries {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool {
			return s.entries[ids[i]].Timestamp.Before(s.entries[ids[j]].Timestamp)
		})
		for _, id := range ids[:len(ids)-maxEntries] {
			delete(s.entries, id)
			removed++
		}
		if s.store != nil {
			s.store.EnqueueTrimCache(maxEntries)
		}
	}

	if removed > 0 {
		log.Printf("[cache] evicted %d entries, %d remain", removed, len(s.entries))
	}
}

// Size returns the current entry count for the health endpoint.
func (s *Service) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Cap returns the capacity limit for the health endpoint.
func (s *Service) Cap() int { return maxEntries }
