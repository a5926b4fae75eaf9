package tracker

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"trailcast/internal/database"
	"trailcast/models"
)

// Stat types recorded by the engine. The legacy piped/invidious types stay
// valid identifiers so old rows hydrate cleanly.
const (
	TypeSources = "sources"
	TypeITunes  = "itunes"
	TypeYtdlp   = "ytdlp"
	TypeArchive = "archive"
	TypeProxy   = "proxy"
)

const maxStatsPerType = 5000

type stat struct {
	success        int64
	total          int64
	avgQuality     float64
	qualitySamples int64
	avgResponseMs  float64
	responseCount  int64
	updatedAt      time.Time
}

// Service keeps the per-source, per-instance and per-strategy success
// tallies, the quality means, and the circuit breaker that gates replicated
// instances. All mutations are mirrored into the store's batched write
// queue.
type Service struct {
	store *database.Store

	mu      sync.RWMutex
	stats   map[string]map[string]*stat
	breaker *circuitBreaker
}

func NewService(store *database.Store) *Service {
	return &Service{
		store:   store,
		stats:   make(map[string]map[string]*stat),
		breaker: newCircuitBreaker(),
	}
}

// Hydrate loads persisted counters into memory. Called once at startup
// before the server listens.
func (s *Service) Hydrate(rows []database.StatRow) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range rows {
		byID, ok := s.stats[r.Type]
		if !ok {
			byID = make(map[string]*stat)
			s.stats[r.Type] = byID
		}
		byID[r.Identifier] = &stat{
			success:        r.SuccessCount,
			total:          r.TotalCount,
			avgQuality:     r.AvgQuality,
			qualitySamples: r.QualitySamples,
			avgResponseMs:  r.AvgResponseMs,
			updatedAt:      r.UpdatedAt,
		}
	}
	log.Printf("[tracker] hydrated %d stat rows", len(rows))
}

// HydrateFromStore loads the best rows of each stat table, bounded per type
// by the same cap the maintenance sweep trims to.
func (s *Service) HydrateFromStore(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	var all []database.StatRow
	for _, statType := range []string{TypeSources, TypeITunes, TypeYtdlp, TypeArchive, TypeProxy} {
		rows, err := s.store.LoadTopStatsByType(ctx, statType, maxStatsPerType)
		if err != nil {
			return err
		}
		all = append(all, rows...)
	}
	s.Hydrate(all)
	return nil
}

func (s *Service) get(statType, id string) *stat {
	byID, ok := s.stats[statType]
	if !ok {
		byID = make(map[string]*stat)
		s.stats[statType] = byID
	}
	st, ok := byID[id]
	if !ok {
		st = &stat{}
		byID[id] = st
	}
	return st
}

func (s *Service) persist(statType, id string, st *stat) {
	if s.store == nil {
		return
	}
	s.store.EnqueueUpsertStat(database.StatRow{
		Type:           statType,
		Identifier:     id,
		SuccessCount:   st.success,
		TotalCount:     st.total,
		AvgQuality:     st.avgQuality,
		QualitySamples: st.qualitySamples,
		AvgResponseMs:  st.avgResponseMs,
		UpdatedAt:      st.updatedAt,
	})
}

// RecordSuccess bumps both counters and closes the matching circuit.
func (s *Service) RecordSuccess(statType, id string) {
	s.mu.Lock()
	st := s.get(statType, id)
	st.success++
	st.total++
	st.updatedAt = time.Now()
	s.persist(statType, id, st)
	s.mu.Unlock()

	s.breaker.reset(statType, id)
}

// RecordFailure bumps the total counter and feeds the circuit breaker.
func (s *Service) RecordFailure(statType, id string) {
	s.mu.Lock()
	st := s.get(statType, id)
	st.total++
	st.updatedAt = time.Now()
	s.persist(statType, id, st)
	s.mu.Unlock()

	s.breaker.recordFailure(statType, id)
}

// RecordQuality folds an observed quality tier into the per-source running
// mean.
func (s *Service) RecordQuality(source, tier string) {
	score := models.QualityScore(tier)

	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.get(TypeSources, source)
	st.avgQuality = (st.avgQuality*float64(st.qualitySamples) + score) / float64(st.qualitySamples+1)
	st.qualitySamples++
	st.updatedAt = time.Now()
	s.persist(TypeSources, source, st)
}

// RecordResponseTime folds an observed resolution latency into the
// per-source running mean. Drives the adaptive per-source deadlines.
func (s *Service) RecordResponseTime(source string, d time.Duration) {
	ms := float64(d.Milliseconds())

	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.get(TypeSources, source)
	st.avgResponseMs = (st.avgResponseMs*float64(st.responseCount) + ms) / float64(st.responseCount+1)
	st.responseCount++
	st.updatedAt = time.Now()
	s.persist(TypeSources, source, st)
}

// Rate returns the learned success rate, 0.5 for never-tried identifiers.
func (s *Service) Rate(statType, id string) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if byID, ok := s.stats[statType]; ok {
		if st, ok := byID[id]; ok && st.total > 0 {
			return float64(st.success) / float64(st.total)
		}
	}
	return 0.5
}

// AvgQuality returns the running quality mean for a source, defaulting to
// the "unknown" tier score.
func (s *Service) AvgQuality(source string) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if byID, ok := s.stats[TypeSources]; ok {
		if st, ok := byID[source]; ok && st.qualitySamples > 0 {
			return st.avgQuality
		}
	}
	return 1.5
}

// AvgResponseTime returns the running latency mean for a source, zero when
// unobserved.
func (s *Service) AvgResponseTime(source string) time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if byID, ok := s.stats[TypeSources]; ok {
		if st, ok := byID[source]; ok && st.responseCount > 0 {
			return time.Duration(st.avgResponseMs) * time.Millisecond
		}
	}
	return 0
}

// IsAvailable reports whether an instance's circuit permits a try.
func (s *Service) IsAvailable(statType, id string) bool {
	return s.breaker.isAvailable(statType, id)
}

// SortBySuccessRate filters the list through the circuit breaker and
// returns it sorted by learned success rate descending. Ties keep the
// input order.
func (s *Service) SortBySuccessRate(statType string, list []string) []string {
	available := make([]string, 0, len(list))
	for _, id := range list {
		if s.breaker.isAvailable(statType, id) {
			available = append(available, id)
		}
	}
	sort.SliceStable(available, func(i, j int) bool {
		return s.Rate(statType, available[i]) > s.Rate(statType, available[j])
	})
	return available
}

// Priority bonuses keep yt-dlp above the catalog sources and the catalog
// sources above the archive regardless of raw success rates.
func priorityBonus(source string) float64 {
	switch source {
	case "ytdlp":
		return 0.3
	case "itunes", "apple", "appletrailers":
		return 0.2
	case "archive":
		return 0.1
	default:
		return 0
	}
}

// SortedSources ranks candidate sources by the composite score
// success_rate + priority_bonus + 0.15 * avg_quality, descending.
func (s *Service) SortedSources(candidates []string) []string {
	out := append([]string(nil), candidates...)
	score := func(source string) float64 {
		return s.Rate(TypeSources, source) + priorityBonus(source) + 0.15*s.AvgQuality(source)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return score(out[i]) > score(out[j])
	})
	return out
}

// StatEntry is one row of the stats endpoint response.
type StatEntry struct {
	Identifier   string  `json:"identifier"`
	SuccessCount int64   `json:"successCount"`
	TotalCount   int64   `json:"totalCount"`
	Rate         float64 `json:"rate"`
	AvgQuality   float64 `json:"avgQuality,omitempty"`
	AvgRespMs    float64 `json:"avgResponseMs,omitempty"`
}

// Snapshot returns every table sorted by rate, plus open circuits.
func (s *Service) Snapshot() (map[string][]StatEntry, map[string]bool) {
	s.mu.RLock()
	tables := make(map[string][]StatEntry, len(s.stats))
	for statType, byID := range s.stats {
		entries := make([]StatEntry, 0, len(byID))
		for id, st := range byID {
			rate := 0.5
			if st.total > 0 {
				rate = float64(st.success) / float64(st.total)
			}
			entries = append(entries, StatEntry{
				Identifier:   id,
				SuccessCount: st.success,
				TotalCount:   st.total,
				Rate:         rate,
				AvgQuality:   st.avgQuality,
				AvgRespMs:    st.avgResponseMs,
			})
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].Rate > entries[j].Rate })
		tables[statType] = entries
	}
	s.mu.RUnlock()

	return tables, s.breaker.snapshot()
}

// Size returns the per-type row counts for the health endpoint.
func (s *Service) Size() map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]int, len(s.stats))
	for statType, byID := range s.stats {
		out[statType] = len(byID)
	}
	return out
}

// TrimToCaps drops the least recently updated rows beyond the per-type cap,
// in memory and durably. Runs from the hourly maintenance sweep.
func (s *Service) TrimToCaps() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for statType, byID := range s.stats {
		if len(byID) <= maxStatsPerType {
			continue
		}
		ids := make([]string, 0, len(byID))
		for id := range byID {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool {
			return byID[ids[i]].updatedAt.After(byID[ids[j]].updatedAt)
		})
		for _, id := range ids[maxStatsPerType:] {
			delete(byID, id)
		}
		if s.store != nil {
			s.store.EnqueueTrimStats(statType, maxStatsPerType)
		}
		log.Printf("[tracker] trimmed %s table to %d rows", statType, maxStatsPerType)
	}
}
