package warmup

import (
	"context"
	"log"
	"time"

	"trailcast/services/cache"
	"trailcast/services/metadata"
	"trailcast/services/resolver"
	"trailcast/services/tracker"
)

const (
	warmInterval        = 6 * time.Hour
	maintenanceInterval = time.Hour

	popularLimit = 25
	itemPacing   = 500 * time.Millisecond
)

// Service pre-resolves popular titles so first viewers hit the cache, and
// runs the hourly eviction and stat-trim sweeps.
type Service struct {
	metadata *metadata.Service
	resolver *resolver.Service
	cache    *cache.Service
	tracker  *tracker.Service

	sleep func(time.Duration)
}

func NewService(md *metadata.Service, rs *resolver.Service, c *cache.Service, trk *tracker.Service) *Service {
	return &Service{
		metadata: md,
		resolver: rs,
		cache:    c,
		tracker:  trk,
		sleep:    time.Sleep,
	}
}

// Run blocks until ctx is cancelled, warming every 6 hours and sweeping
// every hour. Call from a goroutine.
func (s *Service) Run(ctx context.Context) {
	warmTicker := time.NewTicker(warmInterval)
	defer warmTicker.Stop()
	sweepTicker := time.NewTicker(maintenanceInterval)
	defer sweepTicker.Stop()

	s.warm(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-warmTicker.C:
			s.warm(ctx)
		case <-sweepTicker.C:
			s.cache.EvictExpired()
			s.tracker.TrimToCaps()
		}
	}
}

func (s *Service) warm(ctx context.Context) {
	if !s.metadata.IsConfigured() {
		log.Printf("[warmup] metadata key not configured, skipping")
		return
	}

	started := time.Now()
	resolved := 0
	for _, mediaType := range []string{"movie", "tv"} {
		ids, err := s.metadata.PopularIMDBIDs(ctx, mediaType, popularLimit)
		if err != nil {
			log.Printf("[warmup] popular %s list failed: %v", mediaType, err)
			continue
		}
		streamType := "movie"
		if mediaType == "tv" {
			streamType = "series"
		}
		for _, id := range ids {
			if ctx.Err() != nil {
				return
			}
			if _, ok := s.cache.Get(id); ok {
				continue
			}
			if _, err := s.resolver.Resolve(ctx, id, streamType, nil); err == nil {
				resolved++
			}
			s.sleep(itemPacing)
		}
	}
	log.Printf("[warmup] pass done: %d new titles in %s", resolved, time.Since(started).Round(time.Second))
}
