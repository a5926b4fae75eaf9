package resolver

import (
	"context"
	"errors"
	"fmt"
	"log"
	"regexp"
	"strconv"
	"time"

	"github.com/sourcegraph/conc"

	"trailcast/models"
	"trailcast/services/appletrailers"
	"trailcast/services/archive"
	"trailcast/services/cache"
	"trailcast/services/itunes"
	"trailcast/services/metadata"
	"trailcast/services/tracker"
	"trailcast/services/ytdlp"
)

const (
	// Hot slice size of the parallel race.
	topSliceSize = 3
	// How long a low-priority winner waits for a better sibling.
	qualityWaitWindow = 2 * time.Second

	minSourceDeadline = 2 * time.Second
)

var sourceDeadlines = map[string]time.Duration{
	"archive":       8 * time.Second,
	"ytdlp":         18 * time.Second,
	"itunes":        5 * time.Second,
	"appletrailers": 10 * time.Second,
	"vimeo":         10 * time.Second,
	"dailymotion":   10 * time.Second,
	"facebook":      10 * time.Second,
	"twitter":       10 * time.Second,
	"instagram":     10 * time.Second,
}

const defaultSourceDeadline = 6 * time.Second

// priorityRank orders concurrent winners: the extractor beats the catalog
// sources, which beat the archive.
func priorityRank(source string) int {
	switch source {
	case "ytdlp":
		return 3
	case "appletrailers", "itunes", "vimeo", "dailymotion":
		return 2
	case "archive":
		return 1
	default:
		return 0
	}
}

func highPriority(source string) bool {
	return source == "ytdlp" || source == "appletrailers"
}

// Service orchestrates the full resolution pipeline: cache, metadata, the
// ranked source race and result caching.
type Service struct {
	cache    *cache.Service
	metadata *metadata.Service
	itunes   *itunes.Service
	ytdlp    *ytdlp.Service
	archive  *archive.Service
	apple    *appletrailers.Service
	tracker  *tracker.Service
}

func NewService(
	c *cache.Service,
	md *metadata.Service,
	it *itunes.Service,
	yt *ytdlp.Service,
	ar *archive.Service,
	ap *appletrailers.Service,
	trk *tracker.Service,
) *Service {
	return &Service{
		cache:    c,
		metadata: md,
		itunes:   it,
		ytdlp:    yt,
		archive:  ar,
		apple:    ap,
		tracker:  trk,
	}
}

var streamIDPattern = regexp.MustCompile(`^(tt\d+)(?::(\d+):(\d+))?$`)

// ParseStreamID splits a stream id into the show IMDb id and an optional
// episode hint (tt123:1:2 form).
func ParseStreamID(raw string) (string, *models.EpisodeHint, bool) {
	m := streamIDPattern.FindStringSubmatch(raw)
	if m == nil {
		return "", nil, false
	}
	if m[2] == "" {
		return m[1], nil, true
	}
	season, _ := strconv.Atoi(m[2])
	episode, _ := strconv.Atoi(m[3])
	return m[1], &models.EpisodeHint{
		Season:         season,
		Episode:        episode,
		IsFirstEpisode: season == 1 && episode == 1,
	}, true
}

// ErrNotFound means no source produced a playable URL. Never cached.
var ErrNotFound = errors.New("no trailer found")

// Resolve returns one playable artifact for the show-level IMDb id. The
// episode hint only affects response labeling upstream; caching and metadata
// always use the show id.
func (s *Service) Resolve(ctx context.Context, imdbID, mediaType string, hint *models.EpisodeHint) (*models.ResolvedArtifact, error) {
	if a, ok := s.cache.GetWithValidation(ctx, imdbID); ok {
		log.Printf("[resolver] cache hit for %s (%s)", imdbID, a.Source)
		return &a, nil
	}

	title, err := s.metadata.Resolve(ctx, imdbID, mediaType)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotFound, err)
	}

	candidates := s.candidateSources(title)
	if len(candidates) == 0 {
		return nil, ErrNotFound
	}
	ranked := s.tracker.SortedSources(candidates)

	top := ranked
	var tail []string
	if len(ranked) > topSliceSize {
		top, tail = ranked[:topSliceSize], ranked[topSliceSize:]
	}

	if a := s.race(ctx, top, title, imdbID); a != nil {
		s.cache.Set(imdbID, *a)
		return a, nil
	}

	for _, source := range tail {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if o := s.attempt(ctx, source, title, imdbID); o.artifact != nil {
			s.cache.Set(imdbID, *o.artifact)
			return o.artifact, nil
		}
	}
	return nil, ErrNotFound
}

// candidateSources builds the source list per the canonical title's shape.
func (s *Service) candidateSources(title *models.CanonicalTitle) []string {
	var out []string
	if title.YouTubeKey != "" {
		out = append(out, "ytdlp")
	}
	if title.TrailerURL != "" && title.TrailerSite != "" {
		out = append(out, title.TrailerSite)
	}
	if title.MediaType == "tv" {
		out = append(out, "itunes")
	} else {
		out = append(out, "appletrailers")
	}
	out = append(out, "archive")
	return out
}

type outcome struct {
	source   string
	artifact *models.ResolvedArtifact
	quality  string
	elapsed  time.Duration
}

// race runs the top slice concurrently. A high-priority winner returns
// immediately; otherwise the best result within the quality-wait window is
// chosen by priority rank, then quality, then learned success rate.
func (s *Service) race(ctx context.Context, sources []string, title *models.CanonicalTitle, imdbID string) *models.ResolvedArtifact {
	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan outcome, len(sources))
	var wg conc.WaitGroup
	for _, source := range sources {
		source := source
		wg.Go(func() {
			results <- s.attempt(raceCtx, source, title, imdbID)
		})
	}
	go func() {
		if r := wg.WaitAndRecover(); r != nil {
			log.Printf("[resolver] source panicked: %v", r.Value)
		}
	}()

	var (
		best      *outcome
		completed int
		waitFire  <-chan time.Time
	)
	for completed < len(sources) {
		select {
		case <-ctx.Done():
			return nil
		case <-waitFire:
			return s.finish(best)
		case o := <-results:
			completed++
			if o.artifact == nil {
				continue
			}
			if highPriority(o.source) {
				cancel()
				return s.finish(&o)
			}
			if best == nil || betterOutcome(&o, best, s.tracker) {
				best = &o
			}
			if waitFire == nil {
				waitFire = time.After(qualityWaitWindow)
			}
		}
	}
	return s.finish(best)
}

func (s *Service) finish(o *outcome) *models.ResolvedArtifact {
	if o == nil {
		return nil
	}
	log.Printf("[resolver] %s won for %s in %s (%s)", o.source, o.artifact.IMDBID, o.elapsed.Round(time.Millisecond), o.quality)
	return o.artifact
}

func betterOutcome(a, b *outcome, trk *tracker.Service) bool {
	if ra, rb := priorityRank(a.source), priorityRank(b.source); ra != rb {
		return ra > rb
	}
	if qa, qb := models.QualityScore(a.quality), models.QualityScore(b.quality); qa != qb {
		return qa > qb
	}
	return trk.Rate(tracker.TypeSources, a.source) > trk.Rate(tracker.TypeSources, b.source)
}

// deadlineFor tightens the per-source deadline with the learned average
// response time: 3x the average, capped at the static default, floored at
// the minimum.
func (s *Service) deadlineFor(source string) time.Duration {
	d, ok := sourceDeadlines[source]
	if !ok {
		d = defaultSourceDeadline
	}
	if avg := s.tracker.AvgResponseTime(source); avg > 0 {
		adaptive := 3 * avg
		if adaptive < d {
			d = adaptive
		}
		if d < minSourceDeadline {
			d = minSourceDeadline
		}
	}
	return d
}

// attempt runs one source with its deadline and records the outcome in the
// tracker.
func (s *Service) attempt(ctx context.Context, source string, title *models.CanonicalTitle, imdbID string) outcome {
	ctx, cancel := context.WithTimeout(ctx, s.deadlineFor(source))
	defer cancel()

	start := time.Now()
	artifact, quality, err := s.resolveSource(ctx, source, title, imdbID)
	elapsed := time.Since(start)

	if err != nil || artifact == nil {
		// A cancelled race sibling is not a source failure.
		if !errors.Is(ctx.Err(), context.Canceled) {
			s.tracker.RecordFailure(tracker.TypeSources, source)
			if err != nil {
				log.Printf("[resolver] %s failed for %s: %v", source, imdbID, err)
			}
		}
		return outcome{source: source}
	}

	artifact.IMDBID = imdbID
	s.tracker.RecordSuccess(tracker.TypeSources, source)
	s.tracker.RecordResponseTime(source, elapsed)
	if quality != "" {
		s.tracker.RecordQuality(source, quality)
	}
	return outcome{source: source, artifact: artifact, quality: quality, elapsed: elapsed}
}

func (s *Service) resolveSource(ctx context.Context, source string, title *models.CanonicalTitle, imdbID string) (*models.ResolvedArtifact, string, error) {
	switch source {
	case "ytdlp":
		pageURL := "https://www.youtube.com/watch?v=" + title.YouTubeKey
		streamURL, quality, err := s.ytdlp.Resolve(ctx, pageURL)
		if err != nil {
			return nil, "", err
		}
		return &models.ResolvedArtifact{
			PreviewURL: streamURL,
			Country:    "yt",
			YouTubeKey: title.YouTubeKey,
			SourceType: models.SourceTypeYouTube,
			Source:     "ytdlp",
		}, quality, nil

	case "vimeo", "dailymotion", "facebook", "twitter", "instagram":
		streamURL, quality, err := s.ytdlp.Resolve(ctx, title.TrailerURL)
		if err != nil {
			return nil, "", err
		}
		return &models.ResolvedArtifact{
			PreviewURL: streamURL,
			Country:    "yt",
			SourceType: models.SourceType(source),
			Source:     source,
		}, quality, nil

	case "itunes":
		artifact, err := s.itunes.Search(ctx, title)
		if err != nil {
			return nil, "", err
		}
		return artifact, "", nil

	case "appletrailers":
		pageURL, err := s.apple.Lookup(ctx, title)
		if err != nil {
			return nil, "", err
		}
		streamURL, quality, err := s.ytdlp.Resolve(ctx, pageURL)
		if err != nil {
			return nil, "", err
		}
		return &models.ResolvedArtifact{
			PreviewURL: streamURL,
			Country:    "apple",
			SourceType: models.SourceTypeApple,
			Source:     "appletrailers",
		}, quality, nil

	case "archive":
		return s.archive.Search(ctx, title, imdbID)

	default:
		return nil, "", fmt.Errorf("unknown source %q", source)
	}
}
