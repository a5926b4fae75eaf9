package itunes

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"trailcast/models"
	"trailcast/services/tracker"
	"trailcast/utils/similarity"
)

const searchBaseURL = "https://itunes.apple.com/search"

const (
	matchThreshold = 0.6
	// A match this good ends the country cascade early.
	shortCircuitThreshold = matchThreshold + 0.2

	pacingDelay = 200 * time.Millisecond
)

var defaultCountries = []string{"US", "GB", "CA", "AU"}

// searchVariant is one parameter set of the catalog search cascade. Variants
// are tried in order until one yields records with preview URLs.
type searchVariant struct {
	media     string
	entity    string
	attribute string
	kind      string // post-filter on the record's kind field, empty = any
}

var movieVariants = []searchVariant{
	{media: "movie", entity: "movie", attribute: "movieTerm", kind: "feature-movie"},
	{media: "movie", entity: "movie", kind: "feature-movie"},
	{media: "movie", entity: "movie"},
	{media: "movie"},
}

var tvVariants = []searchVariant{
	{media: "tvShow", entity: "tvSeason", attribute: "showTerm"},
	{media: "tvShow", entity: "tvSeason"},
	{media: "tvShow", entity: "tvEpisode"},
	{media: "tvShow"},
}

type searchResult struct {
	Results []track `json:"results"`
}

type track struct {
	Kind            string `json:"kind"`
	TrackID         int64  `json:"trackId"`
	CollectionID    int64  `json:"collectionId"`
	TrackName       string `json:"trackName"`
	CollectionName  string `json:"collectionName"`
	ArtistName      string `json:"artistName"`
	PreviewURL      string `json:"previewUrl"`
	PreviewDuration int64  `json:"previewDuration"` // milliseconds, absent on most records
	ReleaseDate     string `json:"releaseDate"`
	TrackTimeMillis int64  `json:"trackTimeMillis"`
}

// Service queries the public iTunes catalog for movie and episode previews,
// scoring candidates against the canonical title.
type Service struct {
	httpc   *http.Client
	tracker *tracker.Service
	sleep   func(time.Duration)
}

func NewService(httpc *http.Client, trk *tracker.Service) *Service {
	if httpc == nil {
		httpc = &http.Client{Timeout: 8 * time.Second}
	}
	return &Service{httpc: httpc, tracker: trk, sleep: time.Sleep}
}

// Search walks the country and parameter cascades and returns the
// best-scoring preview, or an error when nothing clears the threshold.
func (s *Service) Search(ctx context.Context, title *models.CanonicalTitle) (*models.ResolvedArtifact, error) {
	countries := defaultCountries
	if s.tracker != nil {
		if sorted := s.tracker.SortBySuccessRate(tracker.TypeITunes, defaultCountries); len(sorted) > 0 {
			countries = sorted
		}
	}

	var (
		best        *track
		bestScore   float64
		bestCountry string
	)

	// Every catalog request after the first waits out the pacing delay,
	// across terms, variants and countries alike.
	first := true
	pace := func() {
		if first {
			first = false
			return
		}
		s.sleep(pacingDelay)
	}

	for _, country := range countries {
		if ctx.Err() != nil {
			break
		}

		t, score, err := s.searchCountry(ctx, country, title, pace)
		if err != nil {
			log.Printf("[itunes] country %s failed: %v", country, err)
		}
		matched := t != nil && score >= matchThreshold
		if s.tracker != nil {
			if matched {
				s.tracker.RecordSuccess(tracker.TypeITunes, country)
			} else {
				s.tracker.RecordFailure(tracker.TypeITunes, country)
			}
		}
		if t != nil && score > bestScore {
			best, bestScore, bestCountry = t, score, country
		}
		if bestScore >= shortCircuitThreshold {
			break
		}
	}

	if best == nil || bestScore < matchThreshold {
		return nil, fmt.Errorf("no preview matched %q (best score %.2f)", title.Title, bestScore)
	}

	trackID := best.TrackID
	if trackID == 0 {
		trackID = best.CollectionID
	}
	log.Printf("[itunes] matched %q in %s (score %.2f, track %d)", title.Title, bestCountry, bestScore, trackID)
	return &models.ResolvedArtifact{
		PreviewURL: best.PreviewURL,
		TrackID:    strconv.FormatInt(trackID, 10),
		Country:    bestCountry,
		SourceType: models.SourceTypeITunes,
		Source:     "itunes",
	}, nil
}

// searchCountry tries each title term through the parameter cascade for one
// country and returns the best candidate found.
func (s *Service) searchCountry(ctx context.Context, country string, title *models.CanonicalTitle, pace func()) (*track, float64, error) {
	terms := searchTerms(title)
	variants := movieVariants
	if title.MediaType == "tv" {
		variants = tvVariants
	}

	var (
		best      *track
		bestScore float64
		lastErr   error
	)

	for _, term := range terms {
		for _, variant := range variants {
			if ctx.Err() != nil {
				return best, bestScore, ctx.Err()
			}
			pace()
			records, err := s.query(ctx, country, term, variant)
			if err != nil {
				lastErr = err
				continue
			}
			if len(records) == 0 {
				continue
			}
			for i := range records {
				if score := scoreTrack(&records[i], title); score > bestScore {
					best, bestScore = &records[i], score
				}
			}
			// Records with previews found: the remaining variants for
			// this term would only re-rank the same catalog.
			break
		}
		if bestScore >= shortCircuitThreshold {
			break
		}
	}
	return best, bestScore, lastErr
}

// query performs one catalog search and keeps only records with a preview
// URL. A 400 is permanent for this parameter set.
func (s *Service) query(ctx context.Context, country, term string, variant searchVariant) ([]track, error) {
	params := url.Values{}
	params.Set("term", term)
	params.Set("country", country)
	params.Set("limit", "50")
	params.Set("lang", "en_us")
	if variant.media != "" {
		params.Set("media", variant.media)
	}
	if variant.entity != "" {
		params.Set("entity", variant.entity)
	}
	if variant.attribute != "" {
		params.Set("attribute", variant.attribute)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, searchBaseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		log.Printf("[itunes] 400 for %s/%s term %q: %s", country, variant.media, term, strings.TrimSpace(string(body)))
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("itunes search: %s", resp.Status)
	}

	var payload searchResult
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, err
	}

	out := make([]track, 0, len(payload.Results))
	for _, t := range payload.Results {
		if t.PreviewURL == "" {
			continue
		}
		if variant.kind != "" && t.Kind != "" && t.Kind != variant.kind {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

// searchTerms returns the title terms to try: main title, original title if
// distinct, then the first unseen alternative.
func searchTerms(title *models.CanonicalTitle) []string {
	terms := []string{title.Title}
	seen := map[string]bool{strings.ToLower(title.Title): true}
	if title.OriginalTitle != "" && !seen[strings.ToLower(title.OriginalTitle)] {
		terms = append(terms, title.OriginalTitle)
		seen[strings.ToLower(title.OriginalTitle)] = true
	}
	for _, alt := range title.AltTitles {
		if alt != "" && !seen[strings.ToLower(alt)] {
			terms = append(terms, alt)
			break
		}
	}
	return terms
}

// matchName is the candidate field compared against the canonical title:
// the track or collection name for movies, the artist (show) name for tv.
func matchName(t *track, mediaType string) string {
	if mediaType == "tv" {
		return t.ArtistName
	}
	if t.TrackName != "" {
		return t.TrackName
	}
	return t.CollectionName
}

func scoreTrack(t *track, title *models.CanonicalTitle) float64 {
	if t.PreviewURL == "" {
		return -1.0
	}

	name := matchName(t, title.MediaType)
	score := nameBonus(name, title)
	score += yearBonus(t, title)

	if title.MediaType == "movie" && t.TrackTimeMillis > 0 && title.RuntimeMinutes > 0 {
		diff := int64(title.RuntimeMinutes) - t.TrackTimeMillis/60000
		if diff < 0 {
			diff = -diff
		}
		if diff <= 5 {
			score += 0.15
		} else if diff > 15 {
			score -= 0.2
		}
	}

	if t.PreviewDuration > 0 {
		switch sec := t.PreviewDuration / 1000; {
		case sec >= 60:
			score += 0.1
		case sec < 30:
			score -= 0.1
		}
	}

	return score
}

func nameBonus(name string, title *models.CanonicalTitle) float64 {
	if strings.EqualFold(name, title.Title) {
		return 0.5
	}
	if strings.EqualFold(name, title.OriginalTitle) {
		return 0.4
	}
	for _, alt := range title.AltTitles {
		if strings.EqualFold(name, alt) {
			return 0.4
		}
	}
	fuzzy := similarity.Similarity(name, title.Title)
	switch {
	case fuzzy > 0.8:
		return 0.3
	case fuzzy > 0.6:
		return 0.15
	default:
		return 0
	}
}

func yearBonus(t *track, title *models.CanonicalTitle) float64 {
	if title.Year == 0 || len(t.ReleaseDate) < 4 {
		return 0
	}
	candidateYear, err := strconv.Atoi(t.ReleaseDate[:4])
	if err != nil {
		return 0
	}
	diff := title.Year - candidateYear
	if diff < 0 {
		diff = -diff
	}

	if title.MediaType == "movie" {
		switch {
		case diff == 0:
			return 0.35
		case diff == 1:
			return 0.2
		case diff > 2:
			return -0.5
		default:
			return 0
		}
	}
	switch {
	case diff == 0:
		return 0.35
	case diff <= 2:
		return 0.25
	case diff <= 5:
		return 0.15
	case diff <= 10:
		return 0.05
	default:
		return 0
	}
}
