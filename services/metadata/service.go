package metadata

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"

	"trailcast/models"
)

// ErrNotFound is returned when the metadata DB has no record for the id.
var ErrNotFound = fmt.Errorf("title not found")

var supportedSites = map[string]bool{
	"youtube":     true,
	"vimeo":       true,
	"dailymotion": true,
	"apple":       true,
	"facebook":    true,
	"twitter":     true,
	"instagram":   true,
}

var excludedVideoTypes = map[string]bool{
	"behind the scenes": true,
	"featurette":        true,
	"bloopers":          true,
	"opening credits":   true,
}

var excludedNameParts = []string{"behind", "featurette", "bloopers", "opening", "credits", "making of"}

// English-locale countries whose alternative titles are worth matching
// against the English-language source catalogs.
var altTitleCountries = map[string]bool{"US": true, "GB": true, "CA": true, "AU": true}

// Service resolves an IMDb id to its canonical title record: names, year,
// runtime, English alt titles and the best candidate trailer video.
type Service struct {
	client *tmdbClient
}

func NewService(apiKey string, httpc *http.Client) *Service {
	return &Service{client: newTMDBClient(apiKey, httpc)}
}

func (s *Service) IsConfigured() bool {
	return s.client.isConfigured()
}

// Resolve looks up the canonical record for an IMDb id. typeHint is the
// caller's movie/series expectation; the metadata DB's own classification
// wins when they disagree.
func (s *Service) Resolve(ctx context.Context, imdbID, typeHint string) (*models.CanonicalTitle, error) {
	tmdbID, mediaType, err := s.client.findByIMDBID(ctx, imdbID)
	if err != nil {
		return nil, fmt.Errorf("find %s: %w", imdbID, err)
	}
	if hint := normalizeTypeHint(typeHint); hint != "" && hint != mediaType {
		log.Printf("[metadata] %s classified as %s, caller expected %s", imdbID, mediaType, hint)
	}

	detail, err := s.client.detailWithVideos(ctx, mediaType, tmdbID)
	if err != nil {
		return nil, fmt.Errorf("detail %s/%d: %w", mediaType, tmdbID, err)
	}

	title := &models.CanonicalTitle{MediaType: mediaType}
	if mediaType == "movie" {
		title.Title = detail.Title
		title.OriginalTitle = detail.OriginalTitle
		title.Year = yearOf(detail.ReleaseDate)
		title.RuntimeMinutes = detail.Runtime
	} else {
		title.Title = detail.Name
		title.OriginalTitle = detail.OriginalName
		title.Year = yearOf(detail.FirstAirDate)
		if len(detail.EpisodeRunTime) > 0 {
			title.RuntimeMinutes = detail.EpisodeRunTime[0]
		}
	}
	if title.Title == "" {
		return nil, ErrNotFound
	}

	if alts, err := s.client.alternativeTitles(ctx, mediaType, tmdbID); err != nil {
		log.Printf("[metadata] alt titles for %s failed: %v", imdbID, err)
	} else {
		seen := map[string]bool{strings.ToLower(title.Title): true, strings.ToLower(title.OriginalTitle): true}
		for _, alt := range alts {
			if !altTitleCountries[strings.ToUpper(alt.Country)] {
				continue
			}
			key := strings.ToLower(alt.Title)
			if alt.Title == "" || seen[key] {
				continue
			}
			seen[key] = true
			title.AltTitles = append(title.AltTitles, alt.Title)
		}
	}

	if v := pickTrailer(detail.Videos.Results); v != nil {
		site := strings.ToLower(v.Site)
		if site == "youtube" {
			title.YouTubeKey = v.Key
			title.YouTubeTrailerTitle = v.Name
		} else {
			title.TrailerSite = site
			title.TrailerURL = pageURL(site, v.Key)
		}
	}

	log.Printf("[metadata] resolved %s: %q (%d) %s trailer=%v", imdbID, title.Title, title.Year, mediaType, title.YouTubeKey != "" || title.TrailerURL != "")
	return title, nil
}

// PopularIMDBIDs returns IMDb ids of currently popular titles for the given
// media type (movie or tv).
func (s *Service) PopularIMDBIDs(ctx context.Context, mediaType string, limit int) ([]string, error) {
	return s.client.popularIMDBIDs(ctx, mediaType, limit)
}

func normalizeTypeHint(hint string) string {
	switch strings.ToLower(hint) {
	case "movie":
		return "movie"
	case "series", "tv":
		return "tv"
	default:
		return ""
	}
}

func yearOf(date string) int {
	if len(date) < 4 {
		return 0
	}
	y, err := strconv.Atoi(date[:4])
	if err != nil {
		return 0
	}
	return y
}

func excludedVideo(v tmdbVideo) bool {
	if excludedVideoTypes[strings.ToLower(v.Type)] {
		return true
	}
	name := strings.ToLower(v.Name)
	for _, part := range excludedNameParts {
		if strings.Contains(name, part) {
			return true
		}
	}
	return false
}

// pickTrailer selects the best video from the metadata DB's list, preferring
// official trailers and degrading gracefully through teasers, clips and
// whatever else remains.
func pickTrailer(videos []tmdbVideo) *tmdbVideo {
	candidates := make([]tmdbVideo, 0, len(videos))
	for _, v := range videos {
		if v.Key == "" || !supportedSites[strings.ToLower(v.Site)] || excludedVideo(v) {
			continue
		}
		candidates = append(candidates, v)
	}
	if len(candidates) == 0 {
		return nil
	}

	pick := func(match func(tmdbVideo) bool) *tmdbVideo {
		for i := range candidates {
			if match(candidates[i]) {
				return &candidates[i]
			}
		}
		return nil
	}

	isType := func(v tmdbVideo, t string) bool { return strings.EqualFold(v.Type, t) }

	if v := pick(func(v tmdbVideo) bool { return v.Official && isType(v, "Trailer") }); v != nil {
		return v
	}
	if v := pick(func(v tmdbVideo) bool { return v.Official && isType(v, "Teaser") }); v != nil {
		return v
	}
	if v := pick(func(v tmdbVideo) bool { return isType(v, "Trailer") }); v != nil {
		return v
	}
	if v := pick(func(v tmdbVideo) bool { return v.Official && isType(v, "Clip") }); v != nil {
		return v
	}
	if v := pick(func(v tmdbVideo) bool { return v.Official }); v != nil {
		return v
	}
	return &candidates[0]
}

// pageURL builds the canonical watch-page URL for a non-YouTube video key.
func pageURL(site, key string) string {
	switch site {
	case "vimeo":
		return "https://vimeo.com/" + key
	case "dailymotion":
		return "https://www.dailymotion.com/video/" + key
	case "apple":
		return key // apple keys are already full URLs
	case "facebook":
		return "https://www.facebook.com/watch/?v=" + key
	case "twitter":
		return "https://twitter.com/i/status/" + key
	case "instagram":
		return "https://www.instagram.com/p/" + key + "/"
	default:
		return key
	}
}
