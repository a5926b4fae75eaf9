package models

import (
	"regexp"
	"strings"
	"time"
)

// SourceType identifies the upstream family that produced a preview URL.
// The cache TTL is keyed on this.
type SourceType string

const (
	SourceTypeYouTube     SourceType = "youtube"
	SourceTypeITunes      SourceType = "itunes"
	SourceTypeArchive     SourceType = "archive"
	SourceTypeApple       SourceType = "apple"
	SourceTypeVimeo       SourceType = "vimeo"
	SourceTypeDailymotion SourceType = "dailymotion"
)

// ResolvedArtifact is the cache value for one resolved title: a single
// playable URL plus provenance. Negative results are never stored, so a
// present artifact always carries a non-empty PreviewURL.
type ResolvedArtifact struct {
	IMDBID     string     `json:"imdbId"`
	PreviewURL string     `json:"previewUrl"`
	TrackID    string     `json:"trackId,omitempty"`
	Country    string     `json:"country,omitempty"` // iTunes country, or synthetic tag: yt / archive / apple
	YouTubeKey string     `json:"youtubeKey,omitempty"`
	SourceType SourceType `json:"sourceType"`
	Source     string     `json:"source"` // provenance label for clients
	Timestamp  time.Time  `json:"timestamp"`
}

// InferSourceType guesses the source family from the URL host when the
// resolver did not set it explicitly.
func InferSourceType(previewURL string) SourceType {
	lowered := strings.ToLower(previewURL)
	switch {
	case strings.Contains(lowered, "googlevideo.com"), strings.Contains(lowered, "youtube.com"):
		return SourceTypeYouTube
	case strings.Contains(lowered, "apple.com"), strings.Contains(lowered, "mzstatic.com"):
		return SourceTypeITunes
	case strings.Contains(lowered, "archive.org"):
		return SourceTypeArchive
	case strings.Contains(lowered, "vimeo"):
		return SourceTypeVimeo
	case strings.Contains(lowered, "dailymotion"), strings.Contains(lowered, "dmcdn"):
		return SourceTypeDailymotion
	default:
		return SourceTypeYouTube
	}
}

// SuccessStat is one learned counter row: how often a source, instance,
// country, strategy or proxy has succeeded.
type SuccessStat struct {
	Type         string    `json:"type"` // sources | itunes | ytdlp | archive | proxy | piped | invidious
	Identifier   string    `json:"identifier"`
	SuccessCount int64     `json:"successCount"`
	TotalCount   int64     `json:"totalCount"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Rate returns the observed success rate, defaulting to 0.5 when the
// identifier has never been tried.
func (s SuccessStat) Rate() float64 {
	if s.TotalCount == 0 {
		return 0.5
	}
	return float64(s.SuccessCount) / float64(s.TotalCount)
}

// QualityScore maps an observed quality tier to an ordinal score used by
// source ranking.
func QualityScore(tier string) float64 {
	switch strings.ToLower(strings.TrimSpace(tier)) {
	case "2160p", "4k":
		return 4
	case "1440p":
		return 3.5
	case "1080p":
		return 3
	case "720p":
		return 2
	case "480p":
		return 1
	case "360p":
		return 0.5
	case "best":
		return 2.5
	default:
		return 1.5
	}
}

// ArchiveCookie is a rotatable archive.org credential record.
type ArchiveCookie struct {
	ID        int64      `json:"id"`
	Cookies   string     `json:"cookies"`
	Email     string     `json:"email,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
	LastUsed  *time.Time `json:"lastUsed,omitempty"`
	IsValid   bool       `json:"isValid"`
	UseCount  int64      `json:"useCount"`
}

// CanonicalTitle is the transient record derived from the metadata DB for
// one IMDb id. It feeds every source strategy.
type CanonicalTitle struct {
	MediaType           string // movie | tv
	Title               string
	OriginalTitle       string
	Year                int
	RuntimeMinutes      int
	AltTitles           []string // English-locale alternatives (US/GB/CA/AU)
	YouTubeKey          string
	YouTubeTrailerTitle string
	TrailerURL          string // canonical page URL for non-YouTube hosted trailers
	TrailerSite         string // vimeo | dailymotion | apple | facebook | twitter | instagram
}

// EpisodeHint carries the season/episode part of a series stream id.
type EpisodeHint struct {
	Season         int
	Episode        int
	IsFirstEpisode bool
}

// StreamItem is one entry of the add-on protocol stream response.
type StreamItem struct {
	Name  string `json:"name"`
	Title string `json:"title"`
	URL   string `json:"url"`
}

// StreamResponse is the add-on protocol response body. Streams is empty on
// any failure; it never exceeds one element.
type StreamResponse struct {
	Streams []StreamItem `json:"streams"`
}

var imdbIDPattern = regexp.MustCompile(`^tt\d+$`)

// ValidIMDBID reports whether id is a bare IMDb title id (tt followed by
// digits, no episode suffix).
func ValidIMDBID(id string) bool {
	return imdbIDPattern.MatchString(id)
}
