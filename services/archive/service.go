package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"

	"trailcast/models"
	"trailcast/services/tracker"
	"trailcast/utils/similarity"
	"trailcast/utils/urlcheck"
)

const (
	defaultBaseURL = "https://archive.org"

	searchTimeout   = 8 * time.Second
	metadataTimeout = 5 * time.Second

	searchRows = 20
	// Only the best few strategies are worth the latency.
	maxStrategies = 3
)

// strategy is one parameterized advanced-search query template.
type strategy struct {
	id         string
	applicable func(q searchQuery) bool
	build      func(q searchQuery) string
}

func always(searchQuery) bool { return true }

var strategies = []strategy{
	{
		id:         "imdb_exact",
		applicable: func(q searchQuery) bool { return q.imdbID != "" },
		build: func(q searchQuery) string {
			return fmt.Sprintf(`collection:movie_trailers AND external-identifier:("urn:imdb:%s")`, q.imdbID)
		},
	},
	{
		id:         "collection_title_year",
		applicable: func(q searchQuery) bool { return q.year > 0 },
		build: func(q searchQuery) string {
			return fmt.Sprintf(`collection:movie_trailers AND title:"%s" AND year:%d`, q.title, q.year)
		},
	},
	{
		id:         "collection_title",
		applicable: always,
		build: func(q searchQuery) string {
			return fmt.Sprintf(`collection:movie_trailers AND title:"%s"`, q.title)
		},
	},
	{
		id:         "title_trailer_year",
		applicable: func(q searchQuery) bool { return q.year > 0 },
		build: func(q searchQuery) string {
			return fmt.Sprintf(`title:"%s trailer" AND year:%d`, q.title, q.year)
		},
	},
	{
		id:         "title_trailer",
		applicable: always,
		build: func(q searchQuery) string {
			return fmt.Sprintf(`title:"%s trailer"`, q.title)
		},
	},
	{
		id: "collection_original_year",
		applicable: func(q searchQuery) bool {
			return q.year > 0 && q.originalTitle != "" && q.originalTitle != q.title
		},
		build: func(q searchQuery) string {
			return fmt.Sprintf(`collection:movie_trailers AND title:"%s" AND year:%d`, q.originalTitle, q.year)
		},
	},
	{
		id:         "trailer_title_year",
		applicable: func(q searchQuery) bool { return q.year > 0 && meaningfulTrailerTitle(q) },
		build: func(q searchQuery) string {
			return fmt.Sprintf(`title:"%s" AND year:%d`, q.trailerTitle, q.year)
		},
	},
	{
		id:         "trailer_title",
		applicable: meaningfulTrailerTitle,
		build: func(q searchQuery) string {
			return fmt.Sprintf(`title:"%s"`, q.trailerTitle)
		},
	},
}

// meaningfulTrailerTitle guards the strategies that reuse the metadata DB's
// own trailer name, which is often just "Trailer".
func meaningfulTrailerTitle(q searchQuery) bool {
	if q.trailerTitle == "" {
		return false
	}
	return len(similarity.Words(q.trailerTitle)) >= 2
}

// stringList tolerates the search API returning either a string or an array
// for multi-valued fields.
type stringList []string

func (l *stringList) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*l = stringList{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return err
	}
	*l = stringList(many)
	return nil
}

// flexInt tolerates numbers encoded as strings.
type flexInt int

func (n *flexInt) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		*n = 0
		return nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		// Dates like "1994-01-01" show up in the year field.
		if len(s) >= 4 {
			if v, err = strconv.Atoi(s[:4]); err == nil {
				*n = flexInt(v)
				return nil
			}
		}
		*n = 0
		return nil
	}
	*n = flexInt(v)
	return nil
}

type searchDoc struct {
	Identifier         string     `json:"identifier"`
	RawTitle           stringList `json:"title"`
	RawYear            flexInt    `json:"year"`
	ExternalIdentifier stringList `json:"external-identifier"`
	RawDownloads       flexInt    `json:"downloads"`

	Title     string `json:"-"`
	Year      int    `json:"-"`
	Downloads int    `json:"-"`
}

type searchResponse struct {
	Response struct {
		Docs []searchDoc `json:"docs"`
	} `json:"response"`
}

// Service finds archival trailer copies through the advanced-search API.
type Service struct {
	baseURL string
	httpc   *http.Client
	tracker *tracker.Service
	cookies *CookieManager
	checker *urlcheck.Checker
	now     func() time.Time
}

func NewService(httpc *http.Client, trk *tracker.Service, cookies *CookieManager, checker *urlcheck.Checker) *Service {
	if httpc == nil {
		httpc = &http.Client{Timeout: searchTimeout}
	}
	return &Service{
		baseURL: defaultBaseURL,
		httpc:   httpc,
		tracker: trk,
		cookies: cookies,
		checker: checker,
		now:     time.Now,
	}
}

// Search runs the strategy cascade and returns the first validated trailer
// object, with its estimated quality tier.
func (s *Service) Search(ctx context.Context, title *models.CanonicalTitle, imdbID string) (*models.ResolvedArtifact, string, error) {
	q := searchQuery{
		imdbID:        strings.ToLower(imdbID),
		title:         title.Title,
		originalTitle: title.OriginalTitle,
		trailerTitle:  title.YouTubeTrailerTitle,
		year:          title.Year,
	}
	threshold := q.threshold(s.now())

	candidates := make([]string, 0, len(strategies))
	byID := make(map[string]strategy, len(strategies))
	for _, st := range strategies {
		if st.applicable(q) {
			candidates = append(candidates, st.id)
			byID[st.id] = st
		}
	}
	if s.tracker != nil {
		candidates = s.tracker.SortBySuccessRate(tracker.TypeArchive, candidates)
	}
	if len(candidates) > maxStrategies {
		candidates = candidates[:maxStrategies]
	}

	var lastErr error
	for _, id := range candidates {
		st := byID[id]
		artifact, quality, err := s.trySearchStrategy(ctx, st, q, threshold)
		if err == nil && artifact != nil {
			if s.tracker != nil {
				s.tracker.RecordSuccess(tracker.TypeArchive, st.id)
			}
			return artifact, quality, nil
		}
		if s.tracker != nil {
			s.tracker.RecordFailure(tracker.TypeArchive, st.id)
		}
		if err != nil {
			log.Printf("[archive] strategy %s failed: %v", st.id, err)
			lastErr = err
		}
	}

	if lastErr != nil {
		return nil, "", fmt.Errorf("no archived trailer for %q: %w", title.Title, lastErr)
	}
	return nil, "", fmt.Errorf("no archived trailer for %q", title.Title)
}

func (s *Service) trySearchStrategy(ctx context.Context, st strategy, q searchQuery, threshold float64) (*models.ResolvedArtifact, string, error) {
	ctx, cancel := context.WithTimeout(ctx, searchTimeout)
	defer cancel()

	docs, err := s.search(ctx, st.build(q))
	if err != nil {
		return nil, "", err
	}

	var (
		best      *searchDoc
		bestScore float64
	)
	// A doc carrying the requested IMDb identifier wins outright, no matter
	// how well any fuzzy candidate scores.
	if q.imdbID != "" {
		for i := range docs {
			if docIMDBID(docs[i].ExternalIdentifier) == q.imdbID {
				best, bestScore = &docs[i], 1.0
				break
			}
		}
	}
	if best == nil {
		for i := range docs {
			score, ok := scoreDoc(&docs[i], q)
			if !ok {
				continue
			}
			if score > bestScore {
				best, bestScore = &docs[i], score
			}
		}
	}
	if best == nil || bestScore < threshold {
		return nil, "", nil
	}
	if !passesStructuralFilter(best, q) {
		log.Printf("[archive] %s scored %.2f but failed structural filter", best.Identifier, bestScore)
		return nil, "", nil
	}

	downloadURL, quality, err := s.resolveObject(ctx, best.Identifier)
	if err != nil {
		return nil, "", err
	}

	log.Printf("[archive] %s matched %q via %s (score %.2f, %s)", best.Identifier, q.title, st.id, bestScore, quality)
	return &models.ResolvedArtifact{
		PreviewURL: downloadURL,
		TrackID:    best.Identifier,
		Country:    "archive",
		SourceType: models.SourceTypeArchive,
		Source:     "archive",
	}, quality, nil
}

// search runs one advanced-search query, retrying gateway errors.
func (s *Service) search(ctx context.Context, query string) ([]searchDoc, error) {
	params := url.Values{}
	params.Set("q", query)
	params.Add("fl[]", "identifier")
	params.Add("fl[]", "title")
	params.Add("fl[]", "year")
	params.Add("fl[]", "external-identifier")
	params.Add("fl[]", "downloads")
	params.Add("sort[]", "downloads desc")
	params.Set("rows", strconv.Itoa(searchRows))
	params.Set("output", "json")
	endpoint := s.baseURL + "/advancedsearch.php?" + params.Encode()

	var payload searchResponse
	err := retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
			if err != nil {
				return retry.Unrecoverable(err)
			}
			cookie := s.injectCookie(ctx, req)

			resp, err := s.httpc.Do(req)
			if err != nil {
				return retry.Unrecoverable(err)
			}
			defer resp.Body.Close()

			switch resp.StatusCode {
			case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
				return fmt.Errorf("archive search: %s", resp.Status)
			case http.StatusUnauthorized, http.StatusForbidden:
				if cookie != nil {
					// Burned credential: retire it and retry, which rotates
					// to the next valid cookie (or none).
					log.Printf("[archive] cookie %d rejected with %s, invalidating", cookie.ID, resp.Status)
					s.cookies.Invalidate(ctx, cookie.ID)
					return fmt.Errorf("archive search: %s", resp.Status)
				}
				return retry.Unrecoverable(fmt.Errorf("archive search: %s", resp.Status))
			}
			if resp.StatusCode != http.StatusOK {
				return retry.Unrecoverable(fmt.Errorf("archive search: %s", resp.Status))
			}
			if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
				return retry.Unrecoverable(err)
			}
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return nil, err
	}

	docs := payload.Response.Docs
	for i := range docs {
		if len(docs[i].RawTitle) > 0 {
			docs[i].Title = docs[i].RawTitle[0]
		}
		docs[i].Year = int(docs[i].RawYear)
		docs[i].Downloads = int(docs[i].RawDownloads)
	}
	return docs, nil
}

func (s *Service) injectCookie(ctx context.Context, req *http.Request) *models.ArchiveCookie {
	if s.cookies == nil {
		return nil
	}
	c, err := s.cookies.Current(ctx)
	if err != nil {
		return nil
	}
	req.Header.Set("Cookie", c.Cookies)
	return &c
}
