package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

const tmdbBaseURL = "https://api.themoviedb.org/3"

type tmdbClient struct {
	apiKey string
	httpc  *http.Client

	// Rate limiting
	throttleMu  sync.Mutex
	lastRequest time.Time
	minInterval time.Duration
}

func newTMDBClient(apiKey string, httpc *http.Client) *tmdbClient {
	if httpc == nil {
		httpc = &http.Client{Timeout: 15 * time.Second}
	}
	return &tmdbClient{
		apiKey:      strings.TrimSpace(apiKey),
		httpc:       httpc,
		minInterval: 20 * time.Millisecond, // TMDB has generous rate limits
	}
}

func (c *tmdbClient) isConfigured() bool {
	return c != nil && c.apiKey != ""
}

// doGET performs an HTTP GET with rate limiting and retry with exponential
// backoff on 429/5xx.
func (c *tmdbClient) doGET(ctx context.Context, endpoint string, v any) error {
	var lastErr error
	backoff := 300 * time.Millisecond

	for attempt := 0; attempt < 3; attempt++ {
		c.throttleMu.Lock()
		since := time.Since(c.lastRequest)
		if since < c.minInterval {
			time.Sleep(c.minInterval - since)
		}
		c.lastRequest = time.Now()
		c.throttleMu.Unlock()

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return err
		}

		resp, err := c.httpc.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			lastErr = err
			log.Printf("[metadata] http error (attempt %d/3): %v", attempt+1, err)
			time.Sleep(backoff)
			backoff *= 2
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			resp.Body.Close()
			log.Printf("[metadata] rate limited or server error (attempt %d/3): status %d", attempt+1, resp.StatusCode)
			lastErr = fmt.Errorf("tmdb request failed: %s", resp.Status)
			time.Sleep(backoff)
			backoff *= 2
			continue
		}

		if resp.StatusCode >= 400 {
			resp.Body.Close()
			return fmt.Errorf("tmdb request failed: %s", resp.Status)
		}

		err = json.NewDecoder(resp.Body).Decode(v)
		resp.Body.Close()
		if err != nil {
			return err
		}
		return nil
	}

	return lastErr
}

func (c *tmdbClient) endpoint(parts string, params url.Values) string {
	if params == nil {
		params = url.Values{}
	}
	params.Set("api_key", c.apiKey)
	return fmt.Sprintf("%s/%s?%s", tmdbBaseURL, parts, params.Encode())
}

type tmdbFindResponse struct {
	MovieResults []struct {
		ID int64 `json:"id"`
	} `json:"movie_results"`
	TVResults []struct {
		ID int64 `json:"id"`
	} `json:"tv_results"`
}

// findByIMDBID resolves an IMDb id to the internal TMDB id plus the
// canonical media type.
func (c *tmdbClient) findByIMDBID(ctx context.Context, imdbID string) (int64, string, error) {
	if !c.isConfigured() {
		return 0, "", errors.New("tmdb api key not configured")
	}
	if !strings.HasPrefix(imdbID, "tt") {
		imdbID = "tt" + imdbID
	}

	params := url.Values{}
	params.Set("external_source", "imdb_id")

	var payload tmdbFindResponse
	if err := c.doGET(ctx, c.endpoint("find/"+imdbID, params), &payload); err != nil {
		return 0, "", err
	}

	if len(payload.MovieResults) > 0 {
		return payload.MovieResults[0].ID, "movie", nil
	}
	if len(payload.TVResults) > 0 {
		return payload.TVResults[0].ID, "tv", nil
	}
	return 0, "", fmt.Errorf("no title found for IMDb id %s", imdbID)
}

type tmdbVideo struct {
	Name     string `json:"name"`
	Key      string `json:"key"`
	Site     string `json:"site"`
	Type     string `json:"type"`
	Official bool   `json:"official"`
}

type tmdbDetailResponse struct {
	Title          string `json:"title"`
	Name           string `json:"name"`
	OriginalTitle  string `json:"original_title"`
	OriginalName   string `json:"original_name"`
	ReleaseDate    string `json:"release_date"`
	FirstAirDate   string `json:"first_air_date"`
	Runtime        int    `json:"runtime"`
	EpisodeRunTime []int  `json:"episode_run_time"`
	Videos         struct {
		Results []tmdbVideo `json:"results"`
	} `json:"videos"`
}

// detailWithVideos fetches the detail record with the videos array embedded
// in one round trip.
func (c *tmdbClient) detailWithVideos(ctx context.Context, mediaType string, tmdbID int64) (*tmdbDetailResponse, error) {
	if !c.isConfigured() {
		return nil, errors.New("tmdb api key not configured")
	}

	params := url.Values{}
	params.Set("append_to_response", "videos")
	params.Set("language", "en-US")
	params.Set("include_video_language", "en,null")

	var payload tmdbDetailResponse
	path := fmt.Sprintf("%s/%d", mediaType, tmdbID)
	if err := c.doGET(ctx, c.endpoint(path, params), &payload); err != nil {
		return nil, err
	}
	return &payload, nil
}

type tmdbAltTitlesResponse struct {
	Titles []struct {
		ISO31661 string `json:"iso_3166_1"`
		Title    string `json:"title"`
	} `json:"titles"`
	Results []struct {
		ISO31661 string `json:"iso_3166_1"`
		Title    string `json:"title"`
	} `json:"results"`
}

type altTitle struct {
	Country string
	Title   string
}

// alternativeTitles fetches the alt-title list. Movies return "titles",
// series return "results".
func (c *tmdbClient) alternativeTitles(ctx context.Context, mediaType string, tmdbID int64) ([]altTitle, error) {
	if !c.isConfigured() {
		return nil, errors.New("tmdb api key not configured")
	}

	var payload tmdbAltTitlesResponse
	path := fmt.Sprintf("%s/%d/alternative_titles", mediaType, tmdbID)
	if err := c.doGET(ctx, c.endpoint(path, nil), &payload); err != nil {
		return nil, err
	}

	entries := payload.Titles
	if len(entries) == 0 {
		entries = payload.Results
	}
	out := make([]altTitle, 0, len(entries))
	for _, t := range entries {
		out = append(out, altTitle{Country: t.ISO31661, Title: t.Title})
	}
	return out, nil
}

type tmdbPopularResponse struct {
	Results []struct {
		ID    int64  `json:"id"`
		Title string `json:"title"`
		Name  string `json:"name"`
	} `json:"results"`
}

type tmdbExternalIDsResponse struct {
	IMDBID string `json:"imdb_id"`
}

// popularIMDBIDs returns IMDb ids of currently popular titles for the
// warm-up pass.
func (c *tmdbClient) popularIMDBIDs(ctx context.Context, mediaType string, limit int) ([]string, error) {
	if !c.isConfigured() {
		return nil, errors.New("tmdb api key not configured")
	}

	var payload tmdbPopularResponse
	if err := c.doGET(ctx, c.endpoint(mediaType+"/popular", nil), &payload); err != nil {
		return nil, err
	}

	ids := make([]string, 0, limit)
	for _, r := range payload.Results {
		if len(ids) >= limit {
			break
		}
		var ext tmdbExternalIDsResponse
		path := fmt.Sprintf("%s/%d/external_ids", mediaType, r.ID)
		if err := c.doGET(ctx, c.endpoint(path, nil), &ext); err != nil {
			log.Printf("[metadata] external ids for %s/%d failed: %v", mediaType, r.ID, err)
			continue
		}
		if id := strings.TrimSpace(ext.IMDBID); id != "" {
			ids = append(ids, id)
		}
	}
	return ids, nil
}
