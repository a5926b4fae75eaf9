package appletrailers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"trailcast/models"
	"trailcast/utils/similarity"
)

const (
	quickfindURL = "https://trailers.apple.com/trailers/home/scripts/quickfind.php"
	siteBaseURL  = "https://trailers.apple.com"

	matchThreshold = 0.6
)

type quickfindResponse struct {
	Results []struct {
		Title    string `json:"title"`
		Location string `json:"location"`
	} `json:"results"`
	Error bool `json:"error"`
}

// Service locates the archival Apple trailer page for a movie. The page URL
// it returns is handed to the generic extractor for stream resolution.
type Service struct {
	httpc *http.Client
}

func NewService(httpc *http.Client) *Service {
	if httpc == nil {
		httpc = &http.Client{Timeout: 5 * time.Second}
	}
	return &Service{httpc: httpc}
}

// Lookup finds the trailer page for the canonical title via the quickfind
// endpoint.
func (s *Service) Lookup(ctx context.Context, title *models.CanonicalTitle) (string, error) {
	params := url.Values{}
	params.Set("q", title.Title)
	params.Set("callback", "")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, quickfindURL+"?"+params.Encode(), nil)
	if err != nil {
		return "", err
	}
	resp, err := s.httpc.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("quickfind: %s", resp.Status)
	}

	var payload quickfindResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("quickfind: %w", err)
	}
	if payload.Error || len(payload.Results) == 0 {
		return "", fmt.Errorf("no apple trailer page for %q", title.Title)
	}

	var (
		bestLocation string
		bestScore    float64
	)
	for _, r := range payload.Results {
		if r.Location == "" {
			continue
		}
		score := similarity.Similarity(r.Title, title.Title)
		if score > bestScore {
			bestScore, bestLocation = score, r.Location
		}
	}
	if bestLocation == "" || bestScore < matchThreshold {
		return "", fmt.Errorf("no apple trailer page matched %q (best %.2f)", title.Title, bestScore)
	}

	if strings.HasPrefix(bestLocation, "http") {
		return bestLocation, nil
	}
	return siteBaseURL + bestLocation, nil
}
