package urlcheck

import (
	"context"
	"log"
	"net/http"
	"time"
)

// Checker probes resolved URLs with a ranged HEAD request. Its only job is
// to detect URLs that are definitively gone; every transient or
// access-control status counts as alive, because CDN-signed URLs routinely
// answer 403/429 to probes while still playing fine for the client.
type Checker struct {
	httpc   *http.Client
	timeout time.Duration
}

func New(httpc *http.Client) *Checker {
	if httpc == nil {
		httpc = &http.Client{Timeout: 5 * time.Second}
	}
	return &Checker{httpc: httpc, timeout: 3 * time.Second}
}

// IsGone reports whether the URL is definitively dead (404 or 410). Any
// other status, timeout or network error returns false.
func (c *Checker) IsGone(ctx context.Context, rawURL string) bool {
	status, err := c.probe(ctx, rawURL)
	if err != nil {
		return false
	}
	return status == http.StatusNotFound || status == http.StatusGone
}

// IsReachable reports whether a ranged HEAD succeeded with 200/206 and the
// URL was not rejected outright. Used by the archive strategy to vet object
// URLs before returning them; 401/403 and other 4xx count as unreachable
// here because an unauthenticated client will hit the same wall.
func (c *Checker) IsReachable(ctx context.Context, rawURL string) bool {
	status, err := c.probe(ctx, rawURL)
	if err != nil {
		return false
	}
	return status == http.StatusOK || status == http.StatusPartialContent
}

func (c *Checker) probe(ctx context.Context, rawURL string) (int, error) {
	probeCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodHead, rawURL, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Range", "bytes=0-1")
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; trailcast/1.0)")

	resp, err := c.httpc.Do(req)
	if err != nil {
		log.Printf("[urlcheck] HEAD failed for %s: %v", rawURL, err)
		return 0, err
	}
	resp.Body.Close()
	return resp.StatusCode, nil
}
