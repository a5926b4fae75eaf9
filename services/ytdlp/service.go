package ytdlp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/sourcegraph/conc"

	"trailcast/services/tracker"
)

var (
	// ErrAgeRestricted means the extractor cannot resolve the video at all;
	// callers should not retry through other proxies.
	ErrAgeRestricted = errors.New("age-restricted video")
	// ErrBotDetected means the egress IP tripped bot detection; callers
	// advance to the next proxy.
	ErrBotDetected = errors.New("bot detection triggered")
)

const (
	invocationTimeout = 18 * time.Second
	outputCap         = 10 << 20 // 10 MB
	socketTimeout     = "20"

	desktopUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"

	// Prefer progressive single-file formats so no muxing is needed.
	formatLadder = "best[height<=1080][ext=mp4][protocol=https]/best[height<=1080][ext=mp4]/best[height<=1080]/best[ext=mp4]/best"
)

var botMarkers = []string{"sign in to confirm", "not a bot", "bot"}

// Proxy is one forward-proxy endpoint of the egress pool.
type Proxy struct {
	Name      string `json:"name"`
	URL       string `json:"url"`
	StatusURL string `json:"statusUrl"`
}

// Service extracts direct stream URLs from video pages by shelling out to
// the yt-dlp binary, rotating through an egress proxy pool.
type Service struct {
	binary  string
	proxies []Proxy
	tracker *tracker.Service
	httpc   *http.Client

	// Injectable for tests.
	run func(ctx context.Context, args []string) (stdout, stderr string, err error)
}

func NewService(binary string, proxies []Proxy, trk *tracker.Service) *Service {
	if binary == "" {
		binary = "yt-dlp"
	}
	s := &Service{
		binary:  binary,
		proxies: proxies,
		tracker: trk,
		httpc:   &http.Client{Timeout: 2 * time.Second},
	}
	s.run = s.runBinary
	return s
}

// Resolve extracts one streamable URL for the given video page. Returns the
// URL and an observed quality tier.
func (s *Service) Resolve(ctx context.Context, pageURL string) (string, string, error) {
	ordered := s.orderedProxies(ctx)

	var lastErr error
	for _, p := range ordered {
		if ctx.Err() != nil {
			return "", "", ctx.Err()
		}
		streamURL, quality, err := s.attempt(ctx, pageURL, p.URL)
		if err == nil {
			if s.tracker != nil {
				s.tracker.RecordSuccess(tracker.TypeProxy, p.Name)
			}
			return streamURL, quality, nil
		}
		if errors.Is(err, ErrAgeRestricted) {
			return "", "", err
		}
		if s.tracker != nil {
			s.tracker.RecordFailure(tracker.TypeProxy, p.Name)
		}
		log.Printf("[ytdlp] proxy %s failed: %v", p.Name, err)
		lastErr = err
	}

	// Last resort: one direct attempt without a proxy.
	streamURL, quality, err := s.attempt(ctx, pageURL, "")
	if err != nil {
		if lastErr != nil && !errors.Is(err, ErrAgeRestricted) {
			return "", "", fmt.Errorf("all proxies failed, direct attempt: %w", err)
		}
		return "", "", err
	}
	return streamURL, quality, nil
}

// orderedProxies health-checks the pool and sorts it by learned success
// rate. Health is advisory: when every probe fails the full pool is still
// returned in learned order.
func (s *Service) orderedProxies(ctx context.Context) []Proxy {
	if len(s.proxies) == 0 {
		return nil
	}

	// Probes run in parallel so the pool costs at most one probe window,
	// not one per proxy.
	healthy := make(map[string]bool, len(s.proxies))
	var mu sync.Mutex
	var wg conc.WaitGroup
	for _, p := range s.proxies {
		p := p
		wg.Go(func() {
			ok := s.healthCheck(ctx, p)
			mu.Lock()
			healthy[p.Name] = ok
			mu.Unlock()
		})
	}
	wg.Wait()

	names := make([]string, 0, len(s.proxies))
	byName := make(map[string]Proxy, len(s.proxies))
	for _, p := range s.proxies {
		names = append(names, p.Name)
		byName[p.Name] = p
	}
	if s.tracker != nil {
		names = s.tracker.SortBySuccessRate(tracker.TypeProxy, names)
	}

	ordered := make([]Proxy, 0, len(names))
	for _, n := range names {
		if healthy[n] {
			ordered = append(ordered, byName[n])
		}
	}
	for _, n := range names {
		if !healthy[n] {
			ordered = append(ordered, byName[n])
		}
	}
	return ordered
}

func (s *Service) healthCheck(ctx context.Context, p Proxy) bool {
	if p.StatusURL == "" {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.StatusURL, nil)
	if err != nil {
		return false
	}
	resp, err := s.httpc.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < 500
}

// attempt runs one extractor invocation, optionally through a proxy.
func (s *Service) attempt(ctx context.Context, pageURL, proxyURL string) (string, string, error) {
	args := []string{
		"--get-url",
		"--no-playlist",
		"--no-warnings",
		"-f", formatLadder,
		"--user-agent", desktopUserAgent,
		"--referer", refererFor(pageURL),
		"--socket-timeout", socketTimeout,
		"--extractor-args", "youtube:player_client=android,web",
	}
	if proxyURL != "" {
		args = append(args, "--proxy", proxyURL)
	}
	args = append(args, pageURL)

	ctx, cancel := context.WithTimeout(ctx, invocationTimeout)
	defer cancel()

	stdout, stderr, err := s.run(ctx, args)
	if err != nil {
		loweredErr := strings.ToLower(stderr)
		if strings.Contains(loweredErr, "age") && strings.Contains(loweredErr, "restrict") {
			return "", "", ErrAgeRestricted
		}
		for _, marker := range botMarkers {
			if strings.Contains(loweredErr, marker) {
				return "", "", ErrBotDetected
			}
		}
		return "", "", fmt.Errorf("extractor: %w (%s)", err, firstLine(stderr))
	}

	streamURL := firstLine(stdout)
	if streamURL == "" {
		return "", "", errors.New("extractor produced no URL")
	}
	if !isStreamable(streamURL) {
		log.Printf("[ytdlp] URL shape not recognized as streamable, returning anyway: %.120s", streamURL)
	}
	return streamURL, "best", nil
}

func (s *Service) runBinary(ctx context.Context, args []string) (string, string, error) {
	cmd := exec.CommandContext(ctx, s.binary, args...)

	// Attached writers make exec drain stdout and stderr concurrently, so a
	// subprocess flooding one stream can never deadlock against a full pipe.
	var stdout, stderr cappedBuffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return stdout.String(), stderr.String(), fmt.Errorf("timed out after %s", invocationTimeout)
	}
	return stdout.String(), stderr.String(), err
}

// cappedBuffer keeps the first outputCap bytes and silently discards the
// rest; writes never fail, so the subprocess keeps running.
type cappedBuffer struct {
	buf bytes.Buffer
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	if remaining := outputCap - b.buf.Len(); remaining > 0 {
		if len(p) > remaining {
			b.buf.Write(p[:remaining])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *cappedBuffer) String() string { return b.buf.String() }

func refererFor(pageURL string) string {
	if strings.Contains(pageURL, "youtube.com") || strings.Contains(pageURL, "youtu.be") {
		return "https://www.youtube.com/"
	}
	return pageURL
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return s
}

// isStreamable reports whether the URL looks directly playable. Unknown
// shapes are still handed to the player.
func isStreamable(u string) bool {
	lowered := strings.ToLower(u)
	trimmed := lowered
	if i := strings.IndexByte(trimmed, '?'); i >= 0 {
		trimmed = trimmed[:i]
	}
	switch {
	case strings.Contains(lowered, ".m3u8"),
		strings.Contains(lowered, "manifest"),
		strings.Contains(lowered, "googlevideo.com/videoplayback"),
		strings.Contains(lowered, "googlevideo.com"):
		return true
	case strings.HasSuffix(trimmed, ".mp4"),
		strings.HasSuffix(trimmed, ".m4v"),
		strings.HasSuffix(trimmed, ".webm"):
		return true
	}
	return false
}
