package handlers_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"trailcast/api"
	"trailcast/handlers"
	"trailcast/internal/gate"
	"trailcast/models"
	"trailcast/services/appletrailers"
	"trailcast/services/archive"
	"trailcast/services/cache"
	"trailcast/services/itunes"
	"trailcast/services/metadata"
	"trailcast/services/resolver"
	"trailcast/services/tracker"
	"trailcast/services/ytdlp"
)

// newTestServer wires the full HTTP surface with in-memory services and an
// unconfigured metadata key, so only the cache can answer.
func newTestServer(t *testing.T) (*httptest.Server, *cache.Service) {
	t.Helper()

	trackerService := tracker.NewService(nil)
	cacheService := cache.NewService(nil, nil)
	resolverService := resolver.NewService(
		cacheService,
		metadata.NewService("", nil),
		itunes.NewService(nil, trackerService),
		ytdlp.NewService("yt-dlp", nil, trackerService),
		archive.NewService(nil, trackerService, nil, nil),
		appletrailers.NewService(nil),
		trackerService,
	)
	h := handlers.New(resolverService, gate.New(), cacheService, trackerService, archive.NewCookieManager(nil))

	srv := httptest.NewServer(api.NewRouter(h))
	t.Cleanup(srv.Close)
	return srv, cacheService
}

func getJSON(t *testing.T, url string, v any) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	return resp
}

func TestManifest(t *testing.T) {
	srv, _ := newTestServer(t)

	var manifest map[string]any
	resp := getJSON(t, srv.URL+"/manifest.json", &manifest)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "community.trailcast", manifest["id"])
	require.Contains(t, manifest["resources"], "stream")
	require.Contains(t, manifest["types"], "movie")
	require.Contains(t, manifest["idPrefixes"], "tt")
}

func TestStreamCacheHit(t *testing.T) {
	srv, cacheService := newTestServer(t)

	cacheService.Set("tt0111161", models.ResolvedArtifact{
		PreviewURL: "https://cdn.example/shawshank.mp4",
		Country:    "US",
		SourceType: models.SourceTypeITunes,
		Source:     "itunes",
	})

	start := time.Now()
	var body models.StreamResponse
	resp := getJSON(t, srv.URL+"/stream/movie/tt0111161.json", &body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Less(t, time.Since(start), time.Second)

	require.Len(t, body.Streams, 1)
	require.Equal(t, "Movie Preview", body.Streams[0].Name)
	require.Equal(t, "Trailer / Preview (US)", body.Streams[0].Title)
	require.Equal(t, "https://cdn.example/shawshank.mp4", body.Streams[0].URL)
}

func TestStreamEpisodeIDUsesShowCache(t *testing.T) {
	srv, cacheService := newTestServer(t)

	cacheService.Set("tt10986410", models.ResolvedArtifact{
		PreviewURL: "https://cdn.example/show.m4v",
		Country:    "GB",
		SourceType: models.SourceTypeITunes,
		Source:     "itunes",
	})

	var body models.StreamResponse
	getJSON(t, srv.URL+"/stream/series/tt10986410:1:1.json", &body)
	require.Len(t, body.Streams, 1)
	require.Equal(t, "Episode Preview", body.Streams[0].Name)
}

func TestStreamSeriesTrailerName(t *testing.T) {
	srv, cacheService := newTestServer(t)

	cacheService.Set("tt10986410", models.ResolvedArtifact{
		PreviewURL: "https://rr.googlevideo.com/videoplayback?x=1",
		Country:    "yt",
		SourceType: models.SourceTypeYouTube,
		Source:     "ytdlp",
	})

	var body models.StreamResponse
	getJSON(t, srv.URL+"/stream/series/tt10986410.json", &body)
	require.Len(t, body.Streams, 1)
	require.Equal(t, "Show Trailer", body.Streams[0].Name)
}

func TestStreamMissReturnsEmptyList(t *testing.T) {
	srv, _ := newTestServer(t)

	var body models.StreamResponse
	resp := getJSON(t, srv.URL+"/stream/movie/tt9999999.json", &body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotNil(t, body.Streams)
	require.Empty(t, body.Streams)
}

func TestStreamInvalidID(t *testing.T) {
	srv, _ := newTestServer(t)

	var body models.StreamResponse
	resp := getJSON(t, srv.URL+"/stream/movie/not-an-id.json", &body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Empty(t, body.Streams)
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t)

	var body map[string]any
	resp := getJSON(t, srv.URL+"/health", &body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "ok", body["status"])
	require.Contains(t, body, "cache")
	require.Contains(t, body, "runtime")
}

func TestDeleteCacheEntry(t *testing.T) {
	srv, cacheService := newTestServer(t)
	cacheService.Set("tt0111161", models.ResolvedArtifact{PreviewURL: "https://x", SourceType: models.SourceTypeYouTube})

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/cache/tt0111161", nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, 0, cacheService.Size())

	req, _ = http.NewRequest(http.MethodDelete, srv.URL+"/cache/bogus", nil)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCORSHeaders(t *testing.T) {
	srv, _ := newTestServer(t)

	req, _ := http.NewRequest(http.MethodOptions, srv.URL+"/manifest.json", nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	require.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}
