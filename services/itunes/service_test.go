package itunes

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"trailcast/models"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Status:     http.StatusText(status),
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func newTestService(handler func(*http.Request) (*http.Response, error)) *Service {
	s := NewService(&http.Client{Transport: roundTripFunc(handler)}, nil)
	s.sleep = func(time.Duration) {}
	return s
}

func movieTitle() *models.CanonicalTitle {
	return &models.CanonicalTitle{
		MediaType:      "movie",
		Title:          "Inception",
		OriginalTitle:  "Inception",
		Year:           2010,
		RuntimeMinutes: 148,
	}
}

func TestSearchExactMovieMatch(t *testing.T) {
	var requests int
	svc := newTestService(func(r *http.Request) (*http.Response, error) {
		requests++
		require.Equal(t, "50", r.URL.Query().Get("limit"))
		require.Equal(t, "en_us", r.URL.Query().Get("lang"))
		return jsonResponse(200, `{"results":[
			{"kind":"feature-movie","trackId":1,"trackName":"Inception Behind Math","previewUrl":"https://cdn/other.m4v","releaseDate":"2003-01-01"},
			{"kind":"feature-movie","trackId":418271112,"trackName":"Inception","previewUrl":"https://cdn/inception.m4v","releaseDate":"2010-07-16","trackTimeMillis":8880000}
		]}`), nil
	})

	artifact, err := svc.Search(context.Background(), movieTitle())
	require.NoError(t, err)
	require.Equal(t, "https://cdn/inception.m4v", artifact.PreviewURL)
	require.Equal(t, "418271112", artifact.TrackID)
	require.Equal(t, models.SourceTypeITunes, artifact.SourceType)
	require.Equal(t, "US", artifact.Country)
	// Exact name + exact year + runtime within 5 min clears the
	// short-circuit threshold on the first country.
	require.Equal(t, 1, requests)
}

func TestSearchNoMatch(t *testing.T) {
	svc := newTestService(func(r *http.Request) (*http.Response, error) {
		return jsonResponse(200, `{"results":[
			{"kind":"feature-movie","trackId":9,"trackName":"Completely Different Film","previewUrl":"https://cdn/x.m4v","releaseDate":"1971-01-01"}
		]}`), nil
	})

	_, err := svc.Search(context.Background(), movieTitle())
	require.Error(t, err)
}

func TestSearchSkipsRecordsWithoutPreview(t *testing.T) {
	svc := newTestService(func(r *http.Request) (*http.Response, error) {
		return jsonResponse(200, `{"results":[
			{"kind":"feature-movie","trackId":2,"trackName":"Inception","releaseDate":"2010-07-16"}
		]}`), nil
	})

	_, err := svc.Search(context.Background(), movieTitle())
	require.Error(t, err)
}

func TestSearchBadRequestAdvancesVariant(t *testing.T) {
	var paramSets []string
	svc := newTestService(func(r *http.Request) (*http.Response, error) {
		q := r.URL.Query()
		paramSets = append(paramSets, q.Get("attribute"))
		if q.Get("attribute") == "movieTerm" {
			return jsonResponse(400, `{"errorMessage":"Invalid value"}`), nil
		}
		return jsonResponse(200, `{"results":[
			{"kind":"feature-movie","trackId":3,"trackName":"Inception","previewUrl":"https://cdn/i.m4v","releaseDate":"2010-07-16","trackTimeMillis":8880000}
		]}`), nil
	})

	artifact, err := svc.Search(context.Background(), movieTitle())
	require.NoError(t, err)
	require.Equal(t, "https://cdn/i.m4v", artifact.PreviewURL)
	require.GreaterOrEqual(t, len(paramSets), 2)
	require.Equal(t, "movieTerm", paramSets[0])
}

func TestSearchPacesEveryRequest(t *testing.T) {
	var sleeps int
	var requests int
	svc := newTestService(func(r *http.Request) (*http.Response, error) {
		requests++
		if r.URL.Query().Get("attribute") == "movieTerm" {
			return jsonResponse(400, `{"errorMessage":"Invalid value"}`), nil
		}
		return jsonResponse(200, `{"results":[
			{"kind":"feature-movie","trackId":3,"trackName":"Inception","previewUrl":"https://cdn/i.m4v","releaseDate":"2010-07-16","trackTimeMillis":8880000}
		]}`), nil
	})
	svc.sleep = func(d time.Duration) {
		require.Equal(t, pacingDelay, d)
		sleeps++
	}

	_, err := svc.Search(context.Background(), movieTitle())
	require.NoError(t, err)
	// Two requests in the same country (400 then match): one pacing wait
	// between them, none before the first.
	require.Equal(t, 2, requests)
	require.Equal(t, 1, sleeps)
}

func TestSearchTVMatchesArtistName(t *testing.T) {
	svc := newTestService(func(r *http.Request) (*http.Response, error) {
		require.Equal(t, "tvShow", r.URL.Query().Get("media"))
		return jsonResponse(200, `{"results":[
			{"kind":"tv-episode","trackId":7,"trackName":"Pilot","artistName":"Severance","previewUrl":"https://cdn/sev.m4v","releaseDate":"2022-02-18"}
		]}`), nil
	})

	artifact, err := svc.Search(context.Background(), &models.CanonicalTitle{
		MediaType: "tv",
		Title:     "Severance",
		Year:      2022,
	})
	require.NoError(t, err)
	require.Equal(t, "https://cdn/sev.m4v", artifact.PreviewURL)
}

func TestScoreTrack(t *testing.T) {
	title := movieTitle()

	tests := []struct {
		name string
		trk  track
		min  float64
		max  float64
	}{
		{
			name: "exact name exact year good runtime",
			trk:  track{TrackName: "Inception", PreviewURL: "u", ReleaseDate: "2010-07-16", TrackTimeMillis: 148 * 60000},
			min:  0.99, max: 1.01,
		},
		{
			name: "exact name far year",
			trk:  track{TrackName: "Inception", PreviewURL: "u", ReleaseDate: "1999-01-01"},
			min:  -0.01, max: 0.01,
		},
		{
			name: "missing preview url",
			trk:  track{TrackName: "Inception", ReleaseDate: "2010-07-16"},
			min:  -1.01, max: -0.99,
		},
		{
			name: "long preview bonus",
			trk:  track{TrackName: "Inception", PreviewURL: "u", ReleaseDate: "2010-07-16", PreviewDuration: 90000},
			min:  0.94, max: 0.96,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := scoreTrack(&tt.trk, title)
			require.GreaterOrEqual(t, got, tt.min)
			require.LessOrEqual(t, got, tt.max)
		})
	}
}

func TestSearchTerms(t *testing.T) {
	title := &models.CanonicalTitle{
		Title:         "Amélie",
		OriginalTitle: "Le Fabuleux Destin d'Amélie Poulain",
		AltTitles:     []string{"Amélie", "Amelie from Montmartre"},
	}
	terms := searchTerms(title)
	require.Equal(t, []string{"Amélie", "Le Fabuleux Destin d'Amélie Poulain", "Amelie from Montmartre"}, terms)
}
