package archive

import (
	"context"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"trailcast/internal/database"
	"trailcast/models"
	"trailcast/utils/urlcheck"
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
	httpc := &http.Client{Transport: roundTripFunc(handler)}
	svc := NewService(httpc, nil, nil, urlcheck.New(httpc))
	// An old title keeps the default 0.85 threshold in tests.
	svc.now = func() time.Time { return time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC) }
	return svc
}

func classicTitle() *models.CanonicalTitle {
	return &models.CanonicalTitle{
		MediaType: "movie",
		Title:     "The Shawshank Redemption",
		Year:      1994,
	}
}

func TestSearchGoldPath(t *testing.T) {
	svc := newTestService(func(r *http.Request) (*http.Response, error) {
		switch {
		case strings.Contains(r.URL.Path, "advancedsearch"):
			return jsonResponse(200, `{"response":{"docs":[{
				"identifier":"shawshank-trailer-1994",
				"title":"The Shawshank Redemption Trailer",
				"year":"1994",
				"external-identifier":["urn:imdb:tt0111161"],
				"downloads":50000
			}]}}`), nil
		case strings.Contains(r.URL.Path, "/metadata/"):
			return jsonResponse(200, `{"files":[
				{"name":"shawshank.thumbs/frame.jpg","format":"Thumbnail","size":"1000"},
				{"name":"trailer.mp4","format":"MPEG4","length":"125.3","size":"125829120"}
			]}`), nil
		case r.Method == http.MethodHead:
			require.Equal(t, "bytes=0-1", r.Header.Get("Range"))
			return jsonResponse(206, ``), nil
		}
		return jsonResponse(404, ``), nil
	})

	artifact, quality, err := svc.Search(context.Background(), classicTitle(), "tt0111161")
	require.NoError(t, err)
	require.Equal(t, "https://archive.org/download/shawshank-trailer-1994/trailer.mp4", artifact.PreviewURL)
	require.Equal(t, "shawshank-trailer-1994", artifact.TrackID)
	require.Equal(t, models.SourceTypeArchive, artifact.SourceType)
	require.Equal(t, "1080p", quality)
}

func TestSearchIMDBMatchBeatsEarlierFuzzyDoc(t *testing.T) {
	// A high-scoring title-only doc listed before the doc carrying the
	// requested IMDb identifier must not win or end the scan.
	svc := newTestService(func(r *http.Request) (*http.Response, error) {
		switch {
		case strings.Contains(r.URL.Path, "advancedsearch"):
			return jsonResponse(200, `{"response":{"docs":[
				{"identifier":"fan-upload","title":"The Shawshank Redemption Trailer","year":"1994","downloads":50000},
				{"identifier":"official-upload","title":"Shawshank 1994 promo reel","year":"1994","external-identifier":["urn:imdb:tt0111161"],"downloads":10}
			]}}`), nil
		case strings.Contains(r.URL.Path, "/metadata/"):
			require.Contains(t, r.URL.Path, "official-upload")
			return jsonResponse(200, `{"files":[{"name":"trailer.mp4","format":"MPEG4","length":"120","size":"8000000"}]}`), nil
		case r.Method == http.MethodHead:
			return jsonResponse(206, ``), nil
		}
		return jsonResponse(404, ``), nil
	})

	artifact, _, err := svc.Search(context.Background(), classicTitle(), "tt0111161")
	require.NoError(t, err)
	require.Equal(t, "official-upload", artifact.TrackID)
}

func TestSearchInvalidatesRejectedCookie(t *testing.T) {
	store, err := database.Open(filepath.Join(t.TempDir(), "archive.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cm := NewCookieManager(store)
	_, err = cm.Add(context.Background(), "logged-in-sig=abc", "pool@example.com")
	require.NoError(t, err)

	var withCookie int
	httpc := &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		if strings.Contains(r.URL.Path, "advancedsearch") {
			if r.Header.Get("Cookie") != "" {
				withCookie++
				return jsonResponse(403, ``), nil
			}
			return jsonResponse(200, `{"response":{"docs":[]}}`), nil
		}
		return jsonResponse(404, ``), nil
	})}
	svc := NewService(httpc, nil, cm, urlcheck.New(httpc))
	svc.now = func() time.Time { return time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC) }

	_, _, err = svc.Search(context.Background(), classicTitle(), "tt0111161")
	require.Error(t, err)

	// The burned cookie was used exactly once and is no longer rotated.
	require.Equal(t, 1, withCookie)
	_, err = cm.Current(context.Background())
	require.ErrorIs(t, err, ErrNoCookie)
}

func TestSearchRejectsMismatchedIMDBID(t *testing.T) {
	svc := newTestService(func(r *http.Request) (*http.Response, error) {
		if strings.Contains(r.URL.Path, "advancedsearch") {
			return jsonResponse(200, `{"response":{"docs":[{
				"identifier":"other-film",
				"title":"The Shawshank Redemption Trailer",
				"year":"1994",
				"external-identifier":["urn:imdb:tt9999999"],
				"downloads":500
			}]}}`), nil
		}
		return jsonResponse(404, ``), nil
	})

	_, _, err := svc.Search(context.Background(), classicTitle(), "tt0111161")
	require.Error(t, err)
}

func TestSearchShortTitleFalsePositiveRejected(t *testing.T) {
	// "Coco Chanel (2008) trailer" must not satisfy "Coco" (2017): single
	// word title, strict threshold, no IMDb id.
	svc := newTestService(func(r *http.Request) (*http.Response, error) {
		if strings.Contains(r.URL.Path, "advancedsearch") {
			return jsonResponse(200, `{"response":{"docs":[{
				"identifier":"coco-chanel-trailer",
				"title":"Coco Chanel (2008) trailer",
				"year":"2008",
				"downloads":20000
			}]}}`), nil
		}
		return jsonResponse(404, ``), nil
	})

	title := &models.CanonicalTitle{MediaType: "movie", Title: "Coco", Year: 2017}
	_, _, err := svc.Search(context.Background(), title, "tt2380307")
	require.Error(t, err)
}

func TestSearchUnreachableDownloadRejected(t *testing.T) {
	svc := newTestService(func(r *http.Request) (*http.Response, error) {
		switch {
		case strings.Contains(r.URL.Path, "advancedsearch"):
			return jsonResponse(200, `{"response":{"docs":[{
				"identifier":"shawshank-trailer-1994",
				"title":"The Shawshank Redemption Trailer",
				"year":"1994",
				"external-identifier":["urn:imdb:tt0111161"]
			}]}}`), nil
		case strings.Contains(r.URL.Path, "/metadata/"):
			return jsonResponse(200, `{"files":[{"name":"trailer.mp4","format":"MPEG4","size":"1000000"}]}`), nil
		case r.Method == http.MethodHead:
			return jsonResponse(403, ``), nil
		}
		return jsonResponse(404, ``), nil
	})

	_, _, err := svc.Search(context.Background(), classicTitle(), "tt0111161")
	require.Error(t, err)
}

func TestSearchRetriesGatewayErrors(t *testing.T) {
	var searches int
	svc := newTestService(func(r *http.Request) (*http.Response, error) {
		switch {
		case strings.Contains(r.URL.Path, "advancedsearch"):
			searches++
			if searches == 1 {
				return jsonResponse(503, ``), nil
			}
			return jsonResponse(200, `{"response":{"docs":[{
				"identifier":"shawshank-trailer-1994",
				"title":"The Shawshank Redemption Trailer",
				"year":"1994",
				"external-identifier":["urn:imdb:tt0111161"]
			}]}}`), nil
		case strings.Contains(r.URL.Path, "/metadata/"):
			return jsonResponse(200, `{"files":[{"name":"trailer.mp4","format":"MPEG4","size":"30000000"}]}`), nil
		case r.Method == http.MethodHead:
			return jsonResponse(200, ``), nil
		}
		return jsonResponse(404, ``), nil
	})

	artifact, quality, err := svc.Search(context.Background(), classicTitle(), "tt0111161")
	require.NoError(t, err)
	require.NotNil(t, artifact)
	require.Equal(t, "480p", quality)
	require.Equal(t, 2, searches)
}

func TestScoreDoc(t *testing.T) {
	q := searchQuery{
		imdbID: "tt0111161",
		title:  "The Shawshank Redemption",
		year:   1994,
	}

	tests := []struct {
		name   string
		doc    searchDoc
		min    float64
		reject bool
	}{
		{
			name: "imdb gold signal",
			doc:  searchDoc{Title: "some weird upload", ExternalIdentifier: stringList{"urn:imdb:tt0111161"}},
			min:  1.0,
		},
		{
			name:   "different imdb id rejected",
			doc:    searchDoc{Title: "The Shawshank Redemption Trailer", ExternalIdentifier: stringList{"urn:imdb:tt0000001"}},
			reject: true,
		},
		{
			name:   "shorts dropped",
			doc:    searchDoc{Title: "Shawshank #shorts"},
			reject: true,
		},
		{
			name:   "clip without trailer dropped",
			doc:    searchDoc{Title: "Shawshank Redemption clip"},
			reject: true,
		},
		{
			name: "exact title with trailer keyword and year",
			doc:  searchDoc{Title: "The Shawshank Redemption Trailer", Year: 1994, Downloads: 20000},
			min:  1.0,
		},
		{
			name:   "unrelated title rejected",
			doc:    searchDoc{Title: "Gardening for Beginners trailer"},
			reject: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			score, ok := scoreDoc(&tt.doc, q)
			if tt.reject {
				require.False(t, ok)
				return
			}
			require.True(t, ok)
			require.GreaterOrEqual(t, score, tt.min)
		})
	}
}

func TestStructuralFilter(t *testing.T) {
	q := searchQuery{imdbID: "tt0111161", title: "The Shawshank Redemption", year: 1994}

	require.True(t, passesStructuralFilter(&searchDoc{
		Title: "Shawshank Redemption Theatrical Trailer",
	}, q))
	// Missing a substantive token ("redemption").
	require.False(t, passesStructuralFilter(&searchDoc{
		Title: "Shawshank Trailer",
	}, q))
	// No trailer-ish keyword.
	require.False(t, passesStructuralFilter(&searchDoc{
		Title: "The Shawshank Redemption full movie",
	}, q))
	// IMDb match bypasses everything.
	require.True(t, passesStructuralFilter(&searchDoc{
		Title:              "weird name",
		ExternalIdentifier: stringList{"urn:imdb:tt0111161"},
	}, q))
}

func TestPickVideoFile(t *testing.T) {
	files := []fileEntry{
		{Name: "item.thumbs/f1.jpg", Format: "Thumbnail", Size: "100"},
		{Name: "meta.xml", Format: "Metadata", Size: "100"},
		{Name: "full-movie.mkv", Format: "Matroska", Length: "7260", Size: "900000000"},
		{Name: "trailer.webm", Format: "WebM", Length: "120", Size: "9000000"},
		{Name: "trailer.mp4", Format: "h.264", Length: "120", Size: "8000000"},
	}
	got := pickVideoFile(files)
	require.NotNil(t, got)
	// Duration filter drops the feature film; mp4/h.264 preferred over the
	// larger webm.
	require.Equal(t, "trailer.mp4", got.Name)
}

func TestPickVideoFileFallsBackWhenDurationFilterEmpties(t *testing.T) {
	files := []fileEntry{
		{Name: "long.mp4", Format: "MPEG4", Length: "500", Size: "200000000"},
	}
	got := pickVideoFile(files)
	require.NotNil(t, got)
	require.Equal(t, "long.mp4", got.Name)
}

func TestEscapeFilename(t *testing.T) {
	require.Equal(t, "dir/My%20Trailer%20(1994).mp4", escapeFilename("dir/My Trailer (1994).mp4"))
}

func TestParseLength(t *testing.T) {
	sec, ok := parseLength("125.3")
	require.True(t, ok)
	require.InDelta(t, 125.3, sec, 0.001)

	sec, ok = parseLength("2:05")
	require.True(t, ok)
	require.InDelta(t, 125, sec, 0.001)

	_, ok = parseLength("")
	require.False(t, ok)
}

func TestQualityFromSize(t *testing.T) {
	require.Equal(t, "1080p", qualityFromSize(150<<20))
	require.Equal(t, "720p", qualityFromSize(60<<20))
	require.Equal(t, "480p", qualityFromSize(30<<20))
	require.Equal(t, "360p", qualityFromSize(5<<20))
}
