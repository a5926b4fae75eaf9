package archive

import (
	"strings"
	"time"

	"trailcast/utils/similarity"
)

const (
	acceptThreshold = 0.85
	// Short or recent titles produce too many near-miss docs; for those
	// only the IMDb identifier is trusted.
	strictThreshold = 1.0

	recentYears = 10
)

var stopwords = map[string]bool{
	"the": true, "a": true, "an": true, "and": true, "or": true, "but": true,
	"in": true, "on": true, "at": true, "to": true, "for": true, "of": true,
	"with": true, "by": true,
}

// searchQuery carries the canonical-title fields a strategy matches against.
type searchQuery struct {
	imdbID        string
	title         string
	originalTitle string
	trailerTitle  string
	year          int
}

// isShortTitle reports whether the search title has at most two substantive
// words. Such titles need the strict threshold.
func (q searchQuery) isShortTitle() bool {
	count := 0
	for _, w := range similarity.Words(q.title) {
		if len(w) >= 3 {
			count++
		}
	}
	return count <= 2
}

func (q searchQuery) isRecent(now time.Time) bool {
	return q.year > 0 && q.year >= now.Year()-recentYears
}

func (q searchQuery) threshold(now time.Time) float64 {
	if q.isShortTitle() || q.isRecent(now) {
		return strictThreshold
	}
	return acceptThreshold
}

// docIMDBID extracts the IMDb id from a doc's external identifiers, empty
// when absent.
func docIMDBID(externalIdentifiers []string) string {
	for _, id := range externalIdentifiers {
		if rest, ok := strings.CutPrefix(strings.ToLower(id), "urn:imdb:"); ok {
			return rest
		}
	}
	return ""
}

// scoreDoc ranks one search hit against the query. Returns (score, ok);
// ok=false means the doc is rejected outright.
func scoreDoc(d *searchDoc, q searchQuery) (float64, bool) {
	docTitle := strings.ToLower(d.Title)

	// Pre-filter obvious non-trailers.
	switch {
	case strings.Contains(docTitle, "#shorts"),
		strings.Contains(docTitle, "shorts"),
		strings.Contains(docTitle, "behind the scenes"),
		strings.Contains(docTitle, "featurette"):
		return 0, false
	case strings.Contains(docTitle, "clip") && !strings.Contains(docTitle, "trailer"):
		return 0, false
	}

	docID := docIMDBID(d.ExternalIdentifier)
	if docID != "" && docID == strings.ToLower(q.imdbID) {
		return 1.0, true // gold signal
	}
	if docID != "" {
		return 0, false // known to be a different title
	}

	normDoc := similarity.Normalize(d.Title)
	normMain := similarity.Normalize(q.title)
	normOrig := similarity.Normalize(q.originalTitle)

	fuzzyMain := similarity.Similarity(d.Title, q.title)
	fuzzy := fuzzyMain
	if q.originalTitle != "" && q.originalTitle != q.title {
		if f := similarity.Similarity(d.Title, q.originalTitle); f > fuzzy {
			fuzzy = f
		}
	}
	if fuzzy < 0.5 {
		return 0, false
	}

	searchWords := substantiveWords(normMain)
	shortTitle := q.isShortTitle()

	docWords := similarity.Words(normDoc)
	if len(similarity.Words(normMain)) == 1 {
		if len(docWords) == 0 || docWords[0] != normMain {
			return 0, false
		}
	}

	var score float64
	switch {
	case normDoc == normMain:
		score += 1.0
	case normOrig != "" && normDoc == normOrig:
		score += 0.9
	default:
		ratio := wordMatchRatio(searchWords, normDoc)
		if shortTitle {
			if ratio < 0.9 {
				return 0, false
			}
			score += 0.7
		} else {
			switch {
			case ratio >= 0.8:
				score += 0.7
			case ratio >= 0.5:
				score += 0.4
			}
			if fuzzy > 0.9 && ratio > 0.5 {
				score += 0.4
			} else if fuzzy > 0.85 && ratio > 0.3 {
				score += 0.3
			}
		}
		if len(normMain) >= 5 && strings.Contains(normDoc, normMain) {
			score += 0.2
		}
	}

	if strings.Contains(docTitle, "trailer") {
		score += 0.2
	} else if strings.Contains(docTitle, "preview") || strings.Contains(docTitle, "teaser") {
		score += 0.15
	}

	if q.year > 0 && d.Year > 0 {
		diff := q.year - d.Year
		if diff < 0 {
			diff = -diff
		}
		if shortTitle && diff > 10 {
			return 0, false
		}
		switch {
		case diff == 0:
			score += 0.3
		case diff == 1:
			score += 0.2
		case diff <= 3:
			score += 0.1
		case diff > 5:
			score -= 0.3
		}
	}

	// Docs without any IMDb id lose short-title tiebreaks.
	if shortTitle && docID == "" {
		score -= 0.01
	}

	if d.Downloads > 1000 {
		score += 0.1
	}
	if d.Downloads > 10000 {
		score += 0.1
	}

	return score, true
}

// passesStructuralFilter applies the final sanity check on the winning doc:
// its title must look like a trailer and contain every substantive search
// token. IMDb-id matches bypass the check.
func passesStructuralFilter(d *searchDoc, q searchQuery) bool {
	if docIMDBID(d.ExternalIdentifier) == strings.ToLower(q.imdbID) && q.imdbID != "" {
		return true
	}

	docTitle := strings.ToLower(d.Title)
	if !strings.Contains(docTitle, "trailer") &&
		!strings.Contains(docTitle, "teaser") &&
		!strings.Contains(docTitle, "tv spot") &&
		!strings.Contains(docTitle, "preview") {
		return false
	}

	normDoc := similarity.Normalize(d.Title)
	for _, w := range substantiveWords(similarity.Normalize(q.title)) {
		if !strings.Contains(normDoc, w) {
			return false
		}
	}
	return true
}

// substantiveWords returns the non-stopword tokens of length >= 3.
func substantiveWords(normalized string) []string {
	var out []string
	for _, w := range similarity.Words(normalized) {
		if len(w) >= 3 && !stopwords[w] {
			out = append(out, w)
		}
	}
	return out
}

// wordMatchRatio is the fraction of search words present in the doc title.
func wordMatchRatio(searchWords []string, normDoc string) float64 {
	if len(searchWords) == 0 {
		return 0
	}
	matched := 0
	for _, w := range searchWords {
		if strings.Contains(normDoc, w) {
			matched++
		}
	}
	return float64(matched) / float64(len(searchWords))
}
