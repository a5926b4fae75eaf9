package similarity

import (
	"strings"
	"unicode"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Titles longer than this are too expensive to edit-distance on every
// candidate; they fall back to a neutral score.
const maxComparableLength = 50

// memo caches pair scores; the key is order-independent so the cache also
// enforces symmetry.
var memo, _ = lru.New[string, float64](1000)

var accentStripper = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// Similarity calculates the similarity between two title strings using
// normalized Levenshtein distance. Returns a value between 0.0 (completely
// different) and 1.0 (identical after normalization).
//
// Substring containment (one normalized title inside the other) scores a
// flat 0.85, which handles prefixed titles like "Disney's X" vs "X".
func Similarity(s1, s2 string) float64 {
	a := Normalize(s1)
	b := Normalize(s2)

	if a == b {
		return 1.0
	}
	if len(a) == 0 || len(b) == 0 {
		return 0.0
	}

	key := a + "\x00" + b
	if b < a {
		key = b + "\x00" + a
	}
	if score, ok := memo.Get(key); ok {
		return score
	}

	score := compare(a, b)
	memo.Add(key, score)
	return score
}

func compare(a, b string) float64 {
	if strings.Contains(a, b) || strings.Contains(b, a) {
		return 0.85
	}

	if len(a) > maxComparableLength || len(b) > maxComparableLength {
		return 0.5
	}

	distance := levenshteinDistance(a, b)
	maxLen := max(len([]rune(a)), len([]rune(b)))
	if maxLen == 0 {
		return 1.0
	}
	return 1.0 - float64(distance)/float64(maxLen)
}

// Normalize lowercases, strips accents and punctuation, converts "&" to
// "and", and collapses whitespace so title comparison is forgiving.
func Normalize(s string) string {
	s = strings.ReplaceAll(s, "&", " and ")

	if stripped, _, err := transform.String(accentStripper, s); err == nil {
		s = stripped
	}

	var result strings.Builder
	result.Grow(len(s))
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			result.WriteRune(r)
		} else if unicode.IsSpace(r) || r == '.' || r == '-' || r == '_' || r == ':' || r == '/' {
			result.WriteRune(' ')
		}
	}

	return strings.TrimSpace(strings.Join(strings.Fields(result.String()), " "))
}

// Words returns the normalized tokens of a title.
func Words(s string) []string {
	return strings.Fields(Normalize(s))
}

func levenshteinDistance(s1, s2 string) int {
	r1 := []rune(s1)
	r2 := []rune(s2)
	len1 := len(r1)
	len2 := len(r2)

	prev := make([]int, len2+1)
	curr := make([]int, len2+1)
	for j := 0; j <= len2; j++ {
		prev[j] = j
	}

	for i := 1; i <= len1; i++ {
		curr[0] = i
		for j := 1; j <= len2; j++ {
			cost := 1
			if r1[i-1] == r2[j-1] {
				cost = 0
			}
			curr[j] = min(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}

	return prev[len2]
}

func min(values ...int) int {
	if len(values) == 0 {
		return 0
	}
	minVal := values[0]
	for _, v := range values[1:] {
		if v < minVal {
			minVal = v
		}
	}
	return minVal
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
