package similarity

import (
	"strings"
	"testing"
)

func TestSimilarity(t *testing.T) {
	tests := []struct {
		name     string
		s1       string
		s2       string
		minScore float64 // minimum acceptable similarity score
	}{
		{
			name:     "Identical strings",
			s1:       "The Matrix",
			s2:       "The Matrix",
			minScore: 1.0,
		},
		{
			name:     "Case insensitive",
			s1:       "The Matrix",
			s2:       "the matrix",
			minScore: 1.0,
		},
		{
			name:     "With dots vs spaces",
			s1:       "The.Matrix",
			s2:       "The Matrix",
			minScore: 1.0,
		},
		{
			name:     "Accents stripped",
			s1:       "Amélie",
			s2:       "Amelie",
			minScore: 1.0,
		},
		{
			name:     "Ampersand vs and",
			s1:       "Law & Order",
			s2:       "Law and Order",
			minScore: 1.0,
		},
		{
			name:     "Year in one string",
			s1:       "The Matrix 1999",
			s2:       "The Matrix",
			minScore: 0.65,
		},
		{
			name:     "Similar titles",
			s1:       "The Dark Knight",
			s2:       "Dark Knight",
			minScore: 0.7,
		},
		{
			name:     "Different strings",
			s1:       "The Matrix",
			s2:       "Inception",
			minScore: 0.0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			score := Similarity(tt.s1, tt.s2)
			t.Logf("Similarity(%q, %q) = %.2f", tt.s1, tt.s2, score)

			if tt.minScore == 1.0 && score != 1.0 {
				t.Errorf("Expected exact match (1.0), got %.2f", score)
			} else if score < tt.minScore {
				t.Errorf("Expected score >= %.2f, got %.2f", tt.minScore, score)
			}
		})
	}
}

func TestSimilarityContainment(t *testing.T) {
	if got := Similarity("Disney's Moana", "Moana"); got != 0.85 {
		t.Errorf("containment score = %.2f, want 0.85", got)
	}
}

func TestSimilaritySymmetry(t *testing.T) {
	pairs := [][2]string{
		{"The Shawshank Redemption", "Shawshank Redemption Trailer"},
		{"Coco", "Coco Chanel"},
		{"Heat", "Heat 1995"},
	}
	for _, p := range pairs {
		a := Similarity(p[0], p[1])
		b := Similarity(p[1], p[0])
		if a != b {
			t.Errorf("Similarity(%q, %q)=%v but reversed=%v", p[0], p[1], a, b)
		}
	}
}

func TestSimilarityLongStringsFallBack(t *testing.T) {
	long1 := strings.Repeat("abcdefgh ", 10)
	long2 := strings.Repeat("zyxwvuts ", 10)
	if got := Similarity(long1, long2); got != 0.5 {
		t.Errorf("long-string fallback = %.2f, want 0.5", got)
	}
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"The Matrix", "the matrix"},
		{"The.Matrix", "the matrix"},
		{"The-Matrix", "the matrix"},
		{"The_Matrix", "the matrix"},
		{"The   Matrix", "the matrix"},
		{"The Matrix (1999)", "the matrix 1999"},
		{"Law & Order", "law and order"},
		{"Me, MYSELF & I", "me myself and i"},
		{"Amélie", "amelie"},
		{"Spider-Man: Homecoming", "spider man homecoming"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result := Normalize(tt.input)
			if result != tt.expected {
				t.Errorf("Normalize(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestWords(t *testing.T) {
	got := Words("The Lord of the Rings")
	want := []string{"the", "lord", "of", "the", "rings"}
	if len(got) != len(want) {
		t.Fatalf("Words() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Words()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestLevenshteinDistance(t *testing.T) {
	tests := []struct {
		s1, s2 string
		want   int
	}{
		{"kitten", "sitting", 3},
		{"", "abc", 3},
		{"same", "same", 0},
	}
	for _, tt := range tests {
		if got := levenshteinDistance(tt.s1, tt.s2); got != tt.want {
			t.Errorf("levenshteinDistance(%q, %q) = %d, want %d", tt.s1, tt.s2, got, tt.want)
		}
	}
}
