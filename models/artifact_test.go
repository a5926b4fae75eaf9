package models

import "testing"

func TestInferSourceType(t *testing.T) {
	tests := []struct {
		url  string
		want SourceType
	}{
		{"https://rr3.googlevideo.com/videoplayback?x=1", SourceTypeYouTube},
		{"https://video-ssl.itunes.apple.com/preview.m4v", SourceTypeITunes},
		{"https://ia800300.us.archive.org/download/x/trailer.mp4", SourceTypeArchive},
		{"https://player.vimeo.com/video/123", SourceTypeVimeo},
		{"https://www.dailymotion.com/video/x1", SourceTypeDailymotion},
		{"https://cdn.unknown.example/a.mp4", SourceTypeYouTube},
	}
	for _, tt := range tests {
		if got := InferSourceType(tt.url); got != tt.want {
			t.Errorf("InferSourceType(%q) = %q, want %q", tt.url, got, tt.want)
		}
	}
}

func TestSuccessStatRate(t *testing.T) {
	if got := (SuccessStat{}).Rate(); got != 0.5 {
		t.Errorf("untried rate = %v, want 0.5", got)
	}
	if got := (SuccessStat{SuccessCount: 3, TotalCount: 4}).Rate(); got != 0.75 {
		t.Errorf("rate = %v, want 0.75", got)
	}
}

func TestQualityScore(t *testing.T) {
	tests := []struct {
		tier string
		want float64
	}{
		{"2160p", 4}, {"4K", 4}, {"1440p", 3.5}, {"1080p", 3},
		{"720p", 2}, {"480p", 1}, {"360p", 0.5}, {"best", 2.5}, {"", 1.5}, {"weird", 1.5},
	}
	for _, tt := range tests {
		if got := QualityScore(tt.tier); got != tt.want {
			t.Errorf("QualityScore(%q) = %v, want %v", tt.tier, got, tt.want)
		}
	}
}

func TestValidIMDBID(t *testing.T) {
	valid := []string{"tt0111161", "tt1"}
	for _, id := range valid {
		if !ValidIMDBID(id) {
			t.Errorf("ValidIMDBID(%q) = false, want true", id)
		}
	}
	invalid := []string{"", "tt", "0111161", "tt0111161:1:1", "ttabc"}
	for _, id := range invalid {
		if ValidIMDBID(id) {
			t.Errorf("ValidIMDBID(%q) = true, want false", id)
		}
	}
}
