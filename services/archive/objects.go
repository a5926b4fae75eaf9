package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	metadataSizeCap = 10 << 20 // 10 MB

	minTrailerSeconds = 20
	maxTrailerSeconds = 300

	headValidateTimeout = 3 * time.Second
)

var videoExtensions = map[string]bool{
	".mp4": true, ".webm": true, ".mov": true, ".avi": true, ".mkv": true, ".m4v": true,
}

var rejectedNameParts = []string{"thumb", "sample", ".json", ".xml", ".txt"}

var rejectedFormats = []string{"thumbnail", "metadata", "item tile", "animated gif", "jpeg", "png", "text"}

type fileEntry struct {
	Name   string `json:"name"`
	Format string `json:"format"`
	Length string `json:"length"` // seconds as float, or "m:ss"
	Size   string `json:"size"`
}

type metadataResponse struct {
	Files []fileEntry `json:"files"`
}

// resolveObject picks the best video file of an item, builds its download
// URL and validates it with a ranged HEAD. Quality is estimated from file
// size.
func (s *Service) resolveObject(ctx context.Context, identifier string) (string, string, error) {
	ctx, cancel := context.WithTimeout(ctx, metadataTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/metadata/"+url.PathEscape(identifier), nil)
	if err != nil {
		return "", "", err
	}
	s.injectCookie(ctx, req)

	resp, err := s.httpc.Do(req)
	if err != nil {
		return "", "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", "", fmt.Errorf("archive metadata for %s: %s", identifier, resp.Status)
	}

	var meta metadataResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, metadataSizeCap)).Decode(&meta); err != nil {
		return "", "", fmt.Errorf("archive metadata for %s: %w", identifier, err)
	}

	file := pickVideoFile(meta.Files)
	if file == nil {
		return "", "", fmt.Errorf("no playable video file in %s", identifier)
	}

	downloadURL := s.baseURL + "/download/" + url.PathEscape(identifier) + "/" + escapeFilename(file.Name)
	if s.checker != nil && !s.checker.IsReachable(ctx, downloadURL) {
		return "", "", fmt.Errorf("download URL for %s not reachable", identifier)
	}
	return downloadURL, qualityFromSize(file.sizeBytes()), nil
}

// pickVideoFile filters the item's file list down to trailer-length video
// files and returns the best one: mp4/h.264 preferred, then largest.
func pickVideoFile(files []fileEntry) *fileEntry {
	videos := make([]fileEntry, 0, len(files))
	for _, f := range files {
		if isVideoFile(f) {
			videos = append(videos, f)
		}
	}
	if len(videos) == 0 {
		return nil
	}

	inRange := make([]fileEntry, 0, len(videos))
	for _, f := range videos {
		sec, ok := parseLength(f.Length)
		if !ok || (sec >= minTrailerSeconds && sec <= maxTrailerSeconds) {
			inRange = append(inRange, f)
		}
	}
	if len(inRange) == 0 {
		inRange = videos
	}

	sort.SliceStable(inRange, func(i, j int) bool {
		pi, pj := isPreferredFormat(inRange[i]), isPreferredFormat(inRange[j])
		if pi != pj {
			return pi
		}
		return inRange[i].sizeBytes() > inRange[j].sizeBytes()
	})
	return &inRange[0]
}

func isVideoFile(f fileEntry) bool {
	name := strings.ToLower(f.Name)
	for _, part := range rejectedNameParts {
		if strings.Contains(name, part) {
			return false
		}
	}
	format := strings.ToLower(f.Format)
	for _, part := range rejectedFormats {
		if strings.Contains(format, part) {
			return false
		}
	}
	dot := strings.LastIndexByte(name, '.')
	if dot < 0 {
		return false
	}
	return videoExtensions[name[dot:]]
}

func isPreferredFormat(f fileEntry) bool {
	format := strings.ToLower(f.Format)
	if strings.Contains(format, "mpeg4") || strings.Contains(format, "h.264") {
		return true
	}
	return strings.HasSuffix(strings.ToLower(f.Name), ".mp4")
}

func (f fileEntry) sizeBytes() int64 {
	n, _ := strconv.ParseInt(f.Size, 10, 64)
	return n
}

// parseLength accepts either fractional seconds ("123.45") or clock form
// ("2:03").
func parseLength(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	if strings.Contains(s, ":") {
		parts := strings.Split(s, ":")
		total := 0.0
		for _, p := range parts {
			v, err := strconv.ParseFloat(p, 64)
			if err != nil {
				return 0, false
			}
			total = total*60 + v
		}
		return total, true
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// escapeFilename percent-encodes a file path while keeping the directory
// separators intact.
func escapeFilename(name string) string {
	segments := strings.Split(name, "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}
	return strings.Join(segments, "/")
}

// qualityFromSize estimates the quality tier from the file size.
func qualityFromSize(bytes int64) string {
	const mb = 1 << 20
	switch {
	case bytes > 100*mb:
		return "1080p"
	case bytes > 50*mb:
		return "720p"
	case bytes > 20*mb:
		return "480p"
	default:
		return "360p"
	}
}
