// Package fetcher selects a concrete media fetcher for a source URL and
// holds the naming helpers shared by the implementations.
package fetcher

import (
	"context"
	"fmt"
	"mime"
	"net/url"
	"path"
	"strings"

	"github.com/google/uuid"

	"github.com/JakeFAU/media-fetcher/internal/download"
)

// Matcher reports whether a fetcher can handle u.
type Matcher func(u *url.URL) bool

type entry struct {
	name    string
	match   Matcher
	fetcher download.Fetcher
}

// Registry dispatches each request to the first registered fetcher whose
// matcher accepts the source URL.
type Registry struct {
	entries []entry
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register appends f under name. A nil matcher accepts every URL.
func (r *Registry) Register(name string, match Matcher, f download.Fetcher) *Registry {
	if match == nil {
		match = func(*url.URL) bool { return true }
	}
	r.entries = append(r.entries, entry{name: name, match: match, fetcher: f})
	return r
}

// Names lists registered fetchers in match order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.entries))
	for _, e := range r.entries {
		names = append(names, e.name)
	}
	return names
}

// Resolve returns the name and fetcher chosen for rawURL.
func (r *Registry) Resolve(rawURL string) (string, download.Fetcher, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %w", download.ErrInvalidURL, err)
	}
	for _, e := range r.entries {
		if e.match(u) {
			return e.name, e.fetcher, nil
		}
	}
	return "", nil, &download.FetchError{Message: "no fetcher supports " + u.Host}
}

// Fetch implements download.Fetcher.
func (r *Registry) Fetch(ctx context.Context, req download.Request, progress download.ProgressReporter) (download.Output, error) {
	_, f, err := r.Resolve(req.SourceURL)
	if err != nil {
		return download.Output{}, err
	}
	return f.Fetch(ctx, req, progress) //nolint:wrapcheck // fetch errors are stored verbatim
}

var mediaExtensions = map[string]struct{}{
	".mp4": {}, ".m4v": {}, ".mov": {}, ".mkv": {}, ".webm": {}, ".avi": {},
	".mp3": {}, ".m4a": {}, ".aac": {}, ".ogg": {}, ".opus": {}, ".flac": {}, ".wav": {},
}

// IsMediaFile matches URLs whose path ends in a known audio or video
// extension.
func IsMediaFile(u *url.URL) bool {
	_, ok := mediaExtensions[strings.ToLower(path.Ext(u.Path))]
	return ok
}

// IsYouTube matches YouTube watch, shorts and short-link URLs.
func IsYouTube(u *url.URL) bool {
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	host = strings.TrimPrefix(host, "m.")
	switch host {
	case "youtube.com", "music.youtube.com", "youtu.be", "youtube-nocookie.com":
		return true
	default:
		return false
	}
}

// ObjectPath builds the blob store key of a job's artifact.
func ObjectPath(prefix string, jobID uuid.UUID, filename string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return fmt.Sprintf("%s/%s", jobID, filename)
	}
	return fmt.Sprintf("%s/%s/%s", prefix, jobID, filename)
}

// SanitizeFilename strips path separators and characters that are unsafe
// in object keys, falling back to fallback when nothing remains.
func SanitizeFilename(name, fallback string) string {
	name = path.Base(strings.ReplaceAll(strings.TrimSpace(name), `\`, "/"))
	safe := strings.Map(func(r rune) rune {
		switch {
		case r < 0x20 || r == 0x7f:
			return -1
		case strings.ContainsRune(`/:*?"<>|`, r):
			return '_'
		default:
			return r
		}
	}, name)
	safe = strings.Trim(safe, ". ")
	if safe == "" || safe == "_" {
		return fallback
	}
	return safe
}

// ContentType guesses the MIME type of filename.
func ContentType(filename string) string {
	if ct := mime.TypeByExtension(strings.ToLower(path.Ext(filename))); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
