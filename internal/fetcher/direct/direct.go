// Package direct downloads media files that are served over plain HTTP.
package direct

import (
	"context"
	"fmt"
	"mime"
	"net/http"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/media-fetcher/internal/download"
	"github.com/JakeFAU/media-fetcher/internal/fetcher"
)

// Config tunes the HTTP client.
type Config struct {
	UserAgent      string        `mapstructure:"user_agent"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

// Fetcher streams an HTTP response body into the blob store.
type Fetcher struct {
	client    *http.Client
	userAgent string
	uploader  fetcher.Uploader
	logger    *zap.Logger
}

// New builds a Fetcher. A nil client gets a default with the configured
// response-header timeout; the overall deadline comes from the job context.
func New(client *http.Client, cfg Config, uploader fetcher.Uploader, logger *zap.Logger) *Fetcher {
	if client == nil {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		if cfg.ConnectTimeout > 0 {
			transport.ResponseHeaderTimeout = cfg.ConnectTimeout
		}
		client = &http.Client{Transport: transport}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "media-fetcher/1.0"
	}
	return &Fetcher{client: client, userAgent: cfg.UserAgent, uploader: uploader, logger: logger}
}

// Fetch implements download.Fetcher.
func (f *Fetcher) Fetch(ctx context.Context, req download.Request, progress download.ProgressReporter) (download.Output, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.SourceURL, nil)
	if err != nil {
		return download.Output{}, &download.FetchError{Message: "build request", Err: err}
	}
	httpReq.Header.Set("User-Agent", f.userAgent)

	resp, err := f.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return download.Output{}, context.Cause(ctx)
		}
		return download.Output{}, &download.FetchError{Message: "request failed", Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return download.Output{}, &download.FetchError{
			Message: fmt.Sprintf("HTTP Error %d: %s", resp.StatusCode, http.StatusText(resp.StatusCode)),
		}
	}

	name := Filename(resp, req.JobID.String())
	total := resp.ContentLength
	f.logger.Debug("direct download started",
		zap.String("job_id", req.JobID.String()),
		zap.String("filename", name),
		zap.Int64("content_length", total),
	)

	out, err := f.uploader.Upload(ctx, req, name, resp.Body, func(n int64) {
		if pct := fetcher.Percent(n, total); pct >= 0 {
			progress.ReportProgress(ctx, pct)
		}
	})
	if err != nil {
		if ctx.Err() != nil {
			return download.Output{}, context.Cause(ctx)
		}
		return download.Output{}, &download.FetchError{Message: "download interrupted", Err: err}
	}
	if total > 0 && out.Size != total {
		return download.Output{}, &download.FetchError{
			Message: fmt.Sprintf("short read: got %d of %d bytes", out.Size, total),
		}
	}
	progress.ReportFinishedStage(ctx)
	return out, nil
}

// Filename picks the artifact name from Content-Disposition, then the URL
// path, then fallback with an extension derived from Content-Type.
func Filename(resp *http.Response, fallback string) string {
	if cd := resp.Header.Get("Content-Disposition"); cd != "" {
		if _, params, err := mime.ParseMediaType(cd); err == nil && params["filename"] != "" {
			return fetcher.SanitizeFilename(params["filename"], fallback)
		}
	}
	if resp.Request != nil && resp.Request.URL != nil {
		base := path.Base(resp.Request.URL.Path)
		if base != "/" && base != "." && path.Ext(base) != "" {
			return fetcher.SanitizeFilename(base, fallback)
		}
	}
	ct := resp.Header.Get("Content-Type")
	if mediaType, _, err := mime.ParseMediaType(ct); err == nil {
		if exts, _ := mime.ExtensionsByType(mediaType); len(exts) > 0 {
			return fallback + strings.ToLower(exts[0])
		}
	}
	return fallback
}
