// Package youtube fetches progressive YouTube streams natively, without
// shelling out to yt-dlp. Only formats that carry both audio and video are
// considered, so no merge step is needed.
package youtube

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	yt "github.com/kkdai/youtube/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/media-fetcher/internal/download"
	"github.com/JakeFAU/media-fetcher/internal/fetcher"
)

// Client is the subset of the YouTube client used here.
type Client interface {
	GetVideoContext(ctx context.Context, url string) (*yt.Video, error)
	GetStreamContext(ctx context.Context, video *yt.Video, format *yt.Format) (io.ReadCloser, int64, error)
}

// Config selects the preferred container.
type Config struct {
	MimeType string `mapstructure:"mime_type"`
}

// Fetcher downloads the best progressive format of a video.
type Fetcher struct {
	client   Client
	mimeType string
	uploader fetcher.Uploader
	logger   *zap.Logger
}

// NewClient returns a YouTube client that uses httpClient for all requests.
func NewClient(httpClient *http.Client) *yt.Client {
	return &yt.Client{HTTPClient: httpClient}
}

// New builds a Fetcher over client.
func New(client Client, cfg Config, uploader fetcher.Uploader, logger *zap.Logger) *Fetcher {
	if cfg.MimeType == "" {
		cfg.MimeType = "video/mp4"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{client: client, mimeType: cfg.MimeType, uploader: uploader, logger: logger}
}

// Fetch implements download.Fetcher.
func (f *Fetcher) Fetch(ctx context.Context, req download.Request, progress download.ProgressReporter) (download.Output, error) {
	video, err := f.client.GetVideoContext(ctx, req.SourceURL)
	if err != nil {
		return download.Output{}, f.fail(ctx, "resolve video", err)
	}
	format, err := f.pick(video)
	if err != nil {
		return download.Output{}, err
	}

	stream, size, err := f.client.GetStreamContext(ctx, video, format)
	if err != nil {
		return download.Output{}, f.fail(ctx, "open stream", err)
	}
	defer func() { _ = stream.Close() }()

	f.logger.Debug("youtube stream selected",
		zap.String("job_id", req.JobID.String()),
		zap.String("video_id", video.ID),
		zap.Int("itag", format.ItagNo),
		zap.String("quality", format.QualityLabel),
		zap.Int64("size", size),
	)

	ext := extension(format.MimeType)
	name := fetcher.SanitizeFilename(titleReplacer.Replace(video.Title)+ext, video.ID+ext)
	out, err := f.uploader.Upload(ctx, req, name, stream, func(n int64) {
		if pct := fetcher.Percent(n, size); pct >= 0 {
			progress.ReportProgress(ctx, pct)
		}
	})
	if err != nil {
		return download.Output{}, f.fail(ctx, "download interrupted", err)
	}
	progress.ReportFinishedStage(ctx)
	return out, nil
}

func (f *Fetcher) pick(video *yt.Video) (*yt.Format, error) {
	formats := video.Formats.WithAudioChannels().Type(f.mimeType)
	if len(formats) == 0 {
		formats = video.Formats.WithAudioChannels()
	}
	if len(formats) == 0 {
		return nil, &download.FetchError{Message: fmt.Sprintf("no progressive format available for video %s", video.ID)}
	}
	formats.Sort()
	return &formats[0], nil
}

func (f *Fetcher) fail(ctx context.Context, msg string, err error) error {
	if ctx.Err() != nil {
		return context.Cause(ctx)
	}
	return &download.FetchError{Message: msg + ": " + err.Error()}
}

var titleReplacer = strings.NewReplacer("/", "_", `\`, "_")

func extension(mimeType string) string {
	base, _, _ := strings.Cut(mimeType, ";")
	switch strings.TrimSpace(base) {
	case "video/mp4":
		return ".mp4"
	case "video/webm":
		return ".webm"
	case "video/3gpp":
		return ".3gp"
	default:
		return ".bin"
	}
}
