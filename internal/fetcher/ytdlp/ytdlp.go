// Package ytdlp fetches media by running the yt-dlp command-line tool in an
// isolated working directory and uploading the merged result.
package ytdlp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/media-fetcher/internal/download"
	"github.com/JakeFAU/media-fetcher/internal/fetcher"
)

const (
	progressPrefix = "MEDIAFETCH_PROGRESS "
	filePrefix     = "MEDIAFETCH_FILE "

	// DefaultFormat prefers separate mp4/m4a streams merged into mp4.
	DefaultFormat = "bestvideo[ext=mp4]+bestaudio[ext=m4a]/bestvideo+bestaudio/best"
	// DefaultOutputTemplate names the artifact after the media title.
	DefaultOutputTemplate = "%(title)s.%(ext)s"
)

// Config controls how yt-dlp is invoked.
type Config struct {
	Binary         string        `mapstructure:"binary"`
	Format         string        `mapstructure:"format"`
	OutputTemplate string        `mapstructure:"output_template"`
	MergeFormat    string        `mapstructure:"merge_format"`
	PlayerClients  []string      `mapstructure:"player_clients"`
	WorkDir        string        `mapstructure:"work_dir"`
	ExtraArgs      []string      `mapstructure:"extra_args"`
	KillGrace      time.Duration `mapstructure:"kill_grace"`
}

func (c Config) withDefaults() Config {
	if c.Binary == "" {
		c.Binary = "yt-dlp"
	}
	if c.Format == "" {
		c.Format = DefaultFormat
	}
	if c.OutputTemplate == "" {
		c.OutputTemplate = DefaultOutputTemplate
	}
	if c.MergeFormat == "" {
		c.MergeFormat = "mp4"
	}
	if c.PlayerClients == nil {
		c.PlayerClients = []string{"ios", "web"}
	}
	if c.KillGrace <= 0 {
		c.KillGrace = 5 * time.Second
	}
	return c
}

// Fetcher runs yt-dlp for each request.
type Fetcher struct {
	cfg      Config
	uploader fetcher.Uploader
	logger   *zap.Logger
}

// New builds a Fetcher. The binary is resolved lazily so that a missing
// yt-dlp surfaces as a job failure rather than a startup error.
func New(cfg Config, uploader fetcher.Uploader, logger *zap.Logger) *Fetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{cfg: cfg.withDefaults(), uploader: uploader, logger: logger}
}

// Available reports whether the configured binary can be found.
func (f *Fetcher) Available() bool {
	_, err := exec.LookPath(f.cfg.Binary)
	return err == nil
}

// Fetch implements download.Fetcher.
func (f *Fetcher) Fetch(ctx context.Context, req download.Request, progress download.ProgressReporter) (download.Output, error) {
	workDir, err := os.MkdirTemp(f.cfg.WorkDir, "job-"+req.JobID.String()+"-")
	if err != nil {
		return download.Output{}, fmt.Errorf("create work dir: %w", err)
	}
	defer func() {
		if rmErr := os.RemoveAll(workDir); rmErr != nil {
			f.logger.Warn("remove work dir", zap.String("dir", workDir), zap.Error(rmErr))
		}
	}()

	path, err := f.run(ctx, workDir, req, progress)
	if err != nil {
		return download.Output{}, err
	}

	file, err := os.Open(path) // #nosec G304 -- path is produced inside workDir
	if err != nil {
		return download.Output{}, fmt.Errorf("open artifact: %w", err)
	}
	defer func() { _ = file.Close() }()

	name := fetcher.SanitizeFilename(filepath.Base(path), req.JobID.String()+"."+f.cfg.MergeFormat)
	return f.uploader.Upload(ctx, req, name, file, nil) //nolint:wrapcheck // already wrapped
}

func (f *Fetcher) args(workDir, sourceURL string) []string {
	args := []string{
		"--newline",
		"--no-playlist",
		"--no-colors",
		"--progress",
		"--progress-template", "download:" + progressPrefix + "%(progress._percent_str)s",
		"--print", "after_move:" + filePrefix + "%(filepath)s",
		"--format", f.cfg.Format,
		"--merge-output-format", f.cfg.MergeFormat,
		"--recode-video", f.cfg.MergeFormat,
		"--paths", workDir,
		"--output", f.cfg.OutputTemplate,
	}
	if len(f.cfg.PlayerClients) > 0 {
		args = append(args, "--extractor-args", "youtube:player_client="+strings.Join(f.cfg.PlayerClients, ","))
	}
	args = append(args, f.cfg.ExtraArgs...)
	return append(args, "--", sourceURL)
}

func (f *Fetcher) run(ctx context.Context, workDir string, req download.Request, progress download.ProgressReporter) (string, error) {
	cmd := exec.CommandContext(ctx, f.cfg.Binary, f.args(workDir, req.SourceURL)...) // #nosec G204 -- binary comes from config
	cmd.Dir = workDir
	cmd.WaitDelay = f.cfg.KillGrace

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return "", fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return "", &download.FetchError{Message: "yt-dlp could not be started", Err: err}
	}

	var (
		wg   sync.WaitGroup
		out  = &scanState{}
		errs = &scanState{}
	)
	scan := func(r io.Reader, st *scanState) {
		defer wg.Done()
		sc := bufio.NewScanner(r)
		sc.Buffer(make([]byte, 64*1024), 1024*1024)
		for sc.Scan() {
			ev := st.line(sc.Text())
			switch {
			case ev.finished:
				progress.ReportFinishedStage(ctx)
			case ev.pct >= 0:
				progress.ReportProgress(ctx, ev.pct)
			}
		}
	}
	wg.Add(2)
	go scan(stdout, out)
	go scan(stderr, errs)
	wg.Wait()
	waitErr := cmd.Wait()

	if ctx.Err() != nil {
		return "", context.Cause(ctx)
	}
	if waitErr != nil {
		return "", &download.FetchError{Message: failureMessage(errs, out, waitErr)}
	}
	file := out.file
	if file == "" {
		file = errs.file
	}
	if file == "" {
		return "", &download.FetchError{Message: "yt-dlp finished without reporting an output file"}
	}
	if !filepath.IsAbs(file) {
		file = filepath.Join(workDir, file)
	}
	if rel, relErr := filepath.Rel(workDir, file); relErr != nil || strings.HasPrefix(rel, "..") {
		return "", &download.FetchError{Message: "yt-dlp wrote outside its work dir: " + file}
	}
	if !out.finished && !errs.finished {
		progress.ReportFinishedStage(ctx)
	}
	return file, nil
}

type lineEvent struct {
	pct      float64
	finished bool
}

type scanState struct {
	file      string
	lastError string
	lastLine  string
	finished  bool
}

// line parses one line of yt-dlp output.
func (s *scanState) line(raw string) lineEvent {
	text := strings.TrimSpace(raw)
	if text == "" {
		return lineEvent{pct: -1}
	}
	s.lastLine = text
	switch {
	case strings.HasPrefix(text, progressPrefix):
		pct, ok := ParsePercent(strings.TrimPrefix(text, progressPrefix))
		if !ok {
			return lineEvent{pct: -1}
		}
		if pct >= download.MaxProgress {
			s.finished = true
			return lineEvent{pct: -1, finished: true}
		}
		return lineEvent{pct: pct}
	case strings.HasPrefix(text, filePrefix):
		s.file = strings.TrimSpace(strings.TrimPrefix(text, filePrefix))
	case strings.HasPrefix(text, "ERROR:"):
		s.lastError = text
	}
	return lineEvent{pct: -1}
}

// ParsePercent reads values such as " 42.5%" or "100%".
func ParsePercent(v string) (float64, bool) {
	v = strings.TrimSuffix(strings.TrimSpace(v), "%")
	pct, err := strconv.ParseFloat(v, 64)
	if err != nil || pct < 0 {
		return 0, false
	}
	return min(pct, download.MaxProgress), true
}

func failureMessage(errs, out *scanState, waitErr error) string {
	switch {
	case errs.lastError != "":
		return errs.lastError
	case out.lastError != "":
		return out.lastError
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) && errs.lastLine != "" {
		return fmt.Sprintf("yt-dlp exited with status %d: %s", exitErr.ExitCode(), errs.lastLine)
	}
	return "yt-dlp failed: " + waitErr.Error()
}
