package ytdlp

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/media-fetcher/internal/download"
	"github.com/JakeFAU/media-fetcher/internal/fetcher"
	"github.com/JakeFAU/media-fetcher/internal/hash/sha256"
	"github.com/JakeFAU/media-fetcher/internal/storage/local"
)

type recordingReporter struct {
	mu       sync.Mutex
	pcts     []float64
	finished int
}

func (r *recordingReporter) ReportProgress(_ context.Context, pct float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pcts = append(r.pcts, pct)
}

func (r *recordingReporter) ReportFinishedStage(context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished++
}

// fakeBinary writes a shell script standing in for yt-dlp. The script finds
// the --paths argument and runs body with $dir set to it.
func fakeBinary(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts are not supported on windows")
	}
	script := `#!/bin/sh
dir=""
while [ $# -gt 0 ]; do
  case "$1" in
    --paths) dir="$2"; shift ;;
  esac
  shift
done
` + body
	path := filepath.Join(t.TempDir(), "yt-dlp")
	require.NoError(t, os.WriteFile(path, []byte(script), 0o700)) // #nosec G306
	return path
}

func newFetcher(t *testing.T, binary string) (*Fetcher, string) {
	t.Helper()
	base := t.TempDir()
	blobs, err := local.New(local.Config{BaseDir: base})
	require.NoError(t, err)
	work := t.TempDir()
	f := New(Config{Binary: binary, WorkDir: work}, fetcher.Uploader{Blobs: blobs, Prefix: "videos"}, nil)
	return f, base
}

func TestFetchUploadsArtifact(t *testing.T) {
	t.Parallel()

	bin := fakeBinary(t, `
echo "MEDIAFETCH_PROGRESS  10.0%"
echo "MEDIAFETCH_PROGRESS  55.5%"
echo "[info] writing metadata" 1>&2
echo "MEDIAFETCH_PROGRESS 100.0%"
printf 'video-bytes' > "$dir/My Clip.mp4"
echo "MEDIAFETCH_FILE $dir/My Clip.mp4"
`)
	f, base := newFetcher(t, bin)
	rep := &recordingReporter{}
	req := download.Request{JobID: uuid.New(), SourceURL: "https://www.youtube.com/watch?v=abc"}

	out, err := f.Fetch(context.Background(), req, rep)
	require.NoError(t, err)

	assert.Equal(t, "My Clip.mp4", out.Filename)
	assert.Equal(t, int64(len("video-bytes")), out.Size)
	assert.Equal(t, sha256.Hash([]byte("video-bytes")), out.Checksum)

	stored, err := os.ReadFile(filepath.Join(base, "videos", req.JobID.String(), "My Clip.mp4"))
	require.NoError(t, err)
	assert.Equal(t, "video-bytes", string(stored))

	assert.Equal(t, []float64{10, 55.5}, rep.pcts)
	assert.Equal(t, 1, rep.finished)

	entries, err := os.ReadDir(f.cfg.WorkDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "work dir must be removed")
}

func TestFetchReportsLastErrorLine(t *testing.T) {
	t.Parallel()

	bin := fakeBinary(t, `
echo "WARNING: something odd" 1>&2
echo "ERROR: [youtube] abc: Video unavailable" 1>&2
exit 1
`)
	f, _ := newFetcher(t, bin)

	_, err := f.Fetch(context.Background(), download.Request{JobID: uuid.New(), SourceURL: "https://youtu.be/abc"}, &recordingReporter{})
	require.Error(t, err)
	assert.Equal(t, "ERROR: [youtube] abc: Video unavailable", download.ErrorDetail(err))
}

func TestFetchWithoutOutputFile(t *testing.T) {
	t.Parallel()

	f, _ := newFetcher(t, fakeBinary(t, `exit 0`))

	_, err := f.Fetch(context.Background(), download.Request{JobID: uuid.New(), SourceURL: "https://example.com/v"}, &recordingReporter{})
	var fe *download.FetchError
	require.ErrorAs(t, err, &fe)
	assert.Contains(t, fe.Message, "without reporting an output file")
}

func TestFetchRejectsFileOutsideWorkDir(t *testing.T) {
	t.Parallel()

	outside := filepath.Join(t.TempDir(), "x.mp4")
	require.NoError(t, os.WriteFile(outside, []byte("x"), 0o600))
	f, _ := newFetcher(t, fakeBinary(t, `echo "MEDIAFETCH_FILE `+outside+`"`))

	_, err := f.Fetch(context.Background(), download.Request{JobID: uuid.New(), SourceURL: "https://example.com/v"}, &recordingReporter{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "outside its work dir")
}

func TestFetchStopsOnCancel(t *testing.T) {
	t.Parallel()

	f, _ := newFetcher(t, fakeBinary(t, `
echo "MEDIAFETCH_PROGRESS 1.0%"
exec sleep 30
`))
	f.cfg.KillGrace = 100 * time.Millisecond

	ctx, cancel := context.WithCancelCause(context.Background())
	rep := &recordingReporter{}
	done := make(chan error, 1)
	go func() {
		_, err := f.Fetch(ctx, download.Request{JobID: uuid.New(), SourceURL: "https://example.com/v"}, rep)
		done <- err
	}()

	require.Eventually(t, func() bool {
		rep.mu.Lock()
		defer rep.mu.Unlock()
		return len(rep.pcts) > 0
	}, 5*time.Second, 10*time.Millisecond)
	cancel(download.ErrRevoked)

	select {
	case err := <-done:
		require.ErrorIs(t, err, download.ErrRevoked)
	case <-time.After(10 * time.Second):
		t.Fatal("fetch did not stop after cancellation")
	}
}

func TestFetchMissingBinary(t *testing.T) {
	t.Parallel()

	f, _ := newFetcher(t, filepath.Join(t.TempDir(), "missing-yt-dlp"))
	assert.False(t, f.Available())

	_, err := f.Fetch(context.Background(), download.Request{JobID: uuid.New(), SourceURL: "https://example.com/v"}, &recordingReporter{})
	var fe *download.FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "yt-dlp could not be started", fe.Message)
}

func TestParsePercent(t *testing.T) {
	t.Parallel()

	cases := map[string]struct {
		want float64
		ok   bool
	}{
		" 42.5%":  {42.5, true},
		"100%":    {100, true},
		"120.0%":  {100, true},
		"N/A":     {0, false},
		"-3%":     {0, false},
		"  0.0% ": {0, true},
	}
	for in, tc := range cases {
		got, ok := ParsePercent(in)
		assert.Equal(t, tc.ok, ok, in)
		assert.InDelta(t, tc.want, got, 0.001, in)
	}
}

func TestArgsCarryExtractorSettings(t *testing.T) {
	t.Parallel()

	f := New(Config{ExtraArgs: []string{"--cookies", "c.txt"}}, fetcher.Uploader{}, nil)
	args := f.args("/work", "https://youtu.be/abc")

	assert.Contains(t, args, "youtube:player_client=ios,web")
	assert.Contains(t, args, DefaultFormat)
	assert.Contains(t, args, "--no-playlist")
	assert.Equal(t, []string{"--cookies", "c.txt", "--", "https://youtu.be/abc"}, args[len(args)-4:])
}
