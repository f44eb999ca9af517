package youtube

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
	yt "github.com/kkdai/youtube/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/media-fetcher/internal/download"
	"github.com/JakeFAU/media-fetcher/internal/fetcher"
	"github.com/JakeFAU/media-fetcher/internal/storage/local"
)

type mockClient struct {
	mock.Mock
}

func (m *mockClient) GetVideoContext(ctx context.Context, url string) (*yt.Video, error) {
	args := m.Called(ctx, url)
	v, _ := args.Get(0).(*yt.Video)
	return v, args.Error(1)
}

func (m *mockClient) GetStreamContext(ctx context.Context, video *yt.Video, format *yt.Format) (io.ReadCloser, int64, error) {
	args := m.Called(ctx, video, format)
	rc, _ := args.Get(0).(io.ReadCloser)
	return rc, args.Get(1).(int64), args.Error(2)
}

type countingReporter struct {
	pcts     []float64
	finished int
}

func (r *countingReporter) ReportProgress(_ context.Context, pct float64) {
	r.pcts = append(r.pcts, pct)
}
func (r *countingReporter) ReportFinishedStage(context.Context) { r.finished++ }

func sampleVideo() *yt.Video {
	return &yt.Video{
		ID:    "dQw4w9WgXcQ",
		Title: "Never Gonna: Give/You Up",
		Formats: yt.FormatList{
			{ItagNo: 137, MimeType: `video/mp4; codecs="avc1.640028"`, Width: 1920},
			{ItagNo: 43, MimeType: `video/webm; codecs="vp8.0, vorbis"`, Width: 640, AudioChannels: 2},
			{ItagNo: 18, MimeType: `video/mp4; codecs="avc1.42001E, mp4a.40.2"`, Width: 640, AudioChannels: 2},
			{ItagNo: 22, MimeType: `video/mp4; codecs="avc1.64001F, mp4a.40.2"`, Width: 1280, AudioChannels: 2},
		},
	}
}

func TestFetchPicksBestProgressiveMP4(t *testing.T) {
	t.Parallel()

	base := t.TempDir()
	blobs, err := local.New(local.Config{BaseDir: base})
	require.NoError(t, err)

	payload := strings.Repeat("v", 4096)
	video := sampleVideo()
	client := &mockClient{}
	client.On("GetVideoContext", mock.Anything, "https://youtu.be/dQw4w9WgXcQ").Return(video, nil)
	client.On("GetStreamContext", mock.Anything, video, mock.MatchedBy(func(f *yt.Format) bool {
		return f.ItagNo == 22
	})).Return(io.NopCloser(strings.NewReader(payload)), int64(len(payload)), nil)

	f := New(client, Config{}, fetcher.Uploader{Blobs: blobs, Prefix: "yt"}, nil)
	rep := &countingReporter{}
	req := download.Request{JobID: uuid.New(), SourceURL: "https://youtu.be/dQw4w9WgXcQ"}

	out, err := f.Fetch(context.Background(), req, rep)
	require.NoError(t, err)
	client.AssertExpectations(t)

	assert.Equal(t, "Never Gonna_ Give_You Up.mp4", out.Filename)
	assert.Equal(t, int64(len(payload)), out.Size)
	_, err = os.Stat(filepath.Join(base, "yt", req.JobID.String(), out.Filename))
	require.NoError(t, err)
	assert.NotEmpty(t, rep.pcts)
	assert.Equal(t, 1, rep.finished)
}

func TestFetchWithoutProgressiveFormat(t *testing.T) {
	t.Parallel()

	video := &yt.Video{ID: "abc", Formats: yt.FormatList{{ItagNo: 137, MimeType: "video/mp4"}}}
	client := &mockClient{}
	client.On("GetVideoContext", mock.Anything, mock.Anything).Return(video, nil)

	f := New(client, Config{}, fetcher.Uploader{}, nil)
	_, err := f.Fetch(context.Background(), download.Request{JobID: uuid.New(), SourceURL: "https://youtu.be/abc"}, &countingReporter{})

	var fe *download.FetchError
	require.ErrorAs(t, err, &fe)
	assert.Contains(t, fe.Message, "no progressive format")
	client.AssertNotCalled(t, "GetStreamContext", mock.Anything, mock.Anything, mock.Anything)
}

func TestFetchResolveErrorIsVerbatim(t *testing.T) {
	t.Parallel()

	client := &mockClient{}
	client.On("GetVideoContext", mock.Anything, mock.Anything).Return(nil, yt.ErrVideoPrivate)

	f := New(client, Config{}, fetcher.Uploader{}, nil)
	_, err := f.Fetch(context.Background(), download.Request{JobID: uuid.New(), SourceURL: "https://youtu.be/abc"}, &countingReporter{})

	assert.Equal(t, "resolve video: user restricted access to this video", download.ErrorDetail(err))
}

func TestFetchCancelledReturnsCause(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancelCause(context.Background())
	cancel(download.ErrRevoked)

	client := &mockClient{}
	client.On("GetVideoContext", mock.Anything, mock.Anything).Return(nil, errors.New("context canceled"))

	f := New(client, Config{}, fetcher.Uploader{}, nil)
	_, err := f.Fetch(ctx, download.Request{JobID: uuid.New(), SourceURL: "https://youtu.be/abc"}, &countingReporter{})
	require.ErrorIs(t, err, download.ErrRevoked)
}
