package fetcher

import (
	"context"
	"fmt"
	"io"

	"github.com/JakeFAU/media-fetcher/internal/download"
	"github.com/JakeFAU/media-fetcher/internal/hash/sha256"
	"github.com/JakeFAU/media-fetcher/internal/metrics"
)

// Uploader streams fetched bytes into a blob store under a per-job key.
type Uploader struct {
	Blobs  download.BlobStore
	Prefix string
}

// Upload copies r into the blob store as filename and returns the artifact
// description. onRead, when set, receives the running byte count.
func (u Uploader) Upload(ctx context.Context, req download.Request, filename string, r io.Reader, onRead func(int64)) (download.Output, error) {
	if u.Blobs == nil {
		return download.Output{}, fmt.Errorf("blob store is not configured")
	}
	hr := sha256.NewReader(r)
	if onRead != nil {
		hr.OnRead(onRead)
	}
	key := ObjectPath(u.Prefix, req.JobID, filename)
	uri, err := u.Blobs.PutObject(ctx, key, ContentType(filename), hr)
	metrics.ObserveFetchBytes(req.SourceURL, hr.Size())
	if err != nil {
		return download.Output{}, fmt.Errorf("store artifact %s: %w", key, err)
	}
	return download.Output{
		Filename: filename,
		Path:     uri,
		Size:     hr.Size(),
		Checksum: hr.Sum(),
	}, nil
}

// Percent converts a byte count into a progress percentage, holding back
// the final point for the finished stage. It returns -1 when total is
// unknown.
func Percent(n, total int64) float64 {
	if total <= 0 {
		return -1
	}
	pct := float64(n) / float64(total) * download.MaxProgress
	if pct >= download.MaxProgress {
		pct = download.MaxProgress - 0.1
	}
	return pct
}
