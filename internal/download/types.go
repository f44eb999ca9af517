package download

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Handle is the opaque reference to one dispatched execution of a job.
type Handle string

// Output describes the artifact produced by a successful fetch.
type Output struct {
	// Filename is the base name of the stored artifact.
	Filename string `json:"filename"`
	// Path is the URI of the artifact in the blob store.
	Path string `json:"file_path"`
	// Size is the artifact length in bytes.
	Size int64 `json:"file_size"`
	// Checksum is the hex SHA-256 digest of the artifact, when computed.
	Checksum string `json:"checksum,omitempty"`
}

// Job is one request to fetch a single remote media resource.
type Job struct {
	ID        uuid.UUID `json:"id"`
	SourceURL string    `json:"url"`
	Status    Status    `json:"status"`
	Progress  float64   `json:"progress"`
	Output    *Output   `json:"output,omitempty"`
	Error     string    `json:"error_detail,omitempty"`
	Handle    Handle    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewJob returns a queued job for sourceURL.
func NewJob(id uuid.UUID, sourceURL string, now time.Time) Job {
	now = now.UTC()
	return Job{
		ID:        id,
		SourceURL: sourceURL,
		Status:    StatusQueued,
		Progress:  MinProgress,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// QueueItem is the unit of work handed from the dispatcher to workers.
type QueueItem struct {
	JobID     uuid.UUID `json:"job_id"`
	SourceURL string    `json:"source_url"`
	Handle    Handle    `json:"handle"`
	Submitted time.Time `json:"submitted"`
}

// Request is the input of a single fetch.
type Request struct {
	JobID     uuid.UUID
	SourceURL string
}

// Outcome is the terminal result of a fetch: exactly one of Output or Err is
// set.
type Outcome struct {
	Output *Output
	Err    error
}

// Succeeded builds a successful Outcome.
func Succeeded(out Output) Outcome {
	return Outcome{Output: &out}
}

// Failed builds a failed Outcome.
func Failed(err error) Outcome {
	if err == nil {
		err = &FetchError{Message: "fetch failed without an error"}
	}
	return Outcome{Err: err}
}

// ValidateURL checks that raw is an absolute http(s) URL with a host.
func ValidateURL(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: scheme must be http or https", ErrInvalidURL)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: host is required", ErrInvalidURL)
	}
	return nil
}
