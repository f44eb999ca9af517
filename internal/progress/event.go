package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/media-fetcher/internal/download"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageJobQueued    Stage = "JOB_QUEUED"
	StageJobStart     Stage = "JOB_START"
	StageJobProgress  Stage = "JOB_PROGRESS"
	StageFetchDone    Stage = "FETCH_DONE"
	StageJobDone      Stage = "JOB_DONE"
	StageJobError     Stage = "JOB_ERROR"
	StageJobCancelled Stage = "JOB_CANCELLED"
)

// Terminal reports whether the stage marks the end of a job.
func (s Stage) Terminal() bool {
	switch s {
	case StageJobDone, StageJobError, StageJobCancelled:
		return true
	default:
		return false
	}
}

// Event captures one applied change to a job.
type Event struct {
	// JobID uniquely identifies a job using the 16-byte UUID form.
	JobID [16]byte
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which lifecycle milestone occurred.
	Stage Stage
	// URL is the job's source URL when known.
	URL string
	// Progress is the stored progress after the change.
	Progress float64
	// Output is set on JOB_DONE.
	Output *download.Output
	// Dur is the time from job creation to the event, for terminal stages.
	Dur time.Duration
	// Note carries the error detail on JOB_ERROR.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.JobID == [16]byte{} {
		return errors.New("job id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageJobQueued, StageJobStart, StageJobProgress, StageFetchDone, StageJobCancelled:
	case StageJobDone:
		if e.Output == nil {
			return errors.New("job done requires output")
		}
	case StageJobError:
		if e.Note == "" {
			return errors.New("job error requires note")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Progress < download.MinProgress || e.Progress > download.MaxProgress {
		return fmt.Errorf("progress %v out of range", e.Progress)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// JobUUID converts the binary job ID to uuid.UUID.
func (e Event) JobUUID() uuid.UUID {
	return uuid.UUID(e.JobID)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}

// StageFor maps a terminal job status to its event stage.
func StageFor(status download.Status) Stage {
	switch status {
	case download.StatusQueued:
		return StageJobQueued
	case download.StatusInProgress:
		return StageJobStart
	case download.StatusCompleted:
		return StageJobDone
	case download.StatusFailed:
		return StageJobError
	case download.StatusCancelled:
		return StageJobCancelled
	default:
		return ""
	}
}

// JobEvent builds the event describing job's current state.
func JobEvent(job download.Job) Event {
	evt := Event{
		JobID:    UUIDToBytes(job.ID),
		TS:       job.UpdatedAt,
		Stage:    StageFor(job.Status),
		URL:      job.SourceURL,
		Progress: job.Progress,
		Output:   job.Output,
		Note:     job.Error,
	}
	if evt.Stage.Terminal() {
		evt.Dur = job.UpdatedAt.Sub(job.CreatedAt)
		if evt.Dur < 0 {
			evt.Dur = 0
		}
	}
	return evt
}
