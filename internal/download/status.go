package download

import (
	"fmt"
	"math"
	"time"
)

// Status is the lifecycle state of a Job. The zero value is not a valid
// status; use one of the Status constants.
type Status uint8

// Job statuses. Completed, Failed and Cancelled are terminal.
const (
	statusUnknown Status = iota
	StatusQueued
	StatusInProgress
	StatusCompleted
	StatusFailed
	StatusCancelled
)

var statusNames = [...]string{
	statusUnknown:    "unknown",
	StatusQueued:     "queued",
	StatusInProgress: "in_progress",
	StatusCompleted:  "completed",
	StatusFailed:     "failed",
	StatusCancelled:  "cancelled",
}

// String returns the wire name of the status.
func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("Status(%d)", uint8(s))
}

// Valid reports whether s is one of the five declared statuses.
func (s Status) Valid() bool {
	return s >= StatusQueued && s <= StatusCancelled
}

// IsTerminal reports whether no further transition is permitted from s.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// ParseStatus converts a wire name into a Status.
func ParseStatus(v string) (Status, error) {
	for i, name := range statusNames {
		if Status(i).Valid() && name == v {
			return Status(i), nil
		}
	}
	return statusUnknown, fmt.Errorf("unknown job status %q", v)
}

// MarshalText implements encoding.TextMarshaler.
func (s Status) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid job status %d", uint8(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Status) UnmarshalText(b []byte) error {
	parsed, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Event drives a Status transition.
type Event uint8

// Lifecycle events.
const (
	// EventStart fires when a worker begins executing the job.
	EventStart Event = iota + 1
	// EventSucceed fires when the fetcher returns an output.
	EventSucceed
	// EventFail fires when the fetcher returns an error or times out.
	EventFail
	// EventCancel fires when a cancellation request is accepted.
	EventCancel
)

// String names the event for logs.
func (e Event) String() string {
	switch e {
	case EventStart:
		return "start"
	case EventSucceed:
		return "succeed"
	case EventFail:
		return "fail"
	case EventCancel:
		return "cancel"
	default:
		return fmt.Sprintf("Event(%d)", uint8(e))
	}
}

// Next returns the status reached by applying e to s. ok is false when the
// transition is not in the table; every event is rejected from a terminal
// status.
func (s Status) Next(e Event) (next Status, ok bool) {
	switch {
	case s == StatusQueued && e == EventStart:
		return StatusInProgress, true
	case s == StatusInProgress && e == EventSucceed:
		return StatusCompleted, true
	case s == StatusInProgress && e == EventFail:
		return StatusFailed, true
	case (s == StatusQueued || s == StatusInProgress) && e == EventCancel:
		return StatusCancelled, true
	default:
		return s, false
	}
}

// Sources lists the statuses from which e is permitted.
func (e Event) Sources() []Status {
	var out []Status
	for s := StatusQueued; s <= StatusCancelled; s++ {
		if _, ok := s.Next(e); ok {
			out = append(out, s)
		}
	}
	return out
}

// Target returns the status e leads to.
func (e Event) Target() Status {
	for _, s := range e.Sources() {
		next, _ := s.Next(e)
		return next
	}
	return statusUnknown
}

// Transition is a conditional status change. Stores apply it as a single
// update keyed on the job id and the expected current statuses in From.
type Transition struct {
	Event       Event
	From        []Status
	To          Status
	Progress    *float64
	Output      *Output
	Error       string
	ClearHandle bool
	At          time.Time
}

// StartTransition moves a queued job to InProgress and resets progress.
func StartTransition(at time.Time) Transition {
	t := newTransition(EventStart, at)
	t.Progress = floatPtr(0)
	return t
}

// CompleteTransition records a successful fetch.
func CompleteTransition(out Output, at time.Time) Transition {
	t := newTransition(EventSucceed, at)
	t.Progress = floatPtr(MaxProgress)
	t.Output = &out
	return t
}

// FailTransition records a failed fetch with the verbatim error message.
func FailTransition(detail string, at time.Time) Transition {
	if detail == "" {
		detail = "unknown error"
	}
	t := newTransition(EventFail, at)
	t.Error = detail
	return t
}

// CancelTransition records an accepted cancellation.
func CancelTransition(at time.Time) Transition {
	return newTransition(EventCancel, at)
}

func newTransition(e Event, at time.Time) Transition {
	return Transition{
		Event:       e,
		From:        e.Sources(),
		To:          e.Target(),
		ClearHandle: e != EventStart,
		At:          at.UTC(),
	}
}

// Permits reports whether the transition may be applied to a job in status s.
func (t Transition) Permits(s Status) bool {
	for _, from := range t.From {
		if from == s {
			return true
		}
	}
	return false
}

// Apply returns job with the transition applied, or a *StaleStatusError when
// the job is not in one of the expected statuses.
func (t Transition) Apply(job Job) (Job, error) {
	if !t.Permits(job.Status) {
		return job, &StaleStatusError{ID: job.ID, Current: job.Status, Event: t.Event}
	}
	job.Status = t.To
	if t.Progress != nil {
		job.Progress = *t.Progress
	}
	if t.Output != nil {
		out := *t.Output
		job.Output = &out
	}
	if t.Error != "" {
		job.Error = t.Error
	}
	if t.ClearHandle {
		job.Handle = ""
	}
	job.UpdatedAt = t.At
	return job, nil
}

// Progress bounds.
const (
	MinProgress = 0.0
	MaxProgress = 100.0
)

// ClampProgress bounds pct to [MinProgress, MaxProgress]. NaN maps to
// MinProgress.
func ClampProgress(pct float64) float64 {
	switch {
	case math.IsNaN(pct):
		return MinProgress
	case pct < MinProgress:
		return MinProgress
	case pct > MaxProgress:
		return MaxProgress
	default:
		return pct
	}
}

func floatPtr(v float64) *float64 {
	return &v
}
