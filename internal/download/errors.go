package download

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors shared by stores, the dispatcher and the lifecycle layer.
var (
	ErrNotFound          = errors.New("job not found")
	ErrAlreadyExists     = errors.New("job already exists")
	ErrAlreadyDispatched = errors.New("job already dispatched")
	ErrAlreadyTerminal   = errors.New("job already in a terminal state")
	ErrRevoked           = errors.New("execution revoked")
	ErrInvalidURL        = errors.New("invalid source url")
	ErrQueueClosed       = errors.New("queue closed")
)

// StaleStatusError reports a conditional write that found the job in a
// status the transition does not permit.
type StaleStatusError struct {
	ID      uuid.UUID
	Current Status
	Event   Event
}

func (e *StaleStatusError) Error() string {
	return fmt.Sprintf("job %s: cannot apply %s from status %s", e.ID, e.Event, e.Current)
}

// Is matches ErrAlreadyTerminal when the job had already finished.
func (e *StaleStatusError) Is(target error) bool {
	return target == ErrAlreadyTerminal && e.Current.IsTerminal()
}

// FetchError is a failure reported by a Fetcher. Its message is stored
// verbatim as the job's error detail.
type FetchError struct {
	Message string
	Err     error
}

func (e *FetchError) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return e.Message + ": " + e.Err.Error()
	case e.Message != "":
		return e.Message
	case e.Err != nil:
		return e.Err.Error()
	default:
		return "fetch failed"
	}
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// TimeoutError reports an execution that exceeded its wall-clock budget. It
// is a kind of FetchError: errors.As(err, new(*FetchError)) succeeds.
type TimeoutError struct {
	Limit time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout: execution exceeded %s", e.Limit)
}

func (e *TimeoutError) Unwrap() error {
	return context.DeadlineExceeded
}

// As lets a TimeoutError satisfy errors.As for *FetchError.
func (e *TimeoutError) As(target any) bool {
	fe, ok := target.(**FetchError)
	if !ok {
		return false
	}
	*fe = &FetchError{Message: e.Error()}
	return true
}

// ErrorDetail renders err into the message persisted on a failed job.
func ErrorDetail(err error) string {
	if err == nil {
		return ""
	}
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Error()
	}
	return err.Error()
}
