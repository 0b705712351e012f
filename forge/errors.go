package forge

import "fmt"

// Error codes recorded on failed jobs.
const (
	ErrCodeBuildFailed = "build_failed"
	ErrCodeCancelled   = "cancelled"
	ErrCodeTimeout     = "timeout"
)

// ErrDomainNotVerified is returned by Start when the app has no
// verified domain.
type ErrDomainNotVerified struct {
	AppID string
}

func (e *ErrDomainNotVerified) Error() string {
	return fmt.Sprintf("forge: app %s has no verified domain", e.AppID)
}

// ErrBuildInProgress is returned by Start when a non-terminal job
// already exists for the app.
type ErrBuildInProgress struct {
	AppID string
}

func (e *ErrBuildInProgress) Error() string {
	return fmt.Sprintf("forge: build already in progress for app %s", e.AppID)
}

// ErrJobNotFound is returned when no job matches the given id.
type ErrJobNotFound struct {
	JobID string
}

func (e *ErrJobNotFound) Error() string {
	return fmt.Sprintf("forge: job %s not found", e.JobID)
}

// ErrJobTerminal is returned by Cancel when the job has already
// reached completed or failed.
type ErrJobTerminal struct {
	JobID  string
	Status Status
}

func (e *ErrJobTerminal) Error() string {
	return fmt.Sprintf("forge: job %s already %s", e.JobID, e.Status)
}
