package apps

import (
	"errors"
	"fmt"
)

// ErrInvalidTransition is returned when an operation is not legal from the
// app's current status. The state machine never silently no-ops.
type ErrInvalidTransition struct {
	AppID  string
	From   Status
	Action string
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("apps: illegal transition: cannot %s app %s in state %s",
		e.Action, e.AppID, e.From)
}

// ErrNoCompletedBuild is returned by Submit when the app's latest build job
// has not completed. Satisfy the precondition (run a build) and retry.
type ErrNoCompletedBuild struct {
	AppID string
}

func (e *ErrNoCompletedBuild) Error() string {
	return fmt.Sprintf("apps: app %s has no completed build to submit", e.AppID)
}

// ErrDomainNotVerified is returned by Submit when the app's attached
// verification record is missing or not verified. A published app always
// points at a verified domain, no matter what was swapped in after the
// build.
type ErrDomainNotVerified struct {
	AppID string
}

func (e *ErrDomainNotVerified) Error() string {
	return fmt.Sprintf("apps: app %s has no verified domain", e.AppID)
}

// ErrNotFound is returned when the app does not exist.
type ErrNotFound struct {
	AppID string
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("apps: app not found: %s", e.AppID)
}

// ErrNameRequired is returned by Create when the app name is empty after
// sanitization.
var ErrNameRequired = errors.New("apps: name is required")

// ErrReasonRequired is returned by Reject when no reason is supplied.
var ErrReasonRequired = errors.New("apps: rejection reason is required")
