package verify

import "fmt"

// ErrInvalidDomain is returned by Initiate when the domain is malformed.
type ErrInvalidDomain struct {
	Domain string
	Cause  error
}

func (e *ErrInvalidDomain) Error() string {
	return fmt.Sprintf("verify: invalid domain %q: %v", e.Domain, e.Cause)
}

func (e *ErrInvalidDomain) Unwrap() error { return e.Cause }

// ErrAlreadyVerified is returned by Initiate when the owner already holds a
// verified record for the domain.
type ErrAlreadyVerified struct {
	Domain string
}

func (e *ErrAlreadyVerified) Error() string {
	return fmt.Sprintf("verify: domain %s is already verified", e.Domain)
}

// ErrVerificationFailed is returned by Check when the live lookup does not
// match the challenge. Retryable: the caller may Check again without
// re-initiating.
type ErrVerificationFailed struct {
	VerificationID string
	Cause          error
}

func (e *ErrVerificationFailed) Error() string {
	return fmt.Sprintf("verify: check failed for %s: %v", e.VerificationID, e.Cause)
}

func (e *ErrVerificationFailed) Unwrap() error { return e.Cause }

// ErrInUse is returned by Delete when a non-terminal app still references
// the verification record.
type ErrInUse struct {
	VerificationID string
}

func (e *ErrInUse) Error() string {
	return fmt.Sprintf("verify: record %s is referenced by an active app", e.VerificationID)
}

// ErrNotFound is returned when the verification record does not exist.
type ErrNotFound struct {
	VerificationID string
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("verify: record not found: %s", e.VerificationID)
}

// ErrForceVerifyDisabled is returned by ForceVerify when the override flag
// is off. ForceVerify exists for non-production environments only.
type ErrForceVerifyDisabled struct{}

func (e *ErrForceVerifyDisabled) Error() string {
	return "verify: force-verify override is disabled"
}
