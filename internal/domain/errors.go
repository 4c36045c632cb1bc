package domain

import (
	"errors"
	"strings"
)

// Per-account failure reasons. They end up in ExecutionEntry.Error and never
// fail a whole request.
var (
	ErrNoOpenPosition   = errors.New("no open position")
	ErrUnknownAccount   = errors.New("unknown account")
	ErrAccountInactive  = errors.New("account inactive")
	ErrDeadlineExceeded = errors.New("deadline exceeded")
	ErrPlacementTimeout = errors.New("timeout (placement state unknown)")
)

// ValidationError rejects a whole request before anything is dispatched.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid request: " + strings.Join(e.Problems, "; ")
}

// Add records a problem.
func (e *ValidationError) Add(problem string) {
	e.Problems = append(e.Problems, problem)
}

// Err returns e when it holds at least one problem, nil otherwise.
func (e *ValidationError) Err() error {
	if len(e.Problems) == 0 {
		return nil
	}
	return e
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// RejectedError is returned by brokers that refused an order outright.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string {
	return "rejected: " + e.Reason
}
