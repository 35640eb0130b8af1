package core

import "errors"

var (
	// ErrDuplicateSuppressed is a policy skip, not a failure: another
	// dispatch already reached this target inside the dedup window.
	ErrDuplicateSuppressed = errors.New("duplicate_suppressed")

	// ErrTokenNotFound covers unknown, already-consumed and expired tokens.
	ErrTokenNotFound = errors.New("token_not_found")

	ErrPatientNotFound = errors.New("patient_not_found")
)
