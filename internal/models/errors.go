package models

import "errors"

var (
	// ErrValidation is returned for malformed requests. Never retried.
	ErrValidation = errors.New("validation error")

	// ErrInvalidTransition is returned when a trip is not in the source state
	// an operation requires.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrTerminalState is returned by Cancel once the trip has been picked up
	// or has already ended.
	ErrTerminalState = errors.New("trip can no longer be cancelled")

	// ErrNotAuthorized is returned when the OTP gate has not authorized pickup
	// or an actor is not a party of the resource it acts on.
	ErrNotAuthorized = errors.New("not authorized")

	// ErrForbidden is returned when the caller's role may not perform an operation.
	ErrForbidden = errors.New("forbidden for role")

	ErrNotVerified = errors.New("driver documents are not fully approved")

	ErrActiveTripConflict = errors.New("active trip conflict")

	// ErrConflict is returned when an offer was lost to a faster responder,
	// expired, or was withdrawn. Callers should stop, not retry the attempt.
	ErrConflict = errors.New("offer no longer available")

	ErrInvalidOtp = errors.New("invalid otp")

	ErrRateLimited = errors.New("too many attempts")

	ErrNotFound = errors.New("resource not found")
)
