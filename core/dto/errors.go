package dto

import "github.com/pkg/errors"

var (
	// ErrNotFound is returned for an unknown transaction id.
	ErrNotFound = errors.New("transaction not found")
	// ErrInvalidStateTransition is returned when an operation is not valid for the current state.
	ErrInvalidStateTransition = errors.New("invalid state transition")
	// ErrConcurrencyLimitExceeded is returned by Begin when the registry is at capacity.
	ErrConcurrencyLimitExceeded = errors.New("concurrency limit exceeded")
	// ErrTimeout marks an exceeded round or transaction deadline.
	ErrTimeout = errors.New("timeout")
	// ErrPrepareRejected marks a prepare round where a participant voted no or failed.
	ErrPrepareRejected = errors.New("prepare rejected")
	// ErrPartialCommitFailure marks a commit round where a participant failed to acknowledge.
	ErrPartialCommitFailure = errors.New("partial commit failure")
	// ErrLockConflict is returned when an incompatible lock is requested.
	ErrLockConflict = errors.New("lock conflict")
	// ErrByzantineReply marks a reply that does not match the request it answers.
	ErrByzantineReply = errors.New("mismatched reply")
)
