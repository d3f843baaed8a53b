package model

import "errors"

var (
	ErrNotFound          = errors.New("not found")
	ErrVersionConflict   = errors.New("version conflict")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrUnknownIndex      = errors.New("unknown index")
	ErrInvalidTask       = errors.New("invalid task")

	ErrInvalidPattern    = errors.New("invalid event pattern")
	ErrInvalidEvent      = errors.New("invalid event")
	ErrDeliveryExhausted = errors.New("delivery retries exhausted")
	ErrBusClosed         = errors.New("event bus is closed")
	ErrUnknownTarget     = errors.New("unknown delivery target")
	ErrAlreadyRedriven   = errors.New("dead letter already redriven")

	ErrValidationFailed  = errors.New("task validation failed")
	ErrRejected          = errors.New("task rejected")
	ErrApprovalTimedOut  = errors.New("approval wait timed out")
	ErrExecutionConflict = errors.New("execution already running for task")
	ErrCancelled         = errors.New("execution cancelled")
	ErrExecutionFinished = errors.New("execution already finished")
	ErrLeaseLost         = errors.New("task lease lost")
)
