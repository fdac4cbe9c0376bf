package models

import "errors"

var (
	// ErrInvalidRange rejects malformed or empty time windows.
	ErrInvalidRange = errors.New("invalid range")
	// ErrInsufficientSamples means the window did not yield a full sample set.
	ErrInsufficientSamples = errors.New("insufficient samples")
	// ErrNoPriorCorrelation means a computed rate has no usable history.
	ErrNoPriorCorrelation = errors.New("no prior correlation")
	// ErrOutOfOrderCommit means the candidate would break history monotonicity.
	ErrOutOfOrderCommit = errors.New("out of order commit")
	// ErrNotLatest means a rollback named a run other than the latest committed one.
	ErrNotLatest = errors.New("run is not the latest committed run")
	// ErrNotFound means the named run or clock kernel does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidConfig rejects contradictory or incomplete run configuration.
	ErrInvalidConfig = errors.New("invalid configuration")
	// ErrInvalidTelemetry rejects an unparseable telemetry import.
	ErrInvalidTelemetry = errors.New("invalid telemetry")
	// ErrPreviewExpired means a preview handle is unknown or has aged out of the cache.
	ErrPreviewExpired = errors.New("preview expired")
	// ErrTestModeRun is returned by product generators that refuse test-mode runs.
	ErrTestModeRun = errors.New("test mode run")
)
