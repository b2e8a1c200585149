package types

import "errors"

// Sentinel errors surfaced to callers of the monitoring engine.
var (
	// ErrExecutionNotFound is returned when Finish is called with an id
	// that has no in-flight entry (Finish without Start, or double-Finish).
	ErrExecutionNotFound = errors.New("execution not found")

	// ErrNonTerminalStatus is returned when Finish is called with a status
	// that is not a valid terminal state.
	ErrNonTerminalStatus = errors.New("status is not terminal")

	// ErrMonitorClosed is returned by operations invoked after Close.
	ErrMonitorClosed = errors.New("monitor is closed")
)
