// Package types defines the public data model of the query performance
// monitoring engine: observed executions, detected patterns, raised alerts,
// and computed metrics snapshots.
package types

import "time"

// QueryType classifies the kind of database operation being observed.
type QueryType string

const (
	QuerySelect QueryType = "SELECT"
	QueryInsert QueryType = "INSERT"
	QueryUpdate QueryType = "UPDATE"
	QueryDelete QueryType = "DELETE"
	QueryUpsert QueryType = "UPSERT"
	QueryRPC    QueryType = "RPC"
	QueryOther  QueryType = "OTHER"
)

// ExecutionStatus is the lifecycle state of an observed execution.
// An execution is PENDING until exactly one Finish call assigns a
// terminal status.
type ExecutionStatus string

const (
	StatusPending ExecutionStatus = "PENDING"
	StatusSuccess ExecutionStatus = "SUCCESS"
	StatusError   ExecutionStatus = "ERROR"
	StatusTimeout ExecutionStatus = "TIMEOUT"
)

// Terminal reports whether the status is a valid terminal state for Finish.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case StatusSuccess, StatusError, StatusTimeout:
		return true
	}
	return false
}

// DisabledExecutionID is the sentinel id returned by Start when the
// monitor is disabled. Finish treats it as a no-op.
const DisabledExecutionID = "disabled"

// QueryExecution is one observed database operation. It is created by
// Start in the PENDING state, finalized exactly once by Finish, and
// immutable thereafter.
type QueryExecution struct {
	ID           string            `json:"id"`
	QueryType    QueryType         `json:"query_type"`
	TableName    string            `json:"table_name,omitempty"`
	UserID       string            `json:"user_id,omitempty"`
	SessionID    string            `json:"session_id,omitempty"`
	Tags         map[string]string `json:"tags,omitempty"`
	StartedAt    time.Time         `json:"started_at"`
	FinishedAt   time.Time         `json:"finished_at,omitempty"`
	Duration     time.Duration     `json:"duration"`
	Status       ExecutionStatus   `json:"status"`
	ErrorMessage string            `json:"error_message,omitempty"`
	QueryHash    string            `json:"query_hash,omitempty"`
	StackTrace   string            `json:"stack_trace,omitempty"`
}

// Finished reports whether the execution has reached a terminal status.
func (e *QueryExecution) Finished() bool {
	return e.Status.Terminal()
}

// DurationSeconds returns the execution duration in seconds with
// sub-millisecond resolution.
func (e *QueryExecution) DurationSeconds() float64 {
	return e.Duration.Seconds()
}
