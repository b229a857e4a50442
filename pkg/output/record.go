// Package output writes job watch streams as JSONL.
//
// Each line is a typed record envelope. Lines are self-contained JSON and can
// be parsed independently.
package output

import (
	"encoding/json"
	"errors"
	"time"
)

// Record types, versioned as jobkernel.<type>.v<version>.
const (
	TypeStatus  = "jobkernel.status.v1"
	TypeResults = "jobkernel.results.v1"
	TypeError   = "jobkernel.error.v1"
	TypeSummary = "jobkernel.summary.v1"
)

// Record is the envelope for every line.
type Record struct {
	Type  string          `json:"type"`
	TS    time.Time       `json:"ts"`
	JobID string          `json:"job_id"`
	Data  json.RawMessage `json:"data"`
}

// StatusRecord is emitted each time a watched job changes state.
type StatusRecord struct {
	Name     string  `json:"name"`
	State    string  `json:"state"`
	Stage    string  `json:"stage"`
	Progress float64 `json:"progress"`
	Message  string  `json:"message"`

	// UpdatedAt is the server's last-change time, not the observation time.
	UpdatedAt time.Time `json:"updated_at"`
}

// ResultsRecord carries a finished job's outcome.
type ResultsRecord struct {
	State           string            `json:"state"`
	Counts          map[string]int64  `json:"counts,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	ErrorCode       string            `json:"error_code,omitempty"`
	ErrorSummary    string            `json:"error_summary,omitempty"`
	ErrorDetailsRef string            `json:"error_details_ref,omitempty"`
	CompletedAt     *time.Time        `json:"completed_at,omitempty"`
}

// ErrorRecord reports a failure to observe the job. The stream may continue.
type ErrorRecord struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// Error codes for ErrorRecord.
const (
	ErrCodeNotFound    = "NOT_FOUND"
	ErrCodeUnavailable = "UNAVAILABLE"
	ErrCodeTimeout     = "TIMEOUT"
	ErrCodeInternal    = "INTERNAL"
)

// SummaryRecord closes a watch stream.
type SummaryRecord struct {
	FinalState    string        `json:"final_state"`
	Transitions   int64         `json:"transitions"`
	Polls         int64         `json:"polls"`
	Errors        int64         `json:"errors"`
	Duration      time.Duration `json:"duration_ns"`
	DurationHuman string        `json:"duration"`
}

var ErrWriterClosed = errors.New("writer is closed")

// WriteError wraps failures inside the writer.
type WriteError struct {
	Op  string // marshal_data, marshal_record or write
	Err error
}

func (e *WriteError) Error() string {
	return "output: " + e.Op + ": " + e.Err.Error()
}

func (e *WriteError) Unwrap() error {
	return e.Err
}
