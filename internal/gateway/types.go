package gateway

import (
	"maps"
	"time"

	"github.com/3leaps/jobkernel/pkg/jobregistry"
	"github.com/3leaps/jobkernel/pkg/lifecycle"
)

// CreateRequest submits a job.
type CreateRequest struct {
	Name    string            `json:"name"`
	Labels  map[string]string `json:"labels,omitempty"`
	Program string            `json:"program,omitempty"`
}

// CreateResponse acknowledges a submission.
type CreateResponse struct {
	JobID     string          `json:"job_id"`
	State     lifecycle.State `json:"state"`
	CreatedAt time.Time       `json:"created_at"`
}

// StatusView is the progress snapshot of one job.
type StatusView struct {
	JobID           string          `json:"job_id"`
	Name            string          `json:"name"`
	State           lifecycle.State `json:"state"`
	Stage           string          `json:"stage"`
	Progress        float64         `json:"progress"`
	Message         string          `json:"message"`
	ErrorCode       string          `json:"error_code,omitempty"`
	ErrorSummary    string          `json:"error_summary,omitempty"`
	ErrorDetailsRef string          `json:"error_details_ref,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// ResultsView is the outcome of one job. CompletedAt is set only for done jobs.
type ResultsView struct {
	JobID           string            `json:"job_id"`
	State           lifecycle.State   `json:"state"`
	Counts          map[string]int64  `json:"counts"`
	Metadata        map[string]string `json:"metadata"`
	ErrorCode       string            `json:"error_code,omitempty"`
	ErrorSummary    string            `json:"error_summary,omitempty"`
	ErrorDetailsRef string            `json:"error_details_ref,omitempty"`
	CompletedAt     *time.Time        `json:"completed_at,omitempty"`
}

// CancelResponse reports whether a cancel request took effect.
type CancelResponse struct {
	JobID    string `json:"job_id"`
	Accepted bool   `json:"accepted"`
}

// ListRequest filters List. Zero value lists every job.
type ListRequest struct {
	State       string
	NamePattern string
	Limit       int
}

// Progress maps a state to its fraction of the pipeline.
func Progress(s lifecycle.State) float64 {
	switch s {
	case lifecycle.StateCompiling:
		return 0.25
	case lifecycle.StateQueued:
		return 0.5
	case lifecycle.StateRunning:
		return 0.75
	case lifecycle.StateDone, lifecycle.StateError, lifecycle.StateCancelled:
		return 1.0
	default:
		return 0.0
	}
}

func statusView(rec jobregistry.JobRecord) StatusView {
	return StatusView{
		JobID:           rec.JobID,
		Name:            rec.Name,
		State:           rec.State,
		Stage:           rec.State.Stage(),
		Progress:        Progress(rec.State),
		Message:         statusMessage(rec),
		ErrorCode:       rec.ErrorCode,
		ErrorSummary:    rec.ErrorSummary,
		ErrorDetailsRef: rec.ErrorDetailsRef,
		CreatedAt:       rec.CreatedAt,
		UpdatedAt:       rec.UpdatedAt,
	}
}

func statusMessage(rec jobregistry.JobRecord) string {
	if rec.State == lifecycle.StateError && rec.ErrorSummary != "" {
		return rec.ErrorSummary
	}
	return ""
}

func resultsView(rec jobregistry.JobRecord) ResultsView {
	view := ResultsView{
		JobID:           rec.JobID,
		State:           rec.State,
		Counts:          maps.Clone(rec.Counts),
		Metadata:        maps.Clone(rec.Labels),
		ErrorCode:       rec.ErrorCode,
		ErrorSummary:    rec.ErrorSummary,
		ErrorDetailsRef: rec.ErrorDetailsRef,
	}
	if view.Counts == nil {
		view.Counts = map[string]int64{}
	}
	if view.Metadata == nil {
		view.Metadata = map[string]string{}
	}
	if rec.State == lifecycle.StateDone {
		completed := rec.UpdatedAt
		view.CompletedAt = &completed
	}
	return view
}
