package jobregistry

import (
	"maps"
	"time"

	"github.com/3leaps/jobkernel/pkg/lifecycle"
)

// JobRecord is a point-in-time view of one job.
//
// Records handed out by the Registry are copies; mutating one never affects
// the stored job.
type JobRecord struct {
	JobID     string            `json:"job_id"`
	Name      string            `json:"name"`
	Labels    map[string]string `json:"labels,omitempty"`
	State     lifecycle.State   `json:"state"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`

	// Failure metadata. Set by SetError only, never cleared.
	ErrorCode       string `json:"error_code,omitempty"`
	ErrorSummary    string `json:"error_summary,omitempty"`
	ErrorDetailsRef string `json:"error_details_ref,omitempty"`

	// Counts maps outcome label to count. Populated on success only.
	Counts map[string]int64 `json:"counts,omitempty"`
}

// Clone returns a deep copy of r.
func (r JobRecord) Clone() JobRecord {
	out := r
	out.Labels = maps.Clone(r.Labels)
	out.Counts = maps.Clone(r.Counts)
	if out.Counts == nil {
		out.Counts = map[string]int64{}
	}
	return out
}

// Transition describes a successful state change, delivered to listeners.
type Transition struct {
	JobID string
	Name  string
	From  lifecycle.State
	To    lifecycle.State
	Event lifecycle.Event
	At    time.Time
}

// Listener observes successful transitions.
//
// Listeners run synchronously on the goroutine that applied the event, while
// the job's lock is held. They must not block for long and must not call back
// into the Registry for the same job.
type Listener interface {
	OnTransition(t Transition)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(t Transition)

// OnTransition calls f(t).
func (f ListenerFunc) OnTransition(t Transition) {
	f(t)
}

// ListFilter narrows List results. Zero value matches everything.
type ListFilter struct {
	// State, when set, keeps only jobs currently in that state.
	State lifecycle.State

	// NamePattern is a doublestar glob matched against the job name.
	NamePattern string
}
