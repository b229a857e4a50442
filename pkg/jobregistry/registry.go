// Package jobregistry holds the in-memory table of job records.
//
// The Registry is the only component allowed to change a job's state. Every
// change goes through ApplyEvent, which performs read-transition-write as one
// step under the job's own lock. The table lock is only held to look up or
// insert entries, so unrelated jobs never wait on each other.
//
// Records are never removed. The registry is volatile: restarting the process
// loses all jobs.
package jobregistry

import (
	"errors"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/google/uuid"

	"github.com/3leaps/jobkernel/pkg/lifecycle"
)

var (
	// ErrNotFound indicates the job id is unknown to the registry.
	ErrNotFound = errors.New("job not found")

	// ErrInvalidPattern indicates a List name pattern cannot be compiled.
	ErrInvalidPattern = errors.New("invalid name pattern")

	// ErrIDExhausted indicates the id generator kept returning ids already in use.
	ErrIDExhausted = errors.New("could not allocate a unique job id")
)

const maxIDAttempts = 8

type entry struct {
	mu  sync.Mutex
	rec JobRecord
}

// Registry is a concurrency-safe job table.
type Registry struct {
	mu   sync.RWMutex
	jobs map[string]*entry

	now       func() time.Time
	newID     func() string
	listeners []Listener
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the wall clock. Timestamps are still truncated to
// milliseconds and clamped so UpdatedAt never moves backwards.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// WithIDGenerator overrides job id generation (uuid v4 by default).
func WithIDGenerator(gen func() string) Option {
	return func(r *Registry) {
		if gen != nil {
			r.newID = gen
		}
	}
}

// WithListener registers a transition listener.
func WithListener(l Listener) Option {
	return func(r *Registry) {
		if l != nil {
			r.listeners = append(r.listeners, l)
		}
	}
}

// New creates an empty Registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		jobs:  make(map[string]*entry),
		now:   time.Now,
		newID: func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) timestamp(floor time.Time) time.Time {
	t := r.now().UTC().Truncate(time.Millisecond)
	if t.Before(floor) {
		return floor
	}
	return t
}

func (r *Registry) lookup(jobID string) *entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.jobs[jobID]
}

// Create inserts a new pending job and returns its snapshot.
//
// Create does not validate name; any string is stored as given.
func (r *Registry) Create(name string, labels map[string]string) (JobRecord, error) {
	now := r.timestamp(time.Time{})

	r.mu.Lock()
	defer r.mu.Unlock()

	jobID := ""
	for attempt := 0; attempt < maxIDAttempts; attempt++ {
		candidate := r.newID()
		if _, taken := r.jobs[candidate]; candidate != "" && !taken {
			jobID = candidate
			break
		}
	}
	if jobID == "" {
		return JobRecord{}, ErrIDExhausted
	}

	rec := JobRecord{
		JobID:     jobID,
		Name:      name,
		Labels:    labels,
		State:     lifecycle.StatePending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	e := &entry{rec: rec.Clone()}
	r.jobs[jobID] = e

	return e.rec.Clone(), nil
}

// Get returns a snapshot of the job. The snapshot may be stale as soon as it
// is returned.
func (r *Registry) Get(jobID string) (JobRecord, error) {
	e := r.lookup(jobID)
	if e == nil {
		return JobRecord{}, fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rec.Clone(), nil
}

// ApplyEvent moves the job along the lifecycle graph.
//
// On an invalid edge the record is left untouched and a
// *lifecycle.TransitionError is returned. Listeners are notified while the
// job's lock is held, so they observe transitions of one job in order; they
// must not call back into the Registry for the same job.
func (r *Registry) ApplyEvent(jobID string, ev lifecycle.Event) (JobRecord, error) {
	e := r.lookup(jobID)
	if e == nil {
		return JobRecord{}, fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	from := e.rec.State
	if from.IsTerminal() {
		return JobRecord{}, &lifecycle.TransitionError{From: from, Event: ev}
	}
	next, err := lifecycle.Transition(from, ev)
	if err != nil {
		return JobRecord{}, err
	}

	e.rec.State = next
	e.rec.UpdatedAt = r.timestamp(e.rec.UpdatedAt)
	snap := e.rec.Clone()

	r.notify(Transition{
		JobID: snap.JobID,
		Name:  snap.Name,
		From:  from,
		To:    next,
		Event: ev,
		At:    snap.UpdatedAt,
	})

	return snap, nil
}

func (r *Registry) notify(t Transition) {
	for _, l := range r.listeners {
		l.OnTransition(t)
	}
}

// SetError attaches failure metadata. It reports false when the job is unknown.
//
// This is advisory and separate from the Fail transition, which callers issue
// through ApplyEvent. Empty arguments leave the existing field alone, so error
// fields are never cleared and a details ref can be attached later.
func (r *Registry) SetError(jobID, code, summary, detailsRef string) bool {
	return r.update(jobID, func(rec *JobRecord) {
		if code != "" {
			rec.ErrorCode = code
		}
		if summary != "" {
			rec.ErrorSummary = summary
		}
		if detailsRef != "" {
			rec.ErrorDetailsRef = detailsRef
		}
	})
}

// SetCounts attaches the results payload. It reports false when the job is unknown.
func (r *Registry) SetCounts(jobID string, counts map[string]int64) bool {
	return r.update(jobID, func(rec *JobRecord) {
		rec.Counts = maps.Clone(counts)
	})
}

func (r *Registry) update(jobID string, mutate func(rec *JobRecord)) bool {
	e := r.lookup(jobID)
	if e == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	mutate(&e.rec)
	e.rec.UpdatedAt = r.timestamp(e.rec.UpdatedAt)
	return true
}

// List returns snapshots of matching jobs, newest first.
func (r *Registry) List(filter ListFilter) ([]JobRecord, error) {
	if filter.NamePattern != "" && !doublestar.ValidatePattern(filter.NamePattern) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPattern, filter.NamePattern)
	}

	r.mu.RLock()
	entries := make([]*entry, 0, len(r.jobs))
	for _, e := range r.jobs {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]JobRecord, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		rec := e.rec.Clone()
		e.mu.Unlock()

		if filter.State != "" && rec.State != filter.State {
			continue
		}
		if filter.NamePattern != "" {
			matched, err := doublestar.Match(filter.NamePattern, rec.Name)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidPattern, err)
			}
			if !matched {
				continue
			}
		}
		out = append(out, rec)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].JobID < out[j].JobID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})

	return out, nil
}

// Len returns the number of jobs ever created.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.jobs)
}
