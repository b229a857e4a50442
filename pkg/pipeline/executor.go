package pipeline

import (
	"context"
	"errors"
	"maps"
	"time"

	"github.com/3leaps/jobkernel/pkg/jobregistry"
)

// Phase names a step of the pipeline.
type Phase string

const (
	PhaseCompile Phase = "compile"
	PhaseQueue   Phase = "queue"
	PhaseRun     Phase = "run"
)

// Executor performs the work behind each phase.
//
// Implementations must honour ctx: when it is cancelled they should return
// promptly with ctx.Err().
type Executor interface {
	Compile(ctx context.Context, job jobregistry.JobRecord) error
	Queue(ctx context.Context, job jobregistry.JobRecord) error
	Run(ctx context.Context, job jobregistry.JobRecord) (map[string]int64, error)
}

// PhaseError lets an Executor choose the error code recorded on the job.
type PhaseError struct {
	Code    string
	Details map[string]any
	Err     error
}

func (e *PhaseError) Error() string {
	if e.Err == nil {
		return e.Code
	}
	return e.Err.Error()
}

func (e *PhaseError) Unwrap() error {
	return e.Err
}

// DefaultCounts is the placeholder result used when an executor reports none.
func DefaultCounts() map[string]int64 {
	return map[string]int64{"0": 0}
}

// SimulatedExecutor stands in for a real backend: each phase waits for its
// configured delay and Run returns Counts.
//
// Zero delays are valid and make the pipeline complete as fast as the
// scheduler allows.
type SimulatedExecutor struct {
	CompileDelay time.Duration
	QueueDelay   time.Duration
	RunDelay     time.Duration

	// Counts returned by Run. Nil means DefaultCounts().
	Counts map[string]int64
}

var _ Executor = SimulatedExecutor{}

func (s SimulatedExecutor) Compile(ctx context.Context, _ jobregistry.JobRecord) error {
	return wait(ctx, s.CompileDelay)
}

func (s SimulatedExecutor) Queue(ctx context.Context, _ jobregistry.JobRecord) error {
	return wait(ctx, s.QueueDelay)
}

func (s SimulatedExecutor) Run(ctx context.Context, _ jobregistry.JobRecord) (map[string]int64, error) {
	if err := wait(ctx, s.RunDelay); err != nil {
		return nil, err
	}
	if s.Counts == nil {
		return DefaultCounts(), nil
	}
	return maps.Clone(s.Counts), nil
}

func wait(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func isContextError(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
