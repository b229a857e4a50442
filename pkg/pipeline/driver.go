// Package pipeline advances jobs through compile, queue and run.
//
// A Driver runs one goroutine per job. Each goroutine issues the fixed event
// sequence against the registry and stops at the first rejected transition:
// a rejection means another actor (usually a cancel) already moved the job,
// and the driver never fights it.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/3leaps/jobkernel/pkg/artifacts"
	"github.com/3leaps/jobkernel/pkg/jobregistry"
	"github.com/3leaps/jobkernel/pkg/lifecycle"
)

// ErrDriverClosed is returned by Start after Shutdown.
var ErrDriverClosed = errors.New("pipeline driver is shut down")

// JobStore is the registry surface the driver needs.
type JobStore interface {
	ApplyEvent(jobID string, ev lifecycle.Event) (jobregistry.JobRecord, error)
	SetError(jobID, code, summary, detailsRef string) bool
	SetCounts(jobID string, counts map[string]int64) bool
}

// Driver spawns and tracks per-job pipeline goroutines.
type Driver struct {
	jobs     JobStore
	executor Executor
	sink     artifacts.Store
	logger   *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// Option configures a Driver.
type Option func(*Driver)

// WithExecutor sets the phase executor. Default: a zero-delay SimulatedExecutor.
func WithExecutor(e Executor) Option {
	return func(d *Driver) {
		if e != nil {
			d.executor = e
		}
	}
}

// WithResultSink persists results and error details. Default: none.
func WithResultSink(s artifacts.Store) Option {
	return func(d *Driver) {
		d.sink = s
	}
}

// WithLogger sets the logger. Default: no-op.
func WithLogger(l *zap.Logger) Option {
	return func(d *Driver) {
		if l != nil {
			d.logger = l
		}
	}
}

// New creates a Driver bound to jobs.
func New(jobs JobStore, opts ...Option) *Driver {
	ctx, cancel := context.WithCancel(context.Background())
	d := &Driver{
		jobs:     jobs,
		executor: &SimulatedExecutor{},
		logger:   zap.NewNop(),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Start runs the pipeline for jobID on a new goroutine.
func (d *Driver) Start(jobID string) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrDriverClosed
	}
	d.wg.Add(1)
	d.mu.Unlock()

	go func() {
		defer d.wg.Done()
		d.Run(d.ctx, jobID)
	}()
	return nil
}

// Shutdown stops all running pipelines without issuing transitions and waits
// for their goroutines, or for ctx to expire.
func (d *Driver) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	d.cancel()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for pipelines: %w", ctx.Err())
	}
}

// Run drives jobID to completion on the calling goroutine.
func (d *Driver) Run(ctx context.Context, jobID string) {
	log := d.logger.With(zap.String("job_id", jobID))

	phase := PhaseCompile
	defer func() {
		if r := recover(); r != nil {
			log.Error("Pipeline panicked", zap.String("phase", string(phase)), zap.Any("panic", r))
			d.fail(ctx, log, jobID, phase, fmt.Errorf("executor panic: %v", r))
		}
	}()

	rec, ok := d.advance(log, jobID, lifecycle.EventStartCompiling)
	if !ok {
		return
	}
	if err := d.executor.Compile(ctx, rec); err != nil {
		d.fail(ctx, log, jobID, PhaseCompile, err)
		return
	}

	rec, ok = d.advance(log, jobID, lifecycle.EventFinishCompiling)
	if !ok {
		return
	}
	phase = PhaseQueue
	if err := d.executor.Queue(ctx, rec); err != nil {
		d.fail(ctx, log, jobID, PhaseQueue, err)
		return
	}

	rec, ok = d.advance(log, jobID, lifecycle.EventStartRunning)
	if !ok {
		return
	}
	phase = PhaseRun
	counts, err := d.executor.Run(ctx, rec)
	if err != nil {
		d.fail(ctx, log, jobID, PhaseRun, err)
		return
	}

	rec, ok = d.advance(log, jobID, lifecycle.EventFinishRunningOk)
	if !ok {
		return
	}
	if counts == nil {
		counts = DefaultCounts()
	}
	if !d.jobs.SetCounts(jobID, counts) {
		log.Debug("SetCounts ignored for unknown job")
	}
	log.Info("Job completed", zap.String("name", rec.Name), zap.Int("outcomes", len(counts)))

	if d.sink != nil {
		err := d.sink.SaveResults(context.WithoutCancel(ctx), jobID, artifacts.Results{
			Counts:      counts,
			Metadata:    rec.Labels,
			CompletedAt: rec.UpdatedAt,
		})
		if err != nil {
			log.Warn("Failed to persist results", zap.Error(err))
		}
	}
}

func (d *Driver) advance(log *zap.Logger, jobID string, ev lifecycle.Event) (jobregistry.JobRecord, bool) {
	rec, err := d.jobs.ApplyEvent(jobID, ev)
	if err != nil {
		log.Debug("Pipeline stopped", zap.String("event", string(ev)), zap.Error(err))
		return jobregistry.JobRecord{}, false
	}
	log.Debug("Job advanced", zap.String("event", string(ev)), zap.String("state", string(rec.State)))
	return rec, true
}

func (d *Driver) fail(ctx context.Context, log *zap.Logger, jobID string, phase Phase, cause error) {
	if ctx.Err() != nil && isContextError(cause) {
		log.Debug("Pipeline interrupted", zap.String("phase", string(phase)), zap.Error(cause))
		return
	}

	failed, err := d.jobs.ApplyEvent(jobID, lifecycle.EventFail)
	if err != nil {
		log.Debug("Fail transition rejected", zap.String("phase", string(phase)), zap.Error(err))
		return
	}

	code, details := describeFailure(phase, cause)
	summary := cause.Error()
	log.Warn("Job failed",
		zap.String("phase", string(phase)),
		zap.String("code", code),
		zap.Error(cause))

	// Code and summary are attached before the artifact write; the ref
	// follows once the write succeeds.
	if !d.jobs.SetError(jobID, code, summary, "") {
		log.Debug("SetError ignored for unknown job")
		return
	}

	if d.sink != nil {
		ref, err := d.sink.SaveError(context.WithoutCancel(ctx), jobID, artifacts.ErrorDetails{
			Code:    code,
			Summary: summary,
			Phase:   string(phase),
			Details: details,
			At:      failed.UpdatedAt,
		})
		if err != nil {
			log.Warn("Failed to persist error details", zap.Error(err))
			return
		}
		d.jobs.SetError(jobID, "", "", ref)
	}
}

func describeFailure(phase Phase, err error) (string, map[string]any) {
	var pe *PhaseError
	if errors.As(err, &pe) && strings.TrimSpace(pe.Code) != "" {
		return pe.Code, pe.Details
	}
	return strings.ToUpper(string(phase)) + "_FAILED", nil
}
