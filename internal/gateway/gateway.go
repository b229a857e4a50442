// Package gateway implements the client-facing job operations.
//
// The gateway validates requests, maps domain errors onto the application
// error taxonomy and starts one pipeline per accepted job. It holds no job
// state of its own: every read goes to the registry.
package gateway

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	apperrors "github.com/3leaps/jobkernel/internal/errors"
	"github.com/3leaps/jobkernel/pkg/artifacts"
	"github.com/3leaps/jobkernel/pkg/jobregistry"
	"github.com/3leaps/jobkernel/pkg/lifecycle"
)

// Error codes recorded on jobs that failed inside the gateway.
const (
	// ArtifactWriteFailed: the job's inputs could not be persisted.
	ArtifactWriteFailed = "ARTIFACT_WRITE_FAILED"

	// PipelineUnavailable: the driver refused the job during shutdown.
	PipelineUnavailable = "PIPELINE_UNAVAILABLE"
)

// JobStore is the registry surface used by the gateway.
type JobStore interface {
	Create(name string, labels map[string]string) (jobregistry.JobRecord, error)
	Get(jobID string) (jobregistry.JobRecord, error)
	ApplyEvent(jobID string, ev lifecycle.Event) (jobregistry.JobRecord, error)
	SetError(jobID, code, summary, detailsRef string) bool
	List(filter jobregistry.ListFilter) ([]jobregistry.JobRecord, error)
}

// Starter launches the pipeline for a job.
type Starter interface {
	Start(jobID string) error
}

// Service implements Create, Status, Cancel, Results and List.
type Service struct {
	jobs    JobStore
	driver  Starter
	store   artifacts.Store
	limiter *rate.Limiter
	logger  *zap.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithArtifactStore persists each submission before its pipeline starts.
func WithArtifactStore(s artifacts.Store) Option {
	return func(svc *Service) {
		svc.store = s
	}
}

// WithSubmitRate throttles Create to perSecond submissions with the given
// burst. A non-positive rate disables throttling.
func WithSubmitRate(perSecond float64, burst int) Option {
	return func(svc *Service) {
		if perSecond <= 0 {
			svc.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		svc.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithLogger sets the logger. Default: no-op.
func WithLogger(l *zap.Logger) Option {
	return func(svc *Service) {
		if l != nil {
			svc.logger = l
		}
	}
}

// New creates a Service.
func New(jobs JobStore, driver Starter, opts ...Option) *Service {
	svc := &Service{
		jobs:   jobs,
		driver: driver,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

// Create accepts a new job and starts its pipeline.
func (s *Service) Create(ctx context.Context, req CreateRequest) (CreateResponse, error) {
	if strings.TrimSpace(req.Name) == "" {
		return CreateResponse{}, apperrors.InvalidArgument("name is required",
			apperrors.FieldViolation{Field: "name", Description: "must not be blank"})
	}
	if violations := validateLabels(req.Labels); len(violations) > 0 {
		return CreateResponse{}, apperrors.InvalidArgument("labels are invalid", violations...)
	}
	if s.limiter != nil && !s.limiter.Allow() {
		return CreateResponse{}, apperrors.RateLimited("job submission rate exceeded, retry later")
	}

	rec, err := s.jobs.Create(req.Name, req.Labels)
	if err != nil {
		return CreateResponse{}, apperrors.Internal("could not allocate job", err)
	}
	log := s.logger.With(zap.String("job_id", rec.JobID), zap.String("name", rec.Name))

	if s.store != nil {
		err := s.store.SaveInput(ctx, rec.JobID, artifacts.Input{
			Name:        rec.Name,
			Labels:      rec.Labels,
			Program:     []byte(req.Program),
			SubmittedAt: rec.CreatedAt,
		})
		if err != nil {
			log.Warn("Failed to persist job input", zap.Error(err))
			if _, ferr := s.jobs.ApplyEvent(rec.JobID, lifecycle.EventFail); ferr == nil {
				s.jobs.SetError(rec.JobID, ArtifactWriteFailed, "could not persist job input: "+err.Error(), "")
			}
			return s.createResponse(rec.JobID, rec), nil
		}
	}

	if _, err := s.jobs.ApplyEvent(rec.JobID, lifecycle.EventEnqueued); err != nil {
		log.Debug("Enqueue marker rejected", zap.Error(err))
	}

	if err := s.driver.Start(rec.JobID); err != nil {
		log.Warn("Pipeline not started", zap.Error(err))
		// The record already exists; leave it terminal rather than pending forever.
		if _, ferr := s.jobs.ApplyEvent(rec.JobID, lifecycle.EventFail); ferr == nil {
			s.jobs.SetError(rec.JobID, PipelineUnavailable, "job pipeline is shutting down", "")
		}
		return CreateResponse{}, apperrors.Unavailable("job pipeline is shutting down", err)
	}

	log.Info("Job accepted")
	return CreateResponse{JobID: rec.JobID, State: rec.State, CreatedAt: rec.CreatedAt}, nil
}

// createResponse reports the job's current state, which may already be
// terminal when input persistence failed.
func (s *Service) createResponse(jobID string, fallback jobregistry.JobRecord) CreateResponse {
	rec, err := s.jobs.Get(jobID)
	if err != nil {
		rec = fallback
	}
	return CreateResponse{JobID: rec.JobID, State: rec.State, CreatedAt: rec.CreatedAt}
}

// Status returns a snapshot of the job's progress.
func (s *Service) Status(_ context.Context, jobID string) (StatusView, error) {
	rec, err := s.get(jobID)
	if err != nil {
		return StatusView{}, err
	}
	return statusView(rec), nil
}

// Cancel requests cancellation. It reports false when the job has already
// reached a terminal state or another actor won the race.
func (s *Service) Cancel(_ context.Context, jobID string) (bool, error) {
	rec, err := s.get(jobID)
	if err != nil {
		return false, err
	}
	if rec.State.IsTerminal() {
		return false, nil
	}

	if _, err := s.jobs.ApplyEvent(jobID, lifecycle.EventCancel); err != nil {
		if errors.Is(err, lifecycle.ErrInvalidTransition) {
			return false, nil
		}
		if errors.Is(err, jobregistry.ErrNotFound) {
			return false, apperrors.NotFound("job not found", err)
		}
		return false, apperrors.Internal("cancel failed", err)
	}

	s.logger.Info("Job cancelled", zap.String("job_id", jobID))
	return true, nil
}

// Results returns the job's outputs or failure details.
func (s *Service) Results(_ context.Context, jobID string) (ResultsView, error) {
	rec, err := s.get(jobID)
	if err != nil {
		return ResultsView{}, err
	}
	return resultsView(rec), nil
}

// List returns jobs newest first.
func (s *Service) List(_ context.Context, req ListRequest) ([]StatusView, error) {
	filter := jobregistry.ListFilter{NamePattern: strings.TrimSpace(req.NamePattern)}

	if raw := strings.TrimSpace(req.State); raw != "" {
		state, err := lifecycle.ParseState(raw)
		if err != nil {
			return nil, apperrors.InvalidArgument("state is invalid",
				apperrors.FieldViolation{Field: "state", Description: err.Error()})
		}
		filter.State = state
	}
	if req.Limit < 0 {
		return nil, apperrors.InvalidArgument("limit is invalid",
			apperrors.FieldViolation{Field: "limit", Description: "must not be negative"})
	}

	recs, err := s.jobs.List(filter)
	if err != nil {
		if errors.Is(err, jobregistry.ErrInvalidPattern) {
			return nil, apperrors.InvalidArgument("name pattern is invalid",
				apperrors.FieldViolation{Field: "name", Description: err.Error()})
		}
		return nil, apperrors.Internal("list failed", err)
	}

	if req.Limit > 0 && len(recs) > req.Limit {
		recs = recs[:req.Limit]
	}
	out := make([]StatusView, 0, len(recs))
	for _, rec := range recs {
		out = append(out, statusView(rec))
	}
	return out, nil
}

func (s *Service) get(jobID string) (jobregistry.JobRecord, error) {
	if strings.TrimSpace(jobID) == "" {
		return jobregistry.JobRecord{}, apperrors.InvalidArgument("job_id is required",
			apperrors.FieldViolation{Field: "job_id", Description: "must not be blank"})
	}
	rec, err := s.jobs.Get(jobID)
	if err != nil {
		if errors.Is(err, jobregistry.ErrNotFound) {
			return jobregistry.JobRecord{}, apperrors.NotFound("job not found", err)
		}
		return jobregistry.JobRecord{}, apperrors.Internal("lookup failed", err)
	}
	return rec, nil
}

func validateLabels(labels map[string]string) []apperrors.FieldViolation {
	var out []apperrors.FieldViolation
	for k := range labels {
		if strings.TrimSpace(k) == "" {
			out = append(out, apperrors.FieldViolation{
				Field:       "labels",
				Description: "label keys must not be blank",
			})
			break
		}
	}
	return out
}
