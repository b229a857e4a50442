package gateway

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/3leaps/jobkernel/internal/errors"
	"github.com/3leaps/jobkernel/pkg/artifacts"
	"github.com/3leaps/jobkernel/pkg/jobregistry"
	"github.com/3leaps/jobkernel/pkg/lifecycle"
	"github.com/3leaps/jobkernel/pkg/pipeline"
)

// recordingStarter records Start calls without running anything.
type recordingStarter struct {
	mu      sync.Mutex
	started []string
	err     error
}

func (s *recordingStarter) Start(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.started = append(s.started, jobID)
	return nil
}

func (s *recordingStarter) ids() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.started...)
}

type failingStore struct{}

func (failingStore) SaveInput(context.Context, string, artifacts.Input) error {
	return errors.New("disk full")
}

func (failingStore) SaveResults(context.Context, string, artifacts.Results) error { return nil }

func (failingStore) SaveError(context.Context, string, artifacts.ErrorDetails) (string, error) {
	return "", nil
}

func newIdleService(t *testing.T, opts ...Option) (*Service, *jobregistry.Registry, *recordingStarter) {
	t.Helper()
	reg := jobregistry.New()
	starter := &recordingStarter{}
	return New(reg, starter, opts...), reg, starter
}

func newRunningService(t *testing.T, opts ...Option) (*Service, *jobregistry.Registry) {
	t.Helper()
	reg := jobregistry.New()
	driver := pipeline.New(reg)
	t.Cleanup(func() { _ = driver.Shutdown(context.Background()) })
	return New(reg, driver, opts...), reg
}

func TestCreate_StatusStartsPending(t *testing.T) {
	svc, _, starter := newIdleService(t)
	ctx := context.Background()

	resp, err := svc.Create(ctx, CreateRequest{Name: "bell-state"})
	require.NoError(t, err)
	assert.NotEmpty(t, resp.JobID)
	assert.Equal(t, lifecycle.StatePending, resp.State)
	assert.False(t, resp.CreatedAt.IsZero())
	assert.Equal(t, []string{resp.JobID}, starter.ids())

	status, err := svc.Status(ctx, resp.JobID)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StatePending, status.State)
	assert.Equal(t, "PENDING", status.Stage)
	assert.Equal(t, 0.0, status.Progress)
	assert.Equal(t, "bell-state", status.Name)
}

func TestResults_AfterCompletion(t *testing.T) {
	svc, _ := newRunningService(t)
	ctx := context.Background()

	resp, err := svc.Create(ctx, CreateRequest{Name: "bell-state", Labels: map[string]string{"team": "qa"}})
	require.NoError(t, err)

	var res ResultsView
	require.Eventually(t, func() bool {
		res, err = svc.Results(ctx, resp.JobID)
		return err == nil && res.State == lifecycle.StateDone && len(res.Counts) > 0
	}, 2*time.Second, time.Millisecond)

	assert.Equal(t, map[string]int64{"0": 0}, res.Counts)
	assert.Equal(t, map[string]string{"team": "qa"}, res.Metadata)
	require.NotNil(t, res.CompletedAt)
	assert.Empty(t, res.ErrorCode)

	status, err := svc.Status(ctx, resp.JobID)
	require.NoError(t, err)
	assert.Equal(t, 1.0, status.Progress)
	assert.True(t, res.CompletedAt.Equal(status.UpdatedAt))
}

func TestCancel_SecondCancelIsRejected(t *testing.T) {
	svc, _, _ := newIdleService(t)
	ctx := context.Background()

	resp, err := svc.Create(ctx, CreateRequest{Name: "bell-state"})
	require.NoError(t, err)

	accepted, err := svc.Cancel(ctx, resp.JobID)
	require.NoError(t, err)
	assert.True(t, accepted)

	status, err := svc.Status(ctx, resp.JobID)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StateCancelled, status.State)
	assert.Equal(t, 1.0, status.Progress)

	accepted, err = svc.Cancel(ctx, resp.JobID)
	require.NoError(t, err)
	assert.False(t, accepted)

	res, err := svc.Results(ctx, resp.JobID)
	require.NoError(t, err)
	assert.Nil(t, res.CompletedAt)
	assert.Empty(t, res.Counts)
}

func TestCancel_StopsLiveDriver(t *testing.T) {
	svc, reg := newRunningService(t)
	ctx := context.Background()

	resp, err := svc.Create(ctx, CreateRequest{Name: "racy"})
	require.NoError(t, err)

	accepted, err := svc.Cancel(ctx, resp.JobID)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		rec, err := reg.Get(resp.JobID)
		return err == nil && rec.State.IsTerminal()
	}, 2*time.Second, time.Millisecond)

	rec, err := reg.Get(resp.JobID)
	require.NoError(t, err)
	if accepted {
		assert.Equal(t, lifecycle.StateCancelled, rec.State)
	} else {
		assert.Equal(t, lifecycle.StateDone, rec.State)
	}
}

func TestUnknownJobIsNotFound(t *testing.T) {
	svc, _, _ := newIdleService(t)
	ctx := context.Background()
	id := uuid.New().String()

	_, err := svc.Status(ctx, id)
	assert.True(t, apperrors.Is(err, apperrors.KindNotFound))

	_, err = svc.Results(ctx, id)
	assert.True(t, apperrors.Is(err, apperrors.KindNotFound))

	_, err = svc.Cancel(ctx, id)
	assert.True(t, apperrors.Is(err, apperrors.KindNotFound))
	assert.ErrorIs(t, err, jobregistry.ErrNotFound)
}

func TestCreate_BlankNameRejected(t *testing.T) {
	for _, name := range []string{"", "   ", "\t\n"} {
		t.Run("name "+name, func(t *testing.T) {
			svc, reg, starter := newIdleService(t)

			_, err := svc.Create(context.Background(), CreateRequest{Name: name})
			require.Error(t, err)
			assert.True(t, apperrors.Is(err, apperrors.KindInvalidArgument))

			var appErr *apperrors.AppError
			require.True(t, errors.As(err, &appErr))
			require.Len(t, appErr.Violations, 1)
			assert.Equal(t, "name", appErr.Violations[0].Field)

			assert.Equal(t, 0, reg.Len())
			assert.Empty(t, starter.ids())
		})
	}
}

func TestBlankJobIDRejected(t *testing.T) {
	svc, _, _ := newIdleService(t)
	ctx := context.Background()

	_, err := svc.Status(ctx, " ")
	assert.True(t, apperrors.Is(err, apperrors.KindInvalidArgument))
	_, err = svc.Results(ctx, "")
	assert.True(t, apperrors.Is(err, apperrors.KindInvalidArgument))
	_, err = svc.Cancel(ctx, "")
	assert.True(t, apperrors.Is(err, apperrors.KindInvalidArgument))
}

func TestCreate_BlankLabelKeyRejected(t *testing.T) {
	svc, reg, _ := newIdleService(t)

	_, err := svc.Create(context.Background(), CreateRequest{Name: "x", Labels: map[string]string{" ": "v"}})
	assert.True(t, apperrors.Is(err, apperrors.KindInvalidArgument))
	assert.Equal(t, 0, reg.Len())
}

func TestCreate_RateLimited(t *testing.T) {
	svc, reg, _ := newIdleService(t, WithSubmitRate(0.001, 2))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := svc.Create(ctx, CreateRequest{Name: "burst"})
		require.NoError(t, err)
	}

	_, err := svc.Create(ctx, CreateRequest{Name: "burst"})
	assert.True(t, apperrors.Is(err, apperrors.KindRateLimited))
	assert.Equal(t, 2, reg.Len())
}

func TestCreate_DriverClosed(t *testing.T) {
	reg := jobregistry.New()
	svc := New(reg, &recordingStarter{err: pipeline.ErrDriverClosed})

	_, err := svc.Create(context.Background(), CreateRequest{Name: "late"})
	assert.True(t, apperrors.Is(err, apperrors.KindUnavailable))
	assert.ErrorIs(t, err, pipeline.ErrDriverClosed)

	recs, err := reg.List(jobregistry.ListFilter{})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, lifecycle.StateError, recs[0].State, "refused job must not stay pending")
	assert.Equal(t, PipelineUnavailable, recs[0].ErrorCode)

	pending, err := reg.List(jobregistry.ListFilter{State: lifecycle.StatePending})
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestCreate_PersistsInput(t *testing.T) {
	root := t.TempDir()
	svc, _, _ := newIdleService(t, WithArtifactStore(artifacts.NewLocalStore(root)))

	resp, err := svc.Create(context.Background(), CreateRequest{Name: "bell", Program: "h 0\n"})
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(root, resp.JobID, "input", "job.yaml"))
	assert.NoError(t, err)
	program, err := os.ReadFile(filepath.Join(root, resp.JobID, "input", "program.txt"))
	require.NoError(t, err)
	assert.Equal(t, "h 0\n", string(program))
}

func TestCreate_InputPersistenceFailure(t *testing.T) {
	svc, _, starter := newIdleService(t, WithArtifactStore(failingStore{}))
	ctx := context.Background()

	resp, err := svc.Create(ctx, CreateRequest{Name: "doomed"})
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StateError, resp.State)
	assert.Empty(t, starter.ids())

	res, err := svc.Results(ctx, resp.JobID)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StateError, res.State)
	assert.Equal(t, ArtifactWriteFailed, res.ErrorCode)
	assert.Contains(t, res.ErrorSummary, "disk full")

	status, err := svc.Status(ctx, resp.JobID)
	require.NoError(t, err)
	assert.Equal(t, res.ErrorSummary, status.Message)
}

func TestList(t *testing.T) {
	svc, reg, _ := newIdleService(t)
	ctx := context.Background()

	for _, name := range []string{"bell-1", "bell-2", "ghz-1"} {
		_, err := svc.Create(ctx, CreateRequest{Name: name})
		require.NoError(t, err)
	}
	all, err := reg.List(jobregistry.ListFilter{NamePattern: "ghz-*"})
	require.NoError(t, err)
	_, err = svc.Cancel(ctx, all[0].JobID)
	require.NoError(t, err)

	views, err := svc.List(ctx, ListRequest{})
	require.NoError(t, err)
	assert.Len(t, views, 3)

	views, err = svc.List(ctx, ListRequest{NamePattern: "bell-*"})
	require.NoError(t, err)
	assert.Len(t, views, 2)

	views, err = svc.List(ctx, ListRequest{State: "CANCELLED"})
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, "ghz-1", views[0].Name)

	views, err = svc.List(ctx, ListRequest{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, views, 1)

	_, err = svc.List(ctx, ListRequest{State: "sleeping"})
	assert.True(t, apperrors.Is(err, apperrors.KindInvalidArgument))

	_, err = svc.List(ctx, ListRequest{NamePattern: "bell-[*"})
	assert.True(t, apperrors.Is(err, apperrors.KindInvalidArgument))

	_, err = svc.List(ctx, ListRequest{Limit: -1})
	assert.True(t, apperrors.Is(err, apperrors.KindInvalidArgument))
}

func TestProgress(t *testing.T) {
	want := map[lifecycle.State]float64{
		lifecycle.StatePending:   0.0,
		lifecycle.StateCompiling: 0.25,
		lifecycle.StateQueued:    0.5,
		lifecycle.StateRunning:   0.75,
		lifecycle.StateDone:      1.0,
		lifecycle.StateError:     1.0,
		lifecycle.StateCancelled: 1.0,
	}
	for _, s := range lifecycle.States() {
		assert.Equal(t, want[s], Progress(s), s)
	}
}

func TestConcurrentCreates(t *testing.T) {
	svc, reg := newRunningService(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	ids := make(chan string, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := svc.Create(ctx, CreateRequest{Name: "parallel"})
			if assert.NoError(t, err) {
				ids <- resp.JobID
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := map[string]bool{}
	for id := range ids {
		assert.False(t, seen[id])
		seen[id] = true
	}
	assert.Len(t, seen, 50)
	assert.Equal(t, 50, reg.Len())
}
