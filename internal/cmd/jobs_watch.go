package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/jobkernel/internal/observability"
	"github.com/3leaps/jobkernel/pkg/client"
	"github.com/3leaps/jobkernel/pkg/lifecycle"
	"github.com/3leaps/jobkernel/pkg/output"
)

var (
	watchInterval  time.Duration
	watchTimeout   time.Duration
	watchMaxErrors int
)

var jobsWatchCmd = &cobra.Command{
	Use:   "watch <job-id>",
	Short: "Stream a job's state changes as JSONL",
	Long: `Poll a job until it finishes and write one JSONL record per state change.

The stream ends with a results record and a summary record. Transient
connection failures are reported as error records; the watch gives up after
--max-errors consecutive failures.

Examples:
  jobkernel jobs watch 7d2c...
  jobkernel jobs watch 7d2c... --interval 1s | jq -c 'select(.type == "jobkernel.status.v1")'`,
	Args: cobra.ExactArgs(1),
	RunE: runJobsWatch,
}

func init() {
	jobsCmd.AddCommand(jobsWatchCmd)
	jobsWatchCmd.Flags().DurationVar(&watchInterval, "interval", 250*time.Millisecond, "Poll interval")
	jobsWatchCmd.Flags().DurationVar(&watchTimeout, "timeout", 0, "Give up after this long (0 = no limit)")
	jobsWatchCmd.Flags().IntVar(&watchMaxErrors, "max-errors", 5, "Consecutive poll failures before giving up")
}

func runJobsWatch(cmd *cobra.Command, args []string) error {
	if watchInterval <= 0 {
		return exitError(foundry.ExitInvalidArgument, "Invalid --interval value", fmt.Errorf("interval must be > 0"))
	}
	c, err := newClient()
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if watchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, watchTimeout)
		defer cancel()
	}

	w := output.NewJSONLWriter(cmd.OutOrStdout(), args[0])
	defer func() { _ = w.Close() }()

	return watchJob(ctx, c, w, args[0])
}

// watchJob polls jobID and writes status records on change. It returns
// after the job reaches a terminal state.
func watchJob(ctx context.Context, c *client.Client, w output.Writer, jobID string) error {
	log := observability.CLILogger
	start := time.Now()
	sum := output.SummaryRecord{}
	lastState := ""
	consecutive := 0

	ticker := time.NewTicker(watchInterval)
	defer ticker.Stop()

	for {
		sum.Polls++
		st, err := c.Status(ctx, jobID)
		switch {
		case err == nil:
			consecutive = 0
			if st.State != lastState {
				if lastState != "" {
					sum.Transitions++
				}
				lastState = st.State
				if err := w.WriteStatus(ctx, statusRecord(st)); err != nil {
					return exitError(foundry.ExitFileWriteError, "Failed to write output", err)
				}
			}
		case errors.Is(err, client.ErrNotFound):
			_ = w.WriteError(ctx, &output.ErrorRecord{Code: output.ErrCodeNotFound, Message: err.Error()})
			return clientError("Watch failed", err)
		case ctx.Err() != nil:
			return watchStopped(w, ctx.Err(), &sum, lastState, start)
		default:
			consecutive++
			sum.Errors++
			log.Debug("Poll failed", zap.String("job_id", jobID), zap.Int("consecutive", consecutive), zap.Error(err))
			_ = w.WriteError(ctx, &output.ErrorRecord{Code: output.ErrCodeUnavailable, Message: err.Error()})
			if consecutive >= watchMaxErrors {
				return clientError("Watch failed", err)
			}
		}

		if s, perr := lifecycle.ParseState(lastState); perr == nil && s.IsTerminal() {
			res, err := settledResults(ctx, c, jobID, ticker.C)
			if err != nil {
				return clientError("Results failed", err)
			}
			if err := w.WriteResults(ctx, resultsRecord(res)); err != nil {
				return exitError(foundry.ExitFileWriteError, "Failed to write output", err)
			}
			finishSummary(&sum, lastState, start)
			return w.WriteSummary(ctx, &sum)
		}

		select {
		case <-ctx.Done():
			return watchStopped(w, ctx.Err(), &sum, lastState, start)
		case <-ticker.C:
		}
	}
}

// resultsSettlePolls bounds how long a terminal job may lack its outcome
// fields before the partial record is reported anyway.
const resultsSettlePolls = 20

// settledResults fetches results until the terminal outcome is attached:
// counts for done, an error code for error. The state change and its
// metadata are separate registry updates.
func settledResults(ctx context.Context, c *client.Client, jobID string, tick <-chan time.Time) (client.Results, error) {
	for i := 1; ; i++ {
		res, err := c.Results(ctx, jobID)
		if err != nil {
			return res, err
		}
		if resultsComplete(res) || i >= resultsSettlePolls {
			return res, nil
		}
		select {
		case <-ctx.Done():
			return res, ctx.Err()
		case <-tick:
		}
	}
}

func resultsComplete(res client.Results) bool {
	switch res.State {
	case string(lifecycle.StateDone):
		return len(res.Counts) > 0
	case string(lifecycle.StateError):
		return res.ErrorCode != ""
	}
	return true
}

// watchStopped closes the stream with a timeout record and summary.
func watchStopped(w output.Writer, cause error, sum *output.SummaryRecord, lastState string, start time.Time) error {
	bg := context.Background()
	if errors.Is(cause, context.DeadlineExceeded) {
		_ = w.WriteError(bg, &output.ErrorRecord{Code: output.ErrCodeTimeout, Message: "watch timed out"})
	}
	finishSummary(sum, lastState, start)
	_ = w.WriteSummary(bg, sum)
	return clientError("Watch stopped", cause)
}

func finishSummary(sum *output.SummaryRecord, lastState string, start time.Time) {
	sum.FinalState = lastState
	sum.Duration = time.Since(start)
	sum.DurationHuman = sum.Duration.Round(time.Millisecond).String()
}

func statusRecord(st client.Status) *output.StatusRecord {
	return &output.StatusRecord{
		Name:      st.Name,
		State:     st.State,
		Stage:     st.Stage,
		Progress:  st.Progress,
		Message:   st.Message,
		UpdatedAt: st.UpdatedAt,
	}
}

func resultsRecord(res client.Results) *output.ResultsRecord {
	return &output.ResultsRecord{
		State:           res.State,
		Counts:          res.Counts,
		Metadata:        res.Metadata,
		ErrorCode:       res.ErrorCode,
		ErrorSummary:    res.ErrorSummary,
		ErrorDetailsRef: res.ErrorDetailsRef,
		CompletedAt:     res.CompletedAt,
	}
}
