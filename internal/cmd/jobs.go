package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/jobkernel/internal/observability"
	"github.com/3leaps/jobkernel/pkg/client"
	"github.com/3leaps/jobkernel/pkg/jobspec"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Submit and inspect jobs on a jobkernel server",
	Long: `Client commands for a running jobkernel server.

The server is taken from --server, then JOBKERNEL_SERVER, then the configured
listen address.`,
}

var (
	jobsJSON bool

	submitFile        string
	submitName        string
	submitLabels      []string
	submitProgramFile string
	submitWait        bool
	submitWaitTimeout time.Duration

	listState string
	listName  string
	listLimit int
)

var jobsSubmitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a job",
	Long: `Submit a job from a job spec file or from flags.

Examples:
  jobkernel jobs submit -f bell.yaml
  jobkernel jobs submit --name bell-state --label team=research --program-file bell.qasm
  jobkernel jobs submit -f bell.yaml --wait`,
	Args: cobra.NoArgs,
	RunE: runJobsSubmit,
}

var jobsStatusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Show job status",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsStatus,
}

var jobsCancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsCancel,
}

var jobsResultsCmd = &cobra.Command{
	Use:   "results <job-id>",
	Short: "Show job results",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsResults,
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs, newest first",
	Long: `List jobs, newest first.

Examples:
  jobkernel jobs list
  jobkernel jobs list --state running
  jobkernel jobs list --name 'bell-*' --limit 20`,
	Args: cobra.NoArgs,
	RunE: runJobsList,
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsSubmitCmd, jobsStatusCmd, jobsCancelCmd, jobsResultsCmd, jobsListCmd)

	jobsCmd.PersistentFlags().BoolVar(&jobsJSON, "json", false, "Output as JSON")

	jobsSubmitCmd.Flags().StringVarP(&submitFile, "file", "f", "", "Job spec file (YAML or JSON, '-' for stdin)")
	jobsSubmitCmd.Flags().StringVar(&submitName, "name", "", "Job name (overrides the spec)")
	jobsSubmitCmd.Flags().StringArrayVarP(&submitLabels, "label", "l", nil, "Label key=value (repeatable)")
	jobsSubmitCmd.Flags().StringVar(&submitProgramFile, "program-file", "", "Read the program from this file")
	jobsSubmitCmd.Flags().BoolVar(&submitWait, "wait", false, "Wait for the job to finish")
	jobsSubmitCmd.Flags().DurationVar(&submitWaitTimeout, "wait-timeout", 5*time.Minute, "Maximum time to wait with --wait")

	jobsListCmd.Flags().StringVar(&listState, "state", "", "Only jobs in this state")
	jobsListCmd.Flags().StringVar(&listName, "name", "", "Only jobs whose name matches this glob")
	jobsListCmd.Flags().IntVarP(&listLimit, "limit", "n", 0, "Max jobs to show (0 = all)")
}

func newClient() (*client.Client, error) {
	c, err := client.New(resolveServerURL())
	if err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid server URL", err)
	}
	observability.CLILogger.Debug("Using server", zap.String("server", c.BaseURL()))
	return c, nil
}

// clientError maps API failures to exit codes.
func clientError(message string, err error) error {
	var apiErr *client.APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode >= 400 && apiErr.StatusCode < 500 && apiErr.StatusCode != 429 {
		return exitError(foundry.ExitInvalidArgument, message, err)
	}
	if errors.Is(err, context.Canceled) {
		return exitError(foundry.ExitSignalInt, message, err)
	}
	return exitError(foundry.ExitExternalServiceUnavailable, message, err)
}

// buildSubmission merges the spec file and flags; flags win.
func buildSubmission(stdin io.Reader) (client.Submission, error) {
	var sub client.Submission

	switch submitFile {
	case "":
	case "-":
		spec, err := jobspec.LoadFromReader(stdin, "")
		if err != nil {
			return sub, err
		}
		sub = client.Submission{Name: spec.Name, Labels: spec.Labels, Program: spec.Program}
	default:
		spec, err := jobspec.Load(submitFile)
		if err != nil {
			return sub, err
		}
		sub = client.Submission{Name: spec.Name, Labels: spec.Labels, Program: spec.Program}
	}

	if submitName != "" {
		sub.Name = submitName
	}
	if len(submitLabels) > 0 {
		labels, err := parseLabels(submitLabels)
		if err != nil {
			return sub, err
		}
		if sub.Labels == nil {
			sub.Labels = map[string]string{}
		}
		for k, v := range labels {
			sub.Labels[k] = v
		}
	}
	if submitProgramFile != "" {
		data, err := os.ReadFile(submitProgramFile)
		if err != nil {
			return sub, fmt.Errorf("read program file: %w", err)
		}
		sub.Program = string(data)
	}
	if strings.TrimSpace(sub.Name) == "" {
		return sub, errors.New("a job name is required (--name or a spec file)")
	}
	return sub, nil
}

func parseLabels(raw []string) (map[string]string, error) {
	out := make(map[string]string, len(raw))
	for _, kv := range raw {
		k, v, ok := strings.Cut(kv, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("label %q must be key=value", kv)
		}
		out[k] = v
	}
	return out, nil
}

func runJobsSubmit(cmd *cobra.Command, _ []string) error {
	sub, err := buildSubmission(cmd.InOrStdin())
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid job submission", err)
	}
	c, err := newClient()
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	created, err := c.Submit(ctx, sub)
	if err != nil {
		return clientError("Submit failed", err)
	}
	observability.CLILogger.Info("Job submitted", zap.String("job_id", created.JobID), zap.String("name", sub.Name))

	if !submitWait {
		return printValue(cmd.OutOrStdout(), created, func(w io.Writer) error {
			_, err := fmt.Fprintln(w, created.JobID)
			return err
		})
	}

	waitCtx, cancel := context.WithTimeout(ctx, submitWaitTimeout)
	defer cancel()
	st, err := c.Wait(waitCtx, created.JobID, 250*time.Millisecond)
	if err != nil {
		return clientError("Wait failed", err)
	}
	if err := printStatus(cmd.OutOrStdout(), st); err != nil {
		return err
	}
	if st.State == "error" {
		return exitError(exitFailure, "Job failed", fmt.Errorf("%s: %s", st.ErrorCode, st.ErrorSummary))
	}
	return nil
}

func runJobsStatus(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	st, err := c.Status(cmd.Context(), args[0])
	if err != nil {
		return clientError("Status failed", err)
	}
	return printStatus(cmd.OutOrStdout(), st)
}

func runJobsCancel(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	accepted, err := c.Cancel(cmd.Context(), args[0])
	if err != nil {
		return clientError("Cancel failed", err)
	}
	out := struct {
		JobID    string `json:"job_id"`
		Accepted bool   `json:"accepted"`
	}{args[0], accepted}
	return printValue(cmd.OutOrStdout(), out, func(w io.Writer) error {
		msg := "cancelled"
		if !accepted {
			msg = "not cancelled (job already finished)"
		}
		_, err := fmt.Fprintf(w, "%s: %s\n", args[0], msg)
		return err
	})
}

func runJobsResults(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	res, err := c.Results(cmd.Context(), args[0])
	if err != nil {
		return clientError("Results failed", err)
	}
	return printValue(cmd.OutOrStdout(), res, func(w io.Writer) error {
		return writeResultsTable(w, res)
	})
}

func runJobsList(cmd *cobra.Command, _ []string) error {
	if listLimit < 0 {
		return exitError(foundry.ExitInvalidArgument, "Invalid --limit value", fmt.Errorf("limit must be >= 0"))
	}
	c, err := newClient()
	if err != nil {
		return err
	}
	jobs, err := c.List(cmd.Context(), client.ListOptions{State: listState, Name: listName, Limit: listLimit})
	if err != nil {
		return clientError("List failed", err)
	}
	return printValue(cmd.OutOrStdout(), jobs, func(w io.Writer) error {
		return writeJobsTable(w, jobs)
	})
}

func printValue(w io.Writer, v any, table func(io.Writer) error) error {
	if jobsJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	return table(w)
}

func printStatus(w io.Writer, st client.Status) error {
	return printValue(w, st, func(w io.Writer) error {
		return writeJobsTable(w, []client.Status{st})
	})
}

func writeJobsTable(out io.Writer, jobs []client.Status) error {
	if len(jobs) == 0 {
		_, err := fmt.Fprintln(out, "No jobs found.")
		return err
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	if _, err := fmt.Fprintln(w, "JOB ID\tNAME\tSTAGE\tPROGRESS\tUPDATED\tMESSAGE"); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	for _, j := range jobs {
		if _, err := fmt.Fprintf(w, "%s\t%s\t%s\t%3.0f%%\t%s\t%s\n",
			j.JobID, j.Name, j.Stage, j.Progress*100,
			j.UpdatedAt.Local().Format(time.DateTime), j.Message); err != nil {
			return fmt.Errorf("failed to write row: %w", err)
		}
	}
	return w.Flush()
}

func writeResultsTable(out io.Writer, res client.Results) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "JOB ID\t%s\n", res.JobID)
	fmt.Fprintf(w, "STATE\t%s\n", res.State)
	if res.CompletedAt != nil {
		fmt.Fprintf(w, "COMPLETED\t%s\n", res.CompletedAt.Local().Format(time.DateTime))
	}
	if res.ErrorCode != "" {
		fmt.Fprintf(w, "ERROR\t%s: %s\n", res.ErrorCode, res.ErrorSummary)
		if res.ErrorDetailsRef != "" {
			fmt.Fprintf(w, "DETAILS\t%s\n", res.ErrorDetailsRef)
		}
	}

	keys := make([]string, 0, len(res.Counts))
	for k := range res.Counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "COUNT %s\t%d\n", k, res.Counts[k])
	}
	return w.Flush()
}
