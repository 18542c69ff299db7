package main

import (
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/JonMunkholm/timetable-import/internal/core"
	"github.com/JonMunkholm/timetable-import/internal/queue"
)

func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newQueueCommand(ctx *commandContext) *cobra.Command {
	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and manage the job queue",
	}
	queueCmd.AddCommand(newQueueStatsCommand(ctx))
	queueCmd.AddCommand(newQueueListCommand(ctx))
	queueCmd.AddCommand(newQueuePauseCommand(ctx))
	queueCmd.AddCommand(newQueueResumeCommand(ctx))
	queueCmd.AddCommand(newQueueCleanCommand(ctx))
	queueCmd.AddCommand(newQueueRetryCommand(ctx))
	return queueCmd
}

func newQueueStatsCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show job counts per state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := ctx.client().Stats(cmd.Context())
			if err != nil {
				return err
			}
			if ctx.json {
				return writeJSON(cmd, st)
			}
			out := cmd.OutOrStdout()
			fmt.Fprint(out, renderTable([]string{"State", "Jobs"}, buildStatsRows(st), []columnAlignment{alignLeft, alignRight}))
			if st.Paused {
				fmt.Fprintln(out, "Queue is paused")
			}
			return nil
		},
	}
}

// buildStatsRows lists every queue state in lifecycle order followed by the
// total.
func buildStatsRows(st queueStats) [][]string {
	rows := make([][]string, 0, len(queue.States)+1)
	for _, s := range queue.States {
		rows = append(rows, []string{string(s), strconv.Itoa(st.Counts[s])})
	}
	return append(rows, []string{"total", strconv.Itoa(st.Total)})
}

func newQueueListCommand(ctx *commandContext) *cobra.Command {
	var (
		states []string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List queued jobs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, s := range states {
				if !queue.State(s).Valid() {
					return fmt.Errorf("unknown state %q", s)
				}
			}
			jobs, err := ctx.client().List(cmd.Context(), states, limit)
			if err != nil {
				return err
			}
			if ctx.json {
				return writeJSON(cmd, jobs)
			}
			if len(jobs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No jobs")
				return nil
			}
			colorize := shouldColorize(cmd.OutOrStdout())
			fmt.Fprint(cmd.OutOrStdout(), renderTable(
				[]string{"ID", "State", "Attempts", "Created", "Last error"},
				buildJobRows(jobs, colorize),
				[]columnAlignment{alignLeft, alignLeft, alignRight},
			))
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&states, "state", nil, "filter by state (waiting, active, completed, failed)")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of jobs")
	return cmd
}

func buildJobRows(jobs []queue.Job, colorize bool) [][]string {
	rows := make([][]string, 0, len(jobs))
	for _, j := range jobs {
		rows = append(rows, []string{
			j.ID,
			colorStatus(string(j.State), colorize),
			fmt.Sprintf("%d/%d", j.Attempts, j.MaxAttempts),
			j.CreatedAt.Local().Format(time.DateTime),
			truncate(j.LastError, 60),
		})
	}
	return rows
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func newQueuePauseCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "pause",
		Short: "Stop workers from claiming new jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := ctx.client().Pause(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Queue paused")
			return nil
		},
	}
}

func newQueueResumeCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Let workers claim jobs again",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := ctx.client().Resume(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Queue resumed")
			return nil
		},
	}
}

func newQueueCleanCommand(ctx *commandContext) *cobra.Command {
	var grace time.Duration
	cmd := &cobra.Command{
		Use:   "clean",
		Short: "Remove finished jobs older than the grace period",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := ctx.client().Clean(cmd.Context(), grace)
			if err != nil {
				return err
			}
			if ctx.json {
				return writeJSON(cmd, map[string]int64{"removed": n})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %d finished job(s)\n", n)
			return nil
		},
	}
	cmd.Flags().DurationVar(&grace, "grace", 24*time.Hour, "keep jobs finished within this period")
	return cmd
}

func newQueueRetryCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "retry [job-id...]",
		Short: "Requeue failed jobs (all failed jobs when no id is given)",
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := ctx.client().Retry(cmd.Context(), args)
			if err != nil {
				return err
			}
			if ctx.json {
				return writeJSON(cmd, map[string]int64{"retried": n})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Requeued %d job(s)\n", n)
			if len(args) > 0 && int(n) < len(args) {
				fmt.Fprintln(cmd.OutOrStdout(), "Only failed jobs can be retried")
			}
			return nil
		},
	}
}

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show the progress or report of an import",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := ctx.client().Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if ctx.json {
				return writeJSON(cmd, st)
			}
			printStatus(cmd.OutOrStdout(), st, shouldColorize(cmd.OutOrStdout()))
			return nil
		},
	}
}

func newCancelCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Request cancellation of an import",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := ctx.client().Cancel(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Cancellation requested for %s\n", args[0])
			return nil
		},
	}
}

func newWatchCommand(ctx *commandContext) *cobra.Command {
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "watch <job-id>",
		Short: "Follow an import until it finishes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := ctx.client()
			out := cmd.OutOrStdout()
			colorize := shouldColorize(out)

			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			var last string
			for {
				st, err := client.Status(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if line := progressLine(st); line != last {
					fmt.Fprintln(out, line)
					last = line
				}
				if core.ImportStatus(st.Status).IsTerminal() {
					printStatus(out, st, colorize)
					if st.Status == string(core.StatusFailed) {
						return fmt.Errorf("import %s failed", st.JobID)
					}
					return nil
				}
				if st.Status == "unknown" {
					return fmt.Errorf("no state stored for import %s", args[0])
				}
				select {
				case <-cmd.Context().Done():
					return cmd.Context().Err()
				case <-ticker.C:
				}
			}
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", time.Second, "poll interval")
	return cmd
}

func progressLine(st jobStatus) string {
	if st.Progress == nil {
		return fmt.Sprintf("%s %3d%%", st.Status, st.Percent)
	}
	p := st.Progress
	return fmt.Sprintf("%s %3d%% %s %d/%d rows (%d ok, %d failed)",
		st.Status, st.Percent, p.CurrentStage, p.ProcessedRows, p.TotalRows, p.SuccessfulRows, p.FailedRows)
}

func printStatus(out io.Writer, st jobStatus, colorize bool) {
	fmt.Fprintf(out, "Import %s: %s\n", st.JobID, colorStatus(st.Status, colorize))
	if st.Status == "unknown" {
		fmt.Fprintln(out, "No state is stored for this import. It may have expired.")
		return
	}
	if st.Progress != nil {
		fmt.Fprintln(out, progressLine(st))
	}
	rep := st.Report
	if rep == nil {
		return
	}
	if rep.Error != "" {
		fmt.Fprintf(out, "Error in stage %s: %s\n", rep.FailedStage, rep.Error)
	}
	fmt.Fprint(out, renderTable(
		[]string{"Entity", "Created", "Updated", "Skipped", "Failed"},
		buildReportRows(rep),
		[]columnAlignment{alignLeft, alignRight, alignRight, alignRight, alignRight},
	))
	for i, e := range rep.RowErrors {
		if i == 20 {
			fmt.Fprintf(out, "... and %d more row errors\n", len(rep.RowErrors)-i)
			break
		}
		fmt.Fprintf(out, "  row %d: %s %s\n", e.RowIndex+1, e.Field, e.Message)
	}
}

func buildReportRows(rep *core.ImportReport) [][]string {
	types := make([]string, 0, len(rep.Entities))
	for t := range rep.Entities {
		types = append(types, string(t))
	}
	slices.Sort(types)

	rows := make([][]string, 0, len(types)+1)
	for _, t := range types {
		c := rep.Entities[core.EntityType(t)]
		rows = append(rows, []string{t, strconv.Itoa(c.Created), strconv.Itoa(c.Updated), strconv.Itoa(c.Skipped), strconv.Itoa(c.Failed)})
	}
	return append(rows, []string{"schedule", strconv.Itoa(rep.SchedulesCreated), "", "", strconv.Itoa(rep.SchedulesFailed)})
}
