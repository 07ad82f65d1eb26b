package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/bibexport/errors"
	"github.com/teranos/bibexport/pulse/async"
)

// JobsCmd shows export job history
var JobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Show export job history",
	Long: `Every export is recorded with its converter, scope, destination and
outcome.

Examples:
  bibexport jobs ls
  bibexport jobs ls --status failed
  bibexport jobs show <job-id>
  bibexport jobs prune --older-than 720h`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var jobsLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List recent jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		statusFilter, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")

		var status *async.JobStatus
		if statusFilter != "" {
			if !async.IsValidStatus(statusFilter) {
				return errors.NewInvalidRequestError("invalid status %q", statusFilter)
			}
			st := async.JobStatus(statusFilter)
			status = &st
		}

		a, err := openApp(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer a.Close(context.Background())

		jobs, err := a.history.ListJobs(status, limit)
		if err != nil {
			return err
		}
		if len(jobs) == 0 {
			pterm.Println("No jobs")
			return nil
		}

		data := pterm.TableData{{"ID", "Status", "Converter", "Scope", "Path", "Created", "Duration"}}
		for _, j := range jobs {
			data = append(data, []string{
				shortID(j.ID),
				string(j.Status),
				j.Converter,
				j.Scope,
				j.Path,
				j.CreatedAt.Local().Format("2006-01-02 15:04:05"),
				j.Duration().Round(time.Millisecond).String(),
			})
		}
		return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
	},
}

var jobsShowCmd = &cobra.Command{
	Use:   "show <job-id>",
	Short: "Show one job as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer a.Close(context.Background())

		job, err := a.history.GetJob(args[0])
		if err != nil {
			return err
		}
		out, err := json.MarshalIndent(job, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(out))
		return nil
	},
}

var jobsPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete finished jobs older than a duration",
	RunE: func(cmd *cobra.Command, args []string) error {
		olderThan, _ := cmd.Flags().GetDuration("older-than")

		a, err := openApp(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer a.Close(context.Background())

		n, err := a.history.CleanupOldJobs(olderThan)
		if err != nil {
			return err
		}
		pterm.Success.Printfln("Deleted %d jobs", n)
		return nil
	},
}

func init() {
	jobsLsCmd.Flags().String("status", "", "Filter by status (queued, running, completed, failed, cancelled)")
	jobsLsCmd.Flags().Int("limit", 20, "Maximum number of jobs to show")
	jobsPruneCmd.Flags().Duration("older-than", 30*24*time.Hour, "Age of jobs to delete")

	JobsCmd.AddCommand(jobsLsCmd)
	JobsCmd.AddCommand(jobsShowCmd)
	JobsCmd.AddCommand(jobsPruneCmd)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
