/*
Copyright © 2023 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"context"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"woreda-stats/exporter"
	"woreda-stats/jobstore"
)

var runID string

// monitorCmd represents the monitor command
var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Follow the export tasks of a run until they finish",
	Long: `Poll the status of every task of an export run (the latest one
	unless --run is given) until each has completed, failed or been
	cancelled. State changes are written back to the job store.

	Exits non-zero unless every task completed.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.ValidateEarthEngine(); err != nil {
			return err
		}
		store, err := jobstore.Open(cfg.JobStore.Path)
		if err != nil {
			return err
		}
		defer func() {
			if err := store.Close(); err != nil {
				logrus.Error(err)
			}
		}()

		id := runID
		if id == "" {
			if id, err = store.LatestRun(); err != nil {
				return err
			}
		}
		jobs, err := store.Jobs(id)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Run %s: %d export tasks\n", id, len(jobs))

		client := newEarthEngineClient()
		return monitorJobs(cmd.Context(), cmd, client, store, jobs)
	},
}

func monitorJobs(ctx context.Context, cmd *cobra.Command, client exporter.StatusClient, store *jobstore.Store, jobs []*exporter.ExportJob) error {
	monitor := cfg.NewMonitor(client)
	monitor.OnChange = func(job *exporter.ExportJob) {
		if err := store.UpdateJob(job); err != nil {
			logrus.WithField("job_id", job.ID).Errorf("Recording state: %v", err)
		}
	}

	report, err := monitor.Wait(ctx, jobs)
	printReport(cmd, report)
	if err != nil {
		return err
	}
	if !report.Succeeded() {
		return fmt.Errorf("%d of %d export tasks did not complete", len(jobs)-report.Counts()[exporter.StateCompleted], len(jobs))
	}
	return nil
}

func printReport(cmd *cobra.Command, report exporter.Report) {
	out := cmd.OutOrStdout()
	counts := report.Counts()
	states := make([]string, 0, len(counts))
	for state := range counts {
		states = append(states, string(state))
	}
	sort.Strings(states)
	for _, state := range states {
		fmt.Fprintf(out, "%s: %d\n", state, counts[exporter.JobState(state)])
	}
	for _, o := range report.Outcomes {
		if o.State == exporter.StateCompleted {
			continue
		}
		line := fmt.Sprintf("  %s woreda %s (%s)", o.State, o.FeatureID, o.Description)
		if o.Unrecognized {
			line += fmt.Sprintf(" unrecognized state %q", o.RawState)
		}
		if o.ErrorMessage != "" {
			line += ": " + o.ErrorMessage
		}
		fmt.Fprintln(out, line)
	}
	if len(report.Pending) > 0 {
		fmt.Fprintf(out, "still running after %d rounds: %d\n", report.Rounds, len(report.Pending))
	}
}

func init() {
	rootCmd.AddCommand(monitorCmd)

	monitorCmd.Flags().StringVar(&runID, "run", "", "Run id to monitor, the latest run when empty")
	monitorCmd.Flags().Duration("interval", exporter.DefaultPollInterval, "Time between status rounds")
	bindFlag(monitorCmd.Flags().Lookup("interval"), "monitor.interval")
	monitorCmd.Flags().Int("max-rounds", 0, "Give up after this many rounds, 0 for no limit")
	bindFlag(monitorCmd.Flags().Lookup("max-rounds"), "monitor.max_rounds")
	monitorCmd.Flags().Duration("max-duration", 0, "Give up after this long, 0 for no limit")
	bindFlag(monitorCmd.Flags().Lookup("max-duration"), "monitor.max_duration")
}
