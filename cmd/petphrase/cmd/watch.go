package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/wesm/petphrase/internal/scheduler"
)

const watchJob = "analyze"

var (
	watchCron string
	watchNow  bool
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Run analyze on a schedule",
	Long: `Run petphrase in the foreground and repeat the analysis on a cron schedule.
A run that is still in progress when the next one is due is not overlapped;
the due run is skipped.

Configure the schedule in config.toml:
  [schedule]
  cron = "0 2 * * *"   # 2am daily

Cron format: minute hour day-of-month month day-of-week
  Examples:
    0 2 * * *     = 2:00 AM daily
    */30 * * * *  = Every 30 minutes
    0 0 * * 0     = Midnight on Sundays
    @daily        = Once a day at midnight

Use Ctrl+C to stop.`,
	RunE: runWatch,
}

func runWatch(cmd *cobra.Command, args []string) error {
	if watchCron != "" {
		cfg.Schedule.Cron = watchCron
	}
	if cfg.Schedule.Cron == "" {
		return errors.New("no schedule configured\n\nAdd to config.toml:\n\n  [schedule]\n  cron = \"0 2 * * *\"\n\nor pass --cron")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	run := func(ctx context.Context, job string) error {
		_, err := runAnalysis(ctx, cfg, logger.With("job", job), w, analysisOutput{write: true})
		return err
	}
	sched := scheduler.New(run).WithLogger(logger)
	if err := sched.AddJob(watchJob, cfg.Schedule.Cron); err != nil {
		return err
	}
	sched.Start()

	fmt.Fprintf(w, "petphrase watching %s\n", cfg.Archive.MessageDB)
	for _, st := range sched.Status() {
		fmt.Fprintf(w, "  %s: next run at %s (%s)\n", st.Name, st.NextRun.Local().Format("2006-01-02 15:04:05"), st.Schedule)
	}
	fmt.Fprintln(w, "Press Ctrl+C to stop.")

	if watchNow {
		if err := sched.TriggerRun(watchJob); err != nil {
			logger.Warn("immediate run not started", "error", err)
		}
	}

	<-cmd.Context().Done()
	logger.Info("shutting down")

	fmt.Fprintln(w, "\nWaiting for a running analysis to stop...")
	stopped := sched.Stop()
	select {
	case <-stopped.Done():
		fmt.Fprintln(w, "Shutdown complete.")
	case <-time.After(30 * time.Second):
		fmt.Fprintln(w, "Shutdown timed out after 30 seconds.")
	}

	for _, st := range sched.Status() {
		logger.Info("watch finished", "job", st.Name, "runs", st.Runs, "last_error", st.LastError)
	}
	return nil
}

func init() {
	watchCmd.Flags().StringVar(&watchCron, "cron", "", "cron expression (overrides [schedule] cron)")
	watchCmd.Flags().BoolVar(&watchNow, "now", false, "run once immediately, then follow the schedule")
	rootCmd.AddCommand(watchCmd)
}
