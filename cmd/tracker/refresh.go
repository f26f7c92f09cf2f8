package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/tm-status-tracker/internal/config"
	"github.com/JakeFAU/tm-status-tracker/internal/server"
	"github.com/JakeFAU/tm-status-tracker/internal/tracker"
)

// newRefreshCmd creates the one-shot refresh command, meant for external
// schedulers such as Cloud Scheduler or a Kubernetes CronJob.
func newRefreshCmd() *cobra.Command {
	var staleDays int
	cmd := &cobra.Command{
		Use:   "refresh",
		Short: "Refreshes every stale record once and exits",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := resolveEnv(cmd.Context())
			if err != nil {
				return err
			}
			if staleDays == 0 {
				staleDays = rt.cfg.Jobs.DefaultStalenessDays
			}
			if staleDays < 1 || staleDays > 365 {
				return fmt.Errorf("--stale-since-days must be between 1 and 365")
			}
			app, err := server.Build(cmd.Context(), rt.cfg, rt.logger, server.WithVersion(version))
			if err != nil {
				return err
			}
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				_ = app.Close(ctx)
			}()

			job, err := app.RefreshOnce(cmd.Context(), config.Days(staleDays))
			if err != nil {
				return err
			}
			rt.logger.Info("refresh finished",
				zap.String("job_id", job.ID),
				zap.String("status", string(job.Status)),
				zap.Any("tally", job.Tally),
			)
			if job.Status != tracker.JobStatusCompleted {
				return fmt.Errorf("refresh job %s ended %s: %s", job.ID, job.Status, job.Error)
			}
			cmd.Printf("refreshed: %d succeeded, %d failed, %d skipped\n",
				job.Result.Success, job.Result.Failed, job.Result.Skipped)
			return nil
		},
	}
	cmd.Flags().IntVar(&staleDays, "stale-since-days", 0, "refresh records older than this many days (default jobs.default_staleness_days)")
	return cmd
}
