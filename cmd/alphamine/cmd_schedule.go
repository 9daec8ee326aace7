package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"alphamine/internal/loop"
	"alphamine/internal/scheduler"
)

var scheduleFlags struct {
	cron      string
	direction string
	now       bool
	grace     time.Duration
}

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Run mining sessions on a cron schedule until interrupted",
	RunE:  runSchedule,
}

func init() {
	f := scheduleCmd.Flags()
	f.StringVar(&scheduleFlags.cron, "cron", "", "cron expression with seconds field (default schedule.cron)")
	f.StringVar(&scheduleFlags.direction, "direction", "", "research direction (default schedule.direction)")
	f.BoolVar(&scheduleFlags.now, "now", false, "start one session immediately")
	f.DurationVar(&scheduleFlags.grace, "grace", 30*time.Second, "how long to wait for a running session on shutdown")
}

func runSchedule(cmd *cobra.Command, _ []string) error {
	ctx, stop := sessionContext(cmd.Context())
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	spec := firstNonEmpty(scheduleFlags.cron, a.cfg.Schedule.Cron)
	if spec == "" {
		return fmt.Errorf("no schedule: set schedule.cron or --cron")
	}
	deps, opts, err := a.deps(true)
	if err != nil {
		return err
	}
	opts.Direction = firstNonEmpty(scheduleFlags.direction, a.cfg.Schedule.Direction, opts.Direction)

	s := scheduler.NewScheduler()
	id, err := s.AddJob("mining_session", spec, func(jobCtx context.Context) error {
		ctrl, err := loop.NewController(deps, opts)
		if err != nil {
			return err
		}
		err = ctrl.Run(jobCtx, "")
		a.log.Info("Scheduled session finished", "session_id", ctrl.SessionID(), "state", ctrl.State(),
			"knowledge", a.kb.Len())
		return err
	})
	if err != nil {
		return err
	}
	s.Start()
	a.log.Info("Scheduler started", "cron", spec, "direction", opts.Direction)

	if scheduleFlags.now {
		go func() {
			_ = s.RunNow(ctx, id)
		}()
	}

	<-ctx.Done()
	a.log.Info("Stopping scheduler", "grace", scheduleFlags.grace)
	stopCtx, cancel := context.WithTimeout(context.Background(), scheduleFlags.grace)
	defer cancel()
	if err := s.Stop(stopCtx); err != nil {
		return fmt.Errorf("scheduler did not stop in time: %w", err)
	}
	for _, job := range s.ListJobs() {
		fmt.Fprintf(cmd.OutOrStdout(), "%s runs=%d status=%s %s\n", job.Name, job.Runs, job.Status, job.Error)
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
