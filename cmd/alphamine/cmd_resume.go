package main

import (
	"time"

	"github.com/spf13/cobra"

	"alphamine/internal/loop"
)

var resumeFlags struct {
	session       string
	maxIterations int
	timeout       time.Duration
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Continue a session from its latest checkpoint",
	RunE:  runResume,
}

func init() {
	f := resumeCmd.Flags()
	f.StringVar(&resumeFlags.session, "session", "", "session ID to resume")
	f.IntVar(&resumeFlags.maxIterations, "max-iterations", 0, "override loop.max_iterations")
	f.DurationVar(&resumeFlags.timeout, "timeout", 0, "override loop.session_timeout")
	_ = resumeCmd.MarkFlagRequired("session")
}

func runResume(cmd *cobra.Command, _ []string) error {
	ctx, stop := sessionContext(cmd.Context())
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	deps, opts, err := a.deps(true)
	if err != nil {
		return err
	}
	if resumeFlags.maxIterations > 0 {
		opts.MaxIterations = resumeFlags.maxIterations
	}
	if resumeFlags.timeout > 0 {
		opts.SessionTimeout = resumeFlags.timeout
	}

	ctrl, err := loop.NewController(deps, opts)
	if err != nil {
		return err
	}
	err = ctrl.Resume(ctx, resumeFlags.session)
	report(cmd, a, ctrl, err != nil || ctx.Err() != nil)
	return err
}
