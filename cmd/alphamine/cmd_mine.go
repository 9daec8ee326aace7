package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"alphamine/internal/loop"
)

var mineFlags struct {
	session       string
	direction     string
	maxIterations int
	maxSteps      int
	timeout       time.Duration
}

var mineCmd = &cobra.Command{
	Use:   "mine",
	Short: "Start a new factor mining session",
	RunE:  runMine,
}

func init() {
	f := mineCmd.Flags()
	f.StringVar(&mineFlags.session, "session", "", "session ID (generated when empty)")
	f.StringVar(&mineFlags.direction, "direction", "", "research direction for the first hypothesis")
	f.IntVar(&mineFlags.maxIterations, "max-iterations", 0, "override loop.max_iterations")
	f.IntVar(&mineFlags.maxSteps, "max-steps", 0, "override loop.max_steps")
	f.DurationVar(&mineFlags.timeout, "timeout", 0, "override loop.session_timeout")
}

func runMine(cmd *cobra.Command, _ []string) error {
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
	if mineFlags.direction != "" {
		opts.Direction = mineFlags.direction
	}
	if mineFlags.maxIterations > 0 {
		opts.MaxIterations = mineFlags.maxIterations
	}
	if mineFlags.maxSteps > 0 {
		opts.MaxSteps = mineFlags.maxSteps
	}
	if mineFlags.timeout > 0 {
		opts.SessionTimeout = mineFlags.timeout
	}

	ctrl, err := loop.NewController(deps, opts)
	if err != nil {
		return err
	}
	err = ctrl.Run(ctx, mineFlags.session)
	report(cmd, a, ctrl, err != nil || ctx.Err() != nil)
	return err
}

// report prints where a session stopped and how to continue it
func report(cmd *cobra.Command, a *app, ctrl *loop.Controller, unfinished bool) {
	out := cmd.OutOrStdout()
	trace := ctrl.Trace()
	accepted := 0
	for _, fb := range trace.History {
		accepted += len(fb.Accepted)
	}
	fmt.Fprintf(out, "session:     %s\n", ctrl.SessionID())
	fmt.Fprintf(out, "state:       %s\n", ctrl.State())
	fmt.Fprintf(out, "iterations:  %d\n", len(trace.History))
	fmt.Fprintf(out, "accepted:    %d\n", accepted)
	fmt.Fprintf(out, "knowledge:   %d factors\n", a.kb.Len())
	if unfinished {
		fmt.Fprintf(out, "resume with: alphamine resume --session %s\n", ctrl.SessionID())
	}
}

// sessionContext is the context a scheduled or foreground session runs under
func sessionContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
