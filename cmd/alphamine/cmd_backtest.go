package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"alphamine/internal/batch"
	"alphamine/internal/format"
	"alphamine/internal/loop"
	"alphamine/internal/types"
)

var backtestFlags struct {
	session string
	theme   string
}

var backtestCmd = &cobra.Command{
	Use:   "backtest <factors.csv>",
	Short: "Verify and backtest a batch of factor expressions",
	Long: "backtest runs one iteration over the factors in a CSV batch file\n" +
		"(factor_name,factor_expression[,factor_description]). Factors that pass\n" +
		"acceptance are added to the knowledge base.",
	Args: cobra.ExactArgs(1),
	RunE: runBacktest,
}

func init() {
	f := backtestCmd.Flags()
	f.StringVar(&backtestFlags.session, "session", "", "session ID (generated when empty)")
	f.StringVar(&backtestFlags.theme, "theme", "", "theme recorded with accepted factors (default: file name)")
}

func runBacktest(cmd *cobra.Command, args []string) error {
	tasks, err := batch.ReadFile(args[0])
	if err != nil {
		return err
	}

	ctx, stop := sessionContext(cmd.Context())
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	base, opts, err := a.deps(false)
	if err != nil {
		return err
	}
	theme := backtestFlags.theme
	if theme == "" {
		theme = filepath.Base(args[0])
	}
	h := types.Hypothesis{Theme: theme, Rationale: "user supplied factor batch " + args[0]}

	ctrl, err := loop.NewController(loop.BacktestDeps(base, h, tasks), loop.BacktestOptions(opts))
	if err != nil {
		return err
	}
	if err := ctrl.Run(ctx, backtestFlags.session); err != nil {
		return err
	}

	fb, ok := ctrl.Trace().Last()
	if !ok {
		return fmt.Errorf("backtest stopped before evaluating any factor")
	}
	tb := format.NewTable(outputMode(), "FACTOR", "ACCEPTED", "METRICS", "REASON")
	for _, ev := range fb.Evaluations {
		tb.Row(ev.Task, ev.Accepted, ev.Metrics.Summary(), ev.Reason)
	}
	if err := tb.Render(cmd.OutOrStdout()); err != nil {
		return err
	}
	for _, f := range fb.Failures {
		fmt.Fprintln(cmd.OutOrStdout(), "failed:", f.String())
	}
	return nil
}
