package main

import (
	"github.com/spf13/cobra"

	"alphamine/internal/format"
)

var sessionsFlags struct {
	checkpoints bool
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions [session-id]",
	Short: "List sessions and their latest checkpoints",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runSessions,
}

func init() {
	sessionsCmd.Flags().BoolVar(&sessionsFlags.checkpoints, "checkpoints", false,
		"list every checkpoint of the given session")
}

func runSessions(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	store := a.checkpoints.Store()
	if len(args) == 1 && sessionsFlags.checkpoints {
		cps, err := store.List(ctx, args[0])
		if err != nil {
			return err
		}
		tb := format.NewTable(outputMode(), "ITERATION", "STEP", "STATE", "KB VERSION", "SAVED")
		tb.AlignRight(1, 4)
		for _, cp := range cps {
			tb.Row(cp.Iteration, cp.StepName, cp.State, cp.KnowledgeVersion, cp.SavedAt)
		}
		return tb.Render(cmd.OutOrStdout())
	}

	ids := args
	if len(ids) == 0 {
		if ids, err = store.Sessions(ctx); err != nil {
			return err
		}
	}
	tb := format.NewTable(outputMode(), "SESSION", "ITERATION", "LAST STEP", "SAVED")
	tb.AlignRight(2)
	for _, id := range ids {
		cp, err := a.checkpoints.Latest(ctx, id)
		if err != nil {
			return err
		}
		tb.Row(id, cp.Iteration, cp.StepName, cp.SavedAt)
	}
	return tb.Render(cmd.OutOrStdout())
}
