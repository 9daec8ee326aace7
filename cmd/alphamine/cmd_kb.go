package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"alphamine/internal/batch"
	"alphamine/internal/factor"
	"alphamine/internal/format"
	"alphamine/internal/types"
)

var kbCmd = &cobra.Command{
	Use:   "kb",
	Short: "Inspect the knowledge base of accepted factors",
}

var kbListCmd = &cobra.Command{
	Use:   "list",
	Short: "List accepted factors",
	RunE:  runKBList,
}

var kbExportFlags struct {
	output string
}

var kbExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export accepted factors as a factor batch CSV",
	RunE:  runKBExport,
}

var kbQueryFlags struct {
	expression string
	topK       int
}

var kbQueryCmd = &cobra.Command{
	Use:   "query <theme>",
	Short: "Find factors related to a theme or an expression",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runKBQuery,
}

func init() {
	kbExportCmd.Flags().StringVarP(&kbExportFlags.output, "output", "o", "", "output file (default stdout)")
	kbQueryCmd.Flags().StringVarP(&kbQueryFlags.expression, "expr", "e", "", "rank by structural similarity to this expression")
	kbQueryCmd.Flags().IntVarP(&kbQueryFlags.topK, "top", "k", 10, "number of matches")

	kbCmd.AddCommand(kbListCmd)
	kbCmd.AddCommand(kbExportCmd)
	kbCmd.AddCommand(kbQueryCmd)
}

func runKBList(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.close()

	tb := format.NewTable(outputMode(), "SEQ", "NAME", "THEME", "NOVELTY", "EXPRESSION", "METRICS")
	tb.AlignRight(1, 4)
	tb.Wrap(5, 60)
	for e := range a.kb.All() {
		tb.Row(e.Seq, e.Name, e.Theme, e.Novelty, e.Expression, e.Metrics.Summary())
	}
	return tb.Render(cmd.OutOrStdout())
}

func runKBExport(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.close()

	var tasks []types.FactorTask
	for e := range a.kb.All() {
		tasks = append(tasks, types.FactorTask{Name: e.Name, Expression: e.Expression, Description: e.Theme})
	}

	out := cmd.OutOrStdout()
	if kbExportFlags.output != "" {
		f, err := os.Create(kbExportFlags.output)
		if err != nil {
			return err
		}
		defer f.Close()
		out = f
	}
	if err := batch.Write(out, tasks); err != nil {
		return err
	}
	a.log.Info("Exported knowledge base", "factors", len(tasks), "output", kbExportFlags.output)
	return nil
}

func runKBQuery(cmd *cobra.Command, args []string) error {
	var theme string
	if len(args) == 1 {
		theme = args[0]
	}
	var tree *factor.Node
	if kbQueryFlags.expression != "" {
		var err error
		if tree, err = factor.ParseAndValidate(kbQueryFlags.expression); err != nil {
			return err
		}
	}
	if theme == "" && tree == nil {
		return fmt.Errorf("give a theme, --expr, or both")
	}

	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.close()

	tb := format.NewTable(outputMode(), "SCORE", "NAME", "THEME", "EXPRESSION")
	tb.AlignRight(1)
	tb.Wrap(4, 60)
	for _, m := range a.kb.Query(theme, tree, kbQueryFlags.topK) {
		tb.Row(m.Score, m.Entry.Name, m.Entry.Theme, m.Entry.Expression)
	}
	return tb.Render(cmd.OutOrStdout())
}
