package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"alphamine/internal/config"
	"alphamine/internal/format"
)

// version is set at build time via -ldflags.
var version = "dev"

var rootFlags struct {
	configPath string
	envFiles   []string
	markdown   bool
}

var rootCmd = &cobra.Command{
	Use:   "alphamine",
	Short: "Iterative factor mining with a language model in the loop",
	Long: "alphamine proposes market hypotheses, turns them into factor expressions,\n" +
		"verifies and backtests them, and keeps the factors that pass in a knowledge base.",
	CompletionOptions: cobra.CompletionOptions{
		HiddenDefaultCmd: true,
	},
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		return config.LoadDotEnv(rootFlags.envFiles...)
	},
}

func init() {
	f := rootCmd.PersistentFlags()
	f.StringVarP(&rootFlags.configPath, "config", "c", "", "YAML configuration file")
	f.StringSliceVar(&rootFlags.envFiles, "env-file", nil, "dotenv files to load (default .env)")
	f.BoolVar(&rootFlags.markdown, "markdown", false, "print tables as Markdown")

	rootCmd.AddCommand(mineCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(backtestCmd)
	rootCmd.AddCommand(scheduleCmd)
	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(kbCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(functionsCmd)
	rootCmd.Version = version
}

// outputMode is the table format chosen on the command line
func outputMode() format.Mode {
	if rootFlags.markdown {
		return format.Markdown
	}
	return format.ASCII
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
