package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"alphamine/internal/factor/registry"
)

var functionsCmd = &cobra.Command{
	Use:   "functions",
	Short: "Print the operators and functions factor expressions may use",
	RunE: func(cmd *cobra.Command, _ []string) error {
		_, err := fmt.Fprint(cmd.OutOrStdout(), registry.Default().Describe())
		return err
	},
}
