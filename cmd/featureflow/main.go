package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	rootCmd    = &cobra.Command{
		Use:   "featureflow",
		Short: "Featureflow - human-gated feature development runs",
		Long: `Featureflow drives a feature story through a gated workflow:
plan, propose a patch, apply it, run tests, diagnose failures,
assess regression risk and finalize. Every plan, patch and final
result waits for an explicit human decision before the run moves on.`,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
