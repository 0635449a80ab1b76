package main

import (
	"os"
	"strings"

	"github.com/spf13/cobra"
)

func newRootCommand(ctx *commandContext) *cobra.Command {
	var configFlag string

	rootCmd := &cobra.Command{
		Use:           "photobatchctl",
		Short:         "Operate the photo batch pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if path := strings.TrimSpace(configFlag); path != "" {
				return os.Setenv("CONFIG_FILE", path)
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "Configuration file path")

	rootCmd.AddCommand(newRetryCommand(ctx))
	rootCmd.AddCommand(newResetStaleCommand(ctx))
	rootCmd.AddCommand(newHealthCommand(ctx))
	rootCmd.AddCommand(newCacheCommand(ctx))
	rootCmd.AddCommand(newSubmitCommand(ctx))

	return rootCmd
}
