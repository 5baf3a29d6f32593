package main

import (
	"github.com/spf13/cobra"

	"github.com/orientinsight/bookingmail/internal/model"
)

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "bookingmail",
		Short:         "Email-to-booking ingestion worker",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", model.DefaultConfigPath(), "path to config file")

	load := func() (*app, error) { return newApp(configPath) }

	root.AddCommand(
		newRunCmd(load),
		newPollOnceCmd(load),
		newImportsCmd(load),
		newAllowlistCmd(load),
		newSecretCmd(),
	)
	return root
}
