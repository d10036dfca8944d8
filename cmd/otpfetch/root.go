package main

import (
	"github.com/spf13/cobra"
)

type globalOptions struct {
	configPath string
	envFiles   []string
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	rootCmd := &cobra.Command{
		Use:   "otpfetch",
		Short: "Fetch one-time codes and verification links from a mailbox",
		Long: "otpfetch keeps a pool of IMAP sessions open and fetches the most recent " +
			"verification code or link addressed to each target, retrying until it arrives.",
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "",
		"config file (default: ./config.toml or the user config directory)")
	rootCmd.PersistentFlags().StringSliceVar(&opts.envFiles, "env-file", []string{".env"},
		"env files to load before reading OTPFETCH_* variables")

	rootCmd.AddCommand(
		newFetchCmd(opts),
		newConfigCmd(opts),
	)

	return rootCmd
}
