package main

import (
	"os"

	"github.com/spf13/cobra"

	"ultrastream/work/config"
)

var (
	Version = "v0.1.0" // default version
)

// newRootCmd builds the command tree. Running the root alone serves.
func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "ultrastream",
		Short:         "IPTV playlist browser backend and streaming relay",
		Version:       Version,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath)
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultPath, "Path to the JSON settings file")

	root.AddCommand(newServeCmd(&configPath))
	root.AddCommand(newParseCmd(&configPath))
	root.AddCommand(newInitConfigCmd())
	return root
}

func newInitConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init-config <path>",
		Short: "Write an example settings file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.CreateExampleConfig(args[0]); err != nil {
				return err
			}
			cmd.Printf("Example configuration written to %s\n", args[0])
			return nil
		},
	}
}

// our main app worker
func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
