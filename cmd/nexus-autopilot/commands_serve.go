package main

import (
	"github.com/spf13/cobra"
)

// defaultConfigPath is the config file looked for relative to the current
// directory when --config is not given.
const defaultConfigPath = "nexus-autopilot.yaml"

func buildServeCmd() *cobra.Command {
	var configPath string
	var listenAddr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway dispatcher and the autopilot scheduler",
		Example: `  nexus-autopilot serve --config nexus-autopilot.yaml
  nexus-autopilot serve --config nexus-autopilot.yaml --listen :8090`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, listenAddr)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to the YAML config file")
	cmd.Flags().StringVar(&listenAddr, "listen", ":8090", "address the gateway HTTP surface listens on")
	return cmd
}

func buildRunCmd() *cobra.Command {
	var configPath string
	var scheduleName string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one schedule's agent turn synchronously and exit",
		Long: "run fires a single named schedule through the Session Actor and blocks until it " +
			"reaches a terminal state, exiting 0 on success and 10 if the run paused on an approval.",
		Example: `  nexus-autopilot run --config nexus-autopilot.yaml --schedule nightly-report`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnce(cmd.Context(), configPath, scheduleName)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to the YAML config file")
	cmd.Flags().StringVar(&scheduleName, "schedule", "", "name of the schedule to run (required)")
	cmd.MarkFlagRequired("schedule")
	return cmd
}

func buildValidateConfigCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "validate-config",
		Short: "Load and validate a config file without starting anything",
		Example: `  nexus-autopilot validate-config --config nexus-autopilot.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidateConfig(configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to the YAML config file")
	return cmd
}
