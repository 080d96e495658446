// Command nexus-autopilot runs the autopilot scheduler and the gateway
// dispatcher described by a single YAML config file.
//
// Basic Usage:
//
//	nexus-autopilot serve --config nexus-autopilot.yaml
//	nexus-autopilot run --config nexus-autopilot.yaml --schedule nightly-report
//	nexus-autopilot validate-config --config nexus-autopilot.yaml
//
// Environment Variables:
//
//	TELEGRAM_BOT_TOKEN, DISCORD_BOT_TOKEN, SLACK_BOT_TOKEN, SLACK_APP_TOKEN
//	override the matching channel credentials from the config file.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	err := buildRootCmd().Execute()
	if err == nil {
		return
	}
	fmt.Fprintln(os.Stderr, err)

	var paused *errPaused
	if errors.As(err, &paused) {
		os.Exit(10)
	}
	os.Exit(1)
}

func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "nexus-autopilot",
		Short:         "Scheduled and chat-driven agent runs over one Session Actor",
		Long:          "nexus-autopilot boots the autopilot scheduler, the gateway dispatcher, or both, over a shared SQLite store and Session Actor run loop.",
		Version:       fmt.Sprintf("%s (commit %s, built %s)", version, commit, date),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(buildServeCmd())
	root.AddCommand(buildRunCmd())
	root.AddCommand(buildValidateConfigCmd())
	return root
}
