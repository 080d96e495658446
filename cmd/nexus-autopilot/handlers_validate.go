package main

import (
	"fmt"

	"github.com/nexuscore/autopilot/internal/config"
)

// runValidateConfig loads a config file and reports whether it is valid
// without starting the scheduler, the gateway, or any channel adapter.
func runValidateConfig(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("%s: %w", configPath, err)
	}
	fmt.Printf("%s: ok (%d schedules, default model %q)\n", configPath, len(cfg.Schedules), cfg.DefaultModel)
	return nil
}
