package commands

import (
	"fmt"

	"github.com/feifeigood/swiftlink/internal/config"
)

// Runner is one CLI subcommand.
type Runner interface {
	Init(args []string, globalArgs *AppContext) error
	Run() error
	Name() string
}

// AppContext carries the global flags shared by all subcommands.
type AppContext struct {
	ConfigPath string
	Verbose    bool
	Version    string
}

// loadAndValidateConfig loads the configuration from file and runs the
// structural and cross-field validation passes.
func loadAndValidateConfig(configPath string) (*config.Config, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %v", err)
	}

	if err := cfg.ValidateConfig(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %v", err)
	}

	return cfg, nil
}
