package commands

import (
	"context"
	"fmt"

	"github.com/systmms/signkey/internal/config"
	"github.com/systmms/signkey/internal/handler"
	"github.com/systmms/signkey/internal/secretstores"
)

// storeRegistry creates the configured secret store. Tests swap the memory
// factory for one returning a shared store.
var storeRegistry = secretstores.NewRegistry()

// loadConfig loads and validates the configuration.
func loadConfig(cfg *config.Config) error {
	if err := cfg.Load(); err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	return nil
}

// buildRuntime loads the configuration and wires every component.
func buildRuntime(ctx context.Context, cfg *config.Config) (*handler.Runtime, error) {
	if err := loadConfig(cfg); err != nil {
		return nil, err
	}
	rt, err := handler.Build(ctx, cfg.Definition, storeRegistry, cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialise: %w", err)
	}
	return rt, nil
}
