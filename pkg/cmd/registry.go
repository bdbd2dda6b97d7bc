// Package cmd provides common initialization functions for command-line applications.
package cmd

import (
	"fmt"
	"log/slog"

	"github.com/dukex/sellerops/pkg/actions/pricing"
	"github.com/dukex/sellerops/pkg/config"
	"github.com/dukex/sellerops/pkg/features"
	"github.com/dukex/sellerops/pkg/jobs"
	"github.com/dukex/sellerops/pkg/services"
)

// NewJobRegistry registers the native job handlers and applies the configured timeouts.
func NewJobRegistry(cfg *config.Config, prices services.PricingService, jobStore pricing.JobLookup, recomputer *features.Recomputer, logger *slog.Logger) (*jobs.Registry, error) {
	registry := jobs.NewRegistry()

	if err := pricing.Register(registry, prices, jobStore, logger); err != nil {
		return nil, fmt.Errorf("failed to register %s: %w", pricing.JobType, err)
	}

	if err := features.Register(registry, recomputer, logger); err != nil {
		return nil, fmt.Errorf("failed to register %s: %w", features.JobType, err)
	}

	if err := cfg.ApplyTimeouts(registry); err != nil {
		return nil, err
	}

	return registry, nil
}
