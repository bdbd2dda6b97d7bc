package cmd

import (
	"context"
	"log/slog"

	"github.com/dukex/sellerops/pkg/services"
)

// NewCatalog loads the listing catalog from path, or starts empty without one.
func NewCatalog(ctx context.Context, logger *slog.Logger, path string) (*services.Catalog, error) {
	if path == "" {
		logger.WarnContext(ctx, "No catalog file given, starting with an empty catalog")

		return services.NewCatalog(), nil
	}

	catalog, err := services.LoadCatalog(path)
	if err != nil {
		return nil, err
	}

	logger.InfoContext(ctx, "Catalog loaded", "path", path, "listings", len(catalog.Listings()))

	return catalog, nil
}
