package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dukex/sellerops/pkg/cooldown"
)

const memoryCleanupInterval = time.Minute

// NewCooldownStore opens the cooldown and lock store. A "redis://" or "rediss://" URL
// shares keys across processes; an empty URL keeps them in process. The returned func
// releases the store.
func NewCooldownStore(ctx context.Context, url string) (cooldown.Store, func() error, error) {
	switch {
	case url == "" || url == "memory://":
		return cooldown.NewMemoryStore(memoryCleanupInterval), func() error { return nil }, nil
	case strings.HasPrefix(url, "redis://"), strings.HasPrefix(url, "rediss://"):
		store, err := cooldown.NewRedisStoreFromURL(ctx, url)
		if err != nil {
			return nil, nil, err
		}

		return store, store.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported cooldown store URL %q", url)
	}
}
