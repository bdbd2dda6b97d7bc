package features

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/sellerops/pkg/eventbus"
	"github.com/dukex/sellerops/pkg/events"
	"github.com/dukex/sellerops/pkg/jobs"
)

// ListingUpdatedEvent is the application event that makes an entity's features stale.
const ListingUpdatedEvent = "listing.updated"

// SubscribeUpdates schedules a recompute for every entity named by a ListingUpdatedEvent.
// Bursts for one entity within dedupWindow collapse into one job.
func SubscribeUpdates(
	ctx context.Context,
	subscriber eventbus.EventSubscriber,
	queue Enqueuer,
	dedupWindow time.Duration,
	logger *slog.Logger,
) (*eventbus.Subscription, error) {
	logger = logger.With("module", "features_scheduler")

	sub, err := subscriber.Subscribe(ctx, events.AppTopic(ListingUpdatedEvent), func(ctx context.Context, event any) error {
		update, ok := event.(*events.AppEvent)
		if !ok || update.EntityID == "" {
			return nil
		}

		id, err := Schedule(ctx, queue, update.EntityID, ListingUpdatedEvent, dedupWindow)

		switch {
		case errors.Is(err, jobs.ErrDuplicate):
			logger.DebugContext(ctx, "Recompute already scheduled", "entity_id", update.EntityID)
		case err != nil:
			logger.ErrorContext(ctx, "Failed to schedule recompute", "entity_id", update.EntityID, "error", err)

			return err
		default:
			logger.DebugContext(ctx, "Recompute scheduled", "entity_id", update.EntityID, "job_id", id)
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", ListingUpdatedEvent, err)
	}

	return sub, nil
}
