package cmd

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/dukex/sellerops/pkg/actions"
	"github.com/dukex/sellerops/pkg/actions/pricing"
	"github.com/dukex/sellerops/pkg/actions/webhook"
	"github.com/dukex/sellerops/pkg/services"
)

const webhookClientTimeout = 30 * time.Second

// NewActionSet builds one executor per action kind over the catalog and the notifier.
func NewActionSet(catalog *services.Catalog, notifier *services.Notifier, queue pricing.Queue, logger *slog.Logger) (*actions.Set, error) {
	client := &http.Client{Timeout: webhookClientTimeout}

	return actions.NewSet(actions.Set{
		CreateTask:    actions.NewCreateTask(notifier),
		UpdatePrice:   pricing.New(catalog, queue, logger),
		SendAlert:     actions.NewSendAlert(notifier),
		TagEntity:     actions.NewTagEntity(catalog),
		Webhook:       webhook.New(client, logger),
		ApplyTemplate: actions.NewApplyTemplate(catalog),
	})
}
