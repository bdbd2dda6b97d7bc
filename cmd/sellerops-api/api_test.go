package main

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dukex/sellerops/pkg/cmd"
	"github.com/dukex/sellerops/pkg/cooldown"
	"github.com/dukex/sellerops/pkg/jobs"
	"github.com/dukex/sellerops/pkg/persistence/memory"
	"github.com/dukex/sellerops/pkg/rules"
	"github.com/dukex/sellerops/pkg/services"
	"github.com/gofiber/fiber/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestApp(t *testing.T) *fiber.App {
	t.Helper()

	store := memory.NewPersistence()
	registry := rules.NewRegistry(store, slog.Default())
	require.NoError(t, registry.Load(context.Background()))

	sink, gatherer := cmd.NewMetrics(slog.Default())
	queue := jobs.NewQueue(store, slog.Default(),
		jobs.WithDedupStore(cooldown.NewMemoryStore(time.Minute)),
		jobs.WithQueueMetrics(sink),
	)

	bus, err := cmd.NewEventBus("gochannel", nil, "test", slog.Default())
	require.NoError(t, err)

	t.Cleanup(func() { _ = bus.Close() })

	api := NewAPI(slog.Default(), store, queue, registry, services.NewCatalog(), bus, gatherer)

	return api.App()
}

func get(t *testing.T, app *fiber.App, path string) (int, string) {
	t.Helper()

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, path, nil))
	require.NoError(t, err)

	defer func() {
		err := resp.Body.Close()
		if err != nil {
			t.Logf("Failed to close response body: %v", err)
		}
	}()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	return resp.StatusCode, string(body)
}

func TestAPI_RootEndpoint(t *testing.T) {
	status, body := get(t, setupTestApp(t), "/")

	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "sellerops API", body)
}

func TestAPI_HealthCheck(t *testing.T) {
	app := setupTestApp(t)

	status, _ := get(t, app, "/livez")
	assert.Equal(t, http.StatusOK, status)

	status, body := get(t, app, "/health")
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, "healthy")
}

func TestAPI_MetricsEndpoint(t *testing.T) {
	app := setupTestApp(t)

	req := httptest.NewRequest(http.MethodPost, "/jobs", strings.NewReader(`{"job_type": "report.build"}`))
	req.Header.Set("Content-Type", "application/json")

	resp, err := app.Test(req)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	status, body := get(t, app, "/metrics")
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, "go_goroutines")
	assert.Contains(t, body, "sellerops_jobs_enqueued_total")
}

func TestAPI_JobRoutesMounted(t *testing.T) {
	app := setupTestApp(t)

	status, body := get(t, app, "/jobs")
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, `"count":0`)

	status, _ = get(t, app, "/dead-letters/missing")
	assert.Equal(t, http.StatusNotFound, status)
}
