package web_test

import (
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/dukex/sellerops/pkg/events"
	"github.com/dukex/sellerops/pkg/web"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func float(v float64) *float64 { return &v }

func TestAPIHandlers_PublishMetricEvent(t *testing.T) {
	t.Parallel()

	api := setupTestApp(t)

	resp, body := api.do(t, http.MethodPost, "/events/metrics", web.MetricEventRequest{
		Metric:        "score",
		EntityID:      "L1",
		CurrentValue:  float(55),
		PreviousValue: float(70),
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))

	var accepted web.EventAcceptedResponse
	require.NoError(t, json.Unmarshal(body, &accepted))
	assert.Equal(t, events.MetricTopic("score"), accepted.Topic)

	sent := api.publisher.Events()
	require.Len(t, sent, 1)

	event, ok := sent[0].event.(*events.MetricChanged)
	require.True(t, ok)
	assert.Equal(t, accepted.ID, event.ID)
	assert.Equal(t, "L1", event.EntityID)
	assert.InDelta(t, 55.0, event.CurrentValue, 0)
	require.NotNil(t, event.PreviousValue)
	assert.InDelta(t, 70.0, *event.PreviousValue, 0)

	resp, _ = api.do(t, http.MethodPost, "/events/metrics", web.MetricEventRequest{Metric: "score", EntityID: "L1"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "current value is required")
}

func TestAPIHandlers_PublishCompetitorEvent(t *testing.T) {
	t.Parallel()

	api := setupTestApp(t)

	resp, _ := api.do(t, http.MethodPost, "/events/competitors", web.CompetitorEventRequest{
		Event:        "price_drop",
		EntityID:     "L1",
		CompetitorID: "acme",
		ThreatScore:  0.8,
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	sent := api.publisher.Events()
	require.Len(t, sent, 1)
	assert.Equal(t, events.CompetitorTopic, sent[0].topic)

	resp, _ = api.do(t, http.MethodPost, "/events/competitors", web.CompetitorEventRequest{
		Event:        "price_drop",
		EntityID:     "L1",
		CompetitorID: "acme",
		ThreatScore:  3,
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPIHandlers_PublishAppEvent(t *testing.T) {
	t.Parallel()

	api := setupTestApp(t)

	resp, _ := api.do(t, http.MethodPost, "/events/app/order.created", web.AppEventRequest{
		EntityID: "L1",
		Data:     map[string]any{"channel": "amazon"},
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp, _ = api.do(t, http.MethodPost, "/events/app/sync.completed", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	sent := api.publisher.Events()
	require.Len(t, sent, 2)
	assert.Equal(t, events.AppTopic("order.created"), sent[0].topic)

	order, ok := sent[0].event.(*events.AppEvent)
	require.True(t, ok)
	assert.Equal(t, "amazon", order.Data["channel"])

	synced, ok := sent[1].event.(*events.AppEvent)
	require.True(t, ok)
	assert.Empty(t, synced.EntityID)
	assert.Equal(t, "sync.completed", synced.Name)

	api.publisher.err = errors.New("bus down")

	resp, _ = api.do(t, http.MethodPost, "/events/app/sync.completed", nil)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}
