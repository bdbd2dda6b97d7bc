// Package web provides the operator HTTP API: job and dead-letter management, execution
// history, rule inspection and event ingestion.
package web

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/dukex/sellerops/pkg/eventbus"
	"github.com/dukex/sellerops/pkg/jobs"
	"github.com/dukex/sellerops/pkg/models"
	"github.com/dukex/sellerops/pkg/persistence"
	"github.com/dukex/sellerops/pkg/rules"
	"github.com/dukex/sellerops/pkg/services"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// HealthChecker is implemented by the stores the API depends on.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

type APIHandlers struct {
	queue      *jobs.Queue
	executions persistence.ExecutionStore
	rules      *rules.Registry
	lookup     services.EntityLookup
	publisher  eventbus.EventPublisher
	validator  *validator.Validate
	health     HealthChecker
}

func NewAPIHandlers(
	queue *jobs.Queue,
	executions persistence.ExecutionStore,
	registry *rules.Registry,
	lookup services.EntityLookup,
	publisher eventbus.EventPublisher,
	validator *validator.Validate,
	health HealthChecker,
) *APIHandlers {
	return &APIHandlers{
		queue:      queue,
		executions: executions,
		rules:      registry,
		lookup:     lookup,
		publisher:  publisher,
		validator:  validator,
		health:     health,
	}
}

// Register mounts every endpoint on router.
func (h *APIHandlers) Register(router fiber.Router) {
	router.Get("/health", h.HealthCheck)

	j := router.Group("/jobs")
	j.Get("/", h.ListJobs)
	j.Post("/", h.EnqueueJob)
	j.Get("/:id", h.GetJob)
	j.Post("/:id/cancel", h.CancelJob)

	d := router.Group("/dead-letters")
	d.Get("/", h.ListDeadLetters)
	d.Get("/:jobId", h.GetDeadLetter)
	d.Post("/:jobId/replay", h.ReplayDeadLetter)

	e := router.Group("/executions")
	e.Get("/", h.ListExecutions)
	e.Get("/:id", h.GetExecution)

	r := router.Group("/rules")
	r.Get("/", h.ListRules)
	r.Get("/:id", h.GetRule)
	r.Post("/:id/evaluate", h.EvaluateRule)

	ev := router.Group("/events")
	ev.Post("/metrics", h.PublishMetricEvent)
	ev.Post("/competitors", h.PublishCompetitorEvent)
	ev.Post("/app/:name", h.PublishAppEvent)
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	status := "healthy"
	httpStatus := http.StatusOK
	store := "ok"

	if err := h.health.HealthCheck(c.Context()); err != nil {
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
		store = err.Error()
	}

	return c.Status(httpStatus).JSON(fiber.Map{
		"status": status,
		"checkers": fiber.Map{
			"store": store,
			"rules": len(h.rules.All()),
		},
		"timestamp": time.Now().UTC(),
	})
}

// Jobs

func (h *APIHandlers) EnqueueJob(c fiber.Ctx) error {
	var req EnqueueJobRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	opts := []jobs.EnqueueOption{
		jobs.CorrelationID(req.CorrelationID),
		jobs.Delay(time.Duration(req.DelaySeconds) * time.Second),
	}

	if req.MaxAttempts > 0 {
		opts = append(opts, jobs.MaxAttempts(req.MaxAttempts))
	}

	if req.DedupKey != "" {
		opts = append(opts, jobs.DedupKey(req.DedupKey, time.Duration(req.DedupSeconds)*time.Second))
	}

	var payload any
	if len(req.Payload) > 0 {
		payload = req.Payload
	}

	id, err := h.queue.Enqueue(c.Context(), req.JobType, payload, opts...)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(JobCreatedResponse{ID: id})
}

func (h *APIHandlers) ListJobs(c fiber.Ctx) error {
	limit, err := parseLimit(c)
	if err != nil {
		return badRequest(c, "Invalid query parameters: "+err.Error())
	}

	filter := models.JobFilter{
		Status:        models.JobStatus(c.Query("status")),
		JobType:       c.Query("job_type"),
		CorrelationID: c.Query("correlation_id"),
		Limit:         limit,
	}

	list, err := h.queue.List(c.Context(), filter)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{
		"jobs":  list,
		"count": len(list),
	})
}

func (h *APIHandlers) GetJob(c fiber.Ctx) error {
	job, err := h.queue.Get(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(job)
}

func (h *APIHandlers) CancelJob(c fiber.Ctx) error {
	job, err := h.queue.Cancel(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(job)
}

// Dead letters

func (h *APIHandlers) ListDeadLetters(c fiber.Ctx) error {
	limit, err := parseLimit(c)
	if err != nil {
		return badRequest(c, "Invalid query parameters: "+err.Error())
	}

	entries, err := h.queue.DeadLetters(c.Context(), limit)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{
		"dead_letters": entries,
		"count":        len(entries),
	})
}

func (h *APIHandlers) GetDeadLetter(c fiber.Ctx) error {
	entry, err := h.queue.DeadLetter(c.Context(), c.Params("jobId"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(entry)
}

func (h *APIHandlers) ReplayDeadLetter(c fiber.Ctx) error {
	id, err := h.queue.Replay(c.Context(), c.Params("jobId"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(JobCreatedResponse{ID: id})
}

// Executions

func (h *APIHandlers) ListExecutions(c fiber.Ctx) error {
	limit, err := parseLimit(c)
	if err != nil {
		return badRequest(c, "Invalid query parameters: "+err.Error())
	}

	records, err := h.executions.Executions(c.Context(), c.Query("rule_id"), limit)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{
		"executions": records,
		"count":      len(records),
	})
}

func (h *APIHandlers) GetExecution(c fiber.Ctx) error {
	record, err := h.executions.ExecutionByID(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(record)
}

// Rules

func (h *APIHandlers) ListRules(c fiber.Ctx) error {
	invalid := make(map[string]string)
	for id, err := range h.rules.Invalid() {
		invalid[id] = err.Error()
	}

	return c.JSON(RuleListResponse{
		Rules:    h.rules.All(),
		Invalid:  invalid,
		LoadedAt: h.rules.LoadedAt(),
	})
}

func (h *APIHandlers) GetRule(c fiber.Ctx) error {
	rule, ok := h.rules.Get(c.Params("id"))
	if !ok {
		return notFound(c, "Rule not found")
	}

	return c.JSON(rule)
}

// EvaluateRule reports what a rule would do for the given entities, or for its whole
// scope, without acting.
func (h *APIHandlers) EvaluateRule(c fiber.Ctx) error {
	rule, ok := h.rules.Get(c.Params("id"))
	if !ok {
		return notFound(c, "Rule not found")
	}

	var req EvaluateRuleRequest
	if len(c.Body()) > 0 {
		if err := c.Bind().JSON(&req); err != nil {
			return badRequest(c, "Invalid JSON format")
		}
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	entityType := req.EntityType
	if entityType == "" {
		entityType = models.EntityTypeListing
	}

	var entities []models.Entity

	if len(req.EntityIDs) == 0 {
		resolved, err := h.lookup.Resolve(c.Context(), rule.Scope)
		if err != nil {
			return handleServiceError(c, err)
		}

		entities = resolved
	} else {
		for _, id := range req.EntityIDs {
			entity, err := h.lookup.Get(c.Context(), entityType, id)
			if err != nil {
				return handleServiceError(c, err)
			}

			entities = append(entities, entity)
		}
	}

	tc := models.TriggerContext{EntityID: models.AllInScope, TriggerData: req.TriggerData}

	return c.JSON(fiber.Map{
		"rule_id":     rule.ID,
		"evaluations": rules.EvaluateOnly(rule, entities, tc),
	})
}

func parseLimit(c fiber.Ctx) (int, error) {
	limitStr := c.Query("limit")
	if limitStr == "" {
		return defaultListLimit, nil
	}

	limit, err := strconv.Atoi(limitStr)
	if err != nil {
		return 0, err
	}

	if limit <= 0 || limit > maxListLimit {
		return 0, strconv.ErrRange
	}

	return limit, nil
}
