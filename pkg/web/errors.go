package web

import (
	"errors"

	"github.com/dukex/sellerops/pkg/jobs"
	"github.com/dukex/sellerops/pkg/persistence"
	"github.com/dukex/sellerops/pkg/services"
	"github.com/gofiber/fiber/v3"
	"github.com/moogar0880/problems"
)

func badRequest(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(400).
		WithInstance(c.Path()).
		WithType("validation_error").
		WithDetail(detail)

	return c.Status(fiber.StatusBadRequest).JSON(problem)
}

func notFound(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(404).
		WithInstance(c.Path()).
		WithType("not_found").
		WithDetail(detail)

	return c.Status(fiber.StatusNotFound).JSON(problem)
}

func conflict(c fiber.Ctx, kind, detail string) error {
	problem := problems.NewStatusProblem(409).
		WithInstance(c.Path()).
		WithType(kind).
		WithDetail(detail)

	return c.Status(fiber.StatusConflict).JSON(problem)
}

func internalError(c fiber.Ctx, err error) error {
	problem := problems.NewStatusProblem(500).
		WithInstance(c.Path()).
		WithType("internal_error").
		WithError(err)

	return c.Status(fiber.StatusInternalServerError).JSON(problem)
}

// handleServiceError maps queue, store and lookup errors to problem responses.
func handleServiceError(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, jobs.ErrInvalidPayload), errors.Is(err, jobs.ErrNoHandler):
		return badRequest(c, err.Error())

	case errors.Is(err, jobs.ErrDuplicate):
		return conflict(c, "duplicate_job", err.Error())

	case errors.Is(err, persistence.ErrJobNotCancellable):
		return conflict(c, "job_not_cancellable", "job is already finished")

	case errors.Is(err, persistence.ErrAlreadyReplayed):
		return conflict(c, "already_replayed", "dead letter was already replayed")

	case persistence.IsJobNotFound(err):
		return notFound(c, "Job not found")

	case errors.Is(err, persistence.ErrDeadLetterNotFound):
		return notFound(c, "Dead letter not found")

	case persistence.IsRuleNotFound(err):
		return notFound(c, "Rule not found")

	case errors.Is(err, persistence.ErrExecutionNotFound):
		return notFound(c, "Execution record not found")

	case services.IsNotFound(err):
		return notFound(c, err.Error())

	case services.IsValidationError(err):
		return badRequest(c, err.Error())

	default:
		return internalError(c, err)
	}
}
