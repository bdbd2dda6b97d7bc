package services

import (
	"errors"
	"fmt"
)

var (
	// Lookup errors.
	ErrEntityNotFound   = errors.New("entity not found")
	ErrTemplateNotFound = errors.New("template not found")

	// Request errors.
	ErrInvalidRequest = errors.New("invalid request")
	ErrInvalidPrice   = errors.New("invalid price")
	ErrNoCost         = errors.New("entity has no cost to derive a margin from")
)

// ServiceError wraps a collaborator failure with the operation and entity it concerns.
type ServiceError struct {
	Op       string // Operation name
	EntityID string // Entity the call was about
	Err      error  // Underlying error
}

func (e *ServiceError) Error() string {
	if e.EntityID == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}

	return fmt.Sprintf("%s %s: %v", e.Op, e.EntityID, e.Err)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

func (e *ServiceError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

func NewServiceError(op, entityID string, err error) *ServiceError {
	return &ServiceError{
		Op:       op,
		EntityID: entityID,
		Err:      err,
	}
}

// IsNotFound reports whether a lookup missed.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrEntityNotFound) ||
		errors.Is(err, ErrTemplateNotFound)
}

// IsValidationError reports whether the caller sent something unusable.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, ErrInvalidPrice) ||
		errors.Is(err, ErrNoCost)
}
