package engine

import (
	"errors"
	"fmt"

	"github.com/arelbir/quado-lite-sub003/internal/validator"
)

var (
	ErrDefinitionNotFound     = errors.New("workflow definition not found")
	ErrInstanceNotFound       = errors.New("workflow instance not found")
	ErrInstanceNotActive      = errors.New("workflow instance is not active")
	ErrAssignmentNotFound     = errors.New("step assignment not found")
	ErrAssignmentNotPending   = errors.New("step assignment is not pending")
	ErrInvalidAction          = errors.New("invalid assignment action")
	ErrInvalidDefinition      = errors.New("invalid workflow definition")
	ErrConcurrentModification = errors.New("workflow instance was modified concurrently")
)

// StructuralError carries the validation result of a graph that cannot be published.
type StructuralError struct {
	Result validator.Result
}

func (e *StructuralError) Error() string {
	return fmt.Sprintf("workflow graph has %d error(s): %s", len(e.Result.Errors), e.Result.Summary())
}

func (e *StructuralError) Is(target error) bool {
	return target == ErrInvalidDefinition
}
