package render

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrTemplateNotFound indicates no active template exists for the id.
	ErrTemplateNotFound = errors.New("template not found")

	// ErrMissingVariables indicates the caller omitted declared template variables.
	ErrMissingVariables = errors.New("missing required variables")

	// ErrCompileFailed indicates the stored template content could not be compiled.
	ErrCompileFailed = errors.New("failed to compile template")

	// ErrRenderFailed indicates executing a compiled template failed.
	ErrRenderFailed = errors.New("failed to render template")
)

// MissingVariablesError lists the declared variables absent from a render request.
type MissingVariablesError struct {
	TemplateID string
	Names      []string
}

func (e *MissingVariablesError) Error() string {
	return fmt.Sprintf("%s: [%s]", ErrMissingVariables, strings.Join(e.Names, ", "))
}

func (e *MissingVariablesError) Is(target error) bool {
	return target == ErrMissingVariables
}
