// Package uuid provides job id and execution handle generation.
package uuid

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/JakeFAU/media-fetcher/internal/download"
)

// Generator creates time-ordered UUID v7 values.
type Generator struct{}

// New creates a new Generator.
func New() *Generator {
	return &Generator{}
}

// NewID returns a UUID7 job id.
func (Generator) NewID() (uuid.UUID, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.Nil, fmt.Errorf("generate uuid7: %w", err)
	}
	return id, nil
}

// NewHandle returns an opaque execution handle. Handles use random v4 ids
// so they never collide with job ids.
func (Generator) NewHandle() (download.Handle, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate uuid4: %w", err)
	}
	return download.Handle("exec-" + id.String()), nil
}
