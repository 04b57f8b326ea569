// Package uuid generates crawl run identifiers.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator creates time-ordered UUID v7 run ids.
type Generator struct{}

// NewGenerator creates a new Generator.
func NewGenerator() *Generator {
	return &Generator{}
}

// NewRunID returns a UUID v7. Time ordering keeps run ids sortable in logs
// and progress events.
func (Generator) NewRunID() (uuid.UUID, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.Nil, fmt.Errorf("generate run id: %w", err)
	}
	return id, nil
}

// MustRunID is NewRunID for start-up paths that cannot continue without an id.
func (g Generator) MustRunID() uuid.UUID {
	id, err := g.NewRunID()
	if err != nil {
		panic(err)
	}
	return id
}
