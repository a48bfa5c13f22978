// Package uuid provides UUID-based correlation ids, selected with
// id.format=uuid.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator creates UUID v7 strings.
type Generator struct {
	prefix string
}

// New creates a new Generator. A non-empty prefix is prepended to every id.
func New(prefix string) *Generator {
	return &Generator{prefix: prefix}
}

// NewID returns a UUID7 string. Version 7 ids sort by creation time, which
// keeps artifact and log listings in arrival order.
func (g Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return g.prefix + id.String(), nil
}
