package core

import (
	"errors"
	"fmt"

	"titertrack/pkg/domain"
)

// ErrNotFound is returned when a referenced record does not exist.
type ErrNotFound struct {
	Entity domain.EntityType
	ID     string
}

func (e ErrNotFound) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

var (
	// ErrAmbiguousSample is returned when a lab label resolves to more than one sample.
	ErrAmbiguousSample = errors.New("sample id matches more than one sample")
	// ErrPartialBatch is returned when batch ingestion stops at a failing row;
	// rows before it remain committed.
	ErrPartialBatch = errors.New("batch aborted")
	// ErrInvalidRecord is returned when a loosely typed titer record cannot be coerced.
	ErrInvalidRecord = errors.New("invalid titer record")
)

// IsNotFound reports whether err carries ErrNotFound.
func IsNotFound(err error) bool {
	var nf ErrNotFound
	return errors.As(err, &nf)
}
