package db

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// NotFoundError reports that a lookup matched no row.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Entity, e.ID)
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// notFound converts pgx.ErrNoRows into a typed NotFoundError; other errors
// are wrapped with the operation name.
func notFound(err error, entity, id string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return &NotFoundError{Entity: entity, ID: id}
	}
	return fmt.Errorf("failed to get %s: %w", entity, err)
}
