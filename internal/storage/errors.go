package storage

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrNotFound is returned when a requested entity does not exist or is
	// not visible to the calling tenant.
	ErrNotFound = errors.New("storage: not found")

	// ErrConflict is returned when a write loses a uniqueness or state race:
	// duplicate names, a deploy against an agent that is already deploying,
	// or a version precondition that no longer holds.
	ErrConflict = errors.New("storage: conflict")

	// ErrImmutableField is returned when a write would modify a write-once
	// deployment column.
	ErrImmutableField = errors.New("storage: write-once field modified")
)

// sqlStateImmutable is raised by the deployments write-once trigger.
const sqlStateImmutable = "KB001"

// Classify maps driver errors onto the package sentinels. Errors that do
// not correspond to a sentinel are returned unchanged.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case sqlStateImmutable:
			return fmt.Errorf("%w: %s", ErrImmutableField, pgErr.Message)
		case "23505": // unique_violation
			return ErrConflict
		}
	}
	return err
}

// wrap classifies err and prefixes it with the operation name.
func wrap(op string, err error) error {
	return fmt.Errorf("storage: %s: %w", op, Classify(err))
}
