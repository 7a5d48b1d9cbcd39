package directory

import (
	"errors"
	"fmt"

	"github.com/lib/pq"
)

var (
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict indicates a uniqueness constraint was violated,
	// typically a duplicate slug or email.
	ErrConflict = errors.New("conflict")
	// ErrForbidden indicates the acting user lacks the authority for
	// the requested mutation.
	ErrForbidden = errors.New("forbidden")
	// ErrInvalid indicates the mutation would break an entity invariant.
	ErrInvalid = errors.New("invalid")
)

// uniqueViolation is the postgres error code for a unique constraint.
const uniqueViolation = "23505"

// mapDBError converts driver-level errors into the package's sentinel
// errors so callers never match on pq internals.
func mapDBError(err error, entity string) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation {
		return fmt.Errorf("%s already exists: %w", entity, ErrConflict)
	}
	return err
}
