package postgres

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/kirinyoku/tix-reserve/internal/repository"
)

func translateDBErr(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, pgx.ErrNoRows) {
		return repository.ErrNotFound
	}

	var pge *pgconn.PgError
	if errors.As(err, &pge) {
		switch pge.Code {
		// unique_violation
		case "23505":
			return repository.ErrConflict
		// serialization_failure, deadlock_detected
		case "40001", "40P01":
			return fmt.Errorf("%w: %s", repository.ErrSerialization, pge.Message)
		// check_violation on the quantity columns
		case "23514":
			return fmt.Errorf("%w: %s", repository.ErrInsufficientInventory, pge.ConstraintName)
		}
	}

	return err
}
