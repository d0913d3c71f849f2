package postgres

import (
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/kirinyoku/tix-reserve/internal/repository"
	"github.com/stretchr/testify/assert"
)

func TestTranslateDBErr(t *testing.T) {
	other := errors.New("boom")

	cases := []struct {
		name string
		in   error
		want error
	}{
		{"no rows", pgx.ErrNoRows, repository.ErrNotFound},
		{"unique", &pgconn.PgError{Code: "23505"}, repository.ErrConflict},
		{"serialization", &pgconn.PgError{Code: "40001"}, repository.ErrSerialization},
		{"deadlock", &pgconn.PgError{Code: "40P01"}, repository.ErrSerialization},
		{"check", &pgconn.PgError{Code: "23514", ConstraintName: "ticket_types_available_check"}, repository.ErrInsufficientInventory},
		{"other", other, other},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.ErrorIs(t, translateDBErr(tc.in), tc.want)
		})
	}

	assert.NoError(t, translateDBErr(nil))
}
