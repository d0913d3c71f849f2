package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kirinyoku/tix-reserve/internal/domain"
	"github.com/kirinyoku/tix-reserve/internal/repository"
	"github.com/shopspring/decimal"
)

const ticketTypeColumns = `id, event_id, description, unit_price::text,
	available_quantity, reserved_quantity, is_active, sales_start, sales_end`

type LedgerRepo struct {
	pool *pgxpool.Pool
	db   DB
}

func (r *LedgerRepo) With(db DB) *LedgerRepo {
	cp := *r
	cp.db = db
	return &cp
}

func (r *LedgerRepo) handle() DB {
	if r.db != nil {
		return r.db
	}
	return r.pool
}

// Adjust applies both deltas to a single ticket type row in one conditional
// UPDATE. The row lock taken by the UPDATE serializes concurrent adjustments,
// and the guard is re-evaluated against the latest committed counters.
//
// Parameters:
//   - ctx: request-scoped context for cancellation and timeouts.
//   - ticketTypeID: ticket type whose counters change.
//   - availableDelta: signed change of available_quantity.
//   - reservedDelta: signed change of reserved_quantity.
//
// Returns:
//   - *domain.TicketType: the row after the change.
//   - error: repository.ErrNotFound if the ticket type does not exist.
//   - error: repository.ErrInsufficientInventory if available would go negative.
//   - error: repository.ErrReservedUnderflow if reserved would go negative.
func (r *LedgerRepo) Adjust(
	ctx context.Context,
	ticketTypeID int64,
	availableDelta, reservedDelta int,
) (*domain.TicketType, error) {
	const op = "postgres.LedgerRepo.Adjust"

	db := r.handle()

	tt, err := scanTicketType(db.QueryRow(ctx,
		`UPDATE ticket_types
		 SET available_quantity = available_quantity + $2,
		     reserved_quantity = reserved_quantity + $3
		 WHERE id = $1
		   AND available_quantity + $2 >= 0
		   AND reserved_quantity + $3 >= 0
		 RETURNING `+ticketTypeColumns,
		ticketTypeID, availableDelta, reservedDelta,
	))
	if err == nil {
		return tt, nil
	}

	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	// The guard rejected the update or the row is missing.
	var available, reserved int
	if err := db.QueryRow(ctx,
		`SELECT available_quantity, reserved_quantity
		 FROM ticket_types WHERE id = $1`,
		ticketTypeID,
	).Scan(&available, &reserved); err != nil {
		return nil, fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	if available+availableDelta < 0 {
		return nil, fmt.Errorf("%s:%w", op, repository.ErrInsufficientInventory)
	}

	return nil, fmt.Errorf("%s:%w", op, repository.ErrReservedUnderflow)
}

func scanTicketType(row pgx.Row) (*domain.TicketType, error) {
	var (
		tt    domain.TicketType
		price string
	)

	if err := row.Scan(
		&tt.ID,
		&tt.EventID,
		&tt.Description,
		&price,
		&tt.Available,
		&tt.Reserved,
		&tt.Active,
		&tt.SalesStart,
		&tt.SalesEnd,
	); err != nil {
		return nil, err
	}

	p, err := decimal.NewFromString(price)
	if err != nil {
		return nil, fmt.Errorf("unit_price %q: %w", price, err)
	}
	tt.UnitPrice = p

	return &tt, nil
}
