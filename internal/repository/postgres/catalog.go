package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kirinyoku/tix-reserve/internal/domain"
)

type CatalogRepo struct {
	pool *pgxpool.Pool
	db   DB
}

func (r *CatalogRepo) With(db DB) *CatalogRepo {
	cp := *r
	cp.db = db
	return &cp
}

func (r *CatalogRepo) handle() DB {
	if r.db != nil {
		return r.db
	}
	return r.pool
}

// GetEvent retrieves an event by its ID.
//
// Parameters:
//   - ctx: request-scoped context for cancellation and timeouts.
//   - id: unique identifier of the event to retrieve.
//
// Returns:
//   - *domain.Event: the event when found.
//   - error: repository.ErrNotFound if the event is not found.
func (r *CatalogRepo) GetEvent(ctx context.Context, id int64) (*domain.Event, error) {
	const op = "postgres.CatalogRepo.GetEvent"

	db := r.handle()

	var e domain.Event
	err := db.QueryRow(ctx,
		`SELECT id, title, max_tickets_per_user, is_active, starts_at, ends_at
		 FROM events WHERE id = $1`,
		id,
	).Scan(&e.ID, &e.Title, &e.MaxTicketsPerUser, &e.Active, &e.Starts, &e.Ends)
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	return &e, nil
}

// GetTicketType retrieves a ticket type with its current counters.
//
// Returns:
//   - error: repository.ErrNotFound if the ticket type is not found.
func (r *CatalogRepo) GetTicketType(ctx context.Context, id int64) (*domain.TicketType, error) {
	const op = "postgres.CatalogRepo.GetTicketType"

	tt, err := scanTicketType(r.handle().QueryRow(ctx,
		`SELECT `+ticketTypeColumns+` FROM ticket_types WHERE id = $1`,
		id,
	))
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	return tt, nil
}

// ListTicketTypes returns all ticket types of an event ordered by id.
func (r *CatalogRepo) ListTicketTypes(ctx context.Context, eventID int64) ([]domain.TicketType, error) {
	const op = "postgres.CatalogRepo.ListTicketTypes"

	rows, err := r.handle().Query(ctx,
		`SELECT `+ticketTypeColumns+`
		 FROM ticket_types WHERE event_id = $1
		 ORDER BY id`,
		eventID,
	)
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	defer rows.Close()

	var out []domain.TicketType
	for rows.Next() {
		tt, err := scanTicketType(rows)
		if err != nil {
			return nil, fmt.Errorf("%s:%w", op, translateDBErr(err))
		}
		out = append(out, *tt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s:%w", op, err)
	}

	return out, nil
}

// ConfirmedTicketCount counts the tickets a user holds for an event across
// all of the user's reservations.
func (r *CatalogRepo) ConfirmedTicketCount(ctx context.Context, userID, eventID int64) (int, error) {
	const op = "postgres.CatalogRepo.ConfirmedTicketCount"

	var n int
	err := r.handle().QueryRow(ctx,
		`SELECT COUNT(t.id)
		 FROM tickets t
		 JOIN reservations r ON r.id = t.reservation_id
		 WHERE r.user_id = $1 AND r.event_id = $2`,
		userID, eventID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	return n, nil
}
