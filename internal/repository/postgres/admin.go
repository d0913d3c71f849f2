package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kirinyoku/tix-reserve/internal/domain"
)

type AdminRepo struct {
	pool *pgxpool.Pool
	db   DB
}

func (r *AdminRepo) With(db DB) *AdminRepo {
	cp := *r
	cp.db = db
	return &cp
}

func (r *AdminRepo) handle() DB {
	if r.db != nil {
		return r.db
	}
	return r.pool
}

func (r *AdminRepo) CreateEvent(ctx context.Context, e *domain.Event) (int64, error) {
	const op = "postgres.AdminRepo.CreateEvent"

	db := r.handle()

	var id int64
	if err := db.QueryRow(ctx,
		`INSERT INTO events(title, max_tickets_per_user, is_active, starts_at, ends_at)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id`,
		e.Title, e.MaxTicketsPerUser, e.Active, e.Starts, e.Ends,
	).Scan(&id); err != nil {
		return 0, fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	return id, nil
}

// CreateTicketTypes inserts the ticket types of an event in one batch and
// returns their ids in input order. Reserved counters start at zero.
func (r *AdminRepo) CreateTicketTypes(
	ctx context.Context,
	eventID int64,
	types []domain.TicketType,
) ([]int64, error) {
	const op = "postgres.AdminRepo.CreateTicketTypes"

	db := r.handle()

	batch := &pgx.Batch{}
	for _, tt := range types {
		batch.Queue(
			`INSERT INTO ticket_types(
			   event_id, description, unit_price, available_quantity,
			   is_active, sales_start, sales_end)
			 VALUES ($1, $2, $3::numeric, $4, $5, $6, $7)
			 RETURNING id`,
			eventID, tt.Description, tt.UnitPrice.String(), tt.Available,
			tt.Active, tt.SalesStart, tt.SalesEnd,
		)
	}

	br := db.SendBatch(ctx, batch)
	defer br.Close()

	ids := make([]int64, 0, len(types))
	for range types {
		var id int64
		if err := br.QueryRow().Scan(&id); err != nil {
			return nil, fmt.Errorf("%s:%w", op, translateDBErr(err))
		}
		ids = append(ids, id)
	}

	if err := br.Close(); err != nil {
		return nil, fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	return ids, nil
}
