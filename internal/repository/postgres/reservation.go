package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kirinyoku/tix-reserve/internal/domain"
	"github.com/kirinyoku/tix-reserve/internal/repository"
	"github.com/shopspring/decimal"
)

const reservationColumns = `id, user_id, event_id, status, total_price::text,
	total_quantity, created_at, updated_at, expires_at`

type ReservationRepo struct {
	pool *pgxpool.Pool
	db   DB
}

func (r *ReservationRepo) With(db DB) *ReservationRepo {
	cp := *r
	cp.db = db
	return &cp
}

func (r *ReservationRepo) handle() DB {
	if r.db != nil {
		return r.db
	}
	return r.pool
}

// Create inserts a reservation together with its line items.
//
// Parameters:
//   - ctx: request-scoped context for cancellation and timeouts.
//   - res: reservation to insert; LineItems must be non-empty.
//
// Returns:
//   - error: repository.ErrConflict if the reservation id already exists.
func (r *ReservationRepo) Create(ctx context.Context, res *domain.Reservation) error {
	const op = "postgres.ReservationRepo.Create"

	db := r.handle()

	if _, err := db.Exec(ctx,
		`INSERT INTO reservations(id, user_id, event_id, status, total_price,
		 	total_quantity, created_at, updated_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5::numeric, $6, $7, $8, $9)`,
		res.ID,
		res.UserID,
		res.EventID,
		string(res.Status),
		res.TotalPrice.String(),
		res.TotalQuantity,
		res.CreatedAt,
		res.UpdatedAt,
		res.ExpiresAt,
	); err != nil {
		return fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	batch := &pgx.Batch{}
	for _, li := range res.LineItems {
		batch.Queue(
			`INSERT INTO reserved_line_items(reservation_id, ticket_type_id, quantity)
			 VALUES ($1, $2, $3)`,
			res.ID, li.TicketTypeID, li.Quantity,
		)
	}
	if err := db.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	return nil
}

// Get loads a reservation with its line items and tickets.
//
// Returns:
//   - error: repository.ErrNotFound if the reservation does not exist.
func (r *ReservationRepo) Get(ctx context.Context, id uuid.UUID) (*domain.Reservation, error) {
	const op = "postgres.ReservationRepo.Get"

	db := r.handle()

	res, err := scanReservation(db.QueryRow(ctx,
		`SELECT `+reservationColumns+` FROM reservations WHERE id = $1`,
		id,
	))
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	if res.LineItems, err = r.lineItems(ctx, db, id); err != nil {
		return nil, fmt.Errorf("%s:%w", op, err)
	}

	if res.Tickets, err = r.tickets(ctx, db, id); err != nil {
		return nil, fmt.Errorf("%s:%w", op, err)
	}

	return res, nil
}

// GetForUpdate loads a reservation and its line items, locking the
// reservation row until the surrounding transaction ends.
//
// Returns:
//   - error: repository.ErrNotFound if the reservation does not exist.
func (r *ReservationRepo) GetForUpdate(ctx context.Context, id uuid.UUID) (*domain.Reservation, error) {
	const op = "postgres.ReservationRepo.GetForUpdate"

	db := r.handle()

	res, err := scanReservation(db.QueryRow(ctx,
		`SELECT `+reservationColumns+` FROM reservations WHERE id = $1 FOR UPDATE`,
		id,
	))
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	if res.LineItems, err = r.lineItems(ctx, db, id); err != nil {
		return nil, fmt.Errorf("%s:%w", op, err)
	}

	return res, nil
}

// Activate moves a reserved reservation to active.
//
// Returns:
//   - error: repository.ErrConflict if the reservation is missing or not reserved.
func (r *ReservationRepo) Activate(ctx context.Context, id uuid.UUID, totalQuantity int, at time.Time) error {
	const op = "postgres.ReservationRepo.Activate"

	tag, err := r.handle().Exec(ctx,
		`UPDATE reservations
		 SET status = 'active', total_quantity = $2, updated_at = $3, expires_at = NULL
		 WHERE id = $1 AND status = 'reserved'`,
		id, totalQuantity, at,
	)
	if err != nil {
		return fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s:%w", op, repository.ErrConflict)
	}

	return nil
}

func (r *ReservationRepo) DeleteLineItems(ctx context.Context, id uuid.UUID) error {
	const op = "postgres.ReservationRepo.DeleteLineItems"

	if _, err := r.handle().Exec(ctx,
		`DELETE FROM reserved_line_items WHERE reservation_id = $1`,
		id,
	); err != nil {
		return fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	return nil
}

// Delete removes a reservation that is still reserved.
//
// Returns:
//   - error: repository.ErrNotFound if no reserved reservation has this id.
func (r *ReservationRepo) Delete(ctx context.Context, id uuid.UUID) error {
	const op = "postgres.ReservationRepo.Delete"

	tag, err := r.handle().Exec(ctx,
		`DELETE FROM reservations WHERE id = $1 AND status = 'reserved'`,
		id,
	)
	if err != nil {
		return fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s:%w", op, repository.ErrNotFound)
	}

	return nil
}

func (r *ReservationRepo) CreateTickets(ctx context.Context, tickets []domain.Ticket) error {
	const op = "postgres.ReservationRepo.CreateTickets"

	if len(tickets) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, t := range tickets {
		batch.Queue(
			`INSERT INTO tickets(id, reservation_id, ticket_type_id, participant_name,
			 	participant_email, price, status, purchase_date, seat_location)
			 VALUES ($1, $2, $3, $4, $5, $6::numeric, $7, $8, $9)`,
			t.ID,
			t.ReservationID,
			t.TicketTypeID,
			t.ParticipantName,
			t.ParticipantEmail,
			t.Price.String(),
			string(t.Status),
			t.PurchaseDate,
			t.SeatLocation,
		)
	}
	if err := r.handle().SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	return nil
}

// ListExpired returns ids of reserved reservations whose expiry passed
// before the given instant, oldest first.
func (r *ReservationRepo) ListExpired(ctx context.Context, before time.Time, limit int) ([]uuid.UUID, error) {
	const op = "postgres.ReservationRepo.ListExpired"

	rows, err := r.handle().Query(ctx,
		`SELECT id FROM reservations
		 WHERE status = 'reserved' AND expires_at < $1
		 ORDER BY expires_at
		 LIMIT $2`,
		before, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("%s:%w", op, translateDBErr(err))
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s:%w", op, err)
	}

	return ids, nil
}

func (r *ReservationRepo) lineItems(ctx context.Context, db DB, id uuid.UUID) ([]domain.ReservedLineItem, error) {
	rows, err := db.Query(ctx,
		`SELECT reservation_id, ticket_type_id, quantity
		 FROM reserved_line_items
		 WHERE reservation_id = $1
		 ORDER BY ticket_type_id`,
		id,
	)
	if err != nil {
		return nil, translateDBErr(err)
	}

	defer rows.Close()

	var out []domain.ReservedLineItem
	for rows.Next() {
		var li domain.ReservedLineItem
		if err := rows.Scan(&li.ReservationID, &li.TicketTypeID, &li.Quantity); err != nil {
			return nil, translateDBErr(err)
		}
		out = append(out, li)
	}

	return out, rows.Err()
}

func (r *ReservationRepo) tickets(ctx context.Context, db DB, id uuid.UUID) ([]domain.Ticket, error) {
	rows, err := db.Query(ctx,
		`SELECT id, reservation_id, ticket_type_id, participant_name, participant_email,
		 	price::text, status, purchase_date, seat_location
		 FROM tickets
		 WHERE reservation_id = $1
		 ORDER BY ticket_type_id, id`,
		id,
	)
	if err != nil {
		return nil, translateDBErr(err)
	}

	defer rows.Close()

	var out []domain.Ticket
	for rows.Next() {
		var (
			t      domain.Ticket
			price  string
			status string
		)
		if err := rows.Scan(
			&t.ID,
			&t.ReservationID,
			&t.TicketTypeID,
			&t.ParticipantName,
			&t.ParticipantEmail,
			&price,
			&status,
			&t.PurchaseDate,
			&t.SeatLocation,
		); err != nil {
			return nil, translateDBErr(err)
		}

		if t.Price, err = decimal.NewFromString(price); err != nil {
			return nil, err
		}
		t.Status = domain.TicketStatus(status)

		out = append(out, t)
	}

	return out, rows.Err()
}

func scanReservation(row pgx.Row) (*domain.Reservation, error) {
	var (
		res    domain.Reservation
		status string
		total  string
	)

	if err := row.Scan(
		&res.ID,
		&res.UserID,
		&res.EventID,
		&status,
		&total,
		&res.TotalQuantity,
		&res.CreatedAt,
		&res.UpdatedAt,
		&res.ExpiresAt,
	); err != nil {
		return nil, err
	}

	p, err := decimal.NewFromString(total)
	if err != nil {
		return nil, fmt.Errorf("total_price %q: %w", total, err)
	}

	res.Status = domain.ReservationStatus(status)
	res.TotalPrice = p

	return &res, nil
}
