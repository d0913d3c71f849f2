package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/kirinyoku/tix-reserve/internal/domain"
)

// Catalog reads events and ticket types.
type Catalog interface {
	GetEvent(ctx context.Context, id int64) (*domain.Event, error)
	GetTicketType(ctx context.Context, id int64) (*domain.TicketType, error)
	ConfirmedTicketCount(ctx context.Context, userID, eventID int64) (int, error)
}

// Admin creates catalog entries.
type Admin interface {
	CreateEvent(ctx context.Context, e *domain.Event) (int64, error)
	CreateTicketTypes(ctx context.Context, eventID int64, types []domain.TicketType) ([]int64, error)
}

// Ledger adjusts the available/reserved counters of a ticket type.
type Ledger interface {
	Adjust(ctx context.Context, ticketTypeID int64, availableDelta, reservedDelta int) (*domain.TicketType, error)
}

type Reservations interface {
	Create(ctx context.Context, r *domain.Reservation) error
	Get(ctx context.Context, id uuid.UUID) (*domain.Reservation, error)
	GetForUpdate(ctx context.Context, id uuid.UUID) (*domain.Reservation, error)
	Activate(ctx context.Context, id uuid.UUID, totalQuantity int, at time.Time) error
	DeleteLineItems(ctx context.Context, id uuid.UUID) error
	Delete(ctx context.Context, id uuid.UUID) error
	CreateTickets(ctx context.Context, tickets []domain.Ticket) error
	ListExpired(ctx context.Context, before time.Time, limit int) ([]uuid.UUID, error)
}

// Tx groups the repositories bound to one transaction.
type Tx interface {
	Admin() Admin
	Catalog() Catalog
	Ledger() Ledger
	Reservations() Reservations
}
