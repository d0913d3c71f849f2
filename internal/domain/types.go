package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type ReservationStatus string

const (
	ReservationReserved ReservationStatus = "reserved"
	ReservationActive   ReservationStatus = "active"
)

type TicketStatus string

const (
	TicketActive TicketStatus = "active"
)

type Event struct {
	ID                int64
	Title             string
	MaxTicketsPerUser int
	Active            bool
	Starts            time.Time
	Ends              time.Time
}

type TicketType struct {
	ID          int64
	EventID     int64
	Description string
	UnitPrice   decimal.Decimal
	Available   int
	Reserved    int
	Active      bool
	SalesStart  *time.Time
	SalesEnd    *time.Time
}

// OnSale reports whether the type can be reserved at t.
func (tt TicketType) OnSale(t time.Time) bool {
	if !tt.Active {
		return false
	}
	if tt.SalesStart != nil && t.Before(*tt.SalesStart) {
		return false
	}
	if tt.SalesEnd != nil && t.After(*tt.SalesEnd) {
		return false
	}
	return true
}

// EventSummary is an event with its ticket types.
type EventSummary struct {
	Event       Event
	TicketTypes []TicketType
}

type ReservedLineItem struct {
	ReservationID uuid.UUID
	TicketTypeID  int64
	Quantity      int
}

type Reservation struct {
	ID            uuid.UUID
	UserID        int64
	EventID       int64
	Status        ReservationStatus
	TotalPrice    decimal.Decimal
	TotalQuantity int
	CreatedAt     time.Time
	UpdatedAt     time.Time
	ExpiresAt     *time.Time
	LineItems     []ReservedLineItem
	Tickets       []Ticket
}

type Ticket struct {
	ID               uuid.UUID
	ReservationID    uuid.UUID
	TicketTypeID     int64
	ParticipantName  string
	ParticipantEmail string
	Price            decimal.Decimal
	Status           TicketStatus
	PurchaseDate     time.Time
	SeatLocation     *string
}

// RequestedItem is one requested ticket in a reserve call.
type RequestedItem struct {
	TicketTypeID int64
}

// FinalizedItem is one confirmed ticket with its participant.
type FinalizedItem struct {
	TicketTypeID     int64
	ParticipantName  string
	ParticipantEmail string
}

type LifecycleKind string

const (
	LifecycleCreated   LifecycleKind = "reservation.created"
	LifecycleConfirmed LifecycleKind = "reservation.confirmed"
	LifecycleExpired   LifecycleKind = "reservation.expired"
)

// LifecycleEvent is published after a reservation changes state.
type LifecycleEvent struct {
	Kind          LifecycleKind `json:"kind"`
	ReservationID uuid.UUID     `json:"reservation_id"`
	UserID        int64         `json:"user_id"`
	EventID       int64         `json:"event_id"`
	TicketTypeIDs []int64       `json:"ticket_type_ids"`
	Quantity      int           `json:"quantity"`
	OccurredAt    time.Time     `json:"occurred_at"`
}
