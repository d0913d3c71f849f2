package httpgin

import (
	"time"

	"github.com/kirinyoku/tix-reserve/internal/domain"
)

type ReserveItem struct {
	TicketTypeID int64 `json:"ticket_type_id" binding:"required,gt=0"`
	Quantity     int   `json:"quantity" binding:"required,gt=0,lte=50"`
}

type ReserveRequest struct {
	UserID int64         `json:"user_id" binding:"required,gt=0"`
	Items  []ReserveItem `json:"items" binding:"required,min=1,max=50,dive"`
}

type ConfirmTicket struct {
	TicketTypeID     int64  `json:"ticket_type_id" binding:"required,gt=0"`
	ParticipantName  string `json:"participant_name" binding:"required"`
	ParticipantEmail string `json:"participant_email" binding:"required,email"`
}

type ConfirmRequest struct {
	UserID  int64           `json:"user_id" binding:"required,gt=0"`
	Tickets []ConfirmTicket `json:"tickets" binding:"required,min=1,dive"`
}

type CreateTicketTypeRequest struct {
	Description string  `json:"description" binding:"required"`
	UnitPrice   string  `json:"unit_price" binding:"required"`
	Quantity    int     `json:"quantity" binding:"gte=0"`
	SalesStart  *string `json:"sales_start"`
	SalesEnd    *string `json:"sales_end"`
}

type CreateEventRequest struct {
	Title             string                    `json:"title" binding:"required"`
	MaxTicketsPerUser int                       `json:"max_tickets_per_user" binding:"required,gt=0"`
	StartsAt          string                    `json:"starts_at" binding:"required"`
	EndsAt            string                    `json:"ends_at" binding:"required"`
	TicketTypes       []CreateTicketTypeRequest `json:"ticket_types" binding:"required,min=1,dive"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

type LineItemResponse struct {
	TicketTypeID int64 `json:"ticket_type_id"`
	Quantity     int   `json:"quantity"`
}

type TicketResponse struct {
	ID               string    `json:"id"`
	TicketTypeID     int64     `json:"ticket_type_id"`
	ParticipantName  string    `json:"participant_name"`
	ParticipantEmail string    `json:"participant_email"`
	Price            string    `json:"price"`
	Status           string    `json:"status"`
	PurchaseDate     time.Time `json:"purchase_date"`
	SeatLocation     *string   `json:"seat_location,omitempty"`
}

type ReservationResponse struct {
	ID            string             `json:"id"`
	UserID        int64              `json:"user_id"`
	EventID       int64              `json:"event_id"`
	Status        string             `json:"status"`
	TotalPrice    string             `json:"total_price"`
	TotalQuantity int                `json:"total_quantity"`
	CreatedAt     time.Time          `json:"created_at"`
	UpdatedAt     time.Time          `json:"updated_at"`
	ExpiresAt     *time.Time         `json:"expires_at"`
	LineItems     []LineItemResponse `json:"line_items,omitempty"`
	Tickets       []TicketResponse   `json:"tickets,omitempty"`
}

type TicketTypeResponse struct {
	ID          int64      `json:"id"`
	EventID     int64      `json:"event_id"`
	Description string     `json:"description"`
	UnitPrice   string     `json:"unit_price"`
	Available   int        `json:"available"`
	Reserved    int        `json:"reserved"`
	Active      bool       `json:"active"`
	SalesStart  *time.Time `json:"sales_start,omitempty"`
	SalesEnd    *time.Time `json:"sales_end,omitempty"`
}

type EventResponse struct {
	ID                int64                `json:"id"`
	Title             string               `json:"title"`
	MaxTicketsPerUser int                  `json:"max_tickets_per_user"`
	Active            bool                 `json:"active"`
	StartsAt          time.Time            `json:"starts_at"`
	EndsAt            time.Time            `json:"ends_at"`
	TicketTypes       []TicketTypeResponse `json:"ticket_types"`
}

type ConfirmedCountResponse struct {
	UserID  int64 `json:"user_id"`
	EventID int64 `json:"event_id"`
	Count   int   `json:"count"`
}

func parseRFC3339(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}

func toReservationResponse(r *domain.Reservation) ReservationResponse {
	out := ReservationResponse{
		ID:            r.ID.String(),
		UserID:        r.UserID,
		EventID:       r.EventID,
		Status:        string(r.Status),
		TotalPrice:    r.TotalPrice.StringFixed(2),
		TotalQuantity: r.TotalQuantity,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
		ExpiresAt:     r.ExpiresAt,
	}

	for _, li := range r.LineItems {
		out.LineItems = append(out.LineItems, LineItemResponse{
			TicketTypeID: li.TicketTypeID,
			Quantity:     li.Quantity,
		})
	}

	for _, t := range r.Tickets {
		out.Tickets = append(out.Tickets, TicketResponse{
			ID:               t.ID.String(),
			TicketTypeID:     t.TicketTypeID,
			ParticipantName:  t.ParticipantName,
			ParticipantEmail: t.ParticipantEmail,
			Price:            t.Price.StringFixed(2),
			Status:           string(t.Status),
			PurchaseDate:     t.PurchaseDate,
			SeatLocation:     t.SeatLocation,
		})
	}

	return out
}

func toTicketTypeResponse(tt *domain.TicketType) TicketTypeResponse {
	return TicketTypeResponse{
		ID:          tt.ID,
		EventID:     tt.EventID,
		Description: tt.Description,
		UnitPrice:   tt.UnitPrice.StringFixed(2),
		Available:   tt.Available,
		Reserved:    tt.Reserved,
		Active:      tt.Active,
		SalesStart:  tt.SalesStart,
		SalesEnd:    tt.SalesEnd,
	}
}

func toEventResponse(s *domain.EventSummary) EventResponse {
	out := EventResponse{
		ID:                s.Event.ID,
		Title:             s.Event.Title,
		MaxTicketsPerUser: s.Event.MaxTicketsPerUser,
		Active:            s.Event.Active,
		StartsAt:          s.Event.Starts,
		EndsAt:            s.Event.Ends,
		TicketTypes:       make([]TicketTypeResponse, 0, len(s.TicketTypes)),
	}

	for i := range s.TicketTypes {
		out.TicketTypes = append(out.TicketTypes, toTicketTypeResponse(&s.TicketTypes[i]))
	}

	return out
}
