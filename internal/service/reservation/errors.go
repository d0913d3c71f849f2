package reservation

import (
	"errors"
	"fmt"
)

var (
	ErrEmptyRequest          = errors.New("no tickets requested")
	ErrEventNotFound         = errors.New("event not found")
	ErrTicketTypeNotFound    = errors.New("ticket type not found")
	ErrReservationNotFound   = errors.New("reservation not found")
	ErrForbidden             = errors.New("reservation belongs to another user")
	ErrQuotaExceeded         = errors.New("ticket quota exceeded")
	ErrInsufficientInventory = errors.New("insufficient inventory")
	ErrInvalidState          = errors.New("reservation is not reserved")
	ErrQuantityMismatch      = errors.New("quantity mismatch")
	ErrSalesClosed           = errors.New("ticket sales closed")
)

type EventNotFoundError struct {
	EventID int64
}

func (e EventNotFoundError) Error() string {
	return fmt.Sprintf("event not found: %d", e.EventID)
}

func (e EventNotFoundError) Unwrap() error { return ErrEventNotFound }

type TicketTypeNotFoundError struct {
	TicketTypeID int64
}

func (e TicketTypeNotFoundError) Error() string {
	return fmt.Sprintf("ticket type not found: %d", e.TicketTypeID)
}

func (e TicketTypeNotFoundError) Unwrap() error { return ErrTicketTypeNotFound }

type SalesClosedError struct {
	TicketTypeID int64
}

func (e SalesClosedError) Error() string {
	return fmt.Sprintf("ticket type %d is not on sale", e.TicketTypeID)
}

func (e SalesClosedError) Unwrap() error { return ErrSalesClosed }

type QuotaExceededError struct {
	Max       int
	Confirmed int
	Requested int
}

func (e QuotaExceededError) Error() string {
	return fmt.Sprintf(
		"ticket quota exceeded: max %d, confirmed %d, requested %d",
		e.Max, e.Confirmed, e.Requested,
	)
}

func (e QuotaExceededError) Unwrap() error { return ErrQuotaExceeded }

// InsufficientInventoryError reports the first ticket type that could not
// cover the request. Available is -1 when a concurrent reservation took the
// units after they were checked.
type InsufficientInventoryError struct {
	TicketTypeID int64
	Requested    int
	Available    int
}

func (e InsufficientInventoryError) Error() string {
	if e.Available < 0 {
		return fmt.Sprintf("insufficient inventory for ticket type %d", e.TicketTypeID)
	}
	return fmt.Sprintf(
		"insufficient inventory for ticket type %d: requested %d, available %d",
		e.TicketTypeID, e.Requested, e.Available,
	)
}

func (e InsufficientInventoryError) Unwrap() error { return ErrInsufficientInventory }

type QuantityMismatchError struct {
	TicketTypeID int64
	Reserved     int
	Purchased    int
}

func (e QuantityMismatchError) Error() string {
	return fmt.Sprintf(
		"quantity mismatch for ticket type %d: reserved %d, purchased %d",
		e.TicketTypeID, e.Reserved, e.Purchased,
	)
}

func (e QuantityMismatchError) Unwrap() error { return ErrQuantityMismatch }

// codes are stable identifiers for errors that cross the task queue.
var codes = []struct {
	code string
	err  error
}{
	{"empty_request", ErrEmptyRequest},
	{"event_not_found", ErrEventNotFound},
	{"ticket_type_not_found", ErrTicketTypeNotFound},
	{"reservation_not_found", ErrReservationNotFound},
	{"forbidden", ErrForbidden},
	{"quota_exceeded", ErrQuotaExceeded},
	{"insufficient_inventory", ErrInsufficientInventory},
	{"invalid_state", ErrInvalidState},
	{"quantity_mismatch", ErrQuantityMismatch},
	{"sales_closed", ErrSalesClosed},
}

// Code returns the stable code of a reservation error, or "" for errors
// that are not part of the reservation taxonomy.
func Code(err error) string {
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return ""
}

// remoteError carries the message produced by another process while
// matching the local sentinel.
type remoteError struct {
	sentinel error
	msg      string
}

func (e remoteError) Error() string { return e.msg }

func (e remoteError) Unwrap() error { return e.sentinel }

// FromCode rebuilds an error returned by Code. Unknown codes yield nil.
func FromCode(code, msg string) error {
	for _, c := range codes {
		if c.code == code {
			if msg == "" {
				return c.err
			}
			return remoteError{sentinel: c.err, msg: msg}
		}
	}
	return nil
}
