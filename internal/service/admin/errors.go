package admin

import (
	"errors"
)

var (
	ErrInvalidEvent      = errors.New("invalid event")
	ErrInvalidTicketType = errors.New("invalid ticket type")
)
