package admin

import (
	"context"
	"fmt"

	"github.com/kirinyoku/tix-reserve/internal/domain"
	"github.com/kirinyoku/tix-reserve/internal/repository"
	"github.com/kirinyoku/tix-reserve/internal/service/reservation"
	"github.com/kirinyoku/tix-reserve/internal/uow"
)

type Service struct {
	tx    reservation.Transactor
	cache reservation.Invalidator
}

func New(tx reservation.Transactor, cache reservation.Invalidator) *Service {
	return &Service{tx: tx, cache: cache}
}

// CreateEvent creates an event together with its ticket types in one
// transaction.
//
// Parameters:
//   - ctx: request-scoped context.
//   - event: the event to create; its ID is ignored.
//   - types: ticket types to put on sale; IDs and reserved counters are ignored.
//
// Returns:
//   - *domain.EventSummary: the created event and ticket types with their IDs.
//   - error: admin.ErrInvalidEvent or admin.ErrInvalidTicketType on bad input.
func (s *Service) CreateEvent(
	ctx context.Context,
	event domain.Event,
	types []domain.TicketType,
) (*domain.EventSummary, error) {
	const op = "service.admin.CreateEvent"

	if err := validate(event, types); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	var summary domain.EventSummary

	err := s.tx.Do(ctx, func(
		ctx context.Context,
		tx repository.Tx,
		after func(uow.AfterCommit),
	) error {
		id, err := tx.Admin().CreateEvent(ctx, &event)
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		event.ID = id

		ids, err := tx.Admin().CreateTicketTypes(ctx, id, types)
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}

		created := make([]domain.TicketType, len(types))
		for i, tt := range types {
			tt.ID = ids[i]
			tt.EventID = id
			tt.Reserved = 0
			created[i] = tt
		}

		summary = domain.EventSummary{Event: event, TicketTypes: created}

		after(func(ctx context.Context) {
			if s.cache != nil {
				_ = s.cache.InvalidateAvailability(ctx, id, ids...)
			}
		})

		return nil
	})
	if err != nil {
		return nil, err
	}

	return &summary, nil
}

func validate(event domain.Event, types []domain.TicketType) error {
	if event.Title == "" {
		return fmt.Errorf("%w: title is required", ErrInvalidEvent)
	}

	if event.MaxTicketsPerUser <= 0 {
		return fmt.Errorf("%w: max tickets per user must be positive", ErrInvalidEvent)
	}

	if !event.Ends.After(event.Starts) {
		return fmt.Errorf("%w: event must end after it starts", ErrInvalidEvent)
	}

	if len(types) == 0 {
		return fmt.Errorf("%w: at least one ticket type is required", ErrInvalidTicketType)
	}

	for i, tt := range types {
		switch {
		case tt.Description == "":
			return fmt.Errorf("%w: #%d: description is required", ErrInvalidTicketType, i)
		case tt.UnitPrice.IsNegative():
			return fmt.Errorf("%w: #%d: price must not be negative", ErrInvalidTicketType, i)
		case tt.Available < 0:
			return fmt.Errorf("%w: #%d: quantity must not be negative", ErrInvalidTicketType, i)
		case tt.SalesStart != nil && tt.SalesEnd != nil && !tt.SalesEnd.After(*tt.SalesStart):
			return fmt.Errorf("%w: #%d: sales must end after they start", ErrInvalidTicketType, i)
		}
	}

	return nil
}
