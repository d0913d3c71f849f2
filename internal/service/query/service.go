package query

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kirinyoku/tix-reserve/internal/domain"
	"github.com/kirinyoku/tix-reserve/internal/repository"
	redisrepo "github.com/kirinyoku/tix-reserve/internal/repository/redis"
)

type Config struct {
	EventSummaryTTL time.Duration
	AvailabilityTTL time.Duration
}

// Catalog is the read side of the store used by the query service.
type Catalog interface {
	GetEvent(ctx context.Context, id int64) (*domain.Event, error)
	GetTicketType(ctx context.Context, id int64) (*domain.TicketType, error)
	ListTicketTypes(ctx context.Context, eventID int64) ([]domain.TicketType, error)
}

type Service struct {
	catalog Catalog
	cache   *redisrepo.Cache
	cfg     Config
}

func New(catalog Catalog, cache *redisrepo.Cache, cfg Config) *Service {
	if cfg.EventSummaryTTL <= 0 {
		cfg.EventSummaryTTL = 60 * time.Second
	}

	if cfg.AvailabilityTTL <= 0 {
		cfg.AvailabilityTTL = 5 * time.Second
	}

	return &Service{
		catalog: catalog,
		cache:   cache,
		cfg:     cfg,
	}
}

// GetEventSummary retrieves an event with its ticket types, utilizing a
// caching layer to improve performance.
//
// Parameters:
//   - ctx: request-scoped context.
//   - id: ID of the event to retrieve.
//
// Returns:
//   - *domain.EventSummary: the event and its ticket types.
//   - error: query.ErrEventNotFound if the event is not found.
func (s *Service) GetEventSummary(ctx context.Context, id int64) (*domain.EventSummary, error) {
	const op = "service.query.GetEventSummary"

	summary, err := redisrepo.GetOrSetJSON(
		ctx,
		s.cache,
		redisrepo.KeyEventSummary(id),
		s.cfg.EventSummaryTTL,
		func(ctx context.Context) (domain.EventSummary, error) {
			e, err := s.catalog.GetEvent(ctx, id)
			if err != nil {
				if errors.Is(err, repository.ErrNotFound) {
					return domain.EventSummary{}, ErrEventNotFound
				}

				return domain.EventSummary{}, err
			}

			types, err := s.catalog.ListTicketTypes(ctx, id)
			if err != nil {
				return domain.EventSummary{}, err
			}

			return domain.EventSummary{Event: *e, TicketTypes: types}, nil
		},
	)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &summary, nil
}

// GetTicketType retrieves a ticket type with its available and reserved
// counters. Counters are cached for a short TTL and dropped whenever a
// reservation changes them.
//
// Returns:
//   - error: query.ErrTicketTypeNotFound if the ticket type is not found.
func (s *Service) GetTicketType(ctx context.Context, id int64) (*domain.TicketType, error) {
	const op = "service.query.GetTicketType"

	tt, err := redisrepo.GetOrSetJSON(
		ctx,
		s.cache,
		redisrepo.KeyTicketTypeAvailability(id),
		s.cfg.AvailabilityTTL,
		func(ctx context.Context) (domain.TicketType, error) {
			tt, err := s.catalog.GetTicketType(ctx, id)
			if err != nil {
				if errors.Is(err, repository.ErrNotFound) {
					return domain.TicketType{}, ErrTicketTypeNotFound
				}

				return domain.TicketType{}, err
			}

			return *tt, nil
		},
	)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &tt, nil
}
