package reservation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/kirinyoku/tix-reserve/internal/clock"
	"github.com/kirinyoku/tix-reserve/internal/domain"
	"github.com/kirinyoku/tix-reserve/internal/metrics"
	"github.com/kirinyoku/tix-reserve/internal/repository"
	"github.com/kirinyoku/tix-reserve/internal/uow"
	"github.com/shopspring/decimal"
)

// Transactor runs fn in one transaction and calls the registered hooks
// after commit. *uow.UoW implements it.
type Transactor interface {
	Do(ctx context.Context, fn func(ctx context.Context, tx repository.Tx, after func(uow.AfterCommit)) error) error
}

// ExpiryScheduler arranges for a reservation to be expired after delay.
// Scheduling the same reservation twice keeps a single pending expiry.
type ExpiryScheduler interface {
	ScheduleExpiry(ctx context.Context, reservationID uuid.UUID, delay time.Duration) error
}

// Notifier publishes reservation lifecycle events.
type Notifier interface {
	Publish(ctx context.Context, ev domain.LifecycleEvent) error
}

// Invalidator drops cached availability of an event and its ticket types.
type Invalidator interface {
	InvalidateAvailability(ctx context.Context, eventID int64, ticketTypeIDs ...int64) error
}

type Config struct {
	HoldTTL    time.Duration
	SweepBatch int
}

type Service struct {
	tx        Transactor
	repos     repository.Tx
	scheduler ExpiryScheduler
	notifier  Notifier
	cache     Invalidator
	clock     clock.Clock
	logger    *slog.Logger
	cfg       Config
}

// New builds the reservation service. notifier and cache may be nil.
func New(
	tx Transactor,
	repos repository.Tx,
	scheduler ExpiryScheduler,
	notifier Notifier,
	cache Invalidator,
	clk clock.Clock,
	logger *slog.Logger,
	cfg Config,
) *Service {
	if cfg.HoldTTL <= 0 {
		cfg.HoldTTL = 15 * time.Minute
	}

	if cfg.SweepBatch <= 0 {
		cfg.SweepBatch = 100
	}

	if clk == nil {
		clk = clock.NewSystem()
	}

	return &Service{
		tx:        tx,
		repos:     repos,
		scheduler: scheduler,
		notifier:  notifier,
		cache:     cache,
		clock:     clk,
		logger:    logger,
		cfg:       cfg,
	}
}

// Reserve moves the requested units from available to reserved and creates a
// reservation that expires after the hold TTL.
//
// Parameters:
//   - ctx: request-scoped context.
//   - userID: ID of the buyer.
//   - eventID: ID of the event the ticket types belong to.
//   - items: one entry per requested ticket.
//
// Returns:
//   - *domain.Reservation: the created reservation with its line items.
//   - error: reservation.ErrQuotaExceeded if the buyer would exceed the event quota.
//   - error: reservation.ErrInsufficientInventory if a ticket type cannot cover the request,
//     including when a concurrent reservation won the last units.
func (s *Service) Reserve(
	ctx context.Context,
	userID, eventID int64,
	items []domain.RequestedItem,
) (*domain.Reservation, error) {
	const op = "service.reservation.Reserve"

	res, err := s.reserve(ctx, userID, eventID, items)
	metrics.ObserveReservation("reserve", outcome(err))
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, err)
	}

	return res, nil
}

func (s *Service) reserve(
	ctx context.Context,
	userID, eventID int64,
	items []domain.RequestedItem,
) (*domain.Reservation, error) {
	if len(items) == 0 {
		return nil, ErrEmptyRequest
	}

	counts := make(map[int64]int)
	for _, it := range items {
		counts[it.TicketTypeID]++
	}
	typeIDs := sortedKeys(counts)

	var res *domain.Reservation

	err := s.tx.Do(ctx, func(
		ctx context.Context,
		tx repository.Tx,
		after func(uow.AfterCommit),
	) error {
		event, err := tx.Catalog().GetEvent(ctx, eventID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return EventNotFoundError{EventID: eventID}
			}
			return err
		}
		if !event.Active {
			return EventNotFoundError{EventID: eventID}
		}

		confirmed, err := tx.Catalog().ConfirmedTicketCount(ctx, userID, eventID)
		if err != nil {
			return err
		}
		if confirmed >= event.MaxTicketsPerUser || confirmed+len(items) > event.MaxTicketsPerUser {
			return QuotaExceededError{
				Max:       event.MaxTicketsPerUser,
				Confirmed: confirmed,
				Requested: len(items),
			}
		}

		now := s.clock.Now()

		for _, id := range typeIDs {
			tt, err := tx.Catalog().GetTicketType(ctx, id)
			if err != nil {
				if errors.Is(err, repository.ErrNotFound) {
					return TicketTypeNotFoundError{TicketTypeID: id}
				}
				return err
			}
			if tt.EventID != eventID {
				return TicketTypeNotFoundError{TicketTypeID: id}
			}
			if !tt.OnSale(now) {
				return SalesClosedError{TicketTypeID: id}
			}
			if counts[id] > tt.Available {
				return InsufficientInventoryError{
					TicketTypeID: id,
					Requested:    counts[id],
					Available:    tt.Available,
				}
			}
		}

		total := decimal.Zero
		lineItems := make([]domain.ReservedLineItem, 0, len(typeIDs))
		id := uuid.New()

		// Ascending ticket type order keeps row locks deadlock free.
		for _, ttID := range typeIDs {
			n := counts[ttID]

			tt, err := tx.Ledger().Adjust(ctx, ttID, -n, n)
			if err != nil {
				if errors.Is(err, repository.ErrInsufficientInventory) {
					return InsufficientInventoryError{TicketTypeID: ttID, Requested: n, Available: -1}
				}
				return err
			}

			total = total.Add(tt.UnitPrice.Mul(decimal.NewFromInt(int64(n))))
			lineItems = append(lineItems, domain.ReservedLineItem{
				ReservationID: id,
				TicketTypeID:  ttID,
				Quantity:      n,
			})
		}

		expiresAt := now.Add(s.cfg.HoldTTL)
		r := &domain.Reservation{
			ID:            id,
			UserID:        userID,
			EventID:       eventID,
			Status:        domain.ReservationReserved,
			TotalPrice:    total,
			TotalQuantity: len(items),
			CreatedAt:     now,
			UpdatedAt:     now,
			ExpiresAt:     &expiresAt,
			LineItems:     lineItems,
		}

		if err := tx.Reservations().Create(ctx, r); err != nil {
			return err
		}

		res = r

		after(func(ctx context.Context) {
			if err := s.scheduler.ScheduleExpiry(ctx, r.ID, s.cfg.HoldTTL); err != nil {
				s.logger.Error("schedule reservation expiry failed",
					"reservation_id", r.ID, "error", err)
			}
			metrics.AddInventoryUnits("reserved", r.TotalQuantity)
			s.changed(ctx, domain.LifecycleCreated, r, typeIDs)
		})

		return nil
	})
	if err != nil {
		if errors.Is(err, repository.ErrSerialization) {
			return nil, fmt.Errorf("%w: %v", ErrInsufficientInventory, err)
		}
		return nil, err
	}

	return res, nil
}

// Confirm turns a reserved reservation into purchased tickets, one per item.
// The finalized items must match the reserved quantities per ticket type.
//
// Returns:
//   - *domain.Reservation: the active reservation with its tickets.
//   - error: reservation.ErrReservationNotFound if the reservation is absent or already expired.
//   - error: reservation.ErrForbidden if userID does not own it.
//   - error: reservation.ErrInvalidState if it is no longer reserved.
//   - error: reservation.ErrQuantityMismatch if the items differ from what was reserved.
func (s *Service) Confirm(
	ctx context.Context,
	reservationID uuid.UUID,
	userID int64,
	items []domain.FinalizedItem,
) (*domain.Reservation, error) {
	const op = "service.reservation.Confirm"

	res, err := s.confirm(ctx, reservationID, userID, items)
	metrics.ObserveReservation("confirm", outcome(err))
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, err)
	}

	return res, nil
}

func (s *Service) confirm(
	ctx context.Context,
	reservationID uuid.UUID,
	userID int64,
	items []domain.FinalizedItem,
) (*domain.Reservation, error) {
	var res *domain.Reservation

	err := s.tx.Do(ctx, func(
		ctx context.Context,
		tx repository.Tx,
		after func(uow.AfterCommit),
	) error {
		r, err := tx.Reservations().GetForUpdate(ctx, reservationID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return ErrReservationNotFound
			}
			return err
		}

		if r.UserID != userID {
			return ErrForbidden
		}

		if r.Status != domain.ReservationReserved {
			return ErrInvalidState
		}

		reserved := make(map[int64]int)
		for _, li := range r.LineItems {
			reserved[li.TicketTypeID] += li.Quantity
		}

		purchased := make(map[int64]int)
		for _, it := range items {
			purchased[it.TicketTypeID]++
		}

		for _, id := range sortedKeys(reserved, purchased) {
			if reserved[id] != purchased[id] {
				return QuantityMismatchError{
					TicketTypeID: id,
					Reserved:     reserved[id],
					Purchased:    purchased[id],
				}
			}
		}

		now := s.clock.Now()

		if err := tx.Reservations().Activate(ctx, r.ID, len(items), now); err != nil {
			if errors.Is(err, repository.ErrConflict) {
				return ErrInvalidState
			}
			return err
		}

		if err := tx.Reservations().DeleteLineItems(ctx, r.ID); err != nil {
			return err
		}

		typeIDs := sortedKeys(purchased)
		prices := make(map[int64]decimal.Decimal, len(typeIDs))

		for _, id := range typeIDs {
			tt, err := tx.Ledger().Adjust(ctx, id, 0, -purchased[id])
			if err != nil {
				return err
			}
			prices[id] = tt.UnitPrice
		}

		tickets := make([]domain.Ticket, 0, len(items))
		for _, it := range items {
			tickets = append(tickets, domain.Ticket{
				ID:               uuid.New(),
				ReservationID:    r.ID,
				TicketTypeID:     it.TicketTypeID,
				ParticipantName:  it.ParticipantName,
				ParticipantEmail: it.ParticipantEmail,
				Price:            prices[it.TicketTypeID],
				Status:           domain.TicketActive,
				PurchaseDate:     now,
			})
		}

		if err := tx.Reservations().CreateTickets(ctx, tickets); err != nil {
			return err
		}

		r.Status = domain.ReservationActive
		r.UpdatedAt = now
		r.ExpiresAt = nil
		r.TotalQuantity = len(items)
		r.LineItems = nil
		r.Tickets = tickets

		res = r

		after(func(ctx context.Context) {
			metrics.AddInventoryUnits("sold", len(tickets))
			s.changed(ctx, domain.LifecycleConfirmed, r, typeIDs)
		})

		return nil
	})
	if err != nil {
		return nil, err
	}

	return res, nil
}

// Expire releases the units held by a reservation and deletes it. A
// reservation that is absent or no longer reserved is left alone.
func (s *Service) Expire(ctx context.Context, reservationID uuid.UUID) error {
	const op = "service.reservation.Expire"

	released, err := s.expire(ctx, reservationID)
	switch {
	case err != nil:
		metrics.ObserveReservation("expire", "error")
		return fmt.Errorf("%s:%w", op, err)
	case released:
		metrics.ObserveReservation("expire", "ok")
	default:
		metrics.ObserveReservation("expire", "noop")
	}

	return nil
}

func (s *Service) expire(ctx context.Context, reservationID uuid.UUID) (bool, error) {
	released := false

	err := s.tx.Do(ctx, func(
		ctx context.Context,
		tx repository.Tx,
		after func(uow.AfterCommit),
	) error {
		r, err := tx.Reservations().GetForUpdate(ctx, reservationID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return nil
			}
			return err
		}

		if r.Status != domain.ReservationReserved {
			return nil
		}

		held := make(map[int64]int)
		for _, li := range r.LineItems {
			held[li.TicketTypeID] += li.Quantity
		}
		typeIDs := sortedKeys(held)

		for _, id := range typeIDs {
			if _, err := tx.Ledger().Adjust(ctx, id, held[id], -held[id]); err != nil {
				return err
			}
		}

		if err := tx.Reservations().DeleteLineItems(ctx, r.ID); err != nil {
			return err
		}

		if err := tx.Reservations().Delete(ctx, r.ID); err != nil {
			return err
		}

		released = true

		after(func(ctx context.Context) {
			metrics.AddInventoryUnits("released", r.TotalQuantity)
			s.changed(ctx, domain.LifecycleExpired, r, typeIDs)
		})

		return nil
	})

	return released, err
}

// Sweep expires reservations whose hold elapsed without their delayed expiry
// running. It returns the number of reservations released.
func (s *Service) Sweep(ctx context.Context) (int, error) {
	const op = "service.reservation.Sweep"

	ids, err := s.repos.Reservations().ListExpired(ctx, s.clock.Now(), s.cfg.SweepBatch)
	if err != nil {
		return 0, fmt.Errorf("%s:%w", op, err)
	}

	var (
		n    int
		errs []error
	)
	for _, id := range ids {
		released, err := s.expire(ctx, id)
		if err != nil {
			s.logger.Error("sweep expire failed", "reservation_id", id, "error", err)
			errs = append(errs, err)
			continue
		}
		if released {
			n++
		}
	}

	metrics.AddSweepReleased(n)

	if err := errors.Join(errs...); err != nil {
		return n, fmt.Errorf("%s:%w", op, err)
	}

	return n, nil
}

// GetReservation returns a reservation owned by userID with its line items or
// tickets.
func (s *Service) GetReservation(ctx context.Context, reservationID uuid.UUID, userID int64) (*domain.Reservation, error) {
	const op = "service.reservation.GetReservation"

	r, err := s.repos.Reservations().Get(ctx, reservationID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%s:%w", op, ErrReservationNotFound)
		}
		return nil, fmt.Errorf("%s:%w", op, err)
	}

	if r.UserID != userID {
		return nil, fmt.Errorf("%s:%w", op, ErrForbidden)
	}

	return r, nil
}

// ConfirmedCount returns how many tickets userID holds for the event.
func (s *Service) ConfirmedCount(ctx context.Context, userID, eventID int64) (int, error) {
	const op = "service.reservation.ConfirmedCount"

	n, err := s.repos.Catalog().ConfirmedTicketCount(ctx, userID, eventID)
	if err != nil {
		return 0, fmt.Errorf("%s:%w", op, err)
	}

	return n, nil
}

func (s *Service) changed(
	ctx context.Context,
	kind domain.LifecycleKind,
	r *domain.Reservation,
	typeIDs []int64,
) {
	if s.cache != nil {
		if err := s.cache.InvalidateAvailability(ctx, r.EventID, typeIDs...); err != nil {
			s.logger.Warn("invalidate availability failed", "reservation_id", r.ID, "error", err)
		}
	}

	if s.notifier == nil {
		return
	}

	ev := domain.LifecycleEvent{
		Kind:          kind,
		ReservationID: r.ID,
		UserID:        r.UserID,
		EventID:       r.EventID,
		TicketTypeIDs: typeIDs,
		Quantity:      r.TotalQuantity,
		OccurredAt:    s.clock.Now(),
	}
	if err := s.notifier.Publish(ctx, ev); err != nil {
		s.logger.Warn("publish lifecycle event failed",
			"reservation_id", r.ID, "kind", kind, "error", err)
	}
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	if code := Code(err); code != "" {
		return code
	}
	return "error"
}

func sortedKeys(ms ...map[int64]int) []int64 {
	seen := make(map[int64]struct{})
	var keys []int64
	for _, m := range ms {
		for k := range m {
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
