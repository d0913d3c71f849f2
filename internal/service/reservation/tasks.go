package reservation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kirinyoku/tix-reserve/internal/domain"
	"github.com/kirinyoku/tix-reserve/internal/queue"
)

const (
	TaskReserve = "reservation.reserve"
	TaskExpire  = "reservation.expire"
)

type reservePayload struct {
	UserID        int64   `json:"user_id"`
	EventID       int64   `json:"event_id"`
	TicketTypeIDs []int64 `json:"ticket_type_ids"`
}

type expirePayload struct {
	ReservationID uuid.UUID `json:"reservation_id"`
}

// QueueScheduler schedules expiries as delayed tasks keyed by reservation id.
type QueueScheduler struct {
	pool        *queue.Pool
	maxAttempts int
}

func NewQueueScheduler(pool *queue.Pool, maxAttempts int) *QueueScheduler {
	return &QueueScheduler{pool: pool, maxAttempts: maxAttempts}
}

func (q *QueueScheduler) ScheduleExpiry(ctx context.Context, reservationID uuid.UUID, delay time.Duration) error {
	return q.pool.Schedule(ctx, TaskExpire, expirePayload{ReservationID: reservationID}, delay,
		queue.WithID("expire:"+reservationID.String()),
		queue.WithMaxAttempts(q.maxAttempts),
	)
}

// Dispatcher runs reservations through the task queue so that the number of
// concurrent reserve transactions is bounded by the pool size.
type Dispatcher struct {
	pool *queue.Pool
	svc  *Service
}

// NewDispatcher registers the reservation task handlers on pool.
func NewDispatcher(pool *queue.Pool, svc *Service) *Dispatcher {
	d := &Dispatcher{pool: pool, svc: svc}

	pool.Handle(TaskReserve, d.handleReserve)
	pool.Handle(TaskExpire, d.handleExpire)

	return d
}

// Reserve enqueues a reservation and waits for the worker outcome. Errors
// from the worker match the package sentinels.
func (d *Dispatcher) Reserve(
	ctx context.Context,
	userID, eventID int64,
	items []domain.RequestedItem,
) (*domain.Reservation, error) {
	const op = "service.reservation.Dispatcher.Reserve"

	p := reservePayload{UserID: userID, EventID: eventID}
	for _, it := range items {
		p.TicketTypeIDs = append(p.TicketTypeIDs, it.TicketTypeID)
	}

	h, err := d.pool.Enqueue(ctx, TaskReserve, p)
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, err)
	}

	raw, err := h.Wait(ctx)
	if err != nil {
		var te *queue.TaskError
		if errors.As(err, &te) {
			if rerr := FromCode(te.Code, te.Message); rerr != nil {
				return nil, fmt.Errorf("%s:%w", op, rerr)
			}
		}
		return nil, fmt.Errorf("%s:%w", op, err)
	}

	var res domain.Reservation
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("%s:%w", op, err)
	}

	return &res, nil
}

func (d *Dispatcher) handleReserve(ctx context.Context, t queue.Task) (any, error) {
	var p reservePayload
	if err := json.Unmarshal(t.Payload, &p); err != nil {
		return nil, queue.Terminal("bad_payload", err)
	}

	items := make([]domain.RequestedItem, 0, len(p.TicketTypeIDs))
	for _, id := range p.TicketTypeIDs {
		items = append(items, domain.RequestedItem{TicketTypeID: id})
	}

	res, err := d.svc.Reserve(ctx, p.UserID, p.EventID, items)
	if err != nil {
		if code := Code(err); code != "" {
			return nil, queue.Terminal(code, err)
		}
		return nil, err
	}

	return res, nil
}

func (d *Dispatcher) handleExpire(ctx context.Context, t queue.Task) (any, error) {
	var p expirePayload
	if err := json.Unmarshal(t.Payload, &p); err != nil {
		return nil, queue.Terminal("bad_payload", err)
	}

	return nil, d.svc.Expire(ctx, p.ReservationID)
}
