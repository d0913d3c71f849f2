package reservation_test

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kirinyoku/tix-reserve/internal/clock"
	"github.com/kirinyoku/tix-reserve/internal/domain"
	"github.com/kirinyoku/tix-reserve/internal/repository"
	"github.com/kirinyoku/tix-reserve/internal/service/reservation"
	"github.com/kirinyoku/tix-reserve/internal/uow"
	"github.com/shopspring/decimal"
)

// fakeStore is an in-memory store. Transactions are serialized by mu and
// rolled back from a snapshot when fn fails.
type fakeStore struct {
	mu           sync.Mutex
	events       map[int64]domain.Event
	types        map[int64]domain.TicketType
	reservations map[uuid.UUID]domain.Reservation
	tickets      []domain.Ticket
	adjustErr    map[int64]error
	// beforeAdjust runs inside Adjust ahead of the guard, with mu held. It
	// stands in for a transaction that committed after the caller's reads.
	beforeAdjust func(types map[int64]domain.TicketType, id int64)
}

type fakeState struct {
	types        map[int64]domain.TicketType
	reservations map[uuid.UUID]domain.Reservation
	tickets      []domain.Ticket
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		events:       make(map[int64]domain.Event),
		types:        make(map[int64]domain.TicketType),
		reservations: make(map[uuid.UUID]domain.Reservation),
		adjustErr:    make(map[int64]error),
	}
}

func (s *fakeStore) addEvent(id int64, maxPerUser int) {
	s.events[id] = domain.Event{ID: id, Title: "Concert", MaxTicketsPerUser: maxPerUser, Active: true}
}

func (s *fakeStore) addType(id, eventID int64, price string, available int) {
	s.types[id] = domain.TicketType{
		ID:          id,
		EventID:     eventID,
		Description: "General",
		UnitPrice:   decimal.RequireFromString(price),
		Available:   available,
		Active:      true,
	}
}

func (s *fakeStore) counters(id int64) (available, reserved int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tt := s.types[id]
	return tt.Available, tt.Reserved
}

func (s *fakeStore) reservation(id uuid.UUID) (domain.Reservation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reservations[id]
	return r, ok
}

func (s *fakeStore) Do(
	ctx context.Context,
	fn func(ctx context.Context, tx repository.Tx, after func(uow.AfterCommit)) error,
) error {
	var hooks []uow.AfterCommit

	s.mu.Lock()
	snap := s.snapshot()
	if err := fn(ctx, fakeTx{s: s}, func(h uow.AfterCommit) { hooks = append(hooks, h) }); err != nil {
		s.restore(snap)
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	for _, h := range hooks {
		h(ctx)
	}
	return nil
}

// reader returns repositories that lock per call, like a pool outside a
// transaction.
func (s *fakeStore) reader() repository.Tx {
	return fakeTx{s: s, locking: true}
}

func (s *fakeStore) snapshot() fakeState {
	st := fakeState{
		types:        make(map[int64]domain.TicketType, len(s.types)),
		reservations: make(map[uuid.UUID]domain.Reservation, len(s.reservations)),
		tickets:      append([]domain.Ticket(nil), s.tickets...),
	}
	for k, v := range s.types {
		st.types[k] = v
	}
	for k, v := range s.reservations {
		st.reservations[k] = v
	}
	return st
}

func (s *fakeStore) restore(st fakeState) {
	s.types = st.types
	s.reservations = st.reservations
	s.tickets = st.tickets
}

type fakeTx struct {
	s       *fakeStore
	locking bool
}

func (t fakeTx) guard() func() {
	if !t.locking {
		return func() {}
	}
	t.s.mu.Lock()
	return t.s.mu.Unlock
}

func (t fakeTx) Admin() repository.Admin               { return nil }
func (t fakeTx) Catalog() repository.Catalog           { return t }
func (t fakeTx) Ledger() repository.Ledger             { return t }
func (t fakeTx) Reservations() repository.Reservations { return t }

func (t fakeTx) GetEvent(ctx context.Context, id int64) (*domain.Event, error) {
	defer t.guard()()
	e, ok := t.s.events[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &e, nil
}

func (t fakeTx) GetTicketType(ctx context.Context, id int64) (*domain.TicketType, error) {
	defer t.guard()()
	tt, ok := t.s.types[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &tt, nil
}

func (t fakeTx) ConfirmedTicketCount(ctx context.Context, userID, eventID int64) (int, error) {
	defer t.guard()()
	n := 0
	for _, tk := range t.s.tickets {
		r := t.s.reservations[tk.ReservationID]
		if r.UserID == userID && r.EventID == eventID && r.Status == domain.ReservationActive {
			n++
		}
	}
	return n, nil
}

func (t fakeTx) Adjust(ctx context.Context, id int64, availableDelta, reservedDelta int) (*domain.TicketType, error) {
	defer t.guard()()
	if t.s.beforeAdjust != nil {
		t.s.beforeAdjust(t.s.types, id)
	}
	tt, ok := t.s.types[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	if err := t.s.adjustErr[id]; err != nil {
		return nil, err
	}
	if tt.Available+availableDelta < 0 {
		return nil, repository.ErrInsufficientInventory
	}
	if tt.Reserved+reservedDelta < 0 {
		return nil, repository.ErrReservedUnderflow
	}
	tt.Available += availableDelta
	tt.Reserved += reservedDelta
	t.s.types[id] = tt
	return &tt, nil
}

func (t fakeTx) Create(ctx context.Context, r *domain.Reservation) error {
	defer t.guard()()
	if _, ok := t.s.reservations[r.ID]; ok {
		return repository.ErrConflict
	}
	cp := *r
	cp.LineItems = append([]domain.ReservedLineItem(nil), r.LineItems...)
	t.s.reservations[r.ID] = cp
	return nil
}

func (t fakeTx) Get(ctx context.Context, id uuid.UUID) (*domain.Reservation, error) {
	defer t.guard()()
	r, ok := t.s.reservations[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	for _, tk := range t.s.tickets {
		if tk.ReservationID == id {
			r.Tickets = append(r.Tickets, tk)
		}
	}
	return &r, nil
}

func (t fakeTx) GetForUpdate(ctx context.Context, id uuid.UUID) (*domain.Reservation, error) {
	defer t.guard()()
	r, ok := t.s.reservations[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	r.LineItems = append([]domain.ReservedLineItem(nil), r.LineItems...)
	return &r, nil
}

func (t fakeTx) Activate(ctx context.Context, id uuid.UUID, totalQuantity int, at time.Time) error {
	defer t.guard()()
	r, ok := t.s.reservations[id]
	if !ok {
		return repository.ErrNotFound
	}
	if r.Status != domain.ReservationReserved {
		return repository.ErrConflict
	}
	r.Status = domain.ReservationActive
	r.TotalQuantity = totalQuantity
	r.UpdatedAt = at
	r.ExpiresAt = nil
	t.s.reservations[id] = r
	return nil
}

func (t fakeTx) DeleteLineItems(ctx context.Context, id uuid.UUID) error {
	defer t.guard()()
	r, ok := t.s.reservations[id]
	if ok {
		r.LineItems = nil
		t.s.reservations[id] = r
	}
	return nil
}

func (t fakeTx) Delete(ctx context.Context, id uuid.UUID) error {
	defer t.guard()()
	r, ok := t.s.reservations[id]
	if !ok || r.Status != domain.ReservationReserved {
		return repository.ErrNotFound
	}
	delete(t.s.reservations, id)
	return nil
}

func (t fakeTx) CreateTickets(ctx context.Context, tickets []domain.Ticket) error {
	defer t.guard()()
	t.s.tickets = append(t.s.tickets, tickets...)
	return nil
}

func (t fakeTx) ListExpired(ctx context.Context, before time.Time, limit int) ([]uuid.UUID, error) {
	defer t.guard()()
	var rs []domain.Reservation
	for _, r := range t.s.reservations {
		if r.Status == domain.ReservationReserved && r.ExpiresAt != nil && r.ExpiresAt.Before(before) {
			rs = append(rs, r)
		}
	}
	sort.Slice(rs, func(i, j int) bool { return rs[i].ExpiresAt.Before(*rs[j].ExpiresAt) })

	var ids []uuid.UUID
	for _, r := range rs {
		if len(ids) == limit {
			break
		}
		ids = append(ids, r.ID)
	}
	return ids, nil
}

type fakeScheduler struct {
	mu        sync.Mutex
	scheduled map[uuid.UUID]time.Duration
}

func (f *fakeScheduler) ScheduleExpiry(ctx context.Context, id uuid.UUID, delay time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.scheduled == nil {
		f.scheduled = make(map[uuid.UUID]time.Duration)
	}
	f.scheduled[id] = delay
	return nil
}

func (f *fakeScheduler) delay(id uuid.UUID) (time.Duration, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.scheduled[id]
	return d, ok
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []domain.LifecycleEvent
}

func (f *fakeNotifier) Publish(ctx context.Context, ev domain.LifecycleEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeNotifier) kinds() []domain.LifecycleKind {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.LifecycleKind
	for _, ev := range f.events {
		out = append(out, ev.Kind)
	}
	return out
}

type fakeCache struct {
	mu          sync.Mutex
	invalidated []int64
}

func (f *fakeCache) InvalidateAvailability(ctx context.Context, eventID int64, ids ...int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidated = append(f.invalidated, ids...)
	return nil
}

var testNow = time.Date(2026, 5, 1, 18, 0, 0, 0, time.UTC)

type fixture struct {
	store     *fakeStore
	scheduler *fakeScheduler
	notifier  *fakeNotifier
	cache     *fakeCache
	clock     *clock.Manual
	svc       *reservation.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		store:     newFakeStore(),
		scheduler: &fakeScheduler{},
		notifier:  &fakeNotifier{},
		cache:     &fakeCache{},
		clock:     clock.NewManual(testNow),
	}
	f.svc = reservation.New(
		f.store,
		f.store.reader(),
		f.scheduler,
		f.notifier,
		f.cache,
		f.clock,
		slog.New(slog.NewTextHandler(io.Discard, nil)),
		reservation.Config{HoldTTL: 15 * time.Minute},
	)
	return f
}

func requested(ids ...int64) []domain.RequestedItem {
	items := make([]domain.RequestedItem, 0, len(ids))
	for _, id := range ids {
		items = append(items, domain.RequestedItem{TicketTypeID: id})
	}
	return items
}

func finalized(ids ...int64) []domain.FinalizedItem {
	items := make([]domain.FinalizedItem, 0, len(ids))
	for i, id := range ids {
		items = append(items, domain.FinalizedItem{
			TicketTypeID:     id,
			ParticipantName:  "Guest",
			ParticipantEmail: "guest" + string(rune('a'+i)) + "@example.com",
		})
	}
	return items
}
