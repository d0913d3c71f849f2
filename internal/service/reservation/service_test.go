package reservation_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kirinyoku/tix-reserve/internal/domain"
	"github.com/kirinyoku/tix-reserve/internal/repository"
	"github.com/kirinyoku/tix-reserve/internal/service/reservation"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReserve(t *testing.T) {
	ctx := context.Background()

	t.Run("mixed ticket types", func(t *testing.T) {
		f := newFixture(t)
		f.store.addEvent(1, 5)
		f.store.addType(10, 1, "50.00", 10)
		f.store.addType(11, 1, "30.00", 10)

		res, err := f.svc.Reserve(ctx, 7, 1, requested(10, 11, 10))
		require.NoError(t, err)

		assert.Equal(t, domain.ReservationReserved, res.Status)
		assert.Equal(t, 3, res.TotalQuantity)
		assert.True(t, decimal.RequireFromString("130").Equal(res.TotalPrice), res.TotalPrice.String())
		require.NotNil(t, res.ExpiresAt)
		assert.Equal(t, testNow.Add(15*time.Minute), *res.ExpiresAt)
		assert.Equal(t, []domain.ReservedLineItem{
			{ReservationID: res.ID, TicketTypeID: 10, Quantity: 2},
			{ReservationID: res.ID, TicketTypeID: 11, Quantity: 1},
		}, res.LineItems)

		available, reserved := f.store.counters(10)
		assert.Equal(t, 8, available)
		assert.Equal(t, 2, reserved)

		available, reserved = f.store.counters(11)
		assert.Equal(t, 9, available)
		assert.Equal(t, 1, reserved)

		delay, ok := f.scheduler.delay(res.ID)
		require.True(t, ok)
		assert.Equal(t, 15*time.Minute, delay)

		assert.Equal(t, []domain.LifecycleKind{domain.LifecycleCreated}, f.notifier.kinds())
		assert.ElementsMatch(t, []int64{10, 11}, f.cache.invalidated)
	})

	t.Run("empty request", func(t *testing.T) {
		f := newFixture(t)
		f.store.addEvent(1, 5)

		_, err := f.svc.Reserve(ctx, 7, 1, nil)
		require.ErrorIs(t, err, reservation.ErrEmptyRequest)
	})

	t.Run("missing event", func(t *testing.T) {
		f := newFixture(t)

		_, err := f.svc.Reserve(ctx, 7, 99, requested(10))
		require.ErrorIs(t, err, reservation.ErrEventNotFound)
	})

	t.Run("inactive event", func(t *testing.T) {
		f := newFixture(t)
		f.store.addEvent(1, 5)
		e := f.store.events[1]
		e.Active = false
		f.store.events[1] = e
		f.store.addType(10, 1, "10", 10)

		_, err := f.svc.Reserve(ctx, 7, 1, requested(10))
		require.ErrorIs(t, err, reservation.ErrEventNotFound)
	})

	t.Run("ticket type of another event", func(t *testing.T) {
		f := newFixture(t)
		f.store.addEvent(1, 5)
		f.store.addEvent(2, 5)
		f.store.addType(20, 2, "10", 10)

		_, err := f.svc.Reserve(ctx, 7, 1, requested(20))

		var nf reservation.TicketTypeNotFoundError
		require.ErrorAs(t, err, &nf)
		assert.Equal(t, int64(20), nf.TicketTypeID)
		assert.ErrorIs(t, err, reservation.ErrTicketTypeNotFound)
	})

	t.Run("unknown ticket type", func(t *testing.T) {
		f := newFixture(t)
		f.store.addEvent(1, 5)

		_, err := f.svc.Reserve(ctx, 7, 1, requested(404))
		require.ErrorIs(t, err, reservation.ErrTicketTypeNotFound)
	})

	t.Run("sales window closed", func(t *testing.T) {
		f := newFixture(t)
		f.store.addEvent(1, 5)
		f.store.addType(10, 1, "10", 10)
		tt := f.store.types[10]
		end := testNow.Add(-time.Hour)
		tt.SalesEnd = &end
		f.store.types[10] = tt

		_, err := f.svc.Reserve(ctx, 7, 1, requested(10))
		require.ErrorIs(t, err, reservation.ErrSalesClosed)
	})

	t.Run("insufficient inventory leaves counters untouched", func(t *testing.T) {
		f := newFixture(t)
		f.store.addEvent(1, 5)
		f.store.addType(10, 1, "10", 5)
		f.store.addType(11, 1, "10", 1)

		_, err := f.svc.Reserve(ctx, 7, 1, requested(10, 11, 11))

		var ie reservation.InsufficientInventoryError
		require.ErrorAs(t, err, &ie)
		assert.Equal(t, int64(11), ie.TicketTypeID)
		assert.Equal(t, 2, ie.Requested)
		assert.Equal(t, 1, ie.Available)

		available, reserved := f.store.counters(10)
		assert.Equal(t, 5, available)
		assert.Zero(t, reserved)
		assert.Empty(t, f.store.reservations)
		assert.Empty(t, f.notifier.kinds())
	})

	t.Run("concurrency failure rolls back and reports insufficient inventory", func(t *testing.T) {
		f := newFixture(t)
		f.store.addEvent(1, 5)
		f.store.addType(10, 1, "10", 5)
		f.store.addType(11, 1, "10", 5)
		f.store.adjustErr[11] = repository.ErrSerialization

		_, err := f.svc.Reserve(ctx, 7, 1, requested(10, 11))
		require.ErrorIs(t, err, reservation.ErrInsufficientInventory)

		available, reserved := f.store.counters(10)
		assert.Equal(t, 5, available)
		assert.Zero(t, reserved)
	})
}

func TestReserve_Quota(t *testing.T) {
	ctx := context.Background()

	f := newFixture(t)
	f.store.addEvent(1, 4)
	f.store.addType(10, 1, "10", 20)

	res, err := f.svc.Reserve(ctx, 7, 1, requested(10, 10, 10))
	require.NoError(t, err)
	_, err = f.svc.Confirm(ctx, res.ID, 7, finalized(10, 10, 10))
	require.NoError(t, err)

	_, err = f.svc.Reserve(ctx, 7, 1, requested(10, 10))
	var qe reservation.QuotaExceededError
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, reservation.QuotaExceededError{Max: 4, Confirmed: 3, Requested: 2}, qe)

	res, err = f.svc.Reserve(ctx, 7, 1, requested(10))
	require.NoError(t, err)
	_, err = f.svc.Confirm(ctx, res.ID, 7, finalized(10))
	require.NoError(t, err)

	_, err = f.svc.Reserve(ctx, 7, 1, requested(10))
	require.ErrorIs(t, err, reservation.ErrQuotaExceeded)

	// Another buyer is not affected.
	_, err = f.svc.Reserve(ctx, 8, 1, requested(10))
	require.NoError(t, err)
}

// The fake serializes whole transactions, so this checks the service's
// bookkeeping under parallel callers. The row-level race on the last units
// is covered by TestLedgerRepo_Adjust_ConcurrentLastUnits against Postgres.
func TestReserve_NoOversellUnderConcurrency(t *testing.T) {
	ctx := context.Background()

	f := newFixture(t)
	f.store.addEvent(1, 5)
	f.store.addType(10, 1, "10", 5)

	const buyers = 20

	var (
		wg         sync.WaitGroup
		mu         sync.Mutex
		ok         int
		rejected   int
		unexpected []error
	)
	for i := 0; i < buyers; i++ {
		wg.Add(1)
		go func(user int64) {
			defer wg.Done()
			_, err := f.svc.Reserve(ctx, user, 1, requested(10))

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, reservation.ErrInsufficientInventory):
				rejected++
			default:
				unexpected = append(unexpected, err)
			}
		}(int64(i + 1))
	}
	wg.Wait()

	assert.Empty(t, unexpected)
	assert.Equal(t, 5, ok)
	assert.Equal(t, buyers-5, rejected)

	available, reserved := f.store.counters(10)
	assert.Zero(t, available)
	assert.Equal(t, 5, reserved)
}

func TestReserve_LedgerGuardWinsOverStaleRead(t *testing.T) {
	ctx := context.Background()

	f := newFixture(t)
	f.store.addEvent(1, 5)
	f.store.addType(10, 1, "10", 2)

	// Another buyer takes the last units after the availability check.
	f.store.beforeAdjust = func(types map[int64]domain.TicketType, id int64) {
		tt := types[id]
		tt.Reserved += tt.Available
		tt.Available = 0
		types[id] = tt
	}

	_, err := f.svc.Reserve(ctx, 7, 1, requested(10, 10))
	require.ErrorIs(t, err, reservation.ErrInsufficientInventory)

	var insufficient reservation.InsufficientInventoryError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, int64(10), insufficient.TicketTypeID)
	assert.Equal(t, -1, insufficient.Available)

	assert.Empty(t, f.notifier.kinds())
	assert.Empty(t, f.scheduler.scheduled)
	assert.Empty(t, f.store.reservations)
}

func TestConfirm(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T) (*fixture, *domain.Reservation) {
		f := newFixture(t)
		f.store.addEvent(1, 5)
		f.store.addType(10, 1, "50", 10)
		f.store.addType(11, 1, "30", 10)

		res, err := f.svc.Reserve(ctx, 7, 1, requested(10, 10, 11))
		require.NoError(t, err)
		return f, res
	}

	t.Run("retires reserved units", func(t *testing.T) {
		f, res := setup(t)
		f.clock.Advance(time.Minute)

		// Price changes between reserve and confirm are picked up by tickets.
		tt := f.store.types[11]
		tt.UnitPrice = decimal.RequireFromString("35")
		f.store.types[11] = tt

		out, err := f.svc.Confirm(ctx, res.ID, 7, finalized(10, 11, 10))
		require.NoError(t, err)

		assert.Equal(t, domain.ReservationActive, out.Status)
		assert.Nil(t, out.ExpiresAt)
		assert.Equal(t, 3, out.TotalQuantity)
		assert.Empty(t, out.LineItems)
		assert.Equal(t, testNow.Add(time.Minute), out.UpdatedAt)
		require.Len(t, out.Tickets, 3)

		for _, tk := range out.Tickets {
			assert.Equal(t, domain.TicketActive, tk.Status)
			assert.Equal(t, res.ID, tk.ReservationID)
			assert.Equal(t, testNow.Add(time.Minute), tk.PurchaseDate)
			switch tk.TicketTypeID {
			case 10:
				assert.True(t, decimal.NewFromInt(50).Equal(tk.Price))
			case 11:
				assert.True(t, decimal.NewFromInt(35).Equal(tk.Price))
			}
		}

		available, reserved := f.store.counters(10)
		assert.Equal(t, 8, available)
		assert.Zero(t, reserved)

		available, reserved = f.store.counters(11)
		assert.Equal(t, 9, available)
		assert.Zero(t, reserved)

		n, err := f.svc.ConfirmedCount(ctx, 7, 1)
		require.NoError(t, err)
		assert.Equal(t, 3, n)

		assert.Equal(t, []domain.LifecycleKind{domain.LifecycleCreated, domain.LifecycleConfirmed}, f.notifier.kinds())
	})

	t.Run("twice fails with invalid state", func(t *testing.T) {
		f, res := setup(t)

		_, err := f.svc.Confirm(ctx, res.ID, 7, finalized(10, 10, 11))
		require.NoError(t, err)

		_, err = f.svc.Confirm(ctx, res.ID, 7, finalized(10, 10, 11))
		require.ErrorIs(t, err, reservation.ErrInvalidState)

		n, err := f.svc.ConfirmedCount(ctx, 7, 1)
		require.NoError(t, err)
		assert.Equal(t, 3, n)
	})

	mismatches := []struct {
		name  string
		items []domain.FinalizedItem
		want  reservation.QuantityMismatchError
	}{
		{"fewer tickets", finalized(10, 11), reservation.QuantityMismatchError{TicketTypeID: 10, Reserved: 2, Purchased: 1}},
		{"more tickets", finalized(10, 10, 11, 11), reservation.QuantityMismatchError{TicketTypeID: 11, Reserved: 1, Purchased: 2}},
		{"unreserved type", finalized(10, 10, 11, 12), reservation.QuantityMismatchError{TicketTypeID: 12, Reserved: 0, Purchased: 1}},
		{"no tickets", nil, reservation.QuantityMismatchError{TicketTypeID: 10, Reserved: 2, Purchased: 0}},
	}
	for _, tc := range mismatches {
		t.Run(tc.name, func(t *testing.T) {
			f, res := setup(t)

			_, err := f.svc.Confirm(ctx, res.ID, 7, tc.items)

			var me reservation.QuantityMismatchError
			require.ErrorAs(t, err, &me)
			assert.Equal(t, tc.want, me)

			r, ok := f.store.reservation(res.ID)
			require.True(t, ok)
			assert.Equal(t, domain.ReservationReserved, r.Status)
			assert.Len(t, r.LineItems, 2)

			_, reserved := f.store.counters(10)
			assert.Equal(t, 2, reserved)
		})
	}

	t.Run("other user is forbidden", func(t *testing.T) {
		f, res := setup(t)

		_, err := f.svc.Confirm(ctx, res.ID, 8, finalized(10, 10, 11))
		require.ErrorIs(t, err, reservation.ErrForbidden)
	})

	t.Run("unknown reservation", func(t *testing.T) {
		f, _ := setup(t)

		_, err := f.svc.Confirm(ctx, uuid.New(), 7, finalized(10))
		require.ErrorIs(t, err, reservation.ErrReservationNotFound)
	})

	t.Run("after expiry", func(t *testing.T) {
		f, res := setup(t)

		require.NoError(t, f.svc.Expire(ctx, res.ID))

		_, err := f.svc.Confirm(ctx, res.ID, 7, finalized(10, 10, 11))
		require.ErrorIs(t, err, reservation.ErrReservationNotFound)
	})
}

func TestExpire(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T) (*fixture, *domain.Reservation) {
		f := newFixture(t)
		f.store.addEvent(1, 5)
		f.store.addType(10, 1, "50", 10)
		f.store.addType(11, 1, "30", 10)

		res, err := f.svc.Reserve(ctx, 7, 1, requested(10, 10, 11))
		require.NoError(t, err)
		return f, res
	}

	t.Run("restores counters", func(t *testing.T) {
		f, res := setup(t)

		require.NoError(t, f.svc.Expire(ctx, res.ID))

		for _, id := range []int64{10, 11} {
			available, reserved := f.store.counters(id)
			assert.Equal(t, 10, available)
			assert.Zero(t, reserved)
		}

		_, ok := f.store.reservation(res.ID)
		assert.False(t, ok)
		assert.Equal(t, []domain.LifecycleKind{domain.LifecycleCreated, domain.LifecycleExpired}, f.notifier.kinds())
	})

	t.Run("twice is a no-op", func(t *testing.T) {
		f, res := setup(t)

		require.NoError(t, f.svc.Expire(ctx, res.ID))
		require.NoError(t, f.svc.Expire(ctx, res.ID))

		available, _ := f.store.counters(10)
		assert.Equal(t, 10, available)
	})

	t.Run("after confirm is a no-op", func(t *testing.T) {
		f, res := setup(t)

		_, err := f.svc.Confirm(ctx, res.ID, 7, finalized(10, 10, 11))
		require.NoError(t, err)

		require.NoError(t, f.svc.Expire(ctx, res.ID))

		available, reserved := f.store.counters(10)
		assert.Equal(t, 8, available)
		assert.Zero(t, reserved)

		r, ok := f.store.reservation(res.ID)
		require.True(t, ok)
		assert.Equal(t, domain.ReservationActive, r.Status)
	})

	t.Run("storage failure is returned", func(t *testing.T) {
		f, res := setup(t)
		f.store.adjustErr[11] = errors.New("connection reset")

		err := f.svc.Expire(ctx, res.ID)
		require.Error(t, err)

		available, reserved := f.store.counters(10)
		assert.Equal(t, 8, available)
		assert.Equal(t, 2, reserved)

		_, ok := f.store.reservation(res.ID)
		assert.True(t, ok)
	})
}

func TestSweep(t *testing.T) {
	ctx := context.Background()

	f := newFixture(t)
	f.store.addEvent(1, 5)
	f.store.addType(10, 1, "10", 10)

	stale, err := f.svc.Reserve(ctx, 7, 1, requested(10, 10))
	require.NoError(t, err)

	confirmed, err := f.svc.Reserve(ctx, 8, 1, requested(10))
	require.NoError(t, err)
	_, err = f.svc.Confirm(ctx, confirmed.ID, 8, finalized(10))
	require.NoError(t, err)

	f.clock.Advance(10 * time.Minute)
	fresh, err := f.svc.Reserve(ctx, 9, 1, requested(10))
	require.NoError(t, err)

	n, err := f.svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	f.clock.Advance(6 * time.Minute)

	n, err = f.svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, ok := f.store.reservation(stale.ID)
	assert.False(t, ok)
	_, ok = f.store.reservation(fresh.ID)
	assert.True(t, ok)

	available, reserved := f.store.counters(10)
	assert.Equal(t, 8, available)
	assert.Equal(t, 1, reserved)
}

func TestGetReservation(t *testing.T) {
	ctx := context.Background()

	f := newFixture(t)
	f.store.addEvent(1, 5)
	f.store.addType(10, 1, "10", 10)

	res, err := f.svc.Reserve(ctx, 7, 1, requested(10))
	require.NoError(t, err)

	got, err := f.svc.GetReservation(ctx, res.ID, 7)
	require.NoError(t, err)
	assert.Equal(t, res.ID, got.ID)
	assert.Len(t, got.LineItems, 1)

	_, err = f.svc.GetReservation(ctx, res.ID, 8)
	require.ErrorIs(t, err, reservation.ErrForbidden)

	_, err = f.svc.GetReservation(ctx, uuid.New(), 7)
	require.ErrorIs(t, err, reservation.ErrReservationNotFound)

	_, err = f.svc.Confirm(ctx, res.ID, 7, finalized(10))
	require.NoError(t, err)

	got, err = f.svc.GetReservation(ctx, res.ID, 7)
	require.NoError(t, err)
	assert.Len(t, got.Tickets, 1)
}

func TestErrorCodes(t *testing.T) {
	errs := []error{
		reservation.ErrEmptyRequest,
		reservation.EventNotFoundError{EventID: 1},
		reservation.TicketTypeNotFoundError{TicketTypeID: 2},
		reservation.ErrReservationNotFound,
		reservation.ErrForbidden,
		reservation.QuotaExceededError{Max: 4, Confirmed: 4, Requested: 1},
		reservation.InsufficientInventoryError{TicketTypeID: 3, Requested: 2, Available: 1},
		reservation.ErrInvalidState,
		reservation.QuantityMismatchError{TicketTypeID: 3, Reserved: 1, Purchased: 2},
		reservation.SalesClosedError{TicketTypeID: 3},
	}

	seen := make(map[string]bool)
	for _, err := range errs {
		code := reservation.Code(err)
		require.NotEmpty(t, code, err.Error())
		assert.False(t, seen[code], "duplicate code %s", code)
		seen[code] = true

		back := reservation.FromCode(code, err.Error())
		require.Error(t, back)
		assert.Equal(t, err.Error(), back.Error())
		assert.Equal(t, code, reservation.Code(back))
	}

	assert.Empty(t, reservation.Code(errors.New("boom")))
	assert.Nil(t, reservation.FromCode("unknown", "x"))
}
