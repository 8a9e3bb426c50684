package reservation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/example/carpool-matching/internal/logging"
	"github.com/example/carpool-matching/internal/models"
	"github.com/example/carpool-matching/internal/store"
)

func newTestStore(t *testing.T, seats int) *store.MemStore {
	t.Helper()
	s := store.NewMemStore(nil)
	_, err := s.Put(context.Background(), models.Offer{
		ID:             "d1",
		Name:           "driver one",
		LineID:         "d1-line",
		CarModel:       "Toyota Altis",
		StartLocation:  "station",
		EndLocation:    "township",
		SeatsTotal:     seats,
		SeatsAvailable: seats,
		Passengers:     []models.Reservation{},
		Status:         models.StatusActive,
	})
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func newTestEngine(s store.Store) *Engine {
	return NewEngine(s, logging.Discard(), WithRetry(3, time.Millisecond))
}

func checkInvariant(t *testing.T, o models.Offer) {
	t.Helper()
	if o.SeatsAvailable < 0 || o.SeatsAvailable > o.SeatsTotal {
		t.Fatalf("seats_available out of range: %+v", o)
	}
	if o.SeatsAvailable+len(o.Passengers) != o.SeatsTotal {
		t.Fatalf("seat invariant broken: available=%d passengers=%d total=%d",
			o.SeatsAvailable, len(o.Passengers), o.SeatsTotal)
	}
}

func TestReserveReleaseScenario(t *testing.T) {
	s := newTestStore(t, 3)
	e := newTestEngine(s)
	ctx := context.Background()

	off, err := e.Reserve(ctx, "d1", "p1", "p1-line")
	if err != nil || off.SeatsAvailable != 2 {
		t.Fatalf("reserve p1: off=%+v err=%v", off, err)
	}
	off, err = e.Reserve(ctx, "d1", "p2", "p2-line")
	if err != nil || off.SeatsAvailable != 1 {
		t.Fatalf("reserve p2: off=%+v err=%v", off, err)
	}

	if _, err = e.Reserve(ctx, "d1", "p1", "p1-line"); !errors.Is(err, models.ErrAlreadyBooked) {
		t.Fatalf("duplicate reserve: expected ErrAlreadyBooked, got %v", err)
	}
	cur, _ := s.Get(ctx, "d1")
	if cur.SeatsAvailable != 1 {
		t.Fatalf("failed duplicate reserve changed seats: %d", cur.SeatsAvailable)
	}

	off, err = e.Reserve(ctx, "d1", "p3", "p3-line")
	if err != nil || off.SeatsAvailable != 0 {
		t.Fatalf("reserve p3: off=%+v err=%v", off, err)
	}
	if off.Status != models.StatusFull {
		t.Fatalf("expected full status, got %s", off.Status)
	}

	if _, err = e.Reserve(ctx, "d1", "p4", "p4-line"); !errors.Is(err, models.ErrSoldOut) {
		t.Fatalf("overbook: expected ErrSoldOut, got %v", err)
	}

	off, err = e.Release(ctx, "d1", "p2")
	if err != nil || off.SeatsAvailable != 1 {
		t.Fatalf("release p2: off=%+v err=%v", off, err)
	}
	if off.Status != models.StatusActive {
		t.Fatalf("expected active after release, got %s", off.Status)
	}

	off, err = e.Reserve(ctx, "d1", "p4", "p4-line")
	if err != nil || off.SeatsAvailable != 0 {
		t.Fatalf("reserve p4 after release: off=%+v err=%v", off, err)
	}
	checkInvariant(t, off)
}

func TestNoOversellUnderConcurrency(t *testing.T) {
	const seats = 3
	const callers = 20
	s := newTestStore(t, seats)
	e := newTestEngine(s)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("p%d", i)
			_, errs[i] = e.Reserve(ctx, "d1", id, id+"-line")
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, models.ErrSoldOut), errors.Is(err, models.ErrConflict):
		default:
			t.Fatalf("unexpected failure kind: %v", err)
		}
	}
	if wins != seats {
		t.Fatalf("oversell: %d successes for %d seats", wins, seats)
	}

	off, _ := s.Get(ctx, "d1")
	checkInvariant(t, off)
	if off.SeatsAvailable != 0 || len(off.Passengers) != seats {
		t.Fatalf("final state wrong: %+v", off)
	}
}

func TestReleaseUnknownPassenger(t *testing.T) {
	s := newTestStore(t, 2)
	e := newTestEngine(s)
	if _, err := e.Release(context.Background(), "d1", "ghost"); !errors.Is(err, models.ErrReservationNotFound) {
		t.Fatalf("expected ErrReservationNotFound, got %v", err)
	}
}

func TestReserveMissingOffer(t *testing.T) {
	e := newTestEngine(store.NewMemStore(nil))
	if _, err := e.Reserve(context.Background(), "gone", "p1", "l1"); !errors.Is(err, models.ErrOfferNotFound) {
		t.Fatalf("expected ErrOfferNotFound, got %v", err)
	}
}

func TestReserveDepartedOffer(t *testing.T) {
	s := newTestStore(t, 2)
	e := newTestEngine(s)
	ctx := context.Background()
	if _, err := s.Transact(ctx, "d1", func(o *models.Offer) error {
		o.Status = models.StatusDeparted
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Reserve(ctx, "d1", "p1", "l1"); !errors.Is(err, models.ErrOfferDeparted) {
		t.Fatalf("expected ErrOfferDeparted, got %v", err)
	}
	// the driver may still remove passengers after departing
	if _, err := s.Transact(ctx, "d1", func(o *models.Offer) error {
		o.SeatsAvailable--
		o.Passengers = append(o.Passengers, models.Reservation{UserID: "p9", LineID: "l9"})
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Release(ctx, "d1", "p9"); err != nil {
		t.Fatalf("administrative release after depart failed: %v", err)
	}
}

// flakyStore injects transient conflicts ahead of a real MemStore.
type flakyStore struct {
	*store.MemStore
	mu        sync.Mutex
	conflicts int
	calls     int
}

func (f *flakyStore) Transact(ctx context.Context, offerID string, fn func(*models.Offer) error) (models.Offer, error) {
	f.mu.Lock()
	f.calls++
	fail := f.conflicts > 0
	if fail {
		f.conflicts--
	}
	f.mu.Unlock()
	if fail {
		return models.Offer{}, models.ErrConflict
	}
	return f.MemStore.Transact(ctx, offerID, fn)
}

func TestReserveRetriesTransientConflict(t *testing.T) {
	f := &flakyStore{MemStore: newTestStore(t, 2), conflicts: 2}
	e := newTestEngine(f)

	off, err := e.Reserve(context.Background(), "d1", "p1", "l1")
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if f.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", f.calls)
	}
	checkInvariant(t, off)
}

func TestReserveSurfacesConflictWhenExhausted(t *testing.T) {
	f := &flakyStore{MemStore: newTestStore(t, 2), conflicts: 10}
	e := newTestEngine(f)

	if _, err := e.Reserve(context.Background(), "d1", "p1", "l1"); !errors.Is(err, models.ErrConflict) {
		t.Fatalf("expected ErrConflict after exhausting retries, got %v", err)
	}
}

func TestReserveTimeoutDistinctFromConflict(t *testing.T) {
	f := &flakyStore{MemStore: newTestStore(t, 2), conflicts: 10}
	e := newTestEngine(f)

	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()
	_, err := e.Reserve(ctx, "d1", "p1", "l1")
	if !errors.Is(err, models.ErrTimeout) {
		t.Fatalf("expected ErrTimeout on expired deadline, got %v", err)
	}
	if errors.Is(err, models.ErrConflict) {
		t.Fatalf("timeout must not be reported as conflict: %v", err)
	}
}

func TestReserveCancellationIsNotATimeout(t *testing.T) {
	f := &flakyStore{MemStore: newTestStore(t, 2), conflicts: 10}
	e := newTestEngine(f)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := e.Reserve(ctx, "d1", "p1", "l1")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if errors.Is(err, models.ErrTimeout) {
		t.Fatalf("caller cancellation must not be reported as timeout: %v", err)
	}
}
