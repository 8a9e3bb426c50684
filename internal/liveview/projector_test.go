package liveview

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/example/carpool-matching/internal/models"
	"github.com/example/carpool-matching/internal/observability"
	"github.com/example/carpool-matching/internal/store"
)

func seedOffer(t *testing.T, s *store.MemStore, id string, seats int) {
	t.Helper()
	_, err := s.Put(context.Background(), models.Offer{
		ID:             id,
		Name:           "driver " + id,
		LineID:         id + "-line",
		CarModel:       "Honda Fit",
		StartLocation:  "a",
		EndLocation:    "b",
		SeatsTotal:     seats,
		SeatsAvailable: seats,
		Passengers:     []models.Reservation{},
		Status:         models.StatusActive,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestRosterStreamsVisibleOffers(t *testing.T) {
	s := store.NewMemStore(nil)
	p := NewProjector(s)
	ctx := context.Background()

	seedOffer(t, s, "d1", 3)
	h := p.SubscribeRoster()
	defer h.Cancel()

	snap := recvRoster(t, h)
	if len(snap) != 1 || snap[0].ID != "d1" {
		t.Fatalf("initial roster wrong: %+v", snap)
	}

	seedOffer(t, s, "d2", 2)
	snap = recvRoster(t, h)
	if len(snap) != 2 {
		t.Fatalf("after publish: got %d offers", len(snap))
	}
	// newest first
	if snap[0].ID != "d2" {
		t.Fatalf("expected newest offer first, got %s", snap[0].ID)
	}

	if err := s.Delete(ctx, "d1"); err != nil {
		t.Fatal(err)
	}
	snap = recvRoster(t, h)
	if len(snap) != 1 || snap[0].ID != "d2" {
		t.Fatalf("after delete: %+v", snap)
	}
}

func TestRosterIncludesDepartedOffers(t *testing.T) {
	s := store.NewMemStore(nil)
	p := NewProjector(s)
	ctx := context.Background()
	seedOffer(t, s, "d1", 1)

	h := p.SubscribeRoster()
	defer h.Cancel()
	recvRoster(t, h)

	if _, err := s.Transact(ctx, "d1", func(o *models.Offer) error {
		o.Status = models.StatusDeparted
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	snap := recvRoster(t, h)
	if len(snap) != 1 || snap[0].Status != models.StatusDeparted {
		t.Fatalf("departed offer missing from roster: %+v", snap)
	}
}

func TestOfferStreamDeliversDeletion(t *testing.T) {
	s := store.NewMemStore(nil)
	p := NewProjector(s)
	ctx := context.Background()
	seedOffer(t, s, "d1", 2)

	h := p.SubscribeOffer("d1")
	defer h.Cancel()

	ev := recvOffer(t, h)
	if ev == nil || ev.ID != "d1" {
		t.Fatalf("initial offer event wrong: %+v", ev)
	}

	if _, err := s.Transact(ctx, "d1", func(o *models.Offer) error {
		o.SeatsAvailable--
		o.Passengers = append(o.Passengers, models.Reservation{UserID: "p1", LineID: "l1"})
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	ev = recvOffer(t, h)
	if ev == nil || ev.SeatsAvailable != 1 {
		t.Fatalf("mutation not streamed: %+v", ev)
	}

	if err := s.Delete(ctx, "d1"); err != nil {
		t.Fatal(err)
	}
	ev = recvOffer(t, h)
	if ev != nil {
		t.Fatalf("expected explicit absent signal, got %+v", ev)
	}
}

func TestOfferStreamForUnknownDriver(t *testing.T) {
	s := store.NewMemStore(nil)
	p := NewProjector(s)

	h := p.SubscribeOffer("nobody")
	defer h.Cancel()
	if ev := recvOffer(t, h); ev != nil {
		t.Fatalf("expected nil for unpublished offer, got %+v", ev)
	}
}

func TestCancelStopsRosterDelivery(t *testing.T) {
	s := store.NewMemStore(nil)
	p := NewProjector(s)

	h := p.SubscribeRoster()
	recvRoster(t, h)
	h.Cancel()

	seedOffer(t, s, "d1", 1)
	select {
	case snap, ok := <-h.C():
		if ok && snap != nil {
			t.Fatalf("delivery after cancel: %+v", snap)
		}
	case <-time.After(100 * time.Millisecond):
		// channel may close asynchronously once the pump drains; silence is also correct
	}
}

func TestRepeatedCancelMovesGaugeOnce(t *testing.T) {
	s := store.NewMemStore(nil)
	p := NewProjector(s)
	before := testutil.ToFloat64(observability.LiveSubscribers)

	rh := p.SubscribeRoster()
	oh := p.SubscribeOffer("d1")
	if got := testutil.ToFloat64(observability.LiveSubscribers); got != before+2 {
		t.Fatalf("gauge after subscribe: got %v, want %v", got, before+2)
	}

	rh.Cancel()
	rh.Cancel()
	oh.Cancel()
	oh.Cancel()
	oh.Cancel()

	if got := testutil.ToFloat64(observability.LiveSubscribers); got != before {
		t.Fatalf("gauge drifted after repeated cancels: got %v, want %v", got, before)
	}
}

func recvRoster(t *testing.T, h *RosterHandle) []models.Offer {
	t.Helper()
	select {
	case snap := <-h.C():
		return snap
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for roster snapshot")
		return nil
	}
}

func recvOffer(t *testing.T, h *OfferHandle) *models.Offer {
	t.Helper()
	select {
	case ev := <-h.C():
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for offer event")
		return nil
	}
}
