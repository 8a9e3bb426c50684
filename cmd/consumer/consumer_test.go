package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/example/carpool-matching/internal/ingest"
	"github.com/example/carpool-matching/internal/models"
)

// fakeApplier implements locationApplier for tests
type fakeApplier struct {
	fail  int // number of times to fail before succeeding
	err   error
	calls int
}

func (f *fakeApplier) Apply(ctx context.Context, driverID string, c *models.Coord) error {
	f.calls++
	if f.calls <= f.fail {
		return f.err
	}
	return nil
}

func TestApplyWithRetry_SucceedsAfterRetries(t *testing.T) {
	f := &fakeApplier{fail: 1, err: errors.New("store hiccup")}
	u := ingest.LocationUpdate{DriverID: "d1", Coords: &models.Coord{Lat: 1, Lon: 2}}
	start := time.Now()
	if err := applyWithRetry(context.Background(), f, u, 3, 10*time.Millisecond); err != nil {
		t.Fatalf("expected success, got err=%v", err)
	}
	if f.calls != 2 {
		t.Fatalf("expected retry, got %d calls", f.calls)
	}
	if time.Since(start) < 10*time.Millisecond {
		t.Fatalf("expected at least one backoff")
	}
}

func TestApplyWithRetry_FailsWhenExhausted(t *testing.T) {
	f := &fakeApplier{fail: 5, err: errors.New("store hiccup")}
	u := ingest.LocationUpdate{DriverID: "d1", Coords: &models.Coord{Lat: 1, Lon: 2}}
	if err := applyWithRetry(context.Background(), f, u, 3, time.Millisecond); err == nil {
		t.Fatalf("expected error after retries")
	}
	if f.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", f.calls)
	}
}

func TestApplyWithRetry_DropsMissingOffer(t *testing.T) {
	f := &fakeApplier{fail: 5, err: models.ErrOfferNotFound}
	u := ingest.LocationUpdate{DriverID: "gone", Coords: &models.Coord{Lat: 1, Lon: 2}}
	if err := applyWithRetry(context.Background(), f, u, 3, time.Millisecond); err != nil {
		t.Fatalf("missing offer should be dropped silently, got %v", err)
	}
	if f.calls != 1 {
		t.Fatalf("missing offer should not be retried, got %d calls", f.calls)
	}
}
