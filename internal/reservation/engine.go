package reservation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/carpool-matching/internal/models"
	"github.com/example/carpool-matching/internal/observability"
	"github.com/example/carpool-matching/internal/store"
)

// Engine performs the seat mutations. Every Reserve and Release runs as
// one store transaction against a single offer, so two callers racing
// on the last seat can never both win. Transient contention is retried
// internally with exponential backoff; everything else surfaces to the
// caller unchanged.
type Engine struct {
	store    store.Store
	log      *slog.Logger
	attempts int
	backoff  time.Duration
}

const (
	defaultAttempts = 3
	defaultBackoff  = 50 * time.Millisecond
)

func NewEngine(st store.Store, log *slog.Logger, opts ...Option) *Engine {
	e := &Engine{store: st, log: log, attempts: defaultAttempts, backoff: defaultBackoff}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

type Option func(*Engine)

// WithRetry overrides the bounded internal retry policy for transient
// store conflicts.
func WithRetry(attempts int, backoff time.Duration) Option {
	return func(e *Engine) {
		if attempts > 0 {
			e.attempts = attempts
		}
		if backoff > 0 {
			e.backoff = backoff
		}
	}
}

// Reserve books one seat for the passenger. Fails with ErrOfferDeparted,
// ErrAlreadyBooked or ErrSoldOut without touching the offer.
func (e *Engine) Reserve(ctx context.Context, offerID, passengerID, lineID string) (models.Offer, error) {
	off, err := e.transactWithRetry(ctx, offerID, func(o *models.Offer) error {
		if o.Status == models.StatusDeparted {
			return models.ErrOfferDeparted
		}
		if o.HasPassenger(passengerID) {
			return models.ErrAlreadyBooked
		}
		if o.SeatsAvailable <= 0 {
			return models.ErrSoldOut
		}
		o.SeatsAvailable--
		o.Passengers = append(o.Passengers, models.Reservation{UserID: passengerID, LineID: lineID})
		return nil
	})
	if err != nil {
		observability.ReservationFailures.WithLabelValues(failureReason(err)).Inc()
		return models.Offer{}, err
	}
	observability.ReservationsTotal.Inc()
	e.log.Info("seat reserved", "offer_id", offerID, "passenger_id", passengerID, "seats_available", off.SeatsAvailable)
	return off, nil
}

// Release frees the passenger's seat. Driver-initiated removal remains
// legal after departure; a missing reservation is ErrReservationNotFound.
func (e *Engine) Release(ctx context.Context, offerID, passengerID string) (models.Offer, error) {
	off, err := e.transactWithRetry(ctx, offerID, func(o *models.Offer) error {
		idx := -1
		for i, p := range o.Passengers {
			if p.UserID == passengerID {
				idx = i
				break
			}
		}
		if idx < 0 {
			return models.ErrReservationNotFound
		}
		o.Passengers = append(o.Passengers[:idx], o.Passengers[idx+1:]...)
		o.SeatsAvailable++
		return nil
	})
	if err != nil {
		observability.ReservationFailures.WithLabelValues(failureReason(err)).Inc()
		return models.Offer{}, err
	}
	observability.ReleasesTotal.Inc()
	e.log.Info("seat released", "offer_id", offerID, "passenger_id", passengerID, "seats_available", off.SeatsAvailable)
	return off, nil
}

// transactWithRetry retries only on store contention; domain rejections
// abort immediately. Deadline expiry is reported as ErrTimeout so callers
// can tell a slow store from a lost race; caller cancellation surfaces as
// context.Canceled, not a timeout.
func (e *Engine) transactWithRetry(ctx context.Context, offerID string, fn func(*models.Offer) error) (models.Offer, error) {
	delay := e.backoff
	var lastErr error
	for attempt := 0; attempt < e.attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				if errors.Is(ctx.Err(), context.DeadlineExceeded) {
					return models.Offer{}, fmt.Errorf("%w: %v", models.ErrTimeout, ctx.Err())
				}
				return models.Offer{}, ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
		off, err := e.store.Transact(ctx, offerID, fn)
		if err == nil {
			return off, nil
		}
		if errors.Is(err, models.ErrTimeout) {
			return models.Offer{}, err
		}
		if !errors.Is(err, models.ErrConflict) {
			return models.Offer{}, err
		}
		lastErr = err
		e.log.Warn("seat transaction conflict, retrying", "offer_id", offerID, "attempt", attempt+1)
	}
	return models.Offer{}, lastErr
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, models.ErrSoldOut):
		return "sold_out"
	case errors.Is(err, models.ErrAlreadyBooked):
		return "already_booked"
	case errors.Is(err, models.ErrOfferNotFound):
		return "offer_not_found"
	case errors.Is(err, models.ErrReservationNotFound):
		return "reservation_not_found"
	case errors.Is(err, models.ErrOfferDeparted):
		return "departed"
	case errors.Is(err, models.ErrTimeout):
		return "timeout"
	case errors.Is(err, models.ErrConflict):
		return "conflict"
	default:
		return "error"
	}
}
