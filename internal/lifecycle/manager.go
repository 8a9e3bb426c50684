package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/example/carpool-matching/internal/models"
	"github.com/example/carpool-matching/internal/store"
)

// Draft carries the driver-editable fields of an offer. Seat bookkeeping
// and status are never set from a draft; the manager derives them.
type Draft struct {
	Name          string `json:"name"`
	LineID        string `json:"line_id"`
	CarModel      string `json:"car_model"`
	LicensePlate  string `json:"license_plate"`
	StartLocation string `json:"start_location"`
	EndLocation   string `json:"end_location"`
	Remarks       string `json:"remarks"`
	SeatsTotal    int    `json:"seats_total"`
}

// Manager owns the offer state machine: publish/update, depart,
// cancel and complete. Seat mutations belong to the reservation engine;
// the manager only ever changes capacity relative to the committed
// roster, inside the same transaction primitive.
type Manager struct {
	store store.Store
	log   *slog.Logger
}

func NewManager(st store.Store, log *slog.Logger) *Manager {
	return &Manager{store: st, log: log}
}

// PublishOrUpdate creates the driver's offer or edits its metadata and
// capacity. Capacity can grow freely; shrinking below the booked roster
// fails with ErrCapacityBelowBooked and leaves the offer unchanged.
func (m *Manager) PublishOrUpdate(ctx context.Context, driverID string, d Draft) (models.Offer, error) {
	if err := validateDraft(d); err != nil {
		return models.Offer{}, err
	}

	// Best-effort contact-handle dedup. The check runs outside the
	// write transaction, so a racing publish can still slip through;
	// this guard is advisory, not a uniqueness constraint.
	others, err := m.store.QueryByLineID(ctx, d.LineID)
	if err != nil {
		return models.Offer{}, fmt.Errorf("contact handle lookup: %w", err)
	}
	for _, o := range others {
		if o.ID != driverID {
			return models.Offer{}, models.ErrDuplicateContact
		}
	}

	off, err := m.store.Transact(ctx, driverID, func(o *models.Offer) error {
		if o.Status == models.StatusDeparted {
			return models.ErrOfferDeparted
		}
		if d.SeatsTotal < len(o.Passengers) {
			return models.ErrCapacityBelowBooked
		}
		applyDraft(o, d)
		o.SeatsAvailable = d.SeatsTotal - len(o.Passengers)
		return nil
	})
	if errors.Is(err, models.ErrOfferNotFound) {
		fresh := models.Offer{
			ID:             driverID,
			SeatsAvailable: d.SeatsTotal,
			Passengers:     []models.Reservation{},
			Status:         models.StatusActive,
		}
		applyDraft(&fresh, d)
		off, err = m.store.Put(ctx, fresh)
		if err == nil {
			m.log.Info("offer published", "driver_id", driverID, "seats_total", d.SeatsTotal)
		}
		return off, err
	}
	if err != nil {
		return models.Offer{}, err
	}
	m.log.Info("offer updated", "driver_id", driverID, "seats_total", d.SeatsTotal)
	return off, nil
}

// Depart marks the offer departed. The transition is recorded atomically
// and never touches seat counts; occupancy gating is a UI policy, not a
// core rule.
func (m *Manager) Depart(ctx context.Context, driverID string) (models.Offer, error) {
	off, err := m.store.Transact(ctx, driverID, func(o *models.Offer) error {
		if o.Status == models.StatusDeparted {
			return models.ErrOfferDeparted
		}
		o.Status = models.StatusDeparted
		return nil
	})
	if err != nil {
		return models.Offer{}, err
	}
	m.log.Info("offer departed", "driver_id", driverID)
	return off, nil
}

// Cancel withdraws the offer, removing it and its whole roster in one
// store operation. Cancelling an offer that is already gone succeeds.
func (m *Manager) Cancel(ctx context.Context, driverID string) error {
	return m.remove(ctx, driverID, "offer cancelled")
}

// Complete is the arrival action: same atomic removal as Cancel, taken
// when the trip finished.
func (m *Manager) Complete(ctx context.Context, driverID string) error {
	return m.remove(ctx, driverID, "offer completed")
}

func (m *Manager) remove(ctx context.Context, driverID, event string) error {
	err := m.store.Delete(ctx, driverID)
	if errors.Is(err, models.ErrOfferNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	m.log.Info(event, "driver_id", driverID)
	return nil
}

func validateDraft(d Draft) error {
	if d.SeatsTotal < 1 {
		return models.ErrInvalidSeatCount
	}
	required := []struct{ name, value string }{
		{"name", d.Name},
		{"line_id", d.LineID},
		{"car_model", d.CarModel},
		{"start_location", d.StartLocation},
		{"end_location", d.EndLocation},
	}
	for _, f := range required {
		if f.value == "" {
			return fmt.Errorf("%w: %s", models.ErrMissingField, f.name)
		}
	}
	return nil
}

func applyDraft(o *models.Offer, d Draft) {
	o.Name = d.Name
	o.LineID = d.LineID
	o.CarModel = d.CarModel
	o.LicensePlate = d.LicensePlate
	o.StartLocation = d.StartLocation
	o.EndLocation = d.EndLocation
	o.Remarks = d.Remarks
	o.SeatsTotal = d.SeatsTotal
}
