package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Reservation is one booked seat. Created only by the reservation engine
// and removed as a whole unit; never mutated in place.
type Reservation struct {
	UserID string `json:"user_id"`
	LineID string `json:"line_id"`
}

type OfferStatus string

const (
	StatusActive   OfferStatus = "active"
	StatusFull     OfferStatus = "full"
	StatusDeparted OfferStatus = "departed"
)

// Offer is one driver's published trip. The key equals the driver's
// identity, so a driver holds at most one active offer.
//
// Invariant: 0 <= SeatsAvailable <= SeatsTotal and
// SeatsAvailable = SeatsTotal - len(Passengers) at all times.
type Offer struct {
	ID             string        `json:"id"`
	Name           string        `json:"name"`
	LineID         string        `json:"line_id"`
	CarModel       string        `json:"car_model"`
	LicensePlate   string        `json:"license_plate,omitempty"`
	StartLocation  string        `json:"start_location"`
	EndLocation    string        `json:"end_location"`
	Remarks        string        `json:"remarks,omitempty"`
	SeatsTotal     int           `json:"seats_total"`
	SeatsAvailable int           `json:"seats_available"`
	Passengers     []Reservation `json:"passengers"`
	Status         OfferStatus   `json:"status"`
	Location       *Coord        `json:"location,omitempty"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// HasPassenger reports whether userID already holds a seat.
func (o *Offer) HasPassenger(userID string) bool {
	for _, p := range o.Passengers {
		if p.UserID == userID {
			return true
		}
	}
	return false
}

// Normalize recomputes the derived status from the seat state. The
// full/active split is a cache of SeatsAvailable, never independently
// settable; only the departed flag survives as stored state.
func (o *Offer) Normalize() {
	if o.Status == StatusDeparted {
		return
	}
	if o.SeatsAvailable <= 0 {
		o.Status = StatusFull
	} else {
		o.Status = StatusActive
	}
}

// Clone returns a deep copy so committed snapshots never alias the
// stored roster slice.
func (o Offer) Clone() Offer {
	c := o
	if o.Passengers != nil {
		c.Passengers = make([]Reservation, len(o.Passengers))
		copy(c.Passengers, o.Passengers)
	}
	if o.Location != nil {
		loc := *o.Location
		c.Location = &loc
	}
	return c
}
