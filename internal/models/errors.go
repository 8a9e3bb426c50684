package models

import "errors"

var (
	ErrOfferNotFound       = errors.New("offer not found")
	ErrReservationNotFound = errors.New("reservation not found")
	ErrSoldOut             = errors.New("no seats available")
	ErrAlreadyBooked       = errors.New("passenger already booked")
	ErrOfferDeparted       = errors.New("offer already departed")
	ErrDuplicateContact    = errors.New("contact handle already in use")
	ErrCapacityBelowBooked = errors.New("seats total below booked passengers")
	ErrInvalidSeatCount    = errors.New("seats total must be at least 1")
	ErrMissingField        = errors.New("missing required field")
	ErrConflict            = errors.New("concurrent modification conflict")
	ErrTimeout             = errors.New("store operation timed out")
)
