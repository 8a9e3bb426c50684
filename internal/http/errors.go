package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/example/carpool-matching/internal/models"
)

const (
	codeSoldOut             = "sold_out"
	codeAlreadyBooked       = "already_booked"
	codeOfferNotFound       = "offer_not_found"
	codeReservationNotFound = "reservation_not_found"
	codeOfferDeparted       = "offer_departed"
	codeDuplicateContact    = "duplicate_contact"
	codeCapacityBelowBooked = "capacity_below_booked"
	codeInvalidSeatCount    = "invalid_seat_count"
	codeMissingField        = "missing_required_field"
	codeConflict            = "conflict"
	codeTimeout             = "timeout"
	codeInvalidBody         = "invalid_request_body"
	codeInternalError       = "internal_error"
)

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorResponse{Error: msg, Code: code})
}

// writeDomainError maps each domain error to its own status, code and
// human-readable message. SoldOut is a legitimate business outcome and
// Conflict a transient infrastructure hiccup worth a retry; they must
// stay distinguishable on the wire.
func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrSoldOut):
		writeError(w, http.StatusConflict, codeSoldOut, "sorry, this vehicle is full")
	case errors.Is(err, models.ErrAlreadyBooked):
		writeError(w, http.StatusConflict, codeAlreadyBooked, "you have already booked this trip")
	case errors.Is(err, models.ErrOfferNotFound):
		writeError(w, http.StatusNotFound, codeOfferNotFound, "this offer no longer exists")
	case errors.Is(err, models.ErrReservationNotFound):
		writeError(w, http.StatusNotFound, codeReservationNotFound, "no booking record found for this passenger")
	case errors.Is(err, models.ErrOfferDeparted):
		writeError(w, http.StatusConflict, codeOfferDeparted, "this trip has already departed")
	case errors.Is(err, models.ErrDuplicateContact):
		writeError(w, http.StatusConflict, codeDuplicateContact, "this contact handle is already in use by another driver")
	case errors.Is(err, models.ErrCapacityBelowBooked):
		writeError(w, http.StatusConflict, codeCapacityBelowBooked, "seats total cannot be less than the number of booked passengers")
	case errors.Is(err, models.ErrInvalidSeatCount):
		writeError(w, http.StatusUnprocessableEntity, codeInvalidSeatCount, "seats total must be at least 1")
	case errors.Is(err, models.ErrMissingField):
		writeError(w, http.StatusUnprocessableEntity, codeMissingField, err.Error())
	case errors.Is(err, models.ErrTimeout):
		writeError(w, http.StatusGatewayTimeout, codeTimeout, "the store did not respond in time, please try again")
	case errors.Is(err, models.ErrConflict):
		writeError(w, http.StatusConflict, codeConflict, "the offer changed while processing your request, please retry")
	default:
		s.logger.Error("unhandled error", "error", err)
		writeError(w, http.StatusInternalServerError, codeInternalError, "internal error")
	}
}
