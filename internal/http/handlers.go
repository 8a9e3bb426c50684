package httpapi

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/carpool-matching/internal/config"
	"github.com/example/carpool-matching/internal/geo"
	"github.com/example/carpool-matching/internal/ingest"
	"github.com/example/carpool-matching/internal/lifecycle"
	"github.com/example/carpool-matching/internal/liveview"
	"github.com/example/carpool-matching/internal/location"
	"github.com/example/carpool-matching/internal/logging"
	"github.com/example/carpool-matching/internal/models"
	"github.com/example/carpool-matching/internal/reservation"
	"github.com/example/carpool-matching/internal/store"
)

// Server is the thin HTTP/WebSocket shell over the reservation core.
// It validates input, picks the caller identity off the request and
// maps domain errors to distinct response codes; all invariants live in
// the packages it delegates to.
type Server struct {
	logger    *slog.Logger
	store     store.Store
	engine    *reservation.Engine
	lifecycle *lifecycle.Manager
	projector *liveview.Projector
	locations *location.Publisher
	tracker   geo.Tracker
	producer  *ingest.KafkaProducer
	mux       *mux.Router
}

func NewServer(cfg config.ServerConfig, logger *slog.Logger, st store.Store, tracker geo.Tracker, producer *ingest.KafkaProducer) *Server {
	if logger == nil {
		logger = logging.Discard()
	}
	s := &Server{
		logger:    logger,
		store:     st,
		engine:    reservation.NewEngine(st, logger, reservation.WithRetry(cfg.ReserveAttempts, cfg.ReserveBackoff)),
		lifecycle: lifecycle.NewManager(st, logger),
		projector: liveview.NewProjector(st),
		locations: location.NewPublisher(st, tracker, nil, logger, cfg.LocationMinInterval),
		tracker:   tracker,
		producer:  producer,
		mux:       mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

// NewServerFromEnv wires the server from environment variables with
// sensible fallbacks: Postgres when PG_DSN is set, otherwise the
// in-memory store; Redis position tracking when REDIS_ADDR is set;
// Kafka location streaming when KAFKA_BROKERS is set.
func NewServerFromEnv() (*Server, error) {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		return nil, err
	}
	logger := logging.NewLogger(cfg.LogLevel)

	var st store.Store
	if cfg.PGDSN != "" {
		ps, err := store.NewPostgresStore(cfg.PGDSN, nil, logger)
		if err != nil {
			return nil, err
		}
		st = ps
	} else {
		st = store.NewMemStore(nil)
	}

	var tracker geo.Tracker
	if cfg.RedisAddr != "" {
		tracker = geo.NewRedisTracker(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey)
	} else {
		tracker = geo.NewIndex()
	}

	var producer *ingest.KafkaProducer
	if len(cfg.KafkaBrokers) > 0 {
		producer = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
	}

	return NewServer(cfg, logger, st, tracker, producer), nil
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/v1/offers", s.handlePublishOffer).Methods("POST")
	s.mux.HandleFunc("/api/v1/offers", s.handleListOffers).Methods("GET")
	s.mux.HandleFunc("/api/v1/offers/nearby", s.handleNearby).Methods("GET")
	s.mux.HandleFunc("/api/v1/offers/{driver_id}", s.handleGetOffer).Methods("GET")
	s.mux.HandleFunc("/api/v1/offers/{driver_id}/reservations", s.handleReserve).Methods("POST")
	s.mux.HandleFunc("/api/v1/offers/{driver_id}/reservations/{passenger_id}", s.handleRelease).Methods("DELETE")
	s.mux.HandleFunc("/api/v1/offers/{driver_id}/depart", s.handleDepart).Methods("POST")
	s.mux.HandleFunc("/api/v1/offers/{driver_id}/cancel", s.handleCancel).Methods("POST")
	s.mux.HandleFunc("/api/v1/offers/{driver_id}/complete", s.handleComplete).Methods("POST")
	s.mux.HandleFunc("/api/v1/offers/{driver_id}/location", s.handleLocation).Methods("POST")
	s.mux.HandleFunc("/ws/roster", s.handleRosterWS)
	s.mux.HandleFunc("/ws/offers/{driver_id}", s.handleOfferWS)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handlePublishOffer(w http.ResponseWriter, r *http.Request) {
	driverID, ok := callerID(w, r)
	if !ok {
		return
	}
	var draft lifecycle.Draft
	if err := json.NewDecoder(r.Body).Decode(&draft); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidBody, "request body is not valid JSON")
		return
	}
	off, err := s.lifecycle.PublishOrUpdate(r.Context(), driverID, draft)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, off)
}

func (s *Server) handleListOffers(w http.ResponseWriter, r *http.Request) {
	// The roster subscription delivers its initial snapshot before any
	// mutation, so a one-shot subscribe doubles as a consistent read.
	h := s.projector.SubscribeRoster()
	snap := <-h.C()
	h.Cancel()
	if snap == nil {
		snap = []models.Offer{}
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleGetOffer(w http.ResponseWriter, r *http.Request) {
	off, err := s.store.Get(r.Context(), mux.Vars(r)["driver_id"])
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, off)
}

func (s *Server) handleReserve(w http.ResponseWriter, r *http.Request) {
	passengerID, ok := callerID(w, r)
	if !ok {
		return
	}
	var body struct {
		LineID string `json:"line_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidBody, "request body is not valid JSON")
		return
	}
	if body.LineID == "" {
		writeError(w, http.StatusUnprocessableEntity, codeMissingField, "line_id is required so the driver can reach you")
		return
	}
	off, err := s.engine.Reserve(r.Context(), mux.Vars(r)["driver_id"], passengerID, body.LineID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, off)
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	off, err := s.engine.Release(r.Context(), vars["driver_id"], vars["passenger_id"])
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, off)
}

func (s *Server) handleDepart(w http.ResponseWriter, r *http.Request) {
	off, err := s.lifecycle.Depart(r.Context(), mux.Vars(r)["driver_id"])
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, off)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.lifecycle.Cancel(r.Context(), mux.Vars(r)["driver_id"]); err != nil {
		s.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	if err := s.lifecycle.Complete(r.Context(), mux.Vars(r)["driver_id"]); err != nil {
		s.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleLocation is fire-and-forget: once the input parses, the caller
// always gets 204. Failures are the publisher's to log.
func (s *Server) handleLocation(w http.ResponseWriter, r *http.Request) {
	driverID := mux.Vars(r)["driver_id"]
	var body struct {
		Coords *models.Coord `json:"coords"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidBody, "request body is not valid JSON")
		return
	}
	if s.producer != nil {
		u := ingest.LocationUpdate{DriverID: driverID, Coords: body.Coords, At: time.Now()}
		if err := s.producer.PublishLocation(u); err != nil {
			s.logger.Warn("location publish to stream failed", "driver_id", driverID, "error", err)
		}
	} else {
		s.locations.Publish(r.Context(), driverID, body.Coords)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleNearby(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lat, errLat := strconv.ParseFloat(q.Get("lat"), 64)
	lon, errLon := strconv.ParseFloat(q.Get("lon"), 64)
	if errLat != nil || errLon != nil {
		writeError(w, http.StatusBadRequest, codeInvalidBody, "lat and lon query parameters are required")
		return
	}
	limit := 20
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	writeJSON(w, http.StatusOK, s.tracker.Nearby(lat, lon, limit))
}

// callerID pulls the opaque caller identity off the request. Identity
// issuance is out of scope; the header is trusted as-is.
func callerID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := r.Header.Get("X-User-ID")
	if id == "" {
		writeError(w, http.StatusBadRequest, codeMissingField, "X-User-ID header is required")
		return "", false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }
