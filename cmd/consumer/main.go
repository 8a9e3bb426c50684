package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/segmentio/kafka-go"

	"github.com/example/carpool-matching/internal/geo"
	"github.com/example/carpool-matching/internal/ingest"
	"github.com/example/carpool-matching/internal/location"
	"github.com/example/carpool-matching/internal/logging"
	"github.com/example/carpool-matching/internal/models"
	"github.com/example/carpool-matching/internal/store"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_consumed_total",
		Help: "Total offer location messages consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_invalid_total",
		Help: "Total invalid messages received",
	})
	updatesApplied = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_location_updates_applied_total",
		Help: "Total location updates applied to the offer store",
	})
	updatesFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_location_updates_failed_total",
		Help: "Total location updates that failed after retries",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, updatesApplied, updatesFailed)
}

func main() {
	// allow some flags for local runs
	var metricsAddr string
	flag.StringVar(&metricsAddr, "metrics-addr", ":2112", "address to serve prometheus metrics on")
	flag.Parse()

	brokersEnv := os.Getenv("KAFKA_BROKERS")
	if brokersEnv == "" {
		brokersEnv = os.Getenv("KAFKA_BROKER")
	}
	brokers := []string{}
	if brokersEnv != "" {
		for _, b := range strings.Split(brokersEnv, ",") {
			if s := strings.TrimSpace(b); s != "" {
				brokers = append(brokers, s)
			}
		}
	} else {
		brokers = []string{"localhost:9092"}
	}

	topic := os.Getenv("KAFKA_TOPIC")
	if topic == "" {
		topic = "offer-locations"
	}
	group := os.Getenv("KAFKA_GROUP")
	if group == "" {
		group = "carpool-location-consumer"
	}

	logger := logging.NewLogger(os.Getenv("LOG_LEVEL"))

	var st store.Store
	if dsn := os.Getenv("PG_DSN"); dsn != "" {
		ps, err := store.NewPostgresStore(dsn, nil, logger)
		if err != nil {
			log.Fatalf("postgres store: %v", err)
		}
		st = ps
	} else {
		log.Printf("PG_DSN unset, applying locations to an in-memory store (local runs only)")
		st = store.NewMemStore(nil)
	}

	var tracker geo.Tracker
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		key := os.Getenv("REDIS_GEO_KEY")
		if key == "" {
			key = "offers_geo"
		}
		tracker = geo.NewRedisTracker(addr, os.Getenv("REDIS_PASSWORD"), key)
	} else {
		tracker = geo.NewIndex()
	}

	publisher := location.NewPublisher(st, tracker, nil, logger, 0)

	// start metrics and health server
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) })
		log.Printf("metrics/health listening on %s", metricsAddr)
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: brokers, Topic: topic, GroupID: group, MinBytes: 10e3, MaxBytes: 10e6})
	defer func() { _ = r.Close() }()

	log.Printf("consumer listening topic=%s brokers=%v group=%s", topic, brokers, group)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				log.Println("shutting down consumer")
				return
			}
			log.Printf("kafka read error: %v; backing off %s", err, backoff)
			time.Sleep(backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		// reset backoff on success
		backoff = time.Second

		msgsConsumed.Inc()

		var u ingest.LocationUpdate
		if err := json.Unmarshal(m.Value, &u); err != nil || u.DriverID == "" {
			msgsInvalid.Inc()
			log.Printf("invalid message: %v", err)
			continue
		}

		if err := applyWithRetry(ctx, publisher, u, 3, 200*time.Millisecond); err != nil {
			updatesFailed.Inc()
			log.Printf("location update failed for driver=%s: %v", u.DriverID, err)
			continue
		}
		updatesApplied.Inc()
	}
}

// locationApplier is the small surface the retry helper needs, so tests
// can stand in for the real publisher.
type locationApplier interface {
	Apply(ctx context.Context, driverID string, c *models.Coord) error
}

// applyWithRetry retries transient store failures with backoff. A
// missing offer is not transient: the driver cancelled or completed, so
// the update is dropped without error.
func applyWithRetry(ctx context.Context, a locationApplier, u ingest.LocationUpdate, attempts int, delay time.Duration) error {
	var lastErr error
	for i := 0; i < attempts; i++ {
		err := a.Apply(ctx, u.DriverID, u.Coords)
		if err == nil {
			return nil
		}
		if errors.Is(err, models.ErrOfferNotFound) {
			return nil
		}
		lastErr = err
		if i < attempts-1 {
			time.Sleep(delay)
			delay *= 2
		}
	}
	return lastErr
}
