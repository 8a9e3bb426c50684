package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"github.com/example/carpool-matching/internal/clock"
	"github.com/example/carpool-matching/internal/models"
)

const offerColumns = `id, name, line_id, car_model, license_plate, start_location, end_location, remarks,
	seats_total, seats_available, status, lat, lon, passengers, updated_at`

// PostgresStore persists offers in a single offers table with the roster
// as a jsonb column, so an offer and its reservations always commit and
// delete as one row. Transact takes a row lock (SELECT ... FOR UPDATE)
// to serialize writers per offer.
type PostgresStore struct {
	db    *sql.DB
	feed  *feed
	clock clock.Clock
	log   *slog.Logger
}

func NewPostgresStore(dsn string, clk clock.Clock, log *slog.Logger) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		return nil, err
	}
	if clk == nil {
		clk = clock.NewSystem()
	}
	if log == nil {
		log = slog.Default()
	}
	return &PostgresStore{db: db, feed: newFeed(), clock: clk, log: log}, nil
}

func (p *PostgresStore) Get(ctx context.Context, offerID string) (models.Offer, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+offerColumns+` FROM offers WHERE id=$1`, offerID)
	o, err := scanOffer(row)
	if err != nil {
		return models.Offer{}, mapStoreErr(ctx, err)
	}
	return o, nil
}

func (p *PostgresStore) Put(ctx context.Context, offer models.Offer) (models.Offer, error) {
	var old *models.Offer
	if cur, err := p.Get(ctx, offer.ID); err == nil {
		old = &cur
	}

	offer.Normalize()
	offer.UpdatedAt = p.clock.Now()
	if old != nil && !offer.UpdatedAt.After(old.UpdatedAt) {
		offer.UpdatedAt = old.UpdatedAt.Add(time.Millisecond)
	}

	passengers, err := json.Marshal(rosterOrEmpty(offer.Passengers))
	if err != nil {
		return models.Offer{}, err
	}
	lat, lon := coordColumns(offer.Location)

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO offers (`+offerColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		ON CONFLICT (id) DO UPDATE SET
			name=EXCLUDED.name, line_id=EXCLUDED.line_id, car_model=EXCLUDED.car_model,
			license_plate=EXCLUDED.license_plate, start_location=EXCLUDED.start_location,
			end_location=EXCLUDED.end_location, remarks=EXCLUDED.remarks,
			seats_total=EXCLUDED.seats_total, seats_available=EXCLUDED.seats_available,
			status=EXCLUDED.status, lat=EXCLUDED.lat, lon=EXCLUDED.lon,
			passengers=EXCLUDED.passengers, updated_at=EXCLUDED.updated_at`,
		offer.ID, offer.Name, offer.LineID, offer.CarModel, offer.LicensePlate,
		offer.StartLocation, offer.EndLocation, offer.Remarks,
		offer.SeatsTotal, offer.SeatsAvailable, string(offer.Status),
		lat, lon, passengers, offer.UpdatedAt)
	if err != nil {
		return models.Offer{}, mapStoreErr(ctx, err)
	}

	p.publish(ctx, old, &offer)
	return offer, nil
}

func (p *PostgresStore) Delete(ctx context.Context, offerID string) error {
	old, err := p.Get(ctx, offerID)
	if err != nil {
		return err
	}
	res, err := p.db.ExecContext(ctx, `DELETE FROM offers WHERE id=$1`, offerID)
	if err != nil {
		return mapStoreErr(ctx, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrOfferNotFound
	}
	p.publish(ctx, &old, nil)
	return nil
}

func (p *PostgresStore) Transact(ctx context.Context, offerID string, fn func(*models.Offer) error) (models.Offer, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Offer{}, mapStoreErr(ctx, err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `SELECT `+offerColumns+` FROM offers WHERE id=$1 FOR UPDATE`, offerID)
	cur, err := scanOffer(row)
	if err != nil {
		return models.Offer{}, mapStoreErr(ctx, err)
	}

	work := cur.Clone()
	if err := fn(&work); err != nil {
		return models.Offer{}, err
	}
	work.ID = cur.ID
	work.Normalize()
	work.UpdatedAt = p.clock.Now()
	if !work.UpdatedAt.After(cur.UpdatedAt) {
		work.UpdatedAt = cur.UpdatedAt.Add(time.Millisecond)
	}

	passengers, err := json.Marshal(rosterOrEmpty(work.Passengers))
	if err != nil {
		return models.Offer{}, err
	}
	lat, lon := coordColumns(work.Location)

	_, err = tx.ExecContext(ctx, `
		UPDATE offers SET
			name=$2, line_id=$3, car_model=$4, license_plate=$5, start_location=$6,
			end_location=$7, remarks=$8, seats_total=$9, seats_available=$10,
			status=$11, lat=$12, lon=$13, passengers=$14, updated_at=$15
		WHERE id=$1`,
		work.ID, work.Name, work.LineID, work.CarModel, work.LicensePlate,
		work.StartLocation, work.EndLocation, work.Remarks,
		work.SeatsTotal, work.SeatsAvailable, string(work.Status),
		lat, lon, passengers, work.UpdatedAt)
	if err != nil {
		return models.Offer{}, mapStoreErr(ctx, err)
	}
	if err := tx.Commit(); err != nil {
		return models.Offer{}, mapStoreErr(ctx, err)
	}

	p.publish(ctx, &cur, &work)
	return work, nil
}

func (p *PostgresStore) QueryByLineID(ctx context.Context, lineID string) ([]models.Offer, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+offerColumns+` FROM offers WHERE line_id=$1`, lineID)
	if err != nil {
		return nil, mapStoreErr(ctx, err)
	}
	defer rows.Close()
	return collectOffers(rows)
}

// Subscribe retries the initial read so a transient DB blip is not
// delivered to the client as an empty roster; a persistent failure is
// logged and the subscription starts empty, catching up on the next
// committed change.
func (p *PostgresStore) Subscribe(filter func(models.Offer) bool) *Subscription {
	initial := initialSnapshot(func() ([]models.Offer, error) {
		return p.listAll(context.Background())
	}, 3, 100*time.Millisecond, p.log)
	return p.feed.subscribe(filter, initial)
}

func initialSnapshot(list func() ([]models.Offer, error), attempts int, delay time.Duration, log *slog.Logger) []models.Offer {
	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			time.Sleep(delay)
			delay *= 2
		}
		all, err := list()
		if err == nil {
			return all
		}
		lastErr = err
	}
	log.Warn("initial subscription snapshot unavailable, starting empty", "error", lastErr)
	return nil
}

// publish pushes the post-commit state to subscribers. The snapshot is
// re-read after commit, so it may already include later writes; the
// change feed is eventually consistent, never torn.
func (p *PostgresStore) publish(ctx context.Context, old, cur *models.Offer) {
	all, err := p.listAll(ctx)
	if err != nil {
		return
	}
	p.feed.notify(old, cur, all)
}

func (p *PostgresStore) listAll(ctx context.Context) ([]models.Offer, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+offerColumns+` FROM offers ORDER BY updated_at DESC`)
	if err != nil {
		return nil, mapStoreErr(ctx, err)
	}
	defer rows.Close()
	return collectOffers(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOffer(row rowScanner) (models.Offer, error) {
	var (
		o          models.Offer
		plate      sql.NullString
		remarks    sql.NullString
		lat, lon   sql.NullFloat64
		passengers []byte
		status     string
	)
	err := row.Scan(&o.ID, &o.Name, &o.LineID, &o.CarModel, &plate,
		&o.StartLocation, &o.EndLocation, &remarks,
		&o.SeatsTotal, &o.SeatsAvailable, &status, &lat, &lon, &passengers, &o.UpdatedAt)
	if err != nil {
		return models.Offer{}, err
	}
	o.LicensePlate = plate.String
	o.Remarks = remarks.String
	o.Status = models.OfferStatus(status)
	if lat.Valid && lon.Valid {
		o.Location = &models.Coord{Lat: lat.Float64, Lon: lon.Float64}
	}
	if len(passengers) > 0 {
		if err := json.Unmarshal(passengers, &o.Passengers); err != nil {
			return models.Offer{}, fmt.Errorf("decode passengers for offer %s: %w", o.ID, err)
		}
	}
	return o, nil
}

func collectOffers(rows *sql.Rows) ([]models.Offer, error) {
	var out []models.Offer
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func rosterOrEmpty(r []models.Reservation) []models.Reservation {
	if r == nil {
		return []models.Reservation{}
	}
	return r
}

func coordColumns(c *models.Coord) (lat, lon sql.NullFloat64) {
	if c != nil {
		lat = sql.NullFloat64{Float64: c.Lat, Valid: true}
		lon = sql.NullFloat64{Float64: c.Lon, Valid: true}
	}
	return lat, lon
}

// mapStoreErr translates driver-level failures into the domain
// taxonomy: row absence, serialization contention and deadline expiry
// each get their own sentinel so callers can tell a business outcome
// from an infrastructure hiccup.
func mapStoreErr(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return models.ErrOfferNotFound
	case ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", models.ErrTimeout, err)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return fmt.Errorf("%w: %v", models.ErrConflict, err)
		}
	}
	return err
}
