package location

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/example/carpool-matching/internal/clock"
	"github.com/example/carpool-matching/internal/geo"
	"github.com/example/carpool-matching/internal/models"
	"github.com/example/carpool-matching/internal/observability"
	"github.com/example/carpool-matching/internal/store"
)

// Publisher writes best-effort position updates onto offers. It sits
// entirely outside the seat-reservation path: a failed or throttled
// write is logged and dropped, never reported to the caller.
//
// Writes are throttled to one per offer per interval, anchored to the
// last successful write, so a fast position stream cannot flood the
// store. A clear (nil coords) bypasses the throttle: stopping location
// sharing takes effect immediately.
type Publisher struct {
	store    store.Store
	tracker  geo.Tracker
	clock    clock.Clock
	log      *slog.Logger
	interval time.Duration

	mu        sync.Mutex
	lastWrite map[string]time.Time
}

const DefaultMinInterval = 15 * time.Second

func NewPublisher(st store.Store, tracker geo.Tracker, clk clock.Clock, log *slog.Logger, interval time.Duration) *Publisher {
	if clk == nil {
		clk = clock.NewSystem()
	}
	if interval <= 0 {
		interval = DefaultMinInterval
	}
	return &Publisher{
		store:     st,
		tracker:   tracker,
		clock:     clk,
		log:       log,
		interval:  interval,
		lastWrite: make(map[string]time.Time),
	}
}

// Publish is the fire-and-forget entry point used by the HTTP shell.
func (p *Publisher) Publish(ctx context.Context, driverID string, c *models.Coord) {
	if err := p.Apply(ctx, driverID, c); err != nil {
		p.log.Warn("location update dropped", "driver_id", driverID, "error", err)
	}
}

// Apply performs one update and reports the outcome, for callers such as
// the stream consumer that want to retry transient failures themselves.
// A throttled update is a success: the position was simply too fresh.
func (p *Publisher) Apply(ctx context.Context, driverID string, c *models.Coord) error {
	var prev time.Time
	var hadPrev bool
	if c != nil {
		ok, last, existed := p.reserveSlot(driverID)
		if !ok {
			observability.LocationThrottledTotal.Inc()
			return nil
		}
		prev, hadPrev = last, existed
	}

	_, err := p.store.Transact(ctx, driverID, func(o *models.Offer) error {
		if c == nil {
			o.Location = nil
		} else {
			loc := *c
			o.Location = &loc
		}
		return nil
	})
	if err != nil {
		if c != nil {
			p.restoreSlot(driverID, prev, hadPrev)
		}
		return err
	}

	if c == nil {
		p.forgetSlot(driverID)
	}
	observability.LocationWritesTotal.Inc()

	if p.tracker != nil {
		if c == nil {
			p.tracker.Remove(driverID)
		} else {
			p.tracker.Upsert(driverID, *c)
		}
	}
	return nil
}

// reserveSlot is the throttle's check-and-reserve: it claims the window
// in the same critical section that inspects it, so two concurrent
// writes for one driver cannot both pass. The window stays anchored to
// the last successful write; restoreSlot gives the claim back when the
// store write fails.
func (p *Publisher) reserveSlot(driverID string) (ok bool, prev time.Time, existed bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	prev, existed = p.lastWrite[driverID]
	if existed && p.clock.Now().Sub(prev) < p.interval {
		return false, prev, existed
	}
	p.lastWrite[driverID] = p.clock.Now()
	return true, prev, existed
}

func (p *Publisher) restoreSlot(driverID string, prev time.Time, existed bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if existed {
		p.lastWrite[driverID] = prev
	} else {
		delete(p.lastWrite, driverID)
	}
}

func (p *Publisher) forgetSlot(driverID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.lastWrite, driverID)
}
