package liveview

import (
	"sync"

	"github.com/example/carpool-matching/internal/models"
	"github.com/example/carpool-matching/internal/observability"
	"github.com/example/carpool-matching/internal/store"
)

// Projector turns the store change feed into the two observer streams
// the shell needs: the passenger-facing roster and a driver's own offer.
// Delivery is eventually consistent with the store; every snapshot is a
// committed value.
type Projector struct {
	store store.Store
}

func NewProjector(st store.Store) *Projector {
	return &Projector{store: st}
}

// SubscribeRoster streams the full list of visible offers (active, full
// or departed), newest first, on every change to any of them. The first
// snapshot arrives without waiting for a mutation.
func (p *Projector) SubscribeRoster() *RosterHandle {
	sub := p.store.Subscribe(func(o models.Offer) bool {
		switch o.Status {
		case models.StatusActive, models.StatusFull, models.StatusDeparted:
			return true
		}
		return false
	})
	h := &RosterHandle{sub: sub, ch: make(chan []models.Offer, 1)}
	observability.LiveSubscribers.Inc()
	go h.pump()
	return h
}

// SubscribeOffer streams one driver's offer; a nil event means the offer
// does not exist (deleted or never published).
func (p *Projector) SubscribeOffer(driverID string) *OfferHandle {
	sub := p.store.Subscribe(func(o models.Offer) bool { return o.ID == driverID })
	h := &OfferHandle{sub: sub, ch: make(chan *models.Offer, 1)}
	observability.LiveSubscribers.Inc()
	go h.pump()
	return h
}

// RosterHandle is a cancellable roster stream. Cancel is deterministic:
// once it returns, nothing more is delivered and C is eventually closed.
type RosterHandle struct {
	sub  *store.Subscription
	ch   chan []models.Offer
	mu   sync.Mutex
	done bool
}

func (h *RosterHandle) C() <-chan []models.Offer { return h.ch }

// Cancel is idempotent: teardown paths may race to call it, the gauge
// moves once.
func (h *RosterHandle) Cancel() {
	h.sub.Cancel()
	h.mu.Lock()
	already := h.done
	h.done = true
	h.mu.Unlock()
	if !already {
		observability.LiveSubscribers.Dec()
	}
}

func (h *RosterHandle) pump() {
	defer close(h.ch)
	for snap := range h.sub.C() {
		h.mu.Lock()
		if h.done {
			h.mu.Unlock()
			return
		}
		deliverLatest(h.ch, snap)
		h.mu.Unlock()
	}
}

// OfferHandle is a cancellable single-offer stream.
type OfferHandle struct {
	sub  *store.Subscription
	ch   chan *models.Offer
	mu   sync.Mutex
	done bool
}

func (h *OfferHandle) C() <-chan *models.Offer { return h.ch }

func (h *OfferHandle) Cancel() {
	h.sub.Cancel()
	h.mu.Lock()
	already := h.done
	h.done = true
	h.mu.Unlock()
	if !already {
		observability.LiveSubscribers.Dec()
	}
}

func (h *OfferHandle) pump() {
	defer close(h.ch)
	for snap := range h.sub.C() {
		var ev *models.Offer
		if len(snap) > 0 {
			o := snap[0]
			ev = &o
		}
		h.mu.Lock()
		if h.done {
			h.mu.Unlock()
			return
		}
		deliverLatest(h.ch, ev)
		h.mu.Unlock()
	}
}

// deliverLatest keeps at most one pending event per subscriber so a slow
// websocket never backs up the mutation path.
func deliverLatest[T any](ch chan T, v T) {
	select {
	case ch <- v:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- v:
	default:
	}
}
