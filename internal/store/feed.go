package store

import (
	"sync"

	"github.com/example/carpool-matching/internal/models"
)

// Subscription is a live change-feed handle. Snapshots arrive on C();
// only committed values are ever delivered. After Cancel returns no
// further snapshots are delivered and C() is closed.
type Subscription struct {
	filter func(models.Offer) bool
	ch     chan []models.Offer
	cancel func(*Subscription)
	once   sync.Once
}

func (s *Subscription) C() <-chan []models.Offer { return s.ch }

func (s *Subscription) Cancel() {
	s.once.Do(func() { s.cancel(s) })
}

// deliver hands a snapshot to the subscriber without blocking the
// mutation path: a slow consumer only ever has the latest snapshot
// pending.
func (s *Subscription) deliver(snap []models.Offer) {
	select {
	case s.ch <- snap:
		return
	default:
	}
	select {
	case <-s.ch:
	default:
	}
	select {
	case s.ch <- snap:
	default:
	}
}

// feed fans committed snapshots out to subscribers. Delivery and
// cancellation both run under the feed mutex, so Cancel returning
// guarantees no later delivery.
type feed struct {
	mu   sync.Mutex
	subs map[*Subscription]struct{}
}

func newFeed() *feed {
	return &feed{subs: make(map[*Subscription]struct{})}
}

func (f *feed) subscribe(filter func(models.Offer) bool, initial []models.Offer) *Subscription {
	s := &Subscription{
		filter: filter,
		ch:     make(chan []models.Offer, 1),
		cancel: f.unsubscribe,
	}
	f.mu.Lock()
	f.subs[s] = struct{}{}
	s.deliver(filterOffers(filter, initial))
	f.mu.Unlock()
	return s
}

func (f *feed) unsubscribe(s *Subscription) {
	f.mu.Lock()
	delete(f.subs, s)
	f.mu.Unlock()
	close(s.ch)
}

// notify publishes a committed change. old and cur are the offer before
// and after the mutation (nil on create and delete respectively); all is
// the full committed offer set. A subscriber is woken when either side
// of the change matches its filter, so offers leaving the filtered set
// still trigger a snapshot.
func (f *feed) notify(old, cur *models.Offer, all []models.Offer) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for s := range f.subs {
		if (old != nil && s.filter(*old)) || (cur != nil && s.filter(*cur)) {
			s.deliver(filterOffers(s.filter, all))
		}
	}
}

func filterOffers(filter func(models.Offer) bool, all []models.Offer) []models.Offer {
	out := make([]models.Offer, 0, len(all))
	for _, o := range all {
		if filter(o) {
			out = append(out, o)
		}
	}
	return out
}
