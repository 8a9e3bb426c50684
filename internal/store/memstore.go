package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/example/carpool-matching/internal/clock"
	"github.com/example/carpool-matching/internal/models"
)

// MemStore keeps offers in process memory. It is the default store when
// PG_DSN is unset and the reference implementation of the transactional
// contract: one mutex serializes every mutation, so Transact is
// linearizable per offer by construction.
type MemStore struct {
	mu     sync.Mutex
	offers map[string]models.Offer
	feed   *feed
	clock  clock.Clock
}

func NewMemStore(clk clock.Clock) *MemStore {
	if clk == nil {
		clk = clock.NewSystem()
	}
	return &MemStore{
		offers: make(map[string]models.Offer),
		feed:   newFeed(),
		clock:  clk,
	}
}

func (m *MemStore) Get(ctx context.Context, offerID string) (models.Offer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.offers[offerID]
	if !ok {
		return models.Offer{}, models.ErrOfferNotFound
	}
	return o.Clone(), nil
}

func (m *MemStore) Put(ctx context.Context, offer models.Offer) (models.Offer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var old *models.Offer
	prev := time.Time{}
	if cur, ok := m.offers[offer.ID]; ok {
		c := cur.Clone()
		old = &c
		prev = cur.UpdatedAt
	}

	offer.Normalize()
	offer.UpdatedAt = m.stamp(prev)
	m.offers[offer.ID] = offer.Clone()

	committed := offer.Clone()
	m.feed.notify(old, &committed, m.snapshotLocked())
	return committed, nil
}

func (m *MemStore) Delete(ctx context.Context, offerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.offers[offerID]
	if !ok {
		return models.ErrOfferNotFound
	}
	old := cur.Clone()
	delete(m.offers, offerID)
	m.feed.notify(&old, nil, m.snapshotLocked())
	return nil
}

func (m *MemStore) Transact(ctx context.Context, offerID string, fn func(*models.Offer) error) (models.Offer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.offers[offerID]
	if !ok {
		return models.Offer{}, models.ErrOfferNotFound
	}

	work := cur.Clone()
	if err := fn(&work); err != nil {
		return models.Offer{}, err
	}
	work.ID = cur.ID
	work.Normalize()
	work.UpdatedAt = m.stamp(cur.UpdatedAt)
	m.offers[offerID] = work.Clone()

	old := cur.Clone()
	committed := work.Clone()
	m.feed.notify(&old, &committed, m.snapshotLocked())
	return committed, nil
}

func (m *MemStore) QueryByLineID(ctx context.Context, lineID string) ([]models.Offer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Offer
	for _, o := range m.offers {
		if o.LineID == lineID {
			out = append(out, o.Clone())
		}
	}
	return out, nil
}

func (m *MemStore) Subscribe(filter func(models.Offer) bool) *Subscription {
	m.mu.Lock()
	initial := m.snapshotLocked()
	m.mu.Unlock()
	return m.feed.subscribe(filter, initial)
}

// stamp assigns the next UpdatedAt, kept strictly advancing even when
// the injected clock stands still.
func (m *MemStore) stamp(prev time.Time) time.Time {
	now := m.clock.Now()
	if !now.After(prev) {
		now = prev.Add(time.Millisecond)
	}
	return now
}

func (m *MemStore) snapshotLocked() []models.Offer {
	all := make([]models.Offer, 0, len(m.offers))
	for _, o := range m.offers {
		all = append(all, o.Clone())
	}
	sort.Slice(all, func(i, j int) bool { return all[i].UpdatedAt.After(all[j].UpdatedAt) })
	return all
}
