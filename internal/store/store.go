package store

import (
	"context"

	"github.com/example/carpool-matching/internal/models"
)

// Store defines persistence operations for ride offers. Both the
// in-memory and the Postgres implementations satisfy the same
// transactional contract: Transact runs its mutator against the current
// committed offer and either commits the result atomically or reports
// why it could not.
type Store interface {
	// Get returns the committed offer or models.ErrOfferNotFound.
	Get(ctx context.Context, offerID string) (models.Offer, error)

	// Put writes the whole offer, creating it if absent. Status and
	// UpdatedAt are normalized on commit.
	Put(ctx context.Context, offer models.Offer) (models.Offer, error)

	// Delete removes the offer and its roster as one unit.
	// Returns models.ErrOfferNotFound when already gone.
	Delete(ctx context.Context, offerID string) error

	// Transact applies fn to a copy of the committed offer and commits
	// the result atomically. fn returning an error aborts the write and
	// the error is returned unchanged. Concurrent-writer contention
	// surfaces as models.ErrConflict.
	Transact(ctx context.Context, offerID string, fn func(*models.Offer) error) (models.Offer, error)

	// QueryByLineID returns offers whose contact handle matches exactly
	// (case-sensitive). Used by the best-effort uniqueness guard.
	QueryByLineID(ctx context.Context, lineID string) ([]models.Offer, error)

	// Subscribe registers a change-feed observer. The subscription
	// receives the full filtered snapshot immediately and again after
	// every committed mutation or delete touching a matching offer.
	Subscribe(filter func(models.Offer) bool) *Subscription
}
