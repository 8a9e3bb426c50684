package geo

import (
	"testing"

	"github.com/example/carpool-matching/internal/models"
)

func TestHaversineZero(t *testing.T) {
	d := Haversine(0, 0, 0, 0)
	if d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestNearbyOrdersByDistance(t *testing.T) {
	idx := NewIndex()
	idx.Upsert("far", models.Coord{Lat: 25.1, Lon: 121.7})
	idx.Upsert("near", models.Coord{Lat: 25.034, Lon: 121.565})
	idx.Upsert("mid", models.Coord{Lat: 25.05, Lon: 121.60})

	got := idx.Nearby(25.033, 121.564, 2)
	if len(got) != 2 {
		t.Fatalf("limit ignored: got %d results", len(got))
	}
	if got[0].OfferID != "near" || got[1].OfferID != "mid" {
		t.Fatalf("wrong order: %s, %s", got[0].OfferID, got[1].OfferID)
	}
}

func TestRemoveDropsPosition(t *testing.T) {
	idx := NewIndex()
	idx.Upsert("d1", models.Coord{Lat: 1, Lon: 1})
	idx.Remove("d1")
	if got := idx.Nearby(1, 1, 10); len(got) != 0 {
		t.Fatalf("removed position still returned: %+v", got)
	}
}
