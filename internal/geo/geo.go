package geo

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/example/carpool-matching/internal/models"
)

// Tracker indexes the last-known positions of live offers so the map
// view can ask for vehicles near a point. Positions are best-effort
// metadata; nothing here participates in seat bookkeeping.
type Tracker interface {
	Upsert(offerID string, c models.Coord)
	Remove(offerID string)
	Nearby(lat, lon float64, limit int) []Result
}

// Result is one offer position with its distance from the query point.
type Result struct {
	OfferID string       `json:"offer_id"`
	Coord   models.Coord `json:"coord"`
	Meters  float64      `json:"distance_meters"`
}

type position struct {
	coord   models.Coord
	updated time.Time
}

// Index is the in-process tracker, used when Redis is not configured.
type Index struct {
	mu        sync.RWMutex
	positions map[string]position
}

func NewIndex() *Index {
	return &Index{positions: make(map[string]position)}
}

func (g *Index) Upsert(offerID string, c models.Coord) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.positions[offerID] = position{coord: c, updated: time.Now()}
}

func (g *Index) Remove(offerID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.positions, offerID)
}

// naive scan; the live-offer count is small and bounded
func (g *Index) Nearby(lat, lon float64, limit int) []Result {
	g.mu.RLock()
	defer g.mu.RUnlock()
	arr := make([]Result, 0, len(g.positions))
	for id, p := range g.positions {
		arr = append(arr, Result{
			OfferID: id,
			Coord:   p.coord,
			Meters:  Haversine(lat, lon, p.coord.Lat, p.coord.Lon),
		})
	}
	sort.Slice(arr, func(i, j int) bool { return arr[i].Meters < arr[j].Meters })
	if limit > 0 && len(arr) > limit {
		arr = arr[:limit]
	}
	return arr
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}
