package engine

import (
	"context"
	"fmt"
	"time"
)

// PlaceSearchResult is one candidate returned by a remote place
// provider. Ranking and transport live with the provider; the engine
// only consumes the chosen record.
type PlaceSearchResult struct {
	ProviderID string
	Provider   string // "google", "foursquare", or "mapbox"
	Name       string
	Address    string
	Categories []string
	Latitude   float64
	Longitude  float64
}

// PlaceProvider searches for named places near a coordinate.
type PlaceProvider interface {
	SearchNearby(ctx context.Context, lat, lon float64, query string) ([]PlaceSearchResult, error)
}

// ResultRanker orders provider results best-first. Hosts inject their
// own ranking policy; RankByDistance is the fallback.
type ResultRanker func(lat, lon float64, results []PlaceSearchResult) []PlaceSearchResult

// RankByDistance orders results by distance from the query coordinate.
func RankByDistance(lat, lon float64, results []PlaceSearchResult) []PlaceSearchResult {
	out := make([]PlaceSearchResult, len(results))
	copy(out, results)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0; j-- {
			dj := haversine(lat, lon, out[j].Latitude, out[j].Longitude)
			dp := haversine(lat, lon, out[j-1].Latitude, out[j-1].Longitude)
			if dj >= dp {
				break
			}
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// SearchNearby queries the provider and returns ranked candidates for
// a visit at (lat, lon).
func (e *PlaceEngine) SearchNearby(ctx context.Context, provider PlaceProvider, rank ResultRanker, lat, lon float64, query string) ([]PlaceSearchResult, error) {
	results, err := provider.SearchNearby(ctx, lat, lon, query)
	if err != nil {
		return nil, fmt.Errorf("search nearby: %w", err)
	}
	if rank == nil {
		rank = RankByDistance
	}
	return rank(lat, lon, results), nil
}

// CreateFromResult persists a chosen provider result as a new Place,
// seeded with the minimum radius until member visits establish real
// stats.
func (e *PlaceEngine) CreateFromResult(ctx context.Context, r PlaceSearchResult, now time.Time) (*Place, error) {
	p := &Place{
		ID:            NewID(),
		Latitude:      r.Latitude,
		Longitude:     r.Longitude,
		RadiusMean:    placeRadiusMin,
		Name:          r.Name,
		Address:       r.Address,
		LastVisitDate: now,
		IsStale:       true,
	}
	switch r.Provider {
	case "google":
		p.GooglePlaceID = r.ProviderID
	case "foursquare":
		p.FoursquareID = r.ProviderID
	case "mapbox":
		p.MapboxID = r.ProviderID
	}
	if err := e.store.SavePlace(ctx, p); err != nil {
		return nil, fmt.Errorf("save new place: %w", err)
	}
	return p, nil
}
