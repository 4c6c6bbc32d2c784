package engine

import (
	"context"
	"fmt"
	"math"
	"time"
)

// placeRadiusMin and placeRadiusMax clamp a Place's radius.
const (
	placeRadiusMin = 10.0
	placeRadiusMax = 150.0
)

// weekdayClass buckets a date into one of the four histogram classes:
// all, weekday, Sat, Sun. "all" is not a class of its own key; every
// observation always updates it alongside whichever of the other three
// applies.
type weekdayClass int

const (
	classAll weekdayClass = iota
	classWeekday
	classSaturday
	classSunday
)

func weekdayClassOf(t time.Time) weekdayClass {
	switch t.Weekday() {
	case time.Saturday:
		return classSaturday
	case time.Sunday:
		return classSunday
	default:
		return classWeekday
	}
}

// minuteHistogram is a fixed-length counter bucketed by minute-of-day,
// used for arrival/leaving time-of-day and occupancy.
type minuteHistogram [1440]float64

// durationHistogram buckets visit durations in 5-minute buckets up to
// 8 hours; the last bucket also takes every longer stay.
const durationBuckets = 96 // 8h / 5min

type durationHistogram [durationBuckets]float64

func durationBucket(d time.Duration) int {
	idx := int(d / (5 * time.Minute))
	if idx >= durationBuckets {
		return durationBuckets - 1
	}
	if idx < 0 {
		return 0
	}
	return idx
}

// PlaceHistograms bundles the four per-place histograms, one set per
// weekday class.
type PlaceHistograms struct {
	ArrivalTimes   [4]minuteHistogram
	LeavingTimes   [4]minuteHistogram
	VisitDurations [4]durationHistogram
	Occupancy      [4]minuteHistogram
}

// Place is a recurring dwell location. Places are never hard-deleted.
type Place struct {
	ID ID

	Latitude, Longitude float64
	RadiusMean, RadiusSD float64

	Name         string
	Address      string
	Locality     string
	CountryCode  string
	TimeZone     string

	GooglePlaceID    string
	FoursquareID     string
	MapboxID         string

	VisitCount    int
	LastVisitDate time.Time

	Histograms PlaceHistograms

	IsStale bool
}

// ClampRadius hard-clamps RadiusMean to [10,150]m.
func (p *Place) ClampRadius() {
	p.RadiusMean = clamp(p.RadiusMean, placeRadiusMin, placeRadiusMax)
	if p.RadiusSD < 0 {
		p.RadiusSD = 0
	}
}

// withSD returns radius inflated by n standard deviations, the
// quantity the candidate test compares center-to-center distance
// against.
func (p *Place) withSD(n float64) float64 {
	return p.RadiusMean + n*p.RadiusSD
}

// PlaceCandidateStore resolves bounding-box overlap candidates via the
// R-Tree spatial index.
type PlaceCandidateStore interface {
	CandidatesNear(ctx context.Context, minLat, minLon, maxLat, maxLon float64) ([]*Place, error)
	SavePlace(ctx context.Context, p *Place) error
}

// PlaceEngine handles recurring-dwell candidate search, running place
// stats, and the four weekday-class histograms.
type PlaceEngine struct {
	store PlaceCandidateStore
}

// NewPlaceEngine returns an engine backed by store.
func NewPlaceEngine(store PlaceCandidateStore) *PlaceEngine {
	return &PlaceEngine{store: store}
}

// CandidatesFor returns the places whose bounding box overlaps the
// visit's bounding box and whose center-to-center distance is within
// the sum of both radii inflated by two standard deviations.
func (e *PlaceEngine) CandidatesFor(ctx context.Context, visitLat, visitLon, visitRadiusMean, visitRadiusSD float64) ([]*Place, error) {
	visitRadius := visitRadiusMean + 2*visitRadiusSD
	degLat := visitRadius / metersPerDegreeLat
	degLon := visitRadius / (metersPerDegreeLat * math.Max(math.Cos(visitLat*math.Pi/180), 0.01))

	boxed, err := e.store.CandidatesNear(ctx,
		visitLat-degLat, visitLon-degLon, visitLat+degLat, visitLon+degLon)
	if err != nil {
		return nil, fmt.Errorf("candidate search: %w", err)
	}

	var out []*Place
	for _, p := range boxed {
		d := haversine(visitLat, visitLon, p.Latitude, p.Longitude)
		if d <= visitRadius+p.withSD(2) {
			out = append(out, p)
		}
	}
	return out, nil
}

// RecordVisit folds a completed, place-confirmed visit into the
// place's running stats and all four histograms.
func (e *PlaceEngine) RecordVisit(ctx context.Context, p *Place, arrival, leaving time.Time, occupiedMinutes []int) error {
	p.VisitCount++
	p.LastVisitDate = leaving

	cls := weekdayClassOf(arrival)
	arrivalMinute := arrival.Hour()*60 + arrival.Minute()
	leavingMinute := leaving.Hour()*60 + leaving.Minute()
	duration := leaving.Sub(arrival)
	durBucket := durationBucket(duration)

	p.Histograms.ArrivalTimes[classAll][arrivalMinute]++
	p.Histograms.ArrivalTimes[cls][arrivalMinute]++
	p.Histograms.LeavingTimes[classAll][leavingMinute]++
	p.Histograms.LeavingTimes[cls][leavingMinute]++
	p.Histograms.VisitDurations[classAll][durBucket]++
	p.Histograms.VisitDurations[cls][durBucket]++
	for _, m := range occupiedMinutes {
		if m < 0 || m >= 1440 {
			continue
		}
		p.Histograms.Occupancy[classAll][m]++
		p.Histograms.Occupancy[cls][m]++
	}

	p.markStale(true)

	return e.store.SavePlace(ctx, p)
}

// markStale sets isStale whenever a member visit changes;
// recomputation is deferred unless the place has fewer than 30 visits
// and the change is user-confirmed.
func (p *Place) markStale(userConfirmed bool) {
	p.IsStale = true
	if p.VisitCount < 30 && userConfirmed {
		p.IsStale = false
	}
}

// leavingProbabilityFor returns a joint probability from the
// leaving-time histogram conditioned on current duration via the
// duration histogram.
func (e *PlaceEngine) leavingProbabilityFor(p *Place, duration time.Duration, date time.Time) float64 {
	cls := weekdayClassOf(date)
	durBucket := durationBucket(duration)

	durTotal := histTotal(p.Histograms.VisitDurations[cls][:])
	if durTotal == 0 {
		return 0
	}
	pDuration := p.Histograms.VisitDurations[cls][durBucket] / durTotal

	leavingMinute := date.Add(duration).Hour()*60 + date.Add(duration).Minute()
	leaveTotal := histTotal(p.Histograms.LeavingTimes[cls][:])
	if leaveTotal == 0 {
		return 0
	}
	pLeaving := p.Histograms.LeavingTimes[cls][leavingMinute] / leaveTotal

	return pDuration * pLeaving
}

func histTotal(h []float64) float64 {
	var total float64
	for _, v := range h {
		total += v
	}
	return total
}
