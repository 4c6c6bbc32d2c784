package engine

import (
	"math"
	"sort"
	"time"
)

// dpParams bundles the epsilon/maxGap pair for time-aware
// Douglas-Peucker simplification, keyed by activity type class.
type dpParams struct {
	epsilon float64 // metres
	maxGap  time.Duration
}

var (
	dpWorkout  = dpParams{epsilon: 3, maxGap: 2 * time.Second}
	dpAirplane = dpParams{epsilon: 100, maxGap: 15 * time.Second}
	dpVehicle  = dpParams{epsilon: 4, maxGap: 6 * time.Second}
)

func dpParamsFor(a ActivityType) dpParams {
	switch a {
	case ActivityAirplane:
		return dpAirplane
	default:
		if a >= 50 && a <= 61 {
			return dpWorkout
		}
		return dpVehicle
	}
}

// Pruner reduces the retained samples per item by an activity-aware
// policy; the caller hard-deletes everything outside the kept index
// set. Pruning is a monotone reduction: a second run keeps everything
// the first run kept.
type Pruner struct{}

// NewPruner returns a stateless pruner; all inputs are passed per
// call.
func NewPruner() *Pruner { return &Pruner{} }

// KeptIndices returns the indices (into samples, which must be sorted
// by Date ascending) to retain for one timeline item.
func (pr *Pruner) KeptIndices(base *TimelineItemBase, trip *TimelineItemTrip, samples []*LocomotionSample) []int {
	if base.IsVisit {
		return pr.visitKeep(base, samples)
	}
	return pr.tripKeep(trip, samples)
}

// visitKeep keeps all non-stationary samples, the first/last 30
// minutes verbatim, and from the remaining middle the best (lowest
// horizontal accuracy, ties to oldest) one sample per rolling 2-minute
// window.
func (pr *Pruner) visitKeep(base *TimelineItemBase, samples []*LocomotionSample) []int {
	if len(samples) == 0 {
		return nil
	}

	kept := map[int]bool{}
	edgeCutoffEarly := base.StartDate.Add(30 * time.Minute)
	edgeCutoffLate := base.EndDate.Add(-30 * time.Minute)

	middleByWindow := map[int64]int{} // window index -> best sample index
	for i, s := range samples {
		if s.MovingState != MovingStateStationary {
			kept[i] = true
			continue
		}
		if s.Date.Before(edgeCutoffEarly) || s.Date.After(edgeCutoffLate) {
			kept[i] = true
			continue
		}

		windowIdx := s.Date.Sub(base.StartDate) / (2 * time.Minute)
		cur, ok := middleByWindow[int64(windowIdx)]
		if !ok {
			middleByWindow[int64(windowIdx)] = i
			continue
		}
		if better(s, samples[cur]) {
			middleByWindow[int64(windowIdx)] = i
		}
	}
	for _, i := range middleByWindow {
		kept[i] = true
	}

	return sortedKeys(kept)
}

// better implements the "best" = lowest horizontal accuracy, ties to
// oldest comparator.
func better(a, b *LocomotionSample) bool {
	aAcc, aOK := accuracyOf(a)
	bAcc, bOK := accuracyOf(b)
	if aOK != bOK {
		return aOK
	}
	if aOK && aAcc != bAcc {
		return aAcc < bAcc
	}
	return a.Date.Before(b.Date)
}

func accuracyOf(s *LocomotionSample) (float64, bool) {
	if s.Location == nil {
		return 0, false
	}
	return s.Location.HorizontalAccuracy, true
}

// tripKeep runs a time-aware Douglas-Peucker that treats any gap
// longer than maxGap as a hard segment boundary (both endpoints of the
// gap are always kept).
func (pr *Pruner) tripKeep(trip *TimelineItemTrip, samples []*LocomotionSample) []int {
	if len(samples) == 0 {
		return nil
	}
	if len(samples) <= 2 {
		return allIndices(len(samples))
	}

	activity := ActivityUnknown
	if trip != nil {
		if trip.ConfirmedActivityType != nil {
			activity = *trip.ConfirmedActivityType
		} else if trip.ClassifiedActivityType != nil {
			activity = *trip.ClassifiedActivityType
		}
	}
	params := dpParamsFor(activity)

	kept := map[int]bool{0: true, len(samples) - 1: true}

	// split into segments at any gap exceeding maxGap; each segment is
	// simplified independently, and every segment boundary is kept
	// verbatim.
	segStart := 0
	for i := 1; i < len(samples); i++ {
		if samples[i].Date.Sub(samples[i-1].Date) > params.maxGap {
			kept[i-1] = true
			kept[i] = true
			douglasPeucker(samples, segStart, i-1, params.epsilon, kept)
			segStart = i
		}
	}
	douglasPeucker(samples, segStart, len(samples)-1, params.epsilon, kept)

	return sortedKeys(kept)
}

// douglasPeucker runs the classic algorithm over samples[lo:hi]
// (inclusive), treating location as a flat lat/lon plane scaled to
// metres (fine at the scale of one trip segment), and marks kept
// indices into the kept set.
func douglasPeucker(samples []*LocomotionSample, lo, hi int, epsilon float64, kept map[int]bool) {
	if hi <= lo+1 {
		return
	}
	a, b := samples[lo], samples[hi]
	if !a.HasUsableLocation() || !b.HasUsableLocation() {
		return
	}

	var maxDist float64
	maxIdx := -1
	for i := lo + 1; i < hi; i++ {
		s := samples[i]
		if !s.HasUsableLocation() {
			continue
		}
		d := perpendicularDistance(s.Location, a.Location, b.Location)
		if d > maxDist {
			maxDist = d
			maxIdx = i
		}
	}

	if maxIdx == -1 || maxDist <= epsilon {
		return
	}

	kept[maxIdx] = true
	douglasPeucker(samples, lo, maxIdx, epsilon, kept)
	douglasPeucker(samples, maxIdx, hi, epsilon, kept)
}

// perpendicularDistance approximates the metre distance from p to the
// line a-b using an equirectangular projection centered on a, adequate
// for the scale of a single trip leg.
func perpendicularDistance(p, a, b *Location) float64 {
	cos := math.Cos(a.Latitude * math.Pi / 180)
	toXY := func(loc *Location) (float64, float64) {
		x := (loc.Longitude - a.Longitude) * metersPerDegreeLat * cos
		y := (loc.Latitude - a.Latitude) * metersPerDegreeLat
		return x, y
	}
	px, py := toXY(p)
	bx, by := toXY(b)

	lineLen := math.Hypot(bx, by)
	if lineLen == 0 {
		return math.Hypot(px, py)
	}
	// distance from point to line through origin-b
	cross := px*by - py*bx
	return math.Abs(cross) / lineLen
}

func allIndices(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}

func sortedKeys(m map[int]bool) []int {
	out := make([]int, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Ints(out)
	return out
}
