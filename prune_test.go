package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loc(lat, lon float64) *Location {
	return &Location{Latitude: lat, Longitude: lon, HorizontalAccuracy: 5}
}

func TestPruner_VisitKeep_KeepsEdgesAndNonStationary(t *testing.T) {
	pr := NewPruner()
	start := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	base := &TimelineItemBase{StartDate: start, EndDate: start.Add(2 * time.Hour)}

	samples := []*LocomotionSample{
		{Date: start, MovingState: MovingStateStationary, Location: loc(35, 139)},             // within first 30m, kept verbatim
		{Date: start.Add(45 * time.Minute), MovingState: MovingStateMoving, Location: loc(35, 139)},  // non-stationary, always kept
		{Date: start.Add(50 * time.Minute), MovingState: MovingStateStationary, Location: loc(35, 139)},
		{Date: start.Add(51 * time.Minute), MovingState: MovingStateStationary, Location: loc(35, 139)},
		{Date: start.Add(115 * time.Minute), MovingState: MovingStateStationary, Location: loc(35, 139)}, // within last 30m, kept verbatim
	}

	kept := pr.KeptIndices(base, nil, samples)
	assert.Contains(t, kept, 0)
	assert.Contains(t, kept, 1)
	assert.Contains(t, kept, 4)
	// of the two middle stationary samples sharing one 2-minute window,
	// only the better one survives.
	middleKept := 0
	for _, i := range kept {
		if i == 2 || i == 3 {
			middleKept++
		}
	}
	assert.Equal(t, 1, middleKept)
}

func TestPruner_VisitKeep_PicksLowerAccuracyAsBetter(t *testing.T) {
	pr := NewPruner()
	start := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	base := &TimelineItemBase{StartDate: start, EndDate: start.Add(2 * time.Hour)}

	worse := loc(35, 139)
	worse.HorizontalAccuracy = 40
	better := loc(35, 139)
	better.HorizontalAccuracy = 5

	samples := []*LocomotionSample{
		{Date: start.Add(45 * time.Minute), MovingState: MovingStateStationary, Location: worse},
		{Date: start.Add(45*time.Minute + 30*time.Second), MovingState: MovingStateStationary, Location: better},
	}
	kept := pr.KeptIndices(base, nil, samples)
	require.Len(t, kept, 1)
	assert.Equal(t, 1, kept[0])
}

func TestPruner_TripKeep_KeepsEndpointsForShortRuns(t *testing.T) {
	pr := NewPruner()
	samples := []*LocomotionSample{
		{Date: time.Unix(0, 0), Location: loc(35, 139)},
		{Date: time.Unix(1, 0), Location: loc(35.001, 139)},
	}
	kept := pr.KeptIndices(&TimelineItemBase{}, &TimelineItemTrip{}, samples)
	assert.Equal(t, []int{0, 1}, kept)
}

func TestPruner_TripKeep_DropsColinearMiddlePoints(t *testing.T) {
	pr := NewPruner()
	base := time.Unix(0, 0)
	// a straight line north; the middle points add no perpendicular
	// deviation and should be simplified away at the vehicle epsilon (4m).
	samples := []*LocomotionSample{
		{Date: base, Location: loc(35.0000, 139.0)},
		{Date: base.Add(time.Second), Location: loc(35.0001, 139.0)},
		{Date: base.Add(2 * time.Second), Location: loc(35.0002, 139.0)},
		{Date: base.Add(3 * time.Second), Location: loc(35.0003, 139.0)},
	}
	trip := &TimelineItemTrip{}
	kept := pr.KeptIndices(&TimelineItemBase{}, trip, samples)
	assert.Equal(t, []int{0, 3}, kept)
}

func TestPruner_TripKeep_KeepsOutlierAboveEpsilon(t *testing.T) {
	pr := NewPruner()
	base := time.Unix(0, 0)
	samples := []*LocomotionSample{
		{Date: base, Location: loc(35.0000, 139.0)},
		{Date: base.Add(time.Second), Location: loc(35.0005, 139.002)}, // well off the straight line
		{Date: base.Add(2 * time.Second), Location: loc(35.0010, 139.0)},
	}
	trip := &TimelineItemTrip{}
	kept := pr.KeptIndices(&TimelineItemBase{}, trip, samples)
	assert.Contains(t, kept, 1)
}

func TestPruner_TripKeep_HardBoundaryAtGap(t *testing.T) {
	pr := NewPruner()
	base := time.Unix(0, 0)
	// the vehicle maxGap is 6s; a 10-minute jump forces a hard boundary
	// that keeps both straddling samples even though they're colinear.
	samples := []*LocomotionSample{
		{Date: base, Location: loc(35.0000, 139.0)},
		{Date: base.Add(time.Second), Location: loc(35.0001, 139.0)},
		{Date: base.Add(10 * time.Minute), Location: loc(35.0002, 139.0)},
		{Date: base.Add(10*time.Minute + time.Second), Location: loc(35.0003, 139.0)},
	}
	trip := &TimelineItemTrip{}
	kept := pr.KeptIndices(&TimelineItemBase{}, trip, samples)
	assert.Contains(t, kept, 1)
	assert.Contains(t, kept, 2)
}

func TestDpParamsFor_Airplane(t *testing.T) {
	assert.Equal(t, dpAirplane, dpParamsFor(ActivityAirplane))
}

func TestDpParamsFor_WorkoutRange(t *testing.T) {
	assert.Equal(t, dpWorkout, dpParamsFor(ActivityType(55)))
}

func TestDpParamsFor_DefaultsToVehicle(t *testing.T) {
	assert.Equal(t, dpVehicle, dpParamsFor(ActivityWalking))
}
