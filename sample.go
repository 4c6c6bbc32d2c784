package engine

import "time"

// MovingState classifies a sample's instantaneous motion state.
type MovingState int

const (
	MovingStateUncertain MovingState = iota
	MovingStateStationary
	MovingStateMoving
)

func (s MovingState) String() string {
	switch s {
	case MovingStateStationary:
		return "stationary"
	case MovingStateMoving:
		return "moving"
	default:
		return "uncertain"
	}
}

// RecordingState reflects the sampling actor's power/recording mode.
type RecordingState int

const (
	RecordingStateRecording RecordingState = iota
	RecordingStateSleeping
	RecordingStateOff
	RecordingStateStandby
)

// ActivityType is a fixed, stable integer code. These values must
// never be reassigned: they appear in persisted rows, training CSVs,
// and export files.
type ActivityType int

const (
	ActivityUnknown    ActivityType = -1
	ActivityBogus      ActivityType = 0
	ActivityStationary ActivityType = 1
	ActivityWalking    ActivityType = 2
	ActivityRunning    ActivityType = 3
	ActivityCycling    ActivityType = 4
	ActivityCar        ActivityType = 5
	ActivityAirplane   ActivityType = 6
)

// transport types occupy 20-35; active types occupy 50-61. Only the
// handful actually exercised by the pruning policy and the classifier
// vector are named; the remainder of each range is reserved and still
// representable as a plain ActivityType value.
const (
	ActivityTrain ActivityType = 20 + iota
	ActivityBus
	ActivityBoat
)

const (
	ActivityWorkout ActivityType = 50
)

// activityTypeCount bounds the fixed-length probability vector used
// by the classifier tree.
const activityTypeCount = 62

func activityVectorIndex(a ActivityType) int {
	idx := int(a)
	if idx < 0 || idx >= activityTypeCount {
		return -1
	}
	return idx
}

// Location is an optional fused position reading attached to a
// sample.
type Location struct {
	Latitude           float64
	Longitude          float64
	Altitude           *float64
	HorizontalAccuracy float64
	VerticalAccuracy   *float64
	Speed              *float64
	Course             *float64
}

// LocomotionSample is one sensor snapshot: the fused location plus
// motion, step, and heart-rate readings for a single recording tick.
type LocomotionSample struct {
	ID             ID
	Date           time.Time
	SecondsFromGMT int
	MovingState    MovingState
	RecordingState RecordingState
	Disabled       bool
	Source         string
	SourceVersion  string

	Location *Location

	StepHz          *float64
	XYAcceleration  float64
	ZAcceleration   float64
	HeartRate       *float64

	TimelineItemID *ID

	ClassifiedActivityType *ActivityType
	ConfirmedActivityType  *ActivityType
}

// HasUsableLocation reports whether the sample carries a real
// coordinate; (0,0) never counts.
func (s *LocomotionSample) HasUsableLocation() bool {
	if s.Location == nil {
		return false
	}
	return !(s.Location.Latitude == 0 && s.Location.Longitude == 0)
}

// IsOff reports whether the sample was produced while recording was
// off; a trip made entirely of such samples is a data gap.
func (s *LocomotionSample) IsOff() bool {
	return s.RecordingState == RecordingStateOff
}

// ImpliedKind reports whether this sample belongs in a Visit (true,
// when stationary) or a Trip.
func (s *LocomotionSample) ImpliedKind() bool {
	return s.MovingState == MovingStateStationary
}
