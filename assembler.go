package engine

import (
	"context"
	"time"
)

// SampleAssembler owns the sampling pipeline's filters (Kalman pair,
// stationary detector, sleep detector, accelerometer and step
// samplers) and emits one LocomotionSample per recording tick. All
// sensor callbacks rendezvous on the sampling actor; ticks are never
// parallel.
type SampleAssembler struct {
	store   *Store
	metrics *Metrics

	kalman     *KalmanFilter
	altitude   *AltitudeFilter
	stationary *StationaryDetector
	sleep      *SleepDetector
	accel      *AccelerometerSampler
	steps      StepSampler

	source        string
	sourceVersion string

	lastHeartRate *float64
	lastPedometer *PedometerReading
	recording     RecordingState

	haveFused            bool
	lastFused            FusedLocation
	lastFusedAltitude    float64
	lastVerticalAccuracy float64
}

// NewSampleAssembler wires up fresh filters for a new sampling
// session.
func NewSampleAssembler(store *Store, source, sourceVersion string) *SampleAssembler {
	return &SampleAssembler{
		store:         store,
		kalman:        NewKalmanFilter(),
		altitude:      NewAltitudeFilter(),
		stationary:    NewStationaryDetector(),
		sleep:         NewSleepDetector(),
		accel:         &AccelerometerSampler{},
		steps:         StepSampler{},
		source:        source,
		sourceVersion: sourceVersion,
		recording:     RecordingStateRecording,
	}
}

// SetMetrics attaches a Metrics bundle; nil disables instrumentation.
func (a *SampleAssembler) SetMetrics(m *Metrics) { a.metrics = m }

// OnLocation feeds a raw location fix into the Kalman/altitude/
// stationary/sleep pipeline.
func (a *SampleAssembler) OnLocation(fix KalmanFixInput, altitude, verticalAccuracy float64) {
	fused := a.kalman.Update(fix)
	a.lastFusedAltitude = a.altitude.Update(altitude, verticalAccuracy)
	a.lastVerticalAccuracy = verticalAccuracy
	a.lastFused = fused
	a.haveFused = true

	a.stationary.Push(StationaryReading{
		Date:               fix.Date,
		Speed:              fused.Speed,
		HorizontalAccuracy: fused.HorizontalAccuracy,
	})

	wasSleeping := a.recording == RecordingStateSleeping
	if a.sleep.Push(SleepFix{Date: fix.Date, Latitude: fused.Latitude, Longitude: fused.Longitude}) {
		a.recording = RecordingStateSleeping
		if !wasSleeping && a.metrics != nil {
			incIfSet(a.metrics.SleepTransitions)
		}
	} else if wasSleeping {
		a.recording = RecordingStateRecording
	}
}

// OnMotion feeds accelerometer readings into the window sampler.
func (a *SampleAssembler) OnMotion(r MotionReading) {
	a.accel.Push(r)
}

// OnPedometer records the most recent pedometer window; the next Tick
// consumes it.
func (a *SampleAssembler) OnPedometer(r PedometerReading) {
	a.lastPedometer = &r
}

// OnHeartRate records the most recent heart rate reading.
func (a *SampleAssembler) OnHeartRate(bpm float64) {
	a.lastHeartRate = &bpm
}

// Tick assembles and persists one LocomotionSample from the current
// filter states. Samples are persisted immediately.
func (a *SampleAssembler) Tick(ctx context.Context, now time.Time) (*LocomotionSample, error) {
	xy, z := a.accel.Flush()

	var stepHz *float64
	if a.lastPedometer != nil {
		stepHz = a.steps.StepHz(*a.lastPedometer)
		a.lastPedometer = nil
	}

	s := &LocomotionSample{
		ID:             NewID(),
		Date:           now,
		SecondsFromGMT: secondsFromGMT(now),
		RecordingState: a.recording,
		Source:         a.source,
		SourceVersion:  a.sourceVersion,
		StepHz:         stepHz,
		XYAcceleration: xy,
		ZAcceleration:  z,
		HeartRate:      a.lastHeartRate,
	}

	switch {
	case a.recording == RecordingStateSleeping:
		// entering sleep mode stops sample production; the caller is
		// expected not to invoke Tick while frozen, but guard here too
		// since Push already flipped a.recording.
		s.MovingState = MovingStateStationary
	case a.haveFused:
		verticalAccuracy := a.lastVerticalAccuracy
		fusedAltitude := a.lastFusedAltitude
		speed := a.lastFused.Speed
		course := a.lastFused.Course
		s.Location = &Location{
			Latitude:           a.lastFused.Latitude,
			Longitude:          a.lastFused.Longitude,
			Altitude:           &fusedAltitude,
			HorizontalAccuracy: a.lastFused.HorizontalAccuracy,
			VerticalAccuracy:   &verticalAccuracy,
			Speed:              &speed,
			Course:             &course,
		}
		s.MovingState = a.stationary.Classify(now)
	default:
		s.MovingState = MovingStateUncertain
	}

	if a.store != nil {
		if err := a.store.InsertSample(ctx, s); err != nil {
			return nil, err
		}
	}

	if a.metrics != nil {
		incIfSet(a.metrics.SamplesAssembled)
	}

	return s, nil
}

// secondsFromGMT captures the device's UTC offset at sample time, used
// later to render local-time day boundaries.
func secondsFromGMT(t time.Time) int {
	_, offset := t.Zone()
	return offset
}
