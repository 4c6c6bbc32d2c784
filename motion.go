package engine

import (
	"math"
	"time"
)

// AttitudeMatrix is a 3x3 device-to-world rotation matrix, as reported
// by the OS motion API, used to split raw accelerometer readings into
// an XY-plane magnitude and a gravity-axis Z component.
type AttitudeMatrix [3][3]float64

// MotionReading is one ~4Hz accelerometer emission.
type MotionReading struct {
	Date     time.Time
	X, Y, Z  float64 // raw accelerometer, g
	Attitude AttitudeMatrix
}

// AccelerometerSampler accumulates MotionReadings over a recording
// tick window and reports mean XY magnitude and mean
// attitude-compensated Z.
type AccelerometerSampler struct {
	readings []MotionReading
}

// Push adds a reading to the current window.
func (a *AccelerometerSampler) Push(r MotionReading) {
	a.readings = append(a.readings, r)
}

// Flush computes the window's mean XY/Z energy and resets the window.
func (a *AccelerometerSampler) Flush() (xyMean, zMean float64) {
	if len(a.readings) == 0 {
		return 0, 0
	}
	var xySum, zSum float64
	for _, r := range a.readings {
		xySum += math.Hypot(r.X, r.Y)
		zSum += rotateZ(r.Attitude, r.X, r.Y, r.Z)
	}
	n := float64(len(a.readings))
	a.readings = a.readings[:0]
	return xySum / n, zSum / n
}

// rotateZ applies the attitude rotation matrix to recover the
// world-frame Z (gravity-axis) component of a device-frame
// acceleration vector.
func rotateZ(m AttitudeMatrix, x, y, z float64) float64 {
	return m[2][0]*x + m[2][1]*y + m[2][2]*z
}

// PedometerReading wraps whatever the OS pedometer reports for a
// window; Cadence is nil when the OS does not report one directly.
type PedometerReading struct {
	StepsThisWindow int
	Cadence         *float64 // steps/sec, if reported directly
	WindowDuration  time.Duration
}

// StepSampler derives stepHz for a window, preferring the OS-reported
// cadence and falling back to steps/duration.
type StepSampler struct{}

// StepHz computes the per-window step rate.
func (StepSampler) StepHz(r PedometerReading) *float64 {
	if r.Cadence != nil {
		return r.Cadence
	}
	if r.WindowDuration <= 0 {
		return nil
	}
	hz := float64(r.StepsThisWindow) / r.WindowDuration.Seconds()
	return &hz
}
