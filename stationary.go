package engine

import (
	"time"

	"gonum.org/v1/gonum/stat"
)

const (
	stationaryWindowMaxAge      = 60 * time.Second
	stationaryMinSamples        = 3
	stationaryMaxMeanAccuracy   = 50.0 // metres
	stationarySpeedThreshold    = 0.5  // m/s
	stationarySpeedStdThreshold = 0.3  // m/s
)

// StationaryReading is one fused-location observation fed to the
// detector's sliding window.
type StationaryReading struct {
	Date               time.Time
	Speed              float64
	HorizontalAccuracy float64
}

// StationaryDetector keeps a sliding 10-second window of fused
// locations (discarded once older than 60s) and classifies the current
// motion state from an accuracy-weighted mean and stddev of speed.
type StationaryDetector struct {
	window    time.Duration
	readings  []StationaryReading
}

// NewStationaryDetector returns a detector with a 10-second window.
func NewStationaryDetector() *StationaryDetector {
	return &StationaryDetector{window: 10 * time.Second}
}

// Push adds a reading and evicts anything older than 60s.
func (d *StationaryDetector) Push(r StationaryReading) {
	d.readings = append(d.readings, r)
	cutoff := r.Date.Add(-stationaryWindowMaxAge)
	i := 0
	for i < len(d.readings) && d.readings[i].Date.Before(cutoff) {
		i++
	}
	if i > 0 {
		d.readings = d.readings[i:]
	}
}

// Classify returns the detector's current state for the most recent
// reading's timestamp, looking only at readings within the 10-second
// window.
func (d *StationaryDetector) Classify(now time.Time) MovingState {
	var windowed []StationaryReading
	windowStart := now.Add(-d.window)
	for _, r := range d.readings {
		if !r.Date.Before(windowStart) && !r.Date.After(now) {
			windowed = append(windowed, r)
		}
	}

	if len(windowed) < stationaryMinSamples {
		return MovingStateUncertain
	}

	var meanAccuracy float64
	for _, r := range windowed {
		meanAccuracy += r.HorizontalAccuracy
	}
	meanAccuracy /= float64(len(windowed))
	if meanAccuracy > stationaryMaxMeanAccuracy {
		return MovingStateUncertain
	}

	speeds := make([]float64, len(windowed))
	weights := make([]float64, len(windowed))
	for i, r := range windowed {
		speeds[i] = r.Speed
		// weight inversely by accuracy: tighter fixes count more
		acc := r.HorizontalAccuracy
		if acc <= 0 {
			acc = 1
		}
		weights[i] = 1 / acc
	}

	mean, std := stat.MeanStdDev(speeds, weights)

	if mean < stationarySpeedThreshold && std < stationarySpeedStdThreshold {
		return MovingStateStationary
	}
	return MovingStateMoving
}
