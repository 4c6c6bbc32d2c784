package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStationaryDetector_Classify(t *testing.T) {
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	t.Run("fewer than 3 samples is uncertain", func(t *testing.T) {
		d := NewStationaryDetector()
		d.Push(StationaryReading{Date: base, Speed: 0, HorizontalAccuracy: 5})
		d.Push(StationaryReading{Date: base.Add(time.Second), Speed: 0, HorizontalAccuracy: 5})
		assert.Equal(t, MovingStateUncertain, d.Classify(base.Add(time.Second)))
	})

	t.Run("3 samples at exactly the accuracy ceiling, stale window is uncertain", func(t *testing.T) {
		d := NewStationaryDetector()
		for i := 0; i < 3; i++ {
			d.Push(StationaryReading{Date: base.Add(time.Duration(i) * time.Second), Speed: 0, HorizontalAccuracy: 50.0})
		}
		// 3 samples all at the 50m ceiling, window gone stale -> uncertain
		assert.Equal(t, MovingStateUncertain, d.Classify(base.Add(90*time.Second)))
	})

	t.Run("slow accurate cluster is stationary", func(t *testing.T) {
		d := NewStationaryDetector()
		for i := 0; i < 5; i++ {
			d.Push(StationaryReading{Date: base.Add(time.Duration(i) * time.Second), Speed: 0.1, HorizontalAccuracy: 5})
		}
		assert.Equal(t, MovingStateStationary, d.Classify(base.Add(4*time.Second)))
	})

	t.Run("fast cluster is moving", func(t *testing.T) {
		d := NewStationaryDetector()
		for i := 0; i < 5; i++ {
			d.Push(StationaryReading{Date: base.Add(time.Duration(i) * time.Second), Speed: 5, HorizontalAccuracy: 5})
		}
		assert.Equal(t, MovingStateMoving, d.Classify(base.Add(4*time.Second)))
	})

	t.Run("poor accuracy mean is uncertain", func(t *testing.T) {
		d := NewStationaryDetector()
		for i := 0; i < 5; i++ {
			d.Push(StationaryReading{Date: base.Add(time.Duration(i) * time.Second), Speed: 0, HorizontalAccuracy: 100})
		}
		assert.Equal(t, MovingStateUncertain, d.Classify(base.Add(4*time.Second)))
	})

	t.Run("readings older than 60s are evicted from the window", func(t *testing.T) {
		d := NewStationaryDetector()
		d.Push(StationaryReading{Date: base, Speed: 0, HorizontalAccuracy: 5})
		d.Push(StationaryReading{Date: base.Add(90 * time.Second), Speed: 0, HorizontalAccuracy: 5})
		d.Push(StationaryReading{Date: base.Add(91 * time.Second), Speed: 0, HorizontalAccuracy: 5})
		d.Push(StationaryReading{Date: base.Add(92 * time.Second), Speed: 0, HorizontalAccuracy: 5})
		// the first reading should have been evicted (older than 60s relative to the most recent push)
		assert.Len(t, d.readings, 3)
	})
}
