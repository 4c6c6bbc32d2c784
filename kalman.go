package engine

import (
	"math"
	"time"

	"gonum.org/v1/gonum/mat"
)

// metersPerDegreeLat is constant enough for the filter's purposes;
// longitude's metres-per-degree scales with cos(latitude).
const metersPerDegreeLat = 111_320.0

// KalmanFixInput is one raw location fix fed to the filter.
type KalmanFixInput struct {
	Date               time.Time
	Latitude           float64
	Longitude          float64
	HorizontalAccuracy float64 // metres, 1-sigma
	Speed              *float64
	SpeedAccuracy      float64 // metres/sec, 1-sigma; only meaningful if Speed != nil
	Course             *float64
}

// KalmanFilter is a 4-state (lat, lon, v_north, v_east) filter over a
// sequence of location fixes. The state-transition matrix
// is rebuilt for every sample from the elapsed Δt; process noise is
// small in position (we trust the motion model) and moderate in
// velocity; measurement noise is derived per-fix from the reported
// horizontal and speed accuracy, converted from metres to degrees at
// the fix's latitude.
type KalmanFilter struct {
	x       *mat.VecDense // [lat, lon, v_north, v_east]
	p       *mat.Dense    // 4x4 covariance
	lastFix time.Time
	seeded  bool
}

// NewKalmanFilter returns an unseeded filter; the first Update call
// seeds state directly from the fix.
func NewKalmanFilter() *KalmanFilter {
	return &KalmanFilter{
		x: mat.NewVecDense(4, nil),
		p: mat.NewDense(4, 4, nil),
	}
}

// FusedLocation is the filter's output: course and speed re-derived
// from the state vector, horizontal accuracy scaled from the joint
// position sigma.
type FusedLocation struct {
	Date               time.Time
	Latitude           float64
	Longitude          float64
	Speed              float64
	Course             float64
	HorizontalAccuracy float64
}

// Update folds in a new fix and returns the fused estimate.
func (k *KalmanFilter) Update(fix KalmanFixInput) FusedLocation {
	metersPerDegreeLon := metersPerDegreeLat * math.Cos(fix.Latitude*math.Pi/180)
	if metersPerDegreeLon < 1 {
		metersPerDegreeLon = 1
	}

	if !k.seeded {
		k.x.SetVec(0, fix.Latitude)
		k.x.SetVec(1, fix.Longitude)
		k.x.SetVec(2, 0)
		k.x.SetVec(3, 0)
		posVar := math.Pow(fix.HorizontalAccuracy/metersPerDegreeLat, 2)
		k.p.Set(0, 0, posVar)
		k.p.Set(1, 1, math.Pow(fix.HorizontalAccuracy/metersPerDegreeLon, 2))
		k.p.Set(2, 2, 100)
		k.p.Set(3, 3, 100)
		k.lastFix = fix.Date
		k.seeded = true
		return k.fusedOutput(fix.Date, metersPerDegreeLon)
	}

	dt := fix.Date.Sub(k.lastFix).Seconds()
	if dt <= 0 {
		dt = 1
	}
	k.lastFix = fix.Date

	// state transition: position += velocity * dt (velocity in
	// degrees/sec, converted from metres/sec at this latitude)
	f := mat.NewDense(4, 4, []float64{
		1, 0, dt / metersPerDegreeLat, 0,
		0, 1, 0, dt / metersPerDegreeLon,
		0, 0, 1, 0,
		0, 0, 0, 1,
	})

	// process noise: small in position, moderate in velocity
	q := mat.NewDiagDense(4, []float64{1e-10, 1e-10, 0.25, 0.25})

	var xPred mat.VecDense
	xPred.MulVec(f, k.x)

	var pPred mat.Dense
	pPred.Mul(f, k.p)
	pPred.Mul(&pPred, f.T())
	pPred.Add(&pPred, q)

	// measurement: position always observed; velocity observed only
	// when the fix reports a valid speed/course, else held at zero
	// with artificially tight accuracy so the filter holds position
	// indoors.
	var vNorth, vEast, velAccuracy float64
	if fix.Speed != nil && *fix.Speed >= 0 {
		course := 0.0
		if fix.Course != nil {
			course = *fix.Course
		}
		rad := course * math.Pi / 180
		vNorth = *fix.Speed * math.Cos(rad)
		vEast = *fix.Speed * math.Sin(rad)
		velAccuracy = fix.SpeedAccuracy
		if velAccuracy <= 0 {
			velAccuracy = 2
		}
	} else {
		vNorth, vEast = 0, 0
		velAccuracy = 0.05 // tight: trust "not moving" strongly
	}

	z := mat.NewVecDense(4, []float64{fix.Latitude, fix.Longitude, vNorth, vEast})
	r := mat.NewDiagDense(4, []float64{
		math.Pow(fix.HorizontalAccuracy/metersPerDegreeLat, 2),
		math.Pow(fix.HorizontalAccuracy/metersPerDegreeLon, 2),
		velAccuracy * velAccuracy,
		velAccuracy * velAccuracy,
	})

	var y mat.VecDense
	y.SubVec(z, &xPred)

	var s mat.Dense
	s.Add(&pPred, r)

	var sInv mat.Dense
	if err := sInv.Inverse(&s); err != nil {
		// singular covariance; fall back to the prediction unchanged
		k.x = &xPred
		k.p = &pPred
		return k.fusedOutput(fix.Date, metersPerDegreeLon)
	}

	var kg mat.Dense
	kg.Mul(&pPred, &sInv)

	var correction mat.VecDense
	correction.MulVec(&kg, &y)

	var xNew mat.VecDense
	xNew.AddVec(&xPred, &correction)

	var i mat.Dense
	i.Sub(mat.NewDiagDense(4, []float64{1, 1, 1, 1}), &kg)

	var pNew mat.Dense
	pNew.Mul(&i, &pPred)

	k.x = &xNew
	k.p = &pNew

	return k.fusedOutput(fix.Date, metersPerDegreeLon)
}

func (k *KalmanFilter) fusedOutput(date time.Time, metersPerDegreeLon float64) FusedLocation {
	lat := k.x.AtVec(0)
	lon := k.x.AtVec(1)
	vNorth := k.x.AtVec(2)
	vEast := k.x.AtVec(3)

	speed := math.Hypot(vNorth, vEast)
	course := math.Atan2(vEast, vNorth) * 180 / math.Pi
	if course < 0 {
		course += 360
	}

	sigmaLat := math.Sqrt(math.Max(k.p.At(0, 0), 0)) * metersPerDegreeLat
	sigmaLon := math.Sqrt(math.Max(k.p.At(1, 1), 0)) * metersPerDegreeLon
	jointSigma := math.Hypot(sigmaLat, sigmaLon)

	return FusedLocation{
		Date:               date,
		Latitude:           lat,
		Longitude:          lon,
		Speed:              speed,
		Course:             course,
		HorizontalAccuracy: 2 * jointSigma,
	}
}

// AltitudeFilter is the single-state altitude Kalman that runs
// alongside the position filter.
type AltitudeFilter struct {
	estimate  float64
	variance  float64
	seeded    bool
}

// NewAltitudeFilter returns an unseeded altitude filter.
func NewAltitudeFilter() *AltitudeFilter {
	return &AltitudeFilter{}
}

// Update folds in a new altitude reading and returns the fused value.
func (a *AltitudeFilter) Update(altitude, verticalAccuracy float64) float64 {
	measurementVar := verticalAccuracy * verticalAccuracy
	if measurementVar <= 0 {
		measurementVar = 1
	}
	if !a.seeded {
		a.estimate = altitude
		a.variance = measurementVar
		a.seeded = true
		return a.estimate
	}

	processVar := 0.5
	predVariance := a.variance + processVar

	gain := predVariance / (predVariance + measurementVar)
	a.estimate += gain * (altitude - a.estimate)
	a.variance = (1 - gain) * predVariance

	return a.estimate
}
