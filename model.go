package engine

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	cuckoo "github.com/seiflotfy/cuckoofilter"
	"golang.org/x/sync/singleflight"
)

// modelMaxSamples bounds the training query per depth.
var modelMaxSamples = map[cellDepth]int{
	depth0: 250_000,
	depth1: 200_000,
	depth2: 200_000,
}

// modelFullRebuildInterval and modelIncompleteRebuildInterval bound
// how often a depth-0 model may be retrained: weekly once complete,
// daily while still filling.
const (
	modelFullRebuildInterval       = 7 * 24 * time.Hour
	modelIncompleteRebuildInterval = 24 * time.Hour
)

// ModelTrainer is the external ML training runtime: it trains a
// gradient-boosted-tree classifier from a CSV and produces a compiled
// model file. The runtime itself lives outside this module.
type ModelTrainer interface {
	// Train reads csvPath, trains a classifier, and atomically writes
	// the compiled artifact to destPath. It returns the held-out
	// validation error in [0,1].
	Train(ctx context.Context, csvPath, destPath string) (validationError float64, err error)
}

// TrainingStore is the subset of persistence the model updater needs:
// candidate selection restricted by bounding box, and the metadata
// writeback.
type TrainingStore interface {
	PendingModels(ctx context.Context) ([]*ActivityTypesModel, error)
	ConfirmedSamplesIn(ctx context.Context, m *ActivityTypesModel, limit int) ([]*LocomotionSample, error)
	SaveModelMetadata(ctx context.Context, m *ActivityTypesModel) error
}

// ModelUpdater is the background worker that retrains at most one
// classifier cell at a time, prioritised by depth DESC, totalSamples
// ASC, subject to the rebuild-cadence policy. Training runs off the
// classifier actor; only the final install-and-invalidate step touches
// it.
type ModelUpdater struct {
	store     TrainingStore
	trainer   ModelTrainer
	modelsDir string
	tree      *ClassifierTree
	metrics   *Metrics

	// trainGroup collapses concurrent train() requests for the same
	// geoKey into a single run, so a burst of confirmed samples
	// landing in the same cell while a training round is already
	// in-flight doesn't queue up redundant subprocess invocations.
	trainGroup singleflight.Group

	now func() time.Time
}

// NewModelUpdater returns an updater writing compiled artifacts under
// modelsDir.
func NewModelUpdater(store TrainingStore, trainer ModelTrainer, modelsDir string, tree *ClassifierTree) *ModelUpdater {
	return &ModelUpdater{
		store:     store,
		trainer:   trainer,
		modelsDir: modelsDir,
		tree:      tree,
		now:       time.Now,
	}
}

// SetMetrics attaches a Metrics bundle; nil disables instrumentation.
func (u *ModelUpdater) SetMetrics(m *Metrics) { u.metrics = m }

// RunOnce processes at most one pending model. It returns (false, nil)
// if nothing was eligible to train this round.
func (u *ModelUpdater) RunOnce(ctx context.Context) (bool, error) {
	pending, err := u.store.PendingModels(ctx)
	if err != nil {
		return false, fmt.Errorf("list pending models: %w", err)
	}
	if u.metrics != nil {
		setIfSet(u.metrics.OpenModelsPending, float64(len(pending)))
	}

	sort.Slice(pending, func(i, j int) bool {
		if pending[i].Depth != pending[j].Depth {
			// cellDepth numbers depth2 lowest, so depth DESC is
			// ascending cellDepth
			return pending[i].Depth < pending[j].Depth
		}
		return pending[i].TotalSamples < pending[j].TotalSamples
	})

	for _, m := range pending {
		if !u.eligible(m) {
			continue
		}
		_, err, _ := u.trainGroup.Do(string(m.GeoKey), func() (interface{}, error) {
			return nil, u.train(ctx, m)
		})
		if err != nil {
			if u.metrics != nil {
				incIfSet(u.metrics.ModelTrainingFailures)
			}
			if errors.Is(err, ErrTrainingInsufficientData) {
				// recorded on the model row; not a failed round
				return true, nil
			}
			return true, err
		}
		if u.metrics != nil {
			incIfSet(u.metrics.ModelsTrained)
		}
		return true, nil
	}
	return false, nil
}

// eligible enforces the depth-0 rebuild cadence; depth-1/2 cells have
// no cadence restriction beyond needsUpdate, so an incomplete depth-2
// cell may always be trained immediately.
func (u *ModelUpdater) eligible(m *ActivityTypesModel) bool {
	if m.Depth != depth0 {
		return true
	}
	if m.LastUpdated == 0 {
		return true
	}
	last := time.Unix(m.LastUpdated, 0)
	interval := modelFullRebuildInterval
	if m.completenessScore() < 1.0 {
		interval = modelIncompleteRebuildInterval
	}
	return u.now().Sub(last) >= interval
}

// train selects and validates the cell's confirmed samples, emits the
// training CSV, invokes the external trainer, and writes back the
// resulting metadata.
func (u *ModelUpdater) train(ctx context.Context, m *ActivityTypesModel) error {
	limit := modelMaxSamples[m.Depth]
	samples, err := u.store.ConfirmedSamplesIn(ctx, m, limit)
	if err != nil {
		return fmt.Errorf("select training samples for %s: %w", m.GeoKey, err)
	}

	// Training rows from a dense stationary dwell are near-identical;
	// a cuckoo filter thins them on (activity type, rounded position)
	// without the memory of an exact set, trading a rare false-positive
	// skip (one fewer near-duplicate row) for a bounded footprint at
	// the 250k-sample depth-0 ceiling.
	seen := cuckoo.NewFilter(1 << 20)
	distinct := map[ActivityType]bool{}
	var valid []*LocomotionSample
	for _, s := range samples {
		if s.ConfirmedActivityType == nil || !s.HasUsableLocation() {
			continue
		}
		key := []byte(fmt.Sprintf("%d:%.5f:%.5f", *s.ConfirmedActivityType, s.Location.Latitude, s.Location.Longitude))
		if seen.Lookup(key) {
			continue
		}
		seen.InsertUnique(key)
		valid = append(valid, s)
		distinct[*s.ConfirmedActivityType] = true
	}

	if len(distinct) < 2 {
		if len(distinct) == 1 && !distinct[ActivityStationary] {
			valid = append(valid, syntheticStationarySample(m))
			distinct[ActivityStationary] = true
		}
	}

	if len(distinct) < 2 {
		// Recorded, not fatal: the cell is marked updated with a null
		// accuracy and no artifact. The next confirmed sample landing
		// in its bounding box re-marks it for update, which is the
		// retry trigger.
		m.NeedsUpdate = false
		m.AccuracyScore = nil
		m.LastUpdated = u.now().Unix()
		if err := u.store.SaveModelMetadata(ctx, m); err != nil {
			return fmt.Errorf("save insufficient-data metadata for %s: %w", m.GeoKey, err)
		}
		return fmt.Errorf("train %s: %w", m.GeoKey, ErrTrainingInsufficientData)
	}

	csvPath, err := u.writeTrainingCSV(m, valid)
	if err != nil {
		return fmt.Errorf("write training csv for %s: %w", m.GeoKey, err)
	}
	defer os.Remove(csvPath)

	destPath := filepath.Join(u.modelsDir, m.ModelFile)

	var validationError float64
	op := func() error {
		ve, trainErr := u.trainer.Train(ctx, csvPath, destPath)
		validationError = ve
		return trainErr
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return fmt.Errorf("train %s: %w", m.GeoKey, err)
	}

	accuracy := 1 - validationError
	m.TotalSamples = len(valid)
	m.AccuracyScore = &accuracy
	m.LastUpdated = u.now().Unix()
	m.NeedsUpdate = false

	if err := u.store.SaveModelMetadata(ctx, m); err != nil {
		return fmt.Errorf("save trained metadata for %s: %w", m.GeoKey, err)
	}

	if u.tree != nil {
		u.tree.InvalidateModel(m.GeoKey)
	}
	return nil
}

// writeTrainingCSV emits the fixed training column set the external
// trainer expects.
//
// sinceVisitStart requires the enclosing visit's startDate, which this
// training-row view of a sample does not carry; it is reported as 0
// for every row.
func (u *ModelUpdater) writeTrainingCSV(m *ActivityTypesModel, samples []*LocomotionSample) (string, error) {
	f, err := os.CreateTemp("", fmt.Sprintf("train-%s-*.csv", sanitizeGeoKey(m.GeoKey)))
	if err != nil {
		return "", err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	defer w.Flush()

	header := []string{
		"confirmedActivityType", "stepHz", "xyAcceleration", "zAcceleration",
		"movingState", "verticalAccuracy", "horizontalAccuracy", "speed",
		"course", "latitude", "longitude", "altitude", "heartRate",
		"timeOfDay", "sinceVisitStart",
	}
	if err := w.Write(header); err != nil {
		return "", err
	}

	for _, s := range samples {
		row := []string{
			strconv.Itoa(int(*s.ConfirmedActivityType)),
			optionalFloat(s.StepHz),
			strconv.FormatFloat(s.XYAcceleration, 'f', -1, 64),
			strconv.FormatFloat(s.ZAcceleration, 'f', -1, 64),
			strconv.Itoa(int(s.MovingState)),
			optionalFloat(s.Location.VerticalAccuracy),
			strconv.FormatFloat(s.Location.HorizontalAccuracy, 'f', -1, 64),
			optionalFloat(s.Location.Speed),
			optionalFloat(s.Location.Course),
			strconv.FormatFloat(s.Location.Latitude, 'f', -1, 64),
			strconv.FormatFloat(s.Location.Longitude, 'f', -1, 64),
			optionalFloat(s.Location.Altitude),
			heartRateOrSentinel(s.HeartRate),
			strconv.FormatFloat(timeOfDaySeconds(s.Date), 'f', 0, 64),
			"0",
		}
		if err := w.Write(row); err != nil {
			return "", err
		}
	}
	if err := w.Error(); err != nil {
		return "", err
	}
	return f.Name(), nil
}

// optionalFloat renders an optional float column empty when unset, the
// same convention encoding/csv readers treat as a missing value.
func optionalFloat(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}

// heartRateOrSentinel renders a missing heart rate as -1, the one
// column that gets a sentinel instead of an empty field.
func heartRateOrSentinel(v *float64) string {
	if v == nil {
		return "-1"
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}

// timeOfDaySeconds is the training CSV's timeOfDay feature: seconds
// since local midnight.
func timeOfDaySeconds(t time.Time) float64 {
	return float64(t.Hour()*3600 + t.Minute()*60 + t.Second())
}

// syntheticStationarySample manufactures the one stationary row
// injected when a cell's confirmed samples cover a single
// non-stationary type, centered on the cell's bounding box.
func syntheticStationarySample(m *ActivityTypesModel) *LocomotionSample {
	stationary := ActivityStationary
	lat := (m.MinLat + m.MaxLat) / 2
	lon := (m.MinLon + m.MaxLon) / 2
	return &LocomotionSample{
		ID:                    NewID(),
		MovingState:           MovingStateStationary,
		Location:              &Location{Latitude: lat, Longitude: lon, HorizontalAccuracy: 10},
		ConfirmedActivityType: &stationary,
	}
}

func sanitizeGeoKey(k geoKey) string {
	out := []rune(string(k))
	for i, r := range out {
		if r == ' ' || r == ',' || r == '.' {
			out[i] = '_'
		}
	}
	return string(out)
}
