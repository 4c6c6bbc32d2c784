package engine

import (
	"errors"
	"fmt"
	"math"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
)

// geoKey identifies a classifier cell, e.g. "CD2 35.67,139.65".
type geoKey string

// cellDepth names the three geographic levels plus the bundled
// fallback.
type cellDepth int

const (
	depth2 cellDepth = iota // CD2: 200x200 sub-buckets per depth-1 cell
	depth1                  // CD1: 100x100 sub-buckets per depth-0 cell
	depth0                  // CD0: 18x36 buckets covering the globe
	depthBundled            // BD0: read-only global fallback
)

// minRequiredSamples is the denominator of completenessScore per
// depth: min(1, totalSamples / minRequired). The bundled model is
// excluded from this table; it is never scored by sample count.
var minRequiredSamples = map[cellDepth]int{
	depth2: 100,
	depth1: 500,
	depth0: 2000,
}

// probabilityVector is the fixed-length, index-by-ActivityType score
// representation; no dynamic keying.
type probabilityVector [activityTypeCount]float64

// ActivityTypesModel is one compiled classifier cell's metadata row.
type ActivityTypesModel struct {
	GeoKey        geoKey
	Depth         cellDepth
	MinLat        float64
	MinLon        float64
	MaxLat        float64
	MaxLon        float64
	ModelFile     string
	TotalSamples  int
	AccuracyScore *float64
	LastUpdated   int64
	NeedsUpdate   bool
}

// completenessScore is the cell's training coverage in [0,1]. Bundled
// models are scored 1.0/0.5 by the merge loop itself, never through
// sample counts.
func (m *ActivityTypesModel) completenessScore() float64 {
	min, ok := minRequiredSamples[m.Depth]
	if !ok || min <= 0 {
		return 1
	}
	c := float64(m.TotalSamples) / float64(min)
	if c > 1 {
		return 1
	}
	if c < 0 {
		return 0
	}
	return c
}

// contains reports whether the model's bounding box covers (lat, lon).
func (m *ActivityTypesModel) contains(lat, lon float64) bool {
	return lat >= m.MinLat && lat <= m.MaxLat && lon >= m.MinLon && lon <= m.MaxLon
}

// CompiledModel is the external ML artifact's invocation surface; the
// actual gradient-boosted-tree runtime lives outside this module and
// is injected by the host.
type CompiledModel interface {
	// Predict returns a raw (unmerged) probability vector for one
	// sample.
	Predict(s *LocomotionSample) (probabilityVector, error)
}

// ModelStore resolves a geoKey's compiled model and looks up the cell
// metadata covering a coordinate, at each of the three depths plus the
// bundled fallback.
type ModelStore interface {
	CellAt(depth cellDepth, lat, lon float64) (*ActivityTypesModel, error)
	Bundled() (*ActivityTypesModel, error)
	Load(geoKey geoKey) (CompiledModel, error)
}

// ClassifierTree classifies samples by merging up to four per-depth
// classifiers (CD2, CD1, CD0, BD0), highest depth first, with an LRU
// cache of merge results keyed by sample id.
type ClassifierTree struct {
	models ModelStore
	cache  *lru.Cache[ID, probabilityVector]

	// invalidations collapses a burst of concurrent InvalidateModel
	// calls for the same geoKey (e.g. several confirmed samples
	// landing in the same cell moments apart, each triggering a
	// retrain-and-install) into a single purge.
	invalidations singleflight.Group
}

// NewClassifierTree returns a tree backed by models, caching up to
// capacity recent per-sample merge results.
func NewClassifierTree(models ModelStore, capacity int) (*ClassifierTree, error) {
	cache, err := lru.New[ID, probabilityVector](capacity)
	if err != nil {
		return nil, fmt.Errorf("classifier cache: %w", err)
	}
	return &ClassifierTree{models: models, cache: cache}, nil
}

// InvalidateModel drops any cached results that might have been
// produced under a now-superseded model. The LRU's own locking makes
// the purge atomic with respect to readers; a geoKey swap is rare
// enough that purging the whole cache beats tracking a reverse index.
func (t *ClassifierTree) InvalidateModel(key geoKey) {
	t.invalidations.Do(string(key), func() (interface{}, error) {
		t.cache.Purge()
		return nil, nil
	})
}

// Classify returns the merged probability vector for one sample, using
// the cache when present. While the host is backgrounded it returns
// (nil, nil) rather than an error: classification is deferred, not
// failed.
func (t *ClassifierTree) Classify(s *LocomotionSample, backgrounded bool) (*probabilityVector, error) {
	if backgrounded {
		return nil, nil
	}
	if v, ok := t.cache.Get(s.ID); ok {
		return &v, nil
	}
	if !s.HasUsableLocation() {
		return nil, fmt.Errorf("classify sample %s: %w", s.ID, ErrClassifierMissingModel)
	}

	lat, lon := s.Location.Latitude, s.Location.Longitude

	var chain []*ActivityTypesModel
	for _, d := range []cellDepth{depth2, depth1, depth0} {
		cell, err := t.models.CellAt(d, lat, lon)
		if err != nil || cell == nil {
			continue
		}
		chain = append(chain, cell)
	}
	if bundled, err := t.models.Bundled(); err == nil && bundled != nil {
		chain = append(chain, bundled)
	}
	if len(chain) == 0 {
		return nil, fmt.Errorf("classify sample %s: %w", s.ID, ErrClassifierMissingModel)
	}

	merged, err := t.merge(s, chain)
	if err != nil {
		return nil, err
	}
	t.cache.Add(s.ID, *merged)
	return merged, nil
}

// merge blends the chain's predictions top-down: the top classifier
// contributes its full result, and each lower level claims a share of
// whatever weight the levels above left unclaimed. The last classifier
// takes completeness 1.0, or 0.5 when it is the bundled fallback.
func (t *ClassifierTree) merge(s *LocomotionSample, chain []*ActivityTypesModel) (*probabilityVector, error) {
	top := chain[0]
	result, err := t.predict(top, s)
	if err != nil {
		return nil, err
	}

	remainingWeight := 1 - top.completenessScore()

	for i := 1; i < len(chain) && remainingWeight > 0; i++ {
		c := chain[i]
		isLast := i == len(chain)-1

		var completeness float64
		switch {
		case isLast && c.Depth == depthBundled:
			completeness = 0.5
		case isLast:
			completeness = 1.0
		default:
			completeness = c.completenessScore()
		}

		w := remainingWeight * completeness
		if w <= 0 {
			continue
		}

		vec, err := t.predict(c, s)
		if err != nil {
			return nil, err
		}
		for a := range result {
			result[a] = result[a]*(1-w) + vec[a]*w
		}
		remainingWeight -= w
	}

	return &result, nil
}

func (t *ClassifierTree) predict(m *ActivityTypesModel, s *LocomotionSample) (probabilityVector, error) {
	model, err := t.models.Load(m.GeoKey)
	if err != nil {
		return probabilityVector{}, fmt.Errorf("load model %s: %w", m.GeoKey, err)
	}
	vec, err := model.Predict(s)
	if err != nil {
		return probabilityVector{}, fmt.Errorf("predict with %s: %w", m.GeoKey, err)
	}
	return vec, nil
}

// ClassifySequence averages per-sample vectors over a run of samples
// and reports the argmax activity, or unknown when no score rises
// above zero.
func (t *ClassifierTree) ClassifySequence(samples []*LocomotionSample, backgrounded bool) (ActivityType, error) {
	var sum probabilityVector
	var n int
	for _, s := range samples {
		vec, err := t.Classify(s, backgrounded)
		if err != nil {
			if isRecoverable(err) {
				continue
			}
			return ActivityUnknown, err
		}
		if vec == nil {
			continue
		}
		for a := range sum {
			sum[a] += vec[a]
		}
		n++
	}
	if n == 0 {
		return ActivityUnknown, nil
	}

	best := ActivityUnknown
	bestScore := 0.0
	for idx, total := range sum {
		score := total / float64(n)
		if score > bestScore {
			bestScore = score
			best = ActivityType(idx)
		}
	}
	if bestScore <= 0 {
		return ActivityUnknown, nil
	}
	return best, nil
}

func isRecoverable(err error) bool {
	return errors.Is(err, ErrClassifierMissingModel)
}

// clampProbability keeps a merged score within [0,1] after repeated
// floating-point blending.
func clampProbability(p float64) float64 {
	return math.Max(0, math.Min(1, p))
}
