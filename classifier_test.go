package engine

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeModel returns a fixed probability vector regardless of sample.
type fakeModel struct {
	vec probabilityVector
}

func (f *fakeModel) Predict(s *LocomotionSample) (probabilityVector, error) { return f.vec, nil }

// fakeModelStore implements ModelStore over an in-memory cell list.
type fakeModelStore struct {
	cells   map[cellDepth]*ActivityTypesModel
	bundled *ActivityTypesModel
	models  map[geoKey]CompiledModel
}

func (f *fakeModelStore) CellAt(depth cellDepth, lat, lon float64) (*ActivityTypesModel, error) {
	m, ok := f.cells[depth]
	if !ok || !m.contains(lat, lon) {
		return nil, nil
	}
	return m, nil
}

func (f *fakeModelStore) Bundled() (*ActivityTypesModel, error) { return f.bundled, nil }

func (f *fakeModelStore) Load(key geoKey) (CompiledModel, error) {
	return f.models[key], nil
}

func walkingVector(p float64) probabilityVector {
	var v probabilityVector
	v[ActivityWalking] = p
	v[ActivityStationary] = 1 - p
	return v
}

func TestClassifierTree_MergesHighestDepthFirst(t *testing.T) {
	cd2 := &ActivityTypesModel{GeoKey: "CD2", Depth: depth2, MinLat: -1, MaxLat: 1, MinLon: -1, MaxLon: 1, TotalSamples: 100}
	cd1 := &ActivityTypesModel{GeoKey: "CD1", Depth: depth1, MinLat: -1, MaxLat: 1, MinLon: -1, MaxLon: 1, TotalSamples: 500}

	store := &fakeModelStore{
		cells: map[cellDepth]*ActivityTypesModel{depth2: cd2, depth1: cd1},
		models: map[geoKey]CompiledModel{
			"CD2": &fakeModel{vec: walkingVector(1.0)},
			"CD1": &fakeModel{vec: walkingVector(0.0)},
		},
	}

	tree, err := NewClassifierTree(store, 16)
	require.NoError(t, err)

	sample := &LocomotionSample{ID: NewID(), Location: &Location{Latitude: 0.5, Longitude: 0.5}}

	vec, err := tree.Classify(sample, false)
	require.NoError(t, err)
	require.NotNil(t, vec)

	// CD2 is complete (100/100), so it alone determines the result;
	// CD1 never contributes weight.
	require.InDelta(t, 1.0, vec[ActivityWalking], 1e-9)
}

func TestClassifierTree_BackgroundedReturnsNil(t *testing.T) {
	tree, err := NewClassifierTree(&fakeModelStore{}, 16)
	require.NoError(t, err)

	vec, err := tree.Classify(&LocomotionSample{ID: NewID()}, true)
	require.NoError(t, err)
	require.Nil(t, vec)
}

func TestClassifierTree_CachesBySampleID(t *testing.T) {
	cd2 := &ActivityTypesModel{GeoKey: "CD2", Depth: depth2, MinLat: -1, MaxLat: 1, MinLon: -1, MaxLon: 1, TotalSamples: 100}
	calls := 0
	store := &fakeModelStore{
		cells:  map[cellDepth]*ActivityTypesModel{depth2: cd2},
		models: map[geoKey]CompiledModel{"CD2": &countingModel{vec: walkingVector(1.0), calls: &calls}},
	}
	tree, err := NewClassifierTree(store, 16)
	require.NoError(t, err)

	sample := &LocomotionSample{ID: NewID(), Location: &Location{Latitude: 0.5, Longitude: 0.5}}
	_, err = tree.Classify(sample, false)
	require.NoError(t, err)
	_, err = tree.Classify(sample, false)
	require.NoError(t, err)

	require.Equal(t, 1, calls)
}

type countingModel struct {
	vec   probabilityVector
	calls *int
}

func (c *countingModel) Predict(s *LocomotionSample) (probabilityVector, error) {
	*c.calls++
	return c.vec, nil
}

func TestClassifierTree_MissingModelIsRecoverable(t *testing.T) {
	tree, err := NewClassifierTree(&fakeModelStore{}, 16)
	require.NoError(t, err)

	_, err = tree.Classify(&LocomotionSample{ID: NewID(), Location: &Location{Latitude: 0.5, Longitude: 0.5}}, false)
	require.Error(t, err)
	require.True(t, isRecoverable(err))
}

func TestClassifySequence_AveragesAndArgmaxes(t *testing.T) {
	cd2 := &ActivityTypesModel{GeoKey: "CD2", Depth: depth2, MinLat: -1, MaxLat: 1, MinLon: -1, MaxLon: 1, TotalSamples: 100}
	store := &fakeModelStore{
		cells:  map[cellDepth]*ActivityTypesModel{depth2: cd2},
		models: map[geoKey]CompiledModel{"CD2": &fakeModel{vec: walkingVector(0.9)}},
	}
	tree, err := NewClassifierTree(store, 16)
	require.NoError(t, err)

	samples := []*LocomotionSample{
		{ID: NewID(), Location: &Location{Latitude: 0.5, Longitude: 0.5}},
		{ID: NewID(), Location: &Location{Latitude: 0.5, Longitude: 0.5}},
	}
	best, err := tree.ClassifySequence(samples, false)
	require.NoError(t, err)
	require.Equal(t, ActivityWalking, best)
}

func TestClassifySequence_AllUnclassifiableIsUnknown(t *testing.T) {
	tree, err := NewClassifierTree(&fakeModelStore{}, 16)
	require.NoError(t, err)

	samples := []*LocomotionSample{
		{ID: NewID()}, // nolo sample, never usable
	}
	best, err := tree.ClassifySequence(samples, false)
	require.NoError(t, err)
	require.Equal(t, ActivityUnknown, best)
}
