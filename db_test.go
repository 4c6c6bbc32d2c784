package engine

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenStore(t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func attachedSample(itemID ID, date time.Time, lat, lon float64) *LocomotionSample {
	return &LocomotionSample{
		ID: NewID(), Date: date, MovingState: MovingStateStationary,
		RecordingState: RecordingStateRecording, Source: "test",
		Location:       &Location{Latitude: lat, Longitude: lon, HorizontalAccuracy: 5},
		TimelineItemID: &itemID,
	}
}

func TestOpenStore_MigratesAndReopens(t *testing.T) {
	dir := t.TempDir()

	s, err := OpenStore(dir, nil)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	// reopening the same file finds the migrations already applied
	s2, err := OpenStore(dir, nil)
	require.NoError(t, err)
	require.NoError(t, s2.Close())
}

func TestStore_EdgeTriggerKeepsChainSymmetric(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	a, err := s.CreateItem(ctx, true, nil)
	require.NoError(t, err)
	b, err := s.CreateItem(ctx, false, &a.ID)
	require.NoError(t, err)

	require.NoError(t, s.LinkEdges(ctx, a.ID, b.ID))

	gotA, err := s.loadItem(ctx, a.ID)
	require.NoError(t, err)
	gotB, err := s.loadItem(ctx, b.ID)
	require.NoError(t, err)

	require.NotNil(t, gotA.Base.NextItemID)
	assert.Equal(t, b.ID, *gotA.Base.NextItemID)
	require.NotNil(t, gotB.Base.PreviousItemID)
	assert.Equal(t, a.ID, *gotB.Base.PreviousItemID)
}

func TestStore_SampleInsertStretchesItemDatesAndMarksDirty(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	item, err := s.CreateItem(ctx, true, nil)
	require.NoError(t, err)
	_, err = s.db.ExecContext(ctx,
		`UPDATE "timeline_item_base" SET "samples_changed" = 0 WHERE "id" = ?`, item.ID)
	require.NoError(t, err)

	early := item.StartDate.Add(-10 * time.Minute).Truncate(time.Second)
	late := item.EndDate.Add(10 * time.Minute).Truncate(time.Second)
	require.NoError(t, s.InsertSample(ctx, attachedSample(item.ID, early, 35.0, 139.0)))
	require.NoError(t, s.InsertSample(ctx, attachedSample(item.ID, late, 35.0, 139.0)))

	got, err := s.loadItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, early.Unix(), got.Base.StartDate.Unix())
	assert.Equal(t, late.Unix(), got.Base.EndDate.Unix())
	assert.True(t, got.Base.SamplesChanged)
}

func TestStore_DisabledMismatchAbortsInsert(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	item, err := s.CreateItem(ctx, true, nil)
	require.NoError(t, err)

	sm := attachedSample(item.ID, time.Now(), 35.0, 139.0)
	sm.Disabled = true
	err = s.InsertSample(ctx, sm)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disabled")
}

func TestStore_ItemDisabledCascadesToSamples(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	item, err := s.CreateItem(ctx, true, nil)
	require.NoError(t, err)
	require.NoError(t, s.InsertSample(ctx, attachedSample(item.ID, time.Now(), 35.0, 139.0)))

	_, err = s.db.ExecContext(ctx,
		`UPDATE "timeline_item_base" SET "disabled" = 1 WHERE "id" = ?`, item.ID)
	require.NoError(t, err)

	var disabled bool
	require.NoError(t, s.db.QueryRowContext(ctx,
		`SELECT "disabled" FROM "locomotion_samples" WHERE "timeline_item_id" = ?`, item.ID).Scan(&disabled))
	assert.True(t, disabled)
}

func TestStore_SampleRTreeLockstep(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	sm := &LocomotionSample{
		ID: NewID(), Date: time.Now(), MovingState: MovingStateStationary,
		RecordingState: RecordingStateRecording, Source: "test",
		Location: &Location{Latitude: 35.6762, Longitude: 139.6503, HorizontalAccuracy: 5},
	}
	require.NoError(t, s.InsertSample(ctx, sm))

	var minLat, minLon float64
	require.NoError(t, s.db.QueryRowContext(ctx, `
		SELECT r."min_lat", r."min_lon"
		FROM "samples_rtree" r
		JOIN "locomotion_samples" sm ON sm."rowid" = r."id"
		WHERE sm."id" = ?`, sm.ID).Scan(&minLat, &minLon))
	// rtree stores single-precision floats
	assert.InDelta(t, 35.6762, minLat, 1e-4)
	assert.InDelta(t, 139.6503, minLon, 1e-4)

	_, err := s.db.ExecContext(ctx, `DELETE FROM "locomotion_samples" WHERE "id" = ?`, sm.ID)
	require.NoError(t, err)

	var count int
	require.NoError(t, s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM "samples_rtree"`).Scan(&count))
	assert.Equal(t, 0, count)
}

func TestStore_PlaceRTreeLockstepAndCandidateSearch(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	p := &Place{
		ID: NewID(), Latitude: 35.6762, Longitude: 139.6503,
		RadiusMean: 20, RadiusSD: 5, Name: "Office", LastVisitDate: time.Now(),
	}
	require.NoError(t, s.SavePlace(ctx, p))

	// the indexed bbox half-width is radius_mean + 2*radius_sd in degrees
	var minLat float64
	require.NoError(t, s.db.QueryRowContext(ctx, `
		SELECT r."min_lat" FROM "places_rtree" r
		JOIN "places" p ON p."rowid" = r."id"
		WHERE p."id" = ?`, p.ID).Scan(&minLat))
	assert.InDelta(t, 35.6762-30.0/111320.0, minLat, 1e-4)

	found, err := s.CandidatesNear(ctx, 35.675, 139.649, 35.677, 139.651)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, p.ID, found[0].ID)

	// shrinking the radius moves the indexed bbox in lockstep
	p.RadiusMean, p.RadiusSD = 10, 0
	require.NoError(t, s.SavePlace(ctx, p))
	require.NoError(t, s.db.QueryRowContext(ctx, `
		SELECT r."min_lat" FROM "places_rtree" r
		JOIN "places" p ON p."rowid" = r."id"
		WHERE p."id" = ?`, p.ID).Scan(&minLat))
	assert.InDelta(t, 35.6762-10.0/111320.0, minLat, 1e-4)
}

func TestStore_DeleteItemBridgesNeighbours(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	a, err := s.CreateItem(ctx, true, nil)
	require.NoError(t, err)
	b, err := s.CreateItem(ctx, false, &a.ID)
	require.NoError(t, err)
	require.NoError(t, s.LinkEdges(ctx, a.ID, b.ID))
	c, err := s.CreateItem(ctx, true, &b.ID)
	require.NoError(t, err)
	require.NoError(t, s.LinkEdges(ctx, b.ID, c.ID))

	require.NoError(t, s.InsertSample(ctx, attachedSample(b.ID, time.Now(), 35.0, 139.0)))

	require.NoError(t, s.DeleteItem(ctx, b.ID))

	gotA, err := s.loadItem(ctx, a.ID)
	require.NoError(t, err)
	gotB, err := s.loadItem(ctx, b.ID)
	require.NoError(t, err)
	gotC, err := s.loadItem(ctx, c.ID)
	require.NoError(t, err)

	require.NotNil(t, gotA.Base.NextItemID)
	assert.Equal(t, c.ID, *gotA.Base.NextItemID)
	require.NotNil(t, gotC.Base.PreviousItemID)
	assert.Equal(t, a.ID, *gotC.Base.PreviousItemID)

	assert.True(t, gotB.Base.Deleted)
	assert.Nil(t, gotB.Base.PreviousItemID)
	assert.Nil(t, gotB.Base.NextItemID)
	assert.Empty(t, gotB.Samples) // detached, not deleted

	var orphans int
	require.NoError(t, s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM "locomotion_samples" WHERE "timeline_item_id" IS NULL`).Scan(&orphans))
	assert.Equal(t, 1, orphans)
}

func TestStore_RecomputeVisitDerivedFields(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	item, err := s.CreateItem(ctx, true, nil)
	require.NoError(t, err)

	// four samples on a 30m ring around (35, 139): the weighted center
	// is the ring's center, the mean distance is 30m, and the SD of the
	// distances is near zero.
	const ringRadius = 30.0
	baseLat, baseLon := 35.0, 139.0
	dLat := ringRadius / metersPerDegreeLat
	dLon := ringRadius / (metersPerDegreeLat * math.Cos(baseLat*math.Pi/180))
	now := time.Now()
	for i, pt := range [][2]float64{
		{baseLat + dLat, baseLon}, {baseLat - dLat, baseLon},
		{baseLat, baseLon + dLon}, {baseLat, baseLon - dLon},
	} {
		require.NoError(t, s.InsertSample(ctx, attachedSample(item.ID, now.Add(time.Duration(i)*time.Second), pt[0], pt[1])))
	}

	require.NoError(t, s.RecomputeDerived(ctx, item.ID))

	got, err := s.loadItem(ctx, item.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Visit.Latitude)
	assert.InDelta(t, baseLat, *got.Visit.Latitude, 1e-6)
	assert.InDelta(t, baseLon, *got.Visit.Longitude, 1e-6)
	assert.InDelta(t, ringRadius, got.Visit.RadiusMean, 0.5)
	assert.Less(t, got.Visit.RadiusSD, 0.5)
	assert.False(t, got.Base.SamplesChanged)
}

func TestStore_RecomputeVisitClampsTinyRadius(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	item, err := s.CreateItem(ctx, true, nil)
	require.NoError(t, err)
	now := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, s.InsertSample(ctx, attachedSample(item.ID, now.Add(time.Duration(i)*time.Second), 35.0, 139.0)))
	}

	require.NoError(t, s.RecomputeDerived(ctx, item.ID))

	got, err := s.loadItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, visitRadiusMin, got.Visit.RadiusMean)
	assert.Equal(t, 0.0, got.Visit.RadiusSD)
}

func TestStore_RecomputeTripDerivedFields(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	item, err := s.CreateItem(ctx, false, nil)
	require.NoError(t, err)

	// three colinear samples 100m apart over 100 seconds
	start := time.Now().Truncate(time.Second)
	dLat := 100.0 / metersPerDegreeLat
	for i := 0; i < 3; i++ {
		require.NoError(t, s.InsertSample(ctx,
			attachedSample(item.ID, start.Add(time.Duration(i)*50*time.Second), 35.0+float64(i)*dLat, 139.0)))
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE "timeline_item_base" SET "start_date" = ?, "end_date" = ? WHERE "id" = ?`,
		start.Unix(), start.Add(100*time.Second).Unix(), item.ID)
	require.NoError(t, err)

	require.NoError(t, s.RecomputeDerived(ctx, item.ID))

	got, err := s.loadItem(ctx, item.ID)
	require.NoError(t, err)
	assert.InDelta(t, 200, got.Trip.Distance, 2)
	assert.InDelta(t, 2.0, got.Trip.Speed, 0.1)
}

func TestStore_ConfirmedSampleMarksCoveringModelsDirty(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO "activity_types_models" ("geo_key", "depth", "min_lat", "min_lon", "max_lat", "max_lon", "model_file", "needs_update")
		VALUES ('CD2 35.67,139.65', ?, 35.6, 139.6, 35.7, 139.7, 'cd2.mlmodelc', 0)`, int(depth2))
	require.NoError(t, err)

	walking := ActivityWalking
	sm := &LocomotionSample{
		ID: NewID(), Date: time.Now(), MovingState: MovingStateMoving,
		RecordingState: RecordingStateRecording, Source: "test",
		Location:              &Location{Latitude: 35.6762, Longitude: 139.6503, HorizontalAccuracy: 5},
		ConfirmedActivityType: &walking,
	}
	require.NoError(t, s.InsertSample(ctx, sm))

	pending, err := s.PendingModels(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, geoKey("CD2 35.67,139.65"), pending[0].GeoKey)
}
