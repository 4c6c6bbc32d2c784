package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRecorderStore tracks the item chain the recorder builds without
// a real database. Edges are kept symmetric the way the schema's
// triggers would.
type fakeRecorderStore struct {
	items    []*TimelineItemBase
	attached map[ID][]*LocomotionSample
}

func newFakeRecorderStore() *fakeRecorderStore {
	return &fakeRecorderStore{attached: map[ID][]*LocomotionSample{}}
}

func (f *fakeRecorderStore) OpenItem(ctx context.Context) (*TimelineItemBase, error) {
	if len(f.items) == 0 {
		return nil, nil
	}
	return f.items[len(f.items)-1], nil
}

func (f *fakeRecorderStore) CreateItem(ctx context.Context, isVisit bool, prev *ID) (*TimelineItemBase, error) {
	now := time.Now()
	item := &TimelineItemBase{
		ID: NewID(), IsVisit: isVisit, StartDate: now, EndDate: now,
		Source: "test", SamplesChanged: true, PreviousItemID: prev,
	}
	f.items = append(f.items, item)
	return item, nil
}

func (f *fakeRecorderStore) LinkEdges(ctx context.Context, prev, next ID) error {
	for _, item := range f.items {
		if item.ID == prev {
			n := next
			item.NextItemID = &n
		}
		if item.ID == next {
			p := prev
			item.PreviousItemID = &p
		}
	}
	return nil
}

func (f *fakeRecorderStore) AttachSample(ctx context.Context, itemID ID, sample *LocomotionSample) error {
	sample.TimelineItemID = &itemID
	f.attached[itemID] = append(f.attached[itemID], sample)
	return nil
}

func sampleWithState(state MovingState, at time.Time) *LocomotionSample {
	return &LocomotionSample{
		ID: NewID(), Date: at, MovingState: state, RecordingState: RecordingStateRecording,
		Location: &Location{Latitude: 35.6762, Longitude: 139.6503, HorizontalAccuracy: 5},
	}
}

func TestTimelineRecorder_FirstSampleOpensItem(t *testing.T) {
	store := newFakeRecorderStore()
	rec := NewTimelineRecorder(store)

	require.NoError(t, rec.Record(context.Background(), sampleWithState(MovingStateStationary, time.Now())))

	require.Len(t, store.items, 1)
	assert.True(t, store.items[0].IsVisit)
	assert.Len(t, store.attached[store.items[0].ID], 1)
}

func TestTimelineRecorder_KindChangeChainsNewItem(t *testing.T) {
	store := newFakeRecorderStore()
	rec := NewTimelineRecorder(store)
	base := time.Now()

	// stationary run, then moving run, then stationary again
	for i := 0; i < 10; i++ {
		require.NoError(t, rec.Record(context.Background(), sampleWithState(MovingStateStationary, base.Add(time.Duration(i)*time.Second))))
	}
	for i := 10; i < 110; i++ {
		require.NoError(t, rec.Record(context.Background(), sampleWithState(MovingStateMoving, base.Add(time.Duration(i)*time.Second))))
	}
	for i := 110; i < 120; i++ {
		require.NoError(t, rec.Record(context.Background(), sampleWithState(MovingStateStationary, base.Add(time.Duration(i)*time.Second))))
	}

	require.Len(t, store.items, 3)
	visit1, trip, visit2 := store.items[0], store.items[1], store.items[2]

	assert.True(t, visit1.IsVisit)
	assert.False(t, trip.IsVisit)
	assert.True(t, visit2.IsVisit)

	// edges are symmetric: visit1 <-> trip <-> visit2
	require.NotNil(t, visit1.NextItemID)
	assert.Equal(t, trip.ID, *visit1.NextItemID)
	require.NotNil(t, trip.PreviousItemID)
	assert.Equal(t, visit1.ID, *trip.PreviousItemID)
	require.NotNil(t, trip.NextItemID)
	assert.Equal(t, visit2.ID, *trip.NextItemID)
	require.NotNil(t, visit2.PreviousItemID)
	assert.Equal(t, trip.ID, *visit2.PreviousItemID)

	assert.Len(t, store.attached[visit1.ID], 10)
	assert.Len(t, store.attached[trip.ID], 100)
	assert.Len(t, store.attached[visit2.ID], 10)
}

func TestTimelineRecorder_SleepingSampleStaysOnOpenVisit(t *testing.T) {
	store := newFakeRecorderStore()
	rec := NewTimelineRecorder(store)

	require.NoError(t, rec.Record(context.Background(), sampleWithState(MovingStateStationary, time.Now())))

	late := sampleWithState(MovingStateUncertain, time.Now())
	late.RecordingState = RecordingStateSleeping
	require.NoError(t, rec.Record(context.Background(), late))

	require.Len(t, store.items, 1)
	assert.Len(t, store.attached[store.items[0].ID], 2)
}
