package engine

import (
	"context"
	"fmt"
)

// RecorderStore is the persistence surface the recorder needs. It
// never computes startDate/endDate/samplesChanged itself (the schema's
// triggers maintain those); it only inserts rows and opens/links
// items.
type RecorderStore interface {
	OpenItem(ctx context.Context) (*TimelineItemBase, error)
	CreateItem(ctx context.Context, isVisit bool, prev *ID) (*TimelineItemBase, error)
	LinkEdges(ctx context.Context, prev, next ID) error
	AttachSample(ctx context.Context, itemID ID, sample *LocomotionSample) error
}

// TimelineRecorder maintains exactly one "open" item and appends
// samples to it, closing and chaining a new item whenever the sample's
// implied kind changes.
type TimelineRecorder struct {
	store RecorderStore
}

// NewTimelineRecorder returns a recorder backed by store.
func NewTimelineRecorder(store RecorderStore) *TimelineRecorder {
	return &TimelineRecorder{store: store}
}

// Record attaches one sample to the timeline, opening a new item first
// if needed. It runs on the timeline actor; callers must not invoke it
// concurrently with itself.
func (r *TimelineRecorder) Record(ctx context.Context, sample *LocomotionSample) error {
	open, err := r.store.OpenItem(ctx)
	if err != nil {
		return fmt.Errorf("load open item: %w", err)
	}

	// entering sleep mode does not close the open Visit; it simply
	// stops sample production, so the caller is not expected to invoke
	// Record while sleeping. If it does anyway (e.g. a late-arriving
	// sample), attach it to whatever is open rather than churn a new
	// item over a transient recording-state flicker.
	if sample.RecordingState == RecordingStateSleeping && open != nil && open.IsVisit {
		return r.attach(ctx, open.ID, sample)
	}

	wantVisit := sample.ImpliedKind()

	if open != nil && open.IsVisit == wantVisit {
		return r.attach(ctx, open.ID, sample)
	}

	var prevID *ID
	if open != nil {
		id := open.ID
		prevID = &id
	}

	next, err := r.store.CreateItem(ctx, wantVisit, prevID)
	if err != nil {
		return fmt.Errorf("create next item: %w", err)
	}

	if open != nil {
		if err := r.store.LinkEdges(ctx, open.ID, next.ID); err != nil {
			return fmt.Errorf("link edges %s -> %s: %w", open.ID, next.ID, err)
		}
	}

	return r.attach(ctx, next.ID, sample)
}

func (r *TimelineRecorder) attach(ctx context.Context, itemID ID, sample *LocomotionSample) error {
	if err := r.store.AttachSample(ctx, itemID, sample); err != nil {
		return fmt.Errorf("attach sample %s to item %s: %w", sample.ID, itemID, err)
	}
	return nil
}
