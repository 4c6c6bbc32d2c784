package engine

import (
	"fmt"
	"time"
)

// visitRadiusMin and visitRadiusMax hard-clamp a Visit's radiusMean;
// radiusSD shares the upper bound.
const (
	visitRadiusMin = 10.0  // metres
	visitRadiusMax = 150.0 // metres
	visitRadiusSDMax = 150.0
)

// TimelineItemBase is the identity and linkage of a timeline entry.
// IsVisit is an immutable discriminator set at construction.
type TimelineItemBase struct {
	ID       ID
	IsVisit  bool
	StartDate time.Time
	EndDate   time.Time

	Source        string
	SourceVersion string

	Disabled bool
	Deleted  bool
	Locked   bool

	SamplesChanged bool

	PreviousItemID *ID
	NextItemID     *ID

	StepCount      int
	Floors         int
	AltitudeMean   *float64
	Energy         float64
	HeartRateMean  *float64
	HeartRateMax   *float64
}

// CheckLinkInvariants mirrors the edge CHECK constraints the schema
// enforces: a clear in-process failure is cheaper than a trip to the
// database for a programmer error.
func (b *TimelineItemBase) CheckLinkInvariants() error {
	if b.PreviousItemID != nil && *b.PreviousItemID == b.ID {
		return fmt.Errorf("item %s: previousItemId equals id: %w", b.ID, ErrStoreConstraintViolation)
	}
	if b.NextItemID != nil && *b.NextItemID == b.ID {
		return fmt.Errorf("item %s: nextItemId equals id: %w", b.ID, ErrStoreConstraintViolation)
	}
	if b.PreviousItemID != nil && b.NextItemID != nil && *b.PreviousItemID == *b.NextItemID {
		return fmt.Errorf("item %s: previousItemId equals nextItemId: %w", b.ID, ErrStoreConstraintViolation)
	}
	return nil
}

// TimelineItemVisit is the one-to-one Visit extension of an item.
type TimelineItemVisit struct {
	ItemID ID

	Latitude  *float64
	Longitude *float64
	RadiusMean float64
	RadiusSD   float64

	PlaceID         *ID
	ConfirmedPlace  bool
	UncertainPlace  bool
	CustomTitle     string
	StreetAddress   string
}

// ClampRadius enforces the hard [10,150]m mean clamp and the SD upper
// bound.
func (v *TimelineItemVisit) ClampRadius() {
	v.RadiusMean = clamp(v.RadiusMean, visitRadiusMin, visitRadiusMax)
	if v.RadiusSD > visitRadiusSDMax {
		v.RadiusSD = visitRadiusSDMax
	}
	if v.RadiusSD < 0 {
		v.RadiusSD = 0
	}
}

// CheckInvariants enforces the Visit-specific consistency rules:
// place confirmation requires a place, and a coordinate is all or
// nothing.
func (v *TimelineItemVisit) CheckInvariants() error {
	if v.ConfirmedPlace && v.PlaceID == nil {
		return fmt.Errorf("visit %s: confirmedPlace without placeId: %w", v.ItemID, ErrStoreConstraintViolation)
	}
	if !v.UncertainPlace && v.PlaceID == nil {
		return fmt.Errorf("visit %s: certain but no placeId: %w", v.ItemID, ErrStoreConstraintViolation)
	}
	if (v.Latitude == nil) != (v.Longitude == nil) {
		return fmt.Errorf("visit %s: lat/lon must both be set or both null: %w", v.ItemID, ErrStoreConstraintViolation)
	}
	if v.Latitude != nil && *v.Latitude == 0 && *v.Longitude == 0 {
		return fmt.Errorf("visit %s: (0,0) is not a valid coordinate: %w", v.ItemID, ErrStoreConstraintViolation)
	}
	return nil
}

// TimelineItemTrip is the one-to-one Trip extension of an item.
type TimelineItemTrip struct {
	ItemID ID

	Distance float64
	Speed    float64

	ClassifiedActivityType *ActivityType
	ConfirmedActivityType  *ActivityType
	UncertainActivityType  bool
}

// CheckInvariants enforces the Trip-specific consistency rules around
// the classified/confirmed/uncertain activity triple.
func (t *TimelineItemTrip) CheckInvariants() error {
	if !t.UncertainActivityType && t.ClassifiedActivityType == nil && t.ConfirmedActivityType == nil {
		return fmt.Errorf("trip %s: must be classified, confirmed, or uncertain: %w", t.ItemID, ErrStoreConstraintViolation)
	}
	if t.ConfirmedActivityType != nil && t.UncertainActivityType {
		return fmt.Errorf("trip %s: confirmed implies not uncertain: %w", t.ItemID, ErrStoreConstraintViolation)
	}
	return nil
}

// Visit bundles a base and its Visit extension.
type Visit struct {
	Base *TimelineItemBase
	Ext  *TimelineItemVisit
}

// Trip bundles a base and its Trip extension.
type Trip struct {
	Base *TimelineItemBase
	Ext  *TimelineItemTrip
}

// Duration is a convenience used throughout the processor and pruner.
func (b *TimelineItemBase) Duration() time.Duration {
	return b.EndDate.Sub(b.StartDate)
}

// IsDataGap reports whether a Trip's samples were all recorded while
// recording was off.
func (t *Trip) IsDataGap(samples []*LocomotionSample) bool {
	if len(samples) == 0 {
		return false
	}
	for _, s := range samples {
		if !s.IsOff() {
			return false
		}
	}
	return true
}

// WorthKeeping decides whether an item earns its slot in the chain: a
// visit by dwell time, confirmation, or a custom title; a trip by
// duration, distance, and sample count; a data gap only once it spans
// a full day. sampleCount and distance are derived by the caller from
// the item's member samples, which the processor already has loaded.
func WorthKeeping(base *TimelineItemBase, visit *TimelineItemVisit, trip *TimelineItemTrip, sampleCount int, distance float64, nolo bool, dataGap bool) bool {
	if nolo {
		return false
	}
	if base.IsVisit {
		return base.Duration() >= 2*time.Minute || visit.ConfirmedPlace || visit.CustomTitle != ""
	}
	if dataGap {
		return base.Duration() >= 24*time.Hour
	}
	return base.Duration() >= 30*time.Second && distance >= 20 && sampleCount >= 2
}
