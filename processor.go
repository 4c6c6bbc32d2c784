package engine

import (
	"context"
	"fmt"
	"math"
	"time"
)

// ProcessorStore is the persistence surface the timeline processor
// needs. Every mutating method commits its own transaction; the
// processor itself runs on the timeline actor, so passes never
// interleave.
type ProcessorStore interface {
	LoadWindow(ctx context.Context, itemID ID, radius int) ([]*ItemWithSamples, error)
	MergeItems(ctx context.Context, keeper, consumed ID) error
	HealEdge(ctx context.Context, itemID ID) error
	ExtractSegment(ctx context.Context, itemID ID, sampleIDs []ID, isVisit bool) (ID, error)
	DeleteItem(ctx context.Context, itemID ID) error
	RecomputeDerived(ctx context.Context, itemID ID) error
	OnItemMerge(ctx context.Context, keeper, consumed ID) error
}

// ItemWithSamples is a loaded window element: base + extension +
// member samples, enough to score merges and compute validity without
// re-querying mid-pass.
type ItemWithSamples struct {
	Base    *TimelineItemBase
	Visit   *TimelineItemVisit // nil if Base.IsVisit is false
	Trip    *TimelineItemTrip  // nil if Base.IsVisit is true
	Samples []*LocomotionSample
}

func (w *ItemWithSamples) distance() float64 {
	if w.Trip != nil {
		return w.Trip.Distance
	}
	return 0
}

func (w *ItemWithSamples) nolo() bool {
	for _, s := range w.Samples {
		if s.HasUsableLocation() {
			return false
		}
	}
	return true
}

func (w *ItemWithSamples) dataGap() bool {
	if w.Base.IsVisit {
		return false
	}
	for _, s := range w.Samples {
		if !s.IsOff() {
			return false
		}
	}
	return len(w.Samples) > 0
}

func (w *ItemWithSamples) worthKeeping() bool {
	return WorthKeeping(w.Base, w.Visit, w.Trip, len(w.Samples), w.distance(), w.nolo(), w.dataGap())
}

// windowRadius bounds how many neighbours on each side the processor
// loads per pass; merges and extractions only ever need immediate
// neighbours plus one (for the three-item betweener case).
const windowRadius = 3

// TimelineProcessor runs merges, edge healing, extraction, and
// deletion to a fixed point within one contiguous window of the item
// chain.
type TimelineProcessor struct {
	store   ProcessorStore
	metrics *Metrics
}

// NewTimelineProcessor returns a processor backed by store.
func NewTimelineProcessor(store ProcessorStore) *TimelineProcessor {
	return &TimelineProcessor{store: store}
}

// SetMetrics attaches a Metrics bundle; nil disables instrumentation.
func (p *TimelineProcessor) SetMetrics(m *Metrics) { p.metrics = m }

// ProcessWindow runs merges, edge healing, extraction, and deletion to
// a fixed point around itemID. Running it twice without new samples in
// between changes nothing.
func (p *TimelineProcessor) ProcessWindow(ctx context.Context, itemID ID) error {
	if p.metrics != nil {
		incIfSet(p.metrics.ProcessorPasses)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		window, err := p.store.LoadWindow(ctx, itemID, windowRadius)
		if err != nil {
			return fmt.Errorf("load window around %s: %w", itemID, err)
		}
		if len(window) == 0 {
			return nil
		}

		// derived fields must be current before any pass judges
		// validity: a freshly extracted trip carries distance 0 until
		// recomputed, and scoring it in that state would merge it
		// straight back.
		dirty, err := p.recomputeDerivedFields(ctx, window)
		if err != nil {
			return err
		}
		if dirty {
			continue
		}

		mergePerformed, err := p.runMergePass(ctx, window)
		if err != nil {
			return err
		}
		if mergePerformed {
			continue
		}

		healed, err := p.runEdgeHealingPass(ctx, window)
		if err != nil {
			return err
		}
		if healed {
			continue
		}

		extracted, err := p.runExtractionPass(ctx, window)
		if err != nil {
			return err
		}
		if extracted {
			continue
		}

		deleted, err := p.runDeletionPass(ctx, window)
		if err != nil {
			return err
		}
		if deleted {
			continue
		}

		return nil
	}
}

// mergeCandidate is one scored (keeper, consumed) pairing; "consumed"
// may itself be a betweener-bridged pair in the three-item case, but
// the store-level merge only ever removes one base per call, so the
// three-item case is modelled as two sequential merges scored
// together.
type mergeCandidate struct {
	keeper, consumed ID
	score            float64
	shortensDataGap  bool
}

func (p *TimelineProcessor) runMergePass(ctx context.Context, window []*ItemWithSamples) (bool, error) {
	var best *mergeCandidate

	consider := func(c mergeCandidate) {
		if c.score <= 0 {
			return
		}
		if best == nil || c.score > best.score || (c.score == best.score && c.shortensDataGap && !best.shortensDataGap) {
			best = &c
		}
	}

	for i := 0; i+1 < len(window); i++ {
		a, b := window[i], window[i+1]
		consider(p.scoreMerge(a, b))
	}

	var bestBetween *ID
	for i := 0; i+2 < len(window); i++ {
		a, between, c := window[i], window[i+1], window[i+2]
		if between.worthKeeping() || untouchable(between) {
			continue
		}
		cand := p.scoreMerge(a, c)
		cand.shortensDataGap = cand.shortensDataGap || a.dataGap() || c.dataGap()
		consider(cand)
		if best != nil && best.keeper == a.Base.ID && best.consumed == c.Base.ID {
			bestBetween = &between.Base.ID
		}
	}

	if best == nil {
		return false, nil
	}

	if bestBetween != nil {
		if err := p.store.MergeItems(ctx, best.keeper, *bestBetween); err != nil {
			return false, fmt.Errorf("merge %s <- %s: %w", best.keeper, *bestBetween, err)
		}
		if err := p.store.OnItemMerge(ctx, best.keeper, *bestBetween); err != nil {
			return false, fmt.Errorf("onItemMerge hook %s <- %s: %w", best.keeper, *bestBetween, err)
		}
		if p.metrics != nil {
			incIfSet(p.metrics.ItemsMerged)
		}
	}
	if err := p.store.MergeItems(ctx, best.keeper, best.consumed); err != nil {
		return false, fmt.Errorf("merge %s <- %s: %w", best.keeper, best.consumed, err)
	}
	if err := p.store.OnItemMerge(ctx, best.keeper, best.consumed); err != nil {
		return false, fmt.Errorf("onItemMerge hook %s <- %s: %w", best.keeper, best.consumed, err)
	}
	if p.metrics != nil {
		incIfSet(p.metrics.ItemsMerged)
	}
	return true, nil
}

// scoreMerge applies the feasibility gates first (locked sides,
// mismatched kinds with both valid, unreasonable time gaps, a visit
// outside the trip's path), then accumulates confidence from shared
// confirmed places, matching confirmed activities, spatial closeness,
// and invalid neighbours. The keeper is always the earlier item in the
// chain.
func (p *TimelineProcessor) scoreMerge(a, b *ItemWithSamples) mergeCandidate {
	c := mergeCandidate{keeper: a.Base.ID, consumed: b.Base.ID}

	if untouchable(a) || untouchable(b) {
		return c
	}

	aInvalid := !a.worthKeeping()
	bInvalid := !b.worthKeeping()
	if a.Base.IsVisit != b.Base.IsVisit && !aInvalid && !bInvalid {
		return c
	}

	if gap := timeGap(a, b); gap > 0 && gap > maxReasonableGap(a, b) {
		return c
	}

	if a.Base.IsVisit && !b.Base.IsVisit {
		if visitOutsideTripPath(a, b) {
			return c
		}
	}
	if b.Base.IsVisit && !a.Base.IsVisit {
		if visitOutsideTripPath(b, a) {
			return c
		}
	}

	// confidence must be earned: a feasible pair with no affinity
	// scores zero and is left alone
	score := 0.0

	if aInvalid != bInvalid {
		score += 0.2 // invalid neighbours are the first candidates for consumption
	}

	if a.Base.IsVisit && b.Base.IsVisit && a.Visit != nil && b.Visit != nil {
		if a.Visit.ConfirmedPlace && b.Visit.ConfirmedPlace && a.Visit.PlaceID != nil && b.Visit.PlaceID != nil && *a.Visit.PlaceID == *b.Visit.PlaceID {
			score += 0.4
		}
		if a.Visit.Latitude != nil && b.Visit.Latitude != nil {
			d := haversine(*a.Visit.Latitude, *a.Visit.Longitude, *b.Visit.Latitude, *b.Visit.Longitude)
			combinedRadius := a.Visit.RadiusMean + a.Visit.RadiusSD + b.Visit.RadiusMean + b.Visit.RadiusSD
			if combinedRadius > 0 {
				score += 0.3 * math.Max(0, 1-d/combinedRadius)
			}
		}
	}

	if !a.Base.IsVisit && !b.Base.IsVisit && a.Trip != nil && b.Trip != nil {
		if a.Trip.ConfirmedActivityType != nil && b.Trip.ConfirmedActivityType != nil && *a.Trip.ConfirmedActivityType == *b.Trip.ConfirmedActivityType {
			score += 0.4
		}
	}

	if a.dataGap() || b.dataGap() || a.nolo() || b.nolo() {
		score += 0.2
		c.shortensDataGap = a.dataGap() || b.dataGap()
	}

	c.score = score
	return c
}

func timeGap(a, b *ItemWithSamples) time.Duration {
	return b.Base.StartDate.Sub(a.Base.EndDate)
}

// maxReasonableGap scales with whichever item is a data-gap trip
// (which may legitimately span days) versus ordinary items (where
// more than a couple hours of silence is not a merge candidate).
func maxReasonableGap(a, b *ItemWithSamples) time.Duration {
	if a.dataGap() || b.dataGap() {
		return 30 * 24 * time.Hour
	}
	return 3 * time.Hour
}

// visitOutsideTripPath reports whether the visit's center lies beyond
// the trip's path plus the visit's own radius+SD. Absent a routed
// polyline, the trip's nearest sample stands in for the path.
func visitOutsideTripPath(visit, trip *ItemWithSamples) bool {
	if visit.Visit == nil || visit.Visit.Latitude == nil {
		return false
	}
	minDist := math.Inf(1)
	for _, s := range trip.Samples {
		if !s.HasUsableLocation() {
			continue
		}
		d := haversine(*visit.Visit.Latitude, *visit.Visit.Longitude, s.Location.Latitude, s.Location.Longitude)
		if d < minDist {
			minDist = d
		}
	}
	if math.IsInf(minDist, 1) {
		return false
	}
	return minDist > visit.Visit.RadiusMean+visit.Visit.RadiusSD
}

// runEdgeHealingPass reasserts bidirectional equality for every item
// whose previousItemId disagrees with that neighbour's own
// nextItemId. Healing is idempotent.
func (p *TimelineProcessor) runEdgeHealingPass(ctx context.Context, window []*ItemWithSamples) (bool, error) {
	for _, w := range window {
		if untouchable(w) {
			continue
		}
		if w.Base.PreviousItemID == nil {
			continue
		}
		prev := findInWindow(window, *w.Base.PreviousItemID)
		if prev == nil || untouchable(prev) {
			continue
		}
		if prev.Base.NextItemID != nil && *prev.Base.NextItemID == w.Base.ID {
			continue
		}
		if err := p.store.HealEdge(ctx, w.Base.ID); err != nil {
			return false, fmt.Errorf("heal edge at %s: %w", w.Base.ID, err)
		}
		return true, nil
	}
	return false, nil
}

// untouchable reports whether the processor must leave an item alone:
// locked items refuse all mutation, disabled items are hidden from
// chain processing but reversible, deleted items are gone for good.
func untouchable(w *ItemWithSamples) bool {
	return w.Base.Locked || w.Base.Disabled || w.Base.Deleted
}

func findInWindow(window []*ItemWithSamples, id ID) *ItemWithSamples {
	for _, w := range window {
		if w.Base.ID == id {
			return w
		}
	}
	return nil
}

// runExtractionPass splits out a segment whose moving-state run
// clearly belongs to the opposite kind: a stationary cluster inside a
// trip, or a qualifying moving run inside a visit.
func (p *TimelineProcessor) runExtractionPass(ctx context.Context, window []*ItemWithSamples) (bool, error) {
	for _, w := range window {
		if untouchable(w) {
			continue
		}
		seg := findOppositeKindRun(w)
		if seg == nil {
			continue
		}
		ids := make([]ID, len(seg))
		for i, s := range seg {
			ids[i] = s.ID
		}
		if _, err := p.store.ExtractSegment(ctx, w.Base.ID, ids, !w.Base.IsVisit); err != nil {
			return false, fmt.Errorf("extract segment from %s: %w", w.Base.ID, err)
		}
		if p.metrics != nil {
			incIfSet(p.metrics.ItemsExtracted)
		}
		return true, nil
	}
	return false, nil
}

// findOppositeKindRun looks for a maximal contiguous run of samples
// whose implied kind differs from the item's own kind and that, on
// its own, would satisfy WorthKeeping as the opposite kind. A moving
// run must also cover enough ground: extracting a spatially tiny run
// would only produce an invalid trip for the merge pass to consume
// straight back.
func findOppositeKindRun(w *ItemWithSamples) []*LocomotionSample {
	wantOpposite := !w.Base.IsVisit // true => look for a stationary cluster inside a trip

	var run []*LocomotionSample
	flush := func() []*LocomotionSample {
		defer func() { run = nil }()
		if len(run) == 0 {
			return nil
		}
		candidateIsVisit := wantOpposite
		duration := run[len(run)-1].Date.Sub(run[0].Date)
		if candidateIsVisit {
			if duration >= 2*time.Minute {
				return run
			}
			return nil
		}
		if duration >= 30*time.Second && len(run) >= 2 && runDistance(run) >= 20 {
			return run
		}
		return nil
	}

	for _, s := range w.Samples {
		if s.ImpliedKind() == wantOpposite {
			run = append(run, s)
			continue
		}
		if seg := flush(); seg != nil {
			return seg
		}
	}
	return flush()
}

// runDistance sums the path length over a run's usable locations.
func runDistance(run []*LocomotionSample) float64 {
	var total float64
	var prevLat, prevLon float64
	havePrev := false
	for _, s := range run {
		if !s.HasUsableLocation() {
			continue
		}
		if havePrev {
			total += haversine(prevLat, prevLon, s.Location.Latitude, s.Location.Longitude)
		}
		prevLat, prevLon = s.Location.Latitude, s.Location.Longitude
		havePrev = true
	}
	return total
}

// runDeletionPass soft-deletes any item that fails WorthKeeping and
// could not be merged or healed, which detaches its samples and
// bridges its neighbours.
func (p *TimelineProcessor) runDeletionPass(ctx context.Context, window []*ItemWithSamples) (bool, error) {
	for _, w := range window {
		if untouchable(w) {
			continue
		}
		if w.worthKeeping() {
			continue
		}
		if err := p.store.DeleteItem(ctx, w.Base.ID); err != nil {
			return false, fmt.Errorf("delete item %s: %w", w.Base.ID, err)
		}
		if p.metrics != nil {
			incIfSet(p.metrics.ItemsDeleted)
		}
		return true, nil
	}
	return false, nil
}

func (p *TimelineProcessor) recomputeDerivedFields(ctx context.Context, window []*ItemWithSamples) (bool, error) {
	var any bool
	for _, w := range window {
		if !w.Base.SamplesChanged {
			continue
		}
		if err := p.store.RecomputeDerived(ctx, w.Base.ID); err != nil {
			return any, fmt.Errorf("recompute derived fields for %s: %w", w.Base.ID, err)
		}
		any = true
	}
	return any, nil
}
