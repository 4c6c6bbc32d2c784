package engine

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mholt/archiver"
)

// exportReferenceDate is the epoch export timestamps are numerically
// relative to: 2001-01-01 UTC, matching the mobile platform's own
// reference date.
var exportReferenceDate = time.Date(2001, 1, 1, 0, 0, 0, 0, time.UTC)

// exportSchemaVersion is the metadata.json schema version; importers
// accept any export with a matching major version.
const exportSchemaVersion = "2.0.0"

// ExportMetadata is the top-level metadata.json document.
type ExportMetadata struct {
	SchemaVersion  string    `json:"schemaVersion"`
	ExportedAt     float64   `json:"exportedAt"`
	LastBackupDate *float64  `json:"lastBackupDate,omitempty"`
	PlaceCount     int       `json:"placeCount"`
	ItemCount      int       `json:"itemCount"`
	SampleCount    int       `json:"sampleCount"`
}

func toReferenceSeconds(t time.Time) float64 {
	return t.Sub(exportReferenceDate).Seconds()
}

func fromReferenceSeconds(s float64) time.Time {
	return exportReferenceDate.Add(time.Duration(s * float64(time.Second)))
}

// placeBucketOf buckets a place by the first hex character of its id,
// giving sixteen files.
func placeBucketOf(id ID) string {
	s := string(id)
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'f':
			return string(r)
		case r >= 'A' && r <= 'F':
			return string(r + ('a' - 'A'))
		}
	}
	return "0"
}

// itemBucketOf buckets an item by YYYY-MM of its startDate.
func itemBucketOf(start time.Time) string {
	return start.UTC().Format("2006-01")
}

// sampleBucketOf buckets a sample by ISO week YYYY-Www (UTC).
func sampleBucketOf(date time.Time) string {
	year, week := date.UTC().ISOWeek()
	return fmt.Sprintf("%04d-W%02d", year, week)
}

// ExportStore is the read surface the exporter needs; it is satisfied
// by Store's read paths but kept as a narrow interface so exports can
// run against a snapshot or read-replica connection.
type ExportStore interface {
	AllPlaces(ctx context.Context) ([]*Place, error)
	ItemsSince(ctx context.Context, since, until *time.Time) ([]*ItemWithSamples, error)
	LastBackupDate(ctx context.Context) (*time.Time, error)
	SetLastBackupDate(ctx context.Context, t time.Time) error
}

// itemExportRow is one item's bucketed export representation.
type itemExportRow struct {
	ID             ID      `json:"id"`
	IsVisit        bool    `json:"isVisit"`
	StartDate      float64 `json:"startDate"`
	EndDate        float64 `json:"endDate"`
	Source         string  `json:"source"`
	Disabled       bool    `json:"disabled"`
	Deleted        bool    `json:"deleted"`
	Locked         bool    `json:"locked"`
	PreviousItemID *ID     `json:"previousItemId,omitempty"`
	NextItemID     *ID     `json:"nextItemId,omitempty"`

	Visit *TimelineItemVisit `json:"visit,omitempty"`
	Trip  *TimelineItemTrip  `json:"trip,omitempty"`
}

type sampleExportRow struct {
	ID             ID       `json:"id"`
	Date           float64  `json:"date"`
	SecondsFromGMT int      `json:"secondsFromGMT"`
	TimelineItemID *ID      `json:"timelineItemId,omitempty"`
	Sample         *LocomotionSample `json:"sample"`
}

// Exporter writes bucketed exports: a directory
// export-YYYY-MM-DD-HHmmss/ with metadata.json plus three bucketed
// subtrees (places by id prefix, items by month, samples by ISO
// week), each bucket a gzip-compressed JSON document.
type Exporter struct {
	store ExportStore
}

// NewExporter returns an exporter backed by store.
func NewExporter(store ExportStore) *Exporter {
	return &Exporter{store: store}
}

// Export writes a full bucketed export under baseDir, naming the
// session directory from sessionStart.
func (e *Exporter) Export(ctx context.Context, baseDir string, sessionStart time.Time) (string, error) {
	places, err := e.store.AllPlaces(ctx)
	if err != nil {
		return "", fmt.Errorf("load places: %w", err)
	}
	items, err := e.store.ItemsSince(ctx, nil, nil)
	if err != nil {
		return "", fmt.Errorf("load items: %w", err)
	}
	return e.export(ctx, baseDir, sessionStart, places, items)
}

// ExportItems writes an incremental bucketed export covering only the
// given already-changed items, under a directory stamped with stamp.
// Place buckets are omitted: places carry no lastSaved tracking of
// their own, so place snapshots travel with a full Export rather than
// every incremental pass.
func (e *Exporter) ExportItems(ctx context.Context, baseDir string, stamp time.Time, items []*ItemWithSamples) (string, error) {
	return e.export(ctx, baseDir, stamp, nil, items)
}

func (e *Exporter) export(ctx context.Context, baseDir string, stamp time.Time, places []*Place, items []*ItemWithSamples) (string, error) {
	dir := filepath.Join(baseDir, "export-"+stamp.UTC().Format("2006-01-02-150405"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create export directory: %w", err)
	}

	placesDir := filepath.Join(dir, "places")
	itemsDir := filepath.Join(dir, "items")
	samplesDir := filepath.Join(dir, "samples")
	for _, d := range []string{placesDir, itemsDir, samplesDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return "", fmt.Errorf("create bucket directory %s: %w", d, err)
		}
	}

	placeBuckets := map[string][]*Place{}
	for _, p := range places {
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("export cancelled: %w", ErrExportCancelled)
		default:
		}
		b := placeBucketOf(p.ID)
		placeBuckets[b] = append(placeBuckets[b], p)
	}
	for b, ps := range placeBuckets {
		if err := writeJSONGzFile(filepath.Join(placesDir, b+".json.gz"), ps); err != nil {
			return "", err
		}
	}

	itemBuckets := map[string][]itemExportRow{}
	sampleBuckets := map[string][]sampleExportRow{}
	var itemCount, sampleCount int

	for _, w := range items {
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("export cancelled: %w", ErrExportCancelled)
		default:
		}
		if w.Base.StartDate.IsZero() {
			continue // items with no startDate are excluded
		}
		row := itemExportRow{
			ID: w.Base.ID, IsVisit: w.Base.IsVisit,
			StartDate: toReferenceSeconds(w.Base.StartDate), EndDate: toReferenceSeconds(w.Base.EndDate),
			Source: w.Base.Source, Disabled: w.Base.Disabled, Deleted: w.Base.Deleted, Locked: w.Base.Locked,
			PreviousItemID: w.Base.PreviousItemID, NextItemID: w.Base.NextItemID,
			Visit: w.Visit, Trip: w.Trip,
		}
		bucket := itemBucketOf(w.Base.StartDate)
		itemBuckets[bucket] = append(itemBuckets[bucket], row)
		itemCount++

		for _, sm := range w.Samples {
			sb := sampleBucketOf(sm.Date)
			id := sm.ID
			sampleBuckets[sb] = append(sampleBuckets[sb], sampleExportRow{
				ID: id, Date: toReferenceSeconds(sm.Date), SecondsFromGMT: sm.SecondsFromGMT,
				TimelineItemID: sm.TimelineItemID, Sample: sm,
			})
			sampleCount++
		}
	}

	for b, rows := range itemBuckets {
		if err := writeJSONGzFile(filepath.Join(itemsDir, b+".json.gz"), rows); err != nil {
			return "", err
		}
	}
	for b, rows := range sampleBuckets {
		if err := writeJSONGzFile(filepath.Join(samplesDir, b+".json.gz"), rows); err != nil {
			return "", err
		}
	}

	meta := ExportMetadata{
		SchemaVersion: exportSchemaVersion,
		ExportedAt:    toReferenceSeconds(stamp),
		PlaceCount:    len(places),
		ItemCount:     itemCount,
		SampleCount:   sampleCount,
	}
	if err := writeJSONFile(filepath.Join(dir, "metadata.json"), meta); err != nil {
		return "", err
	}

	return dir, nil
}

func writeJSONFile(path string, v interface{}) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// writeJSONGzFile marshals v and gzip-compresses it to path, through
// the same compressor readBucketFile uses to decompress on import.
func writeJSONGzFile(path string, v interface{}) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()
	gz := archiver.Gz{CompressionLevel: gzip.DefaultCompression}
	if err := gz.Compress(bytes.NewReader(body), f); err != nil {
		return fmt.Errorf("compress %s: %w", path, err)
	}
	return nil
}
