package engine

import (
	"bytes"
	"context"
	"database/sql"
	"embed"
	"encoding/gob"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	sqlite3migrate "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// register the sqlite3 driver
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Store is the single embedded relational store: one pooled connection
// serves every read and write, so readers do not run concurrently;
// foreign keys deferred so edges and sample<->item links can
// be rewritten atomically within a transaction. Schema changes arrive
// through versioned migrations rather than append-only DDL.
type Store struct {
	db  *sql.DB
	log *zap.Logger
}

// OpenStore opens (and migrates) the database at dataDir/locotrace.db.
// A failed migration is fatal: the store refuses to open.
func OpenStore(dataDir string, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("making data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "locotrace.db")
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=true")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(1) // one writer; SQLite serializes writes anyway

	if err := migrateStore(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("%s: %w", err, ErrMigrationFailed)
	}

	return &Store{db: db, log: log}, nil
}

func migrateStore(db *sql.DB) error {
	src, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return fmt.Errorf("loading embedded migrations: %w", err)
	}
	driver, err := sqlite3migrate.WithInstance(db, &sqlite3migrate.Config{})
	if err != nil {
		return fmt.Errorf("preparing migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("preparing migrator: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("applying migrations: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// InsertSample persists one LocomotionSample.
func (s *Store) InsertSample(ctx context.Context, sample *LocomotionSample) error {
	var lat, lon, alt, hAcc, vAcc, speed, course *float64
	if sample.Location != nil {
		lat, lon = &sample.Location.Latitude, &sample.Location.Longitude
		alt = sample.Location.Altitude
		hAcc = &sample.Location.HorizontalAccuracy
		vAcc = sample.Location.VerticalAccuracy
		speed = sample.Location.Speed
		course = sample.Location.Course
	}
	var classified, confirmed *int
	if sample.ClassifiedActivityType != nil {
		v := int(*sample.ClassifiedActivityType)
		classified = &v
	}
	if sample.ConfirmedActivityType != nil {
		v := int(*sample.ConfirmedActivityType)
		confirmed = &v
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO "locomotion_samples" (
			"id", "date", "seconds_from_gmt", "moving_state", "recording_state", "disabled",
			"source", "source_version", "latitude", "longitude", "altitude",
			"horizontal_accuracy", "vertical_accuracy", "speed", "course",
			"step_hz", "xy_acceleration", "z_acceleration", "heart_rate", "timeline_item_id",
			"classified_activity_type", "confirmed_activity_type"
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sample.ID, sample.Date.Unix(), sample.SecondsFromGMT, int(sample.MovingState), int(sample.RecordingState), sample.Disabled,
		sample.Source, sample.SourceVersion, lat, lon, alt,
		hAcc, vAcc, speed, course,
		sample.StepHz, sample.XYAcceleration, sample.ZAcceleration, sample.HeartRate, sample.TimelineItemID,
		classified, confirmed,
	)
	if err != nil {
		return fmt.Errorf("insert sample: %w", err)
	}
	// samples_rtree is kept in lockstep by trg_sample_rtree_insert.
	return nil
}

// OpenItem returns the currently-open timeline item (the one with the
// latest endDate among non-deleted items), or nil if the timeline is
// empty.
func (s *Store) OpenItem(ctx context.Context) (*TimelineItemBase, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT "id", "is_visit", "start_date", "end_date", "source", "source_version",
		       "disabled", "deleted", "locked", "samples_changed", "previous_item_id", "next_item_id"
		FROM "timeline_item_base"
		WHERE "deleted" = 0
		ORDER BY "end_date" DESC
		LIMIT 1`)
	return scanBase(row)
}

// CreateItem inserts a new, empty timeline item of the given kind,
// linked after prev if provided.
func (s *Store) CreateItem(ctx context.Context, isVisit bool, prev *ID) (*TimelineItemBase, error) {
	now := time.Now()
	id := NewID()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO "timeline_item_base" (
			"id", "is_visit", "start_date", "end_date", "source", "previous_item_id"
		) VALUES (?, ?, ?, ?, ?, ?)`,
		id, isVisit, now.Unix(), now.Unix(), "locotrace", prev)
	if err != nil {
		return nil, fmt.Errorf("create item: %w", err)
	}

	if isVisit {
		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO "timeline_item_visit" ("item_id") VALUES (?)`, id); err != nil {
			return nil, fmt.Errorf("create visit extension: %w", err)
		}
	} else {
		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO "timeline_item_trip" ("item_id") VALUES (?)`, id); err != nil {
			return nil, fmt.Errorf("create trip extension: %w", err)
		}
	}

	return &TimelineItemBase{
		ID: id, IsVisit: isVisit, StartDate: now, EndDate: now, Source: "locotrace",
		SamplesChanged: true, PreviousItemID: prev,
	}, nil
}

// LinkEdges sets prev.next = next.id; the bidirectional trigger
// reasserts next.previous = prev.id within the same statement's
// transaction.
func (s *Store) LinkEdges(ctx context.Context, prev, next ID) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE "timeline_item_base" SET "next_item_id" = ? WHERE "id" = ?`, next, prev)
	if err != nil {
		return fmt.Errorf("link edges: %w", err)
	}
	return nil
}

// AttachSample assigns an already-persisted sample to itemID; if the
// sample has not yet been inserted, it is inserted now.
func (s *Store) AttachSample(ctx context.Context, itemID ID, sample *LocomotionSample) error {
	sample.TimelineItemID = &itemID
	var exists bool
	row := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM "locomotion_samples" WHERE "id" = ?)`, sample.ID)
	if err := row.Scan(&exists); err != nil {
		return fmt.Errorf("check sample existence: %w", err)
	}
	if exists {
		_, err := s.db.ExecContext(ctx,
			`UPDATE "locomotion_samples" SET "timeline_item_id" = ? WHERE "id" = ?`, itemID, sample.ID)
		if err != nil {
			return fmt.Errorf("attach existing sample: %w", err)
		}
		return nil
	}
	return s.InsertSample(ctx, sample)
}

func scanBase(row *sql.Row) (*TimelineItemBase, error) {
	b := &TimelineItemBase{}
	var startUnix, endUnix int64
	if err := row.Scan(&b.ID, &b.IsVisit, &startUnix, &endUnix, &b.Source, &b.SourceVersion,
		&b.Disabled, &b.Deleted, &b.Locked, &b.SamplesChanged, &b.PreviousItemID, &b.NextItemID); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan item: %w", err)
	}
	b.StartDate = time.Unix(startUnix, 0)
	b.EndDate = time.Unix(endUnix, 0)
	return b, nil
}

// LoadWindow loads a contiguous neighbourhood of up to radius items on
// each side of itemID, walking the previous/next chain, each with its
// member samples.
func (s *Store) LoadWindow(ctx context.Context, itemID ID, radius int) ([]*ItemWithSamples, error) {
	center, err := s.loadItem(ctx, itemID)
	if err != nil || center == nil {
		return nil, err
	}

	window := []*ItemWithSamples{center}

	cursor := center
	for i := 0; i < radius && cursor.Base.PreviousItemID != nil; i++ {
		prev, err := s.loadItem(ctx, *cursor.Base.PreviousItemID)
		if err != nil || prev == nil {
			break
		}
		window = append([]*ItemWithSamples{prev}, window...)
		cursor = prev
	}

	cursor = center
	for i := 0; i < radius && cursor.Base.NextItemID != nil; i++ {
		next, err := s.loadItem(ctx, *cursor.Base.NextItemID)
		if err != nil || next == nil {
			break
		}
		window = append(window, next)
		cursor = next
	}

	return window, nil
}

func (s *Store) loadItem(ctx context.Context, id ID) (*ItemWithSamples, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT "id", "is_visit", "start_date", "end_date", "source", "source_version",
		       "disabled", "deleted", "locked", "samples_changed", "previous_item_id", "next_item_id"
		FROM "timeline_item_base" WHERE "id" = ?`, id)
	base, err := scanBase(row)
	if err != nil || base == nil {
		return nil, err
	}

	w := &ItemWithSamples{Base: base}

	if base.IsVisit {
		v := &TimelineItemVisit{ItemID: id}
		vrow := s.db.QueryRowContext(ctx, `
			SELECT "latitude", "longitude", "radius_mean", "radius_sd", "place_id",
			       "confirmed_place", "uncertain_place", "custom_title", "street_address"
			FROM "timeline_item_visit" WHERE "item_id" = ?`, id)
		if err := vrow.Scan(&v.Latitude, &v.Longitude, &v.RadiusMean, &v.RadiusSD, &v.PlaceID,
			&v.ConfirmedPlace, &v.UncertainPlace, &v.CustomTitle, &v.StreetAddress); err != nil && err != sql.ErrNoRows {
			return nil, fmt.Errorf("scan visit extension: %w", err)
		}
		w.Visit = v
	} else {
		t := &TimelineItemTrip{ItemID: id}
		var classified, confirmed *int
		trow := s.db.QueryRowContext(ctx, `
			SELECT "distance", "speed", "classified_activity_type", "confirmed_activity_type", "uncertain_activity_type"
			FROM "timeline_item_trip" WHERE "item_id" = ?`, id)
		if err := trow.Scan(&t.Distance, &t.Speed, &classified, &confirmed, &t.UncertainActivityType); err != nil && err != sql.ErrNoRows {
			return nil, fmt.Errorf("scan trip extension: %w", err)
		}
		if classified != nil {
			a := ActivityType(*classified)
			t.ClassifiedActivityType = &a
		}
		if confirmed != nil {
			a := ActivityType(*confirmed)
			t.ConfirmedActivityType = &a
		}
		w.Trip = t
	}

	samples, err := s.samplesForItem(ctx, id)
	if err != nil {
		return nil, err
	}
	w.Samples = samples
	return w, nil
}

func (s *Store) samplesForItem(ctx context.Context, id ID) ([]*LocomotionSample, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT "id", "date", "seconds_from_gmt", "moving_state", "recording_state", "disabled",
		       "source", "source_version", "latitude", "longitude", "altitude",
		       "horizontal_accuracy", "vertical_accuracy", "speed", "course",
		       "step_hz", "xy_acceleration", "z_acceleration", "heart_rate",
		       "classified_activity_type", "confirmed_activity_type"
		FROM "locomotion_samples" WHERE "timeline_item_id" = ? ORDER BY "date" ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("query item samples: %w", err)
	}
	defer rows.Close()

	var out []*LocomotionSample
	for rows.Next() {
		sm, err := scanSample(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sm)
	}
	return out, rows.Err()
}

type scannable interface {
	Scan(dest ...interface{}) error
}

func scanSample(rows scannable) (*LocomotionSample, error) {
	sm := &LocomotionSample{}
	var dateUnix int64
	var lat, lon, alt, hAcc, vAcc, speed, course *float64
	var movingState, recordingState int
	var classified, confirmed *int

	if err := rows.Scan(&sm.ID, &dateUnix, &sm.SecondsFromGMT, &movingState, &recordingState, &sm.Disabled,
		&sm.Source, &sm.SourceVersion, &lat, &lon, &alt, &hAcc, &vAcc, &speed, &course,
		&sm.StepHz, &sm.XYAcceleration, &sm.ZAcceleration, &sm.HeartRate,
		&classified, &confirmed); err != nil {
		return nil, fmt.Errorf("scan sample: %w", err)
	}

	sm.Date = time.Unix(dateUnix, 0)
	sm.MovingState = MovingState(movingState)
	sm.RecordingState = RecordingState(recordingState)
	if lat != nil {
		sm.Location = &Location{Latitude: *lat, Longitude: *lon, Altitude: alt, Speed: speed, Course: course}
		if hAcc != nil {
			sm.Location.HorizontalAccuracy = *hAcc
		}
		sm.Location.VerticalAccuracy = vAcc
	}
	if classified != nil {
		a := ActivityType(*classified)
		sm.ClassifiedActivityType = &a
	}
	if confirmed != nil {
		a := ActivityType(*confirmed)
		sm.ConfirmedActivityType = &a
	}
	return sm, nil
}

// MergeItems reassigns consumed's samples to keeper and bridges edges:
// keeper.next <- consumed's next, then deletes consumed's base row (ON
// DELETE CASCADE removes its extension row).
func (s *Store) MergeItems(ctx context.Context, keeper, consumed ID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin merge transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE "locomotion_samples" SET "timeline_item_id" = ? WHERE "timeline_item_id" = ?`, keeper, consumed); err != nil {
		return fmt.Errorf("reassign consumed samples: %w", err)
	}

	var consumedNext *ID
	row := tx.QueryRowContext(ctx, `SELECT "next_item_id" FROM "timeline_item_base" WHERE "id" = ?`, consumed)
	if err := row.Scan(&consumedNext); err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("read consumed's next: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE "timeline_item_base" SET "next_item_id" = ? WHERE "id" = ?`, consumedNext, keeper); err != nil {
		return fmt.Errorf("bridge keeper edge: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM "timeline_item_base" WHERE "id" = ?`, consumed); err != nil {
		return fmt.Errorf("delete consumed base: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE "timeline_item_base" SET "samples_changed" = 1 WHERE "id" = ?`, keeper); err != nil {
		return fmt.Errorf("mark keeper dirty: %w", err)
	}

	return tx.Commit()
}

// HealEdge repairs an asymmetric edge at one item: when previousItemId
// disagrees with the neighbour's own nextItemId, this item's edge is
// reasserted as authoritative.
func (s *Store) HealEdge(ctx context.Context, itemID ID) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE "timeline_item_base" SET "next_item_id" = ?
		WHERE "id" = (SELECT "previous_item_id" FROM "timeline_item_base" WHERE "id" = ?)`,
		itemID, itemID)
	if err != nil {
		return fmt.Errorf("heal edge: %w", err)
	}
	return nil
}

// ExtractSegment splits sampleIDs out of their current item into a new
// item of the given kind, inserted into the chain via three edge
// updates: predecessor, new item, successor.
func (s *Store) ExtractSegment(ctx context.Context, itemID ID, sampleIDs []ID, isVisit bool) (ID, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin extraction transaction: %w", err)
	}
	defer tx.Rollback()

	var oldNext *ID
	row := tx.QueryRowContext(ctx, `SELECT "next_item_id" FROM "timeline_item_base" WHERE "id" = ?`, itemID)
	if err := row.Scan(&oldNext); err != nil {
		return "", fmt.Errorf("read source item's next: %w", err)
	}

	newID := NewID()
	now := time.Now()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO "timeline_item_base" ("id", "is_visit", "start_date", "end_date", "source")
		VALUES (?, ?, ?, ?, 'locotrace')`,
		newID, isVisit, now.Unix(), now.Unix()); err != nil {
		return "", fmt.Errorf("insert extracted item: %w", err)
	}

	if isVisit {
		if _, err := tx.ExecContext(ctx, `INSERT INTO "timeline_item_visit" ("item_id") VALUES (?)`, newID); err != nil {
			return "", fmt.Errorf("create visit extension for extraction: %w", err)
		}
	} else {
		if _, err := tx.ExecContext(ctx, `INSERT INTO "timeline_item_trip" ("item_id") VALUES (?)`, newID); err != nil {
			return "", fmt.Errorf("create trip extension for extraction: %w", err)
		}
	}

	placeholders, args := idInClause(sampleIDs)
	args = append([]interface{}{newID}, args...)
	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf(`UPDATE "locomotion_samples" SET "timeline_item_id" = ? WHERE "id" IN (%s)`, placeholders),
		args...); err != nil {
		return "", fmt.Errorf("reassign extracted samples: %w", err)
	}

	// splice: predecessor -> new item -> old successor; the
	// bidirectional triggers reassert the opposite pointers.
	if _, err := tx.ExecContext(ctx,
		`UPDATE "timeline_item_base" SET "next_item_id" = ? WHERE "id" = ?`, newID, itemID); err != nil {
		return "", fmt.Errorf("link source to extracted item: %w", err)
	}
	if oldNext != nil {
		if _, err := tx.ExecContext(ctx,
			`UPDATE "timeline_item_base" SET "next_item_id" = ? WHERE "id" = ?`, *oldNext, newID); err != nil {
			return "", fmt.Errorf("link extracted item to successor: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE "timeline_item_base" SET "samples_changed" = 1 WHERE "id" = ?`, itemID); err != nil {
		return "", fmt.Errorf("mark source item dirty: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit extraction: %w", err)
	}
	return newID, nil
}

func idInClause(ids []ID) (string, []interface{}) {
	placeholders := ""
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		if i > 0 {
			placeholders += ","
		}
		placeholders += "?"
		args[i] = id
	}
	return placeholders, args
}

// DeleteItem soft-deletes an item: detaches its samples, bridges its
// neighbours, and sets deleted = true. Deleted items are never
// resurrected.
func (s *Store) DeleteItem(ctx context.Context, itemID ID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin deletion transaction: %w", err)
	}
	defer tx.Rollback()

	var prev, next *ID
	row := tx.QueryRowContext(ctx, `SELECT "previous_item_id", "next_item_id" FROM "timeline_item_base" WHERE "id" = ?`, itemID)
	if err := row.Scan(&prev, &next); err != nil {
		return fmt.Errorf("read neighbours: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE "locomotion_samples" SET "timeline_item_id" = NULL WHERE "timeline_item_id" = ?`, itemID); err != nil {
		return fmt.Errorf("detach samples: %w", err)
	}

	if prev != nil {
		if _, err := tx.ExecContext(ctx,
			`UPDATE "timeline_item_base" SET "next_item_id" = ? WHERE "id" = ?`, next, *prev); err != nil {
			return fmt.Errorf("bridge predecessor: %w", err)
		}
	}
	if next != nil {
		if _, err := tx.ExecContext(ctx,
			`UPDATE "timeline_item_base" SET "previous_item_id" = ? WHERE "id" = ?`, prev, *next); err != nil {
			return fmt.Errorf("bridge successor: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE "timeline_item_base" SET "deleted" = 1, "previous_item_id" = NULL, "next_item_id" = NULL WHERE "id" = ?`, itemID); err != nil {
		return fmt.Errorf("mark deleted: %w", err)
	}

	return tx.Commit()
}

// RecomputeDerived recomputes a Visit/Trip's derived fields (weighted
// center, bounded radius, distance, speed) from its member samples and
// clears samplesChanged.
func (s *Store) RecomputeDerived(ctx context.Context, itemID ID) error {
	item, err := s.loadItem(ctx, itemID)
	if err != nil || item == nil {
		return err
	}

	if item.Base.IsVisit {
		if err := s.recomputeVisit(ctx, item); err != nil {
			return err
		}
	} else {
		if err := s.recomputeTrip(ctx, item); err != nil {
			return err
		}
	}

	_, err = s.db.ExecContext(ctx,
		`UPDATE "timeline_item_base" SET "samples_changed" = 0 WHERE "id" = ?`, itemID)
	if err != nil {
		return fmt.Errorf("clear samplesChanged: %w", err)
	}
	return nil
}

func (s *Store) recomputeVisit(ctx context.Context, item *ItemWithSamples) error {
	var sumLat, sumLon, sumWeight float64
	var located int
	for _, sm := range item.Samples {
		if !sm.HasUsableLocation() {
			continue
		}
		acc := sm.Location.HorizontalAccuracy
		if acc <= 0 {
			acc = 1
		}
		w := 1 / acc
		sumLat += sm.Location.Latitude * w
		sumLon += sm.Location.Longitude * w
		sumWeight += w
		located++
	}
	if located == 0 || sumWeight == 0 {
		return nil
	}
	centerLat := sumLat / sumWeight
	centerLon := sumLon / sumWeight

	distances := make([]float64, 0, located)
	var sumDist float64
	for _, sm := range item.Samples {
		if !sm.HasUsableLocation() {
			continue
		}
		d := haversine(centerLat, centerLon, sm.Location.Latitude, sm.Location.Longitude)
		distances = append(distances, d)
		sumDist += d
	}
	meanDist := sumDist / float64(len(distances))

	var sumSqDev float64
	for _, d := range distances {
		dev := d - meanDist
		sumSqDev += dev * dev
	}

	mean := clamp(meanDist, visitRadiusMin, visitRadiusMax)
	sd := math.Sqrt(sumSqDev / float64(len(distances)))
	if sd > visitRadiusSDMax {
		sd = visitRadiusSDMax
	}

	_, err := s.db.ExecContext(ctx, `
		UPDATE "timeline_item_visit" SET "latitude" = ?, "longitude" = ?, "radius_mean" = ?, "radius_sd" = ?
		WHERE "item_id" = ?`, centerLat, centerLon, mean, sd, item.Base.ID)
	if err != nil {
		return fmt.Errorf("update visit derived fields: %w", err)
	}
	return nil
}

func (s *Store) recomputeTrip(ctx context.Context, item *ItemWithSamples) error {
	distance := runDistance(item.Samples)

	var speed float64
	duration := item.Base.Duration().Seconds()
	if duration > 0 {
		speed = distance / duration
	}

	_, err := s.db.ExecContext(ctx,
		`UPDATE "timeline_item_trip" SET "distance" = ?, "speed" = ? WHERE "item_id" = ?`,
		distance, speed, item.Base.ID)
	if err != nil {
		return fmt.Errorf("update trip derived fields: %w", err)
	}
	return nil
}

// OnItemMerge runs inside the same logical merge operation as
// MergeItems; the core defines no side effects of its own, so it is an
// extension point for hosts.
func (s *Store) OnItemMerge(ctx context.Context, keeper, consumed ID) error {
	return nil
}

// PruneItem applies pruner's retention policy to one item's samples,
// hard-deleting everything outside the kept set. It returns the number
// of samples deleted. A second run over the same item deletes nothing
// further.
func (s *Store) PruneItem(ctx context.Context, itemID ID, pruner *Pruner) (int, error) {
	item, err := s.loadItem(ctx, itemID)
	if err != nil {
		return 0, err
	}
	if item == nil || len(item.Samples) == 0 {
		return 0, nil
	}

	kept := pruner.KeptIndices(item.Base, item.Trip, item.Samples)
	keptSet := make(map[int]bool, len(kept))
	for _, i := range kept {
		keptSet[i] = true
	}

	var doomed []ID
	for i, sm := range item.Samples {
		if !keptSet[i] {
			doomed = append(doomed, sm.ID)
		}
	}
	if len(doomed) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin prune transaction: %w", err)
	}
	defer tx.Rollback()

	placeholders, args := idInClause(doomed)
	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM "locomotion_samples" WHERE "id" IN (%s)`, placeholders), args...); err != nil {
		return 0, fmt.Errorf("delete pruned samples: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit prune: %w", err)
	}
	return len(doomed), nil
}

// CandidatesNear returns places whose bounding box overlaps the given
// box, via the R-Tree spatial index.
func (s *Store) CandidatesNear(ctx context.Context, minLat, minLon, maxLat, maxLon float64) ([]*Place, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT p."id", p."latitude", p."longitude", p."radius_mean", p."radius_sd", p."name", p."street_address",
		       p."locality", p."country_code", p."time_zone", p."google_place_id", p."foursquare_id", p."mapbox_id",
		       p."visit_count", p."last_visit_date", p."histograms", p."is_stale"
		FROM "places" p
		JOIN "places_rtree" r ON r."id" = p."rowid"
		WHERE r."min_lat" <= ? AND r."max_lat" >= ? AND r."min_lon" <= ? AND r."max_lon" >= ?`,
		maxLat, minLat, maxLon, minLon)
	if err != nil {
		return nil, fmt.Errorf("rtree candidate query: %w", err)
	}
	defer rows.Close()

	var out []*Place
	for rows.Next() {
		p, err := scanPlace(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanPlace(rows *sql.Rows) (*Place, error) {
	p := &Place{}
	var lastVisit sql.NullInt64
	var histogramBlob []byte
	var google, foursquare, mapbox sql.NullString

	if err := rows.Scan(&p.ID, &p.Latitude, &p.Longitude, &p.RadiusMean, &p.RadiusSD,
		&p.Name, &p.Address, &p.Locality, &p.CountryCode, &p.TimeZone,
		&google, &foursquare, &mapbox, &p.VisitCount, &lastVisit, &histogramBlob, &p.IsStale); err != nil {
		return nil, fmt.Errorf("scan place: %w", err)
	}
	p.GooglePlaceID = google.String
	p.FoursquareID = foursquare.String
	p.MapboxID = mapbox.String
	if lastVisit.Valid {
		p.LastVisitDate = time.Unix(lastVisit.Int64, 0)
	}
	if len(histogramBlob) > 0 {
		if err := gob.NewDecoder(bytes.NewReader(histogramBlob)).Decode(&p.Histograms); err != nil {
			return nil, fmt.Errorf("decode place histograms: %w", err)
		}
	}
	return p, nil
}

// SavePlace upserts a place's mutable fields, including its
// gob-encoded histograms.
func (s *Store) SavePlace(ctx context.Context, p *Place) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(p.Histograms); err != nil {
		return fmt.Errorf("encode place histograms: %w", err)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO "places" (
			"id", "latitude", "longitude", "radius_mean", "radius_sd", "name", "street_address",
			"locality", "country_code", "time_zone", "google_place_id", "foursquare_id", "mapbox_id",
			"visit_count", "last_visit_date", "histograms", "is_stale"
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT("id") DO UPDATE SET
			"latitude" = excluded."latitude", "longitude" = excluded."longitude",
			"radius_mean" = excluded."radius_mean", "radius_sd" = excluded."radius_sd",
			"visit_count" = excluded."visit_count", "last_visit_date" = excluded."last_visit_date",
			"histograms" = excluded."histograms", "is_stale" = excluded."is_stale"`,
		p.ID, p.Latitude, p.Longitude, p.RadiusMean, p.RadiusSD, p.Name, p.Address,
		p.Locality, p.CountryCode, p.TimeZone, nullableString(p.GooglePlaceID), nullableString(p.FoursquareID), nullableString(p.MapboxID),
		p.VisitCount, p.LastVisitDate.Unix(), buf.Bytes(), p.IsStale)
	if err != nil {
		return fmt.Errorf("upsert place: %w", err)
	}
	// places_rtree is kept in lockstep by trg_place_rtree_insert/
	// trg_place_rtree_update, covering both the initial insert and
	// every subsequent radius/coordinate change.
	return nil
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// CellAt returns the classifier cell at depth containing (lat, lon),
// if one exists.
func (s *Store) CellAt(depth cellDepth, lat, lon float64) (*ActivityTypesModel, error) {
	row := s.db.QueryRow(`
		SELECT "geo_key", "depth", "min_lat", "min_lon", "max_lat", "max_lon", "model_file",
		       "total_samples", "accuracy_score", "last_updated", "needs_update"
		FROM "activity_types_models"
		WHERE "depth" = ? AND "min_lat" <= ? AND "max_lat" >= ? AND "min_lon" <= ? AND "max_lon" >= ?
		LIMIT 1`, int(depth), lat, lat, lon, lon)
	return scanModel(row)
}

// Bundled returns the read-only global BD0 model, if installed.
func (s *Store) Bundled() (*ActivityTypesModel, error) {
	row := s.db.QueryRow(`
		SELECT "geo_key", "depth", "min_lat", "min_lon", "max_lat", "max_lon", "model_file",
		       "total_samples", "accuracy_score", "last_updated", "needs_update"
		FROM "activity_types_models" WHERE "depth" = ? LIMIT 1`, int(depthBundled))
	return scanModel(row)
}

func scanModel(row *sql.Row) (*ActivityTypesModel, error) {
	m := &ActivityTypesModel{}
	var depth int
	var accuracy sql.NullFloat64
	if err := row.Scan(&m.GeoKey, &depth, &m.MinLat, &m.MinLon, &m.MaxLat, &m.MaxLon, &m.ModelFile,
		&m.TotalSamples, &accuracy, &m.LastUpdated, &m.NeedsUpdate); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan model: %w", err)
	}
	m.Depth = cellDepth(depth)
	if accuracy.Valid {
		m.AccuracyScore = &accuracy.Float64
	}
	return m, nil
}

// modelByKey looks up a model row regardless of its needsUpdate state.
func (s *Store) modelByKey(ctx context.Context, key geoKey) (*ActivityTypesModel, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT "geo_key", "depth", "min_lat", "min_lon", "max_lat", "max_lon", "model_file",
		       "total_samples", "accuracy_score", "last_updated", "needs_update"
		FROM "activity_types_models" WHERE "geo_key" = ?`, key)
	return scanModel(row)
}

// PendingModels returns every model with needsUpdate set.
func (s *Store) PendingModels(ctx context.Context) ([]*ActivityTypesModel, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT "geo_key", "depth", "min_lat", "min_lon", "max_lat", "max_lon", "model_file",
		       "total_samples", "accuracy_score", "last_updated", "needs_update"
		FROM "activity_types_models" WHERE "needs_update" = 1`)
	if err != nil {
		return nil, fmt.Errorf("query pending models: %w", err)
	}
	defer rows.Close()

	var out []*ActivityTypesModel
	for rows.Next() {
		m := &ActivityTypesModel{}
		var depth int
		var accuracy sql.NullFloat64
		if err := rows.Scan(&m.GeoKey, &depth, &m.MinLat, &m.MinLon, &m.MaxLat, &m.MaxLon, &m.ModelFile,
			&m.TotalSamples, &accuracy, &m.LastUpdated, &m.NeedsUpdate); err != nil {
			return nil, fmt.Errorf("scan pending model: %w", err)
		}
		m.Depth = cellDepth(depth)
		if accuracy.Valid {
			m.AccuracyScore = &accuracy.Float64
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ConfirmedSamplesIn selects up to limit confirmed samples within m's
// bounding box, newest first, narrowed through the sample R-Tree
// before the row filter touches the main table.
func (s *Store) ConfirmedSamplesIn(ctx context.Context, m *ActivityTypesModel, limit int) ([]*LocomotionSample, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sm."id", sm."date", sm."seconds_from_gmt", sm."moving_state", sm."recording_state", sm."disabled",
		       sm."source", sm."source_version", sm."latitude", sm."longitude", sm."altitude",
		       sm."horizontal_accuracy", sm."vertical_accuracy", sm."speed", sm."course",
		       sm."step_hz", sm."xy_acceleration", sm."z_acceleration", sm."heart_rate",
		       sm."classified_activity_type", sm."confirmed_activity_type"
		FROM "locomotion_samples" sm
		JOIN "samples_rtree" r ON r."id" = sm."rowid"
		WHERE sm."confirmed_activity_type" IS NOT NULL
		  AND r."min_lat" >= ? AND r."max_lat" <= ? AND r."min_lon" >= ? AND r."max_lon" <= ?
		ORDER BY sm."date" DESC LIMIT ?`, m.MinLat, m.MaxLat, m.MinLon, m.MaxLon, limit)
	if err != nil {
		return nil, fmt.Errorf("query confirmed samples: %w", err)
	}
	defer rows.Close()

	var out []*LocomotionSample
	for rows.Next() {
		sm, err := scanSample(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sm)
	}
	return out, rows.Err()
}

// SaveModelMetadata writes back a model's training results.
func (s *Store) SaveModelMetadata(ctx context.Context, m *ActivityTypesModel) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE "activity_types_models" SET
			"total_samples" = ?, "accuracy_score" = ?, "last_updated" = ?, "needs_update" = ?
		WHERE "geo_key" = ?`,
		m.TotalSamples, m.AccuracyScore, m.LastUpdated, m.NeedsUpdate, m.GeoKey)
	if err != nil {
		return fmt.Errorf("save model metadata: %w", err)
	}
	return nil
}
