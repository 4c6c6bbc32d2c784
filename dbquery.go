package engine

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// AllPlaces returns every place, for a full export.
func (s *Store) AllPlaces(ctx context.Context) ([]*Place, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT "id", "latitude", "longitude", "radius_mean", "radius_sd", "name", "street_address",
		       "locality", "country_code", "time_zone", "google_place_id", "foursquare_id", "mapbox_id",
		       "visit_count", "last_visit_date", "histograms", "is_stale"
		FROM "places"`)
	if err != nil {
		return nil, fmt.Errorf("query all places: %w", err)
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

// ItemsSince returns items (with their samples) whose last_saved falls
// in (since, until]; nil bounds are unbounded, which a full export
// uses.
func (s *Store) ItemsSince(ctx context.Context, since, until *time.Time) ([]*ItemWithSamples, error) {
	query := `SELECT "id" FROM "timeline_item_base" WHERE "deleted" = 0`
	var args []interface{}
	if since != nil {
		query += ` AND "last_saved" > ?`
		args = append(args, since.Unix())
	}
	if until != nil {
		query += ` AND "last_saved" <= ?`
		args = append(args, until.Unix())
	}
	query += ` ORDER BY "start_date" ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query items since: %w", err)
	}
	var ids []ID
	for rows.Next() {
		var id ID
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan item id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]*ItemWithSamples, 0, len(ids))
	for _, id := range ids {
		w, err := s.loadItem(ctx, id)
		if err != nil {
			return nil, err
		}
		if w != nil {
			out = append(out, w)
		}
	}
	return out, nil
}

// LastBackupDate returns the store's recorded lastBackupDate, if any.
func (s *Store) LastBackupDate(ctx context.Context) (*time.Time, error) {
	var v sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT "last_backup_date" FROM "backup_state" WHERE "id" = 1`).Scan(&v); err != nil {
		return nil, fmt.Errorf("read last backup date: %w", err)
	}
	if !v.Valid {
		return nil, nil
	}
	t := time.Unix(v.Int64, 0)
	return &t, nil
}

// SetLastBackupDate advances lastBackupDate on a successful backup.
func (s *Store) SetLastBackupDate(ctx context.Context, t time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE "backup_state" SET "last_backup_date" = ? WHERE "id" = 1`, t.Unix())
	if err != nil {
		return fmt.Errorf("set last backup date: %w", err)
	}
	return nil
}

// BackupProgressDate returns the in-progress checkpoint, if a prior
// backup was cancelled mid-run; catch-up resumes from here.
func (s *Store) BackupProgressDate(ctx context.Context) (*time.Time, error) {
	var v sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT "backup_progress_date" FROM "backup_state" WHERE "id" = 1`).Scan(&v); err != nil {
		return nil, fmt.Errorf("read backup progress date: %w", err)
	}
	if !v.Valid {
		return nil, nil
	}
	t := time.Unix(v.Int64, 0)
	return &t, nil
}

// SetBackupProgressDate records (or clears, with a nil t) the
// in-progress checkpoint.
func (s *Store) SetBackupProgressDate(ctx context.Context, t *time.Time) error {
	var v interface{}
	if t != nil {
		v = t.Unix()
	}
	_, err := s.db.ExecContext(ctx, `UPDATE "backup_state" SET "backup_progress_date" = ? WHERE "id" = 1`, v)
	if err != nil {
		return fmt.Errorf("set backup progress date: %w", err)
	}
	return nil
}

// UpsertPlace is the import-phase place writer.
func (s *Store) UpsertPlace(ctx context.Context, p *Place) error {
	return s.SavePlace(ctx, p)
}

// InsertItemDetached inserts an item row with previousItemId =
// nextItemId = null; edges are restored in the import's second phase.
func (s *Store) InsertItemDetached(ctx context.Context, row itemExportRow) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO "timeline_item_base" (
			"id", "is_visit", "start_date", "end_date", "source", "disabled", "deleted", "locked"
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT("id") DO UPDATE SET
			"start_date" = excluded."start_date", "end_date" = excluded."end_date",
			"disabled" = excluded."disabled", "deleted" = excluded."deleted", "locked" = excluded."locked"`,
		row.ID, row.IsVisit, fromReferenceSeconds(row.StartDate).Unix(), fromReferenceSeconds(row.EndDate).Unix(),
		row.Source, row.Disabled, row.Deleted, row.Locked)
	if err != nil {
		return fmt.Errorf("upsert item %s: %w", row.ID, err)
	}

	if row.IsVisit && row.Visit != nil {
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO "timeline_item_visit" (
				"item_id", "latitude", "longitude", "radius_mean", "radius_sd", "place_id",
				"confirmed_place", "uncertain_place", "custom_title", "street_address"
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT("item_id") DO UPDATE SET
				"latitude" = excluded."latitude", "longitude" = excluded."longitude",
				"radius_mean" = excluded."radius_mean", "radius_sd" = excluded."radius_sd",
				"place_id" = excluded."place_id", "confirmed_place" = excluded."confirmed_place",
				"uncertain_place" = excluded."uncertain_place", "custom_title" = excluded."custom_title",
				"street_address" = excluded."street_address"`,
			row.ID, row.Visit.Latitude, row.Visit.Longitude, row.Visit.RadiusMean, row.Visit.RadiusSD,
			row.Visit.PlaceID, row.Visit.ConfirmedPlace, row.Visit.UncertainPlace, row.Visit.CustomTitle, row.Visit.StreetAddress)
	} else if !row.IsVisit && row.Trip != nil {
		var classified, confirmed *int
		if row.Trip.ClassifiedActivityType != nil {
			v := int(*row.Trip.ClassifiedActivityType)
			classified = &v
		}
		if row.Trip.ConfirmedActivityType != nil {
			v := int(*row.Trip.ConfirmedActivityType)
			confirmed = &v
		}
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO "timeline_item_trip" (
				"item_id", "distance", "speed", "classified_activity_type", "confirmed_activity_type", "uncertain_activity_type"
			) VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT("item_id") DO UPDATE SET
				"distance" = excluded."distance", "speed" = excluded."speed",
				"classified_activity_type" = excluded."classified_activity_type",
				"confirmed_activity_type" = excluded."confirmed_activity_type",
				"uncertain_activity_type" = excluded."uncertain_activity_type"`,
			row.ID, row.Trip.Distance, row.Trip.Speed, classified, confirmed, row.Trip.UncertainActivityType)
	}
	if err != nil {
		return fmt.Errorf("upsert item extension %s: %w", row.ID, err)
	}
	return nil
}

// RestoreEdgeBatch restores previousItemId/nextItemId for a batch of
// items in one transaction with deferred FKs. Edges whose target does
// not exist, or whose target is already claimed by another item's edge
// in this batch, are skipped and counted as integrity errors.
func (s *Store) RestoreEdgeBatch(ctx context.Context, edges []ImportEdge) (restored int, skipped int, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("begin edge batch: %w", err)
	}
	defer tx.Rollback()

	claimedNext := map[ID]bool{}
	claimedPrev := map[ID]bool{}

	for _, e := range edges {
		if e.PreviousItemID != nil {
			if claimedNext[*e.PreviousItemID] {
				skipped++
				continue
			}
			var exists bool
			if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM "timeline_item_base" WHERE "id" = ?)`, *e.PreviousItemID).Scan(&exists); err != nil {
				return 0, 0, fmt.Errorf("check prev target: %w", err)
			}
			if !exists {
				skipped++
				continue
			}
		}
		if e.NextItemID != nil {
			if claimedPrev[*e.NextItemID] {
				skipped++
				continue
			}
			var exists bool
			if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM "timeline_item_base" WHERE "id" = ?)`, *e.NextItemID).Scan(&exists); err != nil {
				return 0, 0, fmt.Errorf("check next target: %w", err)
			}
			if !exists {
				skipped++
				continue
			}
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE "timeline_item_base" SET "previous_item_id" = ?, "next_item_id" = ? WHERE "id" = ?`,
			e.PreviousItemID, e.NextItemID, e.ItemID); err != nil {
			return 0, 0, fmt.Errorf("restore edge for %s: %w", e.ItemID, err)
		}
		if e.PreviousItemID != nil {
			claimedNext[*e.PreviousItemID] = true
		}
		if e.NextItemID != nil {
			claimedPrev[*e.NextItemID] = true
		}
		restored++
	}

	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("commit edge batch: %w", err)
	}
	return restored, skipped, nil
}
