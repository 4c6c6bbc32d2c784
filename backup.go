package engine

import (
	"context"
	"fmt"
	"time"
)

// backupChunkSpan bounds how much history a single incremental backup
// pass covers in one go, so a large initial run fits within a
// background-task deadline.
const backupChunkSpan = 6 * 30 * 24 * time.Hour

// BackupSession performs incremental backups: each session queries
// lastSaved in (previousSessionStart, thisSessionStart] and rewrites
// only touched buckets. A cancelled run leaves lastBackupDate
// untouched but preserves backupProgressDate so catch-up resumes.
type BackupSession struct {
	store    backupStore
	exporter *Exporter
}

// backupStore extends ExportStore with the progress-checkpoint methods
// a full export does not need.
type backupStore interface {
	ExportStore
	BackupProgressDate(ctx context.Context) (*time.Time, error)
	SetBackupProgressDate(ctx context.Context, t *time.Time) error
}

// NewBackupSession returns a session backed by store.
func NewBackupSession(store backupStore) *BackupSession {
	return &BackupSession{store: store, exporter: NewExporter(store)}
}

// Run performs one incremental backup pass, writing only the buckets
// touched since the last successful backup (or since the preserved
// progress checkpoint, if the previous run was cancelled mid-way).
func (b *BackupSession) Run(ctx context.Context, baseDir string, sessionStart time.Time) (string, error) {
	store := b.store

	since, err := store.BackupProgressDate(ctx)
	if err != nil {
		return "", fmt.Errorf("read backup progress: %w", err)
	}
	if since == nil {
		since, err = store.LastBackupDate(ctx)
		if err != nil {
			return "", fmt.Errorf("read last backup date: %w", err)
		}
	}

	select {
	case <-ctx.Done():
		return "", fmt.Errorf("backup cancelled: %w", ErrExportCancelled)
	default:
	}

	// cap how far back one pass catches up so a large initial run
	// still fits a background-task deadline; the checkpoint lets the
	// next tick resume from here.
	chunkEnd := sessionStart
	if since != nil && sessionStart.Sub(*since) > backupChunkSpan {
		chunkEnd = since.Add(backupChunkSpan)
	}
	if err := store.SetBackupProgressDate(ctx, &chunkEnd); err != nil {
		return "", fmt.Errorf("checkpoint backup progress: %w", err)
	}

	items, err := b.store.ItemsSince(ctx, since, &chunkEnd)
	if err != nil {
		return "", fmt.Errorf("load changed items: %w", err)
	}

	var dir string
	if len(items) > 0 {
		dir, err = b.exporter.ExportItems(ctx, baseDir, chunkEnd, items)
		if err != nil {
			return "", err
		}
	}

	if err := store.SetLastBackupDate(ctx, chunkEnd); err != nil {
		return "", fmt.Errorf("advance last backup date: %w", err)
	}
	if err := store.SetBackupProgressDate(ctx, nil); err != nil {
		return "", fmt.Errorf("clear backup progress: %w", err)
	}
	return dir, nil
}
