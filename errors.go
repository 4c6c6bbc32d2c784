package engine

import "errors"

// Sentinel error kinds, meant to be wrapped with
// fmt.Errorf("...: %w", ErrX) and unwrapped with errors.Is; no
// exception-style control flow is used anywhere in this module.
var (
	// ErrSensorUnavailable means a sensor callback could not be
	// serviced (e.g. no location fix yet).
	ErrSensorUnavailable = errors.New("sensor unavailable")

	// ErrFilterUnderfed is reported, not fatal: the stationary
	// detector or Kalman filter does not yet have enough samples to
	// produce a confident result, so state is reported as Uncertain.
	ErrFilterUnderfed = errors.New("filter underfed")

	// ErrStoreConstraintViolation indicates a programmer error: an
	// invariant the schema is supposed to enforce was violated
	// in-process before it ever reached the database.
	ErrStoreConstraintViolation = errors.New("store constraint violation")

	// ErrMigrationFailed is fatal; the store refuses to open.
	ErrMigrationFailed = errors.New("migration failed")

	// ErrClassifierMissingModel degrades classification to the
	// remaining tree levels; it is never fatal.
	ErrClassifierMissingModel = errors.New("classifier missing model")

	// ErrTrainingInsufficientData is recorded on the model row; the
	// cell is retrained once new confirmed samples re-mark it.
	ErrTrainingInsufficientData = errors.New("training insufficient data")

	// ErrExportCancelled means a backup/export task was cancelled
	// before completion; lastBackupDate must be left untouched.
	ErrExportCancelled = errors.New("export cancelled")

	// ErrImportSchemaMismatch means the import metadata.json declares
	// an incompatible major schema version.
	ErrImportSchemaMismatch = errors.New("import schema mismatch")

	// ErrImportIntegrityError means a single imported record (usually
	// an edge pointing at an already-claimed target) was skipped.
	ErrImportIntegrityError = errors.New("import integrity error")
)
