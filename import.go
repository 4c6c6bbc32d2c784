package engine

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/mholt/archiver"
)

// edgeBatchSize is the transaction size for phase-two edge
// restoration.
const edgeBatchSize = 100

// ImportEdge is the (id, previousItemId, nextItemId) tuple streamed to
// a temp file during phase one and replayed during phase two, once
// every item it could reference is guaranteed to exist.
type ImportEdge struct {
	ItemID         ID  `json:"id"`
	PreviousItemID *ID `json:"previousItemId,omitempty"`
	NextItemID     *ID `json:"nextItemId,omitempty"`
}

// ImportStore is the write surface the importer needs.
type ImportStore interface {
	UpsertPlace(ctx context.Context, p *Place) error
	InsertItemDetached(ctx context.Context, row itemExportRow) error
	InsertSample(ctx context.Context, sample *LocomotionSample) error
	RestoreEdgeBatch(ctx context.Context, edges []ImportEdge) (restored, skipped int, err error)
}

// ImportSummary reports what a completed import actually did.
type ImportSummary struct {
	PlaceCount    int
	ItemCount     int
	SampleCount   int
	EdgesRestored int
	EdgesSkipped  int
}

// Importer replays a bucketed export tree in two phases: phase one
// inserts every place, item (edges detached), and sample; phase two
// restores edges in small transactions once every endpoint is known to
// exist, rejecting an edge that targets an already-claimed or missing
// node. Re-importing an in-progress export directory is safe because
// item rows are upserted and edges overwritten.
type Importer struct {
	store ImportStore
}

// NewImporter returns an importer backed by store.
func NewImporter(store ImportStore) *Importer {
	return &Importer{store: store}
}

// Import reads the bucketed export tree rooted at dir and replays it
// into the store. skipped integrity errors are reported, not fatal;
// a schema major-version mismatch is fatal.
func (imp *Importer) Import(ctx context.Context, dir string) (ImportSummary, error) {
	var summary ImportSummary

	metaBytes, err := readBucketFile(filepath.Join(dir, "metadata.json"))
	if err != nil {
		return summary, fmt.Errorf("read metadata.json: %w", err)
	}
	var meta ExportMetadata
	if err := json.Unmarshal(metaBytes, &meta); err != nil {
		return summary, fmt.Errorf("decode metadata.json: %w", err)
	}
	if majorVersion(meta.SchemaVersion) != majorVersion(exportSchemaVersion) {
		return summary, fmt.Errorf("export schema %s incompatible with %s: %w",
			meta.SchemaVersion, exportSchemaVersion, ErrImportSchemaMismatch)
	}

	edgeFile, err := os.CreateTemp("", "import-edges-*.jsonl")
	if err != nil {
		return summary, fmt.Errorf("create edge spool: %w", err)
	}
	edgeFilePath := edgeFile.Name()
	defer os.Remove(edgeFilePath)

	if err := imp.importPlaces(ctx, dir, &summary); err != nil {
		edgeFile.Close()
		return summary, err
	}
	if err := imp.importItems(ctx, dir, edgeFile, &summary); err != nil {
		edgeFile.Close()
		return summary, err
	}
	if err := imp.importSamples(ctx, dir, &summary); err != nil {
		edgeFile.Close()
		return summary, err
	}
	if err := edgeFile.Close(); err != nil {
		return summary, fmt.Errorf("flush edge spool: %w", err)
	}

	restored, skipped, err := imp.restoreEdges(ctx, edgeFilePath)
	summary.EdgesRestored = restored
	summary.EdgesSkipped = skipped
	if err != nil && !errors.Is(err, ErrImportIntegrityError) {
		return summary, err
	}
	return summary, nil
}

func majorVersion(v string) string {
	if i := strings.IndexByte(v, '.'); i >= 0 {
		return v[:i]
	}
	return v
}

func (imp *Importer) importPlaces(ctx context.Context, dir string, summary *ImportSummary) error {
	files, err := bucketFiles(filepath.Join(dir, "places"))
	if err != nil {
		return err
	}
	for _, f := range files {
		data, err := readBucketFile(f)
		if err != nil {
			return err
		}
		var places []*Place
		if err := json.Unmarshal(data, &places); err != nil {
			return fmt.Errorf("decode %s: %w", f, err)
		}
		for _, p := range places {
			if err := imp.store.UpsertPlace(ctx, p); err != nil {
				return fmt.Errorf("upsert place %s: %w", p.ID, err)
			}
			summary.PlaceCount++
		}
	}
	return nil
}

func (imp *Importer) importItems(ctx context.Context, dir string, edgeFile *os.File, summary *ImportSummary) error {
	files, err := bucketFiles(filepath.Join(dir, "items"))
	if err != nil {
		return err
	}
	enc := json.NewEncoder(edgeFile)
	for _, f := range files {
		data, err := readBucketFile(f)
		if err != nil {
			return err
		}
		var rows []itemExportRow
		if err := json.Unmarshal(data, &rows); err != nil {
			return fmt.Errorf("decode %s: %w", f, err)
		}
		for _, row := range rows {
			select {
			case <-ctx.Done():
				return fmt.Errorf("import cancelled: %w", ctx.Err())
			default:
			}
			if err := imp.store.InsertItemDetached(ctx, row); err != nil {
				return fmt.Errorf("insert item %s: %w", row.ID, err)
			}
			summary.ItemCount++
			if row.PreviousItemID != nil || row.NextItemID != nil {
				if err := enc.Encode(ImportEdge{ItemID: row.ID, PreviousItemID: row.PreviousItemID, NextItemID: row.NextItemID}); err != nil {
					return fmt.Errorf("spool edge for %s: %w", row.ID, err)
				}
			}
		}
	}
	return nil
}

func (imp *Importer) importSamples(ctx context.Context, dir string, summary *ImportSummary) error {
	files, err := bucketFiles(filepath.Join(dir, "samples"))
	if err != nil {
		return err
	}
	for _, f := range files {
		data, err := readBucketFile(f)
		if err != nil {
			return err
		}
		var rows []sampleExportRow
		if err := json.Unmarshal(data, &rows); err != nil {
			return fmt.Errorf("decode %s: %w", f, err)
		}
		for _, row := range rows {
			if row.Sample == nil {
				continue
			}
			select {
			case <-ctx.Done():
				return fmt.Errorf("import cancelled: %w", ctx.Err())
			default:
			}
			if err := imp.store.InsertSample(ctx, row.Sample); err != nil {
				return fmt.Errorf("insert sample %s: %w", row.Sample.ID, err)
			}
			summary.SampleCount++
		}
	}
	return nil
}

// restoreEdges replays the spooled (id, previousItemId, nextItemId)
// tuples in batches of edgeBatchSize, one transaction per batch.
func (imp *Importer) restoreEdges(ctx context.Context, edgeFilePath string) (restored, skipped int, err error) {
	f, err := os.Open(edgeFilePath)
	if err != nil {
		return 0, 0, fmt.Errorf("open edge spool: %w", err)
	}
	defer f.Close()

	var batch []ImportEdge
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		r, s, err := imp.store.RestoreEdgeBatch(ctx, batch)
		if err != nil {
			return fmt.Errorf("restore edge batch: %w", err)
		}
		restored += r
		skipped += s
		batch = batch[:0]
		return nil
	}

	for scanner.Scan() {
		var e ImportEdge
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			return restored, skipped, fmt.Errorf("decode spooled edge: %w", err)
		}
		batch = append(batch, e)
		if len(batch) >= edgeBatchSize {
			if err := flush(); err != nil {
				return restored, skipped, err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return restored, skipped, fmt.Errorf("read edge spool: %w", err)
	}
	if err := flush(); err != nil {
		return restored, skipped, err
	}
	if skipped > 0 {
		return restored, skipped, fmt.Errorf("%d edges skipped: %w", skipped, ErrImportIntegrityError)
	}
	return restored, skipped, nil
}

// bucketFiles lists a bucket directory's .json and .json.gz files in
// a stable order.
func bucketFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasSuffix(name, ".json") || strings.HasSuffix(name, ".json.gz") {
			out = append(out, filepath.Join(dir, name))
		}
	}
	sort.Strings(out)
	return out, nil
}

// readBucketFile reads a bucket file, transparently decompressing it
// when it carries the .gz suffix.
func readBucketFile(path string) ([]byte, error) {
	if !strings.HasSuffix(path, ".gz") {
		return os.ReadFile(path)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	var buf bytes.Buffer
	gz := archiver.Gz{CompressionLevel: gzip.DefaultCompression}
	if err := gz.Decompress(f, &buf); err != nil {
		return nil, fmt.Errorf("decompress %s: %w", path, err)
	}
	return buf.Bytes(), nil
}
