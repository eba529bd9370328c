package checkpoint

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"

	"github.com/JakeFAU/econ-calendar-crawler/internal/crawler"
)

const (
	csvContentType  = "text/csv"
	jsonContentType = "application/json"
	manifestName    = "manifest.json"
	fileTimeLayout  = "20060102_150405"
)

// ErrManifestNotFound is returned when a run has no stored manifest.
var ErrManifestNotFound = errors.New("manifest not found")

// BlobReader is implemented by blob stores that can read objects back.
type BlobReader interface {
	GetObject(ctx context.Context, path string) (io.ReadCloser, error)
}

// BlobConfig controls where the blob sink writes.
type BlobConfig struct {
	Prefix string
	// Columns fixes the leading CSV column order. Keys not listed follow in
	// lexical order.
	Columns []string
}

// BlobSink writes each checkpoint as a CSV of records plus a manifest that is
// overwritten on every write.
type BlobSink struct {
	store  crawler.BlobStore
	hasher crawler.Hasher
	cfg    BlobConfig
}

// NewBlobSink builds a BlobSink. hasher may be nil, in which case manifests
// carry no records digest.
func NewBlobSink(store crawler.BlobStore, hasher crawler.Hasher, cfg BlobConfig) (*BlobSink, error) {
	if store == nil {
		return nil, errors.New("blob store is required")
	}
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")
	return &BlobSink{store: store, hasher: hasher, cfg: cfg}, nil
}

// Write uploads the records file, then the manifest pointing at it.
func (s *BlobSink) Write(ctx context.Context, cp crawler.Checkpoint) (string, error) {
	body, err := EncodeCSV(cp.Records, s.cfg.Columns)
	if err != nil {
		return "", err
	}

	manifest := cp.Manifest()
	recordsURI, err := s.store.PutObject(ctx, s.recordsPath(cp), csvContentType, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("put records: %w", err)
	}
	manifest.RecordsURI = recordsURI
	if s.hasher != nil {
		digest, err := s.hasher.Hash(body)
		if err != nil {
			return "", fmt.Errorf("hash records: %w", err)
		}
		manifest.RecordsHash = digest
	}

	payload, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal manifest: %w", err)
	}
	uri, err := s.store.PutObject(ctx, s.manifestPath(cp.RunID), jsonContentType, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("put manifest: %w", err)
	}
	return uri, nil
}

// LoadManifest reads the latest manifest of runID back from the store.
func (s *BlobSink) LoadManifest(ctx context.Context, runID string) (crawler.Manifest, error) {
	reader, ok := s.store.(BlobReader)
	if !ok {
		return crawler.Manifest{}, errors.New("blob store does not support reads")
	}
	rc, err := reader.GetObject(ctx, s.manifestPath(runID))
	if err != nil {
		return crawler.Manifest{}, fmt.Errorf("%w: %v", ErrManifestNotFound, err)
	}
	defer func() { _ = rc.Close() }()

	var m crawler.Manifest
	if err := json.NewDecoder(rc).Decode(&m); err != nil {
		return crawler.Manifest{}, fmt.Errorf("decode manifest: %w", err)
	}
	return m, nil
}

// WriteReport stores the run report next to the manifest.
func (s *BlobSink) WriteReport(ctx context.Context, report crawler.Report) (string, error) {
	payload, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal report: %w", err)
	}
	uri, err := s.store.PutObject(ctx, path.Join(s.cfg.Prefix, report.RunID, "report.json"), jsonContentType, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("put report: %w", err)
	}
	return uri, nil
}

func (s *BlobSink) recordsPath(cp crawler.Checkpoint) string {
	name := fmt.Sprintf("%s_%03d_%d_events_%s.csv",
		cp.Kind, cp.Sequence, cp.TotalRecords, cp.TakenAt.UTC().Format(fileTimeLayout))
	return path.Join(s.cfg.Prefix, cp.RunID, name)
}

func (s *BlobSink) manifestPath(runID string) string {
	return path.Join(s.cfg.Prefix, runID, manifestName)
}

// EncodeCSV renders records as CSV with a header row. Missing fields are
// written as empty cells.
func EncodeCSV(records []crawler.Record, columns []string) ([]byte, error) {
	header := Header(records, columns)

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(header); err != nil {
		return nil, fmt.Errorf("write csv header: %w", err)
	}
	row := make([]string, len(header))
	for _, rec := range records {
		for i, col := range header {
			row[i] = rec[col]
		}
		if err := w.Write(row); err != nil {
			return nil, fmt.Errorf("write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("flush csv: %w", err)
	}
	return buf.Bytes(), nil
}

// Header returns columns followed by any other keys found in records, sorted.
func Header(records []crawler.Record, columns []string) []string {
	known := make(map[string]struct{}, len(columns))
	header := make([]string, 0, len(columns))
	for _, c := range columns {
		if _, dup := known[c]; dup {
			continue
		}
		known[c] = struct{}{}
		header = append(header, c)
	}
	var extra []string
	for _, rec := range records {
		for k := range rec {
			if _, ok := known[k]; ok {
				continue
			}
			known[k] = struct{}{}
			extra = append(extra, k)
		}
	}
	sort.Strings(extra)
	return append(header, extra...)
}
