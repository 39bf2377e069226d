package s3blob

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/alanyoungcy/tradekit/internal/domain"
)

// ClosedPositionLister is the slice of domain.PositionStore the archiver
// reads from.
type ClosedPositionLister interface {
	ListClosed(ctx context.Context, opts domain.ListOpts) ([]*domain.PositionRecord, error)
}

// multipartThreshold switches uploads to the multipart manager.
const multipartThreshold = 4 * minPartSize

// PositionArchiver implements domain.Archiver. It writes CLOSED positions as
// JSONL snapshots to archive/positions/YYYY-MM.jsonl, merging with a file
// already present for that month so reruns never duplicate a position.
//
// Archived rows are not deleted from the primary store.
type PositionArchiver struct {
	writer    domain.BlobWriter
	reader    domain.BlobReader
	positions ClosedPositionLister
	audit     domain.AuditStore
	logger    *slog.Logger
}

var _ domain.Archiver = (*PositionArchiver)(nil)

// NewArchiver creates a PositionArchiver. reader and audit may be nil.
func NewArchiver(
	writer domain.BlobWriter,
	reader domain.BlobReader,
	positions ClosedPositionLister,
	audit domain.AuditStore,
	logger *slog.Logger,
) *PositionArchiver {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &PositionArchiver{
		writer:    writer,
		reader:    reader,
		positions: positions,
		audit:     audit,
		logger:    logger.With(slog.String("component", "archiver")),
	}
}

// ArchivePositions uploads every CLOSED position that exited at or before
// the cutoff and is not yet in that month's file. It returns the number of
// newly archived positions.
func (a *PositionArchiver) ArchivePositions(ctx context.Context, before time.Time) (int64, error) {
	closed, err := a.positions.ListClosed(ctx, domain.ListOpts{Until: &before})
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive positions query: %w", err)
	}
	if len(closed) == 0 {
		return 0, nil
	}

	path := archivePath("positions", before)
	existing, seen, err := a.load(ctx, path)
	if err != nil {
		return 0, err
	}

	var fresh []map[string]any
	for _, rec := range closed {
		if rec.ID == nil || seen[*rec.ID] {
			continue
		}
		seen[*rec.ID] = true
		fresh = append(fresh, rec.Snapshot())
	}
	if len(fresh) == 0 {
		return 0, nil
	}

	lines, err := marshalJSONL(fresh)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive positions marshal: %w", err)
	}
	body := append(existing, lines...)

	if int64(len(body)) > multipartThreshold {
		err = a.writer.PutMultipart(ctx, path, bytes.NewReader(body), minPartSize)
	} else {
		err = a.writer.Put(ctx, path, bytes.NewReader(body), "application/x-ndjson")
	}
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive positions upload: %w", err)
	}

	count := int64(len(fresh))
	a.logger.InfoContext(ctx, "archiver: positions archived",
		slog.String("path", path),
		slog.Int64("count", count),
	)
	if a.audit != nil {
		if err := a.audit.Log(ctx, "archive.positions", map[string]any{
			"path":   path,
			"count":  count,
			"before": before.UTC().Format(time.RFC3339),
		}); err != nil {
			return count, fmt.Errorf("s3blob: archive positions audit log: %w", err)
		}
	}
	return count, nil
}

// load returns the current contents of path and the position ids it holds.
func (a *PositionArchiver) load(ctx context.Context, path string) ([]byte, map[int64]bool, error) {
	seen := make(map[int64]bool)
	if a.reader == nil {
		return nil, seen, nil
	}
	ok, err := a.reader.Exists(ctx, path)
	if err != nil {
		return nil, nil, fmt.Errorf("s3blob: archive positions: %w", err)
	}
	if !ok {
		return nil, seen, nil
	}

	rc, err := a.reader.Get(ctx, path)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, seen, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("s3blob: archive positions: %w", err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, nil, fmt.Errorf("s3blob: archive positions read %s: %w", path, err)
	}
	if len(data) > 0 && data[len(data)-1] != '\n' {
		data = append(data, '\n')
	}

	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		var row struct {
			ID *int64 `json:"id"`
		}
		if err := json.Unmarshal(sc.Bytes(), &row); err != nil || row.ID == nil {
			continue
		}
		seen[*row.ID] = true
	}
	if err := sc.Err(); err != nil {
		return nil, nil, fmt.Errorf("s3blob: archive positions scan %s: %w", path, err)
	}
	return data, seen, nil
}

// archivePath partitions archives by the cutoff's year and month, e.g.
// archive/positions/2025-01.jsonl.
func archivePath(kind string, before time.Time) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, before.UTC().Format("2006-01"))
}

// marshalJSONL encodes one compact JSON value per line.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
