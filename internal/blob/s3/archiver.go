package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"time"

	"github.com/alanyoungcy/dayahead/internal/domain"
)

const (
	contentJSON  = "application/json"
	contentJSONL = "application/x-ndjson"

	// multipartThreshold is the bids file size above which the upload
	// switches to the multipart manager.
	multipartThreshold = 16 * 1024 * 1024
)

// Archiver implements domain.Archiver. Each run is written under
//
//	{prefix}/{YYYY-MM-DD}/{run_id}/book.json
//	{prefix}/{YYYY-MM-DD}/{run_id}/hours.json
//	{prefix}/{YYYY-MM-DD}/{run_id}/bids.jsonl
//	{prefix}/{YYYY-MM-DD}/{run_id}/blocks.jsonl
//
// and recorded in the audit log. Nothing is deleted from the primary store.
type Archiver struct {
	writer domain.BlobWriter
	audit  domain.AuditStore
	prefix string
}

// NewArchiver creates an Archiver. audit may be nil.
func NewArchiver(writer domain.BlobWriter, audit domain.AuditStore, prefix string) *Archiver {
	return &Archiver{writer: writer, audit: audit, prefix: prefix}
}

// DayPrefix returns the key prefix under which all runs of date are stored.
func DayPrefix(prefix string, date time.Time) string {
	return path.Join(prefix, date.Format(time.DateOnly)) + "/"
}

// ArchiveDay uploads book and result and returns the run's key prefix.
func (a *Archiver) ArchiveDay(ctx context.Context, book domain.BidBook, result *domain.DayResult) (string, error) {
	dir := path.Join(a.prefix, result.Date.Format(time.DateOnly), result.RunID)

	bookJSON, err := json.Marshal(book)
	if err != nil {
		return "", fmt.Errorf("s3blob: marshal book: %w", err)
	}
	if err := a.writer.Put(ctx, path.Join(dir, "book.json"), bytes.NewReader(bookJSON), contentJSON); err != nil {
		return "", err
	}

	hoursJSON, err := json.Marshal(struct {
		RunID     string               `json:"run_id"`
		Date      string               `json:"date"`
		Rounds    int                  `json:"rounds"`
		Dropped   int                  `json:"dropped"`
		ClearedAt time.Time            `json:"cleared_at"`
		Hours     []domain.HourOutcome `json:"hours"`
	}{result.RunID, result.Date.Format(time.DateOnly), result.Rounds, result.Dropped, result.ClearedAt, result.Hours})
	if err != nil {
		return "", fmt.Errorf("s3blob: marshal hours: %w", err)
	}
	if err := a.writer.Put(ctx, path.Join(dir, "hours.json"), bytes.NewReader(hoursJSON), contentJSON); err != nil {
		return "", err
	}

	bids, err := marshalJSONL(result.Bids)
	if err != nil {
		return "", fmt.Errorf("s3blob: marshal bids: %w", err)
	}
	if err := a.upload(ctx, path.Join(dir, "bids.jsonl"), bids); err != nil {
		return "", err
	}

	if len(result.Blocks) > 0 {
		blocks, err := marshalJSONL(result.Blocks)
		if err != nil {
			return "", fmt.Errorf("s3blob: marshal blocks: %w", err)
		}
		if err := a.upload(ctx, path.Join(dir, "blocks.jsonl"), blocks); err != nil {
			return "", err
		}
	}

	if a.audit != nil {
		if err := a.audit.Log(ctx, "archive.day", map[string]any{
			"date":   result.Date.Format(time.DateOnly),
			"run_id": result.RunID,
			"path":   dir,
			"bids":   len(result.Bids),
			"blocks": len(result.Blocks),
		}); err != nil {
			return dir, fmt.Errorf("s3blob: archive audit log: %w", err)
		}
	}
	return dir, nil
}

func (a *Archiver) upload(ctx context.Context, key string, data []byte) error {
	if len(data) > multipartThreshold {
		return a.writer.PutMultipart(ctx, key, bytes.NewReader(data), minPartSize)
	}
	return a.writer.Put(ctx, key, bytes.NewReader(data), contentJSONL)
}

// marshalJSONL encodes records one compact JSON value per line.
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

var _ domain.Archiver = (*Archiver)(nil)
