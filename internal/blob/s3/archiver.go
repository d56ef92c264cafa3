package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/sdexbot/internal/domain"
)

const contentTypeJSONL = "application/x-ndjson"

// TerminalOrderStore is the slice of domain.OrderStore the archiver needs.
type TerminalOrderStore interface {
	ListTerminalBefore(ctx context.Context, before time.Time) ([]domain.Order, error)
	DeleteTerminalBefore(ctx context.Context, before time.Time) (int64, error)
}

// ObjectChecker confirms an upload landed. *Reader satisfies it.
type ObjectChecker interface {
	Exists(ctx context.Context, path string) (bool, error)
}

// ArchiverConfig tunes archive uploads.
type ArchiverConfig struct {
	Prefix string // default "archive"
	// MultipartThreshold switches to the multipart uploader for payloads of
	// at least this many bytes. Zero uses 64 MiB.
	MultipartThreshold int64
	PartSize           int64
}

// Archiver implements domain.Archiver: it uploads terminal orders older
// than a cutoff as one JSONL object, confirms the object exists, and only
// then deletes the rows from the primary store.
type Archiver struct {
	cfg     ArchiverConfig
	writer  domain.BlobWriter
	checker ObjectChecker
	orders  TerminalOrderStore
	audit   domain.AuditStore
	logger  *slog.Logger
	now     func() time.Time
}

// NewArchiver creates an Archiver. checker and audit may be nil.
func NewArchiver(cfg ArchiverConfig, writer domain.BlobWriter, checker ObjectChecker, orders TerminalOrderStore, audit domain.AuditStore, logger *slog.Logger) *Archiver {
	if cfg.Prefix == "" {
		cfg.Prefix = "archive"
	}
	if cfg.MultipartThreshold <= 0 {
		cfg.MultipartThreshold = 64 << 20
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Archiver{
		cfg:     cfg,
		writer:  writer,
		checker: checker,
		orders:  orders,
		audit:   audit,
		logger:  logger.With(slog.String("component", "archiver")),
		now:     time.Now,
	}
}

// ArchiveOrders moves terminal orders last updated before the cutoff to
// object storage and returns how many rows were removed from the store.
func (a *Archiver) ArchiveOrders(ctx context.Context, before time.Time) (int64, error) {
	orders, err := a.orders.ListTerminalBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive orders query: %w", err)
	}
	if len(orders) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(orders)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive orders marshal: %w", err)
	}

	path := a.archivePath("orders", before)
	if int64(len(buf)) >= a.cfg.MultipartThreshold {
		err = a.writer.PutMultipart(ctx, path, bytes.NewReader(buf), a.cfg.PartSize)
	} else {
		err = a.writer.Put(ctx, path, bytes.NewReader(buf), contentTypeJSONL)
	}
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive orders upload: %w", err)
	}

	if a.checker != nil {
		ok, err := a.checker.Exists(ctx, path)
		if err != nil {
			return 0, fmt.Errorf("s3blob: archive orders verify: %w", err)
		}
		if !ok {
			return 0, fmt.Errorf("s3blob: archive orders verify: %s missing after upload", path)
		}
	}

	// Saving a row moves updated_at past the cutoff, so the delete removes
	// exactly the uploaded set.
	deleted, err := a.orders.DeleteTerminalBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive orders delete: %w", err)
	}

	a.logger.InfoContext(ctx, "archiver: orders archived",
		slog.String("path", path),
		slog.Int("uploaded", len(orders)),
		slog.Int64("deleted", deleted),
	)
	if a.audit != nil {
		if err := a.audit.Log(ctx, "archive_orders", map[string]any{
			"path":     path,
			"uploaded": len(orders),
			"deleted":  deleted,
			"before":   before.UTC().Format(time.RFC3339),
		}); err != nil {
			return deleted, fmt.Errorf("s3blob: archive orders audit log: %w", err)
		}
	}
	return deleted, nil
}

// Run archives orders older than retention every interval until ctx ends.
func (a *Archiver) Run(ctx context.Context, interval, retention time.Duration) error {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := a.ArchiveOrders(ctx, a.now().Add(-retention)); err != nil && ctx.Err() == nil {
				a.logger.Warn("archiver: run failed", slog.String("error", err.Error()))
			}
		}
	}
}

// archivePath partitions by cutoff day and stamps the run time so repeated
// runs never overwrite each other:
//
//	archive/orders/2026-01-02/20260102T150405Z.jsonl
func (a *Archiver) archivePath(kind string, before time.Time) string {
	return fmt.Sprintf("%s/%s/%s/%s.jsonl", a.cfg.Prefix, kind,
		before.UTC().Format("2006-01-02"), a.now().UTC().Format("20060102T150405Z"))
}

// marshalJSONL encodes records as newline-delimited JSON.
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
