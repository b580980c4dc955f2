package s3blob

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/fusionrelay/internal/domain"
	"github.com/alanyoungcy/fusionrelay/internal/metrics"
)

const (
	// multipartThreshold switches uploads to the multipart path.
	multipartThreshold = 16 * 1024 * 1024
	maxRecordSize      = 4 * 1024 * 1024
)

// ForgetFunc drops archived orders from in-memory indexes.
type ForgetFunc func(orderIDs ...string)

// Archiver moves terminal orders out of the state store into JSONL objects.
// A batch is deleted from the store only after its object has been read back
// and holds every order of the batch.
type Archiver struct {
	writer    domain.BlobWriter
	reader    domain.BlobReader
	states    domain.OrderStateStore
	audit     domain.AuditStore
	forget    []ForgetFunc
	prefix    string
	batchSize int
	logger    *slog.Logger
}

var _ domain.Archiver = (*Archiver)(nil)

// NewArchiver creates an Archiver writing under prefix. audit may be nil.
func NewArchiver(
	writer domain.BlobWriter,
	reader domain.BlobReader,
	states domain.OrderStateStore,
	audit domain.AuditStore,
	prefix string,
	batchSize int,
	logger *slog.Logger,
	forget ...ForgetFunc,
) *Archiver {
	if batchSize <= 0 {
		batchSize = 500
	}
	if prefix == "" {
		prefix = "archive"
	}
	return &Archiver{
		writer:    writer,
		reader:    reader,
		states:    states,
		audit:     audit,
		forget:    forget,
		prefix:    prefix,
		batchSize: batchSize,
		logger:    logger.With(slog.String("component", "archiver")),
	}
}

// ArchiveOrders archives every terminal order last updated before the cutoff,
// one batch per object, and returns how many were removed from the store.
func (a *Archiver) ArchiveOrders(ctx context.Context, before time.Time) (int64, error) {
	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		batch, err := a.states.ListTerminalBefore(ctx, before, a.batchSize)
		if err != nil {
			return total, fmt.Errorf("s3blob: archive query: %w", err)
		}
		if len(batch) == 0 {
			return total, nil
		}

		n, err := a.archiveBatch(ctx, batch)
		total += n
		if err != nil {
			return total, err
		}
		if len(batch) < a.batchSize {
			return total, nil
		}
	}
}

func (a *Archiver) archiveBatch(ctx context.Context, batch []domain.OrderState) (int64, error) {
	buf, err := marshalJSONL(batch)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive marshal: %w", err)
	}

	key := objectKey(a.prefix, batch[0].UpdatedAt)
	if len(buf) > multipartThreshold {
		err = a.writer.PutMultipart(ctx, key, bytes.NewReader(buf), minPartSize)
	} else {
		err = a.writer.Put(ctx, key, bytes.NewReader(buf), "application/x-ndjson")
	}
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive upload: %w", err)
	}

	ids := make([]string, len(batch))
	for i, st := range batch {
		ids[i] = st.OrderID
	}
	if err := a.verify(ctx, key, ids); err != nil {
		return 0, err
	}
	deleted, err := a.states.Delete(ctx, ids)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive delete: %w", err)
	}
	metrics.OrdersArchived.Add(float64(deleted))
	for _, fn := range a.forget {
		fn(ids...)
	}

	a.logger.InfoContext(ctx, "orders archived",
		slog.String("key", key),
		slog.Int("count", len(batch)),
		slog.Int64("deleted", deleted),
	)
	if a.audit != nil {
		if err := a.audit.Log(ctx, "orders_archived", map[string]any{
			"key":     key,
			"count":   len(batch),
			"deleted": deleted,
		}); err != nil {
			a.logger.WarnContext(ctx, "audit archive failed", slog.String("error", err.Error()))
		}
	}
	return deleted, nil
}

// verify reads the object back and checks it holds exactly the batch's orders.
func (a *Archiver) verify(ctx context.Context, key string, ids []string) error {
	rc, err := a.reader.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("s3blob: archive verify %s: %w", key, err)
	}
	defer rc.Close()

	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	sc := bufio.NewScanner(rc)
	sc.Buffer(make([]byte, 0, 64*1024), maxRecordSize)
	for sc.Scan() {
		var rec struct {
			OrderID string `json:"order_id"`
		}
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			return fmt.Errorf("s3blob: archive verify %s: %w", key, err)
		}
		if !want[rec.OrderID] {
			return fmt.Errorf("s3blob: archive verify %s: unexpected order %q", key, rec.OrderID)
		}
		delete(want, rec.OrderID)
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("s3blob: archive verify %s: %w", key, err)
	}
	if len(want) > 0 {
		return fmt.Errorf("s3blob: archive verify %s: %d orders missing", key, len(want))
	}
	return nil
}

// objectKey partitions archive objects by day:
//
//	archive/orders/2026/01/31/<uuid>.jsonl
func objectKey(prefix string, at time.Time) string {
	return path.Join(prefix, "orders", at.UTC().Format("2006/01/02"), uuid.NewString()+".jsonl")
}

// marshalJSONL encodes one compact JSON record per line.
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
