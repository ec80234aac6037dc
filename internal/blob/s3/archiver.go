package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/alanyoungcy/legsafe/internal/domain"
)

var _ domain.Archiver = (*ArchiveImpl)(nil)

const parquetContentType = "application/vnd.apache.parquet"

// RiskEventRecord is the Parquet schema for archived risk events.
type RiskEventRecord struct {
	ID        int64  `parquet:"id"`
	Component string `parquet:"component"`
	EventType string `parquet:"event_type"`
	Subject   string `parquet:"subject"`
	Before    string `parquet:"before"`
	After     string `parquet:"after"`
	Detail    string `parquet:"detail"` // JSON
	CreatedAt int64  `parquet:"created_at,timestamp(millisecond)"`
}

// QueueItemRecord is the Parquet schema for archived terminal queue items.
type QueueItemRecord struct {
	ID           string `parquet:"id"`
	Kind         string `parquet:"kind"`
	Priority     int32  `parquet:"priority"`
	Status       string `parquet:"status"`
	NaturalKey   string `parquet:"natural_key"`
	Emergency    bool   `parquet:"emergency"`
	Payload      string `parquet:"payload"`
	Result       string `parquet:"result"`
	Attempts     int32  `parquet:"attempts"`
	RetryCount   int32  `parquet:"retry_count"`
	FailureClass string `parquet:"failure_class"`
	Error        string `parquet:"error"`
	BackfillOf   string `parquet:"backfill_of"`
	CreatedAt    int64  `parquet:"created_at,timestamp(millisecond)"`
	CompletedAt  int64  `parquet:"completed_at,timestamp(millisecond)"`
}

// ArchiveImpl implements domain.Archiver. Each call covers one UTC day and
// writes a single Parquet object; a day that already has an object is
// skipped, so reruns are harmless. Source rows are not deleted.
type ArchiveImpl struct {
	writer domain.BlobWriter
	reader domain.BlobReader
	events domain.RiskEventStore
	queue  domain.QueueStore
}

// NewArchiver creates an ArchiveImpl.
func NewArchiver(writer domain.BlobWriter, reader domain.BlobReader, events domain.RiskEventStore, queue domain.QueueStore) *ArchiveImpl {
	return &ArchiveImpl{writer: writer, reader: reader, events: events, queue: queue}
}

// ArchiveRiskEvents writes the risk events created on day to
// archive/risk_events/YYYY/MM/DD.parquet.
func (a *ArchiveImpl) ArchiveRiskEvents(ctx context.Context, day time.Time) (int64, error) {
	path := archivePath("risk_events", day)
	if done, err := a.reader.Exists(ctx, path); err != nil {
		return 0, fmt.Errorf("s3blob: archive risk events: %w", err)
	} else if done {
		return 0, nil
	}

	since, until := dayBounds(day)
	events, err := a.events.List(ctx, domain.RiskEventFilter{ListOpts: domain.ListOpts{Since: &since, Until: &until}})
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive risk events query: %w", err)
	}
	if len(events) == 0 {
		return 0, nil
	}

	records := make([]RiskEventRecord, 0, len(events))
	for i := len(events) - 1; i >= 0; i-- { // stores return newest first
		records = append(records, toRiskEventRecord(events[i]))
	}
	if err := upload(ctx, a.writer, path, records); err != nil {
		return 0, fmt.Errorf("s3blob: archive risk events: %w", err)
	}
	return int64(len(records)), nil
}

// ArchiveQueueItems writes the queue items that reached a terminal state on
// day to archive/queue_items/YYYY/MM/DD.parquet.
func (a *ArchiveImpl) ArchiveQueueItems(ctx context.Context, day time.Time) (int64, error) {
	path := archivePath("queue_items", day)
	if done, err := a.reader.Exists(ctx, path); err != nil {
		return 0, fmt.Errorf("s3blob: archive queue items: %w", err)
	} else if done {
		return 0, nil
	}

	since, until := dayBounds(day)
	items, err := a.queue.ListCompleted(ctx, domain.ListOpts{Since: &since, Until: &until})
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive queue items query: %w", err)
	}
	if len(items) == 0 {
		return 0, nil
	}

	records := make([]QueueItemRecord, 0, len(items))
	for _, it := range items {
		records = append(records, toQueueItemRecord(it))
	}
	if err := upload(ctx, a.writer, path, records); err != nil {
		return 0, fmt.Errorf("s3blob: archive queue items: %w", err)
	}
	return int64(len(records)), nil
}

// upload encodes records as one Parquet file and puts it at path.
func upload[T any](ctx context.Context, w domain.BlobWriter, path string, records []T) error {
	var buf bytes.Buffer
	if err := parquet.Write(&buf, records); err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	if err := w.Put(ctx, path, &buf, parquetContentType); err != nil {
		return fmt.Errorf("upload %s: %w", path, err)
	}
	return nil
}

func toRiskEventRecord(ev domain.RiskEvent) RiskEventRecord {
	r := RiskEventRecord{
		ID:        ev.ID,
		Component: ev.Component,
		EventType: ev.EventType,
		Subject:   ev.Subject,
		Before:    ev.Before,
		After:     ev.After,
		CreatedAt: ev.CreatedAt.UnixMilli(),
	}
	if len(ev.Detail) > 0 {
		if b, err := json.Marshal(ev.Detail); err == nil {
			r.Detail = string(b)
		}
	}
	return r
}

func toQueueItemRecord(it domain.QueueItem) QueueItemRecord {
	r := QueueItemRecord{
		ID:           it.ID,
		Kind:         string(it.Kind),
		Priority:     int32(it.Priority),
		Status:       string(it.Status),
		NaturalKey:   it.NaturalKey,
		Emergency:    it.Emergency,
		Payload:      string(it.Payload),
		Result:       string(it.Result),
		Attempts:     int32(it.Attempts),
		RetryCount:   int32(it.RetryCount),
		FailureClass: string(it.FailureClass),
		Error:        it.Error,
		BackfillOf:   it.BackfillOf,
		CreatedAt:    it.CreatedAt.UnixMilli(),
	}
	if it.CompletedAt != nil {
		r.CompletedAt = it.CompletedAt.UnixMilli()
	}
	return r
}

// archivePath builds the object key for one day's partition.
//
//	archive/risk_events/2025/01/10.parquet
func archivePath(kind string, day time.Time) string {
	return fmt.Sprintf("archive/%s/%s.parquet", kind, day.UTC().Format("2006/01/02"))
}

func dayBounds(day time.Time) (time.Time, time.Time) {
	d := day.UTC()
	start := time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC)
	return start, start.Add(24 * time.Hour)
}
