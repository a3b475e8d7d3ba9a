package crdb

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/tour-reservations/internal/domain"
	"github.com/robertarktes/tour-reservations/internal/outbox"
)

func (r *Repository) InsertOutbox(ctx context.Context, record outbox.Record) error {
	if !r.InTx(ctx) {
		return domain.ErrNoTransaction
	}
	_, err := r.exec(ctx, `
		INSERT INTO outbox (id, aggregate_type, aggregate_id, event_type, payload_json, created_at, status, dedupe_key)
		VALUES ($1, $2, $3, $4, $5, $6, 'NEW', $7)
	`, record.ID, record.AggregateType, record.AggregateID, record.EventType, record.Payload, record.CreatedAt, record.DedupeKey)
	if err != nil {
		return errors.Wrap(err, "insert outbox record")
	}
	return nil
}

// ClaimUnpublishedOutbox locks the oldest NEW records, skipping rows another
// relay already holds.
func (r *Repository) ClaimUnpublishedOutbox(ctx context.Context, limit int) ([]outbox.Record, error) {
	if !r.InTx(ctx) {
		return nil, domain.ErrNoTransaction
	}
	rows, err := r.query(ctx, `
		SELECT id, aggregate_type, aggregate_id, event_type, payload_json, created_at, published_at, status, dedupe_key
		FROM outbox WHERE status = 'NEW' ORDER BY created_at ASC LIMIT $1 FOR UPDATE SKIP LOCKED
	`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "claim outbox")
	}
	defer rows.Close()

	var records []outbox.Record
	for rows.Next() {
		var rec outbox.Record
		err := rows.Scan(&rec.ID, &rec.AggregateType, &rec.AggregateID, &rec.EventType, &rec.Payload, &rec.CreatedAt, &rec.PublishedAt, &rec.Status, &rec.DedupeKey)
		if err != nil {
			return nil, errors.Wrap(err, "scan outbox")
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (r *Repository) MarkPublished(ctx context.Context, id uuid.UUID, publishedAt time.Time) error {
	_, err := r.exec(ctx, `
		UPDATE outbox SET status = 'PUBLISHED', published_at = $2 WHERE id = $1
	`, id, publishedAt)
	if err != nil {
		return errors.Wrap(err, "mark outbox published")
	}
	return nil
}
