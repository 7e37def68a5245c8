package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/deemkeen/ferri/domain"
	"github.com/google/uuid"
)

// Outbound activity audit queries
const (
	sqlInsertOutbound = `INSERT OR IGNORE INTO outbound_activities(id, activity_type, actor_uri, object_uri, raw_json, delivered, created_at)
	                     VALUES (?, ?, ?, ?, ?, ?, ?)`
	sqlMarkDelivered      = `UPDATE outbound_activities SET delivered = 1 WHERE id = ?`
	sqlSelectOutboundById = `SELECT id, activity_type, actor_uri, object_uri, raw_json, delivered, created_at FROM outbound_activities WHERE id = ?`
)

// RecordOutbound stores the audit row. It reports false when the activity id
// was already recorded.
func (s *store) RecordOutbound(ctx context.Context, activity *domain.OutboundActivity) (bool, error) {
	if activity.CreatedAt.IsZero() {
		activity.CreatedAt = time.Now()
	}
	res, err := s.q.ExecContext(ctx, sqlInsertOutbound,
		activity.Id,
		activity.ActivityType,
		activity.ActorURI,
		activity.ObjectURI,
		activity.RawJSON,
		boolToInt(activity.Delivered),
		formatTime(activity.CreatedAt),
	)
	if err != nil {
		return false, fmt.Errorf("failed to record outbound activity %s: %w", activity.Id, err)
	}
	return inserted(res)
}

func (s *store) MarkDelivered(ctx context.Context, activityID string) error {
	if _, err := s.q.ExecContext(ctx, sqlMarkDelivered, activityID); err != nil {
		return fmt.Errorf("failed to mark %s delivered: %w", activityID, err)
	}
	return nil
}

func (s *store) OutboundByID(ctx context.Context, activityID string) (*domain.OutboundActivity, error) {
	var a domain.OutboundActivity
	var delivered int
	var createdAt string
	err := s.q.QueryRowContext(ctx, sqlSelectOutboundById, activityID).Scan(
		&a.Id, &a.ActivityType, &a.ActorURI, &a.ObjectURI, &a.RawJSON, &delivered, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read outbound activity %s: %w", activityID, err)
	}
	a.Delivered = delivered != 0
	if a.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &a, nil
}

// Delivery Queue queries
const (
	sqlInsertDeliveryQueue = `INSERT INTO delivery_queue(id, activity_id, inbox_uri, key_id, activity_json, attempts, next_retry_at, last_error, created_at)
	                          VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	sqlSelectDueDeliveries = `SELECT id, activity_id, inbox_uri, key_id, activity_json, attempts, next_retry_at, last_error, created_at
	                          FROM delivery_queue WHERE next_retry_at <= ? ORDER BY next_retry_at ASC, created_at ASC LIMIT ?`
	sqlUpdateDeliveryAttempt = `UPDATE delivery_queue SET attempts = ?, next_retry_at = ?, last_error = ? WHERE id = ?`
	sqlDeleteDelivery        = `DELETE FROM delivery_queue WHERE id = ?`
	sqlCountUndelivered      = `SELECT (SELECT COUNT(*) FROM delivery_queue WHERE activity_id = ?)
	                                 + (SELECT COUNT(*) FROM dead_letters WHERE activity_id = ?)`
)

func (s *store) EnqueueDelivery(ctx context.Context, item *domain.DeliveryQueueItem) error {
	if item.Id == uuid.Nil {
		item.Id = uuid.New()
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now()
	}
	_, err := s.q.ExecContext(ctx, sqlInsertDeliveryQueue,
		item.Id.String(),
		item.ActivityId,
		item.InboxURI,
		item.KeyId,
		item.ActivityJSON,
		item.Attempts,
		formatTime(item.NextRetryAt),
		item.LastError,
		formatTime(item.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue delivery of %s to %s: %w", item.ActivityId, item.InboxURI, err)
	}
	return nil
}

// ReadDueDeliveries returns up to limit items whose retry time is not after now.
func (s *store) ReadDueDeliveries(ctx context.Context, now time.Time, limit int) ([]domain.DeliveryQueueItem, error) {
	rows, err := s.q.QueryContext(ctx, sqlSelectDueDeliveries, formatTime(now), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read due deliveries: %w", err)
	}
	defer rows.Close()

	var items []domain.DeliveryQueueItem
	for rows.Next() {
		var item domain.DeliveryQueueItem
		var idStr, nextRetry, createdAt string
		if err := rows.Scan(&idStr, &item.ActivityId, &item.InboxURI, &item.KeyId, &item.ActivityJSON,
			&item.Attempts, &nextRetry, &item.LastError, &createdAt); err != nil {
			return nil, err
		}
		item.Id, _ = uuid.Parse(idStr)
		item.NextRetryAt, _ = parseTime(nextRetry)
		item.CreatedAt, _ = parseTime(createdAt)
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *store) UpdateDeliveryAttempt(ctx context.Context, id uuid.UUID, attempts int, nextRetry time.Time, lastErr string) error {
	if _, err := s.q.ExecContext(ctx, sqlUpdateDeliveryAttempt, attempts, formatTime(nextRetry), lastErr, id.String()); err != nil {
		return fmt.Errorf("failed to update delivery %s: %w", id, err)
	}
	return nil
}

func (s *store) DeleteDelivery(ctx context.Context, id uuid.UUID) error {
	if _, err := s.q.ExecContext(ctx, sqlDeleteDelivery, id.String()); err != nil {
		return fmt.Errorf("failed to delete delivery %s: %w", id, err)
	}
	return nil
}

// UndeliveredCount is the number of inboxes of activityID that are still
// queued or were dead-lettered.
func (s *store) UndeliveredCount(ctx context.Context, activityID string) (int, error) {
	var n int
	if err := s.q.QueryRowContext(ctx, sqlCountUndelivered, activityID, activityID).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count undelivered inboxes of %s: %w", activityID, err)
	}
	return n, nil
}

// Dead letter queries
const (
	sqlInsertDeadLetter = `INSERT INTO dead_letters(id, activity_id, inbox_uri, activity_json, attempts, last_error, created_at)
	                       VALUES (?, ?, ?, ?, ?, ?, ?)`
	sqlSelectDeadLetters = `SELECT id, activity_id, inbox_uri, activity_json, attempts, last_error, created_at
	                        FROM dead_letters ORDER BY created_at DESC LIMIT ?`
)

// DeadLetter stores a delivery that will not be retried and removes its
// queue row, if it has one, in the same transaction.
func (s *store) DeadLetter(ctx context.Context, letter *domain.DeadLetter, queueID uuid.UUID) error {
	if letter.Id == uuid.Nil {
		letter.Id = uuid.New()
	}
	if letter.CreatedAt.IsZero() {
		letter.CreatedAt = time.Now()
	}
	err := s.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlInsertDeadLetter,
			letter.Id.String(),
			letter.ActivityId,
			letter.InboxURI,
			letter.ActivityJSON,
			letter.Attempts,
			letter.LastError,
			formatTime(letter.CreatedAt),
		)
		if err != nil {
			return err
		}
		if queueID != uuid.Nil {
			_, err = tx.ExecContext(ctx, sqlDeleteDelivery, queueID.String())
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to dead-letter %s: %w", letter.ActivityId, err)
	}
	return nil
}

// ReadDeadLetters returns the newest dead letters first.
func (s *store) ReadDeadLetters(ctx context.Context, limit int) ([]domain.DeadLetter, error) {
	rows, err := s.q.QueryContext(ctx, sqlSelectDeadLetters, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read dead letters: %w", err)
	}
	defer rows.Close()

	var letters []domain.DeadLetter
	for rows.Next() {
		var l domain.DeadLetter
		var idStr, createdAt string
		if err := rows.Scan(&idStr, &l.ActivityId, &l.InboxURI, &l.ActivityJSON, &l.Attempts, &l.LastError, &createdAt); err != nil {
			return nil, err
		}
		l.Id, _ = uuid.Parse(idStr)
		l.CreatedAt, _ = parseTime(createdAt)
		letters = append(letters, l)
	}
	return letters, rows.Err()
}
