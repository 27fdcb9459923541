package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/ankushrana6395/aishield-india-app-V1-sub002/internal/errs"
	"github.com/ankushrana6395/aishield-india-app-V1-sub002/internal/models"
)

type WebhookRepository struct {
	db *sql.DB
}

func NewWebhookRepository(db *sql.DB) *WebhookRepository {
	return &WebhookRepository{db: db}
}

func (r *WebhookRepository) Create(ctx context.Context, receipt *models.WebhookReceipt) error {
	query := `
		INSERT INTO webhook_receipts (
			id, gateway, webhook_id, event_type, raw_payload, source_ip,
			received_at, verified, processed, retry_count, last_error, last_attempt_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`

	_, err := r.db.ExecContext(ctx, query,
		receipt.ID,
		receipt.Gateway,
		receipt.WebhookID,
		receipt.EventType,
		[]byte(receipt.RawPayload),
		receipt.SourceIP,
		receipt.ReceivedAt,
		receipt.Verified,
		receipt.Processed,
		receipt.RetryCount,
		receipt.LastError,
		receipt.LastAttemptAt,
	)
	if err != nil {
		return errs.Database("create webhook receipt", err)
	}
	return nil
}

// FindProcessed returns the processed receipt for (gateway, webhookID)
// received after since, if one exists. This is the durable half of the
// dedup check; the in-process cache only short-circuits the common case.
func (r *WebhookRepository) FindProcessed(ctx context.Context, gateway, webhookID string, since time.Time) (*models.WebhookReceipt, error) {
	query := `
		SELECT id, gateway, webhook_id, event_type, source_ip, received_at,
		       verified, processed, retry_count, last_error, last_attempt_at
		FROM webhook_receipts
		WHERE gateway = $1 AND webhook_id = $2 AND processed = TRUE AND received_at >= $3
		ORDER BY received_at DESC
		LIMIT 1
	`
	return r.scanOne(r.db.QueryRowContext(ctx, query, gateway, webhookID, since))
}

func (r *WebhookRepository) GetByID(ctx context.Context, id string) (*models.WebhookReceipt, error) {
	query := `
		SELECT id, gateway, webhook_id, event_type, source_ip, received_at,
		       verified, processed, retry_count, last_error, last_attempt_at
		FROM webhook_receipts WHERE id = $1
	`
	return r.scanOne(r.db.QueryRowContext(ctx, query, id))
}

func (r *WebhookRepository) scanOne(row *sql.Row) (*models.WebhookReceipt, error) {
	receipt := &models.WebhookReceipt{}
	var eventType, sourceIP, lastError sql.NullString
	err := row.Scan(
		&receipt.ID,
		&receipt.Gateway,
		&receipt.WebhookID,
		&eventType,
		&sourceIP,
		&receipt.ReceivedAt,
		&receipt.Verified,
		&receipt.Processed,
		&receipt.RetryCount,
		&lastError,
		&receipt.LastAttemptAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Database("get webhook receipt", err)
	}
	receipt.EventType = eventType.String
	receipt.SourceIP = sourceIP.String
	receipt.LastError = lastError.String
	return receipt, nil
}

// ListRetryable returns verified, unprocessed receipts that have not yet
// exhausted maxRetries. Backoff eligibility is computed by the caller.
func (r *WebhookRepository) ListRetryable(ctx context.Context, maxRetries, limit int) ([]*models.WebhookReceipt, error) {
	query := `
		SELECT id, gateway, webhook_id, event_type, raw_payload, source_ip,
		       received_at, verified, processed, retry_count, last_error, last_attempt_at
		FROM webhook_receipts
		WHERE processed = FALSE AND verified = TRUE AND retry_count < $1
		ORDER BY received_at
		LIMIT $2
	`

	rows, err := r.db.QueryContext(ctx, query, maxRetries, limit)
	if err != nil {
		return nil, errs.Database("list retryable webhooks", err)
	}
	defer rows.Close()

	var receipts []*models.WebhookReceipt
	for rows.Next() {
		receipt := &models.WebhookReceipt{}
		var eventType, sourceIP, lastError sql.NullString
		var raw []byte
		if err := rows.Scan(
			&receipt.ID,
			&receipt.Gateway,
			&receipt.WebhookID,
			&eventType,
			&raw,
			&sourceIP,
			&receipt.ReceivedAt,
			&receipt.Verified,
			&receipt.Processed,
			&receipt.RetryCount,
			&lastError,
			&receipt.LastAttemptAt,
		); err != nil {
			return nil, errs.Database("scan webhook receipt", err)
		}
		receipt.EventType = eventType.String
		receipt.SourceIP = sourceIP.String
		receipt.LastError = lastError.String
		receipt.RawPayload = raw
		receipts = append(receipts, receipt)
	}
	return receipts, rows.Err()
}

// MarkProcessed flips the receipt to processed.
func (r *WebhookRepository) MarkProcessed(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE webhook_receipts SET processed = TRUE, last_error = '', last_attempt_at = $2
		WHERE id = $1`, id, at)
	if err != nil {
		return errs.Database("mark webhook processed", err)
	}
	return nil
}

// IncrementRetry bumps retry_count only when it still holds the expected
// value, making the sweep re-entrant: a concurrent sweep loses the CAS and
// skips the item.
func (r *WebhookRepository) IncrementRetry(ctx context.Context, id string, expected int, lastError string, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE webhook_receipts
		SET retry_count = retry_count + 1, last_error = $3, last_attempt_at = $4
		WHERE id = $1 AND retry_count = $2 AND processed = FALSE`,
		id, expected, lastError, at)
	if err != nil {
		return errs.Database("increment webhook retry", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return errs.Database("increment webhook retry", err)
	}
	if affected == 0 {
		return errs.Conflict("webhook receipt %s retry count moved past %d", id, expected)
	}
	return nil
}
