package models

import (
	"encoding/json"
	"time"
)

// WebhookReceipt is the durable record of one webhook delivery. It governs
// the dedup window and the retry bookkeeping; failed receipts are kept for
// the sweep, never dropped.
type WebhookReceipt struct {
	ID         string          `json:"id" db:"id"`
	Gateway    string          `json:"gateway" db:"gateway"`
	WebhookID  string          `json:"webhook_id" db:"webhook_id"`
	EventType  string          `json:"event_type" db:"event_type"`
	RawPayload json.RawMessage `json:"raw_payload,omitempty" db:"raw_payload"`
	SourceIP   string          `json:"source_ip,omitempty" db:"source_ip"`
	ReceivedAt time.Time       `json:"received_at" db:"received_at"`
	Verified   bool            `json:"verified" db:"verified"`
	Processed  bool            `json:"processed" db:"processed"`
	RetryCount int             `json:"retry_count" db:"retry_count"`
	LastError  string          `json:"last_error,omitempty" db:"last_error"`
	// LastAttemptAt anchors the backoff computation for the retry sweep.
	LastAttemptAt time.Time `json:"last_attempt_at" db:"last_attempt_at"`
}

// WebhookOutcome is the synchronous result of one ProcessWebhook call.
type WebhookOutcome struct {
	Processed bool   `json:"processed"`
	Duplicate bool   `json:"duplicate"`
	Reason    string `json:"reason,omitempty"`
	Action    string `json:"action,omitempty"`
	ReceiptID string `json:"receipt_id,omitempty"`
}

// Database schema
const WebhookReceiptSchema = `
CREATE TABLE IF NOT EXISTS webhook_receipts (
    id VARCHAR(36) PRIMARY KEY,
    gateway VARCHAR(20) NOT NULL,
    webhook_id VARCHAR(255) NOT NULL,
    event_type VARCHAR(100),
    raw_payload JSONB,
    source_ip VARCHAR(45),
    received_at TIMESTAMP NOT NULL DEFAULT NOW(),
    verified BOOLEAN NOT NULL DEFAULT FALSE,
    processed BOOLEAN NOT NULL DEFAULT FALSE,
    retry_count INT NOT NULL DEFAULT 0,
    last_error TEXT,
    last_attempt_at TIMESTAMP NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_webhook_receipts_dedup
    ON webhook_receipts (gateway, webhook_id, received_at);
CREATE INDEX IF NOT EXISTS idx_webhook_receipts_retry
    ON webhook_receipts (processed, verified, retry_count);
`
