package models

import "time"

type TransactionStatus string

const (
	TransactionStatusPending   TransactionStatus = "pending"
	TransactionStatusCompleted TransactionStatus = "completed"
	TransactionStatusFailed    TransactionStatus = "failed"
	TransactionStatusRefunded  TransactionStatus = "refunded"
	TransactionStatusBlocked   TransactionStatus = "blocked"
)

// Transaction is the orchestrator-owned record of one payment attempt.
// Amounts are integer minor units (paise/cents). Status only moves through
// the defined transitions; refunds accumulate additively.
type Transaction struct {
	ID               string            `json:"id" db:"id"`
	UserID           string            `json:"user_id" db:"user_id"`
	PlanID           string            `json:"plan_id" db:"plan_id"`
	Gateway          string            `json:"gateway" db:"gateway"`
	GatewayOrderID   string            `json:"gateway_order_id" db:"gateway_order_id"`
	GatewayPaymentID string            `json:"gateway_payment_id,omitempty" db:"gateway_payment_id"`
	Amount           int64             `json:"amount" db:"amount"`
	Currency         string            `json:"currency" db:"currency"`
	Status           TransactionStatus `json:"status" db:"status"`
	RiskScore        int               `json:"risk_score" db:"risk_score"`
	RiskFactors      []string          `json:"risk_factors,omitempty" db:"risk_factors"`
	FailureReason    string            `json:"failure_reason,omitempty" db:"failure_reason"`
	Refunds          []Refund          `json:"refunds,omitempty"`
	// EventTime is the provider timestamp of the last event applied to this
	// record; out-of-order webhooks resolve last-writer-wins against it.
	EventTime   time.Time  `json:"event_time" db:"event_time"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty" db:"completed_at"`
}

// Refund is one refund applied against a completed transaction.
type Refund struct {
	ID              string    `json:"id" db:"id"`
	TransactionID   string    `json:"transaction_id" db:"transaction_id"`
	GatewayRefundID string    `json:"gateway_refund_id,omitempty" db:"gateway_refund_id"`
	Amount          int64     `json:"amount" db:"amount"`
	Reason          string    `json:"reason" db:"reason"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
}

// RefundedTotal returns the sum of all refunds applied so far.
func (t *Transaction) RefundedTotal() int64 {
	var total int64
	for _, r := range t.Refunds {
		total += r.Amount
	}
	return total
}

// Database schema
const TransactionSchema = `
CREATE TABLE IF NOT EXISTS transactions (
    id VARCHAR(36) PRIMARY KEY,
    user_id VARCHAR(36) NOT NULL,
    plan_id VARCHAR(36) NOT NULL,
    gateway VARCHAR(20) NOT NULL,
    gateway_order_id VARCHAR(255),
    gateway_payment_id VARCHAR(255),
    amount BIGINT NOT NULL,
    currency VARCHAR(3) NOT NULL,
    status VARCHAR(20) NOT NULL,
    risk_score INT NOT NULL DEFAULT 0,
    risk_factors TEXT[],
    failure_reason TEXT,
    event_time TIMESTAMP,
    created_at TIMESTAMP NOT NULL DEFAULT NOW(),
    completed_at TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_transactions_user ON transactions (user_id, created_at);
CREATE INDEX IF NOT EXISTS idx_transactions_gateway_order ON transactions (gateway, gateway_order_id);

CREATE TABLE IF NOT EXISTS refunds (
    id VARCHAR(36) PRIMARY KEY,
    transaction_id VARCHAR(36) NOT NULL REFERENCES transactions(id),
    gateway_refund_id VARCHAR(255),
    amount BIGINT NOT NULL,
    reason TEXT,
    created_at TIMESTAMP NOT NULL DEFAULT NOW()
);
`
