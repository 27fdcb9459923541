// Package gateway abstracts external payment providers behind one fixed
// capability set. Each provider is a variant selected by the gateway-name
// tag carried on the transaction.
package gateway

import (
	"context"
	"time"
)

// Normalized webhook actions every adapter maps provider events onto.
const (
	ActionPaymentCompleted = "payment.completed"
	ActionPaymentFailed    = "payment.failed"
	ActionRefundProcessed  = "refund.processed"
	ActionIgnored          = "ignored"
)

// CreateOrderRequest asks the provider for a new order. Amount is integer
// minor units; Reference is our transaction id.
type CreateOrderRequest struct {
	Amount    int64
	Currency  string
	Reference string
	Metadata  map[string]string
}

// Order is the provider-side order handle. ApprovalArtifact is whatever the
// client needs to continue the flow (client secret, short order id).
type Order struct {
	GatewayOrderID   string
	ApprovalArtifact string
}

// VerifyRequest carries the client-side proof of payment.
type VerifyRequest struct {
	GatewayOrderID   string
	GatewayPaymentID string
	Signature        string
}

// VerifyResult is the outcome of a closed verification check.
type VerifyResult struct {
	Verified         bool
	GatewayPaymentID string
	AmountPaid       int64
	Status           string
}

// RefundRequest asks the provider to return funds. Amount zero means a full
// refund of the remaining balance.
type RefundRequest struct {
	GatewayPaymentID string
	Amount           int64
	Reason           string
}

// RefundResult is the provider acknowledgement of a refund.
type RefundResult struct {
	GatewayRefundID string
	Amount          int64
	Status          string
}

// WebhookEvent is a provider callback normalized to the internal shape.
// ID is the provider correlation id used for deduplication.
type WebhookEvent struct {
	ID          string
	Action      string
	ReferenceID string
	Amount      int64
	Currency    string
	Status      string
	OccurredAt  time.Time
}

// Gateway is the uniform adapter contract. Verification methods fail closed:
// any mismatch or internal error is an error, never a silent pass.
type Gateway interface {
	Name() string
	CreateOrder(ctx context.Context, req CreateOrderRequest) (*Order, error)
	VerifyPayment(ctx context.Context, req VerifyRequest) (*VerifyResult, error)
	Refund(ctx context.Context, req RefundRequest) (*RefundResult, error)
	VerifyWebhookSignature(payload []byte, headers map[string]string) error
	InterpretWebhookEvent(payload []byte, headers map[string]string) (*WebhookEvent, error)
}
