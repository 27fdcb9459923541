package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/paymentintent"
	"github.com/stripe/stripe-go/v76/refund"
	"github.com/stripe/stripe-go/v76/webhook"
	"go.uber.org/zap"

	"github.com/ankushrana6395/aishield-india-app-V1-sub002/internal/errs"
)

const stripeSignatureHeader = "Stripe-Signature"

// StripeGateway adapts Stripe payment intents. There is no client-side
// signature scheme; verification retrieves the intent from Stripe and
// trusts only the provider-side status.
type StripeGateway struct {
	webhookSecret string
	logger        *zap.Logger
}

func NewStripeGateway(secretKey, webhookSecret string, logger *zap.Logger) *StripeGateway {
	stripe.Key = secretKey
	return &StripeGateway{
		webhookSecret: webhookSecret,
		logger:        logger,
	}
}

func (g *StripeGateway) Name() string {
	return "stripe"
}

func (g *StripeGateway) CreateOrder(ctx context.Context, req CreateOrderRequest) (*Order, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(req.Amount),
		Currency: stripe.String(strings.ToLower(req.Currency)),
		PaymentMethodTypes: stripe.StringSlice([]string{
			"card",
		}),
	}
	params.AddMetadata("reference", req.Reference)
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}

	intent, err := paymentintent.New(params)
	if err != nil {
		return nil, wrapStripeError(g.Name(), "order_create_failed", err)
	}

	return &Order{
		GatewayOrderID:   intent.ID,
		ApprovalArtifact: intent.ClientSecret,
	}, nil
}

func (g *StripeGateway) VerifyPayment(ctx context.Context, req VerifyRequest) (*VerifyResult, error) {
	if req.GatewayOrderID == "" {
		return nil, errs.Validation("payment intent id is required")
	}

	intent, err := paymentintent.Get(req.GatewayOrderID, nil)
	if err != nil {
		// Fail closed: an unreachable provider is a failed verification.
		return nil, wrapStripeError(g.Name(), "verify_failed", err)
	}

	if intent.Status != stripe.PaymentIntentStatusSucceeded {
		g.logger.Warn("stripe payment not in succeeded state",
			zap.String("intent_id", intent.ID),
			zap.String("status", string(intent.Status)))
		return nil, errs.Security("payment verification failed: intent status %s", intent.Status)
	}

	result := &VerifyResult{
		Verified:   true,
		AmountPaid: intent.Amount,
		Status:     string(intent.Status),
	}
	if intent.LatestCharge != nil {
		result.GatewayPaymentID = intent.LatestCharge.ID
	} else {
		result.GatewayPaymentID = intent.ID
	}
	return result, nil
}

func (g *StripeGateway) Refund(ctx context.Context, req RefundRequest) (*RefundResult, error) {
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(req.GatewayPaymentID),
	}
	if req.Amount > 0 {
		params.Amount = stripe.Int64(req.Amount)
	}
	if req.Reason != "" {
		params.Reason = stripe.String(string(stripe.RefundReasonRequestedByCustomer))
	}

	r, err := refund.New(params)
	if err != nil {
		return nil, wrapStripeError(g.Name(), "refund_failed", err)
	}

	return &RefundResult{
		GatewayRefundID: r.ID,
		Amount:          r.Amount,
		Status:          string(r.Status),
	}, nil
}

func (g *StripeGateway) VerifyWebhookSignature(payload []byte, headers map[string]string) error {
	sig := headerValue(headers, stripeSignatureHeader)
	if sig == "" {
		return errs.Security("missing stripe webhook signature")
	}
	if _, err := webhook.ConstructEvent(payload, sig, g.webhookSecret); err != nil {
		return errs.Security("stripe webhook signature verification failed: %v", err)
	}
	return nil
}

func (g *StripeGateway) InterpretWebhookEvent(payload []byte, headers map[string]string) (*WebhookEvent, error) {
	var ev stripe.Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, errs.Validation("malformed stripe webhook payload: %v", err)
	}

	event := &WebhookEvent{
		ID:         ev.ID,
		OccurredAt: time.Unix(ev.Created, 0),
	}

	switch ev.Type {
	case "payment_intent.succeeded":
		var intent stripe.PaymentIntent
		if err := json.Unmarshal(ev.Data.Raw, &intent); err != nil {
			return nil, errs.Validation("malformed payment intent in webhook: %v", err)
		}
		event.Action = ActionPaymentCompleted
		event.ReferenceID = intent.ID
		event.Amount = intent.Amount
		event.Currency = strings.ToUpper(string(intent.Currency))
		event.Status = string(intent.Status)
	case "payment_intent.payment_failed":
		var intent stripe.PaymentIntent
		if err := json.Unmarshal(ev.Data.Raw, &intent); err != nil {
			return nil, errs.Validation("malformed payment intent in webhook: %v", err)
		}
		event.Action = ActionPaymentFailed
		event.ReferenceID = intent.ID
		event.Amount = intent.Amount
		event.Currency = strings.ToUpper(string(intent.Currency))
		event.Status = string(intent.Status)
	case "charge.refunded":
		var ch stripe.Charge
		if err := json.Unmarshal(ev.Data.Raw, &ch); err != nil {
			return nil, errs.Validation("malformed charge in webhook: %v", err)
		}
		event.Action = ActionRefundProcessed
		event.ReferenceID = ch.ID
		event.Amount = ch.AmountRefunded
		event.Currency = strings.ToUpper(string(ch.Currency))
		event.Status = string(ch.Status)
	default:
		event.Action = ActionIgnored
	}

	return event, nil
}

func wrapStripeError(gateway, code string, err error) error {
	retryable := true
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		switch stripeErr.Type {
		case stripe.ErrorTypeCard, stripe.ErrorTypeInvalidRequest:
			retryable = false
		}
	}
	return &errs.GatewayError{Gateway: gateway, Code: code, Retryable: retryable, Err: err}
}
