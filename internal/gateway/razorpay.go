package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	razorpay "github.com/razorpay/razorpay-go"
	"go.uber.org/zap"

	"github.com/ankushrana6395/aishield-india-app-V1-sub002/internal/errs"
)

const razorpayEventIDHeader = "X-Razorpay-Event-Id"
const razorpaySignatureHeader = "X-Razorpay-Signature"

// RazorpayGateway adapts the Razorpay order/capture flow. Client-side
// verification is the documented HMAC-SHA256 over "orderId|paymentId".
type RazorpayGateway struct {
	client        *razorpay.Client
	keySecret     string
	webhookSecret string
	logger        *zap.Logger
}

func NewRazorpayGateway(keyID, keySecret, webhookSecret string, logger *zap.Logger) *RazorpayGateway {
	return &RazorpayGateway{
		client:        razorpay.NewClient(keyID, keySecret),
		keySecret:     keySecret,
		webhookSecret: webhookSecret,
		logger:        logger,
	}
}

func (g *RazorpayGateway) Name() string {
	return "razorpay"
}

func (g *RazorpayGateway) CreateOrder(ctx context.Context, req CreateOrderRequest) (*Order, error) {
	data := map[string]interface{}{
		"amount":          req.Amount,
		"currency":        req.Currency,
		"receipt":         req.Reference,
		"payment_capture": 1,
	}
	if len(req.Metadata) > 0 {
		notes := make(map[string]interface{}, len(req.Metadata))
		for k, v := range req.Metadata {
			notes[k] = v
		}
		data["notes"] = notes
	}

	body, err := g.client.Order.Create(data, nil)
	if err != nil {
		return nil, &errs.GatewayError{
			Gateway:   g.Name(),
			Code:      "order_create_failed",
			Retryable: isRazorpayRetryable(err),
			Err:       err,
		}
	}

	orderID, ok := body["id"].(string)
	if !ok || orderID == "" {
		return nil, &errs.GatewayError{
			Gateway: g.Name(),
			Code:    "malformed_order_response",
			Err:     fmt.Errorf("missing order id in response"),
		}
	}

	return &Order{
		GatewayOrderID:   orderID,
		ApprovalArtifact: orderID,
	}, nil
}

// VerifyPayment checks the client-supplied signature against
// HMAC-SHA256(secret, orderId+"|"+paymentId). Any mismatch or error fails
// closed.
func (g *RazorpayGateway) VerifyPayment(ctx context.Context, req VerifyRequest) (*VerifyResult, error) {
	if req.GatewayOrderID == "" || req.GatewayPaymentID == "" || req.Signature == "" {
		return nil, errs.Validation("order id, payment id and signature are required")
	}

	if !VerifyHMACSignature(g.keySecret, req.GatewayOrderID+"|"+req.GatewayPaymentID, req.Signature) {
		g.logger.Warn("razorpay payment signature mismatch",
			zap.String("order_id", req.GatewayOrderID),
			zap.String("payment_id", req.GatewayPaymentID))
		return nil, errs.Security("payment signature verification failed")
	}

	return &VerifyResult{
		Verified:         true,
		GatewayPaymentID: req.GatewayPaymentID,
		Status:           "captured",
	}, nil
}

func (g *RazorpayGateway) Refund(ctx context.Context, req RefundRequest) (*RefundResult, error) {
	data := map[string]interface{}{}
	if req.Reason != "" {
		data["notes"] = map[string]interface{}{"reason": req.Reason}
	}

	body, err := g.client.Payment.Refund(req.GatewayPaymentID, int(req.Amount), data, nil)
	if err != nil {
		return nil, &errs.GatewayError{
			Gateway:   g.Name(),
			Code:      "refund_failed",
			Retryable: isRazorpayRetryable(err),
			Err:       err,
		}
	}

	result := &RefundResult{Amount: req.Amount}
	if id, ok := body["id"].(string); ok {
		result.GatewayRefundID = id
	}
	if status, ok := body["status"].(string); ok {
		result.Status = status
	}
	return result, nil
}

// VerifyWebhookSignature checks the X-Razorpay-Signature HMAC over the raw
// body with the webhook secret.
func (g *RazorpayGateway) VerifyWebhookSignature(payload []byte, headers map[string]string) error {
	sig := headerValue(headers, razorpaySignatureHeader)
	if sig == "" {
		return errs.Security("missing razorpay webhook signature")
	}
	if !VerifyHMACSignature(g.webhookSecret, string(payload), sig) {
		return errs.Security("razorpay webhook signature verification failed")
	}
	return nil
}

type razorpayWebhook struct {
	Event     string `json:"event"`
	CreatedAt int64  `json:"created_at"`
	Payload   struct {
		Payment struct {
			Entity struct {
				ID       string `json:"id"`
				OrderID  string `json:"order_id"`
				Amount   int64  `json:"amount"`
				Currency string `json:"currency"`
				Status   string `json:"status"`
			} `json:"entity"`
		} `json:"payment"`
		Refund struct {
			Entity struct {
				ID        string `json:"id"`
				PaymentID string `json:"payment_id"`
				Amount    int64  `json:"amount"`
				Currency  string `json:"currency"`
				Status    string `json:"status"`
			} `json:"entity"`
		} `json:"refund"`
	} `json:"payload"`
}

func (g *RazorpayGateway) InterpretWebhookEvent(payload []byte, headers map[string]string) (*WebhookEvent, error) {
	var wh razorpayWebhook
	if err := json.Unmarshal(payload, &wh); err != nil {
		return nil, errs.Validation("malformed razorpay webhook payload: %v", err)
	}

	event := &WebhookEvent{
		ID:         headerValue(headers, razorpayEventIDHeader),
		OccurredAt: time.Unix(wh.CreatedAt, 0),
	}
	if event.ID == "" {
		// Older deliveries omit the event id header; fall back to the
		// entity id so dedup still has a stable key. Refund events key on
		// the refund entity: two partial refunds share a payment id and
		// must not collapse into one delivery.
		entityID := wh.Payload.Payment.Entity.ID
		if wh.Event == "refund.processed" {
			entityID = wh.Payload.Refund.Entity.ID
		}
		event.ID = entityID + ":" + wh.Event
	}

	switch wh.Event {
	case "payment.captured", "order.paid":
		event.Action = ActionPaymentCompleted
		event.ReferenceID = wh.Payload.Payment.Entity.OrderID
		event.Amount = wh.Payload.Payment.Entity.Amount
		event.Currency = wh.Payload.Payment.Entity.Currency
		event.Status = wh.Payload.Payment.Entity.Status
	case "payment.failed":
		event.Action = ActionPaymentFailed
		event.ReferenceID = wh.Payload.Payment.Entity.OrderID
		event.Amount = wh.Payload.Payment.Entity.Amount
		event.Currency = wh.Payload.Payment.Entity.Currency
		event.Status = wh.Payload.Payment.Entity.Status
	case "refund.processed":
		event.Action = ActionRefundProcessed
		event.ReferenceID = wh.Payload.Refund.Entity.PaymentID
		event.Amount = wh.Payload.Refund.Entity.Amount
		event.Currency = wh.Payload.Refund.Entity.Currency
		event.Status = wh.Payload.Refund.Entity.Status
	default:
		event.Action = ActionIgnored
	}

	return event, nil
}

// VerifyHMACSignature compares signature against the hex HMAC-SHA256 of
// message under secret. Hex comparison is case-insensitive and constant-time.
func VerifyHMACSignature(secret, message, signature string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(message))
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(signature)))
}

func isRazorpayRetryable(err error) bool {
	// The SDK surfaces provider 5xx and transport failures as generic
	// errors; treat validation-looking messages as terminal.
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "bad request") || strings.Contains(msg, "invalid") {
		return false
	}
	return true
}

func headerValue(headers map[string]string, key string) string {
	if v, ok := headers[key]; ok {
		return v
	}
	for k, v := range headers {
		if strings.EqualFold(k, key) {
			return v
		}
	}
	return ""
}
