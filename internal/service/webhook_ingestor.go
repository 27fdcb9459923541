package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ankushrana6395/aishield-india-app-V1-sub002/internal/errs"
	"github.com/ankushrana6395/aishield-india-app-V1-sub002/internal/gateway"
	"github.com/ankushrana6395/aishield-india-app-V1-sub002/internal/metrics"
	"github.com/ankushrana6395/aishield-india-app-V1-sub002/internal/models"
)

const (
	// DefaultDedupWindow is how long a repeated (gateway, webhookId) is
	// recognized and ignored.
	DefaultDedupWindow = 5 * time.Minute
	// DefaultWebhookRateLimit is deliveries per source IP per minute.
	DefaultWebhookRateLimit = 100

	retryBackoffBase = 1 * time.Minute
	retryBackoffCap  = 1 * time.Hour
	retryBatchLimit  = 100
)

// ReceiptStore is the durable webhook log; it is the source of truth for
// deduplication and retry bookkeeping.
type ReceiptStore interface {
	Create(ctx context.Context, receipt *models.WebhookReceipt) error
	FindProcessed(ctx context.Context, gateway, webhookID string, since time.Time) (*models.WebhookReceipt, error)
	ListRetryable(ctx context.Context, maxRetries, limit int) ([]*models.WebhookReceipt, error)
	MarkProcessed(ctx context.Context, id string, at time.Time) error
	IncrementRetry(ctx context.Context, id string, expected int, lastError string, at time.Time) error
}

// EventHandler receives normalized events and drives the state transitions.
type EventHandler interface {
	HandlePaymentCompleted(ctx context.Context, gateway string, ev *gateway.WebhookEvent) error
	HandlePaymentFailed(ctx context.Context, gateway string, ev *gateway.WebhookEvent) error
	HandleRefundProcessed(ctx context.Context, gateway string, ev *gateway.WebhookEvent) error
}

// WebhookIngestor verifies, deduplicates and dispatches gateway callbacks,
// and sweeps failed deliveries with exponential backoff.
type WebhookIngestor struct {
	gateways    *gateway.Registry
	receipts    ReceiptStore
	handler     EventHandler
	dedupCache  *TTLCache
	limiter     *RateLimiter
	dedupWindow time.Duration
	logger      *zap.Logger
	now         func() time.Time
}

func NewWebhookIngestor(
	gateways *gateway.Registry,
	receipts ReceiptStore,
	handler EventHandler,
	logger *zap.Logger,
	now func() time.Time,
) *WebhookIngestor {
	if now == nil {
		now = time.Now
	}
	return &WebhookIngestor{
		gateways:    gateways,
		receipts:    receipts,
		handler:     handler,
		dedupCache:  NewTTLCache(DefaultDedupWindow, now),
		limiter:     NewRateLimiter(DefaultWebhookRateLimit, 1*time.Minute, now),
		dedupWindow: DefaultDedupWindow,
		logger:      logger,
		now:         now,
	}
}

// ProcessWebhook runs the ingestion pipeline, short-circuiting at the first
// terminal outcome: rate limit, duplicate, signature failure, dispatch.
func (s *WebhookIngestor) ProcessWebhook(ctx context.Context, gatewayName string, headers map[string]string, rawBody []byte, sourceIP string) (*models.WebhookOutcome, error) {
	if sourceIP != "" && !s.limiter.Allow(sourceIP) {
		metrics.WebhooksTotal.WithLabelValues(gatewayName, "rate_limited").Inc()
		return nil, errs.RateLimit(sourceIP)
	}

	gw, err := s.gateways.Get(gatewayName)
	if err != nil {
		return nil, err
	}

	ev, err := gw.InterpretWebhookEvent(rawBody, headers)
	if err != nil {
		metrics.WebhooksTotal.WithLabelValues(gatewayName, "malformed").Inc()
		return nil, err
	}

	now := s.now()
	dedupKey := gatewayName + ":" + ev.ID
	if _, cached := s.dedupCache.Get(dedupKey); cached {
		metrics.WebhooksTotal.WithLabelValues(gatewayName, "duplicate").Inc()
		return &models.WebhookOutcome{Duplicate: true, Reason: "duplicate"}, nil
	}
	prior, err := s.receipts.FindProcessed(ctx, gatewayName, ev.ID, now.Add(-s.dedupWindow))
	if err != nil {
		return nil, err
	}
	if prior != nil {
		s.dedupCache.Set(dedupKey, struct{}{})
		metrics.WebhooksTotal.WithLabelValues(gatewayName, "duplicate").Inc()
		return &models.WebhookOutcome{Duplicate: true, Reason: "duplicate", ReceiptID: prior.ID}, nil
	}

	receipt := &models.WebhookReceipt{
		ID:            uuid.New().String(),
		Gateway:       gatewayName,
		WebhookID:     ev.ID,
		EventType:     ev.Action,
		RawPayload:    rawBody,
		SourceIP:      sourceIP,
		ReceivedAt:    now,
		LastAttemptAt: now,
	}

	if err := gw.VerifyWebhookSignature(rawBody, headers); err != nil {
		receipt.Verified = false
		receipt.LastError = err.Error()
		if createErr := s.receipts.Create(ctx, receipt); createErr != nil {
			s.logger.Error("failed to record unverified webhook", zap.Error(createErr))
		}
		s.logger.Warn("webhook signature verification failed",
			zap.String("gateway", gatewayName),
			zap.String("webhook_id", ev.ID),
			zap.String("source_ip", sourceIP))
		metrics.WebhooksTotal.WithLabelValues(gatewayName, "unverified").Inc()
		return &models.WebhookOutcome{Reason: "signature verification failed", ReceiptID: receipt.ID}, err
	}
	receipt.Verified = true

	if ev.Action == gateway.ActionIgnored {
		receipt.Processed = true
		if err := s.receipts.Create(ctx, receipt); err != nil {
			return nil, err
		}
		s.dedupCache.Set(dedupKey, struct{}{})
		metrics.WebhooksTotal.WithLabelValues(gatewayName, "ignored").Inc()
		return &models.WebhookOutcome{Reason: "event type not handled", ReceiptID: receipt.ID}, nil
	}

	dispatchErr := s.dispatch(ctx, gatewayName, ev)
	if dispatchErr != nil {
		// Keep the event for the sweep instead of dropping it.
		receipt.Processed = false
		receipt.LastError = dispatchErr.Error()
		if createErr := s.receipts.Create(ctx, receipt); createErr != nil {
			s.logger.Error("failed to record failed webhook", zap.Error(createErr))
		}
		metrics.WebhooksTotal.WithLabelValues(gatewayName, "failed").Inc()
		return &models.WebhookOutcome{Reason: dispatchErr.Error(), Action: ev.Action, ReceiptID: receipt.ID}, dispatchErr
	}

	receipt.Processed = true
	if err := s.receipts.Create(ctx, receipt); err != nil {
		return nil, err
	}
	s.dedupCache.Set(dedupKey, struct{}{})
	metrics.WebhooksTotal.WithLabelValues(gatewayName, "processed").Inc()

	return &models.WebhookOutcome{Processed: true, Action: ev.Action, ReceiptID: receipt.ID}, nil
}

func (s *WebhookIngestor) dispatch(ctx context.Context, gatewayName string, ev *gateway.WebhookEvent) error {
	switch ev.Action {
	case gateway.ActionPaymentCompleted:
		return s.handler.HandlePaymentCompleted(ctx, gatewayName, ev)
	case gateway.ActionPaymentFailed:
		return s.handler.HandlePaymentFailed(ctx, gatewayName, ev)
	case gateway.ActionRefundProcessed:
		return s.handler.HandleRefundProcessed(ctx, gatewayName, ev)
	default:
		return errs.Validation("no handler for webhook action %s", ev.Action)
	}
}

// ProcessFailedWebhooks is the retry sweep. It re-runs verified, failed
// receipts whose backoff has elapsed, incrementing retryCount through a
// compare-and-swap so concurrent sweeps never double-apply an item.
// Receipts that exhaust maxRetries stay failed for operator intervention.
func (s *WebhookIngestor) ProcessFailedWebhooks(ctx context.Context, maxRetries int) (retried, succeeded int, err error) {
	receipts, err := s.receipts.ListRetryable(ctx, maxRetries, retryBatchLimit)
	if err != nil {
		return 0, 0, err
	}

	now := s.now()
	for _, receipt := range receipts {
		if now.Before(nextEligibleAt(receipt)) {
			continue
		}

		gw, gwErr := s.gateways.Get(receipt.Gateway)
		if gwErr != nil {
			s.logger.Error("retryable webhook references unknown gateway",
				zap.String("receipt_id", receipt.ID),
				zap.String("gateway", receipt.Gateway))
			continue
		}

		ev, evErr := gw.InterpretWebhookEvent(receipt.RawPayload, nil)
		if evErr == nil {
			// The stored correlation id is authoritative; headers are not
			// kept across retries.
			ev.ID = receipt.WebhookID
		}

		retried++
		metrics.WebhookRetriesTotal.Inc()

		var runErr error
		if evErr != nil {
			runErr = evErr
		} else {
			runErr = s.dispatch(ctx, receipt.Gateway, ev)
		}

		if runErr == nil {
			if err := s.receipts.MarkProcessed(ctx, receipt.ID, s.now()); err != nil {
				s.logger.Error("failed to mark webhook processed", zap.Error(err))
				continue
			}
			s.dedupCache.Set(receipt.Gateway+":"+receipt.WebhookID, struct{}{})
			succeeded++
			continue
		}

		if err := s.receipts.IncrementRetry(ctx, receipt.ID, receipt.RetryCount, runErr.Error(), s.now()); err != nil {
			if errs.IsConflict(err) {
				// A concurrent sweep got here first.
				continue
			}
			s.logger.Error("failed to record webhook retry", zap.Error(err))
			continue
		}

		if receipt.RetryCount+1 >= maxRetries {
			s.logger.Error("webhook exhausted retries, leaving for operator",
				zap.String("receipt_id", receipt.ID),
				zap.String("gateway", receipt.Gateway),
				zap.String("webhook_id", receipt.WebhookID),
				zap.Error(runErr))
		}
	}

	return retried, succeeded, nil
}

// Sweep expires the in-process dedup and rate-limit state.
func (s *WebhookIngestor) Sweep() {
	s.dedupCache.Sweep()
	s.limiter.Sweep()
}

// nextEligibleAt computes base*2^retryCount after the last attempt, capped.
func nextEligibleAt(receipt *models.WebhookReceipt) time.Time {
	backoff := retryBackoffBase << uint(receipt.RetryCount)
	if backoff > retryBackoffCap {
		backoff = retryBackoffCap
	}
	return receipt.LastAttemptAt.Add(backoff)
}
