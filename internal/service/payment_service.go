package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ankushrana6395/aishield-india-app-V1-sub002/internal/errs"
	"github.com/ankushrana6395/aishield-india-app-V1-sub002/internal/gateway"
	"github.com/ankushrana6395/aishield-india-app-V1-sub002/internal/metrics"
	"github.com/ankushrana6395/aishield-india-app-V1-sub002/internal/models"
	"github.com/ankushrana6395/aishield-india-app-V1-sub002/internal/repository"
	"github.com/ankushrana6395/aishield-india-app-V1-sub002/pkg/redis"
)

// TransactionStore is the persistence surface the orchestrator needs.
type TransactionStore interface {
	Create(ctx context.Context, txn *models.Transaction) error
	GetByID(ctx context.Context, id string) (*models.Transaction, error)
	GetByGatewayOrderID(ctx context.Context, gateway, orderID string) (*models.Transaction, error)
	GetByGatewayPaymentID(ctx context.Context, gateway, paymentID string) (*models.Transaction, error)
	UpdateStatus(ctx context.Context, id string, from, to models.TransactionStatus, upd repository.TransactionUpdate) error
	AppendRefund(ctx context.Context, ref *models.Refund, fullyRefunded bool) error
}

// UserStore looks up the external user collaborator.
type UserStore interface {
	GetByID(ctx context.Context, id string) (*models.User, error)
}

// Finalizer runs the atomic purchase unit: transaction completion,
// subscription creation and the plan counter in one database transaction.
type Finalizer interface {
	Finalize(ctx context.Context, p repository.FinalizeParams) error
}

type riskAssessor interface {
	AssessRisk(ctx context.Context, txn *models.Transaction, user *models.User, rctx *models.RiskContext) *models.RiskAssessment
}

// PaymentService orchestrates the order/verify/refund lifecycle across
// gateway adapters, the risk engine and the subscription manager.
type PaymentService struct {
	gateways      *gateway.Registry
	risk          riskAssessor
	txns          TransactionStore
	subs          SubscriptionStore
	subscriptions *SubscriptionService
	plans         PlanStore
	users         UserStore
	finalizer     Finalizer
	redisClient   *redis.Client
	logger        *zap.Logger
	now           func() time.Time
}

func NewPaymentService(
	gateways *gateway.Registry,
	risk riskAssessor,
	txns TransactionStore,
	subs SubscriptionStore,
	subscriptions *SubscriptionService,
	plans PlanStore,
	users UserStore,
	finalizer Finalizer,
	redisClient *redis.Client,
	logger *zap.Logger,
	now func() time.Time,
) *PaymentService {
	if now == nil {
		now = time.Now
	}
	return &PaymentService{
		gateways:      gateways,
		risk:          risk,
		txns:          txns,
		subs:          subs,
		subscriptions: subscriptions,
		plans:         plans,
		users:         users,
		finalizer:     finalizer,
		redisClient:   redisClient,
		logger:        logger,
		now:           now,
	}
}

type CreateOrderRequest struct {
	UserID         string             `json:"user_id" binding:"required"`
	PlanID         string             `json:"plan_id" binding:"required"`
	Gateway        string             `json:"gateway" binding:"required"`
	IdempotencyKey string             `json:"idempotency_key"`
	Context        models.RiskContext `json:"-"`
}

type OrderResponse struct {
	Transaction      *models.Transaction    `json:"transaction"`
	GatewayOrderID   string                 `json:"gateway_order_id"`
	ApprovalArtifact string                 `json:"approval_artifact,omitempty"`
	Risk             *models.RiskAssessment `json:"risk,omitempty"`
}

// CreateOrder runs the pre-payment path: catalog lookups, the duplicate
// subscription precheck, risk assessment and the provider order.
func (s *PaymentService) CreateOrder(ctx context.Context, req *CreateOrderRequest) (*OrderResponse, error) {
	if req.IdempotencyKey != "" {
		if cached := s.getIdempotentOrder(ctx, req.IdempotencyKey); cached != nil {
			return cached, nil
		}
	}

	gw, err := s.gateways.Get(req.Gateway)
	if err != nil {
		return nil, err
	}

	plan, err := s.plans.GetByID(ctx, req.PlanID)
	if err != nil {
		return nil, err
	}
	if plan == nil {
		return nil, errs.NotFound("plan", req.PlanID)
	}

	user, err := s.users.GetByID(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, errs.NotFound("user", req.UserID)
	}

	existing, err := s.subs.GetActiveOrTrialByUserPlan(ctx, req.UserID, req.PlanID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, errs.Conflict("user %s already has an active subscription to plan %s", req.UserID, req.PlanID)
	}

	txn := &models.Transaction{
		ID:        uuid.New().String(),
		UserID:    req.UserID,
		PlanID:    req.PlanID,
		Gateway:   req.Gateway,
		Amount:    plan.Price,
		Currency:  plan.Currency,
		Status:    models.TransactionStatusPending,
		CreatedAt: s.now(),
	}

	assessment := s.risk.AssessRisk(ctx, txn, user, &req.Context)
	txn.RiskScore = assessment.Score
	txn.RiskFactors = assessment.TriggeredFactorNames()

	if assessment.Blocked {
		// Status "blocked" is reserved for scores at or past the critical
		// threshold; a high-level decline without override fails instead.
		if assessment.Score >= riskLevelCriticalFloor {
			txn.Status = models.TransactionStatusBlocked
		} else {
			txn.Status = models.TransactionStatusFailed
			txn.FailureReason = "declined by risk assessment"
		}
		if err := s.txns.Create(ctx, txn); err != nil {
			return nil, err
		}
		metrics.TransactionsTotal.WithLabelValues(txn.Gateway, string(txn.Status)).Inc()
		return nil, errs.Security("transaction blocked by risk assessment (score %d)", assessment.Score)
	}

	order, err := gw.CreateOrder(ctx, gateway.CreateOrderRequest{
		Amount:    txn.Amount,
		Currency:  txn.Currency,
		Reference: txn.ID,
		Metadata:  map[string]string{"user_id": req.UserID, "plan_id": req.PlanID},
	})
	if err != nil {
		txn.Status = models.TransactionStatusFailed
		txn.FailureReason = err.Error()
		if createErr := s.txns.Create(ctx, txn); createErr != nil {
			s.logger.Error("failed to persist rejected order", zap.Error(createErr))
		}
		metrics.TransactionsTotal.WithLabelValues(txn.Gateway, string(txn.Status)).Inc()
		return nil, err
	}

	txn.GatewayOrderID = order.GatewayOrderID
	if err := s.txns.Create(ctx, txn); err != nil {
		return nil, err
	}
	metrics.TransactionsTotal.WithLabelValues(txn.Gateway, string(txn.Status)).Inc()

	resp := &OrderResponse{
		Transaction:      txn,
		GatewayOrderID:   order.GatewayOrderID,
		ApprovalArtifact: order.ApprovalArtifact,
		Risk:             assessment,
	}
	if req.IdempotencyKey != "" {
		s.cacheIdempotentOrder(ctx, req.IdempotencyKey, resp)
	}

	s.logger.Info("payment order created",
		zap.String("transaction_id", txn.ID),
		zap.String("gateway", txn.Gateway),
		zap.Int64("amount", txn.Amount))
	return resp, nil
}

type VerifyPaymentRequest struct {
	TransactionID    string `json:"transaction_id" binding:"required"`
	GatewayPaymentID string `json:"gateway_payment_id"`
	Signature        string `json:"signature"`
}

type VerifyPaymentResponse struct {
	Transaction  *models.Transaction  `json:"transaction"`
	Subscription *models.Subscription `json:"subscription,omitempty"`
}

// VerifyPayment is the client-driven (synchronous) confirmation path. The
// adapter check fails closed; on success the transactional handoff into
// subscriptions runs.
func (s *PaymentService) VerifyPayment(ctx context.Context, req *VerifyPaymentRequest) (*VerifyPaymentResponse, error) {
	txn, err := s.txns.GetByID(ctx, req.TransactionID)
	if err != nil {
		return nil, err
	}
	if txn == nil {
		return nil, errs.NotFound("transaction", req.TransactionID)
	}

	// A client retry of an already-verified payment is idempotent.
	if txn.Status == models.TransactionStatusCompleted || txn.Status == models.TransactionStatusRefunded {
		sub, err := s.subs.GetLatestByUserPlan(ctx, txn.UserID, txn.PlanID)
		if err != nil {
			return nil, err
		}
		return &VerifyPaymentResponse{Transaction: txn, Subscription: sub}, nil
	}
	if txn.Status != models.TransactionStatusPending {
		return nil, errs.Conflict("transaction %s cannot be verified from status %s", txn.ID, txn.Status)
	}

	gw, err := s.gateways.Get(txn.Gateway)
	if err != nil {
		return nil, err
	}

	result, err := gw.VerifyPayment(ctx, gateway.VerifyRequest{
		GatewayOrderID:   txn.GatewayOrderID,
		GatewayPaymentID: req.GatewayPaymentID,
		Signature:        req.Signature,
	})
	if err != nil {
		if errs.IsSecurity(err) {
			s.logger.Warn("payment verification rejected",
				zap.String("transaction_id", txn.ID),
				zap.Error(err))
		}
		return nil, err
	}
	if !result.Verified {
		return nil, errs.Security("payment verification failed for transaction %s", txn.ID)
	}
	if result.AmountPaid > 0 && result.AmountPaid != txn.Amount {
		return nil, errs.Security("amount mismatch: paid %d, expected %d", result.AmountPaid, txn.Amount)
	}

	sub, err := s.finalizeSuccessfulPayment(ctx, txn, result.GatewayPaymentID, s.now())
	if err != nil {
		return nil, err
	}

	refreshed, err := s.txns.GetByID(ctx, txn.ID)
	if err != nil {
		return nil, err
	}
	return &VerifyPaymentResponse{Transaction: refreshed, Subscription: sub}, nil
}

// finalizeSuccessfulPayment converges the synchronous verify and the
// asynchronous webhook on one path: first purchase creates the subscription
// atomically with transaction completion; renewal extends the existing one.
func (s *PaymentService) finalizeSuccessfulPayment(ctx context.Context, txn *models.Transaction, gatewayPaymentID string, eventTime time.Time) (*models.Subscription, error) {
	latest, err := s.subs.GetLatestByUserPlan(ctx, txn.UserID, txn.PlanID)
	if err != nil {
		return nil, err
	}

	completedAt := s.now()

	if latest != nil && latest.IsActiveOrTrial() {
		// Lost the precheck race: the money is captured, so complete the
		// transaction and surface the conflict explicitly rather than
		// leave a silent partial state.
		if err := s.txns.UpdateStatus(ctx, txn.ID, models.TransactionStatusPending, models.TransactionStatusCompleted, repository.TransactionUpdate{
			GatewayPaymentID: gatewayPaymentID,
			EventTime:        eventTime,
			CompletedAt:      &completedAt,
		}); err != nil && !errs.IsConflict(err) {
			return nil, err
		}
		metrics.TransactionsTotal.WithLabelValues(txn.Gateway, string(models.TransactionStatusCompleted)).Inc()
		return latest, errs.Conflict("payment completed but user %s already holds an active subscription to plan %s", txn.UserID, txn.PlanID)
	}

	if latest != nil {
		switch latest.Status {
		case models.SubscriptionStatusGrace, models.SubscriptionStatusSuspended, models.SubscriptionStatusPendingRenewal, models.SubscriptionStatusPaused:
			if err := s.txns.UpdateStatus(ctx, txn.ID, models.TransactionStatusPending, models.TransactionStatusCompleted, repository.TransactionUpdate{
				GatewayPaymentID: gatewayPaymentID,
				EventTime:        eventTime,
				CompletedAt:      &completedAt,
			}); err != nil {
				if errs.IsConflict(err) {
					// Another delivery finalized first.
					return latest, nil
				}
				return nil, err
			}
			metrics.TransactionsTotal.WithLabelValues(txn.Gateway, string(models.TransactionStatusCompleted)).Inc()

			sub, err := s.subscriptions.ProcessSuccessfulPayment(ctx, latest.ID, txn.Amount, txn.Gateway)
			if err != nil {
				// Payment is completed; the unapplied renewal must be
				// loud, never silent.
				s.logger.Error("payment completed but renewal not applied",
					zap.String("transaction_id", txn.ID),
					zap.String("subscription_id", latest.ID),
					zap.Error(err))
				return nil, errs.Database("apply renewal after payment", err)
			}
			return sub, nil
		}
	}

	plan, err := s.plans.GetByID(ctx, txn.PlanID)
	if err != nil {
		return nil, err
	}
	if plan == nil {
		return nil, errs.NotFound("plan", txn.PlanID)
	}

	sub := s.subscriptions.Build(plan, txn.UserID)
	err = s.finalizer.Finalize(ctx, repository.FinalizeParams{
		TransactionID:    txn.ID,
		GatewayPaymentID: gatewayPaymentID,
		EventTime:        eventTime,
		CompletedAt:      completedAt,
		Subscription:     sub,
	})
	if err != nil {
		if errs.IsConflict(err) {
			// A racing delivery already completed the transaction; read
			// back whatever it created.
			existing, lookupErr := s.subs.GetLatestByUserPlan(ctx, txn.UserID, txn.PlanID)
			if lookupErr != nil {
				return nil, lookupErr
			}
			return existing, nil
		}
		return nil, err
	}
	metrics.TransactionsTotal.WithLabelValues(txn.Gateway, string(models.TransactionStatusCompleted)).Inc()

	s.logger.Info("subscription created from verified payment",
		zap.String("transaction_id", txn.ID),
		zap.String("subscription_id", sub.ID),
		zap.String("plan_id", plan.ID))
	return sub, nil
}

type RefundRequest struct {
	Amount int64  `json:"amount"`
	Reason string `json:"reason"`
}

// Refund applies a (possibly partial) refund. Refunds are additive and the
// cumulative total can never exceed the original amount.
func (s *PaymentService) Refund(ctx context.Context, transactionID string, req *RefundRequest) (*models.Transaction, error) {
	txn, err := s.txns.GetByID(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if txn == nil {
		return nil, errs.NotFound("transaction", transactionID)
	}
	if txn.Status != models.TransactionStatusCompleted && txn.Status != models.TransactionStatusRefunded {
		return nil, errs.Conflict("transaction %s cannot be refunded from status %s", txn.ID, txn.Status)
	}

	remaining := txn.Amount - txn.RefundedTotal()
	amount := req.Amount
	if amount == 0 {
		amount = remaining
	}
	if amount <= 0 {
		return nil, errs.Validation("refund amount must be positive")
	}
	if amount > remaining {
		return nil, errs.Validation("refund of %d exceeds remaining refundable amount %d", amount, remaining)
	}

	gw, err := s.gateways.Get(txn.Gateway)
	if err != nil {
		return nil, err
	}

	result, err := gw.Refund(ctx, gateway.RefundRequest{
		GatewayPaymentID: txn.GatewayPaymentID,
		Amount:           amount,
		Reason:           req.Reason,
	})
	if err != nil {
		return nil, err
	}

	ref := &models.Refund{
		ID:              uuid.New().String(),
		TransactionID:   txn.ID,
		GatewayRefundID: result.GatewayRefundID,
		Amount:          amount,
		Reason:          req.Reason,
		CreatedAt:       s.now(),
	}
	fullyRefunded := txn.RefundedTotal()+amount >= txn.Amount
	if err := s.txns.AppendRefund(ctx, ref, fullyRefunded); err != nil {
		return nil, err
	}
	if fullyRefunded {
		metrics.TransactionsTotal.WithLabelValues(txn.Gateway, string(models.TransactionStatusRefunded)).Inc()
	}

	s.logger.Info("refund applied",
		zap.String("transaction_id", txn.ID),
		zap.Int64("amount", amount),
		zap.Bool("fully_refunded", fullyRefunded))
	return s.txns.GetByID(ctx, txn.ID)
}

// GetTransaction returns the transaction snapshot.
func (s *PaymentService) GetTransaction(ctx context.Context, id string) (*models.Transaction, error) {
	txn, err := s.txns.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if txn == nil {
		return nil, errs.NotFound("transaction", id)
	}
	return txn, nil
}

// Webhook-driven transitions. Out-of-order deliveries resolve
// last-writer-wins by provider timestamp; completed never regresses to
// pending.

func (s *PaymentService) HandlePaymentCompleted(ctx context.Context, gatewayName string, ev *gateway.WebhookEvent) error {
	txn, err := s.txns.GetByGatewayOrderID(ctx, gatewayName, ev.ReferenceID)
	if err != nil {
		return err
	}
	if txn == nil {
		return errs.NotFound("transaction for gateway order", ev.ReferenceID)
	}

	switch txn.Status {
	case models.TransactionStatusCompleted, models.TransactionStatusRefunded:
		// Duplicate or late delivery of an applied event.
		return nil
	case models.TransactionStatusBlocked:
		return errs.Conflict("transaction %s is blocked", txn.ID)
	case models.TransactionStatusFailed:
		if !ev.OccurredAt.After(txn.EventTime) {
			return nil
		}
		// Completion reported after a failure with a newer provider
		// timestamp: the provider's latest word wins.
		if err := s.txns.UpdateStatus(ctx, txn.ID, models.TransactionStatusFailed, models.TransactionStatusPending, repository.TransactionUpdate{
			EventTime: ev.OccurredAt,
		}); err != nil {
			return err
		}
		txn.Status = models.TransactionStatusPending
	}

	paymentID := txn.GatewayPaymentID
	if paymentID == "" {
		paymentID = ev.ID
	}
	_, err = s.finalizeSuccessfulPayment(ctx, txn, paymentID, ev.OccurredAt)
	return err
}

func (s *PaymentService) HandlePaymentFailed(ctx context.Context, gatewayName string, ev *gateway.WebhookEvent) error {
	txn, err := s.txns.GetByGatewayOrderID(ctx, gatewayName, ev.ReferenceID)
	if err != nil {
		return err
	}
	if txn == nil {
		return errs.NotFound("transaction for gateway order", ev.ReferenceID)
	}

	switch txn.Status {
	case models.TransactionStatusFailed, models.TransactionStatusBlocked:
		return nil
	case models.TransactionStatusCompleted, models.TransactionStatusRefunded:
		if !ev.OccurredAt.After(txn.EventTime) {
			// Stale failure behind an applied completion; drop it.
			return nil
		}
		s.logger.Warn("provider reported failure after completion; flagging for review",
			zap.String("transaction_id", txn.ID),
			zap.Time("event_time", ev.OccurredAt))
		return s.txns.UpdateStatus(ctx, txn.ID, txn.Status, models.TransactionStatusFailed, repository.TransactionUpdate{
			FailureReason: "provider reported failure after completion",
			EventTime:     ev.OccurredAt,
		})
	}

	if err := s.txns.UpdateStatus(ctx, txn.ID, models.TransactionStatusPending, models.TransactionStatusFailed, repository.TransactionUpdate{
		FailureReason: fmt.Sprintf("gateway reported %s", ev.Status),
		EventTime:     ev.OccurredAt,
	}); err != nil {
		if errs.IsConflict(err) {
			return nil
		}
		return err
	}
	metrics.TransactionsTotal.WithLabelValues(txn.Gateway, string(models.TransactionStatusFailed)).Inc()

	// A failed charge against an existing entitlement is a renewal
	// failure and feeds the grace/backoff path.
	latest, err := s.subs.GetLatestByUserPlan(ctx, txn.UserID, txn.PlanID)
	if err != nil {
		return err
	}
	if latest != nil {
		switch latest.Status {
		case models.SubscriptionStatusActive, models.SubscriptionStatusGrace, models.SubscriptionStatusPendingRenewal:
			if _, err := s.subscriptions.RecordPaymentFailure(ctx, latest.ID, ev.Status, txn.Amount); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *PaymentService) HandleRefundProcessed(ctx context.Context, gatewayName string, ev *gateway.WebhookEvent) error {
	txn, err := s.txns.GetByGatewayPaymentID(ctx, gatewayName, ev.ReferenceID)
	if err != nil {
		return err
	}
	if txn == nil {
		return errs.NotFound("transaction for gateway payment", ev.ReferenceID)
	}

	// Provider-initiated refunds can race our own; dedup on the provider
	// refund id.
	for _, r := range txn.Refunds {
		if r.GatewayRefundID == ev.ID {
			return nil
		}
	}

	remaining := txn.Amount - txn.RefundedTotal()
	if ev.Amount > remaining {
		s.logger.Warn("webhook refund exceeds refundable balance; ignoring overage",
			zap.String("transaction_id", txn.ID),
			zap.Int64("amount", ev.Amount),
			zap.Int64("remaining", remaining))
		return errs.Validation("refund of %d exceeds remaining refundable amount %d", ev.Amount, remaining)
	}

	ref := &models.Refund{
		ID:              uuid.New().String(),
		TransactionID:   txn.ID,
		GatewayRefundID: ev.ID,
		Amount:          ev.Amount,
		Reason:          "gateway initiated",
		CreatedAt:       s.now(),
	}
	return s.txns.AppendRefund(ctx, ref, txn.RefundedTotal()+ev.Amount >= txn.Amount)
}

// Idempotency cache helpers, Redis-backed and best-effort.

func (s *PaymentService) getIdempotentOrder(ctx context.Context, key string) *OrderResponse {
	if s.redisClient == nil {
		return nil
	}
	data, err := s.redisClient.Get(ctx, "idempotency:order:"+key)
	if err != nil {
		return nil
	}
	var resp OrderResponse
	if err := json.Unmarshal([]byte(data), &resp); err != nil {
		return nil
	}
	return &resp
}

func (s *PaymentService) cacheIdempotentOrder(ctx context.Context, key string, resp *OrderResponse) {
	if s.redisClient == nil {
		return
	}
	data, err := json.Marshal(resp)
	if err != nil {
		return
	}
	if err := s.redisClient.Set(ctx, "idempotency:order:"+key, data, 24*time.Hour); err != nil {
		s.logger.Warn("failed to cache idempotent order", zap.Error(err))
	}
}
