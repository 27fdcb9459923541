package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ankushrana6395/aishield-india-app-V1-sub002/internal/errs"
	"github.com/ankushrana6395/aishield-india-app-V1-sub002/internal/gateway"
	"github.com/ankushrana6395/aishield-india-app-V1-sub002/internal/models"
	"github.com/ankushrana6395/aishield-india-app-V1-sub002/internal/repository"
)

type memTxnStore struct {
	txns map[string]*models.Transaction
}

func newMemTxnStore() *memTxnStore {
	return &memTxnStore{txns: make(map[string]*models.Transaction)}
}

func (s *memTxnStore) Create(_ context.Context, txn *models.Transaction) error {
	c := *txn
	s.txns[txn.ID] = &c
	return nil
}

func (s *memTxnStore) GetByID(_ context.Context, id string) (*models.Transaction, error) {
	txn, ok := s.txns[id]
	if !ok {
		return nil, nil
	}
	c := *txn
	return &c, nil
}

func (s *memTxnStore) GetByGatewayOrderID(_ context.Context, gw, orderID string) (*models.Transaction, error) {
	for _, txn := range s.txns {
		if txn.Gateway == gw && txn.GatewayOrderID == orderID {
			c := *txn
			return &c, nil
		}
	}
	return nil, nil
}

func (s *memTxnStore) GetByGatewayPaymentID(_ context.Context, gw, paymentID string) (*models.Transaction, error) {
	for _, txn := range s.txns {
		if txn.Gateway == gw && txn.GatewayPaymentID == paymentID {
			c := *txn
			return &c, nil
		}
	}
	return nil, nil
}

func (s *memTxnStore) UpdateStatus(_ context.Context, id string, from, to models.TransactionStatus, upd repository.TransactionUpdate) error {
	txn, ok := s.txns[id]
	if !ok {
		return errs.NotFound("transaction", id)
	}
	if txn.Status != from {
		return errs.Conflict("transaction %s is %s, expected %s", id, txn.Status, from)
	}
	txn.Status = to
	if upd.GatewayPaymentID != "" {
		txn.GatewayPaymentID = upd.GatewayPaymentID
	}
	if upd.FailureReason != "" {
		txn.FailureReason = upd.FailureReason
	}
	if !upd.EventTime.IsZero() {
		txn.EventTime = upd.EventTime
	}
	if upd.CompletedAt != nil {
		txn.CompletedAt = upd.CompletedAt
	}
	return nil
}

func (s *memTxnStore) AppendRefund(_ context.Context, ref *models.Refund, fullyRefunded bool) error {
	txn, ok := s.txns[ref.TransactionID]
	if !ok {
		return errs.NotFound("transaction", ref.TransactionID)
	}
	txn.Refunds = append(txn.Refunds, *ref)
	if fullyRefunded {
		txn.Status = models.TransactionStatusRefunded
	}
	return nil
}

type fakeUserStore struct {
	users map[string]*models.User
}

func (s *fakeUserStore) GetByID(_ context.Context, id string) (*models.User, error) {
	return s.users[id], nil
}

// fakeFinalizer mimics the atomic purchase unit against the in-memory
// stores: complete the pending transaction, then create the subscription.
type fakeFinalizer struct {
	txns  *memTxnStore
	subs  *memSubStore
	err   error
	calls int
}

func (f *fakeFinalizer) Finalize(ctx context.Context, p repository.FinalizeParams) error {
	f.calls++
	if f.err != nil {
		return f.err
	}
	if err := f.txns.UpdateStatus(ctx, p.TransactionID,
		models.TransactionStatusPending, models.TransactionStatusCompleted,
		repository.TransactionUpdate{
			GatewayPaymentID: p.GatewayPaymentID,
			EventTime:        p.EventTime,
			CompletedAt:      &p.CompletedAt,
		}); err != nil {
		return err
	}
	return f.subs.Create(ctx, p.Subscription)
}

type stubRisk struct {
	assessment *models.RiskAssessment
}

func (r *stubRisk) AssessRisk(_ context.Context, txn *models.Transaction, _ *models.User, _ *models.RiskContext) *models.RiskAssessment {
	if r.assessment == nil {
		return &models.RiskAssessment{TransactionID: txn.ID, Level: models.RiskLevelLow}
	}
	a := *r.assessment
	a.TransactionID = txn.ID
	return &a
}

var paymentTestNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type paymentFixture struct {
	gw        *stubGateway
	risk      *stubRisk
	txns      *memTxnStore
	subs      *memSubStore
	finalizer *fakeFinalizer
	svc       *PaymentService
	subSvc    *SubscriptionService
}

func newPaymentFixture() *paymentFixture {
	gw := &stubGateway{
		name:         "testpay",
		order:        &gateway.Order{GatewayOrderID: "order_1", ApprovalArtifact: "artifact_1"},
		verifyResult: &gateway.VerifyResult{Verified: true, GatewayPaymentID: "pay_1", AmountPaid: 199900},
		refundResult: &gateway.RefundResult{GatewayRefundID: "rfnd_1"},
	}
	txns := newMemTxnStore()
	subs := newMemSubStore()
	plans := &fakePlanStore{plans: map[string]*models.Plan{"plan-1": monthlyPlan()}}
	users := &fakeUserStore{users: map[string]*models.User{
		"user-1": {ID: "user-1", Email: "student@example.com", CreatedAt: paymentTestNow.AddDate(0, 0, -30)},
	}}
	finalizer := &fakeFinalizer{txns: txns, subs: subs}
	risk := &stubRisk{}
	clock := func() time.Time { return paymentTestNow }

	subSvc := NewSubscriptionService(subs, plans, zap.NewNop(), clock)
	svc := NewPaymentService(gateway.NewRegistry(gw), risk, txns, subs, subSvc,
		plans, users, finalizer, nil, zap.NewNop(), clock)

	return &paymentFixture{
		gw:        gw,
		risk:      risk,
		txns:      txns,
		subs:      subs,
		finalizer: finalizer,
		svc:       svc,
		subSvc:    subSvc,
	}
}

func (f *paymentFixture) createPendingOrder(t *testing.T) *models.Transaction {
	t.Helper()
	resp, err := f.svc.CreateOrder(context.Background(), &CreateOrderRequest{
		UserID:  "user-1",
		PlanID:  "plan-1",
		Gateway: "testpay",
	})
	require.NoError(t, err)
	return resp.Transaction
}

func TestCreateOrderSuccess(t *testing.T) {
	f := newPaymentFixture()

	resp, err := f.svc.CreateOrder(context.Background(), &CreateOrderRequest{
		UserID:  "user-1",
		PlanID:  "plan-1",
		Gateway: "testpay",
	})
	require.NoError(t, err)

	assert.Equal(t, "order_1", resp.GatewayOrderID)
	assert.Equal(t, "artifact_1", resp.ApprovalArtifact)
	assert.Equal(t, models.TransactionStatusPending, resp.Transaction.Status)
	assert.Equal(t, int64(199900), resp.Transaction.Amount, "amount comes from the catalog, never the client")

	stored, err := f.txns.GetByID(context.Background(), resp.Transaction.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "order_1", stored.GatewayOrderID)
}

func TestCreateOrderUnknownPlan(t *testing.T) {
	f := newPaymentFixture()

	_, err := f.svc.CreateOrder(context.Background(), &CreateOrderRequest{
		UserID:  "user-1",
		PlanID:  "plan-9",
		Gateway: "testpay",
	})
	assert.True(t, errs.IsNotFound(err), "got %v", err)
}

func TestCreateOrderUnknownGateway(t *testing.T) {
	f := newPaymentFixture()

	_, err := f.svc.CreateOrder(context.Background(), &CreateOrderRequest{
		UserID:  "user-1",
		PlanID:  "plan-1",
		Gateway: "paypal",
	})
	assert.True(t, errs.IsValidation(err), "got %v", err)
}

func TestCreateOrderDuplicateSubscription(t *testing.T) {
	f := newPaymentFixture()
	sub := f.subSvc.Build(monthlyPlan(), "user-1")
	require.NoError(t, f.subs.Create(context.Background(), sub))

	_, err := f.svc.CreateOrder(context.Background(), &CreateOrderRequest{
		UserID:  "user-1",
		PlanID:  "plan-1",
		Gateway: "testpay",
	})
	assert.True(t, errs.IsConflict(err), "got %v", err)
}

func TestCreateOrderBlockedAtCritical(t *testing.T) {
	f := newPaymentFixture()
	f.risk.assessment = &models.RiskAssessment{
		Score:   120,
		Level:   models.RiskLevelCritical,
		Blocked: true,
	}

	_, err := f.svc.CreateOrder(context.Background(), &CreateOrderRequest{
		UserID:  "user-1",
		PlanID:  "plan-1",
		Gateway: "testpay",
	})
	require.True(t, errs.IsSecurity(err), "got %v", err)

	// The attempt is persisted with status blocked for audit.
	var stored *models.Transaction
	for _, txn := range f.txns.txns {
		stored = txn
	}
	require.NotNil(t, stored)
	assert.Equal(t, models.TransactionStatusBlocked, stored.Status)
	assert.Equal(t, 120, stored.RiskScore)
}

func TestCreateOrderHighRiskDeclinedAsFailed(t *testing.T) {
	f := newPaymentFixture()
	f.risk.assessment = &models.RiskAssessment{
		Score:   75,
		Level:   models.RiskLevelHigh,
		Blocked: true,
	}

	_, err := f.svc.CreateOrder(context.Background(), &CreateOrderRequest{
		UserID:  "user-1",
		PlanID:  "plan-1",
		Gateway: "testpay",
	})
	require.True(t, errs.IsSecurity(err), "got %v", err)

	var stored *models.Transaction
	for _, txn := range f.txns.txns {
		stored = txn
	}
	require.NotNil(t, stored)
	assert.Equal(t, models.TransactionStatusFailed, stored.Status,
		"blocked status is reserved for critical scores")
	assert.NotEmpty(t, stored.FailureReason)
}

func TestCreateOrderGatewayFailurePersistsFailed(t *testing.T) {
	f := newPaymentFixture()
	f.gw.orderErr = &errs.GatewayError{Gateway: "testpay", Code: "BAD_GATEWAY", Err: errors.New("upstream 502"), Retryable: true}

	_, err := f.svc.CreateOrder(context.Background(), &CreateOrderRequest{
		UserID:  "user-1",
		PlanID:  "plan-1",
		Gateway: "testpay",
	})
	require.Error(t, err)
	assert.True(t, errs.IsRetryable(err))

	var stored *models.Transaction
	for _, txn := range f.txns.txns {
		stored = txn
	}
	require.NotNil(t, stored)
	assert.Equal(t, models.TransactionStatusFailed, stored.Status)
}

func TestVerifyPaymentCreatesSubscription(t *testing.T) {
	f := newPaymentFixture()
	txn := f.createPendingOrder(t)

	resp, err := f.svc.VerifyPayment(context.Background(), &VerifyPaymentRequest{
		TransactionID:    txn.ID,
		GatewayPaymentID: "pay_1",
		Signature:        "sig",
	})
	require.NoError(t, err)

	assert.Equal(t, models.TransactionStatusCompleted, resp.Transaction.Status)
	assert.Equal(t, "pay_1", resp.Transaction.GatewayPaymentID)
	require.NotNil(t, resp.Subscription)
	assert.Equal(t, models.SubscriptionStatusActive, resp.Subscription.Status)
	assert.True(t, resp.Subscription.EndDate.Equal(paymentTestNow.AddDate(0, 1, 0)))
	assert.Equal(t, 1, f.finalizer.calls, "first purchase goes through the atomic unit")
}

func TestVerifyPaymentFailsClosed(t *testing.T) {
	f := newPaymentFixture()
	txn := f.createPendingOrder(t)
	f.gw.verifyErr = errs.Security("signature mismatch")

	_, err := f.svc.VerifyPayment(context.Background(), &VerifyPaymentRequest{
		TransactionID: txn.ID,
		Signature:     "bad",
	})
	require.True(t, errs.IsSecurity(err), "got %v", err)

	stored, _ := f.txns.GetByID(context.Background(), txn.ID)
	assert.Equal(t, models.TransactionStatusPending, stored.Status,
		"a failed verification must not move the transaction")
	assert.Equal(t, 0, f.finalizer.calls)
}

func TestVerifyPaymentAmountMismatch(t *testing.T) {
	f := newPaymentFixture()
	txn := f.createPendingOrder(t)
	f.gw.verifyResult = &gateway.VerifyResult{Verified: true, GatewayPaymentID: "pay_1", AmountPaid: 100}

	_, err := f.svc.VerifyPayment(context.Background(), &VerifyPaymentRequest{
		TransactionID: txn.ID,
		Signature:     "sig",
	})
	assert.True(t, errs.IsSecurity(err), "got %v", err)
	assert.Equal(t, 0, f.finalizer.calls)
}

func TestVerifyPaymentIdempotentRetry(t *testing.T) {
	f := newPaymentFixture()
	txn := f.createPendingOrder(t)
	ctx := context.Background()

	req := &VerifyPaymentRequest{TransactionID: txn.ID, GatewayPaymentID: "pay_1", Signature: "sig"}
	first, err := f.svc.VerifyPayment(ctx, req)
	require.NoError(t, err)

	callsAfterFirst := f.gw.verifyCalls
	second, err := f.svc.VerifyPayment(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, callsAfterFirst, f.gw.verifyCalls, "a completed transaction skips the provider round trip")
	assert.Equal(t, first.Transaction.ID, second.Transaction.ID)
	assert.Equal(t, first.Subscription.ID, second.Subscription.ID, "no second subscription is created")
	assert.Equal(t, 1, f.finalizer.calls)
}

func TestVerifyPaymentRenewalExtendsExisting(t *testing.T) {
	f := newPaymentFixture()
	ctx := context.Background()

	// An existing entitlement in grace: the payment is a renewal, not a
	// first purchase.
	sub := f.subSvc.Build(monthlyPlan(), "user-1")
	sub.Status = models.SubscriptionStatusGrace
	sub.FailedRenewalCount = 2
	require.NoError(t, f.subs.Create(ctx, sub))
	originalEnd := sub.EndDate

	txn := f.createPendingOrder(t)
	resp, err := f.svc.VerifyPayment(ctx, &VerifyPaymentRequest{
		TransactionID:    txn.ID,
		GatewayPaymentID: "pay_1",
		Signature:        "sig",
	})
	require.NoError(t, err)

	assert.Equal(t, models.TransactionStatusCompleted, resp.Transaction.Status)
	require.NotNil(t, resp.Subscription)
	assert.Equal(t, sub.ID, resp.Subscription.ID, "renewal reuses the existing subscription")
	assert.Equal(t, models.SubscriptionStatusActive, resp.Subscription.Status)
	assert.Equal(t, 0, resp.Subscription.FailedRenewalCount)
	assert.True(t, resp.Subscription.EndDate.Equal(originalEnd.AddDate(0, 1, 0)))
	assert.Equal(t, 0, f.finalizer.calls, "renewals do not create subscriptions")
}

func TestVerifyPaymentFinalizerFailureSurfaces(t *testing.T) {
	f := newPaymentFixture()
	txn := f.createPendingOrder(t)
	f.finalizer.err = errs.Database("finalize purchase", errors.New("connection reset"))

	_, err := f.svc.VerifyPayment(context.Background(), &VerifyPaymentRequest{
		TransactionID:    txn.ID,
		GatewayPaymentID: "pay_1",
		Signature:        "sig",
	})
	require.True(t, errs.IsDatabase(err), "got %v", err)

	stored, _ := f.txns.GetByID(context.Background(), txn.ID)
	assert.Equal(t, models.TransactionStatusPending, stored.Status,
		"the atomic unit rolled back; nothing half-applied")
}

func TestRefundPartialThenBudgetEnforced(t *testing.T) {
	f := newPaymentFixture()
	txn := f.createPendingOrder(t)
	ctx := context.Background()

	_, err := f.svc.VerifyPayment(ctx, &VerifyPaymentRequest{
		TransactionID:    txn.ID,
		GatewayPaymentID: "pay_1",
		Signature:        "sig",
	})
	require.NoError(t, err)

	refunded, err := f.svc.Refund(ctx, txn.ID, &RefundRequest{Amount: 80000, Reason: "partial"})
	require.NoError(t, err)
	assert.Equal(t, models.TransactionStatusCompleted, refunded.Status)
	assert.Equal(t, int64(80000), refunded.RefundedTotal())

	// Over the remaining balance: rejected, nothing recorded.
	_, err = f.svc.Refund(ctx, txn.ID, &RefundRequest{Amount: 150000})
	require.True(t, errs.IsValidation(err), "got %v", err)
	stored, _ := f.txns.GetByID(ctx, txn.ID)
	assert.Len(t, stored.Refunds, 1)

	// Zero amount refunds the remaining balance exactly.
	refunded, err = f.svc.Refund(ctx, txn.ID, &RefundRequest{})
	require.NoError(t, err)
	assert.Equal(t, models.TransactionStatusRefunded, refunded.Status)
	assert.Equal(t, refunded.Amount, refunded.RefundedTotal())
}

func TestRefundRequiresCompleted(t *testing.T) {
	f := newPaymentFixture()
	txn := f.createPendingOrder(t)

	_, err := f.svc.Refund(context.Background(), txn.ID, &RefundRequest{Amount: 100})
	assert.True(t, errs.IsConflict(err), "got %v", err)
}

func TestHandlePaymentCompletedIdempotent(t *testing.T) {
	f := newPaymentFixture()
	txn := f.createPendingOrder(t)
	ctx := context.Background()

	ev := &gateway.WebhookEvent{
		ID:          "evt_1",
		Action:      gateway.ActionPaymentCompleted,
		ReferenceID: txn.GatewayOrderID,
		Amount:      199900,
		OccurredAt:  paymentTestNow.Add(-time.Second),
	}
	require.NoError(t, f.svc.HandlePaymentCompleted(ctx, "testpay", ev))
	require.NoError(t, f.svc.HandlePaymentCompleted(ctx, "testpay", ev))

	assert.Equal(t, 1, f.finalizer.calls, "a duplicate completion must not double-apply")
	stored, _ := f.txns.GetByID(ctx, txn.ID)
	assert.Equal(t, models.TransactionStatusCompleted, stored.Status)
}

func TestHandlePaymentCompletedRevivesNewerThanFailure(t *testing.T) {
	f := newPaymentFixture()
	txn := f.createPendingOrder(t)
	ctx := context.Background()

	failedAt := paymentTestNow.Add(-time.Minute)
	require.NoError(t, f.svc.HandlePaymentFailed(ctx, "testpay", &gateway.WebhookEvent{
		ID:          "evt_f",
		Action:      gateway.ActionPaymentFailed,
		ReferenceID: txn.GatewayOrderID,
		Status:      "failed",
		OccurredAt:  failedAt,
	}))

	// An older completion is stale against the applied failure.
	require.NoError(t, f.svc.HandlePaymentCompleted(ctx, "testpay", &gateway.WebhookEvent{
		ID:          "evt_c1",
		Action:      gateway.ActionPaymentCompleted,
		ReferenceID: txn.GatewayOrderID,
		OccurredAt:  failedAt.Add(-time.Minute),
	}))
	stored, _ := f.txns.GetByID(ctx, txn.ID)
	assert.Equal(t, models.TransactionStatusFailed, stored.Status)
	assert.Equal(t, 0, f.finalizer.calls)

	// A newer completion wins: the provider's latest word.
	require.NoError(t, f.svc.HandlePaymentCompleted(ctx, "testpay", &gateway.WebhookEvent{
		ID:          "evt_c2",
		Action:      gateway.ActionPaymentCompleted,
		ReferenceID: txn.GatewayOrderID,
		OccurredAt:  failedAt.Add(time.Minute),
	}))
	stored, _ = f.txns.GetByID(ctx, txn.ID)
	assert.Equal(t, models.TransactionStatusCompleted, stored.Status)
	assert.Equal(t, 1, f.finalizer.calls)
}

func TestHandlePaymentFailedStaleBehindCompletion(t *testing.T) {
	f := newPaymentFixture()
	txn := f.createPendingOrder(t)
	ctx := context.Background()

	completedAt := paymentTestNow.Add(-time.Minute)
	require.NoError(t, f.svc.HandlePaymentCompleted(ctx, "testpay", &gateway.WebhookEvent{
		ID:          "evt_c",
		Action:      gateway.ActionPaymentCompleted,
		ReferenceID: txn.GatewayOrderID,
		OccurredAt:  completedAt,
	}))

	require.NoError(t, f.svc.HandlePaymentFailed(ctx, "testpay", &gateway.WebhookEvent{
		ID:          "evt_f",
		Action:      gateway.ActionPaymentFailed,
		ReferenceID: txn.GatewayOrderID,
		Status:      "failed",
		OccurredAt:  completedAt.Add(-time.Second),
	}))

	stored, _ := f.txns.GetByID(ctx, txn.ID)
	assert.Equal(t, models.TransactionStatusCompleted, stored.Status,
		"a stale failure never regresses an applied completion")
}

func TestHandlePaymentFailedRecordsRenewalFailure(t *testing.T) {
	f := newPaymentFixture()
	ctx := context.Background()

	sub := f.subSvc.Build(monthlyPlan(), "user-1")
	require.NoError(t, f.subs.Create(ctx, sub))

	txn := &models.Transaction{
		ID:             "txn-renewal",
		UserID:         "user-1",
		PlanID:         "plan-1",
		Gateway:        "testpay",
		GatewayOrderID: "order_r1",
		Amount:         199900,
		Status:         models.TransactionStatusPending,
		CreatedAt:      paymentTestNow,
	}
	require.NoError(t, f.txns.Create(ctx, txn))

	require.NoError(t, f.svc.HandlePaymentFailed(ctx, "testpay", &gateway.WebhookEvent{
		ID:          "evt_f",
		Action:      gateway.ActionPaymentFailed,
		ReferenceID: "order_r1",
		Status:      "card_declined",
		OccurredAt:  paymentTestNow,
	}))

	stored, _ := f.txns.GetByID(ctx, txn.ID)
	assert.Equal(t, models.TransactionStatusFailed, stored.Status)

	got, err := f.subs.GetByID(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionStatusGrace, got.Status,
		"a failed charge against an entitlement starts the grace path")
	assert.Equal(t, 1, got.FailedRenewalCount)
}

func TestHandleRefundProcessedDedupAndBudget(t *testing.T) {
	f := newPaymentFixture()
	txn := f.createPendingOrder(t)
	ctx := context.Background()

	_, err := f.svc.VerifyPayment(ctx, &VerifyPaymentRequest{
		TransactionID:    txn.ID,
		GatewayPaymentID: "pay_1",
		Signature:        "sig",
	})
	require.NoError(t, err)

	ev := &gateway.WebhookEvent{
		ID:          "rfnd_9",
		Action:      gateway.ActionRefundProcessed,
		ReferenceID: "pay_1",
		Amount:      50000,
		OccurredAt:  paymentTestNow,
	}
	require.NoError(t, f.svc.HandleRefundProcessed(ctx, "testpay", ev))
	require.NoError(t, f.svc.HandleRefundProcessed(ctx, "testpay", ev))

	stored, _ := f.txns.GetByID(ctx, txn.ID)
	assert.Len(t, stored.Refunds, 1, "replayed refund events dedup on the provider refund id")
	assert.Equal(t, int64(50000), stored.RefundedTotal())

	over := &gateway.WebhookEvent{
		ID:          "rfnd_10",
		Action:      gateway.ActionRefundProcessed,
		ReferenceID: "pay_1",
		Amount:      500000,
		OccurredAt:  paymentTestNow,
	}
	err = f.svc.HandleRefundProcessed(ctx, "testpay", over)
	assert.True(t, errs.IsValidation(err), "got %v", err)
}
