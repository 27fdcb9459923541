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
)

// stubGateway satisfies gateway.Gateway with canned responses.
type stubGateway struct {
	name         string
	order        *gateway.Order
	orderErr     error
	verifyResult *gateway.VerifyResult
	verifyErr    error
	refundResult *gateway.RefundResult
	refundErr    error
	sigErr       error
	event        *gateway.WebhookEvent
	eventErr     error
	verifyCalls  int
}

func (g *stubGateway) Name() string { return g.name }

func (g *stubGateway) CreateOrder(_ context.Context, _ gateway.CreateOrderRequest) (*gateway.Order, error) {
	if g.orderErr != nil {
		return nil, g.orderErr
	}
	return g.order, nil
}

func (g *stubGateway) VerifyPayment(_ context.Context, _ gateway.VerifyRequest) (*gateway.VerifyResult, error) {
	g.verifyCalls++
	if g.verifyErr != nil {
		return nil, g.verifyErr
	}
	return g.verifyResult, nil
}

func (g *stubGateway) Refund(_ context.Context, _ gateway.RefundRequest) (*gateway.RefundResult, error) {
	if g.refundErr != nil {
		return nil, g.refundErr
	}
	return g.refundResult, nil
}

func (g *stubGateway) VerifyWebhookSignature(_ []byte, _ map[string]string) error {
	return g.sigErr
}

func (g *stubGateway) InterpretWebhookEvent(_ []byte, _ map[string]string) (*gateway.WebhookEvent, error) {
	if g.eventErr != nil {
		return nil, g.eventErr
	}
	ev := *g.event
	return &ev, nil
}

// memReceiptStore is a map-backed ReceiptStore with the same CAS semantics
// as the durable one.
type memReceiptStore struct {
	receipts  map[string]*models.WebhookReceipt
	createErr error
}

func newMemReceiptStore() *memReceiptStore {
	return &memReceiptStore{receipts: make(map[string]*models.WebhookReceipt)}
}

func (s *memReceiptStore) Create(_ context.Context, receipt *models.WebhookReceipt) error {
	if s.createErr != nil {
		return s.createErr
	}
	c := *receipt
	s.receipts[receipt.ID] = &c
	return nil
}

func (s *memReceiptStore) FindProcessed(_ context.Context, gw, webhookID string, since time.Time) (*models.WebhookReceipt, error) {
	for _, r := range s.receipts {
		if r.Gateway == gw && r.WebhookID == webhookID && r.Processed && r.ReceivedAt.After(since) {
			c := *r
			return &c, nil
		}
	}
	return nil, nil
}

func (s *memReceiptStore) ListRetryable(_ context.Context, maxRetries, limit int) ([]*models.WebhookReceipt, error) {
	var out []*models.WebhookReceipt
	for _, r := range s.receipts {
		if !r.Processed && r.Verified && r.RetryCount < maxRetries {
			c := *r
			out = append(out, &c)
		}
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *memReceiptStore) MarkProcessed(_ context.Context, id string, at time.Time) error {
	r, ok := s.receipts[id]
	if !ok {
		return errs.NotFound("webhook receipt", id)
	}
	r.Processed = true
	r.LastAttemptAt = at
	return nil
}

func (s *memReceiptStore) IncrementRetry(_ context.Context, id string, expected int, lastError string, at time.Time) error {
	r, ok := s.receipts[id]
	if !ok {
		return errs.NotFound("webhook receipt", id)
	}
	if r.RetryCount != expected {
		return errs.Conflict("webhook receipt %s retry count moved", id)
	}
	r.RetryCount++
	r.LastError = lastError
	r.LastAttemptAt = at
	return nil
}

func (s *memReceiptStore) only(t *testing.T) *models.WebhookReceipt {
	t.Helper()
	require.Len(t, s.receipts, 1)
	for _, r := range s.receipts {
		return r
	}
	return nil
}

type fakeEventHandler struct {
	completed int
	failed    int
	refunded  int
	err       error
}

func (h *fakeEventHandler) HandlePaymentCompleted(_ context.Context, _ string, _ *gateway.WebhookEvent) error {
	h.completed++
	return h.err
}

func (h *fakeEventHandler) HandlePaymentFailed(_ context.Context, _ string, _ *gateway.WebhookEvent) error {
	h.failed++
	return h.err
}

func (h *fakeEventHandler) HandleRefundProcessed(_ context.Context, _ string, _ *gateway.WebhookEvent) error {
	h.refunded++
	return h.err
}

var webhookTestNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func completedEvent() *gateway.WebhookEvent {
	return &gateway.WebhookEvent{
		ID:          "evt_1",
		Action:      gateway.ActionPaymentCompleted,
		ReferenceID: "order_1",
		Amount:      199900,
		Currency:    "INR",
		Status:      "captured",
		OccurredAt:  webhookTestNow.Add(-time.Second),
	}
}

func newIngestorFixture(gw *stubGateway, handler *fakeEventHandler) (*WebhookIngestor, *memReceiptStore) {
	receipts := newMemReceiptStore()
	ingestor := NewWebhookIngestor(gateway.NewRegistry(gw), receipts, handler, zap.NewNop(),
		func() time.Time { return webhookTestNow })
	return ingestor, receipts
}

func TestProcessWebhookSuccess(t *testing.T) {
	gw := &stubGateway{name: "testpay", event: completedEvent()}
	handler := &fakeEventHandler{}
	ingestor, receipts := newIngestorFixture(gw, handler)

	outcome, err := ingestor.ProcessWebhook(context.Background(), "testpay", nil, []byte(`{}`), "198.51.100.1")
	require.NoError(t, err)

	assert.True(t, outcome.Processed)
	assert.Equal(t, gateway.ActionPaymentCompleted, outcome.Action)
	assert.Equal(t, 1, handler.completed)

	receipt := receipts.only(t)
	assert.True(t, receipt.Verified)
	assert.True(t, receipt.Processed)
	assert.Equal(t, "evt_1", receipt.WebhookID)
}

func TestProcessWebhookReplaysAreDuplicates(t *testing.T) {
	gw := &stubGateway{name: "testpay", event: completedEvent()}
	handler := &fakeEventHandler{}
	ingestor, _ := newIngestorFixture(gw, handler)
	ctx := context.Background()

	duplicates := 0
	for i := 0; i < 5; i++ {
		outcome, err := ingestor.ProcessWebhook(ctx, "testpay", nil, []byte(`{}`), "198.51.100.1")
		require.NoError(t, err)
		if outcome.Duplicate {
			duplicates++
		}
	}

	assert.Equal(t, 1, handler.completed, "five replays must drive exactly one transition")
	assert.Equal(t, 4, duplicates)
}

func TestProcessWebhookDurableDedup(t *testing.T) {
	// The dedup must survive a restart: a processed receipt inside the
	// window blocks a replay even with a cold cache.
	gw := &stubGateway{name: "testpay", event: completedEvent()}
	handler := &fakeEventHandler{}
	ingestor1, receipts := newIngestorFixture(gw, handler)
	ctx := context.Background()

	_, err := ingestor1.ProcessWebhook(ctx, "testpay", nil, []byte(`{}`), "198.51.100.1")
	require.NoError(t, err)

	ingestor2 := NewWebhookIngestor(gateway.NewRegistry(gw), receipts, handler, zap.NewNop(),
		func() time.Time { return webhookTestNow })
	outcome, err := ingestor2.ProcessWebhook(ctx, "testpay", nil, []byte(`{}`), "198.51.100.1")
	require.NoError(t, err)

	assert.True(t, outcome.Duplicate)
	assert.Equal(t, 1, handler.completed)
}

func TestProcessWebhookInvalidSignature(t *testing.T) {
	gw := &stubGateway{
		name:   "testpay",
		event:  completedEvent(),
		sigErr: errs.Security("webhook signature mismatch"),
	}
	handler := &fakeEventHandler{}
	ingestor, receipts := newIngestorFixture(gw, handler)

	_, err := ingestor.ProcessWebhook(context.Background(), "testpay", nil, []byte(`{}`), "198.51.100.1")
	require.True(t, errs.IsSecurity(err), "got %v", err)

	assert.Equal(t, 0, handler.completed, "unverified webhooks must not mutate state")

	receipt := receipts.only(t)
	assert.False(t, receipt.Verified)
	assert.False(t, receipt.Processed)
	assert.NotEmpty(t, receipt.LastError)
}

func TestProcessWebhookIgnoredAction(t *testing.T) {
	ev := completedEvent()
	ev.Action = gateway.ActionIgnored
	gw := &stubGateway{name: "testpay", event: ev}
	handler := &fakeEventHandler{}
	ingestor, receipts := newIngestorFixture(gw, handler)

	outcome, err := ingestor.ProcessWebhook(context.Background(), "testpay", nil, []byte(`{}`), "198.51.100.1")
	require.NoError(t, err)

	assert.False(t, outcome.Processed)
	assert.Equal(t, 0, handler.completed+handler.failed+handler.refunded)

	receipt := receipts.only(t)
	assert.True(t, receipt.Processed, "ignored events are acknowledged, not retried")
}

func TestProcessWebhookRateLimit(t *testing.T) {
	gw := &stubGateway{name: "testpay", event: completedEvent()}
	ingestor, _ := newIngestorFixture(gw, &fakeEventHandler{})
	ctx := context.Background()

	for i := 0; i < DefaultWebhookRateLimit; i++ {
		_, err := ingestor.ProcessWebhook(ctx, "testpay", nil, []byte(`{}`), "198.51.100.1")
		require.NoError(t, err)
	}

	_, err := ingestor.ProcessWebhook(ctx, "testpay", nil, []byte(`{}`), "198.51.100.1")
	assert.True(t, errs.IsRateLimit(err), "got %v", err)

	// Other sources are unaffected.
	_, err = ingestor.ProcessWebhook(ctx, "testpay", nil, []byte(`{}`), "198.51.100.2")
	assert.NoError(t, err)
}

func TestProcessWebhookDispatchFailureKeepsReceipt(t *testing.T) {
	gw := &stubGateway{name: "testpay", event: completedEvent()}
	handler := &fakeEventHandler{err: errors.New("transaction not found")}
	ingestor, receipts := newIngestorFixture(gw, handler)

	_, err := ingestor.ProcessWebhook(context.Background(), "testpay", nil, []byte(`{}`), "198.51.100.1")
	require.Error(t, err)

	receipt := receipts.only(t)
	assert.True(t, receipt.Verified)
	assert.False(t, receipt.Processed, "failed dispatch stays queued for the sweep")
	assert.Equal(t, "transaction not found", receipt.LastError)
}

func TestProcessFailedWebhooksRetries(t *testing.T) {
	gw := &stubGateway{name: "testpay", event: completedEvent()}
	handler := &fakeEventHandler{}
	ingestor, receipts := newIngestorFixture(gw, handler)

	require.NoError(t, receipts.Create(context.Background(), &models.WebhookReceipt{
		ID:            "receipt-1",
		Gateway:       "testpay",
		WebhookID:     "evt_1",
		EventType:     gateway.ActionPaymentCompleted,
		RawPayload:    []byte(`{}`),
		Verified:      true,
		ReceivedAt:    webhookTestNow.Add(-3 * time.Minute),
		LastAttemptAt: webhookTestNow.Add(-3 * time.Minute),
	}))

	retried, succeeded, err := ingestor.ProcessFailedWebhooks(context.Background(), 5)
	require.NoError(t, err)

	assert.Equal(t, 1, retried)
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, handler.completed)
	assert.True(t, receipts.receipts["receipt-1"].Processed)
}

func TestProcessFailedWebhooksRespectsBackoff(t *testing.T) {
	gw := &stubGateway{name: "testpay", event: completedEvent()}
	handler := &fakeEventHandler{}
	ingestor, receipts := newIngestorFixture(gw, handler)

	// Two failures so far: eligible again only 4 minutes after the last
	// attempt, which has not elapsed yet.
	require.NoError(t, receipts.Create(context.Background(), &models.WebhookReceipt{
		ID:            "receipt-1",
		Gateway:       "testpay",
		WebhookID:     "evt_1",
		RawPayload:    []byte(`{}`),
		Verified:      true,
		RetryCount:    2,
		LastAttemptAt: webhookTestNow.Add(-3 * time.Minute),
	}))

	retried, _, err := ingestor.ProcessFailedWebhooks(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, 0, retried, "backoff window has not elapsed")
	assert.Equal(t, 0, handler.completed)
}

func TestProcessFailedWebhooksIncrementsRetryCount(t *testing.T) {
	gw := &stubGateway{name: "testpay", event: completedEvent()}
	handler := &fakeEventHandler{err: errors.New("still failing")}
	ingestor, receipts := newIngestorFixture(gw, handler)

	require.NoError(t, receipts.Create(context.Background(), &models.WebhookReceipt{
		ID:            "receipt-1",
		Gateway:       "testpay",
		WebhookID:     "evt_1",
		RawPayload:    []byte(`{}`),
		Verified:      true,
		LastAttemptAt: webhookTestNow.Add(-2 * time.Minute),
	}))

	retried, succeeded, err := ingestor.ProcessFailedWebhooks(context.Background(), 5)
	require.NoError(t, err)

	assert.Equal(t, 1, retried)
	assert.Equal(t, 0, succeeded)
	stored := receipts.receipts["receipt-1"]
	assert.Equal(t, 1, stored.RetryCount)
	assert.False(t, stored.Processed)
	assert.Equal(t, "still failing", stored.LastError)
}

func TestNextEligibleAt(t *testing.T) {
	base := webhookTestNow

	tests := []struct {
		retryCount int
		want       time.Duration
	}{
		{0, 1 * time.Minute},
		{1, 2 * time.Minute},
		{2, 4 * time.Minute},
		{5, 32 * time.Minute},
		{10, time.Hour}, // capped
	}

	for _, tt := range tests {
		got := nextEligibleAt(&models.WebhookReceipt{RetryCount: tt.retryCount, LastAttemptAt: base})
		if !got.Equal(base.Add(tt.want)) {
			t.Errorf("retryCount=%d: eligible at %v, want %v after last attempt", tt.retryCount, got, tt.want)
		}
	}
}
