package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/ankushrana6395/aishield-india-app-V1-sub002/internal/errs"
	"github.com/ankushrana6395/aishield-india-app-V1-sub002/internal/models"
)

// PurchaseFinalizer is the one multi-step atomic unit in the system:
// transaction finalization, subscription creation and the plan
// active-subscriber increment commit or roll back together. Partial
// application (payment completed, no subscription) must never happen
// silently.
type PurchaseFinalizer struct {
	db *sql.DB
}

func NewPurchaseFinalizer(db *sql.DB) *PurchaseFinalizer {
	return &PurchaseFinalizer{db: db}
}

// FinalizeParams completes transaction TransactionID (expected pending) and
// creates Subscription in the same database transaction.
type FinalizeParams struct {
	TransactionID    string
	GatewayPaymentID string
	EventTime        time.Time
	CompletedAt      time.Time
	Subscription     *models.Subscription
}

func (f *PurchaseFinalizer) Finalize(ctx context.Context, p FinalizeParams) error {
	tx, err := f.db.BeginTx(ctx, nil)
	if err != nil {
		return errs.Database("begin finalize", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE transactions
		SET status = $1, gateway_payment_id = $2, event_time = $3, completed_at = $4
		WHERE id = $5 AND status = $6`,
		models.TransactionStatusCompleted, p.GatewayPaymentID, p.EventTime,
		p.CompletedAt, p.TransactionID, models.TransactionStatusPending)
	if err != nil {
		return errs.Database("complete transaction", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return errs.Database("complete transaction", err)
	}
	if affected == 0 {
		return errs.Conflict("transaction %s is not pending", p.TransactionID)
	}

	if err := createSubscription(ctx, tx, p.Subscription); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE plans SET active_subscribers = active_subscribers + 1 WHERE id = $1`,
		p.Subscription.PlanID)
	if err != nil {
		return errs.Database("increment plan subscribers", err)
	}

	if err := tx.Commit(); err != nil {
		return errs.Database("commit finalize", err)
	}
	return nil
}
