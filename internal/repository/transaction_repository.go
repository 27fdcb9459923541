package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"

	"github.com/ankushrana6395/aishield-india-app-V1-sub002/internal/errs"
	"github.com/ankushrana6395/aishield-india-app-V1-sub002/internal/models"
)

type TransactionRepository struct {
	db *sql.DB
}

func NewTransactionRepository(db *sql.DB) *TransactionRepository {
	return &TransactionRepository{db: db}
}

// TransactionUpdate carries the optional fields applied alongside a status
// transition. Zero values leave the stored column untouched.
type TransactionUpdate struct {
	GatewayPaymentID string
	FailureReason    string
	EventTime        time.Time
	CompletedAt      *time.Time
}

func (r *TransactionRepository) Create(ctx context.Context, txn *models.Transaction) error {
	query := `
		INSERT INTO transactions (
			id, user_id, plan_id, gateway, gateway_order_id, gateway_payment_id,
			amount, currency, status, risk_score, risk_factors, failure_reason,
			event_time, created_at, completed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`

	_, err := r.db.ExecContext(ctx, query,
		txn.ID,
		txn.UserID,
		txn.PlanID,
		txn.Gateway,
		txn.GatewayOrderID,
		txn.GatewayPaymentID,
		txn.Amount,
		txn.Currency,
		txn.Status,
		txn.RiskScore,
		pq.Array(txn.RiskFactors),
		txn.FailureReason,
		txn.EventTime,
		txn.CreatedAt,
		txn.CompletedAt,
	)
	if err != nil {
		return errs.Database("create transaction", err)
	}
	return nil
}

func (r *TransactionRepository) GetByID(ctx context.Context, id string) (*models.Transaction, error) {
	return r.getOne(ctx, `WHERE id = $1`, id)
}

func (r *TransactionRepository) GetByGatewayOrderID(ctx context.Context, gateway, orderID string) (*models.Transaction, error) {
	return r.getOne(ctx, `WHERE gateway = $1 AND gateway_order_id = $2`, gateway, orderID)
}

func (r *TransactionRepository) GetByGatewayPaymentID(ctx context.Context, gateway, paymentID string) (*models.Transaction, error) {
	return r.getOne(ctx, `WHERE gateway = $1 AND gateway_payment_id = $2`, gateway, paymentID)
}

func (r *TransactionRepository) getOne(ctx context.Context, where string, args ...interface{}) (*models.Transaction, error) {
	query := `
		SELECT id, user_id, plan_id, gateway, gateway_order_id, gateway_payment_id,
			   amount, currency, status, risk_score, risk_factors, failure_reason,
			   event_time, created_at, completed_at
		FROM transactions ` + where

	txn := &models.Transaction{}
	var eventTime, completedAt sql.NullTime
	var paymentID, failureReason sql.NullString
	err := r.db.QueryRowContext(ctx, query, args...).Scan(
		&txn.ID,
		&txn.UserID,
		&txn.PlanID,
		&txn.Gateway,
		&txn.GatewayOrderID,
		&paymentID,
		&txn.Amount,
		&txn.Currency,
		&txn.Status,
		&txn.RiskScore,
		pq.Array(&txn.RiskFactors),
		&failureReason,
		&eventTime,
		&txn.CreatedAt,
		&completedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Database("get transaction", err)
	}

	txn.GatewayPaymentID = paymentID.String
	txn.FailureReason = failureReason.String
	if eventTime.Valid {
		txn.EventTime = eventTime.Time
	}
	if completedAt.Valid {
		t := completedAt.Time
		txn.CompletedAt = &t
	}

	if err := r.loadRefunds(ctx, txn); err != nil {
		return nil, err
	}
	return txn, nil
}

func (r *TransactionRepository) loadRefunds(ctx context.Context, txn *models.Transaction) error {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, transaction_id, gateway_refund_id, amount, reason, created_at
		FROM refunds WHERE transaction_id = $1 ORDER BY created_at`, txn.ID)
	if err != nil {
		return errs.Database("load refunds", err)
	}
	defer rows.Close()

	for rows.Next() {
		var ref models.Refund
		var gatewayRefundID, reason sql.NullString
		if err := rows.Scan(&ref.ID, &ref.TransactionID, &gatewayRefundID, &ref.Amount, &reason, &ref.CreatedAt); err != nil {
			return errs.Database("scan refund", err)
		}
		ref.GatewayRefundID = gatewayRefundID.String
		ref.Reason = reason.String
		txn.Refunds = append(txn.Refunds, ref)
	}
	return rows.Err()
}

// UpdateStatus performs a compare-and-swap transition keyed on id plus the
// expected prior status, so racing webhook deliveries cannot double-apply.
// A lost race surfaces as ConflictError.
func (r *TransactionRepository) UpdateStatus(ctx context.Context, id string, from, to models.TransactionStatus, upd TransactionUpdate) error {
	query := `
		UPDATE transactions
		SET status = $1,
		    gateway_payment_id = COALESCE(NULLIF($2, ''), gateway_payment_id),
		    failure_reason = COALESCE(NULLIF($3, ''), failure_reason),
		    event_time = COALESCE($4, event_time),
		    completed_at = COALESCE($5, completed_at)
		WHERE id = $6 AND status = $7
	`

	var eventTime interface{}
	if !upd.EventTime.IsZero() {
		eventTime = upd.EventTime
	}

	res, err := r.db.ExecContext(ctx, query,
		to, upd.GatewayPaymentID, upd.FailureReason, eventTime, upd.CompletedAt, id, from)
	if err != nil {
		return errs.Database("update transaction status", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return errs.Database("update transaction status", err)
	}
	if affected == 0 {
		return errs.Conflict("transaction %s is not in status %s", id, from)
	}
	return nil
}

// AppendRefund records one refund row and flips the transaction to refunded
// when the budget is fully consumed.
func (r *TransactionRepository) AppendRefund(ctx context.Context, ref *models.Refund, fullyRefunded bool) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return errs.Database("begin refund", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO refunds (id, transaction_id, gateway_refund_id, amount, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		ref.ID, ref.TransactionID, ref.GatewayRefundID, ref.Amount, ref.Reason, ref.CreatedAt)
	if err != nil {
		return errs.Database("insert refund", err)
	}

	if fullyRefunded {
		_, err = tx.ExecContext(ctx, `
			UPDATE transactions SET status = $1 WHERE id = $2 AND status IN ($3, $1)`,
			models.TransactionStatusRefunded, ref.TransactionID, models.TransactionStatusCompleted)
		if err != nil {
			return errs.Database("mark transaction refunded", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return errs.Database("commit refund", err)
	}
	return nil
}

// Risk-history queries consumed by the risk engine.

func (r *TransactionRepository) CountByUserSince(ctx context.Context, userID string, since time.Time) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM transactions WHERE user_id = $1 AND created_at >= $2`,
		userID, since).Scan(&n)
	if err != nil {
		return 0, errs.Database("count transactions", err)
	}
	return n, nil
}

func (r *TransactionRepository) SumAmountByUserSince(ctx context.Context, userID string, since time.Time) (int64, error) {
	var sum sql.NullInt64
	err := r.db.QueryRowContext(ctx, `
		SELECT SUM(amount) FROM transactions WHERE user_id = $1 AND created_at >= $2`,
		userID, since).Scan(&sum)
	if err != nil {
		return 0, errs.Database("sum transaction amounts", err)
	}
	return sum.Int64, nil
}

func (r *TransactionRepository) CountIdenticalAmountSince(ctx context.Context, userID string, amount int64, since time.Time) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM transactions
		WHERE user_id = $1 AND amount = $2 AND created_at >= $3`,
		userID, amount, since).Scan(&n)
	if err != nil {
		return 0, errs.Database("count identical amounts", err)
	}
	return n, nil
}

// FailureRate returns failed/total over the window, and the total counted.
func (r *TransactionRepository) FailureRate(ctx context.Context, userID string, since time.Time) (float64, int, error) {
	var total, failed int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COUNT(*) FILTER (WHERE status = $3)
		FROM transactions WHERE user_id = $1 AND created_at >= $2`,
		userID, since, models.TransactionStatusFailed).Scan(&total, &failed)
	if err != nil {
		return 0, 0, errs.Database("failure rate", err)
	}
	if total == 0 {
		return 0, 0, nil
	}
	return float64(failed) / float64(total), total, nil
}

// AverageCompletedAmount is the trailing average of completed payments,
// used for sudden-increase detection.
func (r *TransactionRepository) AverageCompletedAmount(ctx context.Context, userID string, since time.Time) (float64, error) {
	var avg sql.NullFloat64
	err := r.db.QueryRowContext(ctx, `
		SELECT AVG(amount) FROM transactions
		WHERE user_id = $1 AND status = $2 AND created_at >= $3`,
		userID, models.TransactionStatusCompleted, since).Scan(&avg)
	if err != nil {
		return 0, errs.Database("average amount", err)
	}
	return avg.Float64, nil
}
