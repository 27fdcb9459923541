package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/ankushrana6395/aishield-india-app-V1-sub002/internal/errs"
	"github.com/ankushrana6395/aishield-india-app-V1-sub002/internal/models"
)

type SubscriptionRepository struct {
	db *sql.DB
}

func NewSubscriptionRepository(db *sql.DB) *SubscriptionRepository {
	return &SubscriptionRepository{db: db}
}

const subscriptionColumns = `
	id, user_id, plan_id, status, start_date, end_date, next_billing_date,
	pause_start, pause_end, pauses_remaining, cancellation_reason, cancelled_by,
	effective_cancellation_date, failed_renewal_count, renewal_attempts,
	next_retry_date, courses, version, created_at, updated_at`

func (r *SubscriptionRepository) Create(ctx context.Context, sub *models.Subscription) error {
	return createSubscription(ctx, r.db, sub)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func createSubscription(ctx context.Context, db execer, sub *models.Subscription) error {
	attempts, err := json.Marshal(sub.RenewalAttempts)
	if err != nil {
		return errs.Database("marshal renewal attempts", err)
	}
	courses, err := json.Marshal(sub.Courses)
	if err != nil {
		return errs.Database("marshal courses", err)
	}

	query := `
		INSERT INTO subscriptions (` + subscriptionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
	`

	_, err = db.ExecContext(ctx, query,
		sub.ID, sub.UserID, sub.PlanID, sub.Status, sub.StartDate, sub.EndDate,
		sub.NextBillingDate, sub.PauseStart, sub.PauseEnd, sub.PausesRemaining,
		sub.CancellationReason, sub.CancelledBy, sub.EffectiveCancellationDate,
		sub.FailedRenewalCount, attempts, sub.NextRetryDate, courses,
		sub.Version, sub.CreatedAt, sub.UpdatedAt,
	)
	if err != nil {
		return errs.Database("create subscription", err)
	}
	return nil
}

func (r *SubscriptionRepository) GetByID(ctx context.Context, id string) (*models.Subscription, error) {
	return r.getOne(ctx, `WHERE id = $1`, id)
}

// GetActiveOrTrialByUserPlan enforces the one-active-per-(user,plan) lookup.
func (r *SubscriptionRepository) GetActiveOrTrialByUserPlan(ctx context.Context, userID, planID string) (*models.Subscription, error) {
	return r.getOne(ctx,
		`WHERE user_id = $1 AND plan_id = $2 AND status IN ('active', 'trial') ORDER BY created_at DESC LIMIT 1`,
		userID, planID)
}

// GetLatestByUserPlan returns the most recent subscription regardless of
// status; renewal payments route through it.
func (r *SubscriptionRepository) GetLatestByUserPlan(ctx context.Context, userID, planID string) (*models.Subscription, error) {
	return r.getOne(ctx,
		`WHERE user_id = $1 AND plan_id = $2 ORDER BY created_at DESC LIMIT 1`,
		userID, planID)
}

func (r *SubscriptionRepository) CountActiveByUser(ctx context.Context, userID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM subscriptions
		WHERE user_id = $1 AND status IN ('active', 'trial', 'grace')`,
		userID).Scan(&n)
	if err != nil {
		return 0, errs.Database("count active subscriptions", err)
	}
	return n, nil
}

func (r *SubscriptionRepository) getOne(ctx context.Context, where string, args ...interface{}) (*models.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions ` + where

	sub := &models.Subscription{}
	var attempts, courses []byte
	var cancellationReason, cancelledBy sql.NullString
	err := r.db.QueryRowContext(ctx, query, args...).Scan(
		&sub.ID, &sub.UserID, &sub.PlanID, &sub.Status, &sub.StartDate, &sub.EndDate,
		&sub.NextBillingDate, &sub.PauseStart, &sub.PauseEnd, &sub.PausesRemaining,
		&cancellationReason, &cancelledBy, &sub.EffectiveCancellationDate,
		&sub.FailedRenewalCount, &attempts, &sub.NextRetryDate, &courses,
		&sub.Version, &sub.CreatedAt, &sub.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Database("get subscription", err)
	}

	sub.CancellationReason = cancellationReason.String
	sub.CancelledBy = cancelledBy.String
	if err := decodeSubscriptionJSON(sub, attempts, courses); err != nil {
		return nil, err
	}
	return sub, nil
}

// decodeSubscriptionJSON fills the JSONB-backed fields. A row that fails
// to decode is a corrupt record and must surface, never scan as empty.
func decodeSubscriptionJSON(sub *models.Subscription, attempts, courses []byte) error {
	if len(attempts) > 0 {
		if err := json.Unmarshal(attempts, &sub.RenewalAttempts); err != nil {
			return errs.Database("unmarshal renewal attempts", err)
		}
	}
	if len(courses) > 0 {
		if err := json.Unmarshal(courses, &sub.Courses); err != nil {
			return errs.Database("unmarshal courses", err)
		}
	}
	return nil
}

// Update writes the full record guarded by an optimistic version check and
// bumps the version. A stale version surfaces as ConflictError.
func (r *SubscriptionRepository) Update(ctx context.Context, sub *models.Subscription) error {
	attempts, err := json.Marshal(sub.RenewalAttempts)
	if err != nil {
		return errs.Database("marshal renewal attempts", err)
	}
	courses, err := json.Marshal(sub.Courses)
	if err != nil {
		return errs.Database("marshal courses", err)
	}

	query := `
		UPDATE subscriptions SET
			status = $1, start_date = $2, end_date = $3, next_billing_date = $4,
			pause_start = $5, pause_end = $6, pauses_remaining = $7,
			cancellation_reason = $8, cancelled_by = $9, effective_cancellation_date = $10,
			failed_renewal_count = $11, renewal_attempts = $12, next_retry_date = $13,
			courses = $14, version = version + 1, updated_at = $15
		WHERE id = $16 AND version = $17
	`

	res, err := r.db.ExecContext(ctx, query,
		sub.Status, sub.StartDate, sub.EndDate, sub.NextBillingDate,
		sub.PauseStart, sub.PauseEnd, sub.PausesRemaining,
		sub.CancellationReason, sub.CancelledBy, sub.EffectiveCancellationDate,
		sub.FailedRenewalCount, attempts, sub.NextRetryDate,
		courses, sub.UpdatedAt, sub.ID, sub.Version,
	)
	if err != nil {
		return errs.Database("update subscription", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return errs.Database("update subscription", err)
	}
	if affected == 0 {
		return errs.Conflict("subscription %s was modified concurrently", sub.ID)
	}
	sub.Version++
	return nil
}

// ListExpired returns non-lifetime entitlements whose access window has
// passed, for the expiry sweep.
func (r *SubscriptionRepository) ListExpired(ctx context.Context, asOf time.Time, limit int) ([]*models.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + `
		FROM subscriptions
		WHERE status IN ('active', 'trial', 'grace') AND end_date < $1
		ORDER BY end_date
		LIMIT $2`

	rows, err := r.db.QueryContext(ctx, query, asOf, limit)
	if err != nil {
		return nil, errs.Database("list expired subscriptions", err)
	}
	defer rows.Close()

	var subs []*models.Subscription
	for rows.Next() {
		sub := &models.Subscription{}
		var attempts, courses []byte
		var cancellationReason, cancelledBy sql.NullString
		if err := rows.Scan(
			&sub.ID, &sub.UserID, &sub.PlanID, &sub.Status, &sub.StartDate, &sub.EndDate,
			&sub.NextBillingDate, &sub.PauseStart, &sub.PauseEnd, &sub.PausesRemaining,
			&cancellationReason, &cancelledBy, &sub.EffectiveCancellationDate,
			&sub.FailedRenewalCount, &attempts, &sub.NextRetryDate, &courses,
			&sub.Version, &sub.CreatedAt, &sub.UpdatedAt,
		); err != nil {
			return nil, errs.Database("scan subscription", err)
		}
		sub.CancellationReason = cancellationReason.String
		sub.CancelledBy = cancelledBy.String
		if err := decodeSubscriptionJSON(sub, attempts, courses); err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}
