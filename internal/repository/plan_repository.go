package repository

import (
	"context"
	"database/sql"

	"github.com/lib/pq"

	"github.com/ankushrana6395/aishield-india-app-V1-sub002/internal/errs"
	"github.com/ankushrana6395/aishield-india-app-V1-sub002/internal/models"
)

type PlanRepository struct {
	db *sql.DB
}

func NewPlanRepository(db *sql.DB) *PlanRepository {
	return &PlanRepository{db: db}
}

func (r *PlanRepository) GetByID(ctx context.Context, id string) (*models.Plan, error) {
	query := `
		SELECT id, name, price, currency, billing_cycle, trial_days,
		       course_ids, active_subscribers, created_at
		FROM plans WHERE id = $1
	`

	plan := &models.Plan{}
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&plan.ID,
		&plan.Name,
		&plan.Price,
		&plan.Currency,
		&plan.BillingCycle,
		&plan.TrialDays,
		pq.Array(&plan.CourseIDs),
		&plan.ActiveSubscribers,
		&plan.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Database("get plan", err)
	}
	return plan, nil
}

type UserRepository struct {
	db *sql.DB
}

func NewUserRepository(db *sql.DB) *UserRepository {
	return &UserRepository{db: db}
}

func (r *UserRepository) GetByID(ctx context.Context, id string) (*models.User, error) {
	query := `SELECT id, email, country, created_at FROM users WHERE id = $1`

	user := &models.User{}
	var country sql.NullString
	err := r.db.QueryRowContext(ctx, query, id).Scan(&user.ID, &user.Email, &country, &user.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Database("get user", err)
	}
	user.Country = country.String
	return user, nil
}
