package models

import "time"

type SubscriptionStatus string

const (
	SubscriptionStatusTrial          SubscriptionStatus = "trial"
	SubscriptionStatusActive         SubscriptionStatus = "active"
	SubscriptionStatusGrace          SubscriptionStatus = "grace"
	SubscriptionStatusPaused         SubscriptionStatus = "paused"
	SubscriptionStatusPendingRenewal SubscriptionStatus = "pending_renewal"
	SubscriptionStatusCancelled      SubscriptionStatus = "cancelled"
	SubscriptionStatusExpired        SubscriptionStatus = "expired"
	SubscriptionStatusSuspended      SubscriptionStatus = "suspended"
)

// RenewalAttempt records one renewal charge attempt, success or failure.
type RenewalAttempt struct {
	Date    time.Time `json:"date"`
	Success bool      `json:"success"`
	Amount  int64     `json:"amount"`
	Method  string    `json:"method,omitempty"`
	Reason  string    `json:"reason,omitempty"`
}

// CourseEnrollment is one course membership under a subscription.
type CourseEnrollment struct {
	CourseID      string     `json:"course_id"`
	EnrolledDate  time.Time  `json:"enrolled_date"`
	Progress      int        `json:"progress"`
	CompletedDate *time.Time `json:"completed_date,omitempty"`
}

// Subscription is the entitlement record for one (user, plan). Created on
// first successful payment, never hard-deleted. EndDate is monotonically
// non-decreasing except on cancellation. Version guards optimistic updates.
type Subscription struct {
	ID                        string             `json:"id" db:"id"`
	UserID                    string             `json:"user_id" db:"user_id"`
	PlanID                    string             `json:"plan_id" db:"plan_id"`
	Status                    SubscriptionStatus `json:"status" db:"status"`
	StartDate                 time.Time          `json:"start_date" db:"start_date"`
	EndDate                   time.Time          `json:"end_date" db:"end_date"`
	NextBillingDate           *time.Time         `json:"next_billing_date,omitempty" db:"next_billing_date"`
	PauseStart                *time.Time         `json:"pause_start,omitempty" db:"pause_start"`
	PauseEnd                  *time.Time         `json:"pause_end,omitempty" db:"pause_end"`
	PausesRemaining           int                `json:"pauses_remaining" db:"pauses_remaining"`
	CancellationReason        string             `json:"cancellation_reason,omitempty" db:"cancellation_reason"`
	CancelledBy               string             `json:"cancelled_by,omitempty" db:"cancelled_by"`
	EffectiveCancellationDate *time.Time         `json:"effective_cancellation_date,omitempty" db:"effective_cancellation_date"`
	FailedRenewalCount        int                `json:"failed_renewal_count" db:"failed_renewal_count"`
	RenewalAttempts           []RenewalAttempt   `json:"renewal_attempts,omitempty"`
	NextRetryDate             *time.Time         `json:"next_retry_date,omitempty" db:"next_retry_date"`
	Courses                   []CourseEnrollment `json:"courses,omitempty"`
	Version                   int                `json:"version" db:"version"`
	CreatedAt                 time.Time          `json:"created_at" db:"created_at"`
	UpdatedAt                 time.Time          `json:"updated_at" db:"updated_at"`
}

// IsActiveOrTrial reports whether the subscription counts against the
// one-active-per-(user,plan) invariant.
func (s *Subscription) IsActiveOrTrial() bool {
	return s.Status == SubscriptionStatusActive || s.Status == SubscriptionStatusTrial
}

// HasAccess reports whether the subscription grants course access at t.
// Cancelled subscriptions keep access until the effective cancellation date.
func (s *Subscription) HasAccess(t time.Time) bool {
	switch s.Status {
	case SubscriptionStatusActive, SubscriptionStatusTrial, SubscriptionStatusGrace, SubscriptionStatusPaused:
		return !t.After(s.EndDate)
	case SubscriptionStatusCancelled:
		return s.EffectiveCancellationDate != nil && t.Before(*s.EffectiveCancellationDate)
	default:
		return false
	}
}

// SubscriptionHealth is derived read-only analytics, advisory only.
type SubscriptionHealth struct {
	SubscriptionID  string  `json:"subscription_id"`
	HealthScore     int     `json:"health_score"`
	RenewalRisk     string  `json:"renewal_risk"`
	CompletionRatio float64 `json:"completion_ratio"`
	FailedRenewals  int     `json:"failed_renewals"`
}

// Database schema
const SubscriptionSchema = `
CREATE TABLE IF NOT EXISTS subscriptions (
    id VARCHAR(36) PRIMARY KEY,
    user_id VARCHAR(36) NOT NULL,
    plan_id VARCHAR(36) NOT NULL,
    status VARCHAR(20) NOT NULL,
    start_date TIMESTAMP NOT NULL,
    end_date TIMESTAMP NOT NULL,
    next_billing_date TIMESTAMP,
    pause_start TIMESTAMP,
    pause_end TIMESTAMP,
    pauses_remaining INT NOT NULL DEFAULT 2,
    cancellation_reason TEXT,
    cancelled_by VARCHAR(36),
    effective_cancellation_date TIMESTAMP,
    failed_renewal_count INT NOT NULL DEFAULT 0,
    renewal_attempts JSONB NOT NULL DEFAULT '[]',
    next_retry_date TIMESTAMP,
    courses JSONB NOT NULL DEFAULT '[]',
    version INT NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMP NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_subscriptions_user_plan ON subscriptions (user_id, plan_id);
CREATE INDEX IF NOT EXISTS idx_subscriptions_status ON subscriptions (status, end_date);
`
