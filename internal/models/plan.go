package models

import "time"

type BillingCycle string

const (
	BillingCycleMonthly   BillingCycle = "monthly"
	BillingCycleQuarterly BillingCycle = "quarterly"
	BillingCycleYearly    BillingCycle = "yearly"
	BillingCycleLifetime  BillingCycle = "lifetime"
)

// Plan is the read-only course-bundle catalog entry. Price is in integer
// minor units of Currency.
type Plan struct {
	ID                string       `json:"id" db:"id"`
	Name              string       `json:"name" db:"name"`
	Price             int64        `json:"price" db:"price"`
	Currency          string       `json:"currency" db:"currency"`
	BillingCycle      BillingCycle `json:"billing_cycle" db:"billing_cycle"`
	TrialDays         int          `json:"trial_days" db:"trial_days"`
	CourseIDs         []string     `json:"course_ids"`
	ActiveSubscribers int          `json:"active_subscribers" db:"active_subscribers"`
	CreatedAt         time.Time    `json:"created_at" db:"created_at"`
}

// NextPeriod returns start advanced by one billing-cycle unit. Lifetime
// plans are unaffected by renewal math.
func (c BillingCycle) NextPeriod(start time.Time) time.Time {
	switch c {
	case BillingCycleMonthly:
		return start.AddDate(0, 1, 0)
	case BillingCycleQuarterly:
		return start.AddDate(0, 3, 0)
	case BillingCycleYearly:
		return start.AddDate(1, 0, 0)
	default:
		return start
	}
}

// User is the consumed collaborator record; account age feeds risk scoring.
type User struct {
	ID        string    `json:"id" db:"id"`
	Email     string    `json:"email" db:"email"`
	Country   string    `json:"country,omitempty" db:"country"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Database schema
const PlanSchema = `
CREATE TABLE IF NOT EXISTS plans (
    id VARCHAR(36) PRIMARY KEY,
    name VARCHAR(255) NOT NULL,
    price BIGINT NOT NULL,
    currency VARCHAR(3) NOT NULL,
    billing_cycle VARCHAR(20) NOT NULL,
    trial_days INT NOT NULL DEFAULT 0,
    course_ids TEXT[],
    active_subscribers INT NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS users (
    id VARCHAR(36) PRIMARY KEY,
    email VARCHAR(255) NOT NULL,
    country VARCHAR(2),
    created_at TIMESTAMP NOT NULL DEFAULT NOW()
);
`
