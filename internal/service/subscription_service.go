package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ankushrana6395/aishield-india-app-V1-sub002/internal/errs"
	"github.com/ankushrana6395/aishield-india-app-V1-sub002/internal/metrics"
	"github.com/ankushrana6395/aishield-india-app-V1-sub002/internal/models"
)

const (
	// DefaultMaxRenewalAttempts is how many failed renewals are tolerated
	// before a grace subscription is suspended.
	DefaultMaxRenewalAttempts = 3
	// DefaultPauseBudget is how many pauses a subscription gets over its
	// lifetime.
	DefaultPauseBudget = 2

	lifetimeYears = 100
)

// SubscriptionStore is the persistence surface the lifecycle manager needs.
type SubscriptionStore interface {
	Create(ctx context.Context, sub *models.Subscription) error
	GetByID(ctx context.Context, id string) (*models.Subscription, error)
	GetActiveOrTrialByUserPlan(ctx context.Context, userID, planID string) (*models.Subscription, error)
	GetLatestByUserPlan(ctx context.Context, userID, planID string) (*models.Subscription, error)
	Update(ctx context.Context, sub *models.Subscription) error
	ListExpired(ctx context.Context, asOf time.Time, limit int) ([]*models.Subscription, error)
}

// PlanStore looks up the external plan catalog.
type PlanStore interface {
	GetByID(ctx context.Context, id string) (*models.Plan, error)
}

// SubscriptionService owns the entitlement state machine: billing-cycle
// math, pause/resume, cancellation dating and the renewal retry path.
type SubscriptionService struct {
	store              SubscriptionStore
	plans              PlanStore
	maxRenewalAttempts int
	logger             *zap.Logger
	now                func() time.Time
}

func NewSubscriptionService(store SubscriptionStore, plans PlanStore, logger *zap.Logger, now func() time.Time) *SubscriptionService {
	if now == nil {
		now = time.Now
	}
	return &SubscriptionService{
		store:              store,
		plans:              plans,
		maxRenewalAttempts: DefaultMaxRenewalAttempts,
		logger:             logger,
		now:                now,
	}
}

// Build constructs the subscription record for a first verified payment.
// Plans with trial days start in trial; lifetime plans get a far-future
// end date that renewal math never touches.
func (s *SubscriptionService) Build(plan *models.Plan, userID string) *models.Subscription {
	now := s.now()
	sub := &models.Subscription{
		ID:              uuid.New().String(),
		UserID:          userID,
		PlanID:          plan.ID,
		Status:          models.SubscriptionStatusActive,
		StartDate:       now,
		PausesRemaining: DefaultPauseBudget,
		Version:         1,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	for _, courseID := range plan.CourseIDs {
		sub.Courses = append(sub.Courses, models.CourseEnrollment{
			CourseID:     courseID,
			EnrolledDate: now,
		})
	}

	switch {
	case plan.TrialDays > 0:
		sub.Status = models.SubscriptionStatusTrial
		sub.EndDate = now.AddDate(0, 0, plan.TrialDays)
		next := sub.EndDate
		sub.NextBillingDate = &next
	case plan.BillingCycle == models.BillingCycleLifetime:
		sub.EndDate = now.AddDate(lifetimeYears, 0, 0)
	default:
		sub.EndDate = plan.BillingCycle.NextPeriod(now)
		next := sub.EndDate
		sub.NextBillingDate = &next
	}

	return sub
}

// Get returns the subscription snapshot.
func (s *SubscriptionService) Get(ctx context.Context, id string) (*models.Subscription, error) {
	sub, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, errs.NotFound("subscription", id)
	}
	return sub, nil
}

// Pause extends the entitlement by the paused duration; pausing never costs
// access time. The pause budget is checked here and consumed on resume.
func (s *SubscriptionService) Pause(ctx context.Context, id string, days int) (*models.Subscription, error) {
	if days <= 0 {
		return nil, errs.Validation("pause duration must be positive, got %d", days)
	}

	sub, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sub.Status != models.SubscriptionStatusActive {
		return nil, errs.Conflict("subscription %s cannot be paused from status %s", id, sub.Status)
	}
	if sub.PausesRemaining <= 0 {
		return nil, errs.Conflict("subscription %s has no pauses remaining", id)
	}

	now := s.now()
	pauseEnd := now.AddDate(0, 0, days)
	sub.Status = models.SubscriptionStatusPaused
	sub.PauseStart = &now
	sub.PauseEnd = &pauseEnd
	sub.EndDate = sub.EndDate.AddDate(0, 0, days)
	if sub.NextBillingDate != nil {
		next := sub.NextBillingDate.AddDate(0, 0, days)
		sub.NextBillingDate = &next
	}
	sub.UpdatedAt = now

	if err := s.store.Update(ctx, sub); err != nil {
		return nil, err
	}
	metrics.SubscriptionTransitionsTotal.WithLabelValues(string(sub.Status)).Inc()
	s.logger.Info("subscription paused",
		zap.String("subscription_id", id),
		zap.Int("days", days),
		zap.Time("end_date", sub.EndDate))
	return sub, nil
}

// Resume clears the pause window and consumes one unit of the pause budget.
func (s *SubscriptionService) Resume(ctx context.Context, id string) (*models.Subscription, error) {
	sub, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sub.Status != models.SubscriptionStatusPaused {
		return nil, errs.Conflict("subscription %s is not paused", id)
	}
	if sub.PausesRemaining <= 0 {
		return nil, errs.Conflict("subscription %s pause budget exhausted", id)
	}

	sub.Status = models.SubscriptionStatusActive
	sub.PauseStart = nil
	sub.PauseEnd = nil
	sub.PausesRemaining--
	sub.UpdatedAt = s.now()

	if err := s.store.Update(ctx, sub); err != nil {
		return nil, err
	}
	metrics.SubscriptionTransitionsTotal.WithLabelValues(string(sub.Status)).Inc()
	s.logger.Info("subscription resumed",
		zap.String("subscription_id", id),
		zap.Int("pauses_remaining", sub.PausesRemaining))
	return sub, nil
}

// Cancel always succeeds as a write; access persists until the effective
// cancellation date, by default the end of the current billing period.
func (s *SubscriptionService) Cancel(ctx context.Context, id, reason, actor string, immediate bool) (*models.Subscription, error) {
	sub, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	switch sub.Status {
	case models.SubscriptionStatusCancelled, models.SubscriptionStatusExpired:
		return nil, errs.Conflict("subscription %s is already %s", id, sub.Status)
	}

	now := s.now()
	effective := sub.EndDate
	if immediate || effective.Before(now) {
		effective = now
	}

	sub.Status = models.SubscriptionStatusCancelled
	sub.CancellationReason = reason
	sub.CancelledBy = actor
	sub.EffectiveCancellationDate = &effective
	sub.NextBillingDate = nil
	sub.NextRetryDate = nil
	sub.UpdatedAt = now

	if err := s.store.Update(ctx, sub); err != nil {
		return nil, err
	}
	metrics.SubscriptionTransitionsTotal.WithLabelValues(string(sub.Status)).Inc()
	s.logger.Info("subscription cancelled",
		zap.String("subscription_id", id),
		zap.String("actor", actor),
		zap.Bool("immediate", immediate),
		zap.Time("effective", effective))
	return sub, nil
}

// RecordPaymentFailure moves a subscription into grace with exponential
// renewal backoff, or suspends it once the retry budget is exhausted.
func (s *SubscriptionService) RecordPaymentFailure(ctx context.Context, id, reason string, amount int64) (*models.Subscription, error) {
	sub, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	switch sub.Status {
	case models.SubscriptionStatusActive, models.SubscriptionStatusGrace, models.SubscriptionStatusPendingRenewal:
	default:
		return nil, errs.Conflict("subscription %s cannot record a renewal failure from status %s", id, sub.Status)
	}

	now := s.now()
	sub.FailedRenewalCount++
	sub.RenewalAttempts = append(sub.RenewalAttempts, models.RenewalAttempt{
		Date:    now,
		Success: false,
		Amount:  amount,
		Reason:  reason,
	})

	if sub.FailedRenewalCount >= s.maxRenewalAttempts {
		sub.Status = models.SubscriptionStatusSuspended
		sub.NextRetryDate = nil
	} else {
		sub.Status = models.SubscriptionStatusGrace
		retry := now.AddDate(0, 0, 1<<sub.FailedRenewalCount)
		sub.NextRetryDate = &retry
	}
	sub.UpdatedAt = now

	if err := s.store.Update(ctx, sub); err != nil {
		return nil, err
	}
	metrics.SubscriptionTransitionsTotal.WithLabelValues(string(sub.Status)).Inc()
	s.logger.Warn("renewal payment failed",
		zap.String("subscription_id", id),
		zap.Int("failed_count", sub.FailedRenewalCount),
		zap.String("status", string(sub.Status)))
	return sub, nil
}

// ProcessSuccessfulPayment applies a verified renewal: counters reset, the
// entitlement extends by one billing-cycle unit and status returns to
// active. Lifetime plans are unaffected by the date math.
func (s *SubscriptionService) ProcessSuccessfulPayment(ctx context.Context, id string, amount int64, method string) (*models.Subscription, error) {
	sub, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	switch sub.Status {
	case models.SubscriptionStatusCancelled, models.SubscriptionStatusExpired:
		return nil, errs.Conflict("subscription %s cannot renew from status %s", id, sub.Status)
	}

	plan, err := s.plans.GetByID(ctx, sub.PlanID)
	if err != nil {
		return nil, err
	}
	if plan == nil {
		return nil, errs.NotFound("plan", sub.PlanID)
	}

	now := s.now()
	sub.FailedRenewalCount = 0
	sub.NextRetryDate = nil
	sub.RenewalAttempts = append(sub.RenewalAttempts, models.RenewalAttempt{
		Date:    now,
		Success: true,
		Amount:  amount,
		Method:  method,
	})

	if plan.BillingCycle != models.BillingCycleLifetime {
		base := sub.EndDate
		if base.Before(now) {
			// A long-suspended subscription renews forward from now, not
			// from a period that already lapsed.
			base = now
		}
		sub.EndDate = plan.BillingCycle.NextPeriod(base)
		next := sub.EndDate
		sub.NextBillingDate = &next
	}
	sub.Status = models.SubscriptionStatusActive
	sub.UpdatedAt = now

	if err := s.store.Update(ctx, sub); err != nil {
		return nil, err
	}
	metrics.SubscriptionTransitionsTotal.WithLabelValues(string(sub.Status)).Inc()
	s.logger.Info("renewal payment applied",
		zap.String("subscription_id", id),
		zap.Time("end_date", sub.EndDate))
	return sub, nil
}

// EnrollInCourse is idempotent: re-enrolling an already-listed course is a
// no-op returning the current snapshot.
func (s *SubscriptionService) EnrollInCourse(ctx context.Context, id, courseID string) (*models.Subscription, error) {
	if courseID == "" {
		return nil, errs.Validation("course id is required")
	}

	sub, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	for _, c := range sub.Courses {
		if c.CourseID == courseID {
			return sub, nil
		}
	}

	now := s.now()
	sub.Courses = append(sub.Courses, models.CourseEnrollment{
		CourseID:     courseID,
		EnrolledDate: now,
	})
	sub.UpdatedAt = now

	if err := s.store.Update(ctx, sub); err != nil {
		return nil, err
	}
	return sub, nil
}

// RecordCourseProgress updates progress for one enrolled course, marking a
// completion date at 100.
func (s *SubscriptionService) RecordCourseProgress(ctx context.Context, id, courseID string, progress int) (*models.Subscription, error) {
	if progress < 0 || progress > 100 {
		return nil, errs.Validation("progress must be within [0,100], got %d", progress)
	}

	sub, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	found := false
	now := s.now()
	for i := range sub.Courses {
		if sub.Courses[i].CourseID != courseID {
			continue
		}
		found = true
		if progress > sub.Courses[i].Progress {
			sub.Courses[i].Progress = progress
		}
		if sub.Courses[i].Progress >= 100 && sub.Courses[i].CompletedDate == nil {
			sub.Courses[i].CompletedDate = &now
		}
	}
	if !found {
		return nil, errs.NotFound("course enrollment", courseID)
	}

	sub.UpdatedAt = now
	if err := s.store.Update(ctx, sub); err != nil {
		return nil, err
	}
	return sub, nil
}

// Health derives advisory renewal-risk analytics. It never gates access.
func (s *SubscriptionService) Health(ctx context.Context, id string) (*models.SubscriptionHealth, error) {
	sub, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	health := &models.SubscriptionHealth{
		SubscriptionID: sub.ID,
		HealthScore:    100,
		FailedRenewals: sub.FailedRenewalCount,
	}

	if len(sub.Courses) > 0 {
		completed := 0
		for _, c := range sub.Courses {
			if c.CompletedDate != nil {
				completed++
			}
		}
		health.CompletionRatio = float64(completed) / float64(len(sub.Courses))
		if health.CompletionRatio < 0.1 {
			health.HealthScore -= 20
		}
	}

	health.HealthScore -= sub.FailedRenewalCount * 15
	if health.HealthScore < 0 {
		health.HealthScore = 0
	}

	switch {
	case sub.Status == models.SubscriptionStatusSuspended || sub.FailedRenewalCount >= 2:
		health.RenewalRisk = "high"
	case sub.FailedRenewalCount == 1 || health.CompletionRatio < 0.1:
		health.RenewalRisk = "medium"
	default:
		health.RenewalRisk = "low"
	}

	return health, nil
}

// ExpireDue is the batch sweep moving lapsed entitlements to expired.
func (s *SubscriptionService) ExpireDue(ctx context.Context, limit int) (int, error) {
	subs, err := s.store.ListExpired(ctx, s.now(), limit)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, sub := range subs {
		sub.Status = models.SubscriptionStatusExpired
		sub.NextBillingDate = nil
		sub.NextRetryDate = nil
		sub.UpdatedAt = s.now()
		if err := s.store.Update(ctx, sub); err != nil {
			if errs.IsConflict(err) {
				// Lost a race with a renewal; leave it alone.
				continue
			}
			return expired, err
		}
		expired++
		metrics.SubscriptionTransitionsTotal.WithLabelValues(string(models.SubscriptionStatusExpired)).Inc()
	}

	if expired > 0 {
		s.logger.Info(fmt.Sprintf("expired %d lapsed subscriptions", expired))
	}
	return expired, nil
}
