package service

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ankushrana6395/aishield-india-app-V1-sub002/internal/metrics"
	"github.com/ankushrana6395/aishield-india-app-V1-sub002/internal/models"
	"github.com/ankushrana6395/aishield-india-app-V1-sub002/internal/repository"
)

// Risk level thresholds. Scores at or above Critical force a block.
const (
	riskLevelMediumFloor   = 30
	riskLevelHighFloor     = 60
	riskLevelCriticalFloor = 90
)

// RiskHistoryStore is the slice of transaction history the engine reads.
type RiskHistoryStore interface {
	CountByUserSince(ctx context.Context, userID string, since time.Time) (int, error)
	SumAmountByUserSince(ctx context.Context, userID string, since time.Time) (int64, error)
	CountIdenticalAmountSince(ctx context.Context, userID string, amount int64, since time.Time) (int, error)
	FailureRate(ctx context.Context, userID string, since time.Time) (float64, int, error)
	AverageCompletedAmount(ctx context.Context, userID string, since time.Time) (float64, error)
}

// ActiveSubscriptionCounter feeds the behavioral check.
type ActiveSubscriptionCounter interface {
	CountActiveByUser(ctx context.Context, userID string) (int, error)
}

// BlacklistChecker does exact-match deny-list lookups.
type BlacklistChecker interface {
	IsBlacklisted(ctx context.Context, kind, value string) (bool, error)
}

// RiskConfig carries the fixed thresholds and lists the checks score against.
type RiskConfig struct {
	// Velocity
	MaxHourlyAmount    int64
	MaxHourlyCount     int
	MaxDailyCount      int
	IdenticalBurstSize int

	// Geography
	BlockedCountries      []string
	WatchlistCountries    []string
	VerificationCountries []string

	// Device
	MaxUserAgentsPerIP int

	// Amount pattern
	MinExpectedAmount int64
	MaxExpectedAmount int64
	KnownFraudAmounts []int64

	// Behavioral
	MaxActiveSubscriptions int
}

// DefaultRiskConfig returns the production thresholds.
func DefaultRiskConfig() RiskConfig {
	return RiskConfig{
		MaxHourlyAmount:        500000,
		MaxHourlyCount:         5,
		MaxDailyCount:          15,
		IdenticalBurstSize:     4,
		BlockedCountries:       []string{},
		WatchlistCountries:     []string{},
		VerificationCountries:  []string{},
		MaxUserAgentsPerIP:     3,
		MinExpectedAmount:      100,
		MaxExpectedAmount:      1000000,
		KnownFraudAmounts:      []int64{100, 1000},
		MaxActiveSubscriptions: 5,
	}
}

// RiskEngine computes a composite fraud score from six independent checks.
// Factor scores are additive so compounding red flags accumulate. The
// engine fails safe: any internal error yields a zero-risk, non-blocking
// assessment, logged — never a false block.
type RiskEngine struct {
	history   RiskHistoryStore
	subs      ActiveSubscriptionCounter
	blacklist BlacklistChecker
	config    RiskConfig
	uaPerIP   *TTLCache
	uaMu      sync.Mutex
	logger    *zap.Logger
	now       func() time.Time
}

func NewRiskEngine(
	history RiskHistoryStore,
	subs ActiveSubscriptionCounter,
	blacklist BlacklistChecker,
	config RiskConfig,
	logger *zap.Logger,
	now func() time.Time,
) *RiskEngine {
	if now == nil {
		now = time.Now
	}
	return &RiskEngine{
		history:   history,
		subs:      subs,
		blacklist: blacklist,
		config:    config,
		uaPerIP:   NewTTLCache(1*time.Hour, now),
		logger:    logger,
		now:       now,
	}
}

type riskCheck struct {
	name string
	run  func(ctx context.Context, txn *models.Transaction, user *models.User, rctx *models.RiskContext, a *models.RiskAssessment) error
}

// AssessRisk scores one payment attempt. The assessment is transient:
// recomputed per attempt, never persisted or reused.
func (e *RiskEngine) AssessRisk(ctx context.Context, txn *models.Transaction, user *models.User, rctx *models.RiskContext) *models.RiskAssessment {
	assessment := &models.RiskAssessment{
		TransactionID: txn.ID,
		Level:         models.RiskLevelLow,
		Timestamp:     e.now(),
	}

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("risk engine panic, failing safe to zero risk",
				zap.Any("panic", r),
				zap.String("transaction_id", txn.ID))
			*assessment = models.RiskAssessment{
				TransactionID: txn.ID,
				Level:         models.RiskLevelLow,
				Timestamp:     e.now(),
			}
		}
	}()

	checks := []riskCheck{
		{"velocity", e.checkVelocity},
		{"geography", e.checkGeography},
		{"device", e.checkDevice},
		{"amount_pattern", e.checkAmountPattern},
		{"behavioral", e.checkBehavioral},
		{"blacklist", e.checkBlacklist},
	}

	for _, check := range checks {
		if err := check.run(ctx, txn, user, rctx, assessment); err != nil {
			// A failed check contributes zero. Logged loudly so an
			// above-threshold authorization never slips through silently.
			e.logger.Error("risk check failed, contributing zero score",
				zap.String("check", check.name),
				zap.String("transaction_id", txn.ID),
				zap.Error(err))
		}
	}

	assessment.Level = riskLevel(assessment.Score)
	assessment.Blocked = assessment.Score >= riskLevelCriticalFloor ||
		(assessment.Level == models.RiskLevelHigh && !rctx.HighRiskOverride)
	assessment.Recommendations = dedupe(assessment.Recommendations)

	metrics.RiskAssessmentsTotal.WithLabelValues(string(assessment.Level)).Inc()
	metrics.RiskScore.Observe(float64(assessment.Score))

	if assessment.Blocked {
		e.logger.Warn("transaction blocked by risk assessment",
			zap.String("transaction_id", txn.ID),
			zap.Int("score", assessment.Score),
			zap.Strings("factors", assessment.TriggeredFactorNames()))
	}

	return assessment
}

func (e *RiskEngine) addFactor(a *models.RiskAssessment, name string, score int, desc, recommendation string) {
	a.Factors = append(a.Factors, models.RiskFactor{
		Name:        name,
		Triggered:   score > 0,
		Score:       score,
		Description: desc,
	})
	a.Score += score
	if score > 0 && recommendation != "" {
		a.Recommendations = append(a.Recommendations, recommendation)
	}
}

func (e *RiskEngine) checkVelocity(ctx context.Context, txn *models.Transaction, user *models.User, rctx *models.RiskContext, a *models.RiskAssessment) error {
	now := e.now()

	hourlyCount, err := e.history.CountByUserSince(ctx, txn.UserID, now.Add(-1*time.Hour))
	if err != nil {
		return err
	}
	hourlyAmount, err := e.history.SumAmountByUserSince(ctx, txn.UserID, now.Add(-1*time.Hour))
	if err != nil {
		return err
	}
	dailyCount, err := e.history.CountByUserSince(ctx, txn.UserID, now.Add(-24*time.Hour))
	if err != nil {
		return err
	}
	identical, err := e.history.CountIdenticalAmountSince(ctx, txn.UserID, txn.Amount, now.Add(-30*time.Minute))
	if err != nil {
		return err
	}

	score := 0
	if hourlyCount >= e.config.MaxHourlyCount {
		score += 25
	}
	if hourlyAmount+txn.Amount > e.config.MaxHourlyAmount {
		score += 25
	}
	if dailyCount >= e.config.MaxDailyCount {
		score += 15
	}
	if identical >= e.config.IdenticalBurstSize {
		score += 25
	}

	e.addFactor(a, "velocity", score,
		fmt.Sprintf("hourly=%d/%d daily=%d identical_30m=%d", hourlyCount, hourlyAmount, dailyCount, identical),
		"throttle payment attempts for this account")
	return nil
}

func (e *RiskEngine) checkGeography(ctx context.Context, txn *models.Transaction, user *models.User, rctx *models.RiskContext, a *models.RiskAssessment) error {
	country := strings.ToUpper(rctx.Country)
	score := 0
	desc := "country=" + country

	switch {
	case containsString(e.config.BlockedCountries, country):
		score += 100
		desc += " (blocklisted)"
	case containsString(e.config.WatchlistCountries, country):
		score += 40
		desc += " (watchlist)"
	case containsString(e.config.VerificationCountries, country):
		score += 15
		desc += " (verification required)"
	}

	if ip := net.ParseIP(rctx.IPAddress); ip != nil {
		if ip.IsLoopback() || ip.IsPrivate() {
			// A non-routable source usually means a tunnel or proxy in
			// front of the real client.
			score += 35
			desc += " private/loopback ip"
		}
	}

	e.addFactor(a, "geography", score, desc,
		"require additional identity verification for this region")
	return nil
}

var botUserAgentSignatures = []string{
	"curl", "wget", "python-requests", "python-urllib", "go-http-client",
	"bot", "spider", "crawler", "headless", "phantomjs", "selenium",
}

func (e *RiskEngine) checkDevice(ctx context.Context, txn *models.Transaction, user *models.User, rctx *models.RiskContext, a *models.RiskAssessment) error {
	score := 0
	desc := ""

	ua := strings.ToLower(rctx.UserAgent)
	for _, sig := range botUserAgentSignatures {
		if strings.Contains(ua, sig) {
			score += 100
			desc = "automation signature: " + sig
			break
		}
	}

	if rctx.IPAddress != "" && rctx.UserAgent != "" {
		agents := e.recordUserAgent(rctx.IPAddress, rctx.UserAgent)
		if agents > e.config.MaxUserAgentsPerIP {
			score += 20
			if desc != "" {
				desc += "; "
			}
			desc += fmt.Sprintf("%d user agents from one ip", agents)
		}
	}

	e.addFactor(a, "device", score, desc,
		"challenge the client with a captcha or device check")
	return nil
}

// recordUserAgent adds ua to the per-IP agent set and returns the set
// size. The sets live in the shared uaPerIP cache and the cache hands out
// the map itself, so the whole read-modify-write must hold uaMu.
func (e *RiskEngine) recordUserAgent(ip, ua string) int {
	e.uaMu.Lock()
	defer e.uaMu.Unlock()

	key := "ua:" + ip
	var seen map[string]struct{}
	if v, ok := e.uaPerIP.Get(key); ok {
		seen = v.(map[string]struct{})
	} else {
		seen = make(map[string]struct{})
	}
	seen[ua] = struct{}{}
	e.uaPerIP.Set(key, seen)
	return len(seen)
}

func (e *RiskEngine) checkAmountPattern(ctx context.Context, txn *models.Transaction, user *models.User, rctx *models.RiskContext, a *models.RiskAssessment) error {
	score := 0
	desc := fmt.Sprintf("amount=%d", txn.Amount)

	// Round-number bias: fraudsters favor clean amounts.
	if txn.Amount > 0 && txn.Amount%10000 == 0 {
		score += 10
	}
	for _, known := range e.config.KnownFraudAmounts {
		if txn.Amount == known {
			score += 15
			break
		}
	}
	if txn.Amount < e.config.MinExpectedAmount {
		score += 30
		desc += " below expected range"
	} else if txn.Amount > e.config.MaxExpectedAmount {
		score += 50
		desc += " above expected range"
	}

	avg, err := e.history.AverageCompletedAmount(ctx, txn.UserID, e.now().AddDate(0, -3, 0))
	if err != nil {
		return err
	}
	if avg > 0 && float64(txn.Amount) > avg*3 {
		score += 20
		desc += fmt.Sprintf(" sudden increase vs trailing avg %.0f", avg)
	}

	e.addFactor(a, "amount_pattern", score, desc,
		"review the order amount against the plan catalog")
	return nil
}

func (e *RiskEngine) checkBehavioral(ctx context.Context, txn *models.Transaction, user *models.User, rctx *models.RiskContext, a *models.RiskAssessment) error {
	score := 0
	desc := ""

	if user != nil {
		age := e.now().Sub(user.CreatedAt)
		switch {
		case age < 1*time.Hour:
			score += 20
		case age < 24*time.Hour:
			score += 15
		case age < 7*24*time.Hour:
			score += 10
		}
		if score > 0 {
			desc = fmt.Sprintf("account age %s", age.Round(time.Minute))
		}
	}

	active, err := e.subs.CountActiveByUser(ctx, txn.UserID)
	if err != nil {
		return err
	}
	if active >= e.config.MaxActiveSubscriptions {
		score += 10
		if desc != "" {
			desc += "; "
		}
		desc += fmt.Sprintf("%d simultaneous subscriptions", active)
	}

	rate, total, err := e.history.FailureRate(ctx, txn.UserID, e.now().AddDate(0, -1, 0))
	if err != nil {
		return err
	}
	if total >= 3 && rate > 0.3 {
		score += 25
		if desc != "" {
			desc += "; "
		}
		desc += fmt.Sprintf("failure rate %.0f%%", rate*100)
	}

	e.addFactor(a, "behavioral", score, desc,
		"hold new accounts to lower spending limits")
	return nil
}

func (e *RiskEngine) checkBlacklist(ctx context.Context, txn *models.Transaction, user *models.User, rctx *models.RiskContext, a *models.RiskAssessment) error {
	score := 0
	var hits []string

	lookups := []struct {
		kind  string
		value string
	}{
		{repository.BlacklistKindIP, rctx.IPAddress},
		{repository.BlacklistKindEmail, strings.ToLower(rctx.Email)},
		{repository.BlacklistKindInstrument, rctx.InstrumentFingerprint},
	}

	for _, l := range lookups {
		if l.value == "" {
			continue
		}
		listed, err := e.blacklist.IsBlacklisted(ctx, l.kind, l.value)
		if err != nil {
			return err
		}
		if listed {
			score += 100
			hits = append(hits, l.kind)
		}
	}

	e.addFactor(a, "blacklist", score, strings.Join(hits, ","),
		"deny-listed identifier; manual review required before unblocking")
	return nil
}

func riskLevel(score int) models.RiskLevel {
	switch {
	case score >= riskLevelCriticalFloor:
		return models.RiskLevelCritical
	case score >= riskLevelHighFloor:
		return models.RiskLevelHigh
	case score >= riskLevelMediumFloor:
		return models.RiskLevelMedium
	default:
		return models.RiskLevelLow
	}
}

func containsString(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func dedupe(items []string) []string {
	seen := make(map[string]struct{}, len(items))
	var out []string
	for _, item := range items {
		if _, ok := seen[item]; ok {
			continue
		}
		seen[item] = struct{}{}
		out = append(out, item)
	}
	return out
}
