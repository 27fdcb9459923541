package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/ankushrana6395/aishield-india-app-V1-sub002/internal/models"
)

type fakeRiskHistory struct {
	base         time.Time
	hourlyCount  int
	dailyCount   int
	hourlyAmount int64
	identical    int
	failureRate  float64
	failureTotal int
	avgAmount    float64
	err          error
}

func (f *fakeRiskHistory) CountByUserSince(_ context.Context, _ string, since time.Time) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	if f.base.Sub(since) <= time.Hour {
		return f.hourlyCount, nil
	}
	return f.dailyCount, nil
}

func (f *fakeRiskHistory) SumAmountByUserSince(_ context.Context, _ string, _ time.Time) (int64, error) {
	return f.hourlyAmount, f.err
}

func (f *fakeRiskHistory) CountIdenticalAmountSince(_ context.Context, _ string, _ int64, _ time.Time) (int, error) {
	return f.identical, f.err
}

func (f *fakeRiskHistory) FailureRate(_ context.Context, _ string, _ time.Time) (float64, int, error) {
	return f.failureRate, f.failureTotal, f.err
}

func (f *fakeRiskHistory) AverageCompletedAmount(_ context.Context, _ string, _ time.Time) (float64, error) {
	return f.avgAmount, f.err
}

type fakeSubCounter struct {
	active int
	err    error
}

func (f *fakeSubCounter) CountActiveByUser(_ context.Context, _ string) (int, error) {
	return f.active, f.err
}

type fakeBlacklist struct {
	listed map[string]bool
	err    error
}

func (f *fakeBlacklist) IsBlacklisted(_ context.Context, kind, value string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	return f.listed[kind+":"+value], nil
}

var riskTestNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestRiskEngine(history *fakeRiskHistory, subs *fakeSubCounter, blacklist *fakeBlacklist) *RiskEngine {
	if history == nil {
		history = &fakeRiskHistory{base: riskTestNow}
	}
	if subs == nil {
		subs = &fakeSubCounter{}
	}
	if blacklist == nil {
		blacklist = &fakeBlacklist{}
	}
	return NewRiskEngine(history, subs, blacklist, DefaultRiskConfig(), zap.NewNop(),
		func() time.Time { return riskTestNow })
}

func cleanRiskInputs() (*models.Transaction, *models.User, *models.RiskContext) {
	txn := &models.Transaction{
		ID:     "txn-1",
		UserID: "user-1",
		Amount: 199900,
	}
	user := &models.User{
		ID:        "user-1",
		CreatedAt: riskTestNow.AddDate(0, 0, -30),
	}
	rctx := &models.RiskContext{
		IPAddress: "203.0.113.10",
		UserAgent: "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36",
		Country:   "IN",
		Email:     "student@example.com",
	}
	return txn, user, rctx
}

func TestRiskLevelMapping(t *testing.T) {
	tests := []struct {
		score int
		want  models.RiskLevel
	}{
		{0, models.RiskLevelLow},
		{29, models.RiskLevelLow},
		{30, models.RiskLevelMedium},
		{59, models.RiskLevelMedium},
		{60, models.RiskLevelHigh},
		{89, models.RiskLevelHigh},
		{90, models.RiskLevelCritical},
		{250, models.RiskLevelCritical},
	}

	for _, tt := range tests {
		if got := riskLevel(tt.score); got != tt.want {
			t.Errorf("riskLevel(%d) = %s, want %s", tt.score, got, tt.want)
		}
	}
}

func TestAssessRiskCleanTransaction(t *testing.T) {
	engine := newTestRiskEngine(nil, nil, nil)
	txn, user, rctx := cleanRiskInputs()

	a := engine.AssessRisk(context.Background(), txn, user, rctx)

	if a.Score != 0 {
		t.Errorf("Score = %d, want 0", a.Score)
	}
	if a.Level != models.RiskLevelLow {
		t.Errorf("Level = %s, want low", a.Level)
	}
	if a.Blocked {
		t.Error("clean transaction should not be blocked")
	}
	if len(a.Factors) != 6 {
		t.Errorf("expected all 6 factors reported, got %d", len(a.Factors))
	}
}

func TestAssessRiskIdenticalAmountBurst(t *testing.T) {
	history := &fakeRiskHistory{base: riskTestNow, identical: 5}
	engine := newTestRiskEngine(history, nil, nil)
	txn, user, rctx := cleanRiskInputs()

	a := engine.AssessRisk(context.Background(), txn, user, rctx)

	if a.Score < 25 {
		t.Errorf("Score = %d, want >= 25 for an identical-amount burst", a.Score)
	}
	found := false
	for _, f := range a.Factors {
		if f.Name == "velocity" {
			found = true
			if !f.Triggered || f.Score < 25 {
				t.Errorf("velocity factor = %+v, want triggered with score >= 25", f)
			}
		}
	}
	if !found {
		t.Fatal("velocity factor missing from assessment")
	}
}

func TestAssessRiskBlacklistedIdentifierBlocks(t *testing.T) {
	blacklist := &fakeBlacklist{listed: map[string]bool{"ip:203.0.113.10": true}}
	engine := newTestRiskEngine(nil, nil, blacklist)
	txn, user, rctx := cleanRiskInputs()

	a := engine.AssessRisk(context.Background(), txn, user, rctx)

	if a.Level != models.RiskLevelCritical {
		t.Errorf("Level = %s, want critical", a.Level)
	}
	if !a.Blocked {
		t.Error("blacklisted identifier must block")
	}
}

func TestAssessRiskBotUserAgent(t *testing.T) {
	engine := newTestRiskEngine(nil, nil, nil)
	txn, user, rctx := cleanRiskInputs()
	rctx.UserAgent = "python-requests/2.31"

	a := engine.AssessRisk(context.Background(), txn, user, rctx)

	if a.Level != models.RiskLevelCritical || !a.Blocked {
		t.Errorf("automation signature should block: level=%s blocked=%v", a.Level, a.Blocked)
	}
}

func TestAssessRiskHighLevelRespectsOverride(t *testing.T) {
	// Above-range amount (+50, +10 round number) plus the hourly amount cap
	// (+25) lands at 85: the high band without reaching critical.
	history := &fakeRiskHistory{base: riskTestNow}
	txn, user, rctx := cleanRiskInputs()
	txn.Amount = 2000000

	engine := newTestRiskEngine(history, nil, nil)
	a := engine.AssessRisk(context.Background(), txn, user, rctx)
	if a.Level != models.RiskLevelHigh {
		t.Fatalf("Level = %s (score %d), want high", a.Level, a.Score)
	}
	if !a.Blocked {
		t.Error("high level without override should block")
	}

	engine = newTestRiskEngine(history, nil, nil)
	rctx.HighRiskOverride = true
	a = engine.AssessRisk(context.Background(), txn, user, rctx)
	if a.Level != models.RiskLevelHigh {
		t.Fatalf("Level = %s, want high", a.Level)
	}
	if a.Blocked {
		t.Error("high level with override should pass")
	}
}

func TestAssessRiskScoresAccumulate(t *testing.T) {
	// Independent signals must compound, never mask each other.
	blacklist := &fakeBlacklist{listed: map[string]bool{
		"ip:203.0.113.10":           true,
		"email:student@example.com": true,
	}}
	engine := newTestRiskEngine(nil, nil, blacklist)
	txn, user, rctx := cleanRiskInputs()

	a := engine.AssessRisk(context.Background(), txn, user, rctx)

	if a.Score < 200 {
		t.Errorf("Score = %d, want >= 200 for two blacklist hits", a.Score)
	}
}

func TestAssessRiskFailsSafeOnStoreError(t *testing.T) {
	history := &fakeRiskHistory{base: riskTestNow, err: errors.New("connection refused")}
	subs := &fakeSubCounter{err: errors.New("connection refused")}
	engine := newTestRiskEngine(history, subs, nil)
	txn, user, rctx := cleanRiskInputs()

	a := engine.AssessRisk(context.Background(), txn, user, rctx)

	if a.Blocked {
		t.Error("store errors must never produce a false block")
	}
	if a.Level != models.RiskLevelLow {
		t.Errorf("Level = %s, want low when history is unavailable", a.Level)
	}
}

func TestAssessRiskConcurrentSharedIP(t *testing.T) {
	// Many clients behind one IP assessed in parallel all touch the same
	// per-IP agent set; run under -race this catches unguarded mutation.
	engine := newTestRiskEngine(nil, nil, nil)

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			txn, user, rctx := cleanRiskInputs()
			rctx.UserAgent = fmt.Sprintf("Mozilla/5.0 (Device %d)", i)
			engine.AssessRisk(context.Background(), txn, user, rctx)
		}(i)
	}
	wg.Wait()

	txn, user, rctx := cleanRiskInputs()
	a := engine.AssessRisk(context.Background(), txn, user, rctx)
	for _, f := range a.Factors {
		if f.Name == "device" {
			if !f.Triggered || f.Score < 20 {
				t.Errorf("device factor = %+v, want the many-agents signal after 32 clients", f)
			}
			return
		}
	}
	t.Fatal("device factor missing from assessment")
}

func TestAssessRiskNewAccountSignal(t *testing.T) {
	engine := newTestRiskEngine(nil, nil, nil)
	txn, user, rctx := cleanRiskInputs()
	user.CreatedAt = riskTestNow.Add(-30 * time.Minute)

	a := engine.AssessRisk(context.Background(), txn, user, rctx)

	if a.Score < 20 {
		t.Errorf("Score = %d, want >= 20 for a minutes-old account", a.Score)
	}
	if a.Blocked {
		t.Error("a new account alone should not block")
	}
}
