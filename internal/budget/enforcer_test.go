package budget

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/foremanhq/foreman/internal/store"
)

type fakeUsage struct {
	spend float64
	err   error
	calls int
}

func (f *fakeUsage) GetUsageSummary(query store.UsageQuery) (*store.UsageSummary, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &store.UsageSummary{TotalCost: f.spend, Start: query.Start, End: query.End}, nil
}

func newTestEnforcer(spend, dailyLimit, monthlyLimit float64) (*Enforcer, *fakeUsage) {
	usage := &fakeUsage{spend: spend}
	config := &Config{
		Enabled:      true,
		DailyLimit:   dailyLimit,
		MonthlyLimit: monthlyLimit,
		OnExceed: ExceedAction{
			Daily:   ActionPause,
			Monthly: ActionStop,
		},
		Thresholds: ThresholdConfig{WarnPercent: 80},
	}
	return NewEnforcer(config, usage), usage
}

func TestEnforcer_DisabledAllowsEverything(t *testing.T) {
	usage := &fakeUsage{spend: 10000}
	enforcer := NewEnforcer(&Config{Enabled: false}, usage)

	result, err := enforcer.CheckBudget(context.Background())
	if err != nil {
		t.Fatalf("CheckBudget() error = %v", err)
	}
	if !result.Allowed {
		t.Error("CheckBudget() with disabled config should allow")
	}
	if usage.calls != 0 {
		t.Errorf("disabled enforcer queried usage %d times, want 0", usage.calls)
	}
}

func TestEnforcer_AllowsUnderLimit(t *testing.T) {
	enforcer, _ := newTestEnforcer(10, 100, 1000)

	result, err := enforcer.CheckBudget(context.Background())
	if err != nil {
		t.Fatalf("CheckBudget() error = %v", err)
	}
	if !result.Allowed {
		t.Errorf("CheckBudget() denied under limit: %s", result.Reason)
	}
	if result.DailyLeft != 90 {
		t.Errorf("DailyLeft = %v, want 90", result.DailyLeft)
	}
	if result.MonthlyLeft != 990 {
		t.Errorf("MonthlyLeft = %v, want 990", result.MonthlyLeft)
	}
}

func TestEnforcer_DailyLimitPausesWork(t *testing.T) {
	enforcer, _ := newTestEnforcer(120, 100, 1000)

	result, err := enforcer.CheckBudget(context.Background())
	if err != nil {
		t.Fatalf("CheckBudget() error = %v", err)
	}
	if result.Allowed {
		t.Fatal("CheckBudget() should deny over daily limit")
	}
	if result.Action != ActionPause {
		t.Errorf("Action = %v, want %v", result.Action, ActionPause)
	}
	if !strings.HasPrefix(result.Reason, "Daily budget exceeded") {
		t.Errorf("Reason = %q, want daily exceeded prefix", result.Reason)
	}
	if result.DailyLeft != 0 {
		t.Errorf("DailyLeft = %v, want 0", result.DailyLeft)
	}

	status, err := enforcer.GetStatus(context.Background())
	if err != nil {
		t.Fatalf("GetStatus() error = %v", err)
	}
	if status.BlockedItems != 1 {
		t.Errorf("BlockedItems = %d, want 1", status.BlockedItems)
	}
}

func TestEnforcer_MonthlyLimitCheckedFirst(t *testing.T) {
	// Both limits breached; the monthly action wins.
	enforcer, _ := newTestEnforcer(150, 100, 100)

	result, err := enforcer.CheckBudget(context.Background())
	if err != nil {
		t.Fatalf("CheckBudget() error = %v", err)
	}
	if result.Allowed {
		t.Fatal("CheckBudget() should deny over monthly limit")
	}
	if result.Action != ActionStop {
		t.Errorf("Action = %v, want %v", result.Action, ActionStop)
	}
	if !strings.HasPrefix(result.Reason, "Monthly budget exceeded") {
		t.Errorf("Reason = %q, want monthly exceeded prefix", result.Reason)
	}
	if result.MonthlyLeft != 0 {
		t.Errorf("MonthlyLeft = %v, want 0", result.MonthlyLeft)
	}
}

func TestEnforcer_WarnActionDoesNotBlock(t *testing.T) {
	enforcer, _ := newTestEnforcer(120, 100, 1000)
	enforcer.GetConfig().OnExceed.Daily = ActionWarn

	result, err := enforcer.CheckBudget(context.Background())
	if err != nil {
		t.Fatalf("CheckBudget() error = %v", err)
	}
	if !result.Allowed {
		t.Errorf("ActionWarn should not block: %s", result.Reason)
	}
}

func TestEnforcer_WarningThresholdFiresAlert(t *testing.T) {
	enforcer, _ := newTestEnforcer(85, 100, 1000)

	var alertTypes []string
	var severities []string
	enforcer.OnAlert(func(alertType, message, severity string) {
		alertTypes = append(alertTypes, alertType)
		severities = append(severities, severity)
	})

	result, err := enforcer.CheckBudget(context.Background())
	if err != nil {
		t.Fatalf("CheckBudget() error = %v", err)
	}
	if !result.Allowed {
		t.Fatalf("CheckBudget() denied at warning level: %s", result.Reason)
	}
	if len(alertTypes) != 1 || alertTypes[0] != "daily_budget_warning" {
		t.Errorf("alerts = %v, want [daily_budget_warning]", alertTypes)
	}
	if severities[0] != "warning" {
		t.Errorf("severity = %q, want warning", severities[0])
	}
}

func TestEnforcer_ExceededAlertIsCritical(t *testing.T) {
	enforcer, _ := newTestEnforcer(120, 100, 1000)
	enforcer.GetConfig().OnExceed.Daily = ActionWarn

	var alertTypes []string
	var severities []string
	enforcer.OnAlert(func(alertType, message, severity string) {
		alertTypes = append(alertTypes, alertType)
		severities = append(severities, severity)
	})

	if _, err := enforcer.CheckBudget(context.Background()); err != nil {
		t.Fatalf("CheckBudget() error = %v", err)
	}

	found := false
	for i, at := range alertTypes {
		if at == "daily_budget_exceeded" {
			found = true
			if severities[i] != "critical" {
				t.Errorf("daily_budget_exceeded severity = %q, want critical", severities[i])
			}
		}
	}
	if !found {
		t.Errorf("alerts = %v, want daily_budget_exceeded", alertTypes)
	}
}

func TestEnforcer_ProviderErrorAllowsWork(t *testing.T) {
	usage := &fakeUsage{err: errors.New("db locked")}
	enforcer := NewEnforcer(&Config{Enabled: true, DailyLimit: 100, MonthlyLimit: 1000}, usage)

	result, err := enforcer.CheckBudget(context.Background())
	if err != nil {
		t.Fatalf("CheckBudget() error = %v", err)
	}
	if !result.Allowed {
		t.Error("CheckBudget() should allow when usage data is unavailable")
	}
}

func TestEnforcer_PauseAndResume(t *testing.T) {
	enforcer, usage := newTestEnforcer(10, 100, 1000)

	enforcer.Pause("manual hold")
	if !enforcer.IsPaused() {
		t.Fatal("IsPaused() = false after Pause()")
	}

	result, err := enforcer.CheckBudget(context.Background())
	if err != nil {
		t.Fatalf("CheckBudget() error = %v", err)
	}
	if result.Allowed {
		t.Error("CheckBudget() should deny while paused")
	}
	if result.Reason != "manual hold" {
		t.Errorf("Reason = %q, want manual hold", result.Reason)
	}
	if usage.calls != 0 {
		t.Errorf("paused check queried usage %d times, want 0", usage.calls)
	}

	enforcer.Resume()
	if enforcer.IsPaused() {
		t.Error("IsPaused() = true after Resume()")
	}
	result, err = enforcer.CheckBudget(context.Background())
	if err != nil {
		t.Fatalf("CheckBudget() error = %v", err)
	}
	if !result.Allowed {
		t.Errorf("CheckBudget() denied after resume: %s", result.Reason)
	}
}

func TestEnforcer_ResetDailyClearsDailyPauseOnly(t *testing.T) {
	enforcer, _ := newTestEnforcer(10, 100, 1000)

	enforcer.Pause("Daily budget exceeded: $120.00 / $100.00")
	enforcer.ResetDaily()
	if enforcer.IsPaused() {
		t.Error("ResetDaily() should clear a daily budget pause")
	}

	enforcer.Pause("Monthly budget exceeded: $1200.00 / $1000.00")
	enforcer.ResetDaily()
	if !enforcer.IsPaused() {
		t.Error("ResetDaily() should not clear a monthly budget pause")
	}
}

func TestEnforcer_GetStatusPercentages(t *testing.T) {
	enforcer, _ := newTestEnforcer(25, 100, 1000)

	status, err := enforcer.GetStatus(context.Background())
	if err != nil {
		t.Fatalf("GetStatus() error = %v", err)
	}
	if status.DailyPercent != 25 {
		t.Errorf("DailyPercent = %v, want 25", status.DailyPercent)
	}
	if status.MonthlyPercent != 2.5 {
		t.Errorf("MonthlyPercent = %v, want 2.5", status.MonthlyPercent)
	}
	if status.IsExceeded() {
		t.Error("IsExceeded() = true under limit")
	}
	if !status.IsWarning(20) {
		t.Error("IsWarning(20) = false at 25%")
	}
	if status.IsWarning(30) {
		t.Error("IsWarning(30) = true at 25%")
	}
}

func TestEnforcer_ZeroLimitsNeverExceed(t *testing.T) {
	enforcer, _ := newTestEnforcer(500, 0, 0)

	status, err := enforcer.GetStatus(context.Background())
	if err != nil {
		t.Fatalf("GetStatus() error = %v", err)
	}
	if status.DailyPercent != 0 || status.MonthlyPercent != 0 {
		t.Errorf("percentages = %v / %v, want 0 / 0 with zero limits",
			status.DailyPercent, status.MonthlyPercent)
	}
}
