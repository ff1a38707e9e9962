package achievement

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/stridefit/stride-backend/internal/attendance"
	"github.com/stridefit/stride-backend/internal/ledger"
	"github.com/stridefit/stride-backend/internal/notify"
	"github.com/stridefit/stride-backend/internal/streak"
	"github.com/stridefit/stride-backend/internal/users"
	"github.com/stridefit/stride-backend/internal/weight"
	"gorm.io/gorm"
)

type engineFixture struct {
	engine *Engine
	ledger *ledger.Service
	db     *gorm.DB
}

func newEngineFixture(t *testing.T, notifier notify.Notifier) *engineFixture {
	t.Helper()

	dsn := fmt.Sprintf("file:achievement_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(
		&Definition{}, &Progress{}, &Event{},
		&ledger.Entry{}, &ledger.Balance{}, &users.Profile{},
		&streak.Streak{}, &attendance.Assistance{}, &weight.Sample{},
	); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	clock := func() time.Time { return time.Unix(1700000600, 0).UTC() }
	ledgerService, err := ledger.NewService(ledger.ServiceConfig{Database: db, Clock: clock})
	if err != nil {
		t.Fatalf("failed to construct ledger service: %v", err)
	}
	dispatcher, err := NewDispatcher(DispatcherConfig{Ledger: ledgerService, Notifier: notifier})
	if err != nil {
		t.Fatalf("failed to construct dispatcher: %v", err)
	}
	engine, err := NewEngine(EngineConfig{
		Database:   db,
		Clock:      clock,
		IDProvider: NewUUIDProvider(),
		Dispatcher: dispatcher,
	})
	if err != nil {
		t.Fatalf("failed to construct engine: %v", err)
	}
	return &engineFixture{engine: engine, ledger: ledgerService, db: db}
}

func (f *engineFixture) seedDefinition(t *testing.T, definition Definition) Definition {
	t.Helper()
	if err := f.db.Create(&definition).Error; err != nil {
		t.Fatalf("failed to seed definition: %v", err)
	}
	return definition
}

func (f *engineFixture) seedAssistances(t *testing.T, userID string, count int) {
	t.Helper()
	for i := 0; i < count; i++ {
		row := attendance.Assistance{
			ID:        fmt.Sprintf("assist-%s-%d", userID, i),
			UserID:    userID,
			GymID:     "gym-1",
			Day:       time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, i).Format("2006-01-02"),
			CreatedAt: time.Now(),
		}
		if err := f.db.Create(&row).Error; err != nil {
			t.Fatalf("failed to seed assistance: %v", err)
		}
	}
}

func TestSyncOneCreatesProgressLazily(t *testing.T) {
	f := newEngineFixture(t, nil)
	definition := f.seedDefinition(t, Definition{Code: "TEN_VISITS", Category: "attendance", MetricType: MetricAssistanceTotal, TargetValue: 10})

	outcome, err := f.engine.SyncOne(context.Background(), "user-1", definition)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Progress.ProgressValue != 0 {
		t.Fatalf("expected zero progress, got %d", outcome.Progress.ProgressValue)
	}
	if outcome.Progress.ProgressDenominator != 10 {
		t.Fatalf("expected denominator 10, got %d", outcome.Progress.ProgressDenominator)
	}
	if outcome.Eligible {
		t.Fatalf("expected not eligible")
	}

	var eventCount int64
	if err := f.db.Model(&Event{}).Count(&eventCount).Error; err != nil {
		t.Fatalf("failed to count events: %v", err)
	}
	if eventCount != 0 {
		t.Fatalf("expected no events when value did not move, got %d", eventCount)
	}
}

func TestSyncOneRecordsProgressEvents(t *testing.T) {
	f := newEngineFixture(t, nil)
	ctx := context.Background()
	definition := f.seedDefinition(t, Definition{Code: "TEN_VISITS", Category: "attendance", MetricType: MetricAssistanceTotal, TargetValue: 10})

	f.seedAssistances(t, "user-1", 3)
	outcome, err := f.engine.SyncOne(ctx, "user-1", definition)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Progress.ProgressValue != 3 {
		t.Fatalf("expected progress 3, got %d", outcome.Progress.ProgressValue)
	}

	var event Event
	if err := f.db.Where("type = ?", EventProgress).Take(&event).Error; err != nil {
		t.Fatalf("failed to load progress event: %v", err)
	}
	if event.Delta != 3 || event.Value != 3 {
		t.Fatalf("expected delta 3 at value 3, got %d at %d", event.Delta, event.Value)
	}

	// A second sync without movement stays quiet.
	if _, err := f.engine.SyncOne(ctx, "user-1", definition); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var eventCount int64
	if err := f.db.Model(&Event{}).Count(&eventCount).Error; err != nil {
		t.Fatalf("failed to count events: %v", err)
	}
	if eventCount != 1 {
		t.Fatalf("expected one event, got %d", eventCount)
	}
}

func TestSyncNeverAutoUnlocks(t *testing.T) {
	f := newEngineFixture(t, nil)
	definition := f.seedDefinition(t, Definition{Code: "THREE_VISITS", Category: "attendance", MetricType: MetricAssistanceTotal, TargetValue: 3})

	f.seedAssistances(t, "user-1", 5)
	outcome, err := f.engine.SyncOne(context.Background(), "user-1", definition)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !outcome.Eligible {
		t.Fatalf("expected eligible at 5 of 3")
	}
	if outcome.Progress.Unlocked {
		t.Fatalf("sync must not unlock; achievements are claimed explicitly")
	}
	if state := StateOf(outcome.Progress); state != StateEligible {
		t.Fatalf("expected ELIGIBLE state, got %s", state)
	}
}

func TestUnknownMetricIsInert(t *testing.T) {
	f := newEngineFixture(t, nil)
	definition := f.seedDefinition(t, Definition{Code: "MYSTERY", Category: "misc", MetricType: "SOMETHING_NEW", TargetValue: 5})

	outcome, err := f.engine.SyncOne(context.Background(), "user-1", definition)
	if err != nil {
		t.Fatalf("expected unsupported metric to be inert, got error: %v", err)
	}
	if outcome.Progress.ProgressValue != 0 || outcome.Eligible {
		t.Fatalf("expected zero inert progress, got %#v", outcome)
	}
}

func TestUnlockGating(t *testing.T) {
	f := newEngineFixture(t, nil)
	ctx := context.Background()
	definition := f.seedDefinition(t, Definition{Code: "TEN_VISITS", Category: "attendance", MetricType: MetricAssistanceTotal, TargetValue: 10, TokenReward: 100})

	f.seedAssistances(t, "user-1", 9)
	_, err := f.engine.Unlock(ctx, "user-1", definition.ID)
	var insufficient *InsufficientProgressError
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected InsufficientProgressError at 9 of 10, got %v", err)
	}
	if insufficient.Required != 10 || insufficient.Actual != 9 {
		t.Fatalf("expected 9 of 10 in error payload, got %d of %d", insufficient.Actual, insufficient.Required)
	}

	row := attendance.Assistance{ID: "assist-user-1-final", UserID: "user-1", GymID: "gym-1", Day: "2026-02-01", CreatedAt: time.Now()}
	if err := f.db.Create(&row).Error; err != nil {
		t.Fatalf("failed to seed tenth assistance: %v", err)
	}

	result, err := f.engine.Unlock(ctx, "user-1", definition.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Progress.Unlocked || result.Progress.UnlockedAt == nil {
		t.Fatalf("expected unlocked progress, got %#v", result.Progress)
	}
	if result.TokensAwarded != 100 {
		t.Fatalf("expected 100 tokens awarded, got %d", result.TokensAwarded)
	}
	balance, err := f.ledger.GetBalance(ctx, "user-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if balance != 100 {
		t.Fatalf("expected balance 100, got %d", balance)
	}

	var unlockEvents int64
	if err := f.db.Model(&Event{}).Where("type = ?", EventUnlocked).Count(&unlockEvents).Error; err != nil {
		t.Fatalf("failed to count unlock events: %v", err)
	}
	if unlockEvents != 1 {
		t.Fatalf("expected one unlock event, got %d", unlockEvents)
	}

	_, err = f.engine.Unlock(ctx, "user-1", definition.ID)
	if !errors.Is(err, ErrAlreadyUnlocked) {
		t.Fatalf("expected ErrAlreadyUnlocked, got %v", err)
	}
}

func TestUnlockUnknownDefinition(t *testing.T) {
	f := newEngineFixture(t, nil)

	_, err := f.engine.Unlock(context.Background(), "user-1", 404)
	if !errors.Is(err, ErrDefinitionNotFound) {
		t.Fatalf("expected ErrDefinitionNotFound, got %v", err)
	}
}

func TestBodyWeightProgressRespectsDirection(t *testing.T) {
	f := newEngineFixture(t, nil)
	ctx := context.Background()

	samples := []weight.Sample{
		{UserID: "user-1", Kilograms: 90, MeasuredAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)},
		{UserID: "user-1", Kilograms: 84.6, MeasuredAt: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)},
	}
	for i := range samples {
		if err := f.db.Create(&samples[i]).Error; err != nil {
			t.Fatalf("failed to seed sample: %v", err)
		}
	}

	decrease := f.seedDefinition(t, Definition{Code: "LOSE_FIVE", Category: "body", MetricType: MetricBodyWeightProgress, TargetValue: 5, Direction: DirectionDecrease})
	outcome, err := f.engine.SyncOne(ctx, "user-1", decrease)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Progress.ProgressValue != 5 {
		t.Fatalf("expected 5 kg lost, got %d", outcome.Progress.ProgressValue)
	}
	if !outcome.Eligible {
		t.Fatalf("expected eligible at 5 of 5")
	}

	// The same samples in the opposite direction clamp at zero.
	increase := f.seedDefinition(t, Definition{Code: "GAIN_FIVE", Category: "body", MetricType: MetricBodyWeightProgress, TargetValue: 5, Direction: DirectionIncrease})
	outcome, err = f.engine.SyncOne(ctx, "user-1", increase)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Progress.ProgressValue != 0 {
		t.Fatalf("expected clamped zero progress, got %d", outcome.Progress.ProgressValue)
	}
}

func TestTokenSpentTotalMetric(t *testing.T) {
	f := newEngineFixture(t, nil)
	ctx := context.Background()

	if _, err := f.ledger.ApplyMovement(ctx, ledger.Movement{UserID: "user-1", Delta: 200, Reason: ledger.ReasonManualAdjustment}); err != nil {
		t.Fatalf("credit failed: %v", err)
	}
	for i, spend := range []int64{-30, -45} {
		if _, err := f.ledger.ApplyMovement(ctx, ledger.Movement{UserID: "user-1", Delta: spend, Reason: ledger.ReasonRewardClaim, RefType: "reward", RefID: fmt.Sprintf("claim-%d", i)}); err != nil {
			t.Fatalf("spend failed: %v", err)
		}
	}

	definition := f.seedDefinition(t, Definition{Code: "BIG_SPENDER", Category: "economy", MetricType: MetricTokenSpentTotal, TargetValue: 75})
	outcome, err := f.engine.SyncOne(ctx, "user-1", definition)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Progress.ProgressValue != 75 {
		t.Fatalf("expected 75 tokens spent, got %d", outcome.Progress.ProgressValue)
	}
	if !outcome.Eligible {
		t.Fatalf("expected eligible at 75 of 75")
	}
}

func TestStreakDaysMetric(t *testing.T) {
	f := newEngineFixture(t, nil)

	record := streak.Streak{UserID: "user-1", Value: 7, UpdatedAt: time.Now()}
	if err := f.db.Create(&record).Error; err != nil {
		t.Fatalf("failed to seed streak: %v", err)
	}

	definition := f.seedDefinition(t, Definition{Code: "WEEK_STREAK", Category: "streak", MetricType: MetricStreakDays, TargetValue: 7})
	outcome, err := f.engine.SyncOne(context.Background(), "user-1", definition)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Progress.ProgressValue != 7 || !outcome.Eligible {
		t.Fatalf("expected eligible at 7 of 7, got %#v", outcome)
	}
}

func TestListProgressStates(t *testing.T) {
	f := newEngineFixture(t, nil)
	ctx := context.Background()

	f.seedDefinition(t, Definition{Code: "NEVER_SYNCED", Category: "attendance", MetricType: MetricAssistanceTotal, TargetValue: 3})
	inProgress := f.seedDefinition(t, Definition{Code: "IN_PROGRESS", Category: "attendance", MetricType: MetricAssistanceTotal, TargetValue: 100})
	eligibleDef := f.seedDefinition(t, Definition{Code: "ELIGIBLE", Category: "attendance", MetricType: MetricAssistanceTotal, TargetValue: 2})

	f.seedAssistances(t, "user-1", 2)
	if _, err := f.engine.SyncOne(ctx, "user-1", inProgress); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := f.engine.SyncOne(ctx, "user-1", eligibleDef); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	views, err := f.engine.ListProgress(ctx, "user-1", "attendance")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(views) != 3 {
		t.Fatalf("expected 3 views, got %d", len(views))
	}
	states := map[string]State{}
	for _, view := range views {
		states[view.Definition.Code] = view.State
	}
	if states["NEVER_SYNCED"] != StateNotStarted {
		t.Fatalf("expected NOT_STARTED, got %s", states["NEVER_SYNCED"])
	}
	if states["IN_PROGRESS"] != StateInProgress {
		t.Fatalf("expected IN_PROGRESS, got %s", states["IN_PROGRESS"])
	}
	if states["ELIGIBLE"] != StateEligible {
		t.Fatalf("expected ELIGIBLE, got %s", states["ELIGIBLE"])
	}
}
