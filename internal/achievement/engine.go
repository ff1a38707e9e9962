package achievement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingUserID     = errors.New("user identifier is required")
	noOpLogger           = zap.NewNop()

	// ErrNotFound indicates no progress row exists for the (user, definition) pair.
	ErrNotFound = errors.New("achievement: progress not found")
	// ErrDefinitionNotFound indicates the definition does not exist.
	ErrDefinitionNotFound = errors.New("achievement: definition not found")
	// ErrAlreadyUnlocked indicates the achievement was unlocked before.
	ErrAlreadyUnlocked = errors.New("achievement: already unlocked")
)

// InsufficientProgressError reports an unlock attempt below the target,
// carrying both sides for the user-facing message.
type InsufficientProgressError struct {
	Required int64
	Actual   int64
}

func (e *InsufficientProgressError) Error() string {
	return fmt.Sprintf("achievement: insufficient progress: %d of %d", e.Actual, e.Required)
}

const (
	opEngineNew      = "achievement.engine.new"
	opSyncOne        = "achievement.sync_one"
	opSyncAll        = "achievement.sync_all"
	opListProgress   = "achievement.list_progress"
	opUnlock         = "achievement.unlock"
	opGetDefinition  = "achievement.get_definition"
	opListDefinition = "achievement.list_definitions"
)

func newEngineError(operation, reason string, cause error) error {
	return fmt.Errorf("%s.%s: %w", operation, reason, cause)
}

// EngineConfig describes the dependencies of the achievement engine.
type EngineConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
	Dispatcher *Dispatcher
}

// Engine synchronizes cached achievement progress against the live metric
// calculators and performs the manual unlock transition.
type Engine struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
	dispatcher *Dispatcher
}

// NewEngine constructs the achievement engine.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Database == nil {
		return nil, newEngineError(opEngineNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newEngineError(opEngineNew, "missing_id_provider", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Engine{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
		dispatcher: cfg.Dispatcher,
	}, nil
}

// eligible applies the target rule: a positive denominator requires the
// value to reach it; otherwise any positive value qualifies.
func eligible(value, denominator int64) bool {
	if denominator > 0 {
		return value >= denominator
	}
	return value > 0
}

// StateOf derives the lifecycle state for a progress row.
func StateOf(progress Progress) State {
	switch {
	case progress.Unlocked:
		return StateUnlocked
	case eligible(progress.ProgressValue, progress.ProgressDenominator):
		return StateEligible
	case progress.ProgressValue > 0:
		return StateInProgress
	default:
		return StateNotStarted
	}
}

// SyncOutcome reports the refreshed snapshot for one definition.
type SyncOutcome struct {
	Progress Progress
	Eligible bool
}

// SyncOne refreshes the cached progress for one definition from the live
// metric, creating the row lazily and recording a PROGRESS event when the
// value moved. Reaching the target never unlocks here: achievements are
// claimed through Unlock, not auto-granted.
func (e *Engine) SyncOne(ctx context.Context, userID string, definition Definition) (SyncOutcome, error) {
	if userID == "" {
		return SyncOutcome{}, newEngineError(opSyncOne, "missing_user_id", errMissingUserID)
	}
	var outcome SyncOutcome
	txErr := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		refreshed, err := e.syncOneTx(tx, userID, definition)
		if err != nil {
			return err
		}
		outcome = refreshed
		return nil
	})
	if txErr != nil {
		return SyncOutcome{}, txErr
	}
	return outcome, nil
}

func (e *Engine) syncOneTx(tx *gorm.DB, userID string, definition Definition) (SyncOutcome, error) {
	progress, err := e.lockOrCreateProgress(tx, userID, definition)
	if err != nil {
		e.logError(opSyncOne, "progress_load_failed", err, zap.String("user_id", userID), zap.String("code", definition.Code))
		return SyncOutcome{}, newEngineError(opSyncOne, "progress_load_failed", err)
	}

	metric, err := computeMetric(tx, userID, definition)
	if err != nil {
		e.logError(opSyncOne, "metric_failed", err, zap.String("user_id", userID), zap.String("code", definition.Code))
		return SyncOutcome{}, newEngineError(opSyncOne, "metric_failed", err)
	}

	if metric.Value != progress.ProgressValue {
		delta := metric.Value - progress.ProgressValue
		if err := e.appendEvent(tx, progress.ID, EventProgress, delta, metric.Value); err != nil {
			return SyncOutcome{}, newEngineError(opSyncOne, "event_insert_failed", err)
		}
		progress.ProgressValue = metric.Value
		progress.UpdatedAt = e.clock().UTC()
		if err := tx.Save(&progress).Error; err != nil {
			e.logError(opSyncOne, "progress_save_failed", err, zap.String("user_id", userID), zap.String("code", definition.Code))
			return SyncOutcome{}, newEngineError(opSyncOne, "progress_save_failed", err)
		}
	}

	return SyncOutcome{
		Progress: progress,
		Eligible: eligible(progress.ProgressValue, progress.ProgressDenominator),
	}, nil
}

// SyncAll refreshes every definition, optionally filtered by category.
func (e *Engine) SyncAll(ctx context.Context, userID string, categories ...string) ([]SyncOutcome, error) {
	definitions, err := e.ListDefinitions(ctx, categories...)
	if err != nil {
		return nil, err
	}
	outcomes := make([]SyncOutcome, 0, len(definitions))
	for _, definition := range definitions {
		outcome, err := e.SyncOne(ctx, userID, definition)
		if err != nil {
			return nil, newEngineError(opSyncAll, "sync_failed", err)
		}
		outcomes = append(outcomes, outcome)
	}
	return outcomes, nil
}

// ProgressView pairs a definition with the user's standing against it.
type ProgressView struct {
	Definition Definition
	Progress   Progress
	State      State
}

// ListProgress returns the user's standing against every definition,
// optionally filtered by category. Definitions never synced show as
// NOT_STARTED with the target as denominator.
func (e *Engine) ListProgress(ctx context.Context, userID string, categories ...string) ([]ProgressView, error) {
	if userID == "" {
		return nil, newEngineError(opListProgress, "missing_user_id", errMissingUserID)
	}
	definitions, err := e.ListDefinitions(ctx, categories...)
	if err != nil {
		return nil, err
	}

	var rows []Progress
	if err := e.db.WithContext(ctx).Where("user_id = ?", userID).Find(&rows).Error; err != nil {
		e.logError(opListProgress, "query_failed", err, zap.String("user_id", userID))
		return nil, newEngineError(opListProgress, "query_failed", err)
	}
	byDefinition := make(map[uint]Progress, len(rows))
	for _, row := range rows {
		byDefinition[row.DefinitionID] = row
	}

	views := make([]ProgressView, 0, len(definitions))
	for _, definition := range definitions {
		progress, ok := byDefinition[definition.ID]
		if !ok {
			progress = Progress{
				UserID:              userID,
				DefinitionID:        definition.ID,
				ProgressDenominator: definition.TargetValue,
			}
		}
		views = append(views, ProgressView{
			Definition: definition,
			Progress:   progress,
			State:      StateOf(progress),
		})
	}
	return views, nil
}

// UnlockResult reports a successful manual unlock.
type UnlockResult struct {
	Progress      Progress
	TokensAwarded int64
}

// Unlock performs the ELIGIBLE -> UNLOCKED transition. Progress is synced
// first, then re-validated under lock before the flip; the reward and
// notification are dispatched only after the transaction commits, so a
// delivery failure cannot roll back the unlock.
func (e *Engine) Unlock(ctx context.Context, userID string, definitionID uint) (UnlockResult, error) {
	if userID == "" {
		return UnlockResult{}, newEngineError(opUnlock, "missing_user_id", errMissingUserID)
	}
	definition, err := e.GetDefinition(ctx, definitionID)
	if err != nil {
		return UnlockResult{}, err
	}

	if _, err := e.SyncOne(ctx, userID, definition); err != nil {
		return UnlockResult{}, err
	}

	var unlocked Progress
	txErr := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var progress Progress
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("user_id = ? AND definition_id = ?", userID, definitionID).
			Take(&progress).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		if err != nil {
			e.logError(opUnlock, "progress_lock_failed", err, zap.String("user_id", userID))
			return newEngineError(opUnlock, "progress_lock_failed", err)
		}
		if progress.Unlocked {
			return ErrAlreadyUnlocked
		}

		// Recompute under lock; the advisory sync above may already be stale.
		metric, err := computeMetric(tx, userID, definition)
		if err != nil {
			e.logError(opUnlock, "metric_failed", err, zap.String("user_id", userID))
			return newEngineError(opUnlock, "metric_failed", err)
		}
		if !eligible(metric.Value, progress.ProgressDenominator) {
			return &InsufficientProgressError{Required: progress.ProgressDenominator, Actual: metric.Value}
		}

		now := e.clock().UTC()
		progress.ProgressValue = metric.Value
		progress.Unlocked = true
		progress.UnlockedAt = &now
		progress.UpdatedAt = now
		if err := tx.Save(&progress).Error; err != nil {
			e.logError(opUnlock, "progress_save_failed", err, zap.String("user_id", userID))
			return newEngineError(opUnlock, "progress_save_failed", err)
		}
		if err := e.appendEvent(tx, progress.ID, EventUnlocked, 0, metric.Value); err != nil {
			return newEngineError(opUnlock, "event_insert_failed", err)
		}
		unlocked = progress
		return nil
	})
	if txErr != nil {
		return UnlockResult{}, txErr
	}

	result := UnlockResult{Progress: unlocked}
	if e.dispatcher != nil {
		awarded, err := e.dispatcher.HandleUnlock(ctx, userID, definition, unlocked.ID)
		if err != nil {
			// The unlock is committed; the reward is reconciled later by the
			// periodic re-run, which ExistsMovement makes safe.
			e.logError(opUnlock, "dispatch_failed", err, zap.String("user_id", userID), zap.String("progress_id", unlocked.ID))
		}
		result.TokensAwarded = awarded
	}
	return result, nil
}

// GetDefinition loads one definition by identifier.
func (e *Engine) GetDefinition(ctx context.Context, definitionID uint) (Definition, error) {
	var definition Definition
	err := e.db.WithContext(ctx).Where("id = ?", definitionID).Take(&definition).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Definition{}, ErrDefinitionNotFound
	}
	if err != nil {
		e.logError(opGetDefinition, "query_failed", err)
		return Definition{}, newEngineError(opGetDefinition, "query_failed", err)
	}
	return definition, nil
}

// ListDefinitions returns the catalog, optionally filtered by category.
func (e *Engine) ListDefinitions(ctx context.Context, categories ...string) ([]Definition, error) {
	query := e.db.WithContext(ctx).Order("id ASC")
	if len(categories) > 0 {
		query = query.Where("category IN ?", categories)
	}
	var definitions []Definition
	if err := query.Find(&definitions).Error; err != nil {
		e.logError(opListDefinition, "query_failed", err)
		return nil, newEngineError(opListDefinition, "query_failed", err)
	}
	return definitions, nil
}

func (e *Engine) lockOrCreateProgress(tx *gorm.DB, userID string, definition Definition) (Progress, error) {
	var progress Progress
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ? AND definition_id = ?", userID, definition.ID).
		Take(&progress).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		progressID, idErr := e.idProvider.NewID()
		if idErr != nil {
			return Progress{}, idErr
		}
		now := e.clock().UTC()
		progress = Progress{
			ID:                  progressID,
			UserID:              userID,
			DefinitionID:        definition.ID,
			ProgressValue:       0,
			ProgressDenominator: definition.TargetValue,
			CreatedAt:           now,
			UpdatedAt:           now,
		}
		if createErr := tx.Create(&progress).Error; createErr != nil {
			return Progress{}, createErr
		}
		return progress, nil
	}
	if err != nil {
		return Progress{}, err
	}
	return progress, nil
}

func (e *Engine) appendEvent(tx *gorm.DB, progressID string, eventType EventType, delta, value int64) error {
	eventID, err := e.idProvider.NewID()
	if err != nil {
		return err
	}
	event := Event{
		ID:         eventID,
		ProgressID: progressID,
		Type:       eventType,
		Delta:      delta,
		Value:      value,
		CreatedAt:  e.clock().UTC(),
	}
	return tx.Create(&event).Error
}

func (e *Engine) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	e.logger.Error("achievement engine error", attrs...)
}
