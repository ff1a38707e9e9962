package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/stridefit/stride-backend/internal/achievement"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const reconcilerTimeout = 2 * time.Minute

// RewardReconciler re-runs the unlock side effects for achievements whose
// reward never landed in the ledger, typically because the process died
// between the unlock commit and the dispatch. Re-running is safe: the
// dispatcher keys every credit by progress id.
type RewardReconciler struct {
	db         *gorm.DB
	engine     *achievement.Engine
	dispatcher *achievement.Dispatcher
	logger     *zap.Logger
}

// NewRewardReconciler constructs the reconciler.
func NewRewardReconciler(db *gorm.DB, engine *achievement.Engine, dispatcher *achievement.Dispatcher, logger *zap.Logger) (*RewardReconciler, error) {
	if db == nil {
		return nil, fmt.Errorf("jobs: database handle required")
	}
	if engine == nil || dispatcher == nil {
		return nil, fmt.Errorf("jobs: achievement engine and dispatcher required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RewardReconciler{db: db, engine: engine, dispatcher: dispatcher, logger: logger}, nil
}

// Run implements cron.Job.
func (r *RewardReconciler) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), reconcilerTimeout)
	defer cancel()
	if err := r.Reconcile(ctx); err != nil {
		r.logger.Error("reward reconciliation failed", zap.Error(err))
	}
}

// Reconcile finds unlocked progress rows with a positive reward and no
// matching ledger movement, and dispatches each.
func (r *RewardReconciler) Reconcile(ctx context.Context) error {
	var pending []achievement.Progress
	err := r.db.WithContext(ctx).
		Model(&achievement.Progress{}).
		Joins("JOIN achievement_definitions ON achievement_definitions.id = user_achievement_progress.definition_id").
		Where("user_achievement_progress.unlocked = ?", true).
		Where("achievement_definitions.token_reward > 0").
		Where("NOT EXISTS (SELECT 1 FROM ledger_entries WHERE ledger_entries.ref_type = 'achievement' AND ledger_entries.ref_id = user_achievement_progress.progress_id)").
		Find(&pending).Error
	if err != nil {
		return fmt.Errorf("jobs: pending reward query failed: %w", err)
	}

	for _, progress := range pending {
		definition, err := r.engine.GetDefinition(ctx, progress.DefinitionID)
		if err != nil {
			r.logger.Error("reconciler definition lookup failed",
				zap.String("progress_id", progress.ID),
				zap.Error(err))
			continue
		}
		awarded, err := r.dispatcher.HandleUnlock(ctx, progress.UserID, definition, progress.ID)
		if err != nil {
			r.logger.Error("reconciler dispatch failed",
				zap.String("progress_id", progress.ID),
				zap.Error(err))
			continue
		}
		if awarded > 0 {
			r.logger.Info("reconciled missing unlock reward",
				zap.String("user_id", progress.UserID),
				zap.String("progress_id", progress.ID),
				zap.Int64("tokens", awarded))
		}
	}
	return nil
}
