package achievement

import (
	"context"
	"errors"
	"fmt"

	"github.com/stridefit/stride-backend/internal/ledger"
	"github.com/stridefit/stride-backend/internal/notify"
	"go.uber.org/zap"
)

const (
	opDispatcherNew  = "achievement.dispatcher.new"
	opHandleUnlock   = "achievement.handle_unlock"
	refTypeUnlock    = "achievement"
	notificationType = "ACHIEVEMENT_UNLOCKED"
)

var errMissingLedger = errors.New("ledger service is required")

// DispatcherConfig describes the dependencies of the side-effect dispatcher.
type DispatcherConfig struct {
	Ledger   *ledger.Service
	Notifier notify.Notifier
	Logger   *zap.Logger
}

// Dispatcher issues the reward and notification for an unlock exactly once,
// independent of retries. It runs after the unlock transaction commits.
type Dispatcher struct {
	ledger   *ledger.Service
	notifier notify.Notifier
	logger   *zap.Logger
}

// NewDispatcher constructs the side-effect dispatcher.
func NewDispatcher(cfg DispatcherConfig) (*Dispatcher, error) {
	if cfg.Ledger == nil {
		return nil, fmt.Errorf("%s.missing_ledger: %w", opDispatcherNew, errMissingLedger)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Dispatcher{ledger: cfg.Ledger, notifier: cfg.Notifier, logger: logger}, nil
}

// HandleUnlock sends the unlock notification and credits the token reward.
// The notification is best-effort: a delivery failure is logged and never
// surfaces to the caller. The reward is idempotent by ("achievement",
// progressID), so re-running for an already-rewarded unlock is a no-op;
// the returned amount is what this invocation credited.
func (d *Dispatcher) HandleUnlock(ctx context.Context, userID string, definition Definition, progressID string) (int64, error) {
	if d.notifier != nil {
		notification := notify.Notification{
			UserID:  userID,
			Type:    notificationType,
			Title:   definition.Code,
			Message: definition.UnlockMessage,
		}
		if err := d.notifier.Send(ctx, notification); err != nil {
			d.logger.Warn("unlock notification failed",
				zap.String("operation", opHandleUnlock),
				zap.String("user_id", userID),
				zap.String("progress_id", progressID),
				zap.Error(err))
		}
	}

	if definition.TokenReward <= 0 {
		return 0, nil
	}

	exists, err := d.ledger.ExistsMovement(ctx, refTypeUnlock, progressID)
	if err != nil {
		return 0, fmt.Errorf("%s.exists_probe_failed: %w", opHandleUnlock, err)
	}
	if exists {
		return 0, nil
	}

	result, err := d.ledger.ApplyMovement(ctx, ledger.Movement{
		UserID:  userID,
		Delta:   definition.TokenReward,
		Reason:  ledger.ReasonAchievementUnlocked,
		RefType: refTypeUnlock,
		RefID:   progressID,
	})
	if err != nil {
		return 0, fmt.Errorf("%s.reward_failed: %w", opHandleUnlock, err)
	}
	return result.Entry.Delta, nil
}
