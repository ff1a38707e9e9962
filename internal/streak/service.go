package streak

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
	errMissingDatabase = errors.New("database handle is required")
	errMissingUserID   = errors.New("user identifier is required")
	noOpLogger         = zap.NewNop()

	// ErrNoRecoveryItems indicates the user holds no recovery items to spend.
	ErrNoRecoveryItems = errors.New("streak: no recovery items")
)

const (
	opServiceNew      = "streak.service.new"
	opAdvance         = "streak.advance"
	opGetCurrent      = "streak.get_current"
	opUseRecoveryItem = "streak.use_recovery_item"
	opReset           = "streak.reset"
	opGrantRecovery   = "streak.grant_recovery"
)

func newServiceError(operation, reason string, cause error) error {
	return fmt.Errorf("%s.%s: %w", operation, reason, cause)
}

// ServiceConfig describes the dependencies of the streak service.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service owns per-user streak state. The transition table is driven by
// attendance events:
//
//	attended the previous day  -> value + 1
//	gap, recovery item held    -> consume one item, value unchanged
//	gap, no recovery item      -> lastValue = value, value = 1
type Service struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewService constructs the streak service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{db: cfg.Database, clock: clock, logger: logger}, nil
}

// Outcome reports the transition applied by Advance.
type Outcome struct {
	Value            int64
	LastValue        int64
	RecoveryConsumed bool
	Reset            bool
}

// Advance applies one attendance event inside the caller's transaction.
// attendedPreviousDay is the continuity signal computed by the attendance
// recorder from its own rows (same gym, calendar day D-1).
func (s *Service) Advance(ctx context.Context, tx *gorm.DB, userID string, attendedPreviousDay bool) (Outcome, error) {
	record, err := s.lock(tx, userID)
	if err != nil {
		s.logError(opAdvance, "lock_failed", err, zap.String("user_id", userID))
		return Outcome{}, newServiceError(opAdvance, "lock_failed", err)
	}

	outcome := Outcome{}
	switch {
	case attendedPreviousDay:
		record.Value++
	case record.RecoveryItems > 0:
		record.RecoveryItems--
		outcome.RecoveryConsumed = true
	default:
		record.LastValue = record.Value
		record.Value = 1
		outcome.Reset = true
	}
	record.UpdatedAt = s.clock().UTC()

	if err := tx.Save(&record).Error; err != nil {
		s.logError(opAdvance, "save_failed", err, zap.String("user_id", userID))
		return Outcome{}, newServiceError(opAdvance, "save_failed", err)
	}
	outcome.Value = record.Value
	outcome.LastValue = record.LastValue
	return outcome, nil
}

// GetCurrent returns the user's streak, creating the zero row lazily.
func (s *Service) GetCurrent(ctx context.Context, userID string) (Streak, error) {
	if userID == "" {
		return Streak{}, newServiceError(opGetCurrent, "missing_user_id", errMissingUserID)
	}
	var record Streak
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		record = Streak{UserID: userID, UpdatedAt: s.clock().UTC()}
		if createErr := s.db.WithContext(ctx).Create(&record).Error; createErr != nil {
			if errors.Is(createErr, gorm.ErrDuplicatedKey) {
				return s.GetCurrent(ctx, userID)
			}
			return Streak{}, newServiceError(opGetCurrent, "create_failed", createErr)
		}
		return record, nil
	}
	if err != nil {
		s.logError(opGetCurrent, "query_failed", err, zap.String("user_id", userID))
		return Streak{}, newServiceError(opGetCurrent, "query_failed", err)
	}
	return record, nil
}

// UseRecoveryItem spends one recovery item to pre-emptively protect the
// streak. Fails with ErrNoRecoveryItems when none are held.
func (s *Service) UseRecoveryItem(ctx context.Context, userID string) (Streak, error) {
	if userID == "" {
		return Streak{}, newServiceError(opUseRecoveryItem, "missing_user_id", errMissingUserID)
	}
	var record Streak
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		locked, err := s.lock(tx, userID)
		if err != nil {
			return newServiceError(opUseRecoveryItem, "lock_failed", err)
		}
		if locked.RecoveryItems <= 0 {
			return ErrNoRecoveryItems
		}
		locked.RecoveryItems--
		locked.UpdatedAt = s.clock().UTC()
		if err := tx.Save(&locked).Error; err != nil {
			return newServiceError(opUseRecoveryItem, "save_failed", err)
		}
		record = locked
		return nil
	})
	if txErr != nil {
		return Streak{}, txErr
	}
	return record, nil
}

// Reset zeroes the streak directly. Admin operation outside the normal
// transition path.
func (s *Service) Reset(ctx context.Context, userID string) (Streak, error) {
	if userID == "" {
		return Streak{}, newServiceError(opReset, "missing_user_id", errMissingUserID)
	}
	var record Streak
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		locked, err := s.lock(tx, userID)
		if err != nil {
			return newServiceError(opReset, "lock_failed", err)
		}
		locked.LastValue = locked.Value
		locked.Value = 0
		locked.UpdatedAt = s.clock().UTC()
		if err := tx.Save(&locked).Error; err != nil {
			return newServiceError(opReset, "save_failed", err)
		}
		record = locked
		return nil
	})
	if txErr != nil {
		return Streak{}, txErr
	}
	return record, nil
}

// GrantRecovery adds recovery items directly. Admin operation.
func (s *Service) GrantRecovery(ctx context.Context, userID string, count int64) (Streak, error) {
	if userID == "" {
		return Streak{}, newServiceError(opGrantRecovery, "missing_user_id", errMissingUserID)
	}
	if count <= 0 {
		return Streak{}, newServiceError(opGrantRecovery, "invalid_count", fmt.Errorf("count must be positive, got %d", count))
	}
	var record Streak
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		locked, err := s.lock(tx, userID)
		if err != nil {
			return newServiceError(opGrantRecovery, "lock_failed", err)
		}
		locked.RecoveryItems += count
		locked.UpdatedAt = s.clock().UTC()
		if err := tx.Save(&locked).Error; err != nil {
			return newServiceError(opGrantRecovery, "save_failed", err)
		}
		record = locked
		return nil
	})
	if txErr != nil {
		return Streak{}, txErr
	}
	return record, nil
}

func (s *Service) lock(tx *gorm.DB, userID string) (Streak, error) {
	if userID == "" {
		return Streak{}, errMissingUserID
	}
	var record Streak
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ?", userID).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		record = Streak{UserID: userID, UpdatedAt: s.clock().UTC()}
		if createErr := tx.Create(&record).Error; createErr != nil {
			return Streak{}, createErr
		}
		return record, nil
	}
	if err != nil {
		return Streak{}, err
	}
	return record, nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("streak service error", attrs...)
}
