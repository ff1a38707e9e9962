package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stridefit/stride-backend/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingUserID   = errors.New("user identifier is required")
	errZeroDelta       = errors.New("movement delta must be non-zero")
	noOpLogger         = zap.NewNop()

	// ErrInsufficientBalance indicates the movement would drive the balance negative.
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")
)

const (
	opServiceNew     = "ledger.service.new"
	opApplyMovement  = "ledger.apply_movement"
	opGetBalance     = "ledger.get_balance"
	opGetHistory     = "ledger.get_history"
	opExistsMovement = "ledger.exists_movement"
)

// ServiceError carries a dotted operation code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the dotted operation code.
func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// ServiceConfig describes the dependencies of the ledger service.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service owns the token ledger and the derived balance rows. It is the
// single mutation path for user balances.
type Service struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewService constructs the ledger service.
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

// Movement describes a requested balance change.
type Movement struct {
	UserID  string
	Delta   int64
	Reason  Reason
	RefType string
	RefID   string
}

// MovementResult reports the outcome of an applied movement.
type MovementResult struct {
	PreviousBalance int64
	NewBalance      int64
	Entry           Entry
}

// ApplyMovement applies the movement in its own transaction. Callers that
// need idempotency must probe ExistsMovement first; the store itself does
// not deduplicate by reference.
func (s *Service) ApplyMovement(ctx context.Context, movement Movement) (MovementResult, error) {
	var result MovementResult
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		applied, err := s.ApplyMovementTx(ctx, tx, movement)
		if err != nil {
			return err
		}
		result = applied
		return nil
	})
	if txErr != nil {
		return MovementResult{}, txErr
	}
	return result, nil
}

// ApplyMovementTx applies the movement inside the caller's transaction.
// The user's balance row is locked for the duration, serializing
// concurrent movements for the same user.
func (s *Service) ApplyMovementTx(ctx context.Context, tx *gorm.DB, movement Movement) (MovementResult, error) {
	if movement.UserID == "" {
		return MovementResult{}, newServiceError(opApplyMovement, "missing_user_id", errMissingUserID)
	}
	if movement.Delta == 0 {
		return MovementResult{}, newServiceError(opApplyMovement, "zero_delta", errZeroDelta)
	}

	balance, err := s.lockBalance(tx, movement.UserID)
	if err != nil {
		s.logError(opApplyMovement, "balance_lock_failed", err, zap.String("user_id", movement.UserID))
		return MovementResult{}, newServiceError(opApplyMovement, "balance_lock_failed", err)
	}

	previous := balance.Tokens
	next := previous + movement.Delta
	if next < 0 {
		return MovementResult{}, fmt.Errorf("%w: balance %d, delta %d", ErrInsufficientBalance, previous, movement.Delta)
	}

	now := s.clock().UTC()
	entry := Entry{
		UserID:       movement.UserID,
		Delta:        movement.Delta,
		Reason:       movement.Reason,
		RefType:      movement.RefType,
		RefID:        movement.RefID,
		BalanceAfter: next,
		CreatedAt:    now,
	}
	if err := tx.Create(&entry).Error; err != nil {
		s.logError(opApplyMovement, "entry_insert_failed", err, zap.String("user_id", movement.UserID))
		return MovementResult{}, newServiceError(opApplyMovement, "entry_insert_failed", err)
	}

	updates := map[string]interface{}{"tokens": next, "updated_at": now}
	if err := tx.Model(&Balance{}).Where("user_id = ?", movement.UserID).Updates(updates).Error; err != nil {
		s.logError(opApplyMovement, "balance_update_failed", err, zap.String("user_id", movement.UserID))
		return MovementResult{}, newServiceError(opApplyMovement, "balance_update_failed", err)
	}

	// Keep the profile display balance in sync within the same transaction.
	// Users without a profile row simply have nothing to refresh.
	if err := tx.Model(&users.Profile{}).
		Where("user_id = ?", movement.UserID).
		Update("tokens", next).Error; err != nil {
		s.logError(opApplyMovement, "profile_sync_failed", err, zap.String("user_id", movement.UserID))
		return MovementResult{}, newServiceError(opApplyMovement, "profile_sync_failed", err)
	}

	return MovementResult{PreviousBalance: previous, NewBalance: next, Entry: entry}, nil
}

// lockBalance takes an exclusive row lock on the user's balance, creating
// the row at zero on first use.
func (s *Service) lockBalance(tx *gorm.DB, userID string) (Balance, error) {
	var balance Balance
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ?", userID).
		Take(&balance).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		balance = Balance{UserID: userID, Tokens: 0, UpdatedAt: s.clock().UTC()}
		if createErr := tx.Create(&balance).Error; createErr != nil {
			return Balance{}, createErr
		}
		return balance, nil
	}
	if err != nil {
		return Balance{}, err
	}
	return balance, nil
}

// GetBalance returns the current token balance, zero when the user has no
// ledger activity yet. Read-only, unlocked.
func (s *Service) GetBalance(ctx context.Context, userID string) (int64, error) {
	if userID == "" {
		return 0, newServiceError(opGetBalance, "missing_user_id", errMissingUserID)
	}
	var balance Balance
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).Take(&balance).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		s.logError(opGetBalance, "query_failed", err, zap.String("user_id", userID))
		return 0, newServiceError(opGetBalance, "query_failed", err)
	}
	return balance.Tokens, nil
}

const defaultHistoryPageSize = 50

// GetHistory returns a page of ledger entries, newest first. Pages are
// 1-based. Read-only, unlocked.
func (s *Service) GetHistory(ctx context.Context, userID string, page, pageSize int) ([]Entry, int64, error) {
	if userID == "" {
		return nil, 0, newServiceError(opGetHistory, "missing_user_id", errMissingUserID)
	}
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = defaultHistoryPageSize
	}

	var total int64
	if err := s.db.WithContext(ctx).Model(&Entry{}).Where("user_id = ?", userID).Count(&total).Error; err != nil {
		s.logError(opGetHistory, "count_failed", err, zap.String("user_id", userID))
		return nil, 0, newServiceError(opGetHistory, "count_failed", err)
	}

	var entries []Entry
	if err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("id DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&entries).Error; err != nil {
		s.logError(opGetHistory, "query_failed", err, zap.String("user_id", userID))
		return nil, 0, newServiceError(opGetHistory, "query_failed", err)
	}
	return entries, total, nil
}

// ExistsMovement reports whether an entry with the given reference has been
// recorded. Idempotent callers probe this before ApplyMovement.
func (s *Service) ExistsMovement(ctx context.Context, refType, refID string) (bool, error) {
	return s.ExistsMovementTx(ctx, s.db.WithContext(ctx), refType, refID)
}

// ExistsMovementTx is ExistsMovement inside the caller's transaction.
func (s *Service) ExistsMovementTx(_ context.Context, tx *gorm.DB, refType, refID string) (bool, error) {
	if refType == "" || refID == "" {
		return false, newServiceError(opExistsMovement, "missing_reference", errors.New("ref type and ref id are required"))
	}
	var count int64
	if err := tx.Model(&Entry{}).
		Where("ref_type = ? AND ref_id = ?", refType, refID).
		Count(&count).Error; err != nil {
		s.logError(opExistsMovement, "query_failed", err, zap.String("ref_type", refType), zap.String("ref_id", refID))
		return false, newServiceError(opExistsMovement, "query_failed", err)
	}
	return count > 0, nil
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
	s.logger.Error("ledger service error", attrs...)
}
