package attendance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stridefit/stride-backend/internal/gym"
	"github.com/stridefit/stride-backend/internal/ledger"
	"github.com/stridefit/stride-backend/internal/streak"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingGyms       = errors.New("gym store is required")
	errMissingLedger     = errors.New("ledger service is required")
	errMissingStreaks    = errors.New("streak service is required")
	errMissingUserID     = errors.New("user identifier is required")
	noOpLogger           = zap.NewNop()

	// ErrGPSInaccurate indicates the reported accuracy exceeds the configured maximum.
	ErrGPSInaccurate = errors.New("attendance: gps accuracy too low")
	// ErrDuplicateCheckIn indicates an attendance already exists for (user, gym, day).
	ErrDuplicateCheckIn = errors.New("attendance: already checked in today")
)

// OutOfRangeError reports a check-in outside the gym's geofence, carrying
// the computed distance for the user-facing message.
type OutOfRangeError struct {
	DistanceMeters float64
	AllowedMeters  float64
}

func (e *OutOfRangeError) Error() string {
	return fmt.Sprintf("attendance: out of range: %.1fm away, %.1fm allowed", e.DistanceMeters, e.AllowedMeters)
}

const (
	opServiceNew    = "attendance.service.new"
	opRecordCheckIn = "attendance.record_check_in"

	refTypeAssistance = "assistance"
	refTypeWeeklyGoal = "weekly_goal"
)

func newServiceError(operation, reason string, cause error) error {
	return fmt.Errorf("%s.%s: %w", operation, reason, cause)
}

// GymFinder supplies the registered coordinate and geofence radius.
type GymFinder interface {
	FindByID(ctx context.Context, id string) (gym.Gym, error)
}

// WeeklyCounter tracks attendances per ISO week. Implemented by the redis
// frequency store; goalMet reports whether this increment reached the goal.
type WeeklyCounter interface {
	IncrementWeeklyAttendance(ctx context.Context, userID string, day time.Time) (count int64, goalMet bool, err error)
	WeekKey(userID string, day time.Time) string
}

// ServiceConfig describes the dependencies of the attendance recorder.
type ServiceConfig struct {
	Database          *gorm.DB
	Clock             func() time.Time
	IDProvider        IDProvider
	Logger            *zap.Logger
	Gyms              GymFinder
	Ledger            *ledger.Service
	Streaks           *streak.Service
	Frequency         WeeklyCounter
	MaxAccuracyMeters float64
	AttendanceTokens  int64
	WeeklyBonusTokens int64
}

const (
	defaultMaxAccuracyMeters = 50.0
	defaultAttendanceTokens  = 10
)

// Service validates check-ins and orchestrates the attendance side effects
// as a single unit of work.
type Service struct {
	db                *gorm.DB
	clock             func() time.Time
	idProvider        IDProvider
	logger            *zap.Logger
	gyms              GymFinder
	ledger            *ledger.Service
	streaks           *streak.Service
	frequency         WeeklyCounter
	maxAccuracyMeters float64
	attendanceTokens  int64
	weeklyBonusTokens int64
}

// NewService constructs the attendance recorder.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}
	if cfg.Gyms == nil {
		return nil, newServiceError(opServiceNew, "missing_gyms", errMissingGyms)
	}
	if cfg.Ledger == nil {
		return nil, newServiceError(opServiceNew, "missing_ledger", errMissingLedger)
	}
	if cfg.Streaks == nil {
		return nil, newServiceError(opServiceNew, "missing_streaks", errMissingStreaks)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	maxAccuracy := cfg.MaxAccuracyMeters
	if maxAccuracy <= 0 {
		maxAccuracy = defaultMaxAccuracyMeters
	}
	tokens := cfg.AttendanceTokens
	if tokens <= 0 {
		tokens = defaultAttendanceTokens
	}
	return &Service{
		db:                cfg.Database,
		clock:             clock,
		idProvider:        cfg.IDProvider,
		logger:            logger,
		gyms:              cfg.Gyms,
		ledger:            cfg.Ledger,
		streaks:           cfg.Streaks,
		frequency:         cfg.Frequency,
		maxAccuracyMeters: maxAccuracy,
		attendanceTokens:  tokens,
		weeklyBonusTokens: cfg.WeeklyBonusTokens,
	}, nil
}

// CheckInRequest describes a reported check-in.
type CheckInRequest struct {
	UserID         string
	GymID          string
	Latitude       float64
	Longitude      float64
	AccuracyMeters *float64
}

// CheckInResult reports a successful check-in.
type CheckInResult struct {
	Assistance     Assistance
	DistanceMeters float64
	TokensAwarded  int64
	StreakValue    int64
	WeeklyCount    int64
	WeeklyGoalMet  bool
}

// RecordCheckIn validates the request and, on success, creates the
// assistance row, advances the streak, credits the attendance tokens and
// bumps the weekly counter, all in one transaction. A failure in any step
// rolls the whole check-in back.
func (s *Service) RecordCheckIn(ctx context.Context, request CheckInRequest) (CheckInResult, error) {
	if request.UserID == "" {
		return CheckInResult{}, newServiceError(opRecordCheckIn, "missing_user_id", errMissingUserID)
	}

	if request.AccuracyMeters != nil && *request.AccuracyMeters > s.maxAccuracyMeters {
		return CheckInResult{}, fmt.Errorf("%w: %.1fm reported, %.1fm allowed",
			ErrGPSInaccurate, *request.AccuracyMeters, s.maxAccuracyMeters)
	}

	location, err := s.gyms.FindByID(ctx, request.GymID)
	if err != nil {
		return CheckInResult{}, err
	}

	now := s.clock().UTC()
	today := now.Format(dayLayout)

	var existing int64
	if err := s.db.WithContext(ctx).Model(&Assistance{}).
		Where("user_id = ? AND gym_id = ? AND day = ?", request.UserID, request.GymID, today).
		Count(&existing).Error; err != nil {
		s.logError(opRecordCheckIn, "duplicate_probe_failed", err, zap.String("user_id", request.UserID))
		return CheckInResult{}, newServiceError(opRecordCheckIn, "duplicate_probe_failed", err)
	}
	if existing > 0 {
		return CheckInResult{}, ErrDuplicateCheckIn
	}

	distance := HaversineMeters(request.Latitude, request.Longitude, location.Latitude, location.Longitude)
	if distance > location.ProximityMeters {
		return CheckInResult{}, &OutOfRangeError{DistanceMeters: distance, AllowedMeters: location.ProximityMeters}
	}

	assistanceID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opRecordCheckIn, "id_generation_failed", err, zap.String("user_id", request.UserID))
		return CheckInResult{}, newServiceError(opRecordCheckIn, "id_generation_failed", err)
	}

	result := CheckInResult{DistanceMeters: distance}
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		record := Assistance{
			ID:             assistanceID,
			UserID:         request.UserID,
			GymID:          request.GymID,
			Day:            today,
			Latitude:       request.Latitude,
			Longitude:      request.Longitude,
			DistanceMeters: distance,
			CreatedAt:      now,
		}
		if err := tx.Create(&record).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return ErrDuplicateCheckIn
			}
			s.logError(opRecordCheckIn, "assistance_insert_failed", err, zap.String("user_id", request.UserID))
			return newServiceError(opRecordCheckIn, "assistance_insert_failed", err)
		}
		result.Assistance = record

		continued, err := s.attendedOn(tx, request.UserID, request.GymID, now.AddDate(0, 0, -1))
		if err != nil {
			s.logError(opRecordCheckIn, "continuity_probe_failed", err, zap.String("user_id", request.UserID))
			return newServiceError(opRecordCheckIn, "continuity_probe_failed", err)
		}
		streakOutcome, err := s.streaks.Advance(ctx, tx, request.UserID, continued)
		if err != nil {
			return err
		}
		result.StreakValue = streakOutcome.Value

		movement, err := s.ledger.ApplyMovementTx(ctx, tx, ledger.Movement{
			UserID:  request.UserID,
			Delta:   s.attendanceTokens,
			Reason:  ledger.ReasonAttendance,
			RefType: refTypeAssistance,
			RefID:   assistanceID,
		})
		if err != nil {
			return err
		}
		result.TokensAwarded = movement.Entry.Delta

		// The counter lives outside the database; it runs last so a counter
		// failure still unwinds every row written above.
		if s.frequency != nil {
			count, goalMet, err := s.frequency.IncrementWeeklyAttendance(ctx, request.UserID, now)
			if err != nil {
				s.logError(opRecordCheckIn, "frequency_increment_failed", err, zap.String("user_id", request.UserID))
				return newServiceError(opRecordCheckIn, "frequency_increment_failed", err)
			}
			result.WeeklyCount = count
			result.WeeklyGoalMet = goalMet

			if goalMet && s.weeklyBonusTokens > 0 {
				if err := s.grantWeeklyBonus(ctx, tx, request.UserID, now); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if txErr != nil {
		return CheckInResult{}, txErr
	}
	return result, nil
}

// grantWeeklyBonus credits the weekly goal bonus once per (user, ISO week).
// The existence probe makes re-runs after counter over-counting harmless.
func (s *Service) grantWeeklyBonus(ctx context.Context, tx *gorm.DB, userID string, day time.Time) error {
	weekKey := s.frequency.WeekKey(userID, day)
	exists, err := s.ledger.ExistsMovementTx(ctx, tx, refTypeWeeklyGoal, weekKey)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	result, err := s.ledger.ApplyMovementTx(ctx, tx, ledger.Movement{
		UserID:  userID,
		Delta:   s.weeklyBonusTokens,
		Reason:  ledger.ReasonWeeklyBonus,
		RefType: refTypeWeeklyGoal,
		RefID:   weekKey,
	})
	if err != nil {
		return err
	}
	s.logger.Info("weekly bonus granted",
		zap.String("user_id", userID),
		zap.String("week", weekKey),
		zap.Int64("tokens", result.Entry.Delta))
	return nil
}

func (s *Service) attendedOn(tx *gorm.DB, userID, gymID string, day time.Time) (bool, error) {
	var count int64
	err := tx.Model(&Assistance{}).
		Where("user_id = ? AND gym_id = ? AND day = ?", userID, gymID, day.UTC().Format(dayLayout)).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// CountForUser returns the user's lifetime attendance total.
func (s *Service) CountForUser(ctx context.Context, userID string) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&Assistance{}).
		Where("user_id = ?", userID).
		Count(&count).Error
	if err != nil {
		return 0, err
	}
	return count, nil
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
	s.logger.Error("attendance service error", attrs...)
}
