package achievement

import (
	"errors"
	"math"

	"github.com/stridefit/stride-backend/internal/attendance"
	"github.com/stridefit/stride-backend/internal/ledger"
	"github.com/stridefit/stride-backend/internal/streak"
	"github.com/stridefit/stride-backend/internal/weight"
	"gorm.io/gorm"
)

// MetricValue is the live measurement produced by a calculator.
type MetricValue struct {
	Value      int64
	SourceType string
	SourceID   string
}

// computeMetric measures the user's live progress for the definition.
// Dispatch is a closed switch over MetricType; a metric this build does not
// know yields a zero value so the definition stays inert instead of
// failing the whole sync.
func computeMetric(tx *gorm.DB, userID string, definition Definition) (MetricValue, error) {
	switch definition.MetricType {
	case MetricStreakDays:
		return streakDays(tx, userID)
	case MetricAssistanceTotal:
		return assistanceTotal(tx, userID)
	case MetricTokenSpentTotal:
		return tokenSpentTotal(tx, userID)
	case MetricBodyWeightProgress:
		return bodyWeightProgress(tx, userID, definition.Direction)
	default:
		return MetricValue{}, nil
	}
}

func streakDays(tx *gorm.DB, userID string) (MetricValue, error) {
	var record streak.Streak
	err := tx.Where("user_id = ?", userID).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return MetricValue{SourceType: "streak"}, nil
	}
	if err != nil {
		return MetricValue{}, err
	}
	return MetricValue{Value: record.Value, SourceType: "streak", SourceID: record.UserID}, nil
}

func assistanceTotal(tx *gorm.DB, userID string) (MetricValue, error) {
	var count int64
	err := tx.Model(&attendance.Assistance{}).
		Where("user_id = ?", userID).
		Count(&count).Error
	if err != nil {
		return MetricValue{}, err
	}
	return MetricValue{Value: count, SourceType: "assistance"}, nil
}

func tokenSpentTotal(tx *gorm.DB, userID string) (MetricValue, error) {
	var spent int64
	err := tx.Model(&ledger.Entry{}).
		Where("user_id = ? AND delta < 0", userID).
		Select("COALESCE(SUM(-delta), 0)").
		Scan(&spent).Error
	if err != nil {
		return MetricValue{}, err
	}
	return MetricValue{Value: spent, SourceType: "ledger"}, nil
}

// bodyWeightProgress reports whole kilograms moved in the definition's
// direction since the first sample, clamped at zero.
func bodyWeightProgress(tx *gorm.DB, userID string, direction Direction) (MetricValue, error) {
	var first, latest weight.Sample
	err := tx.Where("user_id = ?", userID).Order("measured_at ASC").Take(&first).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return MetricValue{SourceType: "body_weight"}, nil
	}
	if err != nil {
		return MetricValue{}, err
	}
	if err := tx.Where("user_id = ?", userID).Order("measured_at DESC").Take(&latest).Error; err != nil {
		return MetricValue{}, err
	}

	diff := latest.Kilograms - first.Kilograms
	if direction == DirectionDecrease {
		diff = -diff
	}
	if diff < 0 {
		diff = 0
	}
	return MetricValue{Value: int64(math.Round(diff)), SourceType: "body_weight"}, nil
}
