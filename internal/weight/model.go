package weight

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// ErrNoSamples indicates the user has not recorded any weight yet.
var ErrNoSamples = errors.New("weight: no samples recorded")

// Sample is a single body-weight measurement.
type Sample struct {
	ID         uint      `gorm:"column:id;primaryKey;autoIncrement"`
	UserID     string    `gorm:"column:user_id;size:190;not null;index:idx_weight_user_measured,priority:1"`
	Kilograms  float64   `gorm:"column:kilograms;not null"`
	MeasuredAt time.Time `gorm:"column:measured_at;not null;index:idx_weight_user_measured,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (Sample) TableName() string {
	return "body_weight_samples"
}

// Store records and reads body-weight samples.
type Store struct {
	db    *gorm.DB
	clock func() time.Time
}

// NewStore constructs a weight store.
func NewStore(db *gorm.DB, clock func() time.Time) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("weight: database connection required")
	}
	if clock == nil {
		clock = time.Now
	}
	return &Store{db: db, clock: clock}, nil
}

// Record stores a new measurement for the user.
func (s *Store) Record(ctx context.Context, userID string, kilograms float64, measuredAt time.Time) (Sample, error) {
	if userID == "" {
		return Sample{}, fmt.Errorf("weight: user identifier required")
	}
	if kilograms <= 0 {
		return Sample{}, fmt.Errorf("weight: kilograms must be positive")
	}
	if measuredAt.IsZero() {
		measuredAt = s.clock().UTC()
	}
	sample := Sample{UserID: userID, Kilograms: kilograms, MeasuredAt: measuredAt.UTC()}
	if err := s.db.WithContext(ctx).Create(&sample).Error; err != nil {
		return Sample{}, err
	}
	return sample, nil
}

// FirstAndLatest returns the oldest and newest samples for the user.
func (s *Store) FirstAndLatest(ctx context.Context, userID string) (Sample, Sample, error) {
	var first, latest Sample
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("measured_at ASC").
		Take(&first).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Sample{}, Sample{}, ErrNoSamples
	}
	if err != nil {
		return Sample{}, Sample{}, err
	}
	err = s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("measured_at DESC").
		Take(&latest).Error
	if err != nil {
		return Sample{}, Sample{}, err
	}
	return first, latest, nil
}
