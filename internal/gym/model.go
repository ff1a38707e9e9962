package gym

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// ErrNotFound indicates the gym does not exist in the catalog.
var ErrNotFound = errors.New("gym: not found")

// Gym is a catalog row describing a registered location. Proximity is the
// geofence radius in meters accepted for check-ins.
type Gym struct {
	ID              string    `gorm:"column:gym_id;primaryKey;size:190;not null"`
	Name            string    `gorm:"column:name;size:190;not null"`
	Latitude        float64   `gorm:"column:latitude;not null"`
	Longitude       float64   `gorm:"column:longitude;not null"`
	ProximityMeters float64   `gorm:"column:proximity_meters;not null;default:100"`
	CreatedAt       time.Time `gorm:"column:created_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Gym) TableName() string {
	return "gyms"
}

// Store looks up and registers gyms.
type Store struct {
	db *gorm.DB
}

// NewStore constructs a gym store.
func NewStore(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("gym: database connection required")
	}
	return &Store{db: db}, nil
}

// FindByID returns the gym with the given identifier.
func (s *Store) FindByID(ctx context.Context, id string) (Gym, error) {
	var record Gym
	err := s.db.WithContext(ctx).Where("gym_id = ?", id).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Gym{}, ErrNotFound
	}
	if err != nil {
		return Gym{}, err
	}
	return record, nil
}

// Create registers a new gym. Admin tooling only.
func (s *Store) Create(ctx context.Context, record Gym) (Gym, error) {
	if record.ID == "" {
		return Gym{}, fmt.Errorf("gym: identifier required")
	}
	if record.ProximityMeters <= 0 {
		return Gym{}, fmt.Errorf("gym: proximity must be positive")
	}
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		return Gym{}, err
	}
	return record, nil
}
