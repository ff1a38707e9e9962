package users

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// ErrProfileNotFound indicates no profile row exists for the user.
var ErrProfileNotFound = errors.New("users: profile not found")

// Profile is the account row exposed to clients. Tokens is a denormalized
// display copy of the ledger balance; it is written only by the ledger
// inside the same transaction as the justifying entry.
type Profile struct {
	UserID      string    `gorm:"column:user_id;primaryKey;size:190;not null"`
	DisplayName string    `gorm:"column:display_name;size:190;not null;default:''"`
	Email       string    `gorm:"column:email;size:190;not null;default:''"`
	Tokens      int64     `gorm:"column:tokens;not null;default:0"`
	CreatedAt   time.Time `gorm:"column:created_at;not null"`
	UpdatedAt   time.Time `gorm:"column:updated_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Profile) TableName() string {
	return "user_profiles"
}

// Store reads and provisions user profiles.
type Store struct {
	db    *gorm.DB
	clock func() time.Time
}

// NewStore constructs a profile store.
func NewStore(db *gorm.DB, clock func() time.Time) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	if clock == nil {
		clock = time.Now
	}
	return &Store{db: db, clock: clock}, nil
}

// FindByID returns the profile for the given user.
func (s *Store) FindByID(ctx context.Context, userID string) (Profile, error) {
	var profile Profile
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).Take(&profile).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Profile{}, ErrProfileNotFound
	}
	if err != nil {
		return Profile{}, err
	}
	return profile, nil
}

// EnsureExists creates an empty profile row when the user has none yet.
// Registration happens upstream; this covers users provisioned before the
// profile table existed.
func (s *Store) EnsureExists(ctx context.Context, userID string) (Profile, error) {
	profile, err := s.FindByID(ctx, userID)
	if err == nil {
		return profile, nil
	}
	if !errors.Is(err, ErrProfileNotFound) {
		return Profile{}, err
	}
	profile = Profile{UserID: userID, CreatedAt: s.clock().UTC(), UpdatedAt: s.clock().UTC()}
	if createErr := s.db.WithContext(ctx).Create(&profile).Error; createErr != nil {
		if errors.Is(createErr, gorm.ErrDuplicatedKey) {
			return s.FindByID(ctx, userID)
		}
		return Profile{}, createErr
	}
	return profile, nil
}
