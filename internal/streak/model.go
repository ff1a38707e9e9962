package streak

import "time"

// Streak tracks a user's consecutive attendance. LastValue preserves the
// count held before the most recent reset for display. RecoveryItems is a
// grace counter consumed instead of resetting after a gap.
type Streak struct {
	UserID        string    `gorm:"column:user_id;primaryKey;size:190;not null"`
	Value         int64     `gorm:"column:value;not null;default:0"`
	LastValue     int64     `gorm:"column:last_value;not null;default:0"`
	RecoveryItems int64     `gorm:"column:recovery_items;not null;default:0"`
	UpdatedAt     time.Time `gorm:"column:updated_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Streak) TableName() string {
	return "streaks"
}
