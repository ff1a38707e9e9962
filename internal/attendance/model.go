package attendance

import "time"

const dayLayout = "2006-01-02"

// Assistance records one validated check-in. The (user, gym, day) triple is
// unique; the index is the second line of defense against racing check-ins.
type Assistance struct {
	ID             string    `gorm:"column:assistance_id;primaryKey;size:190;not null"`
	UserID         string    `gorm:"column:user_id;size:190;not null;uniqueIndex:idx_assistance_user_gym_day,priority:1"`
	GymID          string    `gorm:"column:gym_id;size:190;not null;uniqueIndex:idx_assistance_user_gym_day,priority:2"`
	Day            string    `gorm:"column:day;size:10;not null;uniqueIndex:idx_assistance_user_gym_day,priority:3"`
	Latitude       float64   `gorm:"column:latitude;not null"`
	Longitude      float64   `gorm:"column:longitude;not null"`
	DistanceMeters float64   `gorm:"column:distance_meters;not null"`
	CreatedAt      time.Time `gorm:"column:created_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Assistance) TableName() string {
	return "assistances"
}
