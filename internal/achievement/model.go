package achievement

import "time"

// MetricType selects the calculator that measures progress for a
// definition. The set is closed: unknown values are inert, not fatal.
type MetricType string

const (
	// MetricStreakDays measures the user's current consecutive-attendance streak.
	MetricStreakDays MetricType = "STREAK_DAYS"
	// MetricAssistanceTotal counts lifetime validated check-ins.
	MetricAssistanceTotal MetricType = "ASSISTANCE_TOTAL"
	// MetricTokenSpentTotal sums tokens spent (negative ledger deltas).
	MetricTokenSpentTotal MetricType = "TOKEN_SPENT_TOTAL"
	// MetricBodyWeightProgress compares the first and latest weight samples.
	MetricBodyWeightProgress MetricType = "BODY_WEIGHT_PROGRESS"
)

// Direction orients BODY_WEIGHT_PROGRESS definitions.
type Direction string

const (
	// DirectionIncrease counts kilograms gained since the first sample.
	DirectionIncrease Direction = "INCREASE"
	// DirectionDecrease counts kilograms lost since the first sample.
	DirectionDecrease Direction = "DECREASE"
)

// EventType enumerates the audit events recorded per progress row.
type EventType string

const (
	// EventProgress records a change in the cached progress value.
	EventProgress EventType = "PROGRESS"
	// EventUnlocked records the unlock transition.
	EventUnlocked EventType = "UNLOCKED"
)

// Definition is a catalog row describing one achievement. Created and
// edited by admin tooling; read-mostly here.
type Definition struct {
	ID            uint       `gorm:"column:id;primaryKey;autoIncrement"`
	Code          string     `gorm:"column:code;size:190;not null;uniqueIndex"`
	Category      string     `gorm:"column:category;size:64;not null;index"`
	MetricType    MetricType `gorm:"column:metric_type;size:64;not null"`
	TargetValue   int64      `gorm:"column:target_value;not null"`
	TokenReward   int64      `gorm:"column:token_reward;not null;default:0"`
	UnlockMessage string     `gorm:"column:unlock_message;size:500;not null;default:''"`
	Direction     Direction  `gorm:"column:direction;size:16;not null;default:''"`
	CreatedAt     time.Time  `gorm:"column:created_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Definition) TableName() string {
	return "achievement_definitions"
}

// Progress caches one user's standing against one definition. The cached
// value may be stale between syncs; it is re-validated at unlock time.
type Progress struct {
	ID                  string     `gorm:"column:progress_id;primaryKey;size:190;not null"`
	UserID              string     `gorm:"column:user_id;size:190;not null;uniqueIndex:idx_progress_user_definition,priority:1"`
	DefinitionID        uint       `gorm:"column:definition_id;not null;uniqueIndex:idx_progress_user_definition,priority:2"`
	ProgressValue       int64      `gorm:"column:progress_value;not null;default:0"`
	ProgressDenominator int64      `gorm:"column:progress_denominator;not null;default:0"`
	Unlocked            bool       `gorm:"column:unlocked;not null;default:false"`
	UnlockedAt          *time.Time `gorm:"column:unlocked_at"`
	CreatedAt           time.Time  `gorm:"column:created_at;not null"`
	UpdatedAt           time.Time  `gorm:"column:updated_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Progress) TableName() string {
	return "user_achievement_progress"
}

// Event is the append-only audit trail of progress deltas and unlock
// transitions. Rows are never mutated.
type Event struct {
	ID         string    `gorm:"column:event_id;primaryKey;size:190;not null"`
	ProgressID string    `gorm:"column:progress_id;size:190;not null;index"`
	Type       EventType `gorm:"column:type;size:32;not null"`
	Delta      int64     `gorm:"column:delta;not null;default:0"`
	Value      int64     `gorm:"column:value;not null;default:0"`
	CreatedAt  time.Time `gorm:"column:created_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Event) TableName() string {
	return "achievement_events"
}

// State describes where a (user, definition) pair sits in its lifecycle.
type State string

const (
	// StateNotStarted means no measurable progress yet.
	StateNotStarted State = "NOT_STARTED"
	// StateInProgress means some progress below the target.
	StateInProgress State = "IN_PROGRESS"
	// StateEligible means the target is met but the unlock has not been claimed.
	StateEligible State = "ELIGIBLE"
	// StateUnlocked means the unlock transition has happened.
	StateUnlocked State = "UNLOCKED"
)
