package ledger

import "time"

// Reason enumerates why a balance movement happened.
type Reason string

const (
	// ReasonAttendance credits tokens for a validated gym check-in.
	ReasonAttendance Reason = "ATTENDANCE"
	// ReasonWeeklyBonus credits tokens for meeting the weekly attendance goal.
	ReasonWeeklyBonus Reason = "WEEKLY_BONUS"
	// ReasonRewardClaim debits tokens when a catalog reward is redeemed.
	ReasonRewardClaim Reason = "REWARD_CLAIM"
	// ReasonAchievementUnlocked credits the reward attached to an unlocked achievement.
	ReasonAchievementUnlocked Reason = "ACHIEVEMENT_UNLOCKED"
	// ReasonManualAdjustment marks an operator-initiated correction.
	ReasonManualAdjustment Reason = "MANUAL_ADJUSTMENT"
)

// Entry is one immutable line of the token ledger. Rows are only ever
// appended; BalanceAfter snapshots the resulting balance at write time.
type Entry struct {
	ID           uint      `gorm:"column:id;primaryKey;autoIncrement"`
	UserID       string    `gorm:"column:user_id;size:190;not null;index:idx_ledger_user_created,priority:1"`
	Delta        int64     `gorm:"column:delta;not null"`
	Reason       Reason    `gorm:"column:reason;size:64;not null"`
	RefType      string    `gorm:"column:ref_type;size:64;not null;default:'';index:idx_ledger_ref,priority:1"`
	RefID        string    `gorm:"column:ref_id;size:190;not null;default:'';index:idx_ledger_ref,priority:2"`
	BalanceAfter int64     `gorm:"column:balance_after;not null"`
	CreatedAt    time.Time `gorm:"column:created_at;not null;index:idx_ledger_user_created,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (Entry) TableName() string {
	return "ledger_entries"
}

// Balance holds the current token balance per user. It is mutated only by
// the ledger service, in the same transaction as the entry justifying the
// change. Invariant: Tokens equals the sum of all entry deltas for the
// user and is never negative.
type Balance struct {
	UserID    string    `gorm:"column:user_id;primaryKey;size:190;not null"`
	Tokens    int64     `gorm:"column:tokens;not null;default:0"`
	UpdatedAt time.Time `gorm:"column:updated_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Balance) TableName() string {
	return "user_balances"
}
