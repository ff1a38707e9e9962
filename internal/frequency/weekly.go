package frequency

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix = "stride:frequency"
	// Counters outlive their week by a margin so late reads still resolve.
	counterTTL = 21 * 24 * time.Hour
)

// WeeklyCounter tracks attendance counts per (user, ISO week) in redis.
// It is a plain counter with a goal-met flag; the database is the source
// of truth for everything money-like.
type WeeklyCounter struct {
	client *redis.Client
	goal   int64
}

// NewWeeklyCounter constructs the counter. goal is the configured weekly
// attendance target; zero disables the goal flag.
func NewWeeklyCounter(client *redis.Client, goal int64) (*WeeklyCounter, error) {
	if client == nil {
		return nil, fmt.Errorf("frequency: redis client required")
	}
	return &WeeklyCounter{client: client, goal: goal}, nil
}

// IncrementWeeklyAttendance bumps the user's counter for the week holding
// day. goalMet reports whether this increment reached the configured goal
// exactly, so the caller grants the weekly bonus at most once per week.
func (c *WeeklyCounter) IncrementWeeklyAttendance(ctx context.Context, userID string, day time.Time) (int64, bool, error) {
	key := c.redisKey(userID, day)

	pipe := c.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, counterTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, false, fmt.Errorf("frequency: increment failed: %w", err)
	}

	count := incr.Val()
	return count, c.goal > 0 && count == c.goal, nil
}

// Count returns the user's attendance count for the week holding day.
func (c *WeeklyCounter) Count(ctx context.Context, userID string, day time.Time) (int64, error) {
	value, err := c.client.Get(ctx, c.redisKey(userID, day)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("frequency: read failed: %w", err)
	}
	return value, nil
}

// WeekKey is the stable (user, ISO week) identifier used as the ledger
// idempotency reference for weekly bonuses.
func (c *WeeklyCounter) WeekKey(userID string, day time.Time) string {
	year, week := day.UTC().ISOWeek()
	return fmt.Sprintf("%s:%d-W%02d", userID, year, week)
}

func (c *WeeklyCounter) redisKey(userID string, day time.Time) string {
	return fmt.Sprintf("%s:%s", keyPrefix, c.WeekKey(userID, day))
}
