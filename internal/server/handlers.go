package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stridefit/stride-backend/internal/achievement"
	"github.com/stridefit/stride-backend/internal/attendance"
	"github.com/stridefit/stride-backend/internal/gym"
	"github.com/stridefit/stride-backend/internal/ledger"
	"github.com/stridefit/stride-backend/internal/streak"
	"go.uber.org/zap"
)

type checkInRequestPayload struct {
	GymID          string   `json:"gym_id"`
	Latitude       float64  `json:"latitude"`
	Longitude      float64  `json:"longitude"`
	AccuracyMeters *float64 `json:"accuracy_m"`
}

type checkInResponsePayload struct {
	AssistanceID   string  `json:"assistance_id"`
	Day            string  `json:"day"`
	DistanceMeters float64 `json:"distance_m"`
	TokensAwarded  int64   `json:"tokens_awarded"`
	StreakValue    int64   `json:"streak_value"`
	WeeklyCount    int64   `json:"weekly_count"`
	WeeklyGoalMet  bool    `json:"weekly_goal_met"`
}

func (h *httpHandler) handleCheckIn(c *gin.Context) {
	userID := c.GetString(userIDContextKey)

	var request checkInRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.GymID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	result, err := h.attendance.RecordCheckIn(c.Request.Context(), attendance.CheckInRequest{
		UserID:         userID,
		GymID:          request.GymID,
		Latitude:       request.Latitude,
		Longitude:      request.Longitude,
		AccuracyMeters: request.AccuracyMeters,
	})
	if err != nil {
		h.writeDomainError(c, "check-in failed", err)
		return
	}

	c.JSON(http.StatusCreated, checkInResponsePayload{
		AssistanceID:   result.Assistance.ID,
		Day:            result.Assistance.Day,
		DistanceMeters: result.DistanceMeters,
		TokensAwarded:  result.TokensAwarded,
		StreakValue:    result.StreakValue,
		WeeklyCount:    result.WeeklyCount,
		WeeklyGoalMet:  result.WeeklyGoalMet,
	})
}

// handleGetProfile returns the account row. Tokens is the denormalized
// display copy the ledger maintains; the wallet endpoint reads the
// authoritative balance.
func (h *httpHandler) handleGetProfile(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	profile, err := h.profiles.EnsureExists(c.Request.Context(), userID)
	if err != nil {
		h.writeDomainError(c, "profile lookup failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"user_id":      profile.UserID,
		"display_name": profile.DisplayName,
		"email":        profile.Email,
		"tokens":       profile.Tokens,
	})
}

func (h *httpHandler) handleWalletBalance(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	balance, err := h.ledger.GetBalance(c.Request.Context(), userID)
	if err != nil {
		h.writeDomainError(c, "balance lookup failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"balance": balance})
}

type ledgerEntryPayload struct {
	ID           uint   `json:"id"`
	Delta        int64  `json:"delta"`
	Reason       string `json:"reason"`
	RefType      string `json:"ref_type"`
	RefID        string `json:"ref_id"`
	BalanceAfter int64  `json:"balance_after"`
	CreatedAtUTC string `json:"created_at"`
}

func (h *httpHandler) handleWalletHistory(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	page := intQuery(c, "page", 1)
	pageSize := intQuery(c, "page_size", 20)

	entries, total, err := h.ledger.GetHistory(c.Request.Context(), userID, page, pageSize)
	if err != nil {
		h.writeDomainError(c, "history lookup failed", err)
		return
	}

	payload := make([]ledgerEntryPayload, 0, len(entries))
	for _, entry := range entries {
		payload = append(payload, ledgerEntryPayload{
			ID:           entry.ID,
			Delta:        entry.Delta,
			Reason:       string(entry.Reason),
			RefType:      entry.RefType,
			RefID:        entry.RefID,
			BalanceAfter: entry.BalanceAfter,
			CreatedAtUTC: entry.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	c.JSON(http.StatusOK, gin.H{"entries": payload, "total": total, "page": page, "page_size": pageSize})
}

type streakPayload struct {
	Value         int64 `json:"value"`
	LastValue     int64 `json:"last_value"`
	RecoveryItems int64 `json:"recovery_items"`
}

func streakToPayload(record streak.Streak) streakPayload {
	return streakPayload{
		Value:         record.Value,
		LastValue:     record.LastValue,
		RecoveryItems: record.RecoveryItems,
	}
}

func (h *httpHandler) handleGetStreak(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	record, err := h.streaks.GetCurrent(c.Request.Context(), userID)
	if err != nil {
		h.writeDomainError(c, "streak lookup failed", err)
		return
	}
	c.JSON(http.StatusOK, streakToPayload(record))
}

func (h *httpHandler) handleUseRecoveryItem(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	record, err := h.streaks.UseRecoveryItem(c.Request.Context(), userID)
	if err != nil {
		h.writeDomainError(c, "recovery item use failed", err)
		return
	}
	c.JSON(http.StatusOK, streakToPayload(record))
}

type achievementPayload struct {
	DefinitionID  uint   `json:"definition_id"`
	Code          string `json:"code"`
	Category      string `json:"category"`
	MetricType    string `json:"metric_type"`
	TargetValue   int64  `json:"target_value"`
	TokenReward   int64  `json:"token_reward"`
	State         string `json:"state"`
	ProgressValue int64  `json:"progress_value"`
	Denominator   int64  `json:"progress_denominator"`
	UnlockedAtUTC string `json:"unlocked_at,omitempty"`
}

func (h *httpHandler) handleListAchievements(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	var categories []string
	if category := strings.TrimSpace(c.Query("category")); category != "" {
		categories = append(categories, category)
	}

	views, err := h.engine.ListProgress(c.Request.Context(), userID, categories...)
	if err != nil {
		h.writeDomainError(c, "achievement listing failed", err)
		return
	}

	payload := make([]achievementPayload, 0, len(views))
	for _, view := range views {
		item := achievementPayload{
			DefinitionID:  view.Definition.ID,
			Code:          view.Definition.Code,
			Category:      view.Definition.Category,
			MetricType:    string(view.Definition.MetricType),
			TargetValue:   view.Definition.TargetValue,
			TokenReward:   view.Definition.TokenReward,
			State:         string(view.State),
			ProgressValue: view.Progress.ProgressValue,
			Denominator:   view.Progress.ProgressDenominator,
		}
		if view.Progress.UnlockedAt != nil {
			item.UnlockedAtUTC = view.Progress.UnlockedAt.UTC().Format(time.RFC3339)
		}
		payload = append(payload, item)
	}
	c.JSON(http.StatusOK, gin.H{"achievements": payload})
}

func (h *httpHandler) handleSyncAchievements(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	var categories []string
	if category := strings.TrimSpace(c.Query("category")); category != "" {
		categories = append(categories, category)
	}

	outcomes, err := h.engine.SyncAll(c.Request.Context(), userID, categories...)
	if err != nil {
		h.writeDomainError(c, "achievement sync failed", err)
		return
	}

	eligible := 0
	for _, outcome := range outcomes {
		if outcome.Eligible && !outcome.Progress.Unlocked {
			eligible++
		}
	}
	c.JSON(http.StatusOK, gin.H{"synced": len(outcomes), "eligible": eligible})
}

func (h *httpHandler) handleUnlockAchievement(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	definitionID, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_definition_id"})
		return
	}

	result, err := h.engine.Unlock(c.Request.Context(), userID, uint(definitionID))
	if err != nil {
		h.writeDomainError(c, "achievement unlock failed", err)
		return
	}

	response := gin.H{
		"progress_id":    result.Progress.ID,
		"tokens_awarded": result.TokensAwarded,
	}
	if result.Progress.UnlockedAt != nil {
		response["unlocked_at"] = result.Progress.UnlockedAt.UTC().Format(time.RFC3339)
	}
	c.JSON(http.StatusOK, response)
}

type weightRequestPayload struct {
	Kilograms  float64 `json:"kilograms"`
	MeasuredAt string  `json:"measured_at"`
}

func (h *httpHandler) handleRecordWeight(c *gin.Context) {
	userID := c.GetString(userIDContextKey)

	var request weightRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.Kilograms <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	measuredAt := time.Now().UTC()
	if strings.TrimSpace(request.MeasuredAt) != "" {
		parsed, err := time.Parse(time.RFC3339, request.MeasuredAt)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_measured_at"})
			return
		}
		measuredAt = parsed.UTC()
	}

	sample, err := h.weights.Record(c.Request.Context(), userID, request.Kilograms, measuredAt)
	if err != nil {
		h.writeDomainError(c, "weight record failed", err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"id":          sample.ID,
		"kilograms":   sample.Kilograms,
		"measured_at": sample.MeasuredAt.UTC().Format(time.RFC3339),
	})
}

type gymRequestPayload struct {
	ID              string  `json:"gym_id"`
	Name            string  `json:"name"`
	Latitude        float64 `json:"latitude"`
	Longitude       float64 `json:"longitude"`
	ProximityMeters float64 `json:"proximity_m"`
}

func (h *httpHandler) handleCreateGym(c *gin.Context) {
	var request gymRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil ||
		strings.TrimSpace(request.ID) == "" || strings.TrimSpace(request.Name) == "" ||
		request.ProximityMeters <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	record, err := h.gyms.Create(c.Request.Context(), gym.Gym{
		ID:              request.ID,
		Name:            request.Name,
		Latitude:        request.Latitude,
		Longitude:       request.Longitude,
		ProximityMeters: request.ProximityMeters,
	})
	if err != nil {
		h.writeDomainError(c, "gym creation failed", err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"gym_id": record.ID})
}

func (h *httpHandler) handleResetStreak(c *gin.Context) {
	userID := strings.TrimSpace(c.Param("user_id"))
	record, err := h.streaks.Reset(c.Request.Context(), userID)
	if err != nil {
		h.writeDomainError(c, "streak reset failed", err)
		return
	}
	c.JSON(http.StatusOK, streakToPayload(record))
}

type grantRecoveryPayload struct {
	Count int64 `json:"count"`
}

func (h *httpHandler) handleGrantRecovery(c *gin.Context) {
	userID := strings.TrimSpace(c.Param("user_id"))

	var request grantRecoveryPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.Count <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	record, err := h.streaks.GrantRecovery(c.Request.Context(), userID, request.Count)
	if err != nil {
		h.writeDomainError(c, "recovery grant failed", err)
		return
	}
	c.JSON(http.StatusOK, streakToPayload(record))
}

type adjustmentRequestPayload struct {
	UserID string `json:"user_id"`
	Delta  int64  `json:"delta"`
	RefID  string `json:"ref_id"`
}

// handleLedgerAdjustment applies a manual token correction. RefID is the
// caller's idempotency key: a repeated adjustment with the same key is a
// no-op rather than a second movement.
func (h *httpHandler) handleLedgerAdjustment(c *gin.Context) {
	var request adjustmentRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil ||
		strings.TrimSpace(request.UserID) == "" || request.Delta == 0 || strings.TrimSpace(request.RefID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	const refType = "manual_adjustment"
	exists, err := h.ledger.ExistsMovement(c.Request.Context(), refType, request.RefID)
	if err != nil {
		h.writeDomainError(c, "adjustment probe failed", err)
		return
	}
	if exists {
		c.JSON(http.StatusOK, gin.H{"applied": false})
		return
	}

	result, err := h.ledger.ApplyMovement(c.Request.Context(), ledger.Movement{
		UserID:  request.UserID,
		Delta:   request.Delta,
		Reason:  ledger.ReasonManualAdjustment,
		RefType: refType,
		RefID:   request.RefID,
	})
	if err != nil {
		h.writeDomainError(c, "adjustment failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"applied": true, "new_balance": result.NewBalance})
}

// writeDomainError maps domain errors onto HTTP statuses with the detail
// the client needs to render a useful message.
func (h *httpHandler) writeDomainError(c *gin.Context, message string, err error) {
	var outOfRange *attendance.OutOfRangeError
	var insufficientProgress *achievement.InsufficientProgressError

	switch {
	case errors.Is(err, attendance.ErrGPSInaccurate):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "gps_inaccurate"})
	case errors.As(err, &outOfRange):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":      "out_of_range",
			"distance_m": outOfRange.DistanceMeters,
			"allowed_m":  outOfRange.AllowedMeters,
		})
	case errors.Is(err, attendance.ErrDuplicateCheckIn):
		c.JSON(http.StatusConflict, gin.H{"error": "already_checked_in"})
	case errors.Is(err, gym.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown_gym"})
	case errors.Is(err, ledger.ErrInsufficientBalance):
		c.JSON(http.StatusConflict, gin.H{"error": "insufficient_balance"})
	case errors.Is(err, streak.ErrNoRecoveryItems):
		c.JSON(http.StatusConflict, gin.H{"error": "no_recovery_items"})
	case errors.Is(err, achievement.ErrDefinitionNotFound), errors.Is(err, achievement.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "achievement_not_found"})
	case errors.Is(err, achievement.ErrAlreadyUnlocked):
		c.JSON(http.StatusConflict, gin.H{"error": "already_unlocked"})
	case errors.As(err, &insufficientProgress):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":    "insufficient_progress",
			"required": insufficientProgress.Required,
			"actual":   insufficientProgress.Actual,
		})
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "unavailable"})
	default:
		h.logger.Error(message, zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}
}

func intQuery(c *gin.Context, name string, fallback int) int {
	raw := strings.TrimSpace(c.Query(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 1 {
		return fallback
	}
	return value
}
