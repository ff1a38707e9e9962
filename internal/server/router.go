package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/stridefit/stride-backend/internal/achievement"
	"github.com/stridefit/stride-backend/internal/attendance"
	"github.com/stridefit/stride-backend/internal/gym"
	"github.com/stridefit/stride-backend/internal/ledger"
	"github.com/stridefit/stride-backend/internal/streak"
	"github.com/stridefit/stride-backend/internal/users"
	"github.com/stridefit/stride-backend/internal/weight"
	"go.uber.org/zap"
)

const userIDContextKey = "stride_user_id"

var (
	errMissingTokenValidator    = errors.New("token validator dependency required")
	errMissingAttendanceService = errors.New("attendance service dependency required")
	errMissingLedgerService     = errors.New("ledger service dependency required")
	errMissingStreakService     = errors.New("streak service dependency required")
	errMissingEngine            = errors.New("achievement engine dependency required")
	errInvalidAuthorization     = errors.New("authorization header missing or invalid")
)

// TokenValidator checks a bearer token and returns its subject.
type TokenValidator interface {
	ValidateToken(token string) (string, error)
}

// Dependencies wires the HTTP surface to the domain services.
type Dependencies struct {
	TokenValidator     TokenValidator
	Attendance         *attendance.Service
	Ledger             *ledger.Service
	Streaks            *streak.Service
	Engine             *achievement.Engine
	Weights            *weight.Store
	Gyms               *gym.Store
	Profiles           *users.Store
	IsAdmin            func(subject string) bool
	RateLimitPerMinute int
	Logger             *zap.Logger
}

// NewHTTPHandler builds the gin router with all routes registered.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenValidator == nil {
		return nil, errMissingTokenValidator
	}
	if deps.Attendance == nil {
		return nil, errMissingAttendanceService
	}
	if deps.Ledger == nil {
		return nil, errMissingLedgerService
	}
	if deps.Streaks == nil {
		return nil, errMissingStreakService
	}
	if deps.Engine == nil {
		return nil, errMissingEngine
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	isAdmin := deps.IsAdmin
	if isAdmin == nil {
		isAdmin = func(string) bool { return false }
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		tokens:     deps.TokenValidator,
		attendance: deps.Attendance,
		ledger:     deps.Ledger,
		streaks:    deps.Streaks,
		engine:     deps.Engine,
		weights:    deps.Weights,
		gyms:       deps.Gyms,
		profiles:   deps.Profiles,
		isAdmin:    isAdmin,
		logger:     logger,
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)

	checkins := protected.Group("/")
	if deps.RateLimitPerMinute > 0 {
		checkins.Use(newRateLimitMiddleware(deps.RateLimitPerMinute))
	}
	checkins.POST("/checkins", handler.handleCheckIn)

	protected.GET("/profile", handler.handleGetProfile)
	protected.GET("/wallet/balance", handler.handleWalletBalance)
	protected.GET("/wallet/history", handler.handleWalletHistory)
	protected.GET("/streak", handler.handleGetStreak)
	protected.POST("/streak/recovery", handler.handleUseRecoveryItem)
	protected.GET("/achievements", handler.handleListAchievements)
	protected.POST("/achievements/sync", handler.handleSyncAchievements)
	protected.POST("/achievements/:id/unlock", handler.handleUnlockAchievement)
	protected.POST("/weights", handler.handleRecordWeight)

	admin := protected.Group("/admin")
	admin.Use(handler.requireAdmin)
	admin.POST("/gyms", handler.handleCreateGym)
	admin.POST("/streaks/:user_id/reset", handler.handleResetStreak)
	admin.POST("/streaks/:user_id/recovery", handler.handleGrantRecovery)
	admin.POST("/ledger/adjustments", handler.handleLedgerAdjustment)

	return router, nil
}

type httpHandler struct {
	tokens     TokenValidator
	attendance *attendance.Service
	ledger     *ledger.Service
	streaks    *streak.Service
	engine     *achievement.Engine
	weights    *weight.Store
	gyms       *gym.Store
	profiles   *users.Store
	isAdmin    func(subject string) bool
	logger     *zap.Logger
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, subject)
	c.Next()
}

func (h *httpHandler) requireAdmin(c *gin.Context) {
	subject := c.GetString(userIDContextKey)
	if subject == "" || !h.isAdmin(subject) {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}
	c.Next()
}
