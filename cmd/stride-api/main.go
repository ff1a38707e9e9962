package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stridefit/stride-backend/internal/achievement"
	"github.com/stridefit/stride-backend/internal/attendance"
	"github.com/stridefit/stride-backend/internal/auth"
	"github.com/stridefit/stride-backend/internal/config"
	"github.com/stridefit/stride-backend/internal/database"
	"github.com/stridefit/stride-backend/internal/frequency"
	"github.com/stridefit/stride-backend/internal/gym"
	"github.com/stridefit/stride-backend/internal/jobs"
	"github.com/stridefit/stride-backend/internal/ledger"
	"github.com/stridefit/stride-backend/internal/logging"
	"github.com/stridefit/stride-backend/internal/notify"
	"github.com/stridefit/stride-backend/internal/server"
	"github.com/stridefit/stride-backend/internal/streak"
	"github.com/stridefit/stride-backend/internal/users"
	"github.com/stridefit/stride-backend/internal/weight"
	"go.uber.org/zap"
)

const (
	tokenIssuerName   = "stride-auth"
	tokenAudienceName = "stride-api"
)

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "stride-api",
		Short: "Stride gym attendance and rewards backend",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newTokenCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("redis-address", defaults.GetString("redis.address"), "Redis address for the weekly counters")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("token.ttl_minutes"), "Backend token TTL in minutes")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Backend signing secret (overrides env)")
	cmd.PersistentFlags().Float64("max-accuracy-meters", defaults.GetFloat64("checkin.max_accuracy_meters"), "Maximum accepted GPS accuracy")
	cmd.PersistentFlags().Int64("attendance-tokens", defaults.GetInt64("checkin.attendance_tokens"), "Tokens credited per validated check-in")
	cmd.PersistentFlags().Int64("weekly-goal", defaults.GetInt64("frequency.weekly_goal"), "Weekly attendance goal")
	cmd.PersistentFlags().Int64("weekly-bonus-tokens", defaults.GetInt64("frequency.weekly_bonus_tokens"), "Tokens credited when the weekly goal is met")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "redis.address", "redis-address")
	bindFlag(cmd, "token.ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "checkin.max_accuracy_meters", "max-accuracy-meters")
	bindFlag(cmd, "checkin.attendance_tokens", "attendance-tokens")
	bindFlag(cmd, "frequency.weekly_goal", "weekly-goal")
	bindFlag(cmd, "frequency.weekly_bonus_tokens", "weekly-bonus-tokens")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

// newTokenCommand mints a bearer token for a subject. Operational helper
// for smoke tests and admin tooling; the auth authority issues real tokens.
func newTokenCommand() *cobra.Command {
	var subject string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a backend bearer token for a subject",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(appConfig.SigningSecret),
				Issuer:        tokenIssuerName,
				Audience:      tokenAudienceName,
				TokenTTL:      appConfig.TokenTTL,
			})
			if err != nil {
				return err
			}
			token, expiresIn, err := issuer.IssueBackendToken(cmd.Context(), subject)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\nexpires_in: %ds\n", token, expiresIn)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "Subject claim for the token")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     appConfig.RedisAddress,
		Password: appConfig.RedisPassword,
	})
	defer redisClient.Close()

	tokenManager, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        tokenIssuerName,
		Audience:      tokenAudienceName,
		TokenTTL:      appConfig.TokenTTL,
	})
	if err != nil {
		return err
	}

	ledgerService, err := ledger.NewService(ledger.ServiceConfig{Database: db, Logger: logger})
	if err != nil {
		return err
	}
	streakService, err := streak.NewService(streak.ServiceConfig{Database: db, Logger: logger})
	if err != nil {
		return err
	}
	gymStore, err := gym.NewStore(db)
	if err != nil {
		return err
	}
	weightStore, err := weight.NewStore(db, time.Now)
	if err != nil {
		return err
	}
	profileStore, err := users.NewStore(db, time.Now)
	if err != nil {
		return err
	}
	weeklyCounter, err := frequency.NewWeeklyCounter(redisClient, appConfig.WeeklyGoal)
	if err != nil {
		return err
	}
	attendanceService, err := attendance.NewService(attendance.ServiceConfig{
		Database:          db,
		Clock:             time.Now,
		IDProvider:        attendance.NewUUIDProvider(),
		Logger:            logger,
		Gyms:              gymStore,
		Ledger:            ledgerService,
		Streaks:           streakService,
		Frequency:         weeklyCounter,
		MaxAccuracyMeters: appConfig.MaxAccuracyMeters,
		AttendanceTokens:  appConfig.AttendanceTokens,
		WeeklyBonusTokens: appConfig.WeeklyBonusTokens,
	})
	if err != nil {
		return err
	}

	dispatcher, err := achievement.NewDispatcher(achievement.DispatcherConfig{
		Ledger:   ledgerService,
		Notifier: notify.NewLogNotifier(logger),
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	engine, err := achievement.NewEngine(achievement.EngineConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: achievement.NewUUIDProvider(),
		Logger:     logger,
		Dispatcher: dispatcher,
	})
	if err != nil {
		return err
	}

	reconciler, err := jobs.NewRewardReconciler(db, engine, dispatcher, logger)
	if err != nil {
		return err
	}
	cronManager := jobs.NewManager(logger)
	if err := cronManager.Register("@hourly", reconciler); err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		TokenValidator:     tokenManager,
		Attendance:         attendanceService,
		Ledger:             ledgerService,
		Streaks:            streakService,
		Engine:             engine,
		Weights:            weightStore,
		Gyms:               gymStore,
		Profiles:           profileStore,
		IsAdmin:            appConfig.IsAdmin,
		RateLimitPerMinute: appConfig.RateLimitPerMin,
		Logger:             logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cronManager.Start()
	defer cronManager.Stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
