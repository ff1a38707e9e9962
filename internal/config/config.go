package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                = "STRIDE"
	defaultHTTPAddress       = "0.0.0.0:8080"
	defaultDatabasePath      = "stride.db"
	defaultRedisAddress      = "127.0.0.1:6379"
	defaultLogLevel          = "info"
	defaultTokenTTLMinutes   = 60
	defaultMaxAccuracyMeters = 50.0
	defaultAttendanceTokens  = 10
	defaultWeeklyGoal        = 3
	defaultWeeklyBonus       = 25
	defaultRateLimitPerMin   = 30
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress       string
	DatabasePath      string
	RedisAddress      string
	RedisPassword     string
	LogLevel          string
	SigningSecret     string
	TokenTTL          time.Duration
	MaxAccuracyMeters float64
	AttendanceTokens  int64
	WeeklyGoal        int64
	WeeklyBonusTokens int64
	AdminSubjects     []string
	RateLimitPerMin   int
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("redis.address", defaultRedisAddress)
	configViper.SetDefault("redis.password", "")
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("token.ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("checkin.max_accuracy_meters", defaultMaxAccuracyMeters)
	configViper.SetDefault("checkin.attendance_tokens", defaultAttendanceTokens)
	configViper.SetDefault("frequency.weekly_goal", defaultWeeklyGoal)
	configViper.SetDefault("frequency.weekly_bonus_tokens", defaultWeeklyBonus)
	configViper.SetDefault("admin.subjects", []string{})
	configViper.SetDefault("http.rate_limit_per_minute", defaultRateLimitPerMin)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:       configViper.GetString("http.address"),
		DatabasePath:      configViper.GetString("database.path"),
		RedisAddress:      configViper.GetString("redis.address"),
		RedisPassword:     configViper.GetString("redis.password"),
		LogLevel:          configViper.GetString("log.level"),
		SigningSecret:     configViper.GetString("auth.signing_secret"),
		TokenTTL:          time.Duration(configViper.GetInt("token.ttl_minutes")) * time.Minute,
		MaxAccuracyMeters: configViper.GetFloat64("checkin.max_accuracy_meters"),
		AttendanceTokens:  configViper.GetInt64("checkin.attendance_tokens"),
		WeeklyGoal:        configViper.GetInt64("frequency.weekly_goal"),
		WeeklyBonusTokens: configViper.GetInt64("frequency.weekly_bonus_tokens"),
		AdminSubjects:     configViper.GetStringSlice("admin.subjects"),
		RateLimitPerMin:   configViper.GetInt("http.rate_limit_per_minute"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.MaxAccuracyMeters <= 0 {
		return fmt.Errorf("checkin.max_accuracy_meters must be positive")
	}
	if c.AttendanceTokens <= 0 {
		return fmt.Errorf("checkin.attendance_tokens must be positive")
	}
	return nil
}

// IsAdmin reports whether the subject is in the admin allowlist.
func (c AppConfig) IsAdmin(subject string) bool {
	for _, admin := range c.AdminSubjects {
		if admin == subject {
			return true
		}
	}
	return false
}
