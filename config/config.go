package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"leadflow/models"
)

var (
	DB        *gorm.DB
	AppConfig Config
	envLoaded bool
)

type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// WebhookConfig feeds webhook.Config; the legacy global endpoint and secret
// live here instead of being read from the environment by the delivery code.
type WebhookConfig struct {
	Secret           string `json:"-"`
	Endpoint         string `json:"endpoint"`
	TimeoutMs        int    `json:"timeout_ms"`
	MaxAttempts      int    `json:"max_attempts"`
	BackoffBaseSecs  int    `json:"backoff_base_secs"`
	BackoffMaxSecs   int    `json:"backoff_max_secs"`
	FreshnessSecs    int    `json:"freshness_secs"`
	SourceProduct    string `json:"source_product"`
	DispatchInterval int    `json:"dispatch_interval_secs"`
}

type AutomationConfig struct {
	Timezone            string   `json:"timezone"`
	FollowUpAfterHours  int      `json:"follow_up_after_hours"`
	DefaultOverdueHours int      `json:"default_overdue_hours"`
	ReplyStageNames     []string `json:"reply_stage_names"`
	RateLimitPerMinute  int      `json:"rate_limit_per_minute"`
	SchedulerInterval   int      `json:"scheduler_interval_secs"`
}

type Config struct {
	Environment    string           `json:"environment"`
	ServerPort     string           `json:"server_port"`
	JWTSecret      string           `json:"-"`
	EncryptionKey  string           `json:"-"`
	SentryDSN      string           `json:"-"`
	LogLevel       string           `json:"log_level"`
	CORSOrigins    []string         `json:"cors_origins"`
	DBHost         string           `json:"db_host"`
	DBPort         string           `json:"db_port"`
	DBUser         string           `json:"db_user"`
	DBPassword     string           `json:"-"`
	DBName         string           `json:"db_name"`
	DBSSLMode      string           `json:"db_ssl_mode"`
	DBMaxIdleConns int              `json:"db_max_idle_conns"`
	DBMaxOpenConns int              `json:"db_max_open_conns"`
	Redis          RedisConfig      `json:"redis"`
	Webhook        WebhookConfig    `json:"webhook"`
	Automation     AutomationConfig `json:"automation"`
}

func init() {
	// Try to load .env file, but don't fail if it doesn't exist
	_ = godotenv.Load()
	envLoaded = true
}

func LoadConfig() error {
	AppConfig = Config{
		Environment:    getEnv("ENVIRONMENT", "development"),
		ServerPort:     getEnv("SERVER_PORT", "5000"),
		JWTSecret:      getEnv("JWT_SECRET", ""),
		EncryptionKey:  getEnv("ENCRYPTION_KEY", ""),
		SentryDSN:      getEnv("SENTRY_DSN", ""),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		CORSOrigins:    getEnvAsList("CORS_ORIGINS", []string{"http://localhost:3000"}),
		DBHost:         getEnv("DB_HOST", "localhost"),
		DBPort:         getEnv("DB_PORT", "5432"),
		DBUser:         getEnv("DB_USER", "postgres"),
		DBPassword:     getEnv("DB_PASSWORD", ""),
		DBName:         getEnv("DB_NAME", "leadflow"),
		DBSSLMode:      getEnv("DB_SSL_MODE", "disable"),
		DBMaxIdleConns: getEnvAsInt("DB_MAX_IDLE_CONNS", 10),
		DBMaxOpenConns: getEnvAsInt("DB_MAX_OPEN_CONNS", 100),
		Redis: RedisConfig{
			Enabled:  getEnv("REDIS_ENABLED", "false") == "true",
			Address:  getEnv("REDIS_ADDRESS", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		Webhook: WebhookConfig{
			Secret:           getEnv("WEBHOOK_SECRET", ""),
			Endpoint:         getEnv("WEBHOOK_ENDPOINT", ""),
			TimeoutMs:        getEnvAsInt("WEBHOOK_TIMEOUT_MS", 10000),
			MaxAttempts:      getEnvAsInt("WEBHOOK_MAX_ATTEMPTS", 6),
			BackoffBaseSecs:  getEnvAsInt("WEBHOOK_BACKOFF_BASE_SECONDS", 30),
			BackoffMaxSecs:   getEnvAsInt("WEBHOOK_BACKOFF_MAX_SECONDS", 3600),
			FreshnessSecs:    getEnvAsInt("WEBHOOK_FRESHNESS_SECONDS", 300),
			SourceProduct:    getEnv("WEBHOOK_SOURCE_PRODUCT", "leadflow"),
			DispatchInterval: getEnvAsInt("DISPATCHER_INTERVAL_SECONDS", 15),
		},
		Automation: AutomationConfig{
			Timezone:            getEnv("AUTOMATION_TIMEZONE", "UTC"),
			FollowUpAfterHours:  getEnvAsInt("FOLLOWUP_AFTER_HOURS", 48),
			DefaultOverdueHours: getEnvAsInt("DEFAULT_OVERDUE_HOURS", 48),
			ReplyStageNames:     getEnvAsList("REPLY_STAGE_NAMES", []string{"Connected", "Responded", "Engaged"}),
			RateLimitPerMinute:  getEnvAsInt("RATE_LIMIT_AUTOMATION", 10),
			SchedulerInterval:   getEnvAsInt("SCHEDULER_INTERVAL_SECONDS", 60),
		},
	}

	// Validate required configurations
	if AppConfig.DBPassword == "" {
		return fmt.Errorf("DB_PASSWORD is required")
	}
	if AppConfig.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if n := len(AppConfig.EncryptionKey); n != 16 && n != 24 && n != 32 {
		return fmt.Errorf("ENCRYPTION_KEY must be 16, 24 or 32 bytes")
	}
	if AppConfig.Webhook.Endpoint != "" && AppConfig.Webhook.Secret == "" {
		return fmt.Errorf("WEBHOOK_SECRET is required when WEBHOOK_ENDPOINT is set")
	}
	if _, err := time.LoadLocation(AppConfig.Automation.Timezone); err != nil {
		return fmt.Errorf("invalid AUTOMATION_TIMEZONE: %w", err)
	}

	logConfig()
	return nil
}

func ConnectDB() error {
	logrus.Info("Attempting to connect to database...")

	dsn := fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		AppConfig.DBHost,
		AppConfig.DBPort,
		AppConfig.DBUser,
		AppConfig.DBPassword,
		AppConfig.DBName,
		AppConfig.DBSSLMode,
	)
	logrus.WithField("dsn", maskPassword(dsn)).Info("Using connection string")

	var err error
	DB, err = gorm.Open(postgres.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Warn),
		NowFunc:        func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := DB.DB()
	if err != nil {
		return fmt.Errorf("failed to get DB instance: %w", err)
	}

	sqlDB.SetMaxIdleConns(AppConfig.DBMaxIdleConns)
	sqlDB.SetMaxOpenConns(AppConfig.DBMaxOpenConns)
	sqlDB.SetConnMaxLifetime(time.Hour)
	sqlDB.SetConnMaxIdleTime(30 * time.Minute)

	if err := sqlDB.Ping(); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	logrus.Info("Successfully connected to the database")
	if err := models.Migrate(DB); err != nil {
		return fmt.Errorf("database migration failed: %w", err)
	}
	logrus.Info("Database migration completed")
	return nil
}

// Location returns the automation timezone, falling back to UTC.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Automation.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Helper functions
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	if !envLoaded && fallback == "" {
		logrus.Warnf("Environment variable %s not found and no fallback provided", key)
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	var value int
	_, err := fmt.Sscanf(valueStr, "%d", &value)
	if err != nil {
		return fallback
	}
	return value
}

func getEnvAsList(key string, fallback []string) []string {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}

func maskPassword(dsn string) string {
	const passwordMarker = "password="
	startIdx := strings.Index(dsn, passwordMarker)
	if startIdx == -1 {
		return dsn
	}

	startIdx += len(passwordMarker)
	endIdx := strings.IndexAny(dsn[startIdx:], " ")
	if endIdx == -1 {
		return dsn[:startIdx] + "*****"
	}
	return dsn[:startIdx] + "*****" + dsn[startIdx+endIdx:]
}

func logConfig() {
	logrus.WithFields(logrus.Fields{
		"environment":       AppConfig.Environment,
		"server_port":       AppConfig.ServerPort,
		"database":          fmt.Sprintf("%s@%s:%s/%s", AppConfig.DBUser, AppConfig.DBHost, AppConfig.DBPort, AppConfig.DBName),
		"redis":             AppConfig.Redis.Enabled,
		"webhook_sink":      AppConfig.Webhook.Endpoint != "",
		"webhook_timeout":   AppConfig.Webhook.TimeoutMs,
		"automation_tz":     AppConfig.Automation.Timezone,
		"reply_stage_names": AppConfig.Automation.ReplyStageNames,
	}).Info("Loaded configuration")
}
