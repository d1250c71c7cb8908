package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"onboardmail/store"
)

var (
	DB        *gorm.DB
	AppConfig Config
)

type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

type SMTPConfig struct {
	Host      string `json:"host"`
	Port      int    `json:"port"`
	Username  string `json:"username"`
	Password  string `json:"-"`
	FromEmail string `json:"from_email"`
	FromName  string `json:"from_name"`
}

// OnboardingConfig drives the scheduler. Timezone is resolved into Location
// by LoadConfig.
type OnboardingConfig struct {
	Cron         string         `json:"cron"`
	Timezone     string         `json:"timezone"`
	Location     *time.Location `json:"-"`
	Workers      int            `json:"workers"`
	SendTimeout  time.Duration  `json:"send_timeout"`
	StoreTimeout time.Duration  `json:"store_timeout"`
	SendRate     float64        `json:"send_rate"`
}

type Config struct {
	Environment        string           `json:"environment"`
	ServerPort         string           `json:"server_port"`
	DBDriver           string           `json:"db_driver"`
	DBHost             string           `json:"db_host"`
	DBPort             string           `json:"db_port"`
	DBUser             string           `json:"db_user"`
	DBPassword         string           `json:"-"`
	DBName             string           `json:"db_name"`
	DBSSLMode          string           `json:"db_ssl_mode"`
	SQLitePath         string           `json:"sqlite_path"`
	DBMaxIdleConns     int              `json:"db_max_idle_conns"`
	DBMaxOpenConns     int              `json:"db_max_open_conns"`
	SMTP               SMTPConfig       `json:"smtp"`
	Onboarding         OnboardingConfig `json:"onboarding"`
	JWTSecret          string           `json:"-"`
	Redis              RedisConfig      `json:"redis"`
	RateLimitStart     int              `json:"rate_limit_start"`
	SentryDSN          string           `json:"-"`
	CORSAllowedOrigins []string         `json:"cors_allowed_origins"`
}

func init() {
	// Try to load .env file, but don't fail if it doesn't exist
	_ = godotenv.Load()
}

func LoadConfig() error {
	cfg := Config{
		Environment:    getEnv("ENVIRONMENT", "development"),
		ServerPort:     getEnv("SERVER_PORT", "5000"),
		DBDriver:       strings.ToLower(getEnv("DB_DRIVER", "postgres")),
		DBHost:         getEnv("DB_HOST", "localhost"),
		DBPort:         getEnv("DB_PORT", "5432"),
		DBUser:         getEnv("DB_USER", "postgres"),
		DBPassword:     getEnv("DB_PASSWORD", ""),
		DBName:         getEnv("DB_NAME", "onboarding"),
		DBSSLMode:      getEnv("DB_SSL_MODE", "disable"),
		SQLitePath:     getEnv("SQLITE_PATH", "onboarding.db"),
		DBMaxIdleConns: getEnvAsInt("DB_MAX_IDLE_CONNS", 10),
		DBMaxOpenConns: getEnvAsInt("DB_MAX_OPEN_CONNS", 100),
		SMTP: SMTPConfig{
			Host:      getEnv("SMTP_HOST", ""),
			Port:      getEnvAsInt("SMTP_PORT", 587),
			Username:  getEnv("SMTP_USERNAME", ""),
			Password:  getEnv("SMTP_PASSWORD", ""),
			FromEmail: getEnv("SMTP_FROM_EMAIL", ""),
			FromName:  getEnv("SMTP_FROM_NAME", "Onboarding"),
		},
		Onboarding: OnboardingConfig{
			Cron:         getEnv("ONBOARDING_CRON", "0 9 * * *"),
			Timezone:     getEnv("ONBOARDING_TIMEZONE", "UTC"),
			Workers:      getEnvAsInt("ONBOARDING_WORKERS", 4),
			SendTimeout:  getEnvAsDuration("ONBOARDING_SEND_TIMEOUT", 30*time.Second),
			StoreTimeout: getEnvAsDuration("ONBOARDING_STORE_TIMEOUT", 5*time.Second),
			SendRate:     getEnvAsFloat("ONBOARDING_SEND_RATE", 10),
		},
		JWTSecret: getEnv("JWT_SECRET", ""),
		Redis: RedisConfig{
			Enabled:  getEnvAsBool("REDIS_ENABLED", false),
			Address:  getEnv("REDIS_ADDRESS", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		RateLimitStart:     getEnvAsInt("RATE_LIMIT_START", 30),
		SentryDSN:          getEnv("SENTRY_DSN", ""),
		CORSAllowedOrigins: getEnvAsList("CORS_ALLOWED_ORIGINS", []string{"http://localhost:3000"}),
	}

	// Validate required configurations
	switch cfg.DBDriver {
	case "postgres":
		if cfg.DBPassword == "" {
			return fmt.Errorf("DB_PASSWORD is required")
		}
	case "sqlite":
	default:
		return fmt.Errorf("unsupported DB_DRIVER %q (want postgres or sqlite)", cfg.DBDriver)
	}
	if cfg.Environment == "production" && cfg.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required in production")
	}
	if cfg.Onboarding.Workers <= 0 {
		return fmt.Errorf("ONBOARDING_WORKERS must be positive")
	}

	loc, err := time.LoadLocation(cfg.Onboarding.Timezone)
	if err != nil {
		return fmt.Errorf("invalid ONBOARDING_TIMEZONE %q: %w", cfg.Onboarding.Timezone, err)
	}
	cfg.Onboarding.Location = loc

	AppConfig = cfg
	logConfig()
	return nil
}

func ConnectDB() error {
	logrus.Info("Attempting to connect to database...")

	var dialector gorm.Dialector
	switch AppConfig.DBDriver {
	case "sqlite":
		logrus.WithField("path", AppConfig.SQLitePath).Info("Using sqlite database")
		dialector = sqlite.Open(AppConfig.SQLitePath)
	default:
		dsn := fmt.Sprintf(
			"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
			AppConfig.DBHost,
			AppConfig.DBPort,
			AppConfig.DBUser,
			AppConfig.DBPassword,
			AppConfig.DBName,
			AppConfig.DBSSLMode,
		)
		logrus.WithField("dsn", maskPassword(dsn)).Info("Using postgres database")
		dialector = postgres.Open(dsn)
	}

	gormLogger := logger.Default.LogMode(logger.Warn)
	if AppConfig.Environment == "development" {
		gormLogger = logger.Default.LogMode(logger.Info)
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormLogger})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to get DB instance: %w", err)
	}

	if AppConfig.DBDriver == "sqlite" {
		// sqlite serialises writers; one connection avoids SQLITE_BUSY
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxIdleConns(AppConfig.DBMaxIdleConns)
		sqlDB.SetMaxOpenConns(AppConfig.DBMaxOpenConns)
		sqlDB.SetConnMaxLifetime(time.Hour)
		sqlDB.SetConnMaxIdleTime(30 * time.Minute)
	}

	if err := sqlDB.Ping(); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	logrus.Info("Successfully connected to the database")

	if err := store.Migrate(db); err != nil {
		return fmt.Errorf("database migration failed: %w", err)
	}
	logrus.Info("Database migration completed")

	DB = db
	return nil
}

// Helper functions
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		logrus.Warnf("Invalid integer for %s=%q, using %d", key, valueStr, fallback)
		return fallback
	}
	return value
}

func getEnvAsFloat(key string, fallback float64) float64 {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		logrus.Warnf("Invalid number for %s=%q, using %g", key, valueStr, fallback)
		return fallback
	}
	return value
}

func getEnvAsBool(key string, fallback bool) bool {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return fallback
	}
	return value
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		logrus.Warnf("Invalid duration for %s=%q, using %s", key, valueStr, fallback)
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
		"environment":     AppConfig.Environment,
		"server_port":     AppConfig.ServerPort,
		"db_driver":       AppConfig.DBDriver,
		"smtp_configured": AppConfig.SMTP.Host != "" && AppConfig.SMTP.Password != "",
		"onboarding_cron": AppConfig.Onboarding.Cron,
		"timezone":        AppConfig.Onboarding.Timezone,
		"workers":         AppConfig.Onboarding.Workers,
		"redis":           AppConfig.Redis.Enabled,
		"auth":            AppConfig.JWTSecret != "",
	}).Info("Loaded configuration")
	if AppConfig.DBDriver == "postgres" {
		logrus.Infof("Database: %s@%s:%s/%s",
			AppConfig.DBUser,
			AppConfig.DBHost,
			AppConfig.DBPort,
			AppConfig.DBName)
	}
}
