package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds application configuration
type Config struct {
	Port        string
	Env         string
	LogLevel    string
	DatabaseURL string

	// Scheduling
	DefaultTimezone   string
	SlotMinutes       int
	ExternalPatientID string

	// Doctor cache
	RedisAddr      string
	RedisPassword  string
	RedisTLS       bool
	DoctorCacheTTL time.Duration

	// Calendar mirror
	GoogleCredentialsJSON string
	CalendarRetryMax      int
	CalendarRetryBase     time.Duration
	CalendarWindowDays    int

	// Sync queue
	SyncWorkerCount     int
	SyncPollInterval    time.Duration
	SyncBatchSize       int
	SyncMaxAttempts     int
	SyncRetryBaseDelay  time.Duration
	ImmediateSyncBudget time.Duration

	// Reconciliation
	ReconcileInterval  time.Duration
	ReconcileBatchSize int

	// Watch channels
	WatchChannelTTL       time.Duration
	WatchRenewalLookahead time.Duration
	WatchRenewalInterval  time.Duration
	WatchCallbackURL      string

	// AWS / notifications
	AWSRegion         string
	NotifyFromEmail   string
	NotifyOnConflicts bool
}

// Load reads configuration from environment variables
func Load() *Config {
	return &Config{
		Port:        getEnv("PORT", "8080"),
		Env:         getEnv("ENV", "development"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		DatabaseURL: getEnv("DATABASE_URL", ""),

		DefaultTimezone:   getEnv("DEFAULT_TIMEZONE", "UTC"),
		SlotMinutes:       getEnvAsInt("SLOT_MINUTES", 30),
		ExternalPatientID: getEnv("EXTERNAL_PATIENT_ID", ""),

		RedisAddr:      getEnv("REDIS_ADDR", ""),
		RedisPassword:  getEnv("REDIS_PASSWORD", ""),
		RedisTLS:       getEnvAsBool("REDIS_TLS", false),
		DoctorCacheTTL: getEnvAsDuration("DOCTOR_CACHE_TTL", 5*time.Minute),

		GoogleCredentialsJSON: getEnv("GOOGLE_CREDENTIALS_JSON", ""),
		CalendarRetryMax:      getEnvAsInt("CALENDAR_RETRY_MAX", 3),
		CalendarRetryBase:     getEnvAsDuration("CALENDAR_RETRY_BASE", 250*time.Millisecond),
		CalendarWindowDays:    getEnvAsInt("CALENDAR_WINDOW_DAYS", 60),

		SyncWorkerCount:     getEnvAsInt("SYNC_WORKER_COUNT", 2),
		SyncPollInterval:    getEnvAsDuration("SYNC_POLL_INTERVAL", 15*time.Second),
		SyncBatchSize:       getEnvAsInt("SYNC_BATCH_SIZE", 25),
		SyncMaxAttempts:     getEnvAsInt("SYNC_MAX_ATTEMPTS", 5),
		SyncRetryBaseDelay:  getEnvAsDuration("SYNC_RETRY_BASE_DELAY", time.Minute),
		ImmediateSyncBudget: getEnvAsDuration("IMMEDIATE_SYNC_BUDGET", 3*time.Second),

		ReconcileInterval:  getEnvAsDuration("RECONCILE_INTERVAL", 10*time.Minute),
		ReconcileBatchSize: getEnvAsInt("RECONCILE_BATCH_SIZE", 20),

		WatchChannelTTL:       getEnvAsDuration("WATCH_CHANNEL_TTL", 7*24*time.Hour),
		WatchRenewalLookahead: getEnvAsDuration("WATCH_RENEWAL_LOOKAHEAD", 24*time.Hour),
		WatchRenewalInterval:  getEnvAsDuration("WATCH_RENEWAL_INTERVAL", time.Hour),
		WatchCallbackURL:      getEnv("WATCH_CALLBACK_URL", ""),

		AWSRegion:         getEnv("AWS_REGION", "us-east-1"),
		NotifyFromEmail:   getEnv("NOTIFY_FROM_EMAIL", ""),
		NotifyOnConflicts: getEnvAsBool("NOTIFY_ON_CONFLICTS", true),
	}
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsBool retrieves an environment variable as a boolean or returns a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}
