package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// generateWorkerID creates a unique worker ID using hostname and PID
func generateWorkerID() string {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "worker"
	}
	return fmt.Sprintf("%s-%d", hostname, os.Getpid())
}

type Config struct {
	Port        string
	Environment string

	// Database
	DatabaseURL string
	MongoDBURL  string
	MongoDBName string
	RedisURL    string

	// JWT (management API auth)
	JWTSecret string

	// OAuth - Google
	GoogleClientID     string
	GoogleClientSecret string
	GoogleRedirectURL  string
	GoogleProjectID    string

	// Pub/Sub push
	PubSubTopic  string
	PushAudience string

	// Token refresh
	TokenSweepInterval   time.Duration
	TokenRefreshWindow   time.Duration
	TokenFreshnessMargin time.Duration

	// Watch renewal
	WatchSweepInterval time.Duration
	WatchRenewalLead   time.Duration
	WatchFailureBudget int

	// Worker
	WorkerID        string
	WorkerMax       int
	WorkerQueueSize int

	// Consumer (Redis Stream)
	ConsumerBatchSize       int
	ConsumerBlockMS         int
	ConsumerMaxRetries      int
	ConsumerPendingCheckSec int
	ConsumerRetryDelaySec   int

	// CORS
	AllowedOrigins []string

	// Scheduler
	SchedulerEnabled bool
}

func Load() (*Config, error) {
	return &Config{
		Port:        getEnv("PORT", "8080"),
		Environment: getEnv("ENV", "development"),

		// Database
		DatabaseURL: getEnv("DATABASE_URL", ""),
		MongoDBURL:  getEnv("MONGODB_URL", ""),
		MongoDBName: getEnv("MONGODB_DATABASE", "mailwatch"),
		RedisURL:    getEnv("REDIS_URL", ""),

		// JWT
		JWTSecret: getEnv("JWT_SECRET", ""),

		// OAuth - Google
		GoogleClientID:     getEnv("GOOGLE_CLIENT_ID", ""),
		GoogleClientSecret: getEnv("GOOGLE_CLIENT_SECRET", ""),
		GoogleRedirectURL:  getEnv("GOOGLE_REDIRECT_URL", ""),
		GoogleProjectID:    getEnv("GOOGLE_PROJECT_ID", ""),

		// Pub/Sub push
		PubSubTopic:  getEnv("PUBSUB_TOPIC", "gmail-push"),
		PushAudience: getEnv("PUSH_AUDIENCE", ""),

		// Token refresh
		TokenSweepInterval:   time.Duration(getEnvInt("TOKEN_SWEEP_INTERVAL_SEC", 300)) * time.Second,
		TokenRefreshWindow:   time.Duration(getEnvInt("TOKEN_REFRESH_WINDOW_MIN", 10)) * time.Minute,
		TokenFreshnessMargin: time.Duration(getEnvInt("TOKEN_FRESHNESS_MARGIN_MIN", 5)) * time.Minute,

		// Watch renewal
		WatchSweepInterval: time.Duration(getEnvInt("WATCH_SWEEP_INTERVAL_MIN", 60)) * time.Minute,
		WatchRenewalLead:   time.Duration(getEnvInt("WATCH_RENEWAL_LEAD_HOUR", 24)) * time.Hour,
		WatchFailureBudget: getEnvInt("WATCH_FAILURE_BUDGET", 3),

		// Worker
		WorkerID:        getEnv("WORKER_ID", generateWorkerID()),
		WorkerMax:       getEnvInt("WORKER_MAX", 20),
		WorkerQueueSize: getEnvInt("WORKER_QUEUE_SIZE", 1000),

		// Consumer
		ConsumerBatchSize:       getEnvInt("CONSUMER_BATCH_SIZE", 50),
		ConsumerBlockMS:         getEnvInt("CONSUMER_BLOCK_MS", 5000),
		ConsumerMaxRetries:      getEnvInt("CONSUMER_MAX_RETRIES", 3),
		ConsumerPendingCheckSec: getEnvInt("CONSUMER_PENDING_CHECK_SEC", 60),
		ConsumerRetryDelaySec:   getEnvInt("CONSUMER_RETRY_DELAY_SEC", 5),

		// CORS
		AllowedOrigins: getEnvSlice("ALLOWED_ORIGINS", []string{"http://localhost:3000", "http://localhost:5173"}),

		// Scheduler
		SchedulerEnabled: getEnvBool("SCHEDULER_ENABLED", true),
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		return strings.Split(value, ",")
	}
	return defaultValue
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
