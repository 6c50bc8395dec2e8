package bootstrap

import (
	"context"
	"fmt"
	"strings"
	"time"

	"mailwatch_server/adapter/out/messaging"
	"mailwatch_server/adapter/out/mongodb"
	"mailwatch_server/adapter/out/persistence"
	"mailwatch_server/adapter/out/provider"
	"mailwatch_server/config"
	"mailwatch_server/core/port/out"
	"mailwatch_server/core/service/ingest"
	"mailwatch_server/core/service/token"
	"mailwatch_server/core/service/watch"
	"mailwatch_server/infra/database"
	"mailwatch_server/pkg/logger"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
)

// Dependencies holds every shared component the API and worker wire up.
type Dependencies struct {
	Config *config.Config

	DB    *pgxpool.Pool
	SQLDB *sqlx.DB
	Redis *redis.Client
	Mongo *mongo.Client

	AccountRepo out.AccountRepository
	WatchRepo   out.WatchRepository
	AuditLog    out.NotificationLog

	Provider *provider.GmailAdapter
	Producer out.MessageProducer

	TokenService  *token.Service
	WatchService  *watch.Service
	IngestService *ingest.Service
}

// NewDependencies connects infrastructure and wires the services. The
// returned cleanup closes connections in reverse order.
func NewDependencies(cfg *config.Config) (*Dependencies, func(), error) {
	deps := &Dependencies{Config: cfg}
	var cleanups []func()

	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, nil, fmt.Errorf("DATABASE_URL is required")
	}

	pool, err := database.NewPostgres(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("postgres connect: %w", err)
	}
	deps.DB = pool
	cleanups = append(cleanups, pool.Close)
	logger.Info("PostgreSQL connected")

	// sqlx on the pgx stdlib driver; simple protocol keeps it compatible
	// with pgbouncer in transaction mode.
	sqlURL := cfg.DatabaseURL
	if !strings.Contains(sqlURL, "default_query_exec_mode") {
		sep := "?"
		if strings.Contains(sqlURL, "?") {
			sep = "&"
		}
		sqlURL += sep + "default_query_exec_mode=simple_protocol"
	}
	sqlDB, err := sqlx.Connect("pgx", sqlURL)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("sqlx connect: %w", err)
	}
	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)
	sqlDB.SetConnMaxIdleTime(30 * time.Minute)
	deps.SQLDB = sqlDB
	cleanups = append(cleanups, func() { sqlDB.Close() })

	// Redis is optional: without it there is no queue, no refresh lease and
	// no duplicate suppression, but the lifecycle still works inline.
	if cfg.RedisURL != "" {
		redisClient, err := database.NewRedis(cfg.RedisURL)
		if err != nil {
			logger.WithError(err).Warn("Redis unavailable, queue and dedup disabled")
		} else {
			deps.Redis = redisClient
			cleanups = append(cleanups, func() { redisClient.Close() })
			logger.Info("Redis connected")
		}
	}

	// MongoDB is optional and only backs the notification audit log.
	if cfg.MongoDBURL != "" {
		mongoClient, err := mongodb.NewClient(cfg.MongoDBURL, cfg.MongoDBName)
		if err != nil {
			logger.WithError(err).Warn("MongoDB unavailable, notification audit log disabled")
		} else {
			deps.Mongo = mongoClient
			cleanups = append(cleanups, func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				mongoClient.Disconnect(ctx)
			})
			deps.AuditLog = mongodb.NewNotificationLogAdapter(mongoClient, cfg.MongoDBName)
			logger.Info("MongoDB connected")
		}
	}

	deps.AccountRepo = persistence.NewAccountAdapter(sqlDB)
	deps.WatchRepo = persistence.NewWatchAdapter(sqlDB)

	deps.Provider = provider.NewGmailAdapter(provider.GmailConfig{
		ClientID:     cfg.GoogleClientID,
		ClientSecret: cfg.GoogleClientSecret,
		RedirectURL:  cfg.GoogleRedirectURL,
		ProjectID:    cfg.GoogleProjectID,
		Topic:        cfg.PubSubTopic,
	})

	if deps.Redis != nil {
		deps.Producer = messaging.NewRedisProducer(deps.Redis)
	}

	deps.TokenService = token.NewService(deps.AccountRepo, deps.Redis, token.ServiceConfig{
		ClientID:        cfg.GoogleClientID,
		ClientSecret:    cfg.GoogleClientSecret,
		RedirectURL:     cfg.GoogleRedirectURL,
		RefreshWindow:   cfg.TokenRefreshWindow,
		FreshnessMargin: cfg.TokenFreshnessMargin,
	})

	deps.WatchService = watch.NewService(
		deps.AccountRepo,
		deps.WatchRepo,
		deps.Provider,
		deps.TokenService,
		cfg.WatchRenewalLead,
		cfg.WatchFailureBudget,
	)

	deps.IngestService = ingest.NewService(
		deps.AccountRepo,
		deps.WatchRepo,
		deps.Provider,
		deps.TokenService,
		deps.Producer,
		deps.Redis,
		deps.AuditLog,
	)

	logger.Info("Dependencies initialized")
	return deps, cleanup, nil
}

// HealthCheck pings the backing stores.
func (d *Dependencies) HealthCheck(ctx context.Context) error {
	if d.DB != nil {
		if err := d.DB.Ping(ctx); err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
	}
	if d.Redis != nil {
		if err := d.Redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	return nil
}
