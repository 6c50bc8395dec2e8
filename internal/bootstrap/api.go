package bootstrap

import (
	"strings"

	"mailwatch_server/adapter/in/http"
	"mailwatch_server/config"
	"mailwatch_server/infra/middleware"
	"mailwatch_server/pkg/logger"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/compress"
	"github.com/gofiber/fiber/v2/middleware/cors"
)

// NewAPI builds the fiber app: webhook gateway, health probes, and the
// authenticated operational API.
func NewAPI(cfg *config.Config, deps *Dependencies) *fiber.App {
	app := fiber.New(fiber.Config{
		ErrorHandler:          middleware.ErrorHandler(),
		DisableStartupMessage: cfg.IsProduction(),
		Prefork:               false,
		StrictRouting:         false,
		CaseSensitive:         false,

		ReadBufferSize:  16384,
		WriteBufferSize: 16384,

		JSONEncoder: json.Marshal,
		JSONDecoder: json.Unmarshal,

		// Push bodies are tiny; anything near this limit is garbage.
		BodyLimit: 1 * 1024 * 1024,

		ServerHeader:       "",
		DisableDefaultDate: true,
	})

	// Global middleware stack (order matters)
	app.Use(middleware.Recover())
	app.Use(middleware.RequestID())
	app.Use(middleware.RequestLogger())

	app.Use(compress.New(compress.Config{
		Level: compress.LevelBestSpeed,
	}))

	// AllowCredentials:true requires explicit origins (not "*")
	allowOrigins := strings.Join(cfg.AllowedOrigins, ",")
	allowCredentials := true
	if allowOrigins == "" || allowOrigins == "*" {
		if cfg.IsProduction() {
			allowOrigins = ""
			allowCredentials = false
		} else {
			allowOrigins = "http://localhost:3000,http://localhost:5173"
		}
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins:     allowOrigins,
		AllowMethods:     "GET,POST,PUT,DELETE,PATCH,OPTIONS",
		AllowHeaders:     "Origin,Content-Type,Accept,Authorization,X-Request-ID",
		ExposeHeaders:    "X-Request-ID",
		AllowCredentials: allowCredentials,
		MaxAge:           86400,
	}))

	// Health checks (no auth required)
	healthHandler := http.NewHealthHandler(deps.DB, deps.Redis)
	healthHandler.Register(app)

	// Webhook gateway (no auth; Pub/Sub authenticates with its own OIDC token)
	var verifier http.PushAuthVerifier
	if cfg.PushAudience != "" {
		verifier = middleware.NewGooglePushVerifier(cfg.PushAudience)
		logger.Info("Push OIDC verification enabled for audience %s", cfg.PushAudience)
	}
	webhookHandler := http.NewWebhookHandler(deps.IngestService, verifier)
	webhookHandler.Register(app)

	// Operational API (authenticated)
	api := app.Group("/api/v1")
	api.Use(middleware.JWTAuth(cfg.JWTSecret))

	opsHandler := http.NewOpsHandler(deps.AccountRepo, deps.WatchService, deps.Producer, deps.DB)
	opsHandler.SetWebhookHandler(webhookHandler)
	opsHandler.Register(api)

	logger.Info("API server initialized")
	return app
}
