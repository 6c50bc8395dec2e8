package http

import (
	"time"

	"mailwatch_server/adapter/in/worker"
	"mailwatch_server/core/port/out"
	"mailwatch_server/core/service/watch"
	"mailwatch_server/infra/database"
	"mailwatch_server/pkg/logger"
	"mailwatch_server/pkg/response"

	"github.com/gofiber/fiber/v2"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PoolStats exposes worker pool counters to the metrics endpoint.
type PoolStats interface {
	GetMetrics() worker.PoolMetrics
}

// OpsHandler serves the operational API: inspect connected accounts and
// watches, and enqueue manual refreshes and renewals.
type OpsHandler struct {
	accounts out.AccountRepository
	watches  *watch.Service
	producer out.MessageProducer
	db       *pgxpool.Pool
	pool     PoolStats
	webhook  *WebhookHandler
}

func NewOpsHandler(accounts out.AccountRepository, watches *watch.Service, producer out.MessageProducer, db *pgxpool.Pool) *OpsHandler {
	return &OpsHandler{
		accounts: accounts,
		watches:  watches,
		producer: producer,
		db:       db,
	}
}

// SetPoolStats attaches worker pool metrics. Only the worker mode has a pool.
func (h *OpsHandler) SetPoolStats(pool PoolStats) {
	h.pool = pool
}

// SetWebhookHandler attaches the webhook gateway for its counters.
func (h *OpsHandler) SetWebhookHandler(webhook *WebhookHandler) {
	h.webhook = webhook
}

func (h *OpsHandler) Register(api fiber.Router) {
	api.Get("/accounts", h.ListAccounts)
	api.Post("/accounts/:id/refresh", h.EnqueueRefresh)
	api.Post("/accounts/:id/watch", h.EnqueueWatchSetup)
	api.Post("/accounts/:id/watch/renew", h.EnqueueWatchRenew)
	api.Get("/watches", h.ListWatches)
	api.Get("/metrics", h.Metrics)
}

// accountView is the API shape of an account. Credentials never leave the
// persistence layer through this handler.
type accountView struct {
	ID          int64     `json:"id"`
	Email       string    `json:"email"`
	TokenExpiry time.Time `json:"token_expiry"`
	IsActive    bool      `json:"is_active"`
	CreatedAt   time.Time `json:"created_at"`
}

// ListAccounts returns the active connected accounts.
func (h *OpsHandler) ListAccounts(c *fiber.Ctx) error {
	entities, err := h.accounts.ListActive(c.Context())
	if err != nil {
		logger.WithError(err).Error("Failed to list accounts")
		return response.InternalError(c, "failed to list accounts")
	}

	p := response.GetPagination(c, 50, 200)
	views := make([]accountView, 0, len(entities))
	for _, e := range entities {
		views = append(views, accountView{
			ID:          e.ID,
			Email:       e.Email,
			TokenExpiry: e.TokenExpiry,
			IsActive:    e.IsActive,
			CreatedAt:   e.CreatedAt,
		})
	}

	total := len(views)
	start := p.Offset
	if start > total {
		start = total
	}
	end := start + p.Limit
	if end > total {
		end = total
	}

	return response.OKWithMeta(c, views[start:end], &response.Meta{
		Total:    total,
		Page:     p.Page,
		PageSize: p.PageSize,
		HasMore:  end < total,
	})
}

// EnqueueRefresh queues a token refresh for one account.
func (h *OpsHandler) EnqueueRefresh(c *fiber.Ctx) error {
	if h.producer == nil {
		return response.Error(c, 503, "QUEUE_UNAVAILABLE", "job queue not configured")
	}
	id, err := c.ParamsInt("id")
	if err != nil || id <= 0 {
		return response.BadRequest(c, "invalid account id")
	}

	if _, err := h.accounts.GetByID(c.Context(), int64(id)); err != nil {
		if err == out.ErrAccountNotFound {
			return response.NotFound(c, "account not found")
		}
		logger.WithError(err).Error("Failed to load account %d", id)
		return response.InternalError(c, "failed to load account")
	}

	job := &out.TokenRefreshJob{AccountID: int64(id), Reason: "manual"}
	if err := h.producer.PublishTokenRefresh(c.Context(), job); err != nil {
		logger.WithError(err).Error("Failed to enqueue token refresh for account %d", id)
		return response.InternalError(c, "failed to enqueue refresh")
	}

	return response.OK(c, fiber.Map{"account_id": id, "queued": true})
}

// EnqueueWatchSetup queues watch creation for an account.
func (h *OpsHandler) EnqueueWatchSetup(c *fiber.Ctx) error {
	if h.producer == nil {
		return response.Error(c, 503, "QUEUE_UNAVAILABLE", "job queue not configured")
	}
	id, err := c.ParamsInt("id")
	if err != nil || id <= 0 {
		return response.BadRequest(c, "invalid account id")
	}

	job := &out.WatchSetupJob{AccountID: int64(id)}
	if err := h.producer.PublishWatchSetup(c.Context(), job); err != nil {
		logger.WithError(err).Error("Failed to enqueue watch setup for account %d", id)
		return response.InternalError(c, "failed to enqueue watch setup")
	}

	return response.OK(c, fiber.Map{"account_id": id, "queued": true})
}

// EnqueueWatchRenew queues a watch renewal for an account.
func (h *OpsHandler) EnqueueWatchRenew(c *fiber.Ctx) error {
	if h.producer == nil {
		return response.Error(c, 503, "QUEUE_UNAVAILABLE", "job queue not configured")
	}
	id, err := c.ParamsInt("id")
	if err != nil || id <= 0 {
		return response.BadRequest(c, "invalid account id")
	}

	job := &out.WatchRenewJob{AccountID: int64(id)}
	if err := h.producer.PublishWatchRenew(c.Context(), job); err != nil {
		logger.WithError(err).Error("Failed to enqueue watch renewal for account %d", id)
		return response.InternalError(c, "failed to enqueue renewal")
	}

	return response.OK(c, fiber.Map{"account_id": id, "queued": true})
}

// ListWatches returns the active watch registrations.
func (h *OpsHandler) ListWatches(c *fiber.Ctx) error {
	regs, err := h.watches.ListActive(c.Context())
	if err != nil {
		logger.WithError(err).Error("Failed to list watches")
		return response.InternalError(c, "failed to list watches")
	}
	return response.OK(c, regs)
}

// Metrics returns pool and webhook counters.
func (h *OpsHandler) Metrics(c *fiber.Ctx) error {
	data := fiber.Map{}
	if h.db != nil {
		data["database"] = database.GetPoolStats(h.db)
	}
	if h.pool != nil {
		data["pool"] = h.pool.GetMetrics()
	}
	if h.webhook != nil {
		data["webhook"] = h.webhook.Metrics()
	}
	return response.OK(c, data)
}
