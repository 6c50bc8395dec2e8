package persistence

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"mailwatch_server/core/domain"
	"mailwatch_server/core/port/out"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// WatchAdapter persists push watch registrations in Postgres.
type WatchAdapter struct {
	db *sqlx.DB
}

// NewWatchAdapter creates a new watch adapter.
func NewWatchAdapter(db *sqlx.DB) *WatchAdapter {
	return &WatchAdapter{db: db}
}

// watchRow maps the watch_registrations table, with nullable columns.
type watchRow struct {
	ID             int64          `db:"id"`
	AccountID      int64          `db:"account_id"`
	UserID         uuid.UUID      `db:"user_id"`
	Topic          string         `db:"topic"`
	HistoryID      int64          `db:"history_id"`
	Status         string         `db:"status"`
	FailureCount   int            `db:"failure_count"`
	LastError      sql.NullString `db:"last_error"`
	ExpiresAt      time.Time      `db:"expires_at"`
	LastRenewedAt  sql.NullTime   `db:"last_renewed_at"`
	LastNotifiedAt sql.NullTime   `db:"last_notified_at"`
	CreatedAt      time.Time      `db:"created_at"`
	UpdatedAt      time.Time      `db:"updated_at"`
}

func (r *watchRow) toDomain() *domain.WatchRegistration {
	reg := &domain.WatchRegistration{
		ID:           r.ID,
		AccountID:    r.AccountID,
		UserID:       r.UserID,
		Topic:        r.Topic,
		HistoryID:    uint64(r.HistoryID),
		Status:       domain.WatchStatus(r.Status),
		FailureCount: r.FailureCount,
		ExpiresAt:    r.ExpiresAt,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
	if r.LastError.Valid {
		reg.LastError = r.LastError.String
	}
	if r.LastRenewedAt.Valid {
		t := r.LastRenewedAt.Time
		reg.LastRenewedAt = &t
	}
	if r.LastNotifiedAt.Valid {
		t := r.LastNotifiedAt.Time
		reg.LastNotifiedAt = &t
	}
	return reg
}

const watchColumns = `id, account_id, user_id, topic, history_id, status, failure_count, last_error, expires_at, last_renewed_at, last_notified_at, created_at, updated_at`

// Upsert creates or replaces the registration for an account. The unique
// constraint on account_id keeps it to one row per account.
func (a *WatchAdapter) Upsert(ctx context.Context, reg *domain.WatchRegistration) (*domain.WatchRegistration, error) {
	query := `
		INSERT INTO watch_registrations (account_id, user_id, topic, history_id, status, failure_count, last_error, expires_at, last_renewed_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8, $9, NOW(), NOW())
		ON CONFLICT (account_id) DO UPDATE SET
			topic = EXCLUDED.topic,
			history_id = GREATEST(watch_registrations.history_id, EXCLUDED.history_id),
			status = EXCLUDED.status,
			failure_count = EXCLUDED.failure_count,
			last_error = EXCLUDED.last_error,
			expires_at = EXCLUDED.expires_at,
			last_renewed_at = EXCLUDED.last_renewed_at,
			updated_at = NOW()
		RETURNING ` + watchColumns

	var lastRenewedAt sql.NullTime
	if reg.LastRenewedAt != nil {
		lastRenewedAt = sql.NullTime{Time: *reg.LastRenewedAt, Valid: true}
	}

	var row watchRow
	err := a.db.GetContext(ctx, &row, query,
		reg.AccountID,
		reg.UserID,
		reg.Topic,
		int64(reg.HistoryID),
		string(reg.Status),
		reg.FailureCount,
		reg.LastError,
		reg.ExpiresAt,
		lastRenewedAt,
	)
	if err != nil {
		return nil, err
	}
	return row.toDomain(), nil
}

func (a *WatchAdapter) GetByID(ctx context.Context, id int64) (*domain.WatchRegistration, error) {
	var row watchRow
	query := `SELECT ` + watchColumns + ` FROM watch_registrations WHERE id = $1`

	if err := a.db.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, out.ErrWatchNotFound
		}
		return nil, err
	}
	return row.toDomain(), nil
}

func (a *WatchAdapter) GetByAccountID(ctx context.Context, accountID int64) (*domain.WatchRegistration, error) {
	var row watchRow
	query := `SELECT ` + watchColumns + ` FROM watch_registrations WHERE account_id = $1`

	if err := a.db.GetContext(ctx, &row, query, accountID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, out.ErrWatchNotFound
		}
		return nil, err
	}
	return row.toDomain(), nil
}

func (a *WatchAdapter) ListExpiring(ctx context.Context, before time.Time) ([]*domain.WatchRegistration, error) {
	var rows []watchRow
	query := `
		SELECT ` + watchColumns + `
		FROM watch_registrations
		WHERE status = 'active' AND expires_at < $1
		ORDER BY expires_at ASC`

	if err := a.db.SelectContext(ctx, &rows, query, before); err != nil {
		return nil, err
	}
	return toDomainList(rows), nil
}

func (a *WatchAdapter) ListByStatus(ctx context.Context, status domain.WatchStatus) ([]*domain.WatchRegistration, error) {
	var rows []watchRow
	query := `SELECT ` + watchColumns + ` FROM watch_registrations WHERE status = $1 ORDER BY expires_at ASC`

	if err := a.db.SelectContext(ctx, &rows, query, string(status)); err != nil {
		return nil, err
	}
	return toDomainList(rows), nil
}

func (a *WatchAdapter) ListActive(ctx context.Context) ([]*domain.WatchRegistration, error) {
	return a.ListByStatus(ctx, domain.WatchStatusActive)
}

func (a *WatchAdapter) UpdateStatus(ctx context.Context, id int64, status domain.WatchStatus, lastError string) error {
	query := `
		UPDATE watch_registrations
		SET status = $2, last_error = NULLIF($3, ''), updated_at = NOW()
		WHERE id = $1`

	result, err := a.db.ExecContext(ctx, query, id, string(status), lastError)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return out.ErrWatchNotFound
	}
	return nil
}

func (a *WatchAdapter) IncrementFailureCount(ctx context.Context, id int64) (int, error) {
	var count int
	query := `
		UPDATE watch_registrations
		SET failure_count = failure_count + 1, updated_at = NOW()
		WHERE id = $1
		RETURNING failure_count`

	if err := a.db.QueryRowContext(ctx, query, id).Scan(&count); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, out.ErrWatchNotFound
		}
		return 0, err
	}
	return count, nil
}

func (a *WatchAdapter) ResetFailureCount(ctx context.Context, id int64) error {
	query := `
		UPDATE watch_registrations
		SET failure_count = 0, last_error = NULL, updated_at = NOW()
		WHERE id = $1`

	_, err := a.db.ExecContext(ctx, query, id)
	return err
}

// UpdateLastNotified stamps the registration and advances the history cursor
// monotonically.
func (a *WatchAdapter) UpdateLastNotified(ctx context.Context, accountID int64, historyID uint64) error {
	query := `
		UPDATE watch_registrations
		SET last_notified_at = NOW(),
			history_id = GREATEST(history_id, $2),
			updated_at = NOW()
		WHERE account_id = $1`

	result, err := a.db.ExecContext(ctx, query, accountID, int64(historyID))
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return out.ErrWatchNotFound
	}
	return nil
}

func (a *WatchAdapter) Delete(ctx context.Context, id int64) error {
	_, err := a.db.ExecContext(ctx, `DELETE FROM watch_registrations WHERE id = $1`, id)
	return err
}

func toDomainList(rows []watchRow) []*domain.WatchRegistration {
	regs := make([]*domain.WatchRegistration, 0, len(rows))
	for i := range rows {
		regs = append(regs, rows[i].toDomain())
	}
	return regs
}

var _ out.WatchRepository = (*WatchAdapter)(nil)
