package persistence

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"mailwatch_server/core/port/out"
	"mailwatch_server/pkg/crypto"
	"mailwatch_server/pkg/logger"

	"github.com/jmoiron/sqlx"
)

// AccountAdapter persists connected accounts in Postgres. Refresh tokens are
// encrypted at rest when an encryption key is configured.
type AccountAdapter struct {
	db                *sqlx.DB
	encryptionEnabled bool
}

// NewAccountAdapter creates a new account adapter.
func NewAccountAdapter(db *sqlx.DB) *AccountAdapter {
	encryptionEnabled := true
	if err := crypto.Init(); err != nil {
		logger.WithError(err).Warn("Token encryption disabled, storing tokens in plaintext")
		encryptionEnabled = false
	}
	return &AccountAdapter{db: db, encryptionEnabled: encryptionEnabled}
}

func (a *AccountAdapter) encryptToken(token string) string {
	if !a.encryptionEnabled || token == "" {
		return token
	}
	encrypted, err := crypto.EncryptToken(token)
	if err != nil {
		logger.WithError(err).Error("Failed to encrypt token")
		return token
	}
	return encrypted
}

func (a *AccountAdapter) decryptToken(token string) string {
	if token == "" || !crypto.IsEncrypted(token) {
		return token
	}
	decrypted, err := crypto.DecryptToken(token)
	if err != nil {
		logger.WithError(err).Error("Failed to decrypt token")
		return token
	}
	return decrypted
}

func (a *AccountAdapter) decryptEntity(entity *out.AccountEntity) {
	entity.AccessToken = a.decryptToken(entity.AccessToken)
	entity.RefreshToken = a.decryptToken(entity.RefreshToken)
}

func (a *AccountAdapter) Create(ctx context.Context, entity *out.AccountEntity) error {
	query := `
		INSERT INTO accounts (user_id, email, access_token, refresh_token, token_expiry, scopes, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW())
		RETURNING id`

	err := a.db.QueryRowContext(ctx, query,
		entity.UserID,
		entity.Email,
		a.encryptToken(entity.AccessToken),
		a.encryptToken(entity.RefreshToken),
		entity.TokenExpiry,
		entity.Scopes,
		entity.IsActive,
	).Scan(&entity.ID)
	if err != nil {
		return err
	}
	return nil
}

func (a *AccountAdapter) GetByID(ctx context.Context, id int64) (*out.AccountEntity, error) {
	var entity out.AccountEntity
	query := `
		SELECT id, user_id, email, access_token, refresh_token, token_expiry, scopes, is_active, created_at, updated_at
		FROM accounts
		WHERE id = $1`

	if err := a.db.GetContext(ctx, &entity, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, out.ErrAccountNotFound
		}
		return nil, err
	}
	a.decryptEntity(&entity)
	return &entity, nil
}

func (a *AccountAdapter) GetByEmail(ctx context.Context, email string) (*out.AccountEntity, error) {
	var entity out.AccountEntity
	query := `
		SELECT id, user_id, email, access_token, refresh_token, token_expiry, scopes, is_active, created_at, updated_at
		FROM accounts
		WHERE email = $1`

	if err := a.db.GetContext(ctx, &entity, query, email); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, out.ErrAccountNotFound
		}
		return nil, err
	}
	a.decryptEntity(&entity)
	return &entity, nil
}

func (a *AccountAdapter) ListActive(ctx context.Context) ([]*out.AccountEntity, error) {
	var entities []*out.AccountEntity
	query := `
		SELECT id, user_id, email, access_token, refresh_token, token_expiry, scopes, is_active, created_at, updated_at
		FROM accounts
		WHERE is_active = true
		ORDER BY id`

	if err := a.db.SelectContext(ctx, &entities, query); err != nil {
		return nil, err
	}
	for _, entity := range entities {
		a.decryptEntity(entity)
	}
	return entities, nil
}

func (a *AccountAdapter) ListExpiring(ctx context.Context, before time.Time) ([]*out.AccountEntity, error) {
	var entities []*out.AccountEntity
	query := `
		SELECT id, user_id, email, access_token, refresh_token, token_expiry, scopes, is_active, created_at, updated_at
		FROM accounts
		WHERE is_active = true AND token_expiry < $1
		ORDER BY token_expiry ASC`

	if err := a.db.SelectContext(ctx, &entities, query, before); err != nil {
		return nil, err
	}
	for _, entity := range entities {
		a.decryptEntity(entity)
	}
	return entities, nil
}

// UpdateTokens writes the refreshed credential pair in one statement so a
// half-written row can never be observed.
func (a *AccountAdapter) UpdateTokens(ctx context.Context, id int64, accessToken, refreshToken string, expiry time.Time) error {
	query := `
		UPDATE accounts
		SET access_token = $2, refresh_token = $3, token_expiry = $4, is_active = true, updated_at = NOW()
		WHERE id = $1`

	result, err := a.db.ExecContext(ctx, query, id,
		a.encryptToken(accessToken),
		a.encryptToken(refreshToken),
		expiry,
	)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return out.ErrAccountNotFound
	}
	return nil
}

func (a *AccountAdapter) MarkDisconnected(ctx context.Context, id int64) error {
	query := `UPDATE accounts SET is_active = false, updated_at = NOW() WHERE id = $1`

	result, err := a.db.ExecContext(ctx, query, id)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return out.ErrAccountNotFound
	}
	return nil
}

func (a *AccountAdapter) Delete(ctx context.Context, id int64) error {
	_, err := a.db.ExecContext(ctx, `DELETE FROM accounts WHERE id = $1`, id)
	return err
}

var _ out.AccountRepository = (*AccountAdapter)(nil)
