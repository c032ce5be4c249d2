package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/calman/internal/model"
	"github.com/hitoshi/calman/internal/security"
)

// PostgresCalendarAccountRepo はPostgreSQLを使用したカレンダーアカウントリポジトリ。
type PostgresCalendarAccountRepo struct {
	db     *sql.DB
	cipher security.TokenCipher
}

// NewPostgresCalendarAccountRepo はPostgresCalendarAccountRepoを生成する。
// cipherがnilの場合はトークンを平文で保存する。
func NewPostgresCalendarAccountRepo(db *sql.DB, cipher security.TokenCipher) *PostgresCalendarAccountRepo {
	if cipher == nil {
		cipher, _ = security.NewTokenCipher("")
	}
	return &PostgresCalendarAccountRepo{db: db, cipher: cipher}
}

const accountColumns = `id, user_id, provider, email, name, color, access_token, refresh_token,
	expires_at, last_refreshed_at, needs_reconnect, created_at, updated_at`

func (r *PostgresCalendarAccountRepo) scanAccount(row rowScanner) (*model.CalendarAccount, error) {
	a := &model.CalendarAccount{}
	var (
		provider        string
		accessToken     string
		refreshToken    string
		expiresAt       sql.NullTime
		lastRefreshedAt sql.NullTime
	)
	err := row.Scan(
		&a.ID, &a.UserID, &provider, &a.Email, &a.Name, &a.Color, &accessToken, &refreshToken,
		&expiresAt, &lastRefreshedAt, &a.NeedsReconnect, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	a.Provider = model.Provider(provider)
	a.ExpiresAt = timePtr(expiresAt)
	a.LastRefreshedAt = timePtr(lastRefreshedAt)

	if a.AccessToken, err = r.cipher.Decrypt(accessToken); err != nil {
		return nil, fmt.Errorf("failed to decrypt access token of account %s: %w", a.ID, err)
	}
	if a.RefreshToken, err = r.cipher.Decrypt(refreshToken); err != nil {
		return nil, fmt.Errorf("failed to decrypt refresh token of account %s: %w", a.ID, err)
	}
	return a, nil
}

func (r *PostgresCalendarAccountRepo) queryAccounts(ctx context.Context, query string, args ...any) ([]*model.CalendarAccount, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []*model.CalendarAccount
	for rows.Next() {
		a, err := r.scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return accounts, nil
}

// FindByID は所有者IDとアカウントIDでアカウントを取得する。見つからない場合はnilを返す。
func (r *PostgresCalendarAccountRepo) FindByID(ctx context.Context, userID, accountID string) (*model.CalendarAccount, error) {
	if !validID(userID, accountID) {
		return nil, nil
	}
	a, err := r.scanAccount(r.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM calendar_accounts WHERE id = $1 AND user_id = $2`,
		accountID, userID,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find calendar account: %w", err)
	}
	return a, nil
}

// ListByUserID はユーザーのアカウント一覧を作成日時順に返す。
func (r *PostgresCalendarAccountRepo) ListByUserID(ctx context.Context, userID string) ([]*model.CalendarAccount, error) {
	accounts, err := r.queryAccounts(ctx,
		`SELECT `+accountColumns+` FROM calendar_accounts WHERE user_id = $1 ORDER BY created_at, id`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list calendar accounts: %w", err)
	}
	return accounts, nil
}

// ListExpiringByUserID はbefore以前に期限切れとなるユーザーのアカウントを返す。
func (r *PostgresCalendarAccountRepo) ListExpiringByUserID(ctx context.Context, userID string, before time.Time) ([]*model.CalendarAccount, error) {
	accounts, err := r.queryAccounts(ctx,
		`SELECT `+accountColumns+` FROM calendar_accounts
		 WHERE user_id = $1 AND expires_at IS NOT NULL AND expires_at <= $2
		 ORDER BY expires_at`,
		userID, before,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list expiring calendar accounts: %w", err)
	}
	return accounts, nil
}

// ListRefreshable はリフレッシュ対象のアカウントを期限の近い順に返す。
// 部分インデックス idx_calendar_accounts_expires_at を利用する。
func (r *PostgresCalendarAccountRepo) ListRefreshable(ctx context.Context, before time.Time, limit int) ([]*model.CalendarAccount, error) {
	accounts, err := r.queryAccounts(ctx,
		`SELECT `+accountColumns+` FROM calendar_accounts
		 WHERE needs_reconnect = FALSE AND refresh_token <> ''
		   AND expires_at IS NOT NULL AND expires_at <= $1
		 ORDER BY expires_at
		 LIMIT $2`,
		before, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list refreshable calendar accounts: %w", err)
	}
	return accounts, nil
}

// Upsert は(user_id, provider, email)をキーにアカウントを作成または更新する。
func (r *PostgresCalendarAccountRepo) Upsert(ctx context.Context, a *model.CalendarAccount) error {
	accessToken, err := r.cipher.Encrypt(a.AccessToken)
	if err != nil {
		return fmt.Errorf("failed to encrypt access token: %w", err)
	}
	refreshToken, err := r.cipher.Encrypt(a.RefreshToken)
	if err != nil {
		return fmt.Errorf("failed to encrypt refresh token: %w", err)
	}

	err = r.db.QueryRowContext(ctx,
		`INSERT INTO calendar_accounts
		     (id, user_id, provider, email, name, color, access_token, refresh_token,
		      expires_at, last_refreshed_at, needs_reconnect, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, FALSE, $11, $11)
		 ON CONFLICT (user_id, provider, email) DO UPDATE SET
		     access_token      = EXCLUDED.access_token,
		     refresh_token     = CASE WHEN EXCLUDED.refresh_token = ''
		                              THEN calendar_accounts.refresh_token
		                              ELSE EXCLUDED.refresh_token END,
		     expires_at        = EXCLUDED.expires_at,
		     last_refreshed_at = EXCLUDED.last_refreshed_at,
		     needs_reconnect   = FALSE,
		     updated_at        = EXCLUDED.updated_at
		 RETURNING id, name, color, created_at`,
		a.ID, a.UserID, string(a.Provider), a.Email, a.Name, a.Color, accessToken, refreshToken,
		nullTime(a.ExpiresAt), nullTime(a.LastRefreshedAt), a.UpdatedAt,
	).Scan(&a.ID, &a.Name, &a.Color, &a.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert calendar account: %w", err)
	}
	a.NeedsReconnect = false
	return nil
}

// UpdateTokens はリフレッシュ結果を保存し、needs_reconnectを解除する。
func (r *PostgresCalendarAccountRepo) UpdateTokens(ctx context.Context, a *model.CalendarAccount) error {
	accessToken, err := r.cipher.Encrypt(a.AccessToken)
	if err != nil {
		return fmt.Errorf("failed to encrypt access token: %w", err)
	}
	refreshToken, err := r.cipher.Encrypt(a.RefreshToken)
	if err != nil {
		return fmt.Errorf("failed to encrypt refresh token: %w", err)
	}

	_, err = r.db.ExecContext(ctx,
		`UPDATE calendar_accounts
		 SET access_token = $3, refresh_token = $4, expires_at = $5,
		     last_refreshed_at = $6, needs_reconnect = FALSE, updated_at = $6
		 WHERE id = $1 AND user_id = $2`,
		a.ID, a.UserID, accessToken, refreshToken, nullTime(a.ExpiresAt), nullTime(a.LastRefreshedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to update calendar account tokens: %w", err)
	}
	return nil
}

// MarkNeedsReconnect は再認証が必要であることを記録する。
func (r *PostgresCalendarAccountRepo) MarkNeedsReconnect(ctx context.Context, userID, accountID string) error {
	if !validID(userID, accountID) {
		return nil
	}
	_, err := r.db.ExecContext(ctx,
		`UPDATE calendar_accounts SET needs_reconnect = TRUE, updated_at = NOW()
		 WHERE id = $1 AND user_id = $2`,
		accountID, userID,
	)
	if err != nil {
		return fmt.Errorf("failed to mark calendar account for reconnect: %w", err)
	}
	return nil
}

// UpdateSettings は表示名と色を更新する。
func (r *PostgresCalendarAccountRepo) UpdateSettings(ctx context.Context, userID, accountID, name, color string) (bool, error) {
	if !validID(userID, accountID) {
		return false, nil
	}
	result, err := r.db.ExecContext(ctx,
		`UPDATE calendar_accounts SET name = $3, color = $4, updated_at = NOW()
		 WHERE id = $1 AND user_id = $2`,
		accountID, userID, name, color,
	)
	if err != nil {
		return false, fmt.Errorf("failed to update calendar account settings: %w", err)
	}
	return affected(result)
}

// Delete はアカウントを削除する。
func (r *PostgresCalendarAccountRepo) Delete(ctx context.Context, userID, accountID string) (bool, error) {
	if !validID(userID, accountID) {
		return false, nil
	}
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM calendar_accounts WHERE id = $1 AND user_id = $2`,
		accountID, userID,
	)
	if err != nil {
		return false, fmt.Errorf("failed to delete calendar account: %w", err)
	}
	return affected(result)
}

func affected(result sql.Result) (bool, error) {
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n > 0, nil
}

// compile-time interface check
var _ CalendarAccountRepository = (*PostgresCalendarAccountRepo)(nil)
