package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/calman/internal/model"
)

// PostgresInvitationRepo はPostgreSQLを使用した招待リポジトリ。
type PostgresInvitationRepo struct {
	db *sql.DB
}

// NewPostgresInvitationRepo はPostgresInvitationRepoを生成する。
func NewPostgresInvitationRepo(db *sql.DB) *PostgresInvitationRepo {
	return &PostgresInvitationRepo{db: db}
}

const invitationColumns = `id, email, inviter_id, inviter_name, inviter_email, token, status,
	expires_at, accepted_at, accepted_by, created_at, updated_at`

func scanInvitation(row rowScanner) (*model.Invitation, error) {
	inv := &model.Invitation{}
	var (
		status     string
		acceptedAt sql.NullTime
		acceptedBy sql.NullString
	)
	err := row.Scan(
		&inv.ID, &inv.Email, &inv.InviterID, &inv.InviterName, &inv.InviterEmail, &inv.Token, &status,
		&inv.ExpiresAt, &acceptedAt, &acceptedBy, &inv.CreatedAt, &inv.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	inv.Status = model.InvitationStatus(status)
	inv.AcceptedAt = timePtr(acceptedAt)
	inv.AcceptedBy = acceptedBy.String
	return inv, nil
}

// Create は招待を作成する。
func (r *PostgresInvitationRepo) Create(ctx context.Context, inv *model.Invitation) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO invitations (id, email, inviter_id, inviter_name, inviter_email, token, status,
		                          expires_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)`,
		inv.ID, inv.Email, inv.InviterID, inv.InviterName, inv.InviterEmail, inv.Token,
		string(inv.Status), inv.ExpiresAt, inv.CreatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("failed to insert invitation: %w", ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("failed to insert invitation: %w", err)
	}
	return nil
}

// FindByToken はトークンで招待を取得する。見つからない場合はnilを返す。
func (r *PostgresInvitationRepo) FindByToken(ctx context.Context, token string) (*model.Invitation, error) {
	inv, err := scanInvitation(r.db.QueryRowContext(ctx,
		`SELECT `+invitationColumns+` FROM invitations WHERE token = $1`,
		token,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find invitation by token: %w", err)
	}
	return inv, nil
}

// FindPendingByEmail は有効なpending招待を返す。見つからない場合はnilを返す。
func (r *PostgresInvitationRepo) FindPendingByEmail(ctx context.Context, email string, now time.Time) (*model.Invitation, error) {
	inv, err := scanInvitation(r.db.QueryRowContext(ctx,
		`SELECT `+invitationColumns+` FROM invitations
		 WHERE lower(email) = lower($1) AND status = 'pending' AND expires_at > $2
		 ORDER BY created_at DESC
		 LIMIT 1`,
		email, now,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find pending invitation: %w", err)
	}
	return inv, nil
}

// ListByInviter は招待者が送信した招待を作成日時の降順で返す。
func (r *PostgresInvitationRepo) ListByInviter(ctx context.Context, inviterID string) ([]*model.Invitation, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+invitationColumns+` FROM invitations
		 WHERE inviter_id = $1
		 ORDER BY created_at DESC`,
		inviterID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list invitations: %w", err)
	}
	defer rows.Close()

	var invitations []*model.Invitation
	for rows.Next() {
		inv, err := scanInvitation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan invitation: %w", err)
		}
		invitations = append(invitations, inv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate invitations: %w", err)
	}
	return invitations, nil
}

// DeleteByInviter は招待者本人の招待を削除する。
func (r *PostgresInvitationRepo) DeleteByInviter(ctx context.Context, inviterID, invitationID string) (bool, error) {
	if !validID(inviterID, invitationID) {
		return false, nil
	}
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM invitations WHERE id = $1 AND inviter_id = $2`,
		invitationID, inviterID,
	)
	if err != nil {
		return false, fmt.Errorf("failed to delete invitation: %w", err)
	}
	return affected(result)
}

// MarkExpired はpendingの招待をexpiredに更新する。
func (r *PostgresInvitationRepo) MarkExpired(ctx context.Context, invitationID string, now time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE invitations SET status = 'expired', updated_at = $2
		 WHERE id = $1 AND status = 'pending'`,
		invitationID, now,
	)
	if err != nil {
		return fmt.Errorf("failed to mark invitation expired: %w", err)
	}
	return nil
}

// ExpirePending は期限切れのpending招待をまとめてexpiredに更新する。
func (r *PostgresInvitationRepo) ExpirePending(ctx context.Context, now time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE invitations SET status = 'expired', updated_at = $1
		 WHERE status = 'pending' AND expires_at <= $1`,
		now,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to expire pending invitations: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}

// Accept は招待の受諾を1トランザクションで記録する。
// 招待行の更新はstatus = 'pending'を条件にするため、同じトークンの同時受諾は1件のみ成功する。
func (r *PostgresInvitationRepo) Accept(ctx context.Context, invitationID, inviterID, userID string, now time.Time) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx,
		`UPDATE invitations
		 SET status = 'accepted', accepted_at = $2, accepted_by = $3, updated_at = $2
		 WHERE id = $1 AND status = 'pending'`,
		invitationID, now, userID,
	)
	if err != nil {
		return false, fmt.Errorf("failed to update invitation: %w", err)
	}
	ok, err := affected(result)
	if err != nil || !ok {
		return false, err
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE users SET invited_by = $2, updated_at = $3
		 WHERE id = $1 AND invited_by IS NULL`,
		userID, inviterID, now,
	); err != nil {
		return false, fmt.Errorf("failed to set invited_by: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO calendar_shares (owner_id, viewer_id, created_at)
		 VALUES ($1, $2, $3), ($2, $1, $3)
		 ON CONFLICT (owner_id, viewer_id) DO NOTHING`,
		inviterID, userID, now,
	); err != nil {
		return false, fmt.Errorf("failed to insert calendar shares: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return true, nil
}

// compile-time interface check
var _ InvitationRepository = (*PostgresInvitationRepo)(nil)
