package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/calman/internal/model"
)

// PostgresShareRepo はPostgreSQLを使用したカレンダー共有リポジトリ。
type PostgresShareRepo struct {
	db *sql.DB
}

// NewPostgresShareRepo はPostgresShareRepoを生成する。
func NewPostgresShareRepo(db *sql.DB) *PostgresShareRepo {
	return &PostgresShareRepo{db: db}
}

// Exists はownerIDのカレンダーをviewerIDが閲覧できるかを返す。
func (r *PostgresShareRepo) Exists(ctx context.Context, ownerID, viewerID string) (bool, error) {
	if !validID(ownerID, viewerID) {
		return false, nil
	}
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (
		     SELECT 1 FROM calendar_shares s
		     JOIN users u ON u.id = s.owner_id
		     WHERE s.owner_id = $1 AND s.viewer_id = $2 AND u.is_active
		 )`,
		ownerID, viewerID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check calendar share: %w", err)
	}
	return exists, nil
}

// ListOwners はviewerIDに共有している有効なユーザーを名前順に返す。
func (r *PostgresShareRepo) ListOwners(ctx context.Context, viewerID string) ([]model.SharePeer, error) {
	peers, err := r.listPeers(ctx,
		`SELECT u.id, u.username, u.name, u.email, s.created_at
		 FROM calendar_shares s
		 JOIN users u ON u.id = s.owner_id
		 WHERE s.viewer_id = $1 AND u.is_active
		 ORDER BY COALESCE(NULLIF(u.name, ''), u.username), u.id`,
		viewerID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list share owners: %w", err)
	}
	return peers, nil
}

// ListViewers はownerIDのカレンダーを閲覧できるユーザーを名前順に返す。
func (r *PostgresShareRepo) ListViewers(ctx context.Context, ownerID string) ([]model.SharePeer, error) {
	peers, err := r.listPeers(ctx,
		`SELECT u.id, u.username, u.name, u.email, s.created_at
		 FROM calendar_shares s
		 JOIN users u ON u.id = s.viewer_id
		 WHERE s.owner_id = $1
		 ORDER BY COALESCE(NULLIF(u.name, ''), u.username), u.id`,
		ownerID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list share viewers: %w", err)
	}
	return peers, nil
}

func (r *PostgresShareRepo) listPeers(ctx context.Context, query, userID string) ([]model.SharePeer, error) {
	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var peers []model.SharePeer
	for rows.Next() {
		var p model.SharePeer
		var email sql.NullString
		if err := rows.Scan(&p.UserID, &p.Username, &p.Name, &email, &p.Since); err != nil {
			return nil, err
		}
		p.Email = email.String
		peers = append(peers, p)
	}
	return peers, rows.Err()
}

// Delete はowner->viewerの共有を削除する。
func (r *PostgresShareRepo) Delete(ctx context.Context, ownerID, viewerID string) (bool, error) {
	if !validID(ownerID, viewerID) {
		return false, nil
	}
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM calendar_shares WHERE owner_id = $1 AND viewer_id = $2`,
		ownerID, viewerID,
	)
	if err != nil {
		return false, fmt.Errorf("failed to delete calendar share: %w", err)
	}
	return affected(result)
}

// compile-time interface check
var _ ShareRepository = (*PostgresShareRepo)(nil)
