// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/calman/internal/model"
	"github.com/lib/pq"
)

// ErrDuplicate は一意制約違反を表す。
var ErrDuplicate = errors.New("duplicate key")

// UserRepository はユーザーデータの永続化インターフェース。
type UserRepository interface {
	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.User, error)

	// FindByUsername はユーザー名でユーザーを取得する。見つからない場合はnilを返す。
	FindByUsername(ctx context.Context, username string) (*model.User, error)

	// FindByEmail はメールアドレス（大文字小文字を区別しない）でユーザーを取得する。
	// 見つからない場合はnilを返す。
	FindByEmail(ctx context.Context, email string) (*model.User, error)

	// Create はユーザーを作成する。username/emailが重複する場合はErrDuplicateを返す。
	Create(ctx context.Context, user *model.User) error

	// CreateWithIdentity はユーザーとidentityを同一トランザクションで作成する。
	CreateWithIdentity(ctx context.Context, user *model.User, identity *model.Identity) error

	// UpdateLastLogin は最終ログイン日時を更新する。
	UpdateLastLogin(ctx context.Context, id string, at time.Time) error

	// DeleteWithData はユーザーと送信済み招待・共有関係・カレンダーアカウントを
	// 1トランザクションで削除する。identitiesはCASCADE削除される。
	DeleteWithData(ctx context.Context, id string) error
}

// IdentityRepository は外部IdP紐付け情報の永続化インターフェース。
type IdentityRepository interface {
	// FindByProviderAndProviderUserID はproviderとprovider_user_idでidentityを検索する。
	// 見つからない場合はnilを返す。
	FindByProviderAndProviderUserID(ctx context.Context, provider, providerUserID string) (*model.Identity, error)

	// Create はidentityを作成する。既に存在する場合は何もしない。
	Create(ctx context.Context, identity *model.Identity) error
}

// CalendarAccountRepository はカレンダーアカウントの永続化インターフェース。
// 全ての参照・更新は所有者のユーザーIDで絞り込まれる。
// トークンは保存時に暗号化され、取得時に復号される。
type CalendarAccountRepository interface {
	// FindByID は所有者IDとアカウントIDでアカウントを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, userID, accountID string) (*model.CalendarAccount, error)

	// ListByUserID はユーザーのアカウント一覧を作成日時順に返す。
	ListByUserID(ctx context.Context, userID string) ([]*model.CalendarAccount, error)

	// ListExpiringByUserID はbefore以前に期限切れとなるユーザーのアカウントを返す。
	ListExpiringByUserID(ctx context.Context, userID string, before time.Time) ([]*model.CalendarAccount, error)

	// ListRefreshable はbefore以前に期限切れとなり、リフレッシュ可能な全ユーザーのアカウントを
	// 期限の近い順に最大limit件返す。
	ListRefreshable(ctx context.Context, before time.Time, limit int) ([]*model.CalendarAccount, error)

	// Upsert は(user_id, provider, email)をキーにアカウントを作成または更新する。
	// 更新時に新しいリフレッシュトークンが空の場合は既存の値を保持する。
	// 名前と色は既存の値を保持する。accountには保存後のIDが設定される。
	Upsert(ctx context.Context, account *model.CalendarAccount) error

	// UpdateTokens はリフレッシュ結果を保存し、needs_reconnectを解除する。
	UpdateTokens(ctx context.Context, account *model.CalendarAccount) error

	// MarkNeedsReconnect は再認証が必要であることを記録する。
	MarkNeedsReconnect(ctx context.Context, userID, accountID string) error

	// UpdateSettings は表示名と色を更新する。見つからない場合はfalseを返す。
	UpdateSettings(ctx context.Context, userID, accountID, name, color string) (bool, error)

	// Delete はアカウントを削除する。見つからない場合はfalseを返す。
	Delete(ctx context.Context, userID, accountID string) (bool, error)
}

// InvitationRepository は招待の永続化インターフェース。
type InvitationRepository interface {
	// Create は招待を作成する。
	Create(ctx context.Context, invitation *model.Invitation) error

	// FindByToken はトークンで招待を取得する。見つからない場合はnilを返す。
	FindByToken(ctx context.Context, token string) (*model.Invitation, error)

	// FindPendingByEmail は指定メールアドレス宛てのnow時点で有効なpending招待を返す。
	// 見つからない場合はnilを返す。
	FindPendingByEmail(ctx context.Context, email string, now time.Time) (*model.Invitation, error)

	// ListByInviter は招待者が送信した招待を作成日時の降順で返す。
	ListByInviter(ctx context.Context, inviterID string) ([]*model.Invitation, error)

	// DeleteByInviter は招待者本人の招待を削除する。見つからない場合はfalseを返す。
	DeleteByInviter(ctx context.Context, inviterID, invitationID string) (bool, error)

	// MarkExpired は招待をexpiredに更新する。
	MarkExpired(ctx context.Context, invitationID string, now time.Time) error

	// ExpirePending は期限切れのpending招待をまとめてexpiredに更新し、件数を返す。
	ExpirePending(ctx context.Context, now time.Time) (int64, error)

	// Accept は招待の受諾を1トランザクションで記録する。
	// 招待をacceptedに更新し、受諾者のinvited_byが未設定なら招待者を設定し、
	// 双方向の共有関係を作成する。招待が既にpendingでない場合はfalseを返す。
	Accept(ctx context.Context, invitationID, inviterID, userID string, now time.Time) (bool, error)
}

// ShareRepository はカレンダー共有関係の永続化インターフェース。
type ShareRepository interface {
	// Exists はownerIDのカレンダーをviewerIDが閲覧できるかを返す。
	Exists(ctx context.Context, ownerID, viewerID string) (bool, error)

	// ListOwners はviewerIDに共有している有効なユーザーを名前順に返す。
	ListOwners(ctx context.Context, viewerID string) ([]model.SharePeer, error)

	// ListViewers はownerIDのカレンダーを閲覧できるユーザーを名前順に返す。
	ListViewers(ctx context.Context, ownerID string) ([]model.SharePeer, error)

	// Delete はowner->viewerの共有を削除する。存在しない場合はfalseを返す。
	Delete(ctx context.Context, ownerID, viewerID string) (bool, error)
}

// TxBeginner はトランザクション開始用のインターフェース。
type TxBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// isUniqueViolation はPostgreSQLの一意制約違反（23505）かどうかを判定する。
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// validID は全てのIDがUUIDとして解釈できるかを返す。
// UUID列に不正な文字列を渡すとPostgreSQLが22P02で拒否するため、クエリ前に弾いて「該当なし」として扱う。
func validID(ids ...string) bool {
	for _, id := range ids {
		if _, err := uuid.Parse(id); err != nil {
			return false
		}
	}
	return true
}

// nullString は空文字列をNULLとして扱う。
func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// nullTime はnilをNULLとして扱う。
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// timePtr はNULL許容の時刻をポインタに変換する。
func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
