// Package cleanup は招待の日次メンテナンスジョブを提供する。
// 期限を過ぎたpending招待をexpiredへ遷移させ、保持期間（デフォルト90日）を
// 超過したexpired招待を削除する。
package cleanup

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// Executor はSQLのExecContextを抽象化するインターフェース。
// *sql.DB や *sql.Tx を受け付けることができる。
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// InvitationExpirer は期限切れ招待の一括遷移を行うインターフェース。
// invitation.Serviceが満たす。
type InvitationExpirer interface {
	ExpirePending(ctx context.Context, now time.Time) (int64, error)
}

// CleanupJob は招待の期限切れ処理と古い招待の削除を行うジョブ。
// 日次実行のバッチジョブとして設計されており、冪等に実行できる。
type CleanupJob struct {
	db            Executor
	expirer       InvitationExpirer
	logger        *slog.Logger
	now           func() time.Time
	RetentionDays int // expired招待の保持日数（デフォルト: 90）
}

// NewCleanupJob は新しいCleanupJobを生成する。
// デフォルトの保持日数は90日。
func NewCleanupJob(db Executor, expirer InvitationExpirer, logger *slog.Logger) *CleanupJob {
	return &CleanupJob{
		db:            db,
		expirer:       expirer,
		logger:        logger,
		now:           time.Now,
		RetentionDays: 90,
	}
}

// Run は期限を過ぎたpending招待をexpiredにし、保持期間を超えたexpired招待を削除する。
// 冪等: 対象がない場合でもエラーにならない。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := time.Now()

	expired, err := j.expirer.ExpirePending(ctx, j.now())
	if err != nil {
		j.logger.Error("failed to expire pending invitations",
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("failed to expire invitations: %w", err)
	}

	interval := fmt.Sprintf("%d days", j.RetentionDays)
	query := `DELETE FROM invitations WHERE status = 'expired' AND expires_at < now() - $1::interval`
	result, err := j.db.ExecContext(ctx, query, interval)
	if err != nil {
		j.logger.Error("failed to purge expired invitations",
			slog.String("error", err.Error()),
			slog.Int("retention_days", j.RetentionDays),
		)
		return fmt.Errorf("failed to purge invitations: %w", err)
	}

	deletedCount, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get deleted count: %w", err)
	}

	j.logger.Info("invitation cleanup completed",
		slog.Int64("expired_count", expired),
		slog.Int64("deleted_count", deletedCount),
		slog.Int("retention_days", j.RetentionDays),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)

	return nil
}

// Start は起動直後とintervalごとにRunを実行する。
// コンテキストがキャンセルされるまで実行を継続する。
func (j *CleanupJob) Start(ctx context.Context, interval time.Duration) {
	if err := j.Run(ctx); err != nil {
		j.logger.Error("cleanup job failed", slog.String("error", err.Error()))
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := j.Run(ctx); err != nil {
				j.logger.Error("cleanup job failed", slog.String("error", err.Error()))
			}
		}
	}
}
