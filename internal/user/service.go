// Package user はユーザー管理のドメインロジックを提供する。
package user

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hitoshi/calman/internal/model"
	"github.com/hitoshi/calman/internal/repository"
)

// UserDeleteRepository は退会処理に必要なユーザー操作のインターフェース。
type UserDeleteRepository interface {
	FindByID(ctx context.Context, id string) (*model.User, error)
	// DeleteWithData は送信済み招待・共有関係・カレンダーアカウント・ユーザーを
	// 1トランザクションで削除する。
	DeleteWithData(ctx context.Context, id string) error
}

// Service はユーザー管理のサービス層。
// 退会処理のビジネスロジックを提供する。
type Service struct {
	userRepo UserDeleteRepository
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(userRepo UserDeleteRepository) *Service {
	return &Service{userRepo: userRepo}
}

// Withdraw はユーザーの退会処理を実行する。
// 削除は全て成功するか、何も削除されないかのどちらかになる。
// 他ユーザーがこのユーザーから受け取った共有も同時に消える。
func (s *Service) Withdraw(ctx context.Context, userID string) error {
	user, err := s.userRepo.FindByID(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil {
		return model.NewUserNotFoundError()
	}

	slog.Info("withdrawal started",
		slog.String("user_id", userID),
	)

	if err := s.userRepo.DeleteWithData(ctx, userID); err != nil {
		slog.Error("withdrawal failed, nothing was deleted",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("failed to withdraw user: %w", err)
	}

	slog.Info("withdrawal completed",
		slog.String("user_id", userID),
	)

	return nil
}

var _ UserDeleteRepository = (repository.UserRepository)(nil)
