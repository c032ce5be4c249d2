// Package invitation はカレンダー共有のための招待と共有関係の管理を提供する。
package invitation

import (
	"context"
	"fmt"
	"log/slog"
	netmail "net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/calman/internal/mail"
	"github.com/hitoshi/calman/internal/metrics"
	"github.com/hitoshi/calman/internal/model"
	"github.com/hitoshi/calman/internal/repository"
)

// DefaultTTL は招待の有効期間。
const DefaultTTL = 7 * 24 * time.Hour

// Config は招待サービスの設定。
type Config struct {
	BaseURL string
	TTL     time.Duration
}

// SendResult は招待送信の結果。
type SendResult struct {
	Invitation *model.Invitation
	URL        string
}

// Sharing はユーザーの共有状況。
// SharedCalendarsは自分に共有しているユーザー、AllowedViewersは自分のカレンダーを閲覧できるユーザー。
type Sharing struct {
	SharedCalendars []model.SharePeer
	AllowedViewers  []model.SharePeer
}

// Service は招待の送信・検証・受諾と、共有関係の参照・解除を行う。
type Service struct {
	invitations repository.InvitationRepository
	users       repository.UserRepository
	shares      repository.ShareRepository
	mailer      mail.Mailer
	metrics     metrics.MetricsCollector
	config      Config
	now         func() time.Time
}

// NewService はServiceを生成する。
func NewService(
	invitations repository.InvitationRepository,
	users repository.UserRepository,
	shares repository.ShareRepository,
	mailer mail.Mailer,
	collector metrics.MetricsCollector,
	config Config,
) *Service {
	if config.TTL <= 0 {
		config.TTL = DefaultTTL
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	if mailer == nil {
		mailer = mail.LogMailer{}
	}
	if collector == nil {
		collector = metrics.Nop{}
	}
	return &Service{
		invitations: invitations,
		users:       users,
		shares:      shares,
		mailer:      mailer,
		metrics:     collector,
		config:      config,
		now:         time.Now,
	}
}

// Send は指定メールアドレスへ招待を作成し、招待メールを送信する。
// メール送信の失敗はログに記録し、招待の作成自体は成功として扱う。
func (s *Service) Send(ctx context.Context, inviterID, email string) (*SendResult, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return nil, model.NewValidationError("メールアドレスは必須です")
	}
	if addr, err := netmail.ParseAddress(email); err != nil || addr.Address != email {
		return nil, model.NewValidationError("メールアドレスの形式が正しくありません")
	}

	inviter, err := s.users.FindByID(ctx, inviterID)
	if err != nil {
		return nil, fmt.Errorf("failed to find inviter: %w", err)
	}
	if inviter == nil {
		return nil, model.NewUserNotFoundError()
	}

	registered, err := s.users.FindByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("failed to find user by email: %w", err)
	}
	if registered != nil {
		return nil, model.NewEmailRegisteredError(email)
	}

	now := s.now()
	pending, err := s.invitations.FindPendingByEmail(ctx, email, now)
	if err != nil {
		return nil, fmt.Errorf("failed to find pending invitation: %w", err)
	}
	if pending != nil {
		return nil, model.NewInvitationPendingError(email)
	}

	inv := &model.Invitation{
		ID:           uuid.New().String(),
		Email:        email,
		InviterID:    inviter.ID,
		InviterName:  inviter.DisplayName(),
		InviterEmail: inviter.Email,
		Token:        uuid.New().String(),
		Status:       model.InvitationPending,
		ExpiresAt:    now.Add(s.config.TTL),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.invitations.Create(ctx, inv); err != nil {
		return nil, fmt.Errorf("failed to create invitation: %w", err)
	}
	s.metrics.RecordInvitationSent()

	url := s.invitationURL(inv.Token)
	if err := s.mailer.SendInvitation(ctx, mail.InvitationMail{
		To:           email,
		InviterName:  inv.InviterName,
		InviterEmail: inv.InviterEmail,
		URL:          url,
		ExpiresAt:    inv.ExpiresAt,
	}); err != nil {
		slog.Error("failed to send invitation mail",
			slog.String("invitation_id", inv.ID),
			slog.String("inviter_id", inviter.ID),
			slog.String("error", err.Error()),
		)
	}

	slog.Info("invitation sent",
		slog.String("invitation_id", inv.ID),
		slog.String("inviter_id", inviter.ID),
	)
	return &SendResult{Invitation: inv, URL: url}, nil
}

// List は招待者が送信した招待を新しい順に返す。
func (s *Service) List(ctx context.Context, inviterID string) ([]*model.Invitation, error) {
	invitations, err := s.invitations.ListByInviter(ctx, inviterID)
	if err != nil {
		return nil, fmt.Errorf("failed to list invitations: %w", err)
	}
	return invitations, nil
}

// Delete は招待者本人の招待を削除する。
func (s *Service) Delete(ctx context.Context, inviterID, invitationID string) error {
	found, err := s.invitations.DeleteByInviter(ctx, inviterID, invitationID)
	if err != nil {
		return fmt.Errorf("failed to delete invitation: %w", err)
	}
	if !found {
		return model.NewInvitationNotFoundError()
	}
	return nil
}

// Validate は招待トークンを検証し、有効な招待を返す。
// 期限切れのpending招待はexpiredとして記録する。
func (s *Service) Validate(ctx context.Context, token string) (*model.Invitation, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, model.NewValidationError("招待トークンは必須です")
	}

	inv, err := s.invitations.FindByToken(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("failed to find invitation: %w", err)
	}
	if inv == nil {
		return nil, model.NewInvitationNotFoundError()
	}

	now := s.now()
	switch {
	case inv.Status == model.InvitationAccepted:
		return nil, model.NewInvitationUsedError()
	case inv.Status == model.InvitationExpired:
		return nil, model.NewInvitationExpiredError()
	case inv.IsExpired(now):
		if err := s.invitations.MarkExpired(ctx, inv.ID, now); err != nil {
			return nil, fmt.Errorf("failed to mark invitation expired: %w", err)
		}
		return nil, model.NewInvitationExpiredError()
	}
	return inv, nil
}

// Accept は招待を受諾し、招待者と受諾者の間に双方向の共有関係を作成する。
func (s *Service) Accept(ctx context.Context, token, userID string) (*model.Invitation, error) {
	inv, err := s.Validate(ctx, token)
	if err != nil {
		return nil, err
	}
	if inv.InviterID == userID {
		return nil, model.NewInvitationSelfError()
	}

	now := s.now()
	accepted, err := s.invitations.Accept(ctx, inv.ID, inv.InviterID, userID, now)
	if err != nil {
		return nil, fmt.Errorf("failed to accept invitation: %w", err)
	}
	if !accepted {
		// 検証後に別のリクエストで受諾された
		return nil, model.NewInvitationUsedError()
	}

	inv.Status = model.InvitationAccepted
	inv.AcceptedAt = &now
	inv.AcceptedBy = userID

	slog.Info("invitation accepted",
		slog.String("invitation_id", inv.ID),
		slog.String("inviter_id", inv.InviterID),
		slog.String("user_id", userID),
	)
	return inv, nil
}

// ExpirePending は期限切れのpending招待をまとめてexpiredにする。
func (s *Service) ExpirePending(ctx context.Context, now time.Time) (int64, error) {
	n, err := s.invitations.ExpirePending(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("failed to expire invitations: %w", err)
	}
	s.metrics.RecordInvitationsExpired(n)
	return n, nil
}

// ListSharing はユーザーの共有状況を返す。
func (s *Service) ListSharing(ctx context.Context, userID string) (*Sharing, error) {
	owners, err := s.shares.ListOwners(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list shared calendars: %w", err)
	}
	viewers, err := s.shares.ListViewers(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list allowed viewers: %w", err)
	}
	return &Sharing{SharedCalendars: owners, AllowedViewers: viewers}, nil
}

// RevokeViewer はviewerIDが自分のカレンダーを閲覧できないようにする。
// 逆方向（viewerからownerへの共有）はそのまま残る。
func (s *Service) RevokeViewer(ctx context.Context, ownerID, viewerID string) error {
	found, err := s.shares.Delete(ctx, ownerID, viewerID)
	if err != nil {
		return fmt.Errorf("failed to revoke viewer: %w", err)
	}
	if !found {
		return model.NewShareNotFoundError()
	}
	slog.Info("viewer revoked",
		slog.String("owner_id", ownerID),
		slog.String("viewer_id", viewerID),
	)
	return nil
}

func (s *Service) invitationURL(token string) string {
	return s.config.BaseURL + "/register?invitation=" + token
}
