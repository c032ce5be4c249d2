package handler

import (
	"github.com/hitoshi/calman/internal/auth"
	"github.com/hitoshi/calman/internal/calendar"
	"github.com/hitoshi/calman/internal/invitation"
	"github.com/hitoshi/calman/internal/middleware"
	"github.com/hitoshi/calman/internal/token"
	"github.com/hitoshi/calman/internal/user"
)

// 各サービスがハンドラーのインターフェースを満たすことのコンパイル時チェック。
// レスポンス型への変換はハンドラー側で行うため、アダプタを介さず直接注入する。
var (
	_ AuthServiceInterface       = (*auth.Service)(nil)
	_ middleware.SessionVerifier = (*auth.Service)(nil)
	_ TokenServiceInterface      = (*token.Service)(nil)
	_ CalendarServiceInterface   = (*calendar.Service)(nil)
	_ InvitationServiceInterface = (*invitation.Service)(nil)
	_ UserServiceInterface       = (*user.Service)(nil)
)
