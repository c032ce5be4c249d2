// Package model はドメインモデルを定義する。
package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, calendar, invitation, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeValidation          = "VALIDATION_ERROR"
	ErrCodeInvalidCredentials  = "INVALID_CREDENTIALS"
	ErrCodeUsernameTaken       = "USERNAME_TAKEN"
	ErrCodeEmailRegistered     = "EMAIL_ALREADY_REGISTERED"
	ErrCodeUserNotFound        = "USER_NOT_FOUND"
	ErrCodeUnsupportedProvider = "UNSUPPORTED_PROVIDER"
	ErrCodeAccountNotFound     = "ACCOUNT_NOT_FOUND"
	ErrCodeAccountAccessDenied = "ACCOUNT_ACCESS_DENIED"
	ErrCodeReconnectRequired   = "RECONNECT_REQUIRED"
	ErrCodeTokenRefreshFailed  = "TOKEN_REFRESH_FAILED"
	ErrCodeProviderUnavailable = "PROVIDER_UNAVAILABLE"
	ErrCodeInvitationNotFound  = "INVITATION_NOT_FOUND"
	ErrCodeInvitationPending   = "INVITATION_ALREADY_PENDING"
	ErrCodeInvitationExpired   = "INVITATION_EXPIRED"
	ErrCodeInvitationUsed      = "INVITATION_ALREADY_USED"
	ErrCodeInvitationSelf      = "INVITATION_SELF"
	ErrCodeShareNotFound       = "SHARE_NOT_FOUND"
	ErrCodeUnauthorized        = "UNAUTHORIZED"
)

// NewValidationError は入力検証エラーを生成する。
func NewValidationError(message string) *APIError {
	return &APIError{
		Code:     ErrCodeValidation,
		Message:  message,
		Category: "validation",
		Action:   "入力内容を確認してください。",
	}
}

// NewInvalidCredentialsError は認証情報不一致エラーを生成する。
// ユーザーの存在有無を推測されないよう、常に同じメッセージを返す。
func NewInvalidCredentialsError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidCredentials,
		Message:  "ユーザー名またはパスワードが正しくありません。",
		Category: "auth",
		Action:   "ユーザー名とパスワードを確認してください。",
	}
}

// NewUsernameTakenError はユーザー名重複エラーを生成する。
func NewUsernameTakenError() *APIError {
	return &APIError{
		Code:     ErrCodeUsernameTaken,
		Message:  "このユーザー名は既に使用されています。",
		Category: "auth",
		Action:   "別のユーザー名を指定してください。",
	}
}

// NewEmailRegisteredError はメールアドレス登録済みエラーを生成する。
func NewEmailRegisteredError(email string) *APIError {
	return &APIError{
		Code:     ErrCodeEmailRegistered,
		Message:  fmt.Sprintf("このメールアドレスは既に登録されています: %s", email),
		Category: "auth",
		Action:   "既存のアカウントでログインしてください。",
	}
}

// NewUserNotFoundError はユーザーが見つからない場合のエラーを生成する。
func NewUserNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeUserNotFound,
		Message:  "ユーザーが見つかりません。",
		Category: "auth",
		Action:   "ログインし直してください。",
	}
}

// NewUnsupportedProviderError は未対応または未設定のプロバイダ指定エラーを生成する。
func NewUnsupportedProviderError(provider string) *APIError {
	return &APIError{
		Code:     ErrCodeUnsupportedProvider,
		Message:  fmt.Sprintf("対応していないプロバイダです: %s", provider),
		Category: "validation",
		Action:   "google または microsoft を指定してください。",
	}
}

// NewAccountNotFoundError はカレンダーアカウント未検出エラーを生成する。
func NewAccountNotFoundError(accountID string) *APIError {
	return &APIError{
		Code:     ErrCodeAccountNotFound,
		Message:  fmt.Sprintf("カレンダーアカウントが見つかりません: %s", accountID),
		Category: "calendar",
		Action:   "アカウント一覧を再読み込みしてください。",
	}
}

// NewAccountAccessDeniedError は共有されていないアカウントへのアクセスエラーを生成する。
func NewAccountAccessDeniedError() *APIError {
	return &APIError{
		Code:     ErrCodeAccountAccessDenied,
		Message:  "このカレンダーへのアクセス権がありません。",
		Category: "calendar",
		Action:   "カレンダーの所有者に共有を依頼してください。",
	}
}

// NewReconnectRequiredError は再認証が必要な場合のエラーを生成する。
func NewReconnectRequiredError(provider Provider) *APIError {
	return &APIError{
		Code:     ErrCodeReconnectRequired,
		Message:  fmt.Sprintf("%s アカウントの認証が無効になりました。", provider),
		Category: "calendar",
		Action:   "カレンダーアカウントを再接続してください。",
	}
}

// NewTokenRefreshFailedError はトークン更新の一時的な失敗を表すエラーを生成する。
func NewTokenRefreshFailedError(provider Provider) *APIError {
	return &APIError{
		Code:     ErrCodeTokenRefreshFailed,
		Message:  fmt.Sprintf("%s のトークン更新に失敗しました。", provider),
		Category: "calendar",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewProviderUnavailableError はプロバイダAPI呼び出し失敗エラーを生成する。
func NewProviderUnavailableError(provider Provider) *APIError {
	return &APIError{
		Code:     ErrCodeProviderUnavailable,
		Message:  fmt.Sprintf("%s から予定を取得できませんでした。", provider),
		Category: "calendar",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewInvitationNotFoundError は招待未検出エラーを生成する。
func NewInvitationNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeInvitationNotFound,
		Message:  "招待が見つかりません。",
		Category: "invitation",
		Action:   "招待リンクを確認してください。",
	}
}

// NewInvitationPendingError は同じメールアドレスへの有効な招待が既に存在する場合のエラーを生成する。
func NewInvitationPendingError(email string) *APIError {
	return &APIError{
		Code:     ErrCodeInvitationPending,
		Message:  fmt.Sprintf("このメールアドレスには有効な招待が既に送信されています: %s", email),
		Category: "invitation",
		Action:   "招待の有効期限が切れるまでお待ちいただくか、既存の招待を削除してください。",
	}
}

// NewInvitationExpiredError は招待期限切れエラーを生成する。
func NewInvitationExpiredError() *APIError {
	return &APIError{
		Code:     ErrCodeInvitationExpired,
		Message:  "招待の有効期限が切れています。",
		Category: "invitation",
		Action:   "招待者に再送を依頼してください。",
	}
}

// NewInvitationUsedError は使用済み招待エラーを生成する。
func NewInvitationUsedError() *APIError {
	return &APIError{
		Code:     ErrCodeInvitationUsed,
		Message:  "この招待は既に使用されています。",
		Category: "invitation",
		Action:   "ログインしてカレンダーを確認してください。",
	}
}

// NewInvitationSelfError は自分自身の招待を受諾しようとした場合のエラーを生成する。
func NewInvitationSelfError() *APIError {
	return &APIError{
		Code:     ErrCodeInvitationSelf,
		Message:  "自分が送信した招待は受諾できません。",
		Category: "invitation",
		Action:   "招待リンクを招待相手に共有してください。",
	}
}

// NewShareNotFoundError は共有関係が存在しない場合のエラーを生成する。
func NewShareNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeShareNotFound,
		Message:  "共有関係が見つかりません。",
		Category: "invitation",
		Action:   "共有一覧を再読み込みしてください。",
	}
}

// NewUnauthorizedError は未認証またはセッション切れのエラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "ログインが必要です。",
		Category: "auth",
		Action:   "再度ログインしてください。",
	}
}
