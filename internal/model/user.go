// Package model はドメインモデルを定義する。
package model

import "time"

// AuthProvider はユーザーの登録経路を表す。
type AuthProvider string

const (
	AuthProviderLocal     AuthProvider = "local"
	AuthProviderGoogle    AuthProvider = "google"
	AuthProviderMicrosoft AuthProvider = "microsoft"
)

// User はサービス利用ユーザーを表す。
// ローカル認証ユーザーはPasswordHashを持ち、OAuthのみのユーザーは空文字となる。
type User struct {
	ID           string
	Username     string
	Email        string
	Name         string
	PasswordHash string
	AuthProvider AuthProvider
	Picture      string
	InvitedBy    string // 招待元ユーザーID（未招待の場合は空文字）
	IsActive     bool
	LastLoginAt  *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// DisplayName は表示名を返す。Nameが空の場合はUsernameを使う。
func (u *User) DisplayName() string {
	if u.Name != "" {
		return u.Name
	}
	return u.Username
}

// Identity は外部IdPとの紐付け情報を表す。
type Identity struct {
	ID             string
	UserID         string
	Provider       string
	ProviderUserID string
	CreatedAt      time.Time
}
