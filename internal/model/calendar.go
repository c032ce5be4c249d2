package model

import (
	"strings"
	"time"
)

// Provider はカレンダープロバイダを表す。
type Provider string

const (
	ProviderGoogle    Provider = "google"
	ProviderMicrosoft Provider = "microsoft"
)

// ParseProvider は文字列をProviderに変換する。未知の値の場合はfalseを返す。
func ParseProvider(s string) (Provider, bool) {
	switch Provider(strings.ToLower(s)) {
	case ProviderGoogle:
		return ProviderGoogle, true
	case ProviderMicrosoft:
		return ProviderMicrosoft, true
	default:
		return "", false
	}
}

// CalendarAccount はユーザーが接続したカレンダーアカウントを表す。
// 常に1人の所有者（UserID）に属し、所有者経由でのみ参照される。
type CalendarAccount struct {
	ID              string
	UserID          string
	Provider        Provider
	Email           string
	Name            string
	Color           string
	AccessToken     string
	RefreshToken    string
	ExpiresAt       *time.Time // nilの場合は期限なし
	LastRefreshedAt *time.Time
	NeedsReconnect  bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// IsExpired はアクセストークンが期限切れかどうかを返す。
func (a *CalendarAccount) IsExpired(now time.Time) bool {
	if a.ExpiresAt == nil {
		return false
	}
	return !now.Before(*a.ExpiresAt)
}

// IsExpiring はアクセストークンがwindow以内に期限切れになるかどうかを返す。
// すでに期限切れのものも含む。
func (a *CalendarAccount) IsExpiring(now time.Time, window time.Duration) bool {
	if a.ExpiresAt == nil {
		return false
	}
	return !now.Add(window).Before(*a.ExpiresAt)
}

// CanRefresh はリフレッシュトークンによる更新が可能かどうかを返す。
func (a *CalendarAccount) CanRefresh() bool {
	return a.RefreshToken != "" && !a.NeedsReconnect
}

// SharedAccountPrefix は共有アカウントIDの接頭辞。
const SharedAccountPrefix = "shared_"

// SharedAccountID は共有アカウントの閲覧者向けIDを生成する。
// 形式: shared_<ownerID>_<accountID>
func SharedAccountID(ownerID, accountID string) string {
	return SharedAccountPrefix + ownerID + "_" + accountID
}

// ParseSharedAccountID は共有アカウントIDを所有者IDとアカウントIDに分解する。
// 共有アカウントIDでない場合はok=falseを返す。
func ParseSharedAccountID(id string) (ownerID, accountID string, ok bool) {
	rest, found := strings.CutPrefix(id, SharedAccountPrefix)
	if !found {
		return "", "", false
	}
	ownerID, accountID, found = strings.Cut(rest, "_")
	if !found || ownerID == "" || accountID == "" {
		return "", "", false
	}
	return ownerID, accountID, true
}

// VisibleAccount はユーザーから見えるカレンダーアカウントを表す。
// 自分のアカウントと共有されたアカウントの両方を同じ形で扱う。トークンは含まない。
type VisibleAccount struct {
	ID                string // 自分のアカウントは元のID、共有アカウントはshared_形式
	Provider          Provider
	Email             string
	Name              string
	Color             string
	ExpiresAt         *time.Time
	NeedsReconnect    bool
	IsOwn             bool
	CanEdit           bool
	OwnerID           string
	OwnerName         string
	OwnerEmail        string
	OriginalAccountID string
}
