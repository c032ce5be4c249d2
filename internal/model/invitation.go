package model

import "time"

// InvitationStatus は招待の状態を表す。
type InvitationStatus string

const (
	InvitationPending  InvitationStatus = "pending"
	InvitationAccepted InvitationStatus = "accepted"
	InvitationExpired  InvitationStatus = "expired"
)

// Invitation はカレンダー共有のための招待を表す。
// トークンは1回限り有効で、pendingからacceptedまたはexpiredへ遷移する。
type Invitation struct {
	ID           string
	Email        string
	InviterID    string
	InviterName  string
	InviterEmail string
	Token        string
	Status       InvitationStatus
	ExpiresAt    time.Time
	AcceptedAt   *time.Time
	AcceptedBy   string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// IsExpired は招待が有効期限を過ぎているかどうかを返す。
func (i *Invitation) IsExpired(now time.Time) bool {
	return !now.Before(i.ExpiresAt)
}

// Share はOwnerIDのカレンダーをViewerIDが閲覧できることを表す。
type Share struct {
	OwnerID   string
	ViewerID  string
	CreatedAt time.Time
}

// SharePeer は共有関係の相手ユーザーの概要を表す。
type SharePeer struct {
	UserID   string
	Username string
	Name     string
	Email    string
	Since    time.Time
}
