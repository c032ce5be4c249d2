package model

import "time"

// ResponseStatus は予定に対する出欠回答を表す。
const (
	ResponseAccepted    = "accepted"
	ResponseDeclined    = "declined"
	ResponseTentative   = "tentative"
	ResponseNeedsAction = "needsAction"
)

// DefaultEventTitle はタイトル未設定の予定に使う表示名。
const DefaultEventTitle = "(no title)"

// Event はプロバイダ間で正規化された予定を表す。
type Event struct {
	ID             string
	AccountID      string
	Provider       Provider
	Title          string
	Start          time.Time
	End            time.Time
	AllDay         bool
	Location       string
	Description    string // サニタイズ済みHTML
	Preview        string // プレーンテキスト
	ResponseStatus string
	HTMLLink       string
}

// TimeWindow はイベント取得の時間範囲 [Start, End) を表す。
type TimeWindow struct {
	Start time.Time
	End   time.Time
}
