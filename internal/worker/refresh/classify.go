package refresh

import (
	"errors"

	"github.com/hitoshi/calman/internal/model"
	"github.com/hitoshi/calman/internal/token"
)

// Outcome はリフレッシュ結果の分類。
type Outcome int

const (
	// OutcomeRefreshed はリフレッシュ成功。
	OutcomeRefreshed Outcome = iota
	// OutcomeStop は再接続が必要なためリフレッシュを停止する。
	// アカウントにはneeds_reconnectが記録され、以降の対象から外れる。
	OutcomeStop
	// OutcomeRetry は一時的な失敗。次回のサイクルで再試行する。
	OutcomeRetry
)

// String はログ出力用の名前を返す。
func (o Outcome) String() string {
	switch o {
	case OutcomeRefreshed:
		return "refreshed"
	case OutcomeStop:
		return "stopped"
	default:
		return "retry"
	}
}

// ClassifyError はリフレッシュのエラーを分類する。
func ClassifyError(err error) Outcome {
	if err == nil {
		return OutcomeRefreshed
	}
	if errors.Is(err, token.ErrReconnectRequired) {
		return OutcomeStop
	}
	var apiErr *model.APIError
	if errors.As(err, &apiErr) && apiErr.Code == model.ErrCodeReconnectRequired {
		return OutcomeStop
	}
	return OutcomeRetry
}

// Summary は1サイクル分の集計。
type Summary struct {
	Total     int
	Refreshed int
	Stopped   int
	Retry     int
}

func (s *Summary) add(o Outcome) {
	switch o {
	case OutcomeRefreshed:
		s.Refreshed++
	case OutcomeStop:
		s.Stopped++
	default:
		s.Retry++
	}
}
