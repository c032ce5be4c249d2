package middleware

import (
	"encoding/json"
	"net/http"

	"github.com/hitoshi/calman/internal/model"
)

// ErrorResponseBody はAPIエラーレスポンスの統一フォーマット。
// 原因カテゴリと対処方法を含む。
// 再認証が必要なエラーではNeedsReconnectがtrueになる。
type ErrorResponseBody struct {
	Code           string `json:"code"`
	Message        string `json:"message"`
	Category       string `json:"category"`
	Action         string `json:"action"`
	NeedsReconnect bool   `json:"needsReconnect,omitempty"`
}

// WriteErrorResponse は統一エラーフォーマットでHTTPエラーレスポンスを書き込む。
func WriteErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ErrorResponseBody{
		Code:           apiErr.Code,
		Message:        apiErr.Message,
		Category:       apiErr.Category,
		Action:         apiErr.Action,
		NeedsReconnect: apiErr.Code == model.ErrCodeReconnectRequired,
	})
}

// WriteInternalServerError は内部サーバーエラーの統一レスポンスを書き込む。
// 詳細はログのみに記録し、ユーザーには一般的なメッセージを返す。
func WriteInternalServerError(w http.ResponseWriter) {
	WriteErrorResponse(w, http.StatusInternalServerError, &model.APIError{
		Code:     "INTERNAL_ERROR",
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	})
}
