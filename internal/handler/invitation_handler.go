package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/calman/internal/invitation"
	"github.com/hitoshi/calman/internal/model"
)

// InvitationServiceInterface は招待・共有ハンドラーが必要とするサービスインターフェース。
type InvitationServiceInterface interface {
	Send(ctx context.Context, inviterID, email string) (*invitation.SendResult, error)
	List(ctx context.Context, inviterID string) ([]*model.Invitation, error)
	Delete(ctx context.Context, inviterID, invitationID string) error
	Validate(ctx context.Context, token string) (*model.Invitation, error)
	Accept(ctx context.Context, token, userID string) (*model.Invitation, error)
	ListSharing(ctx context.Context, userID string) (*invitation.Sharing, error)
	RevokeViewer(ctx context.Context, ownerID, viewerID string) error
}

// InvitationHandler は招待と共有関係のHTTPハンドラー。
type InvitationHandler struct {
	service InvitationServiceInterface
}

// NewInvitationHandler はInvitationHandlerを生成する。
func NewInvitationHandler(service InvitationServiceInterface) *InvitationHandler {
	return &InvitationHandler{service: service}
}

type sendInvitationRequest struct {
	Email string `json:"email"`
}

type acceptInvitationRequest struct {
	Token string `json:"token"`
}

type invitationResponse struct {
	ID         string     `json:"id"`
	Email      string     `json:"email"`
	Status     string     `json:"status"`
	ExpiresAt  time.Time  `json:"expiresAt"`
	AcceptedAt *time.Time `json:"acceptedAt,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
}

type sendInvitationResponse struct {
	Invitation invitationResponse `json:"invitation"`
	URL        string             `json:"url"`
}

type invitationsResponse struct {
	Invitations []invitationResponse `json:"invitations"`
}

type validateInvitationResponse struct {
	Valid        bool      `json:"valid"`
	Email        string    `json:"email"`
	InviterName  string    `json:"inviterName"`
	InviterEmail string    `json:"inviterEmail"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

type sharePeerResponse struct {
	UserID   string    `json:"userId"`
	Username string    `json:"username"`
	Name     string    `json:"name"`
	Email    string    `json:"email"`
	Since    time.Time `json:"since"`
}

type sharingResponse struct {
	SharedCalendars []sharePeerResponse `json:"sharedCalendars"`
	AllowedViewers  []sharePeerResponse `json:"allowedViewers"`
}

func toInvitationResponse(inv *model.Invitation) invitationResponse {
	return invitationResponse{
		ID:         inv.ID,
		Email:      inv.Email,
		Status:     string(inv.Status),
		ExpiresAt:  inv.ExpiresAt,
		AcceptedAt: inv.AcceptedAt,
		CreatedAt:  inv.CreatedAt,
	}
}

func toSharePeerResponses(peers []model.SharePeer) []sharePeerResponse {
	out := make([]sharePeerResponse, len(peers))
	for i, p := range peers {
		out[i] = sharePeerResponse{
			UserID:   p.UserID,
			Username: p.Username,
			Name:     p.Name,
			Email:    p.Email,
			Since:    p.Since,
		}
	}
	return out
}

// Send は招待を作成し、招待メールを送信する。
// POST /api/invitations/send
func (h *InvitationHandler) Send(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	var req sendInvitationRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	result, err := h.service.Send(r.Context(), userID, req.Email)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, sendInvitationResponse{
		Invitation: toInvitationResponse(result.Invitation),
		URL:        result.URL,
	})
}

// List は自分が送信した招待を新しい順に返す。
// GET /api/invitations
func (h *InvitationHandler) List(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	invitations, err := h.service.List(r.Context(), userID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := invitationsResponse{Invitations: make([]invitationResponse, len(invitations))}
	for i, inv := range invitations {
		resp.Invitations[i] = toInvitationResponse(inv)
	}
	writeJSON(w, http.StatusOK, resp)
}

// Delete は自分が送信した招待を削除する。
// DELETE /api/invitations/{id}
func (h *InvitationHandler) Delete(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	if err := h.service.Delete(r.Context(), userID, chi.URLParam(r, "id")); err != nil {
		handleServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Validate は招待トークンを検証する。認証不要。
// GET /api/invitations/validate?token=xxx
func (h *InvitationHandler) Validate(w http.ResponseWriter, r *http.Request) {
	inv, err := h.service.Validate(r.Context(), r.URL.Query().Get("token"))
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, validateInvitationResponse{
		Valid:        true,
		Email:        inv.Email,
		InviterName:  inv.InviterName,
		InviterEmail: inv.InviterEmail,
		ExpiresAt:    inv.ExpiresAt,
	})
}

// Accept はログイン中のユーザーとして招待を受諾する。
// POST /api/invitations/accept
func (h *InvitationHandler) Accept(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	var req acceptInvitationRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	inv, err := h.service.Accept(r.Context(), req.Token, userID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toInvitationResponse(inv))
}

// ListSharing は共有関係の一覧を返す。
// GET /api/sharing
func (h *InvitationHandler) ListSharing(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	sharing, err := h.service.ListSharing(r.Context(), userID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, sharingResponse{
		SharedCalendars: toSharePeerResponses(sharing.SharedCalendars),
		AllowedViewers:  toSharePeerResponses(sharing.AllowedViewers),
	})
}

// RevokeViewer は指定ユーザーによる自分のカレンダーの閲覧を解除する。
// DELETE /api/sharing/viewers/{id}
func (h *InvitationHandler) RevokeViewer(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	if err := h.service.RevokeViewer(r.Context(), userID, chi.URLParam(r, "id")); err != nil {
		handleServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
