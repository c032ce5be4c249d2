// Package calendar はユーザーから見えるカレンダーアカウントの解決と、
// プロバイダごとのイベント取得・正規化を提供する。
package calendar

import (
	"context"
	"fmt"

	"github.com/hitoshi/calman/internal/model"
	"github.com/hitoshi/calman/internal/repository"
)

// ResolvedAccount はアカウントIDを解決した結果。
// Accountは所有者のアカウント（トークンを含む）で、VisibleIDは要求されたIDを保持する。
type ResolvedAccount struct {
	Account   *model.CalendarAccount
	VisibleID string
	IsOwn     bool
}

// Resolver は自分のアカウントと共有されたアカウントを解決する。
type Resolver struct {
	accounts repository.CalendarAccountRepository
	shares   repository.ShareRepository
}

// NewResolver はResolverを生成する。
func NewResolver(accounts repository.CalendarAccountRepository, shares repository.ShareRepository) *Resolver {
	return &Resolver{accounts: accounts, shares: shares}
}

// VisibleAccounts はユーザーから見えるアカウントを返す。
// 自分のアカウントを先に、続けて共有してくれている所有者ごとのアカウントを所有者の名前順で返す。
func (r *Resolver) VisibleAccounts(ctx context.Context, userID string) ([]model.VisibleAccount, error) {
	own, err := r.accounts.ListByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list own accounts: %w", err)
	}

	seen := make(map[string]struct{}, len(own))
	visible := make([]model.VisibleAccount, 0, len(own))
	for _, a := range own {
		seen[a.ID] = struct{}{}
		visible = append(visible, ownView(a))
	}

	shared, err := r.sharedViews(ctx, userID, seen)
	if err != nil {
		return nil, err
	}
	return append(visible, shared...), nil
}

// SharedAccounts は他のユーザーから共有されたアカウントのみを返す。
func (r *Resolver) SharedAccounts(ctx context.Context, userID string) ([]model.VisibleAccount, error) {
	return r.sharedViews(ctx, userID, map[string]struct{}{})
}

func (r *Resolver) sharedViews(ctx context.Context, userID string, seen map[string]struct{}) ([]model.VisibleAccount, error) {
	owners, err := r.shares.ListOwners(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sharing owners: %w", err)
	}

	var views []model.VisibleAccount
	for _, owner := range owners {
		if owner.UserID == userID {
			continue
		}
		accounts, err := r.accounts.ListByUserID(ctx, owner.UserID)
		if err != nil {
			return nil, fmt.Errorf("failed to list accounts of owner %s: %w", owner.UserID, err)
		}
		for _, a := range accounts {
			id := model.SharedAccountID(owner.UserID, a.ID)
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			views = append(views, sharedView(owner, a))
		}
	}
	return views, nil
}

// ResolveAccount はユーザーが指定したアカウントIDを所有者のアカウントに解決する。
// shared_形式のIDは所有者から共有されている場合のみ解決できる。
func (r *Resolver) ResolveAccount(ctx context.Context, userID, accountID string) (*ResolvedAccount, error) {
	ownerID, originalID, shared := model.ParseSharedAccountID(accountID)
	if !shared {
		account, err := r.accounts.FindByID(ctx, userID, accountID)
		if err != nil {
			return nil, fmt.Errorf("failed to find account: %w", err)
		}
		if account == nil {
			return nil, model.NewAccountNotFoundError(accountID)
		}
		return &ResolvedAccount{Account: account, VisibleID: accountID, IsOwn: true}, nil
	}

	if ownerID == userID {
		return r.ResolveAccount(ctx, userID, originalID)
	}

	allowed, err := r.shares.Exists(ctx, ownerID, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to check share: %w", err)
	}
	if !allowed {
		return nil, model.NewAccountAccessDeniedError()
	}

	account, err := r.accounts.FindByID(ctx, ownerID, originalID)
	if err != nil {
		return nil, fmt.Errorf("failed to find shared account: %w", err)
	}
	if account == nil {
		return nil, model.NewAccountNotFoundError(accountID)
	}
	return &ResolvedAccount{Account: account, VisibleID: accountID, IsOwn: false}, nil
}

func ownView(a *model.CalendarAccount) model.VisibleAccount {
	return model.VisibleAccount{
		ID:                a.ID,
		Provider:          a.Provider,
		Email:             a.Email,
		Name:              a.Name,
		Color:             a.Color,
		ExpiresAt:         a.ExpiresAt,
		NeedsReconnect:    a.NeedsReconnect,
		IsOwn:             true,
		CanEdit:           true,
		OwnerID:           a.UserID,
		OriginalAccountID: a.ID,
	}
}

func sharedView(owner model.SharePeer, a *model.CalendarAccount) model.VisibleAccount {
	ownerName := owner.Name
	if ownerName == "" {
		ownerName = owner.Username
	}
	name := a.Name
	if name == "" {
		name = fmt.Sprintf("%s - %s", ownerName, a.Provider)
	}
	return model.VisibleAccount{
		ID:                model.SharedAccountID(owner.UserID, a.ID),
		Provider:          a.Provider,
		Email:             a.Email,
		Name:              name,
		Color:             a.Color,
		ExpiresAt:         a.ExpiresAt,
		NeedsReconnect:    a.NeedsReconnect,
		IsOwn:             false,
		CanEdit:           false,
		OwnerID:           owner.UserID,
		OwnerName:         ownerName,
		OwnerEmail:        owner.Email,
		OriginalAccountID: a.ID,
	}
}
