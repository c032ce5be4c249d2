package calendar

import (
	"context"
	"time"

	"github.com/hitoshi/calman/internal/model"
	"github.com/hitoshi/calman/internal/repository"
)

// memAccountRepo はユーザーIDごとにアカウントを保持するテスト用リポジトリ。
type memAccountRepo struct {
	repository.CalendarAccountRepository
	byUser map[string][]*model.CalendarAccount
}

func (m *memAccountRepo) ListByUserID(_ context.Context, userID string) ([]*model.CalendarAccount, error) {
	return m.byUser[userID], nil
}

func (m *memAccountRepo) FindByID(_ context.Context, userID, accountID string) (*model.CalendarAccount, error) {
	for _, a := range m.byUser[userID] {
		if a.ID == accountID {
			return a, nil
		}
	}
	return nil, nil
}

func (m *memAccountRepo) UpdateSettings(_ context.Context, userID, accountID, name, color string) (bool, error) {
	for _, a := range m.byUser[userID] {
		if a.ID == accountID {
			a.Name = name
			a.Color = color
			return true, nil
		}
	}
	return false, nil
}

func (m *memAccountRepo) Delete(_ context.Context, userID, accountID string) (bool, error) {
	accounts := m.byUser[userID]
	for i, a := range accounts {
		if a.ID == accountID {
			m.byUser[userID] = append(accounts[:i], accounts[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

// memShareRepo はowner->viewerの共有関係を保持するテスト用リポジトリ。
type memShareRepo struct {
	owners map[string][]model.SharePeer // viewerID -> owners
}

func (m *memShareRepo) Exists(_ context.Context, ownerID, viewerID string) (bool, error) {
	for _, o := range m.owners[viewerID] {
		if o.UserID == ownerID {
			return true, nil
		}
	}
	return false, nil
}

func (m *memShareRepo) ListOwners(_ context.Context, viewerID string) ([]model.SharePeer, error) {
	return m.owners[viewerID], nil
}

func (m *memShareRepo) ListViewers(_ context.Context, _ string) ([]model.SharePeer, error) {
	return nil, nil
}

func (m *memShareRepo) Delete(_ context.Context, _, _ string) (bool, error) {
	return false, nil
}

var (
	_ repository.CalendarAccountRepository = (*memAccountRepo)(nil)
	_ repository.ShareRepository           = (*memShareRepo)(nil)
)

func testAccount(id, userID string, provider model.Provider) *model.CalendarAccount {
	exp := time.Now().Add(time.Hour)
	return &model.CalendarAccount{
		ID:           id,
		UserID:       userID,
		Provider:     provider,
		Email:        id + "@example.com",
		Name:         id,
		Color:        "#123456",
		AccessToken:  "token-" + id,
		RefreshToken: "refresh-" + id,
		ExpiresAt:    &exp,
	}
}
