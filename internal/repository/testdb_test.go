package repository

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/calman/internal/database"
	"github.com/hitoshi/calman/internal/model"
)

// openTestDB はマイグレーション済みのテスト用DBを返す。
// TEST_DATABASE_URL が未設定、または接続できない場合はテストをスキップする。
func openTestDB(t *testing.T) *sql.DB {
	t.Helper()

	dbURL := os.Getenv("TEST_DATABASE_URL")
	if dbURL == "" {
		t.Skip("TEST_DATABASE_URL が未設定のためスキップ")
	}

	db, err := database.Open(dbURL)
	if err != nil {
		t.Fatalf("データベースへの接続に失敗: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := db.Ping(); err != nil {
		t.Skipf("テスト用データベースに接続できません（スキップ）: %v", err)
	}

	if err := database.RunMigrations(dbURL); err != nil {
		t.Fatalf("マイグレーション実行に失敗: %v", err)
	}

	if _, err := db.Exec(`TRUNCATE calendar_shares, invitations, calendar_accounts, identities, users CASCADE`); err != nil {
		t.Fatalf("テーブルの初期化に失敗: %v", err)
	}

	return db
}

// createTestUser はテスト用ユーザーを作成する。
func createTestUser(t *testing.T, db *sql.DB, username string) *model.User {
	t.Helper()

	now := time.Now().UTC().Truncate(time.Microsecond)
	user := &model.User{
		ID:           uuid.New().String(),
		Username:     username,
		Email:        username + "@example.com",
		Name:         username,
		AuthProvider: model.AuthProviderLocal,
		IsActive:     true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := NewPostgresUserRepo(db).Create(context.Background(), user); err != nil {
		t.Fatalf("ユーザー作成に失敗: %v", err)
	}
	return user
}
