package auth

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// DefaultPasswordCost はbcryptのコスト。
const DefaultPasswordCost = 10

// maxPasswordBytes はbcryptが扱える最大長。これを超えるとGenerateFromPasswordがエラーを返す。
const maxPasswordBytes = 72

// ErrPasswordTooLong はパスワードが長すぎる場合のエラー。
var ErrPasswordTooLong = errors.New("password exceeds 72 bytes")

// PasswordHasher はパスワードのハッシュ化と検証を行う。
type PasswordHasher struct {
	cost int
}

// NewPasswordHasher はPasswordHasherを生成する。costがbcryptの最小値未満の場合は既定値を使う。
func NewPasswordHasher(cost int) *PasswordHasher {
	if cost < bcrypt.MinCost {
		cost = DefaultPasswordCost
	}
	return &PasswordHasher{cost: cost}
}

// Hash はパスワードをbcryptでハッシュ化する。
func (h *PasswordHasher) Hash(password string) (string, error) {
	if len(password) > maxPasswordBytes {
		return "", ErrPasswordTooLong
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), h.cost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}

// Verify はパスワードがハッシュと一致するかを返す。
// ハッシュが空（OAuthのみのユーザー）の場合は常にfalseを返す。
func (h *PasswordHasher) Verify(hash, password string) bool {
	if hash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
