package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/hitoshi/calman/internal/model"
)

// DefaultSessionTTL はセッショントークンの有効期間。
const DefaultSessionTTL = 7 * 24 * time.Hour

// ErrInvalidSession はセッショントークンが不正または期限切れの場合のエラー。
var ErrInvalidSession = errors.New("invalid session token")

// SessionClaims はセッショントークンに含めるクレーム。
type SessionClaims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// SessionIssuer はHS256署名のセッショントークンを発行・検証する。
// トークンはサーバー側に保存しない。
type SessionIssuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewSessionIssuer はSessionIssuerを生成する。ttlが0以下の場合はDefaultSessionTTLを使う。
func NewSessionIssuer(secret string, ttl time.Duration) *SessionIssuer {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &SessionIssuer{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// TTL はトークンの有効期間を返す。
func (s *SessionIssuer) TTL() time.Duration {
	return s.ttl
}

// Issue はユーザーのセッショントークンを発行する。
func (s *SessionIssuer) Issue(user *model.User) (string, time.Time, error) {
	now := s.now()
	expiresAt := now.Add(s.ttl)

	claims := SessionClaims{
		Username: user.Username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign session token: %w", err)
	}
	return signed, expiresAt, nil
}

// Verify はトークンを検証し、クレームを返す。
// HS256以外の署名方式、署名不一致、期限切れ、subject欠落はErrInvalidSessionとなる。
func (s *SessionIssuer) Verify(token string) (*SessionClaims, error) {
	claims := &SessionClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims,
		func(t *jwt.Token) (any, error) {
			return s.secret, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSession, err)
	}
	if !parsed.Valid || claims.Subject == "" {
		return nil, ErrInvalidSession
	}
	return claims, nil
}
