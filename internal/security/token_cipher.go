package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

// encryptedPrefix は暗号化済みトークンの識別子。
// 暗号化導入前に保存された平文トークンと区別するために付与する。
const encryptedPrefix = "enc:v1:"

// TokenCipher はOAuthトークンの保存時暗号化を行う。
type TokenCipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(stored string) (string, error)
}

// aesTokenCipher はAES-256-GCMによるTokenCipherの実装。
type aesTokenCipher struct {
	aead cipher.AEAD
}

// NewTokenCipher は秘密鍵文字列からTokenCipherを生成する。
// secretが空の場合は暗号化を行わないTokenCipherを返す。
func NewTokenCipher(secret string) (TokenCipher, error) {
	if secret == "" {
		return plainTokenCipher{}, nil
	}

	key := make([]byte, 32)
	kdf := hkdf.New(sha256.New, []byte(secret), nil, []byte("calman calendar account tokens"))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("failed to derive token key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &aesTokenCipher{aead: aead}, nil
}

// Encrypt は平文トークンを暗号化し、接頭辞付きbase64文字列を返す。空文字列はそのまま返す。
func (c *aesTokenCipher) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return encryptedPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt は保存値を復号する。接頭辞のない値は暗号化前の平文としてそのまま返す。
func (c *aesTokenCipher) Decrypt(stored string) (string, error) {
	encoded, ok := strings.CutPrefix(stored, encryptedPrefix)
	if !ok {
		return stored, nil
	}

	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("invalid base64 encoding: %w", err)
	}

	nonceSize := c.aead.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}

	plaintext, err := c.aead.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt token: %w", err)
	}

	return string(plaintext), nil
}

// plainTokenCipher は暗号化鍵が未設定の場合に使用する。
type plainTokenCipher struct{}

func (plainTokenCipher) Encrypt(plaintext string) (string, error) { return plaintext, nil }

func (plainTokenCipher) Decrypt(stored string) (string, error) {
	if strings.HasPrefix(stored, encryptedPrefix) {
		return "", fmt.Errorf("token is encrypted but TOKEN_ENCRYPTION_KEY is not set")
	}
	return stored, nil
}
