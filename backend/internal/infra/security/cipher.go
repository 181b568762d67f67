/*
 * @Author: NEFU AB-IN
 * @Date: 2025-10-11 00:49:01
 * @FilePath: \audit-trail-app\backend\internal\infra\security\cipher.go
 * @LastEditTime: 2026-10-16 11:24:12
 */
package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// fallbackSecret 在未配置主密钥时使用。
const fallbackSecret = "audit-trail::connection-credentials::fallback"

const keyInfo = "audit-trail connection password v1"

// ErrMalformedCiphertext 表示密文格式不正确或认证失败。
var ErrMalformedCiphertext = errors.New("malformed ciphertext")

// Cipher 使用 AES-256-GCM 加密外部连接密码，每次加密生成随机 nonce。
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher 通过 HKDF-SHA256 从任意长度的主密钥派生 32 字节密钥，空主密钥使用内置回退值。
func NewCipher(secret string) (*Cipher, error) {
	if secret == "" {
		secret = fallbackSecret
	}
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, []byte(keyInfo)), key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}
	return &Cipher{aead: gcm}, nil
}

// Encrypt 将明文加密为 nonce|ciphertext 格式的字节切片。
func (c *Cipher) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("read nonce: %w", err)
	}
	sealed := c.aead.Seal(nil, nonce, plaintext, nil)
	return append(nonce, sealed...), nil
}

// Decrypt 解析 nonce|ciphertext 并返回明文。
func (c *Cipher) Decrypt(ciphertext []byte) ([]byte, error) {
	nonceSize := c.aead.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, ErrMalformedCiphertext
	}
	plain, err := c.aead.Open(nil, ciphertext[:nonceSize], ciphertext[nonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedCiphertext, err)
	}
	return plain, nil
}

// EncryptString 加密后以 base64 文本返回，便于存入 JSON 配置。
func (c *Cipher) EncryptString(plaintext string) (string, error) {
	sealed, err := c.Encrypt([]byte(plaintext))
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// DecryptString 解密 base64 文本，格式错误时返回 ok=false 而不是错误。
func (c *Cipher) DecryptString(encoded string) (string, bool) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", false
	}
	plain, err := c.Decrypt(raw)
	if err != nil {
		return "", false
	}
	return string(plain), true
}
