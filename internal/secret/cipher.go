package secret

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

// 错误定义
var (
	ErrEmptySecret         = errors.New("encryption secret is empty")
	ErrMalformedCiphertext = errors.New("malformed ciphertext")
	ErrDecrypt             = errors.New("decrypt ciphertext")
)

// TokenCipher 令牌加解密 (AES-256-GCM)
// 存储格式: base64(nonce || ciphertext)
// 空字符串表示令牌不存在，加解密时原样返回
type TokenCipher struct {
	aead cipher.AEAD
}

// NewTokenCipher 根据配置的密钥字符串创建加密器
// 任意长度的密钥经 SHA-256 归一化为 32 字节 AES 密钥
func NewTokenCipher(secret string) (*TokenCipher, error) {
	if secret == "" {
		return nil, ErrEmptySecret
	}

	key := sha256.Sum256([]byte(secret))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}
	return &TokenCipher{aead: aead}, nil
}

// Encrypt 加密明文，每次调用使用新的随机 nonce
func (c *TokenCipher) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("read nonce: %w", err)
	}

	payload := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(payload), nil
}

// Decrypt 解密密文
// 密钥不匹配、格式错误或被篡改时返回错误，绝不返回错误的明文
func (c *TokenCipher) Decrypt(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}

	payload, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedCiphertext, err)
	}

	nonceSize := c.aead.NonceSize()
	if len(payload) < nonceSize+c.aead.Overhead() {
		return "", fmt.Errorf("%w: payload too short", ErrMalformedCiphertext)
	}

	nonce, sealed := payload[:nonceSize], payload[nonceSize:]
	plaintext, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return string(plaintext), nil
}
