package tesla

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

// 授权范围: 身份、车辆数据只读、离线刷新
var Scopes = []string{"openid", "vehicle_device_data", "offline_access"}

// stateBytes state 随机字节数 (128 bit)
const stateBytes = 16

// Tokens 令牌端点返回的令牌
type Tokens struct {
	AccessToken  string
	RefreshToken string
	IDToken      string
	TokenType    string
	Expiry       time.Time
}

// OAuthConfig OAuth 客户端配置
type OAuthConfig struct {
	AuthHost     string
	ClientID     string
	ClientSecret string
	RedirectURI  string
	Timeout      time.Duration
}

// OAuth Tesla OAuth2 授权码流程
// 令牌交换、刷新、吊销失败时记录日志并返回空结果，不向调用方返回错误
type OAuth struct {
	config     oauth2.Config
	revokeURL  string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewOAuth 创建 OAuth 客户端
func NewOAuth(cfg OAuthConfig, logger *zap.Logger) *OAuth {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	authHost := strings.TrimRight(cfg.AuthHost, "/")

	return &OAuth{
		config: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURI,
			Scopes:       Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   authHost + "/oauth2/v3/authorize",
				TokenURL:  authHost + "/oauth2/v3/token",
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		revokeURL: authHost + "/oauth2/v3/revoke",
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger,
	}
}

// AuthorizationURL 构造授权跳转地址
func (o *OAuth) AuthorizationURL(state string) string {
	return o.config.AuthCodeURL(state)
}

// ExchangeCode 用授权码换取令牌，失败返回 nil
func (o *OAuth) ExchangeCode(ctx context.Context, code string) *Tokens {
	token, err := o.config.Exchange(o.clientContext(ctx), code)
	if err != nil {
		o.logTokenError("Authorization code exchange failed", err)
		return nil
	}
	return toTokens(token)
}

// Refresh 使用 refresh token 刷新令牌，失败返回 nil
// 刷新请求不携带 redirect_uri
func (o *OAuth) Refresh(ctx context.Context, refreshToken string) *Tokens {
	if refreshToken == "" {
		o.logger.Warn("Token refresh skipped, no refresh token")
		return nil
	}

	source := o.config.TokenSource(o.clientContext(ctx), &oauth2.Token{RefreshToken: refreshToken})
	token, err := source.Token()
	if err != nil {
		o.logTokenError("Token refresh failed", err)
		return nil
	}
	return toTokens(token)
}

// Revoke 吊销令牌，返回服务端是否确认成功
func (o *OAuth) Revoke(ctx context.Context, token string) bool {
	if token == "" {
		return false
	}

	data := url.Values{}
	data.Set("token", token)
	data.Set("client_id", o.config.ClientID)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.revokeURL, strings.NewReader(data.Encode()))
	if err != nil {
		o.logger.Error("Failed to create revoke request", zap.Error(err))
		return false
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		o.logger.Warn("Token revoke request failed", zap.Error(err))
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		o.logger.Warn("Token revoke rejected", zap.Int("status", resp.StatusCode))
		return false
	}
	return true
}

// ExtractSubject 从 id_token 中解析 sub
// 不校验签名: id_token 直接来自令牌端点的 TLS 响应
func (o *OAuth) ExtractSubject(idToken string) string {
	if idToken == "" {
		return ""
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(idToken, claims); err != nil {
		o.logger.Warn("Failed to parse id token", zap.Error(err))
		return ""
	}

	subject, err := claims.GetSubject()
	if err != nil {
		o.logger.Warn("Invalid subject claim in id token", zap.Error(err))
		return ""
	}
	return subject
}

// GenerateState 生成 128 bit URL 安全的随机 state
func (o *OAuth) GenerateState() (string, error) {
	return GenerateState()
}

// GenerateState 生成 128 bit URL 安全的随机 state (base64url，无填充)
func GenerateState() (string, error) {
	b := make([]byte, stateBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func (o *OAuth) clientContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, o.httpClient)
}

func (o *OAuth) logTokenError(msg string, err error) {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) && retrieveErr.Response != nil {
		o.logger.Warn(msg,
			zap.Int("status", retrieveErr.Response.StatusCode),
			zap.String("error_code", retrieveErr.ErrorCode),
		)
		return
	}
	o.logger.Warn(msg, zap.Error(err))
}

func toTokens(token *oauth2.Token) *Tokens {
	tokens := &Tokens{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		TokenType:    token.TokenType,
		Expiry:       token.Expiry,
	}
	if idToken, ok := token.Extra("id_token").(string); ok {
		tokens.IDToken = idToken
	}
	return tokens
}
