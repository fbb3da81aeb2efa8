package models

import (
	"errors"
	"strings"
	"time"

	"github.com/langchou/teslink/internal/state"
)

// ErrAccountIDRequired 关联时缺少外部账户 ID
var ErrAccountIDRequired = errors.New("external account id is required")

// AccountLink 用户与 Tesla 账户的关联，值类型
// 所有转换方法返回新值，调用方用返回值替换旧引用
type AccountLink struct {
	ExternalAccountID     string    `json:"external_account_id,omitempty"`
	LinkedAt              time.Time `json:"linked_at"`
	Active                bool      `json:"active"`
	EncryptedAccessToken  string    `json:"-"`
	EncryptedRefreshToken string    `json:"-"`
	TokenExpiresAt        time.Time `json:"token_expires_at"`
	LastSyncedAt          time.Time `json:"last_synced_at"`
}

// Status 当前关联状态
func (l AccountLink) Status() string {
	switch {
	case l.ExternalAccountID == "":
		return state.StateUnlinked
	case l.Active:
		return state.StateActive
	default:
		return state.StateInactive
	}
}

// HasAccessToken 是否持有访问令牌
func (l AccountLink) HasAccessToken() bool {
	return l.EncryptedAccessToken != ""
}

// TokenExpired 访问令牌是否在 skew 内过期
func (l AccountLink) TokenExpired(now time.Time, skew time.Duration) bool {
	if l.TokenExpiresAt.IsZero() {
		return false
	}
	return now.Add(skew).After(l.TokenExpiresAt)
}

// Link 关联新的外部账户，仅允许 unlinked / inactive 状态
func (l AccountLink) Link(accountID string) (AccountLink, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return l, ErrAccountIDRequired
	}
	if _, err := state.Transition(l.Status(), state.EventLink); err != nil {
		return l, err
	}

	return AccountLink{
		ExternalAccountID: accountID,
		LinkedAt:          time.Now().UTC(),
		Active:            true,
	}, nil
}

// UpdateTokens 更新加密后的令牌，仅允许 active 状态
func (l AccountLink) UpdateTokens(encryptedAccess, encryptedRefresh string, expiresAt time.Time) (AccountLink, error) {
	if _, err := state.Transition(l.Status(), state.EventUpdateTokens); err != nil {
		return l, err
	}

	next := l
	next.EncryptedAccessToken = encryptedAccess
	next.EncryptedRefreshToken = encryptedRefresh
	next.TokenExpiresAt = expiresAt.UTC()
	return next, nil
}

// Unlink 停用关联并清除令牌
func (l AccountLink) Unlink() (AccountLink, error) {
	if _, err := state.Transition(l.Status(), state.EventUnlink); err != nil {
		return l, err
	}

	next := l
	next.Active = false
	next.EncryptedAccessToken = ""
	next.EncryptedRefreshToken = ""
	next.TokenExpiresAt = time.Time{}
	return next, nil
}

// Reactivate 重新启用已停用的关联
func (l AccountLink) Reactivate() (AccountLink, error) {
	if _, err := state.Transition(l.Status(), state.EventReactivate); err != nil {
		return l, err
	}

	next := l
	next.Active = true
	return next, nil
}

// MarkSynced 记录最近一次车辆同步时间
func (l AccountLink) MarkSynced(at time.Time) AccountLink {
	next := l
	next.LastSyncedAt = at.UTC()
	return next
}
