package service

import (
	"context"

	"github.com/langchou/teslink/internal/api/tesla"
	"github.com/langchou/teslink/internal/authstate"
	"github.com/langchou/teslink/internal/models"
)

// UserStore 用户聚合读取
type UserStore interface {
	GetByID(ctx context.Context, id string) (*models.User, error)
	ListLinked(ctx context.Context) ([]*models.User, error)
}

// IdentityStore 外部身份读取，不存在时返回 nil, nil
type IdentityStore interface {
	Get(ctx context.Context, userID, provider, subject string) (*models.ExternalIdentity, error)
}

// VehicleStore 车辆记录读取
type VehicleStore interface {
	FindByVehicleID(ctx context.Context, vehicleID string) ([]*models.VehicleRecord, error)
	ListByAccount(ctx context.Context, accountID string) ([]*models.VehicleRecord, error)
}

// UnitOfWork 原子提交一次操作的全部变更
type UnitOfWork interface {
	Commit(ctx context.Context, cs *models.ChangeSet) error
}

// TokenCipher 令牌加解密
type TokenCipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

// VehicleLister 拉取外部车辆列表
type VehicleLister interface {
	ListVehicles(ctx context.Context, accessToken string) ([]tesla.Vehicle, error)
}

// TokenExchanger OAuth 授权码流程
type TokenExchanger interface {
	AuthorizationURL(state string) string
	ExchangeCode(ctx context.Context, code string) *tesla.Tokens
	Refresh(ctx context.Context, refreshToken string) *tesla.Tokens
	Revoke(ctx context.Context, token string) bool
	ExtractSubject(idToken string) string
}

// StateStore OAuth state 签发与消费
type StateStore interface {
	Issue(ctx context.Context, ownerID string) (string, error)
	Consume(ctx context.Context, token, claimedOwnerID string) (authstate.Outcome, error)
}

// Notifier 同步结果通知
type Notifier interface {
	NotifyVehiclesSynced(userID string, changed int)
}
