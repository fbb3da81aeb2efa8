package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/langchou/teslink/internal/authstate"
	"github.com/langchou/teslink/internal/models"
	"github.com/langchou/teslink/internal/state"
)

// 关联错误码
const (
	CodeMissingCode    = "missing_code"
	CodeInvalidState   = "invalid_state"
	CodeStateMismatch  = "state_mismatch"
	CodeStateExpired   = "state_expired"
	CodeExchangeFailed = "exchange_failed"
	CodeMissingSubject = "missing_subject"
	CodeAlreadyLinked  = "already_linked"
	CodeRefreshFailed  = "refresh_failed"
	CodeNotLinked      = "not_linked"
)

// tokenRefreshSkew 访问令牌提前刷新的时间
const tokenRefreshSkew = 5 * time.Minute

// LinkError 面向用户的关联失败，不会发生任何状态变更
type LinkError struct {
	Code    string
	Message string
}

func (e *LinkError) Error() string {
	return e.Code + ": " + e.Message
}

func newLinkError(code, message string) *LinkError {
	return &LinkError{Code: code, Message: message}
}

// LinkResult 关联结果
// 同步失败不影响关联本身
type LinkResult struct {
	Link           models.AccountLink `json:"link"`
	VehiclesSynced int                `json:"vehicles_synced"`
	SyncError      string             `json:"sync_error,omitempty"`
}

// LinkService Tesla 账户关联服务
type LinkService struct {
	logger     *zap.Logger
	users      UserStore
	identities IdentityStore
	vehicles   VehicleStore
	uow        UnitOfWork
	states     StateStore
	oauth      TokenExchanger
	cipher     TokenCipher
	reconciler *VehicleReconciler
	notifier   Notifier

	// 同一外部账户的关联修改与同步串行执行
	syncLocks sync.Map
}

// NewLinkService 创建关联服务
func NewLinkService(
	logger *zap.Logger,
	users UserStore,
	identities IdentityStore,
	vehicles VehicleStore,
	uow UnitOfWork,
	states StateStore,
	oauth TokenExchanger,
	cipher TokenCipher,
	reconciler *VehicleReconciler,
) *LinkService {
	return &LinkService{
		logger:     logger,
		users:      users,
		identities: identities,
		vehicles:   vehicles,
		uow:        uow,
		states:     states,
		oauth:      oauth,
		cipher:     cipher,
		reconciler: reconciler,
	}
}

// SetNotifier 设置同步结果通知
func (s *LinkService) SetNotifier(n Notifier) {
	s.notifier = n
}

// Initiate 发起关联，返回授权跳转地址
func (s *LinkService) Initiate(ctx context.Context, userID string) (string, error) {
	if _, err := s.users.GetByID(ctx, userID); err != nil {
		return "", fmt.Errorf("get user: %w", err)
	}

	stateToken, err := s.states.Issue(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("issue state: %w", err)
	}
	return s.oauth.AuthorizationURL(stateToken), nil
}

// Callback 处理授权回调
func (s *LinkService) Callback(ctx context.Context, userID, code, stateToken string) (*LinkResult, error) {
	if strings.TrimSpace(code) == "" {
		return nil, newLinkError(CodeMissingCode, "authorization code is missing")
	}

	outcome, err := s.states.Consume(ctx, stateToken, userID)
	if err != nil {
		return nil, fmt.Errorf("consume state: %w", err)
	}
	switch outcome {
	case authstate.OK:
	case authstate.OwnerMismatch:
		return nil, newLinkError(CodeStateMismatch, "state does not belong to this user")
	case authstate.Expired:
		return nil, newLinkError(CodeStateExpired, "state has expired")
	default:
		return nil, newLinkError(CodeInvalidState, "invalid state")
	}

	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	if user.Link.Active {
		return nil, newLinkError(CodeAlreadyLinked, state.ErrAlreadyLinked.Error())
	}

	tokens := s.oauth.ExchangeCode(ctx, code)
	if tokens == nil {
		return nil, newLinkError(CodeExchangeFailed, "failed to exchange authorization code")
	}

	subject := s.oauth.ExtractSubject(tokens.IDToken)
	if subject == "" {
		return nil, newLinkError(CodeMissingSubject, "failed to get identity information")
	}

	encAccess, encRefresh, err := s.encryptTokens(tokens.AccessToken, tokens.RefreshToken)
	if err != nil {
		return nil, err
	}

	var next models.AccountLink
	err = s.withAccountLock(ctx, userID, func(user *models.User) error {
		// 换取令牌期间可能已经完成了另一次关联
		if user.Link.Active {
			return newLinkError(CodeAlreadyLinked, state.ErrAlreadyLinked.Error())
		}

		identity, err := s.identities.Get(ctx, userID, models.ProviderTesla, subject)
		if err != nil {
			return fmt.Errorf("get external identity: %w", err)
		}
		var newIdentity *models.ExternalIdentity
		if identity == nil {
			newIdentity = &models.ExternalIdentity{
				ID:        uuid.NewString(),
				UserID:    userID,
				Provider:  models.ProviderTesla,
				Subject:   subject,
				CreatedAt: time.Now().UTC(),
			}
		}

		if user.Link.Status() == state.StateInactive && user.Link.ExternalAccountID == subject {
			next, err = user.Link.Reactivate()
		} else {
			next, err = user.Link.Link(subject)
		}
		if err != nil {
			return err
		}
		next, err = next.UpdateTokens(encAccess, encRefresh, tokens.Expiry)
		if err != nil {
			return err
		}

		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.uow.Commit(ctx, &models.ChangeSet{UserID: userID, Link: &next, Identity: newIdentity}); err != nil {
			return fmt.Errorf("commit account link: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Tesla account linked", zap.String("user_id", userID), zap.String("account_id", subject))

	result := &LinkResult{Link: next}
	var changed int
	err = s.withAccountLock(ctx, userID, func(user *models.User) error {
		var syncErr error
		changed, syncErr = s.reconcileLocked(ctx, userID, user.Link)
		return syncErr
	})
	if err != nil {
		s.logger.Warn("Vehicle sync after link failed", zap.String("user_id", userID), zap.Error(err))
		result.SyncError = err.Error()
	} else {
		result.VehiclesSynced = changed
	}
	return result, nil
}

// Unlink 解除关联，尽力吊销 refresh token
func (s *LinkService) Unlink(ctx context.Context, userID string) (models.AccountLink, error) {
	var result models.AccountLink
	err := s.withAccountLock(ctx, userID, func(user *models.User) error {
		result = user.Link
		next, err := user.Link.Unlink()
		if err != nil {
			return err
		}

		if refreshToken, err := s.cipher.Decrypt(user.Link.EncryptedRefreshToken); err != nil {
			s.logger.Warn("Skipping token revoke, refresh token unreadable", zap.String("user_id", userID), zap.Error(err))
		} else if refreshToken != "" && !s.oauth.Revoke(ctx, refreshToken) {
			s.logger.Warn("Provider did not acknowledge token revoke", zap.String("user_id", userID))
		}

		if err := s.uow.Commit(ctx, &models.ChangeSet{UserID: userID, Link: &next}); err != nil {
			return fmt.Errorf("commit unlink: %w", err)
		}

		s.logger.Info("Tesla account unlinked", zap.String("user_id", userID), zap.String("account_id", next.ExternalAccountID))
		result = next
		return nil
	})
	return result, err
}

// Reactivate 重新启用已停用的关联
// 令牌在解除关联时已清除，需要重新授权才能同步车辆
func (s *LinkService) Reactivate(ctx context.Context, userID string) (models.AccountLink, error) {
	var result models.AccountLink
	err := s.withAccountLock(ctx, userID, func(user *models.User) error {
		result = user.Link
		next, err := user.Link.Reactivate()
		if err != nil {
			return err
		}

		if err := s.uow.Commit(ctx, &models.ChangeSet{UserID: userID, Link: &next}); err != nil {
			return fmt.Errorf("commit reactivate: %w", err)
		}
		result = next
		return nil
	})
	return result, err
}

// RefreshTokens 刷新访问令牌
func (s *LinkService) RefreshTokens(ctx context.Context, userID string) (models.AccountLink, error) {
	var result models.AccountLink
	err := s.withAccountLock(ctx, userID, func(user *models.User) error {
		var err error
		result, err = s.refreshLink(ctx, userID, user.Link)
		return err
	})
	return result, err
}

// Status 获取当前关联
func (s *LinkService) Status(ctx context.Context, userID string) (models.AccountLink, error) {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return models.AccountLink{}, fmt.Errorf("get user: %w", err)
	}
	return user.Link, nil
}

// Vehicles 获取当前关联账户拥有的车辆
func (s *LinkService) Vehicles(ctx context.Context, userID string) ([]*models.VehicleRecord, error) {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	if user.Link.ExternalAccountID == "" {
		return []*models.VehicleRecord{}, nil
	}

	vehicles, err := s.vehicles.ListByAccount(ctx, user.Link.ExternalAccountID)
	if err != nil {
		return nil, fmt.Errorf("list vehicles: %w", err)
	}
	if vehicles == nil {
		vehicles = []*models.VehicleRecord{}
	}
	return vehicles, nil
}

// Sync 同步用户的车辆，访问令牌即将过期时先刷新
func (s *LinkService) Sync(ctx context.Context, userID string) (int, error) {
	var changed int
	err := s.withAccountLock(ctx, userID, func(user *models.User) error {
		var err error
		changed, err = s.syncLocked(ctx, user)
		return err
	})
	return changed, err
}

// SyncAll 同步所有 active 关联，单个用户失败不影响其他用户
func (s *LinkService) SyncAll(ctx context.Context) (int, error) {
	users, err := s.users.ListLinked(ctx)
	if err != nil {
		return 0, fmt.Errorf("list linked users: %w", err)
	}

	total := 0
	for _, user := range users {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		changed, err := s.Sync(ctx, user.ID)
		if err != nil {
			s.logger.Error("Failed to sync vehicles", zap.String("user_id", user.ID), zap.Error(err))
			continue
		}
		total += changed
	}
	return total, nil
}

// syncLocked 调用方持有账户锁，user 为锁内读取的最新值
func (s *LinkService) syncLocked(ctx context.Context, user *models.User) (int, error) {
	link := user.Link
	if !link.Active {
		return 0, newLinkError(CodeNotLinked, state.ErrNoAccountLinked.Error())
	}

	if link.TokenExpired(time.Now(), tokenRefreshSkew) {
		refreshed, err := s.refreshLink(ctx, user.ID, link)
		if err != nil {
			return 0, err
		}
		link = refreshed
	}

	return s.reconcileLocked(ctx, user.ID, link)
}

// reconcileLocked 调用方持有账户锁
func (s *LinkService) reconcileLocked(ctx context.Context, userID string, link models.AccountLink) (int, error) {
	changed, err := s.reconciler.Reconcile(ctx, userID, link)
	if err != nil {
		return 0, err
	}
	if s.notifier != nil {
		s.notifier.NotifyVehiclesSynced(userID, changed)
	}
	return changed, nil
}

// withAccountLock 在外部账户锁内重新读取用户并执行 fn
// 关联的修改和同步都经过这里，锁内看到的关联总是最新提交的值
func (s *LinkService) withAccountLock(ctx context.Context, userID string, fn func(user *models.User) error) error {
	for {
		user, err := s.users.GetByID(ctx, userID)
		if err != nil {
			return fmt.Errorf("get user: %w", err)
		}

		mu := s.accountLock(user.Link.ExternalAccountID)
		mu.Lock()

		current, err := s.users.GetByID(ctx, userID)
		if err != nil {
			mu.Unlock()
			return fmt.Errorf("get user: %w", err)
		}
		// 两次读取之间关联切换了账户，换锁重试
		if current.Link.ExternalAccountID != user.Link.ExternalAccountID {
			mu.Unlock()
			continue
		}

		err = fn(current)
		mu.Unlock()
		return err
	}
}

func (s *LinkService) refreshLink(ctx context.Context, userID string, link models.AccountLink) (models.AccountLink, error) {
	if !link.Active {
		return link, state.ErrNotActive
	}

	refreshToken, err := s.cipher.Decrypt(link.EncryptedRefreshToken)
	if err != nil {
		return link, fmt.Errorf("decrypt refresh token: %w", err)
	}
	if refreshToken == "" {
		return link, newLinkError(CodeRefreshFailed, "no refresh token available")
	}

	tokens := s.oauth.Refresh(ctx, refreshToken)
	if tokens == nil {
		return link, newLinkError(CodeRefreshFailed, "failed to refresh tokens")
	}

	encAccess, encRefresh, err := s.encryptTokens(tokens.AccessToken, tokens.RefreshToken)
	if err != nil {
		return link, err
	}
	next, err := link.UpdateTokens(encAccess, encRefresh, tokens.Expiry)
	if err != nil {
		return link, err
	}

	if err := s.uow.Commit(ctx, &models.ChangeSet{UserID: userID, Link: &next}); err != nil {
		return link, fmt.Errorf("commit refreshed tokens: %w", err)
	}

	s.logger.Info("Tesla tokens refreshed", zap.String("user_id", userID), zap.Time("expires_at", tokens.Expiry))
	return next, nil
}

func (s *LinkService) encryptTokens(access, refresh string) (string, string, error) {
	encAccess, err := s.cipher.Encrypt(access)
	if err != nil {
		return "", "", fmt.Errorf("encrypt access token: %w", err)
	}
	encRefresh, err := s.cipher.Encrypt(refresh)
	if err != nil {
		return "", "", fmt.Errorf("encrypt refresh token: %w", err)
	}
	return encAccess, encRefresh, nil
}

func (s *LinkService) accountLock(accountID string) *sync.Mutex {
	mu, _ := s.syncLocks.LoadOrStore(accountID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// IsLinkError 判断是否为面向用户的关联错误
func IsLinkError(err error) (*LinkError, bool) {
	var linkErr *LinkError
	if errors.As(err, &linkErr) {
		return linkErr, true
	}
	return nil, false
}
