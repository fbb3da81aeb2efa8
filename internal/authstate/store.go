package authstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// DefaultTTL OAuth state 有效期
const DefaultTTL = 10 * time.Minute

// evictionGrace 缓存条目比逻辑 TTL 多保留的时间
// 宽限期内消费结果为 Expired，之后条目已被淘汰，结果为 Missing
const evictionGrace = time.Minute

// ErrOwnerRequired 签发 state 时缺少用户 ID
var ErrOwnerRequired = errors.New("state owner is required")

// Outcome 消费 state 的结果
type Outcome int

const (
	Missing Outcome = iota
	OwnerMismatch
	Expired
	OK
)

func (o Outcome) String() string {
	switch o {
	case Missing:
		return "missing"
	case OwnerMismatch:
		return "owner_mismatch"
	case Expired:
		return "expired"
	case OK:
		return "ok"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Entry 缓存中的 state 条目，不做持久化
type Entry struct {
	Token     string    `json:"token"`
	OwnerID   string    `json:"owner_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Cache 支持 TTL 的缓存抽象
// GetDel 必须是原子的读取并删除
type Cache interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	GetDel(ctx context.Context, key string) ([]byte, bool, error)
}

// Store OAuth 授权 state 存储 (CSRF 防护)
type Store struct {
	cache    Cache
	ttl      time.Duration
	generate func() (string, error)
	now      func() time.Time
	logger   *zap.Logger
}

// NewStore 创建 state 存储
// generate 生成不透明的随机 state
func NewStore(cache Cache, ttl time.Duration, generate func() (string, error), logger *zap.Logger) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{
		cache:    cache,
		ttl:      ttl,
		generate: generate,
		now:      time.Now,
		logger:   logger,
	}
}

// Issue 为用户签发新的 state
func (s *Store) Issue(ctx context.Context, ownerID string) (string, error) {
	if strings.TrimSpace(ownerID) == "" {
		return "", ErrOwnerRequired
	}

	token, err := s.generate()
	if err != nil {
		return "", fmt.Errorf("generate state: %w", err)
	}

	data, err := json.Marshal(Entry{
		Token:     token,
		OwnerID:   ownerID,
		CreatedAt: s.now().UTC(),
	})
	if err != nil {
		return "", fmt.Errorf("marshal state entry: %w", err)
	}

	if err := s.cache.Set(ctx, token, data, s.ttl+evictionGrace); err != nil {
		return "", fmt.Errorf("store state: %w", err)
	}

	return token, nil
}

// Consume 消费 state
// 任何一次消费尝试都会使条目失效，包括用户不匹配和已过期的情况
func (s *Store) Consume(ctx context.Context, token, claimedOwnerID string) (Outcome, error) {
	if token == "" {
		return Missing, nil
	}

	data, ok, err := s.cache.GetDel(ctx, token)
	if err != nil {
		return Missing, fmt.Errorf("consume state: %w", err)
	}
	if !ok {
		return Missing, nil
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		s.logger.Warn("Discarding unreadable state entry", zap.Error(err))
		return Missing, nil
	}

	if entry.OwnerID != claimedOwnerID {
		s.logger.Warn("State owner mismatch",
			zap.String("owner_id", entry.OwnerID),
			zap.String("claimed_owner_id", claimedOwnerID),
		)
		return OwnerMismatch, nil
	}

	if s.now().Sub(entry.CreatedAt) > s.ttl {
		s.logger.Info("State expired", zap.String("owner_id", entry.OwnerID), zap.Time("created_at", entry.CreatedAt))
		return Expired, nil
	}

	return OK, nil
}
