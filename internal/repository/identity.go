package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/langchou/teslink/internal/models"
)

// IdentityRepository 外部身份数据仓库
type IdentityRepository struct {
	db *DB
}

// NewIdentityRepository 创建外部身份仓库
func NewIdentityRepository(db *DB) *IdentityRepository {
	return &IdentityRepository{db: db}
}

// Get 获取用户在身份提供方下的指定 subject，不存在时返回 nil
func (r *IdentityRepository) Get(ctx context.Context, userID, provider, subject string) (*models.ExternalIdentity, error) {
	query := `
		SELECT id, user_id, provider, subject, created_at
		FROM external_identities WHERE user_id = $1 AND provider = $2 AND subject = $3
	`
	identity := &models.ExternalIdentity{}
	err := r.db.Pool.QueryRow(ctx, query, userID, provider, subject).Scan(
		&identity.ID,
		&identity.UserID,
		&identity.Provider,
		&identity.Subject,
		&identity.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get external identity: %w", err)
	}
	return identity, nil
}
