package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/langchou/teslink/internal/models"
)

// UserRepository 用户数据仓库 (含当前账户关联)
type UserRepository struct {
	db *DB
}

// NewUserRepository 创建用户仓库
func NewUserRepository(db *DB) *UserRepository {
	return &UserRepository{db: db}
}

const selectLinkColumns = `
	external_account_id, active, access_token, refresh_token, token_expires_at, linked_at, last_synced_at
`

// GetByID 通过 ID 获取用户及其当前关联
// 当前关联优先取 active 记录，否则取最近一次关联
func (r *UserRepository) GetByID(ctx context.Context, id string) (*models.User, error) {
	user := &models.User{}
	var email *string
	err := r.db.Pool.QueryRow(ctx,
		`SELECT id, email, created_at, updated_at FROM users WHERE id = $1`, id,
	).Scan(&user.ID, &email, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get user by id: %w", err)
	}
	user.Email = fromNullString(email)

	query := `SELECT ` + selectLinkColumns + `
		FROM account_links WHERE user_id = $1
		ORDER BY active DESC, linked_at DESC LIMIT 1`
	link, err := scanLink(r.db.Pool.QueryRow(ctx, query, id))
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("get account link: %w", err)
	}
	user.Link = link

	return user, nil
}

// ListLinked 获取所有拥有 active 关联的用户
func (r *UserRepository) ListLinked(ctx context.Context) ([]*models.User, error) {
	query := `
		SELECT u.id, u.email, u.created_at, u.updated_at,
			l.external_account_id, l.active, l.access_token, l.refresh_token,
			l.token_expires_at, l.linked_at, l.last_synced_at
		FROM users u JOIN account_links l ON l.user_id = u.id AND l.active
		ORDER BY u.id
	`
	rows, err := r.db.Pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list linked users: %w", err)
	}
	defer rows.Close()

	var users []*models.User
	for rows.Next() {
		user := &models.User{}
		var (
			email                   *string
			access, refresh         *string
			expiresAt, lastSyncedAt *time.Time
		)
		err := rows.Scan(
			&user.ID,
			&email,
			&user.CreatedAt,
			&user.UpdatedAt,
			&user.Link.ExternalAccountID,
			&user.Link.Active,
			&access,
			&refresh,
			&expiresAt,
			&user.Link.LinkedAt,
			&lastSyncedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan linked user: %w", err)
		}
		user.Email = fromNullString(email)
		user.Link.EncryptedAccessToken = fromNullString(access)
		user.Link.EncryptedRefreshToken = fromNullString(refresh)
		user.Link.TokenExpiresAt = fromNullTime(expiresAt)
		user.Link.LastSyncedAt = fromNullTime(lastSyncedAt)
		users = append(users, user)
	}

	return users, rows.Err()
}

func scanLink(row pgx.Row) (models.AccountLink, error) {
	var (
		link                    models.AccountLink
		access, refresh         *string
		expiresAt, lastSyncedAt *time.Time
	)
	err := row.Scan(
		&link.ExternalAccountID,
		&link.Active,
		&access,
		&refresh,
		&expiresAt,
		&link.LinkedAt,
		&lastSyncedAt,
	)
	if err != nil {
		return models.AccountLink{}, err
	}

	link.EncryptedAccessToken = fromNullString(access)
	link.EncryptedRefreshToken = fromNullString(refresh)
	link.TokenExpiresAt = fromNullTime(expiresAt)
	link.LinkedAt = link.LinkedAt.UTC()
	link.LastSyncedAt = fromNullTime(lastSyncedAt)
	return link, nil
}
