package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/langchou/teslink/internal/models"
)

// UnitOfWork 将一次关联或同步操作的所有变更在同一事务中提交
type UnitOfWork struct {
	db *DB
}

// NewUnitOfWork 创建工作单元
func NewUnitOfWork(db *DB) *UnitOfWork {
	return &UnitOfWork{db: db}
}

// Commit 原子提交变更集，任一步失败则全部回滚
func (u *UnitOfWork) Commit(ctx context.Context, cs *models.ChangeSet) error {
	if cs == nil || cs.Empty() {
		return nil
	}

	return u.db.InTx(ctx, func(tx pgx.Tx) error {
		if cs.Identity != nil {
			if err := insertIdentity(ctx, tx, cs.Identity); err != nil {
				return err
			}
		}
		if cs.Link != nil {
			if err := upsertLink(ctx, tx, cs.UserID, cs.Link); err != nil {
				return err
			}
		}
		if cs.Synced != nil {
			if err := touchLinkSynced(ctx, tx, cs.UserID, cs.Synced); err != nil {
				return err
			}
		}
		for _, v := range cs.CreatedVehicles {
			if err := insertVehicle(ctx, tx, v); err != nil {
				return err
			}
		}
		for _, v := range cs.UpdatedVehicles {
			if err := updateVehicle(ctx, tx, v); err != nil {
				return err
			}
		}
		return nil
	})
}

func insertIdentity(ctx context.Context, tx pgx.Tx, identity *models.ExternalIdentity) error {
	query := `
		INSERT INTO external_identities (id, user_id, provider, subject, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id, provider, subject) DO NOTHING
	`
	_, err := tx.Exec(ctx, query,
		identity.ID,
		identity.UserID,
		identity.Provider,
		identity.Subject,
		identity.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert external identity: %w", err)
	}
	return nil
}

func upsertLink(ctx context.Context, tx pgx.Tx, userID string, link *models.AccountLink) error {
	query := `
		INSERT INTO account_links (user_id, external_account_id, active, access_token, refresh_token,
			token_expires_at, linked_at, last_synced_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (user_id, external_account_id) DO UPDATE SET
			active = EXCLUDED.active,
			access_token = EXCLUDED.access_token,
			refresh_token = EXCLUDED.refresh_token,
			token_expires_at = EXCLUDED.token_expires_at,
			linked_at = EXCLUDED.linked_at,
			last_synced_at = EXCLUDED.last_synced_at,
			updated_at = EXCLUDED.updated_at
	`
	_, err := tx.Exec(ctx, query,
		userID,
		link.ExternalAccountID,
		link.Active,
		nullString(link.EncryptedAccessToken),
		nullString(link.EncryptedRefreshToken),
		nullTime(link.TokenExpiresAt),
		link.LinkedAt,
		nullTime(link.LastSyncedAt),
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("upsert account link: %w", err)
	}
	return nil
}

// touchLinkSynced 仅更新 active 关联的同步时间，关联已变化时不影响任何行
func touchLinkSynced(ctx context.Context, tx pgx.Tx, userID string, sync *models.LinkSync) error {
	query := `
		UPDATE account_links SET last_synced_at = $1
		WHERE user_id = $2 AND external_account_id = $3 AND active
	`
	if _, err := tx.Exec(ctx, query, sync.SyncedAt, userID, sync.AccountID); err != nil {
		return fmt.Errorf("update link sync time: %w", err)
	}
	return nil
}

func insertVehicle(ctx context.Context, tx pgx.Tx, v *models.VehicleRecord) error {
	query := `
		INSERT INTO vehicles (id, account_id, vehicle_id, display_name, active, linked_at, last_synced_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := tx.Exec(ctx, query,
		v.ID,
		v.AccountID,
		v.VehicleID,
		v.DisplayName,
		v.Active,
		v.LinkedAt,
		v.LastSyncedAt,
	)
	if err != nil {
		return fmt.Errorf("insert vehicle %s: %w", v.VehicleID, err)
	}
	return nil
}

// updateVehicle 仅更新属于该账户的记录
func updateVehicle(ctx context.Context, tx pgx.Tx, v *models.VehicleRecord) error {
	query := `
		UPDATE vehicles SET display_name = $1, last_synced_at = $2
		WHERE id = $3 AND account_id = $4
	`
	tag, err := tx.Exec(ctx, query, v.DisplayName, v.LastSyncedAt, v.ID, v.AccountID)
	if err != nil {
		return fmt.Errorf("update vehicle %s: %w", v.VehicleID, err)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("update vehicle %s: %w", v.VehicleID, ErrNotFound)
	}
	return nil
}
