package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/langchou/teslink/internal/models"
)

// VehicleReconciler 将外部车辆列表合并到账户拥有的本地记录
// 只增不删: 本次拉取中缺失的本地车辆保持不变
// 同一账户的并发调用需要由调用方串行化
type VehicleReconciler struct {
	logger   *zap.Logger
	lister   VehicleLister
	vehicles VehicleStore
	uow      UnitOfWork
	cipher   TokenCipher
	now      func() time.Time
}

// NewVehicleReconciler 创建车辆同步器
func NewVehicleReconciler(
	logger *zap.Logger,
	lister VehicleLister,
	vehicles VehicleStore,
	uow UnitOfWork,
	cipher TokenCipher,
) *VehicleReconciler {
	return &VehicleReconciler{
		logger:   logger,
		lister:   lister,
		vehicles: vehicles,
		uow:      uow,
		cipher:   cipher,
		now:      time.Now,
	}
}

// Reconcile 同步一个外部账户的车辆，返回新建和更新的记录数
// VIN 已被其他账户持有时为本账户新建独立记录，计入新建数
// 拉取失败直接返回错误，由调用方决定是否致命
func (r *VehicleReconciler) Reconcile(ctx context.Context, userID string, link models.AccountLink) (int, error) {
	if !link.Active || !link.HasAccessToken() {
		return 0, nil
	}

	accessToken, err := r.cipher.Decrypt(link.EncryptedAccessToken)
	if err != nil {
		return 0, fmt.Errorf("decrypt access token: %w", err)
	}

	vehicles, err := r.lister.ListVehicles(ctx, accessToken)
	if err != nil {
		return 0, fmt.Errorf("list vehicles from tesla: %w", err)
	}

	now := r.now().UTC()
	accountID := link.ExternalAccountID
	// 只写同步时间，不回写整个关联
	cs := &models.ChangeSet{UserID: userID, Synced: &models.LinkSync{AccountID: accountID, SyncedAt: now}}

	seen := make(map[string]bool, len(vehicles))
	for _, v := range vehicles {
		vehicleID := strings.TrimSpace(v.VIN)
		if vehicleID == "" {
			r.logger.Warn("Skipping vehicle without VIN", zap.Int64("tesla_id", v.ID), zap.String("account_id", accountID))
			continue
		}
		if seen[vehicleID] {
			continue
		}
		seen[vehicleID] = true

		existing, err := r.vehicles.FindByVehicleID(ctx, vehicleID)
		if err != nil {
			return 0, fmt.Errorf("find vehicle %s: %w", vehicleID, err)
		}

		displayName := normalizeDisplayName(v.DisplayName)

		if owned := ownedBy(existing, accountID); owned != nil {
			updated := *owned
			updated.DisplayName = displayName
			updated.LastSyncedAt = now
			cs.UpdatedVehicles = append(cs.UpdatedVehicles, &updated)
			continue
		}

		if len(existing) > 0 {
			// 其他账户的记录只读，不合并
			r.logger.Info("Vehicle already owned by another account",
				zap.String("vin", vehicleID),
				zap.String("account_id", accountID),
				zap.Int("other_owners", len(existing)),
			)
		}

		cs.CreatedVehicles = append(cs.CreatedVehicles, &models.VehicleRecord{
			ID:           uuid.NewString(),
			AccountID:    accountID,
			VehicleID:    vehicleID,
			DisplayName:  displayName,
			Active:       true,
			LinkedAt:     now,
			LastSyncedAt: now,
		})
	}

	// 取消后不提交
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	if err := r.uow.Commit(ctx, cs); err != nil {
		return 0, fmt.Errorf("commit vehicle sync: %w", err)
	}

	changed := len(cs.CreatedVehicles) + len(cs.UpdatedVehicles)
	r.logger.Info("Synced vehicles",
		zap.String("user_id", userID),
		zap.String("account_id", accountID),
		zap.Int("created", len(cs.CreatedVehicles)),
		zap.Int("updated", len(cs.UpdatedVehicles)),
	)
	return changed, nil
}

// normalizeDisplayName 空名称存为 nil
func normalizeDisplayName(name string) *string {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil
	}
	return &name
}

func ownedBy(records []*models.VehicleRecord, accountID string) *models.VehicleRecord {
	for _, rec := range records {
		if rec.AccountID == accountID {
			return rec
		}
	}
	return nil
}
