package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/langchou/teslink/internal/models"
)

// VehicleRepository 车辆数据仓库
type VehicleRepository struct {
	db *DB
}

// NewVehicleRepository 创建车辆仓库
func NewVehicleRepository(db *DB) *VehicleRepository {
	return &VehicleRepository{db: db}
}

const selectVehicleColumns = `
	SELECT id, account_id, vehicle_id, display_name, active, linked_at, last_synced_at FROM vehicles
`

// FindByVehicleID 获取所有账户下该 VIN 的车辆记录
func (r *VehicleRepository) FindByVehicleID(ctx context.Context, vehicleID string) ([]*models.VehicleRecord, error) {
	rows, err := r.db.Pool.Query(ctx, selectVehicleColumns+` WHERE vehicle_id = $1 ORDER BY linked_at`, vehicleID)
	if err != nil {
		return nil, fmt.Errorf("find vehicles by vehicle_id: %w", err)
	}
	return scanVehicles(rows)
}

// ListByAccount 获取外部账户拥有的车辆
func (r *VehicleRepository) ListByAccount(ctx context.Context, accountID string) ([]*models.VehicleRecord, error) {
	rows, err := r.db.Pool.Query(ctx, selectVehicleColumns+` WHERE account_id = $1 ORDER BY linked_at`, accountID)
	if err != nil {
		return nil, fmt.Errorf("list vehicles by account: %w", err)
	}
	return scanVehicles(rows)
}

func scanVehicles(rows pgx.Rows) ([]*models.VehicleRecord, error) {
	defer rows.Close()

	var vehicles []*models.VehicleRecord
	for rows.Next() {
		v := &models.VehicleRecord{}
		err := rows.Scan(
			&v.ID,
			&v.AccountID,
			&v.VehicleID,
			&v.DisplayName,
			&v.Active,
			&v.LinkedAt,
			&v.LastSyncedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan vehicle: %w", err)
		}
		vehicles = append(vehicles, v)
	}

	return vehicles, rows.Err()
}
