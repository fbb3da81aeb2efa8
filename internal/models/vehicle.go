package models

import "time"

// VehicleRecord 本地车辆记录
// (AccountID, VehicleID) 唯一，同一 VIN 可以出现在多个外部账户下
type VehicleRecord struct {
	ID           string    `json:"id" db:"id"`
	AccountID    string    `json:"account_id" db:"account_id"`
	VehicleID    string    `json:"vehicle_id" db:"vehicle_id"`
	DisplayName  *string   `json:"display_name,omitempty" db:"display_name"`
	Active       bool      `json:"active" db:"active"`
	LinkedAt     time.Time `json:"linked_at" db:"linked_at"`
	LastSyncedAt time.Time `json:"last_synced_at" db:"last_synced_at"`
}

// LinkSync 只更新关联的最近同步时间
// 关联已停用或已切换到其他账户时不生效
type LinkSync struct {
	AccountID string
	SyncedAt  time.Time
}

// ChangeSet 一次原子提交包含的所有变更
type ChangeSet struct {
	UserID          string
	Link            *AccountLink
	Synced          *LinkSync
	Identity        *ExternalIdentity
	CreatedVehicles []*VehicleRecord
	UpdatedVehicles []*VehicleRecord
}

// Empty 是否没有任何变更
func (c *ChangeSet) Empty() bool {
	return c.Link == nil && c.Synced == nil && c.Identity == nil &&
		len(c.CreatedVehicles) == 0 && len(c.UpdatedVehicles) == 0
}
