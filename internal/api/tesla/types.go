package tesla

// Vehicle 车辆列表中的车辆
// 字段匹配不区分大小写，缺失的文本字段解码为空字符串
type Vehicle struct {
	ID          int64  `json:"id"`
	VehicleID   int64  `json:"vehicle_id"`
	VIN         string `json:"vin"`
	DisplayName string `json:"display_name"`
	State       string `json:"state"` // online, asleep, offline
}

// vehicleListResponse 车辆列表响应
type vehicleListResponse struct {
	Response []Vehicle `json:"response"`
	Count    int       `json:"count"`
	Error    string    `json:"error,omitempty"`
}
