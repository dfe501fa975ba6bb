package domain

import "time"

// UpdateKind 推送数据类别
type UpdateKind string

const (
	UpdateKindMarket    UpdateKind = "market"
	UpdateKindPortfolio UpdateKind = "portfolio"
	UpdateKindOrder     UpdateKind = "order"
	UpdateKindStatus    UpdateKind = "status"
)

// Update 模拟器推送的一条数据
type Update struct {
	SessionID string
	Kind      UpdateKind
	// Symbol 行情类更新对应的标的，其他类别为空
	Symbol    string
	Payload   map[string]any
	Timestamp time.Time
	// SimulatorStatus 状态类更新携带的模拟器状态
	SimulatorStatus BindingStatus
}

// Terminal 该更新是否表示模拟器已终止
func (u *Update) Terminal() bool {
	return u.Kind == UpdateKindStatus && u.SimulatorStatus.IsTerminal()
}
