package domain

import "time"

// BindingStatus 模拟器绑定状态
type BindingStatus string

const (
	BindingStatusNone     BindingStatus = "NONE"
	BindingStatusCreating BindingStatus = "CREATING"
	BindingStatusStarting BindingStatus = "STARTING"
	BindingStatusRunning  BindingStatus = "RUNNING"
	BindingStatusStopping BindingStatus = "STOPPING"
	BindingStatusStopped  BindingStatus = "STOPPED"
	BindingStatusError    BindingStatus = "ERROR"
)

// IsTerminal STOPPED 与 ERROR 为终态
func (s BindingStatus) IsTerminal() bool {
	return s == BindingStatusStopped || s == BindingStatusError
}

// ActiveBindingStatuses 所有非终态
var ActiveBindingStatuses = []BindingStatus{
	BindingStatusNone,
	BindingStatusCreating,
	BindingStatusStarting,
	BindingStatusRunning,
	BindingStatusStopping,
}

// SimulatorBinding 会话与模拟器进程的绑定，每个会话同一时刻至多一个非终态绑定
type SimulatorBinding struct {
	SimulatorID string `json:"simulator_id"`
	SessionID   string `json:"session_id"`
	UserID      string `json:"user_id"`
	// Endpoint/PodName/Namespace 仅由编排注册步骤写入，由优雅下线清理
	Endpoint     string        `json:"endpoint"`
	PodName      string        `json:"pod_name"`
	Namespace    string        `json:"namespace"`
	HostIdentity string        `json:"host_identity"`
	Status       BindingStatus `json:"status"`
	ErrorReason  string        `json:"error_reason,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	LastActive   time.Time     `json:"last_active"`
}

// Location 返回用于连接的定位信息
func (b *SimulatorBinding) Location() *BindingLocation {
	return &BindingLocation{
		SimulatorID: b.SimulatorID,
		SessionID:   b.SessionID,
		UserID:      b.UserID,
		Endpoint:    b.Endpoint,
		PodName:     b.PodName,
		Status:      b.Status,
	}
}

// BindingLocation 模拟器定位信息，来自持久化的绑定记录
type BindingLocation struct {
	SimulatorID string
	SessionID   string
	UserID      string
	Endpoint    string
	PodName     string
	Status      BindingStatus
}

// ConnectionStatus 模拟器连接状态通知
type ConnectionStatus string

const (
	ConnectionConnecting   ConnectionStatus = "CONNECTING"
	ConnectionConnected    ConnectionStatus = "CONNECTED"
	ConnectionDisconnected ConnectionStatus = "DISCONNECTED"
)

// StatusNotifier 连接状态回调
type StatusNotifier func(sessionID string, status ConnectionStatus)
