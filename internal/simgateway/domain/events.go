package domain

import "time"

const (
	SessionCreatedEventType     = "simgateway.session.created"
	SessionEndedEventType       = "simgateway.session.ended"
	SessionExpiredEventType     = "simgateway.session.expired"
	SimulatorStartedEventType   = "simgateway.simulator.started"
	SimulatorStoppedEventType   = "simgateway.simulator.stopped"
	SimulatorUnhealthyEventType = "simgateway.simulator.unhealthy"
)

// SessionEvent 会话生命周期事件
type SessionEvent struct {
	SessionID string    `json:"session_id"`
	UserID    string    `json:"user_id"`
	Reason    string    `json:"reason,omitempty"`
	Host      string    `json:"host"`
	Timestamp time.Time `json:"timestamp"`
}

// SimulatorEvent 模拟器生命周期事件
type SimulatorEvent struct {
	SimulatorID string    `json:"simulator_id"`
	SessionID   string    `json:"session_id"`
	UserID      string    `json:"user_id"`
	Endpoint    string    `json:"endpoint,omitempty"`
	Status      string    `json:"status"`
	Reason      string    `json:"reason,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}
