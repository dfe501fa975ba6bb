// Package domain 会话网关的领域模型：交易会话、模拟器绑定、推送更新与外部协作者接口
package domain

import (
	"time"

	"github.com/google/uuid"
)

// SessionStatus 会话状态
type SessionStatus string

const (
	SessionStatusActive   SessionStatus = "ACTIVE"
	SessionStatusInactive SessionStatus = "INACTIVE"
	SessionStatusExpired  SessionStatus = "EXPIRED"
)

// TransportKind 推送通道类型
type TransportKind string

const (
	TransportWebSocket TransportKind = "ws"
	TransportSSE       TransportKind = "sse"
)

// Session 交易会话实体
type Session struct {
	// SessionID 会话唯一标识
	SessionID string `json:"session_id"`
	// UserID 所属用户
	UserID    string    `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
	// LastActive 最近活跃时间，只增不减
	LastActive time.Time `json:"last_active"`
	ExpiresAt  time.Time `json:"expires_at"`
	// HostIdentity 当前持有该会话的实例
	HostIdentity string `json:"host_identity"`
	// HostTerminating 持有实例正在下线
	HostTerminating bool `json:"host_terminating"`
	// 最近一次 WebSocket / SSE 活动
	LastWSConnection  *time.Time    `json:"last_ws_connection,omitempty"`
	LastSSEConnection *time.Time    `json:"last_sse_connection,omitempty"`
	Status            SessionStatus `json:"status"`
}

// NewSession 创建新的活跃会话
func NewSession(userID, host string, ttl time.Duration, now time.Time) *Session {
	return &Session{
		SessionID:    uuid.NewString(),
		UserID:       userID,
		CreatedAt:    now,
		LastActive:   now,
		ExpiresAt:    now.Add(ttl),
		HostIdentity: host,
		Status:       SessionStatusActive,
	}
}

// IsActive 会话处于 ACTIVE 且未过期
func (s *Session) IsActive(now time.Time) bool {
	return s.Status == SessionStatusActive && now.Before(s.ExpiresAt)
}

// LastTransportActivity 返回最近一次推送通道活动时间，从未连接过时返回 nil
func (s *Session) LastTransportActivity() *time.Time {
	switch {
	case s.LastWSConnection == nil:
		return s.LastSSEConnection
	case s.LastSSEConnection == nil:
		return s.LastWSConnection
	case s.LastSSEConnection.After(*s.LastWSConnection):
		return s.LastSSEConnection
	default:
		return s.LastWSConnection
	}
}

// IsZombie 判断会话是否为僵尸会话：
// 仍为 ACTIVE，创建时间超过宽限期，且在心跳窗口内没有任何推送通道活动
func (s *Session) IsZombie(now time.Time, heartbeatWindow, grace time.Duration) bool {
	if s.Status != SessionStatusActive {
		return false
	}
	if now.Sub(s.CreatedAt) <= grace {
		return false
	}
	last := s.LastTransportActivity()
	if last == nil {
		return true
	}
	return now.Sub(*last) > heartbeatWindow
}

// Touch 更新活跃时间，时间戳只前进
func (s *Session) Touch(at time.Time) {
	if at.After(s.LastActive) {
		s.LastActive = at
	}
}
