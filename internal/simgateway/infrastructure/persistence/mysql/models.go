package mysql

import (
	"time"

	"github.com/wyfcoding/simgateway/internal/simgateway/domain"
	"gorm.io/gorm"
)

// SessionModel 交易会话数据库模型
type SessionModel struct {
	gorm.Model
	SessionID string `gorm:"column:session_id;type:varchar(36);uniqueIndex;not null"`
	UserID    string `gorm:"column:user_id;type:varchar(64);index;not null"`
	// ActiveUserKey 仅 ACTIVE 时等于 user_id，唯一索引保证每个用户至多一个活跃会话
	ActiveUserKey     *string    `gorm:"column:active_user_key;type:varchar(64);uniqueIndex"`
	LastActive        time.Time  `gorm:"column:last_active;not null"`
	ExpiresAt         time.Time  `gorm:"column:expires_at;index;not null"`
	EndedAt           *time.Time `gorm:"column:ended_at"`
	HostIdentity      string     `gorm:"column:host_identity;type:varchar(128);index"`
	HostTerminating   bool       `gorm:"column:host_terminating;default:false"`
	LastWSConnection  *time.Time `gorm:"column:last_ws_connection"`
	LastSSEConnection *time.Time `gorm:"column:last_sse_connection"`
	Status            string     `gorm:"column:status;type:varchar(16);index;not null"`
}

func (SessionModel) TableName() string { return "trading_sessions" }

// BindingModel 模拟器绑定数据库模型
type BindingModel struct {
	gorm.Model
	SimulatorID string `gorm:"column:simulator_id;type:varchar(32);uniqueIndex;not null"`
	SessionID   string `gorm:"column:session_id;type:varchar(36);index;not null"`
	UserID      string `gorm:"column:user_id;type:varchar(64);index;not null"`
	// ActiveSessionKey 非终态时等于 session_id，唯一索引保证每个会话至多一个未终止的模拟器
	ActiveSessionKey *string   `gorm:"column:active_session_key;type:varchar(36);uniqueIndex"`
	Endpoint         string    `gorm:"column:endpoint;type:varchar(255)"`
	PodName          string    `gorm:"column:pod_name;type:varchar(128)"`
	Namespace        string    `gorm:"column:namespace;type:varchar(64)"`
	HostIdentity     string    `gorm:"column:host_identity;type:varchar(128);index"`
	Status           string    `gorm:"column:status;type:varchar(16);index;not null"`
	ErrorReason      string    `gorm:"column:error_reason;type:varchar(512)"`
	LastActive       time.Time `gorm:"column:last_active;index;not null"`
}

func (BindingModel) TableName() string { return "simulator_bindings" }

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := *t
	return &u
}

func toSessionModel(s *domain.Session) *SessionModel {
	m := &SessionModel{
		Model:             gorm.Model{CreatedAt: s.CreatedAt.UTC()},
		SessionID:         s.SessionID,
		UserID:            s.UserID,
		LastActive:        s.LastActive.UTC(),
		ExpiresAt:         s.ExpiresAt.UTC(),
		HostIdentity:      s.HostIdentity,
		HostTerminating:   s.HostTerminating,
		LastWSConnection:  utcPtr(s.LastWSConnection),
		LastSSEConnection: utcPtr(s.LastSSEConnection),
		Status:            string(s.Status),
	}
	if s.Status == domain.SessionStatusActive {
		key := s.UserID
		m.ActiveUserKey = &key
	}
	return m
}

func toSession(m *SessionModel) *domain.Session {
	return &domain.Session{
		SessionID:         m.SessionID,
		UserID:            m.UserID,
		CreatedAt:         m.CreatedAt,
		LastActive:        m.LastActive,
		ExpiresAt:         m.ExpiresAt,
		HostIdentity:      m.HostIdentity,
		HostTerminating:   m.HostTerminating,
		LastWSConnection:  cloneTime(m.LastWSConnection),
		LastSSEConnection: cloneTime(m.LastSSEConnection),
		Status:            domain.SessionStatus(m.Status),
	}
}

func toBindingModel(b *domain.SimulatorBinding) *BindingModel {
	m := &BindingModel{
		Model:        gorm.Model{CreatedAt: b.CreatedAt.UTC()},
		SimulatorID:  b.SimulatorID,
		SessionID:    b.SessionID,
		UserID:       b.UserID,
		Endpoint:     b.Endpoint,
		PodName:      b.PodName,
		Namespace:    b.Namespace,
		HostIdentity: b.HostIdentity,
		Status:       string(b.Status),
		ErrorReason:  b.ErrorReason,
		LastActive:   b.LastActive.UTC(),
	}
	if !b.Status.IsTerminal() {
		key := b.SessionID
		m.ActiveSessionKey = &key
	}
	return m
}

func toBinding(m *BindingModel) *domain.SimulatorBinding {
	return &domain.SimulatorBinding{
		SimulatorID:  m.SimulatorID,
		SessionID:    m.SessionID,
		UserID:       m.UserID,
		Endpoint:     m.Endpoint,
		PodName:      m.PodName,
		Namespace:    m.Namespace,
		HostIdentity: m.HostIdentity,
		Status:       domain.BindingStatus(m.Status),
		ErrorReason:  m.ErrorReason,
		CreatedAt:    m.CreatedAt,
		LastActive:   m.LastActive,
	}
}
