package domain

import (
	"context"
	"time"
)

// SessionRepository 会话仓储接口
type SessionRepository interface {
	// CreateIfAbsent 用户已有 ACTIVE 会话时返回已有会话且 created=false，否则原子创建
	CreateIfAbsent(ctx context.Context, s *Session) (session *Session, created bool, err error)
	// Get 获取会话，不存在返回 ErrSessionNotFound
	Get(ctx context.Context, sessionID string) (*Session, error)
	// Touch 推进最近活跃时间（取较大值）
	Touch(ctx context.Context, sessionID string, at time.Time) error
	// RecordTransport 记录推送通道活动
	RecordTransport(ctx context.Context, sessionID string, kind TransportKind, at time.Time) error
	// Claim 将会话归属到指定实例并清除下线标记
	Claim(ctx context.Context, sessionID, host string) error
	// UpdateStatus 更新会话状态
	UpdateStatus(ctx context.Context, sessionID string, status SessionStatus) error
	// ListOverdue 列出已超过 expires_at 的 ACTIVE 会话
	ListOverdue(ctx context.Context, now time.Time) ([]*Session, error)
	// ExpireOverdue 批量将超期 ACTIVE 会话置为 EXPIRED
	ExpireOverdue(ctx context.Context, now time.Time) (int64, error)
	// ListActive 列出所有 ACTIVE 会话
	ListActive(ctx context.Context) ([]*Session, error)
	// MarkHostTerminating 标记某实例持有的 ACTIVE 会话为下线中
	MarkHostTerminating(ctx context.Context, host string) (int64, error)
	// DeleteEndedBefore 物理删除早于 before 结束的 EXPIRED/INACTIVE 会话
	DeleteEndedBefore(ctx context.Context, before time.Time) (int64, error)
}

// BindingRepository 模拟器绑定仓储接口
type BindingRepository interface {
	// Create 原子创建绑定，会话已有非终态绑定时返回 ErrBindingActive
	Create(ctx context.Context, b *SimulatorBinding) error
	// Get 按模拟器 ID 获取
	Get(ctx context.Context, simulatorID string) (*SimulatorBinding, error)
	// GetActiveBySession 获取会话的非终态绑定，不存在返回 ErrSimulatorNotFound
	GetActiveBySession(ctx context.Context, sessionID string) (*SimulatorBinding, error)
	// GetActiveByUser 获取用户最近的非终态绑定
	GetActiveByUser(ctx context.Context, userID string) (*SimulatorBinding, error)
	// CompareAndSetStatus 仅当当前状态属于 from 时迁移到 to，返回是否迁移
	CompareAndSetStatus(ctx context.Context, simulatorID string, from []BindingStatus, to BindingStatus, reason string) (bool, error)
	// Touch 推进最近活跃时间
	Touch(ctx context.Context, simulatorID string, at time.Time) error
	// UpdateEndpoint 写入编排层返回的地址信息
	UpdateEndpoint(ctx context.Context, simulatorID, endpoint, podName, namespace string) error
	// ClearEndpoint 清除地址信息，仅用于优雅下线
	ClearEndpoint(ctx context.Context, simulatorID string) error
	// ListActive 列出所有非终态绑定
	ListActive(ctx context.Context) ([]*SimulatorBinding, error)
	// ListInactiveSince 列出 last_active 早于 before 的 STARTING/RUNNING 绑定
	ListInactiveSince(ctx context.Context, before time.Time) ([]*SimulatorBinding, error)
	// ListByHost 列出某实例持有的非终态绑定
	ListByHost(ctx context.Context, host string) ([]*SimulatorBinding, error)
	// Reassign 将绑定转移到指定实例
	Reassign(ctx context.Context, simulatorID, host string) error
}
