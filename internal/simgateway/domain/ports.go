package domain

import (
	"context"
	"time"
)

// CreateSimulatorRequest 创建模拟器工作负载请求
type CreateSimulatorRequest struct {
	SimulatorID string
	SessionID   string
	UserID      string
}

// SimulatorPlacement 编排层返回的模拟器位置
type SimulatorPlacement struct {
	Endpoint  string
	PodName   string
	Namespace string
}

// Orchestrator 编排服务接口
type Orchestrator interface {
	// CreateSimulator 创建模拟器工作负载，返回可达地址
	CreateSimulator(ctx context.Context, req CreateSimulatorRequest) (*SimulatorPlacement, error)
	// DeleteSimulator 删除模拟器工作负载，不存在时不报错
	DeleteSimulator(ctx context.Context, simulatorID string) error
	// SimulatorStatus 查询工作负载状态，如 running、pending、failed
	SimulatorStatus(ctx context.Context, simulatorID string) (string, error)
}

// HeartbeatResult 心跳结果
type HeartbeatResult struct {
	Success    bool
	ServerTime time.Time
	// Status 模拟器自报状态，为终态时不可再重试
	Status BindingStatus
}

// UpdateStream 模拟器推送流
type UpdateStream interface {
	Recv() (*Update, error)
	Close() error
}

// SimulatorClient 模拟器 RPC 客户端
type SimulatorClient interface {
	Heartbeat(ctx context.Context, endpoint string, clientTime time.Time) (*HeartbeatResult, error)
	StreamData(ctx context.Context, endpoint, sessionID, clientID string) (UpdateStream, error)
	// Release 释放到该地址的底层连接
	Release(endpoint string)
}

// TokenValidator 鉴权协作者
type TokenValidator interface {
	// ValidateToken 校验令牌并返回用户 ID，无效时返回 ErrInvalidToken
	ValidateToken(ctx context.Context, token string) (string, error)
}

// EventPublisher 领域事件发布接口
type EventPublisher interface {
	Publish(ctx context.Context, topic string, key string, event any) error
}
