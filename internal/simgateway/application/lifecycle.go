package application

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/wyfcoding/simgateway/internal/simgateway/domain"
	"github.com/wyfcoding/simgateway/pkg/breaker"
	"github.com/wyfcoding/simgateway/pkg/logger"
)

// SimulatorLifecycle 模拟器的创建与回收，所有编排调用都经过编排熔断器
type SimulatorLifecycle struct {
	bindings  domain.BindingRepository
	orch      domain.Orchestrator
	client    domain.SimulatorClient
	breakers  *BreakerRegistry
	publisher domain.EventPublisher
	host      string
	ids       *snowflake.Node
	now       func() time.Time

	onStopped []StoppedFunc
}

// LifecycleDeps 生命周期依赖
type LifecycleDeps struct {
	Bindings     domain.BindingRepository
	Orchestrator domain.Orchestrator
	Client       domain.SimulatorClient
	Breakers     *BreakerRegistry
	Publisher    domain.EventPublisher
	Host         string
	// NodeID 雪花算法节点号，0-1023
	NodeID int64
}

// NewSimulatorLifecycle 创建生命周期管理
func NewSimulatorLifecycle(deps LifecycleDeps) (*SimulatorLifecycle, error) {
	node, err := snowflake.NewNode(deps.NodeID)
	if err != nil {
		return nil, fmt.Errorf("init simulator id generator: %w", err)
	}
	return &SimulatorLifecycle{
		bindings:  deps.Bindings,
		orch:      deps.Orchestrator,
		client:    deps.Client,
		breakers:  deps.Breakers,
		publisher: deps.Publisher,
		host:      deps.Host,
		ids:       node,
		now:       time.Now,
	}, nil
}

// StoppedFunc 模拟器进入 STOPPED 后的回调，reason 为停止原因
type StoppedFunc func(ctx context.Context, b *domain.SimulatorBinding, reason string)

// OnStopped 注册模拟器进入 STOPPED 后的回调
func (l *SimulatorLifecycle) OnStopped(fn StoppedFunc) {
	l.onStopped = append(l.onStopped, fn)
}

// Start 为会话创建模拟器，会话已有非终态绑定时直接返回该绑定
func (l *SimulatorLifecycle) Start(ctx context.Context, sess *domain.Session) (*domain.SimulatorBinding, error) {
	if existing, err := l.bindings.GetActiveBySession(ctx, sess.SessionID); err == nil {
		return existing, nil
	} else if !errors.Is(err, domain.ErrSimulatorNotFound) {
		return nil, err
	}

	now := l.now()
	b := &domain.SimulatorBinding{
		SimulatorID:  l.ids.Generate().String(),
		SessionID:    sess.SessionID,
		UserID:       sess.UserID,
		HostIdentity: l.host,
		Status:       domain.BindingStatusCreating,
		CreatedAt:    now,
		LastActive:   now,
	}
	if err := l.bindings.Create(ctx, b); err != nil {
		if errors.Is(err, domain.ErrBindingActive) {
			return l.bindings.GetActiveBySession(ctx, sess.SessionID)
		}
		return nil, fmt.Errorf("create binding: %w", err)
	}

	placement, err := breaker.Do(ctx, l.breakers.Get(OrchestratorBreaker), func(ctx context.Context) (*domain.SimulatorPlacement, error) {
		return l.orch.CreateSimulator(ctx, domain.CreateSimulatorRequest{
			SimulatorID: b.SimulatorID,
			SessionID:   b.SessionID,
			UserID:      b.UserID,
		})
	})
	if err != nil {
		if _, cerr := l.bindings.CompareAndSetStatus(ctx, b.SimulatorID,
			[]domain.BindingStatus{domain.BindingStatusCreating}, domain.BindingStatusError, err.Error()); cerr != nil {
			logger.Error(ctx, "Failed to mark simulator errored", "simulator_id", b.SimulatorID, "error", cerr)
		}
		return nil, fmt.Errorf("create simulator: %w", err)
	}

	if err := l.bindings.UpdateEndpoint(ctx, b.SimulatorID, placement.Endpoint, placement.PodName, placement.Namespace); err != nil {
		return nil, fmt.Errorf("register simulator endpoint: %w", err)
	}
	if _, err := l.bindings.CompareAndSetStatus(ctx, b.SimulatorID,
		[]domain.BindingStatus{domain.BindingStatusCreating}, domain.BindingStatusStarting, ""); err != nil {
		return nil, fmt.Errorf("mark simulator starting: %w", err)
	}

	b.Endpoint = placement.Endpoint
	b.PodName = placement.PodName
	b.Namespace = placement.Namespace
	b.Status = domain.BindingStatusStarting

	logger.Info(ctx, "Simulator created",
		"session_id", b.SessionID,
		"simulator_id", b.SimulatorID,
		"endpoint", b.Endpoint,
		"pod", b.PodName,
	)
	l.publish(ctx, domain.SimulatorStartedEventType, b, "")
	return b, nil
}

// Stop 回收模拟器
//
// 非强制停止在编排删除失败时恢复原状态并返回错误；强制停止记录错误后继续置为 STOPPED。
func (l *SimulatorLifecycle) Stop(ctx context.Context, b *domain.SimulatorBinding, force bool, reason string) error {
	if b.Status.IsTerminal() {
		return nil
	}

	from := []domain.BindingStatus{
		domain.BindingStatusNone,
		domain.BindingStatusCreating,
		domain.BindingStatusStarting,
		domain.BindingStatusRunning,
	}
	if force {
		from = append(from, domain.BindingStatusStopping)
	}
	prev := b.Status
	ok, err := l.bindings.CompareAndSetStatus(ctx, b.SimulatorID, from, domain.BindingStatusStopping, "")
	if err != nil {
		return fmt.Errorf("mark simulator stopping: %w", err)
	}
	if !ok {
		cur, err := l.bindings.Get(ctx, b.SimulatorID)
		if err != nil {
			return err
		}
		if cur.Status.IsTerminal() {
			return nil
		}
		return domain.ErrStatusConflict
	}

	err = l.breakers.Get(OrchestratorBreaker).Execute(ctx, func(ctx context.Context) error {
		return l.orch.DeleteSimulator(ctx, b.SimulatorID)
	})
	if err != nil {
		if !force {
			if _, rerr := l.bindings.CompareAndSetStatus(ctx, b.SimulatorID,
				[]domain.BindingStatus{domain.BindingStatusStopping}, prev, ""); rerr != nil {
				logger.Error(ctx, "Failed to restore simulator status", "simulator_id", b.SimulatorID, "error", rerr)
			}
			return fmt.Errorf("delete simulator %s: %w", b.SimulatorID, err)
		}
		logger.Warn(ctx, "Force stopping simulator despite orchestrator error", "simulator_id", b.SimulatorID, "error", err)
	}

	if _, err := l.bindings.CompareAndSetStatus(ctx, b.SimulatorID,
		[]domain.BindingStatus{domain.BindingStatusStopping}, domain.BindingStatusStopped, reason); err != nil {
		return fmt.Errorf("mark simulator stopped: %w", err)
	}
	b.Status = domain.BindingStatusStopped

	if b.Endpoint != "" {
		l.client.Release(b.Endpoint)
		l.breakers.Remove(b.Endpoint)
	}

	logger.Info(ctx, "Simulator stopped",
		"session_id", b.SessionID,
		"simulator_id", b.SimulatorID,
		"force", force,
		"reason", reason,
	)
	l.publish(ctx, domain.SimulatorStoppedEventType, b, reason)
	for _, fn := range l.onStopped {
		fn(ctx, b, reason)
	}
	return nil
}

// StopSession 回收会话当前的模拟器
func (l *SimulatorLifecycle) StopSession(ctx context.Context, sessionID string, force bool, reason string) error {
	b, err := l.bindings.GetActiveBySession(ctx, sessionID)
	if errors.Is(err, domain.ErrSimulatorNotFound) {
		return domain.ErrNoActiveSimulator
	}
	if err != nil {
		return err
	}
	return l.Stop(ctx, b, force, reason)
}

func (l *SimulatorLifecycle) publish(ctx context.Context, topic string, b *domain.SimulatorBinding, reason string) {
	if l.publisher == nil {
		return
	}
	event := domain.SimulatorEvent{
		SimulatorID: b.SimulatorID,
		SessionID:   b.SessionID,
		UserID:      b.UserID,
		Endpoint:    b.Endpoint,
		Status:      string(b.Status),
		Reason:      reason,
		Timestamp:   l.now(),
	}
	if err := l.publisher.Publish(ctx, topic, b.SessionID, event); err != nil {
		logger.Warn(ctx, "Failed to publish simulator event", "topic", topic, "simulator_id", b.SimulatorID, "error", err)
	}
}
