package application

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"
	"github.com/wyfcoding/simgateway/internal/simgateway/domain"
	"github.com/wyfcoding/simgateway/pkg/breaker"
	"github.com/wyfcoding/simgateway/pkg/logger"
	"github.com/wyfcoding/simgateway/pkg/metrics"
	"go.uber.org/multierr"
)

// Service 网关门面，组合会话、模拟器生命周期、健康检查、清理任务与推送分发
type Service struct {
	tokens      domain.TokenValidator
	bindings    domain.BindingRepository
	client      domain.SimulatorClient
	breakers    *BreakerRegistry
	registry    *SessionRegistry
	lifecycle   *SimulatorLifecycle
	health      *HealthMonitor
	reaper      *Reaper
	distributor *StreamDistributor
	retry       RetryPolicy
	metrics     *metrics.Metrics

	mu         sync.Mutex
	connectors map[string]*SimulatorConnector
}

// ServiceDeps 门面依赖
type ServiceDeps struct {
	Tokens      domain.TokenValidator
	Bindings    domain.BindingRepository
	Client      domain.SimulatorClient
	Breakers    *BreakerRegistry
	Registry    *SessionRegistry
	Lifecycle   *SimulatorLifecycle
	Health      *HealthMonitor
	Reaper      *Reaper
	Distributor *StreamDistributor
	Retry       RetryPolicy
	Metrics     *metrics.Metrics
}

// ServiceStats 运行时统计
type ServiceStats struct {
	Host        string                 `json:"host"`
	Connectors  int                    `json:"connectors"`
	Watched     int                    `json:"watched"`
	Distributor DistributorStats       `json:"distributor"`
	Breakers    []breaker.CircuitState `json:"breakers"`
	Health      []SimulatorHealth      `json:"health"`
}

// NewService 创建门面并串联各组件的回调
func NewService(deps ServiceDeps) *Service {
	s := &Service{
		tokens:      deps.Tokens,
		bindings:    deps.Bindings,
		client:      deps.Client,
		breakers:    deps.Breakers,
		registry:    deps.Registry,
		lifecycle:   deps.Lifecycle,
		health:      deps.Health,
		reaper:      deps.Reaper,
		distributor: deps.Distributor,
		retry:       deps.Retry,
		metrics:     deps.Metrics,
		connectors:  make(map[string]*SimulatorConnector),
	}

	s.lifecycle.OnStopped(func(_ context.Context, b *domain.SimulatorBinding, reason string) {
		s.distributor.Terminate(b.SessionID, TerminalEvent{Reason: terminalReason(reason), Message: reason})
	})
	s.health.SetOnUnhealthy(func(_ context.Context, sessionID, _ string, reason string) {
		s.distributor.Terminate(sessionID, TerminalEvent{Reason: ReasonSimulatorStopped, Message: reason})
	})
	s.reaper.OnSessionEnded(func(_ context.Context, sessionID string, reason TerminalReason) {
		s.distributor.Terminate(sessionID, TerminalEvent{Reason: reason})
	})
	s.distributor.SetOnClose(func(sessionID string) {
		s.health.Unwatch(sessionID)
	})
	return s
}

// terminalReason 将停止原因映射为客户端可见的终止原因
func terminalReason(stopReason string) TerminalReason {
	switch r := TerminalReason(stopReason); r {
	case ReasonSessionExpired, ReasonSessionEnded, ReasonServerShutdown:
		return r
	default:
		return ReasonSimulatorStopped
	}
}

func (s *Service) authenticate(ctx context.Context, token string) (string, error) {
	userID, err := s.tokens.ValidateToken(ctx, token)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidToken) {
			return "", err
		}
		return "", fmt.Errorf("%w: %v", domain.ErrInvalidToken, err)
	}
	return userID, nil
}

func (s *Service) authorize(ctx context.Context, sessionID, token string) (*domain.Session, error) {
	userID, err := s.authenticate(ctx, token)
	if err != nil {
		return nil, err
	}
	return s.registry.Validate(ctx, sessionID, userID)
}

// CreateSession 为令牌对应的用户创建会话，已有活跃会话时直接返回
func (s *Service) CreateSession(ctx context.Context, token string) (*domain.Session, bool, error) {
	userID, err := s.authenticate(ctx, token)
	if err != nil {
		return nil, false, err
	}
	return s.registry.Create(ctx, userID)
}

// GetSession 获取调用方自己的活跃会话
func (s *Service) GetSession(ctx context.Context, sessionID, token string) (*domain.Session, error) {
	return s.authorize(ctx, sessionID, token)
}

// EndSession 结束会话，先回收模拟器再关闭会话
func (s *Service) EndSession(ctx context.Context, sessionID, token string) error {
	sess, err := s.authorize(ctx, sessionID, token)
	if err != nil {
		return err
	}
	err = s.lifecycle.StopSession(ctx, sess.SessionID, true, string(ReasonSessionEnded))
	if err != nil && !errors.Is(err, domain.ErrNoActiveSimulator) {
		return err
	}
	if err := s.registry.End(ctx, sess, "user-requested"); err != nil {
		return err
	}
	s.distributor.Terminate(sess.SessionID, TerminalEvent{Reason: ReasonSessionEnded})
	return nil
}

// StartSimulator 为会话启动模拟器，已有未终止的模拟器时直接返回
func (s *Service) StartSimulator(ctx context.Context, sessionID, token string) (string, string, error) {
	sess, err := s.authorize(ctx, sessionID, token)
	if err != nil {
		return "", "", err
	}
	b, err := s.lifecycle.Start(ctx, sess)
	if err != nil {
		return "", "", err
	}
	s.registry.Touch(ctx, sess.SessionID)
	return b.SimulatorID, b.Endpoint, nil
}

// StopSimulator 停止会话的模拟器
func (s *Service) StopSimulator(ctx context.Context, sessionID, token string, force bool) error {
	sess, err := s.authorize(ctx, sessionID, token)
	if err != nil {
		return err
	}
	return s.lifecycle.StopSession(ctx, sess.SessionID, force, StopReasonUser)
}

// SimulatorStatus 返回会话当前模拟器及其健康记录
func (s *Service) SimulatorStatus(ctx context.Context, sessionID, token string) (*domain.SimulatorBinding, SimulatorHealth, error) {
	sess, err := s.authorize(ctx, sessionID, token)
	if err != nil {
		return nil, SimulatorHealth{}, err
	}
	b, err := s.bindings.GetActiveBySession(ctx, sess.SessionID)
	if errors.Is(err, domain.ErrSimulatorNotFound) {
		return nil, SimulatorHealth{}, domain.ErrNoActiveSimulator
	}
	if err != nil {
		return nil, SimulatorHealth{}, err
	}
	h, _ := s.health.Status(b.SimulatorID)
	return b, h, nil
}

// Attach 校验会话后把客户端通道挂到会话的推送流上
//
// 会话不归本实例时先认领，上游流由首个客户端启动，之后的客户端共享该流。
func (s *Service) Attach(ctx context.Context, sub Subscription, token string, t Transport) (Subscription, error) {
	sess, err := s.attachable(ctx, sub.SessionID, token)
	if err != nil {
		return sub, err
	}

	if sess.HostIdentity != s.registry.Host() || sess.HostTerminating {
		if err := s.registry.Claim(ctx, sess.SessionID); err != nil {
			logger.Warn(ctx, "Failed to claim session", "session_id", sess.SessionID, "error", err)
		} else {
			logger.Info(ctx, "Session claimed", "session_id", sess.SessionID, "from", sess.HostIdentity)
		}
	}

	if sub.ClientID == "" {
		sub.ClientID = uuid.NewString()
	}
	s.registry.RecordTransport(ctx, sess.SessionID, sub.Transport)

	if err := s.distributor.Attach(ctx, sub, t, s.source(sess)); err != nil {
		return sub, err
	}
	return sub, nil
}

// Preflight 在建立推送通道前校验会话与模拟器，便于以普通 HTTP 错误拒绝
func (s *Service) Preflight(ctx context.Context, sessionID, token string) error {
	_, err := s.attachable(ctx, sessionID, token)
	return err
}

func (s *Service) attachable(ctx context.Context, sessionID, token string) (*domain.Session, error) {
	sess, err := s.authorize(ctx, sessionID, token)
	if err != nil {
		return nil, err
	}
	if _, err := s.bindings.GetActiveBySession(ctx, sess.SessionID); err != nil {
		if errors.Is(err, domain.ErrSimulatorNotFound) {
			return nil, domain.ErrNoActiveSimulator
		}
		return nil, err
	}
	return sess, nil
}

// Detach 客户端断开，t 非空时仅移除仍绑定该通道的订阅
func (s *Service) Detach(sessionID, clientID string, t Transport) {
	if t == nil {
		s.distributor.Detach(sessionID, clientID)
		return
	}
	s.distributor.DetachTransport(sessionID, clientID, t)
}

// KeepAlive 推送通道仍然存活，用于僵尸会话判断
func (s *Service) KeepAlive(ctx context.Context, sessionID string, kind domain.TransportKind) {
	s.registry.RecordTransport(ctx, sessionID, kind)
}

// source 会话的上游：连接模拟器并转发其推送，流中断后按退避策略重连
func (s *Service) source(sess *domain.Session) Source {
	return func(ctx context.Context, emit func(*domain.Update)) error {
		conn := NewSimulatorConnector(sess.SessionID, uuid.NewString(), ConnectorDeps{
			Bindings: s.bindings,
			Client:   s.client,
			Breakers: s.breakers,
			Retry:    s.retry,
			Metrics:  s.metrics,
			Notify: func(sessionID string, status domain.ConnectionStatus) {
				emit(&domain.Update{
					SessionID: sessionID,
					Kind:      domain.UpdateKindStatus,
					Payload:   map[string]any{"connection": string(status)},
					Timestamp: time.Now(),
				})
			},
		})
		s.track(sess.SessionID, conn)
		defer s.untrack(sess.SessionID, conn)

		for {
			if _, err := conn.ConnectWithRetry(ctx, sess.UserID); err != nil {
				return err
			}
			s.health.Watch(sess.SessionID, conn)

			var streamErr error
			for u, err := range conn.StreamData(ctx, sess.SessionID) {
				if err != nil {
					streamErr = err
					break
				}
				s.registry.Touch(ctx, sess.SessionID)
				emit(u)
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(streamErr, domain.ErrSimulatorTerminated) {
				return streamErr
			}
			logger.Warn(ctx, "Simulator stream interrupted, reconnecting", "session_id", sess.SessionID, "error", streamErr)
		}
	}
}

func (s *Service) track(sessionID string, conn *SimulatorConnector) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connectors[sessionID] = conn
}

func (s *Service) untrack(sessionID string, conn *SimulatorConnector) {
	s.mu.Lock()
	if s.connectors[sessionID] == conn {
		delete(s.connectors, sessionID)
	}
	s.mu.Unlock()
	s.health.Unwatch(sessionID)
	conn.Disconnect(context.Background())
}

// Stats 运行时统计
func (s *Service) Stats() ServiceStats {
	s.mu.Lock()
	connectors := len(s.connectors)
	s.mu.Unlock()
	return ServiceStats{
		Host:        s.registry.Host(),
		Connectors:  connectors,
		Watched:     s.health.Watched(),
		Distributor: s.distributor.Stats(),
		Breakers:    s.breakers.Snapshots(),
		Health:      s.health.Records(),
	}
}

// Run 运行健康检查与清理循环，阻塞直到 ctx 取消
func (s *Service) Run(ctx context.Context) {
	var wg conc.WaitGroup
	wg.Go(func() { s.health.Run(ctx) })
	wg.Go(func() { s.reaper.Run(ctx) })
	wg.Wait()
}

// Shutdown 通知全部客户端后停止本实例持有的模拟器
func (s *Service) Shutdown(ctx context.Context) error {
	defer logger.LogDuration(ctx, "Service shutdown finished", "host", s.registry.Host())()

	var errs error
	if err := s.distributor.Shutdown(ctx); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("shutdown distributor: %w", err))
	}
	if err := s.reaper.Shutdown(ctx); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("release simulators: %w", err))
	}
	return errs
}
