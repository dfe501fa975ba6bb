package application

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/wyfcoding/simgateway/internal/simgateway/domain"
	"github.com/wyfcoding/simgateway/pkg/breaker"
	"github.com/wyfcoding/simgateway/pkg/logger"
	"github.com/wyfcoding/simgateway/pkg/metrics"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ConnectReason 连接失败原因
type ConnectReason string

const (
	ReasonNotFound       ConnectReason = "not-found"
	ReasonUnresponsive   ConnectReason = "unresponsive"
	ReasonTransportError ConnectReason = "transport-error"
	ReasonTerminal       ConnectReason = "terminal"
)

// ConnectError 连接模拟器失败
type ConnectError struct {
	Reason      ConnectReason
	SimulatorID string
	Err         error
}

func (e *ConnectError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("connect simulator %s: %s", e.SimulatorID, e.Reason)
	}
	return fmt.Sprintf("connect simulator %s: %s: %v", e.SimulatorID, e.Reason, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// Terminal 终态失败不可重试，需要重新 Find
func (e *ConnectError) Terminal() bool { return e.Reason == ReasonTerminal }

// RetryPolicy 重连退避策略
type RetryPolicy struct {
	BaseDelay time.Duration
	Factor    float64
	MaxDelay  time.Duration
	// MaxAttempts 为 0 表示不限次数
	MaxAttempts int
}

func (p RetryPolicy) newBackOff() *backoff.ExponentialBackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.BaseDelay,
		RandomizationFactor: 0,
		Multiplier:          p.Factor,
		MaxInterval:         p.MaxDelay,
	}
	b.Reset()
	return b
}

// Schedule 返回前 n 次失败后的等待时长
func (p RetryPolicy) Schedule(n int) []time.Duration {
	b := p.newBackOff()
	out := make([]time.Duration, n)
	for i := range out {
		out[i] = b.NextBackOff()
	}
	return out
}

// SimulatorConnector 单个会话到其模拟器的连接：定位、心跳探测、退避重连与推送流
//
// 连接器缓存的是本进程对某个绑定的视图，权威状态始终在存储中。
type SimulatorConnector struct {
	sessionID string
	clientID  string
	bindings  domain.BindingRepository
	client    domain.SimulatorClient
	breakers  *BreakerRegistry
	notify    domain.StatusNotifier
	retry     RetryPolicy
	metrics   *metrics.Metrics

	// sleep 可替换，便于测试退避节奏
	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time

	mu           sync.Mutex
	current      *domain.BindingLocation
	streamCancel context.CancelFunc
}

// ConnectorDeps 连接器依赖
type ConnectorDeps struct {
	Bindings domain.BindingRepository
	Client   domain.SimulatorClient
	Breakers *BreakerRegistry
	Notify   domain.StatusNotifier
	Retry    RetryPolicy
	Metrics  *metrics.Metrics
}

// NewSimulatorConnector 创建会话连接器
func NewSimulatorConnector(sessionID, clientID string, deps ConnectorDeps) *SimulatorConnector {
	notify := deps.Notify
	if notify == nil {
		notify = func(string, domain.ConnectionStatus) {}
	}
	return &SimulatorConnector{
		sessionID: sessionID,
		clientID:  clientID,
		bindings:  deps.Bindings,
		client:    deps.Client,
		breakers:  deps.Breakers,
		notify:    notify,
		retry:     deps.Retry,
		metrics:   deps.Metrics,
		sleep:     sleepCtx,
		now:       time.Now,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Find 从存储解析用户当前的模拟器，不访问编排层
func (c *SimulatorConnector) Find(ctx context.Context, userID string) (*domain.BindingLocation, error) {
	b, err := c.bindings.GetActiveByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if b.Endpoint == "" {
		// 编排注册尚未完成
		return nil, domain.ErrSimulatorNotFound
	}
	return b.Location(), nil
}

// Connect 通过熔断器发送心跳，成功后记录当前绑定并推进 STARTING→RUNNING
func (c *SimulatorConnector) Connect(ctx context.Context, loc *domain.BindingLocation) error {
	if loc.Status.IsTerminal() {
		return &ConnectError{Reason: ReasonTerminal, SimulatorID: loc.SimulatorID, Err: domain.ErrBindingTerminal}
	}

	res, err := c.heartbeat(ctx, loc)
	if err != nil {
		return err
	}

	c.mu.Lock()
	cp := *loc
	cp.Status = domain.BindingStatusRunning
	c.current = &cp
	c.mu.Unlock()

	now := c.now()
	if err := c.bindings.Touch(ctx, loc.SimulatorID, now); err != nil {
		logger.Warn(ctx, "Failed to bump simulator activity", "simulator_id", loc.SimulatorID, "error", err)
	}
	if loc.Status != domain.BindingStatusRunning {
		if _, err := c.bindings.CompareAndSetStatus(ctx, loc.SimulatorID,
			[]domain.BindingStatus{domain.BindingStatusStarting}, domain.BindingStatusRunning, ""); err != nil {
			logger.Warn(ctx, "Failed to mark simulator running", "simulator_id", loc.SimulatorID, "error", err)
		}
	}

	logger.Info(ctx, "Simulator connected",
		"session_id", c.sessionID,
		"simulator_id", loc.SimulatorID,
		"endpoint", loc.Endpoint,
		"server_time", res.ServerTime,
	)
	return nil
}

func (c *SimulatorConnector) heartbeat(ctx context.Context, loc *domain.BindingLocation) (*domain.HeartbeatResult, error) {
	br := c.breakers.Get(loc.Endpoint)
	res, err := breaker.Do(ctx, br, func(ctx context.Context) (*domain.HeartbeatResult, error) {
		return c.client.Heartbeat(ctx, loc.Endpoint, c.now())
	})
	if err != nil {
		return nil, &ConnectError{Reason: classify(err), SimulatorID: loc.SimulatorID, Err: err}
	}
	if res.Status.IsTerminal() {
		return nil, &ConnectError{Reason: ReasonTerminal, SimulatorID: loc.SimulatorID, Err: domain.ErrSimulatorTerminated}
	}
	if !res.Success {
		return nil, &ConnectError{Reason: ReasonUnresponsive, SimulatorID: loc.SimulatorID}
	}
	return res, nil
}

func classify(err error) ConnectReason {
	switch {
	case errors.Is(err, breaker.ErrUnavailable), errors.Is(err, context.DeadlineExceeded):
		return ReasonUnresponsive
	case errors.Is(err, domain.ErrSimulatorNotFound):
		return ReasonNotFound
	}
	switch status.Code(err) {
	case codes.NotFound:
		return ReasonNotFound
	case codes.DeadlineExceeded:
		return ReasonUnresponsive
	case codes.FailedPrecondition:
		return ReasonTerminal
	default:
		return ReasonTransportError
	}
}

// ConnectWithRetry 按指数退避反复 Find+Connect，直到成功、达到最大次数、遇到终态失败或 ctx 取消
func (c *SimulatorConnector) ConnectWithRetry(ctx context.Context, userID string) (*domain.BindingLocation, error) {
	bo := c.retry.newBackOff()

	for attempt := 1; ; attempt++ {
		c.notify(c.sessionID, domain.ConnectionConnecting)

		loc, err := c.Find(ctx, userID)
		if err == nil {
			err = c.Connect(ctx, loc)
		}
		if err == nil {
			c.metrics.RecordConnectAttempt("success")
			c.notify(c.sessionID, domain.ConnectionConnected)
			return c.Current(), nil
		}
		c.metrics.RecordConnectAttempt("failure")

		logger.Warn(ctx, "Simulator connect attempt failed",
			"session_id", c.sessionID,
			"attempt", attempt,
			"error", err,
		)

		var ce *ConnectError
		if errors.As(err, &ce) && ce.Terminal() {
			c.notify(c.sessionID, domain.ConnectionDisconnected)
			return nil, err
		}
		if ctx.Err() != nil {
			c.notify(c.sessionID, domain.ConnectionDisconnected)
			return nil, ctx.Err()
		}
		if c.retry.MaxAttempts > 0 && attempt >= c.retry.MaxAttempts {
			c.notify(c.sessionID, domain.ConnectionDisconnected)
			return nil, fmt.Errorf("simulator unreachable after %d attempts: %w", attempt, err)
		}

		if err := c.sleep(ctx, bo.NextBackOff()); err != nil {
			c.notify(c.sessionID, domain.ConnectionDisconnected)
			return nil, err
		}
	}
}

// StreamData 返回模拟器推送流的惰性序列，只能消费一次
//
// 流出错时先清除当前绑定并发出 DISCONNECTED，再把错误交给调用方。
func (c *SimulatorConnector) StreamData(ctx context.Context, sessionID string) iter.Seq2[*domain.Update, error] {
	var used atomic.Bool
	return func(yield func(*domain.Update, error) bool) {
		if !used.CompareAndSwap(false, true) {
			yield(nil, domain.ErrStreamConsumed)
			return
		}

		loc := c.Current()
		if loc == nil {
			yield(nil, domain.ErrNoActiveSimulator)
			return
		}

		streamCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		c.mu.Lock()
		c.streamCancel = cancel
		c.mu.Unlock()

		br := c.breakers.Get(loc.Endpoint)
		stream, err := breaker.Do(streamCtx, br, func(ctx context.Context) (domain.UpdateStream, error) {
			return c.client.StreamData(ctx, loc.Endpoint, sessionID, c.clientID)
		}, breaker.WithoutTimeout())
		if err != nil {
			c.drop(ctx)
			yield(nil, fmt.Errorf("open stream: %w", err))
			return
		}
		defer stream.Close()

		for {
			u, err := stream.Recv()
			if err != nil {
				c.drop(ctx)
				yield(nil, fmt.Errorf("receive update: %w", err))
				return
			}
			if u.Terminal() {
				c.drop(ctx)
				yield(nil, fmt.Errorf("simulator %s reported %s: %w", loc.SimulatorID, u.SimulatorStatus, domain.ErrSimulatorTerminated))
				return
			}
			if !yield(u, nil) {
				return
			}
		}
	}
}

func (c *SimulatorConnector) drop(ctx context.Context) {
	c.mu.Lock()
	c.current = nil
	c.streamCancel = nil
	c.mu.Unlock()
	c.notify(c.sessionID, domain.ConnectionDisconnected)
	logger.Debug(ctx, "Simulator binding cleared", "session_id", c.sessionID)
}

// Invalidate 取消活动流并清除当前绑定
func (c *SimulatorConnector) Invalidate(ctx context.Context) {
	c.mu.Lock()
	cancel := c.streamCancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	c.drop(ctx)
}

// Disconnect 主动断开
func (c *SimulatorConnector) Disconnect(ctx context.Context) {
	c.Invalidate(ctx)
}

// Ping 对当前绑定发送心跳
func (c *SimulatorConnector) Ping(ctx context.Context) error {
	loc := c.Current()
	if loc == nil {
		return domain.ErrNoActiveSimulator
	}
	_, err := c.heartbeat(ctx, loc)
	return err
}

// Current 返回当前绑定的副本，未连接时为 nil
func (c *SimulatorConnector) Current() *domain.BindingLocation {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return nil
	}
	cp := *c.current
	return &cp
}

// SessionID 返回所属会话
func (c *SimulatorConnector) SessionID() string {
	return c.sessionID
}
