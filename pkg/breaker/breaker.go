// Package breaker 提供面向下游依赖的熔断器封装，基于 gobreaker 两段式状态机
//
// 每个下游依赖（单个模拟器地址、编排服务）各自持有一个实例。
// 状态读写在同一把锁内完成，被保护的调用本身在锁外执行。
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"github.com/wyfcoding/simgateway/pkg/logger"
)

// State 熔断器状态
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

// Gauge 返回用于指标上报的数值
func (s State) Gauge() float64 {
	switch s {
	case StateHalfOpen:
		return 1
	case StateOpen:
		return 2
	default:
		return 0
	}
}

// ErrUnavailable 下游不可用（熔断打开）
var ErrUnavailable = errors.New("service unavailable")

// OpenError 熔断打开时的快速失败错误，携带剩余冷却时间
type OpenError struct {
	Name      string
	Remaining time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit %q is open, retry in %s", e.Name, e.Remaining.Round(time.Millisecond))
}

// Is 使 errors.Is(err, ErrUnavailable) 成立
func (e *OpenError) Is(target error) bool {
	return target == ErrUnavailable
}

// Listener 状态变更监听器，在状态迁移时同步调用，不得回调熔断器自身
type Listener func(name string, from, to State)

// Settings 熔断器配置
type Settings struct {
	Name string
	// 连续失败多少次后熔断
	FailureThreshold uint32
	// 熔断后多久进入半开
	ResetTimeout time.Duration
	// 半开状态允许的探测请求数，首个探测成功即闭合，只能为 1
	HalfOpenMaxProbes uint32
	// 单次调用超时，0 表示不限
	CallTimeout time.Duration
	// IsExcluded 返回 true 的错误在闭合状态下不计入失败
	IsExcluded func(error) bool
	// OnReject 快速失败时回调
	OnReject func(name string)
}

// CircuitState 熔断器状态快照
type CircuitState struct {
	Name                   string    `json:"name"`
	State                  State     `json:"state"`
	ConsecutiveFailures    uint32    `json:"consecutive_failures"`
	TrippedAt              time.Time `json:"tripped_at,omitzero"`
	HalfOpenProbesInFlight uint32    `json:"half_open_probes_in_flight"`
	Rejected               uint64    `json:"rejected"`
}

// CircuitBreaker 熔断器
type CircuitBreaker struct {
	mu       sync.Mutex
	cb       *gobreaker.TwoStepCircuitBreaker
	settings Settings

	listeners           []Listener
	consecutiveFailures uint32
	trippedAt           time.Time
	probesInFlight      uint32
	rejected            uint64
}

// New 创建熔断器
func New(s Settings) *CircuitBreaker {
	if s.FailureThreshold == 0 {
		s.FailureThreshold = 5
	}
	// gobreaker 要求 MaxRequests 次连续成功才闭合
	s.HalfOpenMaxProbes = 1
	if s.ResetTimeout <= 0 {
		s.ResetTimeout = 30 * time.Second
	}

	b := &CircuitBreaker{settings: s}
	threshold := s.FailureThreshold
	b.cb = gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:        s.Name,
		MaxRequests: s.HalfOpenMaxProbes,
		Timeout:     s.ResetTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= threshold
		},
		// gobreaker 在持有 b.mu 的调用链内触发该回调
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.onStateChange(name, convert(from), convert(to))
		},
	})
	return b
}

// Name 返回依赖名称
func (b *CircuitBreaker) Name() string {
	return b.settings.Name
}

// AddListener 注册状态变更监听器
func (b *CircuitBreaker) AddListener(l Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, l)
}

// CallOption 单次调用选项
type CallOption func(*callOptions)

type callOptions struct {
	timeout time.Duration
}

// WithoutTimeout 不施加调用超时，用于建立长连接的流
func WithoutTimeout() CallOption {
	return func(o *callOptions) { o.timeout = 0 }
}

// WithTimeout 覆盖本次调用的超时
func WithTimeout(d time.Duration) CallOption {
	return func(o *callOptions) { o.timeout = d }
}

// Execute 在熔断保护下执行 op
func (b *CircuitBreaker) Execute(ctx context.Context, op func(context.Context) error, opts ...CallOption) error {
	o := callOptions{timeout: b.settings.CallTimeout}
	for _, opt := range opts {
		opt(&o)
	}

	done, probe, err := b.allow()
	if err != nil {
		return err
	}

	callCtx, cancel := ctx, context.CancelFunc(func() {})
	if o.timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, o.timeout)
	}

	finished := false
	defer func() {
		cancel()
		if !finished {
			// op panic，按失败记账后继续向上抛出
			b.finish(ctx, done, probe, errors.New("panic in protected call"))
		}
	}()

	opErr := op(callCtx)
	finished = true
	b.finish(ctx, done, probe, opErr)
	return opErr
}

// Do 在熔断保护下执行带返回值的 op
func Do[T any](ctx context.Context, b *CircuitBreaker, op func(context.Context) (T, error), opts ...CallOption) (T, error) {
	var result T
	err := b.Execute(ctx, func(ctx context.Context) error {
		var err error
		result, err = op(ctx)
		return err
	}, opts...)
	return result, err
}

func (b *CircuitBreaker) allow() (func(bool), bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	pre := b.cb.State()
	done, err := b.cb.Allow()
	if err != nil {
		b.rejected++
		oe := &OpenError{Name: b.settings.Name}
		if pre == gobreaker.StateOpen {
			oe.Remaining = max(b.settings.ResetTimeout-time.Since(b.trippedAt), 0)
		}
		if b.settings.OnReject != nil {
			b.settings.OnReject(b.settings.Name)
		}
		return nil, false, oe
	}

	probe := pre != gobreaker.StateClosed
	if probe {
		b.probesInFlight++
	}
	return done, probe, nil
}

func (b *CircuitBreaker) finish(ctx context.Context, done func(bool), probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if probe {
		b.probesInFlight--
	}

	switch {
	case err == nil:
		b.consecutiveFailures = 0
		done(true)
	case !probe && b.excluded(ctx, err):
		// 闭合状态下的启动噪声与调用方取消不计数
	default:
		b.consecutiveFailures++
		done(false)
	}
}

func (b *CircuitBreaker) excluded(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return true
	}
	return b.settings.IsExcluded != nil && b.settings.IsExcluded(err)
}

func (b *CircuitBreaker) onStateChange(name string, from, to State) {
	switch to {
	case StateOpen:
		b.trippedAt = time.Now()
	case StateClosed:
		b.consecutiveFailures = 0
		b.trippedAt = time.Time{}
	}

	logger.Info(context.Background(), "Circuit breaker state changed", "name", name, "from", from, "to", to)

	for _, l := range b.listeners {
		notify(l, name, from, to)
	}
}

func notify(l Listener, name string, from, to State) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error(context.Background(), "Circuit breaker listener panicked", "name", name, "panic", r)
		}
	}()
	l(name, from, to)
}

// State 返回当前状态，冷却到期时会触发 OPEN→HALF_OPEN
func (b *CircuitBreaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return convert(b.cb.State())
}

// Snapshot 返回状态快照
func (b *CircuitBreaker) Snapshot() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return CircuitState{
		Name:                   b.settings.Name,
		State:                  convert(b.cb.State()),
		ConsecutiveFailures:    b.consecutiveFailures,
		TrippedAt:              b.trippedAt,
		HalfOpenProbesInFlight: b.probesInFlight,
		Rejected:               b.rejected,
	}
}

func convert(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}
