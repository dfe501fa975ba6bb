package application

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/wyfcoding/simgateway/internal/simgateway/domain"
	"github.com/wyfcoding/simgateway/pkg/breaker"
	"github.com/wyfcoding/simgateway/pkg/logger"
	"github.com/wyfcoding/simgateway/pkg/metrics"
	"go.uber.org/multierr"
)

// OrchestratorBreaker 编排服务熔断器名称
const OrchestratorBreaker = "orchestrator"

// HealthStatus 模拟器健康状态
type HealthStatus string

const (
	HealthUnchecked HealthStatus = "UNCHECKED"
	HealthHealthy   HealthStatus = "HEALTHY"
	// HealthUnhealthy 为终态，直到出现新的模拟器 ID
	HealthUnhealthy HealthStatus = "UNHEALTHY"
)

// SimulatorHealth 单个模拟器的健康记录
type SimulatorHealth struct {
	SimulatorID string       `json:"simulator_id"`
	SessionID   string       `json:"session_id"`
	Status      HealthStatus `json:"status"`
	Reason      string       `json:"reason,omitempty"`
	LastCheck   time.Time    `json:"last_check"`
	LastHealthy time.Time    `json:"last_healthy,omitzero"`
}

// UnhealthyFunc 模拟器被判定为不健康时的回调
type UnhealthyFunc func(ctx context.Context, sessionID, simulatorID, reason string)

// HealthConfig 健康检查配置
type HealthConfig struct {
	Interval           time.Duration
	ErrorInterval      time.Duration
	AcceptableStatuses []string
}

// HealthMonitor 周期性检查被关注会话的模拟器
//
// 一次检查同时要求编排层状态可接受且 RPC 心跳成功。
// 编排层查询本身出错时视为不确定，仅依据心跳判定。
type HealthMonitor struct {
	sessions  domain.SessionRepository
	bindings  domain.BindingRepository
	orch      domain.Orchestrator
	client    domain.SimulatorClient
	breakers  *BreakerRegistry
	publisher domain.EventPublisher
	metrics   *metrics.Metrics

	interval      time.Duration
	errorInterval time.Duration
	acceptable    map[string]struct{}
	onUnhealthy   UnhealthyFunc
	now           func() time.Time

	mu      sync.RWMutex
	watched map[string]*SimulatorConnector
	records map[string]*SimulatorHealth
}

// HealthDeps 健康检查依赖
type HealthDeps struct {
	Sessions     domain.SessionRepository
	Bindings     domain.BindingRepository
	Orchestrator domain.Orchestrator
	Client       domain.SimulatorClient
	Breakers     *BreakerRegistry
	Publisher    domain.EventPublisher
	Metrics      *metrics.Metrics
}

// NewHealthMonitor 创建健康检查器
func NewHealthMonitor(cfg HealthConfig, deps HealthDeps) *HealthMonitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.ErrorInterval <= 0 {
		cfg.ErrorInterval = 5 * time.Second
	}
	statuses := cfg.AcceptableStatuses
	if len(statuses) == 0 {
		statuses = []string{"running", "pending"}
	}
	acceptable := make(map[string]struct{}, len(statuses))
	for _, s := range statuses {
		acceptable[strings.ToLower(s)] = struct{}{}
	}
	return &HealthMonitor{
		sessions:      deps.Sessions,
		bindings:      deps.Bindings,
		orch:          deps.Orchestrator,
		client:        deps.Client,
		breakers:      deps.Breakers,
		publisher:     deps.Publisher,
		metrics:       deps.Metrics,
		interval:      cfg.Interval,
		errorInterval: cfg.ErrorInterval,
		acceptable:    acceptable,
		now:           time.Now,
		watched:       make(map[string]*SimulatorConnector),
		records:       make(map[string]*SimulatorHealth),
	}
}

// SetOnUnhealthy 设置不健康回调
func (h *HealthMonitor) SetOnUnhealthy(fn UnhealthyFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onUnhealthy = fn
}

// Watch 关注会话，conn 可为空
func (h *HealthMonitor) Watch(sessionID string, conn *SimulatorConnector) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.watched[sessionID] = conn
}

// Unwatch 取消关注并清除该会话的健康记录
func (h *HealthMonitor) Unwatch(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.watched, sessionID)
	for id, rec := range h.records {
		if rec.SessionID == sessionID {
			delete(h.records, id)
		}
	}
}

// Run 按固定间隔检查所有被关注的会话，阻塞直到 ctx 取消
func (h *HealthMonitor) Run(ctx context.Context) {
	logger.Info(ctx, "Health monitor started", "interval", h.interval)
	for {
		wait := h.interval
		if err := h.safeCheckAll(ctx); err != nil {
			logger.Error(ctx, "Health check cycle failed", "error", err)
			wait = h.errorInterval
		}

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			logger.Info(ctx, "Health monitor stopped")
			return
		case <-t.C:
		}
	}
}

func (h *HealthMonitor) safeCheckAll(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("health check panic: %v", r)
			logger.Error(ctx, "Health check panicked", "panic", r, "stack", string(debug.Stack()))
		}
	}()

	h.mu.RLock()
	ids := make([]string, 0, len(h.watched))
	for id := range h.watched {
		ids = append(ids, id)
	}
	h.mu.RUnlock()

	for _, id := range ids {
		if ctx.Err() != nil {
			return nil
		}
		if _, _, cerr := h.check(ctx, id); cerr != nil {
			err = multierr.Append(err, cerr)
		}
	}
	return err
}

// CheckNow 立即检查指定会话
func (h *HealthMonitor) CheckNow(ctx context.Context, sessionID string) (bool, string) {
	healthy, reason, err := h.check(ctx, sessionID)
	if err != nil {
		return false, err.Error()
	}
	return healthy, reason
}

// check 只有存储读取失败才返回 error
func (h *HealthMonitor) check(ctx context.Context, sessionID string) (bool, string, error) {
	sess, err := h.sessions.Get(ctx, sessionID)
	if err != nil {
		return false, "", fmt.Errorf("load session %s: %w", sessionID, err)
	}
	if !sess.IsActive(h.now()) {
		return false, "session not active", nil
	}

	b, err := h.bindings.GetActiveBySession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, domain.ErrSimulatorNotFound) {
			return false, "no active simulator", nil
		}
		return false, "", fmt.Errorf("load binding for %s: %w", sessionID, err)
	}
	if b.Status != domain.BindingStatusRunning {
		return false, "simulator " + string(b.Status), nil
	}

	if rec, ok := h.Status(b.SimulatorID); ok && rec.Status == HealthUnhealthy {
		return false, rec.Reason, nil
	}

	if reason := h.probe(ctx, b); reason != "" {
		h.markUnhealthy(ctx, b, reason)
		return false, reason, nil
	}

	now := h.now()
	if err := h.bindings.Touch(ctx, b.SimulatorID, now); err != nil {
		logger.Warn(ctx, "Failed to bump simulator activity", "simulator_id", b.SimulatorID, "error", err)
	}
	h.record(b, HealthHealthy, "", now)
	return true, "", nil
}

// probe 返回不健康原因，健康时为空
func (h *HealthMonitor) probe(ctx context.Context, b *domain.SimulatorBinding) string {
	if h.orch != nil {
		status, err := breaker.Do(ctx, h.breakers.Get(OrchestratorBreaker), func(ctx context.Context) (string, error) {
			return h.orch.SimulatorStatus(ctx, b.SimulatorID)
		})
		switch {
		case err != nil:
			logger.Debug(ctx, "Orchestrator status inconclusive", "simulator_id", b.SimulatorID, "error", err)
		case !h.isAcceptable(status):
			return "orchestrator reports " + status
		}
	}

	if b.Endpoint == "" {
		return "simulator endpoint missing"
	}
	res, err := breaker.Do(ctx, h.breakers.Get(b.Endpoint), func(ctx context.Context) (*domain.HeartbeatResult, error) {
		return h.client.Heartbeat(ctx, b.Endpoint, h.now())
	})
	switch {
	case err != nil:
		return "heartbeat failed: " + err.Error()
	case res.Status.IsTerminal():
		return "simulator reported " + string(res.Status)
	case !res.Success:
		return "heartbeat unsuccessful"
	}
	return ""
}

func (h *HealthMonitor) isAcceptable(status string) bool {
	_, ok := h.acceptable[strings.ToLower(status)]
	return ok
}

func (h *HealthMonitor) markUnhealthy(ctx context.Context, b *domain.SimulatorBinding, reason string) {
	h.metrics.RecordHealthFailure()
	logger.Warn(ctx, "Simulator unhealthy",
		"session_id", b.SessionID,
		"simulator_id", b.SimulatorID,
		"reason", reason,
	)

	if _, err := h.bindings.CompareAndSetStatus(ctx, b.SimulatorID,
		[]domain.BindingStatus{domain.BindingStatusRunning}, domain.BindingStatusError, reason); err != nil {
		logger.Error(ctx, "Failed to mark simulator errored", "simulator_id", b.SimulatorID, "error", err)
	}

	h.mu.RLock()
	conn := h.watched[b.SessionID]
	cb := h.onUnhealthy
	h.mu.RUnlock()
	if conn != nil {
		conn.Invalidate(ctx)
	}

	h.record(b, HealthUnhealthy, reason, h.now())

	if h.publisher != nil {
		event := domain.SimulatorEvent{
			SimulatorID: b.SimulatorID,
			SessionID:   b.SessionID,
			UserID:      b.UserID,
			Endpoint:    b.Endpoint,
			Status:      string(domain.BindingStatusError),
			Reason:      reason,
			Timestamp:   h.now(),
		}
		if err := h.publisher.Publish(ctx, domain.SimulatorUnhealthyEventType, b.SessionID, event); err != nil {
			logger.Warn(ctx, "Failed to publish unhealthy event", "simulator_id", b.SimulatorID, "error", err)
		}
	}

	if cb != nil {
		cb(ctx, b.SessionID, b.SimulatorID, reason)
	}
}

func (h *HealthMonitor) record(b *domain.SimulatorBinding, status HealthStatus, reason string, at time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	rec, ok := h.records[b.SimulatorID]
	if !ok {
		rec = &SimulatorHealth{SimulatorID: b.SimulatorID, SessionID: b.SessionID, Status: HealthUnchecked}
		h.records[b.SimulatorID] = rec
	}
	if rec.Status == HealthUnhealthy {
		return
	}
	rec.Status = status
	rec.Reason = reason
	rec.LastCheck = at
	if status == HealthHealthy {
		rec.LastHealthy = at
	}
}

// Status 返回模拟器健康记录
func (h *HealthMonitor) Status(simulatorID string) (SimulatorHealth, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	rec, ok := h.records[simulatorID]
	if !ok {
		return SimulatorHealth{SimulatorID: simulatorID, Status: HealthUnchecked}, false
	}
	return *rec, true
}

// Records 返回全部健康记录
func (h *HealthMonitor) Records() []SimulatorHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]SimulatorHealth, 0, len(h.records))
	for _, rec := range h.records {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SimulatorID < out[j].SimulatorID })
	return out
}

// Watched 返回被关注的会话数
func (h *HealthMonitor) Watched() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.watched)
}
