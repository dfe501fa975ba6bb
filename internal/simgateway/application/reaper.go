package application

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/wyfcoding/simgateway/internal/simgateway/domain"
	"github.com/wyfcoding/simgateway/pkg/logger"
	"github.com/wyfcoding/simgateway/pkg/metrics"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

// 停止原因
const (
	StopReasonUser     = "user-requested"
	StopReasonInactive = "inactive"
	StopReasonOrphaned = "orphaned"
	StopReasonStuck    = "stuck"
)

// ReaperConfig 清理任务配置
type ReaperConfig struct {
	Interval      time.Duration
	ErrorInterval time.Duration
	// InactivityTimeout 模拟器无活动多久后回收
	InactivityTimeout time.Duration
	// HeartbeatWindow 推送通道无活动多久视为僵尸
	HeartbeatWindow time.Duration
	// GracePeriod 新会话的豁免期
	GracePeriod     time.Duration
	ShutdownTimeout time.Duration
	// Retention 已结束会话的物理保留期，0 表示不删除
	Retention time.Duration
}

// SessionEndedFunc 会话被回收时的回调
type SessionEndedFunc func(ctx context.Context, sessionID string, reason TerminalReason)

// Reaper 周期性对账存储与实际状态
type Reaper struct {
	cfg       ReaperConfig
	sessions  domain.SessionRepository
	bindings  domain.BindingRepository
	registry  *SessionRegistry
	lifecycle *SimulatorLifecycle
	metrics   *metrics.Metrics
	now       func() time.Time

	onEnded []SessionEndedFunc
}

// ReaperDeps 清理任务依赖
type ReaperDeps struct {
	Sessions  domain.SessionRepository
	Bindings  domain.BindingRepository
	Registry  *SessionRegistry
	Lifecycle *SimulatorLifecycle
	Metrics   *metrics.Metrics
}

// NewReaper 创建清理任务
func NewReaper(cfg ReaperConfig, deps ReaperDeps) *Reaper {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.ErrorInterval <= 0 {
		cfg.ErrorInterval = 10 * time.Second
	}
	if cfg.InactivityTimeout <= 0 {
		cfg.InactivityTimeout = 30 * time.Minute
	}
	if cfg.HeartbeatWindow <= 0 {
		cfg.HeartbeatWindow = 5 * time.Minute
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = 2 * time.Minute
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 20 * time.Second
	}
	return &Reaper{
		cfg:       cfg,
		sessions:  deps.Sessions,
		bindings:  deps.Bindings,
		registry:  deps.Registry,
		lifecycle: deps.Lifecycle,
		metrics:   deps.Metrics,
		now:       time.Now,
	}
}

// OnSessionEnded 注册会话被回收时的回调
func (r *Reaper) OnSessionEnded(fn SessionEndedFunc) {
	r.onEnded = append(r.onEnded, fn)
}

// Run 循环执行清理，阻塞直到 ctx 取消
func (r *Reaper) Run(ctx context.Context) {
	logger.Info(ctx, "Reaper started", "interval", r.cfg.Interval, "host", r.registry.Host())
	for {
		wait := r.cfg.Interval
		if err := r.safeRunOnce(ctx); err != nil {
			logger.Error(ctx, "Reaper cycle failed", "error", err)
			wait = r.cfg.ErrorInterval
		}

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			logger.Info(ctx, "Reaper stopped")
			return
		case <-t.C:
		}
	}
}

func (r *Reaper) safeRunOnce(ctx context.Context) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("reaper panic: %v", rec)
			logger.Error(ctx, "Reaper panicked", "panic", rec, "stack", string(debug.Stack()))
		}
	}()
	return r.RunOnce(ctx)
}

// RunOnce 执行一轮清理，各类别互不影响，错误合并返回
func (r *Reaper) RunOnce(ctx context.Context) error {
	start := r.now()
	defer func() { r.metrics.ObserveReaperCycle(time.Since(start).Seconds()) }()

	return multierr.Combine(
		r.expireOverdue(ctx),
		r.stopInactive(ctx),
		r.stopOrphaned(ctx),
		r.reapZombies(ctx),
		r.reassign(ctx),
		r.cleanup(ctx),
	)
}

// expireOverdue 先停止超期会话的模拟器，再批量置为 EXPIRED
func (r *Reaper) expireOverdue(ctx context.Context) error {
	now := r.now()
	overdue, err := r.sessions.ListOverdue(ctx, now)
	if err != nil {
		return fmt.Errorf("list overdue sessions: %w", err)
	}

	var errs error
	for _, sess := range overdue {
		if err := r.stopSession(ctx, sess.SessionID, string(ReasonSessionExpired)); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	n, err := r.sessions.ExpireOverdue(ctx, now)
	if err != nil {
		return multierr.Append(errs, fmt.Errorf("expire overdue sessions: %w", err))
	}
	r.metrics.RecordReclaimed("expired", int(n))
	if n > 0 {
		logger.Info(ctx, "Expired overdue sessions", "count", n)
	}

	for _, sess := range overdue {
		r.registry.Forget(sess.SessionID)
		r.registry.publish(ctx, domain.SessionExpiredEventType, sess, "expired")
		r.ended(ctx, sess.SessionID, ReasonSessionExpired)
	}
	return errs
}

// stopInactive 回收长时间无活动的模拟器
func (r *Reaper) stopInactive(ctx context.Context) error {
	cutoff := r.now().Add(-r.cfg.InactivityTimeout)
	idle, err := r.bindings.ListInactiveSince(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("list inactive simulators: %w", err)
	}

	var errs error
	stopped := 0
	for _, b := range idle {
		if err := r.lifecycle.Stop(ctx, b, false, StopReasonInactive); err != nil {
			if errors.Is(err, domain.ErrStatusConflict) {
				continue
			}
			errs = multierr.Append(errs, err)
			continue
		}
		stopped++
	}
	r.metrics.RecordReclaimed("inactive", stopped)
	return errs
}

// stopOrphaned 回收会话已结束的模拟器，以及卡在过渡状态的模拟器
func (r *Reaper) stopOrphaned(ctx context.Context) error {
	active, err := r.bindings.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("list active simulators: %w", err)
	}

	cutoff := r.now().Add(-r.cfg.InactivityTimeout)
	var errs error
	stopped := 0
	for _, b := range active {
		reason := ""
		sess, err := r.sessions.Get(ctx, b.SessionID)
		switch {
		case errors.Is(err, domain.ErrSessionNotFound):
			reason = StopReasonOrphaned
		case err != nil:
			errs = multierr.Append(errs, err)
			continue
		case sess.Status != domain.SessionStatusActive:
			reason = StopReasonOrphaned
		case b.LastActive.Before(cutoff) && b.Status != domain.BindingStatusRunning && b.Status != domain.BindingStatusStarting:
			reason = StopReasonStuck
		}
		if reason == "" {
			continue
		}
		if err := r.lifecycle.Stop(ctx, b, true, reason); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		stopped++
	}
	r.metrics.RecordReclaimed("orphaned", stopped)
	return errs
}

// reapZombies 回收没有任何推送通道活动的活跃会话
func (r *Reaper) reapZombies(ctx context.Context) error {
	sessions, err := r.sessions.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("list active sessions: %w", err)
	}

	now := r.now()
	var errs error
	reaped := 0
	for _, sess := range sessions {
		if !sess.IsZombie(now, r.cfg.HeartbeatWindow, r.cfg.GracePeriod) {
			continue
		}
		if err := r.stopSession(ctx, sess.SessionID, string(ReasonSessionExpired)); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if err := r.registry.Expire(ctx, sess, "zombie"); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		logger.Info(ctx, "Zombie session reaped", "session_id", sess.SessionID, "user_id", sess.UserID)
		r.ended(ctx, sess.SessionID, ReasonSessionExpired)
		reaped++
	}
	r.metrics.RecordReclaimed("zombie", reaped)
	return errs
}

// reassign 本实例持有的会话若其模拟器仍记在其他实例名下，则转移到本实例
func (r *Reaper) reassign(ctx context.Context) error {
	sessions, err := r.sessions.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("list active sessions: %w", err)
	}

	host := r.registry.Host()
	var errs error
	moved := 0
	for _, sess := range sessions {
		if sess.HostIdentity != host || sess.HostTerminating {
			continue
		}
		b, err := r.bindings.GetActiveBySession(ctx, sess.SessionID)
		if errors.Is(err, domain.ErrSimulatorNotFound) {
			continue
		}
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if b.HostIdentity == host {
			continue
		}
		if err := r.bindings.Reassign(ctx, b.SimulatorID, host); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("reassign simulator %s: %w", b.SimulatorID, err))
			continue
		}
		logger.Info(ctx, "Simulator reassigned", "simulator_id", b.SimulatorID, "from", b.HostIdentity, "to", host)
		moved++
	}
	r.metrics.RecordReclaimed("reassigned", moved)
	return errs
}

// cleanup 物理删除保留期之前结束的会话
func (r *Reaper) cleanup(ctx context.Context) error {
	if r.cfg.Retention <= 0 {
		return nil
	}
	n, err := r.sessions.DeleteEndedBefore(ctx, r.now().Add(-r.cfg.Retention))
	if err != nil {
		return fmt.Errorf("delete ended sessions: %w", err)
	}
	r.metrics.RecordReclaimed("deleted", int(n))
	return nil
}

func (r *Reaper) stopSession(ctx context.Context, sessionID, reason string) error {
	err := r.lifecycle.StopSession(ctx, sessionID, true, reason)
	if errors.Is(err, domain.ErrNoActiveSimulator) {
		return nil
	}
	return err
}

func (r *Reaper) ended(ctx context.Context, sessionID string, reason TerminalReason) {
	for _, fn := range r.onEnded {
		fn(ctx, sessionID, reason)
	}
}

// Shutdown 停止本实例持有的全部模拟器，超过期限的任务被取消并等待其退出，
// 随后清除地址信息并把本实例的会话标记为下线中
func (r *Reaper) Shutdown(ctx context.Context) error {
	host := r.registry.Host()
	owned, err := r.bindings.ListByHost(ctx, host)
	if err != nil {
		return fmt.Errorf("list owned simulators: %w", err)
	}
	logger.Info(ctx, "Stopping owned simulators", "host", host, "count", len(owned))

	stopCtx, cancel := context.WithTimeout(ctx, r.cfg.ShutdownTimeout)
	defer cancel()

	var g errgroup.Group
	g.SetLimit(16)
	var errs error
	results := make([]error, len(owned))
	for i, b := range owned {
		g.Go(func() error {
			results[i] = r.lifecycle.Stop(stopCtx, b, true, string(ReasonServerShutdown))
			return nil
		})
	}
	_ = g.Wait()
	for i, e := range results {
		if e != nil {
			errs = multierr.Append(errs, fmt.Errorf("stop simulator %s: %w", owned[i].SimulatorID, e))
		}
	}

	// 截止时间之后仍需完成的收尾写入
	cleanupCtx, cleanupCancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cleanupCancel()
	for _, b := range owned {
		if err := r.bindings.ClearEndpoint(cleanupCtx, b.SimulatorID); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("clear endpoint %s: %w", b.SimulatorID, err))
		}
	}
	n, err := r.sessions.MarkHostTerminating(cleanupCtx, host)
	if err != nil {
		errs = multierr.Append(errs, fmt.Errorf("mark host terminating: %w", err))
	}
	r.metrics.RecordReclaimed("shutdown", len(owned))
	logger.Info(ctx, "Owned simulators released", "host", host, "simulators", len(owned), "sessions", n)
	return errs
}
