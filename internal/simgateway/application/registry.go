package application

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/wyfcoding/simgateway/internal/simgateway/domain"
	"github.com/wyfcoding/simgateway/pkg/logger"
)

// SessionConfig 会话配置
type SessionConfig struct {
	TTL time.Duration
	// TouchInterval 活跃时间写入的最小间隔，避免每条消息都写存储
	TouchInterval time.Duration
}

// SessionRegistry 会话登记处，存储是唯一事实来源
type SessionRegistry struct {
	repo      domain.SessionRepository
	publisher domain.EventPublisher
	host      string
	cfg       SessionConfig
	now       func() time.Time

	mu        sync.Mutex
	lastWrite map[string]time.Time
}

// NewSessionRegistry 创建会话登记处
func NewSessionRegistry(repo domain.SessionRepository, publisher domain.EventPublisher, host string, cfg SessionConfig) *SessionRegistry {
	if cfg.TTL <= 0 {
		cfg.TTL = 8 * time.Hour
	}
	return &SessionRegistry{
		repo:      repo,
		publisher: publisher,
		host:      host,
		cfg:       cfg,
		now:       time.Now,
		lastWrite: make(map[string]time.Time),
	}
}

// Host 本实例标识
func (r *SessionRegistry) Host() string {
	return r.host
}

// Create 为用户创建会话，已有 ACTIVE 会话时直接返回该会话
func (r *SessionRegistry) Create(ctx context.Context, userID string) (*domain.Session, bool, error) {
	if userID == "" {
		return nil, false, domain.ErrInvalidToken
	}
	sess, created, err := r.repo.CreateIfAbsent(ctx, domain.NewSession(userID, r.host, r.cfg.TTL, r.now()))
	if err != nil {
		return nil, false, fmt.Errorf("create session: %w", err)
	}
	if !created && !sess.IsActive(r.now()) {
		// 已超时但清理任务尚未处理
		if err := r.Expire(ctx, sess, "expired"); err != nil {
			return nil, false, err
		}
		sess, created, err = r.repo.CreateIfAbsent(ctx, domain.NewSession(userID, r.host, r.cfg.TTL, r.now()))
		if err != nil {
			return nil, false, fmt.Errorf("create session: %w", err)
		}
	}
	if created {
		logger.Info(ctx, "Session created", "session_id", sess.SessionID, "user_id", userID)
		r.publish(ctx, domain.SessionCreatedEventType, sess, "")
	}
	return sess, created, nil
}

// Get 读取会话
func (r *SessionRegistry) Get(ctx context.Context, sessionID string) (*domain.Session, error) {
	return r.repo.Get(ctx, sessionID)
}

// Validate 校验会话存在、处于活跃状态且属于 userID
func (r *SessionRegistry) Validate(ctx context.Context, sessionID, userID string) (*domain.Session, error) {
	sess, err := r.repo.Get(ctx, sessionID)
	if errors.Is(err, domain.ErrSessionNotFound) {
		return nil, domain.ErrInvalidSession
	}
	if err != nil {
		return nil, err
	}
	if userID != "" && sess.UserID != userID {
		return nil, domain.ErrForbidden
	}
	if !sess.IsActive(r.now()) {
		return nil, domain.ErrInvalidSession
	}
	return sess, nil
}

// Touch 推进会话活跃时间，尽力而为
func (r *SessionRegistry) Touch(ctx context.Context, sessionID string) {
	now := r.now()
	if !r.due(sessionID, now) {
		return
	}
	if err := r.repo.Touch(ctx, sessionID, now); err != nil {
		logger.Warn(ctx, "Failed to touch session", "session_id", sessionID, "error", err)
	}
}

// RecordTransport 记录推送通道活动，尽力而为
func (r *SessionRegistry) RecordTransport(ctx context.Context, sessionID string, kind domain.TransportKind) {
	now := r.now()
	if !r.due(sessionID+"/"+string(kind), now) {
		return
	}
	if err := r.repo.RecordTransport(ctx, sessionID, kind, now); err != nil {
		logger.Warn(ctx, "Failed to record transport activity", "session_id", sessionID, "transport", kind, "error", err)
	}
}

func (r *SessionRegistry) due(key string, now time.Time) bool {
	if r.cfg.TouchInterval <= 0 {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if last, ok := r.lastWrite[key]; ok && now.Sub(last) < r.cfg.TouchInterval {
		return false
	}
	r.lastWrite[key] = now
	return true
}

// Claim 将会话归属到本实例
func (r *SessionRegistry) Claim(ctx context.Context, sessionID string) error {
	return r.repo.Claim(ctx, sessionID, r.host)
}

// End 用户主动结束会话
func (r *SessionRegistry) End(ctx context.Context, sess *domain.Session, reason string) error {
	return r.transition(ctx, sess, domain.SessionStatusInactive, domain.SessionEndedEventType, reason)
}

// Expire 会话超时或被判定为僵尸
func (r *SessionRegistry) Expire(ctx context.Context, sess *domain.Session, reason string) error {
	return r.transition(ctx, sess, domain.SessionStatusExpired, domain.SessionExpiredEventType, reason)
}

func (r *SessionRegistry) transition(ctx context.Context, sess *domain.Session, to domain.SessionStatus, topic, reason string) error {
	if err := r.repo.UpdateStatus(ctx, sess.SessionID, to); err != nil {
		return fmt.Errorf("mark session %s %s: %w", sess.SessionID, to, err)
	}
	r.Forget(sess.SessionID)
	logger.Info(ctx, "Session closed", "session_id", sess.SessionID, "status", to, "reason", reason)
	r.publish(ctx, topic, sess, reason)
	return nil
}

// Forget 清除节流记录
func (r *SessionRegistry) Forget(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.lastWrite, sessionID)
	delete(r.lastWrite, sessionID+"/"+string(domain.TransportWebSocket))
	delete(r.lastWrite, sessionID+"/"+string(domain.TransportSSE))
}

func (r *SessionRegistry) publish(ctx context.Context, topic string, sess *domain.Session, reason string) {
	if r.publisher == nil {
		return
	}
	event := domain.SessionEvent{
		SessionID: sess.SessionID,
		UserID:    sess.UserID,
		Reason:    reason,
		Host:      r.host,
		Timestamp: r.now(),
	}
	if err := r.publisher.Publish(ctx, topic, sess.SessionID, event); err != nil {
		logger.Warn(ctx, "Failed to publish session event", "topic", topic, "session_id", sess.SessionID, "error", err)
	}
}
