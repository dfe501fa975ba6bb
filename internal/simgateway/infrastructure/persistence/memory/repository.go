// Package memory 进程内仓储实现，用于单节点运行与测试
package memory

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/wyfcoding/simgateway/internal/simgateway/domain"
)

// Store 同时实现会话与绑定仓储，共享一把锁以保证跨表操作的原子性
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*domain.Session
	bindings map[string]*domain.SimulatorBinding
	// endedAt 会话离开 ACTIVE 的时间，供清理任务使用
	endedAt map[string]time.Time
	now     func() time.Time
}

// NewStore 创建内存仓储
func NewStore() *Store {
	return &Store{
		sessions: make(map[string]*domain.Session),
		bindings: make(map[string]*domain.SimulatorBinding),
		endedAt:  make(map[string]time.Time),
		now:      time.Now,
	}
}

// Sessions 返回会话仓储视图
func (s *Store) Sessions() domain.SessionRepository { return sessionRepo{s} }

// Bindings 返回绑定仓储视图
func (s *Store) Bindings() domain.BindingRepository { return bindingRepo{s} }

func copySession(in *domain.Session) *domain.Session {
	out := *in
	if in.LastWSConnection != nil {
		t := *in.LastWSConnection
		out.LastWSConnection = &t
	}
	if in.LastSSEConnection != nil {
		t := *in.LastSSEConnection
		out.LastSSEConnection = &t
	}
	return &out
}

func copyBinding(in *domain.SimulatorBinding) *domain.SimulatorBinding {
	out := *in
	return &out
}

type sessionRepo struct{ s *Store }

func (r sessionRepo) CreateIfAbsent(_ context.Context, sess *domain.Session) (*domain.Session, bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, existing := range r.s.sessions {
		if existing.UserID == sess.UserID && existing.Status == domain.SessionStatusActive {
			return copySession(existing), false, nil
		}
	}
	r.s.sessions[sess.SessionID] = copySession(sess)
	return copySession(sess), true, nil
}

func (r sessionRepo) Get(_ context.Context, id string) (*domain.Session, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	sess, ok := r.s.sessions[id]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	return copySession(sess), nil
}

func (r sessionRepo) Touch(_ context.Context, id string, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	sess, ok := r.s.sessions[id]
	if !ok {
		return domain.ErrSessionNotFound
	}
	sess.Touch(at)
	return nil
}

func (r sessionRepo) RecordTransport(_ context.Context, id string, kind domain.TransportKind, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	sess, ok := r.s.sessions[id]
	if !ok {
		return domain.ErrSessionNotFound
	}
	t := at
	switch kind {
	case domain.TransportSSE:
		if sess.LastSSEConnection == nil || t.After(*sess.LastSSEConnection) {
			sess.LastSSEConnection = &t
		}
	default:
		if sess.LastWSConnection == nil || t.After(*sess.LastWSConnection) {
			sess.LastWSConnection = &t
		}
	}
	sess.Touch(at)
	return nil
}

func (r sessionRepo) Claim(_ context.Context, id, host string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	sess, ok := r.s.sessions[id]
	if !ok {
		return domain.ErrSessionNotFound
	}
	sess.HostIdentity = host
	sess.HostTerminating = false
	return nil
}

func (r sessionRepo) UpdateStatus(_ context.Context, id string, status domain.SessionStatus) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	sess, ok := r.s.sessions[id]
	if !ok {
		return domain.ErrSessionNotFound
	}
	if sess.Status == domain.SessionStatusActive && status != domain.SessionStatusActive {
		r.s.endedAt[id] = r.s.now()
	}
	sess.Status = status
	return nil
}

func (r sessionRepo) ListOverdue(_ context.Context, now time.Time) ([]*domain.Session, error) {
	return r.list(func(sess *domain.Session) bool {
		return sess.Status == domain.SessionStatusActive && !now.Before(sess.ExpiresAt)
	}), nil
}

func (r sessionRepo) ExpireOverdue(_ context.Context, now time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for id, sess := range r.s.sessions {
		if sess.Status == domain.SessionStatusActive && !now.Before(sess.ExpiresAt) {
			sess.Status = domain.SessionStatusExpired
			r.s.endedAt[id] = now
			n++
		}
	}
	return n, nil
}

func (r sessionRepo) ListActive(_ context.Context) ([]*domain.Session, error) {
	return r.list(func(sess *domain.Session) bool {
		return sess.Status == domain.SessionStatusActive
	}), nil
}

func (r sessionRepo) MarkHostTerminating(_ context.Context, host string) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for _, sess := range r.s.sessions {
		if sess.HostIdentity == host && sess.Status == domain.SessionStatusActive {
			sess.HostTerminating = true
			n++
		}
	}
	return n, nil
}

func (r sessionRepo) DeleteEndedBefore(_ context.Context, before time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for id, sess := range r.s.sessions {
		if sess.Status == domain.SessionStatusActive {
			continue
		}
		ended, ok := r.s.endedAt[id]
		if !ok {
			ended = sess.LastActive
		}
		if ended.Before(before) {
			delete(r.s.sessions, id)
			delete(r.s.endedAt, id)
			n++
		}
	}
	return n, nil
}

func (r sessionRepo) list(match func(*domain.Session) bool) []*domain.Session {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var out []*domain.Session
	for _, sess := range r.s.sessions {
		if match(sess) {
			out = append(out, copySession(sess))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

type bindingRepo struct{ s *Store }

func (r bindingRepo) Create(_ context.Context, b *domain.SimulatorBinding) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, existing := range r.s.bindings {
		if existing.SessionID == b.SessionID && !existing.Status.IsTerminal() {
			return domain.ErrBindingActive
		}
	}
	r.s.bindings[b.SimulatorID] = copyBinding(b)
	return nil
}

func (r bindingRepo) Get(_ context.Context, id string) (*domain.SimulatorBinding, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	b, ok := r.s.bindings[id]
	if !ok {
		return nil, domain.ErrSimulatorNotFound
	}
	return copyBinding(b), nil
}

func (r bindingRepo) GetActiveBySession(_ context.Context, sessionID string) (*domain.SimulatorBinding, error) {
	return r.latest(func(b *domain.SimulatorBinding) bool { return b.SessionID == sessionID })
}

func (r bindingRepo) GetActiveByUser(_ context.Context, userID string) (*domain.SimulatorBinding, error) {
	return r.latest(func(b *domain.SimulatorBinding) bool { return b.UserID == userID })
}

func (r bindingRepo) latest(match func(*domain.SimulatorBinding) bool) (*domain.SimulatorBinding, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var found *domain.SimulatorBinding
	for _, b := range r.s.bindings {
		if b.Status.IsTerminal() || !match(b) {
			continue
		}
		if found == nil || b.CreatedAt.After(found.CreatedAt) {
			found = b
		}
	}
	if found == nil {
		return nil, domain.ErrSimulatorNotFound
	}
	return copyBinding(found), nil
}

func (r bindingRepo) CompareAndSetStatus(_ context.Context, id string, from []domain.BindingStatus, to domain.BindingStatus, reason string) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	b, ok := r.s.bindings[id]
	if !ok {
		return false, domain.ErrSimulatorNotFound
	}
	if !slices.Contains(from, b.Status) {
		return false, nil
	}
	b.Status = to
	if reason != "" {
		b.ErrorReason = reason
	}
	return true, nil
}

func (r bindingRepo) Touch(_ context.Context, id string, at time.Time) error {
	return r.update(id, func(b *domain.SimulatorBinding) {
		if at.After(b.LastActive) {
			b.LastActive = at
		}
	})
}

func (r bindingRepo) UpdateEndpoint(_ context.Context, id, endpoint, podName, namespace string) error {
	return r.update(id, func(b *domain.SimulatorBinding) {
		b.Endpoint = endpoint
		b.PodName = podName
		b.Namespace = namespace
	})
}

func (r bindingRepo) ClearEndpoint(_ context.Context, id string) error {
	return r.update(id, func(b *domain.SimulatorBinding) {
		b.Endpoint = ""
		b.PodName = ""
		b.Namespace = ""
	})
}

func (r bindingRepo) Reassign(_ context.Context, id, host string) error {
	return r.update(id, func(b *domain.SimulatorBinding) { b.HostIdentity = host })
}

func (r bindingRepo) update(id string, fn func(*domain.SimulatorBinding)) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	b, ok := r.s.bindings[id]
	if !ok {
		return domain.ErrSimulatorNotFound
	}
	fn(b)
	return nil
}

func (r bindingRepo) ListActive(_ context.Context) ([]*domain.SimulatorBinding, error) {
	return r.list(func(b *domain.SimulatorBinding) bool { return !b.Status.IsTerminal() }), nil
}

func (r bindingRepo) ListInactiveSince(_ context.Context, before time.Time) ([]*domain.SimulatorBinding, error) {
	return r.list(func(b *domain.SimulatorBinding) bool {
		return (b.Status == domain.BindingStatusStarting || b.Status == domain.BindingStatusRunning) &&
			b.LastActive.Before(before)
	}), nil
}

func (r bindingRepo) ListByHost(_ context.Context, host string) ([]*domain.SimulatorBinding, error) {
	return r.list(func(b *domain.SimulatorBinding) bool {
		return b.HostIdentity == host && !b.Status.IsTerminal()
	}), nil
}

func (r bindingRepo) list(match func(*domain.SimulatorBinding) bool) []*domain.SimulatorBinding {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var out []*domain.SimulatorBinding
	for _, b := range r.s.bindings {
		if match(b) {
			out = append(out, copyBinding(b))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}
