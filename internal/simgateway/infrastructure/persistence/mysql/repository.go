// Package mysql 提供会话与模拟器绑定仓储的 GORM 实现，MySQL/PostgreSQL 通用
package mysql

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/wyfcoding/simgateway/internal/simgateway/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AutoMigrate 创建或更新表结构
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&SessionModel{}, &BindingModel{})
}

// sessionRepositoryImpl 会话仓储实现
type sessionRepositoryImpl struct {
	db *gorm.DB
}

// NewSessionRepository 创建会话仓储
func NewSessionRepository(db *gorm.DB) domain.SessionRepository {
	return &sessionRepositoryImpl{db: db}
}

func (r *sessionRepositoryImpl) CreateIfAbsent(ctx context.Context, s *domain.Session) (*domain.Session, bool, error) {
	m := toSessionModel(s)
	res := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(m)
	if res.Error != nil {
		return nil, false, res.Error
	}
	if res.RowsAffected == 1 {
		return toSession(m), true, nil
	}

	var existing SessionModel
	err := r.db.WithContext(ctx).
		Where("active_user_key = ?", s.UserID).
		First(&existing).Error
	if err != nil {
		return nil, false, fmt.Errorf("load active session for %s: %w", s.UserID, err)
	}
	return toSession(&existing), false, nil
}

func (r *sessionRepositoryImpl) Get(ctx context.Context, sessionID string) (*domain.Session, error) {
	var m SessionModel
	if err := r.db.WithContext(ctx).Where("session_id = ?", sessionID).First(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrSessionNotFound
		}
		return nil, err
	}
	return toSession(&m), nil
}

func (r *sessionRepositoryImpl) Touch(ctx context.Context, sessionID string, at time.Time) error {
	at = at.UTC()
	return r.db.WithContext(ctx).Model(&SessionModel{}).
		Where("session_id = ? AND last_active < ?", sessionID, at).
		Update("last_active", at).Error
}

func (r *sessionRepositoryImpl) RecordTransport(ctx context.Context, sessionID string, kind domain.TransportKind, at time.Time) error {
	at = at.UTC()
	column := "last_ws_connection"
	if kind == domain.TransportSSE {
		column = "last_sse_connection"
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&SessionModel{}).
			Where("session_id = ? AND ("+column+" IS NULL OR "+column+" < ?)", sessionID, at).
			Update(column, at).Error; err != nil {
			return err
		}
		return tx.Model(&SessionModel{}).
			Where("session_id = ? AND last_active < ?", sessionID, at).
			Update("last_active", at).Error
	})
}

func (r *sessionRepositoryImpl) Claim(ctx context.Context, sessionID, host string) error {
	return r.db.WithContext(ctx).Model(&SessionModel{}).
		Where("session_id = ?", sessionID).
		Updates(map[string]any{"host_identity": host, "host_terminating": false}).Error
}

func (r *sessionRepositoryImpl) UpdateStatus(ctx context.Context, sessionID string, status domain.SessionStatus) error {
	updates := map[string]any{"status": string(status)}
	if status != domain.SessionStatusActive {
		updates["active_user_key"] = nil
		updates["ended_at"] = time.Now().UTC()
	}
	res := r.db.WithContext(ctx).Model(&SessionModel{}).Where("session_id = ?", sessionID).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrSessionNotFound
	}
	return nil
}

func (r *sessionRepositoryImpl) ListOverdue(ctx context.Context, now time.Time) ([]*domain.Session, error) {
	return r.find(ctx, "status = ? AND expires_at <= ?", string(domain.SessionStatusActive), now.UTC())
}

func (r *sessionRepositoryImpl) ExpireOverdue(ctx context.Context, now time.Time) (int64, error) {
	now = now.UTC()
	res := r.db.WithContext(ctx).Model(&SessionModel{}).
		Where("status = ? AND expires_at <= ?", string(domain.SessionStatusActive), now).
		Updates(map[string]any{
			"status":          string(domain.SessionStatusExpired),
			"active_user_key": nil,
			"ended_at":        now,
		})
	return res.RowsAffected, res.Error
}

func (r *sessionRepositoryImpl) ListActive(ctx context.Context) ([]*domain.Session, error) {
	return r.find(ctx, "status = ?", string(domain.SessionStatusActive))
}

func (r *sessionRepositoryImpl) MarkHostTerminating(ctx context.Context, host string) (int64, error) {
	res := r.db.WithContext(ctx).Model(&SessionModel{}).
		Where("host_identity = ? AND status = ?", host, string(domain.SessionStatusActive)).
		Update("host_terminating", true)
	return res.RowsAffected, res.Error
}

func (r *sessionRepositoryImpl) DeleteEndedBefore(ctx context.Context, before time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Unscoped().
		Where("status <> ? AND ended_at < ?", string(domain.SessionStatusActive), before.UTC()).
		Delete(&SessionModel{})
	return res.RowsAffected, res.Error
}

func (r *sessionRepositoryImpl) find(ctx context.Context, query string, args ...any) ([]*domain.Session, error) {
	var models []SessionModel
	if err := r.db.WithContext(ctx).Where(query, args...).Order("created_at").Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]*domain.Session, 0, len(models))
	for i := range models {
		out = append(out, toSession(&models[i]))
	}
	return out, nil
}

// bindingRepositoryImpl 模拟器绑定仓储实现
type bindingRepositoryImpl struct {
	db *gorm.DB
}

// NewBindingRepository 创建模拟器绑定仓储
func NewBindingRepository(db *gorm.DB) domain.BindingRepository {
	return &bindingRepositoryImpl{db: db}
}

func activeStatuses() []string {
	out := make([]string, 0, len(domain.ActiveBindingStatuses))
	for _, s := range domain.ActiveBindingStatuses {
		out = append(out, string(s))
	}
	return out
}

func (r *bindingRepositoryImpl) Create(ctx context.Context, b *domain.SimulatorBinding) error {
	res := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(toBindingModel(b))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrBindingActive
	}
	return nil
}

func (r *bindingRepositoryImpl) Get(ctx context.Context, simulatorID string) (*domain.SimulatorBinding, error) {
	var m BindingModel
	if err := r.db.WithContext(ctx).Where("simulator_id = ?", simulatorID).First(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrSimulatorNotFound
		}
		return nil, err
	}
	return toBinding(&m), nil
}

func (r *bindingRepositoryImpl) GetActiveBySession(ctx context.Context, sessionID string) (*domain.SimulatorBinding, error) {
	return r.latest(ctx, "session_id = ?", sessionID)
}

func (r *bindingRepositoryImpl) GetActiveByUser(ctx context.Context, userID string) (*domain.SimulatorBinding, error) {
	return r.latest(ctx, "user_id = ?", userID)
}

func (r *bindingRepositoryImpl) latest(ctx context.Context, query string, arg any) (*domain.SimulatorBinding, error) {
	var m BindingModel
	err := r.db.WithContext(ctx).
		Where(query, arg).
		Where("status IN ?", activeStatuses()).
		Order("created_at DESC").
		First(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrSimulatorNotFound
		}
		return nil, err
	}
	return toBinding(&m), nil
}

func (r *bindingRepositoryImpl) CompareAndSetStatus(ctx context.Context, simulatorID string, from []domain.BindingStatus, to domain.BindingStatus, reason string) (bool, error) {
	fromStr := make([]string, 0, len(from))
	for _, s := range from {
		fromStr = append(fromStr, string(s))
	}
	updates := map[string]any{"status": string(to)}
	if reason != "" {
		updates["error_reason"] = reason
	}
	if to.IsTerminal() {
		updates["active_session_key"] = nil
	}

	res := r.db.WithContext(ctx).Model(&BindingModel{}).
		Where("simulator_id = ? AND status IN ?", simulatorID, fromStr).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected > 0 {
		return true, nil
	}
	if _, err := r.Get(ctx, simulatorID); err != nil {
		return false, err
	}
	return false, nil
}

func (r *bindingRepositoryImpl) Touch(ctx context.Context, simulatorID string, at time.Time) error {
	at = at.UTC()
	return r.db.WithContext(ctx).Model(&BindingModel{}).
		Where("simulator_id = ? AND last_active < ?", simulatorID, at).
		Update("last_active", at).Error
}

func (r *bindingRepositoryImpl) UpdateEndpoint(ctx context.Context, simulatorID, endpoint, podName, namespace string) error {
	return r.update(ctx, simulatorID, map[string]any{
		"endpoint":  endpoint,
		"pod_name":  podName,
		"namespace": namespace,
	})
}

func (r *bindingRepositoryImpl) ClearEndpoint(ctx context.Context, simulatorID string) error {
	return r.update(ctx, simulatorID, map[string]any{
		"endpoint":  "",
		"pod_name":  "",
		"namespace": "",
	})
}

func (r *bindingRepositoryImpl) Reassign(ctx context.Context, simulatorID, host string) error {
	return r.update(ctx, simulatorID, map[string]any{"host_identity": host})
}

func (r *bindingRepositoryImpl) update(ctx context.Context, simulatorID string, updates map[string]any) error {
	res := r.db.WithContext(ctx).Model(&BindingModel{}).Where("simulator_id = ?", simulatorID).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrSimulatorNotFound
	}
	return nil
}

func (r *bindingRepositoryImpl) ListActive(ctx context.Context) ([]*domain.SimulatorBinding, error) {
	return r.find(ctx, "status IN ?", activeStatuses())
}

func (r *bindingRepositoryImpl) ListInactiveSince(ctx context.Context, before time.Time) ([]*domain.SimulatorBinding, error) {
	return r.find(ctx, "status IN ? AND last_active < ?",
		[]string{string(domain.BindingStatusStarting), string(domain.BindingStatusRunning)}, before.UTC())
}

func (r *bindingRepositoryImpl) ListByHost(ctx context.Context, host string) ([]*domain.SimulatorBinding, error) {
	return r.find(ctx, "host_identity = ? AND status IN ?", host, activeStatuses())
}

func (r *bindingRepositoryImpl) find(ctx context.Context, query string, args ...any) ([]*domain.SimulatorBinding, error) {
	var models []BindingModel
	if err := r.db.WithContext(ctx).Where(query, args...).Order("created_at").Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]*domain.SimulatorBinding, 0, len(models))
	for i := range models {
		out = append(out, toBinding(&models[i]))
	}
	return out, nil
}
