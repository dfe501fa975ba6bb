// Package snapshot 会话合并状态的二级缓存：进程内 bigcache + Redis
package snapshot

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/wyfcoding/simgateway/pkg/cache"
	"github.com/wyfcoding/simgateway/pkg/logger"
)

const keyPrefix = "simgateway:snapshot:"

// Store 本地缓存每次写入，Redis 按会话节流写入，供其他实例接管会话时读取
type Store struct {
	local  *cache.LocalCache
	remote *cache.RedisCache
	ttl    time.Duration
	// flushEvery 同一会话两次写 Redis 的最小间隔
	flushEvery time.Duration
	now        func() time.Time

	mu        sync.Mutex
	lastFlush map[string]time.Time
}

// NewStore 创建快照存储，remote 为空时仅使用本地缓存
func NewStore(local *cache.LocalCache, remote *cache.RedisCache, ttl, flushEvery time.Duration) *Store {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Store{
		local:      local,
		remote:     remote,
		ttl:        ttl,
		flushEvery: flushEvery,
		now:        time.Now,
		lastFlush:  make(map[string]time.Time),
	}
}

func key(sessionID string) string {
	return keyPrefix + sessionID
}

// Load 先查本地，未命中再查 Redis 并回填本地
func (s *Store) Load(ctx context.Context, sessionID string) (map[string]any, bool, error) {
	var snap map[string]any
	if s.local != nil {
		ok, err := s.local.GetJSON(key(sessionID), &snap)
		if err != nil {
			logger.Warn(ctx, "Corrupt local snapshot", "session_id", sessionID, "error", err)
		} else if ok {
			return snap, true, nil
		}
	}
	if s.remote == nil {
		return nil, false, nil
	}

	ok, err := s.remote.GetJSON(ctx, key(sessionID), &snap)
	if err != nil {
		return nil, false, fmt.Errorf("load snapshot %s: %w", sessionID, err)
	}
	if !ok {
		return nil, false, nil
	}
	if s.local != nil {
		if err := s.local.SetJSON(key(sessionID), snap); err != nil {
			logger.Debug(ctx, "Failed to backfill local snapshot", "session_id", sessionID, "error", err)
		}
	}
	return snap, true, nil
}

// Save 写入本地，距上次写 Redis 超过 flushEvery 时同步写 Redis
func (s *Store) Save(ctx context.Context, sessionID string, snapshot map[string]any) error {
	if s.local != nil {
		if err := s.local.SetJSON(key(sessionID), snapshot); err != nil {
			return fmt.Errorf("save local snapshot %s: %w", sessionID, err)
		}
	}
	if s.remote == nil || !s.due(sessionID) {
		return nil
	}
	if err := s.remote.SetJSON(ctx, key(sessionID), snapshot, s.ttl); err != nil {
		return fmt.Errorf("save snapshot %s: %w", sessionID, err)
	}
	return nil
}

func (s *Store) due(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if last, ok := s.lastFlush[sessionID]; ok && now.Sub(last) < s.flushEvery {
		return false
	}
	s.lastFlush[sessionID] = now
	return true
}

// Delete 删除两级缓存中的快照
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	delete(s.lastFlush, sessionID)
	s.mu.Unlock()

	if s.local != nil {
		if err := s.local.Delete(key(sessionID)); err != nil {
			return err
		}
	}
	if s.remote != nil {
		return s.remote.Delete(ctx, key(sessionID))
	}
	return nil
}
