package cache

import (
	"context"
	"errors"
	"time"

	"github.com/allegro/bigcache/v3"
)

// LocalCache 进程内缓存，基于 bigcache
type LocalCache struct {
	store *bigcache.BigCache
}

// NewLocal 创建进程内缓存，ttl 为条目存活时间
func NewLocal(ctx context.Context, ttl time.Duration) (*LocalCache, error) {
	cfg := bigcache.DefaultConfig(ttl)
	cfg.Verbose = false
	cfg.HardMaxCacheSize = 256
	store, err := bigcache.New(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &LocalCache{store: store}, nil
}

// Get 获取缓存值，未命中时返回 false
func (lc *LocalCache) Get(key string) ([]byte, bool) {
	val, err := lc.store.Get(key)
	if err != nil {
		return nil, false
	}
	return val, true
}

// GetJSON 获取并解码缓存值
func (lc *LocalCache) GetJSON(key string, dest any) (bool, error) {
	val, ok := lc.Get(key)
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(val, dest); err != nil {
		return false, err
	}
	return true, nil
}

// Set 设置缓存值
func (lc *LocalCache) Set(key string, value []byte) error {
	return lc.store.Set(key, value)
}

// SetJSON 编码并设置缓存值
func (lc *LocalCache) SetJSON(key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return lc.store.Set(key, data)
}

// Delete 删除缓存，key 不存在时不报错
func (lc *LocalCache) Delete(key string) error {
	if err := lc.store.Delete(key); err != nil && !errors.Is(err, bigcache.ErrEntryNotFound) {
		return err
	}
	return nil
}

// Close 释放资源
func (lc *LocalCache) Close() error {
	return lc.store.Close()
}
