package application

import (
	"context"
	"sync"

	"github.com/wyfcoding/simgateway/internal/simgateway/domain"
)

// dropQueue 有界队列，满时丢弃最旧的更新
type dropQueue struct {
	mu       sync.Mutex
	items    []*domain.Update
	capacity int
	// pending 自上次 Pop 以来丢弃的数量
	pending int
	total   uint64
	notify  chan struct{}
}

func newDropQueue(capacity int) *dropQueue {
	if capacity <= 0 {
		capacity = 256
	}
	return &dropQueue{
		items:    make([]*domain.Update, 0, capacity),
		capacity: capacity,
		notify:   make(chan struct{}, 1),
	}
}

// Push 入队，返回是否挤出了最旧的一条
func (q *dropQueue) Push(u *domain.Update) bool {
	q.mu.Lock()
	dropped := false
	if len(q.items) >= q.capacity {
		q.items[0] = nil
		q.items = q.items[1:]
		q.pending++
		q.total++
		dropped = true
	}
	q.items = append(q.items, u)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return dropped
}

// Pop 阻塞直到有更新或 ctx 取消，同时返回此前累计的丢弃数
func (q *dropQueue) Pop(ctx context.Context) (*domain.Update, int, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			u := q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
			dropped := q.pending
			q.pending = 0
			q.mu.Unlock()
			return u, dropped, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, 0, ctx.Err()
		case <-q.notify:
		}
	}
}

// Len 当前排队数
func (q *dropQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Dropped 累计丢弃数
func (q *dropQueue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.total
}
