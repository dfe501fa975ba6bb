package application

import (
	"sort"
	"sync"

	"github.com/wyfcoding/simgateway/pkg/breaker"
	"github.com/wyfcoding/simgateway/pkg/metrics"
)

// BreakerRegistry 按下游名称持有熔断器，同一模拟器地址在所有会话间共享一个实例
type BreakerRegistry struct {
	mu       sync.Mutex
	template breaker.Settings
	metrics  *metrics.Metrics
	breakers map[string]*breaker.CircuitBreaker
}

// NewBreakerRegistry 创建熔断器注册表，template 中的 Name 会被覆盖
func NewBreakerRegistry(template breaker.Settings, m *metrics.Metrics) *BreakerRegistry {
	return &BreakerRegistry{
		template: template,
		metrics:  m,
		breakers: make(map[string]*breaker.CircuitBreaker),
	}
}

// Get 获取或创建指定名称的熔断器
func (r *BreakerRegistry) Get(name string) *breaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[name]; ok {
		return b
	}

	s := r.template
	s.Name = name
	if s.IsExcluded == nil {
		s.IsExcluded = breaker.IsStartupNoise
	}
	s.OnReject = r.metrics.RecordBreakerRejection
	b := breaker.New(s)
	b.AddListener(func(name string, from, to breaker.State) {
		r.metrics.RecordBreakerTransition(name, string(from), string(to), to.Gauge())
	})
	r.breakers[name] = b
	return b
}

// Remove 删除熔断器，模拟器被回收后调用
func (r *BreakerRegistry) Remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.breakers, name)
}

// Snapshots 返回所有熔断器快照，按名称排序
func (r *BreakerRegistry) Snapshots() []breaker.CircuitState {
	r.mu.Lock()
	list := make([]*breaker.CircuitBreaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		list = append(list, b)
	}
	r.mu.Unlock()

	out := make([]breaker.CircuitState, 0, len(list))
	for _, b := range list {
		out = append(out, b.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
