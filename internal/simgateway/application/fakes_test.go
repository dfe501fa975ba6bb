package application

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/wyfcoding/simgateway/internal/simgateway/domain"
)

// fakeSimulator 可编程的模拟器客户端
type fakeSimulator struct {
	mu         sync.Mutex
	heartbeats map[string]int
	// heartbeat 为空时返回成功
	heartbeat func(endpoint string) (*domain.HeartbeatResult, error)
	streams   map[string]*fakeStream
	released  []string
}

func newFakeSimulator() *fakeSimulator {
	return &fakeSimulator{
		heartbeats: make(map[string]int),
		streams:    make(map[string]*fakeStream),
	}
}

func (f *fakeSimulator) Heartbeat(_ context.Context, endpoint string, _ time.Time) (*domain.HeartbeatResult, error) {
	f.mu.Lock()
	f.heartbeats[endpoint]++
	hb := f.heartbeat
	f.mu.Unlock()
	if hb != nil {
		return hb(endpoint)
	}
	return &domain.HeartbeatResult{Success: true, ServerTime: time.Now(), Status: domain.BindingStatusRunning}, nil
}

func (f *fakeSimulator) setHeartbeat(fn func(endpoint string) (*domain.HeartbeatResult, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeat = fn
}

func (f *fakeSimulator) heartbeatCount(endpoint string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.heartbeats[endpoint]
}

func (f *fakeSimulator) StreamData(ctx context.Context, endpoint, _, _ string) (domain.UpdateStream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.streams[endpoint]
	if !ok {
		s = newFakeStream()
		f.streams[endpoint] = s
	}
	s.bind(ctx)
	return s, nil
}

func (f *fakeSimulator) stream(endpoint string) *fakeStream {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.streams[endpoint]
	if !ok {
		s = newFakeStream()
		f.streams[endpoint] = s
	}
	return s
}

func (f *fakeSimulator) Release(endpoint string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, endpoint)
}

// fakeStream 通过 channel 投递更新
type fakeStream struct {
	mu      sync.Mutex
	ctx     context.Context
	updates chan *domain.Update
	errs    chan error
	closed  bool
}

func newFakeStream() *fakeStream {
	return &fakeStream{
		ctx:     context.Background(),
		updates: make(chan *domain.Update, 64),
		errs:    make(chan error, 1),
	}
}

func (s *fakeStream) bind(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ctx = ctx
}

func (s *fakeStream) Recv() (*domain.Update, error) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	// 已排队的更新先于错误投递
	select {
	case u := <-s.updates:
		return u, nil
	default:
	}
	select {
	case u := <-s.updates:
		return u, nil
	case err := <-s.errs:
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *fakeStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeStream) push(u *domain.Update) { s.updates <- u }

func (s *fakeStream) fail(err error) { s.errs <- err }

// fakeOrchestrator 记录创建与删除调用
type fakeOrchestrator struct {
	mu        sync.Mutex
	created   []string
	deleted   []string
	status    string
	deleteErr error
	createErr error
}

func (o *fakeOrchestrator) CreateSimulator(_ context.Context, req domain.CreateSimulatorRequest) (*domain.SimulatorPlacement, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.createErr != nil {
		return nil, o.createErr
	}
	o.created = append(o.created, req.SimulatorID)
	return &domain.SimulatorPlacement{
		Endpoint:  "sim-" + req.SimulatorID + ":50051",
		PodName:   "sim-" + req.SimulatorID,
		Namespace: "trading",
	}, nil
}

func (o *fakeOrchestrator) DeleteSimulator(_ context.Context, simulatorID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.deleteErr != nil {
		return o.deleteErr
	}
	o.deleted = append(o.deleted, simulatorID)
	return nil
}

func (o *fakeOrchestrator) SimulatorStatus(context.Context, string) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.status == "" {
		return "running", nil
	}
	return o.status, nil
}

func (o *fakeOrchestrator) deletedIDs() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.deleted...)
}

// fakeTokens 令牌即用户 ID，"bad" 为无效令牌
type fakeTokens struct{}

func (fakeTokens) ValidateToken(_ context.Context, token string) (string, error) {
	if token == "" || token == "bad" {
		return "", domain.ErrInvalidToken
	}
	return token, nil
}

// fakePublisher 记录发布的事件主题
type fakePublisher struct {
	mu     sync.Mutex
	topics []string
}

func (p *fakePublisher) Publish(_ context.Context, topic, _ string, _ any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
	return nil
}

func (p *fakePublisher) published() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.topics...)
}

// statusRecorder 收集连接状态通知
type statusRecorder struct {
	mu       sync.Mutex
	statuses []domain.ConnectionStatus
}

func (r *statusRecorder) notify(_ string, s domain.ConnectionStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, s)
}

func (r *statusRecorder) all() []domain.ConnectionStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.ConnectionStatus(nil), r.statuses...)
}

var errRefused = errors.New("connection refused")
