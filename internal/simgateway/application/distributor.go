package application

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"
	"github.com/wyfcoding/simgateway/internal/simgateway/codec"
	"github.com/wyfcoding/simgateway/internal/simgateway/domain"
	"github.com/wyfcoding/simgateway/pkg/logger"
	"github.com/wyfcoding/simgateway/pkg/metrics"
)

// TerminalReason 推送通道关闭原因
type TerminalReason string

const (
	ReasonSimulatorStopped TerminalReason = "simulator-stopped"
	ReasonSessionExpired   TerminalReason = "session-expired"
	ReasonSessionEnded     TerminalReason = "session-ended"
	ReasonServerShutdown   TerminalReason = "server-shutdown"
	ReasonDeliveryFailed   TerminalReason = "delivery-failed"
	// ReasonReplaced 同一客户端 ID 在新通道上重新接入
	ReasonReplaced TerminalReason = "replaced"
)

// TerminalEvent 关闭通道前发送给客户端的终止事件
type TerminalEvent struct {
	Reason  TerminalReason `json:"reason"`
	Message string         `json:"message,omitempty"`
}

// Transport 单个客户端的推送通道
type Transport interface {
	Send(ctx context.Context, msg *codec.Message) error
	Close(ev TerminalEvent) error
}

// Source 会话的上游更新来源，阻塞运行直到 ctx 取消或上游终止
type Source func(ctx context.Context, emit func(*domain.Update)) error

// SnapshotStore 会话最新合并状态的缓存，用于跨实例重连
type SnapshotStore interface {
	Load(ctx context.Context, sessionID string) (map[string]any, bool, error)
	Save(ctx context.Context, sessionID string, snapshot map[string]any) error
	Delete(ctx context.Context, sessionID string) error
}

// Subscription 客户端订阅
type Subscription struct {
	ClientID  string               `json:"client_id"`
	SessionID string               `json:"session_id"`
	Transport domain.TransportKind `json:"transport"`
	// Symbols 为空表示接收全部行情
	Symbols []string `json:"symbols,omitempty"`
}

// DistributorConfig 分发配置
type DistributorConfig struct {
	QueueSize   int
	SendTimeout time.Duration
	// IdleGrace 最后一个订阅离开后保留上游流的时间
	IdleGrace time.Duration
	MaxFanout int
}

// DistributorStats 分发统计
type DistributorStats struct {
	Sessions    int         `json:"sessions"`
	Connections int         `json:"connections"`
	Dropped     uint64      `json:"dropped_updates"`
	Queued      int         `json:"queued_updates"`
	Codec       codec.Stats `json:"codec"`
}

type subscriber struct {
	Subscription
	symbols   map[string]struct{}
	transport Transport

	// mu 串行化对该客户端的编码与发送，closed 之后不再发送
	mu     sync.Mutex
	closed bool
}

func (s *subscriber) wants(u *domain.Update) bool {
	if u.Kind != domain.UpdateKindMarket || len(s.symbols) == 0 {
		return true
	}
	_, ok := s.symbols[u.Symbol]
	return ok
}

type sessionStream struct {
	id     string
	queue  *dropQueue
	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.Mutex
	subs     map[string]*subscriber
	snapshot map[string]any
	idle     *time.Timer
	released bool
}

// StreamDistributor 将每个会话的上游更新扇出到其全部客户端
//
// 每个会话一条有界的丢弃最旧队列；丢弃数通过序号空洞对每个客户端可见。
// 会话的合并状态独立于各客户端的增量状态，新客户端接入时立即收到 FULL 快照。
type StreamDistributor struct {
	cfg       DistributorConfig
	codec     *codec.Codec
	snapshots SnapshotStore
	metrics   *metrics.Metrics
	onClose   func(sessionID string)

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	sessions map[string]*sessionStream
	dropped  uint64
}

// NewStreamDistributor 创建分发器，snapshots 可为空
func NewStreamDistributor(cfg DistributorConfig, c *codec.Codec, snapshots SnapshotStore, m *metrics.Metrics) *StreamDistributor {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 5 * time.Second
	}
	if cfg.MaxFanout <= 0 {
		cfg.MaxFanout = 16
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &StreamDistributor{
		cfg:       cfg,
		codec:     c,
		snapshots: snapshots,
		metrics:   m,
		ctx:       ctx,
		cancel:    cancel,
		sessions:  make(map[string]*sessionStream),
	}
}

// SetOnClose 设置会话流被释放或终止时的回调
func (d *StreamDistributor) SetOnClose(fn func(sessionID string)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onClose = fn
}

// Active 会话是否已有上游流
func (d *StreamDistributor) Active(sessionID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.sessions[sessionID]
	return ok
}

// Attach 注册客户端并立即发送一条 FULL 快照，会话首个客户端会启动 source
func (d *StreamDistributor) Attach(ctx context.Context, sub Subscription, t Transport, source Source) error {
	if sub.ClientID == "" || sub.SessionID == "" {
		return errors.New("subscription requires client and session id")
	}

	var loaded map[string]any
	if !d.Active(sub.SessionID) && d.snapshots != nil {
		snap, ok, err := d.snapshots.Load(ctx, sub.SessionID)
		if err != nil {
			logger.Warn(ctx, "Failed to load session snapshot", "session_id", sub.SessionID, "error", err)
		} else if ok {
			loaded = snap
		}
	}

	s := &subscriber{
		Subscription: sub,
		transport:    t,
		symbols:      make(map[string]struct{}, len(sub.Symbols)),
	}
	for _, sym := range sub.Symbols {
		s.symbols[sym] = struct{}{}
	}

	var (
		initial  map[string]any
		replaced *subscriber
	)
	for {
		st, err := d.stream(sub.SessionID, loaded, source)
		if err != nil {
			return err
		}

		st.mu.Lock()
		if st.released {
			// 与空闲释放竞争失败，重新创建
			st.mu.Unlock()
			continue
		}
		if old, ok := st.subs[sub.ClientID]; ok {
			// 同一客户端重连，旧通道作废
			old.mu.Lock()
			old.closed = true
			old.mu.Unlock()
			replaced = old
		} else {
			d.metrics.AddStreamClients(1)
		}
		st.subs[sub.ClientID] = s
		if st.idle != nil {
			st.idle.Stop()
			st.idle = nil
		}
		initial = project(st.snapshot, s)
		// 先持有客户端锁再释放会话锁，保证快照先于任何后续更新送达
		s.mu.Lock()
		st.mu.Unlock()
		break
	}

	d.codec.ResetClient(sub.ClientID)
	err := d.send(ctx, s, initial)
	s.mu.Unlock()

	if replaced != nil && replaced.transport != t {
		if cerr := replaced.transport.Close(TerminalEvent{Reason: ReasonReplaced}); cerr != nil {
			logger.Debug(ctx, "Transport close failed", "client_id", sub.ClientID, "error", cerr)
		}
	}

	if err != nil {
		d.Detach(sub.SessionID, sub.ClientID)
		return fmt.Errorf("send initial snapshot: %w", err)
	}
	logger.Info(ctx, "Stream client attached",
		"session_id", sub.SessionID,
		"client_id", sub.ClientID,
		"transport", sub.Transport,
	)
	return nil
}

func (d *StreamDistributor) stream(sessionID string, loaded map[string]any, source Source) (*sessionStream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ctx.Err() != nil {
		return nil, errors.New("distributor is shut down")
	}
	if st, ok := d.sessions[sessionID]; ok {
		return st, nil
	}
	snapshot := codec.Clone(loaded)
	pumpCtx, cancel := context.WithCancel(d.ctx)
	st := &sessionStream{
		id:       sessionID,
		queue:    newDropQueue(d.cfg.QueueSize),
		cancel:   cancel,
		done:     make(chan struct{}),
		subs:     make(map[string]*subscriber),
		snapshot: snapshot,
	}
	d.sessions[sessionID] = st
	go d.pump(pumpCtx, st, source)
	return st, nil
}

// Detach 移除客户端，返回后不会再向其通道发送
func (d *StreamDistributor) Detach(sessionID, clientID string) bool {
	return d.detach(sessionID, clientID, nil)
}

// DetachTransport 仅当客户端仍使用通道 t 时移除，避免同 ID 重连后旧连接误删新订阅
func (d *StreamDistributor) DetachTransport(sessionID, clientID string, t Transport) bool {
	return d.detach(sessionID, clientID, t)
}

func (d *StreamDistributor) detach(sessionID, clientID string, t Transport) bool {
	d.mu.Lock()
	st, ok := d.sessions[sessionID]
	d.mu.Unlock()
	if !ok {
		return false
	}

	st.mu.Lock()
	s, ok := st.subs[clientID]
	if ok && t != nil && s.transport != t {
		ok = false
	}
	if ok {
		delete(st.subs, clientID)
	}
	remaining := len(st.subs)
	if ok && remaining == 0 && d.cfg.IdleGrace > 0 {
		st.idle = time.AfterFunc(d.cfg.IdleGrace, func() { d.releaseIfIdle(st) })
	}
	st.mu.Unlock()
	if !ok {
		return false
	}

	// 等待进行中的发送结束
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	d.codec.Forget(clientID)
	d.metrics.AddStreamClients(-1)

	if remaining == 0 && d.cfg.IdleGrace <= 0 {
		d.releaseIfIdle(st)
	}
	return true
}

func (d *StreamDistributor) releaseIfIdle(st *sessionStream) {
	d.mu.Lock()
	if d.sessions[st.id] != st {
		d.mu.Unlock()
		return
	}
	st.mu.Lock()
	idle := len(st.subs) == 0
	if idle {
		st.released = true
	}
	st.mu.Unlock()
	if !idle {
		d.mu.Unlock()
		return
	}
	delete(d.sessions, st.id)
	onClose := d.onClose
	d.mu.Unlock()

	st.cancel()
	logger.Info(context.Background(), "Session stream released", "session_id", st.id)
	if onClose != nil {
		onClose(st.id)
	}
}

// Terminate 以终止事件关闭会话的全部通道并停止上游
func (d *StreamDistributor) Terminate(sessionID string, ev TerminalEvent) int {
	d.mu.Lock()
	st, ok := d.sessions[sessionID]
	if ok {
		delete(d.sessions, sessionID)
	}
	onClose := d.onClose
	d.mu.Unlock()
	if !ok {
		return 0
	}

	st.cancel()
	st.mu.Lock()
	st.released = true
	subs := make([]*subscriber, 0, len(st.subs))
	for _, s := range st.subs {
		subs = append(subs, s)
	}
	st.subs = make(map[string]*subscriber)
	if st.idle != nil {
		st.idle.Stop()
		st.idle = nil
	}
	st.mu.Unlock()

	for _, s := range subs {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		if err := s.transport.Close(ev); err != nil {
			logger.Debug(context.Background(), "Transport close failed", "client_id", s.ClientID, "error", err)
		}
		d.codec.Forget(s.ClientID)
	}
	d.metrics.AddStreamClients(-len(subs))

	if ev.Reason != ReasonServerShutdown && d.snapshots != nil {
		if err := d.snapshots.Delete(context.Background(), sessionID); err != nil {
			logger.Warn(context.Background(), "Failed to delete session snapshot", "session_id", sessionID, "error", err)
		}
	}

	logger.Info(context.Background(), "Session stream terminated",
		"session_id", sessionID,
		"reason", ev.Reason,
		"clients", len(subs),
	)
	if onClose != nil {
		onClose(sessionID)
	}
	return len(subs)
}

func (d *StreamDistributor) pump(ctx context.Context, st *sessionStream, source Source) {
	defer close(st.done)
	d.metrics.AddUpstreamStreams(1)
	defer d.metrics.AddUpstreamStreams(-1)

	srcDone := make(chan struct{})
	go func() {
		defer close(srcDone)
		err := d.runSource(ctx, st, source)
		if ctx.Err() != nil {
			return
		}
		ev := TerminalEvent{Reason: ReasonSimulatorStopped}
		if err != nil {
			ev.Message = err.Error()
		}
		d.Terminate(st.id, ev)
	}()

	for {
		u, dropped, err := st.queue.Pop(ctx)
		if err != nil {
			break
		}
		d.fanOut(ctx, st, u, dropped)
	}
	<-srcDone
}

func (d *StreamDistributor) runSource(ctx context.Context, st *sessionStream, source Source) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("source panic: %v", r)
			logger.Error(ctx, "Session source panicked", "session_id", st.id, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	return source(ctx, func(u *domain.Update) {
		// 入队前合并到会话状态，队列满时丢弃的只是通知，字段不会丢失
		st.mu.Lock()
		applyUpdate(st.snapshot, u)
		st.mu.Unlock()
		if st.queue.Push(u) {
			d.metrics.RecordUpdatesDropped(1)
			d.mu.Lock()
			d.dropped++
			d.mu.Unlock()
		}
	})
}

func (d *StreamDistributor) fanOut(ctx context.Context, st *sessionStream, u *domain.Update, dropped int) {
	type delivery struct {
		sub     *subscriber
		payload map[string]any
	}

	st.mu.Lock()
	deliveries := make([]delivery, 0, len(st.subs))
	for _, s := range st.subs {
		deliveries = append(deliveries, delivery{sub: s, payload: project(st.snapshot, s)})
	}
	var saved map[string]any
	if d.snapshots != nil {
		saved = codec.Clone(st.snapshot)
	}
	st.mu.Unlock()

	if saved != nil {
		if err := d.snapshots.Save(ctx, st.id, saved); err != nil {
			logger.Warn(ctx, "Failed to save session snapshot", "session_id", st.id, "error", err)
		}
	}

	var mu sync.Mutex
	var failed []*subscriber
	p := pool.New().WithMaxGoroutines(d.cfg.MaxFanout)
	for _, dl := range deliveries {
		p.Go(func() {
			if err := d.deliver(ctx, dl.sub, u, dl.payload, dropped); err != nil {
				logger.Warn(ctx, "Stream delivery failed", "session_id", st.id, "client_id", dl.sub.ClientID, "error", err)
				mu.Lock()
				failed = append(failed, dl.sub)
				mu.Unlock()
			}
		})
	}
	p.Wait()

	for _, s := range failed {
		if d.DetachTransport(st.id, s.ClientID, s.transport) {
			_ = s.transport.Close(TerminalEvent{Reason: ReasonDeliveryFailed})
		}
	}
}

func (d *StreamDistributor) deliver(ctx context.Context, s *subscriber, u *domain.Update, payload map[string]any, dropped int) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("delivery panic: %v", r)
		}
	}()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	if dropped > 0 {
		d.codec.Advance(s.ClientID, dropped)
	}
	if !s.wants(u) {
		return nil
	}
	return d.send(ctx, s, payload)
}

// send 调用方须持有 s.mu
func (d *StreamDistributor) send(ctx context.Context, s *subscriber, payload map[string]any) error {
	msg, err := d.codec.Encode(s.ClientID, payload)
	if err != nil {
		// 编码失败不中断连接，下一条强制 FULL
		logger.Error(ctx, "Failed to encode update", "client_id", s.ClientID, "error", err)
		d.codec.ResetClient(s.ClientID)
		return nil
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
	defer cancel()
	if err := s.transport.Send(sendCtx, msg); err != nil {
		return err
	}
	d.metrics.RecordUpdateSent(string(msg.Type), msg.TransmittedSize)
	return nil
}

// Shutdown 以 server-shutdown 关闭所有会话并等待上游退出
func (d *StreamDistributor) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	ids := make([]string, 0, len(d.sessions))
	streams := make([]*sessionStream, 0, len(d.sessions))
	for id, st := range d.sessions {
		ids = append(ids, id)
		streams = append(streams, st)
	}
	d.mu.Unlock()

	for _, id := range ids {
		d.Terminate(id, TerminalEvent{Reason: ReasonServerShutdown})
	}
	d.cancel()

	for _, st := range streams {
		select {
		case <-st.done:
		case <-ctx.Done():
			return fmt.Errorf("wait for session streams: %w", ctx.Err())
		}
	}
	return nil
}

// Sessions 返回有上游流的会话 ID
func (d *StreamDistributor) Sessions() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	ids := make([]string, 0, len(d.sessions))
	for id := range d.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Clients 返回会话当前的客户端数
func (d *StreamDistributor) Clients(sessionID string) int {
	d.mu.Lock()
	st, ok := d.sessions[sessionID]
	d.mu.Unlock()
	if !ok {
		return 0
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.subs)
}

// Stats 返回分发统计
func (d *StreamDistributor) Stats() DistributorStats {
	d.mu.Lock()
	streams := make([]*sessionStream, 0, len(d.sessions))
	for _, st := range d.sessions {
		streams = append(streams, st)
	}
	stats := DistributorStats{Sessions: len(d.sessions), Dropped: d.dropped}
	d.mu.Unlock()

	for _, st := range streams {
		st.mu.Lock()
		stats.Connections += len(st.subs)
		st.mu.Unlock()
		stats.Queued += st.queue.Len()
	}
	stats.Codec = d.codec.Stats()
	return stats
}

// 会话合并状态结构：{"market": {symbol: {...}}, "portfolio": {...}, "orders": {id: {...}}, "status": {...}}
const (
	keyMarket    = "market"
	keyPortfolio = "portfolio"
	keyOrders    = "orders"
	keyStatus    = "status"
)

func applyUpdate(snap map[string]any, u *domain.Update) {
	switch u.Kind {
	case domain.UpdateKindMarket:
		market := childMap(snap, keyMarket)
		prev, _ := market[u.Symbol].(map[string]any)
		market[u.Symbol] = codec.Merge(prev, u.Payload)
	case domain.UpdateKindPortfolio:
		snap[keyPortfolio] = codec.Clone(u.Payload)
	case domain.UpdateKindOrder:
		orders := childMap(snap, keyOrders)
		id, _ := u.Payload["order_id"].(string)
		if id == "" {
			id = fmt.Sprintf("%d", len(orders)+1)
		}
		prev, _ := orders[id].(map[string]any)
		orders[id] = codec.Merge(prev, u.Payload)
	case domain.UpdateKindStatus:
		status := codec.Clone(u.Payload)
		if u.SimulatorStatus != "" {
			status["simulator_status"] = string(u.SimulatorStatus)
		}
		snap[keyStatus] = status
	}
}

func childMap(snap map[string]any, key string) map[string]any {
	if m, ok := snap[key].(map[string]any); ok {
		return m
	}
	m := make(map[string]any)
	snap[key] = m
	return m
}

// project 按客户端的标的过滤生成其视图
func project(snap map[string]any, s *subscriber) map[string]any {
	out := codec.Clone(snap)
	if len(s.symbols) == 0 {
		return out
	}
	if market, ok := out[keyMarket].(map[string]any); ok {
		for sym := range market {
			if _, want := s.symbols[sym]; !want {
				delete(market, sym)
			}
		}
	}
	return out
}
