package application

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wyfcoding/simgateway/internal/simgateway/codec"
	"github.com/wyfcoding/simgateway/internal/simgateway/domain"
)

// fakeTransport 记录收到的消息，gate 非空时从第二条消息开始阻塞
type fakeTransport struct {
	mu      sync.Mutex
	msgs    []*codec.Message
	closed  []TerminalEvent
	sendErr error

	gate    chan struct{}
	sending chan struct{}
}

func (t *fakeTransport) Send(ctx context.Context, msg *codec.Message) error {
	t.mu.Lock()
	gated := t.gate != nil && len(t.msgs) > 0
	err := t.sendErr
	t.mu.Unlock()

	if gated {
		select {
		case t.sending <- struct{}{}:
		default:
		}
		select {
		case <-t.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.msgs = append(t.msgs, msg)
	return nil
}

func (t *fakeTransport) Close(ev TerminalEvent) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = append(t.closed, ev)
	return nil
}

func (t *fakeTransport) messages() []*codec.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*codec.Message(nil), t.msgs...)
}

func (t *fakeTransport) events() []TerminalEvent {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]TerminalEvent(nil), t.closed...)
}

func chanSource(ch <-chan *domain.Update) Source {
	return func(ctx context.Context, emit func(*domain.Update)) error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case u, ok := <-ch:
				if !ok {
					return errors.New("upstream closed")
				}
				emit(u)
			}
		}
	}
}

// mapSnapshots 内存快照存储
type mapSnapshots struct {
	mu   sync.Mutex
	data map[string]map[string]any
}

func (m *mapSnapshots) Load(_ context.Context, id string) (map[string]any, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.data[id]
	return codec.Clone(s), ok, nil
}

func (m *mapSnapshots) Save(_ context.Context, id string, snap map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[id] = snap
	return nil
}

func (m *mapSnapshots) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, id)
	return nil
}

func newTestDistributor(t *testing.T, cfg DistributorConfig, snaps SnapshotStore) *StreamDistributor {
	t.Helper()
	c, err := codec.New(codec.Config{DeltaEnabled: true})
	require.NoError(t, err)
	d := NewStreamDistributor(cfg, c, snaps, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = d.Shutdown(ctx)
	})
	return d
}

func market(symbol string, price float64) *domain.Update {
	return &domain.Update{Kind: domain.UpdateKindMarket, Symbol: symbol, Payload: map[string]any{"price": price}}
}

func TestDropQueueKeepsNewest(t *testing.T) {
	q := newDropQueue(3)
	for i := 1; i <= 4; i++ {
		q.Push(&domain.Update{Symbol: string(rune('A' + i - 1))})
	}
	assert.Equal(t, 3, q.Len())
	assert.EqualValues(t, 1, q.Dropped())

	ctx := context.Background()
	u, dropped, err := q.Pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, "B", u.Symbol)
	assert.Equal(t, 1, dropped)

	for _, want := range []string{"C", "D"} {
		u, dropped, err = q.Pop(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, u.Symbol)
		assert.Zero(t, dropped)
	}

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	_, _, err = q.Pop(cctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestAttachSendsFullThenDeltas(t *testing.T) {
	d := newTestDistributor(t, DistributorConfig{}, nil)
	ch := make(chan *domain.Update, 8)
	tr := &fakeTransport{}

	require.NoError(t, d.Attach(context.Background(), Subscription{ClientID: "c1", SessionID: "s1"}, tr, chanSource(ch)))
	msgs := tr.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, codec.MessageTypeFull, msgs[0].Type)
	assert.EqualValues(t, 1, msgs[0].Sequence)

	ch <- market("AAPL", 100)
	ch <- market("AAPL", 101)
	require.Eventually(t, func() bool { return len(tr.messages()) == 3 }, time.Second, 5*time.Millisecond)

	msgs = tr.messages()
	assert.Equal(t, codec.MessageTypeDelta, msgs[1].Type)
	assert.Equal(t, codec.MessageTypeDelta, msgs[2].Type)
	assert.EqualValues(t, 2, msgs[1].Sequence)
	assert.EqualValues(t, 3, msgs[2].Sequence)

	payload, err := codec.Decode(msgs[2])
	require.NoError(t, err)
	aapl := payload["market"].(map[string]any)["AAPL"].(map[string]any)
	assert.EqualValues(t, 101.0, aapl["price"])
}

func TestLateJoinerReceivesMergedSnapshot(t *testing.T) {
	d := newTestDistributor(t, DistributorConfig{}, nil)
	ch := make(chan *domain.Update, 8)
	first := &fakeTransport{}
	require.NoError(t, d.Attach(context.Background(), Subscription{ClientID: "c1", SessionID: "s1"}, first, chanSource(ch)))

	ch <- market("AAPL", 100)
	ch <- &domain.Update{Kind: domain.UpdateKindPortfolio, Payload: map[string]any{"cash": 5000}}
	require.Eventually(t, func() bool { return len(first.messages()) == 3 }, time.Second, 5*time.Millisecond)

	second := &fakeTransport{}
	require.NoError(t, d.Attach(context.Background(), Subscription{ClientID: "c2", SessionID: "s1", Symbols: []string{"MSFT"}}, second, chanSource(ch)))
	msgs := second.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, codec.MessageTypeFull, msgs[0].Type)
	payload, err := codec.Decode(msgs[0])
	require.NoError(t, err)
	assert.Contains(t, payload, "portfolio")
	assert.Empty(t, payload["market"], "symbol filter hides other instruments")
	assert.Equal(t, 2, d.Clients("s1"))
}

func TestSymbolFilterSkipsUnwantedUpdates(t *testing.T) {
	d := newTestDistributor(t, DistributorConfig{}, nil)
	ch := make(chan *domain.Update, 8)
	tr := &fakeTransport{}
	require.NoError(t, d.Attach(context.Background(), Subscription{ClientID: "c1", SessionID: "s1", Symbols: []string{"AAPL"}}, tr, chanSource(ch)))

	ch <- market("MSFT", 300)
	ch <- market("AAPL", 100)
	require.Eventually(t, func() bool { return len(tr.messages()) == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, tr.messages(), 2)

	payload, err := codec.Decode(tr.messages()[1])
	require.NoError(t, err)
	mkt := payload["market"].(map[string]any)
	assert.Contains(t, mkt, "AAPL")
	assert.NotContains(t, mkt, "MSFT")
}

func TestBackpressureDropsSurfaceAsSequenceGap(t *testing.T) {
	d := newTestDistributor(t, DistributorConfig{QueueSize: 2}, nil)
	ch := make(chan *domain.Update, 16)
	tr := &fakeTransport{gate: make(chan struct{}), sending: make(chan struct{}, 1)}
	require.NoError(t, d.Attach(context.Background(), Subscription{ClientID: "c1", SessionID: "s1"}, tr, chanSource(ch)))

	ch <- market("AAPL", 1)
	// 第一条更新阻塞在发送中
	select {
	case <-tr.sending:
	case <-time.After(time.Second):
		t.Fatal("delivery did not start")
	}

	for i := 2; i <= 5; i++ {
		ch <- market("AAPL", float64(i))
	}
	require.Eventually(t, func() bool { return d.Stats().Dropped == 2 }, time.Second, 5*time.Millisecond)
	close(tr.gate)

	require.Eventually(t, func() bool { return len(tr.messages()) == 4 }, time.Second, 5*time.Millisecond)
	var seqs []uint64
	for _, m := range tr.messages() {
		seqs = append(seqs, m.Sequence)
	}
	assert.Equal(t, []uint64{1, 2, 5, 6}, seqs)

	payload, err := codec.Decode(tr.messages()[2])
	require.NoError(t, err)
	aapl := payload["market"].(map[string]any)["AAPL"].(map[string]any)
	assert.EqualValues(t, 5.0, aapl["price"], "merged state is current after the gap")
}

func TestDetachWaitsForInFlightSend(t *testing.T) {
	d := newTestDistributor(t, DistributorConfig{IdleGrace: time.Minute}, nil)
	ch := make(chan *domain.Update, 8)
	tr := &fakeTransport{gate: make(chan struct{}), sending: make(chan struct{}, 1)}
	require.NoError(t, d.Attach(context.Background(), Subscription{ClientID: "c1", SessionID: "s1"}, tr, chanSource(ch)))

	ch <- market("AAPL", 1)
	<-tr.sending

	var detached atomic.Bool
	go func() {
		d.Detach("s1", "c1")
		detached.Store(true)
	}()
	time.Sleep(30 * time.Millisecond)
	assert.False(t, detached.Load(), "detach must wait for the in-flight send")

	close(tr.gate)
	require.Eventually(t, detached.Load, time.Second, 5*time.Millisecond)
	sent := len(tr.messages())

	ch <- market("AAPL", 2)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, sent, len(tr.messages()), "no sends after detach returns")
	assert.True(t, d.Active("s1"), "stream kept during idle grace")
}

func TestLastDetachReleasesStream(t *testing.T) {
	d := newTestDistributor(t, DistributorConfig{}, nil)
	var closed []string
	var mu sync.Mutex
	d.SetOnClose(func(id string) {
		mu.Lock()
		defer mu.Unlock()
		closed = append(closed, id)
	})

	var srcCtx context.Context
	started := make(chan struct{})
	src := func(ctx context.Context, _ func(*domain.Update)) error {
		srcCtx = ctx
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}
	require.NoError(t, d.Attach(context.Background(), Subscription{ClientID: "c1", SessionID: "s1"}, &fakeTransport{}, src))
	<-started

	assert.True(t, d.Detach("s1", "c1"))
	assert.False(t, d.Active("s1"))
	require.Eventually(t, func() bool { return srcCtx.Err() != nil }, time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Equal(t, []string{"s1"}, closed)
	mu.Unlock()
	assert.False(t, d.Detach("s1", "c1"))
}

func TestIdleGraceReattachReusesSource(t *testing.T) {
	d := newTestDistributor(t, DistributorConfig{IdleGrace: 200 * time.Millisecond}, nil)
	var starts atomic.Int32
	src := func(ctx context.Context, _ func(*domain.Update)) error {
		starts.Add(1)
		<-ctx.Done()
		return ctx.Err()
	}
	ctx := context.Background()
	require.NoError(t, d.Attach(ctx, Subscription{ClientID: "c1", SessionID: "s1"}, &fakeTransport{}, src))
	d.Detach("s1", "c1")
	require.NoError(t, d.Attach(ctx, Subscription{ClientID: "c2", SessionID: "s1"}, &fakeTransport{}, src))

	time.Sleep(300 * time.Millisecond)
	assert.True(t, d.Active("s1"))
	assert.EqualValues(t, 1, starts.Load())

	d.Detach("s1", "c2")
	require.Eventually(t, func() bool { return !d.Active("s1") }, time.Second, 10*time.Millisecond)
}

func TestTerminateSendsTerminalEvent(t *testing.T) {
	d := newTestDistributor(t, DistributorConfig{}, nil)
	ch := make(chan *domain.Update)
	a, b := &fakeTransport{}, &fakeTransport{}
	ctx := context.Background()
	require.NoError(t, d.Attach(ctx, Subscription{ClientID: "c1", SessionID: "s1"}, a, chanSource(ch)))
	require.NoError(t, d.Attach(ctx, Subscription{ClientID: "c2", SessionID: "s1"}, b, chanSource(ch)))

	n := d.Terminate("s1", TerminalEvent{Reason: ReasonSessionExpired})
	assert.Equal(t, 2, n)
	assert.Equal(t, []TerminalEvent{{Reason: ReasonSessionExpired}}, a.events())
	assert.Equal(t, []TerminalEvent{{Reason: ReasonSessionExpired}}, b.events())
	assert.False(t, d.Active("s1"))
	assert.Zero(t, d.Terminate("s1", TerminalEvent{Reason: ReasonSessionExpired}))
}

func TestSourceEndTerminatesWithSimulatorStopped(t *testing.T) {
	d := newTestDistributor(t, DistributorConfig{}, nil)
	ch := make(chan *domain.Update)
	tr := &fakeTransport{}
	require.NoError(t, d.Attach(context.Background(), Subscription{ClientID: "c1", SessionID: "s1"}, tr, chanSource(ch)))

	close(ch)
	require.Eventually(t, func() bool { return len(tr.events()) == 1 }, time.Second, 5*time.Millisecond)
	ev := tr.events()[0]
	assert.Equal(t, ReasonSimulatorStopped, ev.Reason)
	assert.Equal(t, "upstream closed", ev.Message)
}

func TestFailedDeliveryDetachesClient(t *testing.T) {
	d := newTestDistributor(t, DistributorConfig{IdleGrace: time.Minute}, nil)
	ch := make(chan *domain.Update, 4)
	bad := &fakeTransport{}
	good := &fakeTransport{}
	ctx := context.Background()
	require.NoError(t, d.Attach(ctx, Subscription{ClientID: "bad", SessionID: "s1"}, bad, chanSource(ch)))
	require.NoError(t, d.Attach(ctx, Subscription{ClientID: "good", SessionID: "s1"}, good, chanSource(ch)))

	bad.mu.Lock()
	bad.sendErr = errors.New("broken pipe")
	bad.mu.Unlock()

	ch <- market("AAPL", 1)
	require.Eventually(t, func() bool { return len(bad.events()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, ReasonDeliveryFailed, bad.events()[0].Reason)
	assert.Equal(t, 1, d.Clients("s1"))
	require.Eventually(t, func() bool { return len(good.messages()) == 2 }, time.Second, 5*time.Millisecond)
}

func TestAttachRestoresSnapshotFromStore(t *testing.T) {
	snaps := &mapSnapshots{data: map[string]map[string]any{
		"s1": {"portfolio": map[string]any{"cash": 42}},
	}}
	d := newTestDistributor(t, DistributorConfig{}, snaps)
	ch := make(chan *domain.Update, 4)
	tr := &fakeTransport{}
	require.NoError(t, d.Attach(context.Background(), Subscription{ClientID: "c1", SessionID: "s1"}, tr, chanSource(ch)))

	payload, err := codec.Decode(tr.messages()[0])
	require.NoError(t, err)
	assert.Contains(t, payload, "portfolio")

	ch <- market("AAPL", 1)
	require.Eventually(t, func() bool {
		s, ok, _ := snaps.Load(context.Background(), "s1")
		return ok && s["market"] != nil
	}, time.Second, 5*time.Millisecond)

	d.Terminate("s1", TerminalEvent{Reason: ReasonSessionEnded})
	_, ok, _ := snaps.Load(context.Background(), "s1")
	assert.False(t, ok)
}

func TestShutdownClosesEverything(t *testing.T) {
	c, err := codec.New(codec.Config{DeltaEnabled: true})
	require.NoError(t, err)
	d := NewStreamDistributor(DistributorConfig{}, c, nil, nil)
	tr := &fakeTransport{}
	require.NoError(t, d.Attach(context.Background(), Subscription{ClientID: "c1", SessionID: "s1"}, tr, chanSource(make(chan *domain.Update))))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, d.Shutdown(ctx))
	assert.Equal(t, ReasonServerShutdown, tr.events()[0].Reason)
	assert.Error(t, d.Attach(context.Background(), Subscription{ClientID: "c2", SessionID: "s2"}, tr, chanSource(nil)))
	stats := d.Stats()
	assert.Zero(t, stats.Sessions)
	assert.Zero(t, stats.Connections)
}

func TestReconnectReplacesOldTransport(t *testing.T) {
	d := newTestDistributor(t, DistributorConfig{IdleGrace: time.Minute}, nil)
	ch := make(chan *domain.Update)
	first, second := &fakeTransport{}, &fakeTransport{}
	ctx := context.Background()
	require.NoError(t, d.Attach(ctx, Subscription{ClientID: "c1", SessionID: "s1"}, first, chanSource(ch)))
	require.NoError(t, d.Attach(ctx, Subscription{ClientID: "c1", SessionID: "s1"}, second, chanSource(ch)))

	assert.Equal(t, []TerminalEvent{{Reason: ReasonReplaced}}, first.events())
	assert.Empty(t, second.events())
	assert.Equal(t, 1, d.Clients("s1"))

	assert.False(t, d.DetachTransport("s1", "c1", first), "stale connection must not remove the new one")
	assert.Equal(t, 1, d.Clients("s1"))
	assert.True(t, d.DetachTransport("s1", "c1", second))
	assert.Zero(t, d.Clients("s1"))
}

func TestDroppedUpdatesStillReachMergedState(t *testing.T) {
	d := newTestDistributor(t, DistributorConfig{QueueSize: 1, IdleGrace: time.Minute}, nil)
	ch := make(chan *domain.Update, 8)
	slow := &fakeTransport{gate: make(chan struct{}), sending: make(chan struct{}, 1)}
	defer close(slow.gate)
	ctx := context.Background()
	require.NoError(t, d.Attach(ctx, Subscription{ClientID: "slow", SessionID: "s1"}, slow, chanSource(ch)))

	quote := func(field string, v float64) *domain.Update {
		return &domain.Update{Kind: domain.UpdateKindMarket, Symbol: "AAPL", Payload: map[string]any{field: v}}
	}
	ch <- quote("bid", 1)
	select {
	case <-slow.sending:
	case <-time.After(time.Second):
		t.Fatal("delivery did not start")
	}
	ch <- quote("ask", 2)
	ch <- quote("last", 3)
	require.Eventually(t, func() bool { return d.Stats().Dropped == 1 }, time.Second, 5*time.Millisecond)

	late := &fakeTransport{}
	require.NoError(t, d.Attach(ctx, Subscription{ClientID: "late", SessionID: "s1"}, late, chanSource(ch)))
	msgs := late.messages()
	require.Len(t, msgs, 1)
	payload, err := codec.Decode(msgs[0])
	require.NoError(t, err)
	aapl := payload["market"].(map[string]any)["AAPL"].(map[string]any)
	assert.EqualValues(t, 1.0, aapl["bid"])
	assert.EqualValues(t, 2.0, aapl["ask"], "fields of a dropped update are kept")
	assert.EqualValues(t, 3.0, aapl["last"])
}

func TestFailedStaleDeliveryKeepsReattachedClient(t *testing.T) {
	d := newTestDistributor(t, DistributorConfig{IdleGrace: time.Minute}, nil)
	ch := make(chan *domain.Update, 4)
	first := &fakeTransport{gate: make(chan struct{}), sending: make(chan struct{}, 1)}
	ctx := context.Background()
	require.NoError(t, d.Attach(ctx, Subscription{ClientID: "c1", SessionID: "s1"}, first, chanSource(ch)))

	first.mu.Lock()
	first.sendErr = errors.New("broken pipe")
	first.mu.Unlock()

	ch <- market("AAPL", 1)
	select {
	case <-first.sending:
	case <-time.After(time.Second):
		t.Fatal("delivery did not start")
	}

	// 重连在旧通道发送中到达，等待旧发送失败后才完成
	second := &fakeTransport{}
	attached := make(chan error, 1)
	go func() {
		attached <- d.Attach(ctx, Subscription{ClientID: "c1", SessionID: "s1"}, second, chanSource(ch))
	}()
	time.Sleep(30 * time.Millisecond)
	close(first.gate)

	select {
	case err := <-attached:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("reattach did not complete")
	}

	ch <- market("AAPL", 2)
	require.Eventually(t, func() bool { return len(second.messages()) >= 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, d.Clients("s1"))
	assert.Empty(t, second.events())
	assert.Contains(t, first.events(), TerminalEvent{Reason: ReasonReplaced})
}
