package breaker

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var errBoom = errors.New("boom")

func fail(context.Context) error    { return errBoom }
func succeed(context.Context) error { return nil }

func newTestBreaker(threshold uint32, reset time.Duration) *CircuitBreaker {
	return New(Settings{
		Name:             "sim-0",
		FailureThreshold: threshold,
		ResetTimeout:     reset,
		CallTimeout:      time.Second,
		IsExcluded:       IsStartupNoise,
	})
}

func TestBreakerTripsAfterThreshold(t *testing.T) {
	b := newTestBreaker(3, time.Hour)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, b.Execute(ctx, fail), errBoom)
	}
	assert.Equal(t, StateOpen, b.State())

	calls := 0
	err := b.Execute(ctx, func(context.Context) error {
		calls++
		return nil
	})
	assert.Zero(t, calls, "open breaker must not invoke the operation")
	assert.ErrorIs(t, err, ErrUnavailable)

	var oe *OpenError
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, "sim-0", oe.Name)
	assert.Greater(t, oe.Remaining, 59*time.Minute)

	snap := b.Snapshot()
	assert.Equal(t, uint32(3), snap.ConsecutiveFailures)
	assert.False(t, snap.TrippedAt.IsZero())
	assert.Equal(t, uint64(1), snap.Rejected)
}

func TestBreakerSuccessResetsCount(t *testing.T) {
	b := newTestBreaker(3, time.Hour)
	ctx := context.Background()

	_ = b.Execute(ctx, fail)
	_ = b.Execute(ctx, fail)
	require.NoError(t, b.Execute(ctx, succeed))
	_ = b.Execute(ctx, fail)
	_ = b.Execute(ctx, fail)

	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, uint32(2), b.Snapshot().ConsecutiveFailures)
}

func TestBreakerRecoversThroughHalfOpen(t *testing.T) {
	b := newTestBreaker(1, 50*time.Millisecond)
	ctx := context.Background()

	_ = b.Execute(ctx, fail)
	require.Equal(t, StateOpen, b.State())

	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, StateHalfOpen, b.State())

	// 半开状态只放行一个探测，其余快速失败
	release := make(chan struct{})
	started := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = b.Execute(ctx, func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started
	assert.Equal(t, uint32(1), b.Snapshot().HalfOpenProbesInFlight)
	assert.ErrorIs(t, b.Execute(ctx, succeed), ErrUnavailable)
	close(release)
	wg.Wait()

	snap := b.Snapshot()
	assert.Equal(t, StateClosed, snap.State)
	assert.Zero(t, snap.ConsecutiveFailures)
	assert.Zero(t, snap.HalfOpenProbesInFlight)
}

func TestBreakerClosesOnFirstProbeSuccess(t *testing.T) {
	b := New(Settings{Name: "sim-1", FailureThreshold: 1, ResetTimeout: 50 * time.Millisecond, HalfOpenMaxProbes: 3})
	ctx := context.Background()

	_ = b.Execute(ctx, fail)
	require.Equal(t, StateOpen, b.State())
	time.Sleep(80 * time.Millisecond)
	require.Equal(t, StateHalfOpen, b.State())

	require.NoError(t, b.Execute(ctx, succeed))
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerProbeFailureReopens(t *testing.T) {
	b := newTestBreaker(1, 50*time.Millisecond)
	ctx := context.Background()

	_ = b.Execute(ctx, fail)
	first := b.Snapshot().TrippedAt

	time.Sleep(80 * time.Millisecond)
	assert.ErrorIs(t, b.Execute(ctx, fail), errBoom)

	snap := b.Snapshot()
	assert.Equal(t, StateOpen, snap.State)
	assert.True(t, snap.TrippedAt.After(first), "re-trip must reset the cooldown timer")
}

func TestBreakerExcludedErrors(t *testing.T) {
	b := newTestBreaker(2, 50*time.Millisecond)
	ctx := context.Background()
	notReady := status.Error(codes.Unavailable, "connection is not ready")

	for i := 0; i < 5; i++ {
		_ = b.Execute(ctx, func(context.Context) error { return notReady })
	}
	assert.Equal(t, StateClosed, b.State())

	dns := &net.DNSError{Err: "no such host", Name: "sim-0.simulators", IsNotFound: true}
	for i := 0; i < 5; i++ {
		_ = b.Execute(ctx, func(context.Context) error { return dns })
	}
	assert.Equal(t, StateClosed, b.State())

	// 调用方取消同样不计数
	cctx, cancel := context.WithCancel(ctx)
	cancel()
	for i := 0; i < 5; i++ {
		_ = b.Execute(cctx, func(ctx context.Context) error { return ctx.Err() })
	}
	assert.Equal(t, StateClosed, b.State())

	// 半开探测中的排除类错误按失败处理
	_ = b.Execute(ctx, fail)
	_ = b.Execute(ctx, fail)
	require.Equal(t, StateOpen, b.State())
	time.Sleep(80 * time.Millisecond)
	_ = b.Execute(ctx, func(context.Context) error { return notReady })
	assert.Equal(t, StateOpen, b.State())
}

func TestBreakerCallTimeoutCountsAsFailure(t *testing.T) {
	b := New(Settings{Name: "slow", FailureThreshold: 1, ResetTimeout: time.Hour, CallTimeout: 20 * time.Millisecond})

	err := b.Execute(context.Background(), func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, StateOpen, b.State())
}

func TestBreakerWithoutTimeout(t *testing.T) {
	b := New(Settings{Name: "stream", CallTimeout: time.Millisecond})
	err := b.Execute(context.Background(), func(ctx context.Context) error {
		_, ok := ctx.Deadline()
		assert.False(t, ok)
		return nil
	}, WithoutTimeout())
	assert.NoError(t, err)
}

func TestBreakerListeners(t *testing.T) {
	b := newTestBreaker(1, 30*time.Millisecond)
	var got []State
	b.AddListener(func(string, State, State) { panic("listener bug") })
	b.AddListener(func(_ string, _, to State) { got = append(got, to) })

	_ = b.Execute(context.Background(), fail)
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, b.Execute(context.Background(), succeed))

	assert.Equal(t, []State{StateOpen, StateHalfOpen, StateClosed}, got)
}

func TestDo(t *testing.T) {
	b := newTestBreaker(3, time.Hour)
	v, err := Do(context.Background(), b, func(context.Context) (int, error) { return 42, nil })
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestIsStartupNoise(t *testing.T) {
	assert.True(t, IsStartupNoise(status.Error(codes.Unavailable, "name resolver error: produced zero addresses")))
	assert.False(t, IsStartupNoise(status.Error(codes.Unavailable, "connection reset by peer")))
	assert.False(t, IsStartupNoise(status.Error(codes.Internal, "connection is not ready")))
	assert.False(t, IsStartupNoise(errBoom))
	assert.False(t, IsStartupNoise(nil))
}
