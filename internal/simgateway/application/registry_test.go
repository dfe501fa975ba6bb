package application

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wyfcoding/simgateway/internal/simgateway/domain"
	"github.com/wyfcoding/simgateway/internal/simgateway/infrastructure/persistence/memory"
)

func TestSessionRegistryCreateIsIdempotentPerUser(t *testing.T) {
	ctx := context.Background()
	pub := &fakePublisher{}
	reg := NewSessionRegistry(memory.NewStore().Sessions(), pub, "host-a", SessionConfig{TTL: time.Hour})

	first, created, err := reg.Create(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "host-a", first.HostIdentity)

	second, created, err := reg.Create(ctx, "user-1")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.SessionID, second.SessionID)
	assert.Equal(t, []string{domain.SessionCreatedEventType}, pub.published())

	_, _, err = reg.Create(ctx, "")
	assert.ErrorIs(t, err, domain.ErrInvalidToken)
}

func TestSessionRegistryValidate(t *testing.T) {
	ctx := context.Background()
	reg := NewSessionRegistry(memory.NewStore().Sessions(), nil, "host-a", SessionConfig{TTL: time.Hour})
	sess, _, err := reg.Create(ctx, "user-1")
	require.NoError(t, err)

	_, err = reg.Validate(ctx, sess.SessionID, "user-1")
	assert.NoError(t, err)

	_, err = reg.Validate(ctx, sess.SessionID, "user-2")
	assert.ErrorIs(t, err, domain.ErrForbidden)

	_, err = reg.Validate(ctx, "missing", "user-1")
	assert.ErrorIs(t, err, domain.ErrInvalidSession)

	require.NoError(t, reg.End(ctx, sess, "logout"))
	_, err = reg.Validate(ctx, sess.SessionID, "user-1")
	assert.ErrorIs(t, err, domain.ErrInvalidSession)

	reg.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	other, _, err := reg.Create(ctx, "user-3")
	require.NoError(t, err)
	reg.now = func() time.Time { return other.ExpiresAt.Add(time.Second) }
	_, err = reg.Validate(ctx, other.SessionID, "user-3")
	assert.ErrorIs(t, err, domain.ErrInvalidSession, "expired by time even before the reaper runs")
}

func TestSessionRegistryTouchIsThrottled(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewStore().Sessions()
	reg := NewSessionRegistry(repo, nil, "host-a", SessionConfig{TTL: time.Hour, TouchInterval: time.Minute})
	base := time.Now()
	reg.now = func() time.Time { return base }
	sess, _, err := reg.Create(ctx, "user-1")
	require.NoError(t, err)

	reg.now = func() time.Time { return base.Add(time.Second) }
	reg.RecordTransport(ctx, sess.SessionID, domain.TransportWebSocket)
	reg.now = func() time.Time { return base.Add(2 * time.Second) }
	reg.RecordTransport(ctx, sess.SessionID, domain.TransportWebSocket)

	got, err := repo.Get(ctx, sess.SessionID)
	require.NoError(t, err)
	require.NotNil(t, got.LastWSConnection)
	assert.Equal(t, base.Add(time.Second), *got.LastWSConnection, "second write inside the interval is skipped")

	reg.now = func() time.Time { return base.Add(2 * time.Minute) }
	reg.RecordTransport(ctx, sess.SessionID, domain.TransportWebSocket)
	got, err = repo.Get(ctx, sess.SessionID)
	require.NoError(t, err)
	assert.Equal(t, base.Add(2*time.Minute), *got.LastWSConnection)

	// 不存在的会话只记录日志
	reg.Touch(ctx, "missing")
}

func TestSessionRegistryExpirePublishes(t *testing.T) {
	ctx := context.Background()
	pub := &fakePublisher{}
	store := memory.NewStore()
	reg := NewSessionRegistry(store.Sessions(), pub, "host-a", SessionConfig{TTL: time.Hour})
	sess, _, err := reg.Create(ctx, "user-1")
	require.NoError(t, err)

	require.NoError(t, reg.Expire(ctx, sess, "zombie"))
	got, err := reg.Get(ctx, sess.SessionID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionStatusExpired, got.Status)
	assert.Equal(t, []string{domain.SessionCreatedEventType, domain.SessionExpiredEventType}, pub.published())

	require.NoError(t, reg.Claim(ctx, sess.SessionID))
}
