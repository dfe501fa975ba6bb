package domain

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/wyfcoding/simgateway/pkg/breaker"
)

func TestSessionIsZombie(t *testing.T) {
	now := time.Now()
	window, grace := 5*time.Minute, 2*time.Minute

	fresh := NewSession("u1", "gw-0", time.Hour, now.Add(-time.Minute))
	assert.False(t, fresh.IsZombie(now, window, grace), "inside grace period")

	old := NewSession("u1", "gw-0", time.Hour, now.Add(-10*time.Minute))
	assert.True(t, old.IsZombie(now, window, grace), "never connected")

	recent := now.Add(-time.Minute)
	old.LastSSEConnection = &recent
	assert.False(t, old.IsZombie(now, window, grace))

	stale := now.Add(-6 * time.Minute)
	old.LastSSEConnection = &stale
	old.LastWSConnection = &stale
	assert.True(t, old.IsZombie(now, window, grace))

	old.Status = SessionStatusExpired
	assert.False(t, old.IsZombie(now, window, grace))
}

func TestSessionTouchIsMonotonic(t *testing.T) {
	now := time.Now()
	s := NewSession("u1", "gw-0", time.Hour, now)
	s.Touch(now.Add(time.Second))
	s.Touch(now.Add(-time.Hour))
	assert.Equal(t, now.Add(time.Second), s.LastActive)
}

func TestLastTransportActivity(t *testing.T) {
	s := &Session{}
	assert.Nil(t, s.LastTransportActivity())

	a, b := time.Unix(100, 0), time.Unix(200, 0)
	s.LastWSConnection = &b
	s.LastSSEConnection = &a
	assert.Equal(t, b, *s.LastTransportActivity())
}

func TestBindingStatusTerminal(t *testing.T) {
	assert.True(t, BindingStatusStopped.IsTerminal())
	assert.True(t, BindingStatusError.IsTerminal())
	for _, st := range ActiveBindingStatuses {
		assert.False(t, st.IsTerminal(), st)
	}
}

func TestErrorCode(t *testing.T) {
	assert.Equal(t, CodeInvalidSession, ErrorCode(fmt.Errorf("attach: %w", ErrSessionNotFound)))
	assert.Equal(t, CodeNoActiveSimulator, ErrorCode(ErrNoActiveSimulator))
	assert.Equal(t, CodeServiceUnavailable, ErrorCode(&breaker.OpenError{Name: "orchestrator"}))
	assert.Equal(t, CodeInternal, ErrorCode(fmt.Errorf("boom")))
}
