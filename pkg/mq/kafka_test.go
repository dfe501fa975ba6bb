package mq

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMessage(t *testing.T) {
	msg, err := NewMessage("simgateway.session.expired", "sess-1", map[string]any{"session_id": "sess-1"})
	require.NoError(t, err)
	assert.Equal(t, "simgateway.session.expired", msg.Topic)
	assert.Equal(t, []byte("sess-1"), msg.Key)
	assert.JSONEq(t, `{"session_id":"sess-1"}`, string(msg.Value))

	_, err = NewMessage("t", "k", make(chan int))
	assert.Error(t, err)
}

func TestNewProducerRequiresBrokers(t *testing.T) {
	_, err := NewProducer(KafkaConfig{})
	assert.Error(t, err)

	p, err := NewProducer(KafkaConfig{Brokers: []string{"127.0.0.1:9092"}, MaxRetries: 1, RetryBackoff: 10})
	require.NoError(t, err)
	assert.NoError(t, p.Close())
}
