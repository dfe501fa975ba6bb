// Package publisher 领域事件发布实现
package publisher

import (
	"context"

	"github.com/wyfcoding/simgateway/internal/simgateway/domain"
	"github.com/wyfcoding/simgateway/pkg/logger"
)

// Sender 消息发送方，由 mq.KafkaProducer 实现
type Sender interface {
	SendMessage(ctx context.Context, topic string, key string, value any) error
}

// KafkaEventPublisher 将会话与模拟器生命周期事件写入 Kafka，主题即事件类型
type KafkaEventPublisher struct {
	sender Sender
	prefix string
}

// NewKafkaEventPublisher 创建事件发布者，prefix 非空时拼接到主题前
func NewKafkaEventPublisher(sender Sender, prefix string) domain.EventPublisher {
	return &KafkaEventPublisher{sender: sender, prefix: prefix}
}

func (p *KafkaEventPublisher) Publish(ctx context.Context, topic string, key string, event any) error {
	if p.prefix != "" {
		topic = p.prefix + "." + topic
	}
	return p.sender.SendMessage(ctx, topic, key, event)
}

// LogEventPublisher 未启用 Kafka 时使用，仅记录日志
type LogEventPublisher struct{}

// NewLogEventPublisher 创建日志事件发布者
func NewLogEventPublisher() domain.EventPublisher {
	return LogEventPublisher{}
}

func (LogEventPublisher) Publish(ctx context.Context, topic string, key string, _ any) error {
	logger.Debug(ctx, "Domain event", "topic", topic, "key", key)
	return nil
}
