// Package messaging 作业生命周期事件的 Kafka 发布实现
package messaging

import (
	"context"
	"fmt"
	"time"

	"github.com/wyfcoding/backtesting/internal/backtest/domain"
	"github.com/wyfcoding/backtesting/pkg/mq"
	"github.com/wyfcoding/backtesting/pkg/utils"
)

const defaultTopic = "backtest.lifecycle"

// KafkaPublisher 将领域事件发布到 Kafka topic，
// 事件名作为分区键，保证同一事件类型有序
type KafkaPublisher struct {
	producer *mq.KafkaProducer
	topic    string
}

// NewKafkaPublisher 创建事件发布器；topic 为空时使用默认 topic
func NewKafkaPublisher(producer *mq.KafkaProducer, topic string) *KafkaPublisher {
	if topic == "" {
		topic = defaultTopic
	}
	return &KafkaPublisher{
		producer: producer,
		topic:    topic,
	}
}

var _ domain.EventPublisher = (*KafkaPublisher)(nil)

// Publish 发布事件，瞬时故障做有限重试
func (p *KafkaPublisher) Publish(ctx context.Context, event domain.DomainEvent) error {
	envelope := map[string]any{
		"event_name":  event.EventName(),
		"occurred_at": event.OccurredAt(),
		"payload":     event,
	}

	err := utils.Retry(3, 100*time.Millisecond, func() error {
		return p.producer.SendMessage(ctx, p.topic, event.EventName(), envelope)
	})
	if err != nil {
		return fmt.Errorf("failed to publish %s: %w", event.EventName(), err)
	}
	return nil
}
