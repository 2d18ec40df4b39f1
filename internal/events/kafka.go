package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/SafeScanQR/SafeScanQR/internal/activation"
	"github.com/segmentio/kafka-go"
)

const writeTimeout = 2 * time.Second

// KafkaPublisher 激活完成事件写入 Kafka。
// 事件是 best-effort 的下游通知（统计、通知服务消费），写失败由
// 编排器记日志后继续，绝不反向影响激活结果。
type KafkaPublisher struct {
	writer *kafka.Writer
}

func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	if len(brokers) == 0 || topic == "" {
		return nil
	}
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  topic,
			Balancer:               &kafka.LeastBytes{},
			AllowAutoTopicCreation: true,
			WriteTimeout:           writeTimeout,
		},
	}
}

func (p *KafkaPublisher) ActivationCompleted(ctx context.Context, ev activation.ActivationEvent) error {
	if p == nil || p.writer == nil {
		return nil
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ev.EntityID),
		Value: payload,
	})
}

func (p *KafkaPublisher) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
