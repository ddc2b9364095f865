// internal/pkg/mq/kafka.go
package mq

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
)

// MessageWriter 是 kafka.Writer 的最小抽象，便于测试替换。
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// MessageReader 是 kafka.Reader 中消费者用到的部分
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Config() kafka.ReaderConfig
	Close() error
}

// NewKafkaWriter 创建一个同步确认的 Writer。
// topic 为空时，每条消息必须自行指定 Topic（重试/死信场景）。
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{}, // 同一用户的消息落在同一分区，保证顺序
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
		WriteTimeout:           5 * time.Second,
	}
}

// NewKafkaReader 创建一个手动提交 offset 的消费者组 Reader。
func NewKafkaReader(brokers []string, topic, groupID string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          topic,
		GroupID:        groupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0,
		StartOffset:    kafka.FirstOffset,
	})
}

// ProduceMessage 发送一条消息，并把当前的 trace 上下文注入消息头。
func ProduceMessage(ctx context.Context, writer MessageWriter, key, value []byte) error {
	return ProduceToTopic(ctx, writer, "", key, value, nil)
}

// ProduceToTopic 同 ProduceMessage，但可以指定 topic 与附加消息头。
func ProduceToTopic(ctx context.Context, writer MessageWriter, topic string, key, value []byte, headers []kafka.Header) error {
	carrier := KafkaHeaderCarrier(append([]kafka.Header(nil), headers...))
	otel.GetTextMapPropagator().Inject(ctx, &carrier)

	msg := kafka.Message{
		Topic:   topic,
		Key:     key,
		Value:   value,
		Headers: carrier,
		Time:    time.Now(),
	}
	if err := writer.WriteMessages(ctx, msg); err != nil {
		return errors.Wrapf(err, "kafka: write message to %q", topic)
	}
	return nil
}
