package interfaces

import (
	"context"

	"github.com/segmentio/kafka-go"

	"tokenvote/internal/pkg/logger"
	"tokenvote/internal/pkg/mq"
)

// DltConsumerAdapter 监听死信队列并记录日志
type DltConsumerAdapter struct {
	consumerLoop
}

func NewDltConsumerAdapter(reader mq.MessageReader) *DltConsumerAdapter {
	a := &DltConsumerAdapter{}
	a.consumerLoop = consumerLoop{
		name:    "DLT Consumer Adapter",
		reader:  reader,
		process: logDeadLetter,
	}
	return a
}

// logDeadLetter 死信消息总是直接提交，记录日志即视为已处理
func logDeadLetter(ctx context.Context, msg kafka.Message) (string, error) {
	headers := mq.KafkaHeaderCarrier(msg.Headers)

	logger.Ctx(ctx).Error().
		Bool("critical", true).
		Str("reason", "dead_letter_message_received").
		Str("original_topic", headers.Get(mq.HeaderOriginalTopic)).
		Str("original_partition", headers.Get(mq.HeaderOriginalPartition)).
		Str("original_offset", headers.Get(mq.HeaderOriginalOffset)).
		Str("retry_count", headers.Get(mq.HeaderRetryCount)).
		Str("exception_fqcn", headers.Get(mq.HeaderExceptionFqcn)).
		Str("exception_message", headers.Get(mq.HeaderExceptionMessage)).
		Str("key", string(msg.Key)).
		Str("value", string(msg.Value)).
		Msg("🚨 CRITICAL: Dead letter message received")
	return "dead_letter", nil
}
