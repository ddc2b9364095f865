// internal/pkg/mq/failure_handler.go
package mq

import (
	"context"
	"fmt"
	"strconv"

	"github.com/segmentio/kafka-go"

	"tokenvote/internal/pkg/logger"
)

const (
	HeaderOriginalTopic     = "x-original-topic"
	HeaderOriginalPartition = "x-original-partition"
	HeaderOriginalOffset    = "x-original-offset"
	HeaderExceptionFqcn     = "x-exception-fqcn"
	HeaderExceptionMessage  = "x-exception-message"
	HeaderRetryCount        = "x-retry-count"

	DLTSuffix = ".DLT"
)

// FailureHandler 处理消费失败的消息：先回投原 topic 重试，超过次数后投递死信队列。
// writer 不能绑定固定 topic。
type FailureHandler struct {
	writer     MessageWriter
	maxRetries int
}

func NewFailureHandler(writer MessageWriter, maxRetries int) *FailureHandler {
	return &FailureHandler{writer: writer, maxRetries: maxRetries}
}

// Handle 返回 nil 表示消息已被移交（重试或死信），调用方可以提交 offset。
func (h *FailureHandler) Handle(ctx context.Context, msg kafka.Message, procErr error) error {
	carrier := KafkaHeaderCarrier(append([]kafka.Header(nil), msg.Headers...))
	retries, _ := strconv.Atoi(carrier.Get(HeaderRetryCount))

	originalTopic := carrier.Get(HeaderOriginalTopic)
	if originalTopic == "" {
		originalTopic = msg.Topic
		carrier.Set(HeaderOriginalTopic, msg.Topic)
		carrier.Set(HeaderOriginalPartition, strconv.Itoa(msg.Partition))
		carrier.Set(HeaderOriginalOffset, strconv.FormatInt(msg.Offset, 10))
	}
	carrier.Set(HeaderExceptionFqcn, fmt.Sprintf("%T", procErr))
	carrier.Set(HeaderExceptionMessage, procErr.Error())

	target := originalTopic
	if retries >= h.maxRetries {
		target = originalTopic + DLTSuffix
	} else {
		carrier.Set(HeaderRetryCount, strconv.Itoa(retries+1))
	}

	out := kafka.Message{Topic: target, Key: msg.Key, Value: msg.Value, Headers: carrier}
	if err := h.writer.WriteMessages(ctx, out); err != nil {
		logger.Ctx(ctx).Error().Err(err).
			Str("topic", target).
			Str("key", string(msg.Key)).
			Msg("🚨 CRITICAL: failed to hand off failed message")
		return err
	}

	logger.Ctx(ctx).Warn().Err(procErr).
		Str("topic", target).
		Int("retry", retries).
		Msg("message handed off after processing failure")
	return nil
}
