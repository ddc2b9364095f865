package interfaces

import (
	"context"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"

	"tokenvote/internal/pkg/logger"
	"tokenvote/internal/pkg/metrics"
	"tokenvote/internal/pkg/mq"
)

// 消息处理结果，用作 queue_messages_total 的 result 标签
const (
	resultApplied   = "applied"
	resultDuplicate = "duplicate"
	resultRejected  = "rejected"
	resultHandedOff = "handed_off"
	resultLost      = "lost"
)

// processFunc 返回处理结果标签；返回 error 的消息会交给 FailureHandler
type processFunc func(ctx context.Context, msg kafka.Message) (string, error)

// consumerLoop 是 Kafka 驱动适配器的公共部分：拉取、恢复 trace、处理、失败移交、提交 offset
type consumerLoop struct {
	name           string
	reader         mq.MessageReader
	failureHandler *mq.FailureHandler
	process        processFunc

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

func (c *consumerLoop) Start(ctx context.Context) error {
	ctx, c.cancel = context.WithCancel(ctx)
	topic := c.reader.Config().Topic

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		logger.Ctx(ctx).Info().Str("topic", topic).Msgf("✅ %s started.", c.name)
		for {
			// 使用 FetchMessage 而不是 ReadMessage，处理完成后再手动提交
			msg, err := c.reader.FetchMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					logger.Ctx(ctx).Info().Str("topic", topic).Msgf("🛑 %s shutting down.", c.name)
					return
				}
				logger.Ctx(ctx).Error().Err(err).Str("topic", topic).Msg("could not fetch message, retrying")
				select {
				case <-ctx.Done():
					return
				case <-time.After(time.Second): // 避免快速失败循环
				}
				continue
			}
			c.handle(ctx, msg)
		}
	}()
	return nil
}

func (c *consumerLoop) handle(ctx context.Context, msg kafka.Message) {
	carrier := mq.KafkaHeaderCarrier(msg.Headers)
	msgCtx := otel.GetTextMapPropagator().Extract(ctx, &carrier)

	result, err := c.process(msgCtx, msg)
	if err != nil {
		result = resultHandedOff
		if c.failureHandler == nil {
			result = resultLost
			logger.Ctx(msgCtx).Error().Err(err).Str("key", string(msg.Key)).Msg("message processing failed without failure handler")
		} else if hErr := c.failureHandler.Handle(msgCtx, msg, err); hErr != nil {
			// 无法移交时不提交 offset，重启后会重新投递
			metrics.QueueMessages.WithLabelValues(msg.Topic, resultLost).Inc()
			return
		}
	}
	metrics.QueueMessages.WithLabelValues(msg.Topic, result).Inc()

	// 成功或已移交（重试/死信）都提交 offset
	if err := c.reader.CommitMessages(ctx, msg); err != nil {
		logger.Ctx(msgCtx).Error().Err(err).Msg("Failed to commit messages")
	}
}

// Stop 优雅地停止消费者
func (c *consumerLoop) Stop(ctx context.Context) {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	if err := c.reader.Close(); err != nil {
		logger.Ctx(ctx).Warn().Err(err).Msg("close kafka reader")
	}
	logger.Ctx(ctx).Info().Str("topic", c.reader.Config().Topic).Msgf("✅ %s stopped.", c.name)
}
