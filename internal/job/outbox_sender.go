package job

import (
	"context"
	"log/slog"
	"time"

	"genpay/internal/config"
	"genpay/internal/metrics"
	"genpay/internal/model"
	"genpay/internal/repository"

	"gorm.io/gorm"
)

// Publisher 把一条消息投递到 MQ（生产环境是 Kafka）
type Publisher interface {
	Publish(topic, key string, value []byte) error
}

// ============================================================================
// Outbox 消息发送器
// ============================================================================
//
// 【Outbox 模式解决什么问题？】
//
// 任务结束时要做三件事：改 job 状态、扣款/解冻、通知下游
// 前两件在数据库，第三件在 Kafka，没法放进同一个事务
//
// 做法：通知先写进 outbox_message 表，和前两件同一个事务提交；
// 这里后台轮询发送，发成功再标记 sent
//
//   事务提交成功 -> 消息一定在表里 -> 迟早发出去
//   事务回滚     -> 消息不在表里   -> 不会误发
//
// 【关键点】
//   1. 至少一次投递：发成功但标记 sent 失败，下一轮会重发，消费方按
//      message_key（job_id / user_id）去重
//   2. 只有 leader 实例运行，同一条消息不会被两个实例并发发送
//   3. 超过 maxRetry 次标记 failed，不再重试，留给人工处理
//
// ============================================================================

// OutboxSender 轮询 pending 消息并发送
type OutboxSender struct {
	outboxRepo *repository.OutboxRepository
	publisher  Publisher
	maxRetry   int           // 最大重试次数
	stopCh     chan struct{}
	interval   time.Duration // 轮询间隔
	batchSize  int           // 每轮最多处理条数
}

// NewOutboxSender 默认 100ms 轮询一次，每次最多 100 条
func NewOutboxSender(db *gorm.DB, publisher Publisher, cfg *config.Config) *OutboxSender {
	maxRetry := cfg.Business.MaxRetryCount
	if maxRetry <= 0 {
		maxRetry = 5
	}
	return &OutboxSender{
		outboxRepo: repository.NewOutboxRepository(db),
		publisher:  publisher,
		maxRetry:   maxRetry,
		stopCh:     make(chan struct{}),
		interval:   100 * time.Millisecond,
		batchSize:  100,
	}
}

// Start 启动发送循环，ctx 取消或 Stop 后退出
func (s *OutboxSender) Start(ctx context.Context) {
	slog.Info("outbox sender started", "component", "outbox")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("outbox sender stopped", "component", "outbox")
			return
		case <-s.stopCh:
			slog.Info("outbox sender stopped", "component", "outbox")
			return
		case <-ticker.C:
			s.processPendingMessages(ctx)
		}
	}
}

// Stop 停止发送循环
func (s *OutboxSender) Stop() {
	close(s.stopCh)
}

// processPendingMessages 按 id 顺序处理一批 pending 消息
func (s *OutboxSender) processPendingMessages(ctx context.Context) {
	messages, err := s.outboxRepo.GetPendingMessages(ctx, s.batchSize)
	if err != nil {
		if ctx.Err() == nil {
			slog.Error("load pending outbox messages failed", "component", "outbox", "err", err)
		}
		return
	}

	for _, msg := range messages {
		if ctx.Err() != nil {
			return
		}
		s.sendMessage(ctx, msg)
	}
}

// sendMessage 发送单条消息
//
//	成功     -> sent
//	失败     -> retry_count+1，下一轮重试
//	次数用完 -> failed
func (s *OutboxSender) sendMessage(ctx context.Context, msg *model.OutboxMessage) {
	err := s.publisher.Publish(msg.Topic, msg.MessageKey, []byte(msg.Payload))
	if err == nil {
		if updateErr := s.outboxRepo.UpdateStatus(ctx, msg.ID, model.OutboxStatusSent); updateErr != nil {
			slog.Error("mark outbox message sent failed", "component", "outbox", "id", msg.ID, "err", updateErr)
			return
		}
		metrics.OutboxSent.WithLabelValues("sent").Inc()
		slog.Debug("outbox message sent", "component", "outbox", "id", msg.ID, "event_type", msg.EventType, "topic", msg.Topic, "key", msg.MessageKey)
		return
	}

	slog.Warn("publish outbox message failed", "component", "outbox", "id", msg.ID, "event_type", msg.EventType, "retry_count", msg.RetryCount, "err", err)

	// MarkAsFailed 自己会把 retry_count 加一
	if msg.RetryCount+1 >= s.maxRetry {
		if err := s.outboxRepo.MarkAsFailed(ctx, msg.ID); err != nil {
			slog.Error("mark outbox message failed failed", "component", "outbox", "id", msg.ID, "err", err)
			return
		}
		metrics.OutboxSent.WithLabelValues("failed").Inc()
		slog.Error("outbox message exceeded max retries", "component", "outbox", "id", msg.ID, "topic", msg.Topic)
		return
	}

	if err := s.outboxRepo.IncrementRetryCount(ctx, msg.ID); err != nil {
		slog.Error("increment outbox retry count failed", "component", "outbox", "id", msg.ID, "err", err)
		return
	}
	metrics.OutboxSent.WithLabelValues("retry").Inc()
}
