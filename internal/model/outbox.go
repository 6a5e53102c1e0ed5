package model

import (
	"strconv"
	"time"
)

// ============================================================================
// 事务性发件箱（outbox）
// ============================================================================
//
// 终态迁移、退款等写操作在同一个事务里插入一条 outbox 记录，
// 由 leader 上的 OutboxSender 异步投递到 Kafka。
// 事务回滚则记录一起回滚，不会出现"状态变了但事件没发"或反过来的情况。
//
// 状态流转：PENDING -> SENT
//           PENDING -> FAILED（重试次数达到 business.max_retry_count）
//
// ============================================================================

const (
	OutboxStatusPending = "PENDING"
	OutboxStatusSent    = "SENT"
	OutboxStatusFailed  = "FAILED"
)

// EventType 标识 payload 的结构，消费方据此反序列化。
type EventType string

const (
	// EventJobFinished 任务进入终态（SUCCESS / FAILED / TIMEOUT / CANCELLED），每个任务一条，key 为 job_id
	EventJobFinished EventType = "job.finished"
	// EventLedgerEntry 钱包流水（目前只有退款会发），key 为 user_id，同一用户的事件按 seq 有序
	EventLedgerEntry EventType = "ledger.entry"
)

// OutboxMessage 待投递的领域事件
type OutboxMessage struct {
	ID         int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	EventType  EventType `gorm:"type:varchar(32);not null;default:''" json:"event_type"`
	MessageKey string    `gorm:"type:varchar(64);not null" json:"message_key"` // Kafka 分区 key
	Topic      string    `gorm:"type:varchar(64);not null" json:"topic"`
	Payload    string    `gorm:"type:text;not null" json:"payload"` // JobFinishedEvent / LedgerEvent 的 JSON
	Status     string    `gorm:"type:varchar(20);index;not null;default:PENDING" json:"status"`
	RetryCount int       `gorm:"not null;default:0" json:"retry_count"`
	CreatedAt  time.Time `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (OutboxMessage) TableName() string {
	return "outbox_message"
}

// NewJobFinishedMessage 构造任务终态事件
func NewJobFinishedMessage(topic string, jobID int64, payload []byte) *OutboxMessage {
	return &OutboxMessage{
		EventType:  EventJobFinished,
		MessageKey: strconv.FormatInt(jobID, 10),
		Topic:      topic,
		Payload:    string(payload),
		Status:     OutboxStatusPending,
	}
}

// NewLedgerEntryMessage 构造钱包流水事件
func NewLedgerEntryMessage(topic string, userID int64, payload []byte) *OutboxMessage {
	return &OutboxMessage{
		EventType:  EventLedgerEntry,
		MessageKey: strconv.FormatInt(userID, 10),
		Topic:      topic,
		Payload:    string(payload),
		Status:     OutboxStatusPending,
	}
}
