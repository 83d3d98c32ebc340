package model

import (
	"time"
)

const (
	OutboxStatusPending = "PENDING"
	OutboxStatusSent    = "SENT"
	OutboxStatusFailed  = "FAILED"
)

// 积分事件类型（outbox 消息的 event_type）
const (
	PointEventApproved = "point.approved"
	PointEventRejected = "point.rejected"
	PointEventSpent    = "point.spent"
	PointEventReversed = "point.reversed"
	PointEventExpired  = "point.expired"
)

// OutboxMessage 积分事件发件箱
// 积分入账/出账与事件写入在同一事务中完成，由后台任务异步投递到 Kafka，
// 保证下游（通知、营销活动结算）最终能收到事件
type OutboxMessage struct {
	ID         int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	MessageKey string    `gorm:"type:varchar(64);not null" json:"message_key"` // 分区键，使用流水号
	EventType  string    `gorm:"type:varchar(32);not null" json:"event_type"`
	Topic      string    `gorm:"type:varchar(64);not null" json:"topic"`
	Payload    string    `gorm:"type:text;not null" json:"payload"`
	Status     string    `gorm:"type:varchar(20);index;not null;default:PENDING" json:"status"`
	RetryCount int       `gorm:"not null;default:0" json:"retry_count"`
	CreatedAt  time.Time `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (OutboxMessage) TableName() string {
	return "point_outbox_message"
}
