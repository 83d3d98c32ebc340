package model

import (
	"time"
)

// PointBalance 用户积分账户表
// 每用户一行，首笔交易时懒创建，永不删除
//
// 不变式：available_points >= 0，任何操作不允许把可用积分扣成负数
type PointBalance struct {
	ID              int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID          int64     `gorm:"uniqueIndex;not null" json:"user_id"`          // 用户ID，业务方传入
	TotalPoints     int64     `gorm:"not null;default:0" json:"total_points"`       // 累计获得积分（入账类已完成流水之和）
	AvailablePoints int64     `gorm:"not null;default:0" json:"available_points"`   // 可用积分
	PendingPoints   int64     `gorm:"not null;default:0" json:"pending_points"`     // 待审核积分
	UsedPoints      int64     `gorm:"not null;default:0" json:"used_points"`        // 累计消费积分
	ExpiredPoints   int64     `gorm:"not null;default:0" json:"expired_points"`     // 累计过期积分
	Version         int       `gorm:"not null;default:0" json:"version"`            // 乐观锁版本号
	CreatedAt       time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (PointBalance) TableName() string {
	return "point_balance"
}
