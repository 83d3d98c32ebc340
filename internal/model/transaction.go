package model

import (
	"encoding/json"
	"time"
)

// ============================================================================
// 交易类型常量
// ============================================================================

const (
	TransactionTypeEarned   = "earned"   // 积分获取
	TransactionTypeSpent    = "spent"    // 积分消费
	TransactionTypeRefunded = "refunded" // 积分退还
	TransactionTypeExpired  = "expired"  // 积分过期
	TransactionTypeAdjusted = "adjusted" // 管理员调整（冲正）
	TransactionTypeBonus    = "bonus"    // 额外奖励
	TransactionTypePenalty  = "penalty"  // 惩罚扣除
)

// IsCreditType 入账类型（points 为正数）
func IsCreditType(transactionType string) bool {
	switch transactionType {
	case TransactionTypeEarned, TransactionTypeRefunded, TransactionTypeBonus:
		return true
	}
	return false
}

// IsDebitType 出账类型（points 为负数）
func IsDebitType(transactionType string) bool {
	switch transactionType {
	case TransactionTypeSpent, TransactionTypeExpired, TransactionTypePenalty:
		return true
	}
	return false
}

// ============================================================================
// 积分来源常量
// ============================================================================

const (
	SourceCampaign     = "campaign"      // 参与营销活动
	SourceReview       = "review"        // 撰写评价
	SourceReferral     = "referral"      // 邀请好友
	SourcePurchase     = "purchase"      // 购买商品
	SourceSignup       = "signup"        // 注册奖励
	SourceDailyCheckin = "daily_checkin" // 每日签到
	SourceEvent        = "event"         // 特别活动
	SourceAdmin        = "admin"         // 管理员操作
	SourceSocialShare  = "social_share"  // 社交分享
	SourceBirthday     = "birthday"      // 生日奖励
	SourceExpiration   = "expiration"    // 积分过期
	SourceOther        = "other"         // 其他
)

// ============================================================================
// 交易状态常量与状态机
// ============================================================================

const (
	TransactionStatusPending   = "pending"   // 待审核
	TransactionStatusCompleted = "completed" // 已完成（已入账/出账）
	TransactionStatusFailed    = "failed"    // 审核拒绝
	TransactionStatusCancelled = "cancelled" // 已取消
	TransactionStatusReversed  = "reversed"  // 已冲正
)

// ValidStatusTransitions 合法的状态流转
// pending 只能走向终态；completed 只能被冲正；其余终态不可再变更
var ValidStatusTransitions = map[string][]string{
	TransactionStatusPending:   {TransactionStatusCompleted, TransactionStatusFailed, TransactionStatusCancelled},
	TransactionStatusCompleted: {TransactionStatusReversed},
}

func CanTransitionTo(currentStatus, targetStatus string) bool {
	allowedStatuses, exists := ValidStatusTransitions[currentStatus]
	if !exists {
		return false
	}
	for _, s := range allowedStatuses {
		if s == targetStatus {
			return true
		}
	}
	return false
}

// ============================================================================
// 积分流水实体
// ============================================================================

// PointTransaction 积分流水表
// 记录用户积分的每一次变动，是积分对账的核心依据
//
// 【重要】流水表设计原则：
// 1. 终态流水（completed/failed/cancelled/reversed）只允许修改状态本身和管理备注
// 2. 记录变动前后余额 —— 便于校验余额一致性（balance_after = balance_before + points）
// 3. 冲正通过新增反向流水实现，通过 related_transaction_id 关联，不回改原流水金额
type PointTransaction struct {
	ID            int64  `gorm:"primaryKey;autoIncrement" json:"id"`
	TransactionNo string `gorm:"type:varchar(64);uniqueIndex;not null" json:"transaction_no"` // 流水号（全局唯一）
	RequestID     string `gorm:"type:varchar(64);uniqueIndex;not null" json:"request_id"`     // 幂等ID，业务方传入
	UserID        int64  `gorm:"index;not null" json:"user_id"`
	CampaignID    *int64 `gorm:"index" json:"campaign_id,omitempty"` // 关联活动ID（可选）

	Type   string `gorm:"type:varchar(20);index;not null" json:"type"`   // 交易类型
	Source string `gorm:"type:varchar(32);index;not null" json:"source"` // 积分来源
	Status string `gorm:"type:varchar(20);index;not null" json:"status"` // 交易状态
	Points int64  `gorm:"not null" json:"points"`                        // 积分数（入账为正，出账为负）

	BalanceBefore int64 `gorm:"not null;default:0" json:"balance_before"` // 入账前可用余额
	BalanceAfter  int64 `gorm:"not null;default:0" json:"balance_after"`  // 入账后可用余额

	Description   string `gorm:"type:varchar(256);not null" json:"description"`
	ReferenceID   string `gorm:"type:varchar(100);index" json:"reference_id,omitempty"` // 外部引用ID（评价ID、订单号等）
	ReferenceType string `gorm:"type:varchar(50)" json:"reference_type,omitempty"`

	// 过期信息（仅入账类流水有意义）
	ExpiresAt *time.Time `gorm:"index" json:"expires_at,omitempty"`
	IsExpired bool       `gorm:"not null;default:false" json:"is_expired"`

	// 冲正/退款关联的原流水（仅查询用，不做级联）
	RelatedTransactionID *int64 `gorm:"index" json:"related_transaction_id,omitempty"`

	Metadata string `gorm:"type:text" json:"metadata,omitempty"` // JSON 键值对，附加信息

	AdminUserID *int64 `json:"admin_user_id,omitempty"`
	AdminNotes  string `gorm:"type:text" json:"admin_notes,omitempty"`

	ProcessedAt *time.Time `json:"processed_at,omitempty"` // 入账/终态时间
	CreatedAt   time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt   time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (PointTransaction) TableName() string {
	return "point_transaction"
}

func (t *PointTransaction) IsCredit() bool {
	return IsCreditType(t.Type)
}

func (t *PointTransaction) IsDebit() bool {
	return IsDebitType(t.Type)
}

func (t *PointTransaction) IsPending() bool {
	return t.Status == TransactionStatusPending
}

func (t *PointTransaction) IsCompleted() bool {
	return t.Status == TransactionStatusCompleted
}

// AbsolutePoints 积分绝对值
func (t *PointTransaction) AbsolutePoints() int64 {
	if t.Points < 0 {
		return -t.Points
	}
	return t.Points
}

// GetMetadata 读取附加信息中指定键的值，不存在时返回空字符串
func (t *PointTransaction) GetMetadata(key string) string {
	if t.Metadata == "" {
		return ""
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(t.Metadata), &m); err != nil {
		return ""
	}
	return m[key]
}

// SetMetadata 写入附加信息键值对，原有内容不合法时重置
func (t *PointTransaction) SetMetadata(key, value string) {
	m := map[string]string{}
	if t.Metadata != "" {
		if err := json.Unmarshal([]byte(t.Metadata), &m); err != nil {
			m = map[string]string{}
		}
	}
	m[key] = value
	b, err := json.Marshal(m)
	if err != nil {
		return
	}
	t.Metadata = string(b)
}
