package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"linkplace/internal/config"
	"linkplace/internal/infrastructure/lock"
	"linkplace/internal/model"
	"linkplace/internal/repository"
	"linkplace/pkg/idgen"

	"gorm.io/gorm"
)

// ReversalService 积分冲正
//
// 冲正不修改原流水的金额：新增一条金额取反的 adjusted 流水并立即入账，
// 原流水流转为 reversed，两者通过 related_transaction_id 关联。
// 原流水流转为 reversed 当且仅当冲正流水创建成功（同一事务）
type ReversalService struct {
	db              *gorm.DB
	locker          lock.BalanceLocker
	cfg             *config.Config
	transactionRepo *repository.TransactionRepository
	balanceRepo     *repository.BalanceRepository
	outboxRepo      *repository.OutboxRepository
}

func NewReversalService(db *gorm.DB, locker lock.BalanceLocker, cfg *config.Config) *ReversalService {
	return &ReversalService{
		db:              db,
		locker:          locker,
		cfg:             cfg,
		transactionRepo: repository.NewTransactionRepository(db),
		balanceRepo:     repository.NewBalanceRepository(db),
		outboxRepo:      repository.NewOutboxRepository(db),
	}
}

type ReverseResponse struct {
	TransactionID         int64  `json:"transaction_id"`          // 冲正流水ID
	TransactionNo         string `json:"transaction_no"`          // 冲正流水号
	OriginalTransactionID int64  `json:"original_transaction_id"` // 原流水ID
	Points                int64  `json:"points"`                  // 冲正金额（原流水金额取反）
	Message               string `json:"message,omitempty"`
}

// Reverse 冲正一条已完成流水（管理员操作）
func (s *ReversalService) Reverse(ctx context.Context, transactionID int64, adminUserID int64, reason string) (*ReverseResponse, error) {
	original, err := s.transactionRepo.GetByID(ctx, transactionID)
	if err != nil {
		return nil, err
	}

	if !original.IsCompleted() {
		return nil, ErrNotCompleted
	}

	unlock, err := s.locker.Lock(ctx, original.UserID)
	if err != nil {
		return nil, fmt.Errorf("系统繁忙，请稍后重试: %w", err)
	}
	defer unlock()

	// 获取锁后重新读取，避免重复冲正
	original, err = s.transactionRepo.GetByID(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if !original.IsCompleted() {
		return nil, ErrNotCompleted
	}

	balance, err := s.balanceRepo.GetByUserID(ctx, original.UserID)
	if err != nil {
		return nil, fmt.Errorf("查询积分账户失败: %w", err)
	}

	// 按原流水的积分符号决定回退方向（adjusted 类型两种符号都可能出现）：
	// 加过积分的流水要从可用积分中扣回，积分已被消费时冲正失败
	if original.Points > 0 && balance.AvailablePoints < original.Points {
		return nil, repository.ErrInsufficientPoints
	}

	now := time.Now()
	reversal := &model.PointTransaction{
		TransactionNo:        idgen.GenerateAdjustmentNo(),
		RequestID:            fmt.Sprintf("reverse-%d", original.ID), // 同一原流水只能冲正一次
		UserID:               original.UserID,
		Type:                 model.TransactionTypeAdjusted,
		Source:               model.SourceAdmin,
		Status:               model.TransactionStatusCompleted,
		Points:               -original.Points,
		BalanceBefore:        balance.AvailablePoints,
		BalanceAfter:         balance.AvailablePoints - original.Points,
		Description:          fmt.Sprintf("冲正流水 %s: %s", original.TransactionNo, reason),
		RelatedTransactionID: &original.ID,
		AdminUserID:          &adminUserID,
		AdminNotes:           reason,
		ProcessedAt:          &now,
	}
	reversal.SetMetadata("original_transaction_no", original.TransactionNo)
	if reason != "" {
		reversal.SetMetadata("reason", reason)
	}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		extra := map[string]interface{}{
			"admin_notes": reason,
		}
		if err := s.transactionRepo.UpdateStatus(ctx, tx, original.ID,
			model.TransactionStatusCompleted, model.TransactionStatusReversed, extra); err != nil {
			return fmt.Errorf("更新原流水状态失败: %w", err)
		}

		if err := s.transactionRepo.Create(ctx, tx, reversal); err != nil {
			return fmt.Errorf("创建冲正流水失败: %w", err)
		}

		if original.Points > 0 {
			if err := s.balanceRepo.RevokeCredit(ctx, tx, original.UserID, original.Points); err != nil {
				return fmt.Errorf("扣回入账积分失败: %w", err)
			}
		} else {
			if err := s.balanceRepo.RestoreDebit(ctx, tx, original.UserID, original.AbsolutePoints()); err != nil {
				return fmt.Errorf("恢复出账积分失败: %w", err)
			}
		}

		msgPayload := map[string]interface{}{
			"transaction_no":          reversal.TransactionNo,
			"original_transaction_no": original.TransactionNo,
			"user_id":                 original.UserID,
			"points":                  reversal.Points,
			"reason":                  reason,
			"reversed_at":             now.Format(time.RFC3339),
		}
		payloadBytes, _ := json.Marshal(msgPayload)

		outboxMsg := &model.OutboxMessage{
			MessageKey: reversal.TransactionNo,
			EventType:  model.PointEventReversed,
			Topic:      s.cfg.Kafka.Topic.PointEvents,
			Payload:    string(payloadBytes),
			Status:     model.OutboxStatusPending,
		}
		if err := s.outboxRepo.Create(ctx, tx, outboxMsg); err != nil {
			return fmt.Errorf("写入消息失败: %w", err)
		}

		return nil
	})

	if err != nil {
		return nil, err
	}

	log.Printf("流水冲正成功: transactionNo=%s, originalNo=%s, userID=%d, points=%d",
		reversal.TransactionNo, original.TransactionNo, original.UserID, reversal.Points)

	return &ReverseResponse{
		TransactionID:         reversal.ID,
		TransactionNo:         reversal.TransactionNo,
		OriginalTransactionID: original.ID,
		Points:                reversal.Points,
		Message:               "冲正成功",
	}, nil
}
