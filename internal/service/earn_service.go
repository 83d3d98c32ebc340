package service

import (
	"context"
	"encoding/json"
	"errors"
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

// EarnService 积分获取与审核
//
// 获取的积分先进入待审核状态（pending_points），审核通过后才计入可用积分。
// 审核通过/拒绝都是 pending 态的一次性流转，重复操作返回 ErrNotPending
type EarnService struct {
	db              *gorm.DB
	locker          lock.BalanceLocker
	cfg             *config.Config
	transactionRepo *repository.TransactionRepository
	balanceRepo     *repository.BalanceRepository
	outboxRepo      *repository.OutboxRepository
}

func NewEarnService(db *gorm.DB, locker lock.BalanceLocker, cfg *config.Config) *EarnService {
	return &EarnService{
		db:              db,
		locker:          locker,
		cfg:             cfg,
		transactionRepo: repository.NewTransactionRepository(db),
		balanceRepo:     repository.NewBalanceRepository(db),
		outboxRepo:      repository.NewOutboxRepository(db),
	}
}

type EarnRequest struct {
	RequestID     string `json:"request_id" binding:"required"` // 幂等ID
	UserID        int64  `json:"user_id" binding:"required"`
	Points        int64  `json:"points" binding:"required,gt=0"`
	Source        string `json:"source" binding:"required"` // review、campaign、signup 等
	Description   string `json:"description"`
	CampaignID    *int64 `json:"campaign_id,omitempty"`
	ReferenceID   string `json:"reference_id,omitempty"`
	ReferenceType string `json:"reference_type,omitempty"`
	ExpiresInDays *int   `json:"expires_in_days,omitempty"` // 不传用默认值，0 表示永不过期
}

type EarnResponse struct {
	TransactionID int64  `json:"transaction_id"`
	TransactionNo string `json:"transaction_no"`
	Status        string `json:"status"`
	Points        int64  `json:"points"`
	Message       string `json:"message,omitempty"`
}

// Earn 积分获取申请，落一条 pending 流水
func (s *EarnService) Earn(ctx context.Context, req *EarnRequest) (*EarnResponse, error) {
	if req.Points <= 0 {
		return nil, ErrInvalidAmount
	}

	// 幂等校验
	existing, err := s.transactionRepo.GetByRequestID(ctx, req.RequestID)
	if err != nil {
		return nil, fmt.Errorf("查询流水失败: %w", err)
	}
	if existing != nil {
		return &EarnResponse{
			TransactionID: existing.ID,
			TransactionNo: existing.TransactionNo,
			Status:        existing.Status,
			Points:        existing.Points,
			Message:       "流水已存在",
		}, nil
	}

	unlock, err := s.locker.Lock(ctx, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("系统繁忙，请稍后重试: %w", err)
	}
	defer unlock()

	// 获取锁后再次检查幂等
	existing, err = s.transactionRepo.GetByRequestID(ctx, req.RequestID)
	if err != nil {
		return nil, fmt.Errorf("查询流水失败: %w", err)
	}
	if existing != nil {
		return &EarnResponse{
			TransactionID: existing.ID,
			TransactionNo: existing.TransactionNo,
			Status:        existing.Status,
			Points:        existing.Points,
			Message:       "流水已存在",
		}, nil
	}

	balance, err := s.balanceRepo.GetOrCreate(ctx, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("获取积分账户失败: %w", err)
	}

	description := req.Description
	if description == "" {
		description = fmt.Sprintf("积分获取-%s", req.Source)
	}

	trans := &model.PointTransaction{
		TransactionNo: idgen.GenerateTransactionNo(),
		RequestID:     req.RequestID,
		UserID:        req.UserID,
		CampaignID:    req.CampaignID,
		Type:          model.TransactionTypeEarned,
		Source:        req.Source,
		Status:        model.TransactionStatusPending,
		Points:        req.Points,
		BalanceBefore: balance.AvailablePoints,
		BalanceAfter:  balance.AvailablePoints,
		Description:   description,
		ReferenceID:   req.ReferenceID,
		ReferenceType: req.ReferenceType,
	}

	// 过期时间：请求未指定时用配置默认值，0 表示永不过期
	expireDays := s.cfg.Points.DefaultExpireDays
	if req.ExpiresInDays != nil {
		expireDays = *req.ExpiresInDays
	}
	if expireDays > 0 {
		expiresAt := time.Now().AddDate(0, 0, expireDays)
		trans.ExpiresAt = &expiresAt
	}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		if err := s.transactionRepo.Create(ctx, tx, trans); err != nil {
			return fmt.Errorf("创建流水失败: %w", err)
		}

		if err := s.balanceRepo.AddPending(ctx, tx, req.UserID, req.Points); err != nil {
			return fmt.Errorf("登记待审核积分失败: %w", err)
		}

		return nil
	})

	if err != nil {
		return nil, err
	}

	log.Printf("积分获取申请: transactionNo=%s, userID=%d, points=%d, source=%s",
		trans.TransactionNo, req.UserID, req.Points, req.Source)

	return &EarnResponse{
		TransactionID: trans.ID,
		TransactionNo: trans.TransactionNo,
		Status:        trans.Status,
		Points:        trans.Points,
		Message:       "积分已申请，审核通过后到账",
	}, nil
}

// Approve 审核通过，积分入账
//
// pending -> completed，同一事务内完成状态流转、余额快照和账户入账
func (s *EarnService) Approve(ctx context.Context, transactionID int64, adminUserID int64) (*model.PointTransaction, error) {
	trans, err := s.transactionRepo.GetByID(ctx, transactionID)
	if err != nil {
		return nil, err
	}

	if !trans.IsPending() {
		return nil, ErrNotPending
	}

	unlock, err := s.locker.Lock(ctx, trans.UserID)
	if err != nil {
		return nil, fmt.Errorf("系统繁忙，请稍后重试: %w", err)
	}
	defer unlock()

	// 获取锁后重新读取，避免重复审核
	trans, err = s.transactionRepo.GetByID(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if !trans.IsPending() {
		return nil, ErrNotPending
	}

	balance, err := s.balanceRepo.GetByUserID(ctx, trans.UserID)
	if err != nil {
		return nil, fmt.Errorf("查询积分账户失败: %w", err)
	}

	balanceBefore := balance.AvailablePoints
	balanceAfter := balanceBefore + trans.Points

	err = s.db.Transaction(func(tx *gorm.DB) error {
		extra := map[string]interface{}{
			"balance_before": balanceBefore,
			"balance_after":  balanceAfter,
			"admin_user_id":  adminUserID,
		}
		if err := s.transactionRepo.UpdateStatus(ctx, tx, transactionID,
			model.TransactionStatusPending, model.TransactionStatusCompleted, extra); err != nil {
			if errors.Is(err, repository.ErrStatusInvalid) {
				return ErrNotPending
			}
			return fmt.Errorf("更新流水状态失败: %w", err)
		}

		if err := s.balanceRepo.ConfirmPending(ctx, tx, trans.UserID, trans.Points); err != nil {
			return fmt.Errorf("积分入账失败: %w", err)
		}

		msgPayload := map[string]interface{}{
			"transaction_no": trans.TransactionNo,
			"user_id":        trans.UserID,
			"points":         trans.Points,
			"source":         trans.Source,
			"balance_after":  balanceAfter,
			"approved_at":    time.Now().Format(time.RFC3339),
		}
		payloadBytes, _ := json.Marshal(msgPayload)

		outboxMsg := &model.OutboxMessage{
			MessageKey: trans.TransactionNo,
			EventType:  model.PointEventApproved,
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

	log.Printf("积分审核通过: transactionNo=%s, userID=%d, points=%d, adminUserID=%d",
		trans.TransactionNo, trans.UserID, trans.Points, adminUserID)

	return s.transactionRepo.GetByID(ctx, transactionID)
}

// Reject 审核拒绝，撤回待审核积分
//
// pending -> failed，可用积分和累计积分不受影响
func (s *EarnService) Reject(ctx context.Context, transactionID int64, adminUserID int64, reason string) (*model.PointTransaction, error) {
	trans, err := s.transactionRepo.GetByID(ctx, transactionID)
	if err != nil {
		return nil, err
	}

	if !trans.IsPending() {
		return nil, ErrNotPending
	}

	unlock, err := s.locker.Lock(ctx, trans.UserID)
	if err != nil {
		return nil, fmt.Errorf("系统繁忙，请稍后重试: %w", err)
	}
	defer unlock()

	trans, err = s.transactionRepo.GetByID(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if !trans.IsPending() {
		return nil, ErrNotPending
	}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		extra := map[string]interface{}{
			"admin_user_id": adminUserID,
			"admin_notes":   reason,
		}
		if err := s.transactionRepo.UpdateStatus(ctx, tx, transactionID,
			model.TransactionStatusPending, model.TransactionStatusFailed, extra); err != nil {
			if errors.Is(err, repository.ErrStatusInvalid) {
				return ErrNotPending
			}
			return fmt.Errorf("更新流水状态失败: %w", err)
		}

		if err := s.balanceRepo.ReleasePending(ctx, tx, trans.UserID, trans.Points); err != nil {
			return fmt.Errorf("撤回待审核积分失败: %w", err)
		}

		msgPayload := map[string]interface{}{
			"transaction_no": trans.TransactionNo,
			"user_id":        trans.UserID,
			"points":         trans.Points,
			"reason":         reason,
			"rejected_at":    time.Now().Format(time.RFC3339),
		}
		payloadBytes, _ := json.Marshal(msgPayload)

		outboxMsg := &model.OutboxMessage{
			MessageKey: trans.TransactionNo,
			EventType:  model.PointEventRejected,
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

	log.Printf("积分审核拒绝: transactionNo=%s, userID=%d, points=%d, reason=%s",
		trans.TransactionNo, trans.UserID, trans.Points, reason)

	return s.transactionRepo.GetByID(ctx, transactionID)
}
