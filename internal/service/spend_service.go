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

// SpendService 积分消费
//
// 消费对可用积分同步结算：检查-扣减在用户锁内一步完成，
// 流水直接落 completed 状态，不经过审核
type SpendService struct {
	db              *gorm.DB
	locker          lock.BalanceLocker
	cfg             *config.Config
	transactionRepo *repository.TransactionRepository
	balanceRepo     *repository.BalanceRepository
	outboxRepo      *repository.OutboxRepository
}

func NewSpendService(db *gorm.DB, locker lock.BalanceLocker, cfg *config.Config) *SpendService {
	return &SpendService{
		db:              db,
		locker:          locker,
		cfg:             cfg,
		transactionRepo: repository.NewTransactionRepository(db),
		balanceRepo:     repository.NewBalanceRepository(db),
		outboxRepo:      repository.NewOutboxRepository(db),
	}
}

type SpendRequest struct {
	RequestID     string `json:"request_id" binding:"required"` // 幂等ID
	UserID        int64  `json:"user_id" binding:"required"`
	Points        int64  `json:"points" binding:"required,gt=0"`
	Source        string `json:"source" binding:"required"` // purchase、event 等
	Description   string `json:"description"`
	ReferenceID   string `json:"reference_id,omitempty"`
	ReferenceType string `json:"reference_type,omitempty"`
}

type SpendResponse struct {
	TransactionID int64  `json:"transaction_id"`
	TransactionNo string `json:"transaction_no"`
	Status        string `json:"status"`
	Points        int64  `json:"points"`
	NewBalance    int64  `json:"new_balance"`
	Message       string `json:"message,omitempty"`
}

// Spend 消费积分
//
// 【关键点】余额充足性的最终保证在数据库的条件更新上
// （WHERE available_points >= ?），用户锁负责把同一用户的
// 读-改-写串行化，两个并发的消费请求最多有一个成功
func (s *SpendService) Spend(ctx context.Context, req *SpendRequest) (*SpendResponse, error) {
	if req.Points <= 0 {
		return nil, ErrInvalidAmount
	}

	// 幂等校验
	existing, err := s.transactionRepo.GetByRequestID(ctx, req.RequestID)
	if err != nil {
		return nil, fmt.Errorf("查询流水失败: %w", err)
	}
	if existing != nil {
		return &SpendResponse{
			TransactionID: existing.ID,
			TransactionNo: existing.TransactionNo,
			Status:        existing.Status,
			Points:        existing.Points,
			NewBalance:    existing.BalanceAfter,
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
		return &SpendResponse{
			TransactionID: existing.ID,
			TransactionNo: existing.TransactionNo,
			Status:        existing.Status,
			Points:        existing.Points,
			NewBalance:    existing.BalanceAfter,
			Message:       "流水已存在",
		}, nil
	}

	balance, err := s.balanceRepo.GetOrCreate(ctx, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("获取积分账户失败: %w", err)
	}

	if balance.AvailablePoints < req.Points {
		return nil, repository.ErrInsufficientPoints
	}

	description := req.Description
	if description == "" {
		description = fmt.Sprintf("积分消费-%s", req.Source)
	}

	now := time.Now()
	trans := &model.PointTransaction{
		TransactionNo: idgen.GenerateTransactionNo(),
		RequestID:     req.RequestID,
		UserID:        req.UserID,
		Type:          model.TransactionTypeSpent,
		Source:        req.Source,
		Status:        model.TransactionStatusCompleted,
		Points:        -req.Points,
		BalanceBefore: balance.AvailablePoints,
		BalanceAfter:  balance.AvailablePoints - req.Points,
		Description:   description,
		ReferenceID:   req.ReferenceID,
		ReferenceType: req.ReferenceType,
		ProcessedAt:   &now,
	}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		if err := s.transactionRepo.Create(ctx, tx, trans); err != nil {
			return fmt.Errorf("创建流水失败: %w", err)
		}

		if err := s.balanceRepo.Deduct(ctx, tx, req.UserID, req.Points, balance.Version); err != nil {
			if errors.Is(err, repository.ErrInsufficientPoints) {
				return repository.ErrInsufficientPoints
			}
			if errors.Is(err, repository.ErrOptimisticLock) {
				return errors.New("系统繁忙，请重试")
			}
			return fmt.Errorf("扣减积分失败: %w", err)
		}

		msgPayload := map[string]interface{}{
			"transaction_no": trans.TransactionNo,
			"user_id":        req.UserID,
			"points":         trans.Points,
			"source":         req.Source,
			"balance_after":  trans.BalanceAfter,
			"spent_at":       now.Format(time.RFC3339),
		}
		payloadBytes, _ := json.Marshal(msgPayload)

		outboxMsg := &model.OutboxMessage{
			MessageKey: trans.TransactionNo,
			EventType:  model.PointEventSpent,
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

	log.Printf("积分消费成功: transactionNo=%s, userID=%d, points=%d",
		trans.TransactionNo, req.UserID, req.Points)

	return &SpendResponse{
		TransactionID: trans.ID,
		TransactionNo: trans.TransactionNo,
		Status:        trans.Status,
		Points:        trans.Points,
		NewBalance:    trans.BalanceAfter,
		Message:       "积分消费成功",
	}, nil
}
