package repository

import (
	"context"
	"errors"
	"time"

	"linkplace/internal/model"

	"gorm.io/gorm"
)

var (
	ErrTransactionNotFound = errors.New("积分流水不存在")
	ErrStatusInvalid       = errors.New("流水状态不合法")
	ErrAlreadyExpired      = errors.New("积分已过期处理")
	ErrDuplicateRequest    = errors.New("重复请求")
)

// TransactionFilter 流水查询过滤条件
type TransactionFilter struct {
	Type      string
	Source    string
	Status    string
	StartDate *time.Time
	EndDate   *time.Time
}

type TransactionRepository struct {
	db *gorm.DB
}

func NewTransactionRepository(db *gorm.DB) *TransactionRepository {
	return &TransactionRepository{db: db}
}

// Create 创建流水
//
// request_id 上有唯一索引，幂等预检查之间挤进来的并发请求
// 会在这里撞唯一键，统一翻译成 ErrDuplicateRequest
func (r *TransactionRepository) Create(ctx context.Context, tx *gorm.DB, trans *model.PointTransaction) error {
	if tx == nil {
		tx = r.db
	}
	if err := tx.WithContext(ctx).Create(trans).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrDuplicateRequest
		}
		return err
	}
	return nil
}

func (r *TransactionRepository) GetByID(ctx context.Context, id int64) (*model.PointTransaction, error) {
	var trans model.PointTransaction
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&trans).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	return &trans, nil
}

func (r *TransactionRepository) GetByTransactionNo(ctx context.Context, transactionNo string) (*model.PointTransaction, error) {
	var trans model.PointTransaction
	err := r.db.WithContext(ctx).Where("transaction_no = ?", transactionNo).First(&trans).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	return &trans, nil
}

// GetByRequestID 按幂等ID查询，不存在时返回 nil
func (r *TransactionRepository) GetByRequestID(ctx context.Context, requestID string) (*model.PointTransaction, error) {
	var trans model.PointTransaction
	err := r.db.WithContext(ctx).Where("request_id = ?", requestID).First(&trans).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &trans, nil
}

// UpdateStatus 状态流转（条件更新实现 CAS）
//
// extra 携带随状态一起落库的字段（余额快照、管理备注等）；
// 当前状态已不是 fromStatus 时不更新任何行，返回 ErrStatusInvalid
func (r *TransactionRepository) UpdateStatus(ctx context.Context, tx *gorm.DB, id int64, fromStatus, toStatus string, extra map[string]interface{}) error {
	if !model.CanTransitionTo(fromStatus, toStatus) {
		return ErrStatusInvalid
	}

	if tx == nil {
		tx = r.db
	}

	updates := map[string]interface{}{
		"status":       toStatus,
		"processed_at": time.Now(),
	}
	for k, v := range extra {
		updates[k] = v
	}

	result := tx.WithContext(ctx).
		Model(&model.PointTransaction{}).
		Where("id = ? AND status = ?", id, fromStatus).
		Updates(updates)

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		return ErrStatusInvalid
	}

	return nil
}

// MarkExpired 标记入账流水已过期（条件更新，保证每条流水只处理一次）
//
// 同时校验流水仍是 completed：批量扫描和逐条加锁处理之间被冲正的流水
// 积分已经被扣回，不能再做过期扣减
func (r *TransactionRepository) MarkExpired(ctx context.Context, tx *gorm.DB, id int64) error {
	if tx == nil {
		tx = r.db
	}

	result := tx.WithContext(ctx).
		Model(&model.PointTransaction{}).
		Where("id = ? AND is_expired = ? AND status = ?", id, false, model.TransactionStatusCompleted).
		Update("is_expired", true)

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		return ErrAlreadyExpired
	}

	return nil
}

// GetExpirable 查询到期待处理的入账流水
// 条件：已完成、入账类型、设置了过期时间且已过期、尚未做过期处理
func (r *TransactionRepository) GetExpirable(ctx context.Context, before time.Time, limit int) ([]*model.PointTransaction, error) {
	var transactions []*model.PointTransaction
	err := r.db.WithContext(ctx).
		Where("status = ? AND is_expired = ? AND expires_at IS NOT NULL AND expires_at < ?",
			model.TransactionStatusCompleted, false, before).
		Where("type IN ?", []string{model.TransactionTypeEarned, model.TransactionTypeRefunded, model.TransactionTypeBonus}).
		Order("expires_at ASC").
		Limit(limit).
		Find(&transactions).Error
	return transactions, err
}

// GetExpiring 查询用户在 cutoff 之前到期的有效入账流水
func (r *TransactionRepository) GetExpiring(ctx context.Context, userID int64, cutoff time.Time) ([]*model.PointTransaction, error) {
	var transactions []*model.PointTransaction
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND status = ? AND is_expired = ? AND expires_at IS NOT NULL AND expires_at <= ?",
			userID, model.TransactionStatusCompleted, false, cutoff).
		Where("type IN ?", []string{model.TransactionTypeEarned, model.TransactionTypeRefunded, model.TransactionTypeBonus}).
		Order("expires_at ASC").
		Find(&transactions).Error
	return transactions, err
}

// List 分页查询用户流水，最新在前
func (r *TransactionRepository) List(ctx context.Context, userID int64, filter *TransactionFilter, page, pageSize int) ([]*model.PointTransaction, int64, error) {
	var transactions []*model.PointTransaction
	var total int64

	query := r.db.WithContext(ctx).Model(&model.PointTransaction{}).Where("user_id = ?", userID)

	if filter != nil {
		if filter.Type != "" {
			query = query.Where("type = ?", filter.Type)
		}
		if filter.Source != "" {
			query = query.Where("source = ?", filter.Source)
		}
		if filter.Status != "" {
			query = query.Where("status = ?", filter.Status)
		}
		if filter.StartDate != nil {
			query = query.Where("created_at >= ?", *filter.StartDate)
		}
		if filter.EndDate != nil {
			query = query.Where("created_at <= ?", *filter.EndDate)
		}
	}

	err := query.Count(&total).Error
	if err != nil {
		return nil, 0, err
	}

	err = query.
		Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&transactions).Error

	return transactions, total, err
}

// ListAllByUserID 查询用户全部流水（统计用）
func (r *TransactionRepository) ListAllByUserID(ctx context.Context, userID int64) ([]*model.PointTransaction, error) {
	var transactions []*model.PointTransaction
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at ASC").
		Find(&transactions).Error
	return transactions, err
}
